package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Sternrassler/catalog-gateway/internal/config"
	"github.com/Sternrassler/catalog-gateway/internal/gateway"
	"github.com/Sternrassler/catalog-gateway/internal/testutil"
	"github.com/Sternrassler/catalog-gateway/pkg/budget"
	"github.com/rs/zerolog"
)

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.BaseURL = baseURL
	cfg.APIKey = "test-key"
	cfg.WarmupInterval = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Invalid test config: %v", err)
	}
	return cfg
}

func TestBudgetConfig(t *testing.T) {
	tests := []struct {
		name         string
		maxErrors    int
		wantCritical int
		wantWarning  int
	}{
		{name: "default", maxErrors: budget.DefaultMaxErrors, wantCritical: budget.DefaultCriticalThreshold, wantWarning: budget.DefaultWarningThreshold},
		{name: "larger budget keeps thresholds", maxErrors: 200, wantCritical: budget.DefaultCriticalThreshold, wantWarning: budget.DefaultWarningThreshold},
		{name: "small budget scales thresholds", maxErrors: 10, wantCritical: 1, wantWarning: 3},
		{name: "budget of five", maxErrors: 5, wantCritical: 1, wantWarning: 1},
		{name: "tiny budget", maxErrors: 1, wantCritical: 1, wantWarning: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.BudgetMaxErrors = tt.maxErrors

			bc := budgetConfig(cfg)
			if bc.MaxErrors != tt.maxErrors {
				t.Errorf("MaxErrors = %d, want %d", bc.MaxErrors, tt.maxErrors)
			}
			if bc.CriticalThreshold != tt.wantCritical || bc.WarningThreshold != tt.wantWarning {
				t.Errorf("thresholds = %d/%d, want %d/%d",
					bc.CriticalThreshold, bc.WarningThreshold, tt.wantCritical, tt.wantWarning)
			}
		})
	}
}

func TestBudgetConfig_SmallBudgetBlocks(t *testing.T) {
	for _, maxErrors := range []int{1, 5, 9} {
		cfg := config.Default()
		cfg.BudgetMaxErrors = maxErrors

		bc := budgetConfig(cfg)
		bc.ThrottleDelay = 0
		tracker, err := budget.NewTracker(budget.NewMemoryStore(), bc, zerolog.Nop())
		if err != nil {
			t.Fatalf("max %d: NewTracker() error = %v", maxErrors, err)
		}

		ctx := context.Background()
		for i := 0; i < maxErrors; i++ {
			if err := tracker.RecordFailure(ctx); err != nil {
				t.Fatalf("max %d: RecordFailure() error = %v", maxErrors, err)
			}
		}

		allowed, err := tracker.ShouldAllowRequest(ctx)
		if err != nil {
			t.Fatalf("max %d: ShouldAllowRequest() error = %v", maxErrors, err)
		}
		if allowed {
			t.Errorf("max %d: request allowed after %d failures", maxErrors, maxErrors)
		}
	}
}

func TestNewBudgetStore(t *testing.T) {
	ctx := context.Background()

	store, closeStore, err := newBudgetStore(ctx, "")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, ok := store.(*budget.MemoryStore); !ok {
		t.Errorf("Expected memory store without REDIS_URL, got %T", store)
	}
	if err := closeStore(); err != nil {
		t.Errorf("Unexpected close error: %v", err)
	}

	if _, _, err := newBudgetStore(ctx, "not a url"); err == nil {
		t.Error("Expected error for invalid REDIS_URL")
	}

	// Nothing listens on port 1.
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, _, err := newBudgetStore(pingCtx, "redis://127.0.0.1:1/0"); err == nil {
		t.Error("Expected error for unreachable Redis")
	}
}

func TestApp_ServesCatalog(t *testing.T) {
	mock := testutil.NewMockCatalog()
	defer mock.Close()
	mock.RequireAPIKey("test-key")
	mock.SetResponse("/catalog/categories", testutil.NewHealthyResponse(`{"result":[{"category":"V01"}]}`))

	a, err := newApp(context.Background(), testConfig(t, mock.URL()))
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}
	defer a.shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/categories", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(gateway.HeaderCache); got != gateway.CacheMiss {
		t.Errorf("Expected X-Cache MISS, got %q", got)
	}

	rec = httptest.NewRecorder()
	a.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var info gateway.InfoResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("Failed to decode info: %v", err)
	}
	if !info.APIKeyConfigured {
		t.Error("Expected api_key_configured to be true")
	}
}

func TestApp_DemoFallback(t *testing.T) {
	mock := testutil.NewMockCatalog()
	defer mock.Close()
	mock.SetResponse("/logistic/shipment/cities", testutil.NewServerErrorResponse())

	cfg := testConfig(t, mock.URL())
	cfg.Retry.MaxAttempts = 1

	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}
	defer a.shutdown(context.Background())

	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cities", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(gateway.HeaderCache); got != gateway.CacheFallback {
		t.Errorf("Expected X-Cache FALLBACK, got %q", got)
	}
}

func TestApp_ShutdownIsClean(t *testing.T) {
	mock := testutil.NewMockCatalog()
	defer mock.Close()

	a, err := newApp(context.Background(), testConfig(t, mock.URL()))
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		t.Errorf("Unexpected shutdown error: %v", err)
	}
}
