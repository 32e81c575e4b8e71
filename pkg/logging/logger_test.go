package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// restoreGlobals puts back the global logger and level changed by Setup.
func restoreGlobals(t *testing.T) {
	t.Helper()
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    LogLevel
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"   ", LevelInfo, false},
		{"info", LevelInfo, false},
		{"DEBUG", LevelDebug, false},
		{"warn", LevelWarn, false},
		{" warning ", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", "", true},
		{"trace", "", true},
		{"fatal", "", true},
		{"info,debug", "", true},
		{"1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %q, want %q", tt.input, got, tt.want)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.input) {
				t.Errorf("error %q should name the rejected value %q", err, tt.input)
			}
		})
	}
}

// Every level accepted from configuration maps to the matching zerolog level.
func TestParseLogLevel_SetsGlobalLevel(t *testing.T) {
	restoreGlobals(t)

	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"debug":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"ERROR":   zerolog.ErrorLevel,
	}

	for input, want := range tests {
		level, err := ParseLogLevel(input)
		if err != nil {
			t.Fatalf("ParseLogLevel(%q): %v", input, err)
		}
		Setup(Config{Level: level, Output: &bytes.Buffer{}})
		if got := zerolog.GlobalLevel(); got != want {
			t.Errorf("level %q: global level = %v, want %v", input, got, want)
		}
	}

	// Unvalidated values fall back to info.
	Setup(Config{Level: "loud", Output: &bytes.Buffer{}})
	if got := zerolog.GlobalLevel(); got != zerolog.InfoLevel {
		t.Errorf("unknown level: global level = %v, want info", got)
	}
}

func TestSetup_JSONOutput(t *testing.T) {
	restoreGlobals(t)

	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelWarn, Output: buf})

	logger.Info().Msg("dropped")
	logger.Warn().Str("endpoint", "categories").Msg("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected one log line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Expected JSON output: %v", err)
	}
	if entry["message"] != "kept" || entry["level"] != "warn" || entry["endpoint"] != "categories" {
		t.Errorf("Unexpected entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("Expected a timestamp")
	}
}

func TestSetup_Pretty(t *testing.T) {
	restoreGlobals(t)

	buf := &bytes.Buffer{}
	logger := Setup(Config{Level: LevelInfo, Pretty: true, Output: buf})
	logger.Info().Str("component", ComponentCache).Msg("pretty message")

	out := buf.String()
	if !strings.Contains(out, "pretty message") {
		t.Errorf("Expected pretty output to contain message, got %q", out)
	}
	if json.Valid([]byte(strings.TrimSpace(out))) {
		t.Errorf("Expected console output, got JSON %q", out)
	}
}

func TestSetup_NilOutputWritesToStderr(t *testing.T) {
	restoreGlobals(t)

	f, err := os.Create(filepath.Join(t.TempDir(), "stderr"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	prevStderr := os.Stderr
	os.Stderr = f
	t.Cleanup(func() { os.Stderr = prevStderr })

	logger := Setup(Config{Level: LevelError})
	logger.Error().Msg("to stderr")

	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to stderr") {
		t.Errorf("Expected stderr to contain the message, got %q", data)
	}
}

func TestNewLogger_Components(t *testing.T) {
	restoreGlobals(t)

	components := []string{
		ComponentGateway,
		ComponentCache,
		ComponentUpstream,
		ComponentBudget,
		ComponentWarmup,
		ComponentHTTP,
	}

	for _, component := range components {
		buf := &bytes.Buffer{}
		Setup(Config{Level: LevelInfo, Output: buf})

		logger := NewLogger(component)
		logger.Info().Msg("hello")

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("%s: expected JSON output: %v", component, err)
		}
		if entry["component"] != component {
			t.Errorf("component = %v, want %s", entry["component"], component)
		}
	}
}

// Loggers created before Setup keep their old output; NewLogger binds late.
func TestNewLogger_UsesCurrentGlobalLogger(t *testing.T) {
	restoreGlobals(t)

	first := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: first})
	early := NewLogger(ComponentBudget)

	second := &bytes.Buffer{}
	Setup(Config{Level: LevelInfo, Output: second})
	late := NewLogger(ComponentBudget)
	late.Info().Msg("late")
	early.Info().Msg("early")

	if !strings.Contains(second.String(), "late") || strings.Contains(second.String(), "early") {
		t.Errorf("second output = %q", second.String())
	}
	if !strings.Contains(first.String(), "early") {
		t.Errorf("first output = %q", first.String())
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != LevelInfo || cfg.Pretty || cfg.Output != os.Stderr {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}
