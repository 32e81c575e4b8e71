package cache

import (
	"encoding/json"
	"net/url"
	"testing"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "simple endpoint no params",
			key: CacheKey{
				Endpoint: "/catalog/categories",
			},
			want: "GET /catalog/categories",
		},
		{
			name: "missing leading slash",
			key: CacheKey{
				Endpoint: "logistic/shipment/cities",
			},
			want: "GET /logistic/shipment/cities",
		},
		{
			name: "method is upper-cased",
			key: CacheKey{
				Method:   "post",
				Endpoint: "/catalog/products/batch",
			},
			want: "POST /catalog/products/batch",
		},
		{
			name: "endpoint with query params",
			key: CacheKey{
				Endpoint: "/catalog/categories/all/products",
				QueryParams: url.Values{
					"shipmentcity": []string{"Moscow"},
				},
			},
			want: "GET /catalog/categories/all/products?shipmentcity=Moscow",
		},
		{
			name: "multiple query params (sorted)",
			key: CacheKey{
				Endpoint: "/catalog/categories/all/products",
				QueryParams: url.Values{
					"shipmentcity":  []string{"Moscow"},
					"includesale":   []string{"true"},
					"onlyavailable": []string{"false"},
				},
			},
			want: "GET /catalog/categories/all/products?includesale=true&onlyavailable=false&shipmentcity=Moscow",
		},
		{
			name: "separators in values are escaped",
			key: CacheKey{
				Endpoint: "/catalog/products search",
				QueryParams: url.Values{
					"search": []string{"a&b=c d"},
				},
			},
			want: "GET /catalog/products%20search?search=a%26b%3Dc+d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.key.String()
			if got != tt.want {
				t.Errorf("CacheKey.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestCacheKey_InsertionOrder ensures parameter insertion order never changes the key
func TestCacheKey_InsertionOrder(t *testing.T) {
	pairs := [][2]string{
		{"shipmentcity", "Kazan"},
		{"onlyavailable", "true"},
		{"includeregular", "true"},
		{"includesale", "false"},
		{"includemissing", "false"},
	}

	var first string
	for shift := 0; shift < len(pairs); shift++ {
		params := url.Values{}
		for i := range pairs {
			p := pairs[(i+shift)%len(pairs)]
			params.Add(p[0], p[1])
		}

		got := CacheKey{Endpoint: "/catalog/categories/42/products", QueryParams: params}.String()
		if shift == 0 {
			first = got
			continue
		}
		if got != first {
			t.Errorf("shift %d: key = %v, want %v", shift, got, first)
		}
	}
}

func TestCacheKey_Body(t *testing.T) {
	type batch struct {
		Items []string `json:"items"`
		City  string   `json:"city"`
	}

	base := CacheKey{Method: "POST", Endpoint: "/catalog/products/batch"}

	withBody := func(body any) string {
		k := base
		k.Body = body
		return k.String()
	}

	t.Run("struct and map agree", func(t *testing.T) {
		a := withBody(batch{Items: []string{"1", "2"}, City: "Moscow"})
		b := withBody(map[string]any{"city": "Moscow", "items": []any{"1", "2"}})
		if a != b {
			t.Errorf("struct key %v != map key %v", a, b)
		}
	})

	t.Run("map key order is irrelevant", func(t *testing.T) {
		a := withBody(map[string]any{"a": 1, "b": map[string]any{"x": true, "y": nil}})
		b := withBody(map[string]any{"b": map[string]any{"y": nil, "x": true}, "a": 1.0})
		if a != b {
			t.Errorf("keys differ: %v vs %v", a, b)
		}
	})

	t.Run("array order matters", func(t *testing.T) {
		a := withBody([]string{"1001", "1002"})
		b := withBody([]string{"1002", "1001"})
		if a == b {
			t.Errorf("keys for different element order must differ, both %v", a)
		}
	})

	t.Run("large integers keep full precision", func(t *testing.T) {
		a := withBody([]any{json.Number("9007199254740993")})
		b := withBody([]any{json.Number("9007199254740992")})
		if a == b {
			t.Errorf("integers past 2^53 must not collide, both %v", a)
		}

		big1 := withBody(map[string]any{"id": json.Number("123456789012345678901234567890")})
		big2 := withBody(map[string]any{"id": json.Number("123456789012345678901234567891")})
		if big1 == big2 {
			t.Errorf("integers beyond 64 bits must not collide, both %v", big1)
		}
	})

	t.Run("equal numbers share a key", func(t *testing.T) {
		tests := []struct {
			name string
			a, b any
		}{
			{"number and int", []any{json.Number("1")}, []int{1}},
			{"trailing zero", []any{json.Number("1.50")}, []any{json.Number("1.5")}},
			{"integral decimal", []any{json.Number("2.0")}, []any{2}},
			{"float64", []any{0.25}, []any{json.Number("0.25")}},
		}
		for _, tt := range tests {
			if withBody(tt.a) != withBody(tt.b) {
				t.Errorf("%s: keys differ for %v and %v", tt.name, tt.a, tt.b)
			}
		}
	})

	t.Run("close decimals differ", func(t *testing.T) {
		a := withBody([]any{json.Number("0.10000000000000000001")})
		b := withBody([]any{json.Number("0.1")})
		if a == b {
			t.Errorf("keys for different decimals must differ, both %v", a)
		}
	})

	t.Run("body distinguishes otherwise equal requests", func(t *testing.T) {
		if withBody([]string{"1"}) == base.String() {
			t.Error("body must be part of the key")
		}
	})
}

func TestCacheKey_BuildUnsupportedBody(t *testing.T) {
	_, err := CacheKey{Method: "POST", Endpoint: "/x", Body: make(chan int)}.Build()
	if err == nil {
		t.Error("Build() should fail for a body that cannot be encoded")
	}
}

func TestFillDefaults(t *testing.T) {
	defaults := map[string]string{
		"onlyavailable": "false",
		"shipmentcity":  "Moscow",
	}

	omitted := FillDefaults(url.Values{}, defaults)
	explicit := FillDefaults(url.Values{"onlyavailable": {"false"}, "shipmentcity": {"Moscow"}}, defaults)
	empty := FillDefaults(url.Values{"shipmentcity": {""}}, defaults)

	keyOf := func(v url.Values) string {
		return CacheKey{Endpoint: "/catalog/categories/1/products", QueryParams: v}.String()
	}

	if keyOf(omitted) != keyOf(explicit) {
		t.Errorf("omitted %v != explicit %v", keyOf(omitted), keyOf(explicit))
	}
	if keyOf(empty) != keyOf(explicit) {
		t.Errorf("empty %v != explicit %v", keyOf(empty), keyOf(explicit))
	}

	overridden := FillDefaults(url.Values{"shipmentcity": {"Kazan"}}, defaults)
	if overridden.Get("shipmentcity") != "Kazan" {
		t.Errorf("shipmentcity = %q, want Kazan", overridden.Get("shipmentcity"))
	}

	in := url.Values{"a": {"1"}}
	FillDefaults(in, defaults)
	if len(in) != 1 {
		t.Error("FillDefaults must not modify its input")
	}
}
