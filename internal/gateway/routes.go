package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/catalog-gateway/pkg/cache"
)

// Param is a query parameter forwarded to the upstream.
type Param struct {
	Name string

	// Default is filled in when the parameter is absent or empty ("" means no default)
	Default string

	// Required rejects requests without a value
	Required bool
}

// Route maps a gateway endpoint to an upstream resource.
type Route struct {
	// Name labels metrics, logs and warm-up targets
	Name string

	Method string

	// Path is the echo route, e.g. /api/categories/:category/products
	Path string

	// Upstream is the upstream path; {name} is replaced by the route parameter :name
	Upstream string

	Class cache.ResourceClass

	// Params is the whitelist of forwarded query parameters
	Params []Param

	// Body forwards the JSON request body
	Body bool
}

// productFilters are the availability filters of the product listings.
var productFilters = []Param{
	{Name: "shipmentcity", Default: DefaultShipmentCity},
	{Name: "onlyavailable", Default: "false"},
	{Name: "includeregular", Default: "true"},
	{Name: "includesale", Default: "false"},
	{Name: "includeuncondition", Default: "false"},
	{Name: "includemissing", Default: "false"},
}

// DefaultShipmentCity is used when a request does not name a shipment city.
const DefaultShipmentCity = "Москва"

// Route names.
const (
	RouteCategories       = "categories"
	RouteCategoryProducts = "category_products"
	RouteProductsBatch    = "products_batch"
	RouteProductSearch    = "product_search"
	RouteCities           = "cities"
	RouteCurrencies       = "currencies"
	RouteOrders           = "orders"
	RoutePickupPoints     = "pickup_points"
)

// DefaultRoutes returns the catalog routes served by the gateway.
func DefaultRoutes() []Route {
	return []Route{
		{
			Name:     RouteCategories,
			Method:   http.MethodGet,
			Path:     "/api/categories",
			Upstream: "/catalog/categories",
			Class:    cache.ClassStatic,
		},
		{
			Name:     RouteCategoryProducts,
			Method:   http.MethodGet,
			Path:     "/api/categories/:category/products",
			Upstream: "/catalog/categories/{category}/products",
			Class:    cache.ClassSemiVolatile,
			Params:   productFilters,
		},
		{
			Name:     RouteProductsBatch,
			Method:   http.MethodPost,
			Path:     "/api/products/batch",
			Upstream: "/catalog/products/batch",
			Class:    cache.ClassSemiVolatile,
			Params:   []Param{{Name: "shipmentcity", Default: DefaultShipmentCity}},
			Body:     true,
		},
		{
			Name:     RouteProductSearch,
			Method:   http.MethodGet,
			Path:     "/api/products/search",
			Upstream: "/catalog/categories/all/products",
			Class:    cache.ClassSearch,
			Params:   append([]Param{{Name: "search", Required: true}}, productFilters...),
		},
		{
			Name:     RouteCities,
			Method:   http.MethodGet,
			Path:     "/api/cities",
			Upstream: "/logistic/shipment/cities",
			Class:    cache.ClassStatic,
		},
		{
			Name:     RouteCurrencies,
			Method:   http.MethodGet,
			Path:     "/api/currencies",
			Upstream: "/account/currencies/exchanges",
			Class:    cache.ClassVolatile,
		},
		{
			Name:     RouteOrders,
			Method:   http.MethodGet,
			Path:     "/api/orders",
			Upstream: "/sales/orders/online",
			Class:    cache.ClassVolatile,
		},
		{
			Name:     RoutePickupPoints,
			Method:   http.MethodGet,
			Path:     "/api/shipments/pickup-points",
			Upstream: "/logistic/shipment/pickup-points",
			Class:    cache.ClassSemiVolatile,
			Params:   []Param{{Name: "shipmentcity", Default: DefaultShipmentCity}},
		},
	}
}

// Query keeps the whitelisted parameters of in and fills defaults.
// Unknown parameters are dropped.
func (r Route) Query(in url.Values) (url.Values, error) {
	kept := make(url.Values, len(r.Params))
	defaults := make(map[string]string, len(r.Params))

	for _, p := range r.Params {
		if v := strings.TrimSpace(in.Get(p.Name)); v != "" {
			kept.Set(p.Name, v)
		} else if p.Required {
			return nil, fmt.Errorf("missing required parameter %q", p.Name)
		}
		if p.Default != "" {
			defaults[p.Name] = p.Default
		}
	}

	return cache.FillDefaults(kept, defaults), nil
}

// UpstreamPath substitutes route parameters into the upstream path.
// The template is scanned once; substituted values are never re-scanned.
func (r Route) UpstreamPath(param func(name string) string) (string, error) {
	var b strings.Builder
	rest := r.Upstream
	for {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return "", fmt.Errorf("route %s: unterminated parameter in %q", r.Name, r.Upstream)
		}
		name := rest[start+1 : start+end]
		value := strings.TrimSpace(param(name))
		if value == "" || strings.ContainsAny(value, "/{}?#") {
			return "", fmt.Errorf("invalid path parameter %q", name)
		}
		b.WriteString(rest[:start])
		b.WriteString(value)
		rest = rest[start+end+1:]
	}
}

// Key is the cache key of a request to this route.
func (r Route) Key(path string, query url.Values, body any) (string, error) {
	return cache.CacheKey{
		Method:      r.Method,
		Endpoint:    path,
		QueryParams: query,
		Body:        body,
	}.Build()
}

// DefaultKey is the cache key of the route called without parameters.
// It is empty for routes that need path parameters or a body.
func (r Route) DefaultKey() string {
	if r.Body || strings.Contains(r.Upstream, "{") {
		return ""
	}
	query, err := r.Query(url.Values{})
	if err != nil {
		return ""
	}
	key, err := r.Key(r.Upstream, query, nil)
	if err != nil {
		return ""
	}
	return key
}
