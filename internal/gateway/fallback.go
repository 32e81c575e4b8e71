package gateway

import (
	"github.com/Sternrassler/catalog-gateway/pkg/cache"
)

// NewDemoFallback returns placeholder categories and cities, registered under
// the default keys of their routes, for when the upstream has never answered.
func NewDemoFallback(routes []Route) *cache.StaticFallback {
	docs := map[string]any{
		RouteCategories: map[string]any{
			"demo": true,
			"result": []any{
				map[string]any{"category": "V01", "name": "Компьютеры и ноутбуки", "children": []any{}},
				map[string]any{"category": "V02", "name": "Комплектующие", "children": []any{}},
				map[string]any{"category": "V03", "name": "Периферия", "children": []any{}},
			},
		},
		RouteCities: map[string]any{
			"demo":   true,
			"result": []any{"Москва", "Санкт-Петербург", "Екатеринбург", "Новосибирск"},
		},
	}

	fb := cache.NewStaticFallback()
	for _, rt := range routes {
		doc, ok := docs[rt.Name]
		if !ok {
			continue
		}
		if key := rt.DefaultKey(); key != "" {
			fb.Register(key, doc)
		}
	}
	return fb
}
