package gateway

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Sternrassler/catalog-gateway/pkg/cache"
	"github.com/Sternrassler/catalog-gateway/pkg/warmup"
)

// WarmupTargets returns a target for every cached static route that can be
// called without path parameters or a body.
func (s *Server) WarmupTargets() []warmup.Target {
	var targets []warmup.Target
	for _, rt := range s.routes {
		if rt.Class != cache.ClassStatic || rt.DefaultKey() == "" || !s.policies.Lookup(rt.Class).Cacheable() {
			continue
		}

		rt := rt
		targets = append(targets, warmup.Target{
			Name: rt.Name,
			Fetch: func(ctx context.Context) error {
				query, err := rt.Query(url.Values{})
				if err != nil {
					return err
				}
				res, err := s.fetch(ctx, rt, rt.Upstream, query, nil)
				if err != nil {
					return err
				}
				if res.State == cache.StateFallback || res.State == cache.StateError {
					return fmt.Errorf("upstream did not answer (served %s)", res.State)
				}
				return nil
			},
		})
	}
	return targets
}
