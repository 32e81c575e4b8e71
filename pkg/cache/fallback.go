package cache

import (
	"context"
	"sync"
)

// FallbackProvider supplies placeholder data for a key when there is no usable
// cached value and the refresh failed.
type FallbackProvider interface {
	Fallback(ctx context.Context, key string) (any, bool)
}

// FallbackFunc adapts a function to FallbackProvider.
type FallbackFunc func(ctx context.Context, key string) (any, bool)

// Fallback implements FallbackProvider.
func (f FallbackFunc) Fallback(ctx context.Context, key string) (any, bool) {
	return f(ctx, key)
}

// NoFallback never has data.
type NoFallback struct{}

// Fallback implements FallbackProvider.
func (NoFallback) Fallback(context.Context, string) (any, bool) { return nil, false }

// StaticFallback serves fixed documents by exact key.
type StaticFallback struct {
	mu   sync.RWMutex
	docs map[string]any
}

// NewStaticFallback creates an empty StaticFallback.
func NewStaticFallback() *StaticFallback {
	return &StaticFallback{docs: make(map[string]any)}
}

// Register stores doc under key, replacing any previous document.
func (s *StaticFallback) Register(key string, doc any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = doc
}

// Len returns the number of registered documents.
func (s *StaticFallback) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Fallback implements FallbackProvider.
func (s *StaticFallback) Fallback(_ context.Context, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	return doc, ok
}
