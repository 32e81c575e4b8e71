package cache

import (
	"fmt"
	"time"
)

// ResourceClass groups upstream resources by how quickly they change.
type ResourceClass string

const (
	// ClassStatic is near-static reference data (category tree, shipment cities).
	ClassStatic ResourceClass = "static"

	// ClassSemiVolatile is availability and pricing data (products by category).
	ClassSemiVolatile ResourceClass = "semi_volatile"

	// ClassVolatile must reflect near-real-time state (currency rates, orders).
	ClassVolatile ResourceClass = "volatile"

	// ClassSearch is ad-hoc search queries with little reuse.
	ClassSearch ResourceClass = "search"
)

// Policy is the caching and timeout policy of a resource class.
type Policy struct {
	// TTL is the freshness window; 0 disables caching for the class
	TTL time.Duration

	// ConnectTimeout bounds establishing the upstream connection
	ConnectTimeout time.Duration

	// ReadTimeout bounds the whole upstream exchange after the request is sent
	ReadTimeout time.Duration
}

// Cacheable reports whether responses of this class are stored.
func (p Policy) Cacheable() bool {
	return p.TTL > 0
}

// PolicyTable maps resource classes to their policy.
type PolicyTable map[ResourceClass]Policy

// DefaultPolicies returns the default policy table.
//
// The upstream is slow and its latency varies a lot, so read timeouts are
// generous; freshness is bought with TTL, not with short timeouts.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		ClassStatic: {
			TTL:            45 * time.Minute,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    120 * time.Second,
		},
		ClassSemiVolatile: {
			TTL:            3 * time.Minute,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    60 * time.Second,
		},
		ClassVolatile: {
			TTL:            0,
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    30 * time.Second,
		},
		ClassSearch: {
			TTL:            0,
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    30 * time.Second,
		},
	}
}

// Lookup returns the policy for class.
// Unknown classes get the semi-volatile policy.
func (t PolicyTable) Lookup(class ResourceClass) Policy {
	if p, ok := t[class]; ok {
		return p
	}
	if p, ok := t[ClassSemiVolatile]; ok {
		return p
	}
	return DefaultPolicies()[ClassSemiVolatile]
}

// WithTTL returns a copy of the table with the TTL of class replaced.
func (t PolicyTable) WithTTL(class ResourceClass, ttl time.Duration) PolicyTable {
	out := make(PolicyTable, len(t))
	for c, p := range t {
		out[c] = p
	}
	p := out.Lookup(class)
	p.TTL = ttl
	out[class] = p
	return out
}

// Validate checks that TTLs are not negative and timeouts are set.
func (t PolicyTable) Validate() error {
	for class, p := range t {
		if p.TTL < 0 {
			return fmt.Errorf("policy %s: ttl must be >= 0 (got %s)", class, p.TTL)
		}
		if p.ConnectTimeout <= 0 || p.ReadTimeout <= 0 {
			return fmt.Errorf("policy %s: connect and read timeouts must be > 0", class)
		}
	}
	return nil
}
