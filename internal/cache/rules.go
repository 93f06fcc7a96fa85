package cache

import (
	"fmt"
	"strings"
	"time"

	"backendlink/internal/endpoint"
)

// Policy governs how cached and live data are combined for one call.
type Policy string

const (
	NetworkOnly     Policy = "network_only"
	CacheFirst      Policy = "cache_first"
	NetworkFirst    Policy = "network_first"
	CacheAndNetwork Policy = "cache_and_network"
	CacheOnly       Policy = "cache_only"
)

func ParsePolicy(raw string) (Policy, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	switch Policy(normalized) {
	case NetworkOnly, CacheFirst, NetworkFirst, CacheAndNetwork, CacheOnly:
		return Policy(normalized), nil
	case "networkonly":
		return NetworkOnly, nil
	case "cachefirst":
		return CacheFirst, nil
	case "networkfirst":
		return NetworkFirst, nil
	case "cacheandnetwork":
		return CacheAndNetwork, nil
	case "cacheonly":
		return CacheOnly, nil
	default:
		return "", fmt.Errorf("unknown cache policy %q", raw)
	}
}

// ReadsCache reports whether the policy consults the cache before the network.
func (p Policy) ReadsCache() bool {
	return p == CacheOnly || p == CacheFirst || p == CacheAndNetwork
}

// FallsBackToStale reports whether a network failure may be answered with an
// expired entry.
func (p Policy) FallsBackToStale() bool {
	return p == NetworkFirst || p == CacheAndNetwork
}

// EndpointRule assigns a TTL and default policy to every endpoint matching
// Pattern.
type EndpointRule struct {
	Pattern string
	TTL     time.Duration
	Policy  Policy
}

// Rules is evaluated top to bottom; the first matching rule wins even when a
// later rule is more specific.
type Rules []EndpointRule

func (r Rules) Match(path string) (EndpointRule, bool) {
	for _, rule := range r {
		if endpoint.Match(rule.Pattern, path) {
			return rule, true
		}
	}
	return EndpointRule{}, false
}

func (r Rules) Validate() error {
	for i, rule := range r {
		if strings.TrimSpace(rule.Pattern) == "" {
			return fmt.Errorf("rule %d: pattern is required", i)
		}
		if rule.TTL < 0 {
			return fmt.Errorf("rule %d (%s): ttl must not be negative", i, rule.Pattern)
		}
		if rule.Policy != "" {
			if _, err := ParsePolicy(string(rule.Policy)); err != nil {
				return fmt.Errorf("rule %d (%s): %w", i, rule.Pattern, err)
			}
		}
	}
	return nil
}
