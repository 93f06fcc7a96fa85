package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"backendlink/internal/cache"
)

// RuleSet is the endpoint rule table plus the endpoints sent unsigned.
type RuleSet struct {
	DefaultTTL time.Duration
	Rules      cache.Rules
	Public     []string
}

type ruleFile struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	Public     []string      `yaml:"public"`
	Rules      []ruleEntry   `yaml:"rules"`
}

type ruleEntry struct {
	Pattern string        `yaml:"pattern"`
	TTL     time.Duration `yaml:"ttl"`
	Policy  string        `yaml:"policy"`
}

// DefaultRules is used when no rules file is configured. Order matters:
// the first matching rule wins.
func DefaultRules() RuleSet {
	return RuleSet{
		DefaultTTL: cache.DefaultTTL,
		Rules: cache.Rules{
			{Pattern: "/api/me", TTL: 10 * time.Minute, Policy: cache.NetworkFirst},
			{Pattern: "/api/notifications*", TTL: 30 * time.Second, Policy: cache.CacheAndNetwork},
			{Pattern: "/api/tasks", TTL: 5 * time.Minute, Policy: cache.CacheAndNetwork},
			{Pattern: "/api/tasks/*", TTL: 3 * time.Minute, Policy: cache.CacheFirst},
		},
		Public: []string{"/api/auth/login", "/api/auth/register", "/api/health"},
	}
}

// LoadRules reads a YAML rule file. An empty path yields DefaultRules.
func LoadRules(path string) (RuleSet, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules file: %w", err)
	}
	set, err := ParseRules(data)
	if err != nil {
		return RuleSet{}, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

func ParseRules(data []byte) (RuleSet, error) {
	var file ruleFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return RuleSet{}, fmt.Errorf("decode rules: %w", err)
	}

	set := RuleSet{DefaultTTL: file.DefaultTTL, Public: file.Public}
	if set.DefaultTTL <= 0 {
		set.DefaultTTL = cache.DefaultTTL
	}
	for i, entry := range file.Rules {
		rule := cache.EndpointRule{Pattern: strings.TrimSpace(entry.Pattern), TTL: entry.TTL}
		if strings.TrimSpace(entry.Policy) != "" {
			policy, err := cache.ParsePolicy(entry.Policy)
			if err != nil {
				return RuleSet{}, fmt.Errorf("rule %d (%s): %w", i, entry.Pattern, err)
			}
			rule.Policy = policy
		}
		set.Rules = append(set.Rules, rule)
	}
	if err := set.Rules.Validate(); err != nil {
		return RuleSet{}, err
	}
	return set, nil
}
