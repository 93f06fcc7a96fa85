// Package endpoint holds the path pattern matcher and query canonicalization
// shared by the cache rules, the signer and public-endpoint checks.
package endpoint

import (
	"net/url"
	"slices"
	"strings"
)

// Match reports whether path matches pattern. A '*' matches any run of
// characters, '/' included; a pattern without '*' must equal path exactly.
func Match(pattern string, path string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if !strings.Contains(pattern, "*") {
		return pattern == path
	}
	parts := strings.Split(pattern, "*")
	prefix, suffix := parts[0], parts[len(parts)-1]
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(rest, part)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(part):]
	}
	return strings.HasSuffix(rest, suffix)
}

// MatchAny reports whether path matches any of patterns.
func MatchAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if Match(pattern, path) {
			return true
		}
	}
	return false
}

// CanonicalQuery encodes params with keys sorted and the values of each
// key sorted, so semantically equal queries encode identically.
func CanonicalQuery(params url.Values) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, key := range keys {
		values := slices.Clone(params[key])
		slices.Sort(values)
		if len(values) == 0 {
			values = []string{""}
		}
		escapedKey := url.QueryEscape(key)
		for _, value := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(escapedKey)
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(value))
		}
	}
	return b.String()
}

// Key joins path and canonical query into a cache/request key.
func Key(path string, params url.Values) string {
	query := CanonicalQuery(params)
	if query == "" {
		return path
	}
	return path + "?" + query
}

// Normalize trims whitespace and guarantees a leading slash.
func Normalize(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}
