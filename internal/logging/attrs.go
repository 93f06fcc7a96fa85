package logging

import (
	"log/slog"
	"strings"
)

const redacted = "[redacted]"

// secretKey reports whether a field or JSON key names credential material.
// Matching is by suffix so "session_token" and "refreshToken" both hit.
func secretKey(key string) bool {
	k := strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(strings.TrimSpace(key)))
	switch {
	case k == "authorization", k == "cookie", k == "password", k == "secret":
		return true
	case strings.HasSuffix(k, "token"), strings.HasSuffix(k, "signature"):
		return true
	default:
		return false
	}
}

func resolveAttr(attr slog.Attr) (string, any) {
	if attr.Key == "" {
		return "", nil
	}
	if secretKey(attr.Key) {
		return attr.Key, redacted
	}
	value := attr.Value.Resolve()
	if value.Kind() != slog.KindGroup {
		return attr.Key, value.Any()
	}
	group := value.Group()
	inner := make(map[string]any, len(group))
	for _, member := range group {
		if key, val := resolveAttr(member); key != "" {
			inner[key] = val
		}
	}
	return attr.Key, inner
}

// attrsToMap flattens attrs into event fields. Later duplicates win.
func attrsToMap(attrs []slog.Attr) map[string]any {
	values := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		if key, value := resolveAttr(attr); key != "" {
			values[key] = value
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
