package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// payloadLimit caps how much of a response body or realtime frame is logged.
const payloadLimit = 4096

// FormatPayload renders a response body or frame for log output. JSON is
// pretty-printed with credential fields redacted; anything else is logged
// as trimmed text. Output is clipped to payloadLimit bytes.
func FormatPayload(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "<empty>"
	}

	// A JSON string body may itself hold encoded JSON.
	var quoted string
	if err := json.Unmarshal(trimmed, &quoted); err == nil {
		trimmed = []byte(strings.TrimSpace(quoted))
	}

	var value any
	if err := json.Unmarshal(trimmed, &value); err == nil {
		if out, encErr := marshalPrettyJSON(redactValue(value)); encErr == nil {
			return clip(out)
		}
	}
	return clip(string(trimmed))
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		for key, inner := range v {
			if secretKey(key) {
				v[key] = redacted
				continue
			}
			v[key] = redactValue(inner)
		}
		return v
	case []any:
		for i, inner := range v {
			v[i] = redactValue(inner)
		}
		return v
	default:
		return value
	}
}

func clip(s string) string {
	if len(s) <= payloadLimit {
		return s
	}
	return s[:payloadLimit] + fmt.Sprintf("... (%d bytes total)", len(s))
}
