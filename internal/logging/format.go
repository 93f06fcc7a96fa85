package logging

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"
)

// leadingKeys are printed first, in this order, so request and connection
// lines line up when scanning a log.
var leadingKeys = []string{"component", "method", "endpoint", "path", "status", "identity", "phase", "attempt", "error"}

// FormatEventLine renders an event as one plain line for non-terminal output.
func FormatEventLine(event Event) string {
	var b strings.Builder
	b.WriteString(event.Time.Format("15:04:05.000"))
	b.WriteString(" [")
	b.WriteString(levelName(event.Level))
	b.WriteString("] ")
	b.WriteString(event.Message)
	for _, key := range orderedFieldKeys(event.Fields) {
		fmt.Fprintf(&b, " %s=%s", key, formatFieldValue(event.Fields[key]))
	}
	b.WriteByte('\n')
	return b.String()
}

func formatFieldValue(value any) string {
	if value == nil {
		return "<nil>"
	}
	if pretty, ok := prettyJSONString(value); ok {
		return pretty
	}
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return FormatPayload(v)
	default:
		return fmt.Sprintf("%v", value)
	}
}

func marshalPrettyJSON(value any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// prettyJSONString reports whether value renders as a JSON object or array,
// and returns the indented form. Strings qualify only when the whole string
// is a JSON container.
func prettyJSONString(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case error:
		return prettyJSONString(v.Error())
	case encoding.TextMarshaler:
		text, err := v.MarshalText()
		if err != nil {
			return "", false
		}
		return prettyJSONString(string(text))
	case string:
		decoded, ok := decodeJSONContainer(strings.TrimSpace(v))
		if !ok {
			return "", false
		}
		out, err := marshalPrettyJSON(decoded)
		return out, err == nil
	case []byte:
		return prettyJSONString(string(v))
	}

	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		out, err := marshalPrettyJSON(rv.Interface())
		return out, err == nil
	default:
		return "", false
	}
}

func decodeJSONContainer(input string) (any, bool) {
	if input == "" || (input[0] != '{' && input[0] != '[') {
		return nil, false
	}
	var decoded any
	if err := json.Unmarshal([]byte(input), &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

// orderedFieldKeys puts leadingKeys first, then remaining scalars sorted,
// then JSON blocks, with payload-like blocks last.
func orderedFieldKeys(fields map[string]any) []string {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for _, key := range leadingKeys {
		if _, ok := fields[key]; ok {
			keys = append(keys, key)
		}
	}
	rest := make([]string, 0, len(fields))
	for key := range fields {
		if !slices.Contains(leadingKeys, key) {
			rest = append(rest, key)
		}
	}
	slices.Sort(rest)

	var blocks, payloads []string
	for _, key := range rest {
		if _, ok := prettyJSONString(fields[key]); !ok {
			keys = append(keys, key)
		} else if isPayloadFieldKey(key) {
			payloads = append(payloads, key)
		} else {
			blocks = append(blocks, key)
		}
	}
	keys = append(keys, blocks...)
	return append(keys, payloads...)
}

func isPayloadFieldKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "payload", "response", "frame", "body":
		return true
	default:
		return false
	}
}

// levelName is used by both renderers so badges and plain lines agree.
func levelName(level slog.Level) string {
	switch {
	case level <= slog.LevelDebug:
		return "DEBUG"
	case level <= slog.LevelInfo:
		return "INFO"
	case level <= slog.LevelWarn:
		return "WARN"
	default:
		return "ERROR"
	}
}
