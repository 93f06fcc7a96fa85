package logging

import (
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	msgStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	punctStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	redactStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	blockStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("245")).
			Padding(0, 1)
)

// stderrProfile detects what stderr can render, honoring NO_COLOR and
// CLICOLOR_FORCE. Ascii means plain lines.
func stderrProfile() termenv.Profile {
	if term := strings.TrimSpace(os.Getenv("TERM")); term == "" || term == "dumb" {
		return termenv.Ascii
	}
	return termenv.NewOutput(os.Stderr).EnvColorProfile()
}

func shouldPrettyPrint() bool {
	profile := stderrProfile()
	if profile == termenv.Ascii {
		return false
	}
	lipgloss.SetColorProfile(profile)
	return true
}

func levelBadge(level slog.Level) (string, lipgloss.Style) {
	base := lipgloss.NewStyle().Bold(true).Padding(0, 1)
	name := levelName(level)
	switch name {
	case "DEBUG":
		return name, base.Foreground(lipgloss.Color("255")).Background(lipgloss.Color("240"))
	case "INFO":
		return name, base.Foreground(lipgloss.Color("230")).Background(lipgloss.Color("31"))
	case "WARN":
		return name, base.Foreground(lipgloss.Color("234")).Background(lipgloss.Color("214"))
	default:
		return name, base.Foreground(lipgloss.Color("231")).Background(lipgloss.Color("160"))
	}
}

// formatEventPretty renders scalars inline after the message and JSON
// fields as bordered blocks underneath.
func formatEventPretty(event Event) string {
	label, badge := levelBadge(event.Level)
	var b strings.Builder
	b.WriteString(timeStyle.Render(event.Time.Format("15:04:05.000")))
	b.WriteByte(' ')
	b.WriteString(badge.Render(label))
	b.WriteByte(' ')
	b.WriteString(msgStyle.Render(event.Message))

	var blocks []string
	for _, key := range orderedFieldKeys(event.Fields) {
		value := event.Fields[key]
		if pretty, ok := prettyJSONString(value); ok {
			blocks = append(blocks, keyStyle.Render(key)+punctStyle.Render("=")+"\n"+blockStyle.Render(colorizeJSON(pretty)))
			continue
		}
		rendered := formatFieldValue(value)
		style := valueStyle
		if rendered == redacted {
			style = redactStyle
		}
		b.WriteString("  ")
		b.WriteString(keyStyle.Render(key) + punctStyle.Render("=") + style.Render(rendered))
	}
	for _, block := range blocks {
		b.WriteString("\n  ")
		b.WriteString(block)
	}
	b.WriteByte('\n')
	return b.String()
}

// colorizeJSON styles indented JSON line by line: object keys take the key
// color, redacted values stand out, punctuation is dimmed.
func colorizeJSON(pretty string) string {
	lines := strings.Split(pretty, "\n")
	for i, line := range lines {
		indent := len(line) - len(strings.TrimLeft(line, " "))
		body := line[indent:]
		key, rest, hasKey := splitJSONKey(body)
		var b strings.Builder
		b.WriteString(line[:indent])
		if hasKey {
			b.WriteString(keyStyle.Render(key))
			b.WriteString(punctStyle.Render(":") + " ")
			body = rest
		}
		b.WriteString(colorizeJSONValue(body))
		lines[i] = b.String()
	}
	return strings.Join(lines, "\n")
}

// splitJSONKey splits `"name": value` into the quoted key and the value.
func splitJSONKey(line string) (string, string, bool) {
	if !strings.HasPrefix(line, `"`) {
		return "", "", false
	}
	escaped := false
	for i := 1; i < len(line); i++ {
		switch {
		case escaped:
			escaped = false
		case line[i] == '\\':
			escaped = true
		case line[i] == '"':
			if strings.HasPrefix(line[i+1:], ": ") {
				return line[:i+1], line[i+2:], true
			}
			return "", "", false
		}
	}
	return "", "", false
}

func colorizeJSONValue(value string) string {
	trimmed := strings.TrimSuffix(value, ",")
	suffix := value[len(trimmed):]
	switch strings.TrimSpace(trimmed) {
	case "{", "}", "[", "]", "{}", "[]":
		return punctStyle.Render(value)
	case `"` + redacted + `"`:
		return redactStyle.Render(trimmed) + punctStyle.Render(suffix)
	}
	if trimmed == "" {
		return punctStyle.Render(suffix)
	}
	return valueStyle.Render(trimmed) + punctStyle.Render(suffix)
}
