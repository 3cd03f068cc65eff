package logging

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FormatHTTPPayload renders an HTTP body for log output. JSON bodies are
// re-indented, JSON strings are unquoted and blank bodies become "<empty>".
func FormatHTTPPayload(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "<empty>"
	}

	var quoted string
	if json.Unmarshal([]byte(text), &quoted) == nil {
		text = strings.TrimSpace(quoted)
	}

	var decoded any
	if json.Unmarshal([]byte(text), &decoded) != nil {
		return text
	}
	if out, err := indentJSON(decoded); err == nil {
		return out
	}
	return text
}

func indentJSON(value any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
