package logging

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

const clipLimit = 240

// Truncate flattens value onto one line and clips it for log fields.
func Truncate(value string) string {
	value = strings.Join(strings.Fields(value), " ")
	if value == "" {
		return "<empty>"
	}
	if len(value) > clipLimit {
		return value[:clipLimit] + "..."
	}
	return value
}

func FormatEventLine(event Event) string {
	var b strings.Builder
	b.WriteString(event.Time.Format("15:04:05"))
	b.WriteString(" [")
	b.WriteString(strings.ToUpper(event.Level.String()))
	b.WriteString("] ")
	b.WriteString(event.Message)
	for _, key := range orderedFieldKeys(event.Fields) {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(formatFieldValue(event.Fields[key]))
	}
	b.WriteByte('\n')
	return b.String()
}

func formatFieldValue(value any) string {
	if value == nil {
		return "<nil>"
	}
	if block, ok := jsonBlock(value); ok {
		return block
	}
	return fmt.Sprintf("%v", value)
}

// jsonBlock reports whether value should be rendered as an indented JSON
// document: containers, structs, and strings holding a JSON object or array.
func jsonBlock(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case error:
		return jsonBlock(v.Error())
	case encoding.TextMarshaler:
		text, err := v.MarshalText()
		if err != nil {
			return "", false
		}
		return jsonBlock(string(text))
	case string:
		return jsonContainerString(v)
	case []byte:
		return jsonContainerString(string(v))
	case json.RawMessage:
		return jsonContainerString(string(v))
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
		out, err := indentJSON(rv.Interface())
		if err != nil {
			return "", false
		}
		return out, true
	case reflect.String:
		return jsonContainerString(rv.String())
	}
	return "", false
}

func jsonContainerString(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return "", false
	}
	var decoded any
	if json.Unmarshal([]byte(trimmed), &decoded) != nil {
		return "", false
	}
	out, err := indentJSON(decoded)
	if err != nil {
		return "", false
	}
	return out, true
}

// orderedFieldKeys sorts scalar fields first, then JSON fields, with bulky
// payload-style fields last.
func orderedFieldKeys(fields map[string]any) []string {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	rank := func(key string) int {
		if _, ok := jsonBlock(fields[key]); !ok {
			return 0
		}
		if isPayloadFieldKey(key) {
			return 2
		}
		return 1
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return rank(keys[i]) < rank(keys[j])
	})
	return keys
}

func isPayloadFieldKey(key string) bool {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "payload", "response", "body", "data", "event", "frame":
		return true
	}
	return false
}
