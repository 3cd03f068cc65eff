package logging

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type eventJSON struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// MarshalJSON renders the event for remote log viewers. Field values that do
// not encode as JSON, errors included, are sent as their string form.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Time:    e.Time,
		Level:   strings.ToLower(e.Level.String()),
		Message: e.Message,
	}
	if len(e.Fields) > 0 {
		out.Fields = make(map[string]any, len(e.Fields))
		for key, value := range e.Fields {
			out.Fields[key] = jsonFieldValue(value)
		}
	}
	return json.Marshal(out)
}

func jsonFieldValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case error:
		return v.Error()
	case json.RawMessage:
		if json.Valid(v) {
			return v
		}
		return string(v)
	case []byte:
		return string(v)
	}
	if _, err := json.Marshal(value); err != nil {
		return fmt.Sprintf("%v", value)
	}
	return value
}
