package logging

import "log/slog"

func attrsToMap(attrs []slog.Attr) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	values := make(map[string]any, len(attrs))
	for _, attr := range attrs {
		if attr.Key == "" {
			continue
		}
		values[attr.Key] = attrValue(attr.Value)
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	if v.Kind() != slog.KindGroup {
		return v.Any()
	}
	group := map[string]any{}
	for _, inner := range v.Group() {
		if inner.Key == "" {
			continue
		}
		group[inner.Key] = attrValue(inner.Value)
	}
	return group
}
