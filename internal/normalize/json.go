package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// object is a decoded JSON object with lookup helpers tolerant of missing
// keys and mixed scalar types
type object map[string]any

func asObject(v any) (object, bool) {
	m, ok := v.(map[string]any)
	return object(m), ok
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// get walks nested objects along path
func (o object) get(path ...string) any {
	var cur any = map[string]any(o)
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}

func (o object) obj(path ...string) object {
	m, _ := asObject(o.get(path...))
	return m
}

func (o object) str(path ...string) string {
	return scalarString(o.get(path...))
}

// first returns the first non-empty string among the given top-level keys
func (o object) first(keys ...string) string {
	for _, k := range keys {
		if s := o.str(k); s != "" {
			return s
		}
	}
	return ""
}

// scalarString renders JSON scalars as strings. Numbers decoded with
// UseNumber keep their exact textual form, which matters for 64-bit ids.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func scalarFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

// firstID returns the id of the first element of a list of objects, or the
// first scalar element
func firstID(list []any, keys ...string) string {
	for _, item := range list {
		if s := scalarString(item); s != "" {
			return s
		}
		if m, ok := asObject(item); ok {
			if s := m.first(keys...); s != "" {
				return s
			}
		}
	}
	return ""
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseDate accepts RFC 3339 variants, plain dates and unix epochs in
// seconds or milliseconds
func parseDate(v any) *time.Time {
	s := scalarString(v)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		var t time.Time
		if n > 1e11 {
			t = time.UnixMilli(n).UTC()
		} else {
			t = time.Unix(n, 0).UTC()
		}
		return &t
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func parseLatLng(lat, lng any) (float64, float64, bool) {
	la, ok1 := scalarFloat(lat)
	ln, ok2 := scalarFloat(lng)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	if la < -90 || la > 90 || ln < -180 || ln > 180 {
		return 0, 0, false
	}
	return la, ln, true
}

func joinNonEmpty(sep string, parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}
