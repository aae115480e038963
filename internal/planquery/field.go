package planquery

import (
	"strconv"

	"github.com/wislap/busd/internal/busevent"
)

// indexField returns the value of a named index field, or nil if the
// field isn't one of the index's fixed keys or the value is unset.
func indexField(idx busevent.Index, field string) (any, bool) {
	switch field {
	case "plugin_id":
		if idx.PluginID == nil {
			return nil, false
		}
		return *idx.PluginID, true
	case "source":
		if idx.Source == nil {
			return nil, false
		}
		return *idx.Source, true
	case "priority":
		return idx.Priority, true
	case "kind":
		if idx.Kind == nil {
			return nil, false
		}
		return *idx.Kind, true
	case "type":
		if idx.Type == nil {
			return nil, false
		}
		return *idx.Type, true
	case "timestamp":
		return idx.Timestamp, true
	case "id":
		if idx.ID == nil {
			return nil, false
		}
		return *idx.ID, true
	default:
		return nil, false
	}
}

// FieldValue resolves a field in order: index, then payload object,
// then event header fields. An unresolved field yields (nil, false).
func FieldValue(ev *busevent.Event, field string) (any, bool) {
	if v, ok := indexField(ev.Index, field); ok {
		return v, true
	}
	if obj, ok := ev.Payload.(map[string]any); ok {
		if v, ok := obj[field]; ok {
			return v, true
		}
	}
	switch field {
	case "seq":
		return ev.Seq, true
	case "ts":
		return ev.TS, true
	case "store":
		return ev.Store, true
	case "topic":
		return ev.Topic, true
	default:
		return nil, false
	}
}

// DedupeKey returns the key used by merge/intersection/difference to
// identify one event: the index's id if it is a non-empty string, else
// ("seq", seq).
func DedupeKey(ev *busevent.Event) (string, string) {
	if ev.Index.ID != nil && *ev.Index.ID != "" {
		return "id", *ev.Index.ID
	}
	return "seq", strconv.FormatUint(ev.Seq, 10)
}

// asInt64 coerces a field_value result (number or numeric string) to
// an int64, with a default for anything else.
func asInt64(v any, def int64) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return def
		}
		return i
	default:
		return def
	}
}

func asFloat64(v any, def float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
