package planquery

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/wislap/busd/internal/busevent"
)

// IndexFilter is the shared equality/range predicate over an event's
// index, used by both the bus.query handler's linear scan and the
// get-leaf's single-topic filtered scan — the same set of filter keys
// spec.md §4.H documents for bus.query.
type IndexFilter struct {
	PluginID    *string
	Source      *string
	Kind        *string
	Type        *string
	PriorityMin *int64
	SinceTS     *float64
	UntilTS     *float64
}

// Empty reports whether no filter keys are set, used by the get leaf
// to decide whether it can delegate straight to get_recent.
func (f IndexFilter) Empty() bool {
	return f.PluginID == nil && f.Source == nil && f.Kind == nil && f.Type == nil &&
		f.PriorityMin == nil && f.SinceTS == nil && f.UntilTS == nil
}

// Match reports whether ev's index satisfies every set filter key.
func (f IndexFilter) Match(ev *busevent.Event) bool {
	idx := ev.Index
	if f.PluginID != nil && (idx.PluginID == nil || *idx.PluginID != *f.PluginID) {
		return false
	}
	if f.Source != nil && (idx.Source == nil || *idx.Source != *f.Source) {
		return false
	}
	if f.Kind != nil && (idx.Kind == nil || *idx.Kind != *f.Kind) {
		return false
	}
	if f.Type != nil && (idx.Type == nil || *idx.Type != *f.Type) {
		return false
	}
	if f.PriorityMin != nil && idx.Priority < *f.PriorityMin {
		return false
	}
	if f.SinceTS != nil && idx.Timestamp < *f.SinceTS {
		return false
	}
	if f.UntilTS != nil && idx.Timestamp > *f.UntilTS {
		return false
	}
	return true
}

// ScanAndFilter applies f to every event in items and returns matches
// sorted by seq descending, matching bus.query's and the get leaf's
// output order.
func ScanAndFilter(items []busevent.Event, f IndexFilter) []busevent.Event {
	out := make([]busevent.Event, 0, len(items))
	for i := range items {
		if f.Match(&items[i]) {
			out = append(out, items[i])
		}
	}
	SortBySeqDesc(out)
	return out
}

// SortBySeqDesc sorts events by seq descending, in place.
func SortBySeqDesc(items []busevent.Event) {
	sort.Slice(items, func(i, j int) bool { return items[i].Seq > items[j].Seq })
}

// maybeMatchRegex mirrors the reference's maybe_match_regex: an empty
// pattern means "no constraint" (nil), a pattern over 128 bytes or one
// that fails to compile is rejected in strict mode (false) or ignored
// in non-strict mode (nil); otherwise the match against value
// (stringified, truncated to 1024 bytes) is returned.
func maybeMatchRegex(pattern string, value any, hasValue bool, strict bool) *bool {
	if pattern == "" {
		return nil
	}
	if len(pattern) > 128 {
		if strict {
			f := false
			return &f
		}
		return nil
	}
	if !hasValue {
		f := false
		return &f
	}

	s := stringify(value)
	if len(s) > 1024 {
		s = s[:1024]
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		if strict {
			f := false
			return &f
		}
		return nil
	}
	matched := re.MatchString(s)
	return &matched
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// ApplyUnary evaluates a unary plan op over items, per spec.md §4.I.
func ApplyUnary(items []busevent.Event, op string, params map[string]any) ([]busevent.Event, bool) {
	switch op {
	case "limit":
		n := asInt64(params["n"], 0)
		if n <= 0 {
			return []busevent.Event{}, true
		}
		if int64(len(items)) > n {
			items = items[:n]
		}
		return items, true

	case "sort":
		return applySort(items, params), true

	case "filter":
		return applyFilter(items, params), true

	case "where_eq":
		field := strings.TrimSpace(asString(params["field"]))
		if field == "" {
			return items, true
		}
		want, hasWant := params["value"]
		out := make([]busevent.Event, 0, len(items))
		for i := range items {
			got, hasGot := FieldValue(&items[i], field)
			if hasGot == hasWant && deepEqual(got, want) {
				out = append(out, items[i])
			}
		}
		return out, true

	case "where_in":
		field := strings.TrimSpace(asString(params["field"]))
		values, ok := params["values"].([]any)
		if field == "" || !ok {
			return items, true
		}
		set := make(map[string]struct{}, len(values))
		for _, v := range values {
			set[stringify(v)] = struct{}{}
		}
		out := make([]busevent.Event, 0, len(items))
		for i := range items {
			got, _ := FieldValue(&items[i], field)
			if _, ok := set[stringify(got)]; ok {
				out = append(out, items[i])
			}
		}
		return out, true

	case "where_contains":
		field := strings.TrimSpace(asString(params["field"]))
		value := asString(params["value"])
		if field == "" || value == "" {
			return items, true
		}
		out := make([]busevent.Event, 0, len(items))
		for i := range items {
			got, _ := FieldValue(&items[i], field)
			if strings.Contains(stringify(got), value) {
				out = append(out, items[i])
			}
		}
		return out, true

	case "where_regex":
		return applyWhereRegex(items, params), true

	default:
		return nil, false
	}
}

func applySort(items []busevent.Event, params map[string]any) []busevent.Event {
	byFields := []string{"timestamp", "created_at", "time"}
	switch by := params["by"].(type) {
	case string:
		byFields = []string{by}
	case []any:
		fields := make([]string, 0, len(by))
		for _, f := range by {
			fields = append(fields, stringify(f))
		}
		if len(fields) > 0 {
			byFields = fields
		}
	}
	reverse, _ := params["reverse"].(bool)

	out := make([]busevent.Event, len(items))
	copy(out, items)

	sort.SliceStable(out, func(i, j int) bool {
		ki := sortKey(&out[i], byFields)
		kj := sortKey(&out[j], byFields)
		if reverse {
			return compareKeys(kj, ki) < 0
		}
		return compareKeys(ki, kj) < 0
	})
	return out
}

// sortKeyElem is (tag, string) where tag orders numeric(0) < string(1)
// < null(2), matching cmp_sort_value in the reference evaluator.
type sortKeyElem struct {
	tag int
	val string
}

func sortKey(ev *busevent.Event, fields []string) []sortKeyElem {
	key := make([]sortKeyElem, len(fields))
	for i, f := range fields {
		v, ok := FieldValue(ev, f)
		key[i] = cmpSortValue(v, ok)
	}
	return key
}

func cmpSortValue(v any, ok bool) sortKeyElem {
	if !ok || v == nil {
		return sortKeyElem{2, ""}
	}
	switch n := v.(type) {
	case float64:
		return sortKeyElem{0, formatFloat(n)}
	case int64:
		return sortKeyElem{0, formatFloat(float64(n))}
	case uint64:
		return sortKeyElem{0, formatFloat(float64(n))}
	case string:
		return sortKeyElem{1, n}
	default:
		return sortKeyElem{1, stringify(v)}
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func compareKeys(a, b []sortKeyElem) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].tag != b[i].tag {
			return a[i].tag - b[i].tag
		}
		if a[i].val != b[i].val {
			if a[i].val < b[i].val {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func applyFilter(items []busevent.Event, params map[string]any) []busevent.Event {
	p := make(map[string]any, len(params))
	for k, v := range params {
		p[k] = v
	}
	strict := true
	if s, ok := p["strict"].(bool); ok {
		strict = s
	}
	delete(p, "strict")
	if flt, ok := p["flt"].(map[string]any); ok {
		for k, v := range flt {
			p[k] = v
		}
	}

	out := make([]busevent.Event, 0, len(items))
eventLoop:
	for i := range items {
		ev := &items[i]

		for _, k := range []string{"plugin_id", "source", "kind", "type"} {
			if want, ok := p[k]; ok {
				got, hasGot := FieldValue(ev, k)
				if !hasGot || !deepEqual(got, want) {
					continue eventLoop
				}
			}
		}

		if pminRaw, ok := p["priority_min"]; ok {
			pmin, parsed := parseInt64(pminRaw)
			if parsed {
				pri := asInt64(mustField(ev, "priority"), 0)
				if pri < pmin {
					continue eventLoop
				}
			} else if strict {
				continue eventLoop
			}
		}

		if sinceRaw, ok := p["since_ts"]; ok {
			since, parsed := parseFloat64(sinceRaw)
			if parsed {
				ts := asFloat64(mustField(ev, "timestamp"), 0)
				if ts < since {
					continue eventLoop
				}
			} else if strict {
				continue eventLoop
			}
		}

		if untilRaw, ok := p["until_ts"]; ok {
			until, parsed := parseFloat64(untilRaw)
			if parsed {
				ts := asFloat64(mustField(ev, "timestamp"), 0)
				if ts > until {
					continue eventLoop
				}
			} else if strict {
				continue eventLoop
			}
		}

		for _, prefix := range []string{"plugin_id", "source", "kind", "type"} {
			patKey := prefix + "_re"
			pat, _ := p[patKey].(string)
			if pat == "" {
				continue
			}
			got, hasGot := FieldValue(ev, prefix)
			verdict := maybeMatchRegex(pat, got, hasGot, strict)
			if verdict != nil && !*verdict {
				continue eventLoop
			}
		}

		if pat, _ := p["content_re"].(string); pat != "" {
			var content any
			var hasContent bool
			if obj, ok := ev.Payload.(map[string]any); ok {
				content, hasContent = obj["content"]
			}
			verdict := maybeMatchRegex(pat, content, hasContent, strict)
			if verdict != nil && !*verdict {
				continue eventLoop
			}
		}

		out = append(out, *ev)
	}
	return out
}

func applyWhereRegex(items []busevent.Event, params map[string]any) []busevent.Event {
	field := strings.TrimSpace(asString(params["field"]))
	pattern := asString(params["pattern"])
	strict := true
	if s, ok := params["strict"].(bool); ok {
		strict = s
	}
	if field == "" || pattern == "" {
		return items
	}

	if _, err := regexp.Compile(pattern); err != nil || len(pattern) > 128 {
		if strict {
			return []busevent.Event{}
		}
		return items
	}

	out := make([]busevent.Event, 0, len(items))
	for i := range items {
		got, hasGot := FieldValue(&items[i], field)
		verdict := maybeMatchRegex(pattern, got, hasGot, strict)
		if verdict != nil && *verdict {
			out = append(out, items[i])
		}
	}
	return out
}

func mustField(ev *busevent.Event, field string) any {
	v, _ := FieldValue(ev, field)
	return v
}

func deepEqual(a, b any) bool {
	return stringifyAny(a) == stringifyAny(b) && sameKind(a, b)
}

func sameKind(a, b any) bool {
	return fieldKind(a) == fieldKind(b)
}

func fieldKind(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, int64, uint64:
		return "number"
	default:
		return "other"
	}
}

func stringifyAny(v any) string {
	if v == nil {
		return ""
	}
	return stringify(v)
}

func parseInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func parseFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
