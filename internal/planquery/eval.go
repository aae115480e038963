package planquery

import "github.com/wislap/busd/internal/busevent"

// storeView is the minimal slice of busstore.Store the evaluator
// needs, kept narrow so planquery doesn't import busstore directly
// and create a dependency cycle with packages that need both.
type storeView interface {
	GetRecent(topic string, limit int) []busevent.Event
	TopicSnapshot(topic string) ([]busevent.Event, bool)
}

// Eval walks a plan tree and returns the resulting events, or false if
// the plan is structurally unsupported (maps to BAD_ARGS at the
// handler boundary).
func Eval(store storeView, getRecentMaxLimit int, node *Node) ([]busevent.Event, bool) {
	switch node.Kind {
	case "get":
		return evalGet(store, getRecentMaxLimit, node.Params)
	case "unary":
		base, ok := Eval(store, getRecentMaxLimit, node.Child)
		if !ok {
			return nil, false
		}
		return ApplyUnary(base, node.Op, node.Params)
	case "binary":
		left, ok := Eval(store, getRecentMaxLimit, node.Left)
		if !ok {
			return nil, false
		}
		right, ok := Eval(store, getRecentMaxLimit, node.Right)
		if !ok {
			return nil, false
		}
		return ApplyBinary(left, right, node.Op)
	default:
		return nil, false
	}
}

func evalGet(store storeView, getRecentMaxLimit int, outer map[string]any) ([]busevent.Event, bool) {
	// the reference nests get's real params one level under params.params;
	// mirror that exactly.
	p, _ := outer["params"].(map[string]any)
	if p == nil {
		p = map[string]any{}
	}

	maxCount := asInt64(firstNonNil(p["max_count"], p["limit"]), 200)
	if maxCount > int64(getRecentMaxLimit) {
		maxCount = int64(getRecentMaxLimit)
	}
	if maxCount <= 0 {
		maxCount = 200
	}
	limit := int(maxCount)

	topic := asString(p["topic"])
	if topic == "" {
		topic = "all"
	}

	filter := ParseIndexFilter(p)
	if filter.Empty() {
		return store.GetRecent(topic, limit), true
	}

	snap, ok := store.TopicSnapshot(topic)
	if !ok {
		return []busevent.Event{}, true
	}
	out := ScanAndFilter(snap, filter)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, true
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
