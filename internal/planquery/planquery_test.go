package planquery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wislap/busd/internal/busevent"
)

func mkEvent(seq uint64, priority int64, id string, payload map[string]any) busevent.Event {
	if payload == nil {
		payload = map[string]any{}
	}
	idx := busevent.Index{Priority: priority, Timestamp: float64(seq)}
	if id != "" {
		idx.ID = &id
	}
	return busevent.Event{Seq: seq, TS: float64(seq), Store: "messages", Topic: "chat", Payload: payload, Index: idx}
}

func TestFieldValueResolutionOrder(t *testing.T) {
	ev := mkEvent(1, 5, "", map[string]any{"priority": 999, "custom": "payload-val"})
	v, ok := FieldValue(&ev, "priority")
	require.True(t, ok)
	assert.EqualValues(t, 5, v) // index wins over payload

	v2, ok := FieldValue(&ev, "custom")
	require.True(t, ok)
	assert.Equal(t, "payload-val", v2)

	v3, ok := FieldValue(&ev, "seq")
	require.True(t, ok)
	assert.EqualValues(t, uint64(1), v3)

	_, ok = FieldValue(&ev, "nonexistent")
	assert.False(t, ok)
}

func TestDedupeKeyPrefersID(t *testing.T) {
	withID := mkEvent(1, 0, "abc", nil)
	tag, val := DedupeKey(&withID)
	assert.Equal(t, "id", tag)
	assert.Equal(t, "abc", val)

	withoutID := mkEvent(2, 0, "", nil)
	tag2, val2 := DedupeKey(&withoutID)
	assert.Equal(t, "seq", tag2)
	assert.Equal(t, "2", val2)
}

func TestApplyUnaryLimit(t *testing.T) {
	items := []busevent.Event{mkEvent(1, 0, "", nil), mkEvent(2, 0, "", nil), mkEvent(3, 0, "", nil)}
	out, ok := ApplyUnary(items, "limit", map[string]any{"n": int64(2)})
	require.True(t, ok)
	assert.Len(t, out, 2)

	out2, ok := ApplyUnary(items, "limit", map[string]any{"n": int64(0)})
	require.True(t, ok)
	assert.Empty(t, out2)
}

func TestApplyUnarySortDefaultByTimestamp(t *testing.T) {
	items := []busevent.Event{mkEvent(3, 0, "", nil), mkEvent(1, 0, "", nil), mkEvent(2, 0, "", nil)}
	out, ok := ApplyUnary(items, "sort", map[string]any{})
	require.True(t, ok)
	require.Len(t, out, 3)
	assert.Equal(t, uint64(1), out[0].Seq)
	assert.Equal(t, uint64(2), out[1].Seq)
	assert.Equal(t, uint64(3), out[2].Seq)
}

func TestApplyUnarySortReverse(t *testing.T) {
	items := []busevent.Event{mkEvent(1, 0, "", nil), mkEvent(2, 0, "", nil)}
	out, ok := ApplyUnary(items, "sort", map[string]any{"reverse": true})
	require.True(t, ok)
	assert.Equal(t, uint64(2), out[0].Seq)
}

func TestApplyUnarySortStableOnConstantKey(t *testing.T) {
	items := []busevent.Event{mkEvent(1, 0, "", nil), mkEvent(2, 0, "", nil), mkEvent(3, 0, "", nil)}
	out, ok := ApplyUnary(items, "sort", map[string]any{"by": "store"})
	require.True(t, ok)
	assert.Equal(t, uint64(1), out[0].Seq)
	assert.Equal(t, uint64(2), out[1].Seq)
	assert.Equal(t, uint64(3), out[2].Seq)
}

func TestApplyUnaryWhereEq(t *testing.T) {
	items := []busevent.Event{mkEvent(1, 5, "", nil), mkEvent(2, 9, "", nil)}
	out, ok := ApplyUnary(items, "where_eq", map[string]any{"field": "priority", "value": int64(9)})
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(2), out[0].Seq)
}

func TestApplyUnaryWhereIn(t *testing.T) {
	items := []busevent.Event{mkEvent(1, 5, "", nil), mkEvent(2, 9, "", nil), mkEvent(3, 1, "", nil)}
	out, ok := ApplyUnary(items, "where_in", map[string]any{"field": "priority", "values": []any{int64(5), int64(1)}})
	require.True(t, ok)
	assert.Len(t, out, 2)
}

func TestApplyUnaryWhereContains(t *testing.T) {
	items := []busevent.Event{
		mkEvent(1, 0, "", map[string]any{"content": "hello world"}),
		mkEvent(2, 0, "", map[string]any{"content": "goodbye"}),
	}
	out, ok := ApplyUnary(items, "where_contains", map[string]any{"field": "content", "value": "hello"})
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(1), out[0].Seq)
}

func TestApplyUnaryWhereRegex(t *testing.T) {
	items := []busevent.Event{
		mkEvent(1, 0, "", map[string]any{"content": "abc123"}),
		mkEvent(2, 0, "", map[string]any{"content": "xyz"}),
	}
	out, ok := ApplyUnary(items, "where_regex", map[string]any{"field": "content", "pattern": `^\w+\d+$`})
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(1), out[0].Seq)
}

func TestApplyUnaryFilterPriorityMin(t *testing.T) {
	items := []busevent.Event{mkEvent(1, 1, "", nil), mkEvent(2, 5, "", nil), mkEvent(3, 9, "", nil)}
	out, ok := ApplyUnary(items, "filter", map[string]any{"priority_min": int64(5)})
	require.True(t, ok)
	assert.Len(t, out, 2)
}

func TestApplyUnaryFilterStrictDropsUnparseable(t *testing.T) {
	items := []busevent.Event{mkEvent(1, 1, "", nil)}
	out, ok := ApplyUnary(items, "filter", map[string]any{"priority_min": "not-a-number", "strict": true})
	require.True(t, ok)
	assert.Empty(t, out)

	out2, ok := ApplyUnary(items, "filter", map[string]any{"priority_min": "not-a-number", "strict": false})
	require.True(t, ok)
	assert.Len(t, out2, 1)
}

func TestApplyUnaryUnknownOp(t *testing.T) {
	_, ok := ApplyUnary(nil, "nonexistent", nil)
	assert.False(t, ok)
}

func TestApplyBinaryMergeDedupes(t *testing.T) {
	a := mkEvent(1, 0, "dup", nil)
	b := mkEvent(2, 0, "dup", nil)
	c := mkEvent(3, 0, "", nil)
	out, ok := ApplyBinary([]busevent.Event{a}, []busevent.Event{b, c}, "merge")
	require.True(t, ok)
	// a and b share dedupe key "dup"; only the first occurrence (a) is kept.
	assert.Len(t, out, 2)
}

func TestApplyBinaryIntersection(t *testing.T) {
	a := mkEvent(1, 0, "k1", nil)
	b := mkEvent(2, 0, "k2", nil)
	right := mkEvent(3, 0, "k1", nil)
	out, ok := ApplyBinary([]busevent.Event{a, b}, []busevent.Event{right}, "intersection")
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(1), out[0].Seq)
}

func TestApplyBinaryDifference(t *testing.T) {
	a := mkEvent(1, 0, "k1", nil)
	b := mkEvent(2, 0, "k2", nil)
	right := mkEvent(3, 0, "k1", nil)
	out, ok := ApplyBinary([]busevent.Event{a, b}, []busevent.Event{right}, "difference")
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(2), out[0].Seq)
}

// fakeStore is a minimal storeView test double for Eval.
type fakeStore struct {
	recent map[string][]busevent.Event
}

func (f *fakeStore) GetRecent(topic string, limit int) []busevent.Event {
	items := f.recent[topic]
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items
}

func (f *fakeStore) TopicSnapshot(topic string) ([]busevent.Event, bool) {
	items, ok := f.recent[topic]
	return items, ok
}

func TestEvalGetDelegatesToGetRecentWhenNoFilters(t *testing.T) {
	store := &fakeStore{recent: map[string][]busevent.Event{
		"chat": {mkEvent(1, 0, "", nil), mkEvent(2, 0, "", nil)},
	}}
	node := &Node{Kind: "get", Params: map[string]any{"params": map[string]any{"topic": "chat", "limit": int64(10)}}}
	out, ok := Eval(store, 1000, node)
	require.True(t, ok)
	assert.Len(t, out, 2)
}

func TestEvalUnaryOverGet(t *testing.T) {
	store := &fakeStore{recent: map[string][]busevent.Event{
		"chat": {mkEvent(1, 0, "", nil), mkEvent(2, 0, "", nil), mkEvent(3, 0, "", nil)},
	}}
	node := &Node{
		Kind: "unary",
		Op:   "limit",
		Params: map[string]any{"n": int64(1)},
		Child: &Node{Kind: "get", Params: map[string]any{"params": map[string]any{"topic": "chat", "limit": int64(100)}}},
	}
	out, ok := Eval(store, 1000, node)
	require.True(t, ok)
	require.Len(t, out, 1)
	assert.Equal(t, uint64(1), out[0].Seq)
}

func TestParseNodeRoundTrip(t *testing.T) {
	raw := map[string]any{
		"kind": "unary",
		"op":   "limit",
		"params": map[string]any{"n": int64(1)},
		"child": map[string]any{
			"kind":   "get",
			"params": map[string]any{"params": map[string]any{"topic": "chat"}},
		},
	}
	node, err := ParseNode(raw)
	require.NoError(t, err)
	assert.Equal(t, "unary", node.Kind)
	assert.Equal(t, "limit", node.Op)
	require.NotNil(t, node.Child)
	assert.Equal(t, "get", node.Child.Kind)
}
