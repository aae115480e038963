package busevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestExtractIndexNonObjectPayload(t *testing.T) {
	idx := ExtractIndex("hello", 123.5)
	assert.Equal(t, int64(0), idx.Priority)
	assert.Equal(t, 123.5, idx.Timestamp)
	assert.Nil(t, idx.PluginID)
	assert.Nil(t, idx.Source)
	assert.Nil(t, idx.Kind)
	assert.Nil(t, idx.Type)
	assert.Nil(t, idx.ID)
}

func TestExtractIndexPriorityCoercion(t *testing.T) {
	assert.Equal(t, int64(7), ExtractIndex(map[string]any{"priority": float64(7)}, 0).Priority)
	assert.Equal(t, int64(9), ExtractIndex(map[string]any{"priority": "9"}, 0).Priority)
	assert.Equal(t, int64(0), ExtractIndex(map[string]any{"priority": "not-a-number"}, 0).Priority)
	assert.Equal(t, int64(0), ExtractIndex(map[string]any{}, 0).Priority)
}

func TestExtractIndexTypeFallsBackToMessageType(t *testing.T) {
	idx := ExtractIndex(map[string]any{"message_type": "lifecycle"}, 0)
	require.NotNil(t, idx.Type)
	assert.Equal(t, "lifecycle", *idx.Type)

	idx2 := ExtractIndex(map[string]any{"type": "direct", "message_type": "lifecycle"}, 0)
	require.NotNil(t, idx2.Type)
	assert.Equal(t, "direct", *idx2.Type)
}

func TestExtractIndexTimestampFallsBackToTime(t *testing.T) {
	idx := ExtractIndex(map[string]any{"time": "42.5"}, 1.0)
	assert.Equal(t, 42.5, idx.Timestamp)

	idx2 := ExtractIndex(map[string]any{}, 1.0)
	assert.Equal(t, 1.0, idx2.Timestamp)

	idx3 := ExtractIndex(map[string]any{"timestamp": "garbage"}, 1.0)
	assert.Equal(t, 1.0, idx3.Timestamp)
}

func TestExtractIndexIDPrecedence(t *testing.T) {
	idx := ExtractIndex(map[string]any{
		"id":         "id-val",
		"task_id":    "task-val",
		"message_id": "msg-val",
	}, 0)
	require.NotNil(t, idx.ID)
	assert.Equal(t, "msg-val", *idx.ID)

	idx2 := ExtractIndex(map[string]any{"run_id": "run-val"}, 0)
	require.NotNil(t, idx2.ID)
	assert.Equal(t, "run-val", *idx2.ID)

	idx3 := ExtractIndex(map[string]any{"id": ""}, 0)
	assert.Nil(t, idx3.ID)
}

func TestEventEncodePopulatesBinaryCaches(t *testing.T) {
	ev := &Event{
		Seq:     1,
		TS:      NowTS(),
		Store:   "messages",
		Topic:   "all",
		Payload: map[string]any{"hello": "world"},
		Index:   ExtractIndex(map[string]any{"hello": "world"}, 0),
	}
	require.NoError(t, ev.Encode())
	assert.NotEmpty(t, ev.PayloadMP)
	assert.NotEmpty(t, ev.IndexMP)
}

func TestEncodeFanoutBodyIncludesFullRecord(t *testing.T) {
	ev := Event{
		Seq:     5,
		TS:      42.5,
		Store:   "messages",
		Topic:   "chat",
		Payload: map[string]any{"text": "hi"},
		Index:   ExtractIndex(map[string]any{"text": "hi"}, 42.5),
	}

	body, err := ev.EncodeFanoutBody()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, msgpack.Unmarshal(body, &decoded))

	assert.EqualValues(t, 5, decoded["seq"])
	assert.Equal(t, 42.5, decoded["ts"])
	assert.Equal(t, "messages", decoded["store"])
	assert.Equal(t, "chat", decoded["topic"])
	assert.Contains(t, decoded, "index")

	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", payload["text"])
}
