package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/wislap/busd/internal/busconfig"
	"github.com/wislap/busd/internal/busstore"
)

type recordingPublisher struct {
	subjects []string
}

func (p *recordingPublisher) Publish(subject string, body []byte) {
	p.subjects = append(p.subjects, subject)
}

func newTestIngester() (*Ingester, *busstore.State, *recordingPublisher) {
	cfg := busconfig.Defaults()
	cfg.TopicMax = 2
	state := busstore.NewState(100, 2)
	pub := &recordingPublisher{}
	return NewIngester(cfg, state, pub, nil), state, pub
}

func TestHandleDeltaBatchPublishesEachItem(t *testing.T) {
	ing, state, pub := newTestIngester()

	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"kind": "delta_batch",
		"items": []any{
			map[string]any{"store": "messages", "topic": "chat", "payload": map[string]any{"text": "hi"}},
			map[string]any{"store": "messages", "topic": "chat", "payload": map[string]any{"text": "there"}},
		},
	}))

	items := state.Store("messages").GetRecent("chat", 10)
	require.Len(t, items, 2)
	require.Len(t, pub.subjects, 2)
	assert.Equal(t, "messages.chat", pub.subjects[0])
}

func TestHandleDeltaBatchDefaultsKindWhenAbsent(t *testing.T) {
	ing, state, _ := newTestIngester()

	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"items": []any{
			map[string]any{"topic": "chat", "payload": map[string]any{"text": "hi"}},
		},
	}))

	items := state.Store("messages").GetRecent("chat", 10)
	require.Len(t, items, 1)
}

func TestHandleDeltaBatchWrapsNonObjectPayload(t *testing.T) {
	ing, state, _ := newTestIngester()

	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"kind":  "delta_batch",
		"items": []any{map[string]any{"topic": "chat", "payload": "just text"}},
	}))

	items := state.Store("messages").GetRecent("chat", 10)
	require.Len(t, items, 1)
	assert.Equal(t, "just text", items[0].Payload.(map[string]any)["value"])
}

func TestHandleDeltaBatchSkipsItemsWithEmptyTopic(t *testing.T) {
	ing, state, _ := newTestIngester()

	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"kind": "delta_batch",
		"items": []any{
			map[string]any{"topic": "", "payload": map[string]any{"a": 1}},
			map[string]any{"topic": "ok", "payload": map[string]any{"a": 1}},
		},
	}))

	items := state.Store("messages").GetRecent("ok", 10)
	require.Len(t, items, 1)
}

func TestHandleDeltaBatchEnforcesTopicMax(t *testing.T) {
	ing, state, _ := newTestIngester()

	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"kind": "delta_batch",
		"items": []any{
			map[string]any{"topic": "t1", "payload": map[string]any{"a": 1}},
			map[string]any{"topic": "t2", "payload": map[string]any{"a": 1}},
			map[string]any{"topic": "t3", "payload": map[string]any{"a": 1}},
		},
	}))

	assert.Equal(t, 2, state.Store("messages").TopicCount())
	_, ok := state.Store("messages").Topic("t3")
	assert.False(t, ok)
}

func TestHandleDeltaBatchUsesBusKeyAsStoreFallback(t *testing.T) {
	ing, state, _ := newTestIngester()

	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"kind": "delta_batch",
		"items": []any{
			map[string]any{"bus": "events", "topic": "x", "payload": map[string]any{"a": 1}},
		},
	}))

	items := state.Store("events").GetRecent("x", 10)
	require.Len(t, items, 1)
}

func TestHandleSnapshotReplacesTopicContents(t *testing.T) {
	ing, state, _ := newTestIngester()
	st := state.Store("messages")
	st.Publish("chat", map[string]any{"text": "old"})

	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"kind":  "snapshot",
		"store": "messages",
		"topic": "chat",
		"items": []any{
			map[string]any{"text": "new-1"},
			map[string]any{"text": "new-2"},
		},
	}))

	items := st.GetRecent("chat", 10)
	require.Len(t, items, 2)
}

func TestHandleSnapshotAppendModeKeepsExisting(t *testing.T) {
	ing, state, _ := newTestIngester()
	st := state.Store("messages")
	st.Publish("chat", map[string]any{"text": "old"})

	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"kind":  "snapshot",
		"store": "messages",
		"topic": "chat",
		"mode":  "append",
		"items": []any{map[string]any{"text": "new"}},
	}))

	items := st.GetRecent("chat", 10)
	require.Len(t, items, 2)
}

func TestHandleSnapshotDefaultsTopicToSnapshotAll(t *testing.T) {
	ing, state, _ := newTestIngester()

	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"kind":  "snapshot",
		"store": "messages",
		"items": []any{map[string]any{"a": 1}},
	}))

	items := state.Store("messages").GetRecent("snapshot.all", 10)
	require.Len(t, items, 1)
}

func TestHandleSnapshotSkipsNonObjectItems(t *testing.T) {
	ing, state, _ := newTestIngester()

	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"kind":  "snapshot",
		"store": "messages",
		"topic": "chat",
		"items": []any{"not-an-object", map[string]any{"a": 1}},
	}))

	items := state.Store("messages").GetRecent("chat", 10)
	require.Len(t, items, 1)
}

func TestHandleMessageDropsUnknownStoreSilently(t *testing.T) {
	ing, _, pub := newTestIngester()

	assert.NotPanics(t, func() {
		ing.handleMessage(context.Background(), mustPack(t, map[string]any{
			"kind":  "delta_batch",
			"items": []any{map[string]any{"store": "nonexistent", "topic": "x", "payload": map[string]any{"a": 1}}},
		}))
	})
	assert.Empty(t, pub.subjects)
}

func TestHandleMessageDropsUndecodableBody(t *testing.T) {
	ing, _, _ := newTestIngester()
	assert.NotPanics(t, func() {
		ing.handleMessage(context.Background(), []byte("not msgpack {{{"))
	})
}

func TestPayloadSizeValidationRejectsOversizedPayload(t *testing.T) {
	ing, state, _ := newTestIngester()
	ing.cfg.PayloadMaxBytes = 16

	big := map[string]any{"text": "this payload is far larger than sixteen bytes"}
	ing.handleMessage(context.Background(), mustPack(t, map[string]any{
		"kind":  "delta_batch",
		"items": []any{map[string]any{"topic": "chat", "payload": big}},
	}))

	items := state.Store("messages").GetRecent("chat", 10)
	assert.Empty(t, items)
}

func mustPack(t *testing.T, v any) []byte {
	t.Helper()
	b, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return b
}
