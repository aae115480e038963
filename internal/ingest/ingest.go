package ingest

import (
	"context"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wislap/busd/internal/busconfig"
	"github.com/wislap/busd/internal/busevent"
	"github.com/wislap/busd/internal/busstore"
)

// Publisher is the same narrow fan-out dependency busrpc.Publisher
// describes, duplicated here rather than imported so ingest stays
// decoupled from busrpc's request/response types.
type Publisher interface {
	Publish(subject string, body []byte)
}

// Ingester applies snapshot/delta_batch messages to state. Unlike
// busrpc, handling never produces a reply: a malformed message, an
// unknown store, or a topic_max violation is silently dropped, per
// handle_snapshot/handle_delta_batch in
// original_source/.../main_multithread.rs, which have no error
// channel back to the sender.
type Ingester struct {
	cfg       busconfig.Config
	state     *busstore.State
	publisher Publisher
	log       *slog.Logger
	tracer    trace.Tracer
}

// NewIngester builds an Ingester bound to state, forwarding accepted
// events to pub (which may be nil to disable fan-out).
func NewIngester(cfg busconfig.Config, state *busstore.State, pub Publisher, log *slog.Logger) *Ingester {
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{
		cfg:       cfg,
		state:     state,
		publisher: pub,
		log:       log,
		tracer:    otel.Tracer("busd/ingest"),
	}
}

// Serve accepts connections from ln until ctx is cancelled. Each
// connection is read by its own goroutine; there is no shared worker
// pool because ingest messages never block on a reply, unlike busrpc's
// request/response path — only as many goroutines run as there are
// open ingest connections.
func (ing *Ingester) Serve(ctx context.Context, ln *Listener) error {
	group, ctx := errgroup.WithContext(ctx)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		group.Go(func() error {
			ing.serveConn(ctx, c)
			return nil
		})
	}
	return group.Wait()
}

func (ing *Ingester) serveConn(ctx context.Context, c *conn) {
	defer c.Close()
	for {
		body, err := c.recv(ctx)
		if err != nil {
			return
		}
		ing.handleMessage(ctx, body)
	}
}

// handleMessage decodes one ingest message and dispatches it by its
// "kind" field, defaulting to delta_batch when absent — exactly the
// reference's unwrap_or("delta_batch").
func (ing *Ingester) handleMessage(ctx context.Context, body []byte) {
	var msg map[string]any
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return
	}

	kind, _ := msg["kind"].(string)
	if kind == "" {
		kind = "delta_batch"
	}

	ctx, span := ing.tracer.Start(ctx, "ingest.handle", trace.WithAttributes(attribute.String("ingest.kind", kind)))
	defer span.End()

	if kind == "snapshot" {
		ing.handleSnapshot(ctx, msg)
		return
	}
	ing.handleDeltaBatch(ctx, msg)
}

// handleSnapshot replaces (or appends to, when mode=="append") one
// topic's contents in a single call, per handle_snapshot. store falls
// back to the legacy "bus" key before defaulting to "messages"; topic
// defaults to "snapshot.all".
func (ing *Ingester) handleSnapshot(_ context.Context, msg map[string]any) {
	store := stringField(msg, "store", "bus", "messages")
	topic := stringField(msg, "topic", "", "snapshot.all")
	if topic == "" || len(topic) > ing.cfg.TopicNameMaxLen {
		return
	}

	items, _ := msg["items"].([]any)
	mode := stringField(msg, "mode", "", "replace")

	records := make([]any, 0, len(items))
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if !ing.payloadSizeOK(obj) {
			continue
		}
		records = append(records, obj)
	}

	st := ing.state.Store(store)
	if st == nil {
		return
	}
	if st.IsNewTopic(topic) && st.TopicCount() >= st.TopicMax {
		return
	}

	var events []busevent.Event
	if mode == "append" {
		events = make([]busevent.Event, 0, len(records))
		for _, rec := range records {
			events = append(events, st.Publish(topic, rec))
		}
	} else {
		events = st.ReplaceTopic(topic, records)
	}

	ing.fanOut(events)
}

// handleDeltaBatch applies each item in the batch independently, so one
// bad item never drops the rest, per handle_delta_batch. Each item
// resolves its own store/topic, defaulting topic to "all" rather than
// snapshot's "snapshot.all".
func (ing *Ingester) handleDeltaBatch(_ context.Context, msg map[string]any) {
	items, _ := msg["items"].([]any)

	var events []busevent.Event
	for _, it := range items {
		obj, ok := it.(map[string]any)
		if !ok {
			continue
		}

		store := stringField(obj, "store", "bus", "messages")
		topic := stringField(obj, "topic", "", "all")
		if topic == "" || len(topic) > ing.cfg.TopicNameMaxLen {
			continue
		}

		payload := obj["payload"]
		payloadObj, isObj := payload.(map[string]any)
		if !isObj {
			payloadObj = map[string]any{"value": payload}
		}
		if !ing.payloadSizeOK(payloadObj) {
			continue
		}

		st := ing.state.Store(store)
		if st == nil {
			continue
		}
		if st.IsNewTopic(topic) && st.TopicCount() >= st.TopicMax {
			continue
		}

		events = append(events, st.Publish(topic, payloadObj))
	}

	ing.fanOut(events)
}

func (ing *Ingester) payloadSizeOK(v any) bool {
	if !ing.cfg.ValidatePayloadBytes {
		return true
	}
	encoded, err := msgpack.Marshal(v)
	if err != nil {
		return false
	}
	return len(encoded) <= ing.cfg.PayloadMaxBytes
}

// fanOut forwards each accepted event to the publisher, addressed as
// "<store>.<topic>", matching handlePublish's subject scheme.
func (ing *Ingester) fanOut(events []busevent.Event) {
	if ing.publisher == nil || !ing.cfg.PubEnabled {
		return
	}
	for _, ev := range events {
		body, err := ev.EncodeFanoutBody()
		if err != nil {
			continue
		}
		ing.publisher.Publish(ev.Store+"."+ev.Topic, body)
	}
}

// stringField reads key from obj, falling back to fallbackKey (the
// legacy "bus" alias both handle_snapshot and handle_delta_batch
// accept), then to def when neither key is present as a string. An
// explicit empty string is returned as-is rather than treated as
// absent, matching the reference's `.and_then(as_str).unwrap_or(def)`
// chain, which only substitutes def when the key is missing or not a
// string — callers that must reject an empty topic check for it
// themselves afterward.
func stringField(obj map[string]any, key, fallbackKey, def string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	if fallbackKey != "" {
		if v, ok := obj[fallbackKey].(string); ok {
			return v
		}
	}
	return def
}
