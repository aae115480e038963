// Package busevent defines the Event record stored by the bus and the
// index-extraction rule used to derive the small, filterable summary
// attached to every event.
package busevent

import (
	"reflect"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Index is the derived, filterable summary of a payload. It is computed
// once at publish time and cached alongside the event so query/replay
// never has to re-walk the raw payload.
type Index struct {
	PluginID  *string `json:"plugin_id" msgpack:"plugin_id"`
	Source    *string `json:"source" msgpack:"source"`
	Priority  int64   `json:"priority" msgpack:"priority"`
	Kind      *string `json:"kind" msgpack:"kind"`
	Type      *string `json:"type" msgpack:"type"`
	Timestamp float64 `json:"timestamp" msgpack:"timestamp"`
	ID        *string `json:"id" msgpack:"id"`
}

// Event is one published record in a topic buffer. Payload and Index are
// kept both as plain Go values (for in-process query/filter use and for
// building RPC responses) and as pre-encoded binary blobs computed once
// at publish time.
type Event struct {
	Seq     uint64 `json:"seq"`
	TS      float64 `json:"ts"`
	Store   string `json:"store"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
	Index   Index  `json:"index"`

	// PayloadMP/IndexMP are the msgpack encodings of Payload/Index,
	// computed once in Encode. RPC responses and the fan-out body are
	// encoded from Payload/Index, not from these blobs.
	PayloadMP []byte `json:"-"`
	IndexMP   []byte `json:"-"`
}

// NowTS returns the current time as a float64 unix timestamp, matching
// the reference implementation's now_ts (SystemTime::now since epoch,
// as seconds with fractional precision).
func NowTS() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// idFields is the ordered list of payload fields consulted for a
// record's identity. The first non-empty string wins.
var idFields = []string{"message_id", "event_id", "lifecycle_id", "id", "task_id", "run_id"}

// ExtractIndex derives an Index from a raw JSON-decoded payload. A
// non-object payload yields the zero-value index (priority 0, every
// other field nil, timestamp defaultTS). Field coercion mirrors the
// reference extract_index exactly: numeric-or-parseable-string wins
// over a flat default, never an error.
func ExtractIndex(payload any, defaultTS float64) Index {
	obj, ok := payload.(map[string]any)
	if !ok {
		return Index{Priority: 0, Timestamp: defaultTS}
	}

	idx := Index{Timestamp: defaultTS}
	idx.PluginID = nonEmptyString(obj["plugin_id"])
	idx.Source = nonEmptyString(obj["source"])
	idx.Priority = coerceInt(obj["priority"])
	idx.Kind = nonEmptyString(obj["kind"])

	idx.Type = nonEmptyString(obj["type"])
	if idx.Type == nil {
		idx.Type = nonEmptyString(obj["message_type"])
	}

	tsRaw, ok := obj["timestamp"]
	if !ok {
		tsRaw, ok = obj["time"]
	}
	if ok {
		idx.Timestamp = coerceFloat(tsRaw, defaultTS)
	}

	for _, field := range idFields {
		if v := nonEmptyString(obj[field]); v != nil {
			idx.ID = v
			break
		}
	}

	return idx
}

func nonEmptyString(v any) *string {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

func coerceInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0
		}
		return i
	default:
		rv := reflect.ValueOf(v)
		switch {
		case rv.CanInt():
			return rv.Int()
		case rv.CanUint():
			return int64(rv.Uint())
		case rv.CanFloat():
			return int64(rv.Float())
		}
		return 0
	}
}

func coerceFloat(v any, fallback float64) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return fallback
		}
		return f
	default:
		rv := reflect.ValueOf(v)
		switch {
		case rv.CanInt():
			return float64(rv.Int())
		case rv.CanUint():
			return float64(rv.Uint())
		case rv.CanFloat():
			return rv.Float()
		}
		return fallback
	}
}

// Encode populates PayloadMP and IndexMP from the current Payload and
// Index. It is called exactly once, at publish time.
func (e *Event) Encode() error {
	pm, err := msgpack.Marshal(e.Payload)
	if err != nil {
		return err
	}
	im, err := msgpack.Marshal(e.Index)
	if err != nil {
		return err
	}
	e.PayloadMP = pm
	e.IndexMP = im
	return nil
}

// fanoutRecord is the wire shape published to the fan-out channel: the
// full event, not just its payload, matching handle_snapshot's and
// handle_delta_batch's pub_map in the reference (seq, ts, store, topic,
// payload, index).
type fanoutRecord struct {
	Seq     uint64  `msgpack:"seq"`
	TS      float64 `msgpack:"ts"`
	Store   string  `msgpack:"store"`
	Topic   string  `msgpack:"topic"`
	Payload any     `msgpack:"payload"`
	Index   Index   `msgpack:"index"`
}

// EncodeFanoutBody msgpack-encodes the full event record a fan-out
// subscriber expects, reusing the already-decoded Payload/Index rather
// than PayloadMP/IndexMP so those fields nest as structured msgpack
// values instead of opaque binary blobs.
func (e Event) EncodeFanoutBody() ([]byte, error) {
	return msgpack.Marshal(fanoutRecord{
		Seq:     e.Seq,
		TS:      e.TS,
		Store:   e.Store,
		Topic:   e.Topic,
		Payload: e.Payload,
		Index:   e.Index,
	})
}
