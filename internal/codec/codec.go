// Package codec implements the binary-first, JSON-fallback request
// decode policy and the always-binary response encode spec.md §4.G
// describes.
package codec

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// DecodeRequest tries to decode body as a msgpack-encoded map first.
// If that yields a map, isBinary is true. Otherwise it falls back to
// JSON. A body that decodes as neither yields a nil map and
// isBinary=false, matching the reference's "use a null value" fallback.
func DecodeRequest(body []byte) (req map[string]any, isBinary bool) {
	var mp map[string]any
	if err := msgpack.Unmarshal(body, &mp); err == nil && mp != nil {
		return mp, true
	}

	var js map[string]any
	if err := json.Unmarshal(body, &js); err == nil {
		return js, false
	}

	return nil, false
}

// EncodeResponse always encodes the response in binary, regardless of
// which path decoded the request, per spec.md §4.G.
func EncodeResponse(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}
