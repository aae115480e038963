package busrpc

import "github.com/wislap/busd/internal/codec"

// decodeRequest turns a raw frame body into a Request, trying msgpack
// first and falling back to JSON per codec.DecodeRequest, then lifting
// the generic map into the typed envelope fields handlers.rs's
// handle_rpc/handle_rpc_mp both read.
func decodeRequest(body []byte) (Request, bool, bool) {
	raw, isBinary := codec.DecodeRequest(body)
	if raw == nil {
		return Request{}, false, isBinary
	}

	req := Request{
		ReqID: asString(raw["req_id"]),
		Op:    asString(raw["op"]),
	}
	req.V, req.HasV = asInt64(raw["v"])
	if args, ok := raw["args"].(map[string]any); ok {
		req.Args = args
	} else {
		req.Args = map[string]any{}
	}
	return req, true, isBinary
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}
