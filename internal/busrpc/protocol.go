// Package busrpc implements the request/response RPC surface: a
// transport-agnostic envelope, the binary-first/JSON-fallback decode
// policy, the op dispatch table, and a semaphore-bounded worker pool
// fronting it, per SPEC_FULL.md's Ingest/Publish/RPC/Query components
// and original_source/neko-message-plane/src/{rpc,handlers}.rs.
package busrpc

import "fmt"

// Protocol version this server accepts. Requests carrying a different
// version are rejected with BAD_VERSION in every ValidateMode; only a
// missing version is tolerated outside "strict".
const ProtocolVersion = 1

// ServerVersion is this build's semver, checked against an optional
// args.min_client_version an operator can send to refuse to talk to a
// server too old to satisfy a client's feature requirements — the same
// major-version-then-full-version comparison the reference's
// checkVersionCompatibility performs, generalized from the teacher's
// client-sends-its-own-version handshake to a client-states-its-floor
// handshake, since this protocol's envelope (rpc.rs's RpcEnvelope<T>.v)
// already carries a plain integer wire version and has no separate
// client-identity version field to compare against.
const ServerVersion = "v1.0.0"

// Error codes, taken verbatim from the reference rpc_err call sites in
// handlers.rs so client error handling stays compatible.
const (
	CodeBadVersion = "BAD_VERSION"
	CodeBadReq     = "BAD_REQ"
	CodeBadArgs    = "BAD_ARGS"
	CodeBadStore   = "BAD_STORE"
	CodeUnknownOp  = "UNKNOWN_OP"
)

// Op names, matching handle_rpc/handle_rpc_mp's op table plus the
// additive bus.describe/metrics ops SPEC_FULL.md adds.
const (
	OpPing        = "ping"
	OpHealth      = "health"
	OpMetrics     = "metrics"
	OpGetRecent   = "bus.get_recent"
	OpPublish     = "bus.publish"
	OpQuery       = "bus.query"
	OpReplay      = "bus.replay"
	OpDescribe    = "bus.describe"
)

// RpcError mirrors the reference RpcError: a short machine-readable
// code plus a human message and optional structured details.
type RpcError struct {
	Code    string `json:"code" msgpack:"code"`
	Message string `json:"message" msgpack:"message"`
	Details any    `json:"details,omitempty" msgpack:"details,omitempty"`
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newErr(code, message string) *RpcError {
	return &RpcError{Code: code, Message: message}
}

// Request is the decoded form of an incoming envelope, regardless of
// whether it arrived as msgpack or JSON on the wire.
type Request struct {
	V     int64          `json:"v" msgpack:"v"`
	HasV  bool           `json:"-" msgpack:"-"`
	ReqID string         `json:"req_id" msgpack:"req_id"`
	Op    string         `json:"op" msgpack:"op"`
	Args  map[string]any `json:"args" msgpack:"args"`
}

// RpcEnvelope is the response envelope, matching rpc.rs's RpcEnvelope<T>
// field-for-field (v/req_id/ok/result/error).
type RpcEnvelope struct {
	V      int       `json:"v" msgpack:"v"`
	ReqID  string    `json:"req_id" msgpack:"req_id"`
	OK     bool      `json:"ok" msgpack:"ok"`
	Result any       `json:"result,omitempty" msgpack:"result,omitempty"`
	Error  *RpcError `json:"error,omitempty" msgpack:"error,omitempty"`
}

func ok(reqID string, result any) RpcEnvelope {
	return RpcEnvelope{V: ProtocolVersion, ReqID: reqID, OK: true, Result: result}
}

func fail(reqID string, err *RpcError) RpcEnvelope {
	return RpcEnvelope{V: ProtocolVersion, ReqID: reqID, OK: false, Error: err}
}

// RpcHealthResult answers ping/health.
type RpcHealthResult struct {
	OK bool    `json:"ok" msgpack:"ok"`
	TS float64 `json:"ts" msgpack:"ts"`
}

// EventView is the wire shape of one event, with Payload omitted
// entirely when light==true (matching events_to_mp_vec's field count
// difference rather than serializing a null payload).
type EventView struct {
	Seq     uint64 `json:"seq" msgpack:"seq"`
	TS      float64 `json:"ts" msgpack:"ts"`
	Store   string `json:"store" msgpack:"store"`
	Topic   string `json:"topic" msgpack:"topic"`
	Payload any    `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Index   any    `json:"index" msgpack:"index"`
}

// RpcGetRecentResult answers bus.get_recent.
type RpcGetRecentResult struct {
	Store string      `json:"store" msgpack:"store"`
	Topic string      `json:"topic" msgpack:"topic"`
	Items []EventView `json:"items" msgpack:"items"`
	Light bool        `json:"light" msgpack:"light"`
}

// RpcReplayResult answers bus.replay.
type RpcReplayResult struct {
	Store string      `json:"store" msgpack:"store"`
	Items []EventView `json:"items" msgpack:"items"`
	Light bool        `json:"light" msgpack:"light"`
}

// RpcQueryResult answers bus.query.
type RpcQueryResult struct {
	Store string      `json:"store" msgpack:"store"`
	Topic string      `json:"topic" msgpack:"topic"`
	Items []EventView `json:"items" msgpack:"items"`
	Light bool        `json:"light" msgpack:"light"`
}

// RpcPublishResult answers bus.publish.
type RpcPublishResult struct {
	Accepted bool      `json:"accepted" msgpack:"accepted"`
	Event    EventView `json:"event" msgpack:"event"`
}

// RpcDescribeResult answers the additive bus.describe op: a topology
// listing so a client can discover store names and live topic counts
// without guessing, something neither handlers.rs op supplies.
type RpcDescribeResult struct {
	Stores []StoreDescription `json:"stores" msgpack:"stores"`
}

// StoreDescription is one entry of bus.describe's result.
type StoreDescription struct {
	Name       string `json:"name" msgpack:"name"`
	Maxlen     int    `json:"maxlen" msgpack:"maxlen"`
	TopicMax   int    `json:"topic_max" msgpack:"topic_max"`
	TopicCount int    `json:"topic_count" msgpack:"topic_count"`
}

// RpcMetricsResult answers the additive metrics op.
type RpcMetricsResult struct {
	Stores map[string]StoreMetricsView `json:"stores" msgpack:"stores"`
}

// StoreMetricsView is the wire shape of one store's busstore.MetricsSnapshot.
type StoreMetricsView struct {
	TotalPublishes uint64 `json:"total_publishes" msgpack:"total_publishes"`
	TotalQueries   uint64 `json:"total_queries" msgpack:"total_queries"`
	CacheHits      uint64 `json:"cache_hits" msgpack:"cache_hits"`
	CacheMisses    uint64 `json:"cache_misses" msgpack:"cache_misses"`
}
