package busrpc

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/mod/semver"

	"github.com/wislap/busd/internal/busevent"
	"github.com/wislap/busd/internal/codec"
	"github.com/wislap/busd/internal/planquery"
)

func encodeResponse(v any) ([]byte, error) {
	return codec.EncodeResponse(v)
}

// dispatch validates the envelope version per the server's configured
// validate_mode, then routes to the op table. Every op is available
// regardless of whether the request arrived over msgpack or JSON —
// unlike the reference, whose JSON path (handle_rpc) never wired up
// bus.query/bus.replay and whose binary path (handle_publish_mp) never
// enforced topic_max the way its JSON twin did. Decoding once into a
// single Request type removes both asymmetries by construction.
func (s *Server) dispatch(ctx context.Context, req Request) RpcEnvelope {
	if req.ReqID == "" {
		req.ReqID = uuid.NewString()
	}
	mode := strings.ToLower(s.cfg.ValidateMode)

	if err := s.checkVersion(mode, req); err != nil {
		return fail(req.ReqID, err)
	}
	if err := checkMinClientVersion(req); err != nil {
		return fail(req.ReqID, err)
	}

	switch req.Op {
	case OpPing, OpHealth:
		return ok(req.ReqID, RpcHealthResult{OK: true, TS: busevent.NowTS()})
	case OpGetRecent:
		return s.handleGetRecent(req)
	case OpPublish:
		return s.handlePublish(req)
	case OpQuery:
		return s.handleQuery(req, mode)
	case OpReplay:
		return s.handleReplay(req, mode)
	case OpDescribe:
		return s.handleDescribe(req)
	case OpMetrics:
		return s.handleMetrics(req)
	default:
		return fail(req.ReqID, newErr(CodeUnknownOp, "unknown op: "+req.Op))
	}
}

// checkVersion mirrors handle_rpc_mp's match on (mode, v): strict
// requires an explicit v==1; warn/off accept a missing v as 1 (warn
// logs it). An explicit v other than 1 is rejected in every mode, and
// warn also logs it. This runs for every op, including
// ping/health — the reference's ping/health short-circuit sits after
// the version match, not before it, so a strict request missing v is
// rejected with BAD_VERSION regardless of op.
func (s *Server) checkVersion(mode string, req Request) *RpcError {
	v := req.V
	if !req.HasV {
		if mode == "strict" {
			return newErr(CodeBadVersion, "missing protocol version")
		}
		if mode == "warn" {
			s.log.Warn("rpc envelope missing protocol version", "op", req.Op)
		}
		v = ProtocolVersion
	}

	// Every mode rejects an explicitly unsupported version — only a
	// missing version is treated leniently outside strict mode.
	if v != ProtocolVersion {
		if mode == "warn" {
			s.log.Warn("rpc envelope unsupported protocol version", "op", req.Op, "v", v)
		}
		return newErr(CodeBadVersion, "unsupported protocol version")
	}
	return nil
}

// checkMinClientVersion rejects a request whose args.min_client_version
// names a major version this server can't satisfy, mirroring the
// reference server.go's checkVersionCompatibility: an invalid or absent
// version is always allowed, a major-version mismatch is always
// rejected regardless of direction, and a same-major mismatch is
// rejected only when this server is older than what the client
// requires.
func checkMinClientVersion(req Request) *RpcError {
	raw, _ := req.Args["min_client_version"].(string)
	if raw == "" {
		return nil
	}

	want := normalizeSemver(raw)
	if !semver.IsValid(want) || !semver.IsValid(ServerVersion) {
		return nil
	}

	if semver.Major(ServerVersion) != semver.Major(want) {
		return newErr(CodeBadVersion, "incompatible major version: server "+ServerVersion+", requires "+raw)
	}
	if semver.Compare(ServerVersion, want) < 0 {
		return newErr(CodeBadVersion, "server version "+ServerVersion+" is older than required "+raw)
	}
	return nil
}

func normalizeSemver(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

func (s *Server) handleGetRecent(req Request) RpcEnvelope {
	store := stringArg(req.Args, "store", "messages")
	topic := stringArg(req.Args, "topic", "all")
	limit := intArg(req.Args, "limit", 200)
	if limit <= 0 {
		limit = 200
	}
	if limit > s.cfg.GetRecentMaxLimit {
		limit = s.cfg.GetRecentMaxLimit
	}
	light := boolArg(req.Args, "light", false)

	st := s.state.Store(store)
	if st == nil {
		return fail(req.ReqID, newErr(CodeBadStore, "invalid store"))
	}

	items := st.GetRecent(topic, limit)
	return ok(req.ReqID, RpcGetRecentResult{
		Store: store,
		Topic: topic,
		Items: toEventViews(items, light),
		Light: light,
	})
}

func (s *Server) handlePublish(req Request) RpcEnvelope {
	store := stringArg(req.Args, "store", "messages")
	topic := stringArg(req.Args, "topic", "")
	if topic == "" {
		return fail(req.ReqID, newErr(CodeBadArgs, "topic is required"))
	}
	if len(topic) > s.cfg.TopicNameMaxLen {
		return fail(req.ReqID, newErr(CodeBadArgs, "topic too long"))
	}

	payload := req.Args["payload"]
	if _, isObj := payload.(map[string]any); !isObj {
		payload = map[string]any{"value": payload}
	}

	if s.cfg.ValidatePayloadBytes {
		encoded, err := codec.EncodeResponse(payload)
		if err != nil {
			return fail(req.ReqID, newErr(CodeBadArgs, "payload not serializable"))
		}
		if len(encoded) > s.cfg.PayloadMaxBytes {
			return fail(req.ReqID, newErr(CodeBadArgs, "payload too large"))
		}
	}

	st := s.state.Store(store)
	if st == nil {
		return fail(req.ReqID, newErr(CodeBadStore, "invalid store"))
	}

	// Uniform topic_max enforcement for every publish path — the
	// reference only checked this in its JSON handler, never in
	// handle_publish_mp; SPEC_FULL.md's decision is to enforce it here
	// unconditionally instead of reproducing that asymmetry.
	if st.IsNewTopic(topic) && st.TopicCount() >= st.TopicMax {
		return fail(req.ReqID, newErr(CodeBadArgs, "too many topics"))
	}

	ev := st.Publish(topic, payload)

	if s.publisher != nil && s.cfg.PubEnabled {
		if body, err := ev.EncodeFanoutBody(); err == nil {
			s.publisher.Publish(store+"."+topic, body)
		}
	}

	return ok(req.ReqID, RpcPublishResult{Accepted: true, Event: toEventView(ev, false)})
}

func (s *Server) handleQuery(req Request, mode string) RpcEnvelope {
	store := stringArg(req.Args, "store", "messages")
	topic := stringArg(req.Args, "topic", "*")
	light := boolArg(req.Args, "light", false)
	limit := int64(intArg(req.Args, "limit", 200))

	if limit <= 0 {
		if mode == "strict" {
			return fail(req.ReqID, newErr(CodeBadArgs, "invalid args: limit<=0"))
		}
		limit = 200
	}
	if limit > 10000 {
		limit = 10000
	}
	if topic == "" {
		if mode == "strict" {
			return fail(req.ReqID, newErr(CodeBadArgs, "invalid args: empty topic"))
		}
		topic = "*"
	}

	st := s.state.Store(store)
	if st == nil {
		return fail(req.ReqID, newErr(CodeBadStore, "invalid store"))
	}

	var snapshot []busevent.Event
	if strings.TrimSpace(topic) == "*" {
		for _, name := range st.Topics() {
			if items, ok := st.TopicSnapshot(name); ok {
				snapshot = append(snapshot, items...)
			}
		}
	} else if items, ok := st.TopicSnapshot(topic); ok {
		snapshot = items
	}

	filter := planquery.ParseIndexFilter(req.Args)
	out := planquery.ScanAndFilter(snapshot, filter)
	if int64(len(out)) > limit {
		out = out[:limit]
	}

	return ok(req.ReqID, RpcQueryResult{
		Store: store,
		Topic: topic,
		Items: toEventViews(out, light),
		Light: light,
	})
}

func (s *Server) handleReplay(req Request, mode string) RpcEnvelope {
	store := stringArg(req.Args, "store", stringArg(req.Args, "bus", "messages"))
	planRaw := firstNonNil(req.Args["plan"], req.Args["trace"])

	planMap, isMap := planRaw.(map[string]any)
	if !isMap {
		if mode == "strict" {
			return fail(req.ReqID, newErr(CodeBadArgs, "invalid args: missing/invalid plan"))
		}
		if mode == "warn" {
			s.log.Warn("invalid args for bus.replay: missing/invalid plan")
		}
		return fail(req.ReqID, newErr(CodeBadArgs, "plan is required"))
	}

	node, err := planquery.ParseNode(planMap)
	if err != nil {
		return fail(req.ReqID, newErr(CodeBadArgs, "invalid plan"))
	}

	light := boolArg(req.Args, "light", false)

	st := s.state.Store(store)
	if st == nil {
		return fail(req.ReqID, newErr(CodeBadStore, "invalid store"))
	}

	items, evalOK := planquery.Eval(st, s.cfg.GetRecentMaxLimit, node)
	if !evalOK {
		return fail(req.ReqID, newErr(CodeBadArgs, "unsupported plan"))
	}

	if len(items) > s.cfg.GetRecentMaxLimit {
		items = items[:s.cfg.GetRecentMaxLimit]
	}

	return ok(req.ReqID, RpcReplayResult{
		Store: store,
		Items: toEventViews(items, light),
		Light: light,
	})
}

func (s *Server) handleDescribe(req Request) RpcEnvelope {
	var stores []StoreDescription
	for _, name := range s.state.StoreNames() {
		st := s.state.Store(name)
		stores = append(stores, StoreDescription{
			Name:       st.Name,
			Maxlen:     st.Maxlen,
			TopicMax:   st.TopicMax,
			TopicCount: st.TopicCount(),
		})
	}
	return ok(req.ReqID, RpcDescribeResult{Stores: stores})
}

func (s *Server) handleMetrics(req Request) RpcEnvelope {
	views := make(map[string]StoreMetricsView)
	for _, name := range s.state.StoreNames() {
		st := s.state.Store(name)
		snap := st.Metrics.Snapshot()
		views[name] = StoreMetricsView{
			TotalPublishes: snap.TotalPublishes,
			TotalQueries:   snap.TotalQueries,
			CacheHits:      snap.CacheHits,
			CacheMisses:    snap.CacheMisses,
		}
	}
	return ok(req.ReqID, RpcMetricsResult{Stores: views})
}

func toEventView(ev busevent.Event, light bool) EventView {
	v := EventView{Seq: ev.Seq, TS: ev.TS, Store: ev.Store, Topic: ev.Topic, Index: ev.Index}
	if !light {
		v.Payload = ev.Payload
	}
	return v
}

func toEventViews(items []busevent.Event, light bool) []EventView {
	out := make([]EventView, 0, len(items))
	for _, ev := range items {
		out = append(out, toEventView(ev, light))
	}
	return out
}

func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch n := args[key].(type) {
	case int64:
		return int(n)
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
