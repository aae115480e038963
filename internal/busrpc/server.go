package busrpc

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/wislap/busd/internal/busconfig"
	"github.com/wislap/busd/internal/busstore"
)

// Publisher is the narrow fan-out dependency busrpc needs: hand an
// already-encoded event off for best-effort broadcast. Implemented by
// internal/fanout; kept as an interface here so busrpc never imports
// the NATS client directly.
type Publisher interface {
	Publish(subject string, body []byte)
}

// SlowRequestCallback is invoked once per request whose handling time
// exceeds the server's slow-request threshold, mirroring the
// reference teacher's Metrics.SlowQueryCallback hook (internal/rpc/metrics.go).
type SlowRequestCallback func(op string, latency time.Duration, ts time.Time)

// Metrics tracks request and error counts independent of any one store
// and drives the slow-request callback. The additive "metrics" op does
// not read it; that op reports each store's own counters.
type Metrics struct {
	TotalRequests atomic.Uint64
	TotalErrors   atomic.Uint64

	slowThreshold time.Duration
	slowCallback  SlowRequestCallback
}

func newMetrics() *Metrics {
	return &Metrics{slowThreshold: 100 * time.Millisecond}
}

// SetSlowRequestThreshold overrides the default 100ms slow-request bar.
func (m *Metrics) SetSlowRequestThreshold(d time.Duration) { m.slowThreshold = d }

// SetSlowRequestCallback installs the slow-request log hook.
func (m *Metrics) SetSlowRequestCallback(cb SlowRequestCallback) { m.slowCallback = cb }

func (m *Metrics) record(op string, latency time.Duration, isErr bool) {
	m.TotalRequests.Add(1)
	if isErr {
		m.TotalErrors.Add(1)
	}
	if m.slowCallback != nil && latency >= m.slowThreshold {
		m.slowCallback(op, latency, time.Now())
	}
}

// Server is the RPC receiver/worker-pool/sender loop: one Listener
// accepts client transports, each transport is read in its own
// goroutine, and every individual request is dispatched onto a
// semaphore-bounded worker pool before the response is sent back on
// the same transport — the Go equivalent of the reference's separate
// ROUTER-receiver thread, N worker threads, and DEALER-sender thread,
// collapsed onto goroutines+errgroup since Go has no ROUTER/DEALER
// socket pair to imitate directly.
type Server struct {
	cfg       busconfig.Config
	state     *busstore.State
	publisher Publisher
	sem       *semaphore.Weighted
	metrics   *Metrics
	log       *slog.Logger
	tracer    trace.Tracer

	requestTimeout time.Duration
}

// NewServer builds a Server bound to state and publishing through pub
// (which may be nil to disable fan-out entirely).
func NewServer(cfg busconfig.Config, state *busstore.State, pub Publisher, log *slog.Logger) *Server {
	workers := cfg.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 4)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:            cfg,
		state:          state,
		publisher:      pub,
		sem:            semaphore.NewWeighted(int64(workers)),
		metrics:        newMetrics(),
		log:            log,
		tracer:         otel.Tracer("busd/busrpc"),
		requestTimeout: 30 * time.Second,
	}
}

// Metrics exposes the server's request metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Serve accepts connections from ln until ctx is cancelled or Accept
// fails. Each connection is served by its own receive loop; each
// request within a connection is dispatched onto the shared worker
// semaphore so a slow handler can't starve other connections, the
// same bound the reference enforces with a fixed-size worker thread
// pool reading off one shared task channel.
func (s *Server) Serve(ctx context.Context, ln *Listener) error {
	group, ctx := errgroup.WithContext(ctx)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		transport, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		group.Go(func() error {
			s.serveTransport(ctx, transport)
			return nil
		})
	}
	return group.Wait()
}

func (s *Server) serveTransport(ctx context.Context, t Transport) {
	defer t.Close()
	for {
		env, body, err := t.Recv(ctx)
		if err != nil {
			return
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		respBody := s.handleRaw(ctx, body)
		s.sem.Release(1)

		sendCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
		err = t.Send(sendCtx, env, respBody)
		cancel()
		if err != nil {
			return
		}
	}
}

// handleRaw decodes one request body, dispatches it, and re-encodes
// the response — always in binary, per codec.EncodeResponse — even
// when the request itself arrived as JSON, matching the reference's
// binary-first response policy for the ROUTER path.
func (s *Server) handleRaw(ctx context.Context, body []byte) []byte {
	start := time.Now()

	req, decoded, _ := decodeRequest(body)
	if !decoded {
		resp := fail("", newErr(CodeBadReq, "invalid request"))
		return s.encode(resp)
	}

	ctx, span := s.tracer.Start(ctx, "busrpc.handle",
		trace.WithAttributes(attribute.String("busrpc.op", req.Op), attribute.String("busrpc.req_id", req.ReqID)))
	defer span.End()

	resp := s.dispatch(ctx, req)

	latency := time.Since(start)
	s.metrics.record(req.Op, latency, !resp.OK)
	if !resp.OK && resp.Error != nil {
		span.SetAttributes(attribute.String("busrpc.error_code", resp.Error.Code))
	}

	return s.encode(resp)
}

func (s *Server) encode(resp RpcEnvelope) []byte {
	body, err := encodeResponse(resp)
	if err != nil {
		fallback := RpcEnvelope{V: ProtocolVersion, OK: false, Error: newErr(CodeBadReq, "internal encode error")}
		fallbackBody, _ := encodeResponse(fallback)
		return fallbackBody
	}
	return body
}
