// Package fanout implements the publish fan-out channel: every
// accepted event is mirrored, best-effort, to a topic-addressed NATS
// subject so subscribers outside the bus process can observe traffic,
// grounded in the teacher's eventbus.Bus.publishToJetStream /
// SubjectForEvent posture but targeting core NATS pub/sub rather than
// JetStream, since spec.md's fan-out channel is explicitly
// non-durable.
package fanout

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
)

// Fanout publishes event bodies to NATS, retrying transient failures
// with bounded exponential backoff before dropping the message. A
// Fanout with no connection (NATS unconfigured or unreachable at
// startup) silently discards every publish, the same "supplementary,
// never a prerequisite" posture as Bus.publishToJetStream.
type Fanout struct {
	nc  *nats.Conn
	log *slog.Logger

	maxElapsed time.Duration

	// publish is the retried operation. It defaults to nc.Publish but
	// is swappable in tests so the backoff/give-up behavior can be
	// exercised without a live broker.
	publish func(subject string, body []byte) error
}

// Connect dials url and returns a Fanout backed by it. A connection
// failure is not fatal to the caller: it returns a Fanout with no
// connection, which discards every publish, rather than an error,
// since fan-out is never a prerequisite for ingest/publish to succeed.
func Connect(url string, log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	f := &Fanout{log: log, maxElapsed: 5 * time.Second}
	if url == "" {
		return f
	}

	nc, err := nats.Connect(url, nats.Name("busd"), nats.RetryOnFailedConnect(false))
	if err != nil {
		log.Warn("fanout: nats connect failed, publishing will be discarded", "url", url, "error", err)
		return f
	}
	f.nc = nc
	f.publish = nc.Publish
	return f
}

// Publish mirrors body to subject, retrying transient NATS errors with
// bounded exponential backoff before giving up and dropping it — the
// same retry-then-degrade posture dolt/store.go applies around flaky
// storage operations, applied here to a flaky broker connection
// instead. Errors are logged, never returned: fan-out failure must
// never fail the publish/ingest call that triggered it.
func (f *Fanout) Publish(subject string, body []byte) {
	if f.publish == nil {
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = f.maxElapsed

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return f.publish(subject, body)
	}, backoff.WithContext(bo, context.Background()))

	if err != nil {
		f.log.Warn("fanout: publish dropped after retries", "subject", subject, "attempts", attempts, "error", err)
	}
}

// Close closes the underlying NATS connection, if any.
func (f *Fanout) Close() {
	if f.nc != nil {
		f.nc.Close()
	}
}

// Connected reports whether Fanout has a live NATS connection.
func (f *Fanout) Connected() bool {
	return f.nc != nil && f.nc.IsConnected()
}
