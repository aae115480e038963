package fanout

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectWithEmptyURLDiscardsSilently(t *testing.T) {
	f := Connect("", nil)
	assert.False(t, f.Connected())
	assert.NotPanics(t, func() { f.Publish("messages.chat", []byte("x")) })
}

func TestConnectWithUnreachableURLDiscardsSilently(t *testing.T) {
	f := Connect("nats://127.0.0.1:1", nil)
	assert.False(t, f.Connected())
	assert.NotPanics(t, func() { f.Publish("messages.chat", []byte("x")) })
}

func TestPublishRetriesThenSucceeds(t *testing.T) {
	f := &Fanout{maxElapsed: 5 * time.Second, log: slog.Default()}
	attempts := 0
	f.publish = func(subject string, body []byte) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient broker error")
		}
		return nil
	}

	f.Publish("messages.chat", []byte("payload"))
	assert.Equal(t, 3, attempts)
}

func TestPublishGivesUpAfterMaxElapsed(t *testing.T) {
	f := &Fanout{maxElapsed: 10 * time.Millisecond, log: slog.Default()}
	attempts := 0
	f.publish = func(subject string, body []byte) error {
		attempts++
		return errors.New("broker down")
	}

	f.Publish("messages.chat", []byte("payload"))
	assert.Greater(t, attempts, 0)
}

func TestPublishWithNoConnectionIsNoop(t *testing.T) {
	f := &Fanout{}
	assert.NotPanics(t, func() { f.Publish("messages.chat", []byte("x")) })
}

func TestCloseWithNoConnectionIsNoop(t *testing.T) {
	f := &Fanout{}
	assert.NotPanics(t, f.Close)
}

func TestFanoutSatisfiesBusrpcPublisherInterface(t *testing.T) {
	var _ interface {
		Publish(subject string, body []byte)
	} = (*Fanout)(nil)
	require.True(t, true)
}
