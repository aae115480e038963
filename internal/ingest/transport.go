// Package ingest implements the bulk-write side of the bus: a
// connection accepts a stream of msgpack-encoded messages, each one
// either a full-topic snapshot or a batch of individual deltas, and
// applies them to busstore the same way a publish RPC would — but
// without a response, mirroring the reference's one-way PULL socket
// rather than the request/response ROUTER/DEALER pair busrpc models.
package ingest

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

const maxMessageBytes = 64 << 20

// conn wraps one accepted ingest connection: a stream of
// length-prefixed messages, one per write, with no reply expected.
type conn struct {
	c      net.Conn
	reader *bufio.Reader
}

func newConn(c net.Conn) *conn {
	return &conn{c: c, reader: bufio.NewReader(c)}
}

func (c *conn) recv(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.c.SetReadDeadline(dl)
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.reader, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxMessageBytes {
		return nil, fmt.Errorf("ingest: message of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *conn) Close() error { return c.c.Close() }

// Listener accepts ingest connections on one bound address.
type Listener struct {
	ln net.Listener
}

// Listen binds addr and returns a Listener handing out ingest
// connections, one per accepted net.Conn.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Accept() (*conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(c), nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
