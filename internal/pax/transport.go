package pax

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Transport sends one wire frame to a terminal and returns the raw reply.
// Implementations own connection lifecycle; tests substitute an in-memory
// fake instead of a real TCP stack.
type Transport interface {
	Send(ctx context.Context, addr string, frame []byte, timeout time.Duration) ([]byte, error)
}

// TCPTransport talks to terminals over raw TCP: one connection per call,
// opened, written, read until a complete frame or timeout, then closed.
// No TLS, no pooling, no persistent session.
type TCPTransport struct {
	Dialer net.Dialer
}

// NewTCPTransport creates the production terminal transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Send implements Transport.
func (t *TCPTransport) Send(ctx context.Context, addr string, frame []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := t.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pax: connect %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("pax: set deadline: %w", err)
	}

	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("pax: write %s: %w", addr, err)
	}

	// Read until a complete frame (ETX + LRC) is observed or the deadline hits.
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if Complete(buf) {
				return buf, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && Complete(buf) {
				return buf, nil
			}
			return nil, fmt.Errorf("pax: read %s: %w", addr, err)
		}
	}
}
