// Package socket implements transport.Transport over gobwas/ws connections:
// a thin per-connection wrapper for the server side, and a reconnecting
// client-side transport that lazily (re)dials on send.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/phnq-org/message/transport"
)

// ServerTransport wraps one already-upgraded server-side connection. Send
// writes a single frame; OnReceive installs the read loop's destination;
// Close gracefully closes and does not return until the peer-close event (or
// a read error) has been observed.
type ServerTransport struct {
	conn   net.Conn
	logger zerolog.Logger

	mu      sync.Mutex
	handler transport.Handler

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServerTransport wraps an upgraded connection and starts its read loop.
// The caller must call OnReceive before traffic is expected to be handled
// meaningfully: messages that arrive while no handler is installed are
// dropped, not buffered — matching the "single ingress handler, installed
// once, before traffic flows" contract.
func NewServerTransport(conn net.Conn, logger zerolog.Logger) *ServerTransport {
	t := &ServerTransport{
		conn:   conn,
		logger: logger.With().Str("component", "socket-server-transport").Logger(),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *ServerTransport) OnReceive(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send serializes msg to JSON and writes it as a single text frame.
func (t *ServerTransport) Send(ctx context.Context, msg transport.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("socket: marshal message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := wsutil.WriteServerMessage(t.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("socket: write frame: %w", err)
	}
	return nil
}

func (t *ServerTransport) readLoop() {
	defer close(t.closed)
	defer t.conn.Close()

	for {
		data, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		var msg transport.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(context.Background(), msg)
		}
	}
}

// Close closes the underlying connection and blocks until the read loop has
// observed the resulting close (or was already stopped).
func (t *ServerTransport) Close() error {
	t.closeOnce.Do(func() {
		t.conn.Close()
	})
	<-t.closed
	return nil
}

// Done returns a channel closed once the read loop has exited, whether
// because the peer closed the connection, a read error occurred, or Close
// was called. Callers that want to react to an unsolicited peer close
// (without themselves initiating one) should select on this instead of
// calling Close.
func (t *ServerTransport) Done() <-chan struct{} {
	return t.closed
}
