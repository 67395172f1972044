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

type clientState int

const (
	stateDisconnected clientState = iota
	stateConnecting
	stateOpen
	stateClosing
)

// ConnectError reports a failed dial, mirroring the root package's
// ConnectError without importing it (this package must stay free of that
// dependency direction).
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("socket: failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SocketClosedError is returned to a Send that arrives while the transport
// is in the process of closing.
type SocketClosedError struct {
	Reason string
}

func (e *SocketClosedError) Error() string {
	if e.Reason == "" {
		return "socket: closed"
	}
	return "socket: closed: " + e.Reason
}

// ClientTransport is a reconnecting client-side socket transport. The
// underlying connection is not opened at construction; the first Send (or
// an explicit Connect) dials lazily, and any later Send transparently
// reconnects after a close.
type ClientTransport struct {
	url    string
	dialer ws.Dialer
	logger zerolog.Logger

	mu             sync.Mutex
	state          clientState
	conn           net.Conn
	handler        transport.Handler
	connectWaiters []chan error
	closeWaiters   []chan struct{}
	onClose        func()

	writeMu sync.Mutex
}

// NewClientTransport constructs a transport for url. The socket is not
// opened until the first Send or Connect call.
func NewClientTransport(url string, logger zerolog.Logger) *ClientTransport {
	return &ClientTransport{
		url:    url,
		logger: logger.With().Str("component", "socket-client-transport").Str("url", url).Logger(),
	}
}

// OnClose installs a hook fired every time the connection drops, whether by
// peer close, read error, or explicit Close.
func (t *ClientTransport) OnClose(h func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = h
}

func (t *ClientTransport) OnReceive(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// IsOpen reflects the underlying socket state.
func (t *ClientTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateOpen
}

// Connect dials immediately if disconnected (Send would do this lazily
// anyway). It returns at once if already open, waits for a dial already in
// flight, and fails with *SocketClosedError if the transport is closing.
func (t *ClientTransport) Connect(ctx context.Context) error {
	_, err := t.ensureConnected(ctx)
	return err
}

// Send writes msg as a single client frame, dialing first if necessary.
func (t *ClientTransport) Send(ctx context.Context, msg transport.Message) error {
	conn, err := t.ensureConnected(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("socket: marshal message: %w", err)
	}

	t.writeMu.Lock()
	err = wsutil.WriteClientMessage(conn, ws.OpText, data)
	t.writeMu.Unlock()
	if err != nil {
		t.handleDisconnect(conn, err)
		return fmt.Errorf("socket: write frame: %w", err)
	}
	return nil
}

// ensureConnected implements the send-side state machine: dial if
// disconnected, await the in-flight dial if connecting, return immediately
// if open, and fail if closing.
func (t *ClientTransport) ensureConnected(ctx context.Context) (net.Conn, error) {
	t.mu.Lock()
	switch t.state {
	case stateOpen:
		conn := t.conn
		t.mu.Unlock()
		return conn, nil

	case stateClosing:
		waiter := make(chan struct{})
		t.closeWaiters = append(t.closeWaiters, waiter)
		t.mu.Unlock()
		<-waiter
		return nil, &SocketClosedError{Reason: "send arrived while closing"}

	case stateConnecting:
		waiter := make(chan error, 1)
		t.connectWaiters = append(t.connectWaiters, waiter)
		t.mu.Unlock()
		return t.awaitConnect(ctx, waiter)

	default: // stateDisconnected
		t.state = stateConnecting
		waiter := make(chan error, 1)
		t.connectWaiters = append(t.connectWaiters, waiter)
		t.mu.Unlock()
		go t.dial()
		return t.awaitConnect(ctx, waiter)
	}
}

func (t *ClientTransport) awaitConnect(ctx context.Context, waiter chan error) (net.Conn, error) {
	select {
	case err := <-waiter:
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *ClientTransport) dial() {
	conn, _, _, err := t.dialer.Dial(context.Background(), t.url)

	t.mu.Lock()
	waiters := t.connectWaiters
	t.connectWaiters = nil

	if err != nil {
		t.state = stateDisconnected
		t.mu.Unlock()
		wrapped := &ConnectError{Addr: t.url, Err: err}
		for _, w := range waiters {
			w <- wrapped
		}
		return
	}

	if t.state == stateClosing {
		// Close() arrived while the dial was in flight: there is nothing open
		// to keep, so discard the connection immediately.
		closeWaiters := t.closeWaiters
		t.closeWaiters = nil
		t.state = stateDisconnected
		t.mu.Unlock()

		conn.Close()
		for _, w := range waiters {
			w <- &SocketClosedError{Reason: "closed while connecting"}
		}
		for _, w := range closeWaiters {
			close(w)
		}
		return
	}

	t.conn = conn
	t.state = stateOpen
	t.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}

	go t.readLoop(conn)
}

func (t *ClientTransport) readLoop(conn net.Conn) {
	for {
		data, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			t.handleDisconnect(conn, err)
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

// handleDisconnect transitions the transport back to disconnected after
// conn stops being usable, whether from a read error or an explicit Close.
// It is idempotent per conn: a second caller for the same (already
// superseded) conn is a no-op.
func (t *ClientTransport) handleDisconnect(conn net.Conn, _ error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	conn.Close()
	t.conn = nil
	t.state = stateDisconnected
	waiters := t.closeWaiters
	t.closeWaiters = nil
	onClose := t.onClose
	t.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if onClose != nil {
		onClose()
	}
}

// Close closes the connection with a normal-closure frame and resolves once
// the resulting close has been observed. It is a no-op if the transport was
// never connected.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	if t.state == stateDisconnected {
		t.mu.Unlock()
		return nil
	}

	conn := t.conn
	t.state = stateClosing
	waiter := make(chan struct{})
	t.closeWaiters = append(t.closeWaiters, waiter)
	t.mu.Unlock()

	if conn != nil {
		t.writeMu.Lock()
		_ = wsutil.WriteClientMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		t.writeMu.Unlock()
		t.handleDisconnect(conn, nil)
	}

	<-waiter
	return nil
}
