package socket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/phnq-org/message/transport"
)

func startEchoServer(t *testing.T) (*httptest.Server, func() *ServerTransport) {
	t.Helper()

	var mu sync.Mutex
	var serverTransport *ServerTransport

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		st := NewServerTransport(conn, zerolog.Nop())
		st.OnReceive(func(ctx context.Context, msg transport.Message) {
			_ = st.Send(ctx, msg) // echo
		})
		mu.Lock()
		serverTransport = st
		mu.Unlock()
	}))

	return srv, func() *ServerTransport {
		mu.Lock()
		defer mu.Unlock()
		return serverTransport
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	srv, _ := startEchoServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewClientTransport(wsURL, zerolog.Nop())
	defer client.Close()

	received := make(chan transport.Message, 1)
	client.OnReceive(func(ctx context.Context, msg transport.Message) {
		received <- msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Send(ctx, transport.Message{T: "request", C: 1, S: "agent-a", P: "ping"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.P != "ping" {
			t.Errorf("got payload %#v, want ping", msg.P)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("echo never arrived")
	}

	if !client.IsOpen() {
		t.Error("expected client to report open after a successful round trip")
	}
}

func TestClientTransportLazyConnect(t *testing.T) {
	srv, _ := startEchoServer(t)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client := NewClientTransport(wsURL, zerolog.Nop())

	if client.IsOpen() {
		t.Fatal("expected a freshly constructed client transport to not be open")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("close before connect should be a no-op: %v", err)
	}
}

func TestClientTransportFailsToUnreachableHost(t *testing.T) {
	client := NewClientTransport("ws://127.0.0.1:1", zerolog.Nop())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Send(ctx, transport.Message{T: "request", C: 1})
	if err == nil {
		t.Fatal("expected send to an unreachable host to fail")
	}

	var connectErr *ConnectError
	if ce, ok := err.(*ConnectError); ok {
		connectErr = ce
	}
	if connectErr == nil {
		t.Fatalf("expected *ConnectError, got %T: %v", err, err)
	}
}
