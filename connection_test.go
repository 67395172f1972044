package message

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phnq-org/message/transport"
)

// pipeTransport is a minimal in-process transport used only by this
// package's tests. It is not part of the public surface: a direct
// interface-conformance target, not a deliverable transport.
type pipeTransport struct {
	mu      sync.Mutex
	peer    *pipeTransport
	handler transport.Handler
	closed  bool
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{}
	b := &pipeTransport{}
	a.peer = b
	b.peer = a
	return a, b
}

func (p *pipeTransport) Send(ctx context.Context, msg transport.Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return &SocketClosedError{}
	}
	peer := p.peer
	p.mu.Unlock()

	// Deliver synchronously so the peer sees messages in the order they
	// were sent, as a socket's single read loop would.
	peer.mu.Lock()
	h := peer.handler
	peer.mu.Unlock()
	if h != nil {
		h(ctx, msg)
	}
	return nil
}

func (p *pipeTransport) OnReceive(h transport.Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *pipeTransport) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func newTestPair(t *testing.T, cfgA, cfgB Config) (*Connection, *Connection) {
	t.Helper()
	ta, tb := newPipePair()

	a, err := New(ta, cfgA)
	if err != nil {
		t.Fatalf("new connection a: %v", err)
	}
	b, err := New(tb, cfgB)
	if err != nil {
		t.Fatalf("new connection b: %v", err)
	}
	return a, b
}

func TestRequestOneRoundTrip(t *testing.T) {
	a, b := newTestPair(t, Config{}, Config{
		OnReceive: func(ctx context.Context, payload interface{}) (Response, error) {
			m := payload.(map[string]interface{})
			return Value{V: map[string]interface{}{"echo": m["name"]}}, nil
		},
	})
	defer a.Close()
	defer b.Close()

	got, err := a.RequestOne(context.Background(), map[string]interface{}{"name": "ok"})
	if err != nil {
		t.Fatalf("requestOne: %v", err)
	}

	m, ok := got.(map[string]interface{})
	if !ok || m["echo"] != "ok" {
		t.Fatalf("unexpected response: %#v", got)
	}
}

func TestSendIsFireAndForget(t *testing.T) {
	received := make(chan interface{}, 1)
	a, b := newTestPair(t, Config{}, Config{
		OnReceive: func(ctx context.Context, payload interface{}) (Response, error) {
			received <- payload
			return NoResponse{}, nil
		},
	})
	defer a.Close()
	defer b.Close()

	if err := a.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case v := <-received:
		if v != "hello" {
			t.Errorf("got %v, want hello", v)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestRequestMultiStreaming(t *testing.T) {
	a, b := newTestPair(t, Config{}, Config{
		OnReceive: func(ctx context.Context, payload interface{}) (Response, error) {
			items := make(chan StreamItem, 3)
			items <- StreamItem{V: "one"}
			items <- StreamItem{V: "two"}
			items <- StreamItem{V: "three"}
			close(items)
			return Stream{Items: items}, nil
		},
	})
	defer a.Close()
	defer b.Close()

	stream, err := a.RequestMulti(context.Background(), "go")
	if err != nil {
		t.Fatalf("requestMulti: %v", err)
	}

	var got []interface{}
	for {
		v, ok, err := stream.Next(context.Background())
		if err != nil {
			t.Fatalf("stream.Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, v)
	}

	if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("unexpected stream contents: %#v", got)
	}
}

func TestRequestOneAgainstStreamingResponderKeepsFirst(t *testing.T) {
	a, b := newTestPair(t, Config{}, Config{
		OnReceive: func(ctx context.Context, payload interface{}) (Response, error) {
			items := make(chan StreamItem, 2)
			items <- StreamItem{V: "first"}
			items <- StreamItem{V: "second"}
			close(items)
			return Stream{Items: items}, nil
		},
	})
	defer a.Close()
	defer b.Close()

	got, err := a.RequestOne(context.Background(), "go")
	if err != nil {
		t.Fatalf("requestOne: %v", err)
	}
	if got != "first" {
		t.Fatalf("got %v, want first", got)
	}
}

func TestAnomalyPropagatesAsError(t *testing.T) {
	a, b := newTestPair(t, Config{}, Config{
		OnReceive: func(ctx context.Context, payload interface{}) (Response, error) {
			return nil, NewAnomaly("bad input", map[string]interface{}{"field": "name"})
		},
	})
	defer a.Close()
	defer b.Close()

	_, err := a.RequestOne(context.Background(), "go")
	var anomaly *Anomaly
	if !errors.As(err, &anomaly) {
		t.Fatalf("expected *Anomaly, got %v (%T)", err, err)
	}
	if anomaly.Msg != "bad input" {
		t.Errorf("got message %q", anomaly.Msg)
	}
}

func TestRequestTimesOutWhenNoHandlerInstalled(t *testing.T) {
	a, b := newTestPair(t, Config{ResponseTimeout: 20 * time.Millisecond}, Config{})
	defer a.Close()
	defer b.Close()

	_, err := a.RequestOne(context.Background(), "go")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %v", err)
	}
}

func TestSignedConnectionsRoundTrip(t *testing.T) {
	a, b := newTestPair(t,
		Config{SignSalt: "shared-secret"},
		Config{
			SignSalt: "shared-secret",
			OnReceive: func(ctx context.Context, payload interface{}) (Response, error) {
				return Value{V: "signed-ok"}, nil
			},
		},
	)
	defer a.Close()
	defer b.Close()

	got, err := a.RequestOne(context.Background(), "go")
	if err != nil {
		t.Fatalf("requestOne: %v", err)
	}
	if got != "signed-ok" {
		t.Fatalf("got %v", got)
	}
}

func TestMismatchedSaltDropsMessageAndTimesOut(t *testing.T) {
	a, b := newTestPair(t,
		Config{SignSalt: "salt-a", ResponseTimeout: 30 * time.Millisecond},
		Config{
			SignSalt: "salt-b",
			OnReceive: func(ctx context.Context, payload interface{}) (Response, error) {
				return Value{V: "should not arrive"}, nil
			},
		},
	)
	defer a.Close()
	defer b.Close()

	_, err := a.RequestOne(context.Background(), "go")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *TimeoutError (request dropped at b due to bad signature), got %v", err)
	}
}

func TestConversationSummaryObservedOnBothSides(t *testing.T) {
	var requesterSummary, responderSummary ConversationSummary
	var mu sync.Mutex
	done := make(chan struct{}, 2)

	cfgA := Config{
		OnConversation: func(s ConversationSummary) {
			mu.Lock()
			requesterSummary = s
			mu.Unlock()
			done <- struct{}{}
		},
	}
	cfgB := Config{
		OnReceive: func(ctx context.Context, payload interface{}) (Response, error) {
			return Value{V: "ack"}, nil
		},
		OnConversation: func(s ConversationSummary) {
			mu.Lock()
			responderSummary = s
			mu.Unlock()
			done <- struct{}{}
		},
	}

	a, b := newTestPair(t, cfgA, cfgB)
	defer a.Close()
	defer b.Close()

	if _, err := a.RequestOne(context.Background(), "go"); err != nil {
		t.Fatalf("requestOne: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("conversation summary never delivered")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if requesterSummary.Perspective != PerspectiveRequester {
		t.Errorf("got perspective %v", requesterSummary.Perspective)
	}
	if responderSummary.Perspective != PerspectiveResponder {
		t.Errorf("got perspective %v", responderSummary.Perspective)
	}
	if len(responderSummary.Responses) != 1 {
		t.Errorf("expected 1 responder-side response record, got %d", len(responderSummary.Responses))
	}
}

// TestRouteResponsePinsSourceOnFirstArrival guards against source pinning
// that only takes effect once the application dequeues a response: pinning
// must happen the moment the first message for a conversation is routed, so
// a second source racing in before any Next() call is still rejected.
func TestRouteResponsePinsSourceOnFirstArrival(t *testing.T) {
	ta, _ := newPipePair()
	a, err := New(ta, Config{ResponseTimeout: time.Second})
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	defer a.Close()

	cs, err := a.dispatch(context.Background(), "ping", true)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	cid := cs.request.C

	// Two sources race to answer the same conversation before anything is
	// ever dequeued.
	a.routeResponse(Message{T: TypeMulti, C: cid, S: "source-a", P: "first"})
	a.routeResponse(Message{T: TypeMulti, C: cid, S: "source-b", P: "should be dropped"})
	a.routeResponse(Message{T: TypeEnd, C: cid, S: "source-a"})

	cs.mu.Lock()
	pinned := cs.firstSource
	cs.mu.Unlock()
	if pinned != "source-a" {
		t.Fatalf("expected firstSource to be pinned to source-a, got %q", pinned)
	}

	first, err := cs.queue.Next(time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if first.S != "source-a" || first.P != "first" {
		t.Fatalf("expected the source-a multi message first, got %+v", first)
	}

	second, err := cs.queue.Next(time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if second.T != TypeEnd || second.S != "source-a" {
		t.Fatalf("expected the source-a end message next, got %+v", second)
	}

	if n := cs.queue.Len(); n != 0 {
		t.Fatalf("expected the source-b message to have been dropped, queue still has %d items", n)
	}
}

// TestRouteResponseKeepsFirstArrivingSourceAndDropsLater confirms the drop
// decision is made at arrival time against whichever source got there
// first, not against some later-read value.
func TestRouteResponseKeepsFirstArrivingSourceAndDropsLater(t *testing.T) {
	ta, _ := newPipePair()
	a, err := New(ta, Config{ResponseTimeout: time.Second})
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	defer a.Close()

	cs, err := a.dispatch(context.Background(), "ping", true)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	cid := cs.request.C

	a.routeResponse(Message{T: TypeResponse, C: cid, S: "source-z", P: "winner"})
	a.routeResponse(Message{T: TypeResponse, C: cid, S: "source-y", P: "loser"})

	if n := cs.queue.Len(); n != 1 {
		t.Fatalf("expected exactly 1 message to have been enqueued, got %d", n)
	}

	only, err := cs.queue.Next(time.Second)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if only.S != "source-z" || only.P != "winner" {
		t.Fatalf("expected the first-arriving source's message, got %+v", only)
	}
}
