// Package pubsub implements the transport.Transport contract over a
// subject-addressed broker (a NATS connection) whose datagrams have a fixed
// maximum payload. Messages larger than that maximum are split into a
// chunked frame sequence and reassembled on the receiving side.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/phnq-org/message/codec"
	"github.com/phnq-org/message/transport"
)

// Default reconnect policy, per the transport's spec: one attempt, 2s wait.
const (
	DefaultMaxConnectAttempts = 1
	DefaultConnectTimeWait    = 2 * time.Second
)

// SubjectResolver maps an outbound message to the subject it should be
// published on.
type SubjectResolver interface {
	Resolve(msg transport.Message) (string, error)
}

// FixedSubject resolves every message to the same subject.
type FixedSubject string

func (f FixedSubject) Resolve(transport.Message) (string, error) {
	return string(f), nil
}

// SubjectFunc resolves the subject dynamically from the outbound message.
type SubjectFunc func(transport.Message) (string, error)

func (f SubjectFunc) Resolve(msg transport.Message) (string, error) {
	return f(msg)
}

// Subscription is one subject this transport listens on, with an optional
// queue group for load-balanced delivery across a group of subscribers.
type Subscription struct {
	Subject string
	Queue   string
}

// Config configures a pubsub Transport.
type Config struct {
	URL                string
	Subscriptions      []Subscription
	PublishSubject     SubjectResolver
	MaxConnectAttempts int // default 1; -1 means retry forever
	ConnectTimeWait    time.Duration
	Logger             *zerolog.Logger

	// OnChunkReassembled, if set, is called once per logical message
	// successfully reassembled from its chunk datagrams.
	OnChunkReassembled func()

	// OnChunkBufferEvicted, if set, is called once per partial chunk buffer
	// evicted for being expired or to make room under maxChunkBuffers.
	OnChunkBufferEvicted func()
}

// Transport rides the shared broker connection for Config.URL. Multiple
// Transports with the same URL, MaxConnectAttempts and ConnectTimeWait share
// one underlying *nats.Conn via the package's connection pool.
type Transport struct {
	cfg    Config
	conn   *pooledConn
	logger zerolog.Logger

	natsSubs []*nats.Subscription
	buffers  *chunkBufferStore

	mu            sync.Mutex
	handler       transport.Handler
	replySubjects map[uint64]string

	closeOnce sync.Once
}

// New connects (or joins the shared pool for) cfg.URL and subscribes to
// every configured subject. It fails if the broker does not report a usable
// maxPayload.
func New(cfg Config) (*Transport, error) {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	pc, err := sharedPool.acquire(cfg, logger)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:           cfg,
		conn:          pc,
		logger:        logger.With().Str("component", "pubsub-transport").Logger(),
		buffers:       newChunkBufferStore(cfg.OnChunkReassembled, cfg.OnChunkBufferEvicted),
		replySubjects: make(map[uint64]string),
	}

	for _, sub := range cfg.Subscriptions {
		natsSub, err := t.subscribe(sub)
		if err != nil {
			t.Close()
			return nil, err
		}
		t.natsSubs = append(t.natsSubs, natsSub)
	}

	return t, nil
}

func (t *Transport) subscribe(sub Subscription) (*nats.Subscription, error) {
	cb := func(m *nats.Msg) {
		t.handleRaw(m.Data)
	}
	if sub.Queue != "" {
		return t.conn.conn.QueueSubscribe(sub.Subject, sub.Queue, cb)
	}
	return t.conn.conn.Subscribe(sub.Subject, cb)
}

// OnReceive installs the single ingress handler.
func (t *Transport) OnReceive(h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Send marshals msg, frames it if it exceeds the broker's maxPayload, and
// publishes it on the subject resolved for msg — or, for an "end" message,
// the subject cached from that conversation's prior send.
func (t *Transport) Send(ctx context.Context, msg transport.Message) error {
	subject, err := t.resolveSubject(msg)
	if err != nil {
		return err
	}

	data, err := marshalMessage(msg)
	if err != nil {
		return fmt.Errorf("pubsub: marshal message: %w", err)
	}

	if int64(len(data)) <= t.conn.maxPayload {
		return t.conn.conn.Publish(subject, data)
	}

	chunks, err := splitChunks(data, int(t.conn.maxPayload))
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := t.conn.conn.Publish(subject, chunk); err != nil {
			return fmt.Errorf("pubsub: publish chunk: %w", err)
		}
	}
	return nil
}

// resolveSubject implements the reply-routing cache: non-"end" messages are
// resolved through the configured SubjectResolver and cached by
// conversation id; "end" messages must reuse the cached subject, since by
// the time a stream terminates the resolver may no longer have enough
// context (its payload is just the literal "END").
func (t *Transport) resolveSubject(msg transport.Message) (string, error) {
	if msg.T == "end" {
		t.mu.Lock()
		subject, ok := t.replySubjects[msg.C]
		delete(t.replySubjects, msg.C)
		t.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("pubsub: no cached subject for conversation %d's end message", msg.C)
		}
		return subject, nil
	}

	if t.cfg.PublishSubject == nil {
		return "", fmt.Errorf("pubsub: no publishSubject configured")
	}
	subject, err := t.cfg.PublishSubject.Resolve(msg)
	if err != nil {
		return "", fmt.Errorf("pubsub: resolve subject: %w", err)
	}
	if subject == "" {
		return "", fmt.Errorf("pubsub: resolved an empty subject for conversation %d", msg.C)
	}

	t.mu.Lock()
	t.replySubjects[msg.C] = subject
	t.mu.Unlock()
	return subject, nil
}

// handleRaw is the broker delivery callback shared by every subscription:
// it reassembles chunks transparently and dispatches only complete logical
// messages to the installed handler.
func (t *Transport) handleRaw(data []byte) {
	var complete []byte

	if isChunk(data) {
		nonce, index, total, body, err := parseChunk(data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("dropping chunk with invalid index/total")
			return
		}
		reassembled, ok := t.buffers.add(nonce, index, total, body)
		if !ok {
			return
		}
		complete = reassembled
	} else {
		complete = data
	}

	msg, err := unmarshalMessage(complete)
	if err != nil {
		t.logger.Warn().Err(err).Msg("dropping undecodable message")
		return
	}

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(context.Background(), msg)
	}
}

// Close unsubscribes from every configured subject and releases this
// transport's reference on the shared broker connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		for _, sub := range t.natsSubs {
			_ = sub.Unsubscribe()
		}
		sharedPool.release(t.conn)
	})
	return nil
}

// wireMessage is the JSON shape actually put on the wire: unlike
// transport.Message, its payload is pre-annotated so dates survive the
// round-trip.
type wireMessage struct {
	T string      `json:"t"`
	C uint64      `json:"c"`
	S string      `json:"s"`
	P interface{} `json:"p,omitempty"`
	Z string      `json:"z,omitempty"`
}

func marshalMessage(msg transport.Message) ([]byte, error) {
	w := wireMessage{T: msg.T, C: msg.C, S: msg.S, P: codec.Annotate(msg.P), Z: msg.Z}
	return json.Marshal(w)
}

func unmarshalMessage(data []byte) (transport.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return transport.Message{}, err
	}
	return transport.Message{T: w.T, C: w.C, S: w.S, P: codec.Deannotate(w.P), Z: w.Z}, nil
}
