// Package client implements WebSocketMessageClient: a per-URL singleton
// registry of message.Connections riding reconnecting client socket
// transports, with receive-handler fan-out for server-push messages.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/phnq-org/message"
	"github.com/phnq-org/message/transport/socket"
)

// PushHandler observes an inbound server-push message. No response is ever
// emitted for these, regardless of what the handler returns.
type PushHandler func(ctx context.Context, payload interface{})

// Config configures connections created by Registry.Create.
type Config struct {
	ResponseTimeout time.Duration
	SignSalt        string
	Logger          *zerolog.Logger
}

// entry is one cached connection plus the fan-out list of push handlers
// registered against it.
type entry struct {
	conn *message.Connection

	mu       sync.Mutex
	handlers []PushHandler
}

func (e *entry) dispatch(ctx context.Context, payload interface{}) (message.Response, error) {
	e.mu.Lock()
	handlers := append([]PushHandler(nil), e.handlers...)
	e.mu.Unlock()

	for _, h := range handlers {
		h(ctx, payload)
	}
	return message.NoResponse{}, nil
}

// Registry is a cache of connections keyed by URL. Each NewRegistry call
// builds an independent cache.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry constructs an empty Registry. Most applications need only one;
// construct it once and share it.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Create returns the cached message.Connection for url, dialing (lazily, on
// first send) a fresh reconnecting client transport if this is the first
// request for that URL.
func (r *Registry) Create(url string) (*message.Connection, error) {
	r.mu.Lock()
	if e, ok := r.entries[url]; ok {
		r.mu.Unlock()
		return e.conn, nil
	}
	r.mu.Unlock()

	logger := zerolog.Nop()
	if r.cfg.Logger != nil {
		logger = *r.cfg.Logger
	}

	transport := socket.NewClientTransport(url, logger)
	e := &entry{}

	conn, err := message.New(transport, message.Config{
		ResponseTimeout: r.cfg.ResponseTimeout,
		SignSalt:        r.cfg.SignSalt,
		OnReceive:       e.dispatch,
		Logger:          &logger,
	})
	if err != nil {
		transport.Close()
		return nil, err
	}
	e.conn = conn

	r.mu.Lock()
	if existing, ok := r.entries[url]; ok {
		// Lost a race with a concurrent Create; keep theirs, discard ours.
		r.mu.Unlock()
		conn.Close()
		return existing.conn, nil
	}
	r.entries[url] = e
	r.mu.Unlock()

	return conn, nil
}

// AddReceiveHandler registers an additional push handler for url's
// connection, creating it first if necessary. Handlers fan out in
// registration order; no response is ever sent back to the peer.
func (r *Registry) AddReceiveHandler(url string, h PushHandler) error {
	if _, err := r.Create(url); err != nil {
		return err
	}

	r.mu.Lock()
	e := r.entries[url]
	r.mu.Unlock()

	e.mu.Lock()
	e.handlers = append(e.handlers, h)
	e.mu.Unlock()
	return nil
}

// Close closes and evicts the cached connection for url, if any.
func (r *Registry) Close(url string) error {
	r.mu.Lock()
	e, ok := r.entries[url]
	if ok {
		delete(r.entries, url)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return e.conn.Close()
}
