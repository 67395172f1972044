package pubsub

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// jitterMillis adds up to 20% random jitter on top of a fixed wait, so many
// transports reconnecting to the same flapping broker don't all retry in
// lockstep.
func jitterMillis(wait time.Duration) time.Duration {
	if wait <= 0 {
		return 0
	}
	spread := int64(wait) / 5
	if spread <= 0 {
		return wait
	}
	return wait + time.Duration(rand.Int63n(spread))
}

// pooledConn is one broker connection shared by every pubsub.Transport
// configured with the same URL and reconnect policy (see poolKey). It is
// reference-counted: the underlying
// *nats.Conn is closed only when the last transport releases it.
type pooledConn struct {
	key        string
	conn       *nats.Conn
	maxPayload int64
	refs       int
}

// connPool deduplicates broker connections by configuration hash.
type connPool struct {
	mu      sync.Mutex
	clients map[string]*pooledConn
}

var sharedPool = &connPool{clients: make(map[string]*pooledConn)}

// poolKey derives the pool's dedup key from the fields of Config that identify
// a distinct broker connection.
func poolKey(cfg Config) string {
	return fmt.Sprintf("%s|%d|%dms", cfg.URL, cfg.MaxConnectAttempts, cfg.ConnectTimeWait.Milliseconds())
}

// acquire returns the shared connection for cfg, connecting (with retry) if
// this is the first acquisition for that key. The caller must call release
// exactly once when done with the connection.
func (p *connPool) acquire(cfg Config, logger zerolog.Logger) (*pooledConn, error) {
	key := poolKey(cfg)

	p.mu.Lock()
	if existing, ok := p.clients[key]; ok {
		existing.refs++
		p.mu.Unlock()
		return existing, nil
	}
	p.mu.Unlock()

	conn, err := connectWithRetry(cfg, logger)
	if err != nil {
		return nil, err
	}

	maxPayload := conn.MaxPayload()
	if maxPayload <= 0 {
		conn.Close()
		return nil, fmt.Errorf("pubsub: broker at %s did not report a usable maxPayload", cfg.URL)
	}

	pc := &pooledConn{key: key, conn: conn, maxPayload: maxPayload, refs: 1}

	p.mu.Lock()
	if existing, ok := p.clients[key]; ok {
		// Lost a race with a concurrent acquire; use theirs, discard ours.
		existing.refs++
		p.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	p.clients[key] = pc
	p.mu.Unlock()

	return pc, nil
}

// release drops one reference to pc's connection, closing it once the last
// transport using it has released.
func (p *connPool) release(pc *pooledConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc.refs--
	if pc.refs > 0 {
		return
	}
	delete(p.clients, pc.key)
	pc.conn.Close()
}

// connectWithRetry dials the broker, retrying up to cfg.MaxConnectAttempts
// times (-1 means forever) with cfg.ConnectTimeWait between attempts.
func connectWithRetry(cfg Config, logger zerolog.Logger) (*nats.Conn, error) {
	maxAttempts := cfg.MaxConnectAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxConnectAttempts
	}
	wait := cfg.ConnectTimeWait
	if wait <= 0 {
		wait = DefaultConnectTimeWait
	}

	opts := []nats.Option{
		nats.Name("phnq-message"),
	}

	// limiter paces attempts at roughly one per jittered wait interval: the
	// bucket starts full so the first attempt is immediate, and each
	// subsequent attempt blocks for a refill. The jitter keeps many
	// transports reconnecting to the same flapping broker from retrying in
	// lockstep.
	limiter := rate.NewLimiter(rate.Every(jitterMillis(wait)), 1)

	var lastErr error
	for attempt := 1; maxAttempts < 0 || attempt <= maxAttempts; attempt++ {
		_ = limiter.Wait(context.Background())

		conn, err := nats.Connect(cfg.URL, opts...)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warn().Err(err).Str("url", cfg.URL).Int("attempt", attempt).Msg("pub/sub broker connect failed")
	}

	return nil, &connectError{addr: cfg.URL, err: lastErr}
}

// connectError adapts a connect failure to the root package's ConnectError
// shape without importing the root package (which would cycle back through
// transport). Transport constructors return this directly; callers that
// want message.ConnectError semantics can type-assert on Addr()/Unwrap().
type connectError struct {
	addr string
	err  error
}

func (e *connectError) Error() string {
	return fmt.Sprintf("pubsub: failed to connect to %s: %v", e.addr, e.err)
}

func (e *connectError) Unwrap() error {
	return e.err
}

func (e *connectError) Addr() string {
	return e.addr
}
