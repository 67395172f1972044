// Package server implements WebSocketMessageServer: the dispatcher that
// upgrades inbound sockets, enforces a path allow-list, and owns the
// registry of per-connection MessageConnections.
package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/phnq-org/message"
	"github.com/phnq-org/message/transport/socket"
)

// ConnectHandler is invoked once a connection has been upgraded and
// registered. The connection's read loop and receive handler are already
// running by then, so requests may be processed before or while it runs.
type ConnectHandler func(id string, conn *message.Connection)

// DisconnectHandler is invoked once a connection's socket has closed and it
// has been deregistered.
type DisconnectHandler func(id string)

// Config configures a Server.
type Config struct {
	// Path and Paths are mutually exclusive; Paths defaults to ["/"].
	Path  string
	Paths []string

	// OnReceive handles every inbound request across every connection this
	// server owns. It is installed on each connection's MessageConnection.
	OnReceive message.ReceiveHandler

	OnConnect    ConnectHandler
	OnDisconnect DisconnectHandler

	// OnConversation, if set, is installed on each connection's
	// MessageConnection and receives a summary once a conversation
	// completes, from the server's (responder) perspective.
	OnConversation message.ConversationHandler

	// OnSigningFailure and OnMessageSent are installed on each connection's
	// MessageConnection; see message.Config for their semantics.
	OnSigningFailure func()
	OnMessageSent    func()

	ResponseTimeout time.Duration
	SignSalt        string

	Logger *zerolog.Logger
}

// Server upgrades allow-listed paths to WebSocket connections, wrapping
// each in a message.Connection and tracking it in a connection registry
// keyed by a per-connection id.
type Server struct {
	cfg        Config
	allowPaths map[string]struct{}
	logger     zerolog.Logger

	mu    sync.Mutex
	conns map[string]*message.Connection
	next  uint64
}

// New validates cfg and constructs a Server. It does not start listening;
// mount Handler on an http.ServeMux (or serve it directly) to accept
// connections.
func New(cfg Config) (*Server, error) {
	if cfg.Path != "" && len(cfg.Paths) > 0 {
		return nil, fmt.Errorf("server: path and paths are mutually exclusive")
	}
	if cfg.OnReceive == nil {
		return nil, fmt.Errorf("server: onReceive is required")
	}

	paths := cfg.Paths
	if cfg.Path != "" {
		paths = []string{cfg.Path}
	}
	if len(paths) == 0 {
		paths = []string{"/"}
	}

	allow := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		allow[p] = struct{}{}
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Server{
		cfg:        cfg,
		allowPaths: allow,
		logger:     logger.With().Str("component", "message-server").Logger(),
		conns:      make(map[string]*message.Connection),
	}, nil
}

// Handler returns an http.Handler suitable for mounting at any path; it
// enforces the allow-list itself rather than relying on mux routing, so a
// single Server can be mounted broadly and still reject disallowed paths
// per the configured policy.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.allowPaths[r.URL.Path]; !ok {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		reason := fmt.Sprintf("unsupported path: %s", r.URL.Path)
		// Close code 1008 = Policy Violation.
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, reason))
		_ = ws.WriteFrame(conn, frame)
		conn.Close()
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	socketTransport := socket.NewServerTransport(conn, s.logger)

	id := s.nextConnectionID()
	mc, err := message.New(socketTransport, message.Config{
		SignSalt:         s.cfg.SignSalt,
		ResponseTimeout:  s.cfg.ResponseTimeout,
		OnReceive:        s.cfg.OnReceive,
		OnConversation:   s.cfg.OnConversation,
		OnSigningFailure: s.cfg.OnSigningFailure,
		OnMessageSent:    s.cfg.OnMessageSent,
		Logger:           &s.logger,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to construct connection")
		socketTransport.Close()
		return
	}

	s.mu.Lock()
	s.conns[id] = mc
	s.mu.Unlock()

	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(id, mc)
	}

	go func() {
		<-socketTransport.Done()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		if s.cfg.OnDisconnect != nil {
			s.cfg.OnDisconnect(id)
		}
	}()
}

func (s *Server) nextConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("conn-%d", s.next)
}

// Connection looks up a registered connection by id.
func (s *Server) Connection(id string) (*message.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

// Close closes every registered connection's transport.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*message.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*message.Connection)
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

