package message

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/phnq-org/message/queue"
	"github.com/phnq-org/message/signature"
	"github.com/phnq-org/message/transport"
)

// DefaultResponseTimeout is used when Config.ResponseTimeout is zero.
const DefaultResponseTimeout = 5 * time.Second

// Perspective identifies which side of a conversation a ConversationSummary
// was observed from.
type Perspective string

const (
	PerspectiveRequester Perspective = "requester"
	PerspectiveResponder Perspective = "responder"
)

// ResponseRecord is one inbound message observed for a conversation, with
// the time elapsed since the request was sent.
type ResponseRecord struct {
	Message Message
	Elapsed time.Duration
}

// ConversationSummary is delivered once per completed conversation, on both
// the requester and the responder side.
type ConversationSummary struct {
	Request     Message
	Responses   []ResponseRecord
	Perspective Perspective
}

// ConversationHandler observes completed conversations.
type ConversationHandler func(ConversationSummary)

// Response is what an application ReceiveHandler returns: exactly one of
// NoResponse, Value, or Stream.
type Response interface {
	isResponse()
}

// NoResponse suppresses any reply. This is the literal "no return" case —
// distinct from a Value carrying nil, 0, or "", all of which are valid
// response payloads and do get sent.
type NoResponse struct{}

func (NoResponse) isResponse() {}

// Value is a single terminal reply.
type Value struct {
	V interface{}
}

func (Value) isResponse() {}

// StreamItem is one element of a streamed reply, or a terminal error.
type StreamItem struct {
	V   interface{}
	Err error
}

// Stream is zero or more StreamItems followed by a close of Items. An Err on
// the final item (if any) is surfaced to the requester as an error/anomaly
// and ends the stream; otherwise the stream ends cleanly with "end".
type Stream struct {
	Items <-chan StreamItem
}

func (Stream) isResponse() {}

// ReceiveHandler is the application-supplied inbound hook. Returning
// NoResponse sends nothing back; Value sends one "response"; Stream sends
// zero or more "multi" frames followed by "end". Returning a non-nil error
// sends "anomaly" (if the error is *Anomaly) or "error" otherwise.
type ReceiveHandler func(ctx context.Context, payload interface{}) (Response, error)

// Config configures a Connection.
type Config struct {
	// ResponseTimeout bounds each individual read from a conversation's
	// response queue. Zero means DefaultResponseTimeout.
	ResponseTimeout time.Duration

	// SignSalt enables signing of outbound messages and verification of
	// inbound ones when non-empty.
	SignSalt string

	// MarshalPayload / UnmarshalPayload are optional application-level
	// payload transforms applied at the connection boundary, independent of
	// the transport's own wire codec.
	MarshalPayload   func(interface{}) (interface{}, error)
	UnmarshalPayload func(interface{}) (interface{}, error)

	OnReceive      ReceiveHandler
	OnConversation ConversationHandler

	// OnSigningFailure, if set, is called whenever an inbound message is
	// dropped for being unsigned or failing signature verification.
	OnSigningFailure func()

	// OnMessageSent, if set, is called once per outbound message that the
	// transport accepts.
	OnMessageSent func()

	Logger *zerolog.Logger
}

// conversationState is the requester-side bookkeeping for one open
// conversation, keyed by conversation id.
type conversationState struct {
	queue       *queue.Queue[Message]
	request     Message
	startedAt   time.Time
	mu          sync.Mutex
	firstSource string
	streaming   bool
	responses   []ResponseRecord
}

// Connection is the conversation multiplexer riding atop a single
// transport.Transport. Either side may issue requests; a single request may
// yield zero, one, or many streamed responses.
type Connection struct {
	id        string
	transport transport.Transport
	signer    *signature.Signer
	cfg       Config
	logger    zerolog.Logger

	onReceive        ReceiveHandler
	onConversation   ConversationHandler
	onSigningFailure func()
	onMessageSent    func()

	convMu sync.Mutex
	convs  map[uint64]*conversationState

	dataMu sync.Mutex
	data   map[string]interface{}

	closeOnce sync.Once
	closeErr  error
}

// New constructs a Connection over transport t. It generates one source id
// for the lifetime of the connection and installs the inbound handler.
func New(t transport.Transport, cfg Config) (*Connection, error) {
	sourceID, err := newSourceID()
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}

	c := &Connection{
		id:               sourceID,
		transport:        t,
		signer:           signature.New(cfg.SignSalt),
		cfg:              cfg,
		logger:           logger.With().Str("source", sourceID).Logger(),
		onReceive:        cfg.OnReceive,
		onConversation:   cfg.OnConversation,
		onSigningFailure: cfg.OnSigningFailure,
		onMessageSent:    cfg.OnMessageSent,
		convs:            make(map[uint64]*conversationState),
		data:             make(map[string]interface{}),
	}

	t.OnReceive(c.handleInbound)
	return c, nil
}

// ID returns this connection's source identifier.
func (c *Connection) ID() string {
	return c.id
}

// Data returns the per-connection user-scoped key-value map. It is mutated
// only by handlers on this connection and is never sent on the wire.
func (c *Connection) Data() map[string]interface{} {
	return c.data
}

// SetOnReceive installs or replaces the inbound request handler.
func (c *Connection) SetOnReceive(h ReceiveHandler) {
	c.onReceive = h
}

// SetOnConversation installs or replaces the conversation-summary hook.
func (c *Connection) SetOnConversation(h ConversationHandler) {
	c.onConversation = h
}

// Close releases the underlying transport. Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// Send transmits payload as a fire-and-forget request: no response queue is
// allocated, and Send completes as soon as the transport accepts the bytes.
func (c *Connection) Send(ctx context.Context, payload interface{}) error {
	_, err := c.dispatch(ctx, payload, false)
	return err
}

// RequestOne expects a single logical result. If the responder returned a
// stream, RequestOne drains it, keeps the first element, logs a warning,
// and discards the rest.
func (c *Connection) RequestOne(ctx context.Context, payload interface{}) (interface{}, error) {
	value, stream, err := c.Request(ctx, payload)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return value, nil
	}

	first, ok, err := stream.Next(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	go func() {
		drainCtx := context.Background()
		for {
			_, more, drainErr := stream.Next(drainCtx)
			if drainErr != nil || !more {
				return
			}
		}
	}()

	c.logger.Warn().Msg("requestOne received a stream; kept first element, discarding the rest")
	return first, nil
}

// RequestMulti always returns a ResponseStream; if the responder returned a
// single value, the stream yields exactly that one element.
func (c *Connection) RequestMulti(ctx context.Context, payload interface{}) (*ResponseStream, error) {
	value, stream, err := c.Request(ctx, payload)
	if err != nil {
		return nil, err
	}
	if stream != nil {
		return stream, nil
	}
	return newSingleValueStream(value), nil
}

// Request is the low-level dispatch form: it returns either a single value
// (stream == nil) or a lazy ResponseStream (value == nil), depending on the
// type of the first inbound response.
func (c *Connection) Request(ctx context.Context, payload interface{}) (interface{}, *ResponseStream, error) {
	cs, err := c.dispatch(ctx, payload, true)
	if err != nil {
		return nil, nil, err
	}

	first, err := cs.queue.Next(c.cfg.ResponseTimeout)
	if err != nil {
		c.teardownConversation(cs, err)
		return nil, nil, c.translateQueueError(cs.request.C, err)
	}

	elapsed := time.Since(cs.startedAt)
	cs.mu.Lock()
	cs.responses = append(cs.responses, ResponseRecord{Message: first, Elapsed: elapsed})
	cs.mu.Unlock()

	switch first.T {
	case TypeResponse:
		c.finishConversation(cs)
		return c.unwrapPayload(first.P), nil, nil

	case TypeError:
		c.finishConversation(cs)
		return nil, nil, errorFromPayload(first.P)

	case TypeAnomaly:
		c.finishConversation(cs)
		return nil, nil, anomalyFromPayload(first.P)

	case TypeMulti:
		return nil, newConversationStream(c, cs, first), nil

	default:
		c.teardownConversation(cs, nil)
		return nil, nil, &UnknownMessageTypeError{Type: first.T}
	}
}

// dispatch allocates a conversation id, builds and sends the outbound
// request message, and — when expectResponse is set — registers a response
// queue for it.
func (c *Connection) dispatch(ctx context.Context, payload interface{}, expectResponse bool) (*conversationState, error) {
	cid := nextConversationID()

	outPayload := payload
	if c.cfg.MarshalPayload != nil {
		var err error
		outPayload, err = c.cfg.MarshalPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("message: marshal payload: %w", err)
		}
	}

	msg := Message{T: TypeRequest, C: cid, S: c.id, P: outPayload}

	var cs *conversationState
	if expectResponse {
		cs = &conversationState{
			queue:     queue.New[Message](),
			request:   msg,
			startedAt: time.Now(),
		}
		c.convMu.Lock()
		c.convs[cid] = cs
		c.convMu.Unlock()
	}

	if err := c.send(ctx, msg); err != nil {
		if cs != nil {
			c.convMu.Lock()
			delete(c.convs, cid)
			c.convMu.Unlock()
		}
		return nil, err
	}

	return cs, nil
}

func (c *Connection) send(ctx context.Context, msg Message) error {
	if c.signer.Enabled() {
		z, err := c.signer.Sign(signature.Fields{
			Type:         string(msg.T),
			Conversation: msg.C,
			Source:       msg.S,
			Payload:      msg.P,
		})
		if err != nil {
			return fmt.Errorf("message: sign outbound message: %w", err)
		}
		msg.Z = z
	}

	if err := c.transport.Send(ctx, toTransportMessage(msg)); err != nil {
		return err
	}
	if c.onMessageSent != nil {
		c.onMessageSent()
	}
	return nil
}

func (c *Connection) unwrapPayload(p interface{}) interface{} {
	if c.cfg.UnmarshalPayload != nil {
		if v, err := c.cfg.UnmarshalPayload(p); err == nil {
			return v
		} else {
			c.logger.Warn().Err(err).Msg("unmarshalPayload hook failed; passing payload through unchanged")
		}
	}
	return p
}

func (c *Connection) translateQueueError(cid uint64, err error) error {
	var te *queue.TimeoutError
	if errors.As(err, &te) {
		return &TimeoutError{ConversationID: cid}
	}
	if errors.Is(err, queue.ErrClosed) {
		return &SocketClosedError{}
	}
	return err
}

func (c *Connection) teardownConversation(cs *conversationState, _ error) {
	c.convMu.Lock()
	delete(c.convs, cs.request.C)
	c.convMu.Unlock()
}

func (c *Connection) finishConversation(cs *conversationState) {
	c.convMu.Lock()
	delete(c.convs, cs.request.C)
	c.convMu.Unlock()

	if c.onConversation != nil {
		cs.mu.Lock()
		responses := append([]ResponseRecord(nil), cs.responses...)
		cs.mu.Unlock()
		c.onConversation(ConversationSummary{
			Request:     cs.request,
			Responses:   responses,
			Perspective: PerspectiveRequester,
		})
	}
}

// handleInbound is installed as the transport's single ingress handler. It
// verifies signatures, unmarshals payloads, and routes by message type:
// requests go to the application handler, everything else is routed by
// conversation id to a waiting queue (or silently dropped).
func (c *Connection) handleInbound(ctx context.Context, tm transport.Message) {
	msg := fromTransportMessage(tm)

	if c.signer.Enabled() {
		if msg.Z == "" {
			c.logger.Warn().Err(&VerificationError{Reason: "missing signature"}).Uint64("conversation", msg.C).Msg("dropping unsigned message: signing is enabled")
			if c.onSigningFailure != nil {
				c.onSigningFailure()
			}
			return
		}
		err := c.signer.Verify(signature.Fields{
			Type:         string(msg.T),
			Conversation: msg.C,
			Source:       msg.S,
			Payload:      msg.P,
		}, msg.Z)
		if err != nil {
			c.logger.Warn().Err(&VerificationError{Reason: err.Error()}).Uint64("conversation", msg.C).Msg("dropping message: signature verification failed")
			if c.onSigningFailure != nil {
				c.onSigningFailure()
			}
			return
		}
	}

	switch msg.T {
	case TypeRequest:
		c.handleRequest(ctx, msg)
	case TypeResponse, TypeMulti, TypeEnd, TypeError, TypeAnomaly:
		c.routeResponse(msg)
	default:
		c.logger.Warn().Err(&UnknownMessageTypeError{Type: msg.T}).Msg("dropping message of unknown type")
	}
}

// routeResponse delivers an inbound response-family message to the queue
// registered for its conversation id, if this connection owns it. A
// conversation id this connection did not originate has no queue and the
// message is dropped silently — this is how multiple connections safely
// share one transport.
func (c *Connection) routeResponse(msg Message) {
	c.convMu.Lock()
	cs, ok := c.convs[msg.C]
	c.convMu.Unlock()
	if !ok {
		return
	}

	cs.mu.Lock()
	if cs.firstSource == "" {
		cs.firstSource = msg.S
	} else if msg.S != cs.firstSource {
		cs.mu.Unlock()
		c.logger.Warn().Str("source", msg.S).Str("expected", cs.firstSource).Uint64("conversation", msg.C).
			Msg("dropping response from a source that does not match the conversation's pinned source")
		return
	}
	cs.mu.Unlock()

	cs.queue.Enqueue(msg)

	switch msg.T {
	case TypeResponse, TypeError, TypeAnomaly, TypeEnd:
		cs.queue.Flush()
	}
}

// handleRequest invokes the application handler for an inbound request and
// sends back whatever response form it produces.
func (c *Connection) handleRequest(ctx context.Context, req Message) {
	if c.onReceive == nil {
		c.logger.Error().Err(&NoHandlerError{}).Uint64("conversation", req.C).Msg("dropping inbound request")
		return
	}

	payload := c.unwrapPayload(req.P)
	startedAt := time.Now()

	resp, err := c.onReceive(ctx, payload)

	var responses []ResponseRecord
	if err != nil {
		responses = c.respondWithError(ctx, req, err, startedAt)
	} else {
		switch r := resp.(type) {
		case NoResponse:
			// nothing to send
		case Value:
			responses = c.respondWithValue(ctx, req, r.V, startedAt)
		case Stream:
			responses = c.respondWithStream(ctx, req, r, startedAt)
		default:
			c.logger.Error().Msg("receive handler returned an unrecognized response type")
		}
	}

	if c.onConversation != nil {
		c.onConversation(ConversationSummary{
			Request:     req,
			Responses:   responses,
			Perspective: PerspectiveResponder,
		})
	}
}

func (c *Connection) respondWithValue(ctx context.Context, req Message, v interface{}, startedAt time.Time) []ResponseRecord {
	out := v
	if c.cfg.MarshalPayload != nil {
		if marshaled, err := c.cfg.MarshalPayload(v); err == nil {
			out = marshaled
		}
	}

	msg := Message{T: TypeResponse, C: req.C, S: c.id, P: out}
	if err := c.send(ctx, msg); err != nil {
		c.logger.Error().Err(err).Uint64("conversation", req.C).Msg("failed to send response")
		return nil
	}
	return []ResponseRecord{{Message: msg, Elapsed: time.Since(startedAt)}}
}

func (c *Connection) respondWithError(ctx context.Context, req Message, err error, startedAt time.Time) []ResponseRecord {
	var anomaly *Anomaly
	var msg Message
	if errors.As(err, &anomaly) {
		msg = Message{T: TypeAnomaly, C: req.C, S: c.id, P: AnomalyPayload{
			Message:        anomaly.Msg,
			Info:           anomaly.Info,
			RequestPayload: req.P,
		}}
	} else {
		msg = Message{T: TypeError, C: req.C, S: c.id, P: ErrorPayload{
			Message:        err.Error(),
			RequestPayload: req.P,
		}}
	}

	if sendErr := c.send(ctx, msg); sendErr != nil {
		c.logger.Error().Err(sendErr).Uint64("conversation", req.C).Msg("failed to send error response")
		return nil
	}
	return []ResponseRecord{{Message: msg, Elapsed: time.Since(startedAt)}}
}

func (c *Connection) respondWithStream(ctx context.Context, req Message, s Stream, startedAt time.Time) []ResponseRecord {
	var responses []ResponseRecord

	for item := range s.Items {
		elapsed := time.Since(startedAt)
		if item.Err != nil {
			responses = append(responses, c.respondWithError(ctx, req, item.Err, startedAt)...)
			return responses
		}

		out := item.V
		if c.cfg.MarshalPayload != nil {
			if marshaled, err := c.cfg.MarshalPayload(item.V); err == nil {
				out = marshaled
			}
		}

		msg := Message{T: TypeMulti, C: req.C, S: c.id, P: out}
		if err := c.send(ctx, msg); err != nil {
			c.logger.Error().Err(err).Uint64("conversation", req.C).Msg("failed to send stream item")
			return responses
		}
		responses = append(responses, ResponseRecord{Message: msg, Elapsed: elapsed})
	}

	endMsg := Message{T: TypeEnd, C: req.C, S: c.id, P: EndPayload}
	if err := c.send(ctx, endMsg); err != nil {
		c.logger.Error().Err(err).Uint64("conversation", req.C).Msg("failed to send stream terminator")
		return responses
	}
	responses = append(responses, ResponseRecord{Message: endMsg, Elapsed: time.Since(startedAt)})
	return responses
}

func toTransportMessage(m Message) transport.Message {
	return transport.Message{T: string(m.T), C: m.C, S: m.S, P: m.P, Z: m.Z}
}

func fromTransportMessage(m transport.Message) Message {
	return Message{T: Type(m.T), C: m.C, S: m.S, P: m.P, Z: m.Z}
}

func errorFromPayload(p interface{}) error {
	if m, ok := p.(map[string]interface{}); ok {
		if msg, ok := m["message"].(string); ok {
			return NewError(msg)
		}
	}
	if ep, ok := p.(ErrorPayload); ok {
		return NewError(ep.Message)
	}
	return NewError("unknown error")
}

func anomalyFromPayload(p interface{}) error {
	if m, ok := p.(map[string]interface{}); ok {
		msg, _ := m["message"].(string)
		return NewAnomaly(msg, m["info"])
	}
	if ap, ok := p.(AnomalyPayload); ok {
		return NewAnomaly(ap.Message, ap.Info)
	}
	return NewAnomaly("unknown anomaly", nil)
}
