package message

import "fmt"

// Anomaly is a structured, expected failure — not a bug. Handlers raise it
// for conditions the caller is expected to branch on (bad input, a business
// rule violation, ...). Info travels with the error across the wire.
type Anomaly struct {
	Msg  string
	Info interface{}
}

func NewAnomaly(msg string, info interface{}) *Anomaly {
	return &Anomaly{Msg: msg, Info: info}
}

func (a *Anomaly) Error() string {
	return a.Msg
}

// Error is an unexpected failure raised by a handler. Unlike Anomaly it
// carries no structured info, only a message; this is the generic error
// path at the wire layer.
type Error struct {
	Msg string
}

func NewError(msg string) *Error {
	return &Error{Msg: msg}
}

func (e *Error) Error() string {
	return e.Msg
}

// VerificationError is raised locally at ingress when a message's signature
// is absent (while signing is enabled) or does not match its recomputed
// digest. The offending message is dropped, never routed.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("message: signature verification failed: %s", e.Reason)
}

// TimeoutError is raised at the requester when a deadline queue read exceeds
// its configured maximum wait time. The conversation queue is torn down.
type TimeoutError struct {
	ConversationID uint64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("message: timed out waiting for response to conversation %d", e.ConversationID)
}

// ConnectError describes a transport that cannot reach its peer, either on
// initial connect or after exhausting its retry budget. The socket and
// pubsub transports in this module do not return this type: they report
// connect failures with their own error types, which carry the same address
// and cause.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("message: failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SocketClosedError is raised by pending sends/reads when the underlying
// socket transport has closed mid-conversation.
type SocketClosedError struct {
	Reason string
}

func (e *SocketClosedError) Error() string {
	if e.Reason == "" {
		return "message: socket closed"
	}
	return fmt.Sprintf("message: socket closed: %s", e.Reason)
}

// NoHandlerError is raised locally when a request message arrives but no
// onReceive handler has been installed on the connection. No response is
// sent to the peer.
type NoHandlerError struct{}

func (e *NoHandlerError) Error() string {
	return "message: no handler installed for inbound request"
}

// UnknownMessageTypeError is raised when an inbound message carries a "t"
// value outside the known type set. The message is rejected and logged.
type UnknownMessageTypeError struct {
	Type Type
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("message: unknown message type %q", e.Type)
}
