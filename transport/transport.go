// Package transport defines the contract every substrate MessageConnection
// rides on must satisfy: send, receive, close. Transports do not interpret
// message fields — they are only responsible for delivering complete
// logical messages, reassembling chunks where the substrate requires it.
package transport

import "context"

// Message is the minimal shape a transport marshals and delivers. It
// mirrors the wire fields of message.Message without importing the root
// package, keeping transport implementations free of a dependency cycle.
type Message struct {
	T string      `json:"t"`
	C uint64      `json:"c"`
	S string      `json:"s"`
	P interface{} `json:"p,omitempty"`
	Z string      `json:"z,omitempty"`
}

// Handler is invoked once per complete inbound logical message.
type Handler func(ctx context.Context, msg Message)

// Transport is the substrate contract: send a message, install the single
// ingress handler, and release resources on close. Implementations must be
// safe for concurrent Send calls; OnReceive is expected to be called once,
// before any traffic flows.
type Transport interface {
	// Send hands msg to the underlying substrate. It completes once the
	// substrate has accepted the bytes, not once a peer has received them.
	Send(ctx context.Context, msg Message) error

	// OnReceive installs the single ingress handler for this transport.
	OnReceive(handler Handler)

	// Close releases resources. It is idempotent: a second call is a no-op.
	Close() error
}
