package message

import (
	"context"
	"time"
)

// ResponseStream reads the successive "multi" frames of a streamed response,
// terminated by "end", "error", or "anomaly". It is returned by Request and
// RequestMulti whenever the responder chose to stream.
type ResponseStream struct {
	conn *Connection
	cs   *conversationState

	done    bool
	pending []interface{}
}

// newConversationStream wraps a live conversation whose first inbound
// message was already observed to be "multi".
func newConversationStream(conn *Connection, cs *conversationState, first Message) *ResponseStream {
	s := &ResponseStream{conn: conn, cs: cs}
	s.pending = append(s.pending, conn.unwrapPayload(first.P))
	return s
}

// newSingleValueStream adapts a single non-streamed value into the
// ResponseStream shape, for callers that always want to iterate (RequestMulti).
func newSingleValueStream(value interface{}) *ResponseStream {
	return &ResponseStream{pending: []interface{}{value}, done: true}
}

// Next returns the next streamed value. ok is false once the stream has
// ended cleanly; err is non-nil if the stream ended with "error"/"anomaly"
// or the read timed out.
func (s *ResponseStream) Next(ctx context.Context) (interface{}, bool, error) {
	if len(s.pending) > 0 {
		v := s.pending[0]
		s.pending = s.pending[1:]
		return v, true, nil
	}
	if s.done {
		return nil, false, nil
	}

	timeout := DefaultResponseTimeout
	if s.conn != nil {
		timeout = s.conn.cfg.ResponseTimeout
	}

	msg, err := s.cs.queue.Next(timeout)
	if err != nil {
		s.done = true
		s.conn.teardownConversation(s.cs, err)
		return nil, false, s.conn.translateQueueError(s.cs.request.C, err)
	}

	elapsed := time.Since(s.cs.startedAt)
	s.cs.mu.Lock()
	s.cs.responses = append(s.cs.responses, ResponseRecord{Message: msg, Elapsed: elapsed})
	s.cs.mu.Unlock()

	switch msg.T {
	case TypeMulti:
		return s.conn.unwrapPayload(msg.P), true, nil
	case TypeEnd:
		s.done = true
		s.conn.finishConversation(s.cs)
		return nil, false, nil
	case TypeError:
		s.done = true
		s.conn.finishConversation(s.cs)
		return nil, false, errorFromPayload(msg.P)
	case TypeAnomaly:
		s.done = true
		s.conn.finishConversation(s.cs)
		return nil, false, anomalyFromPayload(msg.P)
	default:
		s.done = true
		s.conn.teardownConversation(s.cs, nil)
		return nil, false, &UnknownMessageTypeError{Type: msg.T}
	}
}
