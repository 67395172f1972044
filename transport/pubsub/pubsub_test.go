package pubsub

import (
	"testing"
	"time"

	"github.com/phnq-org/message/transport"
)

func newTestTransport(resolver SubjectResolver) *Transport {
	return &Transport{
		cfg:           Config{PublishSubject: resolver},
		replySubjects: make(map[uint64]string),
	}
}

func TestMarshalUnmarshalMessageRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := transport.Message{
		T: "request",
		C: 7,
		S: "agent-a",
		P: map[string]interface{}{"when": at, "name": "hi"},
	}

	data, err := marshalMessage(msg)
	if err != nil {
		t.Fatalf("marshalMessage: %v", err)
	}

	got, err := unmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshalMessage: %v", err)
	}

	p := got.P.(map[string]interface{})
	when, ok := p["when"].(time.Time)
	if !ok || !when.Equal(at) {
		t.Fatalf("expected recovered timestamp %v, got %#v", at, p["when"])
	}
	if p["name"] != "hi" {
		t.Fatalf("got name %#v", p["name"])
	}
}

func TestResolveSubjectCachesForEndMessage(t *testing.T) {
	tr := newTestTransport(SubjectFunc(func(msg transport.Message) (string, error) {
		return "replies." + msg.S, nil
	}))

	req := transport.Message{T: "request", C: 1, S: "agent-a"}
	subj, err := tr.resolveSubject(req)
	if err != nil {
		t.Fatalf("resolveSubject request: %v", err)
	}
	if subj != "replies.agent-a" {
		t.Fatalf("got subject %q", subj)
	}

	end := transport.Message{T: "end", C: 1, S: "agent-b"}
	endSubj, err := tr.resolveSubject(end)
	if err != nil {
		t.Fatalf("resolveSubject end: %v", err)
	}
	if endSubj != subj {
		t.Fatalf("end message should reuse the cached subject %q, got %q", subj, endSubj)
	}

	if _, err := tr.resolveSubject(end); err == nil {
		t.Error("expected an error resolving a second end for the same conversation: the cache entry should be gone")
	}
}

func TestResolveSubjectFixed(t *testing.T) {
	tr := newTestTransport(FixedSubject("updates"))

	subj, err := tr.resolveSubject(transport.Message{T: "request", C: 1})
	if err != nil {
		t.Fatalf("resolveSubject: %v", err)
	}
	if subj != "updates" {
		t.Fatalf("got %q", subj)
	}
}

func TestResolveSubjectFailsWithoutResolver(t *testing.T) {
	tr := newTestTransport(nil)
	if _, err := tr.resolveSubject(transport.Message{T: "request", C: 1}); err == nil {
		t.Error("expected an error when no publishSubject is configured")
	}
}
