package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveConversationIncrementsCounters(t *testing.T) {
	reg := NewRegistry()

	reg.ObserveConversation("requester", "response", 50*time.Millisecond)

	if got := testutil.ToFloat64(reg.ConversationsByTerminal.WithLabelValues("requester", "response")); got != 1 {
		t.Fatalf("expected 1 conversation counted, got %v", got)
	}
}
