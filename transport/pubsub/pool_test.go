package pubsub

import (
	"testing"
	"time"
)

func TestPoolKeyDistinguishesReconnectPolicy(t *testing.T) {
	a := poolKey(Config{URL: "nats://localhost:4222", MaxConnectAttempts: 1, ConnectTimeWait: 2 * time.Second})
	b := poolKey(Config{URL: "nats://localhost:4222", MaxConnectAttempts: 3, ConnectTimeWait: 2 * time.Second})
	if a == b {
		t.Fatal("expected different MaxConnectAttempts to produce different pool keys")
	}

	c := poolKey(Config{URL: "nats://localhost:4222", MaxConnectAttempts: 1, ConnectTimeWait: 2 * time.Second})
	if a != c {
		t.Fatal("expected identical config to produce identical pool keys")
	}
}

func TestJitterMillisStaysWithinExpectedBand(t *testing.T) {
	wait := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := jitterMillis(wait)
		if got < wait || got > wait+wait/5 {
			t.Fatalf("jitterMillis(%v) = %v, want within [%v, %v]", wait, got, wait, wait+wait/5)
		}
	}
}

func TestJitterMillisZeroWait(t *testing.T) {
	if got := jitterMillis(0); got != 0 {
		t.Fatalf("jitterMillis(0) = %v, want 0", got)
	}
}
