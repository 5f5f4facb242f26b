package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLocalBurstThenRefill(t *testing.T) {
	l := NewLocal(Policy{Rate: 1, Burst: 2})
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow(ctx, "agent-1"); !ok {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if ok, _ := l.Allow(ctx, "agent-1"); ok {
		t.Fatal("request beyond burst allowed")
	}
	if ok, _ := l.Allow(ctx, "agent-2"); !ok {
		t.Fatal("other agent should have its own bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := l.Allow(ctx, "agent-1"); !ok {
		t.Fatal("request after refill denied")
	}
}

func TestLocalEvictsIdleKeys(t *testing.T) {
	l := NewLocal(DefaultPolicy)
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	l.Allow(ctx, "a")
	l.Allow(ctx, "b")
	if got := l.Len(); got != 2 {
		t.Fatalf("Len() = %d; want 2", got)
	}

	now = now.Add(idleTTL + time.Second)
	l.Allow(ctx, "c")
	if got := l.Len(); got != 1 {
		t.Errorf("Len() = %d; want 1 after idle sweep", got)
	}
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.normalized()
	if p != DefaultPolicy {
		t.Errorf("normalized() = %+v; want %+v", p, DefaultPolicy)
	}
}
