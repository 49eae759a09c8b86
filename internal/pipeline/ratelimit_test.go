package pipeline

import (
	"testing"
	"time"
)

func TestRateLimiter_GlobalBoundary(t *testing.T) {
	rl := NewRateLimiter(1, 20)

	if !rl.CanSendGlobal() {
		t.Fatal("first call should pass")
	}
	if rl.CanSendGlobal() {
		t.Fatal("second call within the same second should be rejected")
	}

	time.Sleep(1100 * time.Millisecond)

	if !rl.CanSendGlobal() {
		t.Fatal("call after the window should pass again")
	}
}

func TestRateLimiter_RejectionDoesNotConsume(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(2, 20)
	rl.now = func() time.Time { return now }

	rl.CanSendGlobal()
	rl.CanSendGlobal()
	for i := 0; i < 5; i++ {
		if rl.CanSendGlobal() {
			t.Fatal("should stay rejected within the window")
		}
	}

	now = now.Add(1001 * time.Millisecond)
	if !rl.CanSendGlobal() || !rl.CanSendGlobal() {
		t.Fatal("full budget should be available after the window")
	}
}

func TestRateLimiter_PerConversation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(100, 2)
	rl.now = func() time.Time { return now }

	if !rl.CanSendToConversation(-100) || !rl.CanSendToConversation(-100) {
		t.Fatal("first two group events should pass")
	}
	if rl.CanSendToConversation(-100) {
		t.Fatal("third event in the same minute should be rejected")
	}
	if !rl.CanSendToConversation(-200) {
		t.Fatal("other groups have their own window")
	}

	now = now.Add(61 * time.Second)
	if !rl.CanSendToConversation(-100) {
		t.Fatal("window should slide after 60s")
	}
}

func TestRateLimiter_CompactsIdleConversations(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(100, 5)
	rl.now = func() time.Time { return now }

	for id := int64(1); id <= 10; id++ {
		rl.CanSendToConversation(-id)
	}
	if rl.TrackedConversations() != 10 {
		t.Fatalf("expected 10 tracked, got %d", rl.TrackedConversations())
	}

	now = now.Add(2 * time.Minute)
	rl.CanSendToConversation(-99)

	if got := rl.TrackedConversations(); got != 1 {
		t.Fatalf("expected idle groups compacted away, %d tracked", got)
	}
}
