package pipeline

import (
	"sync"
	"time"
)

const (
	globalWindow       = time.Second
	conversationWindow = time.Minute
)

// RateLimiter holds two sliding windows: a global one bounding total
// outbound messages per second and a per-chat one bounding group traffic
// per minute. Checks are admission gates; a rejected event is dropped.
type RateLimiter struct {
	mu            sync.Mutex
	perSecond     int
	perMinute     int
	global        []time.Time
	conversations map[int64][]time.Time
	lastCompact   time.Time
	now           func() time.Time
}

func NewRateLimiter(messagesPerSecond, groupsPerMinute int) *RateLimiter {
	if messagesPerSecond <= 0 {
		messagesPerSecond = 30
	}
	if groupsPerMinute <= 0 {
		groupsPerMinute = 20
	}
	return &RateLimiter{
		perSecond:     messagesPerSecond,
		perMinute:     groupsPerMinute,
		conversations: make(map[int64][]time.Time),
		now:           time.Now,
	}
}

// CanSendGlobal records an event in the global window if there is room.
func (rl *RateLimiter) CanSendGlobal() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.global = prune(rl.global, now.Add(-globalWindow))
	if len(rl.global) >= rl.perSecond {
		return false
	}
	rl.global = append(rl.global, now)
	return true
}

// CanSendToConversation records an event in the chat's 60s window if there
// is room. Only group chats go through this gate.
func (rl *RateLimiter) CanSendToConversation(chatID int64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.compactLocked(now)

	window := prune(rl.conversations[chatID], now.Add(-conversationWindow))
	if len(window) >= rl.perMinute {
		rl.conversations[chatID] = window
		return false
	}
	rl.conversations[chatID] = append(window, now)
	return true
}

// TrackedConversations returns how many chats currently hold a window.
func (rl *RateLimiter) TrackedConversations() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.conversations)
}

// compactLocked drops chats whose newest event has left the window.
// It runs at most once per window length.
func (rl *RateLimiter) compactLocked(now time.Time) {
	if now.Sub(rl.lastCompact) < conversationWindow {
		return
	}
	rl.lastCompact = now
	cutoff := now.Add(-conversationWindow)
	for id, window := range rl.conversations {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(rl.conversations, id)
		}
	}
}

// prune removes timestamps at or before cutoff. Timestamps are appended in
// order, so the survivors are a suffix.
func prune(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append(window[:0], window[i:]...)
}
