package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
)

// ChatQueue runs work for the same chat one item at a time in submission
// order, while different chats run in parallel. The mutex covers only the
// tail map, never the work itself.
type ChatQueue struct {
	mu    sync.Mutex
	tails map[int64]*chainLink
}

type chainLink struct {
	done chan struct{}
}

func NewChatQueue() *ChatQueue {
	return &ChatQueue{tails: make(map[int64]*chainLink)}
}

// Enqueue appends fn to the chat's chain. The returned channel receives the
// item's error (nil on success) and is then closed. A failed or panicking
// item never blocks the items queued after it.
func (q *ChatQueue) Enqueue(chatID int64, fn func() error) <-chan error {
	link := &chainLink{done: make(chan struct{})}
	result := make(chan error, 1)

	q.mu.Lock()
	prev := q.tails[chatID]
	q.tails[chatID] = link
	q.mu.Unlock()

	go func() {
		if prev != nil {
			<-prev.done
		}

		err := runSafe(fn)

		q.mu.Lock()
		if q.tails[chatID] == link {
			delete(q.tails, chatID)
		}
		q.mu.Unlock()

		close(link.done)
		result <- err
		close(result)
	}()

	return result
}

// Drain waits until every chain known at call time has settled. New chats
// may still be enqueued while it waits.
func (q *ChatQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	pending := make([]*chainLink, 0, len(q.tails))
	for _, link := range q.tails {
		pending = append(pending, link)
	}
	q.mu.Unlock()

	for _, link := range pending {
		select {
		case <-link.done:
		case <-ctx.Done():
			return fmt.Errorf("drain chat queue: %w", ctx.Err())
		}
	}
	return nil
}

// Active returns the number of chats with queued or running work.
func (q *ChatQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}

func runSafe(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in chat work: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}
