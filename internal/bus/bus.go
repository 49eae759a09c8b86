// Package bus carries inbound chat events from transports to the pipeline
// and fans them out to plugin hooks.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

const publishTimeout = 10 * time.Second

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// InMemoryBus is a Go-channel based inbound event source.
type InMemoryBus struct {
	inbound chan domain.InboundMessage
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundMessage, bufferSize),
		logger:  logger,
	}
}

// Publish blocks up to 10 seconds if the bus is full instead of dropping.
func (b *InMemoryBus) Publish(ctx context.Context, msg domain.InboundMessage) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	select {
	case b.inbound <- msg:
		return nil
	default:
	}

	b.logger.Warn("inbound bus full, waiting...", "chat_id", msg.ChatID, "message_id", msg.ID)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		b.logger.Error("message dropped: bus full for 10s", "chat_id", msg.ChatID, "message_id", msg.ID)
		return errors.New("bus full")
	}
}

// Subscribe returns the inbound stream. It is closed by Close.
func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

// Consume calls fn for every inbound message until ctx is done or the bus
// is closed.
func (b *InMemoryBus) Consume(ctx context.Context, fn func(domain.InboundMessage)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-b.inbound:
			if !ok {
				return nil
			}
			fn(msg)
		}
	}
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
