package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
)

const (
	EventMessageReceived = "message.received"

	defaultHookTimeout = 5 * time.Second
)

// Hook observes pipeline events. It must not assume it can influence them.
type Hook func(ctx context.Context, ev domain.HookEvent) error

type namedHook struct {
	name string
	fn   Hook
}

// HookRegistry runs registered hooks in registration order on a detached
// goroutine. Hook errors and panics are logged and never reach the caller.
type HookRegistry struct {
	mu      sync.RWMutex
	hooks   []namedHook
	timeout time.Duration
	logger  *slog.Logger
	onError func(name string, err error)
	wg      sync.WaitGroup
}

func NewHookRegistry(logger *slog.Logger) *HookRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookRegistry{
		timeout: defaultHookTimeout,
		logger:  logger,
	}
}

// Register appends a hook. Hooks fire in the order they were registered.
func (r *HookRegistry) Register(name string, fn Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, namedHook{name: name, fn: fn})
}

// OnError sets a callback invoked for every failed hook, e.g. a metric.
func (r *HookRegistry) OnError(fn func(name string, err error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

func (r *HookRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// Fire dispatches ev to every hook and returns immediately.
func (r *HookRegistry) Fire(ctx context.Context, ev domain.HookEvent) {
	r.mu.RLock()
	hooks := make([]namedHook, len(r.hooks))
	copy(hooks, r.hooks)
	onError := r.onError
	r.mu.RUnlock()

	if len(hooks) == 0 {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for _, h := range hooks {
			if err := r.run(ctx, h, ev); err != nil {
				r.logger.Warn("plugin hook failed", "hook", h.name, "event", ev.Type, "err", err)
				if onError != nil {
					onError(h.name, err)
				}
			}
		}
	}()
}

// Wait blocks until every fired dispatch has finished.
func (r *HookRegistry) Wait() {
	r.wg.Wait()
}

func (r *HookRegistry) run(ctx context.Context, h namedHook, ev domain.HookEvent) (err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.fn(ctx, ev)
}
