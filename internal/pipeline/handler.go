// Package pipeline turns inbound chat events into at most one serialized
// response per message and commits progress only after the reply is out.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/TONresistor/teleton-agent-sub000/internal/config"
	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
	"github.com/TONresistor/teleton-agent-sub000/internal/metrics"
)

const (
	typingInterval           = 4 * time.Second
	defaultEnrichmentTimeout = 5 * time.Second
	truncationMarker         = "…"
)

// Outcome is what Handle did with an event.
type Outcome string

const (
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeQueued      Outcome = "queued"
)

// HookFirer notifies plugins without waiting for them.
type HookFirer interface {
	Fire(ctx context.Context, ev domain.HookEvent)
}

// HandlerConfig wires a Handler. Offsets, Feed, Responder and Dispatcher
// are required; the rest are optional enrichments.
type HandlerConfig struct {
	Policy    config.PolicyConfig
	RateLimit config.RateLimitConfig
	Pipeline  config.PipelineConfig

	Offsets     domain.OffsetStore
	Feed        domain.FeedStore
	Responder   domain.Responder
	Dispatcher  domain.Dispatcher
	Presence    domain.Presence
	Replies     domain.ReplyResolver
	Transcriber domain.Transcriber
	Hooks       HookFirer

	Logger *slog.Logger
	Tracer trace.Tracer
}

// Handler is the per-event orchestrator:
// dedup, feed, hooks, policy, rate limit, then serialized processing.
type Handler struct {
	policy  *Policy
	dedup   *DedupWindow
	limiter *RateLimiter
	pending *PendingHistory
	queue   *ChatQueue

	offsets     domain.OffsetStore
	feed        domain.FeedStore
	responder   domain.Responder
	dispatcher  domain.Dispatcher
	presence    domain.Presence
	replies     domain.ReplyResolver
	transcriber domain.Transcriber
	hooks       HookFirer

	maxLen            int
	typing            bool
	sendTools         []string
	enrichmentTimeout time.Duration

	logger *slog.Logger
	tracer trace.Tracer
	rlLog  rate.Sometimes
	wg     sync.WaitGroup
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Offsets == nil || cfg.Feed == nil || cfg.Responder == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("pipeline: offsets, feed, responder and dispatcher are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/TONresistor/teleton-agent-sub000/internal/pipeline")
	}
	timeout := time.Duration(cfg.Pipeline.EnrichmentTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = defaultEnrichmentTimeout
	}
	sendTools := cfg.Pipeline.SendTools
	if sendTools == nil {
		sendTools = config.DefaultSendTools
	}

	return &Handler{
		policy:  NewPolicy(cfg.Policy),
		dedup:   NewDedupWindow(cfg.Pipeline.DedupCapacity),
		limiter: NewRateLimiter(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.GroupsPerMinute),
		pending: NewPendingHistory(DefaultPendingLimit),
		queue:   NewChatQueue(),

		offsets:     cfg.Offsets,
		feed:        cfg.Feed,
		responder:   cfg.Responder,
		dispatcher:  cfg.Dispatcher,
		presence:    cfg.Presence,
		replies:     cfg.Replies,
		transcriber: cfg.Transcriber,
		hooks:       cfg.Hooks,

		maxLen:            cfg.Pipeline.MaxMessageLength,
		typing:            cfg.Pipeline.TypingSimulation,
		sendTools:         sendTools,
		enrichmentTimeout: timeout,

		logger: logger,
		tracer: tracer,
		rlLog:  rate.Sometimes{Interval: time.Second},
	}, nil
}

// Handle runs the admission gate for one event and, if admitted, queues
// its processing on the chat's chain. It never blocks on processing.
func (h *Handler) Handle(ctx context.Context, msg domain.InboundMessage) Outcome {
	runID := uuid.NewString()
	ctx, span := h.tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(
		attribute.String("teleton.run_id", runID),
		attribute.Int64("teleton.chat_id", msg.ChatID),
		attribute.Int64("teleton.message_id", msg.ID),
		attribute.String("teleton.chat_kind", msg.ConversationKind()),
	))
	defer span.End()

	log := h.logger.With("run_id", runID, "chat_id", msg.ChatID, "message_id", msg.ID)
	metrics.InboundTotal.Inc()

	if h.dedup.SeenOrRecord(msg.ChatID, msg.ID) {
		metrics.DuplicatesTotal.Inc()
		log.Debug("duplicate delivery dropped")
		span.SetAttributes(attribute.String("teleton.outcome", string(OutcomeDuplicate)))
		return OutcomeDuplicate
	}

	h.recordInbound(ctx, msg, log)

	if h.hooks != nil {
		h.hooks.Fire(ctx, domain.HookEvent{Type: "message.received", Message: msg, At: time.Now()})
	}

	decision := h.policy.Decide(msg, h.readOffset(ctx, msg.ChatID, log))
	if !decision.ShouldRespond {
		metrics.SkippedTotal.Inc()
		if msg.IsGroup && decision.Reason != ReasonAlreadyProcessed {
			h.pending.Add(msg.ChatID, msg)
		}
		log.Debug("message skipped", "reason", decision.Reason, "admin", decision.IsAdmin)
		span.SetAttributes(
			attribute.String("teleton.outcome", string(OutcomeSkipped)),
			attribute.String("teleton.reason", decision.Reason),
		)
		return OutcomeSkipped
	}

	if !h.admit(msg) {
		metrics.RateLimitedTotal.Inc()
		h.rlLog.Do(func() {
			log.Info("rate limit reached, message dropped", "group", msg.IsGroup)
		})
		span.SetAttributes(attribute.String("teleton.outcome", string(OutcomeRateLimited)))
		return OutcomeRateLimited
	}

	// Processing outlives the delivery context; shutdown drains instead.
	workCtx := context.WithoutCancel(ctx)
	done := h.queue.Enqueue(msg.ChatID, func() error {
		return h.process(workCtx, decision, log)
	})
	metrics.ActiveChains.Set(int64(h.queue.Active()))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := <-done; err != nil {
			metrics.FailedTotal.Inc()
			h.dedup.Forget(msg.ChatID, msg.ID)
			log.Error("message processing failed", "err", err)
		}
		metrics.ActiveChains.Set(int64(h.queue.Active()))
	}()

	span.SetAttributes(attribute.String("teleton.outcome", string(OutcomeQueued)))
	return OutcomeQueued
}

// Drain waits for in-flight chains to settle.
func (h *Handler) Drain(ctx context.Context) error {
	if err := h.queue.Drain(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain handler: %w", ctx.Err())
	}
}

// admit checks the global window, then the chat window for groups.
func (h *Handler) admit(msg domain.InboundMessage) bool {
	if !h.limiter.CanSendGlobal() {
		return false
	}
	if msg.IsGroup && !h.limiter.CanSendToConversation(msg.ChatID) {
		return false
	}
	return true
}

// process is the unit of work run on the chat's chain.
func (h *Handler) process(ctx context.Context, d domain.Decision, log *slog.Logger) (err error) {
	msg := d.Message
	start := time.Now()

	ctx, span := h.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.Int64("teleton.chat_id", msg.ChatID),
		attribute.Int64("teleton.message_id", msg.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// A copy of this message may have committed while we waited in line.
	if msg.ID <= h.readOffset(ctx, msg.ChatID, log) {
		log.Debug("already processed by an earlier queued copy")
		return nil
	}

	if h.typing && h.presence != nil {
		stop := h.startTyping(ctx, msg.ChatID, log)
		defer stop()
	}

	var pendingCtx string
	if msg.IsGroup {
		pendingCtx = h.pending.GetAndClear(msg.ChatID)
	}
	replyCtx := h.resolveReply(ctx, msg, log)
	transcript := h.transcribe(ctx, msg, log)

	res, err := h.responder.Respond(ctx, domain.ResponseRequest{
		ChatID:         msg.ChatID,
		Text:           truncateRunes(msg.Text, h.maxLen),
		SenderName:     msg.SenderName,
		Timestamp:      msg.Timestamp,
		IsGroup:        msg.IsGroup,
		PendingContext: pendingCtx,
		ReplyContext:   replyCtx,
		Transcript:     transcript,
		Tools: domain.ToolContext{
			ChatID:     msg.ChatID,
			SenderID:   msg.SenderID,
			ReplyToID:  msg.ID,
			IsGroup:    msg.IsGroup,
			IsAdmin:    d.IsAdmin,
			Dispatcher: feedDispatcher{h: h, log: log},
		},
	})
	if err != nil {
		return fmt.Errorf("generate response: %w", err)
	}
	if res == nil {
		res = &domain.ResponseResult{}
	}

	if !res.Invoked(h.sendTools...) && strings.TrimSpace(res.Text) != "" {
		sent, err := h.dispatcher.SendReply(ctx, msg.ChatID, res.Text, msg.ID)
		if err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
		if sent != nil {
			h.recordOutbound(ctx, *sent, log)
		}
	}

	if msg.IsGroup {
		h.pending.Clear(msg.ChatID)
	}

	if err := h.offsets.WriteOffset(ctx, msg.ChatID, msg.ID); err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}

	metrics.ProcessedTotal.Inc()
	metrics.ProcessingLatency.Observe(time.Since(start).Seconds())
	log.Debug("message processed", "duration", time.Since(start))
	return nil
}

// readOffset treats a failed read as "nothing committed"; the worst case
// is reprocessing, never skipping.
func (h *Handler) readOffset(ctx context.Context, chatID int64, log *slog.Logger) int64 {
	offset, _, err := h.offsets.ReadOffset(ctx, chatID)
	if err != nil {
		log.Warn("offset read failed", "err", err)
		return 0
	}
	return offset
}

func (h *Handler) recordInbound(ctx context.Context, msg domain.InboundMessage, log *slog.Logger) {
	conv := domain.Conversation{
		ID:            msg.ChatID,
		Kind:          msg.ConversationKind(),
		Title:         msg.ChatTitle,
		LastMessageID: msg.ID,
		LastMessageAt: msg.Timestamp,
	}
	if err := h.feed.UpsertConversation(ctx, conv); err != nil {
		h.feedError(log, "upsert conversation", err)
	}
	if msg.SenderID != 0 {
		sender := domain.Sender{
			ID:          msg.SenderID,
			DisplayName: msg.SenderName,
			Username:    msg.SenderUsername,
			IsBot:       msg.IsBot,
		}
		if err := h.feed.UpsertSender(ctx, sender); err != nil {
			h.feedError(log, "upsert sender", err)
		}
	}
	rec := domain.FeedMessage{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Direction: domain.DirectionIn,
		Text:      msg.Text,
		ReplyToID: msg.ReplyToID,
		HasMedia:  msg.Media != nil,
		SentAt:    msg.Timestamp,
	}
	if err := h.feed.StoreMessage(ctx, rec); err != nil {
		h.feedError(log, "store inbound message", err)
	}
}

func (h *Handler) recordOutbound(ctx context.Context, sent domain.FeedMessage, log *slog.Logger) {
	sent.Direction = domain.DirectionOut
	if sent.SentAt.IsZero() {
		sent.SentAt = time.Now()
	}
	if err := h.feed.StoreMessage(ctx, sent); err != nil {
		h.feedError(log, "store outbound message", err)
	}
}

// feedDispatcher records what send tools deliver on the model's behalf.
type feedDispatcher struct {
	h   *Handler
	log *slog.Logger
}

func (f feedDispatcher) SendReply(ctx context.Context, chatID int64, text string, replyToID int64) (*domain.FeedMessage, error) {
	sent, err := f.h.dispatcher.SendReply(ctx, chatID, text, replyToID)
	if err == nil && sent != nil {
		f.h.recordOutbound(ctx, *sent, f.log)
	}
	return sent, err
}

func (h *Handler) feedError(log *slog.Logger, op string, err error) {
	metrics.FeedErrors.Inc()
	log.Warn("feed write failed", "op", op, "err", err)
}

// startTyping refreshes the typing indicator until the returned func is called.
func (h *Handler) startTyping(ctx context.Context, chatID int64, log *slog.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			if err := h.presence.SendTyping(ctx, chatID); err != nil && ctx.Err() == nil {
				log.Debug("typing indicator failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (h *Handler) resolveReply(ctx context.Context, msg domain.InboundMessage, log *slog.Logger) string {
	if msg.ReplyToID == 0 || h.replies == nil {
		return ""
	}
	text, err := withTimeout(ctx, h.enrichmentTimeout, func(ctx context.Context) (string, error) {
		return h.replies.ResolveReply(ctx, msg.ChatID, msg.ReplyToID)
	})
	if err != nil {
		log.Debug("reply context unavailable", "reply_to", msg.ReplyToID, "err", err)
		return ""
	}
	return text
}

func (h *Handler) transcribe(ctx context.Context, msg domain.InboundMessage, log *slog.Logger) string {
	if !msg.Media.Transcribable() || h.transcriber == nil {
		return ""
	}
	text, err := withTimeout(ctx, h.enrichmentTimeout, func(ctx context.Context) (string, error) {
		return h.transcriber.Transcribe(ctx, *msg.Media)
	})
	if err != nil {
		log.Warn("transcription unavailable", "err", err)
		return ""
	}
	return text
}

// withTimeout races fn against a timer. A call that ignores its context
// is abandoned rather than waited on.
func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		text, err := fn(ctx)
		ch <- result{text, err}
	}()

	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// truncateRunes caps s at max runes, marking the cut.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + truncationMarker
}
