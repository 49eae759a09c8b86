package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TONresistor/teleton-agent-sub000/internal/bus"
	"github.com/TONresistor/teleton-agent-sub000/internal/channel"
	"github.com/TONresistor/teleton-agent-sub000/internal/config"
	"github.com/TONresistor/teleton-agent-sub000/internal/domain"
	"github.com/TONresistor/teleton-agent-sub000/internal/metrics"
	"github.com/TONresistor/teleton-agent-sub000/internal/pipeline"
	"github.com/TONresistor/teleton-agent-sub000/internal/provider"
	"github.com/TONresistor/teleton-agent-sub000/internal/store"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Connect to Telegram and process messages until interrupted",
		RunE:  runStart,
	}
}

// stores bundles the persistence collaborators opened from config.
type stores struct {
	db      *store.DB
	offsets domain.OffsetStore
	feed    *store.FeedStore
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	db, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	s := &stores{db: db, feed: store.NewFeedStore(db)}

	switch cfg.Storage.OffsetsBackend {
	case "file":
		fo, err := store.OpenFileOffsetStore(cfg.Storage.OffsetsFile)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("offsets file: %w", err)
		}
		s.offsets = fo
	default:
		s.offsets = store.NewOffsetStore(db)
	}
	return s, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer closeLog()

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is not set")
	}
	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.db.Close()
	logger.Info("storage ready", "driver", st.db.Driver(), "offsets", cfg.Storage.OffsetsBackend)

	tg := channel.NewTelegram(channel.TelegramConfig{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.PollTimeout,
		Debug:       cfg.Telegram.Debug,
		Logger:      logger.With("component", "telegram"),
	})

	responder := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:       cfg.Provider.APIKey,
		APIBase:      cfg.Provider.APIBase,
		Model:        cfg.Provider.Model,
		SystemPrompt: cfg.Provider.SystemPrompt,
		MaxTokens:    cfg.Provider.MaxTokens,
		Temperature:  cfg.Provider.Temperature,
		Timeout:      time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
		Logger:       logger.With("component", "provider"),
	})
	if err := responder.Healthy(ctx); err != nil {
		logger.Warn("provider unhealthy at startup", "err", err)
	}

	var transcriber domain.Transcriber
	if cfg.Transcription.Enabled {
		w, err := provider.NewWhisper(provider.WhisperConfig{
			APIBase:  cfg.Transcription.APIBase,
			APIKey:   cfg.Transcription.APIKey,
			Model:    cfg.Transcription.Model,
			Language: cfg.Transcription.Language,
			Files:    tg,
			Logger:   logger.With("component", "whisper"),
		})
		if err != nil {
			return err
		}
		transcriber = w
	}

	hooks := bus.NewHookRegistry(logger.With("component", "hooks"))
	hooks.OnError(func(string, error) { metrics.HookFailures.Inc() })
	hooks.Register("audit-log", func(_ context.Context, ev domain.HookEvent) error {
		logger.Debug("hook event", "type", ev.Type, "chat_id", ev.Message.ChatID, "msg_id", ev.Message.ID)
		return nil
	})

	handler, err := pipeline.NewHandler(pipeline.HandlerConfig{
		Policy:      cfg.Policy,
		RateLimit:   cfg.RateLimit,
		Pipeline:    cfg.Pipeline,
		Offsets:     st.offsets,
		Feed:        st.feed,
		Responder:   responder,
		Dispatcher:  tg,
		Presence:    tg,
		Replies:     store.NewReplyResolver(st.feed),
		Transcriber: transcriber,
		Hooks:       hooks,
		Logger:      logger.With("component", "pipeline"),
	})
	if err != nil {
		return err
	}

	retention, err := store.NewRetention(st.feed, cfg.Storage.FeedRetentionDays, cfg.Storage.PruneSchedule, logger.With("component", "retention"))
	if err != nil {
		return err
	}
	retention.Start()
	defer retention.Stop()

	// Admission ignores cancellation so buffered messages flushed during
	// shutdown still reach the handler.
	admitCtx := context.WithoutCancel(ctx)
	debouncer := pipeline.NewDebouncer(
		time.Duration(cfg.Pipeline.DebounceMs)*time.Millisecond,
		logger.With("component", "debounce"),
		func(msg domain.InboundMessage) { handler.Handle(admitCtx, msg) },
	)

	inbound := bus.New(cfg.Pipeline.BusBufferSize, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := tg.Start(gctx, inbound); err != nil {
			return fmt.Errorf("%s: %w", tg.Name(), err)
		}
		return nil
	})
	g.Go(func() error {
		return inbound.Consume(gctx, debouncer.Push)
	})

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = newMetricsServer(cfg.Metrics)
		g.Go(func() error {
			logger.Info("metrics listening", "addr", metricsSrv.Addr, "path", cfg.Metrics.Endpoint)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(sctx)
		})
	}

	logger.Info("teleton started. Press Ctrl+C to stop.", "version", version)

	runErr := g.Wait()
	if runErr != nil {
		logger.Error("component failed, shutting down", "err", runErr)
	} else {
		logger.Info("shutting down...")
	}

	inbound.Close()
	for msg := range inbound.Subscribe() {
		debouncer.Push(msg)
	}
	debouncer.Stop()

	timeout := time.Duration(cfg.Pipeline.ShutdownTimeoutS) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := handler.Drain(shutdownCtx); err != nil {
		logger.Warn("shutdown timed out with work in flight", "err", err)
		runErr = errors.Join(runErr, fmt.Errorf("drain: %w", err))
	}
	hooks.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", "err", err)
	}
	logger.Info("shutdown complete")
	return runErr
}

func newMetricsServer(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Endpoint, metrics.Collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
