package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qabridge/backend/internal/api"
	"github.com/qabridge/backend/internal/api/handlers"
	"github.com/qabridge/backend/internal/correlation"
	"github.com/qabridge/backend/internal/delivery"
	"github.com/qabridge/backend/internal/dispatch"
	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/router"
	"github.com/qabridge/backend/internal/telegram"
	"github.com/qabridge/backend/internal/worker"
	"github.com/qabridge/backend/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingest API, response router and chat adapter",
	Long: `Start the HTTP and websocket API, the Telegram adapter (when enabled) and
the response router. Unless --no-workers is given, an inference worker pool runs
in the same process; with the memory queue backend it always does.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		noWorkers, _ := cmd.Flags().GetBool("no-workers")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		return serve(ctx, a, noWorkers)
	},
}

func serve(ctx context.Context, a *app, noWorkers bool) error {
	cfg := a.cfg
	logger.Info("Starting qabridge",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("provider", cfg.LLM.Provider),
		zap.String("active_model", a.versions.ActiveName()),
	)

	broker, err := a.broker(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	// Results come back to the process holding the correlation entry, so
	// several serve processes can share one queue.
	var owner string
	if cfg.Queue.Backend != "memory" {
		owner = a.consumer()
	}

	store := correlation.NewStore(correlation.WithPendingGauge(metrics.PendingRequests))
	dispatcher := dispatch.NewDispatcher(a.db, a.lm, a.fast, store, broker, dispatch.Config{
		Window:           cfg.Pipeline.IngestWindow,
		Deadline:         cfg.Pipeline.AnswerDeadline,
		PriorityDeadline: cfg.Pipeline.PriorityAnswerDeadline,
		MaxLength:        cfg.Server.MaxQuestionLength,
		ReplyTo:          owner,
	}, dispatch.WithLogger(logger.Named("dispatch")))

	registry := delivery.NewRegistry(logger.Named("delivery"))
	registry.Register("log", delivery.NewLog(logger.Named("replies")))

	hub := handlers.NewHub()
	registry.Register(handlers.WebSocketScheme, hub)

	h := api.Handlers{
		WebSocket: handlers.NewWebSocketHandler(dispatcher, hub),
		Admin:     handlers.NewAdminHandler(a.lm, a.db),
		Models:    handlers.NewModelHandler(a.versions),
	}
	if a.cache != nil {
		registry.Register(handlers.MailboxScheme, delivery.NewMailbox(a.cache, cfg.Server.MailboxTTL))
		h.Questions = handlers.NewQuestionHandler(dispatcher, a.cache)
	}

	var bot *telegram.Bot
	if cfg.Telegram.Enabled {
		bot, err = telegram.NewBot(cfg.Telegram.BotToken, cfg.Telegram.AllowedChatID, dispatcher, a.lm, logger.Named("telegram"))
		if err != nil {
			return err
		}
		registry.Register(telegram.Scheme, bot)
	}

	rt := router.New(broker, store, a.lm, registry, router.Config{
		SweepInterval: cfg.Pipeline.SweepInterval,
		Backoff:       a.backoff(),
		Owner:         owner,
	}, router.WithLogger(logger.Named("router")))

	srv := api.NewServer(cfg.Server, h, logger.Named("api"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(ctx) })

	if !noWorkers || cfg.Queue.Backend == "memory" {
		gen, err := a.generator(ctx)
		if err != nil {
			return err
		}
		pool := worker.NewPool(broker, gen, a.poolConfig(), logger.Named("worker"))
		g.Go(func() error { return pool.Run(ctx) })
	}

	if bot != nil {
		g.Go(func() error { return bot.Start(ctx) })
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	g.Go(func() error {
		logger.Info("Server starting", zap.String("address", addr))
		return srv.Listen(addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Server shutting down gracefully...")
		return srv.Shutdown()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("Server stopped")
	return err
}

func (a *app) poolConfig() worker.Config {
	return worker.Config{
		Workers:     a.cfg.Pipeline.Workers,
		RetryLimit:  a.cfg.Pipeline.WorkRetryLimit,
		Backoff:     a.backoff(),
		MaxTokens:   a.cfg.Pipeline.MaxTokens,
		Temperature: a.cfg.Pipeline.Temperature,
	}
}

func init() {
	serveCmd.Flags().Bool("no-workers", false, "Leave inference to separate worker processes")
	rootCmd.AddCommand(serveCmd)
}
