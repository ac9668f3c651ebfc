package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	cache "github.com/qabridge/backend/internal/cache/redis"
	"github.com/qabridge/backend/internal/dedup"
	"github.com/qabridge/backend/internal/lifecycle"
	lineageneo4j "github.com/qabridge/backend/internal/lineage/neo4j"
	"github.com/qabridge/backend/internal/llm"
	"github.com/qabridge/backend/internal/llm/gemini"
	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/modelversion"
	"github.com/qabridge/backend/internal/queue"
	queueredis "github.com/qabridge/backend/internal/queue/redis"
	"github.com/qabridge/backend/internal/similarity"
	"github.com/qabridge/backend/internal/storage/sqlite"
	"github.com/qabridge/backend/internal/vector/milvus"
	"github.com/qabridge/backend/pkg/config"
	"github.com/qabridge/backend/pkg/logger"
	"github.com/qabridge/backend/pkg/retry"
)

// app holds the components shared by every command.
type app struct {
	cfg      *config.Config
	db       *sqlite.Client
	cache    *cache.Client
	versions *modelversion.Manager
	fast     *dedup.Classifier
	lm       *lifecycle.Manager
	embedder *llm.Client

	closers []func()
}

// loadApp reads configuration, opens the store and builds the lifecycle
// manager. Optional backends are connected when enabled.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	metrics.Init()

	a := &app{cfg: cfg}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	a.db, err = sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = a.db.Close() })
	if err := a.db.Migrate(); err != nil {
		a.Close()
		return nil, err
	}

	a.cache, err = cache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		if cfg.Queue.Backend == "redis" {
			a.Close()
			return nil, err
		}
		logger.Warn("Redis unavailable, running without embedding cache and reply mailbox", zap.Error(err))
		a.cache = nil
	} else {
		a.onClose(func() { _ = a.cache.Close() })
	}

	a.versions = modelversion.NewManager(
		cfg.Models.Root,
		modelversion.NewSymlinkPointer(filepath.Join(cfg.Models.Root, cfg.Models.PointerName)),
		logger.Named("models"),
	)

	a.embedder = llm.NewClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		Temperature:    cfg.Pipeline.Temperature,
		MaxTokens:      cfg.Pipeline.MaxTokens,
	})

	if err := a.buildLifecycle(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) buildLifecycle(ctx context.Context) error {
	p := a.cfg.Pipeline

	fast, err := dedup.NewClassifier(dedup.FastProfile(p.IngestQuestionThreshold, p.IngestAnswerThreshold))
	if err != nil {
		return fmt.Errorf("invalid ingest profile: %w", err)
	}
	a.fast = fast

	var ec similarity.EmbeddingCache
	if a.cache != nil {
		ec = a.cache
	}
	semantic := similarity.NewSemantic(a.embedder, ec, similarity.SemanticConfig{
		Model:    a.cfg.LLM.EmbeddingModel,
		CacheTTL: a.cfg.LLM.EmbeddingTTL,
		Logger:   logger.Named("similarity"),
	})
	precise, err := dedup.NewClassifier(dedup.PreciseProfile(semantic, p.ExportQuestionThreshold, p.ExportAnswerThreshold))
	if err != nil {
		return fmt.Errorf("invalid export profile: %w", err)
	}

	opts := []lifecycle.Option{lifecycle.WithLogger(logger.Named("lifecycle"))}

	if a.cfg.Neo4j.Enabled {
		graph, err := lineageneo4j.NewClient(ctx, a.cfg.Neo4j.URI, a.cfg.Neo4j.Username, a.cfg.Neo4j.Password, a.cfg.Neo4j.Database)
		if err != nil {
			return err
		}
		a.onClose(func() { _ = graph.Close(context.Background()) })
		if err := graph.EnsureSchema(ctx); err != nil {
			return err
		}
		opts = append(opts, lifecycle.WithLineage(graph))
	}

	if a.cfg.Milvus.Enabled {
		index, err := milvus.NewClient(ctx, a.cfg.Milvus.Endpoint, a.cfg.Milvus.CollectionName, a.cfg.LLM.EmbeddingDim)
		if err != nil {
			return err
		}
		a.onClose(func() { _ = index.Close() })
		if err := index.CreateCollection(ctx); err != nil {
			return err
		}
		opts = append(opts, lifecycle.WithCandidateIndex(index, semantic))
	}

	a.lm = lifecycle.NewManager(a.db, fast, precise, lifecycle.Config{
		ExportPath: a.cfg.Export.Path,
		BackupDir:  a.cfg.Export.BackupDir,
		NeighborK:  a.cfg.Milvus.TopK,
	}, opts...)
	return nil
}

func (a *app) broker(ctx context.Context) (queue.Broker, error) {
	q := a.cfg.Queue
	if q.Backend == "memory" {
		return queue.NewMemoryBroker(q.PollInterval), nil
	}

	return queueredis.NewBroker(ctx, a.cache.Raw(), queueredis.Config{
		StreamPrefix: q.StreamPrefix,
		Group:        q.Group,
		Consumer:     a.consumer(),
		PollInterval: q.PollInterval,
		ClaimIdle:    q.ClaimIdle,
		MaxLen:       q.MaxLen,
	}, logger.Named("queue"))
}

// consumer names this process on the queue. It also names the reply lanes of
// the router running here.
func (a *app) consumer() string {
	if a.cfg.Queue.Consumer != "" {
		return a.cfg.Queue.Consumer
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// generator returns the inference client for the configured provider. The
// openai client serves whichever model version is active.
func (a *app) generator(ctx context.Context) (llm.Generator, error) {
	if a.cfg.LLM.Provider == "gemini" {
		g, err := gemini.NewClient(ctx, gemini.Config{
			APIKey:      a.cfg.Gemini.APIKey,
			ModelName:   a.cfg.Gemini.Model,
			Temperature: a.cfg.Pipeline.Temperature,
			MaxTokens:   a.cfg.Pipeline.MaxTokens,
		}, logger.Named("gemini"))
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = g.Close() })
		return g, nil
	}
	return a.embedder.WithModelSource(a.versions.ActiveName), nil
}

func (a *app) backoff() retry.Config {
	return retry.Config{
		MaxAttempts:    a.cfg.Pipeline.WorkRetryLimit,
		InitialDelay:   a.cfg.Pipeline.RetryInitialDelay,
		MaxDelay:       a.cfg.Pipeline.RetryMaxDelay,
		Multiplier:     2.0,
		JitterFraction: 0.1,
	}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	logger.Sync()
}
