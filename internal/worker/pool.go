// Package worker runs the inference pool: each worker takes one work item at
// a time, asks the generator for an answer and publishes the result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qabridge/backend/internal/llm"
	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/queue"
	"github.com/qabridge/backend/pkg/retry"
)

type Config struct {
	Workers int
	// RetryLimit is the number of failed attempts after which a work item
	// goes to the dead-letter lane.
	RetryLimit  int
	Backoff     retry.Config
	MaxTokens   int
	Temperature float32
}

type Pool struct {
	broker queue.Broker
	gen    llm.Generator
	cfg    Config
	logger *zap.Logger
}

func NewPool(broker queue.Broker, gen llm.Generator, cfg Config, logger *zap.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{broker: broker, gen: gen, cfg: cfg, logger: logger}
}

// Run starts the workers and blocks until ctx is cancelled or the broker is
// closed.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			return p.loop(ctx, id)
		})
	}
	p.logger.Info("Worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.String("generator", p.gen.Name()),
	)
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, id int) error {
	failures := 0
	for {
		err := p.ProcessOne(ctx)
		switch {
		case err == nil, errors.Is(err, queue.ErrNoMessage):
			failures = 0
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		default:
			failures++
			p.logger.Warn("Worker iteration failed",
				zap.Int("worker", id),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if err := retry.Sleep(ctx, p.cfg.Backoff.Backoff(failures)); err != nil {
				return nil
			}
		}
	}
}

// ProcessOne receives and handles a single work item. It returns
// queue.ErrNoMessage when nothing arrived within the broker's poll window.
func (p *Pool) ProcessOne(ctx context.Context) error {
	d, err := p.broker.Receive(ctx, queue.WorkLanes...)
	if err != nil {
		return err
	}
	return p.handle(ctx, d)
}

// handle acknowledges d only once its outcome (a result, a requeued copy or
// a dead letter) is published. Any error return leaves d unacknowledged for
// redelivery.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery) error {
	msg := d.Message

	var work queue.WorkItem
	if err := msg.Decode(&work); err != nil {
		p.logger.Error("Malformed work item", zap.String("request_id", msg.RequestID), zap.Error(err))
		return p.deadLetter(ctx, d, work, "malformed: "+err.Error(), msg.Attempt)
	}

	start := time.Now()
	gen, err := p.gen.Generate(ctx, llm.GenerateRequest{
		Prompt:      work.Text,
		Language:    work.Language,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return p.fail(ctx, d, work, err)
	}
	if strings.TrimSpace(gen.Text) == "" {
		return p.fail(ctx, d, work, llm.Transient(llm.ErrEmptyGeneration))
	}

	result, err := queue.NewMessage(msg.RequestID, queue.Result{
		InteractionID: work.InteractionID,
		Answer:        gen.Text,
		LatencyMS:     time.Since(start).Milliseconds(),
		ModelVersion:  gen.Model,
	})
	if err != nil {
		return err
	}
	if err := p.broker.Publish(ctx, queue.ResultsFor(work.ReplyTo), result); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}

	p.logger.Info("Work item answered",
		zap.String("request_id", msg.RequestID),
		zap.Int64("interaction_id", work.InteractionID),
		zap.String("model", gen.Model),
		zap.Duration("latency", time.Since(start)),
	)
	return p.broker.Ack(ctx, d)
}

func (p *Pool) fail(ctx context.Context, d *queue.Delivery, work queue.WorkItem, cause error) error {
	msg := d.Message
	attempt := msg.Attempt + 1

	if !llm.IsTransient(cause) {
		p.logger.Error("Inference failed permanently",
			zap.String("request_id", msg.RequestID),
			zap.Error(cause),
		)
		return p.deadLetter(ctx, d, work, cause.Error(), attempt)
	}
	if attempt >= p.cfg.RetryLimit {
		p.logger.Error("Retry limit reached",
			zap.String("request_id", msg.RequestID),
			zap.Int("attempts", attempt),
			zap.Error(cause),
		)
		return p.deadLetter(ctx, d, work, cause.Error(), attempt)
	}

	delay := p.cfg.Backoff.Backoff(attempt)
	p.logger.Warn("Inference failed, requeueing",
		zap.String("request_id", msg.RequestID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	if err := retry.Sleep(ctx, delay); err != nil {
		return err
	}

	msg.Attempt = attempt
	if err := p.broker.Publish(ctx, d.Lane, msg); err != nil {
		return fmt.Errorf("failed to requeue work item: %w", err)
	}
	metrics.WorkRetries.Inc()
	return p.broker.Ack(ctx, d)
}

func (p *Pool) deadLetter(ctx context.Context, d *queue.Delivery, work queue.WorkItem, reason string, attempts int) error {
	msg, err := queue.NewMessage(d.Message.RequestID, queue.DeadLetter{
		Work:     work,
		Reason:   reason,
		Attempts: attempts,
	})
	if err != nil {
		return err
	}
	msg.Attempt = attempts
	if err := p.broker.Publish(ctx, queue.DeadLettersFor(work.ReplyTo), msg); err != nil {
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	label := "exhausted"
	switch {
	case work.InteractionID == 0:
		label = "malformed"
	case attempts < p.cfg.RetryLimit:
		label = "permanent"
	}
	metrics.DeadLetters.WithLabelValues(label).Inc()
	return p.broker.Ack(ctx, d)
}
