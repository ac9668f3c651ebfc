// Package router consumes inference results and dead letters, matches them
// to outstanding requests and hands replies to their destinations. Each
// request gets at most one reply: the correlation entry is removed the first
// time anything resolves it.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/qabridge/backend/internal/correlation"
	"github.com/qabridge/backend/internal/delivery"
	"github.com/qabridge/backend/internal/language"
	"github.com/qabridge/backend/internal/lifecycle"
	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/queue"
	"github.com/qabridge/backend/internal/storage/sqlite"
	"github.com/qabridge/backend/pkg/retry"
)

// Deliverer sends a reply to a "scheme:address" destination.
type Deliverer interface {
	Deliver(ctx context.Context, dest string, reply delivery.Reply) error
}

type Config struct {
	SweepInterval time.Duration
	Backoff       retry.Config
	// Owner names this router's result and dead-letter lanes. Dispatchers
	// sharing its correlation store stamp work items with the same name.
	Owner string
}

type Router struct {
	broker    queue.Broker
	store     *correlation.Store
	lifecycle *lifecycle.Manager
	deliverer Deliverer
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Router)

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

func New(broker queue.Broker, store *correlation.Store, lm *lifecycle.Manager, d Deliverer, cfg Config, opts ...Option) *Router {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	r := &Router{
		broker:    broker,
		store:     store,
		lifecycle: lm,
		deliverer: d,
		cfg:       cfg,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run consumes both lanes and sweeps expired requests until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.consume(ctx, r.lanes(queue.ResultsFor), r.HandleResult) })
	g.Go(func() error { return r.consume(ctx, r.lanes(queue.DeadLettersFor), r.HandleDeadLetter) })
	g.Go(func() error { return r.sweepLoop(ctx) })
	return g.Wait()
}

// lanes lists this router's own lane first, then the shared one, which still
// carries work published without a reply name.
func (r *Router) lanes(forOwner func(string) queue.Lane) []queue.Lane {
	own, shared := forOwner(r.cfg.Owner), forOwner("")
	if own == shared {
		return []queue.Lane{own}
	}
	return []queue.Lane{own, shared}
}

func (r *Router) consume(ctx context.Context, lanes []queue.Lane, handle func(context.Context, queue.Message) error) error {
	failures := 0
	for {
		d, err := r.broker.Receive(ctx, lanes...)
		if err == nil {
			err = handle(ctx, d.Message)
			if err == nil {
				err = r.broker.Ack(ctx, d)
			}
		}

		switch {
		case err == nil, errors.Is(err, queue.ErrNoMessage):
			failures = 0
		case ctx.Err() != nil, errors.Is(err, queue.ErrClosed):
			return nil
		default:
			failures++
			r.logger.Warn("Router iteration failed",
				zap.String("lane", string(lanes[0])),
				zap.Int("consecutive_failures", failures),
				zap.Error(err),
			)
			if err := retry.Sleep(ctx, r.cfg.Backoff.Backoff(failures)); err != nil {
				return nil
			}
		}
	}
}

func (r *Router) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// HandleResult records and delivers one answer. A nil return means the
// message is done with, including results that were dropped.
func (r *Router) HandleResult(ctx context.Context, msg queue.Message) error {
	var res queue.Result
	if err := msg.Decode(&res); err != nil {
		r.logger.Error("Malformed result", zap.String("request_id", msg.RequestID), zap.Error(err))
		metrics.DroppedResults.WithLabelValues("malformed").Inc()
		return nil
	}

	entry, err := r.store.Resolve(msg.RequestID)
	switch {
	case errors.Is(err, correlation.ErrNotFound):
		// Redelivered after a first delivery, or already swept.
		metrics.DroppedResults.WithLabelValues("unknown").Inc()
		r.logger.Debug("Result dropped", zap.String("request_id", msg.RequestID))
		return nil
	case errors.Is(err, correlation.ErrExpired):
		metrics.DroppedResults.WithLabelValues("expired").Inc()
		r.timeout(ctx, entry)
		return nil
	case err != nil:
		return err
	}

	_, err = r.lifecycle.RecordAnswer(ctx, entry.InteractionID, lifecycle.AnswerUpdate{
		Answer:       res.Answer,
		LatencyMS:    res.LatencyMS,
		ModelVersion: res.ModelVersion,
		AnsweredAt:   r.now().UTC(),
	})
	if errors.Is(err, lifecycle.ErrPrecondition) {
		metrics.DroppedResults.WithLabelValues("rejected").Inc()
		r.logger.Warn("Answer rejected", zap.String("request_id", msg.RequestID), zap.Error(err))
		return r.settleRejected(ctx, entry, err)
	}
	if err != nil {
		// Put the entry back so the redelivered result can try again.
		if regErr := r.store.Register(entry); regErr != nil {
			r.logger.Error("Failed to restore correlation entry", zap.String("request_id", entry.RequestID), zap.Error(regErr))
		}
		return fmt.Errorf("failed to record answer: %w", err)
	}

	r.deliver(ctx, entry, delivery.Reply{
		RequestID:     entry.RequestID,
		InteractionID: entry.InteractionID,
		Text:          res.Answer,
		Language:      entry.Language,
	})
	return nil
}

// settleRejected answers a requester whose result could not be recorded. An
// interaction that already holds an answer, such as one an administrator
// wrote meanwhile, sends that; otherwise it is marked failed and the
// requester gets the failure message.
func (r *Router) settleRejected(ctx context.Context, entry correlation.Entry, cause error) error {
	it, err := r.lifecycle.Get(ctx, entry.InteractionID)
	if err == nil && it.HasAnswer() {
		r.deliver(ctx, entry, delivery.Reply{
			RequestID:     entry.RequestID,
			InteractionID: entry.InteractionID,
			Text:          it.AnswerText(),
			Language:      entry.Language,
		})
		return nil
	}

	if err := r.lifecycle.MarkFailed(ctx, entry.InteractionID, "answer rejected: "+cause.Error()); err != nil {
		if !errors.Is(err, lifecycle.ErrPrecondition) && !errors.Is(err, sqlite.ErrNotFound) {
			_ = r.store.Register(entry)
			return fmt.Errorf("failed to mark interaction failed: %w", err)
		}
		r.logger.Warn("Could not mark rejected interaction failed",
			zap.Int64("interaction_id", entry.InteractionID),
			zap.Error(err),
		)
	}
	r.deliver(ctx, entry, delivery.Reply{
		RequestID:     entry.RequestID,
		InteractionID: entry.InteractionID,
		Text:          language.FailureMessage(entry.Language),
		Language:      entry.Language,
		Failed:        true,
	})
	return nil
}

// HandleDeadLetter marks the interaction failed and apologises to the
// requester if it is still waiting.
func (r *Router) HandleDeadLetter(ctx context.Context, msg queue.Message) error {
	var dl queue.DeadLetter
	if err := msg.Decode(&dl); err != nil {
		r.logger.Error("Malformed dead letter", zap.String("request_id", msg.RequestID), zap.Error(err))
		return nil
	}

	entry, err := r.store.Resolve(msg.RequestID)
	waiting := err == nil || errors.Is(err, correlation.ErrExpired)
	if err != nil && !waiting && !errors.Is(err, correlation.ErrNotFound) {
		return err
	}

	id := dl.Work.InteractionID
	if waiting {
		id = entry.InteractionID
	}
	if id == 0 {
		return nil
	}

	if err := r.lifecycle.MarkFailed(ctx, id, dl.Reason); err != nil {
		if !errors.Is(err, lifecycle.ErrPrecondition) {
			if waiting {
				_ = r.store.Register(entry)
			}
			return fmt.Errorf("failed to mark interaction failed: %w", err)
		}
		r.logger.Warn("Dead letter for settled interaction", zap.Int64("interaction_id", id), zap.Error(err))
	}

	if waiting {
		r.deliver(ctx, entry, delivery.Reply{
			RequestID:     entry.RequestID,
			InteractionID: entry.InteractionID,
			Text:          language.FailureMessage(entry.Language),
			Language:      entry.Language,
			Failed:        true,
		})
	}
	r.logger.Info("Request failed",
		zap.String("request_id", msg.RequestID),
		zap.Int64("interaction_id", id),
		zap.Int("attempts", dl.Attempts),
		zap.String("reason", dl.Reason),
	)
	return nil
}

// Sweep times out every request past its deadline and returns how many.
func (r *Router) Sweep(ctx context.Context) int {
	expired := r.store.Expire(r.now())
	for _, e := range expired {
		r.timeout(ctx, e)
	}
	return len(expired)
}

func (r *Router) timeout(ctx context.Context, e correlation.Entry) {
	metrics.Timeouts.Inc()
	if err := r.lifecycle.MarkTimedOut(ctx, e.InteractionID); err != nil {
		r.logger.Warn("Failed to mark interaction timed out",
			zap.Int64("interaction_id", e.InteractionID),
			zap.Error(err),
		)
	}
	r.deliver(ctx, e, delivery.Reply{
		RequestID:     e.RequestID,
		InteractionID: e.InteractionID,
		Text:          language.TimeoutMessage(e.Language),
		Language:      e.Language,
		TimedOut:      true,
	})
}

// deliver never fails the caller: the entry is already resolved, so a failed
// delivery is logged rather than retried.
func (r *Router) deliver(ctx context.Context, e correlation.Entry, reply delivery.Reply) {
	reply.CreatedAt = r.now().UTC()
	if err := r.deliverer.Deliver(ctx, e.Destination, reply); err != nil {
		r.logger.Error("Delivery failed",
			zap.String("request_id", e.RequestID),
			zap.String("destination", e.Destination),
			zap.Error(err),
		)
	}
}
