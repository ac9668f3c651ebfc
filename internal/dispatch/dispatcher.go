// Package dispatch accepts questions, persists them, flags ingest-time
// duplicates and hands the work to the inference lanes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/correlation"
	"github.com/qabridge/backend/internal/dedup"
	"github.com/qabridge/backend/internal/language"
	"github.com/qabridge/backend/internal/lifecycle"
	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/queue"
	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/internal/storage/sqlite"
)

var (
	ErrEmptyQuestion = errors.New("question is empty")
	ErrTooLong       = errors.New("question is too long")
)

type Config struct {
	// Window is the number of recent same-language interactions the fast
	// classifier compares against.
	Window           int
	Deadline         time.Duration
	PriorityDeadline time.Duration
	MaxLength        int
	// ReplyTo names the router that owns this process's correlation store.
	ReplyTo string
}

// Request is one question as received from a channel.
type Request struct {
	RequesterID string
	// Destination is where the answer goes, as "scheme:address".
	Destination string
	Text        string
	Priority    models.Priority
}

// Ticket tells the caller how to find the answer later.
type Ticket struct {
	RequestID     string          `json:"request_id"`
	InteractionID int64           `json:"interaction_id"`
	Language      models.Language `json:"language"`
	Priority      models.Priority `json:"priority"`
	Deadline      time.Time       `json:"deadline"`
	DuplicateOf   *int64          `json:"duplicate_of,omitempty"`
}

type Dispatcher struct {
	db         *sqlite.Client
	lifecycle  *lifecycle.Manager
	classifier *dedup.Classifier
	store      *correlation.Store
	broker     queue.Broker
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(db *sqlite.Client, lm *lifecycle.Manager, fast *dedup.Classifier, store *correlation.Store, broker queue.Broker, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Window <= 0 {
		cfg.Window = 500
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 30 * time.Second
	}
	if cfg.PriorityDeadline <= 0 {
		cfg.PriorityDeadline = cfg.Deadline
	}
	d := &Dispatcher{
		db:         db,
		lifecycle:  lm,
		classifier: fast,
		store:      store,
		broker:     broker,
		cfg:        cfg,
		logger:     zap.NewNop(),
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch persists the question and publishes it for inference. The work item
// is published only after the interaction row and its correlation entry exist.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Ticket, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyQuestion
	}
	if d.cfg.MaxLength > 0 && utf8.RuneCountInString(text) > d.cfg.MaxLength {
		return nil, fmt.Errorf("%w: %d characters allowed", ErrTooLong, d.cfg.MaxLength)
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}

	now := d.now().UTC()
	it := &models.Interaction{
		RequestID:   d.newID(),
		RequesterID: req.RequesterID,
		Destination: req.Destination,
		Question:    text,
		Language:    language.Detect(text),
		Priority:    priority,
		CreatedAt:   now,
		State:       models.StateCreated,
	}
	if err := d.db.InsertInteraction(ctx, it); err != nil {
		return nil, fmt.Errorf("failed to persist question: %w", err)
	}

	ticket := &Ticket{
		RequestID:     it.RequestID,
		InteractionID: it.ID,
		Language:      it.Language,
		Priority:      priority,
		Deadline:      now.Add(d.deadline(priority)),
	}
	if ref := d.flagDuplicate(ctx, it); ref != 0 {
		ticket.DuplicateOf = &ref
	}

	entry := correlation.Entry{
		RequestID:     it.RequestID,
		InteractionID: it.ID,
		Destination:   it.Destination,
		Deadline:      ticket.Deadline,
		Priority:      priority,
		Language:      it.Language,
	}
	if err := d.store.Register(entry); err != nil {
		return nil, fmt.Errorf("failed to register request: %w", err)
	}

	lane := queue.LaneFor(priority)
	msg, err := queue.NewMessage(it.RequestID, queue.WorkItem{
		InteractionID: it.ID,
		Text:          text,
		Language:      it.Language,
		Priority:      priority,
		ReplyTo:       d.cfg.ReplyTo,
	})
	if err == nil {
		err = d.broker.Publish(ctx, lane, msg)
	}
	if err != nil {
		// The interaction stays created and unpublished; the sweep job can
		// pick it up again.
		_, _ = d.store.Resolve(it.RequestID)
		return nil, fmt.Errorf("failed to publish work item: %w", err)
	}

	metrics.DispatchTotal.WithLabelValues(string(lane), string(it.Language)).Inc()
	d.logger.Info("Question dispatched",
		zap.String("request_id", it.RequestID),
		zap.Int64("interaction_id", it.ID),
		zap.String("lane", string(lane)),
		zap.String("language", string(it.Language)),
		zap.Bool("duplicate", ticket.DuplicateOf != nil),
	)
	return ticket, nil
}

// Redispatch republishes an interaction left created and unpublished.
func (d *Dispatcher) Redispatch(ctx context.Context, id int64) (*Ticket, error) {
	it, err := d.lifecycle.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if it.State != models.StateCreated {
		return nil, fmt.Errorf("interaction %d is %s", id, it.State)
	}

	now := d.now().UTC()
	ticket := &Ticket{
		RequestID:     it.RequestID,
		InteractionID: it.ID,
		Language:      it.Language,
		Priority:      it.Priority,
		Deadline:      now.Add(d.deadline(it.Priority)),
		DuplicateOf:   it.DuplicateOf,
	}
	err = d.store.Register(correlation.Entry{
		RequestID:     it.RequestID,
		InteractionID: it.ID,
		Destination:   it.Destination,
		Deadline:      ticket.Deadline,
		Priority:      it.Priority,
		Language:      it.Language,
	})
	if err != nil && !errors.Is(err, correlation.ErrDuplicate) {
		return nil, err
	}

	msg, err := queue.NewMessage(it.RequestID, queue.WorkItem{
		InteractionID: it.ID,
		Text:          it.Question,
		Language:      it.Language,
		Priority:      it.Priority,
		ReplyTo:       d.cfg.ReplyTo,
	})
	if err != nil {
		return nil, err
	}
	if err := d.broker.Publish(ctx, queue.LaneFor(it.Priority), msg); err != nil {
		_, _ = d.store.Resolve(it.RequestID)
		return nil, fmt.Errorf("failed to publish work item: %w", err)
	}
	return ticket, nil
}

func (d *Dispatcher) deadline(p models.Priority) time.Duration {
	if p == models.PriorityHigh {
		return d.cfg.PriorityDeadline
	}
	return d.cfg.Deadline
}

// flagDuplicate classifies the new interaction against the recent window and
// returns the canonical id when it is a duplicate. Classification failures are
// logged and the question proceeds unflagged.
func (d *Dispatcher) flagDuplicate(ctx context.Context, it *models.Interaction) int64 {
	if d.classifier == nil {
		return 0
	}

	recent, err := d.db.RecentInteractions(ctx, it.Language, it.ID, d.cfg.Window)
	if err != nil {
		d.logger.Warn("Duplicate check skipped", zap.Int64("interaction_id", it.ID), zap.Error(err))
		return 0
	}
	corpus, err := d.corpus(ctx, recent)
	if err != nil {
		d.logger.Warn("Duplicate check skipped", zap.Int64("interaction_id", it.ID), zap.Error(err))
		return 0
	}

	decision, err := d.classifier.Classify(ctx, dedup.Entry{
		ID:        it.ID,
		CreatedAt: it.CreatedAt,
		Question:  it.Question,
	}, corpus, dedup.FieldQuestion)
	if err != nil {
		d.logger.Warn("Duplicate classification failed", zap.Int64("interaction_id", it.ID), zap.Error(err))
		return 0
	}

	if err := d.lifecycle.FlagDuplicate(ctx, it.ID, decision); err != nil {
		d.logger.Warn("Failed to record duplicate flag",
			zap.Int64("interaction_id", it.ID),
			zap.Int64("reference_id", decision.ReferenceID),
			zap.Error(err),
		)
		return 0
	}
	if !decision.IsDuplicate {
		return 0
	}
	return decision.ReferenceID
}

// corpus turns the window into classifier entries, resolving each duplicate's
// root so matches always point at a cluster's canonical record.
func (d *Dispatcher) corpus(ctx context.Context, recent []models.Interaction) ([]dedup.Entry, error) {
	created := make(map[int64]time.Time, len(recent))
	for _, r := range recent {
		created[r.ID] = r.CreatedAt
	}

	out := make([]dedup.Entry, 0, len(recent))
	for i := range recent {
		r := &recent[i]
		e := dedup.Entry{
			ID:        r.ID,
			CreatedAt: r.CreatedAt,
			Question:  r.Question,
			Answer:    r.AnswerText(),
		}
		if r.IsDuplicate && r.DuplicateOf != nil {
			rootAt, ok := created[*r.DuplicateOf]
			if !ok {
				root, err := d.db.GetInteraction(ctx, *r.DuplicateOf)
				if errors.Is(err, sqlite.ErrNotFound) {
					out = append(out, e)
					continue
				}
				if err != nil {
					return nil, err
				}
				rootAt = root.CreatedAt
				created[root.ID] = rootAt
			}
			e.RootID = *r.DuplicateOf
			e.RootCreatedAt = rootAt
		}
		out = append(out, e)
	}
	return out, nil
}
