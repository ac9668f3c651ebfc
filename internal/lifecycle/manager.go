// Package lifecycle owns every review-state transition of an interaction and
// the promotion of approved interactions into training examples. No other
// package writes review_state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/dedup"
	"github.com/qabridge/backend/internal/lineage"
	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/internal/storage/sqlite"
)

var ErrPrecondition = errors.New("precondition failed")

// PreconditionError rejects an operation without changing any state.
type PreconditionError struct {
	Op     string
	ID     int64
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s %d: %s", e.Op, e.ID, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return ErrPrecondition }

func precondition(op string, id int64, format string, args ...any) error {
	return &PreconditionError{Op: op, ID: id, Reason: fmt.Sprintf(format, args...)}
}

type Config struct {
	ExportPath string
	BackupDir  string
	// NeighborK bounds the candidates fetched from the answer index per
	// example during export.
	NeighborK int
}

type Manager struct {
	db      *sqlite.Client
	fast    *dedup.Classifier
	precise *dedup.Classifier
	index   CandidateIndex
	vectors VectorSource
	lineage lineage.Recorder
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

type Option func(*Manager)

func WithLineage(r lineage.Recorder) Option {
	return func(m *Manager) { m.lineage = r }
}

// WithCandidateIndex narrows export-time comparisons to the nearest answers
// found in index. vectors supplies the answer embeddings.
func WithCandidateIndex(index CandidateIndex, vectors VectorSource) Option {
	return func(m *Manager) {
		m.index = index
		m.vectors = vectors
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager wires the manager to its store. fast reconciles answers of
// ingest-time duplicates; precise deduplicates training examples at export.
func NewManager(db *sqlite.Client, fast, precise *dedup.Classifier, cfg Config, opts ...Option) *Manager {
	if cfg.NeighborK <= 0 {
		cfg.NeighborK = 20
	}
	m := &Manager{
		db:      db,
		fast:    fast,
		precise: precise,
		lineage: lineage.Noop{},
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Get(ctx context.Context, id int64) (*models.Interaction, error) {
	return m.db.GetInteraction(ctx, id)
}

// FlagDuplicate records the ingest-time classification of an interaction.
func (m *Manager) FlagDuplicate(ctx context.Context, id int64, d dedup.Decision) error {
	err := m.db.WithTx(ctx, func(r sqlite.Repo) error {
		it, err := r.GetInteraction(ctx, id)
		if err != nil {
			return err
		}

		if !d.IsDuplicate {
			it.IsDuplicate = false
			it.DuplicateOf = nil
			it.Similarity = d.MaxScore
			return r.UpdateInteraction(ctx, it)
		}

		if d.ReferenceID == id {
			return precondition("flag duplicate", id, "interaction cannot reference itself")
		}
		canonical, err := r.GetInteraction(ctx, d.ReferenceID)
		if err != nil {
			return fmt.Errorf("canonical %d: %w", d.ReferenceID, err)
		}
		if canonical.IsDuplicate {
			return precondition("flag duplicate", id, "reference %d is itself a duplicate", canonical.ID)
		}
		if !dedup.Older(canonical.ID, canonical.CreatedAt, it.ID, it.CreatedAt) {
			return precondition("flag duplicate", id, "reference %d is not older", canonical.ID)
		}

		ref := canonical.ID
		it.IsDuplicate = true
		it.DuplicateOf = &ref
		it.Similarity = d.Score
		return r.UpdateInteraction(ctx, it)
	})
	if err != nil {
		return err
	}

	if d.IsDuplicate {
		m.record("duplicate_of", m.lineage.DuplicateOf(ctx, id, d.ReferenceID, d.Score))
	}
	return nil
}

// AnswerUpdate is the outcome of one inference run.
type AnswerUpdate struct {
	Answer       string
	LatencyMS    int64
	ModelVersion string
	AnsweredAt   time.Time
}

// RecordAnswer moves a created interaction to answered. A repeated answer for
// an interaction still in answered overwrites the previous one.
func (m *Manager) RecordAnswer(ctx context.Context, id int64, u AnswerUpdate) (*models.Interaction, error) {
	if strings.TrimSpace(u.Answer) == "" {
		return nil, precondition("record answer", id, "answer is empty")
	}
	if u.AnsweredAt.IsZero() {
		u.AnsweredAt = m.now().UTC()
	}

	var out *models.Interaction
	err := m.db.WithTx(ctx, func(r sqlite.Repo) error {
		it, err := r.GetInteraction(ctx, id)
		if err != nil {
			return err
		}
		if it.State != models.StateCreated && it.State != models.StateAnswered {
			return precondition("record answer", id, "interaction is %s", it.State)
		}

		answer := u.Answer
		answeredAt := u.AnsweredAt.UTC()
		it.Answer = &answer
		it.AnsweredAt = &answeredAt
		it.LatencyMS = u.LatencyMS
		it.ModelVersion = u.ModelVersion
		it.State = models.StateAnswered
		if err := r.UpdateInteraction(ctx, it); err != nil {
			return err
		}

		if err := m.reconcile(ctx, r, it); err != nil {
			return err
		}
		out = it
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reconcile re-checks question duplicates once both sides have answers: if
// the answers differ the questions were not asking the same thing, and the
// flag is cleared.
func (m *Manager) reconcile(ctx context.Context, r sqlite.Repo, it *models.Interaction) error {
	if m.fast == nil {
		return nil
	}

	if it.IsDuplicate && it.DuplicateOf != nil {
		canonical, err := r.GetInteraction(ctx, *it.DuplicateOf)
		if err != nil {
			return err
		}
		if canonical.HasAnswer() {
			if err := m.reconcilePair(ctx, r, canonical, it); err != nil {
				return err
			}
		}
	}

	dups, err := r.DuplicatesOf(ctx, it.ID)
	if err != nil {
		return err
	}
	for i := range dups {
		if !dups[i].HasAnswer() {
			continue
		}
		if err := m.reconcilePair(ctx, r, it, &dups[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) reconcilePair(ctx context.Context, r sqlite.Repo, canonical, dup *models.Interaction) error {
	d, err := m.fast.Classify(ctx, entryOf(dup), []dedup.Entry{entryOf(canonical)}, dedup.FieldAnswer)
	if err != nil {
		return fmt.Errorf("answer reconciliation: %w", err)
	}
	if d.IsDuplicate {
		return nil
	}

	dup.IsDuplicate = false
	dup.DuplicateOf = nil
	dup.Similarity = d.MaxScore
	m.logger.Info("Duplicate flag cleared after answers diverged",
		zap.Int64("interaction_id", dup.ID),
		zap.Int64("canonical_id", canonical.ID),
		zap.Float64("answer_similarity", d.MaxScore),
	)
	return r.UpdateInteraction(ctx, dup)
}

// MarkFailed moves an unanswered interaction to failed_unanswered. It is a
// no-op for an interaction already in a terminal no-answer state.
func (m *Manager) MarkFailed(ctx context.Context, id int64, reason string) error {
	return m.markUnanswered(ctx, "mark failed", id, models.StateFailed, reason)
}

// MarkTimedOut moves an unanswered interaction to timed_out.
func (m *Manager) MarkTimedOut(ctx context.Context, id int64) error {
	return m.markUnanswered(ctx, "mark timed out", id, models.StateTimedOut, "answer deadline passed")
}

func (m *Manager) markUnanswered(ctx context.Context, op string, id int64, to models.ReviewState, reason string) error {
	return m.db.WithTx(ctx, func(r sqlite.Repo) error {
		it, err := r.GetInteraction(ctx, id)
		if err != nil {
			return err
		}
		if it.State.Unanswered() {
			return nil
		}
		if it.State != models.StateCreated {
			return precondition(op, id, "interaction is %s", it.State)
		}
		it.State = to
		it.FailReason = reason
		return r.UpdateInteraction(ctx, it)
	})
}

// Review marks an answered interaction as reviewed by an administrator.
func (m *Manager) Review(ctx context.Context, id int64) (*models.Interaction, error) {
	var out *models.Interaction
	err := m.db.WithTx(ctx, func(r sqlite.Repo) error {
		it, err := r.GetInteraction(ctx, id)
		if err != nil {
			return err
		}
		switch it.State {
		case models.StateReviewed:
			out = it
			return nil
		case models.StateAnswered:
		default:
			return precondition("review", id, "interaction is %s", it.State)
		}
		if !it.HasAnswer() {
			return precondition("review", id, "interaction has no answer")
		}
		it.State = models.StateReviewed
		if err := r.UpdateInteraction(ctx, it); err != nil {
			return err
		}
		out = it
		return nil
	})
	return out, err
}

// Approve promotes an answered or reviewed interaction and creates its
// training example in the same transaction. Approving an interaction that is
// already approved returns its existing example.
func (m *Manager) Approve(ctx context.Context, id int64) (*models.TrainingExample, error) {
	var (
		out     *models.TrainingExample
		created bool
	)
	err := m.db.WithTx(ctx, func(r sqlite.Repo) error {
		it, err := r.GetInteraction(ctx, id)
		if err != nil {
			return err
		}

		if it.State.Promoted() {
			ex, err := r.GetTrainingExampleBySource(ctx, id)
			if err != nil && !errors.Is(err, sqlite.ErrNotFound) {
				return err
			}
			out = ex
			return nil
		}

		if !it.HasAnswer() {
			return precondition("approve", id, "interaction has no answer")
		}
		if it.State != models.StateAnswered && it.State != models.StateReviewed {
			return precondition("approve", id, "interaction is %s", it.State)
		}

		it.State = models.StateApproved
		if err := r.UpdateInteraction(ctx, it); err != nil {
			return err
		}

		ex := &models.TrainingExample{
			SourceInteractionID: it.ID,
			Question:            it.Question,
			Answer:              it.AnswerText(),
			Language:            it.Language,
			Active:              true,
		}
		if err := r.InsertTrainingExample(ctx, ex); err != nil {
			return err
		}
		out = ex
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		m.logger.Info("Interaction approved",
			zap.Int64("interaction_id", id),
			zap.Int64("example_id", out.ID),
		)
		m.record("promoted_from", m.lineage.PromotedFrom(ctx, out.ID, id))
	}
	return out, nil
}

// EditAnswer replaces the answer text. An interaction that never got an
// answer becomes answered; a promoted interaction's training example is kept
// in sync.
func (m *Manager) EditAnswer(ctx context.Context, id int64, text string) (*models.Interaction, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, precondition("edit answer", id, "answer is empty")
	}

	var out *models.Interaction
	err := m.db.WithTx(ctx, func(r sqlite.Repo) error {
		it, err := r.GetInteraction(ctx, id)
		if err != nil {
			return err
		}

		it.Answer = &text
		if it.State == models.StateCreated || it.State.Unanswered() {
			now := m.now().UTC()
			it.AnsweredAt = &now
			it.State = models.StateAnswered
			it.FailReason = ""
		}
		if err := r.UpdateInteraction(ctx, it); err != nil {
			return err
		}

		if it.State.Promoted() {
			ex, err := r.GetTrainingExampleBySource(ctx, id)
			switch {
			case errors.Is(err, sqlite.ErrNotFound):
			case err != nil:
				return err
			default:
				ex.Answer = text
				if err := r.UpdateTrainingExample(ctx, ex); err != nil {
					return err
				}
			}
		}
		out = it
		return nil
	})
	return out, err
}

// DeleteInteraction removes an interaction. When it is the canonical of a
// cluster, its oldest duplicate becomes the new canonical first.
func (m *Manager) DeleteInteraction(ctx context.Context, id int64) error {
	var (
		exampleID int64
		newRoot   *models.TrainingExample
	)
	err := m.db.WithTx(ctx, func(r sqlite.Repo) error {
		if _, err := r.GetInteraction(ctx, id); err != nil {
			return err
		}

		dups, err := r.DuplicatesOf(ctx, id)
		if err != nil {
			return err
		}
		if len(dups) > 0 {
			root := dups[0]
			root.IsDuplicate = false
			root.DuplicateOf = nil
			if err := r.UpdateInteraction(ctx, &root); err != nil {
				return err
			}
			newRef := root.ID
			for i := range dups[1:] {
				d := dups[i+1]
				d.DuplicateOf = &newRef
				if err := r.UpdateInteraction(ctx, &d); err != nil {
					return err
				}
			}
			m.logger.Info("Duplicate cluster re-rooted",
				zap.Int64("deleted_id", id),
				zap.Int64("new_canonical_id", root.ID),
				zap.Int("members", len(dups)),
			)
		}

		if ex, err := r.GetTrainingExampleBySource(ctx, id); err == nil {
			exampleID = ex.ID
			if newRoot, err = m.rerootAnswerCluster(ctx, r, ex.ID); err != nil {
				return err
			}
		} else if !errors.Is(err, sqlite.ErrNotFound) {
			return err
		}

		return r.DeleteInteraction(ctx, id)
	})
	if err != nil {
		return err
	}

	if exampleID != 0 {
		m.unindex(ctx, exampleID)
	}
	m.indexExample(ctx, newRoot)
	return nil
}

// DeleteTrainingExample removes a training example. A source interaction that
// was approved but not yet exported goes back to answered. When the example
// kept other answers out of the export, the oldest of them takes its place.
func (m *Manager) DeleteTrainingExample(ctx context.Context, id int64) error {
	var newRoot *models.TrainingExample
	err := m.db.WithTx(ctx, func(r sqlite.Repo) error {
		ex, err := r.GetTrainingExample(ctx, id)
		if err != nil {
			return err
		}
		if newRoot, err = m.rerootAnswerCluster(ctx, r, id); err != nil {
			return err
		}
		if err := r.DeleteTrainingExample(ctx, id); err != nil {
			return err
		}

		it, err := r.GetInteraction(ctx, ex.SourceInteractionID)
		if errors.Is(err, sqlite.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if it.State == models.StateApproved {
			it.State = models.StateAnswered
			return r.UpdateInteraction(ctx, it)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.unindex(ctx, id)
	m.indexExample(ctx, newRoot)
	return nil
}

// rerootAnswerCluster reactivates the oldest example deactivated as an answer
// duplicate of exampleID and points the rest of the cluster at it. It returns
// the reactivated example, or nil when exampleID kept nothing out.
func (m *Manager) rerootAnswerCluster(ctx context.Context, r sqlite.Repo, exampleID int64) (*models.TrainingExample, error) {
	dups, err := r.AnswerDuplicatesOf(ctx, exampleID)
	if err != nil || len(dups) == 0 {
		return nil, err
	}

	root := dups[0]
	root.Active = true
	root.DuplicateOfAnswer = nil
	root.AnswerSimilarity = 0
	if err := r.UpdateTrainingExample(ctx, &root); err != nil {
		return nil, err
	}
	newRef := root.ID
	for i := range dups[1:] {
		d := dups[i+1]
		d.DuplicateOfAnswer = &newRef
		if err := r.UpdateTrainingExample(ctx, &d); err != nil {
			return nil, err
		}
	}

	m.logger.Info("Answer cluster re-rooted",
		zap.Int64("deleted_example_id", exampleID),
		zap.Int64("reactivated_example_id", root.ID),
		zap.Int("members", len(dups)),
	)
	return &root, nil
}

func (m *Manager) SetFeedback(ctx context.Context, id int64, f models.Feedback) error {
	if !f.Valid() {
		return precondition("set feedback", id, "invalid feedback %d", f)
	}
	err := m.db.WithTx(ctx, func(r sqlite.Repo) error {
		it, err := r.GetInteraction(ctx, id)
		if err != nil {
			return err
		}
		it.Feedback = f
		return r.UpdateInteraction(ctx, it)
	})
	if err != nil {
		return err
	}

	label := "none"
	switch f {
	case models.FeedbackPositive:
		label = "positive"
	case models.FeedbackNegative:
		label = "negative"
	}
	metrics.UserFeedback.WithLabelValues(label).Inc()
	return nil
}

// MarkTrained moves interactions exported at or before `before` to trained
// and returns how many moved.
func (m *Manager) MarkTrained(ctx context.Context, modelVersion string, before time.Time) (int, error) {
	var moved []int64
	err := m.db.WithTx(ctx, func(r sqlite.Repo) error {
		its, err := r.ListInteractions(ctx, sqlite.InteractionFilter{
			State:          models.StateExported,
			ExportedBefore: &before,
		})
		if err != nil {
			return err
		}
		for i := range its {
			its[i].State = models.StateTrained
			if err := r.UpdateInteraction(ctx, &its[i]); err != nil {
				return err
			}
			moved = append(moved, its[i].ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range moved {
		m.record("trained_in", m.lineage.TrainedIn(ctx, id, modelVersion))
	}
	m.logger.Info("Interactions marked trained",
		zap.String("model_version", modelVersion),
		zap.Int("count", len(moved)),
	)
	return len(moved), nil
}

func (m *Manager) Stats(ctx context.Context) (*models.Stats, error) {
	return m.db.Stats(ctx)
}

// record logs lineage failures; provenance is best effort.
func (m *Manager) record(kind string, err error) {
	if err != nil {
		m.logger.Warn("Failed to record lineage", zap.String("kind", kind), zap.Error(err))
	}
}

func entryOf(it *models.Interaction) dedup.Entry {
	return dedup.Entry{
		ID:        it.ID,
		CreatedAt: it.CreatedAt,
		Question:  it.Question,
		Answer:    it.AnswerText(),
	}
}
