package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qabridge/backend/internal/dedup"
	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/internal/storage/sqlite"
)

// exactStrategy scores 1 for texts equal after case folding and 0 otherwise.
type exactStrategy struct{}

func (exactStrategy) Name() string { return "exact" }

func (exactStrategy) Similarity(_ context.Context, a, b string) (float64, error) {
	if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
		return 1, nil
	}
	return 0, nil
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) (*Manager, *sqlite.Client) {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	fast, err := dedup.NewClassifier(dedup.FastProfile(0.45, 0.85))
	require.NoError(t, err)
	precise, err := dedup.NewClassifier(dedup.PreciseProfile(exactStrategy{}, 0.98, 0.94))
	require.NoError(t, err)

	dir := t.TempDir()
	m := NewManager(db, fast, precise, Config{
		ExportPath: filepath.Join(dir, "qa_training.jsonl"),
		BackupDir:  filepath.Join(dir, "backups"),
	}, WithClock(func() time.Time { return t0.Add(time.Hour) }))
	return m, db
}

func insert(t *testing.T, db *sqlite.Client, question string, at time.Time) *models.Interaction {
	t.Helper()
	it := &models.Interaction{
		RequestID:   question + at.String(),
		RequesterID: "user-1",
		Destination: "log:test",
		Question:    question,
		Language:    models.LanguageSecondary,
		CreatedAt:   at,
	}
	require.NoError(t, db.InsertInteraction(context.Background(), it))
	return it
}

func answered(t *testing.T, m *Manager, db *sqlite.Client, question, answer string, at time.Time) *models.Interaction {
	t.Helper()
	it := insert(t, db, question, at)
	got, err := m.RecordAnswer(context.Background(), it.ID, AnswerUpdate{Answer: answer, LatencyMS: 120})
	require.NoError(t, err)
	return got
}

func TestStateMachineHappyPath(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	it := answered(t, m, db, "What is OOP?", "Object oriented programming organises code around objects.", t0)
	assert.Equal(t, models.StateAnswered, it.State)
	require.NotNil(t, it.AnsweredAt)

	it, err := m.Review(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateReviewed, it.State)

	ex, err := m.Approve(ctx, it.ID)
	require.NoError(t, err)
	assert.True(t, ex.Active)
	assert.Equal(t, it.ID, ex.SourceInteractionID)

	_, err = m.Export(ctx)
	require.NoError(t, err)
	got, err := m.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateExported, got.State)
	require.NotNil(t, got.ExportedAt)

	n, err := m.MarkTrained(ctx, "final-best-model-v1", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = m.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateTrained, got.State)
}

func TestApproveWithoutAnswerIsPrecondition(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	it := insert(t, db, "What is OOP?", t0)

	_, err := m.Approve(ctx, it.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPrecondition))

	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "approve", pe.Op)

	got, err := m.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, got.State)
}

func TestApproveTwiceCreatesOneExample(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	it := answered(t, m, db, "What is OOP?", "Object oriented programming.", t0)

	first, err := m.Approve(ctx, it.ID)
	require.NoError(t, err)
	second, err := m.Approve(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	examples, err := db.ListTrainingExamples(ctx, sqlite.ExampleFilter{})
	require.NoError(t, err)
	assert.Len(t, examples, 1)
}

func TestAnswerAfterTimeoutIsRejected(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	it := insert(t, db, "What is OOP?", t0)

	require.NoError(t, m.MarkTimedOut(ctx, it.ID))
	require.NoError(t, m.MarkFailed(ctx, it.ID, "late"), "terminal states absorb further failures")

	_, err := m.RecordAnswer(ctx, it.ID, AnswerUpdate{Answer: "late answer"})
	assert.ErrorIs(t, err, ErrPrecondition)

	got, err := m.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateTimedOut, got.State)
	assert.Nil(t, got.Answer)
}

func TestMarkFailedAfterAnswerIsRejected(t *testing.T) {
	m, db := newTestManager(t)
	it := answered(t, m, db, "What is OOP?", "Object oriented programming.", t0)

	err := m.MarkFailed(context.Background(), it.ID, "inference failed")
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestEditAnswerRecoversFailedInteraction(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	it := insert(t, db, "What is OOP?", t0)
	require.NoError(t, m.MarkFailed(ctx, it.ID, "inference failed"))

	got, err := m.EditAnswer(ctx, it.ID, "  Object oriented programming.  ")
	require.NoError(t, err)
	assert.Equal(t, models.StateAnswered, got.State)
	assert.Equal(t, "Object oriented programming.", got.AnswerText())
	assert.Empty(t, got.FailReason)

	_, err = m.EditAnswer(ctx, it.ID, "   ")
	assert.ErrorIs(t, err, ErrPrecondition)
}

func TestEditAnswerUpdatesTrainingExample(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	it := answered(t, m, db, "What is OOP?", "Old answer text.", t0)
	ex, err := m.Approve(ctx, it.ID)
	require.NoError(t, err)

	_, err = m.EditAnswer(ctx, it.ID, "New answer text.")
	require.NoError(t, err)

	got, err := db.GetTrainingExample(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, "New answer text.", got.Answer)
}

func TestFlagDuplicateRejectsNewerReference(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	older := insert(t, db, "What is OOP?", t0)
	newer := insert(t, db, "What's OOP?", t0.Add(time.Minute))

	err := m.FlagDuplicate(ctx, older.ID, dedup.Decision{IsDuplicate: true, ReferenceID: newer.ID, Score: 0.9})
	assert.ErrorIs(t, err, ErrPrecondition)

	require.NoError(t, m.FlagDuplicate(ctx, newer.ID, dedup.Decision{IsDuplicate: true, ReferenceID: older.ID, Score: 0.9}))
	got, err := m.Get(ctx, newer.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDuplicate)
	require.NotNil(t, got.DuplicateOf)
	assert.Equal(t, older.ID, *got.DuplicateOf)
	assert.InDelta(t, 0.9, got.Similarity, 1e-9)
	assert.NoError(t, got.CheckDuplicateRef())
}

func TestDivergentAnswersClearDuplicateFlag(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	canonical := answered(t, m, db, "What is OOP?", "Object oriented programming organises code around objects.", t0)
	dup := insert(t, db, "What's OOP?", t0.Add(time.Minute))
	require.NoError(t, m.FlagDuplicate(ctx, dup.ID, dedup.Decision{IsDuplicate: true, ReferenceID: canonical.ID, Score: 0.9}))

	got, err := m.RecordAnswer(ctx, dup.ID, AnswerUpdate{Answer: "Paris is the capital city of France."})
	require.NoError(t, err)
	assert.False(t, got.IsDuplicate)
	assert.Nil(t, got.DuplicateOf)
}

func TestMatchingAnswersKeepDuplicateFlag(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	dupAnswer := "Object oriented programming organises code around objects."
	canonical := insert(t, db, "What is OOP?", t0)
	dup := answered(t, m, db, "What's OOP?", dupAnswer, t0.Add(time.Minute))
	require.NoError(t, m.FlagDuplicate(ctx, dup.ID, dedup.Decision{IsDuplicate: true, ReferenceID: canonical.ID, Score: 0.9}))

	// The canonical is answered last; reconciliation runs from its side.
	_, err := m.RecordAnswer(ctx, canonical.ID, AnswerUpdate{Answer: dupAnswer})
	require.NoError(t, err)

	got, err := m.Get(ctx, dup.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDuplicate)
}

func TestDeleteCanonicalReroots(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()

	a := insert(t, db, "What is OOP?", t0)
	b := insert(t, db, "What's OOP?", t0.Add(time.Minute))
	c := insert(t, db, "what is oop", t0.Add(2*time.Minute))
	for _, id := range []int64{b.ID, c.ID} {
		require.NoError(t, m.FlagDuplicate(ctx, id, dedup.Decision{IsDuplicate: true, ReferenceID: a.ID, Score: 0.9}))
	}

	require.NoError(t, m.DeleteInteraction(ctx, a.ID))

	gotB, err := m.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, gotB.IsDuplicate)
	assert.Nil(t, gotB.DuplicateOf)

	gotC, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, gotC.IsDuplicate)
	require.NotNil(t, gotC.DuplicateOf)
	assert.Equal(t, b.ID, *gotC.DuplicateOf)

	_, err = m.Get(ctx, a.ID)
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestDeleteTrainingExampleRevertsApproval(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	it := answered(t, m, db, "What is OOP?", "Object oriented programming.", t0)
	ex, err := m.Approve(ctx, it.ID)
	require.NoError(t, err)

	require.NoError(t, m.DeleteTrainingExample(ctx, ex.ID))

	got, err := m.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateAnswered, got.State)

	again, err := m.Approve(ctx, it.ID)
	require.NoError(t, err)
	assert.NotEqual(t, ex.ID, again.ID)
}

func TestSetFeedback(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	it := answered(t, m, db, "What is OOP?", "Object oriented programming.", t0)

	require.NoError(t, m.SetFeedback(ctx, it.ID, models.FeedbackNegative))
	got, err := m.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FeedbackNegative, got.Feedback)

	assert.ErrorIs(t, m.SetFeedback(ctx, it.ID, models.Feedback(5)), ErrPrecondition)
}

func TestStats(t *testing.T) {
	m, db := newTestManager(t)
	ctx := context.Background()
	it := answered(t, m, db, "What is OOP?", "Object oriented programming.", t0)
	insert(t, db, "Where is the library?", t0.Add(time.Minute))
	_, err := m.Approve(ctx, it.ID)
	require.NoError(t, err)

	s, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalQuestions)
	assert.Equal(t, 1, s.AnsweredQuestions)
	assert.Equal(t, 1, s.ApprovedQuestions)
	assert.Equal(t, 1, s.TrainingExamples)
}
