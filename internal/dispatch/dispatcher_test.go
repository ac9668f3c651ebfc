package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qabridge/backend/internal/correlation"
	"github.com/qabridge/backend/internal/dedup"
	"github.com/qabridge/backend/internal/lifecycle"
	"github.com/qabridge/backend/internal/queue"
	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/internal/storage/sqlite"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	d      *Dispatcher
	db     *sqlite.Client
	store  *correlation.Store
	broker *queue.MemoryBroker
	clock  *time.Time
}

func newFixture(t *testing.T, broker queue.Broker) *fixture {
	t.Helper()
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	fast, err := dedup.NewClassifier(dedup.FastProfile(0.45, 0.85))
	require.NoError(t, err)

	now := t0
	clock := func() time.Time { return now }
	lm := lifecycle.NewManager(db, fast, nil, lifecycle.Config{}, lifecycle.WithClock(clock))
	store := correlation.NewStore(correlation.WithClock(clock))

	f := &fixture{db: db, store: store, clock: &now}
	if broker == nil {
		mb := queue.NewMemoryBroker(10 * time.Millisecond)
		f.broker = mb
		broker = mb
	}
	f.d = NewDispatcher(db, lm, fast, store, broker, Config{
		Window:           50,
		Deadline:         30 * time.Second,
		PriorityDeadline: 5 * time.Second,
		MaxLength:        100,
		ReplyTo:          "router-a",
	}, WithClock(clock))
	return f
}

func (f *fixture) advance(d time.Duration) { *f.clock = f.clock.Add(d) }

func TestDispatchPersistsRegistersAndPublishes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	ticket, err := f.d.Dispatch(ctx, Request{
		RequesterID: "u1",
		Destination: "log:u1",
		Text:        "  Where is the library?  ",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.RequestID)
	assert.Equal(t, models.LanguageSecondary, ticket.Language)
	assert.Equal(t, models.PriorityNormal, ticket.Priority)
	assert.Equal(t, t0.Add(30*time.Second), ticket.Deadline)
	assert.Nil(t, ticket.DuplicateOf)

	it, err := f.db.GetInteraction(ctx, ticket.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, models.StateCreated, it.State)
	assert.Equal(t, "Where is the library?", it.Question)
	assert.Equal(t, "log:u1", it.Destination)

	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.broker.Len(queue.LaneNormal))

	dl, err := f.broker.Receive(ctx, queue.WorkLanes...)
	require.NoError(t, err)
	assert.Equal(t, ticket.RequestID, dl.Message.RequestID)
	var w queue.WorkItem
	require.NoError(t, dl.Message.Decode(&w))
	assert.Equal(t, ticket.InteractionID, w.InteractionID)
	assert.Equal(t, "Where is the library?", w.Text)
	assert.Equal(t, "router-a", w.ReplyTo)
}

func TestPriorityGoesToPriorityLane(t *testing.T) {
	f := newFixture(t, nil)

	ticket, err := f.d.Dispatch(context.Background(), Request{
		Destination: "log:x",
		Text:        "Sınav ne zaman?",
		Priority:    models.PriorityHigh,
	})
	require.NoError(t, err)
	assert.Equal(t, models.LanguagePrimary, ticket.Language)
	assert.Equal(t, t0.Add(5*time.Second), ticket.Deadline)
	assert.Equal(t, 1, f.broker.Len(queue.LanePriority))
	assert.Zero(t, f.broker.Len(queue.LaneNormal))
}

func TestRejectsEmptyAndOverlongQuestions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, Request{Destination: "log:x", Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	long := make([]rune, 101)
	for i := range long {
		long[i] = 'a'
	}
	_, err = f.d.Dispatch(ctx, Request{Destination: "log:x", Text: string(long)})
	assert.ErrorIs(t, err, ErrTooLong)

	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.broker.Len(queue.LaneNormal))
}

func TestNearDuplicateReferencesOldest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.d.Dispatch(ctx, Request{Destination: "log:a", Text: "What is OOP?"})
	require.NoError(t, err)
	f.advance(time.Minute)
	second, err := f.d.Dispatch(ctx, Request{Destination: "log:b", Text: "What is OOP?"})
	require.NoError(t, err)
	f.advance(time.Minute)
	third, err := f.d.Dispatch(ctx, Request{Destination: "log:c", Text: "what is oop"})
	require.NoError(t, err)
	f.advance(time.Minute)
	other, err := f.d.Dispatch(ctx, Request{Destination: "log:d", Text: "Where is the cafeteria located?"})
	require.NoError(t, err)

	assert.Nil(t, first.DuplicateOf)
	require.NotNil(t, second.DuplicateOf)
	assert.Equal(t, first.InteractionID, *second.DuplicateOf)
	require.NotNil(t, third.DuplicateOf)
	assert.Equal(t, first.InteractionID, *third.DuplicateOf, "never points at another duplicate")
	assert.Nil(t, other.DuplicateOf)

	it, err := f.db.GetInteraction(ctx, third.InteractionID)
	require.NoError(t, err)
	assert.True(t, it.IsDuplicate)
	require.NoError(t, it.CheckDuplicateRef())
}

type failingBroker struct{ *queue.MemoryBroker }

func (failingBroker) Publish(context.Context, queue.Lane, queue.Message) error {
	return errors.New("broker unavailable")
}

func TestPublishFailureLeavesCreatedInteraction(t *testing.T) {
	f := newFixture(t, failingBroker{queue.NewMemoryBroker(time.Millisecond)})
	ctx := context.Background()

	_, err := f.d.Dispatch(ctx, Request{Destination: "log:x", Text: "What is OOP?"})
	require.Error(t, err)
	assert.Zero(t, f.store.Len(), "correlation entry removed")

	all, err := f.db.ListInteractions(ctx, sqlite.InteractionFilter{State: models.StateCreated})
	require.NoError(t, err)
	require.Len(t, all, 1, "row stays for the sweep job")
}

func TestRedispatch(t *testing.T) {
	f := newFixture(t, failingBroker{queue.NewMemoryBroker(time.Millisecond)})
	ctx := context.Background()
	_, err := f.d.Dispatch(ctx, Request{Destination: "log:x", Text: "What is OOP?"})
	require.Error(t, err)

	all, err := f.db.ListInteractions(ctx, sqlite.InteractionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	mb := queue.NewMemoryBroker(time.Millisecond)
	f.d.broker = mb
	ticket, err := f.d.Redispatch(ctx, all[0].ID)
	require.NoError(t, err)
	assert.Equal(t, all[0].RequestID, ticket.RequestID)
	assert.Equal(t, 1, mb.Len(queue.LaneNormal))
	assert.Equal(t, 1, f.store.Len())
}
