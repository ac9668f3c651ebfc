package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qabridge/backend/internal/llm"
	"github.com/qabridge/backend/internal/queue"
	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/pkg/retry"
)

type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	blank    bool
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Generate(_ context.Context, req llm.GenerateRequest) (*llm.Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	if f.blank {
		return &llm.Generation{Text: " ", Model: "final-best-model-v2"}, nil
	}
	return &llm.Generation{Text: "Answer to: " + req.Prompt, Model: "final-best-model-v2"}, nil
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newPool(broker queue.Broker, gen llm.Generator) *Pool {
	return NewPool(broker, gen, Config{
		Workers:    1,
		RetryLimit: 3,
		Backoff:    retry.Config{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		MaxTokens:  200,
	}, nil)
}

func enqueue(t *testing.T, b queue.Broker, lane queue.Lane, requestID string, id int64) {
	t.Helper()
	msg, err := queue.NewMessage(requestID, queue.WorkItem{
		InteractionID: id,
		Text:          "What is OOP?",
		Language:      models.LanguageSecondary,
	})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), lane, msg))
}

func drain(t *testing.T, p *Pool) {
	t.Helper()
	for {
		err := p.ProcessOne(context.Background())
		if errors.Is(err, queue.ErrNoMessage) {
			return
		}
		require.NoError(t, err)
	}
}

func TestAnswerIsPublishedAndAcked(t *testing.T) {
	b := queue.NewMemoryBroker(5 * time.Millisecond)
	gen := &fakeGenerator{}
	p := newPool(b, gen)
	enqueue(t, b, queue.LaneNormal, "r1", 7)

	drain(t, p)

	assert.Zero(t, b.Pending())
	require.Equal(t, 1, b.Len(queue.LaneResults))
	d, err := b.Receive(context.Background(), queue.LaneResults)
	require.NoError(t, err)
	assert.Equal(t, "r1", d.Message.RequestID)

	var res queue.Result
	require.NoError(t, d.Message.Decode(&res))
	assert.Equal(t, int64(7), res.InteractionID)
	assert.Equal(t, "Answer to: What is OOP?", res.Answer)
	assert.Equal(t, "final-best-model-v2", res.ModelVersion)
}

func TestResultGoesToRequestingRouter(t *testing.T) {
	b := queue.NewMemoryBroker(5 * time.Millisecond)
	p := newPool(b, &fakeGenerator{})
	msg, err := queue.NewMessage("r1", queue.WorkItem{InteractionID: 7, Text: "What is OOP?", ReplyTo: "router-a"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), queue.LaneNormal, msg))

	drain(t, p)

	assert.Zero(t, b.Len(queue.LaneResults))
	assert.Equal(t, 1, b.Len(queue.ResultsFor("router-a")))
}

func TestPriorityLaneServedFirst(t *testing.T) {
	b := queue.NewMemoryBroker(5 * time.Millisecond)
	p := newPool(b, &fakeGenerator{})
	enqueue(t, b, queue.LaneNormal, "normal", 1)
	enqueue(t, b, queue.LanePriority, "urgent", 2)

	require.NoError(t, p.ProcessOne(context.Background()))
	d, err := b.Receive(context.Background(), queue.LaneResults)
	require.NoError(t, err)
	assert.Equal(t, "urgent", d.Message.RequestID)
}

func TestTransientFailureIsRetriedThenSucceeds(t *testing.T) {
	b := queue.NewMemoryBroker(5 * time.Millisecond)
	gen := &fakeGenerator{failures: 2, err: llm.Transient(errors.New("503"))}
	p := newPool(b, gen)
	enqueue(t, b, queue.LaneNormal, "r1", 7)

	drain(t, p)

	assert.Equal(t, 3, gen.Calls())
	assert.Equal(t, 1, b.Len(queue.LaneResults))
	assert.Zero(t, b.Len(queue.LaneDeadLetter))
}

func TestRetryLimitRoutesToDeadLetter(t *testing.T) {
	b := queue.NewMemoryBroker(5 * time.Millisecond)
	gen := &fakeGenerator{failures: 10, err: llm.Transient(errors.New("timeout"))}
	p := newPool(b, gen)
	enqueue(t, b, queue.LaneNormal, "r1", 7)

	drain(t, p)

	assert.Equal(t, 3, gen.Calls())
	assert.Zero(t, b.Len(queue.LaneResults))
	assert.Zero(t, b.Pending())
	require.Equal(t, 1, b.Len(queue.LaneDeadLetter))

	d, err := b.Receive(context.Background(), queue.LaneDeadLetter)
	require.NoError(t, err)
	var dl queue.DeadLetter
	require.NoError(t, d.Message.Decode(&dl))
	assert.Equal(t, 3, dl.Attempts)
	assert.Equal(t, int64(7), dl.Work.InteractionID)
	assert.Contains(t, dl.Reason, "timeout")
}

func TestEmptyGenerationIsRetriedThenDeadLettered(t *testing.T) {
	b := queue.NewMemoryBroker(5 * time.Millisecond)
	gen := &fakeGenerator{blank: true}
	p := newPool(b, gen)
	enqueue(t, b, queue.LaneNormal, "r1", 7)

	drain(t, p)

	assert.Equal(t, 3, gen.Calls())
	assert.Zero(t, b.Len(queue.LaneResults))
	require.Equal(t, 1, b.Len(queue.LaneDeadLetter))

	d, err := b.Receive(context.Background(), queue.LaneDeadLetter)
	require.NoError(t, err)
	var dl queue.DeadLetter
	require.NoError(t, d.Message.Decode(&dl))
	assert.Equal(t, llm.ErrEmptyGeneration.Error(), dl.Reason)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	b := queue.NewMemoryBroker(5 * time.Millisecond)
	gen := &fakeGenerator{failures: 10, err: errors.New("invalid request")}
	p := newPool(b, gen)
	enqueue(t, b, queue.LaneNormal, "r1", 7)

	drain(t, p)

	assert.Equal(t, 1, gen.Calls())
	assert.Equal(t, 1, b.Len(queue.LaneDeadLetter))
}

func TestMalformedPayloadIsDeadLettered(t *testing.T) {
	b := queue.NewMemoryBroker(5 * time.Millisecond)
	gen := &fakeGenerator{}
	p := newPool(b, gen)
	require.NoError(t, b.Publish(context.Background(), queue.LaneNormal, queue.Message{RequestID: "bad", Payload: []byte("{")}))

	drain(t, p)

	assert.Zero(t, gen.Calls())
	assert.Equal(t, 1, b.Len(queue.LaneDeadLetter))
	assert.Zero(t, b.Pending())
}

type failingResults struct {
	*queue.MemoryBroker
}

func (f failingResults) Publish(ctx context.Context, lane queue.Lane, msg queue.Message) error {
	if lane == queue.LaneResults {
		return errors.New("broker unavailable")
	}
	return f.MemoryBroker.Publish(ctx, lane, msg)
}

func TestUnpublishedResultIsNotAcked(t *testing.T) {
	mb := queue.NewMemoryBroker(5 * time.Millisecond)
	b := failingResults{mb}
	p := newPool(b, &fakeGenerator{})
	enqueue(t, b, queue.LaneNormal, "r1", 7)

	err := p.ProcessOne(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, mb.Pending(), "left for redelivery")
	assert.Equal(t, 1, mb.Requeue())
	assert.Equal(t, 1, mb.Len(queue.LaneNormal))
}

func TestRunStopsOnCancel(t *testing.T) {
	b := queue.NewMemoryBroker(5 * time.Millisecond)
	p := NewPool(b, &fakeGenerator{}, Config{Workers: 3}, nil)
	enqueue(t, b, queue.LaneNormal, "r1", 1)
	enqueue(t, b, queue.LaneNormal, "r2", 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return b.Len(queue.LaneResults) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}
}
