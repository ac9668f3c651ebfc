package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qabridge/backend/internal/queue"
)

func newTestBroker(t *testing.T, mr *miniredis.Miniredis, consumer string) *Broker {
	t.Helper()
	return newBrokerWithCap(t, mr, consumer, 0)
}

func newBrokerWithCap(t *testing.T, mr *miniredis.Miniredis, consumer string, maxLen int64) *Broker {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	b, err := NewBroker(context.Background(), client, Config{
		StreamPrefix: "test",
		Group:        "workers",
		Consumer:     consumer,
		PollInterval: 50 * time.Millisecond,
		MaxLen:       maxLen,
	}, nil)
	require.NoError(t, err)
	return b
}

func streamLen(t *testing.T, b *Broker, lane queue.Lane) int64 {
	t.Helper()
	n, err := b.client.XLen(context.Background(), b.stream(lane)).Result()
	require.NoError(t, err)
	return n
}

func publish(t *testing.T, b *Broker, lane queue.Lane, id string) {
	t.Helper()
	msg, err := queue.NewMessage(id, queue.WorkItem{InteractionID: 1, Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), lane, msg))
}

func TestBrokerRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	ctx := context.Background()

	publish(t, b, queue.LaneResults, "req-1")

	d, err := b.Receive(ctx, queue.LaneResults)
	require.NoError(t, err)
	assert.Equal(t, queue.LaneResults, d.Lane)
	assert.Equal(t, "req-1", d.Message.RequestID)

	var item queue.WorkItem
	require.NoError(t, d.Message.Decode(&item))
	assert.Equal(t, "hello", item.Text)

	require.NoError(t, b.Ack(ctx, d))

	_, err = b.Receive(ctx, queue.LaneResults)
	assert.ErrorIs(t, err, queue.ErrNoMessage)
}

func TestBrokerServesPriorityLaneFirst(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	ctx := context.Background()

	publish(t, b, queue.LaneNormal, "normal-1")
	publish(t, b, queue.LanePriority, "priority-1")

	d, err := b.Receive(ctx, queue.WorkLanes...)
	require.NoError(t, err)
	assert.Equal(t, "priority-1", d.Message.RequestID)
	require.NoError(t, b.Ack(ctx, d))

	d, err = b.Receive(ctx, queue.WorkLanes...)
	require.NoError(t, err)
	assert.Equal(t, "normal-1", d.Message.RequestID)
}

func TestBrokerGroupCreationIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	newTestBroker(t, mr, "c1")
	newTestBroker(t, mr, "c2")
}

func TestReclaimTakesOverUnackedEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	crashed := newTestBroker(t, mr, "crashed")
	survivor := newTestBroker(t, mr, "survivor")
	ctx := context.Background()

	publish(t, crashed, queue.LaneNormal, "req-1")

	d, err := crashed.Receive(ctx, queue.LaneNormal)
	require.NoError(t, err)
	assert.Equal(t, "req-1", d.Message.RequestID)

	_, err = survivor.Receive(ctx, queue.LaneNormal)
	assert.ErrorIs(t, err, queue.ErrNoMessage)

	n, err := survivor.Reclaim(ctx, queue.LaneNormal, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := survivor.Receive(ctx, queue.LaneNormal)
	require.NoError(t, err)
	assert.Equal(t, "req-1", again.Message.RequestID)
	require.NoError(t, survivor.Ack(ctx, again))
}

func TestMalformedEntryIsDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	ctx := context.Background()

	_, err := mr.XAdd("test:results", "*", []string{envelopeField, "{not json"})
	require.NoError(t, err)
	publish(t, b, queue.LaneResults, "req-2")

	d, err := b.Receive(ctx, queue.LaneResults)
	require.NoError(t, err)
	assert.Equal(t, "req-2", d.Message.RequestID)
}

func TestAckDeletesEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newTestBroker(t, mr, "c1")
	ctx := context.Background()

	publish(t, b, queue.LaneNormal, "req-1")
	publish(t, b, queue.LaneNormal, "req-2")
	assert.Equal(t, int64(2), streamLen(t, b, queue.LaneNormal))

	d, err := b.Receive(ctx, queue.LaneNormal)
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, d))
	assert.Equal(t, int64(1), streamLen(t, b, queue.LaneNormal))
}

func TestPublishCapsStreamLength(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newBrokerWithCap(t, mr, "c1", 2)

	for i := 0; i < 5; i++ {
		publish(t, b, queue.LaneDeadLetter, fmt.Sprintf("req-%d", i))
	}
	assert.LessOrEqual(t, streamLen(t, b, queue.LaneDeadLetter), int64(2))
}

func TestReplyLanesArePerRouter(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newTestBroker(t, mr, "router-a")
	second := newTestBroker(t, mr, "router-b")
	ctx := context.Background()

	publish(t, first, queue.ResultsFor("router-a"), "req-1")

	_, err := second.Receive(ctx, queue.ResultsFor("router-b"), queue.LaneResults)
	assert.ErrorIs(t, err, queue.ErrNoMessage)

	d, err := first.Receive(ctx, queue.ResultsFor("router-a"), queue.LaneResults)
	require.NoError(t, err)
	assert.Equal(t, queue.ResultsFor("router-a"), d.Lane)
	assert.Equal(t, "req-1", d.Message.RequestID)
	require.NoError(t, first.Ack(ctx, d))
}
