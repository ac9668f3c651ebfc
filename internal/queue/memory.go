package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

var ErrClosed = errors.New("broker closed")

// MemoryBroker keeps lanes in process memory. Messages received but not
// acknowledged are put back on their lane by Requeue, mirroring the reclaim
// behaviour of the durable broker.
type MemoryBroker struct {
	mu       sync.Mutex
	lanes    map[Lane][]Message
	inflight map[string]Delivery
	seq      uint64
	notify   chan struct{}
	closed   bool
	poll     time.Duration
}

func NewMemoryBroker(poll time.Duration) *MemoryBroker {
	if poll <= 0 {
		poll = time.Second
	}
	return &MemoryBroker{
		lanes:    make(map[Lane][]Message),
		inflight: make(map[string]Delivery),
		notify:   make(chan struct{}),
		poll:     poll,
	}
}

func (b *MemoryBroker) Publish(ctx context.Context, lane Lane, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.lanes[lane] = append(b.lanes[lane], msg)
	b.wake()
	return nil
}

func (b *MemoryBroker) Receive(ctx context.Context, lanes ...Lane) (*Delivery, error) {
	timer := time.NewTimer(b.poll)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if d, ok := b.take(lanes); ok {
			b.mu.Unlock()
			return d, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrNoMessage
		case <-wait:
		}
	}
}

func (b *MemoryBroker) take(lanes []Lane) (*Delivery, bool) {
	for _, lane := range lanes {
		q := b.lanes[lane]
		if len(q) == 0 {
			continue
		}
		msg := q[0]
		b.lanes[lane] = q[1:]

		b.seq++
		d := Delivery{Lane: lane, Message: msg, Tag: strconv.FormatUint(b.seq, 10)}
		b.inflight[d.Tag] = d
		return &d, true
	}
	return nil, false
}

func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inflight, d.Tag)
	return nil
}

// Requeue returns every unacknowledged delivery to the front of its lane.
func (b *MemoryBroker) Requeue() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for tag, d := range b.inflight {
		b.lanes[d.Lane] = append([]Message{d.Message}, b.lanes[d.Lane]...)
		delete(b.inflight, tag)
		n++
	}
	if n > 0 {
		b.wake()
	}
	return n
}

// Len reports the number of queued, not yet received messages on lane.
func (b *MemoryBroker) Len(lane Lane) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lanes[lane])
}

// Pending reports the number of received but unacknowledged messages.
func (b *MemoryBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		b.wake()
	}
	return nil
}

// wake releases every Receive blocked on the current notify channel.
// Callers hold b.mu.
func (b *MemoryBroker) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}
