package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/queue"
)

const envelopeField = "envelope"

type Config struct {
	StreamPrefix string
	Group        string
	Consumer     string
	// PollInterval bounds how long Receive blocks waiting for new entries.
	PollInterval time.Duration
	// ClaimIdle is how long an entry may stay unacknowledged in another
	// consumer's pending list before it is reclaimed. Zero disables reclaiming.
	ClaimIdle time.Duration
	// MaxLen caps each stream at roughly this many entries on publish. Zero
	// leaves streams uncapped.
	MaxLen int64
}

// Broker maps each lane onto a Redis stream read through one consumer group,
// giving durable at-least-once delivery. Acknowledged entries are deleted
// from their stream.
type Broker struct {
	client redis.UniversalClient
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	buffered  []queue.Delivery
	lastClaim time.Time
	groups    map[queue.Lane]bool
}

func NewBroker(ctx context.Context, client redis.UniversalClient, cfg Config, logger *zap.Logger) (*Broker, error) {
	if cfg.Group == "" {
		return nil, fmt.Errorf("queue consumer group is required")
	}
	if cfg.Consumer == "" {
		return nil, fmt.Errorf("queue consumer name is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	b := &Broker{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		lastClaim: time.Now(),
		groups:    make(map[queue.Lane]bool),
	}
	if err := b.ensureGroups(ctx, []queue.Lane{queue.LanePriority, queue.LaneNormal, queue.LaneResults, queue.LaneDeadLetter}); err != nil {
		return nil, err
	}

	logger.Info("Redis stream broker initialized",
		zap.String("prefix", cfg.StreamPrefix),
		zap.String("group", cfg.Group),
		zap.String("consumer", cfg.Consumer),
		zap.Int64("max_len", cfg.MaxLen),
	)
	return b, nil
}

func (b *Broker) stream(lane queue.Lane) string {
	if b.cfg.StreamPrefix == "" {
		return string(lane)
	}
	return b.cfg.StreamPrefix + ":" + string(lane)
}

func (b *Broker) laneOf(stream string) queue.Lane {
	return queue.Lane(strings.TrimPrefix(stream, b.cfg.StreamPrefix+":"))
}

// ensureGroups creates the consumer group on lanes not seen before. Reply
// lanes are named per router, so they are created on first use.
func (b *Broker) ensureGroups(ctx context.Context, lanes []queue.Lane) error {
	for _, lane := range lanes {
		b.mu.Lock()
		known := b.groups[lane]
		b.mu.Unlock()
		if known {
			continue
		}

		err := b.client.XGroupCreateMkStream(ctx, b.stream(lane), b.cfg.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group for %s: %w", lane, err)
		}
		b.mu.Lock()
		b.groups[lane] = true
		b.mu.Unlock()
	}
	return nil
}

func (b *Broker) Publish(ctx context.Context, lane queue.Lane, msg queue.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(lane),
		MaxLen: b.cfg.MaxLen,
		Approx: b.cfg.MaxLen > 0,
		Values: map[string]interface{}{envelopeField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", lane, err)
	}
	return nil
}

// Receive first drains locally buffered deliveries, then polls each lane
// without blocking in priority order, and finally blocks across all lanes for
// up to PollInterval.
func (b *Broker) Receive(ctx context.Context, lanes ...queue.Lane) (*queue.Delivery, error) {
	if len(lanes) == 0 {
		return nil, fmt.Errorf("receive: no lanes given")
	}
	if err := b.ensureGroups(ctx, lanes); err != nil {
		return nil, err
	}

	b.reclaimIfDue(ctx, lanes)

	if d, ok := b.popBuffered(lanes); ok {
		return d, nil
	}

	for _, lane := range lanes {
		if err := b.read(ctx, []queue.Lane{lane}, -1); err != nil {
			return nil, err
		}
		if d, ok := b.popBuffered(lanes); ok {
			return d, nil
		}
	}

	if err := b.read(ctx, lanes, b.cfg.PollInterval); err != nil {
		return nil, err
	}
	if d, ok := b.popBuffered(lanes); ok {
		return d, nil
	}
	return nil, queue.ErrNoMessage
}

// read runs one XREADGROUP for new entries and buffers what it gets. A
// negative block performs a non-blocking read.
func (b *Broker) read(ctx context.Context, lanes []queue.Lane, block time.Duration) error {
	streams := make([]string, 0, 2*len(lanes))
	for _, lane := range lanes {
		streams = append(streams, b.stream(lane))
	}
	for range lanes {
		streams = append(streams, ">")
	}

	res, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  streams,
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to read from streams: %w", err)
	}

	for _, s := range res {
		lane := b.laneOf(s.Stream)
		for _, m := range s.Messages {
			b.buffer(ctx, lane, m)
		}
	}
	return nil
}

func (b *Broker) buffer(ctx context.Context, lane queue.Lane, m redis.XMessage) {
	raw, _ := m.Values[envelopeField].(string)

	var msg queue.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// An undecodable entry would be redelivered forever; drop it.
		b.logger.Error("Dropping malformed stream entry",
			zap.String("lane", string(lane)),
			zap.String("entry_id", m.ID),
			zap.Error(err),
		)
		_ = b.settle(ctx, lane, m.ID)
		return
	}

	b.mu.Lock()
	b.buffered = append(b.buffered, queue.Delivery{Lane: lane, Message: msg, Tag: m.ID})
	b.mu.Unlock()
}

func (b *Broker) popBuffered(lanes []queue.Lane) (*queue.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, lane := range lanes {
		for i, d := range b.buffered {
			if d.Lane != lane {
				continue
			}
			b.buffered = append(b.buffered[:i], b.buffered[i+1:]...)
			return &d, true
		}
	}
	return nil, false
}

func (b *Broker) reclaimIfDue(ctx context.Context, lanes []queue.Lane) {
	if b.cfg.ClaimIdle <= 0 {
		return
	}

	b.mu.Lock()
	due := time.Since(b.lastClaim) >= b.cfg.ClaimIdle
	if due {
		b.lastClaim = time.Now()
	}
	b.mu.Unlock()

	if !due {
		return
	}
	for _, lane := range lanes {
		if _, err := b.Reclaim(ctx, lane, b.cfg.ClaimIdle); err != nil {
			b.logger.Warn("Failed to reclaim stale entries", zap.String("lane", string(lane)), zap.Error(err))
		}
	}
}

// Reclaim takes over entries on lane that have been pending longer than
// minIdle and buffers them for this consumer.
func (b *Broker) Reclaim(ctx context.Context, lane queue.Lane, minIdle time.Duration) (int, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.stream(lane),
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to claim entries on %s: %w", lane, err)
	}

	for _, m := range msgs {
		b.buffer(ctx, lane, m)
	}
	if len(msgs) > 0 {
		b.logger.Info("Reclaimed stale entries", zap.String("lane", string(lane)), zap.Int("count", len(msgs)))
	}
	return len(msgs), nil
}

func (b *Broker) Ack(ctx context.Context, d *queue.Delivery) error {
	if err := b.settle(ctx, d.Lane, d.Tag); err != nil {
		return fmt.Errorf("failed to ack %s on %s: %w", d.Tag, d.Lane, err)
	}
	return nil
}

// settle acknowledges an entry and deletes it. Each stream has a single
// consumer group, so nothing reads an entry after its acknowledgement.
func (b *Broker) settle(ctx context.Context, lane queue.Lane, id string) error {
	stream := b.stream(lane)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, stream, b.cfg.Group, id)
		pipe.XDel(ctx, stream, id)
		return nil
	})
	return err
}

// Close releases nothing owned by the broker; the redis client belongs to the caller.
func (b *Broker) Close() error {
	return nil
}
