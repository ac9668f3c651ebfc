package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ReplyStore keeps replies for clients that poll instead of holding a
// connection open.
type ReplyStore interface {
	SetReply(ctx context.Context, requestID string, reply interface{}, ttl time.Duration) error
}

// Mailbox stores the reply under its request id; the address is ignored.
type Mailbox struct {
	store ReplyStore
	ttl   time.Duration
}

func NewMailbox(store ReplyStore, ttl time.Duration) *Mailbox {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Mailbox{store: store, ttl: ttl}
}

func (m *Mailbox) Deliver(ctx context.Context, _ string, reply Reply) error {
	return m.store.SetReply(ctx, reply.RequestID, reply, m.ttl)
}

// Log writes replies to the log. Useful in development.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Deliver(_ context.Context, address string, reply Reply) error {
	l.logger.Info("Reply",
		zap.String("address", address),
		zap.String("request_id", reply.RequestID),
		zap.Int64("interaction_id", reply.InteractionID),
		zap.Bool("timed_out", reply.TimedOut),
		zap.String("text", reply.Text),
	)
	return nil
}
