// Package delivery hands replies back to where a question came from. A
// destination is written "scheme:address", for example "telegram:42:1007" or
// "mailbox:9b2c...", and the scheme selects the Deliverer.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/storage/models"
)

var ErrUnknownScheme = errors.New("no deliverer registered for scheme")

type Reply struct {
	RequestID     string          `json:"request_id"`
	InteractionID int64           `json:"interaction_id"`
	Text          string          `json:"text"`
	Language      models.Language `json:"language"`
	// TimedOut is set on the apology sent when no answer arrived in time.
	TimedOut bool `json:"timed_out"`
	// Failed is set on the apology sent after inference gave up.
	Failed    bool      `json:"failed"`
	CreatedAt time.Time `json:"created_at"`
}

type Deliverer interface {
	Deliver(ctx context.Context, address string, reply Reply) error
}

type DelivererFunc func(ctx context.Context, address string, reply Reply) error

func (f DelivererFunc) Deliver(ctx context.Context, address string, reply Reply) error {
	return f(ctx, address, reply)
}

// ParseDestination splits a destination into its scheme and address.
func ParseDestination(dest string) (scheme, address string, err error) {
	scheme, address, ok := strings.Cut(dest, ":")
	if !ok || scheme == "" {
		return "", "", fmt.Errorf("malformed destination %q", dest)
	}
	return scheme, address, nil
}

// Destination joins a scheme and an address.
func Destination(scheme, address string) string {
	return scheme + ":" + address
}

type Registry struct {
	mu         sync.RWMutex
	deliverers map[string]Deliverer
	logger     *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{deliverers: make(map[string]Deliverer), logger: logger}
}

func (r *Registry) Register(scheme string, d Deliverer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliverers[scheme] = d
}

func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.deliverers))
	for s := range r.deliverers {
		out = append(out, s)
	}
	return out
}

// Deliver routes reply to the deliverer registered for dest's scheme.
func (r *Registry) Deliver(ctx context.Context, dest string, reply Reply) error {
	scheme, address, err := ParseDestination(dest)
	if err != nil {
		metrics.Deliveries.WithLabelValues("invalid", "error").Inc()
		return err
	}

	r.mu.RLock()
	d, ok := r.deliverers[scheme]
	r.mu.RUnlock()
	if !ok {
		metrics.Deliveries.WithLabelValues(scheme, "error").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownScheme, scheme)
	}

	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = time.Now().UTC()
	}

	if err := d.Deliver(ctx, address, reply); err != nil {
		metrics.Deliveries.WithLabelValues(scheme, "error").Inc()
		return fmt.Errorf("deliver to %s: %w", scheme, err)
	}

	outcome := "answer"
	switch {
	case reply.TimedOut:
		outcome = "timeout"
	case reply.Failed:
		outcome = "failed"
	}
	metrics.Deliveries.WithLabelValues(scheme, outcome).Inc()

	r.logger.Debug("Reply delivered",
		zap.String("request_id", reply.RequestID),
		zap.String("scheme", scheme),
		zap.String("outcome", outcome),
	)
	return nil
}
