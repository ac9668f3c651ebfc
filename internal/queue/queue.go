// Package queue defines the lanes and message envelope shared by the
// dispatcher, the inference workers and the response router.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qabridge/backend/internal/storage/models"
)

type Lane string

const (
	LanePriority   Lane = "work.priority"
	LaneNormal     Lane = "work.normal"
	LaneResults    Lane = "results"
	LaneDeadLetter Lane = "deadletter"
)

// WorkLanes are consumed by the worker pool, priority first.
var WorkLanes = []Lane{LanePriority, LaneNormal}

// ResultsFor is the results lane read by the router named owner. An empty
// owner is the shared lane.
func ResultsFor(owner string) Lane {
	if owner == "" {
		return LaneResults
	}
	return LaneResults + Lane("."+owner)
}

// DeadLettersFor is the dead-letter lane read by the router named owner.
func DeadLettersFor(owner string) Lane {
	if owner == "" {
		return LaneDeadLetter
	}
	return LaneDeadLetter + Lane("."+owner)
}

func LaneFor(p models.Priority) Lane {
	if p == models.PriorityHigh {
		return LanePriority
	}
	return LaneNormal
}

// ErrNoMessage is returned by Receive when nothing arrived within the poll window.
var ErrNoMessage = errors.New("no message available")

type Message struct {
	RequestID  string          `json:"request_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// Attempt counts failed processing attempts so far.
	Attempt int `json:"attempt"`
}

// Delivery is a received message that must be acknowledged once handled.
type Delivery struct {
	Lane    Lane
	Message Message
	// Tag identifies the delivery to the broker that produced it.
	Tag string
}

type Broker interface {
	Publish(ctx context.Context, lane Lane, msg Message) error
	// Receive returns the next message from the first non-empty lane, in the
	// order given.
	Receive(ctx context.Context, lanes ...Lane) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Close() error
}

type WorkItem struct {
	InteractionID int64           `json:"interaction_id"`
	Text          string          `json:"text"`
	Language      models.Language `json:"language"`
	Priority      models.Priority `json:"priority"`
	// ReplyTo names the router holding the request's correlation entry. Its
	// result and dead letter go to that router's own lanes.
	ReplyTo string `json:"reply_to,omitempty"`
}

type Result struct {
	InteractionID int64  `json:"interaction_id"`
	Answer        string `json:"answer"`
	LatencyMS     int64  `json:"latency_ms"`
	ModelVersion  string `json:"model_version,omitempty"`
}

type DeadLetter struct {
	Work     WorkItem `json:"work"`
	Reason   string   `json:"reason"`
	Attempts int      `json:"attempts"`
}

// NewMessage wraps payload in an envelope stamped with the current time.
func NewMessage(requestID string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Message{
		RequestID:  requestID,
		Payload:    data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has an empty payload", m.RequestID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode message %s: %w", m.RequestID, err)
	}
	return nil
}
