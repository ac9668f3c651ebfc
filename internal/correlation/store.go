// Package correlation tracks outstanding requests between dispatch and
// delivery. An entry is removed the first time it is resolved or expired, so a
// redelivered result can never be delivered twice.
package correlation

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/qabridge/backend/internal/storage/models"
)

var (
	ErrNotFound  = errors.New("correlation entry not found")
	ErrExpired   = errors.New("correlation entry expired")
	ErrDuplicate = errors.New("correlation entry already registered")
)

// Entry is the delivery context of one outstanding request.
type Entry struct {
	RequestID     string
	InteractionID int64
	Destination   string
	Deadline      time.Time
	Priority      models.Priority
	Language      models.Language
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPendingGauge reports the number of outstanding entries.
func WithPendingGauge(g prometheus.Gauge) Option {
	return func(s *Store) { s.pending = g }
}

type Store struct {
	mu        sync.Mutex
	entries   map[string]Entry
	deadlines deadlineHeap
	now       func() time.Time
	pending   prometheus.Gauge
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Register(e Entry) error {
	if e.RequestID == "" {
		return fmt.Errorf("register: empty request id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.RequestID]; ok {
		return fmt.Errorf("register %s: %w", e.RequestID, ErrDuplicate)
	}
	s.entries[e.RequestID] = e
	heap.Push(&s.deadlines, deadlineItem{requestID: e.RequestID, deadline: e.Deadline})
	s.report()
	return nil
}

// Resolve removes and returns the entry for requestID. An entry whose deadline
// has already passed is removed too and returned together with ErrExpired.
func (s *Store) Resolve(requestID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[requestID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	delete(s.entries, requestID)
	s.report()

	if s.now().After(e.Deadline) {
		return e, ErrExpired
	}
	return e, nil
}

// Expire removes and returns every entry whose deadline is before now, in
// deadline order.
func (s *Store) Expire(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for s.deadlines.Len() > 0 {
		top := s.deadlines[0]
		if !top.deadline.Before(now) {
			break
		}
		heap.Pop(&s.deadlines)

		// Heap items of resolved entries are left behind and skipped here.
		e, ok := s.entries[top.requestID]
		if !ok || !e.Deadline.Equal(top.deadline) {
			continue
		}
		delete(s.entries, top.requestID)
		out = append(out, e)
	}
	if len(out) > 0 {
		s.report()
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) report() {
	if s.pending != nil {
		s.pending.Set(float64(len(s.entries)))
	}
	// Keep the heap from growing without bound when most entries are resolved
	// before their deadline.
	if s.deadlines.Len() > 64 && s.deadlines.Len() > 4*len(s.entries) {
		s.compact()
	}
}

func (s *Store) compact() {
	live := make(deadlineHeap, 0, len(s.entries))
	for id, e := range s.entries {
		live = append(live, deadlineItem{requestID: id, deadline: e.Deadline})
	}
	heap.Init(&live)
	s.deadlines = live
}

type deadlineItem struct {
	requestID string
	deadline  time.Time
}

type deadlineHeap []deadlineItem

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].requestID < h[j].requestID
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(deadlineItem)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
