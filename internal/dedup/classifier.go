// Package dedup decides whether a question/answer record duplicates an
// earlier one. Two profiles share the same interface: a fast lexical one used
// while dispatching and a precise semantic one used when exporting training
// data. When several earlier records match, the reference is always the
// oldest root of their clusters, so a duplicate never points at another
// duplicate.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/qabridge/backend/internal/metrics"
	"github.com/qabridge/backend/internal/similarity"
)

type FieldKind int

const (
	// FieldQuestion compares questions only.
	FieldQuestion FieldKind = iota
	// FieldAnswer compares answers only.
	FieldAnswer
	// FieldPair requires both answers and questions to clear their thresholds.
	FieldPair
)

func (f FieldKind) String() string {
	switch f {
	case FieldQuestion:
		return "question"
	case FieldAnswer:
		return "answer"
	case FieldPair:
		return "pair"
	default:
		return "unknown"
	}
}

// Profile binds a similarity strategy to its thresholds. Thresholds are
// inclusive: a score equal to the threshold is a match.
type Profile struct {
	Name              string
	Strategy          similarity.Strategy
	QuestionThreshold float64
	AnswerThreshold   float64
}

func (p Profile) Validate() error {
	if p.Strategy == nil {
		return fmt.Errorf("profile %s has no similarity strategy", p.Name)
	}
	if p.QuestionThreshold < 0 || p.QuestionThreshold > 1 {
		return fmt.Errorf("profile %s: question threshold must be between 0 and 1 (got %.2f)", p.Name, p.QuestionThreshold)
	}
	if p.AnswerThreshold < 0 || p.AnswerThreshold > 1 {
		return fmt.Errorf("profile %s: answer threshold must be between 0 and 1 (got %.2f)", p.Name, p.AnswerThreshold)
	}
	return nil
}

// FastProfile is the lexical profile used on the dispatch path.
func FastProfile(question, answer float64) Profile {
	return Profile{Name: "fast", Strategy: similarity.NewLexical(), QuestionThreshold: question, AnswerThreshold: answer}
}

// PreciseProfile is the embedding profile used at export time.
func PreciseProfile(s similarity.Strategy, question, answer float64) Profile {
	return Profile{Name: "precise", Strategy: s, QuestionThreshold: question, AnswerThreshold: answer}
}

// Entry is one record as seen by the classifier.
type Entry struct {
	ID        int64
	CreatedAt time.Time
	Question  string
	Answer    string
	// RootID is the canonical record of the entry's cluster, or zero when the
	// entry is its own root.
	RootID        int64
	RootCreatedAt time.Time
}

func (e Entry) root() (int64, time.Time) {
	if e.RootID != 0 {
		return e.RootID, e.RootCreatedAt
	}
	return e.ID, e.CreatedAt
}

// Older reports whether a was created before b, breaking ties by id.
func Older(aID int64, aAt time.Time, bID int64, bAt time.Time) bool {
	if !aAt.Equal(bAt) {
		return aAt.Before(bAt)
	}
	return aID < bID
}

type Decision struct {
	IsDuplicate bool
	// ReferenceID is the canonical record the candidate duplicates.
	ReferenceID int64
	// Score is the best similarity against the canonical's cluster.
	Score float64
	// MaxScore is the best similarity seen against any compared record,
	// whether or not it matched.
	MaxScore      float64
	ComparedCount int
}

type Classifier struct {
	profile Profile
}

func NewClassifier(p Profile) (*Classifier, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{profile: p}, nil
}

func (c *Classifier) Profile() Profile {
	return c.profile
}

// Classify compares candidate against the records in corpus created before
// it. The output depends only on the candidate and the corpus snapshot.
func (c *Classifier) Classify(ctx context.Context, candidate Entry, corpus []Entry, field FieldKind) (Decision, error) {
	var (
		d         Decision
		bestRoot  int64
		bestAt    time.Time
		haveMatch bool
	)

	if !c.hasText(candidate, field) {
		return d, nil
	}

	if w, ok := c.profile.Strategy.(similarity.Warmer); ok {
		if err := w.Warm(ctx, texts(candidate, corpus, field)); err != nil {
			return d, fmt.Errorf("failed to prepare %s classification: %w", c.profile.Name, err)
		}
	}

	for _, e := range corpus {
		if e.ID == candidate.ID || !Older(e.ID, e.CreatedAt, candidate.ID, candidate.CreatedAt) {
			continue
		}
		if !c.hasText(e, field) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}

		score, matched, err := c.compare(ctx, candidate, e, field)
		if err != nil {
			return Decision{}, err
		}
		d.ComparedCount++
		if score > d.MaxScore {
			d.MaxScore = score
		}
		if !matched {
			continue
		}

		rootID, rootAt := e.root()
		if rootID == candidate.ID {
			// Never reference ourselves through a stale root.
			rootID, rootAt = e.ID, e.CreatedAt
		}
		switch {
		case !haveMatch || Older(rootID, rootAt, bestRoot, bestAt):
			bestRoot, bestAt, d.Score = rootID, rootAt, score
			haveMatch = true
		case rootID == bestRoot && score > d.Score:
			d.Score = score
		}
	}

	if haveMatch {
		d.IsDuplicate = true
		d.ReferenceID = bestRoot
	}

	result := "unique"
	if d.IsDuplicate {
		result = "duplicate"
	}
	metrics.DuplicateDecisions.WithLabelValues(c.profile.Name, field.String(), result).Inc()

	return d, nil
}

func (c *Classifier) compare(ctx context.Context, a, b Entry, field FieldKind) (float64, bool, error) {
	sim := c.profile.Strategy

	switch field {
	case FieldQuestion:
		s, err := sim.Similarity(ctx, a.Question, b.Question)
		if err != nil {
			return 0, false, fmt.Errorf("question similarity: %w", err)
		}
		return s, s >= c.profile.QuestionThreshold, nil

	case FieldAnswer:
		s, err := sim.Similarity(ctx, a.Answer, b.Answer)
		if err != nil {
			return 0, false, fmt.Errorf("answer similarity: %w", err)
		}
		return s, s >= c.profile.AnswerThreshold, nil

	case FieldPair:
		as, err := sim.Similarity(ctx, a.Answer, b.Answer)
		if err != nil {
			return 0, false, fmt.Errorf("answer similarity: %w", err)
		}
		if as < c.profile.AnswerThreshold {
			return as, false, nil
		}
		qs, err := sim.Similarity(ctx, a.Question, b.Question)
		if err != nil {
			return 0, false, fmt.Errorf("question similarity: %w", err)
		}
		return as, qs >= c.profile.QuestionThreshold, nil
	}
	return 0, false, fmt.Errorf("unknown field kind %d", field)
}

func (c *Classifier) hasText(e Entry, field FieldKind) bool {
	switch field {
	case FieldQuestion:
		return e.Question != ""
	case FieldAnswer:
		return e.Answer != ""
	default:
		return e.Question != "" && e.Answer != ""
	}
}

func texts(candidate Entry, corpus []Entry, field FieldKind) []string {
	out := make([]string, 0, 2*(len(corpus)+1))
	add := func(e Entry) {
		if field != FieldAnswer && e.Question != "" {
			out = append(out, e.Question)
		}
		if field != FieldQuestion && e.Answer != "" {
			out = append(out, e.Answer)
		}
	}
	add(candidate)
	for _, e := range corpus {
		add(e)
	}
	return out
}
