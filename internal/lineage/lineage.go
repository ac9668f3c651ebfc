// Package lineage records where training data came from: which interaction a
// training example was promoted from, which records were judged duplicates of
// which, and which model version an exported example was trained into.
package lineage

import "context"

type Recorder interface {
	DuplicateOf(ctx context.Context, interactionID, canonicalID int64, score float64) error
	PromotedFrom(ctx context.Context, exampleID, interactionID int64) error
	AnswerDuplicateOf(ctx context.Context, exampleID, canonicalExampleID int64, score float64) error
	TrainedIn(ctx context.Context, interactionID int64, modelVersion string) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) DuplicateOf(context.Context, int64, int64, float64) error       { return nil }
func (Noop) PromotedFrom(context.Context, int64, int64) error               { return nil }
func (Noop) AnswerDuplicateOf(context.Context, int64, int64, float64) error { return nil }
func (Noop) TrainedIn(context.Context, int64, string) error                 { return nil }
