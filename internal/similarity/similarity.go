// Package similarity scores how alike two texts are, in [0,1].
package similarity

import (
	"context"
	"math"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Strategy is one way of scoring text similarity. Implementations must be
// symmetric and return 1 for texts that normalize to the same string.
type Strategy interface {
	Name() string
	Similarity(ctx context.Context, a, b string) (float64, error)
}

// Warmer is implemented by strategies that benefit from seeing a batch of
// texts before pairwise scoring starts.
type Warmer interface {
	Warm(ctx context.Context, texts []string) error
}

// PlainText strips markup from admin-edited answers. Texts without tags are
// returned unchanged.
func PlainText(text string) string {
	if !strings.Contains(text, "<") || !strings.Contains(text, ">") {
		return text
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return text
	}
	return doc.Text()
}

// Normalize lowercases text, drops markup and punctuation, and collapses
// whitespace.
func Normalize(text string) string {
	text = strings.ToLower(PlainText(text))
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range text {
		if isWordRune(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return clamp(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func clamp(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	}
	return v
}
