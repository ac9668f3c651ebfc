package similarity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "what is oop", Normalize("  What is   OOP?? "))
	assert.Equal(t, "bold text", Normalize("<p><b>Bold</b> text</p>"))
	assert.Equal(t, "a < b", PlainText("a < b"))
	assert.Equal(t, "", Normalize("?!"))
}

func TestLexicalSimilarity(t *testing.T) {
	lex := NewLexical()
	ctx := context.Background()

	tests := []struct {
		name   string
		a, b   string
		min    float64
		max    float64
		approx bool
	}{
		{name: "identical after normalization", a: "What is OOP?", b: "what is oop", min: 1, max: 1},
		{name: "contraction", a: "What is OOP?", b: "What's OOP?", min: 0.45, max: 0.99},
		{name: "turkish suffixes", a: "Bilgisayar mühendisliği dersleri", b: "bilgisayar mühendisliğinin dersi", min: 0.45, max: 0.99},
		{name: "unrelated", a: "When is the final exam?", b: "Where is the cafeteria located?", min: 0, max: 0.45},
		{name: "empty", a: "", b: "anything", min: 0, max: 0},
		{name: "markup ignored", a: "<p>Object oriented programming</p>", b: "Object oriented programming", min: 1, max: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := lex.Similarity(ctx, tt.a, tt.b)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)

			rev, err := lex.Similarity(ctx, tt.b, tt.a)
			require.NoError(t, err)
			assert.InDelta(t, got, rev, 1e-9)
		})
	}
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	texts []string
	err   error
}

// Embed maps each text to a vector keyed on its first letter, so texts sharing
// a first letter are identical and others are orthogonal.
func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.texts = append(f.texts, texts...)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 26)
		t = strings.ToLower(t)
		if t != "" && t[0] >= 'a' && t[0] <= 'z' {
			v[t[0]-'a'] = 1
		}
		out[i] = v
	}
	return out, nil
}

type memCache struct {
	data map[string][]float32
}

func (m *memCache) GetEmbedding(_ context.Context, key string) ([]float32, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) SetEmbedding(_ context.Context, key string, v []float32, _ time.Duration) error {
	m.data[key] = v
	return nil
}

func TestSemanticSimilarity(t *testing.T) {
	emb := &fakeEmbedder{}
	sem := NewSemantic(emb, nil, SemanticConfig{Model: "m"})
	ctx := context.Background()

	got, err := sem.Similarity(ctx, "apple pie", "avocado toast")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got, 1e-9)

	got, err = sem.Similarity(ctx, "apple pie", "banana bread")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got, 1e-9)

	// apple pie is memoized; only banana bread and avocado toast were new.
	assert.Len(t, emb.texts, 3)
}

func TestSemanticWarmBatchesAndCaches(t *testing.T) {
	emb := &fakeEmbedder{}
	cache := &memCache{data: map[string][]float32{}}
	sem := NewSemantic(emb, cache, SemanticConfig{Model: "m", BatchSize: 2})
	ctx := context.Background()

	require.NoError(t, sem.Warm(ctx, []string{"a1", "b1", "c1", "a1"}))
	assert.Equal(t, 2, emb.calls)
	assert.Len(t, cache.data, 3)

	// A fresh instance reads from the shared cache instead of the embedder.
	other := &fakeEmbedder{}
	sem2 := NewSemantic(other, cache, SemanticConfig{Model: "m"})
	_, err := sem2.Vector(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, other.calls)
}

func TestSemanticMemoIsBounded(t *testing.T) {
	emb := &fakeEmbedder{}
	sem := NewSemantic(emb, nil, SemanticConfig{Model: "m", MemoSize: 2})
	ctx := context.Background()

	require.NoError(t, sem.Warm(ctx, []string{"a1", "b1", "c1"}))
	assert.Equal(t, 2, sem.memo.Len())

	// a1 was evicted and is embedded again.
	got, err := sem.Similarity(ctx, "a1", "c1")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, got, 1e-9)
	assert.Equal(t, []string{"a1", "b1", "c1", "a1"}, emb.texts)
}

func TestSemanticPropagatesEmbedError(t *testing.T) {
	boom := errors.New("boom")
	sem := NewSemantic(&fakeEmbedder{err: boom}, nil, SemanticConfig{})

	_, err := sem.Similarity(context.Background(), "one", "two")
	assert.ErrorIs(t, err, boom)
}
