package similarity

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/qabridge/backend/pkg/utils"
)

// Embedder turns texts into dense vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingCache persists vectors between runs.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type SemanticConfig struct {
	// Model namespaces cache keys so vectors of different models never mix.
	Model     string
	BatchSize int
	CacheTTL  time.Duration
	// MemoSize bounds the vectors kept in process memory.
	MemoSize int
	Logger   *zap.Logger
}

// Semantic scores texts by the cosine of their multilingual embeddings,
// clipped to [0,1]. Recently used vectors stay in a bounded in-process memo;
// when a cache is given they are also shared across processes.
type Semantic struct {
	embedder Embedder
	cache    EmbeddingCache
	cfg      SemanticConfig
	memo     *lru.Cache[string, []float32]
}

func NewSemantic(embedder Embedder, cache EmbeddingCache, cfg SemanticConfig) *Semantic {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	// New only fails on a non-positive size.
	memo, _ := lru.New[string, []float32](cfg.MemoSize)
	return &Semantic{
		embedder: embedder,
		cache:    cache,
		cfg:      cfg,
		memo:     memo,
	}
}

func (s *Semantic) Name() string { return "semantic" }

func (s *Semantic) Similarity(ctx context.Context, a, b string) (float64, error) {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0, nil
	}
	if na == nb {
		return 1, nil
	}

	vs, err := s.resolve(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	return cosine(vs[0], vs[1]), nil
}

// Vector returns the embedding of text, computing it if needed.
func (s *Semantic) Vector(ctx context.Context, text string) ([]float32, error) {
	vs, err := s.resolve(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// Warm embeds every text not yet known, in batches.
func (s *Semantic) Warm(ctx context.Context, texts []string) error {
	_, err := s.resolve(ctx, texts)
	return err
}

// resolve returns one vector per text, in order, from the memo, the cache or
// the embedder.
func (s *Semantic) resolve(ctx context.Context, texts []string) ([][]float32, error) {
	keys := make([]string, len(texts))
	found := make(map[string][]float32, len(texts))
	var missing []int
	for i, t := range texts {
		key := s.key(t)
		keys[i] = key
		if _, ok := found[key]; ok {
			continue
		}
		if v, ok := s.memo.Get(key); ok {
			found[key] = v
			continue
		}
		if v, ok := s.fromCache(ctx, key); ok {
			found[key] = v
			continue
		}
		found[key] = nil
		missing = append(missing, i)
	}

	for start := 0; start < len(missing); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(missing))
		batch := missing[start:end]

		inputs := make([]string, len(batch))
		for i, idx := range batch {
			inputs[i] = PlainText(texts[idx])
		}

		vectors, err := s.embedder.Embed(ctx, inputs)
		if err != nil {
			return nil, fmt.Errorf("failed to embed %d texts: %w", len(batch), err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
		}

		for i, idx := range batch {
			found[keys[idx]] = vectors[i]
			s.store(ctx, keys[idx], vectors[i])
		}
	}

	out := make([][]float32, len(texts))
	for i, key := range keys {
		out[i] = found[key]
	}
	return out, nil
}

func (s *Semantic) key(text string) string {
	return s.cfg.Model + ":" + utils.HashText(PlainText(text))
}

func (s *Semantic) fromCache(ctx context.Context, key string) ([]float32, bool) {
	if s.cache == nil {
		return nil, false
	}
	v, ok, err := s.cache.GetEmbedding(ctx, key)
	if err != nil {
		s.cfg.Logger.Warn("Embedding cache read failed", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	s.memo.Add(key, v)
	return v, true
}

func (s *Semantic) store(ctx context.Context, key string, v []float32) {
	s.memo.Add(key, v)

	if s.cache != nil {
		if err := s.cache.SetEmbedding(ctx, key, v, s.cfg.CacheTTL); err != nil {
			s.cfg.Logger.Warn("Embedding cache write failed", zap.Error(err))
		}
	}
}
