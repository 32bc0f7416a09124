// internal/matcher/scorer.go
package matcher

import (
	"context"
	"math"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/okibara/wayfind/api/schemas"
)

// Scorer rates how well a remembered task description matches the task at
// hand, in [0, 1].
type Scorer interface {
	Score(ctx context.Context, task, candidate string) (float64, error)
}

// TokenOverlapScorer is the zero-dependency fallback: Jaccard similarity over
// lowercased word sets. It never errors and needs no network.
type TokenOverlapScorer struct{}

var _ Scorer = TokenOverlapScorer{}

func (TokenOverlapScorer) Score(_ context.Context, task, candidate string) (float64, error) {
	a := tokenSet(task)
	b := tokenSet(candidate)
	if len(a) == 0 || len(b) == 0 {
		return 0, nil
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union), nil
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

// EmbeddingScorer rates similarity as the cosine between embedding vectors.
// Vectors are cached per text since the same task string is scored against
// every candidate in a batch.
type EmbeddingScorer struct {
	embedder schemas.Embedder

	mu       sync.Mutex
	cache    map[string][]float32
	maxCache int
}

var _ Scorer = (*EmbeddingScorer)(nil)

// NewEmbeddingScorer wraps an embedder. maxCache <= 0 selects a default.
func NewEmbeddingScorer(embedder schemas.Embedder, maxCache int) *EmbeddingScorer {
	if maxCache <= 0 {
		maxCache = 512
	}
	return &EmbeddingScorer{
		embedder: embedder,
		cache:    make(map[string][]float32),
		maxCache: maxCache,
	}
}

func (s *EmbeddingScorer) Score(ctx context.Context, task, candidate string) (float64, error) {
	va, err := s.embed(ctx, task)
	if err != nil {
		return 0, err
	}
	vb, err := s.embed(ctx, candidate)
	if err != nil {
		return 0, err
	}
	return cosine(va, vb), nil
}

func (s *EmbeddingScorer) embed(ctx context.Context, text string) ([]float32, error) {
	key := strings.ToLower(strings.TrimSpace(text))

	s.mu.Lock()
	vec, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return vec, nil
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.cache) >= s.maxCache {
		// Coarse eviction; the hit rate is dominated by the handful of task
		// strings scored repeatedly within one session.
		for k := range s.cache {
			delete(s.cache, k)
			break
		}
	}
	s.cache[key] = vec
	s.mu.Unlock()
	return vec, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// BlendedScorer mixes token overlap with embedding similarity. When the
// embedder fails (offline, quota) it degrades to pure token overlap instead
// of surfacing the error, so matching keeps working without the network.
type BlendedScorer struct {
	token     TokenOverlapScorer
	embedding *EmbeddingScorer
	embWeight float64
	log       *zap.Logger
}

var _ Scorer = (*BlendedScorer)(nil)

// NewBlendedScorer builds the default production scorer. A nil embedder
// yields token overlap only. embWeight outside (0, 1] selects 0.5.
func NewBlendedScorer(embedder schemas.Embedder, embWeight float64, logger *zap.Logger) *BlendedScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if embWeight <= 0 || embWeight > 1 {
		embWeight = 0.5
	}
	s := &BlendedScorer{
		embWeight: embWeight,
		log:       logger.Named("matcher.scorer"),
	}
	if embedder != nil {
		s.embedding = NewEmbeddingScorer(embedder, 0)
	}
	return s
}

func (s *BlendedScorer) Score(ctx context.Context, task, candidate string) (float64, error) {
	tokenScore, _ := s.token.Score(ctx, task, candidate)
	if s.embedding == nil {
		return tokenScore, nil
	}

	embScore, err := s.embedding.Score(ctx, task, candidate)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.log.Warn("Embedding similarity unavailable, falling back to token overlap", zap.Error(err))
		return tokenScore, nil
	}
	// Embeddings can report slightly negative cosine for unrelated text.
	if embScore < 0 {
		embScore = 0
	}
	return s.embWeight*embScore + (1-s.embWeight)*tokenScore, nil
}
