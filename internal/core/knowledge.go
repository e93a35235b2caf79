package core

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KnowledgeService stores reply guidance and retrieves the entries closest to a query
type KnowledgeService struct {
	repo     KnowledgeRepository
	embedder Embedder
	logger   *zap.Logger
	now      func() time.Time
}

// NewKnowledgeService creates a new knowledge service
func NewKnowledgeService(repo KnowledgeRepository, embedder Embedder, logger *zap.Logger) *KnowledgeService {
	return &KnowledgeService{
		repo:     repo,
		embedder: embedder,
		logger:   logger,
		now:      time.Now,
	}
}

// Add embeds and stores a snippet. Blank text is ignored.
func (s *KnowledgeService) Add(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed knowledge text: %w", err)
	}

	entry := &KnowledgeEntry{
		ID:        uuid.NewString(),
		Text:      text,
		Embedding: vector,
		CreatedAt: s.now(),
	}
	if err := s.repo.Save(ctx, entry); err != nil {
		return fmt.Errorf("failed to save knowledge entry: %w", err)
	}

	s.logger.Info("Added knowledge entry",
		zap.String("id", entry.ID),
		zap.Int("dimensions", len(vector)))
	return nil
}

// Query returns the texts of the k entries most similar to text
func (s *KnowledgeService) Query(ctx context.Context, text string, k int) ([]string, error) {
	if k <= 0 || strings.TrimSpace(text) == "" {
		return []string{}, nil
	}

	// Repositories with native vector scoring handle ranking themselves
	if searcher, ok := s.repo.(VectorSearcher); ok {
		vector, err := s.embedder.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed query: %w", err)
		}
		entries, err := searcher.SearchSimilar(ctx, vector, k)
		if err != nil {
			return nil, fmt.Errorf("failed to search knowledge: %w", err)
		}
		return entryTexts(entries), nil
	}

	entries, err := s.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge: %w", err)
	}
	if len(entries) == 0 {
		return []string{}, nil
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	return entryTexts(RankEntries(vector, entries, k)), nil
}

type scoredEntry struct {
	entry KnowledgeEntry
	score float64
}

// RankEntries scores entries against vector and returns the top k.
// Ties are broken by creation time, then by ID. Entries whose dimension
// differs from the query are skipped.
func RankEntries(vector []float32, entries []KnowledgeEntry, k int) []KnowledgeEntry {
	scored := make([]scoredEntry, 0, len(entries))
	for _, e := range entries {
		if len(e.Embedding) != len(vector) {
			continue
		}
		scored = append(scored, scoredEntry{entry: e, score: CosineScore(vector, e.Embedding)})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
			return a.entry.CreatedAt.Before(b.entry.CreatedAt)
		}
		return a.entry.ID < b.entry.ID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	result := make([]KnowledgeEntry, len(scored))
	for i, s := range scored {
		result[i] = s.entry
	}
	return result
}

// CosineScore returns cosine similarity shifted into [0, 2].
// A zero vector scores 1.
func CosineScore(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return dot/(math.Sqrt(na)*math.Sqrt(nb)) + 1
}

func entryTexts(entries []KnowledgeEntry) []string {
	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = e.Text
	}
	return texts
}
