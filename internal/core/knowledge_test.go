package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRepo struct {
	mu      sync.Mutex
	entries []KnowledgeEntry
	err     error
}

func (r *fakeRepo) Save(_ context.Context, entry *KnowledgeEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *fakeRepo) All(_ context.Context) ([]KnowledgeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return append([]KnowledgeEntry(nil), r.entries...), nil
}

// mapEmbedder returns a fixed vector per text
type mapEmbedder struct {
	vectors map[string][]float32
	calls   int
	err     error
}

func (e *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func TestKnowledgeAddAndQuery(t *testing.T) {
	repo := &fakeRepo{}
	embedder := &mapEmbedder{vectors: map[string][]float32{
		"Share the booking link": {1, 0, 0},
		"We are closed Fridays":  {0, 1, 0},
		"Can we meet next week?": {0.9, 0.1, 0},
	}}
	svc := NewKnowledgeService(repo, embedder, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, svc.Add(ctx, "Share the booking link"))
	require.NoError(t, svc.Add(ctx, "We are closed Fridays"))
	require.Len(t, repo.entries, 2)
	assert.NotEmpty(t, repo.entries[0].ID)
	assert.NotEqual(t, repo.entries[0].ID, repo.entries[1].ID)

	texts, err := svc.Query(ctx, "Can we meet next week?", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Share the booking link"}, texts)

	texts, err = svc.Query(ctx, "Can we meet next week?", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Share the booking link", "We are closed Fridays"}, texts)
}

func TestKnowledgeAddIgnoresBlankText(t *testing.T) {
	repo := &fakeRepo{}
	embedder := &mapEmbedder{}
	svc := NewKnowledgeService(repo, embedder, zaptest.NewLogger(t))

	require.NoError(t, svc.Add(context.Background(), "   "))
	assert.Empty(t, repo.entries)
	assert.Zero(t, embedder.calls)
}

func TestKnowledgeAddPropagatesEmbedError(t *testing.T) {
	boom := errors.New("embedder down")
	svc := NewKnowledgeService(&fakeRepo{}, &mapEmbedder{err: boom}, zaptest.NewLogger(t))

	err := svc.Add(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestKnowledgeQueryEmptyStore(t *testing.T) {
	embedder := &mapEmbedder{}
	svc := NewKnowledgeService(&fakeRepo{}, embedder, zaptest.NewLogger(t))

	texts, err := svc.Query(context.Background(), "anything", 1)
	require.NoError(t, err)
	assert.Empty(t, texts)
	assert.NotNil(t, texts)
	assert.Zero(t, embedder.calls, "empty store must not call the embedder")
}

func TestKnowledgeQueryNonPositiveK(t *testing.T) {
	repo := &fakeRepo{entries: []KnowledgeEntry{{ID: "a", Text: "a", Embedding: []float32{1}}}}
	svc := NewKnowledgeService(repo, &mapEmbedder{}, zaptest.NewLogger(t))

	texts, err := svc.Query(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Empty(t, texts)
}

type searcherRepo struct {
	fakeRepo
	gotK int
}

func (r *searcherRepo) SearchSimilar(_ context.Context, _ []float32, k int) ([]KnowledgeEntry, error) {
	r.gotK = k
	return []KnowledgeEntry{{ID: "es", Text: "from index"}}, nil
}

func TestKnowledgeQueryDelegatesToVectorSearcher(t *testing.T) {
	repo := &searcherRepo{}
	svc := NewKnowledgeService(repo, &mapEmbedder{}, zaptest.NewLogger(t))

	texts, err := svc.Query(context.Background(), "q", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"from index"}, texts)
	assert.Equal(t, 2, repo.gotK)
}

func TestRankEntriesTieBreak(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []KnowledgeEntry{
		{ID: "c", Text: "newer", Embedding: []float32{1, 0}, CreatedAt: base.Add(time.Hour)},
		{ID: "b", Text: "older-b", Embedding: []float32{2, 0}, CreatedAt: base},
		{ID: "a", Text: "older-a", Embedding: []float32{3, 0}, CreatedAt: base},
		{ID: "d", Text: "wrong dims", Embedding: []float32{1, 0, 0}, CreatedAt: base},
		{ID: "e", Text: "orthogonal", Embedding: []float32{0, 1}, CreatedAt: base},
	}

	ranked := RankEntries([]float32{1, 0}, entries, 10)
	require.Len(t, ranked, 4)
	assert.Equal(t, []string{"a", "b", "c", "e"}, []string{ranked[0].ID, ranked[1].ID, ranked[2].ID, ranked[3].ID})
}

func TestCosineScore(t *testing.T) {
	assert.InDelta(t, 2.0, CosineScore([]float32{1, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 1.0, CosineScore([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, 0.0, CosineScore([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, 1.0, CosineScore([]float32{0, 0}, []float32{1, 0}), 1e-9)
}
