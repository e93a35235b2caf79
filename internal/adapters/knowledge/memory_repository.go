package knowledge

import (
	"context"
	"sync"

	"github.com/mikey/mail-onebox/internal/core"
)

// MemoryRepository keeps knowledge entries in process memory
type MemoryRepository struct {
	mu      sync.RWMutex
	entries []core.KnowledgeEntry
}

// NewMemoryRepository creates an empty repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Save appends an entry
func (r *MemoryRepository) Save(ctx context.Context, entry *core.KnowledgeEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := *entry
	e.Embedding = append([]float32(nil), entry.Embedding...)
	r.entries = append(r.entries, e)
	return nil
}

// All returns a copy of every entry
func (r *MemoryRepository) All(ctx context.Context) ([]core.KnowledgeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.KnowledgeEntry, len(r.entries))
	copy(out, r.entries)
	return out, nil
}
