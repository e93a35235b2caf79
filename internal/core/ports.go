package core

import (
	"context"
)

// Classifier assigns a category to message text
type Classifier interface {
	// Classify returns the category for the given text
	Classify(ctx context.Context, text string) (Category, error)
}

// Drafter writes a suggested reply for message text
type Drafter interface {
	// Draft returns a reply grounded in the given context
	Draft(ctx context.Context, text, context string) (string, error)
}

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// RecordStore persists and queries enriched mail records
type RecordStore interface {
	// Index stores a record, returning ErrDuplicateRecord when the ID exists
	Index(ctx context.Context, record *MailRecord) error

	// Search returns a filtered page of records sorted by date descending
	Search(ctx context.Context, query RecordQuery) (*RecordPage, error)

	// FullTextSearch matches q against from, to, subject, text and html
	FullTextSearch(ctx context.Context, q string) ([]MailRecord, error)
}

// KnowledgeRepository stores knowledge entries
type KnowledgeRepository interface {
	// Save stores an entry
	Save(ctx context.Context, entry *KnowledgeEntry) error

	// All returns every stored entry
	All(ctx context.Context) ([]KnowledgeEntry, error)
}

// VectorSearcher is implemented by repositories that score entries themselves
type VectorSearcher interface {
	SearchSimilar(ctx context.Context, vector []float32, k int) ([]KnowledgeEntry, error)
}

// SeenLedger remembers processed dedup keys for a bounded time
type SeenLedger interface {
	// Get retrieves an entry, returning ErrNotFound when absent or expired
	Get(ctx context.Context, key string) (*LedgerEntry, error)

	// Set stores an entry
	Set(ctx context.Context, entry *LedgerEntry) error

	// Cleanup removes expired entries
	Cleanup(ctx context.Context) error
}

// MessageParser turns raw RFC 5322 bytes into a ParsedMessage
type MessageParser interface {
	Parse(body []byte) (*ParsedMessage, error)
}

// RecordNotifier delivers a processed record to downstream sinks
type RecordNotifier interface {
	Dispatch(ctx context.Context, record *MailRecord)
}
