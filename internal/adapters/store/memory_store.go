package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mikey/mail-onebox/internal/core"
)

// MaxSearchResults caps full-text search responses
const MaxSearchResults = 100

// MemoryStore keeps records in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]core.MailRecord
}

// NewMemoryStore creates an empty in-memory record store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]core.MailRecord)}
}

// Index stores a record once per ID
func (s *MemoryStore) Index(ctx context.Context, record *core.MailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.ID]; ok {
		return core.ErrDuplicateRecord
	}
	s.records[record.ID] = *record
	return nil
}

// Search filters, sorts by date descending and paginates
func (s *MemoryStore) Search(ctx context.Context, q core.RecordQuery) (*core.RecordPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account := core.NormalizeAccount(q.Account)
	var matched []core.MailRecord
	for _, r := range s.records {
		if account != "" && r.Account != account {
			continue
		}
		if q.Folder != "" && r.Folder != q.Folder {
			continue
		}
		if q.Category != "" && r.Category != q.Category {
			continue
		}
		matched = append(matched, r)
	}
	sortByDate(matched)

	total := len(matched)
	start := q.Offset()
	if start > total {
		start = total
	}
	end := start + q.Limit
	if end > total {
		end = total
	}
	return core.NewRecordPage(matched[start:end], total, q), nil
}

// FullTextSearch does a case-insensitive substring match
func (s *MemoryStore) FullTextSearch(ctx context.Context, q string) ([]core.MailRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(strings.TrimSpace(q))
	matched := []core.MailRecord{}
	for _, r := range s.records {
		for _, field := range []string{r.From, r.To, r.Subject, r.Text, r.HTML} {
			if strings.Contains(strings.ToLower(field), needle) {
				matched = append(matched, r)
				break
			}
		}
	}
	sortByDate(matched)
	if len(matched) > MaxSearchResults {
		matched = matched[:MaxSearchResults]
	}
	return matched, nil
}

func sortByDate(records []core.MailRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Date.Equal(records[j].Date) {
			return records[i].Date.After(records[j].Date)
		}
		return records[i].ID < records[j].ID
	})
}
