package elastic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

const maxSearchResults = 100

var emailMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"id":             map[string]string{"type": "keyword"},
			"account":        map[string]string{"type": "keyword"},
			"messageId":      map[string]string{"type": "keyword"},
			"uid":            map[string]string{"type": "long"},
			"folder":         map[string]string{"type": "keyword"},
			"category":       map[string]string{"type": "keyword"},
			"date":           map[string]string{"type": "date"},
			"processedAt":    map[string]string{"type": "date"},
			"from":           map[string]string{"type": "text"},
			"to":             map[string]string{"type": "text"},
			"subject":        map[string]string{"type": "text"},
			"text":           map[string]string{"type": "text"},
			"html":           map[string]string{"type": "text"},
			"suggestedReply": map[string]string{"type": "text"},
		},
	},
}

// RecordStore indexes mail records in Elasticsearch
type RecordStore struct {
	es     *elasticsearch.Client
	index  string
	logger *zap.Logger
}

// NewRecordStore creates the store and makes sure its index exists
func NewRecordStore(ctx context.Context, es *elasticsearch.Client, index string, logger *zap.Logger) (*RecordStore, error) {
	if err := ensureIndex(ctx, es, index, emailMapping, logger); err != nil {
		return nil, err
	}
	return &RecordStore{es: es, index: index, logger: logger}, nil
}

// Index creates the document with the record ID. An existing document
// yields core.ErrDuplicateRecord.
func (s *RecordStore) Index(ctx context.Context, record *core.MailRecord) error {
	body, err := encode(record)
	if err != nil {
		return err
	}

	res, err := s.es.Index(s.index, body,
		s.es.Index.WithDocumentID(record.ID),
		s.es.Index.WithOpType("create"),
		s.es.Index.WithRefresh("true"),
		s.es.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to index record: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return core.ErrDuplicateRecord
	}
	if res.IsError() {
		return fmt.Errorf("failed to index record: %s", responseError(res))
	}
	return nil
}

// Search filters on keyword fields, sorts by date descending and paginates
func (s *RecordStore) Search(ctx context.Context, q core.RecordQuery) (*core.RecordPage, error) {
	filters := []map[string]interface{}{}
	if account := core.NormalizeAccount(q.Account); account != "" {
		filters = append(filters, term("account", account))
	}
	if q.Folder != "" {
		filters = append(filters, term("folder", q.Folder))
	}
	if q.Category != "" {
		filters = append(filters, term("category", string(q.Category)))
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
		"sort": []interface{}{
			map[string]string{"date": "desc"},
			map[string]string{"id": "asc"},
		},
		"from": q.Offset(),
		"size": q.Limit,
	}

	records, total, err := s.search(ctx, query)
	if err != nil {
		return nil, err
	}
	return core.NewRecordPage(records, total, q), nil
}

// FullTextSearch runs a multi_match across the address, subject and body fields
func (s *RecordStore) FullTextSearch(ctx context.Context, q string) ([]core.MailRecord, error) {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  strings.TrimSpace(q),
				"fields": []string{"from", "to", "subject", "text", "html"},
			},
		},
		"size": maxSearchResults,
	}
	records, _, err := s.search(ctx, query)
	return records, err
}

func (s *RecordStore) search(ctx context.Context, query map[string]interface{}) ([]core.MailRecord, int, error) {
	body, err := encode(query)
	if err != nil {
		return nil, 0, err
	}

	res, err := s.es.Search(
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(body),
		s.es.Search.WithTrackTotalHits(true),
		s.es.Search.WithContext(ctx))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search records: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, 0, fmt.Errorf("failed to search records: %s", responseError(res))
	}

	var parsed searchResponse[core.MailRecord]
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, fmt.Errorf("failed to decode search response: %w", err)
	}

	records := make([]core.MailRecord, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		r := hit.Source
		if r.ID == "" {
			r.ID = hit.ID
		}
		records = append(records, r)
	}
	return records, parsed.Hits.Total.Value, nil
}

func term(field, value string) map[string]interface{} {
	return map[string]interface{}{
		"term": map[string]interface{}{field: value},
	}
}
