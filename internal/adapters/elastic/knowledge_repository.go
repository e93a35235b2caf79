package elastic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

const maxKnowledgeEntries = 10000

// KnowledgeRepository stores knowledge entries as dense vectors and lets
// Elasticsearch rank them with script_score
type KnowledgeRepository struct {
	es     *elasticsearch.Client
	index  string
	logger *zap.Logger
}

// NewKnowledgeRepository creates the repository and its index. dims is the
// embedding dimension of the configured provider.
func NewKnowledgeRepository(ctx context.Context, es *elasticsearch.Client, index string, dims int, logger *zap.Logger) (*KnowledgeRepository, error) {
	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"id":        map[string]string{"type": "keyword"},
				"text":      map[string]string{"type": "text"},
				"createdAt": map[string]string{"type": "date"},
				"embedding": map[string]interface{}{
					"type": "dense_vector",
					"dims": dims,
				},
			},
		},
	}
	if err := ensureIndex(ctx, es, index, mapping, logger); err != nil {
		return nil, err
	}
	return &KnowledgeRepository{es: es, index: index, logger: logger}, nil
}

// Save indexes an entry and refreshes so it is searchable immediately
func (r *KnowledgeRepository) Save(ctx context.Context, entry *core.KnowledgeEntry) error {
	body, err := encode(entry)
	if err != nil {
		return err
	}

	res, err := r.es.Index(r.index, body,
		r.es.Index.WithDocumentID(entry.ID),
		r.es.Index.WithRefresh("true"),
		r.es.Index.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to index knowledge entry: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("failed to index knowledge entry: %s", responseError(res))
	}
	return nil
}

// All returns up to maxKnowledgeEntries entries
func (r *KnowledgeRepository) All(ctx context.Context) ([]core.KnowledgeEntry, error) {
	return r.query(ctx, map[string]interface{}{
		"query": map[string]interface{}{"match_all": map[string]interface{}{}},
		"size":  maxKnowledgeEntries,
	})
}

// SearchSimilar ranks entries by cosine similarity + 1
func (r *KnowledgeRepository) SearchSimilar(ctx context.Context, vector []float32, k int) ([]core.KnowledgeEntry, error) {
	return r.query(ctx, map[string]interface{}{
		"query": map[string]interface{}{
			"script_score": map[string]interface{}{
				"query": map[string]interface{}{"match_all": map[string]interface{}{}},
				"script": map[string]interface{}{
					"source": "cosineSimilarity(params.query_vector, 'embedding') + 1.0",
					"params": map[string]interface{}{"query_vector": vector},
				},
			},
		},
		"sort": []interface{}{
			"_score",
			map[string]string{"createdAt": "asc"},
			map[string]string{"id": "asc"},
		},
		"size": k,
	})
}

func (r *KnowledgeRepository) query(ctx context.Context, query map[string]interface{}) ([]core.KnowledgeEntry, error) {
	body, err := encode(query)
	if err != nil {
		return nil, err
	}

	res, err := r.es.Search(
		r.es.Search.WithIndex(r.index),
		r.es.Search.WithBody(body),
		r.es.Search.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("failed to search knowledge: %s", responseError(res))
	}

	var parsed searchResponse[core.KnowledgeEntry]
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode knowledge response: %w", err)
	}

	entries := make([]core.KnowledgeEntry, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		e := hit.Source
		if e.ID == "" {
			e.ID = hit.ID
		}
		entries = append(entries, e)
	}
	return entries, nil
}
