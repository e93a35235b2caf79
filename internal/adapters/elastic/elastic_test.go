package elastic

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type esCall struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeCluster answers the handful of Elasticsearch endpoints the adapters use
type fakeCluster struct {
	mu        sync.Mutex
	calls     []esCall
	indices   map[string]bool
	docs      map[string]bool
	searchHit string
}

func newFakeCluster(t *testing.T) (*fakeCluster, *elasticsearch.Client) {
	c := &fakeCluster{indices: map[string]bool{}, docs: map[string]bool{}}
	server := httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(server.Close)

	es, err := NewClient(context.Background(), []string{server.URL}, "", "", zaptest.NewLogger(t))
	require.NoError(t, err)
	return c, es
}

func (c *fakeCluster) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, esCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})

	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/":
		_, _ = io.WriteString(w, `{"version":{"number":"8.15.0"}}`)
	case len(parts) == 1 && r.Method == http.MethodHead:
		if !c.indices[parts[0]] {
			w.WriteHeader(http.StatusNotFound)
		}
	case len(parts) == 1 && r.Method == http.MethodPut:
		c.indices[parts[0]] = true
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case len(parts) == 2 && parts[1] == "_search":
		_, _ = io.WriteString(w, c.searchHit)
	case len(parts) == 3:
		key := parts[0] + "/" + parts[2]
		if strings.Contains(r.URL.RawQuery, "op_type=create") && c.docs[key] {
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":{"type":"version_conflict_engine_exception"}}`)
			return
		}
		c.docs[key] = true
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"result":"created"}`)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

func (c *fakeCluster) callsTo(method, pathSuffix string) []esCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []esCall
	for _, call := range c.calls {
		if call.Method == method && strings.HasSuffix(call.Path, pathSuffix) {
			out = append(out, call)
		}
	}
	return out
}

func TestRecordStoreCreatesIndexOnce(t *testing.T) {
	cluster, es := newFakeCluster(t)
	ctx := context.Background()

	_, err := NewRecordStore(ctx, es, "emails", zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = NewRecordStore(ctx, es, "emails", zaptest.NewLogger(t))
	require.NoError(t, err)

	creates := cluster.callsTo(http.MethodPut, "/emails")
	require.Len(t, creates, 1)
	assert.Contains(t, creates[0].Body, `"category":{"type":"keyword"}`)
}

func TestRecordStoreIndexDuplicate(t *testing.T) {
	_, es := newFakeCluster(t)
	ctx := context.Background()
	s, err := NewRecordStore(ctx, es, "emails", zaptest.NewLogger(t))
	require.NoError(t, err)

	record := &core.MailRecord{ID: "r1", Account: "sales@example.com", Category: core.CategorySpam}
	require.NoError(t, s.Index(ctx, record))
	assert.ErrorIs(t, s.Index(ctx, record), core.ErrDuplicateRecord)
}

func TestRecordStoreSearch(t *testing.T) {
	cluster, es := newFakeCluster(t)
	ctx := context.Background()
	s, err := NewRecordStore(ctx, es, "emails", zaptest.NewLogger(t))
	require.NoError(t, err)

	cluster.searchHit = `{"hits":{"total":{"value":12},"hits":[
		{"_id":"r2","_source":{"id":"r2","subject":"Second","category":"Interested"}},
		{"_id":"r1","_source":{"subject":"First","category":"Interested"}}]}}`

	page, err := s.Search(ctx, core.RecordQuery{Category: core.CategoryInterested, Account: "sales@example.com", Page: 2, Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 12, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "r2", page.Records[0].ID)
	assert.Equal(t, "r1", page.Records[1].ID)

	searches := cluster.callsTo(http.MethodPost, "/emails/_search")
	require.Len(t, searches, 1)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(searches[0].Body), &body))
	assert.Equal(t, float64(5), body["from"])
	assert.Equal(t, float64(5), body["size"])
	assert.Contains(t, searches[0].Body, `{"term":{"category":"Interested"}}`)
	assert.Contains(t, searches[0].Body, `{"term":{"account":"sales@example.com"}}`)

	records, err := s.FullTextSearch(ctx, " pricing ")
	require.NoError(t, err)
	assert.Len(t, records, 2)
	searches = cluster.callsTo(http.MethodPost, "/emails/_search")
	require.Len(t, searches, 2)
	assert.Contains(t, searches[1].Body, `"multi_match":{"fields":["from","to","subject","text","html"],"query":"pricing"}`)
}

func TestKnowledgeRepository(t *testing.T) {
	cluster, es := newFakeCluster(t)
	ctx := context.Background()

	repo, err := NewKnowledgeRepository(ctx, es, "knowledge_base", 3, zaptest.NewLogger(t))
	require.NoError(t, err)
	creates := cluster.callsTo(http.MethodPut, "/knowledge_base")
	require.Len(t, creates, 1)
	assert.Contains(t, creates[0].Body, `"dims":3`)

	require.NoError(t, repo.Save(ctx, &core.KnowledgeEntry{ID: "k1", Text: "Pro plan is $10", Embedding: []float32{1, 0, 0}}))

	cluster.searchHit = `{"hits":{"total":{"value":1},"hits":[
		{"_id":"k1","_score":2.0,"_source":{"id":"k1","text":"Pro plan is $10","embedding":[1,0,0]}}]}}`
	entries, err := repo.SearchSimilar(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Pro plan is $10", entries[0].Text)
	assert.Equal(t, []float32{1, 0, 0}, entries[0].Embedding)

	searches := cluster.callsTo(http.MethodPost, "/knowledge_base/_search")
	require.Len(t, searches, 1)
	assert.Contains(t, searches[0].Body, "cosineSimilarity(params.query_vector, 'embedding') + 1.0")
	assert.Contains(t, searches[0].Body, `"size":2`)
}
