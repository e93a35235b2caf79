package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"
)

// NewClient creates an Elasticsearch client and checks the cluster is reachable
func NewClient(ctx context.Context, addresses []string, username, password string, logger *zap.Logger) (*elasticsearch.Client, error) {
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: addresses,
		Username:  username,
		Password:  password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	res, err := es.Ping(es.Ping.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to ping Elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch ping returned %s", res.Status())
	}

	logger.Info("Connected to Elasticsearch", zap.Strings("addresses", addresses))
	return es, nil
}

// ensureIndex creates index with mapping unless it already exists
func ensureIndex(ctx context.Context, es *elasticsearch.Client, index string, mapping map[string]interface{}, logger *zap.Logger) error {
	res, err := es.Indices.Exists([]string{index}, es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", index, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	body, err := encode(mapping)
	if err != nil {
		return err
	}
	res, err = es.Indices.Create(index,
		es.Indices.Create.WithBody(body),
		es.Indices.Create.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to create index %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg := responseError(res)
		// Another process may have created it concurrently
		if strings.Contains(msg, "resource_already_exists_exception") {
			return nil
		}
		return fmt.Errorf("failed to create index %s: %s", index, msg)
	}

	logger.Info("Created Elasticsearch index", zap.String("index", index))
	return nil
}

func encode(v interface{}) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	return &buf, nil
}

func responseError(res *esapi.Response) string {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Sprintf("%s: %s", res.Status(), strings.TrimSpace(string(body)))
}

type searchResponse[T any] struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []struct {
			ID     string  `json:"_id"`
			Score  float64 `json:"_score"`
			Source T       `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}
