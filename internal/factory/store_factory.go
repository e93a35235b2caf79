package factory

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/mikey/mail-onebox/internal/adapters/elastic"
	"github.com/mikey/mail-onebox/internal/adapters/knowledge"
	"github.com/mikey/mail-onebox/internal/adapters/store"
	"github.com/mikey/mail-onebox/internal/config"
	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

const dimensionSample = "dimension sample"

// StoreFactory creates record stores and knowledge repositories based on configuration
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.Mutex
	es      *elasticsearch.Client
	closers []io.Closer
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateRecordStore creates the record store named by store.type
func (f *StoreFactory) CreateRecordStore(ctx context.Context) (core.RecordStore, error) {
	storeType := f.cfg.GetString("store.type")

	switch storeType {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(f.cfg.GetString("store.sqlite_path"), f.logger)
		if err != nil {
			return nil, err
		}
		f.track(s)
		return s, nil
	case "elasticsearch":
		es, err := f.elastic(ctx)
		if err != nil {
			return nil, err
		}
		return elastic.NewRecordStore(ctx, es, f.cfg.GetElasticsearch().EmailIndex, f.logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", storeType)
	}
}

// CreateKnowledgeRepository creates the repository named by knowledge.type.
// The Elasticsearch mapping needs the vector size, so one embedding is
// requested up front.
func (f *StoreFactory) CreateKnowledgeRepository(ctx context.Context, embedder core.Embedder) (core.KnowledgeRepository, error) {
	knowledgeType := f.cfg.GetString("knowledge.type")

	switch knowledgeType {
	case "memory":
		return knowledge.NewMemoryRepository(), nil
	case "sqlite":
		path := f.cfg.GetString("knowledge.sqlite_path")
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		r, err := knowledge.NewSQLiteRepository(path, f.logger)
		if err != nil {
			return nil, err
		}
		f.track(r)
		return r, nil
	case "elasticsearch":
		vector, err := embedder.Embed(ctx, dimensionSample)
		if err != nil {
			return nil, fmt.Errorf("failed to detect embedding dimensions: %w", err)
		}
		es, err := f.elastic(ctx)
		if err != nil {
			return nil, err
		}
		f.logger.Info("Detected embedding dimensions", zap.Int("dims", len(vector)))
		return elastic.NewKnowledgeRepository(ctx, es, f.cfg.GetElasticsearch().KnowledgeIndex, len(vector), f.logger)
	default:
		return nil, fmt.Errorf("unsupported knowledge type: %s", knowledgeType)
	}
}

// Close closes every database opened by the factory
func (f *StoreFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil
	return firstErr
}

func (f *StoreFactory) elastic(ctx context.Context) (*elasticsearch.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.es != nil {
		return f.es, nil
	}
	esCfg := f.cfg.GetElasticsearch()
	es, err := elastic.NewClient(ctx, esCfg.Addresses, esCfg.Username, esCfg.Password, f.logger)
	if err != nil {
		return nil, err
	}
	f.es = es
	return es, nil
}

func (f *StoreFactory) track(c io.Closer) {
	f.mu.Lock()
	f.closers = append(f.closers, c)
	f.mu.Unlock()
}

// ensureDir creates the parent directory of a SQLite file path
func ensureDir(path string) error {
	if path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create SQLite directory: %w", err)
	}
	return nil
}
