package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

const knowledgeSchema = `
CREATE TABLE IF NOT EXISTS knowledge_base (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	embedding TEXT NOT NULL,
	created_unix INTEGER NOT NULL
)`

type knowledgeRow struct {
	ID          string `db:"id"`
	Text        string `db:"text"`
	Embedding   string `db:"embedding"`
	CreatedUnix int64  `db:"created_unix"`
}

// SQLiteRepository persists knowledge entries with JSON encoded vectors
type SQLiteRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLiteRepository opens or creates the database at dbPath
func NewSQLiteRepository(dbPath string, logger *zap.Logger) (*SQLiteRepository, error) {
	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(knowledgeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create knowledge schema: %w", err)
	}
	return &SQLiteRepository{db: db, logger: logger}, nil
}

// Save stores an entry
func (r *SQLiteRepository) Save(ctx context.Context, entry *core.KnowledgeEntry) error {
	vector, err := json.Marshal(entry.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO knowledge_base (id, text, embedding, created_unix)
		VALUES (:id, :text, :embedding, :created_unix)`,
		knowledgeRow{
			ID:          entry.ID,
			Text:        entry.Text,
			Embedding:   string(vector),
			CreatedUnix: entry.CreatedAt.UnixNano(),
		})
	if err != nil {
		return fmt.Errorf("failed to insert knowledge entry: %w", err)
	}
	return nil
}

// All returns every entry. Rows with unreadable vectors are skipped.
func (r *SQLiteRepository) All(ctx context.Context) ([]core.KnowledgeEntry, error) {
	var rows []knowledgeRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, text, embedding, created_unix FROM knowledge_base`); err != nil {
		return nil, fmt.Errorf("failed to load knowledge entries: %w", err)
	}

	entries := make([]core.KnowledgeEntry, 0, len(rows))
	for _, row := range rows {
		var vector []float32
		if err := json.Unmarshal([]byte(row.Embedding), &vector); err != nil {
			r.logger.Warn("Skipping knowledge entry with invalid embedding",
				zap.String("id", row.ID),
				zap.Error(err))
			continue
		}
		entries = append(entries, core.KnowledgeEntry{
			ID:        row.ID,
			Text:      row.Text,
			Embedding: vector,
			CreatedAt: time.Unix(0, row.CreatedUnix).UTC(),
		})
	}
	return entries, nil
}

// Close closes the database
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
