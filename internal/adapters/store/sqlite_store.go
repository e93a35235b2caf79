package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

const emailSchema = `
CREATE TABLE IF NOT EXISTS emails (
	id TEXT PRIMARY KEY,
	account TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	uid INTEGER NOT NULL DEFAULT 0,
	sender TEXT NOT NULL DEFAULT '',
	recipients TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	body_text TEXT NOT NULL DEFAULT '',
	body_html TEXT NOT NULL DEFAULT '',
	date_unix INTEGER NOT NULL,
	date_nsec INTEGER NOT NULL DEFAULT 0,
	folder TEXT NOT NULL,
	category TEXT NOT NULL,
	suggested_reply TEXT NOT NULL DEFAULT '',
	processed_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_emails_account_date ON emails(account, date_unix DESC, date_nsec DESC);
CREATE INDEX IF NOT EXISTS idx_emails_category ON emails(category);
`

type emailRow struct {
	ID             string `db:"id"`
	Account        string `db:"account"`
	MessageID      string `db:"message_id"`
	UID            uint32 `db:"uid"`
	From           string `db:"sender"`
	To             string `db:"recipients"`
	Subject        string `db:"subject"`
	Text           string `db:"body_text"`
	HTML           string `db:"body_html"`
	DateUnix       int64  `db:"date_unix"`
	DateNsec       int64  `db:"date_nsec"`
	Folder         string `db:"folder"`
	Category       string `db:"category"`
	SuggestedReply string `db:"suggested_reply"`
	ProcessedUnix  int64  `db:"processed_unix"`
}

// SQLiteStore persists records in SQLite
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSQLiteStore opens or creates the database at dbPath
func NewSQLiteStore(dbPath string, logger *zap.Logger) (*SQLiteStore, error) {
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(emailSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create email schema: %w", err)
	}

	logger.Info("Opened record store", zap.String("path", dbPath))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Index inserts a record. An existing ID yields core.ErrDuplicateRecord.
func (s *SQLiteStore) Index(ctx context.Context, record *core.MailRecord) error {
	result, err := s.db.NamedExecContext(ctx, `
		INSERT OR IGNORE INTO emails (
			id, account, message_id, uid, sender, recipients, subject,
			body_text, body_html, date_unix, date_nsec, folder, category, suggested_reply, processed_unix
		) VALUES (
			:id, :account, :message_id, :uid, :sender, :recipients, :subject,
			:body_text, :body_html, :date_unix, :date_nsec, :folder, :category, :suggested_reply, :processed_unix
		)`, toRow(record))
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 0 {
		return core.ErrDuplicateRecord
	}
	return nil
}

// Search filters, sorts by date descending and paginates
func (s *SQLiteStore) Search(ctx context.Context, q core.RecordQuery) (*core.RecordPage, error) {
	var where []string
	var args []interface{}
	if account := core.NormalizeAccount(q.Account); account != "" {
		where = append(where, "account = ?")
		args = append(args, account)
	}
	if q.Folder != "" {
		where = append(where, "folder = ?")
		args = append(args, q.Folder)
	}
	if q.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(q.Category))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM emails"+clause, args...); err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	var rows []emailRow
	query := "SELECT * FROM emails" + clause + " ORDER BY date_unix DESC, date_nsec DESC, id ASC LIMIT ? OFFSET ?"
	if err := s.db.SelectContext(ctx, &rows, query, append(args, q.Limit, q.Offset())...); err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}

	return core.NewRecordPage(fromRows(rows), total, q), nil
}

// FullTextSearch matches q against the address, subject and body columns
func (s *SQLiteStore) FullTextSearch(ctx context.Context, q string) ([]core.MailRecord, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(q)) + "%"

	var rows []emailRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM emails
		WHERE sender LIKE ? ESCAPE '\' OR recipients LIKE ? ESCAPE '\' OR subject LIKE ? ESCAPE '\'
			OR body_text LIKE ? ESCAPE '\' OR body_html LIKE ? ESCAPE '\'
		ORDER BY date_unix DESC, date_nsec DESC, id ASC
		LIMIT ?`, pattern, pattern, pattern, pattern, pattern, MaxSearchResults)
	if err != nil {
		return nil, fmt.Errorf("failed to search records: %w", err)
	}
	return fromRows(rows), nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func toRow(r *core.MailRecord) emailRow {
	return emailRow{
		ID:             r.ID,
		Account:        r.Account,
		MessageID:      r.MessageID,
		UID:            r.UID,
		From:           r.From,
		To:             r.To,
		Subject:        r.Subject,
		Text:           r.Text,
		HTML:           r.HTML,
		DateUnix:       r.Date.Unix(),
		DateNsec:       int64(r.Date.Nanosecond()),
		Folder:         r.Folder,
		Category:       string(r.Category),
		SuggestedReply: r.SuggestedReply,
		ProcessedUnix:  r.ProcessedAt.UnixNano(),
	}
}

func fromRows(rows []emailRow) []core.MailRecord {
	records := make([]core.MailRecord, len(rows))
	for i, row := range rows {
		records[i] = core.MailRecord{
			ID:             row.ID,
			Account:        row.Account,
			MessageID:      row.MessageID,
			UID:            row.UID,
			From:           row.From,
			To:             row.To,
			Subject:        row.Subject,
			Text:           row.Text,
			HTML:           row.HTML,
			Date:           time.Unix(row.DateUnix, row.DateNsec).UTC(),
			Folder:         row.Folder,
			Category:       core.Category(row.Category),
			SuggestedReply: row.SuggestedReply,
			ProcessedAt:    time.Unix(0, row.ProcessedUnix).UTC(),
		}
	}
	return records
}
