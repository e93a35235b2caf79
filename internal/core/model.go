package core

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// InboxFolder is the only mailbox the pipeline ingests
const InboxFolder = "INBOX"

// recordNamespace seeds the deterministic record IDs
var recordNamespace = uuid.MustParse("6f1c5a2e-8d0b-4a55-9c3e-2b7d9e4f1a60")

// AccountConfig describes one registered mailbox
type AccountConfig struct {
	User     string `json:"user" mapstructure:"user"`
	Password string `json:"password" mapstructure:"password"`
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	TLS      bool   `json:"tls" mapstructure:"tls"`
}

// Identity returns the key that uniquely identifies the account
func (c AccountConfig) Identity() string {
	return NormalizeAccount(c.User)
}

// NormalizeAccount folds an address the way records are keyed by account
func NormalizeAccount(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}

// Address returns the host:port pair used to dial the server
func (c AccountConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks that all required fields are present
func (c AccountConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.User) == "" {
		missing = append(missing, "user")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be between 1 and 65535, got %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// RawMessage is a message as fetched from the mail server
type RawMessage struct {
	Account      string
	Folder       string
	UID          uint32
	UIDValidity  uint32
	InternalDate time.Time
	Body         []byte
}

// ParsedMessage holds the structured fields extracted from a raw message
type ParsedMessage struct {
	MessageID string
	From      string
	To        string
	Subject   string
	Text      string
	HTML      string
	Date      time.Time
}

// MailRecord is the enriched, persisted form of an inbound message
type MailRecord struct {
	ID             string    `json:"id"`
	Account        string    `json:"account"`
	MessageID      string    `json:"messageId,omitempty"`
	UID            uint32    `json:"uid,omitempty"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Subject        string    `json:"subject"`
	Text           string    `json:"text"`
	HTML           string    `json:"html"`
	Date           time.Time `json:"date"`
	Folder         string    `json:"folder"`
	Category       Category  `json:"category"`
	SuggestedReply string    `json:"suggestedReply"`
	ProcessedAt    time.Time `json:"processedAt"`
}

// KnowledgeEntry is a snippet of reply guidance with its embedding
type KnowledgeEntry struct {
	ID        string    `json:"id" db:"id"`
	Text      string    `json:"text" db:"text"`
	Embedding []float32 `json:"embedding" db:"-"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// RecordQuery filters and paginates stored records.
// Empty string fields are not applied.
type RecordQuery struct {
	Account  string
	Folder   string
	Category Category
	Page     int
	Limit    int
}

// Offset returns the number of records to skip for the requested page.
// It saturates at math.MaxInt32 instead of overflowing.
func (q RecordQuery) Offset() int {
	page := q.Page
	if page < 1 {
		page = 1
	}
	if q.Limit <= 0 {
		return 0
	}
	if page-1 > math.MaxInt32/q.Limit {
		return math.MaxInt32
	}
	return (page - 1) * q.Limit
}

// RecordPage is one page of query results
type RecordPage struct {
	Records []MailRecord `json:"emails"`
	Total   int          `json:"total"`
	Page    int          `json:"page"`
	Limit   int          `json:"limit"`
	HasMore bool         `json:"hasMore"`
}

// NewRecordPage builds a page and computes whether more results remain
func NewRecordPage(records []MailRecord, total int, q RecordQuery) *RecordPage {
	if records == nil {
		records = []MailRecord{}
	}
	return &RecordPage{
		Records: records,
		Total:   total,
		Page:    q.Page,
		Limit:   q.Limit,
		HasMore: q.Offset()+q.Limit < total,
	}
}

// DedupKey derives the stable record ID for a message.
// The Message-ID header is preferred; without one, the mailbox position
// and date identify the message within its UIDVALIDITY epoch.
func DedupKey(account string, raw RawMessage, parsed *ParsedMessage) string {
	var id string
	if parsed != nil {
		id = normalizeMessageID(parsed.MessageID)
	}
	if id == "" {
		var date time.Time
		if parsed != nil && !parsed.Date.IsZero() {
			date = parsed.Date
		} else {
			date = raw.InternalDate
		}
		id = fmt.Sprintf("%s/%d/%d/%d", raw.Folder, raw.UIDValidity, raw.UID, date.Unix())
	}
	name := strings.ToLower(strings.TrimSpace(account)) + "\x00" + id
	return uuid.NewSHA1(recordNamespace, []byte(name)).String()
}

func normalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.ToLower(id)
}

// LedgerEntry records that a dedup key has been fully processed
type LedgerEntry struct {
	Key       string
	Account   string
	Category  Category
	SeenAt    time.Time
	ExpiresAt time.Time
}
