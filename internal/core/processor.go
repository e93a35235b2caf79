package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mikey/mail-onebox/internal/utils"
	"go.uber.org/zap"
)

// NoContextPlaceholder is passed to the drafter when retrieval finds nothing
const NoContextPlaceholder = "No specific instructions found."

// DomainMatcher reports whether a sender belongs to a configured domain list
type DomainMatcher interface {
	Matches(from string) bool
}

// MessageProcessor turns raw messages into enriched, stored and announced records
type MessageProcessor struct {
	parser         MessageParser
	classifier     Classifier
	drafter        Drafter
	knowledge      *KnowledgeService
	store          RecordStore
	ledger         SeenLedger
	notifier       RecordNotifier
	textProcessor  *utils.TextProcessor
	logger         *zap.Logger
	ledgerTTL      time.Duration
	maxBodySize    int
	skipCategories map[Category]bool
	skipDomains    DomainMatcher

	mu       sync.Mutex
	inFlight map[string]struct{}
	now      func() time.Time
}

// NewMessageProcessor creates a new message processor.
// ledger and skipDomains may be nil.
func NewMessageProcessor(
	parser MessageParser,
	classifier Classifier,
	drafter Drafter,
	knowledge *KnowledgeService,
	store RecordStore,
	ledger SeenLedger,
	notifier RecordNotifier,
	textProcessor *utils.TextProcessor,
	logger *zap.Logger,
	ledgerTTL time.Duration,
	maxBodySize int,
	skipCategories []Category,
	skipDomains DomainMatcher,
) *MessageProcessor {
	skip := make(map[Category]bool, len(skipCategories))
	for _, c := range skipCategories {
		skip[c] = true
	}
	return &MessageProcessor{
		parser:         parser,
		classifier:     classifier,
		drafter:        drafter,
		knowledge:      knowledge,
		store:          store,
		ledger:         ledger,
		notifier:       notifier,
		textProcessor:  textProcessor,
		logger:         logger,
		ledgerTTL:      ledgerTTL,
		maxBodySize:    maxBodySize,
		skipCategories: skip,
		skipDomains:    skipDomains,
		inFlight:       make(map[string]struct{}),
		now:            time.Now,
	}
}

// Process parses, enriches, stores and announces a single message.
// Duplicates return an error wrapping ErrDuplicateMessage and are not announced.
func (p *MessageProcessor) Process(ctx context.Context, raw RawMessage, account AccountConfig) (*MailRecord, error) {
	logger := p.logger.With(
		zap.String("account", account.Identity()),
		zap.Uint32("uid", raw.UID))

	// Parse
	parsed, err := p.parser.Parse(raw.Body)
	if err != nil {
		logger.Warn("Skipping unparseable message", zap.Error(err))
		if errors.Is(err, ErrParse) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}

	// Dedup against in-flight work and the seen-ledger
	key := DedupKey(account.Identity(), raw, parsed)
	if !p.acquire(key) {
		logger.Debug("Message already in flight", zap.String("id", key))
		return nil, fmt.Errorf("%w: %s in flight", ErrDuplicateMessage, key)
	}
	defer p.release(key)

	if p.ledger != nil {
		if _, err := p.ledger.Get(ctx, key); err == nil {
			logger.Debug("Message already seen", zap.String("id", key))
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMessage, key)
		}
	}

	record := &MailRecord{
		ID:          key,
		Account:     account.Identity(),
		MessageID:   parsed.MessageID,
		UID:         raw.UID,
		From:        parsed.From,
		To:          parsed.To,
		Subject:     parsed.Subject,
		Text:        parsed.Text,
		HTML:        parsed.HTML,
		Date:        parsed.Date,
		Folder:      raw.Folder,
		Category:    CategoryNone,
		ProcessedAt: p.now(),
	}
	if record.Folder == "" {
		record.Folder = InboxFolder
	}
	if record.Date.IsZero() {
		record.Date = raw.InternalDate
	}

	body := p.bodyText(parsed)

	// Classify
	record.Category = p.classify(ctx, logger, body)

	// Retrieve and draft
	if p.shouldDraft(record) {
		knowledgeContext := p.retrieve(ctx, logger, body)
		reply, err := p.drafter.Draft(ctx, body, knowledgeContext)
		if err != nil {
			logger.Warn("Failed to draft reply", zap.Error(err))
			reply = ""
		}
		record.SuggestedReply = strings.TrimSpace(reply)
	} else {
		logger.Debug("Skipping draft by policy",
			zap.String("category", string(record.Category)),
			zap.String("sender", record.From))
	}

	// Index
	indexed := true
	if err := p.store.Index(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			logger.Debug("Record already indexed", zap.String("id", key))
			return nil, fmt.Errorf("%w: %w", ErrDuplicateMessage, err)
		}
		indexed = false
		logger.Error("Failed to index record", zap.String("id", key), zap.Error(err))
	}

	// Mark
	if indexed && p.ledger != nil {
		entry := &LedgerEntry{
			Key:       key,
			Account:   record.Account,
			Category:  record.Category,
			SeenAt:    record.ProcessedAt,
			ExpiresAt: record.ProcessedAt.Add(p.ledgerTTL),
		}
		if err := p.ledger.Set(ctx, entry); err != nil {
			logger.Error("Failed to update seen ledger", zap.Error(err))
		}
	}

	// Notify
	p.notifier.Dispatch(ctx, record)

	logger.Info("Processed message",
		zap.String("id", key),
		zap.String("subject", record.Subject),
		zap.String("category", string(record.Category)),
		zap.Bool("drafted", record.SuggestedReply != ""))

	return record, nil
}

func (p *MessageProcessor) classify(ctx context.Context, logger *zap.Logger, body string) Category {
	if strings.TrimSpace(body) == "" {
		return CategoryNone
	}
	category, err := p.classifier.Classify(ctx, body)
	if err != nil {
		logger.Warn("Failed to classify message", zap.Error(err))
		return CategoryNone
	}
	if !category.Valid() {
		logger.Warn("Classifier returned unknown category", zap.String("category", string(category)))
		return CategoryNone
	}
	return category
}

func (p *MessageProcessor) retrieve(ctx context.Context, logger *zap.Logger, body string) string {
	if p.knowledge == nil {
		return NoContextPlaceholder
	}
	texts, err := p.knowledge.Query(ctx, body, 1)
	if err != nil {
		logger.Warn("Failed to query knowledge", zap.Error(err))
		return NoContextPlaceholder
	}
	if len(texts) == 0 {
		return NoContextPlaceholder
	}
	return strings.Join(texts, "\n")
}

func (p *MessageProcessor) shouldDraft(record *MailRecord) bool {
	if p.skipCategories[record.Category] {
		return false
	}
	if p.skipDomains != nil && p.skipDomains.Matches(record.From) {
		return false
	}
	return true
}

func (p *MessageProcessor) bodyText(parsed *ParsedMessage) string {
	return MessageBody(p.textProcessor, parsed, p.maxBodySize)
}

// MessageBody picks the text sent to the language model. HTML is only
// used when the message has no plain text part.
func MessageBody(tp *utils.TextProcessor, parsed *ParsedMessage, maxSize int) string {
	text := parsed.Text
	if strings.TrimSpace(text) == "" && parsed.HTML != "" {
		text = tp.HTMLToText(parsed.HTML)
	}
	return tp.ProcessText(text, maxSize)
}

func (p *MessageProcessor) acquire(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[key]; ok {
		return false
	}
	p.inFlight[key] = struct{}{}
	return true
}

func (p *MessageProcessor) release(key string) {
	p.mu.Lock()
	delete(p.inFlight, key)
	p.mu.Unlock()
}
