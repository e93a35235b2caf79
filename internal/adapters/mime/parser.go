package mime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

// Parser extracts headers and text bodies from RFC 5322 messages
type Parser struct {
	logger      *zap.Logger
	maxPartSize int64
}

// NewParser creates a new message parser
func NewParser(logger *zap.Logger, maxPartSize int64) *Parser {
	return &Parser{
		logger:      logger,
		maxPartSize: maxPartSize,
	}
}

// Parse decodes body into a ParsedMessage. Attachments are ignored and
// every text/plain and text/html part is concatenated in order.
func (p *Parser) Parse(body []byte) (*core.ParsedMessage, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty message", core.ErrParse)
	}

	mr, err := mail.CreateReader(bytes.NewReader(body))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %w", core.ErrParse, err)
	}
	if mr == nil {
		return nil, fmt.Errorf("%w: no reader", core.ErrParse)
	}
	defer mr.Close()

	parsed := &core.ParsedMessage{}
	p.readHeader(&mr.Header, parsed)

	var text, html strings.Builder
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				p.logger.Debug("Unknown charset in part", zap.Error(err))
				continue
			}
			if text.Len() > 0 || html.Len() > 0 {
				p.logger.Debug("Stopped reading parts early", zap.Error(err))
				break
			}
			return nil, fmt.Errorf("%w: %w", core.ErrParse, err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := h.ContentType()
		if err != nil {
			contentType = "text/plain"
		}

		var target *strings.Builder
		switch strings.ToLower(contentType) {
		case "text/plain":
			target = &text
		case "text/html":
			target = &html
		default:
			continue
		}

		reader := io.Reader(part.Body)
		if p.maxPartSize > 0 {
			reader = io.LimitReader(reader, p.maxPartSize)
		}
		content, err := io.ReadAll(reader)
		if err != nil {
			p.logger.Debug("Failed to read part", zap.String("content_type", contentType), zap.Error(err))
			continue
		}
		if target.Len() > 0 {
			target.WriteString("\n")
		}
		target.Write(content)
	}

	parsed.Text = strings.TrimSpace(text.String())
	parsed.HTML = strings.TrimSpace(html.String())
	return parsed, nil
}

func (p *Parser) readHeader(h *mail.Header, parsed *core.ParsedMessage) {
	if id, err := h.MessageID(); err == nil {
		parsed.MessageID = id
	} else {
		parsed.MessageID = strings.Trim(strings.TrimSpace(h.Get("Message-Id")), "<>")
	}

	parsed.From = formatAddresses(h, "From")
	parsed.To = formatAddresses(h, "To")

	if subject, err := h.Subject(); err == nil {
		parsed.Subject = subject
	} else {
		parsed.Subject = h.Get("Subject")
	}

	if date, err := h.Date(); err == nil {
		parsed.Date = date
	}
}

// formatAddresses renders an address header as "Name <addr>, addr"
func formatAddresses(h *mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err != nil || len(list) == 0 {
		return strings.TrimSpace(h.Get(key))
	}
	out := make([]string, len(list))
	for i, addr := range list {
		if addr.Name != "" {
			out[i] = fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
		} else {
			out[i] = addr.Address
		}
	}
	return strings.Join(out, ", ")
}
