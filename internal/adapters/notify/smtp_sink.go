package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/utils"
	"go.uber.org/zap"
)

// SMTPSink relays a summary mail for each record
type SMTPSink struct {
	address       string
	from          string
	to            []string
	textProcessor *utils.TextProcessor
	logger        *zap.Logger
}

// NewSMTPSink creates a new mail relay sink
func NewSMTPSink(address, from string, to []string, textProcessor *utils.TextProcessor, logger *zap.Logger) *SMTPSink {
	return &SMTPSink{
		address:       address,
		from:          from,
		to:            to,
		textProcessor: textProcessor,
		logger:        logger,
	}
}

// Name implements Sink
func (s *SMTPSink) Name() string { return "smtp" }

// Send implements Sink
func (s *SMTPSink) Send(ctx context.Context, record *core.MailRecord) error {
	if len(s.to) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	msg, err := s.compose(record)
	if err != nil {
		return err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.address, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set connection deadline: %w", err)
		}
	}

	c := smtp.NewClient(conn)
	defer c.Close()

	if err := c.Hello(hostname); err != nil {
		return fmt.Errorf("EHLO failed: %w", err)
	}
	if err := c.Mail(s.from, nil); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}

	recipientOK := false
	for _, recipient := range s.to {
		if err := c.Rcpt(recipient, nil); err != nil {
			s.logger.Warn("RCPT TO failed for recipient",
				zap.String("recipient", recipient),
				zap.Error(err))
			continue
		}
		recipientOK = true
	}
	if !recipientOK {
		return fmt.Errorf("all recipients were rejected")
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA command failed: %w", err)
	}
	if _, err := wc.Write(msg); err != nil {
		wc.Close()
		return fmt.Errorf("failed to send email data: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	if err := c.Quit(); err != nil {
		s.logger.Debug("QUIT command failed", zap.Error(err))
	}
	return nil
}

func (s *SMTPSink) compose(record *core.MailRecord) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(fmt.Sprintf("[%s] %s", record.Category, record.Subject))
	h.SetAddressList("From", []*mail.Address{{Address: s.from}})
	to := make([]*mail.Address, len(s.to))
	for i, addr := range s.to {
		to[i] = &mail.Address{Address: addr}
	}
	h.SetAddressList("To", to)
	h.Set("Content-Type", "text/plain; charset=utf-8")

	var body strings.Builder
	fmt.Fprintf(&body, "Account: %s\nFrom: %s\nSubject: %s\nCategory: %s\n\n", record.Account, record.From, record.Subject, record.Category)
	body.WriteString(s.textProcessor.Preview(record.Text, slackPreviewRunes))
	if record.SuggestedReply != "" {
		body.WriteString("\n\n--- Suggested reply ---\n")
		body.WriteString(record.SuggestedReply)
	}
	body.WriteString("\n")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := w.Write([]byte(body.String())); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}
