package intake

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

// AccountLookup resolves a recipient address to a registered account
type AccountLookup interface {
	Lookup(identity string) (core.AccountConfig, bool)
}

// Submitter queues a raw message for processing
type Submitter interface {
	Submit(ctx context.Context, raw core.RawMessage, account core.AccountConfig) error
}

// SMTPIntake accepts mail delivered over SMTP, for example by an MTA
// forwarding a copy, and routes it into the processing pipeline
type SMTPIntake struct {
	accounts        AccountLookup
	submitter       Submitter
	logger          *zap.Logger
	listenAddr      string
	domain          string
	maxMessageBytes int64
	server          *smtp.Server
}

// NewSMTPIntake creates a new SMTP intake
func NewSMTPIntake(
	accounts AccountLookup,
	submitter Submitter,
	logger *zap.Logger,
	listenAddr string,
	domain string,
	maxMessageBytes int64,
) *SMTPIntake {
	return &SMTPIntake{
		accounts:        accounts,
		submitter:       submitter,
		logger:          logger,
		listenAddr:      listenAddr,
		domain:          domain,
		maxMessageBytes: maxMessageBytes,
	}
}

// Start starts listening in the background
func (f *SMTPIntake) Start() error {
	f.server = f.newServer()

	f.logger.Info("SMTP intake starting", zap.String("address", f.listenAddr))

	go func() {
		if err := f.server.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			f.logger.Error("SMTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop stops the listener
func (f *SMTPIntake) Stop() error {
	if f.server != nil {
		return f.server.Close()
	}
	return nil
}

func (f *SMTPIntake) newServer() *smtp.Server {
	server := smtp.NewServer(&smtpBackend{intake: f})
	server.Addr = f.listenAddr
	server.Domain = f.domain
	server.ReadTimeout = 30 * time.Second
	server.WriteTimeout = 30 * time.Second
	server.MaxMessageBytes = f.maxMessageBytes
	server.MaxRecipients = 50
	return server
}

// deliver hands a received message to the pipeline
func (f *SMTPIntake) deliver(account core.AccountConfig, data []byte) error {
	raw := core.RawMessage{
		Account:      account.Identity(),
		Folder:       core.InboxFolder,
		InternalDate: time.Now(),
		Body:         data,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.submitter.Submit(ctx, raw, account); err != nil {
		return fmt.Errorf("failed to queue message: %w", err)
	}
	return nil
}

// smtpBackend implements the go-smtp Backend interface
type smtpBackend struct {
	intake *SMTPIntake
}

// NewSession creates a new SMTP session
func (b *smtpBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{intake: b.intake}, nil
}

// smtpSession implements the go-smtp Session interface
type smtpSession struct {
	intake  *SMTPIntake
	sender  string
	account *core.AccountConfig
}

// Reset resets the session state
func (s *smtpSession) Reset() {
	s.sender = ""
	s.account = nil
}

// Mail sets the sender address
func (s *smtpSession) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = from
	return nil
}

// Rcpt accepts recipients that belong to a registered account
func (s *smtpSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	identity := strings.ToLower(strings.TrimSpace(to))
	account, ok := s.intake.accounts.Lookup(identity)
	if !ok {
		s.intake.logger.Debug("Rejecting unknown recipient", zap.String("recipient", to))
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such account",
		}
	}
	if s.account == nil {
		s.account = &account
	}
	return nil
}

// Data reads the message and queues it for the first matching account
func (s *smtpSession) Data(r io.Reader) error {
	if s.account == nil {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		s.intake.logger.Error("Failed to read message data", zap.Error(err))
		return err
	}

	if err := s.intake.deliver(*s.account, buf.Bytes()); err != nil {
		s.intake.logger.Error("Failed to deliver message", zap.Error(err))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary processing failure",
		}
	}

	s.intake.logger.Info("Accepted message over SMTP",
		zap.String("sender", s.sender),
		zap.String("account", s.account.Identity()),
		zap.Int("size", buf.Len()))
	return nil
}

// Logout ends the session
func (s *smtpSession) Logout() error {
	return nil
}
