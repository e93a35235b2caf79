package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func testRecord() *core.MailRecord {
	return &core.MailRecord{
		ID:             "rec-1",
		Account:        "sales@example.com",
		From:           "ann@example.com",
		Subject:        "Pricing",
		Text:           "What does the pro plan cost?",
		Category:       core.CategoryInterested,
		SuggestedReply: "It is $10 a month.",
	}
}

// captureServer records every JSON body posted to it
type captureServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies [][]byte
}

func newCaptureServer(t *testing.T, status int) *captureServer {
	c := &captureServer{}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.mu.Unlock()
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(status)
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *captureServer) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.bodies...)
}

func TestNotifierSinkFailureDoesNotBlockOthers(t *testing.T) {
	observed, logs := observer.New(zap.WarnLevel)
	logger := zap.New(observed)
	tp := utils.NewTextProcessor(logger)
	slack := newCaptureServer(t, http.StatusInternalServerError)
	webhook := newCaptureServer(t, http.StatusOK)

	n := NewNotifier([]Route{
		{Sink: NewSlackSink(slack.URL, slack.Client(), tp)},
		{Sink: NewWebhookSink(webhook.URL, webhook.Client())},
	}, time.Second, logger)

	n.Dispatch(context.Background(), testRecord())

	require.Len(t, slack.received(), 1)
	require.Len(t, webhook.received(), 1)

	var got core.MailRecord
	require.NoError(t, json.Unmarshal(webhook.received()[0], &got))
	assert.Equal(t, "rec-1", got.ID)
	assert.Equal(t, core.CategoryInterested, got.Category)
	assert.Equal(t, "It is $10 a month.", got.SuggestedReply)

	failures := logs.FilterMessage("Failed to deliver notification").All()
	require.Len(t, failures, 1)
	assert.Equal(t, "slack", failures[0].ContextMap()["sink"])
}

func TestNotifierRoutesByCategory(t *testing.T) {
	logger := zaptest.NewLogger(t)
	interested := newCaptureServer(t, http.StatusOK)
	everything := newCaptureServer(t, http.StatusOK)

	n := NewNotifier([]Route{
		{Sink: NewWebhookSink(interested.URL, nil), Categories: []core.Category{core.CategoryInterested}},
		{Sink: NewWebhookSink(everything.URL, nil)},
	}, time.Second, logger)

	spam := testRecord()
	spam.Category = core.CategorySpam
	n.Dispatch(context.Background(), spam)
	n.Dispatch(context.Background(), testRecord())

	assert.Len(t, interested.received(), 1)
	assert.Len(t, everything.received(), 2)
	assert.Equal(t, []string{"webhook", "webhook"}, n.Sinks())
}

func TestSlackPayload(t *testing.T) {
	logger := zaptest.NewLogger(t)
	slack := newCaptureServer(t, http.StatusOK)
	sink := NewSlackSink(slack.URL, nil, utils.NewTextProcessor(logger))

	record := testRecord()
	record.Text = ""
	record.HTML = "<p>HTML <b>only</b></p>"
	require.NoError(t, sink.Send(context.Background(), record))

	var payload struct {
		Text   string `json:"text"`
		Blocks []struct {
			Type string `json:"type"`
			Text struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"text"`
		} `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(slack.received()[0], &payload))

	assert.Equal(t, "New Interested email from ann@example.com", payload.Text)
	require.Len(t, payload.Blocks, 1)
	assert.Equal(t, "mrkdwn", payload.Blocks[0].Text.Type)
	assert.Contains(t, payload.Blocks[0].Text.Text, "*Subject:* Pricing")
	assert.Contains(t, payload.Blocks[0].Text.Text, "HTML only")
}

func TestWebhookNon2xxIsError(t *testing.T) {
	server := newCaptureServer(t, http.StatusBadGateway)
	err := NewWebhookSink(server.URL, nil).Send(context.Background(), testRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

type relayBackend struct {
	mu   sync.Mutex
	rcpt []string
	data bytes.Buffer
}

func (b *relayBackend) NewSession(*smtp.Conn) (smtp.Session, error) { return &relaySession{b: b}, nil }

type relaySession struct{ b *relayBackend }

func (s *relaySession) Reset()                               {}
func (s *relaySession) Logout() error                        { return nil }
func (s *relaySession) Mail(string, *smtp.MailOptions) error { return nil }
func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if to == "blocked@example.com" {
		return &smtp.SMTPError{Code: 550, Message: "blocked"}
	}
	s.b.mu.Lock()
	s.b.rcpt = append(s.b.rcpt, to)
	s.b.mu.Unlock()
	return nil
}
func (s *relaySession) Data(r io.Reader) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	_, err := io.Copy(&s.b.data, r)
	return err
}

func TestSMTPSinkRelaysSummary(t *testing.T) {
	logger := zaptest.NewLogger(t)
	backend := &relayBackend{}
	server := smtp.NewServer(backend)
	server.Domain = "localhost"

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = server.Serve(l) }()
	t.Cleanup(func() { _ = server.Close() })

	sink := NewSMTPSink(l.Addr().String(), "onebox@example.com",
		[]string{"blocked@example.com", "team@example.com"}, utils.NewTextProcessor(logger), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sink.Send(ctx, testRecord()))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []string{"team@example.com"}, backend.rcpt)
	msg := backend.data.String()
	assert.Contains(t, msg, "Subject: [Interested] Pricing")
	assert.Contains(t, msg, "Account: sales@example.com")
	assert.Contains(t, msg, "--- Suggested reply ---")
}

func TestSMTPSinkWithoutRecipients(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sink := NewSMTPSink("127.0.0.1:1", "onebox@example.com", nil, utils.NewTextProcessor(logger), logger)
	assert.Error(t, sink.Send(context.Background(), testRecord()))
}
