package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/utils"
)

// slackPreviewRunes is how much body text a Slack message carries
const slackPreviewRunes = 500

// SlackSink posts a blocks message to a Slack incoming webhook
type SlackSink struct {
	url           string
	client        *http.Client
	textProcessor *utils.TextProcessor
}

// NewSlackSink creates a new Slack sink
func NewSlackSink(url string, client *http.Client, textProcessor *utils.TextProcessor) *SlackSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackSink{url: url, client: client, textProcessor: textProcessor}
}

// Name implements Sink
func (s *SlackSink) Name() string { return "slack" }

// Send implements Sink
func (s *SlackSink) Send(ctx context.Context, record *core.MailRecord) error {
	body := record.Text
	if body == "" && record.HTML != "" {
		body = s.textProcessor.HTMLToText(record.HTML)
	}

	text := fmt.Sprintf("*New %s Email*\n*From:* %s\n*Subject:* %s\n\n%s",
		record.Category,
		record.From,
		record.Subject,
		s.textProcessor.Preview(body, slackPreviewRunes))

	payload := map[string]interface{}{
		"text": fmt.Sprintf("New %s email from %s", record.Category, record.From),
		"blocks": []interface{}{
			map[string]interface{}{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": text,
				},
			},
		},
	}
	return postJSON(ctx, s.client, s.url, payload)
}

// WebhookSink posts the record as JSON to a generic endpoint
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a new webhook sink
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookSink{url: url, client: client}
}

// Name implements Sink
func (s *WebhookSink) Name() string { return "webhook" }

// Send implements Sink
func (s *WebhookSink) Send(ctx context.Context, record *core.MailRecord) error {
	return postJSON(ctx, s.client, s.url, record)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint returned %s", resp.Status)
	}
	return nil
}
