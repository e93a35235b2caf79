package factory

import (
	"fmt"
	"net/http"

	"github.com/mikey/mail-onebox/internal/adapters/notify"
	"github.com/mikey/mail-onebox/internal/config"
	"github.com/mikey/mail-onebox/internal/utils"
	"go.uber.org/zap"
)

// NotifyFactory creates the notifier and its sinks based on configuration
type NotifyFactory struct {
	cfg           *config.Config
	logger        *zap.Logger
	textProcessor *utils.TextProcessor
}

// NewNotifyFactory creates a new notify factory
func NewNotifyFactory(cfg *config.Config, logger *zap.Logger, textProcessor *utils.TextProcessor) *NotifyFactory {
	return &NotifyFactory{
		cfg:           cfg,
		logger:        logger,
		textProcessor: textProcessor,
	}
}

// CreateNotifier creates a notifier with every enabled sink
func (f *NotifyFactory) CreateNotifier() (*notify.Notifier, error) {
	nc, err := f.cfg.GetNotify()
	if err != nil {
		return nil, fmt.Errorf("invalid notify config: %w", err)
	}

	client := &http.Client{Timeout: nc.Timeout}

	var routes []notify.Route
	if nc.Slack.Enabled {
		if nc.Slack.URL == "" {
			return nil, fmt.Errorf("notify.slack.webhook_url is required when slack is enabled")
		}
		routes = append(routes, notify.Route{
			Sink:       notify.NewSlackSink(nc.Slack.URL, client, f.textProcessor),
			Categories: nc.Slack.Categories,
		})
	}
	if nc.Webhook.Enabled {
		if nc.Webhook.URL == "" {
			return nil, fmt.Errorf("notify.webhook.url is required when the webhook is enabled")
		}
		routes = append(routes, notify.Route{
			Sink:       notify.NewWebhookSink(nc.Webhook.URL, client),
			Categories: nc.Webhook.Categories,
		})
	}
	if nc.SMTP.Enabled {
		routes = append(routes, notify.Route{
			Sink:       notify.NewSMTPSink(nc.SMTP.Address, nc.SMTP.From, nc.SMTP.To, f.textProcessor, f.logger),
			Categories: nc.SMTP.Categories,
		})
	}

	notifier := notify.NewNotifier(routes, nc.Timeout, f.logger)
	f.logger.Info("Created notifier", zap.Strings("sinks", notifier.Sinks()))
	return notifier, nil
}
