package notify

import (
	"context"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink delivers a record to one downstream destination
type Sink interface {
	// Name identifies the sink in logs
	Name() string

	// Send delivers the record
	Send(ctx context.Context, record *core.MailRecord) error
}

// Route pairs a sink with the categories it accepts.
// An empty category list accepts every category.
type Route struct {
	Sink       Sink
	Categories []core.Category
}

func (r Route) accepts(category core.Category) bool {
	if len(r.Categories) == 0 {
		return true
	}
	for _, c := range r.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Notifier fans a record out to every matching sink
type Notifier struct {
	routes  []Route
	timeout time.Duration
	logger  *zap.Logger
}

// NewNotifier creates a new notifier
func NewNotifier(routes []Route, timeout time.Duration, logger *zap.Logger) *Notifier {
	return &Notifier{
		routes:  routes,
		timeout: timeout,
		logger:  logger,
	}
}

// Dispatch sends record to every matching sink concurrently and waits for
// all attempts. Sink failures are logged and never returned.
func (n *Notifier) Dispatch(ctx context.Context, record *core.MailRecord) {
	var g errgroup.Group

	for _, route := range n.routes {
		if !route.accepts(record.Category) {
			continue
		}
		sink := route.Sink
		g.Go(func() error {
			sendCtx := ctx
			if n.timeout > 0 {
				var cancel context.CancelFunc
				sendCtx, cancel = context.WithTimeout(ctx, n.timeout)
				defer cancel()
			}

			if err := sink.Send(sendCtx, record); err != nil {
				n.logger.Warn("Failed to deliver notification",
					zap.String("sink", sink.Name()),
					zap.String("id", record.ID),
					zap.Error(err))
				return nil
			}
			n.logger.Debug("Delivered notification",
				zap.String("sink", sink.Name()),
				zap.String("id", record.ID))
			return nil
		})
	}

	_ = g.Wait()
}

// Sinks returns the names of the configured sinks
func (n *Notifier) Sinks() []string {
	names := make([]string, len(n.routes))
	for i, r := range n.routes {
		names[i] = r.Sink.Name()
	}
	return names
}
