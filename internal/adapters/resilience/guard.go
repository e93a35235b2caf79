package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/prompt"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Guard rate limits calls and trips a circuit breaker after repeated failures
type Guard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewGuard creates a new guard. A non-positive rps disables rate limiting.
func NewGuard(name string, rps float64, burst int, failureThreshold int, openTimeout time.Duration, logger *zap.Logger) *Guard {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	if failureThreshold < 1 {
		failureThreshold = 1
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold)
		},
		IsSuccessful: providerHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Guard{
		limiter: rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// providerHealthy treats an off-list category as a model answer, not an outage
func providerHealthy(err error) bool {
	return err == nil || errors.Is(err, prompt.ErrUnknownCategory)
}

// Do waits for a rate token and runs fn through the breaker
func (g *Guard) Do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return g.breaker.Execute(fn)
}

// State returns the breaker state name
func (g *Guard) State() string {
	return g.breaker.State().String()
}

// Classifier guards a core.Classifier
type Classifier struct {
	next  core.Classifier
	guard *Guard
}

// NewClassifier wraps next with guard
func NewClassifier(next core.Classifier, guard *Guard) *Classifier {
	return &Classifier{next: next, guard: guard}
}

// Classify implements core.Classifier
func (c *Classifier) Classify(ctx context.Context, text string) (core.Category, error) {
	out, err := c.guard.Do(ctx, func() (interface{}, error) {
		return c.next.Classify(ctx, text)
	})
	if err != nil {
		return core.CategoryNone, err
	}
	return out.(core.Category), nil
}

// Drafter guards a core.Drafter
type Drafter struct {
	next  core.Drafter
	guard *Guard
}

// NewDrafter wraps next with guard
func NewDrafter(next core.Drafter, guard *Guard) *Drafter {
	return &Drafter{next: next, guard: guard}
}

// Draft implements core.Drafter
func (d *Drafter) Draft(ctx context.Context, text, knowledgeContext string) (string, error) {
	out, err := d.guard.Do(ctx, func() (interface{}, error) {
		return d.next.Draft(ctx, text, knowledgeContext)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Embedder guards a core.Embedder
type Embedder struct {
	next  core.Embedder
	guard *Guard
}

// NewEmbedder wraps next with guard
func NewEmbedder(next core.Embedder, guard *Guard) *Embedder {
	return &Embedder{next: next, guard: guard}
}

// Embed implements core.Embedder
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.guard.Do(ctx, func() (interface{}, error) {
		return e.next.Embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return out.([]float32), nil
}
