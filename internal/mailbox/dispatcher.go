package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Processor enriches a single message
type Processor interface {
	Process(ctx context.Context, raw core.RawMessage, account core.AccountConfig) (*core.MailRecord, error)
}

// Dispatcher runs message processing with bounded concurrency
type Dispatcher struct {
	processor Processor
	sem       *semaphore.Weighted
	timeout   time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(processor Processor, maxConcurrency int, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Dispatcher{
		processor: processor,
		sem:       semaphore.NewWeighted(int64(maxConcurrency)),
		timeout:   timeout,
		logger:    logger,
	}
}

// Submit blocks until a worker slot is free, then processes raw in the
// background. Processing is detached from ctx cancellation.
func (d *Dispatcher) Submit(ctx context.Context, raw core.RawMessage, account core.AccountConfig) error {
	return d.submit(ctx, raw, account, nil)
}

// NewBatch starts a group of submissions that can be waited on together
func (d *Dispatcher) NewBatch() *Batch {
	return &Batch{d: d}
}

func (d *Dispatcher) submit(ctx context.Context, raw core.RawMessage, account core.AccountConfig, done func()) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		if done != nil {
			done()
		}
		return fmt.Errorf("failed to acquire processing slot: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		if done != nil {
			defer done()
		}

		procCtx := context.WithoutCancel(ctx)
		if d.timeout > 0 {
			var cancel context.CancelFunc
			procCtx, cancel = context.WithTimeout(procCtx, d.timeout)
			defer cancel()
		}

		d.run(procCtx, raw, account)
	}()
	return nil
}

func (d *Dispatcher) run(ctx context.Context, raw core.RawMessage, account core.AccountConfig) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Processor panicked",
				zap.String("account", account.Identity()),
				zap.Uint32("uid", raw.UID),
				zap.Any("panic", r))
		}
	}()

	if _, err := d.processor.Process(ctx, raw, account); err != nil {
		if errors.Is(err, core.ErrDuplicateMessage) || errors.Is(err, core.ErrParse) {
			return
		}
		d.logger.Error("Failed to process message",
			zap.String("account", account.Identity()),
			zap.Uint32("uid", raw.UID),
			zap.Error(err))
	}
}

// Wait blocks until all submitted work finishes or ctx ends
func (d *Dispatcher) Wait(ctx context.Context) error {
	return waitGroup(ctx, &d.wg)
}

// Batch tracks a subset of a dispatcher's submissions
type Batch struct {
	d  *Dispatcher
	wg sync.WaitGroup
	n  int
}

// Submit adds a message to the batch
func (b *Batch) Submit(ctx context.Context, raw core.RawMessage, account core.AccountConfig) error {
	b.wg.Add(1)
	if err := b.d.submit(ctx, raw, account, b.wg.Done); err != nil {
		return err
	}
	b.n++
	return nil
}

// Len returns the number of accepted submissions
func (b *Batch) Len() int {
	return b.n
}

// Wait blocks until every message in the batch is processed or ctx ends
func (b *Batch) Wait(ctx context.Context) error {
	return waitGroup(ctx, &b.wg)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
