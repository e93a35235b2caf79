package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/ports"
	"go.uber.org/zap"
)

// SessionConfig holds the session timing
type SessionConfig struct {
	BackfillWindow time.Duration
	ReconnectDelay time.Duration
	IdleRetryDelay time.Duration
	IdleRefresh    time.Duration
}

// Session keeps one account's INBOX in sync. All protocol work happens
// on the goroutine calling Run.
type Session struct {
	account    core.AccountConfig
	dialer     ports.MailboxDialer
	dispatcher *Dispatcher
	cfg        SessionConfig
	logger     *zap.Logger
	events     chan ports.MailboxEvent
	now        func() time.Time

	mu    sync.RWMutex
	state SessionState

	conn     ports.MailboxConn
	primed   bool
	uidNext  uint32
	idleOnly bool
}

// NewSession creates a new session in the Disconnected phase
func NewSession(
	account core.AccountConfig,
	dialer ports.MailboxDialer,
	dispatcher *Dispatcher,
	cfg SessionConfig,
	logger *zap.Logger,
) *Session {
	return &Session{
		account:    account,
		dialer:     dialer,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger.With(zap.String("account", account.Identity())),
		events:     make(chan ports.MailboxEvent, 16),
		now:        time.Now,
		state: SessionState{
			Account:        account.Identity(),
			Phase:          PhaseDisconnected,
			LastTransition: time.Now(),
		},
	}
}

// Account returns the session's account config
func (s *Session) Account() core.AccountConfig {
	return s.account
}

// State returns a snapshot of the session state
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Run drives the state machine until ctx is cancelled
func (s *Session) Run(ctx context.Context) error {
	defer func() {
		s.closeConn()
		s.transition(PhaseDisconnected)
	}()

	phase := PhaseConnecting
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch phase {
		case PhaseConnecting:
			phase = s.connect(ctx)
		case PhaseInitialSyncing:
			phase = s.initialSync(ctx)
		case PhaseIdling:
			phase = s.idle(ctx)
		case PhaseReconciling:
			phase = s.reconcile(ctx)
		case PhaseErrorBackoff:
			phase = s.backoff(ctx)
		default:
			return fmt.Errorf("session entered unexpected phase %s", phase)
		}
	}
}

func (s *Session) connect(ctx context.Context) Phase {
	s.transition(PhaseConnecting)
	s.drainEvents()

	conn, err := s.dialer.Dial(ctx, s.account, s.events)
	if err != nil {
		return s.fail(ctx, "connect", err)
	}
	s.conn = conn

	status, err := conn.SelectInbox(ctx)
	if err != nil {
		return s.fail(ctx, "select", err)
	}
	s.uidNext = status.UIDNext

	wm := s.State().Watermark
	if wm.UIDValidity != status.UIDValidity {
		if s.primed {
			s.logger.Warn("UIDVALIDITY changed, rebasing watermark",
				zap.Uint32("old_uid_validity", wm.UIDValidity),
				zap.Uint32("new_uid_validity", status.UIDValidity))
		}
		s.primed = false
		s.setWatermark(Watermark{UIDValidity: status.UIDValidity})
	}

	s.logger.Info("Connected to mailbox",
		zap.Uint32("messages", status.NumMessages),
		zap.Uint32("uid_validity", status.UIDValidity))
	return PhaseInitialSyncing
}

func (s *Session) initialSync(ctx context.Context) Phase {
	s.transition(PhaseInitialSyncing)

	var uids []uint32
	var err error
	if s.primed {
		uids, err = s.conn.SearchAfterUID(ctx, s.State().Watermark.UID)
	} else {
		uids, err = s.conn.SearchSince(ctx, s.now().Add(-s.cfg.BackfillWindow))
	}
	if err != nil {
		return s.fail(ctx, "search", err)
	}

	batch := s.dispatcher.NewBatch()
	if err := s.fetchAndSubmit(ctx, uids, batch); err != nil {
		return s.fail(ctx, "fetch", err)
	}

	// Messages older than the backfill window are never picked up later
	if !s.primed && s.uidNext > 1 {
		s.advanceWatermark(s.uidNext - 1)
	}
	s.primed = true

	if batch.Len() > 0 {
		s.logger.Info("Waiting for backfill to drain", zap.Int("messages", batch.Len()))
		if err := batch.Wait(ctx); err != nil {
			return PhaseDisconnected
		}
	}

	s.logger.Info("Initial sync complete",
		zap.Int("messages", batch.Len()),
		zap.Uint32("watermark", s.State().Watermark.UID))
	return PhaseIdling
}

func (s *Session) idle(ctx context.Context) Phase {
	s.transition(PhaseIdling)
	s.mu.Lock()
	s.state.ConsecutiveFailures = 0
	s.mu.Unlock()

	handle, err := s.conn.Idle(ctx)
	if err != nil {
		s.idleOnly = s.conn.Healthy()
		return s.fail(ctx, "idle", err)
	}

	timer := time.NewTimer(s.cfg.IdleRefresh)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = handle.Stop()
			return PhaseDisconnected

		case ev := <-s.events:
			if ev.Kind == ports.EventClosed {
				_ = handle.Stop()
				return s.fail(ctx, "idle", errors.New("server closed the connection"))
			}
			if ev.Kind != ports.EventExists {
				continue
			}
			s.logger.Debug("Push notification received", zap.Uint32("messages", ev.NumMessages))
			return s.stopIdle(ctx, handle)

		case <-timer.C:
			s.logger.Debug("Refreshing idle")
			return s.stopIdle(ctx, handle)

		case <-handle.Done():
			err := handle.Err()
			if err == nil {
				err = errors.New("idle ended unexpectedly")
			}
			s.idleOnly = s.conn.Healthy()
			return s.fail(ctx, "idle", err)
		}
	}
}

func (s *Session) stopIdle(ctx context.Context, handle ports.IdleHandle) Phase {
	if err := handle.Stop(); err != nil && !s.conn.Healthy() {
		return s.fail(ctx, "idle", err)
	}
	return PhaseReconciling
}

func (s *Session) reconcile(ctx context.Context) Phase {
	s.transition(PhaseReconciling)

	uids, err := s.conn.SearchAfterUID(ctx, s.State().Watermark.UID)
	if err == nil {
		err = s.fetchAndSubmit(ctx, uids, s.dispatcher.NewBatch())
	}
	if err != nil {
		if ctx.Err() != nil {
			return PhaseDisconnected
		}
		if s.conn.Healthy() {
			s.logger.Warn("Reconcile failed, resuming idle", zap.Error(err))
			return PhaseIdling
		}
		return s.fail(ctx, "reconcile", err)
	}
	return PhaseIdling
}

func (s *Session) backoff(ctx context.Context) Phase {
	s.transition(PhaseErrorBackoff)

	delay := s.cfg.ReconnectDelay
	next := PhaseConnecting
	if s.idleOnly && s.conn != nil && s.conn.Healthy() {
		delay = s.cfg.IdleRetryDelay
		next = PhaseIdling
	} else {
		s.closeConn()
	}
	s.idleOnly = false

	s.logger.Info("Backing off",
		zap.Duration("delay", delay),
		zap.String("next", next.String()))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return PhaseDisconnected
	case <-timer.C:
		return next
	}
}

// fetchAndSubmit fetches uids above the watermark and hands them to the
// dispatcher. The watermark only advances over a contiguous run of accepted
// UIDs, so a message missing from the middle of a batch is fetched again.
func (s *Session) fetchAndSubmit(ctx context.Context, uids []uint32, batch *Batch) error {
	floor := s.State().Watermark.UID
	pending := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		if uid > floor {
			pending = append(pending, uid)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })

	s.logger.Debug("Fetching messages", zap.Int("count", len(pending)))
	accepted := make(map[uint32]bool, len(pending))
	next := 0
	return s.conn.Fetch(ctx, pending, func(raw core.RawMessage) error {
		if raw.UID <= s.State().Watermark.UID {
			return nil
		}
		if raw.Account == "" {
			raw.Account = s.account.Identity()
		}
		if raw.Folder == "" {
			raw.Folder = core.InboxFolder
		}
		if err := batch.Submit(ctx, raw, s.account); err != nil {
			return err
		}
		accepted[raw.UID] = true
		for next < len(pending) && accepted[pending[next]] {
			s.advanceWatermark(pending[next])
			next++
		}
		return nil
	})
}

func (s *Session) fail(ctx context.Context, op string, err error) Phase {
	if ctx.Err() != nil {
		return PhaseDisconnected
	}

	s.mu.Lock()
	s.state.ConsecutiveFailures++
	s.state.LastError = fmt.Sprintf("%s: %v", op, err)
	failures := s.state.ConsecutiveFailures
	s.mu.Unlock()

	s.logger.Warn("Mailbox operation failed",
		zap.String("operation", op),
		zap.Int("consecutive_failures", failures),
		zap.Bool("idle_only", s.idleOnly),
		zap.Error(err))
	return PhaseErrorBackoff
}

func (s *Session) transition(phase Phase) {
	s.mu.Lock()
	from := s.state.Phase
	s.state.Phase = phase
	s.state.LastTransition = s.now()
	s.mu.Unlock()

	if from != phase {
		s.logger.Debug("Session transition",
			zap.String("from", from.String()),
			zap.String("phase", phase.String()))
	}
}

func (s *Session) setWatermark(wm Watermark) {
	s.mu.Lock()
	s.state.Watermark = wm
	s.mu.Unlock()
}

// advanceWatermark moves the watermark forward, never back
func (s *Session) advanceWatermark(uid uint32) {
	s.mu.Lock()
	if uid > s.state.Watermark.UID {
		s.state.Watermark.UID = uid
	}
	s.mu.Unlock()
}

func (s *Session) noteRestart() {
	s.mu.Lock()
	s.state.Restarts++
	s.mu.Unlock()
}

func (s *Session) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Failed to close connection", zap.Error(err))
	}
	s.conn = nil
}

func (s *Session) drainEvents() {
	for {
		select {
		case <-s.events:
		default:
			return
		}
	}
}
