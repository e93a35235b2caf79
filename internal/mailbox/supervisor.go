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

// ErrSupervisorClosed is returned by Register after Shutdown
var ErrSupervisorClosed = errors.New("supervisor is shut down")

type managedSession struct {
	session *Session
	done    chan struct{}
}

// Supervisor owns one session per registered account and restarts
// sessions that exit unexpectedly. Registrations live for the process lifetime.
type Supervisor struct {
	dialer       ports.MailboxDialer
	dispatcher   *Dispatcher
	cfg          SessionConfig
	restartDelay time.Duration
	logger       *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*managedSession
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates a new supervisor
func NewSupervisor(
	dialer ports.MailboxDialer,
	dispatcher *Dispatcher,
	cfg SessionConfig,
	restartDelay time.Duration,
	logger *zap.Logger,
) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		dialer:       dialer,
		dispatcher:   dispatcher,
		cfg:          cfg,
		restartDelay: restartDelay,
		logger:       logger,
		sessions:     make(map[string]*managedSession),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Register validates account and starts its session in the background
func (s *Supervisor) Register(ctx context.Context, account core.AccountConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := account.Validate(); err != nil {
		return err
	}

	identity := account.Identity()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSupervisorClosed
	}
	if _, ok := s.sessions[identity]; ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateAccount, identity)
	}

	managed := &managedSession{
		session: NewSession(account, s.dialer, s.dispatcher, s.cfg, s.logger),
		done:    make(chan struct{}),
	}
	s.sessions[identity] = managed

	s.wg.Add(1)
	go s.supervise(managed)

	s.logger.Info("Registered account",
		zap.String("account", identity),
		zap.String("host", account.Host),
		zap.Int("port", account.Port))
	return nil
}

// Lookup returns the config of a registered account
func (s *Supervisor) Lookup(identity string) (core.AccountConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	managed, ok := s.sessions[identity]
	if !ok {
		return core.AccountConfig{}, false
	}
	return managed.session.Account(), true
}

// Accounts returns a snapshot of every session, ordered by account
func (s *Supervisor) Accounts() []SessionState {
	s.mu.RLock()
	states := make([]SessionState, 0, len(s.sessions))
	for _, managed := range s.sessions {
		states = append(states, managed.session.State())
	}
	s.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Account < states[j].Account })
	return states
}

// Shutdown stops every session and waits for in-flight processing to drain
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("Stopping mailbox sessions")
	s.cancel()

	if err := waitGroup(ctx, &s.wg); err != nil {
		return fmt.Errorf("timed out waiting for sessions: %w", err)
	}
	if err := s.dispatcher.Wait(ctx); err != nil {
		return fmt.Errorf("timed out waiting for processing: %w", err)
	}
	s.logger.Info("Mailbox sessions stopped")
	return nil
}

func (s *Supervisor) supervise(managed *managedSession) {
	defer s.wg.Done()
	defer close(managed.done)

	logger := s.logger.With(zap.String("account", managed.session.Account().Identity()))

	for {
		err := s.runSafely(managed.session)
		if s.ctx.Err() != nil {
			return
		}

		logger.Error("Session exited unexpectedly, restarting",
			zap.Duration("delay", s.restartDelay),
			zap.Error(err))

		timer := time.NewTimer(s.restartDelay)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		managed.session.noteRestart()
	}
}

func (s *Supervisor) runSafely(session *Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			session.closeConn()
			session.transition(PhaseDisconnected)
			err = fmt.Errorf("session panicked: %v", r)
		}
	}()

	err = session.Run(s.ctx)
	if err == nil {
		err = errors.New("session returned without error")
	}
	return err
}
