package mailbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSupervisor(t *testing.T, dialer ports.MailboxDialer) (*Supervisor, *recordingProcessor) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	processor := newRecordingProcessor()
	dispatcher := NewDispatcher(processor, 4, time.Second, logger)
	s := NewSupervisor(dialer, dispatcher, testSessionConfig(), 10*time.Millisecond, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, processor
}

func TestSupervisorRegister(t *testing.T) {
	server := newFakeServer()
	server.deliver(time.Now())
	s, processor := newTestSupervisor(t, server)

	require.NoError(t, s.Register(context.Background(), testAccount))

	require.Eventually(t, func() bool { return processor.count() == 1 }, 5*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		accounts := s.Accounts()
		return len(accounts) == 1 && accounts[0].Phase == PhaseIdling
	}, 5*time.Second, 2*time.Millisecond)

	account, ok := s.Lookup("sales@example.com")
	require.True(t, ok)
	assert.Equal(t, testAccount, account)

	_, ok = s.Lookup("nobody@example.com")
	assert.False(t, ok)
}

func TestSupervisorRejectsDuplicate(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeServer())

	require.NoError(t, s.Register(context.Background(), testAccount))

	dup := testAccount
	dup.User = "  SALES@example.com "
	err := s.Register(context.Background(), dup)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDuplicateAccount)
	assert.Len(t, s.Accounts(), 1)
}

func TestSupervisorRejectsInvalidConfig(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeServer())

	bad := testAccount
	bad.Host = ""
	err := s.Register(context.Background(), bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
	assert.Empty(t, s.Accounts())
}

func TestSupervisorConcurrentRegistration(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeServer())

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Register(context.Background(), testAccount)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, core.ErrDuplicateAccount)
	}
	assert.Equal(t, 1, succeeded)
}

// panicDialer panics on the first dial and delegates afterwards
type panicDialer struct {
	mu     sync.Mutex
	next   ports.MailboxDialer
	panics int
}

func (d *panicDialer) Dial(ctx context.Context, account core.AccountConfig, events chan<- ports.MailboxEvent) (ports.MailboxConn, error) {
	d.mu.Lock()
	if d.panics > 0 {
		d.panics--
		d.mu.Unlock()
		panic("dialer bug")
	}
	d.mu.Unlock()
	return d.next.Dial(ctx, account, events)
}

func TestSupervisorRestartsPanickedSession(t *testing.T) {
	server := newFakeServer()
	server.deliver(time.Now())
	s, processor := newTestSupervisor(t, &panicDialer{next: server, panics: 1})

	require.NoError(t, s.Register(context.Background(), testAccount))

	require.Eventually(t, func() bool { return processor.count() == 1 }, 5*time.Second, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		accounts := s.Accounts()
		return len(accounts) == 1 && accounts[0].Restarts == 1 && accounts[0].Phase == PhaseIdling
	}, 5*time.Second, 2*time.Millisecond)
}

func TestSupervisorShutdown(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeServer())
	require.NoError(t, s.Register(context.Background(), testAccount))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	err := s.Register(context.Background(), core.AccountConfig{User: "b@example.com", Password: "x", Host: "h", Port: 993})
	assert.ErrorIs(t, err, ErrSupervisorClosed)

	for _, state := range s.Accounts() {
		assert.Equal(t, PhaseDisconnected, state.Phase)
	}
}
