package mailbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/ports"
)

var errConnRefused = errors.New("connection refused")

// fakeServer is an in-memory IMAP INBOX shared by every connection dialed to it
type fakeServer struct {
	mu          sync.Mutex
	uidValidity uint32
	uidNext     uint32
	dates       map[uint32]time.Time

	dials     int
	failDials int
	failIdles int
	conns     []*fakeConn
	events    chan<- ports.MailboxEvent
	fetched   []uint32
	// unreadable UIDs fail once and are skipped; later UIDs are still delivered
	unreadable map[uint32]bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		uidValidity: 1,
		uidNext:     1,
		dates:       make(map[uint32]time.Time),
		unreadable:  make(map[uint32]bool),
	}
}

// deliver appends a message received at date and returns its UID
func (s *fakeServer) deliver(date time.Time) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	uid := s.uidNext
	s.uidNext++
	s.dates[uid] = date
	return uid
}

// push sends an EXISTS notification to the connected session
func (s *fakeServer) push(kind ports.EventKind) {
	s.mu.Lock()
	events := s.events
	n := uint32(len(s.dates))
	s.mu.Unlock()
	if events != nil {
		events <- ports.MailboxEvent{Kind: kind, NumMessages: n}
	}
}

// dropConnection marks the live connection unhealthy and reports the close
func (s *fakeServer) dropConnection() {
	s.mu.Lock()
	if len(s.conns) > 0 {
		s.conns[len(s.conns)-1].dead = true
	}
	s.mu.Unlock()
	s.push(ports.EventClosed)
}

func (s *fakeServer) resetValidity(validity uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uidValidity = validity
	renumbered := make(map[uint32]time.Time, len(s.dates))
	uids := s.sortedUIDs()
	s.uidNext = 1
	for _, uid := range uids {
		renumbered[s.uidNext] = s.dates[uid]
		s.uidNext++
	}
	s.dates = renumbered
}

func (s *fakeServer) sortedUIDs() []uint32 {
	uids := make([]uint32, 0, len(s.dates))
	for uid := range s.dates {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) Dial(_ context.Context, _ core.AccountConfig, events chan<- ports.MailboxEvent) (ports.MailboxConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.failDials > 0 {
		s.failDials--
		return nil, errConnRefused
	}
	conn := &fakeConn{server: s}
	s.conns = append(s.conns, conn)
	s.events = events
	return conn, nil
}

type fakeConn struct {
	server *fakeServer
	dead   bool
	closed bool
}

func (c *fakeConn) SelectInbox(context.Context) (*ports.MailboxStatus, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	return &ports.MailboxStatus{
		NumMessages: uint32(len(s.dates)),
		UIDNext:     s.uidNext,
		UIDValidity: s.uidValidity,
	}, nil
}

func (c *fakeConn) SearchSince(_ context.Context, since time.Time) ([]uint32, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	var uids []uint32
	for _, uid := range s.sortedUIDs() {
		if !s.dates[uid].Before(since) {
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

func (c *fakeConn) SearchAfterUID(_ context.Context, after uint32) ([]uint32, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := s.sortedUIDs()
	// "n:*" always matches the highest UID, like a real server
	if len(uids) > 0 && uids[len(uids)-1] <= after {
		return []uint32{uids[len(uids)-1]}, nil
	}
	var out []uint32
	for _, uid := range uids {
		if uid > after {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (c *fakeConn) Fetch(_ context.Context, uids []uint32, fn func(core.RawMessage) error) error {
	var readErr error
	for _, uid := range uids {
		s := c.server
		s.mu.Lock()
		date, ok := s.dates[uid]
		validity := s.uidValidity
		broken := s.unreadable[uid]
		delete(s.unreadable, uid)
		if ok && !broken {
			s.fetched = append(s.fetched, uid)
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		if broken {
			readErr = errors.New("truncated literal")
			continue
		}
		if err := fn(core.RawMessage{UID: uid, UIDValidity: validity, InternalDate: date, Body: []byte("msg")}); err != nil {
			return err
		}
	}
	return readErr
}

func (c *fakeConn) Idle(context.Context) (ports.IdleHandle, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIdles > 0 {
		s.failIdles--
		return nil, errors.New("idle rejected")
	}
	return &fakeIdle{done: make(chan struct{})}, nil
}

func (c *fakeConn) Healthy() bool {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	return !c.dead && !c.closed
}

func (c *fakeConn) Close() error {
	c.server.mu.Lock()
	c.closed = true
	c.server.mu.Unlock()
	return nil
}

type fakeIdle struct {
	done chan struct{}
}

func (h *fakeIdle) Done() <-chan struct{} { return h.done }
func (h *fakeIdle) Err() error            { return nil }
func (h *fakeIdle) Stop() error           { return nil }

// recordingProcessor remembers every processed UID per UIDVALIDITY
type recordingProcessor struct {
	mu    sync.Mutex
	seen  map[[2]uint32]int
	order []uint32
	panic bool
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{seen: make(map[[2]uint32]int)}
}

func (p *recordingProcessor) Process(_ context.Context, raw core.RawMessage, account core.AccountConfig) (*core.MailRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panic {
		panic("processor exploded")
	}
	p.seen[[2]uint32{raw.UIDValidity, raw.UID}]++
	p.order = append(p.order, raw.UID)
	return &core.MailRecord{Account: account.Identity(), UID: raw.UID, Folder: raw.Folder}, nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

func (p *recordingProcessor) processed(validity, uid uint32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[[2]uint32{validity, uid}]
}

func (p *recordingProcessor) maxCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	max := 0
	for _, n := range p.seen {
		if n > max {
			max = n
		}
	}
	return max
}

var testAccount = core.AccountConfig{
	User:     "sales@example.com",
	Password: "secret",
	Host:     "imap.example.com",
	Port:     993,
	TLS:      true,
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		BackfillWindow: 30 * 24 * time.Hour,
		ReconnectDelay: 20 * time.Millisecond,
		IdleRetryDelay: 10 * time.Millisecond,
		IdleRefresh:    time.Hour,
	}
}

func waitForPhase(t *testing.T, s *Session, phase Phase) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.State().Phase == phase {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session did not reach %s, stuck in %s", phase, s.State().Phase)
}
