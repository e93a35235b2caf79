package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mailServer struct {
	user    *imapmemserver.User
	account core.AccountConfig
	dialer  *Dialer
}

// startMailServer runs an in-memory IMAP server behind implicit TLS,
// borrowing the httptest certificate
func startMailServer(t *testing.T) *mailServer {
	t.Helper()

	certs := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(certs.Close)

	mem := imapmemserver.New()
	user := imapmemserver.NewUser("sales@example.com", "secret")
	require.NoError(t, user.Create(core.InboxFolder, nil))
	mem.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return mem.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	l, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: certs.TLS.Certificates})
	require.NoError(t, err)
	go func() { _ = server.Serve(l) }()
	t.Cleanup(func() { _ = server.Close() })

	host, rawPort, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(rawPort)
	require.NoError(t, err)

	dialer := NewDialer(nil, zaptest.NewLogger(t), 5*time.Second)
	dialer.tlsConfig = &tls.Config{
		RootCAs: certs.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs,
	}

	return &mailServer{
		user: user,
		account: core.AccountConfig{
			User:     "sales@example.com",
			Password: "secret",
			Host:     host,
			Port:     port,
			TLS:      true,
		},
		dialer: dialer,
	}
}

func (s *mailServer) deliver(t *testing.T, subject string, received time.Time) []byte {
	t.Helper()
	body := []byte(strings.Join([]string{
		"From: lead@example.org",
		"To: sales@example.com",
		"Subject: " + subject,
		"Message-ID: <" + strings.ReplaceAll(subject, " ", "-") + "@example.org>",
		"",
		"Hello there",
		"",
	}, "\r\n"))
	_, err := s.user.Append(core.InboxFolder, bytes.NewReader(body), &imap.AppendOptions{Time: received})
	require.NoError(t, err)
	return body
}

func (s *mailServer) dial(t *testing.T) (*Conn, chan ports.MailboxEvent) {
	t.Helper()
	events := make(chan ports.MailboxEvent, 8)
	conn, err := s.dialer.Dial(context.Background(), s.account, events)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.(*Conn), events
}

func TestConnBackfillSince(t *testing.T) {
	s := startMailServer(t)
	now := time.Now()
	s.deliver(t, "Old lead", now.Add(-10*24*time.Hour))
	first := s.deliver(t, "Pricing", now.Add(-time.Hour))
	s.deliver(t, "Demo request", now.Add(-time.Minute))

	conn, _ := s.dial(t)
	ctx := context.Background()

	status, err := conn.SelectInbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), status.NumMessages)
	assert.Equal(t, uint32(4), status.UIDNext)
	assert.NotZero(t, status.UIDValidity)

	uids, err := conn.SearchSince(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, uids)

	var fetched []core.RawMessage
	require.NoError(t, conn.Fetch(ctx, uids, func(raw core.RawMessage) error {
		fetched = append(fetched, raw)
		return nil
	}))
	require.Len(t, fetched, 2)
	assert.Equal(t, uint32(2), fetched[0].UID)
	assert.Equal(t, "sales@example.com", fetched[0].Account)
	assert.Equal(t, core.InboxFolder, fetched[0].Folder)
	assert.Equal(t, status.UIDValidity, fetched[0].UIDValidity)
	assert.Equal(t, first, fetched[0].Body)
	assert.WithinDuration(t, now.Add(-time.Hour), fetched[0].InternalDate, 2*time.Second)

	// Fetching must not mark messages as read
	msgs, err := conn.client.Fetch(imap.UIDSetNum(2, 3), &imap.FetchOptions{UID: true, Flags: true}).Collect()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		assert.NotContains(t, msg.Flags, imap.FlagSeen, "uid %d", msg.UID)
	}
}

func TestConnSearchAfterUID(t *testing.T) {
	s := startMailServer(t)
	s.deliver(t, "One", time.Now())
	s.deliver(t, "Two", time.Now())
	s.deliver(t, "Three", time.Now())

	conn, _ := s.dial(t)
	ctx := context.Background()
	_, err := conn.SelectInbox(ctx)
	require.NoError(t, err)

	uids, err := conn.SearchAfterUID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 3}, uids)

	// "4:*" resolves to the highest UID when nothing newer exists
	uids, err = conn.SearchAfterUID(ctx, 3)
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func TestConnIdleReportsNewMail(t *testing.T) {
	s := startMailServer(t)
	s.deliver(t, "One", time.Now())

	conn, events := s.dial(t)
	ctx := context.Background()
	_, err := conn.SelectInbox(ctx)
	require.NoError(t, err)

	handle, err := conn.Idle(ctx)
	require.NoError(t, err)

	s.deliver(t, "Two", time.Now())

	select {
	case ev := <-events:
		assert.Equal(t, ports.EventExists, ev.Kind)
		assert.Equal(t, uint32(2), ev.NumMessages)
	case <-time.After(5 * time.Second):
		t.Fatal("no push notification while idling")
	}

	require.NoError(t, handle.Stop())
	assert.True(t, conn.Healthy())

	uids, err := conn.SearchAfterUID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, uids)
}

func TestConnReportsClosedConnection(t *testing.T) {
	s := startMailServer(t)
	conn, events := s.dial(t)

	require.NoError(t, conn.client.Close())

	select {
	case ev := <-events:
		assert.Equal(t, ports.EventClosed, ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("connection close was not reported")
	}
	assert.False(t, conn.Healthy())
}

func TestDialRejectsBadPassword(t *testing.T) {
	s := startMailServer(t)
	s.account.Password = "wrong"

	_, err := s.dialer.Dial(context.Background(), s.account, make(chan ports.MailboxEvent, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to login")
}
