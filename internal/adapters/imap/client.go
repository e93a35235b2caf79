package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"
	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/ports"
	"go.uber.org/zap"
)

// PasswordResolver turns a stored password reference into the secret
type PasswordResolver interface {
	Resolve(ref string) (string, error)
}

// Dialer opens go-imap connections
type Dialer struct {
	resolver    PasswordResolver
	logger      *zap.Logger
	dialTimeout time.Duration
	// tlsConfig is cloned for every connection when set
	tlsConfig *tls.Config
}

// NewDialer creates a new IMAP dialer. resolver may be nil.
func NewDialer(resolver PasswordResolver, logger *zap.Logger, dialTimeout time.Duration) *Dialer {
	return &Dialer{
		resolver:    resolver,
		logger:      logger,
		dialTimeout: dialTimeout,
	}
}

// Dial connects, logs in and wires unilateral updates to events
func (d *Dialer) Dial(ctx context.Context, account core.AccountConfig, events chan<- ports.MailboxEvent) (ports.MailboxConn, error) {
	password := account.Password
	if d.resolver != nil {
		resolved, err := d.resolver.Resolve(password)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve password: %w", err)
		}
		password = resolved
	}

	dialCtx := ctx
	if d.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.dialTimeout)
		defer cancel()
	}

	notify := func(ev ports.MailboxEvent) {
		select {
		case events <- ev:
		default:
		}
	}

	tlsConfig := &tls.Config{}
	if d.tlsConfig != nil {
		tlsConfig = d.tlsConfig.Clone()
	}
	tlsConfig.ServerName = account.Host

	options := &imapclient.Options{
		TLSConfig:   tlsConfig,
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					notify(ports.MailboxEvent{Kind: ports.EventExists, NumMessages: *data.NumMessages})
				}
			},
			Expunge: func(seqNum uint32) {
				notify(ports.MailboxEvent{Kind: ports.EventExpunge})
			},
		},
	}

	var client *imapclient.Client
	if account.TLS {
		dialer := &tls.Dialer{Config: options.TLSConfig}
		conn, err := dialer.DialContext(dialCtx, "tcp", account.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", account.Address(), err)
		}
		client = imapclient.New(conn, options)
	} else {
		var dialer net.Dialer
		conn, err := dialer.DialContext(dialCtx, "tcp", account.Address())
		if err != nil {
			return nil, fmt.Errorf("failed to dial %s: %w", account.Address(), err)
		}
		client, err = imapclient.NewStartTLS(conn, options)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to start TLS with %s: %w", account.Address(), err)
		}
	}

	if err := client.Login(account.User, password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to login as %s: %w", account.User, err)
	}

	conn := &Conn{
		client:  client,
		account: account,
		logger:  d.logger.With(zap.String("account", account.Identity())),
	}

	go func() {
		<-client.Closed()
		notify(ports.MailboxEvent{Kind: ports.EventClosed})
	}()

	return conn, nil
}

// Conn is an authenticated go-imap connection
type Conn struct {
	client      *imapclient.Client
	account     core.AccountConfig
	logger      *zap.Logger
	uidValidity uint32

	closeOnce sync.Once
}

// SelectInbox selects INBOX and records its UIDVALIDITY
func (c *Conn) SelectInbox(ctx context.Context) (*ports.MailboxStatus, error) {
	defer c.watch(ctx)()

	data, err := c.client.Select(core.InboxFolder, &imap.SelectOptions{}).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", core.InboxFolder, err)
	}
	c.uidValidity = data.UIDValidity
	return &ports.MailboxStatus{
		NumMessages: data.NumMessages,
		UIDNext:     uint32(data.UIDNext),
		UIDValidity: data.UIDValidity,
	}, nil
}

// SearchSince runs UID SEARCH SINCE
func (c *Conn) SearchSince(ctx context.Context, since time.Time) ([]uint32, error) {
	return c.search(ctx, &imap.SearchCriteria{Since: since}, 0)
}

// SearchAfterUID runs UID SEARCH UID n+1:* and drops the UID that "*"
// resolves to when nothing newer exists
func (c *Conn) SearchAfterUID(ctx context.Context, uid uint32) ([]uint32, error) {
	var set imap.UIDSet
	set.AddRange(imap.UID(uid+1), 0)
	return c.search(ctx, &imap.SearchCriteria{UID: []imap.UIDSet{set}}, uid)
}

func (c *Conn) search(ctx context.Context, criteria *imap.SearchCriteria, after uint32) ([]uint32, error) {
	defer c.watch(ctx)()

	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}

	var uids []uint32
	for _, uid := range data.AllUIDs() {
		if uint32(uid) > after {
			uids = append(uids, uint32(uid))
		}
	}
	return uids, nil
}

// Fetch retrieves full message bodies without setting \Seen
func (c *Conn) Fetch(ctx context.Context, uids []uint32, fn func(core.RawMessage) error) error {
	if len(uids) == 0 {
		return nil
	}
	defer c.watch(ctx)()

	set := make([]imap.UID, len(uids))
	for i, uid := range uids {
		set[i] = imap.UID(uid)
	}

	section := &imap.FetchItemBodySection{Peek: true}
	options := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	// After a failure the remaining responses are drained but not delivered,
	// so the caller never sees a UID past the one that was lost
	cmd := c.client.Fetch(imap.UIDSetNum(set...), options)
	var callbackErr error
	for {
		msg := cmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if callbackErr != nil {
			continue
		}
		if err != nil {
			c.logger.Warn("Failed to read fetched message", zap.Error(err))
			callbackErr = fmt.Errorf("failed to read fetched message: %w", err)
			continue
		}
		raw := core.RawMessage{
			Account:      c.account.Identity(),
			Folder:       core.InboxFolder,
			UID:          uint32(buf.UID),
			UIDValidity:  c.uidValidity,
			InternalDate: buf.InternalDate,
			Body:         buf.FindBodySection(section),
		}
		callbackErr = fn(raw)
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	return callbackErr
}

// Idle starts an IDLE command
func (c *Conn) Idle(ctx context.Context) (ports.IdleHandle, error) {
	cmd, err := c.client.Idle()
	if err != nil {
		return nil, fmt.Errorf("failed to start idle: %w", err)
	}

	h := &idleHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Healthy reports whether the underlying connection is still open
func (c *Conn) Healthy() bool {
	select {
	case <-c.client.Closed():
		return false
	default:
	}
	return c.client.State() != imap.ConnStateLogout
}

// Close logs out when possible and closes the connection
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.Healthy() {
			if logoutErr := c.client.Logout().Wait(); logoutErr != nil {
				c.logger.Debug("Logout failed", zap.Error(logoutErr))
			}
		}
		err = c.client.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

// watch closes the connection if ctx ends while a command is running
func (c *Conn) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		c.client.Close()
	})
}

type idleHandle struct {
	cmd  *imapclient.IdleCommand
	done chan struct{}
	err  error
}

func (h *idleHandle) Done() <-chan struct{} {
	return h.done
}

func (h *idleHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *idleHandle) Stop() error {
	closeErr := h.cmd.Close()
	<-h.done
	if closeErr != nil {
		return fmt.Errorf("failed to stop idle: %w", closeErr)
	}
	return h.err
}
