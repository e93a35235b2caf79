package ports

import (
	"context"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
)

// EventKind identifies an unsolicited server notification
type EventKind int

const (
	// EventExists reports a change in the mailbox message count
	EventExists EventKind = iota
	// EventExpunge reports a removed message
	EventExpunge
	// EventClosed reports that the server closed the connection
	EventClosed
)

// MailboxEvent is a push notification delivered while a connection is open
type MailboxEvent struct {
	Kind        EventKind
	NumMessages uint32
}

// MailboxStatus is the result of selecting a mailbox
type MailboxStatus struct {
	NumMessages uint32
	UIDNext     uint32
	UIDValidity uint32
}

// MailboxDialer opens authenticated connections to a mail server
type MailboxDialer interface {
	// Dial connects and logs in. Push notifications are sent to events
	// without blocking; a full channel drops the notification.
	Dial(ctx context.Context, account core.AccountConfig, events chan<- MailboxEvent) (MailboxConn, error)
}

// MailboxConn is one authenticated connection. Commands must not overlap.
type MailboxConn interface {
	// SelectInbox selects INBOX and reports its status
	SelectInbox(ctx context.Context) (*MailboxStatus, error)

	// SearchSince returns the UIDs of messages received on or after since
	SearchSince(ctx context.Context, since time.Time) ([]uint32, error)

	// SearchAfterUID returns the UIDs strictly greater than uid
	SearchAfterUID(ctx context.Context, uid uint32) ([]uint32, error)

	// Fetch streams the full bodies of the given UIDs to fn in server order
	Fetch(ctx context.Context, uids []uint32, fn func(core.RawMessage) error) error

	// Idle starts an IDLE command
	Idle(ctx context.Context) (IdleHandle, error)

	// Healthy reports whether the connection can still carry commands
	Healthy() bool

	// Close logs out and releases the connection
	Close() error
}

// IdleHandle controls a running IDLE command
type IdleHandle interface {
	// Done is closed when the IDLE ends without Stop being called
	Done() <-chan struct{}

	// Err returns the reason the IDLE ended, if any
	Err() error

	// Stop sends DONE and waits for the server to acknowledge it
	Stop() error
}
