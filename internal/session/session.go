// Package session manages authenticated protocol sessions: IMAP (with
// IDLE push), POP3, and SMTP. A session is single-owner: one logical
// operation is in flight at a time; independent sessions run
// concurrently.
package session

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	retry "github.com/StirlingMarketingGroup/go-retry"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/wire"
)

// State is the lifecycle state of a connection session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateIdle
	StateBusy
	// StateFailed is absorbing: any I/O error or malformed response
	// lands here and the owner decides whether to reconnect.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// defaultTimeout bounds every network read and write unless configured
// otherwise.
const defaultTimeout = 60 * time.Second

// dialRetries is how many times connection establishment is retried
// before giving up. Authentication is never retried this way.
const dialRetries = 3

// CredentialSource supplies decrypted secrets at authentication time.
// Implemented by the credential keeper; sessions never see ciphertext.
type CredentialSource interface {
	Password(ctx context.Context, accountID string) (model.Secret, error)
	AccessToken(ctx context.Context, accountID string) (model.TokenPair, error)
	// Refresh exchanges the refresh token for a new pair. Sessions call
	// it once after an authentication failure before surfacing the error.
	Refresh(ctx context.Context, accountID string) (model.TokenPair, error)
}

// FolderInfo is one folder of a remote mailbox listing.
type FolderInfo struct {
	Path       string
	Delimiter  string
	Attributes []string
}

// SelectInfo reports the state of a selected folder.
type SelectInfo struct {
	Exists      uint32
	UIDValidity uint32
	UIDNext     uint32
}

// EnvelopeRecord is one fetched message envelope.
type EnvelopeRecord struct {
	UID      uint32
	Flags    model.Flags
	Size     int64
	Envelope wire.Envelope
}

// Flag names a mutable message flag.
type Flag string

const (
	FlagSeen     Flag = "\\Seen"
	FlagFlagged  Flag = "\\Flagged"
	FlagDeleted  Flag = "\\Deleted"
	FlagAnswered Flag = "\\Answered"
)

// Capability describes what a protocol session can do beyond the common
// surface. POP3 has no server-side flag store and no push.
type Capability struct {
	RemoteFlags bool
	Push        bool
}

// MailSession is the protocol-independent surface the reconciler drives.
// Implementations: IMAPSession, POP3Session.
type MailSession interface {
	Capabilities() Capability
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context) error
	ListFolders(ctx context.Context) ([]FolderInfo, error)
	SelectFolder(ctx context.Context, path string) (*SelectInfo, error)
	// FetchFlags returns the full server UID set with current flags;
	// the reconciler diffs it against the cache.
	FetchFlags(ctx context.Context) (map[uint32]model.Flags, error)
	// FetchEnvelopes retrieves envelope data for the given UIDs.
	FetchEnvelopes(ctx context.Context, uids []uint32) ([]EnvelopeRecord, error)
	// FetchBody retrieves the complete raw message for one UID.
	FetchBody(ctx context.Context, uid uint32) ([]byte, error)
	MutateFlags(ctx context.Context, uids []uint32, flag Flag, add bool) error
	// Expunge permanently removes messages flagged deleted. A nil error
	// is the server-side confirmation the cache needs before
	// hard-deleting rows.
	Expunge(ctx context.Context, uids []uint32) error
	State() State
	Disconnect() error
}

// PushType discriminates the result of an IDLE wait.
type PushType int

const (
	// PushTimeout means the wait deadline expired with no server event.
	PushTimeout PushType = iota
	// PushExists signals new messages in the selected folder.
	PushExists
	// PushExpunge signals a server-side removal.
	PushExpunge
	// PushFlags signals a flag change (unsolicited FETCH).
	PushFlags
)

// PushEvent is one unsolicited server notification, or a timeout.
type PushEvent struct {
	Type PushType
	Seq  uint32
}

// PushSession is a MailSession that supports server push (IMAP IDLE).
type PushSession interface {
	MailSession
	// AwaitPush blocks until the server pushes an event, the timeout
	// expires, or ctx is canceled. The session must not be used for
	// other commands while a wait is in progress.
	AwaitPush(ctx context.Context, timeout time.Duration) (PushEvent, error)
}

// dialEndpoint opens a TCP connection to ep, wrapping it in TLS when the
// endpoint uses implicit TLS. STARTTLS upgrades are protocol-specific
// and handled by each session after the greeting.
func dialEndpoint(ctx context.Context, ep model.Endpoint, timeout time.Duration) (net.Conn, error) {
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	dialer := &net.Dialer{Timeout: timeout}

	var conn net.Conn
	err := retry.Retry(func() error {
		var dErr error
		conn, dErr = dialer.DialContext(ctx, "tcp", addr)
		return dErr
	}, dialRetries, func(err error) error {
		return ctx.Err()
	}, func() error {
		return nil
	})
	if err != nil {
		return nil, fault.Transport("dial "+addr, err)
	}

	if ep.Security == model.SecurityTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: ep.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fault.Transport("tls handshake "+addr, fmt.Errorf("negotiating TLS: %w", err))
		}
		return tlsConn, nil
	}
	return conn, nil
}

// upgradeTLS wraps an established plaintext connection after a
// successful STARTTLS exchange.
func upgradeTLS(ctx context.Context, conn net.Conn, host string) (net.Conn, error) {
	tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fault.Transport("starttls "+host, fmt.Errorf("negotiating TLS: %w", err))
	}
	return tlsConn, nil
}
