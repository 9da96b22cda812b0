package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sqs/go-xoauth2"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/wire"
)

// POP3Session is one authenticated POP3 connection. POP3 message numbers
// are transient, so messages are identified by their UIDL string hashed
// to a stable 32-bit UID; the number mapping is rebuilt per session.
type POP3Session struct {
	account model.Account
	creds   CredentialSource
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	conn  net.Conn
	r     *wire.POP3Reader
	enc   *wire.POP3Encoder
	state State

	// uidToNum maps stable UIDs to this session's message numbers.
	uidToNum map[uint32]int
	sizes    map[uint32]int64
	marked   map[uint32]bool
}

// NewPOP3Session creates a session for the given account.
func NewPOP3Session(account model.Account, creds CredentialSource, logger *slog.Logger) *POP3Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &POP3Session{
		account: account,
		creds:   creds,
		timeout: defaultTimeout,
		logger:  logger.With("component", "session/pop3", "account", account.ID),
	}
}

// Capabilities reports the POP3 limits: no server-side flags, no push.
func (s *POP3Session) Capabilities() Capability {
	return Capability{}
}

// State returns the current session state.
func (s *POP3Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *POP3Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect dials the server, consumes the greeting, and upgrades via STLS
// when configured for STARTTLS.
func (s *POP3Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting)

	conn, err := dialEndpoint(ctx, s.account.Incoming, s.timeout)
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	s.conn = conn
	s.r = wire.NewPOP3Reader(conn)
	s.enc = wire.NewPOP3Encoder(conn)

	if _, err := s.status(); err != nil {
		s.fail()
		return fault.Transport("pop3 greeting", err)
	}

	if s.account.Incoming.Security == model.SecurityStartTLS {
		if _, err := s.command(ctx, "STLS"); err != nil {
			s.fail()
			return err
		}
		upgraded, err := upgradeTLS(ctx, s.conn, s.account.Incoming.Host)
		if err != nil {
			s.fail()
			return err
		}
		s.conn = upgraded
		s.r = wire.NewPOP3Reader(upgraded)
		s.enc = wire.NewPOP3Encoder(upgraded)
	}

	s.setState(StateAuthenticating)
	return nil
}

// Authenticate sends USER/PASS, or AUTH XOAUTH2 for OAuth accounts with
// one transparent token refresh before surfacing failure.
func (s *POP3Session) Authenticate(ctx context.Context) error {
	var err error
	switch s.account.AuthKind {
	case model.AuthOAuth2:
		err = s.authenticateOAuth(ctx, false)
	default:
		err = s.userPass(ctx)
	}
	if err != nil {
		s.fail()
		return err
	}

	if err := s.loadListing(ctx); err != nil {
		s.fail()
		return err
	}
	s.setState(StateReady)
	return nil
}

func (s *POP3Session) userPass(ctx context.Context) error {
	password, err := s.creds.Password(ctx, s.account.ID)
	if err != nil {
		return fault.Security("loading password", err)
	}
	if _, err := s.command(ctx, "USER", s.account.Email); err != nil {
		return fault.Auth("pop3 user", err)
	}
	if _, err := s.command(ctx, "PASS", string(password)); err != nil {
		return fault.Auth("pop3 pass", err)
	}
	return nil
}

func (s *POP3Session) authenticateOAuth(ctx context.Context, refreshed bool) error {
	pair, err := s.creds.AccessToken(ctx, s.account.ID)
	if err != nil {
		return fault.Security("loading token", err)
	}

	b64 := xoauth2.XOAuth2String(s.account.Email, string(pair.AccessToken))
	_, err = s.command(ctx, "AUTH", "XOAUTH2", b64)
	if err == nil {
		return nil
	}
	if refreshed || fault.Is(err, fault.KindTransport) {
		return fault.Auth("pop3 xoauth2", err)
	}

	s.logger.Debug("authentication rejected, refreshing token")
	if _, rErr := s.creds.Refresh(ctx, s.account.ID); rErr != nil {
		return fault.Auth("refreshing token", rErr)
	}
	return s.authenticateOAuth(ctx, true)
}

// loadListing builds the per-session UID → message number and size maps
// from UIDL and LIST.
func (s *POP3Session) loadListing(ctx context.Context) error {
	uidls, err := s.commandMulti(ctx, "UIDL")
	if err != nil {
		return err
	}
	listing, err := wire.ScanListing(uidls)
	if err != nil {
		return fault.Protocol("pop3 uidl", err)
	}

	sizesRaw, err := s.commandMulti(ctx, "LIST")
	if err != nil {
		return err
	}
	sizeListing, err := wire.ScanListing(sizesRaw)
	if err != nil {
		return fault.Protocol("pop3 list", err)
	}

	s.mu.Lock()
	s.uidToNum = make(map[uint32]int, len(listing))
	s.sizes = make(map[uint32]int64, len(listing))
	s.marked = make(map[uint32]bool)
	for num, uidl := range listing {
		uid := uidlHash(uidl)
		s.uidToNum[uid] = num
		if raw, ok := sizeListing[num]; ok {
			if sz, err := strconv.ParseInt(raw, 10, 64); err == nil {
				s.sizes[uid] = sz
			}
		}
	}
	s.mu.Unlock()
	return nil
}

// status reads one status line under a deadline.
func (s *POP3Session) status() (string, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	return s.r.ReadStatus()
}

// command sends one command and reads its status line.
func (s *POP3Session) command(ctx context.Context, verb string, args ...string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commandLocked(ctx, verb, args...)
}

func (s *POP3Session) commandLocked(ctx context.Context, verb string, args ...string) (string, error) {
	if s.conn == nil {
		return "", fault.Transport("pop3 "+verb, errors.New("not connected"))
	}
	if err := ctx.Err(); err != nil {
		return "", fault.Transport("pop3 "+verb, err)
	}

	prev := s.state
	s.state = StateBusy
	defer func() {
		if s.state == StateBusy {
			s.state = prev
		}
	}()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.enc.Command(verb, args...); err != nil {
		s.state = StateFailed
		return "", fault.Transport("pop3 write", err)
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	text, err := s.r.ReadStatus()
	if err != nil {
		if isNetErr(err) {
			s.state = StateFailed
			return "", fault.Transport("pop3 read", err)
		}
		// -ERR reply; the connection itself is fine.
		return "", fault.Protocol("pop3 "+verb, err)
	}
	return text, nil
}

// commandMulti sends one command and reads its status plus multi-line
// body.
func (s *POP3Session) commandMulti(ctx context.Context, verb string, args ...string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.commandLocked(ctx, verb, args...); err != nil {
		return nil, err
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	body, err := s.r.ReadMultiLine()
	if err != nil {
		s.state = StateFailed
		return nil, fault.Transport("pop3 "+verb, err)
	}
	return body, nil
}

// ListFolders returns the single INBOX a POP3 account exposes.
func (s *POP3Session) ListFolders(_ context.Context) ([]FolderInfo, error) {
	return []FolderInfo{{Path: "INBOX"}}, nil
}

// SelectFolder issues STAT; POP3 has exactly one folder.
func (s *POP3Session) SelectFolder(ctx context.Context, path string) (*SelectInfo, error) {
	if path != "INBOX" {
		return nil, fault.Protocol("pop3 select", fmt.Errorf("no such folder %q", path))
	}
	text, err := s.command(ctx, "STAT")
	if err != nil {
		return nil, err
	}
	var count uint32
	var size int64
	fmt.Sscanf(text, "%d %d", &count, &size)
	// POP3 has no UIDVALIDITY; UIDL hashes are stable on their own.
	return &SelectInfo{Exists: count, UIDValidity: 1}, nil
}

// FetchFlags returns the server's UID set. POP3 stores no flags, so all
// flag values are zero; the reconciler keeps local flags authoritative.
func (s *POP3Session) FetchFlags(_ context.Context) (map[uint32]model.Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint32]model.Flags, len(s.uidToNum))
	for uid := range s.uidToNum {
		out[uid] = model.Flags{}
	}
	return out, nil
}

// FetchEnvelopes retrieves headers for the given UIDs via TOP n 0.
func (s *POP3Session) FetchEnvelopes(ctx context.Context, uids []uint32) ([]EnvelopeRecord, error) {
	var records []EnvelopeRecord
	for _, uid := range uids {
		num, ok := s.messageNum(uid)
		if !ok {
			continue
		}
		hdr, err := s.commandMulti(ctx, "TOP", strconv.Itoa(num), "0")
		if err != nil {
			return records, err
		}
		rec := EnvelopeRecord{UID: uid}
		s.mu.Lock()
		rec.Size = s.sizes[uid]
		s.mu.Unlock()
		if env, pErr := wire.ParseHeaderBlock(hdr); pErr == nil {
			rec.Envelope = *env
		} else {
			s.logger.Warn("unparseable envelope", "uid", uid, "error", pErr)
		}
		records = append(records, rec)
	}
	return records, nil
}

// FetchBody retrieves the complete message via RETR.
func (s *POP3Session) FetchBody(ctx context.Context, uid uint32) ([]byte, error) {
	num, ok := s.messageNum(uid)
	if !ok {
		return nil, fault.Protocol("pop3 retr", fmt.Errorf("unknown UID %d", uid))
	}
	return s.commandMulti(ctx, "RETR", strconv.Itoa(num))
}

// MutateFlags maps the deleted flag onto DELE/RSET; every other flag is
// local-only under POP3 and succeeds as a no-op.
func (s *POP3Session) MutateFlags(ctx context.Context, uids []uint32, flag Flag, add bool) error {
	if flag != FlagDeleted {
		return nil
	}
	if !add {
		// RSET unmarks everything; POP3 has no per-message undelete.
		if _, err := s.command(ctx, "RSET"); err != nil {
			return err
		}
		s.mu.Lock()
		s.marked = make(map[uint32]bool)
		s.mu.Unlock()
		return nil
	}
	for _, uid := range uids {
		if err := s.dele(ctx, uid); err != nil {
			return err
		}
	}
	return nil
}

func (s *POP3Session) dele(ctx context.Context, uid uint32) error {
	s.mu.Lock()
	if s.marked[uid] {
		s.mu.Unlock()
		return nil
	}
	num, ok := s.uidToNum[uid]
	s.mu.Unlock()
	if !ok {
		return nil // already gone server-side
	}
	if _, err := s.command(ctx, "DELE", strconv.Itoa(num)); err != nil {
		return err
	}
	s.mu.Lock()
	s.marked[uid] = true
	s.mu.Unlock()
	return nil
}

// Expunge marks the UIDs deleted and commits with QUIT. POP3 deletions
// only take effect at QUIT, so the session ends disconnected.
func (s *POP3Session) Expunge(ctx context.Context, uids []uint32) error {
	for _, uid := range uids {
		if err := s.dele(ctx, uid); err != nil {
			return err
		}
	}
	if _, err := s.command(ctx, "QUIT"); err != nil {
		return err
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = StateDisconnected
	s.mu.Unlock()
	return nil
}

// Noop issues a keepalive.
func (s *POP3Session) Noop(ctx context.Context) error {
	_, err := s.command(ctx, "NOOP")
	return err
}

// Disconnect sends QUIT best-effort and closes the socket. The server
// commits any outstanding DELE marks at QUIT.
func (s *POP3Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.SetDeadline(time.Now().Add(5 * time.Second))
	_ = s.enc.Command("QUIT")
	_, _ = s.r.ReadStatus()
	err := s.conn.Close()
	s.conn = nil
	s.state = StateDisconnected
	if err != nil {
		return fmt.Errorf("closing pop3 connection: %w", err)
	}
	return nil
}

func (s *POP3Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = StateFailed
}

func (s *POP3Session) messageNum(uid uint32) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	num, ok := s.uidToNum[uid]
	return num, ok
}

// uidlHash folds a UIDL string into the stable 32-bit identifier the
// cache keys messages by.
func uidlHash(uidl string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(uidl))
	return h.Sum32()
}

// isNetErr reports whether err means the transport itself broke. A
// dropped connection surfaces as io.EOF from the reader, not as a
// net.Error, so both families count.
func isNetErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}
