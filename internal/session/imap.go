package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sqs/go-xoauth2"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/wire"
)

// envelopeFields are the headers fetched for envelope-only sync.
const envelopeFields = "FROM TO CC BCC SUBJECT DATE MESSAGE-ID IN-REPLY-TO REFERENCES"

// IMAPSession is one authenticated IMAP connection. All commands are
// serialized; the owning reconciler is the only caller.
type IMAPSession struct {
	account model.Account
	creds   CredentialSource
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	r      *wire.IMAPReader
	enc    *wire.IMAPEncoder
	state  State
	tagSeq int

	selected    string
	uidValidity uint32
}

// NewIMAPSession creates a session for the given account. Connect and
// Authenticate must be called before any mailbox operation.
func NewIMAPSession(account model.Account, creds CredentialSource, logger *slog.Logger) *IMAPSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &IMAPSession{
		account: account,
		creds:   creds,
		timeout: defaultTimeout,
		logger:  logger.With("component", "session/imap", "account", account.ID),
	}
}

// Capabilities reports full flag support and IDLE push.
func (s *IMAPSession) Capabilities() Capability {
	return Capability{RemoteFlags: true, Push: true}
}

// State returns the current session state.
func (s *IMAPSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *IMAPSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect dials the server, negotiates TLS (immediate or STARTTLS), and
// consumes the greeting.
func (s *IMAPSession) Connect(ctx context.Context) error {
	s.setState(StateConnecting)

	conn, err := dialEndpoint(ctx, s.account.Incoming, s.timeout)
	if err != nil {
		s.setState(StateFailed)
		return err
	}
	s.conn = conn
	s.r = wire.NewIMAPReader(conn)
	s.enc = wire.NewIMAPEncoder(conn)

	// Greeting.
	if _, err := s.readLineDeadline(); err != nil {
		s.fail()
		return fault.Transport("imap greeting", err)
	}

	if s.account.Incoming.Security == model.SecurityStartTLS {
		if _, err := s.exec(ctx, "STARTTLS"); err != nil {
			s.fail()
			return err
		}
		upgraded, err := upgradeTLS(ctx, s.conn, s.account.Incoming.Host)
		if err != nil {
			s.fail()
			return err
		}
		s.conn = upgraded
		s.r = wire.NewIMAPReader(upgraded)
		s.enc = wire.NewIMAPEncoder(upgraded)
	}

	s.setState(StateAuthenticating)
	return nil
}

// Authenticate sends credentials. Password accounts use LOGIN; OAuth
// accounts use AUTHENTICATE XOAUTH2 with one transparent token refresh
// before the failure is surfaced.
func (s *IMAPSession) Authenticate(ctx context.Context) error {
	var err error
	switch s.account.AuthKind {
	case model.AuthOAuth2:
		err = s.authenticateOAuth(ctx, false)
	default:
		err = s.login(ctx)
	}
	if err != nil {
		s.fail()
		return err
	}
	s.setState(StateReady)
	return nil
}

func (s *IMAPSession) login(ctx context.Context) error {
	password, err := s.creds.Password(ctx, s.account.ID)
	if err != nil {
		return fault.Security("loading password", err)
	}
	_, err = s.exec(ctx, fmt.Sprintf("LOGIN %s %s",
		wire.Quote(s.account.Email), wire.Quote(string(password))))
	if err != nil {
		return fault.Auth("imap login", err)
	}
	return nil
}

func (s *IMAPSession) authenticateOAuth(ctx context.Context, refreshed bool) error {
	pair, err := s.creds.AccessToken(ctx, s.account.ID)
	if err != nil {
		return fault.Security("loading token", err)
	}

	b64 := xoauth2.XOAuth2String(s.account.Email, string(pair.AccessToken))
	_, err = s.exec(ctx, "AUTHENTICATE XOAUTH2 "+b64)
	if err == nil {
		return nil
	}
	if refreshed || fault.Is(err, fault.KindTransport) {
		return fault.Auth("imap xoauth2", err)
	}

	// Expired-token signal: refresh once and retry.
	s.logger.Debug("authentication rejected, refreshing token")
	if _, rErr := s.creds.Refresh(ctx, s.account.ID); rErr != nil {
		return fault.Auth("refreshing token", rErr)
	}
	return s.authenticateOAuth(ctx, true)
}

// nextTag produces a command tag. Tags only need to be unique per
// connection.
func (s *IMAPSession) nextTag() string {
	s.tagSeq++
	return fmt.Sprintf("W%04d", s.tagSeq)
}

func (s *IMAPSession) readLineDeadline() ([]byte, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	return s.r.ReadLine()
}

// exec writes one tagged command and collects untagged response lines
// until the tagged completion. It serializes all callers and carries
// read/write deadlines throughout.
func (s *IMAPSession) exec(ctx context.Context, command string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil, fault.Transport("imap exec", errors.New("not connected"))
	}
	if err := ctx.Err(); err != nil {
		return nil, fault.Transport("imap exec", err)
	}

	prev := s.state
	s.state = StateBusy
	defer func() {
		if s.state == StateBusy {
			s.state = prev
		}
	}()

	tag := s.nextTag()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.enc.Command(tag, command); err != nil {
		s.state = StateFailed
		return nil, fault.Transport("imap write", err)
	}

	var lines [][]byte
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		line, err := s.r.ReadLine()
		if err != nil {
			var pe *wire.ParseError
			if errors.As(err, &pe) {
				s.state = StateFailed
				return lines, fault.Protocol("imap read", err)
			}
			s.state = StateFailed
			return lines, fault.Transport("imap read", err)
		}

		if status, rest, ok := wire.IsTagged(line, tag); ok {
			if status != "OK" {
				return lines, fault.Protocol("imap command",
					fmt.Errorf("server replied %s: %s", status, rest))
			}
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// ListFolders issues LIST "" "*" and returns the mailbox hierarchy.
func (s *IMAPSession) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	lines, err := s.exec(ctx, `LIST "" "*"`)
	if err != nil {
		return nil, err
	}
	var folders []FolderInfo
	for _, line := range lines {
		entry, err := wire.ParseList(line)
		if err != nil {
			continue // tolerate unrelated untagged noise
		}
		folders = append(folders, FolderInfo{
			Path:       entry.Name,
			Delimiter:  entry.Delimiter,
			Attributes: entry.Attributes,
		})
	}
	return folders, nil
}

// SelectFolder issues SELECT and records UIDVALIDITY for the folder.
func (s *IMAPSession) SelectFolder(ctx context.Context, path string) (*SelectInfo, error) {
	lines, err := s.exec(ctx, "SELECT "+wire.Quote(path))
	if err != nil {
		return nil, err
	}

	info := &SelectInfo{}
	for _, line := range lines {
		if u, ok := wire.ParseUntagged(line); ok {
			if strings.EqualFold(u.Keyword, "EXISTS") {
				info.Exists = u.Num
			}
		}
		if code, arg, ok := wire.ParseResponseCode(line); ok {
			switch code {
			case "UIDVALIDITY":
				fmt.Sscanf(arg, "%d", &info.UIDValidity)
			case "UIDNEXT":
				fmt.Sscanf(arg, "%d", &info.UIDNext)
			}
		}
	}

	s.mu.Lock()
	s.selected = path
	s.uidValidity = info.UIDValidity
	s.mu.Unlock()
	return info, nil
}

// FetchFlags returns UID → flags for every message in the selected
// folder. This is the lightweight query the reconciler diffs against
// the cache for flag changes and removals.
func (s *IMAPSession) FetchFlags(ctx context.Context) (map[uint32]model.Flags, error) {
	lines, err := s.exec(ctx, "UID FETCH 1:* (UID FLAGS)")
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]model.Flags, len(lines))
	for _, line := range lines {
		rec, err := wire.ParseFetch(line)
		if err != nil || rec.UID == 0 {
			continue
		}
		out[rec.UID] = flagsFromList(rec.Flags)
	}
	return out, nil
}

// FetchEnvelopes retrieves envelope headers, flags, and sizes for the
// given UIDs without touching the bodies.
func (s *IMAPSession) FetchEnvelopes(ctx context.Context, uids []uint32) ([]EnvelopeRecord, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	cmd := fmt.Sprintf("UID FETCH %s (UID RFC822.SIZE FLAGS BODY.PEEK[HEADER.FIELDS (%s)])",
		uidSet(uids), envelopeFields)
	lines, err := s.exec(ctx, cmd)
	if err != nil {
		return nil, err
	}

	requested := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		requested[u] = true
	}

	var records []EnvelopeRecord
	for _, line := range lines {
		rec, err := wire.ParseFetch(line)
		if err != nil || !requested[rec.UID] {
			continue
		}
		er := EnvelopeRecord{
			UID:   rec.UID,
			Flags: flagsFromList(rec.Flags),
			Size:  rec.Size,
		}
		if env, err := wire.ParseHeaderBlock(rec.Body); err == nil {
			er.Envelope = *env
		} else {
			s.logger.Warn("unparseable envelope", "uid", rec.UID, "error", err)
		}
		records = append(records, er)
	}
	return records, nil
}

// FetchBody retrieves the complete raw message for one UID without
// setting \Seen.
func (s *IMAPSession) FetchBody(ctx context.Context, uid uint32) ([]byte, error) {
	lines, err := s.exec(ctx, fmt.Sprintf("UID FETCH %d (UID BODY.PEEK[])", uid))
	if err != nil {
		return nil, err
	}
	for _, line := range lines {
		rec, err := wire.ParseFetch(line)
		if err != nil || rec.UID != uid {
			continue
		}
		return rec.Body, nil
	}
	return nil, fault.Protocol("imap fetch body",
		fmt.Errorf("server returned no body for UID %d", uid))
}

// MutateFlags adds or removes one flag on the given UIDs. The silent
// variant avoids an echo of the new flag state.
func (s *IMAPSession) MutateFlags(ctx context.Context, uids []uint32, flag Flag, add bool) error {
	if len(uids) == 0 {
		return nil
	}
	op := "+FLAGS.SILENT"
	if !add {
		op = "-FLAGS.SILENT"
	}
	_, err := s.exec(ctx, fmt.Sprintf("UID STORE %s %s (%s)", uidSet(uids), op, flag))
	return err
}

// Expunge permanently removes the given UIDs, which must already carry
// \Deleted. A nil return is the server-side confirmation.
func (s *IMAPSession) Expunge(ctx context.Context, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	if err := s.MutateFlags(ctx, uids, FlagDeleted, true); err != nil {
		return err
	}
	_, err := s.exec(ctx, "UID EXPUNGE "+uidSet(uids))
	if err != nil {
		// UIDPLUS not offered; fall back to folder-wide EXPUNGE.
		_, err = s.exec(ctx, "EXPUNGE")
	}
	return err
}

// AwaitPush enters IDLE and blocks until the server pushes an event,
// the timeout expires, or ctx is canceled. DONE is always sent before
// returning so the session is ready for the next command.
func (s *IMAPSession) AwaitPush(ctx context.Context, timeout time.Duration) (PushEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return PushEvent{}, fault.Transport("imap idle", errors.New("not connected"))
	}

	tag := s.nextTag()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.enc.Command(tag, "IDLE"); err != nil {
		s.state = StateFailed
		return PushEvent{}, fault.Transport("idle write", err)
	}

	// The server acknowledges IDLE with a continuation request.
	_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	line, err := s.r.ReadLine()
	if err != nil {
		s.state = StateFailed
		return PushEvent{}, fault.Transport("idle ack", err)
	}
	if !wire.IsContinuation(line) {
		s.state = StateFailed
		return PushEvent{}, fault.Protocol("idle ack",
			fmt.Errorf("expected continuation, got %q", line))
	}
	s.state = StateIdle

	// Unblock the read on cancellation by expiring the deadline.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	deadline := time.Now().Add(timeout)
	_ = s.conn.SetReadDeadline(deadline)

	var event PushEvent
	timedOut := false
	for {
		line, err := s.r.ReadLine()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				timedOut = true
				break
			}
			s.state = StateFailed
			return PushEvent{}, fault.Transport("idle read", err)
		}
		if ev, ok := parsePushLine(line); ok {
			event = ev
			break
		}
	}

	// Exit IDLE: send DONE and drain to the tagged completion.
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.enc.Raw("DONE"); err != nil {
		s.state = StateFailed
		return PushEvent{}, fault.Transport("idle done", err)
	}
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
		line, err := s.r.ReadLine()
		if err != nil {
			s.state = StateFailed
			return PushEvent{}, fault.Transport("idle drain", err)
		}
		if _, _, ok := wire.IsTagged(line, tag); ok {
			break
		}
		// A push can race the DONE; keep the first event seen.
		if ev, ok := parsePushLine(line); ok && timedOut {
			event = ev
			timedOut = false
		}
	}

	s.state = StateReady
	if ctxErr := ctx.Err(); ctxErr != nil && timedOut {
		return PushEvent{}, fault.Transport("idle wait", ctxErr)
	}
	if timedOut {
		return PushEvent{Type: PushTimeout}, nil
	}
	return event, nil
}

// parsePushLine maps an unsolicited response to a push event.
func parsePushLine(line []byte) (PushEvent, bool) {
	u, ok := wire.ParseUntagged(line)
	if !ok {
		return PushEvent{}, false
	}
	switch strings.ToUpper(u.Keyword) {
	case "EXISTS":
		return PushEvent{Type: PushExists, Seq: u.Num}, true
	case "EXPUNGE":
		return PushEvent{Type: PushExpunge, Seq: u.Num}, true
	case "FETCH":
		return PushEvent{Type: PushFlags, Seq: u.Num}, true
	}
	return PushEvent{}, false
}

// Disconnect sends LOGOUT best-effort and closes the socket.
func (s *IMAPSession) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	_ = s.conn.SetDeadline(time.Now().Add(5 * time.Second))
	_ = s.enc.Command(s.nextTag(), "LOGOUT")
	err := s.conn.Close()
	s.conn = nil
	s.state = StateDisconnected
	if err != nil {
		return fmt.Errorf("closing imap connection: %w", err)
	}
	return nil
}

// fail closes the socket and enters the absorbing failed state.
func (s *IMAPSession) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = StateFailed
}

// uidSet renders UIDs as an IMAP sequence set.
func uidSet(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = fmt.Sprintf("%d", u)
	}
	return strings.Join(parts, ",")
}

func flagsFromList(flags []string) model.Flags {
	var f model.Flags
	for _, raw := range flags {
		switch strings.ToUpper(raw) {
		case `\SEEN`:
			f.Seen = true
		case `\FLAGGED`:
			f.Starred = true
		case `\DELETED`:
			f.Deleted = true
		case `\ANSWERED`:
			f.Answered = true
		}
	}
	return f
}
