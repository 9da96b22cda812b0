package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
)

// SMTPSession submits outbound mail for one account. Each Send dials a
// fresh connection; SMTP submission is bursty enough that keeping a
// session warm buys nothing.
type SMTPSession struct {
	account model.Account
	creds   CredentialSource
	timeout time.Duration
	logger  *slog.Logger
}

// NewSMTPSession creates a submission session for the given account.
func NewSMTPSession(account model.Account, creds CredentialSource, logger *slog.Logger) *SMTPSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSession{
		account: account,
		creds:   creds,
		timeout: defaultTimeout,
		logger:  logger.With("component", "session/smtp", "account", account.ID),
	}
}

// Send submits one rendered message to all recipients. A 4xx server
// reply comes back transient, a 5xx reply permanent, so callers can
// decide between retry and terminal failure.
func (s *SMTPSession) Send(ctx context.Context, from string, rcpts []string, payload []byte) error {
	if len(rcpts) == 0 {
		return fault.Policy("smtp send", errors.New("no recipients"))
	}

	client, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := s.authenticate(ctx, client, false); err != nil {
		return err
	}

	if err := client.Mail(from, nil); err != nil {
		return classifySMTP("smtp mail", err)
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt, nil); err != nil {
			cErr := classifySMTP("smtp rcpt", err)
			if fault.KindOf(cErr) == fault.KindPolicy {
				return fault.Policy("smtp rcpt", fmt.Errorf("rejected recipient %s: %w", rcpt, err))
			}
			return cErr
		}
	}
	w, err := client.Data()
	if err != nil {
		return classifySMTP("smtp data", err)
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return fault.Transport("smtp data", err)
	}
	if err := w.Close(); err != nil {
		return classifySMTP("smtp data", err)
	}

	s.logger.Info("message submitted", "recipients", len(rcpts), "bytes", len(payload))
	return client.Quit()
}

func (s *SMTPSession) dial(ctx context.Context) (*smtp.Client, error) {
	conn, err := dialEndpoint(ctx, s.account.Outgoing, s.timeout)
	if err != nil {
		return nil, err
	}
	if s.account.Outgoing.Security == model.SecurityStartTLS {
		// The upgrade happens during the first command exchange.
		return smtp.NewClientStartTLS(conn, &tls.Config{ServerName: s.account.Outgoing.Host})
	}
	return smtp.NewClient(conn), nil
}

func (s *SMTPSession) authenticate(ctx context.Context, client *smtp.Client, refreshed bool) error {
	var mech sasl.Client
	switch s.account.AuthKind {
	case model.AuthOAuth2:
		pair, err := s.creds.AccessToken(ctx, s.account.ID)
		if err != nil {
			return fault.Security("loading token", err)
		}
		mech = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: s.account.Email,
			Token:    string(pair.AccessToken),
			Host:     s.account.Outgoing.Host,
			Port:     s.account.Outgoing.Port,
		})
	default:
		password, err := s.creds.Password(ctx, s.account.ID)
		if err != nil {
			return fault.Security("loading password", err)
		}
		mech = sasl.NewPlainClient("", s.account.Email, string(password))
	}

	err := client.Auth(mech)
	if err == nil {
		return nil
	}
	if s.account.AuthKind == model.AuthOAuth2 && !refreshed {
		s.logger.Debug("authentication rejected, refreshing token")
		if _, rErr := s.creds.Refresh(ctx, s.account.ID); rErr != nil {
			return fault.Auth("refreshing token", rErr)
		}
		return s.authenticate(ctx, client, true)
	}
	return fault.Auth("smtp auth", err)
}

// SendDraft renders nothing itself; it exists so callers holding a
// pre-rendered body and an address list need not repeat the recipient
// expansion.
func (s *SMTPSession) SendDraft(ctx context.Context, draft *model.Draft, payload []byte) error {
	from := draft.From
	if from == "" {
		from = s.account.Email
	}
	return s.Send(ctx, from, draft.AllRecipients(), payload)
}

// classifySMTP maps SMTP reply codes onto fault kinds: 4xx is worth a
// retry, 5xx is a permanent rejection.
func classifySMTP(op string, err error) error {
	var srvErr *smtp.SMTPError
	if errors.As(err, &srvErr) {
		if srvErr.Code >= 500 {
			return fault.Policy(op, fmt.Errorf("server rejected (%d): %s", srvErr.Code, srvErr.Message))
		}
		return fault.Protocol(op, fmt.Errorf("server deferred (%d): %s", srvErr.Code, srvErr.Message))
	}
	return fault.Transport(op, err)
}
