package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/session"
)

// LoopState represents the current state of an account's sync loop.
type LoopState int

const (
	LoopIdle LoopState = iota
	LoopRunning
	LoopError
)

// Status holds the sync state for a single account.
type Status struct {
	AccountID string
	State     LoopState
	LastSync  time.Time
	Err       error
}

// Result is emitted after every completed (or failed) account pass.
type Result struct {
	AccountID string
	Summaries []model.SyncSummary
	Err       error
	// AuthFailed marks an error that needs user action (reconfigure or
	// re-consent) rather than a retry.
	AuthFailed bool
}

// reconnectBase and reconnectCap bound the backoff between session
// reconnect attempts.
const (
	reconnectBase = 5 * time.Second
	reconnectCap  = 5 * time.Minute
)

// SessionFactory builds a fresh disconnected session for an account.
type SessionFactory func(account model.Account) session.MailSession

// AccountLoop keeps one account's cache fresh: periodic polls, manual
// triggers, and IDLE push when the session supports it. The loop owns
// its session exclusively.
type AccountLoop struct {
	account    model.Account
	reconciler *Reconciler
	factory    SessionFactory
	cfg        model.SyncConfig
	logger     *slog.Logger

	resultCh  chan Result
	triggerCh chan struct{}
	stopCh    chan struct{}

	mu      gosync.Mutex
	status  Status
	running bool
}

// NewAccountLoop creates a loop for one account. Pass outcomes are
// delivered on Results.
func NewAccountLoop(account model.Account, rec *Reconciler, factory SessionFactory, cfg model.SyncConfig, logger *slog.Logger) *AccountLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountLoop{
		account:    account,
		reconciler: rec,
		factory:    factory,
		cfg:        cfg,
		logger:     logger.With("component", "sync/loop", "account", account.ID),
		resultCh:   make(chan Result, 16),
		triggerCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		status:     Status{AccountID: account.ID},
	}
}

// Start launches the loop goroutine. Stop or ctx cancellation ends it.
func (l *AccountLoop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop halts the loop.
func (l *AccountLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	close(l.stopCh)
	l.running = false
}

// Trigger requests an immediate sync pass. Non-blocking; a pending
// trigger coalesces with the new one.
func (l *AccountLoop) Trigger() {
	select {
	case l.triggerCh <- struct{}{}:
	default:
	}
}

// Results returns the channel carrying per-pass outcomes.
func (l *AccountLoop) Results() <-chan Result {
	return l.resultCh
}

// Status returns the loop's current status.
func (l *AccountLoop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

func (l *AccountLoop) run(ctx context.Context) {
	backoff := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		default:
		}

		sess := l.factory(l.account)
		err := l.serveSession(ctx, sess)
		_ = sess.Disconnect()
		if err == nil {
			return // clean shutdown
		}

		l.setStatus(LoopError, err)
		l.sendResult(Result{
			AccountID:  l.account.ID,
			Err:        err,
			AuthFailed: fault.KindOf(err) == fault.KindAuth,
		})

		// Auth failures need user action; retrying with the same
		// credentials only locks accounts.
		if fault.KindOf(err) == fault.KindAuth {
			l.logger.Error("authentication failed, loop parked", "error", err)
			return
		}

		l.logger.Warn("session lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

// serveSession connects, then alternates sync passes with waiting:
// IDLE push when available, plain ticker otherwise. Returns nil only on
// shutdown.
func (l *AccountLoop) serveSession(ctx context.Context, sess session.MailSession) error {
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	if err := sess.Authenticate(ctx); err != nil {
		return err
	}

	if err := l.pass(ctx, sess); err != nil {
		return err
	}

	interval := time.Duration(l.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	idleTimeout := time.Duration(l.cfg.IdleTimeoutSec) * time.Second
	if idleTimeout <= 0 {
		idleTimeout = 29 * time.Minute
	}

	push, canPush := sess.(session.PushSession)
	canPush = canPush && sess.Capabilities().Push

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if canPush {
			// A manual trigger or shutdown must interrupt the idle wait,
			// not queue behind it: cancel a per-wait context so AwaitPush
			// sends DONE and hands the session back immediately.
			waitCtx, cancelWait := context.WithCancel(ctx)
			watchDone := make(chan struct{})
			var woken bool
			go func() {
				defer close(watchDone)
				select {
				case <-l.triggerCh:
					woken = true
					cancelWait()
				case <-l.stopCh:
					cancelWait()
				case <-waitCtx.Done():
				}
			}()
			ev, err := push.AwaitPush(waitCtx, idleTimeout)
			cancelWait()
			<-watchDone

			select {
			case <-ctx.Done():
				return nil
			case <-l.stopCh:
				return nil
			default:
			}

			if err != nil {
				if woken {
					// The trigger watcher ended the wait; the session is
					// back in the ready state and owes a pass.
					if err := l.pass(ctx, sess); err != nil {
						return err
					}
					continue
				}
				return err
			}
			if ev.Type != session.PushTimeout || woken {
				// Server push or manual request: reconcile immediately
				// rather than waiting out the poll interval.
				if err := l.pass(ctx, sess); err != nil {
					return err
				}
				continue
			}
			// IDLE expired quietly; service anything that queued up while
			// the session was suspended, then go back to idling.
			select {
			case <-l.triggerCh:
				if err := l.pass(ctx, sess); err != nil {
					return err
				}
			case <-ticker.C:
				if err := l.pass(ctx, sess); err != nil {
					return err
				}
			default:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.stopCh:
			return nil
		case <-l.triggerCh:
			if err := l.pass(ctx, sess); err != nil {
				return err
			}
		case <-ticker.C:
			if err := l.pass(ctx, sess); err != nil {
				return err
			}
		}
	}
}

func (l *AccountLoop) pass(ctx context.Context, sess session.MailSession) error {
	l.setStatus(LoopRunning, nil)
	summaries, err := l.reconciler.SyncAccount(ctx, sess, l.account.ID)
	if err != nil {
		l.setStatus(LoopError, err)
		return err
	}
	l.setStatus(LoopIdle, nil)
	l.sendResult(Result{AccountID: l.account.ID, Summaries: summaries})
	return nil
}

func (l *AccountLoop) setStatus(state LoopState, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.State = state
	l.status.Err = err
	if state == LoopIdle && err == nil {
		l.status.LastSync = time.Now()
	}
}

// sendResult delivers a result without blocking; a slow consumer drops
// intermediate results rather than stalling the loop.
func (l *AccountLoop) sendResult(res Result) {
	select {
	case l.resultCh <- res:
	default:
	}
}
