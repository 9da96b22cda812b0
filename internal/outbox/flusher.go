package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/store"
)

// Sender transmits one rendered message. Implemented by
// session.SMTPSession.
type Sender interface {
	Send(ctx context.Context, from string, rcpts []string, payload []byte) error
}

const (
	defaultMaxAttempts    = 5
	defaultBackoffBaseSec = 30
	defaultBackoffCapSec  = 900
)

// Flusher drains one account's outbox. Entries are claimed in batches,
// sent, and either marked sent or rescheduled with exponential backoff.
// Permanent rejections are never retried.
type Flusher struct {
	account model.Account
	st      store.Store
	sender  Sender
	cfg     model.OutboxConfig
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	running   bool
	triggerCh chan struct{}
	stopCh    chan struct{}
}

func NewFlusher(account model.Account, st store.Store, sender Sender, cfg model.OutboxConfig, logger *slog.Logger) *Flusher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBaseSec <= 0 {
		cfg.BackoffBaseSec = defaultBackoffBaseSec
	}
	if cfg.BackoffCapSec <= 0 {
		cfg.BackoffCapSec = defaultBackoffCapSec
	}
	return &Flusher{
		account:   account,
		st:        st,
		sender:    sender,
		cfg:       cfg,
		logger:    logger.With("account", account.Email),
		now:       time.Now,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Enqueue renders the draft, persists it as a queued entry, and nudges
// the flush loop. The entry survives restarts; rendering happens once,
// at enqueue time.
func (f *Flusher) Enqueue(ctx context.Context, draft *model.Draft) (model.OutboxEntry, error) {
	payload, msgID, err := Render(draft)
	if err != nil {
		return model.OutboxEntry{}, fault.Policy("rendering draft", err)
	}

	entry := model.OutboxEntry{
		AccountID:   f.account.ID,
		From:        draft.From,
		Recipients:  draft.AllRecipients(),
		Payload:     payload,
		NextAttempt: f.now(),
	}
	if err := f.st.EnqueueOutbox(ctx, entry); err != nil {
		return model.OutboxEntry{}, err
	}
	f.logger.Info("message queued", "message_id", msgID, "recipients", len(entry.Recipients))
	f.Trigger()
	return entry, nil
}

// Start launches the flush loop. Stop or ctx cancellation ends it.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.run(ctx)
}

// Stop halts the flush loop.
func (f *Flusher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	close(f.stopCh)
	f.running = false
}

// Trigger requests an immediate flush pass. Non-blocking.
func (f *Flusher) Trigger() {
	select {
	case f.triggerCh <- struct{}{}:
	default:
	}
}

func (f *Flusher) run(ctx context.Context) {
	// The tick catches entries whose retry delay elapsed with no
	// trigger; the base delay is the soonest a retry can come due.
	ticker := time.NewTicker(time.Duration(f.cfg.BackoffBaseSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-f.stopCh:
			return
		case <-f.triggerCh:
		case <-ticker.C:
		}
		if err := f.RunOnce(ctx); err != nil {
			f.logger.Warn("flush pass failed", "error", err)
		}
	}
}

// RunOnce claims every due entry and attempts transmission. Send
// failures are recorded per entry and do not abort the pass; the
// returned error covers claim failures only.
func (f *Flusher) RunOnce(ctx context.Context) error {
	entries, err := f.st.ClaimDueOutbox(ctx, f.account.ID, f.now(), f.cfg.MaxAttempts)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		f.attempt(ctx, entry)
	}
	return nil
}

func (f *Flusher) attempt(ctx context.Context, entry model.OutboxEntry) {
	err := f.sender.Send(ctx, entry.From, entry.Recipients, entry.Payload)
	if err == nil {
		if err := f.st.MarkOutboxSent(ctx, entry.ID); err != nil {
			f.logger.Error("recording sent message", "id", entry.ID, "error", err)
			return
		}
		f.logger.Info("message sent", "id", entry.ID, "attempt", entry.Attempts+1)
		return
	}

	upd := store.OutboxUpdate{ID: entry.ID, FailReason: err.Error()}
	attempts := entry.Attempts + 1

	switch {
	case fault.KindOf(err) == fault.KindPolicy:
		// Server said no; retrying the same message cannot help.
		f.logger.Error("message rejected", "id", entry.ID, "error", err)
	case attempts >= f.cfg.MaxAttempts:
		f.logger.Error("message failed permanently", "id", entry.ID, "attempts", attempts, "error", err)
	default:
		delay := f.retryDelay(entry.Attempts)
		upd.NextAttempt = f.now().Add(delay)
		f.logger.Warn("send failed, will retry", "id", entry.ID, "attempt", attempts, "retry_in", delay, "error", err)
	}

	if err := f.st.MarkOutboxFailed(ctx, upd); err != nil {
		f.logger.Error("recording failed attempt", "id", entry.ID, "error", err)
	}
}

// retryDelay doubles per prior attempt from the base, capped.
func (f *Flusher) retryDelay(priorAttempts int) time.Duration {
	delay := time.Duration(f.cfg.BackoffBaseSec) * time.Second
	ceiling := time.Duration(f.cfg.BackoffCapSec) * time.Second
	for i := 0; i < priorAttempts; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}
