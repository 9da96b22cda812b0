// Package engine wires the store, credential keeper, sync loops, and
// outbox flushers into one coordinating facade. Callers interact with
// the engine; the engine owns sessions and background goroutines.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/credential"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/outbox"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/session"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/store"
	mailsync "github.com/PratikP1/Wixen-Mail-sub002/internal/sync"
)

// Engine is the top-level mail engine. One instance serves every
// configured account.
type Engine struct {
	cfg    *model.EngineConfig
	st     store.Store
	keeper *credential.Keeper
	rec    *mailsync.Reconciler
	logger *slog.Logger

	mu       stdsync.Mutex
	started  bool
	loops    map[string]*mailsync.AccountLoop
	flushers map[string]*outbox.Flusher
	// cmdSessions are short-lived sessions for interactive commands
	// (flag changes, body fetches); the sync loops own their own.
	cmdSessions map[string]session.MailSession

	results chan mailsync.Result
	done    chan struct{}
}

// New opens the store, unlocks the credential keeper, and registers the
// configured accounts. Background work starts with Start.
func New(cfg *model.EngineConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}

	keeper, err := credential.NewKeeper(st, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening credential keeper: %w", err)
	}

	e := &Engine{
		cfg:         cfg,
		st:          st,
		keeper:      keeper,
		rec:         mailsync.NewReconciler(st, cfg.Sync, logger),
		logger:      logger,
		loops:       make(map[string]*mailsync.AccountLoop),
		flushers:    make(map[string]*outbox.Flusher),
		cmdSessions: make(map[string]session.MailSession),
		results:     make(chan mailsync.Result, 64),
		done:        make(chan struct{}),
	}

	ctx := context.Background()
	for _, ac := range cfg.Accounts {
		acct := ac.Account()
		if acct.ID == "" {
			return nil, fmt.Errorf("account %s has no id", ac.Email)
		}
		if err := st.UpsertAccount(ctx, acct); err != nil {
			st.Close()
			return nil, fmt.Errorf("registering account %s: %w", ac.Email, err)
		}
		if acct.AuthKind == model.AuthOAuth2 {
			keeper.RegisterProvider(acct.ID, ac.OAuth)
		}
	}

	return e, nil
}

// Start launches a sync loop and an outbox flusher for every enabled
// account.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	accounts, err := e.st.GetAccounts(ctx)
	if err != nil {
		return err
	}

	for _, acct := range accounts {
		if !acct.Enabled {
			continue
		}
		loop := mailsync.NewAccountLoop(acct, e.rec, e.sessionFactory(), e.cfg.Sync, e.logger)
		loop.Start(ctx)
		e.loops[acct.ID] = loop
		go e.forwardResults(loop)

		sender := session.NewSMTPSession(acct, e.keeper, e.logger)
		flusher := outbox.NewFlusher(acct, e.st, sender, e.cfg.Outbox, e.logger)
		flusher.Start(ctx)
		e.flushers[acct.ID] = flusher

		e.logger.Info("account started", "account", acct.Email, "protocol", acct.Protocol)
	}

	e.started = true
	return nil
}

// Stop halts background work and closes the cache. The engine cannot be
// restarted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return e.st.Close()
	}
	e.started = false

	close(e.done)
	for _, loop := range e.loops {
		loop.Stop()
	}
	for _, flusher := range e.flushers {
		flusher.Stop()
	}
	for id, sess := range e.cmdSessions {
		if err := sess.Disconnect(); err != nil {
			e.logger.Warn("disconnecting command session", "account", id, "error", err)
		}
	}
	e.cmdSessions = make(map[string]session.MailSession)

	return e.st.Close()
}

// sessionFactory builds protocol sessions for the sync loops.
func (e *Engine) sessionFactory() mailsync.SessionFactory {
	return func(acct model.Account) session.MailSession {
		if acct.Protocol == model.ProtocolPOP3 {
			return session.NewPOP3Session(acct, e.keeper, e.logger)
		}
		return session.NewIMAPSession(acct, e.keeper, e.logger)
	}
}

func (e *Engine) forwardResults(loop *mailsync.AccountLoop) {
	for {
		select {
		case <-e.done:
			return
		case res := <-loop.Results():
			select {
			case e.results <- res:
			default:
				// A slow consumer drops results, never blocks sync.
			}
		}
	}
}

// Results carries sync outcomes for every account.
func (e *Engine) Results() <-chan mailsync.Result {
	return e.results
}

// Statuses reports the current state of every account loop.
func (e *Engine) Statuses() []mailsync.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]mailsync.Status, 0, len(e.loops))
	for _, loop := range e.loops {
		out = append(out, loop.Status())
	}
	return out
}

// SyncNow requests an immediate sync pass for the account.
func (e *Engine) SyncNow(accountID string) {
	e.mu.Lock()
	loop := e.loops[accountID]
	e.mu.Unlock()
	if loop != nil {
		loop.Trigger()
	}
}

// SendNow nudges the account's outbox flusher.
func (e *Engine) SendNow(accountID string) {
	e.mu.Lock()
	flusher := e.flushers[accountID]
	e.mu.Unlock()
	if flusher != nil {
		flusher.Trigger()
	}
}

// QueueMessage renders the draft and queues it for transmission.
func (e *Engine) QueueMessage(ctx context.Context, accountID string, draft *model.Draft) (model.OutboxEntry, error) {
	e.mu.Lock()
	flusher := e.flushers[accountID]
	e.mu.Unlock()
	if flusher == nil {
		return model.OutboxEntry{}, fault.Policy("queueing message", fmt.Errorf("unknown account %s", accountID))
	}
	return flusher.Enqueue(ctx, draft)
}

// Outbox lists the account's queued, in-flight, and finished entries.
func (e *Engine) Outbox(ctx context.Context, accountID string) ([]model.OutboxEntry, error) {
	return e.st.GetOutbox(ctx, accountID)
}

// Search runs a full-text query over the cached messages of one account,
// or all accounts when accountID is empty.
func (e *Engine) Search(ctx context.Context, accountID, query string, limit int) ([]model.Message, error) {
	return e.st.Search(ctx, accountID, query, limit)
}

// Folders lists the account's cached folders.
func (e *Engine) Folders(ctx context.Context, accountID string) ([]model.Folder, error) {
	return e.st.GetFolders(ctx, accountID)
}

// Messages lists cached messages per the filter.
func (e *Engine) Messages(ctx context.Context, filter store.MessageFilter) ([]model.Message, error) {
	return e.st.GetMessages(ctx, filter)
}

// SetPassword stores an account password, encrypted at rest.
func (e *Engine) SetPassword(ctx context.Context, accountID string, password model.Secret) error {
	return e.keeper.SetPassword(ctx, accountID, password)
}

// AuthorizeOAuth exchanges an authorization code for tokens and stores
// them.
func (e *Engine) AuthorizeOAuth(ctx context.Context, accountID, code string) error {
	_, err := e.keeper.ExchangeCode(ctx, accountID, code)
	return err
}
