package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
)

const outboxColumns = `SELECT
	id, account_id, sender, recipients, payload, state, fail_reason,
	attempts, last_attempt, next_attempt, created_at
FROM outbox`

// EnqueueOutbox inserts a new entry in the queued state, due
// immediately.
func (s *SQLiteStore) EnqueueOutbox(ctx context.Context, entry model.OutboxEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.State == "" {
		entry.State = model.OutboxQueued
	}

	recipients, err := marshalList(entry.Recipients)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	next := entry.NextAttempt
	if next.IsZero() {
		next = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox (
			id, account_id, sender, recipients, payload, state,
			fail_reason, attempts, next_attempt, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AccountID, entry.From, recipients, entry.Payload,
		string(entry.State), entry.FailReason, entry.Attempts,
		next, now,
	)
	if err != nil {
		return fmt.Errorf("enqueueing outbox entry: %w", err)
	}

	return nil
}

// ClaimDueOutbox atomically moves every due entry for the account to the
// sending state and returns them. Due means queued, or failed under the
// attempt ceiling with its scheduled retry time elapsed. Claimed entries
// stay invisible to concurrent claims.
func (s *SQLiteStore) ClaimDueOutbox(ctx context.Context, accountID string, now time.Time, maxAttempts int) ([]model.OutboxEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, outboxColumns+`
		WHERE account_id = ?
			AND (state = 'queued' OR (state = 'failed' AND attempts < ?))
			AND next_attempt IS NOT NULL AND next_attempt <= ?
		ORDER BY created_at`,
		accountID, maxAttempts, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying due outbox entries: %w", err)
	}

	var entries []model.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range entries {
		_, err := tx.ExecContext(ctx,
			"UPDATE outbox SET state = 'sending', last_attempt = ? WHERE id = ?",
			now.UTC(), entries[i].ID)
		if err != nil {
			return nil, fmt.Errorf("claiming outbox entry %s: %w", entries[i].ID, err)
		}
		entries[i].State = model.OutboxSending
		entries[i].LastAttempt = now.UTC()
	}

	return entries, tx.Commit()
}

// MarkOutboxSent finalizes a successfully transmitted entry.
func (s *SQLiteStore) MarkOutboxSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET state = 'sent', fail_reason = '' WHERE id = ? AND state = 'sending'",
		id)
	if err != nil {
		return fmt.Errorf("marking outbox entry %s sent: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("marking outbox entry %s sent: %w", id, ErrNotFound)
	}
	return nil
}

// MarkOutboxFailed records a failed attempt, incrementing the attempt
// count. A zero NextAttempt leaves the entry terminal; otherwise the
// flusher will reclaim it once the retry time arrives.
func (s *SQLiteStore) MarkOutboxFailed(ctx context.Context, upd OutboxUpdate) error {
	var next interface{}
	if !upd.NextAttempt.IsZero() {
		next = upd.NextAttempt.UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET
			state = 'failed', fail_reason = ?, attempts = attempts + 1, next_attempt = ?
		WHERE id = ? AND state = 'sending'`,
		upd.FailReason, next, upd.ID)
	if err != nil {
		return fmt.Errorf("marking outbox entry %s failed: %w", upd.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("marking outbox entry %s failed: %w", upd.ID, ErrNotFound)
	}
	return nil
}

// GetOutbox retrieves all outbox entries for an account, oldest first.
func (s *SQLiteStore) GetOutbox(ctx context.Context, accountID string) ([]model.OutboxEntry, error) {
	rows, err := s.db.QueryxContext(ctx,
		outboxColumns+" WHERE account_id = ? ORDER BY created_at", accountID)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	defer rows.Close()

	var entries []model.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// scanOutbox scans an outbox row from a sqlx.Rows result set.
func scanOutbox(rows *sqlx.Rows) (model.OutboxEntry, error) {
	var (
		e           model.OutboxEntry
		recipients  string
		state       string
		lastAttempt sql.NullTime
		nextAttempt sql.NullTime
		createdAt   time.Time
	)

	err := rows.Scan(
		&e.ID, &e.AccountID, &e.From, &recipients, &e.Payload, &state,
		&e.FailReason, &e.Attempts, &lastAttempt, &nextAttempt, &createdAt,
	)
	if err != nil {
		return model.OutboxEntry{}, fmt.Errorf("scanning outbox row: %w", err)
	}

	if e.Recipients, err = unmarshalList(recipients); err != nil {
		return model.OutboxEntry{}, err
	}
	e.State = model.OutboxState(state)
	if lastAttempt.Valid {
		e.LastAttempt = lastAttempt.Time
	}
	if nextAttempt.Valid {
		e.NextAttempt = nextAttempt.Time
	}
	e.CreatedAt = createdAt

	return e, nil
}
