package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
)

const messageColumns = `SELECT
	m.id, m.folder_id, m.uid, m.message_id, m.subject, m.sender,
	m.rcpt_to, m.rcpt_cc, m.rcpt_bcc, m.date, m.in_reply_to, m.refs,
	m.body_text, m.body_html, m.body_fetched,
	m.seen, m.starred, m.deleted, m.answered, m.size
FROM messages m`

// ApplySyncDelta applies one folder reconciliation pass in a single
// transaction: UIDVALIDITY invalidation, new envelopes, flag updates,
// server-side removals, high-water mark, and count recomputation. A
// failure rolls the whole pass back.
func (s *SQLiteStore) ApplySyncDelta(ctx context.Context, folderID string, delta SyncDelta) (model.SyncSummary, error) {
	var summary model.SyncSummary

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		path        string
		uidValidity uint32
	)
	err = tx.QueryRowxContext(ctx,
		"SELECT path, uidvalidity FROM folders WHERE id = ?", folderID,
	).Scan(&path, &uidValidity)
	if err != nil {
		return summary, fmt.Errorf("reading folder %s: %w", folderID, notFound(err))
	}
	summary.FolderPath = path

	// UIDVALIDITY change means every cached UID is meaningless; wipe and
	// rebuild from the delta's new messages.
	if delta.UIDValidity != 0 && uidValidity != 0 && delta.UIDValidity != uidValidity {
		res, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE folder_id = ?", folderID)
		if err != nil {
			return summary, fmt.Errorf("invalidating folder %s: %w", folderID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			summary.Removed += int(n)
		}
	}

	if err := insertEnvelopes(ctx, tx, folderID, delta.NewMessages, &summary); err != nil {
		return summary, err
	}
	if err := applyFlagUpdates(ctx, tx, folderID, delta.FlagUpdates, &summary); err != nil {
		return summary, err
	}

	if len(delta.RemovedUIDs) > 0 {
		query, args, err := sqlx.In(
			"DELETE FROM messages WHERE folder_id = ? AND uid IN (?)",
			folderID, delta.RemovedUIDs)
		if err != nil {
			return summary, fmt.Errorf("building removal query: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return summary, fmt.Errorf("removing expunged messages: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			summary.Removed += int(n)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE folders SET
			uidvalidity = CASE WHEN ? > 0 THEN ? ELSE uidvalidity END,
			last_seen_uid = MAX(last_seen_uid, ?)
		WHERE id = ?`,
		delta.UIDValidity, delta.UIDValidity, delta.LastSeenUID, folderID)
	if err != nil {
		return summary, fmt.Errorf("updating folder bookkeeping: %w", err)
	}

	if err := refreshFolderCounts(ctx, tx, folderID); err != nil {
		return summary, err
	}

	return summary, tx.Commit()
}

func insertEnvelopes(ctx context.Context, tx *sqlx.Tx, folderID string, msgs []model.Message, summary *model.SyncSummary) error {
	if len(msgs) == 0 {
		return nil
	}

	const query = `
		INSERT INTO messages (
			id, folder_id, uid, message_id, subject, sender,
			rcpt_to, rcpt_cc, rcpt_bcc, date, in_reply_to, refs,
			body_text, body_html, body_fetched,
			seen, starred, deleted, answered, size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id, uid) DO NOTHING`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing envelope insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		to, err := marshalList(m.To)
		if err != nil {
			return err
		}
		cc, err := marshalList(m.CC)
		if err != nil {
			return err
		}
		bcc, err := marshalList(m.BCC)
		if err != nil {
			return err
		}
		refs, err := marshalList(m.References)
		if err != nil {
			return err
		}

		res, err := stmt.ExecContext(ctx,
			m.ID, folderID, m.UID, m.MessageID, m.Subject, m.From,
			to, cc, bcc, m.Date.UTC(), m.InReplyTo, refs,
			m.BodyText, m.BodyHTML, boolToInt(m.BodyFetched),
			boolToInt(m.Flags.Seen), boolToInt(m.Flags.Starred),
			boolToInt(m.Flags.Deleted), boolToInt(m.Flags.Answered),
			m.Size,
		)
		if err != nil {
			return fmt.Errorf("inserting message uid %d: %w", m.UID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			summary.New += int(n)
		}
	}

	return nil
}

func applyFlagUpdates(ctx context.Context, tx *sqlx.Tx, folderID string, updates map[uint32]model.Flags, summary *model.SyncSummary) error {
	if len(updates) == 0 {
		return nil
	}

	// The local soft-delete mark survives server flag state: deleted only
	// ever ORs in.
	const query = `
		UPDATE messages SET
			seen = ?, starred = ?, answered = ?, deleted = (deleted | ?)
		WHERE folder_id = ? AND uid = ?
			AND (seen <> ? OR starred <> ? OR answered <> ? OR (deleted | ?) <> deleted)`

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing flag update: %w", err)
	}
	defer stmt.Close()

	for uid, f := range updates {
		seen, starred, answered := boolToInt(f.Seen), boolToInt(f.Starred), boolToInt(f.Answered)
		deleted := boolToInt(f.Deleted)
		res, err := stmt.ExecContext(ctx,
			seen, starred, answered, deleted,
			folderID, uid,
			seen, starred, answered, deleted,
		)
		if err != nil {
			return fmt.Errorf("updating flags for uid %d: %w", uid, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			summary.Updated += int(n)
		}
	}

	return nil
}

// GetMessages retrieves messages matching the provided filter, newest
// first.
func (s *SQLiteStore) GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	var conditions []string
	var args []interface{}

	query := messageColumns
	if filter.AccountID != nil {
		query += " JOIN folders f ON f.id = m.folder_id"
		conditions = append(conditions, "f.account_id = ?")
		args = append(args, *filter.AccountID)
	}
	if filter.FolderID != nil {
		conditions = append(conditions, "m.folder_id = ?")
		args = append(args, *filter.FolderID)
	}
	if filter.UnseenOnly {
		conditions = append(conditions, "m.seen = 0")
	}
	if filter.StarredOnly {
		conditions = append(conditions, "m.starred = 1")
	}
	if !filter.IncludeDeleted {
		conditions = append(conditions, "m.deleted = 0")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY m.date DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// GetMessageByUID retrieves one message with its attachment metadata.
func (s *SQLiteStore) GetMessageByUID(ctx context.Context, folderID string, uid uint32) (*model.Message, error) {
	rows, err := s.db.QueryxContext(ctx,
		messageColumns+" WHERE m.folder_id = ? AND m.uid = ?", folderID, uid)
	if err != nil {
		return nil, fmt.Errorf("querying message uid %d: %w", uid, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("getting message uid %d: %w", uid, ErrNotFound)
	}
	msg, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	msg.Attachments, err = s.GetAttachments(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// SetFlags overwrites a message's flag set and refreshes the folder
// counts. Writing unchanged flags leaves the row untouched.
func (s *SQLiteStore) SetFlags(ctx context.Context, folderID string, uid uint32, flags model.Flags) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET seen = ?, starred = ?, deleted = ?, answered = ?
		WHERE folder_id = ? AND uid = ?`,
		boolToInt(flags.Seen), boolToInt(flags.Starred),
		boolToInt(flags.Deleted), boolToInt(flags.Answered),
		folderID, uid,
	)
	if err != nil {
		return fmt.Errorf("setting flags for uid %d: %w", uid, err)
	}

	if err := refreshFolderCounts(ctx, tx, folderID); err != nil {
		return err
	}
	return tx.Commit()
}

// SoftDelete marks messages locally deleted (or restores them). Rows are
// retained until a server-confirmed expunge is recorded.
func (s *SQLiteStore) SoftDelete(ctx context.Context, folderID string, uids []uint32, deleted bool) error {
	if len(uids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(
		"UPDATE messages SET deleted = ? WHERE folder_id = ? AND uid IN (?)",
		boolToInt(deleted), folderID, uids)
	if err != nil {
		return fmt.Errorf("building soft-delete query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("soft-deleting messages: %w", err)
	}

	if err := refreshFolderCounts(ctx, tx, folderID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordExpunge removes message rows after the server confirmed their
// expunge. This is the only way a cached row disappears outside a sync
// pass.
func (s *SQLiteStore) RecordExpunge(ctx context.Context, folderID string, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(
		"DELETE FROM messages WHERE folder_id = ? AND uid IN (?)",
		folderID, uids)
	if err != nil {
		return fmt.Errorf("building expunge query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("recording expunge: %w", err)
	}

	if err := refreshFolderCounts(ctx, tx, folderID); err != nil {
		return err
	}
	return tx.Commit()
}

// StoreBody fills in a lazily-fetched body and replaces the message's
// attachment metadata.
func (s *SQLiteStore) StoreBody(ctx context.Context, folderID string, uid uint32, textBody, htmlBody string, atts []model.Attachment) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var messageID string
	err = tx.QueryRowxContext(ctx,
		"SELECT id FROM messages WHERE folder_id = ? AND uid = ?",
		folderID, uid,
	).Scan(&messageID)
	if err != nil {
		return fmt.Errorf("locating message uid %d: %w", uid, notFound(err))
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET body_text = ?, body_html = ?, body_fetched = 1
		WHERE id = ?`,
		textBody, htmlBody, messageID)
	if err != nil {
		return fmt.Errorf("storing body for uid %d: %w", uid, err)
	}

	// Replace metadata but keep rows whose content was already fetched.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM attachments WHERE message_id = ? AND fetched = 0", messageID); err != nil {
		return fmt.Errorf("clearing attachment metadata: %w", err)
	}
	for _, a := range atts {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO attachments (id, message_id, filename, mime_type, size, fetched, content)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, messageID, a.Filename, a.MIMEType, a.Size,
			boolToInt(a.Fetched), a.Content)
		if err != nil {
			return fmt.Errorf("storing attachment %s: %w", a.Filename, err)
		}
	}

	return tx.Commit()
}

// Search runs a full-text query over subject, sender, and body text.
// Exact-phrase matches come first, then remaining token matches, each
// group newest first.
func (s *SQLiteStore) Search(ctx context.Context, accountID, query string, limit int) ([]model.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	phrase, err := s.searchMatch(ctx, accountID, ftsPhrase(query), limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(phrase))
	for _, m := range phrase {
		seen[m.ID] = true
	}

	results := phrase
	if len(results) < limit {
		tokens, err := s.searchMatch(ctx, accountID, ftsTokens(query), limit)
		if err != nil {
			return nil, err
		}
		for _, m := range tokens {
			if len(results) >= limit {
				break
			}
			if !seen[m.ID] {
				results = append(results, m)
			}
		}
	}

	return results, nil
}

func (s *SQLiteStore) searchMatch(ctx context.Context, accountID, match string, limit int) ([]model.Message, error) {
	q := messageColumns + `
		JOIN messages_fts ON messages_fts.rowid = m.rowid
		JOIN folders f ON f.id = m.folder_id
		WHERE messages_fts MATCH ? AND m.deleted = 0`
	args := []interface{}{match}
	if accountID != "" {
		q += " AND f.account_id = ?"
		args = append(args, accountID)
	}
	q += fmt.Sprintf(" ORDER BY m.date DESC LIMIT %d", limit)

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// ftsPhrase renders the query as a single quoted FTS5 phrase.
func ftsPhrase(query string) string {
	return `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
}

// ftsTokens renders the query as individually quoted terms (implicit
// AND).
func ftsTokens(query string) string {
	fields := strings.Fields(query)
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " ")
}

// GetAttachments retrieves attachment metadata for a message. Content
// bytes are omitted; use GetAttachmentContent.
func (s *SQLiteStore) GetAttachments(ctx context.Context, messageID string) ([]model.Attachment, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, message_id, filename, mime_type, size, fetched
		FROM attachments WHERE message_id = ? ORDER BY filename`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	var atts []model.Attachment
	for rows.Next() {
		var (
			a       model.Attachment
			fetched int
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Filename, &a.MIMEType, &a.Size, &fetched); err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		a.Fetched = fetched != 0
		atts = append(atts, a)
	}

	return atts, rows.Err()
}

// StoreAttachmentContent records fetched attachment bytes. Content is
// immutable once fetched.
func (s *SQLiteStore) StoreAttachmentContent(ctx context.Context, attachmentID string, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE attachments SET content = ?, fetched = 1, size = ?
		WHERE id = ? AND fetched = 0`,
		content, int64(len(content)), attachmentID)
	if err != nil {
		return fmt.Errorf("storing attachment content %s: %w", attachmentID, err)
	}
	return nil
}

// GetAttachmentContent retrieves fetched attachment bytes.
func (s *SQLiteStore) GetAttachmentContent(ctx context.Context, attachmentID string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowxContext(ctx,
		"SELECT content FROM attachments WHERE id = ? AND fetched = 1",
		attachmentID,
	).Scan(&content)
	if err != nil {
		return nil, fmt.Errorf("getting attachment content %s: %w", attachmentID, notFound(err))
	}
	return content, nil
}

// refreshFolderCounts recomputes the denormalized unread/total counts.
// Soft-deleted messages are excluded from both.
func refreshFolderCounts(ctx context.Context, tx *sqlx.Tx, folderID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE folders SET
			total_count = (SELECT COUNT(*) FROM messages WHERE folder_id = ? AND deleted = 0),
			unread_count = (SELECT COUNT(*) FROM messages WHERE folder_id = ? AND deleted = 0 AND seen = 0)
		WHERE id = ?`,
		folderID, folderID, folderID)
	if err != nil {
		return fmt.Errorf("refreshing folder counts: %w", err)
	}
	return nil
}

// scanMessage scans a message row from a sqlx.Rows result set.
func scanMessage(rows *sqlx.Rows) (model.Message, error) {
	var (
		msg         model.Message
		to, cc, bcc string
		refs        string
		date        sql.NullTime
		bodyFetched int
		seen        int
		starred     int
		deleted     int
		answered    int
	)

	err := rows.Scan(
		&msg.ID, &msg.FolderID, &msg.UID, &msg.MessageID, &msg.Subject, &msg.From,
		&to, &cc, &bcc, &date, &msg.InReplyTo, &refs,
		&msg.BodyText, &msg.BodyHTML, &bodyFetched,
		&seen, &starred, &deleted, &answered, &msg.Size,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("scanning message row: %w", err)
	}

	if msg.To, err = unmarshalList(to); err != nil {
		return model.Message{}, err
	}
	if msg.CC, err = unmarshalList(cc); err != nil {
		return model.Message{}, err
	}
	if msg.BCC, err = unmarshalList(bcc); err != nil {
		return model.Message{}, err
	}
	if msg.References, err = unmarshalList(refs); err != nil {
		return model.Message{}, err
	}
	if date.Valid {
		msg.Date = date.Time
	}
	msg.BodyFetched = bodyFetched != 0
	msg.Flags = model.Flags{
		Seen:     seen != 0,
		Starred:  starred != 0,
		Deleted:  deleted != 0,
		Answered: answered != 0,
	}

	return msg, nil
}
