package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertAccount inserts or replaces an account.
// If the account has no ID, a new UUID is generated.
func (s *SQLiteStore) UpsertAccount(ctx context.Context, acct model.Account) error {
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO accounts (
			id, email, display_name, protocol,
			incoming_host, incoming_port, incoming_security,
			outgoing_host, outgoing_port, outgoing_security,
			auth_kind, enabled, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.Email, acct.DisplayName, string(acct.Protocol),
		acct.Incoming.Host, acct.Incoming.Port, string(acct.Incoming.Security),
		acct.Outgoing.Host, acct.Outgoing.Port, string(acct.Outgoing.Security),
		string(acct.AuthKind), boolToInt(acct.Enabled), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", acct.ID, err)
	}

	return nil
}

// GetAccounts retrieves all configured accounts ordered by email.
func (s *SQLiteStore) GetAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryxContext(ctx, accountColumns+" ORDER BY email")
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}

	return accounts, rows.Err()
}

// GetAccountByID retrieves a single account by its ID.
func (s *SQLiteStore) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	rows, err := s.db.QueryxContext(ctx, accountColumns+" WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying account %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("getting account %s: %w", id, ErrNotFound)
	}
	acct, err := scanAccount(rows)
	if err != nil {
		return nil, err
	}
	return &acct, rows.Err()
}

// DeleteAccount removes an account; folders, messages, outbox entries,
// and credentials cascade.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	// Credentials have no foreign key (kept through account re-adds by
	// choice elsewhere); clean them up explicitly on full removal.
	if _, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE account_id = ?", id); err != nil {
		return fmt.Errorf("deleting credentials for %s: %w", id, err)
	}
	return nil
}

// UpsertFolder inserts or updates a folder, preserving sync bookkeeping
// on conflict so a folder listing refresh never resets the high-water
// mark.
func (s *SQLiteStore) UpsertFolder(ctx context.Context, folder model.Folder) error {
	if folder.ID == "" {
		folder.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO folders (
			id, account_id, path, display_name, kind,
			uidvalidity, last_seen_uid, unread_count, total_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, path) DO UPDATE SET
			display_name = excluded.display_name,
			kind = excluded.kind`,
		folder.ID, folder.AccountID, folder.Path, folder.DisplayName,
		string(folder.Kind), folder.UIDValidity, folder.LastSeenUID,
		folder.UnreadCount, folder.TotalCount,
	)
	if err != nil {
		return fmt.Errorf("upserting folder %s: %w", folder.Path, err)
	}

	return nil
}

// GetFolders retrieves all folders for an account ordered by path.
func (s *SQLiteStore) GetFolders(ctx context.Context, accountID string) ([]model.Folder, error) {
	rows, err := s.db.QueryxContext(ctx,
		folderColumns+" WHERE account_id = ? ORDER BY path", accountID)
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}

	return folders, rows.Err()
}

// GetFolderByPath retrieves one folder by its protocol-native path.
// DeleteFolder removes a folder row; messages and attachments go with
// it via the foreign key cascade.
func (s *SQLiteStore) DeleteFolder(ctx context.Context, folderID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM folders WHERE id = ?", folderID); err != nil {
		return fmt.Errorf("deleting folder %s: %w", folderID, err)
	}
	return nil
}

func (s *SQLiteStore) GetFolderByPath(ctx context.Context, accountID, path string) (*model.Folder, error) {
	rows, err := s.db.QueryxContext(ctx,
		folderColumns+" WHERE account_id = ? AND path = ?", accountID, path)
	if err != nil {
		return nil, fmt.Errorf("querying folder %s: %w", path, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("getting folder %s: %w", path, ErrNotFound)
	}
	f, err := scanFolder(rows)
	if err != nil {
		return nil, err
	}
	return &f, rows.Err()
}

const accountColumns = `SELECT
	id, email, display_name, protocol,
	incoming_host, incoming_port, incoming_security,
	outgoing_host, outgoing_port, outgoing_security,
	auth_kind, enabled
FROM accounts`

const folderColumns = `SELECT
	id, account_id, path, display_name, kind,
	uidvalidity, last_seen_uid, unread_count, total_count
FROM folders`

// scanAccount scans an account row from a sqlx.Rows result set.
func scanAccount(rows *sqlx.Rows) (model.Account, error) {
	var (
		acct     model.Account
		protocol string
		inSec    string
		outSec   string
		authKind string
		enabled  int
	)

	err := rows.Scan(
		&acct.ID, &acct.Email, &acct.DisplayName, &protocol,
		&acct.Incoming.Host, &acct.Incoming.Port, &inSec,
		&acct.Outgoing.Host, &acct.Outgoing.Port, &outSec,
		&authKind, &enabled,
	)
	if err != nil {
		return model.Account{}, fmt.Errorf("scanning account row: %w", err)
	}

	acct.Protocol = model.Protocol(protocol)
	acct.Incoming.Security = model.SecurityMode(inSec)
	acct.Outgoing.Security = model.SecurityMode(outSec)
	acct.AuthKind = model.AuthKind(authKind)
	acct.Enabled = enabled != 0

	return acct, nil
}

// scanFolder scans a folder row from a sqlx.Rows result set.
func scanFolder(rows *sqlx.Rows) (model.Folder, error) {
	var (
		f    model.Folder
		kind string
	)

	err := rows.Scan(
		&f.ID, &f.AccountID, &f.Path, &f.DisplayName, &kind,
		&f.UIDValidity, &f.LastSeenUID, &f.UnreadCount, &f.TotalCount,
	)
	if err != nil {
		return model.Folder{}, fmt.Errorf("scanning folder row: %w", err)
	}

	f.Kind = model.FolderKind(kind)
	return f, nil
}

// marshalList renders a string slice as the JSON stored in list columns.
func marshalList(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling list column: %w", err)
	}
	return string(b), nil
}

func unmarshalList(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("unmarshaling list column: %w", err)
	}
	return out, nil
}

// notFound normalizes sql.ErrNoRows into ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
