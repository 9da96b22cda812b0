package store

import (
	"context"
	"errors"
	"time"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MessageFilter controls filtering, sorting, and pagination for message
// queries. Soft-deleted messages are excluded unless IncludeDeleted is
// set.
type MessageFilter struct {
	FolderID       *string
	AccountID      *string
	UnseenOnly     bool
	StarredOnly    bool
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// SyncDelta is the outcome of one folder reconciliation pass, applied to
// the cache in a single transaction.
type SyncDelta struct {
	// UIDValidity is the server's current value for the folder. When it
	// differs from the cached value the folder's messages are wiped
	// before the rest of the delta is applied.
	UIDValidity uint32
	// LastSeenUID advances the folder's sync high-water mark; zero
	// leaves it unchanged.
	LastSeenUID uint32
	NewMessages []model.Message
	// FlagUpdates carries the server's flag state per UID. Updates are
	// idempotent and leave local-only soft deletes intact.
	FlagUpdates map[uint32]model.Flags
	// RemovedUIDs are messages gone from the server; their rows are
	// removed outright.
	RemovedUIDs []uint32
}

// OutboxUpdate records the result of one transmission attempt.
type OutboxUpdate struct {
	ID         string
	FailReason string
	// NextAttempt schedules the retry; the zero value means no retry is
	// scheduled (terminal failure or success).
	NextAttempt time.Time
}

// Store defines the persistence interface for accounts, folders, cached
// messages, the outbox, and encrypted credentials.
type Store interface {
	// === Accounts ===

	UpsertAccount(ctx context.Context, acct model.Account) error
	GetAccounts(ctx context.Context) ([]model.Account, error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)
	DeleteAccount(ctx context.Context, id string) error

	// === Folders ===

	UpsertFolder(ctx context.Context, folder model.Folder) error
	GetFolders(ctx context.Context, accountID string) ([]model.Folder, error)
	// DeleteFolder removes a folder the server no longer lists, with
	// its cached messages.
	DeleteFolder(ctx context.Context, folderID string) error
	GetFolderByPath(ctx context.Context, accountID, path string) (*model.Folder, error)

	// === Messages ===

	// ApplySyncDelta applies one folder pass atomically and recomputes
	// the folder's unread/total counts.
	ApplySyncDelta(ctx context.Context, folderID string, delta SyncDelta) (model.SyncSummary, error)
	GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	GetMessageByUID(ctx context.Context, folderID string, uid uint32) (*model.Message, error)
	// SetFlags overwrites a message's flag set. Writing the flags a
	// message already carries is a no-op.
	SetFlags(ctx context.Context, folderID string, uid uint32, flags model.Flags) error
	// SoftDelete marks messages locally deleted (or undoes the mark).
	// Rows survive until RecordExpunge confirms server-side removal.
	SoftDelete(ctx context.Context, folderID string, uids []uint32, deleted bool) error
	// RecordExpunge removes rows after the server confirmed an expunge.
	RecordExpunge(ctx context.Context, folderID string, uids []uint32) error
	// StoreBody fills in a lazily-fetched message body and its
	// attachment metadata.
	StoreBody(ctx context.Context, folderID string, uid uint32, textBody, htmlBody string, atts []model.Attachment) error
	// Search runs a full-text query. Exact-phrase matches rank above
	// plain token matches; ties break by descending date.
	Search(ctx context.Context, accountID, query string, limit int) ([]model.Message, error)

	// === Attachments ===

	GetAttachments(ctx context.Context, messageID string) ([]model.Attachment, error)
	StoreAttachmentContent(ctx context.Context, attachmentID string, content []byte) error
	GetAttachmentContent(ctx context.Context, attachmentID string) ([]byte, error)

	// === Outbox ===

	EnqueueOutbox(ctx context.Context, entry model.OutboxEntry) error
	// ClaimDueOutbox atomically moves due entries (queued, or failed
	// under the attempt ceiling with next_attempt elapsed) to sending
	// and returns them.
	ClaimDueOutbox(ctx context.Context, accountID string, now time.Time, maxAttempts int) ([]model.OutboxEntry, error)
	MarkOutboxSent(ctx context.Context, id string) error
	// MarkOutboxFailed records a failed attempt, incrementing the
	// attempt count.
	MarkOutboxFailed(ctx context.Context, upd OutboxUpdate) error
	GetOutbox(ctx context.Context, accountID string) ([]model.OutboxEntry, error)

	// === Credentials (ciphertext only; encryption lives above) ===

	PutCredential(ctx context.Context, accountID, kind string, ciphertext []byte) error
	GetCredential(ctx context.Context, accountID, kind string) ([]byte, error)
	DeleteCredentials(ctx context.Context, accountID string) error

	Close() error
}
