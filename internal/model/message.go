package model

import "time"

// FolderKind classifies a folder by role.
type FolderKind string

const (
	FolderInbox   FolderKind = "inbox"
	FolderSent    FolderKind = "sent"
	FolderDrafts  FolderKind = "drafts"
	FolderTrash   FolderKind = "trash"
	FolderArchive FolderKind = "archive"
	FolderOther   FolderKind = "other"
)

// Folder is one server-side mailbox belonging to an account.
// LastSeenUID is the sync high-water mark; UIDValidity guards against
// server-side UID renumbering.
type Folder struct {
	ID          string
	AccountID   string
	Path        string
	DisplayName string
	Kind        FolderKind
	UIDValidity uint32
	LastSeenUID uint32
	UnreadCount int
	TotalCount  int
}

// Flags is the cached flag set of a message.
type Flags struct {
	Seen     bool
	Starred  bool
	Deleted  bool
	Answered bool
}

// Message is one cached message. (FolderID, UID) is unique and stable:
// a UID is never reassigned to a different logical message. Deleted is
// the local soft-delete flag; the row is removed only once a
// server-confirmed expunge is recorded.
type Message struct {
	ID         string
	FolderID   string
	UID        uint32
	MessageID  string
	Subject    string
	From       string
	To         []string
	CC         []string
	BCC        []string
	Date       time.Time
	InReplyTo  string
	References []string
	BodyText   string
	BodyHTML   string
	// BodyFetched records whether the full body has been retrieved;
	// envelope-only rows have it false.
	BodyFetched bool
	Flags       Flags
	Size        int64
	Attachments []Attachment
}

// Attachment is one attachment of a cached message. Content is nil until
// fetched; once fetched it is immutable.
type Attachment struct {
	ID        string
	MessageID string
	Filename  string
	MIMEType  string
	Size      int64
	Fetched   bool
	Content   []byte
}

// SyncSummary reports the outcome of one folder reconciliation pass.
type SyncSummary struct {
	FolderPath string
	New        int
	Updated    int
	Removed    int
}

// ClassifyFolder maps a protocol-native folder path to a FolderKind using
// common naming conventions.
func ClassifyFolder(path string) FolderKind {
	switch normalizeFolder(path) {
	case "inbox":
		return FolderInbox
	case "sent", "sent items", "sent messages", "[gmail]/sent mail":
		return FolderSent
	case "drafts", "[gmail]/drafts":
		return FolderDrafts
	case "trash", "deleted", "deleted items", "[gmail]/trash":
		return FolderTrash
	case "archive", "archives", "all mail", "[gmail]/all mail":
		return FolderArchive
	}
	return FolderOther
}

func normalizeFolder(path string) string {
	b := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		b = append(b, c)
	}
	return string(b)
}
