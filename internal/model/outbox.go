package model

import "time"

// OutboxState is the lifecycle state of a queued outgoing message.
// Transitions only move forward: Queued → Sending → {Sent, Failed}.
// A Failed entry under the retry ceiling is re-queued for another
// attempt by the flusher; past the ceiling it is terminal.
type OutboxState string

const (
	OutboxQueued  OutboxState = "queued"
	OutboxSending OutboxState = "sending"
	OutboxSent    OutboxState = "sent"
	OutboxFailed  OutboxState = "failed"
)

// OutboxEntry is one locally composed message awaiting transmission.
// Payload is the full RFC 5322 message as rendered at enqueue time.
type OutboxEntry struct {
	ID          string
	AccountID   string
	From        string
	Recipients  []string
	Payload     []byte
	State       OutboxState
	FailReason  string
	Attempts    int
	LastAttempt time.Time
	NextAttempt time.Time
	CreatedAt   time.Time
}

// Terminal reports whether the entry has reached a final state given the
// configured retry ceiling.
func (e OutboxEntry) Terminal(maxAttempts int) bool {
	if e.State == OutboxSent {
		return true
	}
	return e.State == OutboxFailed && e.Attempts >= maxAttempts
}

// Draft is a structured outgoing message supplied by the composition
// collaborator before rendering.
type Draft struct {
	From        string
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	InReplyTo   string
	References  []string
	TextBody    string
	HTMLBody    string
	Attachments []DraftAttachment
}

// DraftAttachment is one attachment of a Draft.
type DraftAttachment struct {
	Filename string
	MIMEType string
	Content  []byte
}

// AllRecipients returns the full envelope recipient list (To + CC + BCC).
func (d Draft) AllRecipients() []string {
	out := make([]string, 0, len(d.To)+len(d.CC)+len(d.BCC))
	out = append(out, d.To...)
	out = append(out, d.CC...)
	out = append(out, d.BCC...)
	return out
}
