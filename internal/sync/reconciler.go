// Package sync reconciles the remote mailbox state into the local cache
// and keeps it fresh: periodic polling for every account, IDLE push for
// IMAP sessions that support it.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/session"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/store"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/wire"
)

// Reconciler performs folder passes against a connected session. It
// holds no per-account state; the account loop owns sessions and
// scheduling.
type Reconciler struct {
	store  store.Store
	logger *slog.Logger

	// attachmentMaxAutoBytes bounds the attachment content stored during
	// a routine body fetch; larger parts keep metadata only.
	attachmentMaxAutoBytes int64
}

// NewReconciler creates a reconciler over the given cache.
func NewReconciler(st store.Store, cfg model.SyncConfig, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	maxAuto := cfg.AttachmentMaxAutoBytes
	if maxAuto <= 0 {
		maxAuto = 2 << 20
	}
	return &Reconciler{
		store:                  st,
		logger:                 logger.With("component", "sync"),
		attachmentMaxAutoBytes: maxAuto,
	}
}

// SyncAccount refreshes the folder listing and runs one pass over every
// folder. Envelopes only; bodies stay lazy.
func (r *Reconciler) SyncAccount(ctx context.Context, sess session.MailSession, accountID string) ([]model.SyncSummary, error) {
	listing, err := sess.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	listed := make(map[string]bool, len(listing))
	for _, info := range listing {
		listed[info.Path] = true
		if err := r.store.UpsertFolder(ctx, model.Folder{
			AccountID:   accountID,
			Path:        info.Path,
			DisplayName: info.Path,
			Kind:        model.ClassifyFolder(info.Path),
		}); err != nil {
			return nil, fault.Cache("registering folder", err)
		}
	}

	folders, err := r.store.GetFolders(ctx, accountID)
	if err != nil {
		return nil, fault.Cache("listing folders", err)
	}

	// Folders the server stopped listing are gone, messages and all.
	kept := folders[:0]
	for _, folder := range folders {
		if listed[folder.Path] {
			kept = append(kept, folder)
			continue
		}
		r.logger.Info("folder removed on server", "folder", folder.Path)
		if err := r.store.DeleteFolder(ctx, folder.ID); err != nil {
			return nil, fault.Cache("removing folder", err)
		}
	}
	folders = kept

	var summaries []model.SyncSummary
	for _, folder := range folders {
		summary, err := r.SyncFolder(ctx, sess, folder)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// SyncFolder runs one reconciliation pass: select, diff the server's
// UID set against the cache, fetch envelopes for the new UIDs, and
// apply everything in a single cache transaction.
func (r *Reconciler) SyncFolder(ctx context.Context, sess session.MailSession, folder model.Folder) (model.SyncSummary, error) {
	info, err := sess.SelectFolder(ctx, folder.Path)
	if err != nil {
		return model.SyncSummary{}, err
	}

	serverFlags, err := sess.FetchFlags(ctx)
	if err != nil {
		return model.SyncSummary{}, err
	}

	cached, err := r.cachedUIDs(ctx, folder.ID)
	if err != nil {
		return model.SyncSummary{}, err
	}
	// A UIDVALIDITY change makes every cached UID meaningless: the store
	// wipes the folder, so the whole server set counts as new.
	invalidated := folder.UIDValidity != 0 && info.UIDValidity != 0 &&
		folder.UIDValidity != info.UIDValidity
	if invalidated {
		r.logger.Warn("uidvalidity changed, refetching folder",
			"folder", folder.Path, "old", folder.UIDValidity, "new", info.UIDValidity)
		cached = nil
	}

	var (
		newUIDs  []uint32
		removed  []uint32
		lastSeen uint32
	)
	for uid := range serverFlags {
		if uid > lastSeen {
			lastSeen = uid
		}
		if !cached[uid] {
			newUIDs = append(newUIDs, uid)
		}
	}
	for uid := range cached {
		if _, ok := serverFlags[uid]; !ok {
			removed = append(removed, uid)
		}
	}
	sort.Slice(newUIDs, func(i, j int) bool { return newUIDs[i] < newUIDs[j] })

	var envelopes []model.Message
	if len(newUIDs) > 0 {
		records, err := sess.FetchEnvelopes(ctx, newUIDs)
		if err != nil {
			return model.SyncSummary{}, err
		}
		for _, rec := range records {
			envelopes = append(envelopes, messageFromRecord(folder.ID, rec))
		}
	}

	delta := store.SyncDelta{
		UIDValidity: info.UIDValidity,
		LastSeenUID: lastSeen,
		NewMessages: envelopes,
		RemovedUIDs: removed,
	}
	// POP3 has no server-side flag store; pushing its all-zero flags
	// would clobber the locally tracked read state.
	if sess.Capabilities().RemoteFlags {
		updates := make(map[uint32]model.Flags, len(serverFlags))
		for uid, flags := range serverFlags {
			if cached[uid] {
				updates[uid] = flags
			}
		}
		delta.FlagUpdates = updates
	}

	summary, err := r.store.ApplySyncDelta(ctx, folder.ID, delta)
	if err != nil {
		return summary, fault.Cache("applying sync delta", err)
	}

	if summary.New > 0 || summary.Updated > 0 || summary.Removed > 0 {
		r.logger.Info("folder synced", "folder", folder.Path,
			"new", summary.New, "updated", summary.Updated, "removed", summary.Removed)
	}
	return summary, nil
}

// ReadMessage returns a message with its body, fetching and caching it
// on first read. Attachment content up to the auto-fetch bound is
// stored alongside; larger parts keep metadata only.
func (r *Reconciler) ReadMessage(ctx context.Context, sess session.MailSession, folder model.Folder, uid uint32) (*model.Message, error) {
	msg, err := r.store.GetMessageByUID(ctx, folder.ID, uid)
	if err != nil {
		return nil, fault.Cache("reading message", err)
	}
	if msg.BodyFetched {
		return msg, nil
	}

	if _, err := sess.SelectFolder(ctx, folder.Path); err != nil {
		return nil, err
	}
	raw, err := sess.FetchBody(ctx, uid)
	if err != nil {
		return nil, err
	}

	parsed, err := wire.ParseMessage(raw)
	if err != nil {
		return nil, fault.Protocol("parsing message body", err)
	}

	atts := make([]model.Attachment, 0, len(parsed.Attachments))
	for _, part := range parsed.Attachments {
		a := model.Attachment{
			Filename: part.Filename,
			MIMEType: part.MIMEType,
			Size:     int64(len(part.Content)),
		}
		if a.Size <= r.attachmentMaxAutoBytes {
			a.Content = part.Content
			a.Fetched = true
		}
		atts = append(atts, a)
	}

	if err := r.store.StoreBody(ctx, folder.ID, uid, parsed.TextBody, parsed.HTMLBody, atts); err != nil {
		return nil, fault.Cache("storing message body", err)
	}

	msg, err = r.store.GetMessageByUID(ctx, folder.ID, uid)
	if err != nil {
		return nil, fault.Cache("rereading message", err)
	}
	return msg, nil
}

// FetchAttachment retrieves one attachment's content on explicit
// request, bypassing the auto-fetch size bound.
func (r *Reconciler) FetchAttachment(ctx context.Context, sess session.MailSession, folder model.Folder, uid uint32, attachmentID string) ([]byte, error) {
	content, err := r.store.GetAttachmentContent(ctx, attachmentID)
	if err == nil {
		return content, nil
	}

	meta, err := r.store.GetAttachments(ctx, attachmentKey(ctx, r.store, folder.ID, uid))
	if err != nil {
		return nil, fault.Cache("listing attachments", err)
	}
	var want *model.Attachment
	for i := range meta {
		if meta[i].ID == attachmentID {
			want = &meta[i]
			break
		}
	}
	if want == nil {
		return nil, fault.Cache("locating attachment", store.ErrNotFound)
	}

	if _, err := sess.SelectFolder(ctx, folder.Path); err != nil {
		return nil, err
	}
	raw, err := sess.FetchBody(ctx, uid)
	if err != nil {
		return nil, err
	}
	parsed, err := wire.ParseMessage(raw)
	if err != nil {
		return nil, fault.Protocol("parsing message body", err)
	}

	for _, part := range parsed.Attachments {
		if part.Filename != want.Filename {
			continue
		}
		if err := r.store.StoreAttachmentContent(ctx, attachmentID, part.Content); err != nil {
			return nil, fault.Cache("storing attachment", err)
		}
		return part.Content, nil
	}
	return nil, fault.Protocol("fetching attachment",
		fmt.Errorf("part %q missing from message", want.Filename))
}

func (r *Reconciler) cachedUIDs(ctx context.Context, folderID string) (map[uint32]bool, error) {
	msgs, err := r.store.GetMessages(ctx, store.MessageFilter{
		FolderID:       &folderID,
		IncludeDeleted: true,
	})
	if err != nil {
		return nil, fault.Cache("listing cached messages", err)
	}
	uids := make(map[uint32]bool, len(msgs))
	for _, m := range msgs {
		uids[m.UID] = true
	}
	return uids, nil
}

func messageFromRecord(folderID string, rec session.EnvelopeRecord) model.Message {
	return model.Message{
		FolderID:   folderID,
		UID:        rec.UID,
		MessageID:  rec.Envelope.MessageID,
		Subject:    rec.Envelope.Subject,
		From:       rec.Envelope.From,
		To:         rec.Envelope.To,
		CC:         rec.Envelope.CC,
		BCC:        rec.Envelope.BCC,
		Date:       rec.Envelope.Date,
		InReplyTo:  rec.Envelope.InReplyTo,
		References: rec.Envelope.References,
		Flags:      rec.Flags,
		Size:       rec.Size,
	}
}

// attachmentKey resolves the message row ID for (folder, uid); empty on
// miss, which the subsequent lookup reports.
func attachmentKey(ctx context.Context, st store.Store, folderID string, uid uint32) string {
	msg, err := st.GetMessageByUID(ctx, folderID, uid)
	if err != nil {
		return ""
	}
	return msg.ID
}
