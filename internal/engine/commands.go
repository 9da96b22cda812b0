package engine

import (
	"context"
	"fmt"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/session"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/store"
)

// commandSession returns a connected, authenticated session for
// interactive commands, opening one on first use. A session that went
// bad is discarded so the next command reconnects.
func (e *Engine) commandSession(ctx context.Context, accountID string) (session.MailSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sess, ok := e.cmdSessions[accountID]; ok {
		if sess.State() != session.StateFailed && sess.State() != session.StateDisconnected {
			return sess, nil
		}
		delete(e.cmdSessions, accountID)
		_ = sess.Disconnect()
	}

	acct, err := e.st.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}

	sess := e.sessionFactory()(*acct)
	if err := sess.Connect(ctx); err != nil {
		return nil, err
	}
	if err := sess.Authenticate(ctx); err != nil {
		_ = sess.Disconnect()
		return nil, err
	}

	e.cmdSessions[accountID] = sess
	return sess, nil
}

// dropCommandSession discards a session after a command failed on it.
func (e *Engine) dropCommandSession(accountID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.cmdSessions[accountID]; ok {
		delete(e.cmdSessions, accountID)
		_ = sess.Disconnect()
	}
}

// ReadMessage returns the full message, fetching the body from the
// server on first access.
func (e *Engine) ReadMessage(ctx context.Context, accountID, folderPath string, uid uint32) (*model.Message, error) {
	folder, err := e.st.GetFolderByPath(ctx, accountID, folderPath)
	if err != nil {
		return nil, err
	}

	sess, err := e.commandSession(ctx, accountID)
	if err != nil {
		return nil, err
	}
	msg, err := e.rec.ReadMessage(ctx, sess, *folder, uid)
	if err != nil && fault.KindOf(err) == fault.KindTransport {
		e.dropCommandSession(accountID)
	}
	return msg, err
}

// FetchAttachment returns attachment content, fetching it from the
// server when it was skipped during sync.
func (e *Engine) FetchAttachment(ctx context.Context, accountID, folderPath string, uid uint32, attachmentID string) ([]byte, error) {
	folder, err := e.st.GetFolderByPath(ctx, accountID, folderPath)
	if err != nil {
		return nil, err
	}

	sess, err := e.commandSession(ctx, accountID)
	if err != nil {
		return nil, err
	}
	content, err := e.rec.FetchAttachment(ctx, sess, *folder, uid, attachmentID)
	if err != nil && fault.KindOf(err) == fault.KindTransport {
		e.dropCommandSession(accountID)
	}
	return content, err
}

// MarkRead sets or clears the seen flag, locally first and on the
// server when the protocol supports it.
func (e *Engine) MarkRead(ctx context.Context, accountID, folderPath string, uid uint32, seen bool) error {
	return e.mutateFlag(ctx, accountID, folderPath, uid, session.FlagSeen, seen,
		func(f *model.Flags) { f.Seen = seen })
}

// Star sets or clears the starred flag.
func (e *Engine) Star(ctx context.Context, accountID, folderPath string, uid uint32, starred bool) error {
	return e.mutateFlag(ctx, accountID, folderPath, uid, session.FlagFlagged, starred,
		func(f *model.Flags) { f.Starred = starred })
}

// mutateFlag applies a flag change to the cache and mirrors it to the
// server. The cache is authoritative for the local view; a server that
// has no flag store (POP3) keeps the change local.
func (e *Engine) mutateFlag(ctx context.Context, accountID, folderPath string, uid uint32, flag session.Flag, add bool, apply func(*model.Flags)) error {
	folder, err := e.st.GetFolderByPath(ctx, accountID, folderPath)
	if err != nil {
		return err
	}
	msg, err := e.st.GetMessageByUID(ctx, folder.ID, uid)
	if err != nil {
		return err
	}

	flags := msg.Flags
	apply(&flags)
	if err := e.st.SetFlags(ctx, folder.ID, uid, flags); err != nil {
		return err
	}

	return e.mirrorRemote(ctx, accountID, folderPath, []uint32{uid}, flag, add)
}

// mirrorRemote pushes a flag change to the server for protocols with a
// remote flag store.
func (e *Engine) mirrorRemote(ctx context.Context, accountID, folderPath string, uids []uint32, flag session.Flag, add bool) error {
	sess, err := e.commandSession(ctx, accountID)
	if err != nil {
		return err
	}
	if !sess.Capabilities().RemoteFlags {
		return nil
	}
	if _, err := sess.SelectFolder(ctx, folderPath); err != nil {
		return err
	}
	if err := sess.MutateFlags(ctx, uids, flag, add); err != nil {
		if fault.KindOf(err) == fault.KindTransport {
			e.dropCommandSession(accountID)
		}
		return err
	}
	return nil
}

// SoftDelete hides messages locally and flags them deleted on the
// server. Rows survive until Expunge confirms server-side removal.
func (e *Engine) SoftDelete(ctx context.Context, accountID, folderPath string, uids []uint32) error {
	folder, err := e.st.GetFolderByPath(ctx, accountID, folderPath)
	if err != nil {
		return err
	}
	if err := e.st.SoftDelete(ctx, folder.ID, uids, true); err != nil {
		return err
	}
	return e.mirrorRemote(ctx, accountID, folderPath, uids, session.FlagDeleted, true)
}

// Undelete reverses a soft delete that has not been expunged.
func (e *Engine) Undelete(ctx context.Context, accountID, folderPath string, uids []uint32) error {
	folder, err := e.st.GetFolderByPath(ctx, accountID, folderPath)
	if err != nil {
		return err
	}
	if err := e.st.SoftDelete(ctx, folder.ID, uids, false); err != nil {
		return err
	}
	return e.mirrorRemote(ctx, accountID, folderPath, uids, session.FlagDeleted, false)
}

// Expunge permanently removes every soft-deleted message in the folder.
// Cache rows are dropped only after the server confirms.
func (e *Engine) Expunge(ctx context.Context, accountID, folderPath string) error {
	folder, err := e.st.GetFolderByPath(ctx, accountID, folderPath)
	if err != nil {
		return err
	}

	msgs, err := e.st.GetMessages(ctx, store.MessageFilter{
		FolderID:       &folder.ID,
		IncludeDeleted: true,
	})
	if err != nil {
		return err
	}
	var uids []uint32
	for _, m := range msgs {
		if m.Flags.Deleted {
			uids = append(uids, m.UID)
		}
	}
	if len(uids) == 0 {
		return nil
	}

	sess, err := e.commandSession(ctx, accountID)
	if err != nil {
		return err
	}
	if _, err := sess.SelectFolder(ctx, folderPath); err != nil {
		return err
	}
	if sess.Capabilities().RemoteFlags {
		if err := sess.MutateFlags(ctx, uids, session.FlagDeleted, true); err != nil {
			return err
		}
	}
	if err := sess.Expunge(ctx, uids); err != nil {
		if fault.KindOf(err) == fault.KindTransport {
			e.dropCommandSession(accountID)
		}
		return fmt.Errorf("expunging %d messages: %w", len(uids), err)
	}

	return e.st.RecordExpunge(ctx, folder.ID, uids)
}
