package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/store"
	"github.com/PratikP1/Wixen-Mail-sub002/tests/testutil"
)

func seedInbox(t *testing.T) (*store.SQLiteStore, model.Folder) {
	t.Helper()
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s)
	return s, testutil.SeedFolder(t, s, acct.ID, "INBOX")
}

func envelope(uid uint32, subject string, date time.Time) model.Message {
	return model.Message{
		UID:       uid,
		MessageID: subject + "@example.com",
		Subject:   subject,
		From:      "Ada <ada@example.com>",
		To:        []string{"user@example.com"},
		Date:      date,
		Size:      1024,
	}
}

func TestMessageRoundTrip(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()

	sent := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	msg := envelope(7, "quarterly numbers", sent)
	msg.CC = []string{"cfo@example.com", "board@example.com"}
	msg.InReplyTo = "prev@example.com"
	msg.References = []string{"root@example.com", "prev@example.com"}
	msg.Flags = model.Flags{Seen: true}

	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42,
		NewMessages: []model.Message{msg},
		LastSeenUID: 7,
	})
	require.NoError(t, err)

	got, err := s.GetMessageByUID(ctx, inbox.ID, 7)
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", got.Subject)
	assert.Equal(t, "Ada <ada@example.com>", got.From)
	assert.Equal(t, []string{"cfo@example.com", "board@example.com"}, got.CC)
	assert.Equal(t, []string{"root@example.com", "prev@example.com"}, got.References)
	assert.True(t, got.Date.Equal(sent))
	assert.True(t, got.Flags.Seen)
	assert.False(t, got.BodyFetched)

	folder, err := s.GetFolderByPath(ctx, inbox.AccountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), folder.UIDValidity)
	assert.Equal(t, uint32(7), folder.LastSeenUID)
	assert.Equal(t, 1, folder.TotalCount)
	assert.Equal(t, 0, folder.UnreadCount)
}

func TestSyncDeltaDiff(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()
	now := time.Now().UTC()

	var cached []model.Message
	for _, uid := range []uint32{1, 2, 3, 4} {
		cached = append(cached, envelope(uid, "msg", now))
	}
	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42, NewMessages: cached, LastSeenUID: 4,
	})
	require.NoError(t, err)

	// Server now holds {1,2,3,5}: exactly one add and one removal.
	summary, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42,
		NewMessages: []model.Message{envelope(5, "new arrival", now)},
		RemovedUIDs: []uint32{4},
		LastSeenUID: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.New)
	assert.Equal(t, 1, summary.Removed)

	msgs, err := s.GetMessages(ctx, store.MessageFilter{FolderID: &inbox.ID})
	require.NoError(t, err)
	uids := make(map[uint32]bool)
	for _, m := range msgs {
		uids[m.UID] = true
	}
	assert.Equal(t, map[uint32]bool{1: true, 2: true, 3: true, 5: true}, uids)
}

func TestSyncDeltaReinsertIsNoop(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := envelope(9, "original", now)
	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42, NewMessages: []model.Message{first},
	})
	require.NoError(t, err)

	// The same UID arriving again must not replace the cached row.
	summary, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42, NewMessages: []model.Message{envelope(9, "impostor", now)},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.New)

	got, err := s.GetMessageByUID(ctx, inbox.ID, 9)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Subject)
}

func TestUIDValidityChangeInvalidatesFolder(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42,
		NewMessages: []model.Message{envelope(1, "old world", now), envelope(2, "old world", now)},
	})
	require.NoError(t, err)

	summary, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 99,
		NewMessages: []model.Message{envelope(1, "new world", now)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Removed)
	assert.Equal(t, 1, summary.New)

	got, err := s.GetMessageByUID(ctx, inbox.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "new world", got.Subject)
}

func TestFlagUpdatesAreIdempotent(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42, NewMessages: []model.Message{envelope(3, "flags", now)},
	})
	require.NoError(t, err)

	summary, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42,
		FlagUpdates: map[uint32]model.Flags{3: {Seen: true, Starred: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)

	// Same flags again: no row changes, no count drift.
	summary, err = s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42,
		FlagUpdates: map[uint32]model.Flags{3: {Seen: true, Starred: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Updated)

	got, err := s.GetMessageByUID(ctx, inbox.ID, 3)
	require.NoError(t, err)
	assert.True(t, got.Flags.Seen)
	assert.True(t, got.Flags.Starred)
}

func TestSoftDeleteSurvivesSyncUntilExpunge(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42, NewMessages: []model.Message{envelope(5, "doomed", now)},
	})
	require.NoError(t, err)

	require.NoError(t, s.SoftDelete(ctx, inbox.ID, []uint32{5}, true))

	// A server flag sync without \Deleted must not resurrect the row.
	_, err = s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42,
		FlagUpdates: map[uint32]model.Flags{5: {Seen: true}},
	})
	require.NoError(t, err)

	msgs, err := s.GetMessages(ctx, store.MessageFilter{FolderID: &inbox.ID})
	require.NoError(t, err)
	assert.Empty(t, msgs, "soft-deleted message should be hidden from listings")

	all, err := s.GetMessages(ctx, store.MessageFilter{FolderID: &inbox.ID, IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1, "row must survive until expunge is recorded")
	assert.True(t, all[0].Flags.Deleted)

	require.NoError(t, s.RecordExpunge(ctx, inbox.ID, []uint32{5}))
	all, err = s.GetMessages(ctx, store.MessageFilter{FolderID: &inbox.ID, IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSoftDeleteUndo(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()

	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42, NewMessages: []model.Message{envelope(6, "spared", time.Now().UTC())},
	})
	require.NoError(t, err)

	require.NoError(t, s.SoftDelete(ctx, inbox.ID, []uint32{6}, true))
	require.NoError(t, s.SoftDelete(ctx, inbox.ID, []uint32{6}, false))

	msgs, err := s.GetMessages(ctx, store.MessageFilter{FolderID: &inbox.ID})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestStoreBodyAndAttachments(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()

	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42, NewMessages: []model.Message{envelope(8, "with pdf", time.Now().UTC())},
	})
	require.NoError(t, err)

	err = s.StoreBody(ctx, inbox.ID, 8, "see attached", "<p>see attached</p>", []model.Attachment{
		{Filename: "report.pdf", MIMEType: "application/pdf", Size: 2048},
	})
	require.NoError(t, err)

	got, err := s.GetMessageByUID(ctx, inbox.ID, 8)
	require.NoError(t, err)
	assert.True(t, got.BodyFetched)
	assert.Equal(t, "see attached", got.BodyText)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "report.pdf", got.Attachments[0].Filename)
	assert.False(t, got.Attachments[0].Fetched)

	require.NoError(t, s.StoreAttachmentContent(ctx, got.Attachments[0].ID, []byte("%PDF-")))
	content, err := s.GetAttachmentContent(ctx, got.Attachments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-"), content)

	// Content is immutable once fetched.
	require.NoError(t, s.StoreAttachmentContent(ctx, got.Attachments[0].ID, []byte("overwrite")))
	content, err = s.GetAttachmentContent(ctx, got.Attachments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-"), content)
}

func TestSearchRanksPhraseAboveTokens(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()

	older := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)

	phraseHit := envelope(1, "project alpha kickoff", older)
	tokenHit := envelope(2, "alpha testing the project", newer)
	miss := envelope(3, "lunch on friday", newer)

	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42,
		NewMessages: []model.Message{phraseHit, tokenHit, miss},
	})
	require.NoError(t, err)

	results, err := s.Search(ctx, inbox.AccountID, "project alpha", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Exact phrase outranks the newer token-only match.
	assert.Equal(t, uint32(1), results[0].UID)
	assert.Equal(t, uint32(2), results[1].UID)
}

func TestSearchTiesBreakByDateDescending(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()

	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42,
		NewMessages: []model.Message{
			envelope(1, "standup notes", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
			envelope(2, "standup notes", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)),
			envelope(3, "standup notes", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)),
		},
	})
	require.NoError(t, err)

	results, err := s.Search(ctx, inbox.AccountID, "standup notes", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, uint32(2), results[0].UID)
	assert.Equal(t, uint32(3), results[1].UID)
	assert.Equal(t, uint32(1), results[2].UID)
}

func TestSearchExcludesSoftDeleted(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()

	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42,
		NewMessages: []model.Message{envelope(1, "secret plans", time.Now().UTC())},
	})
	require.NoError(t, err)
	require.NoError(t, s.SoftDelete(ctx, inbox.ID, []uint32{1}, true))

	results, err := s.Search(ctx, inbox.AccountID, "secret", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFolderCountsTrackUnread(t *testing.T) {
	s, inbox := seedInbox(t)
	ctx := context.Background()
	now := time.Now().UTC()

	read := envelope(1, "read", now)
	read.Flags.Seen = true
	_, err := s.ApplySyncDelta(ctx, inbox.ID, store.SyncDelta{
		UIDValidity: 42,
		NewMessages: []model.Message{read, envelope(2, "unread", now)},
	})
	require.NoError(t, err)

	folder, err := s.GetFolderByPath(ctx, inbox.AccountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 2, folder.TotalCount)
	assert.Equal(t, 1, folder.UnreadCount)

	require.NoError(t, s.SetFlags(ctx, inbox.ID, 2, model.Flags{Seen: true}))
	folder, err = s.GetFolderByPath(ctx, inbox.AccountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, 0, folder.UnreadCount)
}
