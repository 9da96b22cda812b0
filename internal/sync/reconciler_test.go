package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/session"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/store"
	"github.com/PratikP1/Wixen-Mail-sub002/tests/testutil"
)

// fakeSession is a scripted MailSession serving a fixed UID set.
type fakeSession struct {
	mu          gosync.Mutex
	caps        session.Capability
	uidValidity uint32
	flags       map[uint32]model.Flags
	bodies      map[uint32][]byte

	envelopeCalls [][]uint32
	bodyCalls     int
	pushCh        chan session.PushEvent
}

func newFakeSession(uids ...uint32) *fakeSession {
	flags := make(map[uint32]model.Flags, len(uids))
	for _, u := range uids {
		flags[u] = model.Flags{}
	}
	return &fakeSession{
		caps:        session.Capability{RemoteFlags: true, Push: true},
		uidValidity: 42,
		flags:       flags,
		bodies:      make(map[uint32][]byte),
		pushCh:      make(chan session.PushEvent, 4),
	}
}

func (f *fakeSession) Capabilities() session.Capability      { return f.caps }
func (f *fakeSession) Connect(context.Context) error         { return nil }
func (f *fakeSession) Authenticate(context.Context) error    { return nil }
func (f *fakeSession) State() session.State                  { return session.StateReady }
func (f *fakeSession) Disconnect() error                     { return nil }
func (f *fakeSession) Expunge(context.Context, []uint32) error { return nil }

func (f *fakeSession) ListFolders(context.Context) ([]session.FolderInfo, error) {
	return []session.FolderInfo{{Path: "INBOX"}}, nil
}

func (f *fakeSession) SelectFolder(_ context.Context, path string) (*session.SelectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &session.SelectInfo{
		Exists:      uint32(len(f.flags)),
		UIDValidity: f.uidValidity,
	}, nil
}

func (f *fakeSession) FetchFlags(context.Context) (map[uint32]model.Flags, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint32]model.Flags, len(f.flags))
	for uid, fl := range f.flags {
		out[uid] = fl
	}
	return out, nil
}

func (f *fakeSession) FetchEnvelopes(_ context.Context, uids []uint32) ([]session.EnvelopeRecord, error) {
	f.mu.Lock()
	f.envelopeCalls = append(f.envelopeCalls, append([]uint32(nil), uids...))
	f.mu.Unlock()

	var records []session.EnvelopeRecord
	for _, uid := range uids {
		rec := session.EnvelopeRecord{UID: uid, Size: 100}
		rec.Envelope.Subject = fmt.Sprintf("msg %d", uid)
		rec.Envelope.MessageID = fmt.Sprintf("m%d@example.com", uid)
		rec.Envelope.Date = time.Date(2026, 1, 1, 0, 0, int(uid), 0, time.UTC)
		records = append(records, rec)
	}
	return records, nil
}

func (f *fakeSession) FetchBody(_ context.Context, uid uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodyCalls++
	body, ok := f.bodies[uid]
	if !ok {
		return nil, fault.Protocol("fetch body", fmt.Errorf("no body for uid %d", uid))
	}
	return body, nil
}

func (f *fakeSession) MutateFlags(_ context.Context, uids []uint32, flag session.Flag, add bool) error {
	return nil
}

func (f *fakeSession) AwaitPush(ctx context.Context, timeout time.Duration) (session.PushEvent, error) {
	select {
	case ev := <-f.pushCh:
		return ev, nil
	case <-ctx.Done():
		return session.PushEvent{}, fault.Transport("idle wait", ctx.Err())
	case <-time.After(timeout):
		return session.PushEvent{Type: session.PushTimeout}, nil
	}
}

// addMessage grows the server-side UID set.
func (f *fakeSession) addMessage(uid uint32) {
	f.mu.Lock()
	f.flags[uid] = model.Flags{}
	f.mu.Unlock()
}

func (f *fakeSession) removeMessage(uid uint32) {
	f.mu.Lock()
	delete(f.flags, uid)
	f.mu.Unlock()
}

func newTestReconciler(t *testing.T) (*Reconciler, *store.SQLiteStore, model.Folder) {
	t.Helper()
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st)
	folder := testutil.SeedFolder(t, st, acct.ID, "INBOX")
	rec := NewReconciler(st, model.SyncConfig{AttachmentMaxAutoBytes: 2 << 20}, nil)
	return rec, st, folder
}

func TestSyncFolderDiffsServerAgainstCache(t *testing.T) {
	rec, st, folder := newTestReconciler(t)
	sess := newFakeSession(1, 2, 3, 4)
	ctx := context.Background()

	summary, err := rec.SyncFolder(ctx, sess, folder)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.New)

	// Server moves to {1,2,3,5}: exactly one add, one removal.
	sess.addMessage(5)
	sess.removeMessage(4)

	folder2, err := st.GetFolderByPath(ctx, folder.AccountID, "INBOX")
	require.NoError(t, err)
	summary, err = rec.SyncFolder(ctx, sess, *folder2)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.New)
	assert.Equal(t, 1, summary.Removed)

	// The incremental pass fetched only the one new UID.
	require.Len(t, sess.envelopeCalls, 2)
	assert.Equal(t, []uint32{5}, sess.envelopeCalls[1])
}

func TestSyncFolderAppliesServerFlagChanges(t *testing.T) {
	rec, st, folder := newTestReconciler(t)
	sess := newFakeSession(7)
	ctx := context.Background()

	_, err := rec.SyncFolder(ctx, sess, folder)
	require.NoError(t, err)

	sess.mu.Lock()
	sess.flags[7] = model.Flags{Seen: true, Answered: true}
	sess.mu.Unlock()

	folder2, err := st.GetFolderByPath(ctx, folder.AccountID, "INBOX")
	require.NoError(t, err)
	summary, err := rec.SyncFolder(ctx, sess, *folder2)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Updated)

	msg, err := st.GetMessageByUID(ctx, folder.ID, 7)
	require.NoError(t, err)
	assert.True(t, msg.Flags.Seen)
	assert.True(t, msg.Flags.Answered)
}

func TestSyncFolderKeepsLocalFlagsForPOP3(t *testing.T) {
	rec, st, folder := newTestReconciler(t)
	sess := newFakeSession(3)
	sess.caps = session.Capability{} // no remote flag store
	ctx := context.Background()

	_, err := rec.SyncFolder(ctx, sess, folder)
	require.NoError(t, err)

	require.NoError(t, st.SetFlags(ctx, folder.ID, 3, model.Flags{Seen: true}))

	folder2, err := st.GetFolderByPath(ctx, folder.AccountID, "INBOX")
	require.NoError(t, err)
	_, err = rec.SyncFolder(ctx, sess, *folder2)
	require.NoError(t, err)

	msg, err := st.GetMessageByUID(ctx, folder.ID, 3)
	require.NoError(t, err)
	assert.True(t, msg.Flags.Seen, "server's empty flags must not clobber local read state")
}

func TestSyncFolderUIDValidityChange(t *testing.T) {
	rec, st, folder := newTestReconciler(t)
	sess := newFakeSession(1, 2)
	ctx := context.Background()

	_, err := rec.SyncFolder(ctx, sess, folder)
	require.NoError(t, err)

	// Server renumbers: same UIDs, new generation.
	sess.mu.Lock()
	sess.uidValidity = 99
	sess.mu.Unlock()

	folder2, err := st.GetFolderByPath(ctx, folder.AccountID, "INBOX")
	require.NoError(t, err)
	summary, err := rec.SyncFolder(ctx, sess, *folder2)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Removed, "old generation wiped")
	assert.Equal(t, 2, summary.New, "new generation refetched")

	folder3, err := st.GetFolderByPath(ctx, folder.AccountID, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(99), folder3.UIDValidity)
}

func TestSyncAccountPrunesUnlistedFolders(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st)
	testutil.SeedFolder(t, st, acct.ID, "Old/Project")
	rec := NewReconciler(st, model.SyncConfig{}, nil)

	// The server lists only INBOX.
	sess := newFakeSession(1)
	ctx := context.Background()
	_, err := rec.SyncAccount(ctx, sess, acct.ID)
	require.NoError(t, err)

	folders, err := st.GetFolders(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "INBOX", folders[0].Path)
}

func TestReadMessageFetchesBodyOnce(t *testing.T) {
	rec, st, folder := newTestReconciler(t)
	sess := newFakeSession(4)
	sess.bodies[4] = []byte("From: a@b.c\r\nSubject: lazy\r\n\r\nthe body\r\n")
	ctx := context.Background()

	_, err := rec.SyncFolder(ctx, sess, folder)
	require.NoError(t, err)

	msg, err := st.GetMessageByUID(ctx, folder.ID, 4)
	require.NoError(t, err)
	assert.False(t, msg.BodyFetched)

	got, err := rec.ReadMessage(ctx, sess, folder, 4)
	require.NoError(t, err)
	assert.True(t, got.BodyFetched)
	assert.Contains(t, got.BodyText, "the body")
	assert.Equal(t, 1, sess.bodyCalls)

	// Second read serves from cache.
	_, err = rec.ReadMessage(ctx, sess, folder, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.bodyCalls)
}

func TestAccountLoopPushTriggersIncrementalFetch(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st)
	rec := NewReconciler(st, model.SyncConfig{}, nil)

	sess := newFakeSession(1, 2, 3)
	factory := func(model.Account) session.MailSession { return sess }
	loop := NewAccountLoop(acct, rec, factory, model.SyncConfig{
		PollIntervalSec: 3600, IdleTimeoutSec: 3600,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	defer loop.Stop()

	// Initial pass.
	res := waitResult(t, loop)
	require.NoError(t, res.Err)

	// One new message arrives and the server pushes EXISTS.
	sess.addMessage(4)
	sess.pushCh <- session.PushEvent{Type: session.PushExists, Seq: 4}

	res = waitResult(t, loop)
	require.NoError(t, res.Err)
	require.Len(t, res.Summaries, 1)
	assert.Equal(t, 1, res.Summaries[0].New)

	// Exactly one incremental fetch for exactly the new UID.
	sess.mu.Lock()
	defer sess.mu.Unlock()
	require.Len(t, sess.envelopeCalls, 2)
	assert.Equal(t, []uint32{4}, sess.envelopeCalls[1])
}

func TestAccountLoopTriggerWakesIdleWait(t *testing.T) {
	st := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, st)
	rec := NewReconciler(st, model.SyncConfig{}, nil)

	sess := newFakeSession(1, 2)
	factory := func(model.Account) session.MailSession { return sess }
	loop := NewAccountLoop(acct, rec, factory, model.SyncConfig{
		PollIntervalSec: 3600, IdleTimeoutSec: 3600,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Start(ctx)
	defer loop.Stop()

	res := waitResult(t, loop)
	require.NoError(t, res.Err)

	// The session is now parked in an hour-long idle wait with no push
	// traffic. A manual trigger must produce a pass promptly instead of
	// queueing behind the wait.
	sess.addMessage(3)
	loop.Trigger()

	res = waitResult(t, loop)
	require.NoError(t, res.Err)
	require.Len(t, res.Summaries, 1)
	assert.Equal(t, 1, res.Summaries[0].New)
}

func waitResult(t *testing.T, loop *AccountLoop) Result {
	t.Helper()
	select {
	case res := <-loop.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync result")
		return Result{}
	}
}
