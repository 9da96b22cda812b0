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

const maxAttempts = 5

func seedOutboxEntry(t *testing.T, s *store.SQLiteStore, accountID string) model.OutboxEntry {
	t.Helper()
	entry := model.OutboxEntry{
		ID:         "out-1",
		AccountID:  accountID,
		From:       "user@example.com",
		Recipients: []string{"one@example.com"},
		Payload:    []byte("Subject: hi\r\n\r\nhello\r\n"),
	}
	require.NoError(t, s.EnqueueOutbox(context.Background(), entry))
	return entry
}

func TestOutboxClaimAndSend(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s)
	seedOutboxEntry(t, s, acct.ID)
	ctx := context.Background()

	claimed, err := s.ClaimDueOutbox(ctx, acct.ID, time.Now(), maxAttempts)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, model.OutboxSending, claimed[0].State)

	// A claimed entry is invisible to a second claim.
	again, err := s.ClaimDueOutbox(ctx, acct.ID, time.Now(), maxAttempts)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, s.MarkOutboxSent(ctx, claimed[0].ID))

	entries, err := s.GetOutbox(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.OutboxSent, entries[0].State)
}

func TestOutboxTransitionsAreForwardOnly(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s)
	entry := seedOutboxEntry(t, s, acct.ID)
	ctx := context.Background()

	// Sent and failed both require the sending state first.
	require.Error(t, s.MarkOutboxSent(ctx, entry.ID))
	require.Error(t, s.MarkOutboxFailed(ctx, store.OutboxUpdate{ID: entry.ID, FailReason: "x"}))

	claimed, err := s.ClaimDueOutbox(ctx, acct.ID, time.Now(), maxAttempts)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, s.MarkOutboxSent(ctx, entry.ID))

	// A sent entry never moves again.
	require.Error(t, s.MarkOutboxFailed(ctx, store.OutboxUpdate{ID: entry.ID, FailReason: "late"}))
	entries, err := s.GetOutbox(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxSent, entries[0].State)
}

func TestOutboxRetrySchedule(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s)
	entry := seedOutboxEntry(t, s, acct.ID)
	ctx := context.Background()
	now := time.Now().UTC()

	claimed, err := s.ClaimDueOutbox(ctx, acct.ID, now, maxAttempts)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	retryAt := now.Add(30 * time.Second)
	require.NoError(t, s.MarkOutboxFailed(ctx, store.OutboxUpdate{
		ID: entry.ID, FailReason: "connection refused", NextAttempt: retryAt,
	}))

	// Not due yet.
	claimed, err = s.ClaimDueOutbox(ctx, acct.ID, now.Add(time.Second), maxAttempts)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// Due after the backoff interval.
	claimed, err = s.ClaimDueOutbox(ctx, acct.ID, retryAt.Add(time.Second), maxAttempts)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
	assert.Equal(t, "connection refused", claimed[0].FailReason)
}

func TestOutboxCeilingIsTerminal(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s)
	entry := seedOutboxEntry(t, s, acct.ID)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < maxAttempts; i++ {
		claimed, err := s.ClaimDueOutbox(ctx, acct.ID, now.Add(time.Duration(i)*time.Hour), maxAttempts)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d should be claimable", i+1)
		require.NoError(t, s.MarkOutboxFailed(ctx, store.OutboxUpdate{
			ID: entry.ID, FailReason: "still down",
			NextAttempt: now.Add(time.Duration(i)*time.Hour + time.Minute),
		}))
	}

	// Past the ceiling: never claimed again.
	claimed, err := s.ClaimDueOutbox(ctx, acct.ID, now.Add(100*time.Hour), maxAttempts)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	entries, err := s.GetOutbox(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.OutboxFailed, entries[0].State)
	assert.Equal(t, maxAttempts, entries[0].Attempts)
	assert.True(t, entries[0].Terminal(maxAttempts))
}

func TestOutboxPermanentFailureStoresReason(t *testing.T) {
	s := testutil.NewTestStore(t)
	acct := testutil.SeedAccount(t, s)
	entry := seedOutboxEntry(t, s, acct.ID)
	ctx := context.Background()

	claimed, err := s.ClaimDueOutbox(ctx, acct.ID, time.Now(), maxAttempts)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Zero NextAttempt means no retry is scheduled.
	require.NoError(t, s.MarkOutboxFailed(ctx, store.OutboxUpdate{
		ID: entry.ID, FailReason: "rejected recipient",
	}))

	claimed, err = s.ClaimDueOutbox(ctx, acct.ID, time.Now().Add(time.Hour), maxAttempts)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	entries, err := s.GetOutbox(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "rejected recipient", entries[0].FailReason)
}
