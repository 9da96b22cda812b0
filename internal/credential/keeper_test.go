package credential

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PratikP1/Wixen-Mail-sub002/internal/fault"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/model"
	"github.com/PratikP1/Wixen-Mail-sub002/internal/store"
	"github.com/PratikP1/Wixen-Mail-sub002/tests/testutil"
)

func newTestKeeper(t *testing.T) (*Keeper, *store.SQLiteStore) {
	t.Helper()
	st := testutil.NewTestStore(t)
	k, err := NewKeeperWithRing(st, keyring.NewArrayKeyring(nil), nil)
	require.NoError(t, err)
	return k, st
}

func TestPasswordRoundTrip(t *testing.T) {
	k, _ := newTestKeeper(t)
	ctx := context.Background()

	require.NoError(t, k.SetPassword(ctx, "acct-1", "hunter2"))
	got, err := k.Password(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.Secret("hunter2"), got)
}

func TestPasswordStoredEncrypted(t *testing.T) {
	k, st := newTestKeeper(t)
	ctx := context.Background()

	require.NoError(t, k.SetPassword(ctx, "acct-1", "hunter2"))

	blob, err := st.GetCredential(ctx, "acct-1", store.CredentialPassword)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(blob, []byte("hunter2")),
		"ciphertext must not contain the plaintext password")
}

func TestSecretFormattingIsRedacted(t *testing.T) {
	s := model.Secret("hunter2")
	assert.Equal(t, "****", fmt.Sprintf("%v", s))
	assert.Equal(t, "****", fmt.Sprintf("%s", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")
}

func TestMasterKeyPersistsAcrossKeepers(t *testing.T) {
	st := testutil.NewTestStore(t)
	ring := keyring.NewArrayKeyring(nil)
	ctx := context.Background()

	k1, err := NewKeeperWithRing(st, ring, nil)
	require.NoError(t, err)
	require.NoError(t, k1.SetPassword(ctx, "acct-1", "hunter2"))

	// A second keeper on the same ring must decrypt what the first wrote.
	k2, err := NewKeeperWithRing(st, ring, nil)
	require.NoError(t, err)
	got, err := k2.Password(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.Secret("hunter2"), got)
}

func TestWrongKeyFailsClosed(t *testing.T) {
	st := testutil.NewTestStore(t)
	ctx := context.Background()

	k1, err := NewKeeperWithRing(st, keyring.NewArrayKeyring(nil), nil)
	require.NoError(t, err)
	require.NoError(t, k1.SetPassword(ctx, "acct-1", "hunter2"))

	k2, err := NewKeeperWithRing(st, keyring.NewArrayKeyring(nil), nil)
	require.NoError(t, err)
	_, err = k2.Password(ctx, "acct-1")
	require.Error(t, err)
	assert.Equal(t, fault.KindSecurity, fault.KindOf(err))
}

func TestTokenRefreshPersistsNewPair(t *testing.T) {
	k, _ := newTestKeeper(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-access","refresh_token":"rotated-refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer srv.Close()

	k.RegisterProvider("acct-1", model.OAuthProvider{
		ClientID: "cid", TokenURL: srv.URL,
	})
	require.NoError(t, k.SetTokens(ctx, "acct-1", model.TokenPair{
		AccessToken:  "stale-access",
		RefreshToken: "old-refresh",
		Expiry:       time.Now().Add(-time.Hour),
	}))

	// Expired access token forces a refresh through the token endpoint.
	pair, err := k.AccessToken(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.Secret("fresh-access"), pair.AccessToken)
	assert.Equal(t, model.Secret("rotated-refresh"), pair.RefreshToken)

	// The rotated pair was persisted.
	stored, err := k.loadTokens(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.Secret("rotated-refresh"), stored.RefreshToken)
}

func TestRefreshWithoutProviderFails(t *testing.T) {
	k, _ := newTestKeeper(t)
	ctx := context.Background()

	require.NoError(t, k.SetTokens(ctx, "acct-1", model.TokenPair{
		AccessToken: "a", RefreshToken: "r",
	}))

	_, err := k.Refresh(ctx, "acct-1")
	require.Error(t, err)
	assert.Equal(t, fault.KindAuth, fault.KindOf(err))
}
