package fault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapKeepsFirstClassification(t *testing.T) {
	inner := Transport("dial", errors.New("connection refused"))
	outer := Wrap(KindCache, "syncing folder", inner)

	assert.Equal(t, KindTransport, KindOf(outer))
	assert.True(t, errors.Is(outer, inner))
}

func TestAuthOverridesEarlierClassification(t *testing.T) {
	// A rejected LOGIN arrives as a protocol-level NO; the auth path
	// must still surface it as an auth failure so the owning loop
	// parks instead of retrying the same credentials.
	inner := Protocol("imap command", errors.New("server replied NO"))
	err := Auth("imap login", inner)

	assert.Equal(t, KindAuth, KindOf(err))
	assert.False(t, KindOf(err).Transient())
	assert.True(t, errors.Is(err, inner))
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(KindTransport, "dial", nil))
	assert.NoError(t, Auth("login", nil))
}

func TestTransientKinds(t *testing.T) {
	assert.True(t, KindTransport.Transient())
	assert.True(t, KindProtocol.Transient())
	assert.False(t, KindAuth.Transient())
	assert.False(t, KindPolicy.Transient())
	assert.False(t, KindCache.Transient())
}
