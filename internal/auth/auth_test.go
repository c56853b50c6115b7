package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowAll(t *testing.T) {
	v := AllowAll()
	assert.True(t, v(context.Background(), "anything"))
	assert.True(t, v(context.Background(), ""))
}

func TestStaticList(t *testing.T) {
	v := StaticList([]string{"alpha", "beta"})

	assert.True(t, v(context.Background(), "alpha"))
	assert.True(t, v(context.Background(), "beta"))
	assert.False(t, v(context.Background(), "gamma"))
	assert.False(t, v(context.Background(), ""))
}

func TestJWTRoundTrip(t *testing.T) {
	token, err := GenerateJWT("secret", "user-1", false)
	require.NoError(t, err)

	v := JWT("secret")
	assert.True(t, v(context.Background(), token))

	// Wrong secret, garbage, empty all rejected.
	assert.False(t, JWT("other-secret")(context.Background(), token))
	assert.False(t, v(context.Background(), "not.a.jwt"))
	assert.False(t, v(context.Background(), ""))
}

func TestAdminGate(t *testing.T) {
	open := NewAdminGate(nil)
	assert.True(t, open.Allows("any token"), "empty gate preserves the open behavior")

	gate := NewAdminGate([]string{"root-token"})
	assert.True(t, gate.Allows("root-token"))
	assert.False(t, gate.Allows("user-token"))
}
