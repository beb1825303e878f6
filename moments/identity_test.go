package moments

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPlainIdentity(t *testing.T) {
	identity := PlainIdentity()

	username, err := identity("alice")
	assert.Equal(t, err, nil)
	assert.Equal(t, username, "alice")

	_, err = identity("")
	assert.Equal(t, errors.Is(err, ErrNoIdentity), true)
}

func TestJwtIdentity(t *testing.T) {
	secret := []byte("moment-test-secret")
	identity := JwtIdentity(secret)

	token, err := NewIdentityToken("alice", secret, 1*time.Hour)
	assert.Equal(t, err, nil)

	username, err := identity(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, username, "alice")

	// the token is introspectable without the secret
	username, err = ParseIdentityTokenUnverified(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, username, "alice")

	// a token under another secret is rejected
	otherToken, err := NewIdentityToken("alice", []byte("other-secret"), 1*time.Hour)
	assert.Equal(t, err, nil)
	_, err = identity(otherToken)
	assert.Equal(t, errors.Is(err, ErrNoIdentity), true)

	// an expired token is rejected
	expiredToken, err := NewIdentityToken("alice", secret, -1*time.Hour)
	assert.Equal(t, err, nil)
	_, err = identity(expiredToken)
	assert.NotEqual(t, err, nil)

	// garbage is rejected
	_, err = identity("not-a-token")
	assert.NotEqual(t, err, nil)
}
