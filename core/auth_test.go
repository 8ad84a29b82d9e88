package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type AuthFixture struct {
	*RosterFixture
	authStore AuthStore
}

func NewAuthFixture(t *testing.T) *AuthFixture {
	roster := NewRosterFixture(t)
	return &AuthFixture{
		RosterFixture: roster,
		authStore:     NewJWTAuthStore(roster.userStore, []byte("secret"), time.Hour),
	}
}

func TestNewSession(t *testing.T) {

	t.Run("valid credentials", func(t *testing.T) {
		f := NewAuthFixture(t)
		defer f.tearDown()
		seedUsers(f.RosterFixture, owner)

		session, err := f.authStore.NewSession(f.ctx, owner.Username, owner.Password)

		require.Nil(t, err)
		require.NotNil(t, session)
		assert.Equal(t, owner.Username, session.Username)
		assert.NotEmpty(t, session.Token)
		assert.True(t, session.ExpiresAt.After(time.Now()))
	})

	t.Run("wrong password", func(t *testing.T) {
		f := NewAuthFixture(t)
		defer f.tearDown()
		seedUsers(f.RosterFixture, owner)

		_, err := f.authStore.NewSession(f.ctx, owner.Username, "wrong")
		assert.ErrorIs(t, err, ErrBadCredentials)
	})

	t.Run("unknown user", func(t *testing.T) {
		f := NewAuthFixture(t)
		defer f.tearDown()

		_, err := f.authStore.NewSession(f.ctx, "ghost", "password")
		assert.ErrorIs(t, err, ErrBadCredentials)
	})
}

func TestSession(t *testing.T) {

	t.Run("round trip", func(t *testing.T) {
		f := NewAuthFixture(t)
		defer f.tearDown()
		seedUsers(f.RosterFixture, owner)
		session, err := f.authStore.NewSession(f.ctx, owner.Username, owner.Password)
		require.Nil(t, err)

		got, err := f.authStore.Session(f.ctx, session.Token)
		require.Nil(t, err)
		assert.Equal(t, owner.Username, got.Username)
	})

	t.Run("garbage token", func(t *testing.T) {
		f := NewAuthFixture(t)
		defer f.tearDown()

		_, err := f.authStore.Session(f.ctx, "garbage")
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}
