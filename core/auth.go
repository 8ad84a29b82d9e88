package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Session struct {
	Username  string    `json:"username"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

var (
	ErrBadCredentials  = errors.New("invalid credentials")
	ErrUnauthenticated = errors.New("unauthenticated")
)

type AuthStore interface {
	NewSession(ctx context.Context, username, password string) (session *Session, err error)

	// Session validates a token and returns the session it carries.
	// ErrUnauthenticated is returned for expired or malformed tokens.
	Session(ctx context.Context, token string) (session *Session, err error)
}

// JWTAuthStore issues and validates stateless JWT sessions.
type JWTAuthStore struct {
	userStore UserStore
	secret    []byte
	exp       time.Duration
}

func NewJWTAuthStore(userStore UserStore, secret []byte, exp time.Duration) *JWTAuthStore {
	return &JWTAuthStore{userStore: userStore, secret: secret, exp: exp}
}

func (s *JWTAuthStore) NewSession(ctx context.Context, username, password string) (*Session, error) {
	ok, err := s.userStore.ComparePassword(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("ComparePassword: %w", err)
	}
	if !ok {
		return nil, ErrBadCredentials
	}

	user, err := s.userStore.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("GetUserByUsername: %w", err)
	}
	if user == nil {
		return nil, ErrBadCredentials
	}

	token, exp, err := NewToken(*user, s.exp, s.secret)
	if err != nil {
		return nil, fmt.Errorf("NewToken: %w", err)
	}

	return &Session{Username: username, Token: token, ExpiresAt: exp}, nil
}

func (s *JWTAuthStore) Session(ctx context.Context, token string) (*Session, error) {
	claims, err := VerifyToken(token, s.secret)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return &Session{
		Username:  claims.Username,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
