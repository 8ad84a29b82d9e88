package core

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/putto11262002/pulse/pkg/router"
)

const (
	key            sessionKey = "session"
	AuthCookieName            = "auth_token"
)

type sessionKey = string

func contextWithSession(ctx context.Context, session Session) context.Context {
	return context.WithValue(ctx, key, session)
}

func sessionFromContext(ctx context.Context) (Session, bool) {
	session, ok := ctx.Value(key).(Session)
	return session, ok
}

// SessionFromRequest extracts the session from the request context.
// It must be called in handlers that are protected by the JWTMiddleware.
// It panics if the session is not found in the request context.
func SessionFromRequest(r *http.Request) Session {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		panic("session not found in request context: call this function in handlers that are protected by JWTMiddleware")
	}
	return session
}

func CookieFromSession(session Session, httpOnly bool, path string) *http.Cookie {
	return &http.Cookie{
		Name:     AuthCookieName,
		Value:    session.Token,
		Expires:  session.ExpiresAt,
		HttpOnly: httpOnly,
		Path:     path,
	}
}

// tokenFromRequest looks for the token in, by priority: the Authorization
// bearer header, the auth cookie, then the "token" query parameter. The query
// parameter exists for websocket clients that cannot set headers.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return token
		}
	}
	if cookie, err := r.Cookie(AuthCookieName); err == nil && cookie.Valid() == nil {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}

// JWTMiddleware extracts the JWT token from the request, validates it and
// attaches the session to the request context. The session is guaranteed to
// be attached to the request context for subsequent handlers.
func JWTMiddleware(a AuthStore) router.Middleware {
	return func(next http.Handler) router.HandlerFunc {
		authErr := router.NewJsonError(http.StatusUnauthorized, "unauthenticated")

		return router.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
			ctx := r.Context()

			token := tokenFromRequest(r)
			if token == "" {
				return authErr
			}

			session, err := a.Session(ctx, token)
			if err != nil {
				if errors.Is(err, ErrUnauthenticated) {
					return authErr
				}
				return err
			}

			newCtx := contextWithSession(ctx, *session)
			next.ServeHTTP(w, r.WithContext(newCtx))
			return nil
		})
	}
}
