package web

import (
	"context"

	"github.com/oakmount-io/mailroom/pkg/model"
)

type contextKey string

const (
	userKey    contextKey = "mailroom.user"
	sessionKey contextKey = "mailroom.session"
	csrfKey    contextKey = "mailroom.csrf"
)

// withIdentity attaches the authenticated user and session to ctx.
func withIdentity(ctx context.Context, u *model.User, s *model.Session) context.Context {
	ctx = context.WithValue(ctx, userKey, u)
	return context.WithValue(ctx, sessionKey, s)
}

// UserFrom returns the authenticated user, or nil for anonymous requests.
func UserFrom(ctx context.Context) *model.User {
	u, _ := ctx.Value(userKey).(*model.User)
	return u
}

// SessionFrom returns the bound session, or nil.
func SessionFrom(ctx context.Context) *model.Session {
	s, _ := ctx.Value(sessionKey).(*model.Session)
	return s
}

// withCSRFExpectation publishes the expected CSRF token for handlers that
// validate a form field instead of the header.
func withCSRFExpectation(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfKey, token)
}

// CSRFExpectation returns the expected CSRF token for this request, empty
// when the middleware already validated the header.
func CSRFExpectation(ctx context.Context) string {
	t, _ := ctx.Value(csrfKey).(string)
	return t
}
