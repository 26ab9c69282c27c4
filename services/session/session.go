// Package session signs dashboard users in against the Fyra Labs identity
// provider and carries the resulting session through request contexts.
package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNoSession is returned when a session id is unknown or expired.
	ErrNoSession = errors.New("session: no session")
	// ErrStateMismatch is returned when a callback's state does not match the one issued at sign in.
	ErrStateMismatch = errors.New("session: state mismatch")
	// ErrDisabled is returned by sign-in operations when OIDC is turned off.
	ErrDisabled = errors.New("session: sign in is disabled")
)

// Session is a signed-in user together with the tokens issued for them.
type Session struct {
	ID           string
	Subject      string
	Name         string
	Email        string
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenExpiry  time.Time
	Claims       map[string]any
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// DisplayName is the label shown in the navigation bar.
func (s *Session) DisplayName() string {
	if s == nil {
		return ""
	}
	for _, v := range []string{s.Name, s.Email, s.Subject} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return "signed in"
}

// Expired reports whether the session itself, not its access token, has lapsed.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || (!s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt))
}

func (s *Session) tokenNeedsRefresh(now time.Time) bool {
	if s.TokenExpiry.IsZero() || s.RefreshToken == "" {
		return false
	}
	return now.Add(tokenRefreshLeeway).After(s.TokenExpiry)
}

type ctxKey struct{}

// WithSession returns a copy of ctx carrying s.
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session stored in ctx, or nil for anonymous requests.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
