package auth

import (
	"context"
	"errors"
	"net/url"
)

// ErrStaticRedirect is returned when a StaticManager is asked to start a sign-in.
var ErrStaticRedirect = errors.New("static manager cannot redirect to sign-in")

// StaticManager serves a fixed login without contacting an identity provider.
type StaticManager struct {
	login *Login
}

// NewStaticManager returns a manager that always reports login as cached.
// A nil login makes the manager behave as if nobody ever signed in.
func NewStaticManager(login *Login) *StaticManager {
	return &StaticManager{login: login}
}

// NewTokenManager wraps a bare access token that never expires.
func NewTokenManager(accessToken string) *StaticManager {
	return NewStaticManager(&Login{AccessToken: accessToken, TokenType: "Bearer"})
}

// CompleteRedirectCallback returns the fixed login.
func (m *StaticManager) CompleteRedirectCallback(_ context.Context, _ *url.URL) (*Login, error) {
	if m.login == nil {
		return nil, errors.New("no login available")
	}
	return m.login, nil
}

// GetUser returns the fixed login.
func (m *StaticManager) GetUser(_ context.Context) (*Login, error) {
	return m.login, nil
}

// SigninRedirect always fails.
func (m *StaticManager) SigninRedirect(_ context.Context) error {
	return ErrStaticRedirect
}
