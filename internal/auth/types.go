package auth

import (
	"context"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// ErrorAccessDenied is the error code signalling the user may not use the application.
const ErrorAccessDenied = "access_denied"

// tokenPrefixLen is how much of an access token may appear in diagnostics.
const tokenPrefixLen = 10

// Profile holds identity claims for the logged-in user.
type Profile struct {
	Subject string         `json:"sub"`
	Email   string         `json:"email,omitempty"`
	Name    string         `json:"name,omitempty"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// Login is the record produced by a completed sign-in.
type Login struct {
	AccessToken string    `json:"access_token"`
	IDToken     string    `json:"id_token,omitempty"`
	TokenType   string    `json:"token_type,omitempty"`
	Scope       string    `json:"scope,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Profile     Profile   `json:"profile"`
}

// Token returns the access token as an oauth2 token.
func (l *Login) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: l.AccessToken,
		TokenType:   l.TokenType,
		Expiry:      l.ExpiresAt,
	}
}

// Expired reports whether the access token is missing or past its expiry.
func (l *Login) Expired() bool {
	if l == nil {
		return true
	}
	return !l.Token().Valid()
}

// Manager drives an identity provider on behalf of the login page.
type Manager interface {
	// CompleteRedirectCallback validates the provider's redirect back to the page.
	CompleteRedirectCallback(ctx context.Context, callback *url.URL) (*Login, error)
	// GetUser returns the cached login, or nil when there is none.
	GetUser(ctx context.Context) (*Login, error)
	// SigninRedirect navigates the page to the provider's sign-in endpoint.
	SigninRedirect(ctx context.Context) error
}

// Error is the {error, error_description} envelope used by both the identity
// provider and the token-store endpoint.
type Error struct {
	Code        string `json:"error,omitempty"`
	Description string `json:"error_description,omitempty"`
	Message     string `json:"message,omitempty"`
	Status      int    `json:"-"`
}

func (e *Error) Error() string {
	switch {
	case e.Description != "" && e.Code != "":
		return e.Code + ": " + e.Description
	case e.Description != "":
		return e.Description
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return e.Code
	default:
		return "unknown error"
	}
}

// AccessDenied reports whether the error carries the access_denied code.
func (e *Error) AccessDenied() bool {
	return e.Code == ErrorAccessDenied
}

// TokenPrefix returns a short prefix of token that is safe to log.
func TokenPrefix(token string) string {
	if len(token) <= tokenPrefixLen {
		return token[:len(token)/2] + "..."
	}
	return token[:tokenPrefixLen] + "..."
}
