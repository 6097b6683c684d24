package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/fileblobs/client/internal/auth"
	"github.com/fileblobs/client/internal/logger"
	"golang.org/x/oauth2"
)

const (
	defaultResponseType = "id_token token"
	defaultStateTimeout = 10 * time.Minute
)

// protocolClaims are dropped from the profile when claim filtering is on.
var protocolClaims = []string{"nonce", "at_hash", "iat", "nbf", "exp", "aud", "iss", "c_hash"}

// Navigator sends the page to another URL.
type Navigator interface {
	Navigate(target string)
}

// Config configures an implicit-flow Manager.
type Config struct {
	Authority            string
	ClientID             string
	RedirectURI          string
	ResponseType         string
	Scopes               []string
	FilterProtocolClaims bool
	LoadUserInfo         bool
	// OnUserLoaded is called after a callback produced and stored a login.
	OnUserLoaded func(*auth.Login)
}

// Manager implements auth.Manager for the OIDC implicit flow.
type Manager struct {
	oidcProvider         *oidc.Provider
	verifier             *oidc.IDTokenVerifier
	oauth2Config         *oauth2.Config
	responseType         string
	filterProtocolClaims bool
	loadUserInfo         bool
	onUserLoaded         func(*auth.Login)
	store                Store
	navigator            Navigator
	stateTimeout         time.Duration
	now                  func() time.Time
}

// NewManager discovers the provider at cfg.Authority and returns a manager
// that persists state and logins in store and navigates with navigator.
func NewManager(ctx context.Context, cfg Config, store Store, navigator Navigator) (*Manager, error) {
	if cfg.Authority == "" {
		return nil, errors.New("oidc login requires authority")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("oidc login requires client_id")
	}
	if cfg.RedirectURI == "" {
		return nil, errors.New("oidc login requires redirect_uri")
	}
	if store == nil {
		return nil, errors.New("oidc login requires a store")
	}
	if navigator == nil {
		return nil, errors.New("oidc login requires a navigator")
	}

	responseType := strings.TrimSpace(cfg.ResponseType)
	if responseType == "" {
		responseType = defaultResponseType
	}
	if !hasResponseType(responseType, "id_token") {
		return nil, fmt.Errorf("unsupported response_type %q: implicit flow requires id_token", responseType)
	}

	provider, err := oidc.NewProvider(ctx, cfg.Authority)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", cfg.Authority, err)
	}

	return &Manager{
		oidcProvider: provider,
		verifier:     provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2Config: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      normalizeScopes(cfg.Scopes),
			Endpoint:    provider.Endpoint(),
		},
		responseType:         responseType,
		filterProtocolClaims: cfg.FilterProtocolClaims,
		loadUserInfo:         cfg.LoadUserInfo,
		onUserLoaded:         cfg.OnUserLoaded,
		store:                store,
		navigator:            navigator,
		stateTimeout:         defaultStateTimeout,
		now:                  time.Now,
	}, nil
}

// SigninRedirect records a fresh state and nonce and navigates to the
// provider's authorization endpoint.
func (m *Manager) SigninRedirect(ctx context.Context) error {
	state, err := generateNonce()
	if err != nil {
		return err
	}
	nonce, err := generateNonce()
	if err != nil {
		return err
	}

	pending := PendingState{
		State:     state,
		Nonce:     nonce,
		ExpiresAt: m.now().Add(m.stateTimeout),
	}
	if err := m.store.SaveState(ctx, pending); err != nil {
		return fmt.Errorf("save sign-in state: %w", err)
	}

	signinURL := m.oauth2Config.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.SetAuthURLParam("response_type", m.responseType),
	)
	logger.Debug("Redirecting to identity provider", "endpoint", m.oauth2Config.Endpoint.AuthURL)
	m.navigator.Navigate(signinURL)
	return nil
}

// CompleteRedirectCallback validates the provider's response carried in the
// callback URL and stores the resulting login.
func (m *Manager) CompleteRedirectCallback(ctx context.Context, callback *url.URL) (*auth.Login, error) {
	if callback == nil {
		return nil, errors.New("missing callback url")
	}
	params, err := callbackParams(callback)
	if err != nil {
		return nil, err
	}

	if code := params.Get("error"); code != "" {
		// The provider's state is consumed even on error so it cannot be replayed.
		if state := params.Get("state"); state != "" {
			_, _ = m.store.TakeState(ctx, state)
		}
		return nil, &auth.Error{Code: code, Description: params.Get("error_description")}
	}

	state := params.Get("state")
	if state == "" {
		return nil, errors.New("missing state in callback")
	}
	pending, err := m.store.TakeState(ctx, state)
	if err != nil {
		return nil, err
	}
	if pending.ExpiresAt.Before(m.now()) {
		return nil, errors.New("state expired")
	}

	rawIDToken := params.Get("id_token")
	if rawIDToken == "" {
		return nil, errors.New("missing id_token")
	}
	accessToken := params.Get("access_token")
	if hasResponseType(m.responseType, "token") && accessToken == "" {
		return nil, errors.New("missing access_token")
	}

	idToken, err := m.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, err
	}
	if idToken.Nonce != pending.Nonce {
		return nil, errors.New("invalid nonce")
	}
	if accessToken != "" && idToken.AccessTokenHash != "" {
		if err := idToken.VerifyAccessToken(accessToken); err != nil {
			return nil, err
		}
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, err
	}

	login := &auth.Login{
		AccessToken: accessToken,
		IDToken:     rawIDToken,
		TokenType:   params.Get("token_type"),
		Scope:       params.Get("scope"),
		ExpiresAt:   idToken.Expiry,
	}
	if expiresIn, err := strconv.Atoi(params.Get("expires_in")); err == nil && expiresIn > 0 {
		login.ExpiresAt = m.now().Add(time.Duration(expiresIn) * time.Second)
	}

	if m.loadUserInfo && accessToken != "" {
		if err := m.mergeUserInfo(ctx, login, idToken.Subject, claims); err != nil {
			return nil, err
		}
	}
	if m.filterProtocolClaims {
		for _, claim := range protocolClaims {
			delete(claims, claim)
		}
	}

	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	login.Profile = auth.Profile{
		Subject: idToken.Subject,
		Email:   email,
		Name:    name,
		Claims:  claims,
	}

	if err := m.store.SaveLogin(ctx, login); err != nil {
		return nil, fmt.Errorf("save login: %w", err)
	}
	logger.Info("User loaded", "sub", login.Profile.Subject, "expires_at", login.ExpiresAt)
	if m.onUserLoaded != nil {
		m.onUserLoaded(login)
	}
	return login, nil
}

// GetUser returns the cached login, expired or not, or nil.
func (m *Manager) GetUser(ctx context.Context) (*auth.Login, error) {
	return m.store.Login(ctx)
}

// RemoveUser forgets the cached login.
func (m *Manager) RemoveUser(ctx context.Context) error {
	return m.store.RemoveLogin(ctx)
}

func (m *Manager) mergeUserInfo(ctx context.Context, login *auth.Login, subject string, claims map[string]interface{}) error {
	info, err := m.oidcProvider.UserInfo(ctx, oauth2.StaticTokenSource(login.Token()))
	if err != nil {
		return fmt.Errorf("load user info: %w", err)
	}
	if info.Subject != subject {
		return errors.New("user info subject does not match id_token")
	}
	var extra map[string]interface{}
	if err := info.Claims(&extra); err != nil {
		return err
	}
	for key, value := range extra {
		if _, ok := claims[key]; !ok {
			claims[key] = value
		}
	}
	return nil
}

// callbackParams reads the response from the fragment, falling back to the
// query. Both are parsed from their escaped form so encoded '&', '+' and '%'
// inside values survive.
func callbackParams(callback *url.URL) (url.Values, error) {
	raw := callback.EscapedFragment()
	if raw == "" {
		raw = callback.RawQuery
	}
	if raw == "" {
		return nil, errors.New("no response found in callback url")
	}
	params, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("parse callback: %w", err)
	}
	return params, nil
}

func hasResponseType(responseType, want string) bool {
	for _, part := range strings.Fields(responseType) {
		if part == want {
			return true
		}
	}
	return false
}

func normalizeScopes(scopes []string) []string {
	hasOpenID := false
	normalized := make([]string, 0, len(scopes)+1)
	for _, scope := range scopes {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			continue
		}
		if scope == oidc.ScopeOpenID {
			hasOpenID = true
		}
		normalized = append(normalized, scope)
	}
	if len(normalized) == 0 {
		return []string{oidc.ScopeOpenID, "profile", "email"}
	}
	if !hasOpenID {
		normalized = append([]string{oidc.ScopeOpenID}, normalized...)
	}
	return normalized
}

func generateNonce() (string, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(random), nil
}
