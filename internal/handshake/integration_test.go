package handshake

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/fileblobs/client/internal/auth/oidc"
	"github.com/fileblobs/client/internal/auth/oidc/oidctest"
	"github.com/fileblobs/client/internal/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// appServer mimics the token-store endpoint: it accepts one token and issues a
// session cookie for it, and denies everything else.
func appServer(t *testing.T, allowedToken string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(StoreTokenPath, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "JSON inválido"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Token != allowedToken {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "access_denied",
				"error_description": "Acesso negado",
			})
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session_user", Value: "alice", Path: "/", HttpOnly: true})
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "success", "redirect": LandingPath})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHandshakeEndToEnd(t *testing.T) {
	ctx := context.Background()
	provider := oidctest.NewProvider(t, "fileblobs")
	app := appServer(t, "alice-access-token")
	store := oidc.NewMemoryStore()

	// First load: no auth data, nothing cached, so the page goes to the provider.
	first, err := page.New(app.URL, "/login", nil)
	require.NoError(t, err)
	manager, err := oidc.NewManager(ctx, oidc.Config{
		Authority:   provider.Issuer(),
		ClientID:    "fileblobs",
		RedirectURI: app.URL + "/login",
	}, store, first)
	require.NoError(t, err)

	result := NewController(first, manager, NewTokenStore(app.URL, first.Client())).Run(ctx)
	require.Equal(t, StateSigninRedirect, result.State)
	authorize, err := url.Parse(result.Target)
	require.NoError(t, err)
	state, nonce := authorize.Query().Get("state"), authorize.Query().Get("nonce")

	// Second load: the provider redirected back with tokens in the fragment.
	callback := url.Values{
		"id_token":     {provider.Sign(t, provider.Claims("alice", nonce, "alice-access-token"))},
		"access_token": {"alice-access-token"},
		"token_type":   {"Bearer"},
		"expires_in":   {"3600"},
		"state":        {state},
	}
	second, err := page.New(app.URL, "/login#"+callback.Encode(), nil)
	require.NoError(t, err)
	manager, err = oidc.NewManager(ctx, oidc.Config{
		Authority:   provider.Issuer(),
		ClientID:    "fileblobs",
		RedirectURI: app.URL + "/login",
	}, store, second)
	require.NoError(t, err)

	result = NewController(second, manager, NewTokenStore(app.URL, second.Client())).Run(ctx)
	require.Equal(t, StateLanding, result.State)
	assert.Equal(t, []string{app.URL + LandingPath}, second.Navigations())

	session, ok := second.Cookie("session_user")
	assert.True(t, ok)
	assert.Equal(t, "alice", session)
	_, denied := second.Cookie(AccessDeniedCookie)
	assert.False(t, denied)

	// Third load: the cached login is reused without visiting the provider.
	third, err := page.New(app.URL, "/login", nil)
	require.NoError(t, err)
	result = NewController(third, manager, NewTokenStore(app.URL, third.Client())).Run(ctx)
	assert.Equal(t, StateLanding, result.State)
	assert.Equal(t, StatusAuthenticated, third.Status())
}

func TestHandshakeDeniedSetsCookieOnPage(t *testing.T) {
	app := appServer(t, "someone-else")
	p, err := page.New(app.URL, "/login", nil)
	require.NoError(t, err)

	manager := &fakeManager{cachedLogin: validLogin("alice-access-token")}
	result := NewController(p, manager, NewTokenStore(app.URL, p.Client())).Run(context.Background())

	assert.Equal(t, StateAccessDenied, result.State)
	value, ok := p.Cookie(AccessDeniedCookie)
	assert.True(t, ok)
	assert.Equal(t, "true", value)
	assert.Equal(t, 1, p.CookieSets())
	assert.Equal(t, []string{app.URL + AccessDeniedPath + "?message=Acesso+negado"}, p.Navigations())
	assert.Equal(t, StatusAuthenticated, p.Status())
}

func TestHandshakeProviderDenialWithEscapedDescription(t *testing.T) {
	ctx := context.Background()
	provider := oidctest.NewProvider(t, "fileblobs")
	app := appServer(t, "unused")

	p, err := page.New(app.URL, "/login#error=access_denied&error_description=100%25+bloqueado+%26+registrado", nil)
	require.NoError(t, err)
	manager, err := oidc.NewManager(ctx, oidc.Config{
		Authority:   provider.Issuer(),
		ClientID:    "fileblobs",
		RedirectURI: app.URL + "/login",
	}, oidc.NewMemoryStore(), p)
	require.NoError(t, err)

	result := NewController(p, manager, NewTokenStore(app.URL, p.Client())).Run(ctx)

	require.Equal(t, StateAccessDenied, result.State)
	assert.Equal(t, KindAccessDenied, result.Kind)
	want := app.URL + AccessDeniedPath + "?" + url.Values{"message": {"100% bloqueado & registrado"}}.Encode()
	assert.Equal(t, []string{want}, p.Navigations())
	_, denied := p.Cookie(AccessDeniedCookie)
	assert.True(t, denied)
}
