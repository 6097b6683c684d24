// Package oidctest runs an in-process OpenID provider for tests.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const keyID = "oidctest"

// Provider serves discovery, JWKS and userinfo endpoints and signs ID tokens.
type Provider struct {
	Server   *httptest.Server
	ClientID string

	key *rsa.PrivateKey

	mu            sync.Mutex
	userInfo      map[string]any
	userInfoCalls int
}

// NewProvider starts a provider that issues tokens for clientID. It is closed
// when the test ends.
func NewProvider(t testing.TB, clientID string) *Provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := &Provider{ClientID: clientID, key: key}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc("/jwks", p.handleJWKS)
	mux.HandleFunc("/userinfo", p.handleUserInfo)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer returns the provider's issuer URL.
func (p *Provider) Issuer() string {
	return p.Server.URL
}

// SetUserInfo sets the claims returned by the userinfo endpoint.
func (p *Provider) SetUserInfo(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfo = claims
}

// UserInfoCalls returns how often the userinfo endpoint was hit.
func (p *Provider) UserInfoCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userInfoCalls
}

// Claims returns a valid claim set for subject, bound to nonce and, when
// accessToken is non-empty, to the access token through at_hash.
func (p *Provider) Claims(subject, nonce, accessToken string) map[string]any {
	now := time.Now()
	claims := map[string]any{
		"iss":   p.Issuer(),
		"sub":   subject,
		"aud":   p.ClientID,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"nonce": nonce,
		"email": subject + "@example.com",
		"name":  strings.ToUpper(subject[:1]) + subject[1:],
	}
	if accessToken != "" {
		claims["at_hash"] = AccessTokenHash(accessToken)
	}
	return claims
}

// Sign returns claims as a compact RS256 JWS.
func (p *Provider) Sign(t testing.TB, claims map[string]any) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: p.key, KeyID: keyID, Algorithm: string(jose.RS256)}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("create signer: %v", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	object, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign claims: %v", err)
	}
	raw, err := object.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize token: %v", err)
	}
	return raw
}

// AccessTokenHash computes the at_hash claim for an RS256-signed token.
func AccessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	issuer := p.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/authorize",
		"token_endpoint":                        issuer + "/token",
		"userinfo_endpoint":                     issuer + "/userinfo",
		"jwks_uri":                              issuer + "/jwks",
		"response_types_supported":              []string{"id_token", "id_token token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     keyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.userInfoCalls++
	claims := p.userInfo
	p.mu.Unlock()

	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	if claims == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no userinfo configured"})
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
