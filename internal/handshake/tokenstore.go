package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fileblobs/client/internal/auth"
	"github.com/fileblobs/client/internal/logger"
)

const maxResponseBytes = 1 << 20

// OutcomeKind tags an Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeDenied
	OutcomeFailure
)

// Outcome is the result of submitting a token to the token-store endpoint.
type Outcome struct {
	Kind OutcomeKind
	// Body is the JSON success body.
	Body json.RawMessage
	// Reason is the optional error_description of a denial.
	Reason string
	// Err carries the failure envelope.
	Err *auth.Error
}

// Submitter exchanges an access token for a server-side session.
type Submitter interface {
	Submit(ctx context.Context, token string) Outcome
}

// TokenStore posts tokens to the application's token-store endpoint.
type TokenStore struct {
	endpoint string
	client   *http.Client
}

// NewTokenStore creates a TokenStore for the application at baseURL. The
// client must carry the page's cookie jar so the session cookie is kept.
func NewTokenStore(baseURL string, client *http.Client) *TokenStore {
	if client == nil {
		client = http.DefaultClient
	}
	return &TokenStore{
		endpoint: strings.TrimSuffix(baseURL, "/") + StoreTokenPath,
		client:   client,
	}
}

type storeTokenRequest struct {
	Token string `json:"token"`
}

// Submit posts token and classifies the response.
func (s *TokenStore) Submit(ctx context.Context, token string) Outcome {
	payload, err := json.Marshal(storeTokenRequest{Token: token})
	if err != nil {
		return failure(&auth.Error{Message: err.Error()})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return failure(&auth.Error{Message: err.Error()})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := s.client.Do(req)
	if err != nil {
		return failure(&auth.Error{Message: err.Error()})
	}
	defer resp.Body.Close()

	logger.Info("Token store response", "status", resp.StatusCode)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failure(&auth.Error{Message: err.Error(), Status: resp.StatusCode})
	}

	if resp.StatusCode == http.StatusForbidden {
		denied := &auth.Error{Code: auth.ErrorAccessDenied, Status: resp.StatusCode}
		// The 403 body is optional; a malformed one still means denied.
		_ = json.Unmarshal(body, denied)
		return Outcome{Kind: OutcomeDenied, Reason: denied.Description, Err: denied}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		envelope := &auth.Error{}
		if err := json.Unmarshal(body, envelope); err != nil {
			envelope = &auth.Error{Message: fmt.Sprintf("status %d", resp.StatusCode)}
		}
		envelope.Status = resp.StatusCode
		return failure(envelope)
	}

	if !json.Valid(body) {
		return failure(&auth.Error{
			Message: fmt.Sprintf("invalid token store response (status %d)", resp.StatusCode),
			Status:  resp.StatusCode,
		})
	}
	return Outcome{Kind: OutcomeSuccess, Body: json.RawMessage(body)}
}

func failure(err *auth.Error) Outcome {
	return Outcome{Kind: OutcomeFailure, Err: err}
}
