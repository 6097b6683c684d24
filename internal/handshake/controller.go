// Package handshake drives the login page: it completes or starts the OIDC
// implicit-flow sign-in, hands the resulting access token to the application's
// token-store endpoint, and routes every outcome to a navigation or a status
// message.
package handshake

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/fileblobs/client/internal/auth"
	"github.com/fileblobs/client/internal/logger"
)

// Application paths.
const (
	StoreTokenPath   = "/auth/store-token"
	AccessDeniedPath = "/access-denied"
	LandingPath      = "/storage-accounts"
)

// AccessDeniedCookie stops the access-denied page from redirecting back to login.
const AccessDeniedCookie = "access_denied"

// Status display texts.
const (
	StatusProcessingCallback = "Processando resposta de login..."
	StatusCheckingUser       = "Verificando estado do usuário..."
	StatusRedirecting        = "Redirecionando para autenticação..."
	StatusAuthenticated      = "Usuário autenticado, processando..."

	PrefixAuthError       = "Erro de autenticação: "
	PrefixRedirectError   = "Erro ao redirecionar para autenticação: "
	PrefixUserLookupError = "Erro ao verificar usuário: "

	UnknownErrorText = "Erro desconhecido"
)

// Page is the host the controller reads its URL from and writes results to.
type Page interface {
	Location() *url.URL
	SetStatus(text string)
	SetCookie(c *http.Cookie)
	Navigate(target string)
}

// Controller runs the login handshake for one page.
type Controller struct {
	page      Page
	manager   auth.Manager
	submitter Submitter
}

// NewController creates a controller.
func NewController(page Page, manager auth.Manager, submitter Submitter) *Controller {
	return &Controller{page: page, manager: manager, submitter: submitter}
}

// Run performs the handshake once and reports the terminal state. Every call
// performs a fresh token submission; nothing is memoized between runs.
func (c *Controller) Run(ctx context.Context) Result {
	location := c.page.Location()
	intent := DetectIntent(location)

	var result Result
	if intent == IntentProcessingCallback {
		logger.Info("Found URL parameters, processing login response")
		result = c.processCallback(ctx, location)
	} else {
		logger.Info("No URL parameters, checking user state")
		result = c.checkExistingUser(ctx)
	}
	result.Intent = intent

	logger.Info("Login handshake finished",
		"intent", intent.String(),
		"state", result.State.String(),
		"kind", result.Kind.String(),
		"target", result.Target,
	)
	return result
}

func (c *Controller) processCallback(ctx context.Context, location *url.URL) Result {
	c.page.SetStatus(StatusProcessingCallback)

	login, err := c.manager.CompleteRedirectCallback(ctx, location)
	if err != nil {
		logger.Error("Login callback failed", "error", err)
		return c.routeError(err, KindCallbackFailure, PrefixAuthError)
	}
	if login == nil || login.AccessToken == "" {
		return c.routeError(errors.New("login response did not include an access token"), KindCallbackFailure, PrefixAuthError)
	}

	logger.Info("Login successful, token received", "token", auth.TokenPrefix(login.AccessToken))
	return c.submitToken(ctx, login.AccessToken)
}

func (c *Controller) checkExistingUser(ctx context.Context) Result {
	c.page.SetStatus(StatusCheckingUser)

	login, err := c.manager.GetUser(ctx)
	if err != nil {
		logger.Error("Failed to check user", "error", err)
		return c.routeError(err, KindUserLookupFailure, PrefixUserLookupError)
	}

	if login == nil || login.Expired() {
		logger.Info("No valid token, redirecting to sign-in")
		c.page.SetStatus(StatusRedirecting)
		if err := c.manager.SigninRedirect(ctx); err != nil {
			logger.Error("Failed to redirect to sign-in", "error", err)
			return c.routeError(err, KindRedirectFailure, PrefixRedirectError)
		}
		return Result{
			State:   StateSigninRedirect,
			Kind:    KindNone,
			Handled: true,
			Target:  c.page.Location().String(),
		}
	}

	logger.Info("User already authenticated, submitting token", "token", auth.TokenPrefix(login.AccessToken))
	c.page.SetStatus(StatusAuthenticated)
	return c.submitToken(ctx, login.AccessToken)
}

func (c *Controller) submitToken(ctx context.Context, token string) Result {
	outcome := c.submitter.Submit(ctx, token)

	switch outcome.Kind {
	case OutcomeSuccess:
		logger.Debug("Token store data", "body", string(outcome.Body))
		c.page.Navigate(LandingPath)
		return Result{State: StateLanding, Kind: KindNone, Handled: true, Target: LandingPath}
	case OutcomeDenied:
		logger.Warn("Access denied by token store")
		result := c.accessDenied(outcome.Reason)
		result.Err = outcome.Err
		return result
	default:
		err := error(outcome.Err)
		if outcome.Err == nil {
			err = errors.New("token store failed")
		}
		logger.Error("Failed to store token", "error", err)
		return c.routeError(err, KindStoreFailure, PrefixAuthError)
	}
}

// routeError sends access_denied payloads to the access-denied page and
// writes everything else to the status display under prefix.
func (c *Controller) routeError(err error, kind ErrorKind, prefix string) Result {
	var authErr *auth.Error
	if errors.As(err, &authErr) && authErr.AccessDenied() {
		result := c.accessDenied(authErr.Description)
		result.Err = err
		return result
	}

	text, known := displayText(err)
	if !known {
		kind = KindUnknown
	}
	message := prefix + text
	c.page.SetStatus(message)
	return Result{State: StateDisplayError, Kind: kind, Message: message, Err: err}
}

func (c *Controller) accessDenied(description string) Result {
	c.page.SetCookie(&http.Cookie{Name: AccessDeniedCookie, Value: "true", Path: "/"})

	target := AccessDeniedPath
	if description != "" {
		target += "?" + url.Values{"message": {description}}.Encode()
	}
	logger.Info("Access denied, redirecting", "target", AccessDeniedPath)
	c.page.Navigate(target)
	return Result{State: StateAccessDenied, Kind: KindAccessDenied, Handled: true, Target: target}
}

// displayText prefers the description, then the message. known is false when
// neither is present.
func displayText(err error) (text string, known bool) {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		if authErr.Description != "" {
			return authErr.Description, true
		}
		if authErr.Message != "" {
			return authErr.Message, true
		}
		return UnknownErrorText, false
	}
	if err == nil || err.Error() == "" {
		return UnknownErrorText, false
	}
	return err.Error(), true
}
