package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fileblobs/client/internal/auth"
	"github.com/fileblobs/client/internal/auth/oidc"
	"github.com/fileblobs/client/internal/config"
	"github.com/fileblobs/client/internal/download"
	"github.com/fileblobs/client/internal/handshake"
	"github.com/fileblobs/client/internal/logger"
	"github.com/fileblobs/client/internal/page"
	"github.com/fileblobs/client/internal/util"
)

// session is one login page together with the controller driving it.
type session struct {
	page       *page.Page
	controller *handshake.Controller
}

// sessionOptions are the flags shared by every command that needs a session.
type sessionOptions struct {
	accessToken string
	account     string
}

func addSessionFlags(fs *flag.FlagSet, cfg *config.Config) *sessionOptions {
	opts := &sessionOptions{}
	fs.StringVar(&opts.accessToken, "access-token", "", "use this access token instead of the cached login")
	fs.StringVar(&opts.account, "account", cfg.Account, "storage account to select after login")
	return opts
}

func newPage(cfg *config.Config, callbackURL string, out io.Writer) (*page.Page, error) {
	location := cfg.OIDC.RedirectPath
	if callbackURL != "" {
		location = callbackURL
	}
	p, err := page.New(cfg.BaseURL, location, out)
	if err != nil {
		return nil, err
	}
	if callbackURL != "" && !p.SameOrigin(p.Location()) {
		return nil, fmt.Errorf("callback URL %q is not on %s", callbackURL, cfg.BaseURL)
	}
	return p, nil
}

func newSession(ctx context.Context, cfg *config.Config, callbackURL, accessToken string, out io.Writer) (*session, error) {
	p, err := newPage(cfg, callbackURL, out)
	if err != nil {
		return nil, err
	}

	var manager auth.Manager
	if accessToken != "" {
		logger.Debug("Using static access token", "token", auth.TokenPrefix(accessToken))
		manager = auth.NewTokenManager(accessToken)
	} else {
		oidcManager, err := newOIDCManager(ctx, cfg, p)
		if err != nil {
			return nil, err
		}
		manager = oidcManager
	}

	return &session{
		page:       p,
		controller: handshake.NewController(p, manager, handshake.NewTokenStore(cfg.BaseURL, p.Client())),
	}, nil
}

func newOIDCManager(ctx context.Context, cfg *config.Config, p *page.Page) (*oidc.Manager, error) {
	if !cfg.HasOIDC() {
		return nil, errors.New("oidc.authority and oidc.client_id are required unless -access-token is given")
	}

	store, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Path == "" {
		logger.Warn("No store.path configured; the login will not survive this process")
	}

	return oidc.NewManager(ctx, oidc.Config{
		Authority:            cfg.OIDC.Authority,
		ClientID:             cfg.OIDC.ClientID,
		RedirectURI:          cfg.RedirectURI(),
		ResponseType:         cfg.OIDC.ResponseType,
		Scopes:               cfg.OIDC.Scopes,
		FilterProtocolClaims: cfg.OIDC.FilterProtocolClaims,
		LoadUserInfo:         cfg.OIDC.LoadUserInfo,
		OnUserLoaded: func(login *auth.Login) {
			logger.Info("User loaded", "subject", login.Profile.Subject, "email", login.Profile.Email)
		},
	}, store, p)
}

func newStore(cfg *config.Config) (oidc.Store, error) {
	if cfg.Store.Path == "" {
		return oidc.NewMemoryStore(), nil
	}
	return oidc.NewFileStore(cfg.Store.Path, cfg.Store.Secret)
}

// withSession runs fn with a logged-in client. When the server rejects the
// session, the handshake runs once more and fn is retried.
func withSession(ctx context.Context, cfg *config.Config, opts *sessionOptions, out io.Writer, fn func(*download.Client) error) error {
	for attempt := 1; ; attempt++ {
		client, err := sessionClient(ctx, cfg, opts, out)
		if err != nil {
			return err
		}
		err = fn(client)
		if attempt == 1 && download.SessionExpired(err) {
			logger.Warn("Session rejected, running the login handshake again", "error", err)
			continue
		}
		return err
	}
}

// sessionClient runs the handshake against the cached login and returns a
// client carrying the resulting session cookie, with the storage account
// selected when one is configured.
func sessionClient(ctx context.Context, cfg *config.Config, opts *sessionOptions, out io.Writer) (*download.Client, error) {
	sess, err := newSession(ctx, cfg, "", opts.accessToken, out)
	if err != nil {
		return nil, err
	}

	result := sess.controller.Run(ctx)
	switch result.State {
	case handshake.StateLanding:
	case handshake.StateSigninRedirect:
		return nil, errors.New("not logged in; run fileblobs login first")
	default:
		return nil, resultError(result)
	}

	client := download.NewClient(cfg.BaseURL, sess.page.Client())
	if opts.account != "" {
		if err := client.SelectAccount(ctx, opts.account); err != nil {
			return nil, err
		}
	}
	return client, nil
}

func resultError(result handshake.Result) error {
	if result.State == handshake.StateAccessDenied {
		return fmt.Errorf("access denied (%s)", result.Target)
	}
	if result.Err != nil {
		return fmt.Errorf("%s: %w", result.Message, result.Err)
	}
	return errors.New(result.Message)
}

// save streams a download into a temporary file in dir and renames it to
// output, or to the server-provided name when output is empty.
func save(dir, output string, out io.Writer, fetch func(io.Writer) (*download.Result, error)) error {
	if dir == "" {
		dir = "."
	}
	if output != "" {
		dir = filepath.Dir(output)
	}
	started := time.Now()
	tmp, err := os.CreateTemp(dir, ".fileblobs-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	result, err := fetch(tmp)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}

	target := output
	if target == "" {
		target = filepath.Join(dir, result.Filename)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("save %s: %w", target, err)
	}
	fmt.Fprintf(out, "Saved %s (%s in %s)\n", target, util.FormatBytes(result.Bytes), util.FormatDuration(time.Since(started)))
	return nil
}
