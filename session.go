package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gofrs/flock"

	"github.com/tonimelisma/rss-kobo/internal/auth"
	"github.com/tonimelisma/rss-kobo/internal/config"
	"github.com/tonimelisma/rss-kobo/internal/dropbox"
	"github.com/tonimelisma/rss-kobo/internal/ledger"
	"github.com/tonimelisma/rss-kobo/internal/tokenfile"
)

// remoteEndpoints are the Dropbox hosts the CLI talks to. Tests point them at
// httptest servers; empty OAuth URLs select the Dropbox defaults.
type remoteEndpoints struct {
	apiURL     string
	contentURL string
	authURL    string
	tokenURL   string
}

var endpoints = remoteEndpoints{
	apiURL:     dropbox.DefaultAPIURL,
	contentURL: dropbox.DefaultContentURL,
}

// kdfParams is the key derivation cost for token files. Tests lower it.
var kdfParams = tokenfile.DefaultKDFParams

// errNoAppKey is what a refresh reports when no Dropbox app is configured.
var errNoAppKey = errors.New("no Dropbox app key configured")

// session bundles the collaborators a command needs, built from the
// resolved configuration.
type session struct {
	cfg        *config.Resolved
	logger     *slog.Logger
	httpClient *http.Client
	store      *tokenfile.Store
}

// newSession resolves the token secret and opens the token store.
func newSession(cfg *config.Resolved, logger *slog.Logger) (*session, error) {
	secret, source, err := tokenfile.ResolveSecret(cfg.Passphrase)
	if err != nil {
		return nil, err
	}

	logger.Debug("token secret resolved", slog.String("source", string(source)))

	return &session{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		store:      tokenfile.NewStore(cfg.TokenDir, tokenfile.NewCodec(kdfParams), secret, logger),
	}, nil
}

// oauthClient builds the OAuth client for the configured Dropbox app.
func (s *session) oauthClient() (*auth.Client, error) {
	if err := s.cfg.RequireApp(); err != nil {
		return nil, err
	}

	return auth.NewClient(auth.Config{
		ClientID:     s.cfg.AppKey,
		ClientSecret: s.cfg.AppSecret,
		RedirectURL:  s.cfg.RedirectURL,
		AuthURL:      endpoints.authURL,
		TokenURL:     endpoints.tokenURL,
	}, s.httpClient, s.logger)
}

// manager returns the token manager for username. Without a configured app
// key the manager still serves stored tokens; only refreshing fails.
func (s *session) manager(username string) *auth.Manager {
	var refresher auth.Refresher = noAppRefresher{}

	if c, err := s.oauthClient(); err == nil {
		refresher = c
	}

	return auth.NewManager(username, s.store, refresher, s.logger)
}

// dropbox returns a Dropbox API client sharing the session's HTTP client.
func (s *session) dropbox() *dropbox.Client {
	return dropbox.NewClient(endpoints.apiURL, endpoints.contentURL, s.httpClient, s.logger, s.cfg.UserAgent)
}

// openLedger opens the delivery history, or returns nil when it is disabled.
func (s *session) openLedger(ctx context.Context) (*ledger.Ledger, error) {
	if s.cfg.LedgerDisabled {
		return nil, nil //nolint:nilnil // nil ledger means history is off
	}

	return ledger.Open(ctx, s.cfg.LedgerPath, s.logger)
}

// lockUser takes an exclusive, non-blocking lock for username so two runs
// never refresh or upload for the same user at once. The returned func
// releases it.
func (s *session) lockUser(username string) (func(), error) {
	tokenPath, err := s.store.Path(username)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.cfg.TokenDir, tokenfile.DirPerms); err != nil {
		return nil, fmt.Errorf("creating token directory: %w", err)
	}

	lock := flock.New(tokenPath + ".lock")

	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock for user %q: %w", username, err)
	}

	if !ok {
		return nil, fmt.Errorf("another rss-kobo run for user %q is in progress", username)
	}

	return func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("releasing user lock", slog.String("error", err.Error()))
		}
	}, nil
}

type noAppRefresher struct{}

func (noAppRefresher) Refresh(context.Context, string) (*tokenfile.Record, error) {
	return nil, errNoAppKey
}
