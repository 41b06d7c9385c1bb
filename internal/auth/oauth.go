package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/rss-kobo/internal/tokenfile"
)

// Dropbox OAuth 2.0 endpoints.
const (
	DropboxAuthURL  = "https://www.dropbox.com/oauth2/authorize"
	DropboxTokenURL = "https://api.dropboxapi.com/oauth2/token"
)

// DefaultRedirectURL must match a redirect URI registered on the Dropbox app.
const DefaultRedirectURL = "http://localhost:5000"

// DefaultScopes lets the app write and read the delivered files and identify
// the account.
var DefaultScopes = []string{
	"files.content.write",
	"files.content.read",
	"account_info.read",
}

// stateTokenBytes is the number of random bytes for the OAuth2 state parameter.
const stateTokenBytes = 16

// defaultTokenLifetime applies when the token response omits expires_in.
// Dropbox short-lived access tokens last four hours.
const defaultTokenLifetime = 4 * time.Hour

// maxErrorBodyLen bounds how much of a non-JSON error body is kept.
const maxErrorBodyLen = 256

// Config identifies the OAuth application and where the user is sent back to.
// Empty AuthURL/TokenURL select the Dropbox endpoints.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	AuthURL      string
	TokenURL     string
}

// pendingAuth is the state and PKCE verifier of the last issued
// authorization URL. It is consumed by the next Exchange.
type pendingAuth struct {
	state    string
	verifier string
}

// Client performs the authorization-code and refresh-token exchanges. It
// holds no credentials beyond the single pending authorization.
type Client struct {
	oauth      *oauth2.Config
	httpClient *http.Client
	logger     *slog.Logger
	nowFunc    func() time.Time

	mu      sync.Mutex
	pending *pendingAuth
}

// NewClient creates a Client. httpClient is the transport used for every
// token endpoint call; nil selects http.DefaultClient.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("auth: client ID (Dropbox app key) is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if cfg.AuthURL == "" {
		cfg.AuthURL = DropboxAuthURL
	}

	if cfg.TokenURL == "" {
		cfg.TokenURL = DropboxTokenURL
	}

	if cfg.RedirectURL == "" {
		cfg.RedirectURL = DefaultRedirectURL
	}

	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}

	return &Client{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: httpClient,
		logger:     logger,
		nowFunc:    time.Now,
	}, nil
}

// AuthorizationURL builds the URL the user visits to grant access. Each call
// issues a fresh state token and PKCE verifier and forgets any earlier ones.
func (c *Client) AuthorizationURL() (string, error) {
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("auth: generating state token: %w", err)
	}

	verifier := oauth2.GenerateVerifier()

	c.mu.Lock()
	c.pending = &pendingAuth{state: state, verifier: verifier}
	c.mu.Unlock()

	authURL := c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("token_access_type", "offline"),
		oauth2.S256ChallengeOption(verifier),
	)

	c.logger.Info("issued authorization URL",
		slog.String("redirect_uri", c.oauth.RedirectURL),
	)

	return authURL, nil
}

// Exchange completes the flow with the redirect the user's browser landed
// on (a full URL or just its query string). The state is checked before
// anything is sent to the remote. The pending authorization is consumed
// whatever the outcome.
func (c *Client) Exchange(ctx context.Context, redirect string) (*tokenfile.Record, error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	params, err := parseRedirect(redirect)
	if err != nil {
		return nil, &ProtocolError{Code: "invalid_redirect", Description: err.Error(), Err: ErrAuthorization}
	}

	if pending == nil {
		return nil, fmt.Errorf("%w: no authorization in progress", ErrStateMismatch)
	}

	got := params.Get("state")
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(pending.state)) != 1 {
		c.logger.Warn("redirect state does not match issued state, discarding attempt")

		return nil, fmt.Errorf("%w (possible CSRF or stale redirect)", ErrStateMismatch)
	}

	if errParam := params.Get("error"); errParam != "" {
		return nil, &ProtocolError{
			Code:        errParam,
			Description: params.Get("error_description"),
			Err:         ErrAuthorization,
		}
	}

	code := params.Get("code")
	if code == "" {
		return nil, &ProtocolError{Code: "missing_code", Description: "redirect carried no authorization code", Err: ErrAuthorization}
	}

	c.logger.Info("exchanging authorization code for token")

	tok, err := c.oauth.Exchange(c.withHTTPClient(ctx), code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		return nil, classifyTokenError(err, false)
	}

	if tok.RefreshToken == "" {
		return nil, &ProtocolError{
			Code:        "missing_refresh_token",
			Description: "token response carried no refresh token; offline access was not granted",
			Err:         ErrAuthorization,
		}
	}

	rec := c.toRecord(tok, "")

	c.logger.Info("token exchange successful",
		slog.Time("expires_at", rec.ExpiresAt),
		slog.Bool("has_account_id", rec.AccountID != ""),
	)

	return rec, nil
}

// Refresh trades refreshToken for a new access token. The returned record
// carries the rotated refresh token when the remote issued one and the
// input token otherwise; callers persist whatever comes back.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*tokenfile.Record, error) {
	if refreshToken == "" {
		return nil, &ProtocolError{Code: "missing_refresh_token", Err: ErrInvalidRefreshToken}
	}

	c.logger.Debug("refreshing access token")

	src := c.oauth.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(err, true)
	}

	rec := c.toRecord(tok, refreshToken)

	c.logger.Debug("refresh successful",
		slog.Time("expires_at", rec.ExpiresAt),
		slog.Bool("rotated", rec.RefreshToken != refreshToken),
	)

	return rec, nil
}

// withHTTPClient attaches the injected transport for the oauth2 package.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func (c *Client) toRecord(tok *oauth2.Token, previousRefresh string) *tokenfile.Record {
	rec := &tokenfile.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
	}

	if rec.RefreshToken == "" {
		rec.RefreshToken = previousRefresh
	}

	if tok.Expiry.IsZero() {
		rec.ExpiresAt = c.nowFunc().Add(defaultTokenLifetime).UTC()
		c.logger.Warn("token response has no expiry, assuming default lifetime",
			slog.Duration("lifetime", defaultTokenLifetime),
		)
	}

	if id, ok := tok.Extra("account_id").(string); ok {
		rec.AccountID = id
	}

	return rec
}

// classifyTokenError separates remote rejections from failures worth
// retrying later. refreshing selects ErrInvalidRefreshToken for rejections
// of the grant itself.
func classifyTokenError(err error, refreshing bool) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}

	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: token endpoint returned HTTP %d: %w", ErrTransient, status, err)
	}

	sentinel := ErrAuthorization
	if refreshing && (re.ErrorCode == "invalid_grant" || status == http.StatusUnauthorized) {
		sentinel = ErrInvalidRefreshToken
	}

	desc := re.ErrorDescription
	if re.ErrorCode == "" && desc == "" {
		desc = strings.TrimSpace(string(re.Body))
		if len(desc) > maxErrorBodyLen {
			desc = desc[:maxErrorBodyLen]
		}
	}

	return &ProtocolError{
		StatusCode:  status,
		Code:        re.ErrorCode,
		Description: desc,
		Err:         sentinel,
	}
}

// parseRedirect extracts the query parameters from a redirect URL, a
// request URI, or a bare query string.
func parseRedirect(redirect string) (url.Values, error) {
	s := strings.TrimSpace(redirect)
	if s == "" {
		return nil, fmt.Errorf("empty redirect")
	}

	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[i+1:]
	}

	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	values, err := url.ParseQuery(s)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect query: %w", err)
	}

	return values, nil
}

// generateState produces a cryptographically random hex string for the OAuth2
// state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
