package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/rss-kobo/internal/tokenfile"
)

// RefreshMargin is how long before expiry an access token is renewed.
const RefreshMargin = 5 * time.Minute

// TokenState is the outcome of a token request.
type TokenState int

const (
	// StateValid: the stored access token is used as is.
	StateValid TokenState = iota
	// StateRefreshed: a new access token was obtained and persisted.
	StateRefreshed
	// StateAuthRequired: the user never authorized.
	StateAuthRequired
	// StateReauthRequired: the refresh token was rejected.
	StateReauthRequired
	// StateTransientFailure: network or server trouble, try again later.
	StateTransientFailure
	// StateCorrupt: the token file failed decryption or validation.
	StateCorrupt
	// StateFailed: any other failure (configuration, local I/O).
	StateFailed
)

func (s TokenState) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateRefreshed:
		return "refreshed"
	case StateAuthRequired:
		return "authentication-required"
	case StateReauthRequired:
		return "reauthorization-required"
	case StateTransientFailure:
		return "transient-failure"
	case StateCorrupt:
		return "corrupt"
	default:
		return "failed"
	}
}

// TokenResult is what ValidToken hands back. AccessToken is only set for
// StateValid and StateRefreshed.
type TokenResult struct {
	AccessToken string
	ExpiresAt   time.Time
	State       TokenState
}

// TokenStore persists token records by username. Satisfied by
// *tokenfile.Store.
type TokenStore interface {
	Load(username string) (*tokenfile.Record, error)
	Save(username string, rec *tokenfile.Record) error
	Delete(username string) error
}

// Refresher mints a new access token from a refresh token. Satisfied by
// *Client.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*tokenfile.Record, error)
}

// Manager hands out a currently valid access token for one user, refreshing
// it when it is about to expire. Construct one per run and username; it is
// the only writer of that user's token record.
type Manager struct {
	username string
	store    TokenStore
	oauth    Refresher
	logger   *slog.Logger

	// nowFunc is the clock used for the refresh margin. Tests override it.
	nowFunc func() time.Time

	// flight collapses concurrent refreshes so a rotating refresh token is
	// spent once.
	flight singleflight.Group
}

// NewManager creates a Manager for username.
func NewManager(username string, store TokenStore, oauth Refresher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		username: username,
		store:    store,
		oauth:    oauth,
		logger:   logger.With(slog.String("user", username)),
		nowFunc:  time.Now,
	}
}

// Username is the user this Manager serves.
func (m *Manager) Username() string {
	return m.username
}

// ValidToken returns an access token that is valid for at least
// RefreshMargin. Inside the margin the stored token is returned without any
// network call or write. Otherwise the token is refreshed and the merged
// record saved before the new token is returned. On any refresh failure the
// stored record is left untouched.
func (m *Manager) ValidToken(ctx context.Context) (TokenResult, error) {
	rec, state, err := m.load()
	if err != nil {
		return TokenResult{State: state}, err
	}

	if m.nowFunc().Before(rec.ExpiresAt.Add(-RefreshMargin)) {
		m.logger.Debug("using stored access token", slog.Time("expires_at", rec.ExpiresAt))

		return TokenResult{AccessToken: rec.AccessToken, ExpiresAt: rec.ExpiresAt, State: StateValid}, nil
	}

	m.logger.Info("access token expired or near expiry, refreshing",
		slog.Time("expires_at", rec.ExpiresAt),
	)

	return m.refresh(ctx, rec)
}

// Token is ValidToken reduced to the access token.
func (m *Manager) Token(ctx context.Context) (string, error) {
	res, err := m.ValidToken(ctx)

	return res.AccessToken, err
}

// ForceRefresh refreshes regardless of the stored expiry. Used when the
// remote rejected a token the store still considers valid.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	rec, _, err := m.load()
	if err != nil {
		return "", err
	}

	m.logger.Info("remote rejected access token, forcing refresh")

	res, err := m.refresh(ctx, rec)

	return res.AccessToken, err
}

// Authorize stores the record from a completed authorization-code exchange,
// replacing any existing record wholesale. A record for a different remote
// account is refused unless allowAccountChange is set.
func (m *Manager) Authorize(rec *tokenfile.Record, allowAccountChange bool) error {
	existing, err := m.store.Load(m.username)
	if err != nil && !errors.Is(err, tokenfile.ErrCorruptTokenStore) {
		return err
	}

	if err != nil {
		m.logger.Warn("replacing unreadable token file with new authorization")
	}

	if existing != nil && existing.AccountID != "" && rec.AccountID != "" &&
		existing.AccountID != rec.AccountID && !allowAccountChange {
		return fmt.Errorf("%w: stored %s, new %s", ErrAccountMismatch, existing.AccountID, rec.AccountID)
	}

	if err := m.store.Save(m.username, rec); err != nil {
		return fmt.Errorf("auth: saving authorization: %w", err)
	}

	m.logger.Info("authorization stored",
		slog.Time("expires_at", rec.ExpiresAt),
		slog.Bool("replaced", existing != nil),
	)

	return nil
}

// Logout deletes the stored record.
func (m *Manager) Logout() error {
	if err := m.store.Delete(m.username); err != nil {
		return fmt.Errorf("auth: removing credentials: %w", err)
	}

	return nil
}

func (m *Manager) load() (*tokenfile.Record, TokenState, error) {
	rec, err := m.store.Load(m.username)
	if err != nil {
		if errors.Is(err, tokenfile.ErrCorruptTokenStore) {
			m.logger.Error("stored credentials are unreadable", slog.String("error", err.Error()))

			return nil, StateCorrupt, err
		}

		return nil, StateFailed, fmt.Errorf("auth: loading credentials: %w", err)
	}

	if rec == nil {
		m.logger.Info("no stored credentials")

		return nil, StateAuthRequired, fmt.Errorf("%w for user %q", ErrAuthenticationRequired, m.username)
	}

	return rec, StateValid, nil
}

func (m *Manager) refresh(ctx context.Context, rec *tokenfile.Record) (TokenResult, error) {
	v, err, shared := m.flight.Do(m.username, func() (any, error) {
		return m.doRefresh(ctx, rec)
	})

	if shared {
		m.logger.Debug("joined in-flight refresh")
	}

	res, _ := v.(TokenResult)

	return res, err
}

func (m *Manager) doRefresh(ctx context.Context, rec *tokenfile.Record) (TokenResult, error) {
	fresh, err := m.oauth.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRefreshToken):
			m.logger.Error("refresh token rejected, stored credentials kept for diagnosis",
				slog.String("error", err.Error()),
			)

			return TokenResult{State: StateReauthRequired},
				fmt.Errorf("%w for user %q: %w", ErrReauthorizationRequired, m.username, err)

		case errors.Is(err, ErrTransient):
			m.logger.Warn("token refresh failed transiently", slog.String("error", err.Error()))

			return TokenResult{State: StateTransientFailure}, err

		default:
			m.logger.Error("token refresh failed", slog.String("error", err.Error()))

			return TokenResult{State: StateFailed}, err
		}
	}

	merged := rec.Clone()
	merged.AccessToken = fresh.AccessToken
	merged.ExpiresAt = fresh.ExpiresAt.UTC()

	rotated := fresh.RefreshToken != "" && fresh.RefreshToken != rec.RefreshToken
	if fresh.RefreshToken != "" {
		merged.RefreshToken = fresh.RefreshToken
	}

	if fresh.AccountID != "" {
		merged.AccountID = fresh.AccountID
	}

	// Persist before handing the token out so the next run never works
	// from a record older than the token in use.
	if err := m.store.Save(m.username, merged); err != nil {
		m.logger.Error("failed to persist refreshed token", slog.String("error", err.Error()))

		return TokenResult{State: StateFailed}, fmt.Errorf("auth: persisting refreshed token: %w", err)
	}

	m.logger.Info("refreshed and persisted access token",
		slog.Time("expires_at", merged.ExpiresAt),
		slog.Bool("refresh_token_rotated", rotated),
	)

	return TokenResult{AccessToken: merged.AccessToken, ExpiresAt: merged.ExpiresAt, State: StateRefreshed}, nil
}
