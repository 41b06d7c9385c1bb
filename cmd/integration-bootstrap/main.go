// Seeds the encrypted token store for an E2E test user from a long-lived
// Dropbox refresh token, so CI never needs the interactive login.
//
// Usage: go run ./cmd/integration-bootstrap --user e2e
//
// Reads DROPBOX_APP_KEY, DROPBOX_APP_SECRET and DROPBOX_REFRESH_TOKEN from
// the environment (or .env), and the token passphrase the same way the CLI
// does.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tonimelisma/rss-kobo/internal/auth"
	"github.com/tonimelisma/rss-kobo/internal/config"
	"github.com/tonimelisma/rss-kobo/internal/dropbox"
	"github.com/tonimelisma/rss-kobo/internal/tokenfile"
)

const envRefreshToken = "DROPBOX_REFRESH_TOKEN"

func main() {
	user := flag.String("user", "e2e", "username to store the token under")
	configPath := flag.String("config", "", "config file path")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(context.Background(), *user, *configPath, logger); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Token for %q saved.\n", *user)
}

func run(ctx context.Context, user, configPath string, logger *slog.Logger) error {
	if _, err := config.LoadDotEnv(logger, "."); err != nil {
		return err
	}

	refreshToken := os.Getenv(envRefreshToken)
	if refreshToken == "" {
		return fmt.Errorf("%s not set", envRefreshToken)
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: configPath})
	if err != nil {
		return err
	}

	if err := cfg.RequireApp(); err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	client, err := auth.NewClient(auth.Config{
		ClientID:     cfg.AppKey,
		ClientSecret: cfg.AppSecret,
		RedirectURL:  cfg.RedirectURL,
	}, httpClient, logger)
	if err != nil {
		return err
	}

	rec, err := client.Refresh(ctx, refreshToken)
	if err != nil {
		return err
	}

	// Refresh responses carry no account ID; look it up so later logins
	// against a different account are caught.
	if rec.AccountID == "" {
		acct, err := dropbox.NewClient(dropbox.DefaultAPIURL, dropbox.DefaultContentURL, httpClient, logger, cfg.UserAgent).
			CurrentAccount(ctx, rec.AccessToken)
		if err != nil {
			return fmt.Errorf("verifying token: %w", err)
		}

		rec.AccountID = acct.AccountID
		logger.Info("token belongs to", slog.String("email", acct.Email))
	}

	secret, _, err := tokenfile.ResolveSecret(cfg.Passphrase)
	if err != nil {
		return err
	}

	store := tokenfile.NewStore(cfg.TokenDir, tokenfile.NewCodec(tokenfile.DefaultKDFParams), secret, logger)

	return auth.NewManager(user, store, client, logger).Authorize(rec, true)
}
