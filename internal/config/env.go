package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Environment variable names for overrides.
const (
	EnvConfig          = "RSSKOBO_CONFIG"
	EnvAppKey          = "DROPBOX_APP_KEY"
	EnvAppSecret       = "DROPBOX_APP_SECRET"
	EnvRedirectPort    = "OAUTH_REDIRECT_PORT"
	EnvTokenPassphrase = "RSSKOBO_TOKEN_PASSPHRASE"
	EnvTokenKeyLegacy  = "TOKEN_ENCRYPTION_KEY"
)

// dotEnvFile is the name of the optional environment file.
const dotEnvFile = ".env"

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // RSSKOBO_CONFIG
	AppKey       string // DROPBOX_APP_KEY
	AppSecret    string // DROPBOX_APP_SECRET
	RedirectPort string // OAUTH_REDIRECT_PORT
	Passphrase   string // RSSKOBO_TOKEN_PASSPHRASE, falling back to TOKEN_ENCRYPTION_KEY
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	passphrase := os.Getenv(EnvTokenPassphrase)
	if passphrase == "" {
		passphrase = os.Getenv(EnvTokenKeyLegacy)
	}

	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		AppKey:       os.Getenv(EnvAppKey),
		AppSecret:    os.Getenv(EnvAppSecret),
		RedirectPort: os.Getenv(EnvRedirectPort),
		Passphrase:   passphrase,
	}
}

// LoadDotEnv loads a .env file from each of dirs that has one, in order.
// Variables already present in the environment are never overridden, so the
// first file to define a name wins over later ones. Missing files are
// skipped. Returns the files that were loaded.
func LoadDotEnv(logger *slog.Logger, dirs ...string) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var loaded []string

	for _, dir := range dirs {
		if dir == "" {
			continue
		}

		path := filepath.Join(dir, dotEnvFile)

		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return loaded, fmt.Errorf("config: checking %s: %w", path, err)
		}

		if err := godotenv.Load(path); err != nil {
			return loaded, fmt.Errorf("config: loading %s: %w", path, err)
		}

		logger.Debug("loaded environment file", slog.String("path", path))

		loaded = append(loaded, path)
	}

	return loaded, nil
}
