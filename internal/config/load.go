package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// ConfigPath picks the config file: CLI > env > default.
func ConfigPath(env EnvOverrides, cli CLIOverrides) string {
	if cli.ConfigPath != "" {
		return cli.ConfigPath
	}

	if env.ConfigPath != "" {
		return env.ConfigPath
	}

	return DefaultConfigPath()
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := ConfigPath(env, cli)

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	r, err := resolve(cfg, env, cli)
	if err != nil {
		return nil, err
	}

	r.ConfigPath = cfgPath

	if err := ValidateResolved(r); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}

func resolve(cfg *Config, env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	r := &Resolved{
		AppKey:         cfg.Dropbox.AppKey,
		AppSecret:      cfg.Dropbox.AppSecret,
		RedirectURL:    cfg.Dropbox.RedirectURL,
		RemoteFolder:   cfg.Dropbox.RemoteFolder,
		MaxRetries:     cfg.Upload.MaxRetries,
		TargetName:     cfg.Upload.TargetName,
		TokenDir:       expandHome(cfg.Tokens.Dir),
		Passphrase:     cfg.Tokens.Passphrase,
		LogLevel:       cfg.Logging.LogLevel,
		LogFormat:      cfg.Logging.LogFormat,
		UserAgent:      cfg.Network.UserAgent,
		LedgerPath:     expandHome(cfg.Ledger.Path),
		LedgerDisabled: cfg.Ledger.Disabled,
	}

	if r.TokenDir == "" {
		r.TokenDir = DefaultTokenDir()
	}

	if r.LedgerPath == "" {
		r.LedgerPath = DefaultLedgerPath()
	}

	// Validate already accepted these; a decode error here is a bug.
	timeout, err := time.ParseDuration(cfg.Network.Timeout)
	if err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}

	r.Timeout = timeout

	chunkStr := cfg.Upload.ChunkSize

	// Environment layer.
	if env.AppKey != "" {
		r.AppKey = env.AppKey
	}

	if env.AppSecret != "" {
		r.AppSecret = env.AppSecret
	}

	if env.Passphrase != "" {
		r.Passphrase = env.Passphrase
	}

	if env.RedirectPort != "" {
		port, err := parsePort(env.RedirectPort)
		if err != nil {
			return nil, err
		}

		r.RedirectURL = fmt.Sprintf("http://localhost:%d", port)
	}

	// CLI layer.
	if cli.ChunkSize != nil {
		chunkStr = *cli.ChunkSize
	}

	if cli.TargetName != nil {
		r.TargetName = *cli.TargetName
	}

	r.ChunkSize, err = ParseSize(chunkStr)
	if err != nil {
		return nil, fmt.Errorf("chunk_size: %w", err)
	}

	return r, nil
}

// RequireApp returns an error when no Dropbox app key is configured.
// Commands that talk to Dropbox call it; logout and status of the local
// store do not need one.
func (r *Resolved) RequireApp() error {
	if r.AppKey == "" {
		return fmt.Errorf("no Dropbox app key configured: set [dropbox] app_key in %s or %s", r.ConfigPath, EnvAppKey)
	}

	return nil
}
