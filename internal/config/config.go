// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for rss-kobo. Values resolve through a
// four-layer override chain: defaults -> config file -> environment -> CLI
// flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Dropbox DropboxConfig `toml:"dropbox"`
	Upload  UploadConfig  `toml:"upload"`
	Tokens  TokensConfig  `toml:"tokens"`
	Logging LoggingConfig `toml:"logging"`
	Network NetworkConfig `toml:"network"`
	Ledger  LedgerConfig  `toml:"ledger"`
}

// DropboxConfig identifies the registered Dropbox app and where deliveries
// land. The Kobo Dropbox integration reads from /Apps/Rakuten Kobo.
type DropboxConfig struct {
	AppKey       string `toml:"app_key"`
	AppSecret    string `toml:"app_secret"`
	RedirectURL  string `toml:"redirect_url"`
	RemoteFolder string `toml:"remote_folder"`
}

// UploadConfig controls the chunked upload.
type UploadConfig struct {
	ChunkSize  string `toml:"chunk_size"`
	MaxRetries int    `toml:"max_retries"`
	TargetName string `toml:"target_name"`
}

// TokensConfig locates the encrypted token files. An empty passphrase
// selects the machine-bound key.
type TokensConfig struct {
	Dir        string `toml:"dir"`
	Passphrase string `toml:"passphrase"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls the HTTP client shared by OAuth and Dropbox calls.
type NetworkConfig struct {
	Timeout   string `toml:"timeout"`
	UserAgent string `toml:"user_agent"`
}

// LedgerConfig controls the delivery history database.
type LedgerConfig struct {
	Path     string `toml:"path"`
	Disabled bool   `toml:"disabled"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish
// "not specified" (nil) from an explicit value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use env or default)
	ChunkSize  *string // --chunk-size flag
	TargetName *string // --target flag
}

// Resolved is the effective configuration after every layer is applied,
// with sizes, durations and paths already parsed.
type Resolved struct {
	ConfigPath string

	AppKey       string
	AppSecret    string
	RedirectURL  string
	RemoteFolder string

	ChunkSize  int64
	MaxRetries int
	TargetName string

	TokenDir   string
	Passphrase string

	LogLevel  string
	LogFormat string

	Timeout   time.Duration
	UserAgent string

	LedgerPath     string
	LedgerDisabled bool
}
