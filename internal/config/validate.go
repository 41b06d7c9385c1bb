package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Validation range constants.
const (
	maxChunkBytes = 150 * mebibyte // Dropbox per-request limit
	maxRetries    = 10
	minTimeout    = 1 * time.Second
	maxPort       = 65535
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateDropbox(&cfg.Dropbox)...)
	errs = append(errs, validateUpload(&cfg.Upload)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

// ValidateResolved checks the final values after env and CLI overrides.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.ChunkSize <= 0 || r.ChunkSize > maxChunkBytes {
		errs = append(errs, fmt.Errorf("chunk_size: must be between 1 byte and 150MiB, got %d bytes", r.ChunkSize))
	}

	if err := validateRedirectURL(r.RedirectURL); err != nil {
		errs = append(errs, err)
	}

	if err := validateTargetName(r.TargetName); err != nil {
		errs = append(errs, err)
	}

	if r.TokenDir == "" {
		errs = append(errs, errors.New("tokens.dir: cannot determine a token directory; set it explicitly"))
	}

	if !r.LedgerDisabled && r.LedgerPath == "" {
		errs = append(errs, errors.New("ledger.path: cannot determine a ledger path; set it or disable the ledger"))
	}

	return errors.Join(errs...)
}

func validateDropbox(d *DropboxConfig) []error {
	var errs []error

	if err := validateRedirectURL(d.RedirectURL); err != nil {
		errs = append(errs, err)
	}

	if !strings.HasPrefix(d.RemoteFolder, "/") {
		errs = append(errs, fmt.Errorf("remote_folder: must start with \"/\", got %q", d.RemoteFolder))
	}

	return errs
}

func validateRedirectURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("redirect_url: %w", err)
	}

	if u.Scheme != "http" || u.Host == "" {
		return fmt.Errorf("redirect_url: must be an http:// loopback URL, got %q", s)
	}

	switch u.Hostname() {
	case "localhost", "127.0.0.1":
		return nil
	default:
		return fmt.Errorf("redirect_url: host must be localhost or 127.0.0.1, got %q", u.Hostname())
	}
}

func validateUpload(u *UploadConfig) []error {
	var errs []error

	n, err := ParseSize(u.ChunkSize)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("chunk_size: %w", err))
	case n <= 0 || n > maxChunkBytes:
		errs = append(errs, fmt.Errorf("chunk_size: must be between 1 byte and 150MiB, got %q", u.ChunkSize))
	}

	if u.MaxRetries < 0 || u.MaxRetries > maxRetries {
		errs = append(errs, fmt.Errorf("max_retries: must be between 0 and %d, got %d", maxRetries, u.MaxRetries))
	}

	if err := validateTargetName(u.TargetName); err != nil {
		errs = append(errs, err)
	}

	return errs
}

func validateTargetName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("target_name: must be a plain file name, got %q", name)
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if err := validateDuration("timeout", n.Timeout, minTimeout); err != nil {
		errs = append(errs, err)
	}

	if strings.TrimSpace(n.UserAgent) == "" {
		errs = append(errs, errors.New("user_agent: must not be empty"))
	}

	return errs
}

func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > maxPort {
		return 0, fmt.Errorf("%s: must be a port number, got %q", EnvRedirectPort, s)
	}

	return p, nil
}
