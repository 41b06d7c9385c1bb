package config

import (
	"fmt"
	"io"
)

// redacted replaces secret values in rendered output.
const redacted = "********"

// RenderEffective writes the resolved configuration as annotated TOML to w.
// Secrets are redacted; an unset secret renders as an empty string.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.ConfigPath)

	ew.printf("[dropbox]\n")
	ew.printf("app_key       = %q\n", r.AppKey)
	ew.printf("app_secret    = %q\n", mask(r.AppSecret))
	ew.printf("redirect_url  = %q\n", r.RedirectURL)
	ew.printf("remote_folder = %q\n\n", r.RemoteFolder)

	ew.printf("[upload]\n")
	ew.printf("chunk_size  = %q\n", formatSize(r.ChunkSize))
	ew.printf("max_retries = %d\n", r.MaxRetries)
	ew.printf("target_name = %q\n\n", r.TargetName)

	ew.printf("[tokens]\n")
	ew.printf("dir        = %q\n", r.TokenDir)
	ew.printf("passphrase = %q\n\n", mask(r.Passphrase))

	ew.printf("[logging]\n")
	ew.printf("log_level  = %q\n", r.LogLevel)
	ew.printf("log_format = %q\n\n", r.LogFormat)

	ew.printf("[network]\n")
	ew.printf("timeout    = %q\n", r.Timeout.String())
	ew.printf("user_agent = %q\n\n", r.UserAgent)

	ew.printf("[ledger]\n")
	ew.printf("path     = %q\n", r.LedgerPath)
	ew.printf("disabled = %t\n", r.LedgerDisabled)

	return ew.err
}

func mask(s string) string {
	if s == "" {
		return ""
	}

	return redacted
}

// formatSize renders bytes with the largest exact IEC suffix.
func formatSize(n int64) string {
	switch {
	case n > 0 && n%gibibyte == 0:
		return fmt.Sprintf("%dGiB", n/gibibyte)
	case n > 0 && n%mebibyte == 0:
		return fmt.Sprintf("%dMiB", n/mebibyte)
	case n > 0 && n%kibibyte == 0:
		return fmt.Sprintf("%dKiB", n/kibibyte)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
