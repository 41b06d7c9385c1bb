package main

import (
	"errors"

	"github.com/tonimelisma/rss-kobo/internal/auth"
	"github.com/tonimelisma/rss-kobo/internal/dropbox"
	"github.com/tonimelisma/rss-kobo/internal/tokenfile"
	"github.com/tonimelisma/rss-kobo/internal/transfer"
)

// Process exit codes. Schedulers use them to tell "run login" apart from
// "try again later".
const (
	exitFailure      = 1
	exitAuthRequired = 2
	exitTransient    = 3
	exitTokenStore   = 4
)

// describeError maps err to a user-facing message with a remedy and the
// process exit code.
func describeError(err error) (string, int) {
	msg := err.Error()

	switch {
	case errors.Is(err, auth.ErrAuthenticationRequired):
		return msg + "\nRun 'rss-kobo login <user>' to authorize Dropbox access.", exitAuthRequired
	case errors.Is(err, auth.ErrReauthorizationRequired):
		return msg + "\nThe Dropbox grant was revoked or expired. Run 'rss-kobo login <user>' again.", exitAuthRequired
	case errors.Is(err, auth.ErrAccountMismatch):
		return msg + "\nUse 'rss-kobo login --force <user>' to replace the stored account.", exitFailure
	case errors.Is(err, auth.ErrStateMismatch):
		return msg + "\nThe redirect did not match this login attempt. Start 'rss-kobo login' again.", exitFailure
	case errors.Is(err, tokenfile.ErrCorruptTokenStore), errors.Is(err, tokenfile.ErrDecryption):
		return msg + "\nCheck the token passphrase, or run 'rss-kobo login <user>' to replace the token file.", exitTokenStore
	case errors.Is(err, tokenfile.ErrNoKeyMaterial):
		return msg + "\nSet [tokens] passphrase or RSSKOBO_TOKEN_PASSPHRASE.", exitTokenStore
	case errors.Is(err, auth.ErrTransient):
		return msg + "\nDropbox could not be reached. Try again later.", exitTransient
	case errors.Is(err, transfer.ErrUpload) && dropbox.IsRetryable(err):
		return msg + "\nThe upload was interrupted. Try again later.", exitTransient
	default:
		return msg, exitFailure
	}
}
