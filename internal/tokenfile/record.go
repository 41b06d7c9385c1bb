package tokenfile

import (
	"errors"
	"fmt"
	"time"
)

// ErrIncompleteRecord is returned when a Record is missing a required field
// or carries an expiry that is already in the past at write time.
var ErrIncompleteRecord = errors.New("tokenfile: incomplete token record")

// Record is the credential set of one user. A Record is either absent (the
// user never authorized) or complete; partially populated records are never
// written to disk.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccountID    string    `json:"account_id,omitempty"`
}

// checkFields verifies that every required field is populated. It does not
// look at the clock: a record loaded from disk may legitimately be expired.
func (r *Record) checkFields() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", ErrIncompleteRecord)
	case r.AccessToken == "":
		return fmt.Errorf("%w: missing access_token", ErrIncompleteRecord)
	case r.RefreshToken == "":
		return fmt.Errorf("%w: missing refresh_token", ErrIncompleteRecord)
	case r.ExpiresAt.IsZero():
		return fmt.Errorf("%w: missing expires_at", ErrIncompleteRecord)
	}

	return nil
}

// Validate reports whether r may be persisted at time now: all required
// fields present and the access token not yet expired.
func (r *Record) Validate(now time.Time) error {
	if err := r.checkFields(); err != nil {
		return err
	}

	if !r.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at %s is not in the future",
			ErrIncompleteRecord, r.ExpiresAt.UTC().Format(time.RFC3339))
	}

	return nil
}

// Clone returns a copy of r with ExpiresAt normalized to UTC.
func (r *Record) Clone() *Record {
	c := *r
	c.ExpiresAt = c.ExpiresAt.UTC()

	return &c
}
