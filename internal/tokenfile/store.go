// Package tokenfile owns the on-disk lifecycle of per-user credentials: the
// encrypted token file format (Codec), the Record it carries, and the Store
// that reads and atomically replaces one file per username. It is a leaf
// package imported by auth/ and the CLI.
package tokenfile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the tokens directory.
const DirPerms = 0o700

// fileSuffix is appended to the username to form the token file name.
const fileSuffix = ".token"

// ErrCorruptTokenStore is returned by Load when a token file exists but cannot
// be decrypted or does not hold a complete record. Unlike an absent file this
// needs operator attention: a wrong passphrase or a tampered file.
var ErrCorruptTokenStore = errors.New("tokenfile: token store is corrupt or was encrypted with a different secret")

// ErrInvalidUsername is returned for usernames that cannot safely name a file.
var ErrInvalidUsername = errors.New("tokenfile: invalid username")

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9@_][A-Za-z0-9@._-]*$`)

// Store reads and writes encrypted token records, one file per username,
// under a single directory.
type Store struct {
	dir    string
	codec  *Codec
	secret []byte
	logger *slog.Logger

	// nowFunc is used to validate expiry at write time. Tests override it.
	nowFunc func() time.Time
}

// NewStore creates a Store rooted at dir. secret is the key material handed
// to the codec on every load and save.
func NewStore(dir string, codec *Codec, secret []byte, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	if codec == nil {
		codec = NewCodec(DefaultKDFParams)
	}

	return &Store{
		dir:     dir,
		codec:   codec,
		secret:  secret,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Path returns the token file location for username.
func (s *Store) Path(username string) (string, error) {
	if !usernamePattern.MatchString(username) || strings.Contains(username, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}

	return filepath.Join(s.dir, username+fileSuffix), nil
}

// Load reads and decrypts the record for username. Returns (nil, nil) if the
// user has never authorized.
func (s *Store) Load(username string) (*Record, error) {
	path, err := s.Path(username)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	s.checkPermissions(path)

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorruptTokenStore, path)
	}

	rec, err := s.codec.Decrypt(data, s.secret)
	if err != nil {
		s.logger.Error("token file failed integrity check",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptTokenStore, path, err)
	}

	s.logger.Debug("loaded token record",
		slog.String("path", path),
		slog.Time("expires_at", rec.ExpiresAt),
	)

	return rec, nil
}

// checkPermissions warns when a token file is readable by anyone but its
// owner. The next Save re-applies FilePerms.
func (s *Store) checkPermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	if info.Mode().Perm()&^FilePerms != 0 {
		s.logger.Warn("token file permissions are too open",
			slog.String("path", path),
			slog.String("mode", info.Mode().Perm().String()),
		)
	}
}

// Save encrypts rec and atomically replaces the token file for username
// (write-to-temp + rename) with 0600 permissions. Never logs token values.
func (s *Store) Save(username string, rec *Record) error {
	path, err := s.Path(username)
	if err != nil {
		return err
	}

	if err := rec.Validate(s.nowFunc()); err != nil {
		return err
	}

	data, err := s.codec.Encrypt(rec, s.secret)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	// MkdirAll leaves an existing directory alone; re-apply in case a prior
	// run or the umask widened it.
	if err := os.Chmod(dir, DirPerms); err != nil {
		return fmt.Errorf("tokenfile: setting directory permissions: %w", err)
	}

	// Atomic write: temp file in the same directory, then rename.
	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	// Clean up temp file on any error path.
	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush to stable storage before rename so a power loss between close and
	// rename cannot leave an empty or partial token file at the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	s.logger.Debug("saved token record",
		slog.String("path", path),
		slog.Time("expires_at", rec.ExpiresAt),
	)

	return nil
}

// Delete removes the token file for username. Returns nil if the file does
// not exist (already logged out).
func (s *Store) Delete(username string) error {
	path, err := s.Path(username)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info("no token file to remove", slog.String("path", path))

		return nil
	}

	if err != nil {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	s.logger.Info("removed token file", slog.String("path", path))

	return nil
}
