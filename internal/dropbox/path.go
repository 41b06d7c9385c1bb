package dropbox

import (
	"errors"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidPath is returned for remote paths that cannot name a file.
var ErrInvalidPath = errors.New("dropbox: invalid remote path")

// NormalizePath turns p into the canonical absolute form used for commits:
// NFC-normalized, leading slash, no "." or ".." segments, no trailing slash.
// Dropbox compares paths after NFC normalization, so decomposed names from
// macOS file systems would otherwise create near-duplicate files.
func NormalizePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrInvalidPath
	}

	p = norm.NFC.String(strings.ReplaceAll(p, `\`, "/"))

	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "", ErrInvalidPath
	}

	return cleaned, nil
}

// JoinPath joins a remote folder and a file name and normalizes the result.
func JoinPath(folder, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", ErrInvalidPath
	}

	return NormalizePath(path.Join("/", folder, name))
}
