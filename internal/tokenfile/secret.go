package tokenfile

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
)

// SecretSource records where the encryption secret came from, for logging.
type SecretSource string

const (
	SecretFromPassphrase SecretSource = "passphrase"
	SecretFromMachine    SecretSource = "machine-id"
)

// ErrNoKeyMaterial is returned when no passphrase is configured and the host
// exposes no machine identifier to derive a key from.
var ErrNoKeyMaterial = errors.New("tokenfile: no passphrase configured and no machine key material available")

// machineIDPaths are tried in order. Tests replace the list.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// ResolveSecret returns the key material for token encryption. A non-empty
// passphrase wins; otherwise a machine-specific value bound to the current OS
// user is used, which ties token files to this host and account.
func ResolveSecret(passphrase string) ([]byte, SecretSource, error) {
	if passphrase != "" {
		return []byte(passphrase), SecretFromPassphrase, nil
	}

	machineID := readMachineID()
	if machineID == "" {
		return nil, "", ErrNoKeyMaterial
	}

	uid := "unknown"
	if u, err := user.Current(); err == nil {
		uid = u.Uid
	}

	return []byte(fmt.Sprintf("rss-kobo/machine/%s/%s", machineID, uid)), SecretFromMachine, nil
}

func readMachineID() string {
	for _, p := range machineIDPaths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	return ""
}
