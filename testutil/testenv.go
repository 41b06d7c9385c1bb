// Package testutil provides shared environment helpers for the E2E tests.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// EnvAllowedUsers lists the usernames E2E runs may upload for.
const EnvAllowedUsers = "RSSKOBO_ALLOWED_TEST_USERS"

// LoadDotEnv loads KEY=VALUE pairs from envPath. A missing file is not an
// error (CI sets env vars directly) and existing env vars take precedence.
func LoadDotEnv(envPath string) {
	if _, err := os.Stat(envPath); err != nil {
		return
	}

	if err := godotenv.Load(envPath); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: parsing %s: %v\n", envPath, err)
		os.Exit(1)
	}
}

// ValidateAllowlist crashes the process unless userEnvVar is set and names a
// user listed in RSSKOBO_ALLOWED_TEST_USERS. Returns the user.
func ValidateAllowlist(userEnvVar string) string {
	allowlist := os.Getenv(EnvAllowedUsers)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", EnvAllowedUsers)
		fmt.Fprintf(os.Stderr, "Example: %s=e2e\n", EnvAllowedUsers)
		os.Exit(1)
	}

	user := os.Getenv(userEnvVar)
	if user == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", userEnvVar)
		os.Exit(1)
	}

	for _, a := range strings.Split(allowlist, ",") {
		if strings.TrimSpace(a) == user {
			return user
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: %s=%q is not in %s=%q\n", userEnvVar, user, EnvAllowedUsers, allowlist)
	os.Exit(1)

	return ""
}

// RequireEnv crashes the process when any of names is unset.
func RequireEnv(names ...string) {
	var missing []string

	for _, n := range names {
		if os.Getenv(n) == "" {
			missing = append(missing, n)
		}
	}

	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "FATAL: required env vars not set: %s\n", strings.Join(missing, ", "))
		os.Exit(1)
	}
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
