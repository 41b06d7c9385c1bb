//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/rss-kobo/testutil"
)

const e2eFolder = "/rss-kobo-e2e"

var (
	binaryPath string
	configPath string
	user       string
)

func TestMain(m *testing.M) {
	root := testutil.FindModuleRoot("..")
	testutil.LoadDotEnv(filepath.Join(root, ".env"))
	testutil.RequireEnv("DROPBOX_APP_KEY", "DROPBOX_REFRESH_TOKEN", "RSSKOBO_TOKEN_PASSPHRASE")
	user = testutil.ValidateAllowlist("RSSKOBO_E2E_USER")

	tmpDir, err := os.MkdirTemp("", "rss-kobo-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
		os.Exit(1)
	}

	// Keep the production token store and history out of reach.
	os.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "config"))
	os.Setenv("XDG_DATA_HOME", filepath.Join(tmpDir, "data"))
	os.Unsetenv("RSSKOBO_CONFIG")

	configPath = filepath.Join(tmpDir, "config.toml")

	cfg := fmt.Sprintf("[dropbox]\nremote_folder = %q\n\n[upload]\nchunk_size = \"1MiB\"\n", e2eFolder)
	if err := os.WriteFile(configPath, []byte(cfg), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "writing config: %v\n", err)
		os.Exit(1)
	}

	binaryPath = filepath.Join(tmpDir, "rss-kobo")

	for _, args := range [][]string{
		{"build", "-o", binaryPath, "."},
		{"run", "./cmd/integration-bootstrap", "--user", user, "--config", configPath},
	} {
		cmd := exec.Command("go", args...)
		cmd.Dir = root
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "go %v: %v\n", args, err)
			os.RemoveAll(tmpDir)
			os.Exit(1)
		}
	}

	code := m.Run()

	os.RemoveAll(tmpDir)
	os.Exit(code)
}

func runCLI(t *testing.T, args ...string) (string, string) {
	t.Helper()

	cmd := exec.Command(binaryPath, append([]string{"--config", configPath}, args...)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("CLI command %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout.String(), stderr.String())
	}

	return stdout.String(), stderr.String()
}

func status(t *testing.T) map[string]any {
	t.Helper()

	stdout, _ := runCLI(t, "status", user, "--json")

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))

	return out
}

func TestE2E_StatusAfterBootstrap(t *testing.T) {
	out := status(t)

	assert.Equal(t, user, out["user"])
	assert.Equal(t, "valid", out["token_state"])
	assert.Contains(t, out, "account")
}

func TestE2E_UploadChunked(t *testing.T) {
	// Three chunks at 1 MiB, overwriting the same target every run.
	content := bytes.Repeat([]byte(fmt.Sprintf("rss-kobo e2e %d\n", time.Now().UnixNano())), 100_000)

	local := filepath.Join(t.TempDir(), "digest.epub")
	require.NoError(t, os.WriteFile(local, content, 0o600))

	_, stderr := runCLI(t, "upload", user, local, "--target", "e2e.epub")
	assert.Contains(t, stderr, "Delivered")

	out := status(t)

	last, ok := out["last_delivery"].(map[string]any)
	require.True(t, ok, "status should report the delivery")
	assert.Equal(t, e2eFolder+"/e2e.epub", last["remote_path"])
	assert.InDelta(t, float64(len(content)), last["size"], 0)
	assert.Equal(t, true, last["hash_verified"])
}

func TestE2E_UploadSmallFile(t *testing.T) {
	local := filepath.Join(t.TempDir(), "small.epub")
	require.NoError(t, os.WriteFile(local, []byte("tiny e2e payload\n"), 0o600))

	_, stderr := runCLI(t, "upload", user, local, "--target", "e2e-small.epub")
	assert.Contains(t, stderr, "Delivered")
}
