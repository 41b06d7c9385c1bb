package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKey_InSection(t *testing.T) {
	//nolint:misspell // intentional typo to test unknown key detection
	path := writeTestConfig(t, "[upload]\nmax_retires = 4\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "max_retires" in [upload]`)
	assert.Contains(t, err.Error(), `did you mean "max_retries"?`)
}

func TestLoad_UnknownSection(t *testing.T) {
	path := writeTestConfig(t, "[dropbx]\napp_key = \"x\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config section [dropbx]")
	assert.Contains(t, err.Error(), `"dropbox"`)
}

func TestLoad_UnknownTopLevelKey(t *testing.T) {
	path := writeTestConfig(t, "chunk_size = \"4MiB\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk_size")
}

func TestLoad_UnknownKey_NoSuggestion(t *testing.T) {
	path := writeTestConfig(t, "[network]\ncompletely_unrelated = true\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "completely_unrelated")
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLoad_MultipleUnknownKeysReported(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlog_levl = \"info\"\n\n[ledger]\npaht = \"/x.db\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), `"path"`)
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"chunk_size", "chunk_size", 0},
		{"chunk_sise", "chunk_size", 1},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.want, levenshtein(tc.a, tc.b), "%q vs %q", tc.a, tc.b)
	}
}

func TestClosestMatch(t *testing.T) {
	assert.Equal(t, "timeout", closestMatch("timout", knownKeys["network"]))
	assert.Equal(t, "timeout", closestMatch("TIMEOUT", knownKeys["network"]))
	assert.Empty(t, closestMatch("zzzzzzzzzz", knownKeys["network"]))
}
