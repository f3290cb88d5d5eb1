package agent

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden", "token")

	require.NoError(t, saveToken(path, "abc123"))

	tok, err := loadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", tok)
}

func TestLoadTokenMissingFile(t *testing.T) {
	tok, err := loadToken(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestSaveTokenPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not meaningful on windows")
	}

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, saveToken(path, "abc123"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDeleteToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, saveToken(path, "abc123"))

	require.NoError(t, deleteToken(path))

	tok, err := loadToken(path)
	require.NoError(t, err)
	assert.Empty(t, tok)

	// Deleting an already absent file is fine.
	assert.NoError(t, deleteToken(path))
}
