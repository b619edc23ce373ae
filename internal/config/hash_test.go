package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("intake:\n  listen: ':8080'\n"), 0600))

	require.NoError(t, GenerateChecksums(path))
	require.NoError(t, VerifyChecksums(path))
}

func TestChecksumDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0600))
	require.NoError(t, GenerateChecksums(path))

	require.NoError(t, os.WriteFile(path, []byte("a: 2\n"), 0600))
	err := VerifyChecksums(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestVerifyWithoutManifestIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1\n"), 0600))
	require.NoError(t, VerifyChecksums(path))
}
