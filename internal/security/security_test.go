package security

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDropPrivilegesUnprivileged(t *testing.T) {
	if syscall.Geteuid() == 0 {
		t.Skip("test must run as a regular user")
	}

	// An unprivileged process without capabilities is a no-op.
	err := DropPrivileges(&Config{RunAsUser: "nobody"})
	assert.NoError(t, err)
}

func TestPathsReachable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	assert.NoError(t, pathsReachable(&Config{ReadPaths: []string{path}, ReadWritePaths: []string{dir, ""}}))
	assert.Error(t, pathsReachable(&Config{ReadPaths: []string{filepath.Join(dir, "missing")}}))

	roPath := filepath.Join(dir, "readonly")
	require.NoError(t, os.WriteFile(roPath, []byte("x"), 0o400))
	assert.Error(t, pathsReachable(&Config{ReadWritePaths: []string{roPath}}))
}
