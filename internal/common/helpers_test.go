package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name  string `yaml:"name"`
	Count int    `yaml:"count"`
}

func TestMakeConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("name: proxy\ncount: 3\n"), 0o600))

	cfg, err := MakeConfig[testConfig](path)
	require.NoError(t, err)
	assert.Equal(t, &testConfig{Name: "proxy", Count: 3}, cfg)
}

func TestMakeConfigMissingPath(t *testing.T) {
	_, err := MakeConfig[testConfig]("")
	assert.Error(t, err)
}

func TestMakeConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("name: [unterminated"), 0o600))

	_, err := MakeConfig[testConfig](path)
	assert.Error(t, err)
}

func TestGetFreePort(t *testing.T) {
	port, listener, err := GetFreePort()
	require.NoError(t, err)

	defer listener.Close()

	assert.Positive(t, port)
}
