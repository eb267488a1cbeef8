package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("FMTA_SERVER_DOMAIN", "example.com")
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "example.com", cfg.ServerDomain)
	assert.Equal(t, 25, cfg.PlainPort)
	assert.Equal(t, 465, cfg.ImplicitTLSPort)
	assert.Equal(t, "delivery@example.com", cfg.BounceFromAddress)
	assert.False(t, cfg.AllowPlaintextAuth)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fmta.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server-domain: yaml.example.com\nmax-message-size: 1024\n"), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "yaml.example.com", cfg.ServerDomain)
	assert.Equal(t, 1024, cfg.MaxMessageSize)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fmta.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server-domain: yaml.example.com\n"), 0o600))
	t.Setenv("FMTA_SERVER_DOMAIN", "env.example.com")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "env.example.com", cfg.ServerDomain)
}
