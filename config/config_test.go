package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cci.ini")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDevices(t *testing.T) {
	path := writeConfig(t, `
[eth0]
transport = sock
priority = 60
default = true
ip = 10.1.2.3
mtu = 9000

[eth1]
transport = sock
ip = 10.1.2.4
`)

	profiles, err := Load(path)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	eth0 := profiles[0]
	assert.Equal(t, "eth0", eth0.Name)
	assert.Equal(t, "sock", eth0.Transport)
	assert.Equal(t, 60, eth0.Priority)
	assert.True(t, eth0.Default)
	assert.Equal(t, "10.1.2.3", eth0.Arg("ip", ""))
	assert.Equal(t, 9000, eth0.IntArg("mtu", 1500))

	eth1 := profiles[1]
	assert.Equal(t, DefaultPriority, eth1.Priority, "priority defaults to 50")
	assert.False(t, eth1.Default)
	assert.Equal(t, 1500, eth1.IntArg("mtu", 1500), "missing arg falls back")

	// Reserved keys never leak into Args.
	_, ok := eth0.Args["transport"]
	assert.False(t, ok)
}

func TestLoadRejectsMissingTransport(t *testing.T) {
	path := writeConfig(t, "[dev0]\npriority = 10\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport")
}

func TestLoadRejectsBadPriority(t *testing.T) {
	path := writeConfig(t, "[dev0]\ntransport = sock\npriority = 500\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "priority")
}

func TestLoadRejectsTwoDefaults(t *testing.T) {
	path := writeConfig(t, `
[a]
transport = sock
default = true

[b]
transport = sock
default = true
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.ini"))
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvConfig, "")
	profiles, err := LoadFromEnv()
	assert.NoError(t, err)
	assert.Nil(t, profiles, "unset CCI_CONFIG yields no profiles")

	path := writeConfig(t, "[dev0]\ntransport = sock\n")
	t.Setenv(EnvConfig, path)
	profiles, err = LoadFromEnv()
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "dev0", profiles[0].Name)
}
