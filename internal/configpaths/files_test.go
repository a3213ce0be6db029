package configpaths

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	dir, err := DefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xdg/usb-proxy", dir)

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/u")
	dir, err = DefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/home/u/.config/usb-proxy", dir)

	path, err := DefaultNamedConfigPath("rules", "yml")
	require.NoError(t, err)
	assert.Equal(t, "/home/u/.config/usb-proxy/rules.yaml", path)
}

func TestConfigCandidatePaths(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")

	jsonPaths, yamlPaths, tomlPaths := ConfigCandidatePaths("/srv/proxy.toml")
	require.NotEmpty(t, tomlPaths)
	assert.Equal(t, "/srv/proxy.toml", tomlPaths[0])
	assert.NotContains(t, jsonPaths, "/srv/proxy.toml")
	assert.Contains(t, yamlPaths, filepath.Join("/tmp/xdg/usb-proxy", "config.yml"))
	assert.Contains(t, jsonPaths, "/etc/usb-proxy/usb-proxy.json")

	jsonPaths, _, _ = ConfigCandidatePaths("custom.conf")
	assert.Equal(t, "custom.conf", jsonPaths[0])
}

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "config.json")
	require.NoError(t, EnsureDir(path))
	assert.DirExists(t, filepath.Dir(path))
}
