package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openmined/minisync/internal/client/config"
	"github.com/openmined/minisync/internal/client/sync"
	"github.com/openmined/minisync/internal/remote/httpremote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func folderConfig(t *testing.T, remoteDir string) *config.Config {
	t.Helper()
	return &config.Config{
		VaultDir: filepath.Join(t.TempDir(), "My Notes"),
		Device:   "laptop",
		Remote:   config.RemoteConfig{Kind: config.RemoteFolder, Folder: remoteDir},
		Path:     filepath.Join(t.TempDir(), "config.json"),
	}
}

func TestNew_FolderRemote(t *testing.T) {
	remoteDir := t.TempDir()
	cfg := folderConfig(t, remoteDir)

	c, err := New(context.Background(), cfg, Options{Scan: true})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	assert.Equal(t, "My-Notes", cfg.VaultID)
	assert.DirExists(t, c.Vault().Root)
	assert.Nil(t, c.Notifier())
	assert.Equal(t, sync.Strategy(""), c.Strategy())

	require.NoError(t, os.WriteFile(filepath.Join(c.Vault().Root, "a.md"), []byte("hello"), 0o644))
	sum, err := c.Service().SyncOnce(context.Background(), c.Strategy())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pushed)
	assert.DirExists(t, filepath.Join(remoteDir, "vaults", "My-Notes", "history"))
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(context.Background(), &config.Config{}, Options{})
	require.ErrorIs(t, err, config.ErrNoVaultDir)

	cfg := folderConfig(t, t.TempDir())
	cfg.Remote.Kind = "ftp"
	_, err = New(context.Background(), cfg, Options{})
	require.ErrorIs(t, err, config.ErrNoRemote)
}

func TestNew_HTTPRemoteIsNotifier(t *testing.T) {
	cfg := folderConfig(t, "")
	cfg.Strategy = "remote"
	cfg.Remote = config.RemoteConfig{
		Kind:        config.RemoteHTTP,
		ServerURL:   "http://127.0.0.1:1/",
		AccessToken: "token",
	}

	c, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	_, ok := c.Notifier().(*httpremote.Provider)
	assert.True(t, ok)
	assert.Equal(t, sync.StrategyRemote, c.Strategy())
	assert.Equal(t, "http://127.0.0.1:1", cfg.Remote.ServerURL)
}

func TestSaveTokens(t *testing.T) {
	cfg := folderConfig(t, t.TempDir())
	c, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)

	c.saveTokens("new-access", "new-refresh")

	saved, err := config.LoadFromFile(cfg.Path)
	require.NoError(t, err)
	assert.Equal(t, "new-access", saved.Remote.AccessToken)
	assert.Equal(t, "new-refresh", saved.Remote.RefreshToken)
}
