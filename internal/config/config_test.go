package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	store, err := Load(path, nil)
	require.NoError(t, err)
	defer store.Close()

	cfg := store.Get()
	assert.Equal(t, SchemaVersion, cfg.SchemaVersion)
	assert.Empty(t, cfg.QuickStartCommands)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLoadReplacesInvalidConfigWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"quickStartCommands":[{"command":""}]}`), 0644))

	store, err := Load(path, nil)
	require.NoError(t, err)
	defer store.Close()

	cfg := store.Get()
	assert.Empty(t, cfg.QuickStartCommands)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"schemaVersion"`)
}

func TestUpdateQuickStartCommandsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store, err := Load(path, nil)
	require.NoError(t, err)
	defer store.Close()

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	err = store.UpdateQuickStartCommands([]QuickStartCommand{{Command: ""}})
	require.Error(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "on-disk config must be unchanged after a rejected update")

	err = store.UpdateQuickStartCommands([]QuickStartCommand{{Command: "claude", Name: "Claude"}})
	require.NoError(t, err)
	assert.Equal(t, "claude", store.Get().QuickStartCommands[0].Command)
}

func TestOnChangeCallbackInvokedOnMutation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store, err := Load(path, nil)
	require.NoError(t, err)
	defer store.Close()

	seen := make(chan Config, 1)
	store.OnChange(func(cfg Config) { seen <- cfg })

	require.NoError(t, store.UpdateQuickStartCommands([]QuickStartCommand{{Command: "top"}}))

	select {
	case cfg := <-seen:
		assert.Equal(t, "top", cfg.QuickStartCommands[0].Command)
	case <-time.After(time.Second):
		t.Fatal("change callback was not invoked")
	}
}

func TestOnChangeCallbackPanicIsCaught(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	store, err := Load(path, nil)
	require.NoError(t, err)
	defer store.Close()

	store.OnChange(func(Config) { panic("boom") })

	assert.NotPanics(t, func() {
		_ = store.UpdateQuickStartCommands([]QuickStartCommand{{Command: "ok"}})
	})
}
