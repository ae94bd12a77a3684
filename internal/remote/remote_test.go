package remote

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAddGetRemove(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Remote{ID: "r1", DisplayName: "laptop", URL: "http://localhost:4040"})

	got, ok := reg.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "laptop", got.DisplayName)

	assert.True(t, reg.Remove("r1"))
	_, ok = reg.Get("r1")
	assert.False(t, ok)
}

func TestRegistryOwnerLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Remote{ID: "r1"})
	reg.UpdateSessions("r1", []string{"s1", "s2"})

	owner, ok := reg.Owner("s2")
	require.True(t, ok)
	assert.Equal(t, "r1", owner.ID)

	_, ok = reg.Owner("unknown")
	assert.False(t, ok)
}

func TestRegistryRemoveDetachesOwnership(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Remote{ID: "r1"})
	reg.UpdateSessions("r1", []string{"s1"})
	reg.Remove("r1")

	_, ok := reg.Owner("s1")
	assert.False(t, ok)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remotes.yaml")

	reg := NewRegistry()
	reg.Add(Remote{ID: "r1", DisplayName: "laptop", URL: "http://localhost:4040", BearerToken: "tok"})
	require.NoError(t, reg.SaveTo(path))

	loaded, err := LoadFrom(path)
	require.NoError(t, err)

	got, ok := loaded.Get("r1")
	require.True(t, ok)
	assert.Equal(t, "laptop", got.DisplayName)
	assert.Equal(t, "tok", got.BearerToken)
}

func TestLoadFromMissingFileReturnsEmptyRegistry(t *testing.T) {
	reg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, reg.List())
}
