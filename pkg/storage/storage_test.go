package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMissingFileMarksCorrupt(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 4)
	engine := New(&sync.Mutex{})
	entry := engine.Register(filepath.Join(dir, "missing.dat"), data, CmdSave, 3)

	mask := engine.Init()
	assert.NotZero(t, mask&(1<<3))
	assert.True(t, entry.corrupt)
}

func TestSaveThenInitRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry.dat")
	data := []byte{1, 2, 3, 4}

	engine := New(&sync.Mutex{})
	entry := engine.Register(path, data, CmdSave, 0)
	require.NoError(t, os.WriteFile(path, []byte(defaultsSentinel), 0o644))
	engine.Init()

	copy(entry.Data, []byte{9, 9, 9, 9})
	require.NoError(t, engine.Save(entry))

	readBack := make([]byte, 4)
	engine2 := New(&sync.Mutex{})
	entry2 := engine2.Register(path, readBack, CmdSave, 0)
	mask := engine2.Init()
	assert.Zero(t, mask)
	assert.Equal(t, []byte{9, 9, 9, 9}, entry2.Data)
}

func TestInitRecognisesDefaultsSentinel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry.dat")
	require.NoError(t, os.WriteFile(path, []byte(defaultsSentinel), 0o644))

	data := []byte{0xAA, 0xBB}
	engine := New(&sync.Mutex{})
	entry := engine.Register(path, data, Restore, 0)
	mask := engine.Init()
	assert.Zero(t, mask)
	assert.Equal(t, []byte{0xAA, 0xBB}, entry.Data)
}

func TestInitDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry.dat")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3, 4, 0xFF, 0xFF}, 0o644))

	data := make([]byte, 4)
	engine := New(&sync.Mutex{})
	engine.Register(path, data, Restore, 7)
	mask := engine.Init()
	assert.NotZero(t, mask&(1<<7))
}

func TestRestoreDefaultsWritesSentinel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entry.dat")
	data := []byte{1, 2, 3, 4}
	engine := New(&sync.Mutex{})
	entry := engine.Register(path, data, CmdSave, 0)
	require.NoError(t, engine.Save(entry))

	require.NoError(t, engine.RestoreDefaults(entry))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, defaultsSentinel, string(content))
}

func TestAutoSaveTickSkipsUnchangedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auto.dat")
	require.NoError(t, os.WriteFile(path, []byte(defaultsSentinel), 0o644))

	data := []byte{1, 2}
	engine := New(&sync.Mutex{})
	entry := engine.Register(path, data, AutoSave, 0)
	engine.Init()
	require.NotNil(t, entry.file)

	mask := engine.AutoSaveTick()
	assert.Zero(t, mask)
}

func TestLoadManifestParsesAttrs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.ini")
	content := "[1010sub1]\nPath=/tmp/x.dat\nAttrs=CmdSave,AutoSave\nSubIndex=1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/tmp/x.dat", entries[0].Path)
	assert.Equal(t, CmdSave|AutoSave, entries[0].Attrs)
	assert.EqualValues(t, 1, entries[0].SubIndex)
}
