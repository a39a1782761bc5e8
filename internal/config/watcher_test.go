package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReportsChange(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nexus.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	changes := make(chan string, 4)
	w, err := NewWatcher([]string{path}, func(p string) { changes <- p })
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte(`{"listen":"127.0.0.1:9000"}`), 0644))

	select {
	case got := <-changes:
		abs, _ := filepath.Abs(path)
		assert.Equal(t, abs, got)
	case <-time.After(5 * time.Second):
		t.Fatal("change never reported")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nexus.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	changes := make(chan string, 4)
	w, err := NewWatcher([]string{path}, func(p string) { changes <- p })
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "other.txt"), []byte("x"), 0644))

	select {
	case got := <-changes:
		t.Fatalf("unexpected change reported: %s", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherSurvivesAtomicReplace(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nexus.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	changes := make(chan string, 4)
	w, err := NewWatcher([]string{path}, func(p string) { changes <- p })
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	// editor-style save: write a temp file, then rename over the original
	tmp := filepath.Join(tmpDir, ".nexus.json.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`{"listen":"127.0.0.1:9001"}`), 0644))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("replace never reported")
	}
}

func TestWatcherStopIdempotent(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nexus.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0644))

	w, err := NewWatcher([]string{path}, func(string) {})
	require.NoError(t, err)
	w.Start()

	require.NoError(t, w.Stop())
	assert.NotPanics(t, func() { _ = w.Stop() })
}
