package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// makeSessionDir creates a session directory with one segment, aged by age.
func makeSessionDir(t *testing.T, root, id string, age time.Duration, complete bool) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	seg := filepath.Join(dir, "segment_00000.ts")
	require.NoError(t, os.WriteFile(seg, []byte("ts"), 0o644))
	if complete {
		require.NoError(t, os.WriteFile(filepath.Join(dir, CompleteMarker), []byte("done"), 0o644))
	}
	old := time.Now().Add(-age)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, os.Chtimes(filepath.Join(dir, e.Name()), old, old))
	}
	// Set the directory time last; writing children updates it.
	require.NoError(t, os.Chtimes(dir, old, old))
	return dir
}

func TestCleanupOrphanedSessionDirs(t *testing.T) {
	t.Run("removes stale incomplete directories", func(t *testing.T) {
		root := t.TempDir()
		dir := makeSessionDir(t, root, "aaaaaaaaaaaaaaaa", 2*time.Hour, false)

		count, err := CleanupOrphanedSessionDirs(newTestLogger(), root, time.Hour, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.NoDirExists(t, dir)
	})

	t.Run("keeps recent directories", func(t *testing.T) {
		root := t.TempDir()
		dir := makeSessionDir(t, root, "bbbbbbbbbbbbbbbb", 10*time.Minute, false)

		count, err := CleanupOrphanedSessionDirs(newTestLogger(), root, time.Hour, nil)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.DirExists(t, dir)
	})

	t.Run("keeps directories with a recently written segment", func(t *testing.T) {
		root := t.TempDir()
		dir := makeSessionDir(t, root, "cccccccccccccccc", 2*time.Hour, false)
		now := time.Now()
		require.NoError(t, os.Chtimes(filepath.Join(dir, "segment_00000.ts"), now, now))

		count, err := CleanupOrphanedSessionDirs(newTestLogger(), root, time.Hour, nil)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("keeps completed directories", func(t *testing.T) {
		root := t.TempDir()
		dir := makeSessionDir(t, root, "dddddddddddddddd", 48*time.Hour, true)

		count, err := CleanupOrphanedSessionDirs(newTestLogger(), root, time.Hour, nil)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.DirExists(t, dir)
	})

	t.Run("keeps active sessions", func(t *testing.T) {
		root := t.TempDir()
		dir := makeSessionDir(t, root, "eeeeeeeeeeeeeeee", 2*time.Hour, false)

		active := func(id string) bool { return id == "eeeeeeeeeeeeeeee" }
		count, err := CleanupOrphanedSessionDirs(newTestLogger(), root, time.Hour, active)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.DirExists(t, dir)
	})

	t.Run("ignores files and missing root", func(t *testing.T) {
		root := t.TempDir()
		file := filepath.Join(root, "stray.ts")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, os.Chtimes(file, old, old))

		count, err := CleanupOrphanedSessionDirs(newTestLogger(), root, time.Hour, nil)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.FileExists(t, file)

		count, err = CleanupOrphanedSessionDirs(newTestLogger(), filepath.Join(root, "missing"), time.Hour, nil)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}
