package attachments

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetOpen(t *testing.T) {
	s, err := NewStore(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	defer s.Close()

	entry, err := s.Put(strings.NewReader("hello world"), "hello.txt", "text/plain")
	require.NoError(t, err)
	require.NotEmpty(t, entry.ID)
	assert.Equal(t, int64(11), entry.Size)

	got, err := s.Get(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", got.Filename)

	rc, meta, err := s.Open(entry.ID)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, entry.ID, meta.ID)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepRemovesExpiredAndOrphans(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir, 10*time.Millisecond, nil)
	require.NoError(t, err)
	defer s.Close()

	entry, err := s.Put(strings.NewReader("x"), "x.bin", "application/octet-stream")
	require.NoError(t, err)

	// An orphan with an old mtime, as after a crash.
	orphan := filepath.Join(dir, "orphan-file")
	require.NoError(t, os.WriteFile(orphan, []byte("y"), 0o600))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(orphan, old, old))

	time.Sleep(20 * time.Millisecond)
	s.Sweep()

	_, err = s.Get(entry.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	dirents, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, dirents, "expired entry and orphan removed from disk")
}

func TestRemove(t *testing.T) {
	s, err := NewStore(t.TempDir(), time.Hour, nil)
	require.NoError(t, err)
	defer s.Close()

	entry, err := s.Put(strings.NewReader("z"), "z.txt", "text/plain")
	require.NoError(t, err)
	require.NoError(t, s.Remove(entry.ID))
	assert.ErrorIs(t, s.Remove(entry.ID), ErrNotFound)
}
