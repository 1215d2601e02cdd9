package logger

import (
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyFromConfig(t *testing.T) {
	policy := policyFromConfig(Config{MaxSize: 2, MaxAge: 3, Compress: true})

	assert.Equal(t, int64(2*1024*1024), policy.MaxBytes)
	assert.Equal(t, 72*time.Hour, policy.MaxAge)
	assert.True(t, policy.Compress)
}

func TestNewRotatingWriter_CreatesDirectory(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "dir", "mcpilot.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{})
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	info, err := os.Stat(logFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestRotatingWriter_AppendsToExistingFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "mcpilot.log")
	require.NoError(t, os.WriteFile(logFile, []byte("earlier\n"), 0600))

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxBytes: 1024})
	require.NoError(t, err)
	assert.Equal(t, int64(len("earlier\n")), rw.size)

	n, err := rw.Write([]byte("later\n"))
	require.NoError(t, err)
	assert.Equal(t, len("later\n"), n)
	require.NoError(t, rw.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "earlier\nlater\n", string(content))
}

func TestRotatingWriter_Rotates(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "mcpilot.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxBytes: 100})
	require.NoError(t, err)

	first := bytes.Repeat([]byte("a"), 60)
	second := bytes.Repeat([]byte("b"), 60)
	_, err = rw.Write(first)
	require.NoError(t, err)
	_, err = rw.Write(second)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	backups, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	require.Len(t, backups, 1)

	moved, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, first, moved)

	current, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, second, current)
}

func TestRotatingWriter_OversizedWriteIntoEmptyFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "mcpilot.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxBytes: 10})
	require.NoError(t, err)

	_, err = rw.Write(bytes.Repeat([]byte("x"), 50))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	backups, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	assert.Empty(t, backups, "an empty file is never rotated")
}

func TestRotatingWriter_CompressesBackups(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "mcpilot.log")

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxBytes: 20, Compress: true})
	require.NoError(t, err)

	_, err = rw.Write([]byte("first line of log\n"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("second line of log\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close(), "close waits for compression")

	archives, err := filepath.Glob(logFile + ".*.gz")
	require.NoError(t, err)
	require.Len(t, archives, 1)

	plain := strings.TrimSuffix(archives[0], ".gz")
	_, err = os.Stat(plain)
	assert.True(t, os.IsNotExist(err), "uncompressed backup is removed")

	f, err := os.Open(archives[0])
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	content, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "first line of log\n", string(content))
}

func TestRotatingWriter_PrunesExpiredBackups(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "mcpilot.log")

	expired := logFile + ".20200101-120000.000"
	recent := logFile + ".20200102-120000.000.gz"
	unrelated := filepath.Join(dir, "other.log.20200101-120000.000")
	for _, path := range []string{expired, recent, unrelated} {
		require.NoError(t, os.WriteFile(path, []byte("old"), 0600))
	}
	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(expired, old, old))
	require.NoError(t, os.Chtimes(unrelated, old, old))

	rw, err := NewRotatingWriter(logFile, RotationPolicy{MaxAge: 7 * 24 * time.Hour})
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	_, err = os.Stat(expired)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recent)
	assert.NoError(t, err)
	_, err = os.Stat(unrelated)
	assert.NoError(t, err, "files of other logs are left alone")
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "mcpilot.log"), RotationPolicy{})
	require.NoError(t, err)
	require.NoError(t, rw.Close())
	require.NoError(t, rw.Close(), "close is idempotent")

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestCompressBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpilot.log.20260101-000000.000")
	require.NoError(t, os.WriteFile(path, []byte("archived"), 0600))

	require.NoError(t, compressBackup(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".gz.tmp")
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".gz")
	assert.NoError(t, err)
}
