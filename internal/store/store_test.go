package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestHandle(t *testing.T) *Handle {
	t.Helper()
	dir := t.TempDir()
	h, err := Open(filepath.Join(dir, "tasks.db"), "tasks", nil, "")
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestInsertLookupDelete(t *testing.T) {
	h := openTestHandle(t)

	require.NoError(t, h.Insert([]byte("k1"), []byte("v1")))
	v, ok, err := h.Lookup([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v))

	require.NoError(t, h.Delete([]byte("k1")))
	_, ok, err = h.Lookup([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFoldObservesAllRecords(t *testing.T) {
	h := openTestHandle(t)

	keys := []string{"a", "b", "c"}
	for _, k := range keys {
		require.NoError(t, h.Insert([]byte(k), []byte(k+"-value")))
	}

	seen := map[string]string{}
	err := h.Fold(func(k, v []byte) error {
		seen[string(k)] = string(v)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 3)
	require.Equal(t, "a-value", seen["a"])
}

func TestMatchDelete(t *testing.T) {
	h := openTestHandle(t)

	require.NoError(t, h.Insert([]byte("keep"), []byte("1")))
	require.NoError(t, h.Insert([]byte("drop-1"), []byte("2")))
	require.NoError(t, h.Insert([]byte("drop-2"), []byte("3")))

	n, err := h.MatchDelete(func(k, v []byte) bool {
		return len(k) >= 5 && string(k[:4]) == "drop"
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, ok, _ := h.Lookup([]byte("keep"))
	require.True(t, ok)
}

func TestHealthMetrics(t *testing.T) {
	h := openTestHandle(t)
	require.NoError(t, h.Insert([]byte("k"), []byte("v")))

	metrics, err := h.HealthMetrics()
	require.NoError(t, err)
	require.Equal(t, 1, metrics.RecordCount)
	require.Greater(t, metrics.FileSizeBytes, int64(0))
	require.False(t, metrics.LastMutationAt.IsZero())
}

func TestCompactionPreservesRecords(t *testing.T) {
	h := openTestHandle(t)
	for i := 0; i < 50; i++ {
		require.NoError(t, h.Insert([]byte{byte(i)}, []byte("value")))
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, h.Delete([]byte{byte(i)}))
	}

	require.NoError(t, h.Compact())

	count := 0
	err := h.Fold(func(k, v []byte) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 10, count)
}

func TestBackupRoundTrip(t *testing.T) {
	h := openTestHandle(t)
	require.NoError(t, h.Insert([]byte("k"), []byte("v")))

	backupDir := t.TempDir()
	dst, err := h.Backup(backupDir)
	require.NoError(t, err)
	require.FileExists(t, dst)
}

func TestOpenRecoversFromBackupOnCorruption(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "tasks.db")

	h, err := Open(dataPath, "tasks", nil, "")
	require.NoError(t, err)
	require.NoError(t, h.Insert([]byte("k"), []byte("v")))

	backupDir := t.TempDir()
	dateDir := filepath.Join(backupDir, "2026-07-29")
	_, err = h.Backup(dateDir)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	// Corrupt the live file.
	require.NoError(t, writeGarbage(dataPath))

	recovered, err := Open(dataPath, "tasks", nil, backupDir)
	require.NoError(t, err)
	defer recovered.Close()

	v, ok, err := recovered.Lookup([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", string(v))
}
