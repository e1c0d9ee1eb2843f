package detsbackup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentcom/internal/eventbus"
	"agentcom/internal/store"
)

func newTestMaintainer(t *testing.T) (*Maintainer, string) {
	t.Helper()
	root := t.TempDir()
	m := New(root, NewLocalStorage(filepath.Join(root, "backups")), eventbus.New(), RetentionPolicy{})
	return m, root
}

func TestLocalStorageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStorage(dir)
	ctx := context.Background()

	require.NoError(t, s.Upload(ctx, "a/b.txt", bytes.NewReader([]byte("hello")), 5))

	exists, err := s.Exists(ctx, "a/b.txt")
	require.NoError(t, err)
	require.True(t, exists)

	var buf bytes.Buffer
	require.NoError(t, s.Download(ctx, "a/b.txt", &buf))
	require.Equal(t, "hello", buf.String())

	keys, err := s.List(ctx, "a/")
	require.NoError(t, err)
	require.Contains(t, keys, filepath.Join("a", "b.txt"))

	require.NoError(t, s.Delete(ctx, "a/b.txt"))
	exists, err = s.Exists(ctx, "a/b.txt")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestBackupTableWritesIntoDatedDirectory(t *testing.T) {
	m, root := newTestMaintainer(t)

	h, err := store.Open(filepath.Join(root, "tasks.db"), "tasks", nil, "")
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Insert([]byte("k"), []byte("v")))

	m.Register("tasks", h)

	key, err := m.BackupTable("tasks")
	require.NoError(t, err)
	require.Contains(t, key, time.Now().Format("2006-01-02"))
	require.FileExists(t, filepath.Join(root, "backups", key))
}

func TestBackupUnregisteredTableFails(t *testing.T) {
	m, _ := newTestMaintainer(t)
	_, err := m.BackupTable("nope")
	require.Error(t, err)
}

func TestBackupAllCoversEveryRegisteredTable(t *testing.T) {
	m, root := newTestMaintainer(t)

	for _, table := range []string{"tasks", "goals"} {
		h, err := store.Open(filepath.Join(root, table+".db"), table, nil, "")
		require.NoError(t, err)
		defer h.Close()
		m.Register(table, h)
	}

	paths, err := m.BackupAll()
	require.NoError(t, err)
	require.Len(t, paths, 2)
}

func TestCompactTableSucceeds(t *testing.T) {
	m, root := newTestMaintainer(t)
	h, err := store.Open(filepath.Join(root, "tasks.db"), "tasks", nil, "")
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Insert([]byte("k"), []byte("v")))
	m.Register("tasks", h)

	require.NoError(t, m.CompactTable("tasks"))

	v, found, err := h.Lookup([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), v)
}

func TestRestoreTableRecoversFromLatestBackup(t *testing.T) {
	m, root := newTestMaintainer(t)

	path := filepath.Join(root, "tasks.db")
	h, err := store.Open(path, "tasks", nil, "")
	require.NoError(t, err)
	require.NoError(t, h.Insert([]byte("k"), []byte("v1")))
	m.Register("tasks", h)

	_, err = m.BackupTable("tasks")
	require.NoError(t, err)

	require.NoError(t, h.Insert([]byte("k"), []byte("v2")))

	require.NoError(t, m.RestoreTable("tasks"))

	restored, ok := m.Handle("tasks")
	require.True(t, ok)
	defer restored.Close()

	v, found, err := restored.Lookup([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
}

func TestRestoreTableWithoutBackupFails(t *testing.T) {
	m, root := newTestMaintainer(t)
	h, err := store.Open(filepath.Join(root, "tasks.db"), "tasks", nil, "")
	require.NoError(t, err)
	defer h.Close()
	m.Register("tasks", h)

	require.Error(t, m.RestoreTable("tasks"))
}

func TestNotifyCorruptionEnqueuesRestoreJob(t *testing.T) {
	m, root := newTestMaintainer(t)
	path := filepath.Join(root, "tasks.db")
	h, err := store.Open(path, "tasks", nil, "")
	require.NoError(t, err)
	require.NoError(t, h.Insert([]byte("k"), []byte("v1")))
	m.Register("tasks", h)

	_, err = m.BackupTable("tasks")
	require.NoError(t, err)

	require.NoError(t, m.Start(""))
	defer m.Stop()

	m.NotifyCorruption("tasks", path, os.ErrInvalid)

	require.Eventually(t, func() bool {
		restored, ok := m.Handle("tasks")
		if !ok {
			return false
		}
		v, found, err := restored.Lookup([]byte("k"))
		return err == nil && found && string(v) == "v1"
	}, time.Second, 10*time.Millisecond)
}

func TestJobQueueRunsBackupAllJob(t *testing.T) {
	m, root := newTestMaintainer(t)
	h, err := store.Open(filepath.Join(root, "tasks.db"), "tasks", nil, "")
	require.NoError(t, err)
	defer h.Close()
	m.Register("tasks", h)

	require.NoError(t, m.Start(""))
	defer m.Stop()

	m.Enqueue(Job{Kind: JobBackup})

	require.Eventually(t, func() bool {
		_, err := m.latestBackupKey("tasks")
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestStartWithInvalidCronExpressionFails(t *testing.T) {
	m, _ := newTestMaintainer(t)
	err := m.Start("not a cron expression")
	require.Error(t, err)
}

func TestStartWithValidCronExpressionSucceeds(t *testing.T) {
	m, _ := newTestMaintainer(t)
	require.NoError(t, m.Start("@daily"))
	m.Stop()
}
