// Package store implements AgentCom's durable on-disk table: a crash-safe
// key/value abstraction with bulk scans, periodic backup, in-place
// compaction, and restore-from-backup on corruption.
//
// Each table is backed by a single bbolt (go.etcd.io/bbolt) file containing
// one bucket. bbolt fsyncs every read-write transaction on commit, which is
// exactly the "every mutation syncs" guarantee the spec requires, and its
// MVCC readers let Fold run safely alongside concurrent single-key inserts.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"agentcom/internal/logging"
)

// ErrTableCorrupted is returned by Insert/Open when the underlying file is
// detected as corrupt. Callers must not retry into the same Handle.
var ErrTableCorrupted = errors.New("store: table corrupted")

// ErrWriteUnavailable is returned when the owner must refuse further
// mutations (e.g. disk full) until an operator acknowledges.
var ErrWriteUnavailable = errors.New("store: write unavailable")

var bucketName = []byte("records")

// CorruptionNotifier receives a typed event whenever a table is found or
// becomes corrupted. internal/detsbackup.Maintainer implements this.
type CorruptionNotifier interface {
	NotifyCorruption(table string, path string, cause error)
}

// Handle is a crash-safe durable table. One Handle owns one file exclusively;
// callers (normally a single-writer actor) must serialize their own calls —
// Handle does not arbitrate between concurrent writers beyond what bbolt's
// single-writer transaction model already provides.
type Handle struct {
	mu        sync.Mutex // guards swap-out during Compact/Restore
	db        *bolt.DB
	path      string
	table     string
	notifier  CorruptionNotifier
	mutatedAt time.Time
}

// HealthMetrics reports the operational state of a table.
type HealthMetrics struct {
	RecordCount        int
	FileSizeBytes       int64
	FragmentationRatio  float64
	LastMutationAt      time.Time
}

// Open opens or creates the table at path. If the file exists but fails to
// open cleanly, Open treats that as corruption: it notifies notifier (if
// given) and attempts to restore from the most recent backup found under
// backupDir (empty backupDir disables auto-recovery — the caller is
// expected to drive recovery itself via internal/detsbackup in that case).
func Open(path, table string, notifier CorruptionNotifier, backupDir string) (*Handle, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		logging.L().Warn("store: open failed, treating as corruption",
			zap.Error(err), zap.String("table", table), zap.String("path", path))
		if notifier != nil {
			notifier.NotifyCorruption(table, path, err)
		}
		if backupDir != "" {
			if restoreErr := restoreFromLatestBackup(path, table, backupDir); restoreErr == nil {
				return Open(path, table, notifier, "")
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrTableCorrupted, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to initialize bucket for %s: %w", table, err)
	}

	return &Handle{db: db, path: path, table: table, notifier: notifier, mutatedAt: time.Now()}, nil
}

// Close releases the underlying file.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db.Close()
}

// Insert writes key -> value and syncs before returning. A write that has
// not synced must never be treated as durable; bbolt's Update transaction
// fsyncs on commit, so a nil error here means the record is on disk.
func (h *Handle) Insert(key, value []byte) error {
	h.mu.Lock()
	db := h.db
	h.mu.Unlock()

	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put(key, value)
	})
	if err != nil {
		if isDiskFull(err) {
			return fmt.Errorf("%w: %v", ErrWriteUnavailable, err)
		}
		if h.notifier != nil {
			h.notifier.NotifyCorruption(h.table, h.path, err)
		}
		return fmt.Errorf("%w: %v", ErrTableCorrupted, err)
	}
	h.mu.Lock()
	h.mutatedAt = time.Now()
	h.mu.Unlock()
	return nil
}

// Lookup returns the value for key, or (nil, false) if absent. The returned
// slice is a copy — safe to retain past the lookup.
func (h *Handle) Lookup(key []byte) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := h.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v != nil {
			out = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("store: lookup failed: %w", err)
	}
	return out, found, nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (h *Handle) Delete(key []byte) error {
	err := h.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete(key)
	})
	if err != nil {
		return fmt.Errorf("store: delete failed: %w", err)
	}
	h.mu.Lock()
	h.mutatedAt = time.Now()
	h.mu.Unlock()
	return nil
}

// FoldFunc is called once per record during Fold. Returning an error aborts
// the fold and propagates the error.
type FoldFunc func(key, value []byte) error

// Fold walks every record in key order. It runs inside a read-only
// transaction, so it observes a consistent snapshot even while concurrent
// single-key Inserts proceed on the same Handle.
func (h *Handle) Fold(fn FoldFunc) error {
	return h.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			return fn(k, v)
		})
	})
}

// MatchFunc reports whether a record should be deleted.
type MatchFunc func(key, value []byte) bool

// MatchDelete deletes every record for which match returns true, in a single
// read-write transaction.
func (h *Handle) MatchDelete(match MatchFunc) (int, error) {
	deleted := 0
	err := h.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if match(k, v) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(toDelete)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: match-delete failed: %w", err)
	}
	if deleted > 0 {
		h.mu.Lock()
		h.mutatedAt = time.Now()
		h.mu.Unlock()
	}
	return deleted, nil
}

// HealthMetrics reports record count, file size, and fragmentation.
func (h *Handle) HealthMetrics() (HealthMetrics, error) {
	var count int
	stats := h.db.Stats()

	err := h.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	if err != nil {
		return HealthMetrics{}, fmt.Errorf("store: health metrics failed: %w", err)
	}

	info, statErr := os.Stat(h.path)
	var size int64
	if statErr == nil {
		size = info.Size()
	}

	var frag float64
	if stats.FreePageN+stats.TxStats.PageCount > 0 {
		total := float64(stats.FreePageN + stats.TxStats.PageCount)
		frag = float64(stats.FreePageN) / total
	}

	h.mu.Lock()
	lastMutation := h.mutatedAt
	h.mu.Unlock()

	return HealthMetrics{
		RecordCount:        count,
		FileSizeBytes:      size,
		FragmentationRatio: frag,
		LastMutationAt:     lastMutation,
	}, nil
}

// Compact rewrites the table into a fresh file (dropping tombstoned free
// pages) and swaps it in atomically. The caller must ensure no other
// goroutine is mutating this Handle during the swap — in practice this is
// always the table's single-writer actor, taken briefly offline for the
// duration per spec.
func (h *Handle) Compact() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tmpPath := h.path + ".compact.tmp"
	os.Remove(tmpPath)

	dst, err := bolt.Open(tmpPath, 0o600, nil)
	if err != nil {
		return fmt.Errorf("store: compaction open failed: %w", err)
	}

	err = h.db.View(func(tx *bolt.Tx) error {
		return dst.Update(func(dtx *bolt.Tx) error {
			db, err := dtx.CreateBucketIfNotExists(bucketName)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
				return db.Put(k, v)
			})
		})
	})
	dst.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: compaction copy failed: %w", err)
	}

	if err := h.db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: compaction failed to close original: %w", err)
	}

	if err := os.Rename(tmpPath, h.path); err != nil {
		return fmt.Errorf("store: compaction swap failed: %w", err)
	}

	reopened, err := bolt.Open(h.path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("store: compaction reopen failed: %w", err)
	}
	h.db = reopened
	h.mutatedAt = time.Now()
	logging.L().Info("store: compaction complete", zap.String("table", h.table), zap.String("path", h.path))
	return nil
}

// Snapshot writes the table's fsynced contents to w under the Handle's lock
// (copy-on-quiesce): writers block for the duration of the copy, not for
// the duration of whatever the caller does with the bytes afterward. This
// is the primitive detsbackup.Maintainer uses to push a backup through a
// StorageProvider instead of writing straight to a local path.
func (h *Handle) Snapshot(w io.Writer) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(w)
		return err
	})
}

// Backup copies the table's fsynced file into dstDir/<table>.db. Kept as a
// direct-to-disk convenience on top of Snapshot for callers that want a
// local file without going through a StorageProvider.
func (h *Handle) Backup(dstDir string) (string, error) {
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return "", fmt.Errorf("store: backup mkdir failed: %w", err)
	}
	dst := filepath.Join(dstDir, h.table+".db")

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("store: backup create failed: %w", err)
	}
	defer f.Close()

	if err := h.Snapshot(f); err != nil {
		return "", fmt.Errorf("store: backup failed: %w", err)
	}
	return dst, nil
}

// Table returns the logical table name this Handle was opened with.
func (h *Handle) Table() string { return h.table }

// Path returns the on-disk file path.
func (h *Handle) Path() string { return h.path }

func restoreFromLatestBackup(path, table, backupDir string) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}

	var latest string
	for i := len(entries) - 1; i >= 0; i-- {
		candidate := filepath.Join(backupDir, entries[i].Name(), table+".db")
		if _, statErr := os.Stat(candidate); statErr == nil {
			latest = candidate
			break
		}
	}
	if latest == "" {
		return errors.New("store: no backup available")
	}

	data, err := os.ReadFile(latest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func isDiskFull(err error) bool {
	return bytes.Contains([]byte(err.Error()), []byte("no space left"))
}
