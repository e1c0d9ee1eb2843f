// Package detsbackup is the maintainer: a registry of every open
// internal/store.Handle, owning their backup/compaction/restore job queue.
// It implements store.CorruptionNotifier, so any table can report corruption
// back to a single place that drives recovery.
//
// Grounded on the teacher's internal/backup/storage.go — AgentCom keeps the
// StorageProvider interface shape (Upload/Download/Delete/List/Exists) so a
// future S3-backed provider can replace LocalStorage without touching the
// maintainer, and implements only LocalStorage per spec.md's non-goal of
// pluggable storage *engines* (that non-goal is about the core table
// engine, not the backup destination). The job queue itself — a buffered
// channel drained by one worker goroutine — is the same single-writer-actor
// shape used throughout the rest of the module.
package detsbackup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"agentcom/internal/eventbus"
	"agentcom/internal/logging"
	"agentcom/internal/store"
)

// StorageProvider abstracts the backup destination. Grounded on the
// teacher's internal/backup/storage.go interface of the same shape.
type StorageProvider interface {
	Upload(ctx context.Context, key string, data io.Reader, size int64) error
	Download(ctx context.Context, key string, writer io.Writer) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// LocalStorage implements StorageProvider against the local filesystem, at
// <root>/<key>.
type LocalStorage struct {
	root string
}

// NewLocalStorage constructs a LocalStorage rooted at root.
func NewLocalStorage(root string) *LocalStorage {
	return &LocalStorage{root: root}
}

func (s *LocalStorage) path(key string) string { return filepath.Join(s.root, key) }

func (s *LocalStorage) Upload(_ context.Context, key string, data io.Reader, _ int64) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("detsbackup: mkdir failed: %w", err)
	}
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("detsbackup: create failed: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(f, data)
	return err
}

func (s *LocalStorage) Download(_ context.Context, key string, w io.Writer) error {
	f, err := os.Open(s.path(key))
	if err != nil {
		return fmt.Errorf("detsbackup: open failed: %w", err)
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (s *LocalStorage) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("detsbackup: delete failed: %w", err)
	}
	return nil
}

func (s *LocalStorage) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	root := s.path(prefix)
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return nil
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}

func (s *LocalStorage) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// JobKind enumerates the maintainer's job queue entries.
type JobKind string

const (
	JobBackup  JobKind = "backup"
	JobCompact JobKind = "compact"
	JobRestore JobKind = "restore"
)

// Job is one unit of maintainer work. Table == "" for JobBackup means
// "back up every registered table."
type Job struct {
	Kind  JobKind
	Table string
}

// JobResult reports a completed job's outcome.
type JobResult struct {
	Job   Job
	Err   error
	Paths []string
}

type registration struct {
	mu     sync.Mutex
	handle *store.Handle
}

// RetentionPolicy bounds how many dated backup snapshots survive per table,
// mirroring the teacher's daily/weekly/monthly retention buckets.
type RetentionPolicy struct {
	RetainDaily   int
	RetainWeekly  int
	RetainMonthly int
}

// DefaultRetention matches the teacher's defaults.
var DefaultRetention = RetentionPolicy{RetainDaily: 7, RetainWeekly: 4, RetainMonthly: 12}

// Maintainer is the registry of open tables plus their job queue.
type Maintainer struct {
	mu       sync.Mutex
	handles  map[string]*registration
	rootDir  string
	storage  StorageProvider
	bus      *eventbus.Bus
	policy   RetentionPolicy

	jobs chan Job
	stop chan struct{}
	done chan struct{}

	cronSched *cron.Cron
	cronID    cron.EntryID
}

// New constructs a Maintainer. rootDir is the data directory whose
// backups/ subdirectory holds dated snapshots.
func New(rootDir string, storage StorageProvider, bus *eventbus.Bus, policy RetentionPolicy) *Maintainer {
	if policy == (RetentionPolicy{}) {
		policy = DefaultRetention
	}
	return &Maintainer{
		handles: make(map[string]*registration),
		rootDir: rootDir,
		storage: storage,
		bus:     bus,
		policy:  policy,
		jobs:    make(chan Job, 64),
	}
}

// Register adds table to the maintainer's registry. Every single-writer
// actor opens its own store.Handle and registers it here so backup,
// compaction, and corruption recovery have somewhere to look.
func (m *Maintainer) Register(table string, h *store.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles[table] = &registration{handle: h}
}

// NotifyCorruption implements store.CorruptionNotifier. It publishes
// corruption_detected and enqueues a restore job — the owning actor is
// expected to terminate and restart per spec.md's error-handling design;
// the maintainer only drives the file-level recovery.
func (m *Maintainer) NotifyCorruption(table string, path string, cause error) {
	logging.L().Error("detsbackup: corruption detected",
		zap.String("table", table), zap.String("path", path), zap.Error(cause))
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicMaintenance, "corruption_detected", map[string]any{
			"table": table,
			"path":  path,
			"error": cause.Error(),
		})
	}
	m.Enqueue(Job{Kind: JobRestore, Table: table})
}

// Enqueue submits a job to the worker goroutine. Safe to call before Start —
// jobs simply wait in the buffered channel.
func (m *Maintainer) Enqueue(j Job) {
	select {
	case m.jobs <- j:
	default:
		logging.L().Warn("detsbackup: job queue full, dropping job", zap.String("kind", string(j.Kind)), zap.String("table", j.Table))
	}
}

// Start launches the worker goroutine and, if cronExpr is non-empty,
// schedules a recurring JobBackup{Table: ""} (back up everything) via
// robfig/cron — the one place in the module a cron-style schedule fits,
// since backup cadence is the only sweep an operator configures as a
// calendar expression rather than a fixed short interval.
func (m *Maintainer) Start(cronExpr string) error {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		for {
			select {
			case <-m.stop:
				return
			case j := <-m.jobs:
				m.run(j)
			}
		}
	}()

	if cronExpr == "" {
		return nil
	}
	m.cronSched = cron.New()
	id, err := m.cronSched.AddFunc(cronExpr, func() {
		m.Enqueue(Job{Kind: JobBackup})
	})
	if err != nil {
		return fmt.Errorf("detsbackup: invalid cron expression %q: %w", cronExpr, err)
	}
	m.cronID = id
	m.cronSched.Start()
	return nil
}

// Stop halts the worker goroutine and any cron schedule.
func (m *Maintainer) Stop() {
	if m.cronSched != nil {
		m.cronSched.Stop()
	}
	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
}

func (m *Maintainer) run(j Job) {
	var err error
	var paths []string
	switch j.Kind {
	case JobBackup:
		if j.Table == "" {
			paths, err = m.BackupAll()
		} else {
			var p string
			p, err = m.BackupTable(j.Table)
			if p != "" {
				paths = []string{p}
			}
		}
	case JobCompact:
		err = m.CompactTable(j.Table)
	case JobRestore:
		err = m.RestoreTable(j.Table)
	}

	if err != nil {
		logging.L().Error("detsbackup: job failed", zap.String("kind", string(j.Kind)), zap.String("table", j.Table), zap.Error(err))
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicMaintenance, "job_completed", JobResult{Job: j, Err: err, Paths: paths})
	}
}

// backupKey names where table's dated snapshot lives in the StorageProvider
// — "<date>/<table>.db", one dated directory per backup day holding every
// table's snapshot, the same layout store.Open's automatic recovery reads.
func backupKey(table, date string) string {
	return date + "/" + table + ".db"
}

// BackupTable snapshots one registered table and uploads it to the
// maintainer's StorageProvider, returning the storage key it was written
// under.
func (m *Maintainer) BackupTable(table string) (string, error) {
	m.mu.Lock()
	reg, ok := m.handles[table]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("detsbackup: table %q not registered", table)
	}

	reg.mu.Lock()
	var buf bytes.Buffer
	err := reg.handle.Snapshot(&buf)
	reg.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("detsbackup: backup of %q failed: %w", table, err)
	}

	key := backupKey(table, time.Now().Format("2006-01-02"))
	if err := m.storage.Upload(context.Background(), key, &buf, int64(buf.Len())); err != nil {
		return "", fmt.Errorf("detsbackup: upload of %q failed: %w", table, err)
	}
	logging.L().Info("detsbackup: table backed up", zap.String("table", table), zap.String("key", key))
	m.pruneRetention(table)
	return key, nil
}

// BackupAll snapshots every registered table.
func (m *Maintainer) BackupAll() ([]string, error) {
	m.mu.Lock()
	tables := make([]string, 0, len(m.handles))
	for t := range m.handles {
		tables = append(tables, t)
	}
	m.mu.Unlock()
	sort.Strings(tables)

	var paths []string
	var firstErr error
	for _, t := range tables {
		p, err := m.BackupTable(t)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		paths = append(paths, p)
	}
	return paths, firstErr
}

// CompactTable rewrites one registered table's file in place.
func (m *Maintainer) CompactTable(table string) error {
	m.mu.Lock()
	reg, ok := m.handles[table]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("detsbackup: table %q not registered", table)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.handle.Compact()
}

// RestoreTable overwrites the live table file with its most recent backup
// and reopens the Handle; the reopened Handle is available through
// Handle(table). The maintainer only owns file-level recovery, not the
// actor's in-memory state, which it rebuilds on its own next restart.
func (m *Maintainer) RestoreTable(table string) error {
	m.mu.Lock()
	reg, ok := m.handles[table]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("detsbackup: table %q not registered", table)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	key, err := m.latestBackupKey(table)
	if err != nil {
		return fmt.Errorf("detsbackup: restore of %q failed: %w", table, err)
	}

	var buf bytes.Buffer
	if err := m.storage.Download(context.Background(), key, &buf); err != nil {
		return fmt.Errorf("detsbackup: download of %q failed: %w", key, err)
	}

	path := reg.handle.Path()
	if err := reg.handle.Close(); err != nil {
		logging.L().Warn("detsbackup: close before restore failed", zap.String("table", table), zap.Error(err))
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("detsbackup: write restored file failed: %w", err)
	}

	reopened, err := store.Open(path, table, m, "")
	if err != nil {
		return fmt.Errorf("detsbackup: reopen after restore failed: %w", err)
	}
	reg.handle = reopened

	logging.L().Warn("detsbackup: table restored from backup", zap.String("table", table), zap.String("source", key))
	if m.bus != nil {
		m.bus.Publish(eventbus.TopicMaintenance, "table_restored", map[string]any{"table": table, "source": key})
	}
	return nil
}

// Handle returns the currently live Handle for table, reflecting any
// restore that has taken place.
func (m *Maintainer) Handle(table string) (*store.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.handles[table]
	if !ok {
		return nil, false
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.handle, true
}

// snapshotsFor lists table's dated backups from storage, newest first.
func (m *Maintainer) snapshotsFor(table string) []dated {
	keys, err := m.storage.List(context.Background(), "")
	if err != nil {
		return nil
	}
	suffix := "/" + table + ".db"
	var snapshots []dated
	for _, k := range keys {
		if !strings.HasSuffix(k, suffix) {
			continue
		}
		dateStr := strings.TrimSuffix(k, suffix)
		t, parseErr := time.Parse("2006-01-02", dateStr)
		if parseErr != nil {
			continue
		}
		snapshots = append(snapshots, dated{key: k, t: t})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].t.After(snapshots[j].t) })
	return snapshots
}

type dated struct {
	key string
	t   time.Time
}

func (m *Maintainer) latestBackupKey(table string) (string, error) {
	snapshots := m.snapshotsFor(table)
	if len(snapshots) == 0 {
		return "", fmt.Errorf("no backup found for table %q", table)
	}
	return snapshots[0].key, nil
}

// pruneRetention removes dated backup snapshots for table beyond the
// configured retention policy, mirroring the teacher's age-bucketed
// daily/weekly/monthly cleanup.
func (m *Maintainer) pruneRetention(table string) {
	snapshots := m.snapshotsFor(table)
	if snapshots == nil {
		return
	}

	now := time.Now()
	var daily, weekly, monthly []dated
	var toDelete []dated
	for _, s := range snapshots {
		age := now.Sub(s.t)
		switch {
		case age < 7*24*time.Hour:
			daily = append(daily, s)
		case age < 30*24*time.Hour:
			weekly = append(weekly, s)
		default:
			monthly = append(monthly, s)
		}
	}
	if len(daily) > m.policy.RetainDaily {
		toDelete = append(toDelete, daily[m.policy.RetainDaily:]...)
	}
	if len(weekly) > m.policy.RetainWeekly {
		toDelete = append(toDelete, weekly[m.policy.RetainWeekly:]...)
	}
	if len(monthly) > m.policy.RetainMonthly {
		toDelete = append(toDelete, monthly[m.policy.RetainMonthly:]...)
	}

	for _, s := range toDelete {
		if err := m.storage.Delete(context.Background(), s.key); err != nil {
			logging.L().Warn("detsbackup: retention prune failed", zap.String("key", s.key), zap.Error(err))
		}
	}
}
