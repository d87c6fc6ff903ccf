package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "linkbridge.db"
	// DefaultMaintenanceInterval spaces WAL checkpoints and retention pruning.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultDeviceRetention drops known devices not seen for this long.
	DefaultDeviceRetention = 30 * 24 * time.Hour
)

type migration struct {
	name string
	sql  string
}

// Migrations run in order; user_version records how many were applied.
var migrations = []migration{
	{
		name: "create kv",
		sql: `
CREATE TABLE IF NOT EXISTS kv (
  key         TEXT PRIMARY KEY,
  value       BLOB NOT NULL,
  updated_at  INTEGER NOT NULL
);`,
	},
	{
		name: "create known_devices",
		sql: `
CREATE TABLE IF NOT EXISTS known_devices (
  device_id       TEXT PRIMARY KEY,
  device_name     TEXT NOT NULL DEFAULT '',
  address         TEXT NOT NULL,
  port            INTEGER NOT NULL,
  last_transport  TEXT NOT NULL DEFAULT '',
  last_seen       INTEGER NOT NULL
);`,
	},
	{
		name: "index known_devices by last_seen",
		sql: `
CREATE INDEX IF NOT EXISTS idx_known_devices_last_seen
ON known_devices (last_seen DESC, device_id);`,
	},
}

// Option tunes a Store at open time.
type Option func(*Store)

// WithLogger sets the logger used by background maintenance.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.log = logger.Named("storage")
		}
	}
}

// WithMaintenanceInterval overrides DefaultMaintenanceInterval. A
// non-positive interval disables the background loop.
func WithMaintenanceInterval(interval time.Duration) Option {
	return func(s *Store) { s.maintenanceInterval = interval }
}

// WithDeviceRetention overrides DefaultDeviceRetention. A non-positive
// value keeps known devices forever.
func WithDeviceRetention(retention time.Duration) Option {
	return func(s *Store) { s.deviceRetention = retention }
}

// Store is a SQLite-backed key-value store plus the known device table.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	maintenanceInterval time.Duration
	deviceRetention     time.Duration

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open creates dataDir if needed and opens the database inside it.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at dbPath, switches it to WAL mode and migrates the
// schema.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	s := &Store{
		db:                  db,
		log:                 zap.NewNop(),
		maintenanceInterval: DefaultMaintenanceInterval,
		deviceRetention:     DefaultDeviceRetention,
		stop:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, step := range []func() error{db.Ping, s.enableWAL, s.migrate, s.maintain} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if s.maintenanceInterval > 0 {
		s.wg.Add(1)
		go s.maintenanceLoop()
	}
	return s, nil
}

// Close stops maintenance and closes the database. It is safe to call more
// than once.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i].sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, migrations[i].name, err)
		}
		// PRAGMA does not take bound parameters.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	s.log.Debug("schema migrated", zap.Int("from", version), zap.Int("to", len(migrations)))
	return nil
}

func (s *Store) enableWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", mode)
	}
	return nil
}

// maintain truncates the WAL and drops devices past the retention window.
func (s *Store) maintain() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if s.deviceRetention <= 0 {
		return nil
	}
	pruned, err := s.PruneKnownDevices(time.Now().Add(-s.deviceRetention))
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.Info("pruned stale known devices", zap.Int64("count", pruned))
	}
	return nil
}

func (s *Store) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.maintain(); err != nil {
				s.log.Warn("storage maintenance failed", zap.Error(err))
			}
		case <-s.stop:
			return
		}
	}
}
