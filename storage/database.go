package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"wavelite/clock"
)

const (
	// DefaultDBFileName is the SQLite filename under the relay data dir.
	DefaultDBFileName = "relay.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS signaling_kv (
  key        TEXT PRIMARY KEY,
  value      BLOB NOT NULL,
  expires_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_signaling_kv_expires_at
ON signaling_kv (expires_at);
`,
}

// SQLite is a durable KV backend. Expiry timestamps are unix milliseconds
// taken from the injected clock.
type SQLite struct {
	db    *sql.DB
	clock clock.Clock

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	closeOnce             sync.Once
}

// Open opens (or creates) relay.db under the given data directory and runs migrations.
func Open(dataDir string, clk clock.Clock) (*SQLite, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, clk)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string, clk clock.Clock) (*SQLite, error) {
	if clk == nil {
		clk = clock.Real()
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &SQLite{
		db:                    db,
		clock:                 clk,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("storage: key is required")
	}
	expiresAt := s.clock.Now().Add(ttl).UnixMilli()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO signaling_kv (key, value, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("put key %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	now := s.nowMilli()

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM signaling_kv WHERE key = ? AND expires_at > ?`,
		key, now,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM signaling_kv WHERE key = ? AND expires_at <= ?`, key, now); err != nil {
			return nil, fmt.Errorf("purge expired key %q: %w", key, err)
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get key %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]Entry, error) {
	now := s.nowMilli()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM signaling_kv WHERE expires_at <= ?1 AND substr(key, 1, length(?2)) = ?2`,
		now, prefix,
	); err != nil {
		return nil, fmt.Errorf("purge expired prefix %q: %w", prefix, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, expires_at FROM signaling_kv
		WHERE substr(key, 1, length(?1)) = ?1 AND expires_at > ?2
		ORDER BY key`,
		prefix, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			entry     Entry
			expiresAt int64
		)
		if err := rows.Scan(&entry.Key, &entry.Value, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entry.ExpiresAt = time.UnixMilli(expiresAt)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prefix %q: %w", prefix, err)
	}
	return out, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM signaling_kv WHERE key = ? AND expires_at > ?`,
		key, s.nowMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("delete key %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected for delete: %w", err)
	}
	return affected > 0, nil
}

// PruneExpired removes every row whose expiry has passed.
func (s *SQLite) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signaling_kv WHERE expires_at <= ?`, s.nowMilli())
	if err != nil {
		return 0, fmt.Errorf("prune expired keys: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for prune: %w", err)
	}

	return rowsAffected, nil
}

// Close stops the checkpoint loop and closes the SQLite connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.walCheckpointStop)
		s.walCheckpointWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *SQLite) nowMilli() int64 {
	return s.clock.Now().UnixMilli()
}

func (s *SQLite) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *SQLite) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *SQLite) startWALCheckpointLoop() {
	if s.walCheckpointInterval <= 0 {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(s.walCheckpointInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
