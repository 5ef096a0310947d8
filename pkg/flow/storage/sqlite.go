package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite for persistence.
// This backend provides durable per-key state and is suitable for
// single-instance deployments where limits must survive restarts.
//
// SQLiteStore uses a write-ahead log (WAL) for better concurrent
// performance and automatic checkpointing to balance write performance
// with durability.
type SQLiteStore struct {
	db                 *sql.DB
	dbPath             string
	checkpointInterval time.Duration
	done               chan struct{}
	mu                 sync.Mutex
	closeOnce          sync.Once

	// preparedStatements contains pre-compiled SQL statements for performance
	getStmt     *sql.Stmt
	setStmt     *sql.Stmt
	deleteStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
}

// SQLiteStoreConfig configures the SQLite store.
type SQLiteStoreConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a new SQLite store with default settings.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteStoreConfig{DBPath: dbPath})
}

// NewSQLiteStoreWithConfig creates a new SQLite store with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.DBPath, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:                 db,
		dbPath:             cfg.DBPath,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go store.checkpointLoop()

	return store, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flow_state (
		key TEXT PRIMARY KEY,
		value BLOB,
		counter INTEGER NOT NULL DEFAULT 0,
		is_counter INTEGER NOT NULL DEFAULT 0,
		expires_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_flow_state_expires_at ON flow_state(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// prepareStatements prepares SQL statements for reuse.
func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.getStmt, err = s.db.Prepare(`
		SELECT value, counter, is_counter, expires_at
		FROM flow_state
		WHERE key = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	s.setStmt, err = s.db.Prepare(`
		INSERT INTO flow_state (key, value, counter, is_counter, expires_at, updated_at)
		VALUES (?, ?, 0, 0, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			counter = 0,
			is_counter = 0,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare set statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM flow_state WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`
		DELETE FROM flow_state
		WHERE expires_at IS NOT NULL AND expires_at < ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return nil
}

// Get retrieves the value for a key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		value     []byte
		counter   int64
		isCounter int
		expiresAt sql.NullInt64
	)
	err := s.getStmt.QueryRowContext(ctx, key).Scan(&value, &counter, &isCounter, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}

	if expiresAt.Valid && time.Now().UnixNano() > expiresAt.Int64 {
		return nil, false, nil
	}

	if isCounter != 0 {
		return []byte(strconv.FormatInt(counter, 10)), true, nil
	}
	return value, true, nil
}

// Set stores a value for a key with a TTL.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.setStmt.ExecContext(ctx, key, value, expiryNanos(ttl), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.deleteStmt.ExecContext(ctx, key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// Increment atomically adds delta to the counter stored at key.
func (s *SQLiteStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()

	// Expired rows count as absent
	var (
		counter   int64
		isCounter int
		expiresAt sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT counter, is_counter, expires_at FROM flow_state WHERE key = ?`, key,
	).Scan(&counter, &isCounter, &expiresAt)

	switch {
	case err == sql.ErrNoRows:
		counter = 0
		isCounter = 1
	case err != nil:
		return 0, fmt.Errorf("failed to read counter: %w", err)
	case expiresAt.Valid && now > expiresAt.Int64:
		counter = 0
		isCounter = 1
		if _, err := tx.ExecContext(ctx, `DELETE FROM flow_state WHERE key = ?`, key); err != nil {
			return 0, fmt.Errorf("failed to drop expired counter: %w", err)
		}
		err = sql.ErrNoRows
	}

	if isCounter == 0 {
		return 0, fmt.Errorf("key %q does not hold a counter", key)
	}

	counter += delta
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO flow_state (key, value, counter, is_counter, expires_at, updated_at)
			 VALUES (?, NULL, ?, 1, ?, ?)`,
			key, counter, expiryNanos(ttl), now)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE flow_state SET counter = ?, updated_at = ? WHERE key = ?`,
			counter, now, key)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit increment: %w", err)
	}
	return counter, nil
}

// CompareAndSwap atomically replaces the value at key with next if the
// current value equals old.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()

	var (
		value     []byte
		expiresAt sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM flow_state WHERE key = ? AND is_counter = 0`, key,
	).Scan(&value, &expiresAt)

	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to read key: %w", err)
	}
	if exists && expiresAt.Valid && now > expiresAt.Int64 {
		exists = false
	}

	if old == nil {
		if exists {
			return false, nil
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO flow_state (key, value, counter, is_counter, expires_at, updated_at)
			 VALUES (?, ?, 0, 0, ?, ?)
			 ON CONFLICT (key) DO UPDATE SET
				value = excluded.value,
				counter = 0,
				is_counter = 0,
				expires_at = excluded.expires_at,
				updated_at = excluded.updated_at`,
			key, next, expiryNanos(ttl), now)
		if err != nil {
			return false, fmt.Errorf("failed to create key: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit swap: %w", err)
		}
		return true, nil
	}

	if !exists || !bytes.Equal(value, old) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE flow_state SET value = ?, expires_at = ?, updated_at = ? WHERE key = ?`,
		next, expiryNanos(ttl), now, key)
	if err != nil {
		return false, fmt.Errorf("failed to swap key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit swap: %w", err)
	}
	return true, nil
}

// Cleanup removes expired entries. Returns the number of rows deleted.
func (s *SQLiteStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.cleanupStmt.ExecContext(ctx, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// Close releases any resources held by the store.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		if s.getStmt != nil {
			s.getStmt.Close()
		}
		if s.setStmt != nil {
			s.setStmt.Close()
		}
		if s.deleteStmt != nil {
			s.deleteStmt.Close()
		}
		if s.cleanupStmt != nil {
			s.cleanupStmt.Close()
		}

		if s.db != nil {
			// Run final checkpoint
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

// checkpointLoop runs periodic WAL checkpoints and expiry sweeps.
func (s *SQLiteStore) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background())
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

func expiryNanos(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: time.Now().Add(ttl).UnixNano(), Valid: true}
}
