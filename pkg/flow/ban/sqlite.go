package ban

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements Store using SQLite, giving ban history durable
// storage with filtered, paginated listing.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	logger    *slog.Logger
	closeOnce sync.Once
}

// SQLiteStoreConfig configures the SQLite ban store.
type SQLiteStoreConfig struct {
	// Path is the database file path.
	Path string

	// WALMode enables Write-Ahead Logging mode for better concurrency.
	// Default: true
	WALMode bool

	// BusyTimeout is the duration to wait when the database is locked.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteStore creates a SQLite ban store with default settings.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(SQLiteStoreConfig{Path: path, WALMode: true})
}

// NewSQLiteStoreWithConfig creates a SQLite ban store with custom configuration.
func NewSQLiteStoreWithConfig(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:     db,
		logger: slog.Default().With("component", "ban.storage.sqlite"),
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if cfg.WALMode {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bans (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		target_type TEXT NOT NULL,
		reason TEXT NOT NULL,
		source TEXT NOT NULL,
		offenses INTEGER NOT NULL DEFAULT 0,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		unbanned_at INTEGER,
		unbanned_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_bans_target ON bans(target);
	CREATE INDEX IF NOT EXISTS idx_bans_created_at ON bans(created_at);
	CREATE INDEX IF NOT EXISTS idx_bans_expires_at ON bans(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Active returns the ban currently in force for a target, or nil.
func (s *SQLiteStore) Active(ctx context.Context, target string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, target, target_type, reason, source, offenses, duration_ns,
		       created_at, expires_at, unbanned_at, unbanned_by
		FROM bans
		WHERE target = ?
		  AND unbanned_at IS NULL
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY created_at DESC
		LIMIT 1
	`, target, time.Now().UnixNano())

	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active ban: %w", err)
	}
	return record, nil
}

// Save inserts the record, or updates it when the ID already exists.
func (s *SQLiteStore) Save(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if record.ID == "" {
		return fmt.Errorf("record id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt, unbannedAt sql.NullInt64
	if !record.ExpiresAt.IsZero() {
		expiresAt = sql.NullInt64{Int64: record.ExpiresAt.UnixNano(), Valid: true}
	}
	if record.UnbannedAt != nil {
		unbannedAt = sql.NullInt64{Int64: record.UnbannedAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (id, target, target_type, reason, source, offenses,
		                  duration_ns, created_at, expires_at, unbanned_at, unbanned_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			reason = excluded.reason,
			source = excluded.source,
			offenses = excluded.offenses,
			duration_ns = excluded.duration_ns,
			expires_at = excluded.expires_at,
			unbanned_at = excluded.unbanned_at,
			unbanned_by = excluded.unbanned_by
	`,
		record.ID, record.Target, record.TargetType, record.Reason,
		string(record.Source), record.Offenses, int64(record.Duration),
		record.CreatedAt.UnixNano(), expiresAt, unbannedAt, record.UnbannedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save ban: %w", err)
	}
	return nil
}

// List returns records matching the filter, newest first.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := strings.Builder{}
	query.WriteString(`
		SELECT id, target, target_type, reason, source, offenses, duration_ns,
		       created_at, expires_at, unbanned_at, unbanned_by
		FROM bans
		WHERE 1=1
	`)
	var args []any

	if filter.TargetType != "" {
		query.WriteString(" AND target_type = ?")
		args = append(args, filter.TargetType)
	}
	if filter.TargetPattern != "" {
		query.WriteString(` AND target LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(filter.TargetPattern)+"%")
	}
	if filter.ActiveOnly {
		query.WriteString(" AND unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?)")
		args = append(args, time.Now().UnixNano())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query.WriteString(" ORDER BY created_at DESC LIMIT ? OFFSET ?")
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ban: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bans: %w", err)
	}
	return records, nil
}

// CleanupExpired deletes expired automatic bans, at most batchSize.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, now time.Time, batchSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM bans
		WHERE id IN (
			SELECT id FROM bans
			WHERE source != ?
			  AND expires_at IS NOT NULL
			  AND expires_at <= ?
			LIMIT ?
		)
	`, string(SourceManual), now.UnixNano(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup bans: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(removed), nil
}

// Close releases any resources held by the store.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		record     Record
		source     string
		durationNs int64
		createdAt  int64
		expiresAt  sql.NullInt64
		unbannedAt sql.NullInt64
		unbannedBy sql.NullString
	)

	err := row.Scan(
		&record.ID, &record.Target, &record.TargetType, &record.Reason,
		&source, &record.Offenses, &durationNs,
		&createdAt, &expiresAt, &unbannedAt, &unbannedBy,
	)
	if err != nil {
		return nil, err
	}

	record.Source = Source(source)
	record.Duration = time.Duration(durationNs)
	record.CreatedAt = time.Unix(0, createdAt)
	if expiresAt.Valid {
		record.ExpiresAt = time.Unix(0, expiresAt.Int64)
	}
	if unbannedAt.Valid {
		at := time.Unix(0, unbannedAt.Int64)
		record.UnbannedAt = &at
	}
	record.UnbannedBy = unbannedBy.String

	return &record, nil
}

// escapeLike escapes LIKE wildcards so user-supplied patterns match
// literally.
func escapeLike(pattern string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(pattern)
}
