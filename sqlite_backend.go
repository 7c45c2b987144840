package pitstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteBackendConfig configures the SQLite log backend.
type SQLiteBackendConfig struct {
	// Path to the SQLite database file
	Path string

	// CacheSize is the SQLite page cache size in KB (default: 2000 = 2MB)
	CacheSize int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int
}

// DefaultSQLiteBackendConfig returns default configuration.
func DefaultSQLiteBackendConfig() SQLiteBackendConfig {
	return SQLiteBackendConfig{
		Path:           "pitstore.db",
		CacheSize:      2000,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteBackend implements LogBackend using SQLite: one row per
// observation, append-only. The table is plain SQL, so the log can be
// inspected and queried with standard SQLite tools.
type SQLiteBackend struct {
	db     *sql.DB
	config SQLiteBackendConfig
	mu     sync.RWMutex
	closed bool

	insertStmt *sql.Stmt
	asOfStmt   *sql.Stmt
}

// NewSQLiteBackend creates a new SQLite-based log backend.
func NewSQLiteBackend(config SQLiteBackendConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		config.Path = "pitstore.db"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 2000
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}

	// Build connection string with pragmas
	dsn := fmt.Sprintf("%s?_cache_size=%d&_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.CacheSize, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newBackendError(BackendUnavailable, "sqlite open", "failed to open database", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	backend := &SQLiteBackend{
		db:     db,
		config: config,
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if err := backend.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}

	return backend, nil
}

// initSchema creates the database schema.
func (s *SQLiteBackend) initSchema() error {
	schema := `
		-- One row per observation, append-only. Timestamps are UnixNano.
		CREATE TABLE IF NOT EXISTS observations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			feature_name TEXT NOT NULL,
			value REAL NOT NULL,
			observed_at INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL,
			source TEXT
		);

		-- Index for point-in-time lookups on one (entity, feature) key
		CREATE INDEX IF NOT EXISTS idx_observations_key_time
			ON observations(entity_id, feature_name, observed_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return newBackendError(BackendUnavailable, "sqlite schema", "failed to create schema", err)
	}

	return nil
}

// prepareStatements prepares common SQL statements for better performance.
func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO observations (entity_id, feature_name, value, observed_at, recorded_at, source)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return newBackendError(BackendUnavailable, "sqlite prepare", "failed to prepare insert statement", err)
	}

	s.asOfStmt, err = s.db.Prepare(`
		SELECT value, observed_at, recorded_at, source
		FROM observations
		WHERE entity_id = ? AND feature_name = ? AND observed_at <= ?
		ORDER BY observed_at DESC, recorded_at DESC, id DESC
		LIMIT 1
	`)
	if err != nil {
		return newBackendError(BackendUnavailable, "sqlite prepare", "failed to prepare as-of statement", err)
	}

	return nil
}

// AppendObservations appends a batch in one transaction.
func (s *SQLiteBackend) AppendObservations(ctx context.Context, observations []Observation) error {
	if len(observations) == 0 {
		return nil
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return newBackendError(BackendUnavailable, "sqlite append", "backend is closed", nil)
	}
	s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newBackendError(BackendUnavailable, "sqlite append", "failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.insertStmt)
	for _, obs := range observations {
		_, err = stmt.ExecContext(ctx,
			obs.EntityID, obs.FeatureName, obs.Value,
			obs.ObservedAt.UnixNano(), obs.RecordedAt.UnixNano(), obs.Source)
		if err != nil {
			return newBackendError(BackendUnavailable, "sqlite append", "failed to insert observation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newBackendError(BackendUnavailable, "sqlite append", "failed to commit", err)
	}
	return nil
}

// LoadObservations returns every persisted observation in key and log
// order.
func (s *SQLiteBackend) LoadObservations(ctx context.Context) ([]Observation, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, newBackendError(BackendUnavailable, "sqlite load", "backend is closed", nil)
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, feature_name, value, observed_at, recorded_at, source
		FROM observations
		ORDER BY entity_id, feature_name, observed_at, recorded_at, id
	`)
	if err != nil {
		return nil, newBackendError(BackendUnavailable, "sqlite load", "failed to query observations", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var obs Observation
		var observedAt, recordedAt int64
		var source sql.NullString

		if err := rows.Scan(&obs.EntityID, &obs.FeatureName, &obs.Value, &observedAt, &recordedAt, &source); err != nil {
			return nil, newBackendError(BackendCorruption, "sqlite load", "failed to scan row", err)
		}
		obs.ObservedAt = time.Unix(0, observedAt).UTC()
		obs.RecordedAt = time.Unix(0, recordedAt).UTC()
		obs.Source = source.String
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, newBackendError(BackendUnavailable, "sqlite load", "row iteration failed", err)
	}
	return out, nil
}

// QueryAsOf resolves a point-in-time value directly in SQL. It answers the
// same question as Store.Resolve and exists so external tools querying the
// database agree with the in-memory log.
func (s *SQLiteBackend) QueryAsOf(ctx context.Context, entityID, featureName string, asOf time.Time) (Snapshot, bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return Snapshot{}, false, newBackendError(BackendUnavailable, "sqlite query", "backend is closed", nil)
	}
	s.mu.RUnlock()

	var value float64
	var observedAt, recordedAt int64
	var source sql.NullString

	err := s.asOfStmt.QueryRowContext(ctx, entityID, featureName, asOf.UnixNano()).
		Scan(&value, &observedAt, &recordedAt, &source)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, newBackendError(BackendUnavailable, "sqlite query", "as-of query failed", err)
	}

	return Snapshot{
		EntityID:    entityID,
		FeatureName: featureName,
		Value:       value,
		ObservedAt:  time.Unix(0, observedAt).UTC(),
		RecordedAt:  time.Unix(0, recordedAt).UTC(),
		Source:      source.String,
		AsOf:        asOf,
	}, true, nil
}

// Close releases any resources.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if s.insertStmt != nil {
		s.insertStmt.Close()
	}
	if s.asOfStmt != nil {
		s.asOfStmt.Close()
	}

	return s.db.Close()
}

// Vacuum performs database maintenance.
func (s *SQLiteBackend) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return newBackendError(BackendUnavailable, "sqlite vacuum", "backend is closed", nil)
	}

	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// GetDB returns the underlying database connection for advanced use cases.
func (s *SQLiteBackend) GetDB() *sql.DB {
	return s.db
}

// Stats returns database statistics.
func (s *SQLiteBackend) Stats(ctx context.Context) (*SQLiteStats, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, newBackendError(BackendUnavailable, "sqlite stats", "backend is closed", nil)
	}
	s.mu.RUnlock()

	stats := &SQLiteStats{}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`)
	if err := row.Scan(&stats.ObservationCount); err != nil {
		return nil, err
	}

	row = s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT entity_id), COUNT(DISTINCT feature_name) FROM observations`)
	if err := row.Scan(&stats.EntityCount, &stats.FeatureCount); err != nil {
		return nil, err
	}

	// Get database size using pragma
	row = s.db.QueryRowContext(ctx, `SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`)
	if err := row.Scan(&stats.DatabaseSize); err != nil {
		// Ignore error, might not work on all SQLite versions
	}

	return stats, nil
}

// SQLiteStats contains database statistics.
type SQLiteStats struct {
	ObservationCount int64 `json:"observation_count"`
	EntityCount      int64 `json:"entity_count"`
	FeatureCount     int64 `json:"feature_count"`
	DatabaseSize     int64 `json:"database_size"`
}
