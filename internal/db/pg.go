package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/aonescu/configsync/internal/types"
)

// PostgresStore persists the sync state so that objects deleted while the
// sidecar was down can still be cleaned up after a restart.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.RWMutex
	// In-memory cache for fast reads
	latest map[string]types.SyncRecord
}

func NewPostgresStore(connStr string, logger *slog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &PostgresStore{
		db:     db,
		logger: logger,
		latest: make(map[string]types.SyncRecord),
	}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := store.loadCache(ctx); err != nil {
		logger.Warn("failed to load cache", "error", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	-- Latest synced state per ConfigMap
	CREATE TABLE IF NOT EXISTS synced_objects (
		key TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		name TEXT NOT NULL,
		resource_version TEXT NOT NULL,
		event_type TEXT NOT NULL,
		files TEXT[] NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_synced_objects_namespace ON synced_objects(namespace);

	-- Append-only journal of applied changes
	CREATE TABLE IF NOT EXISTS sync_events (
		id BIGSERIAL PRIMARY KEY,
		key TEXT NOT NULL,
		namespace TEXT NOT NULL,
		name TEXT NOT NULL,
		resource_version TEXT NOT NULL,
		event_type TEXT NOT NULL,
		files TEXT[] NOT NULL DEFAULT '{}',
		timestamp TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sync_events_key ON sync_events(key);
	CREATE INDEX IF NOT EXISTS idx_sync_events_timestamp ON sync_events(timestamp DESC);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Record(record types.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO synced_objects (key, namespace, name, resource_version, event_type, files, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			resource_version = EXCLUDED.resource_version,
			event_type = EXCLUDED.event_type,
			files = EXCLUDED.files,
			updated_at = EXCLUDED.updated_at
	`, record.Key, record.Namespace, record.Name, record.ResourceVersion,
		string(record.Kind), pq.Array(record.Files), record.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to upsert object: %w", err)
	}

	if err := insertEvent(ctx, tx, record); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.latest[record.Key] = record
	return nil
}

func (s *PostgresStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.latest[key]
	if !exists {
		return nil
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM synced_objects WHERE key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	record.Kind = types.Deleted
	record.Timestamp = time.Now()
	if err := insertEvent(ctx, tx, record); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	delete(s.latest, key)
	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, record types.SyncRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_events (key, namespace, name, resource_version, event_type, files, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, record.Key, record.Namespace, record.Name, record.ResourceVersion,
		string(record.Kind), pq.Array(record.Files), record.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert sync event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByKey(key string) (types.SyncRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, exists := s.latest[key]
	return record, exists
}

func (s *PostgresStore) GetAll() []types.SyncRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]types.SyncRecord, 0, len(s.latest))
	for _, record := range s.latest {
		results = append(results, record)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results
}

func (s *PostgresStore) History(limit int) ([]types.SyncRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT key, namespace, name, resource_version, event_type, files, timestamp
		FROM sync_events
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.SyncRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable sync event", "error", err)
			continue
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (s *PostgresStore) loadCache(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, namespace, name, resource_version, event_type, files, updated_at
		FROM synced_objects
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			continue
		}
		s.latest[record.Key] = record
	}

	s.logger.Info("Loaded synced objects into cache", "count", len(s.latest))
	return rows.Err()
}

func scanRecord(rows *sql.Rows) (types.SyncRecord, error) {
	var (
		record types.SyncRecord
		kind   string
		files  []string
	)
	err := rows.Scan(&record.Key, &record.Namespace, &record.Name, &record.ResourceVersion,
		&kind, pq.Array(&files), &record.Timestamp)
	record.Kind = types.EventKind(kind)
	record.Files = files
	return record, err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *PostgresStore) Ping() error {
	return s.db.Ping()
}
