// Package replica is the reader-side embedded cache of the authoritative
// config set: a single-file SQLite database owned by one writer (the
// replication pipeline), queried concurrently by readers.
package replica

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"confmesh/internal/types"
)

// consumerIDKey is the kv key holding the event-bus consumer checkpoint.
const consumerIDKey = "consumer_id"

// Store is the embedded replica store. All multi-row operations run in a
// single transaction; writes never regress a config's version.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	logger *zap.Logger
}

// Open initializes the SQLite database at path (":memory:" for tests).
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create replica directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}

	s := &Store{db: db, dbPath: path, logger: logger.Named("replica")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the replica schema. The schema evolves only by
// additive migrations; CREATE IF NOT EXISTS keeps reopen idempotent.
func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS configs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_configs_project_name ON configs(project_id, name);

	CREATE TABLE IF NOT EXISTS config_variants (
		id TEXT PRIMARY KEY,
		config_id TEXT NOT NULL,
		environment_id TEXT,
		value TEXT NOT NULL,
		overrides TEXT NOT NULL
	);
	-- SQLite treats NULLs as distinct in unique indexes; coalesce so at
	-- most one base variant (NULL environment) exists per config.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_variants_config_env
		ON config_variants(config_id, COALESCE(environment_id, ''));
	CREATE INDEX IF NOT EXISTS idx_variants_config ON config_variants(config_id);

	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create replica schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertConfigs inserts or replaces configs by id inside one transaction.
// An inbound record whose version is not greater than the stored version is
// ignored: stale events may arrive out of order and must never regress state.
func (s *Store) UpsertConfigs(records []types.ConfigReplica) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	applied := 0
	for _, rec := range records {
		var stored int64
		err := tx.QueryRow("SELECT version FROM configs WHERE id = ?", rec.ID.String()).Scan(&stored)
		switch {
		case err == sql.ErrNoRows:
			// New config.
		case err != nil:
			return fmt.Errorf("failed to read stored version: %w", err)
		case rec.Version <= stored:
			s.logger.Debug("ignoring stale config record",
				zap.String("config", rec.ID.String()),
				zap.Int64("incoming", rec.Version),
				zap.Int64("stored", stored))
			continue
		}

		if _, err := tx.Exec(`
			INSERT INTO configs (id, project_id, name, version) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET project_id = excluded.project_id,
				name = excluded.name, version = excluded.version`,
			rec.ID.String(), rec.ProjectID.String(), rec.Name, rec.Version); err != nil {
			return fmt.Errorf("failed to upsert config %s: %w", rec.ID, err)
		}
		if _, err := tx.Exec("DELETE FROM config_variants WHERE config_id = ?", rec.ID.String()); err != nil {
			return fmt.Errorf("failed to clear variants for %s: %w", rec.ID, err)
		}
		for _, v := range rec.Variants {
			var envID any
			if v.EnvironmentID != nil {
				envID = v.EnvironmentID.String()
			}
			if _, err := tx.Exec(`
				INSERT INTO config_variants (id, config_id, environment_id, value, overrides)
				VALUES (?, ?, ?, ?, ?)`,
				v.ID.String(), rec.ID.String(), envID, v.Value, v.Overrides); err != nil {
				return fmt.Errorf("failed to insert variant for %s: %w", rec.ID, err)
			}
		}
		applied++
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	s.logger.Debug("upserted configs", zap.Int("received", len(records)), zap.Int("applied", applied))
	return nil
}

// DeleteConfig removes a config and its variants.
func (s *Store) DeleteConfig(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM config_variants WHERE config_id = ?", id.String()); err != nil {
		return fmt.Errorf("failed to delete variants: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM configs WHERE id = ?", id.String()); err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	return tx.Commit()
}

// EnvironmentalConfig is the replica read result: the chosen variant plus
// the config's version, used by readers to enforce monotonic reads.
type EnvironmentalConfig struct {
	ConfigID  uuid.UUID
	Version   int64
	Value     string
	Overrides string
	// FromBase reports that the base variant was selected because no
	// variant exists for the requested environment.
	FromBase bool
}

// GetEnvironmentalConfig returns the variant for the environment when one
// exists, else the base variant (NULL environment_id). The second return
// is false when the config is unknown or has neither variant.
func (s *Store) GetEnvironmentalConfig(projectID uuid.UUID, configName string, environmentID *uuid.UUID) (*EnvironmentalConfig, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var configID string
	var version int64
	err := s.db.QueryRow(
		"SELECT id, version FROM configs WHERE project_id = ? AND name = ?",
		projectID.String(), configName).Scan(&configID, &version)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up config: %w", err)
	}

	out := &EnvironmentalConfig{Version: version}
	out.ConfigID, err = uuid.Parse(configID)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt config id %q: %w", configID, err)
	}

	if environmentID != nil {
		err = s.db.QueryRow(
			"SELECT value, overrides FROM config_variants WHERE config_id = ? AND environment_id = ?",
			configID, environmentID.String()).Scan(&out.Value, &out.Overrides)
		if err == nil {
			return out, true, nil
		}
		if err != sql.ErrNoRows {
			return nil, false, fmt.Errorf("failed to read environment variant: %w", err)
		}
	}

	err = s.db.QueryRow(
		"SELECT value, overrides FROM config_variants WHERE config_id = ? AND environment_id IS NULL",
		configID).Scan(&out.Value, &out.Overrides)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read base variant: %w", err)
	}
	out.FromBase = true
	return out, true, nil
}

// GetConfigValue returns only the effective raw value.
func (s *Store) GetConfigValue(projectID uuid.UUID, configName string, environmentID *uuid.UUID) (string, bool, error) {
	ec, ok, err := s.GetEnvironmentalConfig(projectID, configName, environmentID)
	if err != nil || !ok {
		return "", false, err
	}
	return ec.Value, true, nil
}

// ListConfigIDs returns every config id in the replica. The pipeline diffs
// this against a snapshot's id set to apply tombstones.
func (s *Store) ListConfigIDs() ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT id FROM configs")
	if err != nil {
		return nil, fmt.Errorf("failed to list config ids: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt config id %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetConsumerID returns the persisted event-bus consumer checkpoint, or
// false when none was stored yet.
func (s *Store) GetConsumerID() (uuid.UUID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", consumerIDKey).Scan(&raw)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to read consumer id: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("corrupt consumer id %q: %w", raw, err)
	}
	return id, true, nil
}

// SetConsumerID persists the event-bus consumer checkpoint.
func (s *Store) SetConsumerID(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		consumerIDKey, id.String())
	if err != nil {
		return fmt.Errorf("failed to persist consumer id: %w", err)
	}
	return nil
}

// Clear truncates all tables in one transaction. Used on cold start when
// the primary no longer recognizes this replica's consumer id.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"config_variants", "configs", "kv"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
