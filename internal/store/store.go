// Package store is the primary store adapter: transactional mutation of
// projects, configs, variants, versions, members, proposals and audit
// entries on Postgres, plus the durable event feed replica consumers poll.
//
// Every logical mutation runs in a single transaction with an optimistic
// version check. Event-bus notifications are post-commit effects: a failed
// notify never rolls back committed state, the periodic snapshot pull
// repairs replicas.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"confmesh/internal/types"
)

// Notifier publishes a config event after a transaction commits. The bus
// client implements it; a nil notifier disables publishing (tests).
type Notifier interface {
	Notify(ctx context.Context, payload types.EventPayload) error
}

// PG is the Postgres-backed primary store.
type PG struct {
	pool     *pgxpool.Pool
	notifier Notifier
	logger   *zap.Logger
}

// Open connects the pool and ensures the schema exists.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*PG, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s := &PG{pool: pool, logger: logger.Named("store")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// SetNotifier attaches the post-commit event publisher.
func (s *PG) SetNotifier(n Notifier) {
	s.notifier = n
}

// Close releases the pool.
func (s *PG) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool for health checks.
func (s *PG) Pool() *pgxpool.Pool {
	return s.pool
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	require_proposals BOOLEAN NOT NULL DEFAULT FALSE,
	allow_self_approvals BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS environments (
	id UUID PRIMARY KEY,
	project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	position INT NOT NULL DEFAULT 0,
	require_proposals BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS users (
	id UUID PRIMARY KEY,
	email TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS workspace_members (
	user_id UUID PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS project_members (
	project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	PRIMARY KEY (project_id, user_id)
);

CREATE TABLE IF NOT EXISTS configs (
	id UUID PRIMARY KEY,
	project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS config_variants (
	id UUID PRIMARY KEY,
	config_id UUID NOT NULL REFERENCES configs(id) ON DELETE CASCADE,
	environment_id UUID REFERENCES environments(id) ON DELETE CASCADE,
	value JSONB NOT NULL,
	schema JSONB,
	overrides JSONB NOT NULL DEFAULT '[]',
	use_base_schema BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_config_variants_config_env
	ON config_variants (config_id, COALESCE(environment_id, '00000000-0000-0000-0000-000000000000'::uuid));

CREATE TABLE IF NOT EXISTS config_members (
	config_id UUID NOT NULL REFERENCES configs(id) ON DELETE CASCADE,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	email TEXT NOT NULL,
	role TEXT NOT NULL,
	PRIMARY KEY (config_id, user_id)
);

CREATE TABLE IF NOT EXISTS config_versions (
	config_id UUID NOT NULL REFERENCES configs(id) ON DELETE CASCADE,
	version BIGINT NOT NULL,
	snapshot JSONB NOT NULL,
	author_id UUID REFERENCES users(id),
	proposal_id UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (config_id, version)
);

-- config_id carries no foreign key: proposal rows outlive a deleted
-- config so the config_deleted rejection record survives.
CREATE TABLE IF NOT EXISTS proposals (
	id UUID PRIMARY KEY,
	config_id UUID NOT NULL,
	author_id UUID NOT NULL REFERENCES users(id),
	base_config_version BIGINT NOT NULL,
	payload JSONB NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	reviewer_id UUID REFERENCES users(id),
	rejection_reason TEXT,
	rejected_in_favor_of UUID,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	approved_at TIMESTAMPTZ,
	rejected_at TIMESTAMPTZ,
	CHECK (approved_at IS NULL OR rejected_at IS NULL)
);
CREATE INDEX IF NOT EXISTS idx_proposals_config_pending
	ON proposals (config_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS audit_log (
	id BIGSERIAL PRIMARY KEY,
	project_id UUID NOT NULL,
	config_id UUID NOT NULL,
	kind TEXT NOT NULL,
	actor_id UUID,
	payload JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audit_config ON audit_log (config_id, id);

CREATE TABLE IF NOT EXISTS config_events (
	seq BIGSERIAL PRIMARY KEY,
	config_id UUID NOT NULL,
	version BIGINT NOT NULL,
	kind TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS event_consumers (
	id UUID PRIMARY KEY,
	last_seq BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	secret_hash TEXT NOT NULL,
	scopes TEXT[] NOT NULL DEFAULT '{}',
	project_ids UUID[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PG) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *PG) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", types.ErrTransient, err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", types.ErrTransient, err)
	}
	return nil
}

// notifyAfterCommit publishes config events best-effort. Failures are
// logged, never surfaced: replica snapshot pulls repair any gap.
func (s *PG) notifyAfterCommit(ctx context.Context, payloads ...types.EventPayload) {
	if s.notifier == nil {
		return
	}
	for _, p := range payloads {
		if err := s.notifier.Notify(ctx, p); err != nil {
			s.logger.Warn("post-commit event notify failed",
				zap.String("config", p.ConfigID.String()),
				zap.Int64("version", p.Version),
				zap.Error(err))
		}
	}
}

// isUniqueViolation reports a 23505 unique constraint error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
