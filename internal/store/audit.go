package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"confmesh/internal/types"
)

// appendAudit writes one append-only audit row inside the caller's
// transaction. Audit rows are never updated or deleted.
func appendAudit(ctx context.Context, tx pgx.Tx, projectID, configID uuid.UUID, rec AuditRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (project_id, config_id, kind, actor_id, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		projectID, configID, rec.Kind, rec.ActorID, rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns audit entries for a config, newest first.
func (s *PG) ListAuditEntries(ctx context.Context, configID uuid.UUID, limit int) ([]types.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, config_id, kind, actor_id, payload, created_at
		FROM audit_log WHERE config_id = $1 ORDER BY id DESC LIMIT $2`, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []types.AuditEntry
	for rows.Next() {
		var e types.AuditEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.ConfigID, &e.Kind, &e.ActorID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountAuditEntries returns the number of audit rows for a config.
func (s *PG) CountAuditEntries(ctx context.Context, configID uuid.UUID) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM audit_log WHERE config_id = $1", configID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}
