package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"confmesh/internal/types"
)

// recordEvent appends a durable event row and pushes the payload to the
// bus. Post-commit effect: failures are logged, never surfaced, and the
// periodic snapshot pull repairs any replica that missed it.
func (s *PG) recordEvent(ctx context.Context, configID uuid.UUID, version int64, kind types.EventKind) {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO config_events (config_id, version, kind) VALUES ($1, $2, $3)",
		configID, version, kind)
	if err != nil {
		s.logger.Warn("failed to append config event",
			zap.String("config", configID.String()),
			zap.Int64("version", version),
			zap.Error(err))
		return
	}
	s.notifyAfterCommit(ctx, types.EventPayload{ConfigID: configID, Version: version, Kind: kind})
}

// CreateConsumer registers a new event consumer positioned at the current
// head of the event feed: a fresh consumer starts from a snapshot pull, so
// it must not replay history.
func (s *PG) CreateConsumer(ctx context.Context) (*types.Consumer, error) {
	c := &types.Consumer{ID: uuid.New()}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO event_consumers (id, last_seq)
		VALUES ($1, COALESCE((SELECT MAX(seq) FROM config_events), 0))
		RETURNING last_seq, created_at, last_used_at`, c.ID).
		Scan(&c.LastSeq, &c.CreatedAt, &c.LastUsedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create consumer: %v", types.ErrTransient, err)
	}
	return c, nil
}

// GetConsumer returns the consumer, or ErrNotFound when the primary no
// longer recognizes the id (cleaned up as idle); callers treat that as a
// cold-start signal.
func (s *PG) GetConsumer(ctx context.Context, id uuid.UUID) (*types.Consumer, error) {
	c := &types.Consumer{ID: id}
	err := s.pool.QueryRow(ctx,
		"SELECT last_seq, created_at, last_used_at FROM event_consumers WHERE id = $1", id).
		Scan(&c.LastSeq, &c.CreatedAt, &c.LastUsedAt)
	if err == pgx.ErrNoRows {
		return nil, types.NotFoundf("consumer %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load consumer: %v", types.ErrTransient, err)
	}
	return c, nil
}

// PollEvents returns up to limit events past the consumer's cursor, in
// sequence order. The cursor does not move until AdvanceConsumer.
func (s *PG) PollEvents(ctx context.Context, consumerID uuid.UUID, limit int) ([]types.ConfigEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT e.seq, e.config_id, e.version, e.kind, e.created_at
		FROM config_events e, event_consumers c
		WHERE c.id = $1 AND e.seq > c.last_seq
		ORDER BY e.seq ASC LIMIT $2`, consumerID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to poll events: %v", types.ErrTransient, err)
	}
	defer rows.Close()

	var out []types.ConfigEvent
	for rows.Next() {
		var e types.ConfigEvent
		if err := rows.Scan(&e.Seq, &e.ConfigID, &e.Version, &e.Kind, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		// Distinguish "no events" from "unknown consumer".
		if _, err := s.GetConsumer(ctx, consumerID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AdvanceConsumer moves the consumer cursor forward. Cursors never move
// backwards.
func (s *PG) AdvanceConsumer(ctx context.Context, consumerID uuid.UUID, seq int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE event_consumers SET last_seq = GREATEST(last_seq, $2), last_used_at = now()
		WHERE id = $1`, consumerID, seq)
	if err != nil {
		return fmt.Errorf("%w: failed to advance consumer: %v", types.ErrTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFoundf("consumer %s", consumerID)
	}
	return nil
}

// TouchConsumer reports liveness without moving the cursor.
func (s *PG) TouchConsumer(ctx context.Context, consumerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE event_consumers SET last_used_at = now() WHERE id = $1", consumerID)
	if err != nil {
		return fmt.Errorf("%w: failed to touch consumer: %v", types.ErrTransient, err)
	}
	if tag.RowsAffected() == 0 {
		return types.NotFoundf("consumer %s", consumerID)
	}
	return nil
}

// CleanupConsumers drops consumers idle past the cutoff and events already
// seen by every remaining consumer. Returns the number of consumers
// removed.
func (s *PG) CleanupConsumers(ctx context.Context, idleCutoff time.Duration) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"DELETE FROM event_consumers WHERE last_used_at < now() - $1::interval",
			fmt.Sprintf("%d seconds", int64(idleCutoff.Seconds())))
		if err != nil {
			return fmt.Errorf("failed to delete idle consumers: %w", err)
		}
		removed = tag.RowsAffected()

		// Events below every live cursor can never be polled again.
		_, err = tx.Exec(ctx, `
			DELETE FROM config_events
			WHERE seq <= COALESCE((SELECT MIN(last_seq) FROM event_consumers),
				(SELECT COALESCE(MAX(seq), 0) FROM config_events))`)
		if err != nil {
			return fmt.Errorf("failed to prune events: %w", err)
		}
		return nil
	})
	return removed, err
}

// DumpConfigs pages the full authoritative config set as replica records,
// ordered by id, starting strictly after afterID. Feeds the pipeline's
// snapshot pull.
func (s *PG) DumpConfigs(ctx context.Context, afterID uuid.UUID, limit int) ([]types.ConfigReplica, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, project_id, name, version FROM configs
		WHERE id > $1 ORDER BY id ASC LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to dump configs: %v", types.ErrTransient, err)
	}
	defer rows.Close()

	var out []types.ConfigReplica
	for rows.Next() {
		var rec types.ConfigReplica
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Name, &rec.Version); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.attachReplicaVariants(ctx, out)
}

// FetchConfigReplicas loads replica records for specific ids; missing ids
// are simply absent from the result (deleted between event and fetch).
func (s *PG) FetchConfigReplicas(ctx context.Context, ids []uuid.UUID) ([]types.ConfigReplica, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		"SELECT id, project_id, name, version FROM configs WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch configs: %v", types.ErrTransient, err)
	}
	defer rows.Close()

	var out []types.ConfigReplica
	for rows.Next() {
		var rec types.ConfigReplica
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Name, &rec.Version); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.attachReplicaVariants(ctx, out)
}

func (s *PG) attachReplicaVariants(ctx context.Context, records []types.ConfigReplica) ([]types.ConfigReplica, error) {
	if len(records) == 0 {
		return records, nil
	}
	ids := make([]uuid.UUID, len(records))
	index := make(map[uuid.UUID]int, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		index[rec.ID] = i
	}
	rows, err := s.pool.Query(ctx, `
		SELECT config_id, id, environment_id, value::text, overrides::text
		FROM config_variants WHERE config_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load replica variants: %v", types.ErrTransient, err)
	}
	defer rows.Close()
	for rows.Next() {
		var configID uuid.UUID
		var v types.VariantReplica
		if err := rows.Scan(&configID, &v.ID, &v.EnvironmentID, &v.Value, &v.Overrides); err != nil {
			return nil, err
		}
		i := index[configID]
		records[i].Variants = append(records[i].Variants, v)
	}
	return records, rows.Err()
}
