package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"confmesh/internal/types"
)

// AuditRecord is one audit entry appended inside a mutation transaction.
type AuditRecord struct {
	Kind    types.AuditKind
	ActorID *uuid.UUID
	Payload json.RawMessage
}

// PendingRejection rejects every still-pending proposal on the config as
// part of the same transaction, optionally excepting the proposal being
// applied and recording it as the winner.
type PendingRejection struct {
	Reason           types.RejectionReason
	ExceptProposalID *uuid.UUID
	InFavorOf        *uuid.UUID
	ReviewerID       *uuid.UUID
}

// ConfigMutation is the full write set of one logical config update. The
// service computes it; the adapter applies it atomically, guarded by the
// expected version.
type ConfigMutation struct {
	ConfigID        uuid.UUID
	ProjectID       uuid.UUID
	ExpectedVersion int64
	Description     string

	UpsertVariants   []types.Variant
	DeleteVariantIDs []uuid.UUID

	MembersChanged bool
	Members        []types.Member

	Snapshot   types.ConfigVersion
	AuthorID   *uuid.UUID
	ProposalID *uuid.UUID

	AuditEntries  []AuditRecord
	RejectPending *PendingRejection

	// ApproveProposalID, when set, marks that proposal approved by
	// ReviewerID in the same transaction as the mutation it carries.
	ApproveProposalID *uuid.UUID
	ReviewerID        *uuid.UUID
}

// CreateConfig inserts a config with its base variant, environment
// variants, members, the version-1 snapshot and a config_created audit
// entry, all in one transaction.
func (s *PG) CreateConfig(ctx context.Context, cfg *types.Config, authorID *uuid.UUID) error {
	cfg.Version = 1
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO configs (id, project_id, name, description, version)
			VALUES ($1, $2, $3, $4, 1)`,
			cfg.ID, cfg.ProjectID, cfg.Name, cfg.Description)
		if isUniqueViolation(err) {
			return types.Conflictf("config %q already exists in project", cfg.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to insert config: %w", err)
		}

		variants := append([]types.Variant{cfg.Base}, cfg.EnvVariants...)
		for i := range variants {
			variants[i].ConfigID = cfg.ID
			if err := insertVariant(ctx, tx, &variants[i]); err != nil {
				return err
			}
		}
		if err := replaceMembers(ctx, tx, cfg.ID, cfg.Members); err != nil {
			return err
		}

		snapshot := types.ConfigVersion{
			ConfigID:    cfg.ID,
			Version:     1,
			Description: cfg.Description,
			Base:        cfg.Base,
			EnvVariants: cfg.EnvVariants,
			Members:     cfg.Members,
			AuthorID:    authorID,
		}
		if err := insertVersion(ctx, tx, &snapshot); err != nil {
			return err
		}
		return appendAudit(ctx, tx, cfg.ProjectID, cfg.ID, AuditRecord{
			Kind:    types.AuditConfigCreated,
			ActorID: authorID,
			Payload: types.MarshalPayload(types.ConfigChangePayload{After: &snapshot}),
		})
	})
	if err != nil {
		return err
	}
	s.recordEvent(ctx, cfg.ID, 1, types.EventUpsert)
	return nil
}

// MutateConfig applies one logical update under an optimistic version
// check. The stored version must equal ExpectedVersion; on success it
// becomes ExpectedVersion+1.
func (s *PG) MutateConfig(ctx context.Context, m *ConfigMutation) error {
	newVersion := m.ExpectedVersion + 1
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE configs SET version = $3, description = $4, updated_at = now()
			WHERE id = $1 AND version = $2`,
			m.ConfigID, m.ExpectedVersion, newVersion, m.Description)
		if err != nil {
			return fmt.Errorf("failed to update config row: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return staleOrMissing(ctx, tx, m.ConfigID, m.ExpectedVersion)
		}

		for _, id := range m.DeleteVariantIDs {
			if _, err := tx.Exec(ctx, "DELETE FROM config_variants WHERE id = $1 AND config_id = $2", id, m.ConfigID); err != nil {
				return fmt.Errorf("failed to delete variant: %w", err)
			}
		}
		for i := range m.UpsertVariants {
			m.UpsertVariants[i].ConfigID = m.ConfigID
			if err := upsertVariant(ctx, tx, &m.UpsertVariants[i]); err != nil {
				return err
			}
		}
		if m.MembersChanged {
			if err := replaceMembers(ctx, tx, m.ConfigID, m.Members); err != nil {
				return err
			}
		}

		snapshot := m.Snapshot
		snapshot.ConfigID = m.ConfigID
		snapshot.Version = newVersion
		snapshot.AuthorID = m.AuthorID
		snapshot.ProposalID = m.ProposalID
		if err := insertVersion(ctx, tx, &snapshot); err != nil {
			return err
		}
		for _, rec := range m.AuditEntries {
			if err := appendAudit(ctx, tx, m.ProjectID, m.ConfigID, rec); err != nil {
				return err
			}
		}
		if m.RejectPending != nil {
			if err := rejectPendingTx(ctx, tx, m.ProjectID, m.ConfigID, m.RejectPending); err != nil {
				return err
			}
		}
		if m.ApproveProposalID != nil {
			if err := approveProposalTx(ctx, tx, m.ProjectID, *m.ApproveProposalID, *m.ReviewerID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordEvent(ctx, m.ConfigID, newVersion, types.EventUpsert)
	return nil
}

// DeleteConfig removes the config (variants and versions cascade) after an
// optimistic version check, rejecting pending proposals with
// config_deleted and appending the audit trail. A non-nil
// approveProposalID records the delete proposal being applied as approved
// in the same transaction.
func (s *PG) DeleteConfig(ctx context.Context, projectID, configID uuid.UUID, expectedVersion int64, actorID *uuid.UUID, approveProposalID *uuid.UUID) error {
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		before, err := loadConfigTx(ctx, tx, configID)
		if err != nil {
			return err
		}
		if before.Version != expectedVersion {
			return types.NewStaleVersion(expectedVersion, before.Version)
		}

		if err := rejectPendingTx(ctx, tx, projectID, configID, &PendingRejection{
			Reason:           types.RejectedConfigDeleted,
			ExceptProposalID: approveProposalID,
			ReviewerID:       actorID,
		}); err != nil {
			return err
		}
		if approveProposalID != nil && actorID != nil {
			if err := approveProposalTx(ctx, tx, projectID, *approveProposalID, *actorID); err != nil {
				return err
			}
		}

		snapshot := snapshotOf(before, nil, nil)
		if err := appendAudit(ctx, tx, projectID, configID, AuditRecord{
			Kind:    types.AuditConfigDeleted,
			ActorID: actorID,
			Payload: types.MarshalPayload(types.ConfigChangePayload{Before: &snapshot}),
		}); err != nil {
			return err
		}

		// Proposal rows survive the config: the rejection record with
		// reason config_deleted is part of the audit story.
		if _, err := tx.Exec(ctx, "DELETE FROM configs WHERE id = $1", configID); err != nil {
			return fmt.Errorf("failed to delete config: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordEvent(ctx, configID, expectedVersion+1, types.EventDelete)
	return nil
}

// GetConfig loads a config with variants and members by (project, name).
func (s *PG) GetConfig(ctx context.Context, projectID uuid.UUID, name string) (*types.Config, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM configs WHERE project_id = $1 AND name = $2", projectID, name).Scan(&id)
	if err == pgx.ErrNoRows {
		return nil, types.NotFoundf("config %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up config: %w", err)
	}
	return s.GetConfigByID(ctx, id)
}

// GetConfigByID loads a config with variants and members.
func (s *PG) GetConfigByID(ctx context.Context, id uuid.UUID) (*types.Config, error) {
	var cfg *types.Config
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		cfg, err = loadConfigTx(ctx, tx, id)
		return err
	})
	return cfg, err
}

// staleOrMissing distinguishes a version conflict from a missing config
// after an optimistic update matched no rows.
func staleOrMissing(ctx context.Context, tx pgx.Tx, configID uuid.UUID, expected int64) error {
	var current int64
	err := tx.QueryRow(ctx, "SELECT version FROM configs WHERE id = $1", configID).Scan(&current)
	if err == pgx.ErrNoRows {
		return types.NotFoundf("config %s", configID)
	}
	if err != nil {
		return fmt.Errorf("failed to read current version: %w", err)
	}
	return types.NewStaleVersion(expected, current)
}

func loadConfigTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*types.Config, error) {
	cfg := &types.Config{ID: id}
	err := tx.QueryRow(ctx, `
		SELECT project_id, name, description, version, created_at, updated_at
		FROM configs WHERE id = $1`, id).
		Scan(&cfg.ProjectID, &cfg.Name, &cfg.Description, &cfg.Version, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, types.NotFoundf("config %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, environment_id, value, schema, overrides, use_base_schema
		FROM config_variants WHERE config_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load variants: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var v types.Variant
		var value, schemaRaw, overrides []byte
		if err := rows.Scan(&v.ID, &v.EnvironmentID, &value, &schemaRaw, &overrides, &v.UseBaseSchema); err != nil {
			return nil, err
		}
		v.ConfigID = id
		if err := json.Unmarshal(value, &v.Value); err != nil {
			return nil, fmt.Errorf("corrupt variant value: %w", err)
		}
		if len(schemaRaw) > 0 {
			if err := json.Unmarshal(schemaRaw, &v.Schema); err != nil {
				return nil, fmt.Errorf("corrupt variant schema: %w", err)
			}
		}
		if err := json.Unmarshal(overrides, &v.Overrides); err != nil {
			return nil, fmt.Errorf("corrupt variant overrides: %w", err)
		}
		if v.IsBase() {
			cfg.Base = v
		} else {
			cfg.EnvVariants = append(cfg.EnvVariants, v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	memberRows, err := tx.Query(ctx,
		"SELECT user_id, email, role FROM config_members WHERE config_id = $1 ORDER BY email", id)
	if err != nil {
		return nil, fmt.Errorf("failed to load members: %w", err)
	}
	defer memberRows.Close()
	for memberRows.Next() {
		var m types.Member
		if err := memberRows.Scan(&m.UserID, &m.Email, &m.Role); err != nil {
			return nil, err
		}
		cfg.Members = append(cfg.Members, m)
	}
	return cfg, memberRows.Err()
}

func insertVariant(ctx context.Context, tx pgx.Tx, v *types.Variant) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	value, schemaRaw, overrides, err := encodeVariant(v)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO config_variants (id, config_id, environment_id, value, schema, overrides, use_base_schema)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.ConfigID, v.EnvironmentID, value, schemaRaw, overrides, v.UseBaseSchema)
	if isUniqueViolation(err) {
		return types.BadRequestf("duplicate variant for environment")
	}
	if err != nil {
		return fmt.Errorf("failed to insert variant: %w", err)
	}
	return nil
}

func upsertVariant(ctx context.Context, tx pgx.Tx, v *types.Variant) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	value, schemaRaw, overrides, err := encodeVariant(v)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO config_variants (id, config_id, environment_id, value, schema, overrides, use_base_schema)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (config_id, COALESCE(environment_id, '00000000-0000-0000-0000-000000000000'::uuid))
		DO UPDATE SET value = excluded.value, schema = excluded.schema,
			overrides = excluded.overrides, use_base_schema = excluded.use_base_schema`,
		v.ID, v.ConfigID, v.EnvironmentID, value, schemaRaw, overrides, v.UseBaseSchema)
	if err != nil {
		return fmt.Errorf("failed to upsert variant: %w", err)
	}
	return nil
}

func encodeVariant(v *types.Variant) (value, schemaRaw, overrides []byte, err error) {
	if value, err = json.Marshal(v.Value); err != nil {
		return nil, nil, nil, fmt.Errorf("variant value does not encode: %w", err)
	}
	if v.Schema != nil {
		if schemaRaw, err = json.Marshal(v.Schema); err != nil {
			return nil, nil, nil, fmt.Errorf("variant schema does not encode: %w", err)
		}
	}
	ovs := v.Overrides
	if ovs == nil {
		ovs = []types.Override{}
	}
	if overrides, err = json.Marshal(ovs); err != nil {
		return nil, nil, nil, fmt.Errorf("variant overrides do not encode: %w", err)
	}
	return value, schemaRaw, overrides, nil
}

func replaceMembers(ctx context.Context, tx pgx.Tx, configID uuid.UUID, members []types.Member) error {
	if _, err := tx.Exec(ctx, "DELETE FROM config_members WHERE config_id = $1", configID); err != nil {
		return fmt.Errorf("failed to clear members: %w", err)
	}
	for _, m := range members {
		if _, err := tx.Exec(ctx, `
			INSERT INTO config_members (config_id, user_id, email, role) VALUES ($1, $2, $3, $4)`,
			configID, m.UserID, m.Email, m.Role); err != nil {
			if isUniqueViolation(err) {
				return types.BadRequestf("member %s listed twice", m.Email)
			}
			return fmt.Errorf("failed to insert member: %w", err)
		}
	}
	return nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, v *types.ConfigVersion) error {
	snapshot, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("version snapshot does not encode: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO config_versions (config_id, version, snapshot, author_id, proposal_id)
		VALUES ($1, $2, $3, $4, $5)`,
		v.ConfigID, v.Version, snapshot, v.AuthorID, v.ProposalID)
	if isUniqueViolation(err) {
		return types.Invariantf("version %d already recorded for config %s", v.Version, v.ConfigID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert config version: %w", err)
	}
	return nil
}

// snapshotOf builds a version snapshot from a loaded config.
func snapshotOf(cfg *types.Config, authorID, proposalID *uuid.UUID) types.ConfigVersion {
	return types.ConfigVersion{
		ConfigID:    cfg.ID,
		Version:     cfg.Version,
		Description: cfg.Description,
		Base:        cfg.Base,
		EnvVariants: cfg.EnvVariants,
		Members:     cfg.Members,
		AuthorID:    authorID,
		ProposalID:  proposalID,
	}
}

// ListVersions returns the immutable snapshots for a config, newest first.
func (s *PG) ListVersions(ctx context.Context, configID uuid.UUID, limit int) ([]types.ConfigVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT snapshot FROM config_versions
		WHERE config_id = $1 ORDER BY version DESC LIMIT $2`, configID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []types.ConfigVersion
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v types.ConfigVersion
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("corrupt version snapshot: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
