package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"confmesh/internal/types"
)

// proposalPayload is the JSONB delta document stored per proposal.
type proposalPayload struct {
	Description  types.Change[string]         `json:"description,omitzero"`
	Members      types.Change[[]types.Member] `json:"members,omitzero"`
	DeleteConfig bool                         `json:"deleteConfig,omitempty"`
	Variants     []types.VariantChange        `json:"variants"`
}

// CreateProposal inserts a pending proposal and its audit entry.
func (s *PG) CreateProposal(ctx context.Context, projectID uuid.UUID, p *types.Proposal) error {
	payload, err := json.Marshal(proposalPayload{
		Description:  p.Description,
		Members:      p.Members,
		DeleteConfig: p.DeleteConfig,
		Variants:     p.Variants,
	})
	if err != nil {
		return fmt.Errorf("proposal payload does not encode: %w", err)
	}
	p.Status = types.ProposalPending
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO proposals (id, config_id, author_id, base_config_version, payload)
			VALUES ($1, $2, $3, $4, $5)`,
			p.ID, p.ConfigID, p.AuthorID, p.BaseConfigVersion, payload)
		if err != nil {
			return fmt.Errorf("failed to insert proposal: %w", err)
		}
		author := p.AuthorID
		return appendAudit(ctx, tx, projectID, p.ConfigID, AuditRecord{
			Kind:    types.AuditProposalCreated,
			ActorID: &author,
			Payload: types.MarshalPayload(types.ProposalPayload{ProposalID: p.ID, Status: types.ProposalPending}),
		})
	})
}

// GetProposal loads a proposal by id.
func (s *PG) GetProposal(ctx context.Context, id uuid.UUID) (*types.Proposal, error) {
	p := &types.Proposal{ID: id}
	var payload []byte
	err := s.pool.QueryRow(ctx, `
		SELECT config_id, author_id, base_config_version, payload, status,
			reviewer_id, rejection_reason, rejected_in_favor_of,
			created_at, approved_at, rejected_at
		FROM proposals WHERE id = $1`, id).
		Scan(&p.ConfigID, &p.AuthorID, &p.BaseConfigVersion, &payload, &p.Status,
			&p.ReviewerID, &p.RejectionReason, &p.RejectedInFavorOf,
			&p.CreatedAt, &p.ApprovedAt, &p.RejectedAt)
	if err == pgx.ErrNoRows {
		return nil, types.NotFoundf("proposal %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load proposal: %w", err)
	}
	var doc proposalPayload
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("corrupt proposal payload: %w", err)
	}
	p.Description = doc.Description
	p.Members = doc.Members
	p.DeleteConfig = doc.DeleteConfig
	p.Variants = doc.Variants
	return p, nil
}

// ListPendingProposals returns pending proposals for a config, oldest
// first.
func (s *PG) ListPendingProposals(ctx context.Context, configID uuid.UUID) ([]types.Proposal, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id FROM proposals WHERE config_id = $1 AND status = 'pending' ORDER BY created_at ASC", configID)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]types.Proposal, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProposal(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

// MarkProposalApproved moves a pending proposal to approved. The terminal
// transition happens exactly once: a proposal already resolved fails with
// an invariant error.
func (s *PG) MarkProposalApproved(ctx context.Context, projectID, proposalID, reviewerID uuid.UUID) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return approveProposalTx(ctx, tx, projectID, proposalID, reviewerID)
	})
}

// approveProposalTx performs the pending-to-approved transition inside the
// caller's transaction, usually the one applying the proposal's changes.
func approveProposalTx(ctx context.Context, tx pgx.Tx, projectID, proposalID, reviewerID uuid.UUID) error {
	var configID uuid.UUID
	err := tx.QueryRow(ctx, `
		UPDATE proposals SET status = 'approved', reviewer_id = $2, approved_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING config_id`, proposalID, reviewerID).Scan(&configID)
	if err == pgx.ErrNoRows {
		return proposalNotPending(ctx, tx, proposalID)
	}
	if err != nil {
		return fmt.Errorf("failed to approve proposal: %w", err)
	}
	reviewer := reviewerID
	return appendAudit(ctx, tx, projectID, configID, AuditRecord{
		Kind:    types.AuditProposalApproved,
		ActorID: &reviewer,
		Payload: types.MarshalPayload(types.ProposalPayload{ProposalID: proposalID, Status: types.ProposalApproved}),
	})
}

// MarkProposalRejected moves a pending proposal to rejected with the
// explicit reason.
func (s *PG) MarkProposalRejected(ctx context.Context, projectID, proposalID, reviewerID uuid.UUID, reason types.RejectionReason) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var configID uuid.UUID
		err := tx.QueryRow(ctx, `
			UPDATE proposals SET status = 'rejected', reviewer_id = $2,
				rejection_reason = $3, rejected_at = now()
			WHERE id = $1 AND status = 'pending'
			RETURNING config_id`, proposalID, reviewerID, reason).Scan(&configID)
		if err == pgx.ErrNoRows {
			return proposalNotPending(ctx, tx, proposalID)
		}
		if err != nil {
			return fmt.Errorf("failed to reject proposal: %w", err)
		}
		reviewer := reviewerID
		return appendAudit(ctx, tx, projectID, configID, AuditRecord{
			Kind:    types.AuditProposalRejected,
			ActorID: &reviewer,
			Payload: types.MarshalPayload(types.ProposalPayload{
				ProposalID: proposalID, Status: types.ProposalRejected, Reason: &reason,
			}),
		})
	})
}

// proposalNotPending classifies a failed terminal transition.
func proposalNotPending(ctx context.Context, tx pgx.Tx, proposalID uuid.UUID) error {
	var status types.ProposalStatus
	err := tx.QueryRow(ctx, "SELECT status FROM proposals WHERE id = $1", proposalID).Scan(&status)
	if err == pgx.ErrNoRows {
		return types.NotFoundf("proposal %s", proposalID)
	}
	if err != nil {
		return fmt.Errorf("failed to read proposal status: %w", err)
	}
	return types.Invariantf("proposal %s already %s", proposalID, status)
}

// rejectPendingTx rejects all still-pending proposals on the config with
// the given reason inside the caller's transaction, appending one audit
// entry per rejected proposal.
func rejectPendingTx(ctx context.Context, tx pgx.Tx, projectID, configID uuid.UUID, r *PendingRejection) error {
	rows, err := tx.Query(ctx, `
		UPDATE proposals SET status = 'rejected', reviewer_id = $2,
			rejection_reason = $3, rejected_in_favor_of = $4, rejected_at = now()
		WHERE config_id = $1 AND status = 'pending' AND ($5::uuid IS NULL OR id <> $5)
		RETURNING id`,
		configID, r.ReviewerID, r.Reason, r.InFavorOf, r.ExceptProposalID)
	if err != nil {
		return fmt.Errorf("failed to reject pending proposals: %w", err)
	}
	var rejected []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		rejected = append(rejected, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	reason := r.Reason
	for _, id := range rejected {
		err := appendAudit(ctx, tx, projectID, configID, AuditRecord{
			Kind:    types.AuditProposalRejected,
			ActorID: r.ReviewerID,
			Payload: types.MarshalPayload(types.ProposalPayload{
				ProposalID: id,
				Status:     types.ProposalRejected,
				Reason:     &reason,
				InFavorOf:  r.InFavorOf,
			}),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
