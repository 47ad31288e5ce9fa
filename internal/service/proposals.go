package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"confmesh/internal/types"
)

// CreateProposalInput is a proposed delta against a specific config
// version.
type CreateProposalInput struct {
	ConfigID          uuid.UUID
	BaseConfigVersion int64
	Description       types.Change[string]
	Members           types.Change[[]types.Member]
	DeleteConfig      bool
	Variants          []types.VariantChange
}

// Create validates and records a pending proposal. The proposal's base
// version must match the config's current version, and the delta must
// produce a valid config state, so reviewers only ever see applicable
// proposals.
func (s *Proposals) Create(ctx context.Context, authorID uuid.UUID, in CreateProposalInput) (*types.Proposal, error) {
	cfg, err := s.store.GetConfigByID(ctx, in.ConfigID)
	if err != nil {
		return nil, err
	}
	if in.BaseConfigVersion != cfg.Version {
		return nil, types.NewStaleVersion(in.BaseConfigVersion, cfg.Version)
	}

	project, err := s.store.GetProject(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	envs, err := environmentsByID(ctx, s.store, cfg.ProjectID)
	if err != nil {
		return nil, err
	}

	cs := ChangeSet{Description: in.Description, Members: in.Members, Variants: in.Variants}
	if in.DeleteConfig {
		if !cs.Empty() {
			return nil, types.BadRequestf("a deletion proposal cannot carry other changes")
		}
		if err := s.configs.checkWriteLevel(ctx, cfg, authorID, true); err != nil {
			return nil, err
		}
	} else {
		if cs.Empty() {
			return nil, types.BadRequestf("proposal changes nothing")
		}
		next, d, err := applyChangeSet(cfg, cs)
		if err != nil {
			return nil, err
		}
		if err := s.configs.checkWriteLevel(ctx, cfg, authorID, d.needsManage); err != nil {
			return nil, err
		}
		if err := validateConfig(next, project, envs); err != nil {
			return nil, err
		}
	}

	p := &types.Proposal{
		ID:                uuid.New(),
		ConfigID:          in.ConfigID,
		AuthorID:          authorID,
		BaseConfigVersion: in.BaseConfigVersion,
		Description:       in.Description,
		Members:           in.Members,
		DeleteConfig:      in.DeleteConfig,
		Variants:          in.Variants,
	}
	if err := s.store.CreateProposal(ctx, cfg.ProjectID, p); err != nil {
		return nil, err
	}
	s.logger.Info("proposal created",
		zap.String("config", in.ConfigID.String()),
		zap.String("proposal", p.ID.String()))
	return p, nil
}

// Approve applies a pending proposal's changes and marks it approved, in
// one transaction. Other pending proposals on the config lose with reason
// another_proposal_approved, pointing at the winner.
func (s *Proposals) Approve(ctx context.Context, reviewerID, proposalID uuid.UUID) (*types.Config, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Terminal() {
		return nil, types.Invariantf("proposal %s already %s", p.ID, p.Status)
	}

	cfg, err := s.store.GetConfigByID(ctx, p.ConfigID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}

	ok, err := s.perms.CanApproveProposal(ctx, project, cfg.ID, p, reviewerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		if p.AuthorID == reviewerID && !project.AllowSelfApprovals {
			return nil, types.BadRequestf("authors may not approve their own proposals in this project")
		}
		return nil, types.Forbiddenf("reviewing proposals requires the maintainer role")
	}

	// Every successful edit rejects pending proposals, so a pending
	// proposal's base version matches the live version. A mismatch means
	// the caller raced a concurrent write; the proposer must refresh.
	if p.BaseConfigVersion != cfg.Version {
		return nil, types.BadRequestf("proposal base version %d does not match config version %d", p.BaseConfigVersion, cfg.Version)
	}

	if p.DeleteConfig {
		err := s.store.DeleteConfig(ctx, cfg.ProjectID, cfg.ID, cfg.Version, &reviewerID, &p.ID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("deletion proposal approved",
			zap.String("config", cfg.ID.String()),
			zap.String("proposal", p.ID.String()))
		return nil, nil
	}

	envs, err := environmentsByID(ctx, s.store, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	next, err := s.configs.applyUpdate(ctx, applyArgs{
		cfg:             cfg,
		project:         project,
		envs:            envs,
		change:          ChangeSet{Description: p.Description, Members: p.Members, Variants: p.Variants},
		expectedVersion: cfg.Version,
		actorID:         reviewerID,
		authorID:        p.AuthorID,
		proposalID:      &p.ID,
		approve:         true,
		rejectReason:    types.RejectedAnotherApproved,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("proposal approved",
		zap.String("config", cfg.ID.String()),
		zap.String("proposal", p.ID.String()),
		zap.Int64("version", next.Version))
	return next, nil
}

// Reject explicitly rejects a pending proposal.
func (s *Proposals) Reject(ctx context.Context, reviewerID, proposalID uuid.UUID) error {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	cfg, err := s.store.GetConfigByID(ctx, p.ConfigID)
	if err != nil {
		return err
	}
	ok, err := s.perms.CanManage(ctx, cfg.ProjectID, cfg.ID, reviewerID)
	if err != nil {
		return err
	}
	if !ok {
		return types.Forbiddenf("reviewing proposals requires the maintainer role")
	}
	if err := s.store.MarkProposalRejected(ctx, cfg.ProjectID, proposalID, reviewerID, types.RejectedExplicitly); err != nil {
		return err
	}
	s.logger.Info("proposal rejected",
		zap.String("config", cfg.ID.String()),
		zap.String("proposal", proposalID.String()))
	return nil
}

// Get returns a proposal for a user with read access to its config.
// Proposals outlive their config: once the config is gone the terminal
// record, typically a config_deleted rejection, stays readable.
func (s *Proposals) Get(ctx context.Context, actorID, proposalID uuid.UUID) (*types.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if _, err := s.configs.GetByID(ctx, actorID, p.ConfigID); err != nil {
		if errors.Is(err, types.ErrNotFound) && p.Terminal() {
			return p, nil
		}
		return nil, err
	}
	return p, nil
}

// ListPending returns a config's pending proposals, oldest first.
func (s *Proposals) ListPending(ctx context.Context, actorID, configID uuid.UUID) ([]types.Proposal, error) {
	if _, err := s.configs.GetByID(ctx, actorID, configID); err != nil {
		return nil, err
	}
	return s.store.ListPendingProposals(ctx, configID)
}
