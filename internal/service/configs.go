package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"confmesh/internal/store"
	"confmesh/internal/types"
)

// CreateConfigInput is the full initial state of a new config.
type CreateConfigInput struct {
	ProjectID   uuid.UUID
	Name        string
	Description string
	Base        types.Variant
	EnvVariants []types.Variant
	Members     []types.Member
}

// Create validates and persists a new config at version 1.
func (s *Configs) Create(ctx context.Context, actorID uuid.UUID, in CreateConfigInput) (*types.Config, error) {
	ok, err := s.perms.CanCreateConfig(ctx, in.ProjectID, actorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Forbiddenf("user may not create configs in this project")
	}

	project, err := s.store.GetProject(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}
	envs, err := environmentsByID(ctx, s.store, in.ProjectID)
	if err != nil {
		return nil, err
	}

	cfg := &types.Config{
		ID:          uuid.New(),
		ProjectID:   in.ProjectID,
		Name:        in.Name,
		Description: in.Description,
		Base:        in.Base,
		EnvVariants: in.EnvVariants,
		Members:     in.Members,
	}
	cfg.Base.ID = uuid.New()
	cfg.Base.EnvironmentID = nil
	for i := range cfg.EnvVariants {
		cfg.EnvVariants[i].ID = uuid.New()
	}
	if err := validateConfig(cfg, project, envs); err != nil {
		return nil, err
	}

	if err := s.store.CreateConfig(ctx, cfg, &actorID); err != nil {
		return nil, err
	}
	s.logger.Info("config created",
		zap.String("project", in.ProjectID.String()),
		zap.String("config", cfg.Name))
	return cfg, nil
}

// UpdateConfigInput is one logical update against a known version.
type UpdateConfigInput struct {
	ExpectedVersion int64
	Description     types.Change[string]
	Members         types.Change[[]types.Member]
	Variants        []types.VariantChange

	// OriginalProposalID links the update to the approved proposal whose
	// changes it applies. Required when governance forces this change
	// through a proposal.
	OriginalProposalID *uuid.UUID
}

// Update applies one logical update. The stored version must equal
// ExpectedVersion or the update fails with ErrStaleVersion and no state,
// including the audit trail, changes.
func (s *Configs) Update(ctx context.Context, actorID, configID uuid.UUID, in UpdateConfigInput) (*types.Config, error) {
	cfg, err := s.store.GetConfigByID(ctx, configID)
	if err != nil {
		return nil, err
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
	if cs.Empty() {
		return nil, types.BadRequestf("update changes nothing")
	}

	if requiresProposal(project, envs, cs) {
		if err := s.checkApprovedProposal(ctx, configID, in.OriginalProposalID); err != nil {
			return nil, err
		}
	}

	return s.applyUpdate(ctx, applyArgs{
		cfg:             cfg,
		project:         project,
		envs:            envs,
		change:          cs,
		expectedVersion: in.ExpectedVersion,
		actorID:         actorID,
		authorID:        actorID,
		proposalID:      in.OriginalProposalID,
		rejectReason:    types.RejectedConfigEdited,
	})
}

// checkApprovedProposal verifies that a governance-required update names an
// approved proposal for this config.
func (s *Configs) checkApprovedProposal(ctx context.Context, configID uuid.UUID, proposalID *uuid.UUID) error {
	if proposalID == nil {
		return types.Forbiddenf("changes to this config must go through a proposal")
	}
	p, err := s.store.GetProposal(ctx, *proposalID)
	if err != nil {
		return err
	}
	if p.ConfigID != configID {
		return types.BadRequestf("proposal %s targets a different config", p.ID)
	}
	if p.Status != types.ProposalApproved {
		return types.Forbiddenf("proposal %s is %s, not approved", p.ID, p.Status)
	}
	return nil
}

// applyArgs is the resolved input of one config mutation.
type applyArgs struct {
	cfg             *types.Config
	project         *types.Project
	envs            map[uuid.UUID]types.Environment
	change          ChangeSet
	expectedVersion int64

	actorID  uuid.UUID
	authorID uuid.UUID

	// proposalID is recorded on the version snapshot; when approve is set
	// the proposal is also marked approved in the same transaction and
	// losing pending proposals reference it as the winner.
	proposalID *uuid.UUID
	approve    bool

	rejectReason types.RejectionReason
}

// applyUpdate computes the next state, checks permissions against the
// change's weight, and hands the store one atomic mutation.
func (s *Configs) applyUpdate(ctx context.Context, a applyArgs) (*types.Config, error) {
	next, d, err := applyChangeSet(a.cfg, a.change)
	if err != nil {
		return nil, err
	}

	if err := s.checkWriteLevel(ctx, a.cfg, a.actorID, d.needsManage); err != nil {
		return nil, err
	}
	if err := validateConfig(next, a.project, a.envs); err != nil {
		return nil, err
	}

	before := snapshotVersion(a.cfg)
	after := snapshotVersion(next)
	after.Version = a.expectedVersion + 1
	actor := a.actorID

	audits := []store.AuditRecord{{
		Kind:    types.AuditConfigUpdated,
		ActorID: &actor,
		Payload: types.MarshalPayload(types.ConfigChangePayload{Before: &before, After: &after}),
	}}
	if d.membersChanged {
		audits = append(audits, store.AuditRecord{
			Kind:    types.AuditConfigMembersChanged,
			ActorID: &actor,
			Payload: types.MarshalPayload(types.MembersChangedPayload{Before: a.cfg.Members, After: next.Members}),
		})
	}

	reject := &store.PendingRejection{
		Reason:     a.rejectReason,
		ReviewerID: &actor,
	}
	if a.approve {
		reject.ExceptProposalID = a.proposalID
		reject.InFavorOf = a.proposalID
	}

	m := &store.ConfigMutation{
		ConfigID:         a.cfg.ID,
		ProjectID:        a.cfg.ProjectID,
		ExpectedVersion:  a.expectedVersion,
		Description:      next.Description,
		UpsertVariants:   variantsByID(next, d.upserts),
		DeleteVariantIDs: d.deletes,
		MembersChanged:   d.membersChanged,
		Members:          next.Members,
		Snapshot:         after,
		AuthorID:         &a.authorID,
		ProposalID:       a.proposalID,
		AuditEntries:     audits,
		RejectPending:    reject,
	}
	if a.approve {
		m.ApproveProposalID = a.proposalID
		m.ReviewerID = &actor
	}

	if err := s.store.MutateConfig(ctx, m); err != nil {
		return nil, err
	}
	next.Version = a.expectedVersion + 1
	s.logger.Info("config updated",
		zap.String("config", a.cfg.ID.String()),
		zap.Int64("version", next.Version))
	return next, nil
}

// checkWriteLevel enforces the permission weight of a change: membership,
// schema, override and variant-shape changes need manage, value and
// description edits need edit.
func (s *Configs) checkWriteLevel(ctx context.Context, cfg *types.Config, actorID uuid.UUID, needsManage bool) error {
	if needsManage {
		ok, err := s.perms.CanManage(ctx, cfg.ProjectID, cfg.ID, actorID)
		if err != nil {
			return err
		}
		if !ok {
			return types.Forbiddenf("change requires the maintainer role")
		}
		return nil
	}
	ok, err := s.perms.CanEdit(ctx, cfg.ProjectID, cfg.ID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return types.Forbiddenf("user may not edit this config")
	}
	return nil
}

// Delete removes a config after an optimistic version check. Pending
// proposals are rejected with reason config_deleted.
func (s *Configs) Delete(ctx context.Context, actorID, configID uuid.UUID, expectedVersion int64, originalProposalID *uuid.UUID) error {
	cfg, err := s.store.GetConfigByID(ctx, configID)
	if err != nil {
		return err
	}
	ok, err := s.perms.CanManage(ctx, cfg.ProjectID, cfg.ID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return types.Forbiddenf("deletion requires the maintainer role")
	}

	project, err := s.store.GetProject(ctx, cfg.ProjectID)
	if err != nil {
		return err
	}
	if project.RequireProposals {
		if err := s.checkApprovedProposal(ctx, configID, originalProposalID); err != nil {
			return err
		}
	}

	if err := s.store.DeleteConfig(ctx, cfg.ProjectID, configID, expectedVersion, &actorID, nil); err != nil {
		return err
	}
	s.logger.Info("config deleted", zap.String("config", configID.String()))
	return nil
}

// Get returns a config by (project, name) for a user with read access.
func (s *Configs) Get(ctx context.Context, actorID, projectID uuid.UUID, name string) (*types.Config, error) {
	cfg, err := s.store.GetConfig(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	if err := s.checkRead(ctx, cfg, actorID); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GetByID returns a config by id for a user with read access.
func (s *Configs) GetByID(ctx context.Context, actorID, configID uuid.UUID) (*types.Config, error) {
	cfg, err := s.store.GetConfigByID(ctx, configID)
	if err != nil {
		return nil, err
	}
	if err := s.checkRead(ctx, cfg, actorID); err != nil {
		return nil, err
	}
	return cfg, nil
}

// History returns the config's immutable version snapshots, newest first.
func (s *Configs) History(ctx context.Context, actorID, configID uuid.UUID, limit int) ([]types.ConfigVersion, error) {
	if _, err := s.GetByID(ctx, actorID, configID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, configID, limit)
}

// Audit returns the config's audit trail, newest first.
func (s *Configs) Audit(ctx context.Context, actorID, configID uuid.UUID, limit int) ([]types.AuditEntry, error) {
	if _, err := s.GetByID(ctx, actorID, configID); err != nil {
		return nil, err
	}
	return s.store.ListAuditEntries(ctx, configID, limit)
}

func (s *Configs) checkRead(ctx context.Context, cfg *types.Config, actorID uuid.UUID) error {
	ok, err := s.perms.CanRead(ctx, cfg.ProjectID, cfg.ID, actorID)
	if err != nil {
		return err
	}
	if !ok {
		// Read denial masks existence.
		return types.NotFoundf("config %q", cfg.Name)
	}
	return nil
}

// snapshotVersion copies the versionable fields of a config state.
func snapshotVersion(cfg *types.Config) types.ConfigVersion {
	return types.ConfigVersion{
		ConfigID:    cfg.ID,
		Version:     cfg.Version,
		Description: cfg.Description,
		Base:        cfg.Base,
		EnvVariants: cfg.EnvVariants,
		Members:     cfg.Members,
	}
}

// IsRetryable reports whether the caller may refresh and retry the write.
func IsRetryable(err error) bool {
	return errors.Is(err, types.ErrStaleVersion) || errors.Is(err, types.ErrTransient)
}
