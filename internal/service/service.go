// Package service implements the write path: config creation, update and
// deletion with validation and permission checks, and the proposal
// workflow layered on top. Services compute full mutations; the store
// applies them atomically under optimistic version checks.
package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"confmesh/internal/store"
	"confmesh/internal/types"
)

// Store is the primary-store surface the services depend on.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error)
	ListEnvironments(ctx context.Context, projectID uuid.UUID) ([]types.Environment, error)

	CreateConfig(ctx context.Context, cfg *types.Config, authorID *uuid.UUID) error
	MutateConfig(ctx context.Context, m *store.ConfigMutation) error
	DeleteConfig(ctx context.Context, projectID, configID uuid.UUID, expectedVersion int64, actorID *uuid.UUID, approveProposalID *uuid.UUID) error
	GetConfig(ctx context.Context, projectID uuid.UUID, name string) (*types.Config, error)
	GetConfigByID(ctx context.Context, id uuid.UUID) (*types.Config, error)
	ListVersions(ctx context.Context, configID uuid.UUID, limit int) ([]types.ConfigVersion, error)
	ListAuditEntries(ctx context.Context, configID uuid.UUID, limit int) ([]types.AuditEntry, error)

	CreateProposal(ctx context.Context, projectID uuid.UUID, p *types.Proposal) error
	GetProposal(ctx context.Context, id uuid.UUID) (*types.Proposal, error)
	ListPendingProposals(ctx context.Context, configID uuid.UUID) ([]types.Proposal, error)
	MarkProposalRejected(ctx context.Context, projectID, proposalID, reviewerID uuid.UUID, reason types.RejectionReason) error
}

// Permissions is the gate deciding what a user may do.
type Permissions interface {
	CanRead(ctx context.Context, projectID, configID, userID uuid.UUID) (bool, error)
	CanEdit(ctx context.Context, projectID, configID, userID uuid.UUID) (bool, error)
	CanManage(ctx context.Context, projectID, configID, userID uuid.UUID) (bool, error)
	CanCreateConfig(ctx context.Context, projectID, userID uuid.UUID) (bool, error)
	CanApproveProposal(ctx context.Context, project *types.Project, configID uuid.UUID, p *types.Proposal, reviewerID uuid.UUID) (bool, error)
}

// Configs is the config write-path service.
type Configs struct {
	store  Store
	perms  Permissions
	logger *zap.Logger
}

// NewConfigs builds the config service.
func NewConfigs(st Store, perms Permissions, logger *zap.Logger) *Configs {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Configs{store: st, perms: perms, logger: logger.Named("configs")}
}

// Proposals is the governance service over the config write path.
type Proposals struct {
	store   Store
	configs *Configs
	perms   Permissions
	logger  *zap.Logger
}

// NewProposals builds the proposal service.
func NewProposals(st Store, configs *Configs, perms Permissions, logger *zap.Logger) *Proposals {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proposals{store: st, configs: configs, perms: perms, logger: logger.Named("proposals")}
}

// environmentsByID loads a project's environments keyed by id.
func environmentsByID(ctx context.Context, st Store, projectID uuid.UUID) (map[uuid.UUID]types.Environment, error) {
	envs, err := st.ListEnvironments(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]types.Environment, len(envs))
	for _, e := range envs {
		out[e.ID] = e
	}
	return out, nil
}
