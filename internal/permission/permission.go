// Package permission decides what a user may do to a config. Roles are
// granted at three levels (workspace, project, config) and the strongest
// grant wins; permissions only ever widen down the hierarchy.
package permission

import (
	"context"

	"github.com/google/uuid"

	"confmesh/internal/types"
)

// Level is the effective capability a user holds on a config.
type Level int

const (
	// LevelNone grants nothing, not even read.
	LevelNone Level = iota
	// LevelRead grants read-only access.
	LevelRead
	// LevelEdit grants value and description edits.
	LevelEdit
	// LevelManage additionally grants schema, override and membership
	// changes, deletion, and proposal review.
	LevelManage
)

func (l Level) String() string {
	switch l {
	case LevelRead:
		return "read"
	case LevelEdit:
		return "edit"
	case LevelManage:
		return "manage"
	default:
		return "none"
	}
}

// MembershipSource resolves role grants. The primary store implements it.
type MembershipSource interface {
	WorkspaceRole(ctx context.Context, userID uuid.UUID) (types.WorkspaceRole, bool, error)
	ProjectRole(ctx context.Context, projectID, userID uuid.UUID) (types.ProjectRole, bool, error)
	ConfigRole(ctx context.Context, configID, userID uuid.UUID) (types.ConfigRole, bool, error)
}

// Gate computes effective permission levels from membership grants.
type Gate struct {
	src MembershipSource
}

// NewGate builds a gate over the membership source.
func NewGate(src MembershipSource) *Gate {
	return &Gate{src: src}
}

// ConfigLevel returns the strongest level the user holds on the config.
func (g *Gate) ConfigLevel(ctx context.Context, projectID, configID, userID uuid.UUID) (Level, error) {
	level := LevelNone

	if wr, ok, err := g.src.WorkspaceRole(ctx, userID); err != nil {
		return LevelNone, err
	} else if ok {
		level = max(level, workspaceLevel(wr))
	}
	if level == LevelManage {
		return level, nil
	}

	if pr, ok, err := g.src.ProjectRole(ctx, projectID, userID); err != nil {
		return LevelNone, err
	} else if ok {
		level = max(level, projectLevel(pr))
	}
	if level == LevelManage {
		return level, nil
	}

	if cr, ok, err := g.src.ConfigRole(ctx, configID, userID); err != nil {
		return LevelNone, err
	} else if ok {
		level = max(level, configLevel(cr))
	}
	return level, nil
}

// ProjectLevel returns the strongest level the user holds project-wide,
// ignoring per-config grants. Used for operations with no config yet, like
// creating one.
func (g *Gate) ProjectLevel(ctx context.Context, projectID, userID uuid.UUID) (Level, error) {
	level := LevelNone
	if wr, ok, err := g.src.WorkspaceRole(ctx, userID); err != nil {
		return LevelNone, err
	} else if ok {
		level = max(level, workspaceLevel(wr))
	}
	if pr, ok, err := g.src.ProjectRole(ctx, projectID, userID); err != nil {
		return LevelNone, err
	} else if ok {
		level = max(level, projectLevel(pr))
	}
	return level, nil
}

// CanRead reports read access on a config.
func (g *Gate) CanRead(ctx context.Context, projectID, configID, userID uuid.UUID) (bool, error) {
	l, err := g.ConfigLevel(ctx, projectID, configID, userID)
	return l >= LevelRead, err
}

// CanEdit reports whether the user may change a config's values and
// description.
func (g *Gate) CanEdit(ctx context.Context, projectID, configID, userID uuid.UUID) (bool, error) {
	l, err := g.ConfigLevel(ctx, projectID, configID, userID)
	return l >= LevelEdit, err
}

// CanManage reports whether the user may change schemas, overrides and
// membership, delete the config, and review proposals on it.
func (g *Gate) CanManage(ctx context.Context, projectID, configID, userID uuid.UUID) (bool, error) {
	l, err := g.ConfigLevel(ctx, projectID, configID, userID)
	return l >= LevelManage, err
}

// CanCreateConfig reports whether the user may create configs in the
// project.
func (g *Gate) CanCreateConfig(ctx context.Context, projectID, userID uuid.UUID) (bool, error) {
	l, err := g.ProjectLevel(ctx, projectID, userID)
	return l >= LevelEdit, err
}

// CanApproveProposal reports whether the reviewer may approve the
// proposal. Reviewing needs manage on the config, and an author may only
// self-approve when the project allows it.
func (g *Gate) CanApproveProposal(ctx context.Context, project *types.Project, configID uuid.UUID, p *types.Proposal, reviewerID uuid.UUID) (bool, error) {
	if p.AuthorID == reviewerID && !project.AllowSelfApprovals {
		return false, nil
	}
	return g.CanManage(ctx, project.ID, configID, reviewerID)
}

func workspaceLevel(r types.WorkspaceRole) Level {
	switch r {
	case types.WorkspaceAdmin:
		return LevelManage
	case types.WorkspaceMember:
		return LevelRead
	default:
		return LevelNone
	}
}

func projectLevel(r types.ProjectRole) Level {
	switch r {
	case types.ProjectAdmin, types.ProjectMaintainer:
		return LevelManage
	case types.ProjectViewer:
		return LevelRead
	default:
		return LevelNone
	}
}

func configLevel(r types.ConfigRole) Level {
	switch r {
	case types.ConfigMaintainer:
		return LevelManage
	case types.ConfigEditor:
		return LevelEdit
	default:
		return LevelNone
	}
}
