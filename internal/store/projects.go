package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"confmesh/internal/types"
)

// CreateProject inserts a project.
func (s *PG) CreateProject(ctx context.Context, p *types.Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, name, require_proposals, allow_self_approvals)
		VALUES ($1, $2, $3, $4)`,
		p.ID, p.Name, p.RequireProposals, p.AllowSelfApprovals)
	if isUniqueViolation(err) {
		return types.BadRequestf("project %q already exists", p.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// GetProject loads a project by id.
func (s *PG) GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error) {
	p := &types.Project{ID: id}
	err := s.pool.QueryRow(ctx,
		"SELECT name, require_proposals, allow_self_approvals FROM projects WHERE id = $1", id).
		Scan(&p.Name, &p.RequireProposals, &p.AllowSelfApprovals)
	if err == pgx.ErrNoRows {
		return nil, types.NotFoundf("project %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}
	return p, nil
}

// CreateEnvironment inserts an environment.
func (s *PG) CreateEnvironment(ctx context.Context, e *types.Environment) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO environments (id, project_id, name, position, require_proposals)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.ProjectID, e.Name, e.Position, e.RequireProposals)
	if isUniqueViolation(err) {
		return types.BadRequestf("environment %q already exists in project", e.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert environment: %w", err)
	}
	return nil
}

// ListEnvironments returns a project's environments in declared order.
func (s *PG) ListEnvironments(ctx context.Context, projectID uuid.UUID) ([]types.Environment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, position, require_proposals
		FROM environments WHERE project_id = $1 ORDER BY position ASC, name ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	var out []types.Environment
	for rows.Next() {
		e := types.Environment{ProjectID: projectID}
		if err := rows.Scan(&e.ID, &e.Name, &e.Position, &e.RequireProposals); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateUser inserts a user.
func (s *PG) CreateUser(ctx context.Context, id uuid.UUID, email string) error {
	_, err := s.pool.Exec(ctx, "INSERT INTO users (id, email) VALUES ($1, $2)", id, email)
	if isUniqueViolation(err) {
		return types.BadRequestf("user %q already exists", email)
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// SetWorkspaceRole grants or updates a workspace role.
func (s *PG) SetWorkspaceRole(ctx context.Context, userID uuid.UUID, role types.WorkspaceRole) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspace_members (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET role = excluded.role`, userID, role)
	if err != nil {
		return fmt.Errorf("failed to set workspace role: %w", err)
	}
	return nil
}

// SetProjectRole grants or updates a project role.
func (s *PG) SetProjectRole(ctx context.Context, projectID, userID uuid.UUID, role types.ProjectRole) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO project_members (project_id, user_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (project_id, user_id) DO UPDATE SET role = excluded.role`,
		projectID, userID, role)
	if err != nil {
		return fmt.Errorf("failed to set project role: %w", err)
	}
	return nil
}

// WorkspaceRole returns the user's workspace role, if any.
func (s *PG) WorkspaceRole(ctx context.Context, userID uuid.UUID) (types.WorkspaceRole, bool, error) {
	var role types.WorkspaceRole
	err := s.pool.QueryRow(ctx,
		"SELECT role FROM workspace_members WHERE user_id = $1", userID).Scan(&role)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load workspace role: %w", err)
	}
	return role, true, nil
}

// ProjectRole returns the user's role on a project, if any.
func (s *PG) ProjectRole(ctx context.Context, projectID, userID uuid.UUID) (types.ProjectRole, bool, error) {
	var role types.ProjectRole
	err := s.pool.QueryRow(ctx,
		"SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2",
		projectID, userID).Scan(&role)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load project role: %w", err)
	}
	return role, true, nil
}

// ConfigRole returns the user's per-config role, if any.
func (s *PG) ConfigRole(ctx context.Context, configID, userID uuid.UUID) (types.ConfigRole, bool, error) {
	var role types.ConfigRole
	err := s.pool.QueryRow(ctx,
		"SELECT role FROM config_members WHERE config_id = $1 AND user_id = $2",
		configID, userID).Scan(&role)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load config role: %w", err)
	}
	return role, true, nil
}
