package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"confmesh/internal/types"
)

// pathID parses a UUID route parameter.
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, types.BadRequestf("invalid %s: %v", name, err)
	}
	return id, nil
}

type createProjectRequest struct {
	Name               string `json:"name" validate:"required,max=128"`
	RequireProposals   bool   `json:"requireProposals"`
	AllowSelfApprovals *bool  `json:"allowSelfApprovals"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	p := &types.Project{
		Name:               req.Name,
		RequireProposals:   req.RequireProposals,
		AllowSelfApprovals: true,
	}
	if req.AllowSelfApprovals != nil {
		p.AllowSelfApprovals = *req.AllowSelfApprovals
	}
	if err := s.admin.CreateProject(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("project created", zap.String("project", p.ID.String()), zap.String("name", p.Name))
	respond(w, http.StatusCreated, p)
}

type createEnvironmentRequest struct {
	Name             string `json:"name" validate:"required,max=128"`
	Position         int    `json:"position"`
	RequireProposals bool   `json:"requireProposals"`
}

func (s *Server) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createEnvironmentRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	e := &types.Environment{
		ProjectID:        projectID,
		Name:             req.Name,
		Position:         req.Position,
		RequireProposals: req.RequireProposals,
	}
	if err := s.admin.CreateEnvironment(r.Context(), e); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, e)
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkProject(r, projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	envs, err := s.admin.ListEnvironments(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if envs == nil {
		envs = []types.Environment{}
	}
	respond(w, http.StatusOK, envs)
}

type createUserRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := uuid.New()
	if err := s.admin.CreateUser(r.Context(), id, req.Email); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, map[string]any{"id": id, "email": req.Email})
}

type setWorkspaceRoleRequest struct {
	UserID uuid.UUID `json:"userId" validate:"required"`
	Role   string    `json:"role" validate:"required,oneof=admin member"`
}

func (s *Server) handleSetWorkspaceRole(w http.ResponseWriter, r *http.Request) {
	var req setWorkspaceRoleRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.admin.SetWorkspaceRole(r.Context(), req.UserID, types.WorkspaceRole(req.Role)); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

type setProjectRoleRequest struct {
	UserID uuid.UUID `json:"userId" validate:"required"`
	Role   string    `json:"role" validate:"required,oneof=admin maintainer viewer"`
}

func (s *Server) handleSetProjectRole(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req setProjectRoleRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.admin.SetProjectRole(r.Context(), projectID, req.UserID, types.ProjectRole(req.Role)); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

type createAPIKeyRequest struct {
	UserID     uuid.UUID   `json:"userId" validate:"required"`
	Scopes     []string    `json:"scopes" validate:"required,min=1,dive,oneof=admin config:read config:write proposal:review"`
	ProjectIDs []uuid.UUID `json:"projectIds"`
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.admin.CreateAPIKey(r.Context(), req.UserID, req.Scopes, req.ProjectIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("api key created", zap.String("user", req.UserID.String()))
	// The token is shown exactly once; only its hash is stored.
	respond(w, http.StatusCreated, map[string]string{"token": token})
}

func (s *Server) handleDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "keyID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.admin.DeleteAPIKey(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}
