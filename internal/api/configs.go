package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"confmesh/internal/service"
	"confmesh/internal/types"
)

const defaultListLimit = 50

// limitParam parses the ?limit query parameter.
func limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, types.BadRequestf("limit must be a positive integer")
	}
	return limit, nil
}

// loadConfigForKey resolves a config by id and enforces the key's project
// restriction.
func (s *Server) loadConfigForKey(r *http.Request) (*types.Config, error) {
	configID, err := pathID(r, "configID")
	if err != nil {
		return nil, err
	}
	key := keyFromContext(r.Context())
	cfg, err := s.configs.GetByID(r.Context(), key.UserID, configID)
	if err != nil {
		return nil, err
	}
	if err := s.checkProject(r, cfg.ProjectID); err != nil {
		return nil, err
	}
	return cfg, nil
}

type variantPayload struct {
	EnvironmentID *uuid.UUID       `json:"environmentId"`
	Value         any              `json:"value"`
	Schema        any              `json:"schema"`
	Overrides     []types.Override `json:"overrides"`
	UseBaseSchema bool             `json:"useBaseSchema"`
}

func (p variantPayload) toVariant() types.Variant {
	overrides := p.Overrides
	if overrides == nil {
		overrides = []types.Override{}
	}
	return types.Variant{
		EnvironmentID: p.EnvironmentID,
		Value:         p.Value,
		Schema:        p.Schema,
		Overrides:     overrides,
		UseBaseSchema: p.UseBaseSchema,
	}
}

type createConfigRequest struct {
	Name         string           `json:"name" validate:"required"`
	Description  string           `json:"description"`
	Base         variantPayload   `json:"base"`
	Environments []variantPayload `json:"environments"`
	Members      []types.Member   `json:"members"`
}

func (s *Server) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkProject(r, projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createConfigRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	in := service.CreateConfigInput{
		ProjectID:   projectID,
		Name:        req.Name,
		Description: req.Description,
		Base:        req.Base.toVariant(),
		Members:     req.Members,
	}
	for _, v := range req.Environments {
		in.EnvVariants = append(in.EnvVariants, v.toVariant())
	}

	key := keyFromContext(r.Context())
	cfg, err := s.configs.Create(r.Context(), key.UserID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, cfg)
}

type updateConfigRequest struct {
	ExpectedVersion    int64                        `json:"expectedVersion" validate:"required,min=1"`
	Description        types.Change[string]         `json:"description,omitzero"`
	Members            types.Change[[]types.Member] `json:"members,omitzero"`
	Variants           []types.VariantChange        `json:"variants"`
	OriginalProposalID *uuid.UUID                   `json:"originalProposalId"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfigForKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req updateConfigRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	key := keyFromContext(r.Context())
	next, err := s.configs.Update(r.Context(), key.UserID, cfg.ID, service.UpdateConfigInput{
		ExpectedVersion:    req.ExpectedVersion,
		Description:        req.Description,
		Members:            req.Members,
		Variants:           req.Variants,
		OriginalProposalID: req.OriginalProposalID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, next)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfigForKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	expectedVersion, err := strconv.ParseInt(q.Get("expectedVersion"), 10, 64)
	if err != nil || expectedVersion < 1 {
		s.writeError(w, r, types.BadRequestf("expectedVersion must be a positive integer"))
		return
	}
	var proposalID *uuid.UUID
	if raw := q.Get("originalProposalId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.writeError(w, r, types.BadRequestf("invalid originalProposalId: %v", err))
			return
		}
		proposalID = &id
	}

	key := keyFromContext(r.Context())
	if err := s.configs.Delete(r.Context(), key.UserID, cfg.ID, expectedVersion, proposalID); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkProject(r, projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	key := keyFromContext(r.Context())
	cfg, err := s.configs.Get(r.Context(), key.UserID, projectID, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, cfg)
}

func (s *Server) handleGetConfigByID(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfigForKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, cfg)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfigForKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := keyFromContext(r.Context())
	versions, err := s.configs.History(r.Context(), key.UserID, cfg.ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []types.ConfigVersion{}
	}
	respond(w, http.StatusOK, versions)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfigForKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := keyFromContext(r.Context())
	entries, err := s.configs.Audit(r.Context(), key.UserID, cfg.ID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.AuditEntry{}
	}
	respond(w, http.StatusOK, entries)
}
