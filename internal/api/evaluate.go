package api

import (
	"net/http"

	"github.com/google/uuid"

	"confmesh/internal/evaluate"
	"confmesh/internal/types"
)

type evaluateRequest struct {
	ProjectID     uuid.UUID        `json:"projectId" validate:"required"`
	Config        string           `json:"config" validate:"required"`
	EnvironmentID *uuid.UUID       `json:"environmentId"`
	Context       evaluate.Context `json:"context"`
	IncludeTrace  bool             `json:"includeTrace"`
}

type evaluateResponse struct {
	ConfigID        uuid.UUID                `json:"configId"`
	Version         int64                    `json:"version"`
	FromBase        bool                     `json:"fromBase"`
	Value           any                      `json:"value"`
	MatchedOverride string                   `json:"matchedOverride,omitempty"`
	Trace           []evaluate.OverrideTrace `json:"trace,omitempty"`
}

// handleEvaluate answers an evaluation from the local replica. It serves
// clients that cannot embed the reader; embedded readers never hit it.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.reader == nil {
		s.writeError(w, r, types.BadRequestf("this node does not serve evaluations"))
		return
	}
	var req evaluateRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.checkProject(r, req.ProjectID); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, ok, err := s.reader.GetValue(r.Context(), req.ProjectID, req.Config, req.EnvironmentID, req.Context)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		s.writeError(w, r, types.NotFoundf("config %q", req.Config))
		return
	}

	resp := evaluateResponse{
		ConfigID:        res.ConfigID,
		Version:         res.Version,
		FromBase:        res.FromBase,
		Value:           res.Value,
		MatchedOverride: res.MatchedOverride,
	}
	if req.IncludeTrace {
		resp.Trace = res.Trace
	}
	respond(w, http.StatusOK, resp)
}
