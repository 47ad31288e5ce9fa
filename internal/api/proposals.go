package api

import (
	"net/http"

	"github.com/google/uuid"

	"confmesh/internal/service"
	"confmesh/internal/types"
)

type createProposalRequest struct {
	BaseConfigVersion int64                        `json:"baseConfigVersion" validate:"required,min=1"`
	Description       types.Change[string]         `json:"description,omitzero"`
	Members           types.Change[[]types.Member] `json:"members,omitzero"`
	DeleteConfig      bool                         `json:"deleteConfig"`
	Variants          []types.VariantChange        `json:"variants"`
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfigForKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createProposalRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	key := keyFromContext(r.Context())
	p, err := s.proposals.Create(r.Context(), key.UserID, service.CreateProposalInput{
		ConfigID:          cfg.ID,
		BaseConfigVersion: req.BaseConfigVersion,
		Description:       req.Description,
		Members:           req.Members,
		DeleteConfig:      req.DeleteConfig,
		Variants:          req.Variants,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, p)
}

// loadProposalForKey resolves a proposal and enforces the key's project
// restriction through the proposal's config. Terminal proposals of deleted
// configs have no project to check against and pass.
func (s *Server) loadProposalForKey(r *http.Request) (*types.Proposal, error) {
	proposalID, err := pathID(r, "proposalID")
	if err != nil {
		return nil, err
	}
	key := keyFromContext(r.Context())
	p, err := s.proposals.Get(r.Context(), key.UserID, proposalID)
	if err != nil {
		return nil, err
	}
	if cfg, err := s.configs.GetByID(r.Context(), key.UserID, p.ConfigID); err == nil {
		if err := s.checkProject(r, cfg.ProjectID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.loadProposalForKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, p)
}

func (s *Server) handleListPendingProposals(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.loadConfigForKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := keyFromContext(r.Context())
	proposals, err := s.proposals.ListPending(r.Context(), key.UserID, cfg.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if proposals == nil {
		proposals = []types.Proposal{}
	}
	respond(w, http.StatusOK, proposals)
}

// approveProposalResponse reports the outcome of an approval. Config is
// nil when the proposal deleted its config.
type approveProposalResponse struct {
	ProposalID uuid.UUID     `json:"proposalId"`
	Config     *types.Config `json:"config,omitempty"`
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.loadProposalForKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := keyFromContext(r.Context())
	cfg, err := s.proposals.Approve(r.Context(), key.UserID, p.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, approveProposalResponse{ProposalID: p.ID, Config: cfg})
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.loadProposalForKey(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	key := keyFromContext(r.Context())
	if err := s.proposals.Reject(r.Context(), key.UserID, p.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	respond(w, http.StatusNoContent, nil)
}
