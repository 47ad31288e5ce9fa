// Package api exposes the HTTP surface: the admin and write API for
// projects, configs and proposals, and the evaluate endpoint replicas of
// the SDK call when embedding is not an option.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"confmesh/internal/sdk"
	"confmesh/internal/service"
	"confmesh/internal/store"
	"confmesh/internal/types"
)

// Admin is the store surface behind the admin endpoints.
type Admin interface {
	KeyAuthenticator
	CreateProject(ctx context.Context, p *types.Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*types.Project, error)
	CreateEnvironment(ctx context.Context, e *types.Environment) error
	ListEnvironments(ctx context.Context, projectID uuid.UUID) ([]types.Environment, error)
	CreateUser(ctx context.Context, id uuid.UUID, email string) error
	SetWorkspaceRole(ctx context.Context, userID uuid.UUID, role types.WorkspaceRole) error
	SetProjectRole(ctx context.Context, projectID, userID uuid.UUID, role types.ProjectRole) error
	CreateAPIKey(ctx context.Context, userID uuid.UUID, scopes []string, projectIDs []uuid.UUID) (string, error)
	DeleteAPIKey(ctx context.Context, id uuid.UUID) error
}

// Server wires the services to HTTP.
type Server struct {
	admin     Admin
	configs   *service.Configs
	proposals *service.Proposals
	reader    *sdk.Reader
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewServer builds the HTTP server. reader may be nil when the process
// serves only the write path.
func NewServer(admin Admin, configs *service.Configs, proposals *service.Proposals, reader *sdk.Reader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		admin:     admin,
		configs:   configs,
		proposals: proposals,
		reader:    reader,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.Named("api"),
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeAdmin))
			r.Post("/projects", s.handleCreateProject)
			r.Post("/projects/{projectID}/environments", s.handleCreateEnvironment)
			r.Post("/users", s.handleCreateUser)
			r.Put("/workspace/members", s.handleSetWorkspaceRole)
			r.Put("/projects/{projectID}/members", s.handleSetProjectRole)
			r.Post("/api-keys", s.handleCreateAPIKey)
			r.Delete("/api-keys/{keyID}", s.handleDeleteAPIKey)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeConfigRead))
			r.Get("/projects/{projectID}/environments", s.handleListEnvironments)
			r.Get("/projects/{projectID}/configs/{name}", s.handleGetConfig)
			r.Get("/configs/{configID}", s.handleGetConfigByID)
			r.Get("/configs/{configID}/versions", s.handleListVersions)
			r.Get("/configs/{configID}/audit", s.handleListAudit)
			r.Get("/configs/{configID}/proposals", s.handleListPendingProposals)
			r.Get("/proposals/{proposalID}", s.handleGetProposal)
			r.Post("/evaluate", s.handleEvaluate)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeConfigWrite))
			r.Post("/projects/{projectID}/configs", s.handleCreateConfig)
			r.Patch("/configs/{configID}", s.handleUpdateConfig)
			r.Delete("/configs/{configID}", s.handleDeleteConfig)
			r.Post("/configs/{configID}/proposals", s.handleCreateProposal)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScope(ScopeProposalReview))
			r.Post("/proposals/{proposalID}/approve", s.handleApproveProposal)
			r.Post("/proposals/{proposalID}/reject", s.handleRejectProposal)
		})
	})
	return r
}

// ReadRouter assembles the route tree of a read-only replica node: health,
// metrics and evaluation, no write surface.
func (s *Server) ReadRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respond(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.With(s.requireScope(ScopeConfigRead)).Post("/evaluate", s.handleEvaluate)
	})
	return r
}

// decode reads and validates a JSON request body.
func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.BadRequestf("request body does not decode: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return types.BadRequestf("invalid request: %v", err)
	}
	return nil
}

var _ Admin = (*store.PG)(nil)
