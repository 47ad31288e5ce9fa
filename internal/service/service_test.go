package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"confmesh/internal/store"
	"confmesh/internal/types"
)

// memStore implements Store in memory with the primary store's semantics:
// optimistic version checks, cascaded proposal rejection and in-mutation
// proposal approval.
type memStore struct {
	mu        sync.Mutex
	projects  map[uuid.UUID]*types.Project
	envs      map[uuid.UUID][]types.Environment
	configs   map[uuid.UUID]*types.Config
	versions  map[uuid.UUID][]types.ConfigVersion
	audits    map[uuid.UUID][]types.AuditEntry
	proposals map[uuid.UUID]*types.Proposal
	auditSeq  int64
}

func newMemStore() *memStore {
	return &memStore{
		projects:  make(map[uuid.UUID]*types.Project),
		envs:      make(map[uuid.UUID][]types.Environment),
		configs:   make(map[uuid.UUID]*types.Config),
		versions:  make(map[uuid.UUID][]types.ConfigVersion),
		audits:    make(map[uuid.UUID][]types.AuditEntry),
		proposals: make(map[uuid.UUID]*types.Proposal),
	}
}

func (m *memStore) GetProject(_ context.Context, id uuid.UUID) (*types.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, types.NotFoundf("project %s", id)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListEnvironments(_ context.Context, projectID uuid.UUID) ([]types.Environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Environment(nil), m.envs[projectID]...), nil
}

func (m *memStore) CreateConfig(_ context.Context, cfg *types.Config, authorID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.configs {
		if existing.ProjectID == cfg.ProjectID && existing.Name == cfg.Name {
			return types.Conflictf("config %q already exists in project", cfg.Name)
		}
	}
	cfg.Version = 1
	cp, err := cloneConfig(cfg)
	if err != nil {
		return err
	}
	m.configs[cfg.ID] = cp
	snap := snapshotVersion(cp)
	snap.AuthorID = authorID
	m.versions[cfg.ID] = append(m.versions[cfg.ID], snap)
	m.appendAudit(cfg.ProjectID, cfg.ID, types.AuditConfigCreated, authorID,
		types.MarshalPayload(types.ConfigChangePayload{After: &snap}))
	return nil
}

func (m *memStore) MutateConfig(_ context.Context, mut *store.ConfigMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[mut.ConfigID]
	if !ok {
		return types.NotFoundf("config %s", mut.ConfigID)
	}
	if cfg.Version != mut.ExpectedVersion {
		return types.NewStaleVersion(mut.ExpectedVersion, cfg.Version)
	}

	cfg.Version = mut.ExpectedVersion + 1
	cfg.Description = mut.Description
	for _, id := range mut.DeleteVariantIDs {
		cfg.EnvVariants = removeVariant(cfg.EnvVariants, id)
	}
	for _, v := range mut.UpsertVariants {
		if v.IsBase() {
			cfg.Base = v
			continue
		}
		if existing := cfg.VariantFor(*v.EnvironmentID); existing != nil {
			*existing = v
		} else {
			cfg.EnvVariants = append(cfg.EnvVariants, v)
		}
	}
	if mut.MembersChanged {
		cfg.Members = mut.Members
	}

	snap := mut.Snapshot
	snap.ConfigID = mut.ConfigID
	snap.Version = cfg.Version
	snap.AuthorID = mut.AuthorID
	snap.ProposalID = mut.ProposalID
	m.versions[cfg.ID] = append(m.versions[cfg.ID], snap)
	for _, rec := range mut.AuditEntries {
		m.appendAudit(mut.ProjectID, cfg.ID, rec.Kind, rec.ActorID, rec.Payload)
	}
	if mut.RejectPending != nil {
		m.rejectPending(mut.ProjectID, cfg.ID, mut.RejectPending)
	}
	if mut.ApproveProposalID != nil {
		p := m.proposals[*mut.ApproveProposalID]
		if p == nil || p.Status != types.ProposalPending {
			return types.Invariantf("proposal %s not pending", *mut.ApproveProposalID)
		}
		now := time.Now()
		p.Status = types.ProposalApproved
		p.ReviewerID = mut.ReviewerID
		p.ApprovedAt = &now
		m.appendAudit(mut.ProjectID, cfg.ID, types.AuditProposalApproved, mut.ReviewerID,
			types.MarshalPayload(types.ProposalPayload{ProposalID: p.ID, Status: types.ProposalApproved}))
	}
	return nil
}

func (m *memStore) DeleteConfig(_ context.Context, projectID, configID uuid.UUID, expectedVersion int64, actorID *uuid.UUID, approveProposalID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[configID]
	if !ok {
		return types.NotFoundf("config %s", configID)
	}
	if cfg.Version != expectedVersion {
		return types.NewStaleVersion(expectedVersion, cfg.Version)
	}
	m.rejectPending(projectID, configID, &store.PendingRejection{
		Reason:           types.RejectedConfigDeleted,
		ExceptProposalID: approveProposalID,
		ReviewerID:       actorID,
	})
	if approveProposalID != nil {
		if p := m.proposals[*approveProposalID]; p != nil && p.Status == types.ProposalPending {
			now := time.Now()
			p.Status = types.ProposalApproved
			p.ReviewerID = actorID
			p.ApprovedAt = &now
		}
	}
	snap := snapshotVersion(cfg)
	m.appendAudit(projectID, configID, types.AuditConfigDeleted, actorID,
		types.MarshalPayload(types.ConfigChangePayload{Before: &snap}))
	delete(m.configs, configID)
	delete(m.versions, configID)
	return nil
}

func (m *memStore) GetConfig(_ context.Context, projectID uuid.UUID, name string) (*types.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		if cfg.ProjectID == projectID && cfg.Name == name {
			return cloneConfig(cfg)
		}
	}
	return nil, types.NotFoundf("config %q", name)
}

func (m *memStore) GetConfigByID(_ context.Context, id uuid.UUID) (*types.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return nil, types.NotFoundf("config %s", id)
	}
	return cloneConfig(cfg)
}

func (m *memStore) ListVersions(_ context.Context, configID uuid.UUID, limit int) ([]types.ConfigVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.versions[configID]
	out := make([]types.ConfigVersion, 0, len(all))
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *memStore) ListAuditEntries(_ context.Context, configID uuid.UUID, limit int) ([]types.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.audits[configID]
	out := make([]types.AuditEntry, 0, len(all))
	for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (m *memStore) CreateProposal(_ context.Context, projectID uuid.UUID, p *types.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Status = types.ProposalPending
	p.CreatedAt = time.Now()
	cp := *p
	m.proposals[p.ID] = &cp
	author := p.AuthorID
	m.appendAudit(projectID, p.ConfigID, types.AuditProposalCreated, &author,
		types.MarshalPayload(types.ProposalPayload{ProposalID: p.ID, Status: types.ProposalPending}))
	return nil
}

func (m *memStore) GetProposal(_ context.Context, id uuid.UUID) (*types.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, types.NotFoundf("proposal %s", id)
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListPendingProposals(_ context.Context, configID uuid.UUID) ([]types.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Proposal
	for _, p := range m.proposals {
		if p.ConfigID == configID && p.Status == types.ProposalPending {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memStore) MarkProposalRejected(_ context.Context, projectID, proposalID, reviewerID uuid.UUID, reason types.RejectionReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[proposalID]
	if !ok {
		return types.NotFoundf("proposal %s", proposalID)
	}
	if p.Status != types.ProposalPending {
		return types.Invariantf("proposal %s already %s", proposalID, p.Status)
	}
	now := time.Now()
	p.Status = types.ProposalRejected
	p.ReviewerID = &reviewerID
	p.RejectionReason = &reason
	p.RejectedAt = &now
	m.appendAudit(projectID, p.ConfigID, types.AuditProposalRejected, &reviewerID,
		types.MarshalPayload(types.ProposalPayload{ProposalID: p.ID, Status: types.ProposalRejected, Reason: &reason}))
	return nil
}

func (m *memStore) rejectPending(projectID, configID uuid.UUID, r *store.PendingRejection) {
	now := time.Now()
	for _, p := range m.proposals {
		if p.ConfigID != configID || p.Status != types.ProposalPending {
			continue
		}
		if r.ExceptProposalID != nil && p.ID == *r.ExceptProposalID {
			continue
		}
		reason := r.Reason
		p.Status = types.ProposalRejected
		p.ReviewerID = r.ReviewerID
		p.RejectionReason = &reason
		p.RejectedInFavorOf = r.InFavorOf
		p.RejectedAt = &now
		m.appendAudit(projectID, configID, types.AuditProposalRejected, r.ReviewerID,
			types.MarshalPayload(types.ProposalPayload{
				ProposalID: p.ID, Status: types.ProposalRejected, Reason: &reason, InFavorOf: r.InFavorOf,
			}))
	}
}

func (m *memStore) appendAudit(projectID, configID uuid.UUID, kind types.AuditKind, actorID *uuid.UUID, payload json.RawMessage) {
	m.auditSeq++
	m.audits[configID] = append(m.audits[configID], types.AuditEntry{
		ID:        m.auditSeq,
		ProjectID: projectID,
		ConfigID:  configID,
		Kind:      kind,
		ActorID:   actorID,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
}

// fakePerms grants each user a fixed level: "", "read", "edit" or
// "manage".
type fakePerms struct {
	levels map[uuid.UUID]string
}

func (f *fakePerms) level(userID uuid.UUID) string {
	return f.levels[userID]
}

func (f *fakePerms) CanRead(_ context.Context, _, _, userID uuid.UUID) (bool, error) {
	l := f.level(userID)
	return l == "read" || l == "edit" || l == "manage", nil
}

func (f *fakePerms) CanEdit(_ context.Context, _, _, userID uuid.UUID) (bool, error) {
	l := f.level(userID)
	return l == "edit" || l == "manage", nil
}

func (f *fakePerms) CanManage(_ context.Context, _, _, userID uuid.UUID) (bool, error) {
	return f.level(userID) == "manage", nil
}

func (f *fakePerms) CanCreateConfig(_ context.Context, _, userID uuid.UUID) (bool, error) {
	l := f.level(userID)
	return l == "edit" || l == "manage", nil
}

func (f *fakePerms) CanApproveProposal(_ context.Context, project *types.Project, _ uuid.UUID, p *types.Proposal, reviewerID uuid.UUID) (bool, error) {
	if p.AuthorID == reviewerID && !project.AllowSelfApprovals {
		return false, nil
	}
	return f.level(reviewerID) == "manage", nil
}

// world is a ready test fixture: one project with two environments and
// three users (viewer, editor, maintainer).
type world struct {
	store      *memStore
	perms      *fakePerms
	configs    *Configs
	proposals  *Proposals
	project    *types.Project
	staging    types.Environment
	production types.Environment
	viewer     uuid.UUID
	editor     uuid.UUID
	maintainer uuid.UUID
}

func newWorld() *world {
	w := &world{
		store:      newMemStore(),
		perms:      &fakePerms{levels: make(map[uuid.UUID]string)},
		viewer:     uuid.New(),
		editor:     uuid.New(),
		maintainer: uuid.New(),
	}
	w.perms.levels[w.viewer] = "read"
	w.perms.levels[w.editor] = "edit"
	w.perms.levels[w.maintainer] = "manage"

	w.project = &types.Project{ID: uuid.New(), Name: "payments", AllowSelfApprovals: true}
	w.store.projects[w.project.ID] = w.project
	w.staging = types.Environment{ID: uuid.New(), ProjectID: w.project.ID, Name: "staging", Position: 0}
	w.production = types.Environment{ID: uuid.New(), ProjectID: w.project.ID, Name: "production", Position: 1}
	w.store.envs[w.project.ID] = []types.Environment{w.staging, w.production}

	w.configs = NewConfigs(w.store, w.perms, nil)
	w.proposals = NewProposals(w.store, w.configs, w.perms, nil)
	return w
}

func (w *world) mustCreate(in CreateConfigInput) *types.Config {
	in.ProjectID = w.project.ID
	cfg, err := w.configs.Create(context.Background(), w.maintainer, in)
	if err != nil {
		panic(err)
	}
	return cfg
}

func setValue(v any) types.Change[any] {
	return types.Change[any]{Set: true, Value: v}
}
