// Package types holds the shared data model for the configuration service.
// It exists to break import cycles between the store, the services, and the
// evaluators; types here are foundational structures with no behavior beyond
// encoding and small helpers.
package types

import (
	"time"

	"github.com/google/uuid"

	"confmesh/internal/condition"
)

// Workspace, project and config roles. Effective permissions are the
// strongest role granted at any level (see internal/permission).
type (
	WorkspaceRole string
	ProjectRole   string
	ConfigRole    string
)

const (
	WorkspaceAdmin  WorkspaceRole = "admin"
	WorkspaceMember WorkspaceRole = "member"

	ProjectAdmin      ProjectRole = "admin"
	ProjectMaintainer ProjectRole = "maintainer"
	ProjectViewer     ProjectRole = "viewer"

	ConfigMaintainer ConfigRole = "maintainer"
	ConfigEditor     ConfigRole = "editor"
)

// Project owns environments and configs and carries the governance flags
// for the proposal workflow.
type Project struct {
	ID                 uuid.UUID `json:"id"`
	Name               string    `json:"name"`
	RequireProposals   bool      `json:"requireProposals"`
	AllowSelfApprovals bool      `json:"allowSelfApprovals"`
}

// Environment is a named, ordered member of a project.
type Environment struct {
	ID               uuid.UUID `json:"id"`
	ProjectID        uuid.UUID `json:"projectId"`
	Name             string    `json:"name"`
	Position         int       `json:"position"`
	RequireProposals bool      `json:"requireProposals"`
}

// Member grants a user a per-config role.
type Member struct {
	UserID uuid.UUID  `json:"userId"`
	Email  string     `json:"email"`
	Role   ConfigRole `json:"role"`
}

// Override is a named rule: when every condition matches the evaluation
// context, the override's value replaces the variant's value.
type Override struct {
	Name       string                `json:"name"`
	Conditions []condition.Condition `json:"conditions"`
	Value      any                   `json:"value"`
}

// Variant carries the (value, schema, overrides) triple. The base variant
// has a nil EnvironmentID; environment variants override the base for one
// environment. UseBaseSchema forces schema inheritance from the base.
type Variant struct {
	ID            uuid.UUID  `json:"id"`
	ConfigID      uuid.UUID  `json:"configId"`
	EnvironmentID *uuid.UUID `json:"environmentId,omitempty"`
	Value         any        `json:"value"`
	Schema        any        `json:"schema,omitempty"`
	Overrides     []Override `json:"overrides"`
	UseBaseSchema bool       `json:"useBaseSchema"`
}

// IsBase reports whether the variant is the config's base variant.
func (v Variant) IsBase() bool {
	return v.EnvironmentID == nil
}

// Config is identified by (ProjectID, Name). Version increases by exactly
// one on every successful mutation.
type Config struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"projectId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Version     int64     `json:"version"`
	Base        Variant   `json:"base"`
	EnvVariants []Variant `json:"environments"`
	Members     []Member  `json:"members"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// VariantFor returns the environment variant for envID, or nil.
func (c *Config) VariantFor(envID uuid.UUID) *Variant {
	for i := range c.EnvVariants {
		if c.EnvVariants[i].EnvironmentID != nil && *c.EnvVariants[i].EnvironmentID == envID {
			return &c.EnvVariants[i]
		}
	}
	return nil
}

// ConfigVersion is the immutable snapshot appended on every mutation.
type ConfigVersion struct {
	ConfigID    uuid.UUID  `json:"configId"`
	Version     int64      `json:"version"`
	Description string     `json:"description"`
	Base        Variant    `json:"base"`
	EnvVariants []Variant  `json:"environments"`
	Members     []Member   `json:"members"`
	AuthorID    *uuid.UUID `json:"authorId,omitempty"`
	ProposalID  *uuid.UUID `json:"proposalId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// ProposalStatus is the proposal lifecycle state.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// RejectionReason records why a proposal left the pending state without
// being applied.
type RejectionReason string

const (
	RejectedExplicitly      RejectionReason = "rejected_explicitly"
	RejectedConfigEdited    RejectionReason = "config_edited"
	RejectedConfigDeleted   RejectionReason = "config_deleted"
	RejectedAnotherApproved RejectionReason = "another_proposal_approved"
)

// VariantChange carries a proposed delta for one variant. Unset Change
// fields mean "keep the current value". Delete removes the variant.
type VariantChange struct {
	EnvironmentID *uuid.UUID         `json:"environmentId,omitempty"`
	Delete        bool               `json:"delete,omitempty"`
	Value         Change[any]        `json:"value,omitzero"`
	Schema        Change[any]        `json:"schema,omitzero"`
	Overrides     Change[[]Override] `json:"overrides,omitzero"`
	UseBaseSchema Change[bool]       `json:"useBaseSchema,omitzero"`
}

// Proposal captures deltas against a specific config version.
type Proposal struct {
	ID                uuid.UUID        `json:"id"`
	ConfigID          uuid.UUID        `json:"configId"`
	AuthorID          uuid.UUID        `json:"authorId"`
	BaseConfigVersion int64            `json:"baseConfigVersion"`
	Description       Change[string]   `json:"description,omitzero"`
	Members           Change[[]Member] `json:"members,omitzero"`
	DeleteConfig      bool             `json:"deleteConfig,omitempty"`
	Variants          []VariantChange  `json:"variants"`

	Status            ProposalStatus   `json:"status"`
	ReviewerID        *uuid.UUID       `json:"reviewerId,omitempty"`
	RejectionReason   *RejectionReason `json:"rejectionReason,omitempty"`
	RejectedInFavorOf *uuid.UUID       `json:"rejectedInFavorOfProposalId,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	ApprovedAt        *time.Time       `json:"approvedAt,omitempty"`
	RejectedAt        *time.Time       `json:"rejectedAt,omitempty"`
}

// Terminal reports whether the proposal reached approved or rejected.
func (p *Proposal) Terminal() bool {
	return p.Status != ProposalPending
}
