package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditKind tags the payload of an audit entry.
type AuditKind string

const (
	AuditConfigCreated        AuditKind = "config_created"
	AuditConfigUpdated        AuditKind = "config_updated"
	AuditConfigDeleted        AuditKind = "config_deleted"
	AuditConfigMembersChanged AuditKind = "config_members_changed"
	AuditProposalCreated      AuditKind = "config_proposal_created"
	AuditProposalApproved     AuditKind = "config_proposal_approved"
	AuditProposalRejected     AuditKind = "config_proposal_rejected"
)

// AuditEntry is an append-only record of a mutation. Payloads carry
// before/after snapshots sufficient to reconstruct the change.
type AuditEntry struct {
	ID        int64           `json:"id"`
	ProjectID uuid.UUID       `json:"projectId"`
	ConfigID  uuid.UUID       `json:"configId"`
	Kind      AuditKind       `json:"kind"`
	ActorID   *uuid.UUID      `json:"actorId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ConfigChangePayload is the payload for config_created / config_updated /
// config_deleted entries.
type ConfigChangePayload struct {
	Before *ConfigVersion `json:"before,omitempty"`
	After  *ConfigVersion `json:"after,omitempty"`
}

// MembersChangedPayload is the payload for config_members_changed.
type MembersChangedPayload struct {
	Before []Member `json:"before"`
	After  []Member `json:"after"`
}

// ProposalPayload is the payload for proposal lifecycle entries.
type ProposalPayload struct {
	ProposalID uuid.UUID        `json:"proposalId"`
	Status     ProposalStatus   `json:"status"`
	Reason     *RejectionReason `json:"reason,omitempty"`
	InFavorOf  *uuid.UUID       `json:"rejectedInFavorOfProposalId,omitempty"`
}

// MarshalPayload encodes an audit payload, panicking on programmer error
// (payload types here always encode).
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("audit payload does not encode: " + err.Error())
	}
	return data
}
