package types

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates config change events on the bus.
type EventKind string

const (
	EventUpsert EventKind = "upsert"
	EventDelete EventKind = "delete"
)

// EventPayload is the wire format published on the event channel.
type EventPayload struct {
	ConfigID uuid.UUID `json:"configId"`
	Version  int64     `json:"version"`
	Kind     EventKind `json:"kind"`
}

// ConfigEvent is a durable event row on the primary, polled by replica
// consumers in sequence order.
type ConfigEvent struct {
	Seq       int64     `json:"seq"`
	ConfigID  uuid.UUID `json:"configId"`
	Version   int64     `json:"version"`
	Kind      EventKind `json:"kind"`
	CreatedAt time.Time `json:"createdAt"`
}

// VariantReplica is the replica-side projection of a variant: value and
// overrides as raw JSON text, nothing a reader does not need.
type VariantReplica struct {
	ID            uuid.UUID  `json:"id"`
	EnvironmentID *uuid.UUID `json:"environmentId,omitempty"`
	Value         string     `json:"value"`
	Overrides     string     `json:"overrides"`
}

// ConfigReplica is the replica-side projection of a config.
type ConfigReplica struct {
	ID        uuid.UUID        `json:"id"`
	ProjectID uuid.UUID        `json:"projectId"`
	Name      string           `json:"name"`
	Version   int64            `json:"version"`
	Variants  []VariantReplica `json:"variants"`
}

// Consumer identifies a long-running event-bus subscriber on the primary.
type Consumer struct {
	ID         uuid.UUID `json:"id"`
	LastSeq    int64     `json:"lastSeq"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}
