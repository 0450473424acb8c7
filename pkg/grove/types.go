package grove

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntityStatus is the domain type for entity lifecycle states. A deleted
// entity has no status: it leaves the index entirely.
type EntityStatus string

// Entity status constants (typed).
const (
	StatusDraft     EntityStatus = "draft"
	StatusPublished EntityStatus = "published"
	StatusModified  EntityStatus = "modified"
	StatusWithdrawn EntityStatus = "withdrawn"
	StatusArchived  EntityStatus = "archived"
)

// View selects which snapshot of the repository a read observes.
type View string

// View constants (typed).
const (
	// ViewFull exposes the latest version of every entity, drafts included.
	ViewFull View = "full"
	// ViewPublished exposes only published snapshots of non-adminOnly content.
	ViewPublished View = "published"
)

// EntityInfo is the metadata of an entity, independent of its field values.
type EntityInfo struct {
	Type            string       `json:"type"`
	Name            string       `json:"name"`
	AuthKey         string       `json:"authKey"`
	ResolvedAuthKey string       `json:"resolvedAuthKey"`
	Version         int          `json:"version"`
	Status          EntityStatus `json:"status"`
	Valid           bool         `json:"valid"`
	ValidPublished  *bool        `json:"validPublished,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Entity is one schema-typed, versioned content record.
type Entity struct {
	ID     uuid.UUID      `json:"id"`
	Info   EntityInfo     `json:"info"`
	Fields map[string]any `json:"fields"`
}

// EffectKind reports what a mutating operation actually did. Operations on
// an entity already in the requested state report EffectNone and write
// nothing.
type EffectKind string

// Effect constants (typed).
const (
	EffectCreated             EffectKind = "created"
	EffectCreatedAndPublished EffectKind = "createdAndPublished"
	EffectUpdated             EffectKind = "updated"
	EffectUpdatedAndPublished EffectKind = "updatedAndPublished"
	EffectPublished           EffectKind = "published"
	EffectUnpublished         EffectKind = "unpublished"
	EffectArchived            EffectKind = "archived"
	EffectUnarchived          EffectKind = "unarchived"
	EffectDeleted             EffectKind = "deleted"
	EffectNone                EffectKind = "none"
)

// EntityResult is the outcome of a single-entity mutation.
type EntityResult struct {
	Effect EffectKind `json:"effect"`
	Entity *Entity    `json:"entity"`
}

// EntityStatusResult is the outcome of one entity in a batch status change.
type EntityStatusResult struct {
	ID        uuid.UUID    `json:"id"`
	Effect    EffectKind   `json:"effect"`
	Status    EntityStatus `json:"status"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// SyncEventType discriminates replication events.
type SyncEventType string

// Sync event types (typed).
const (
	EventCreateEntity           SyncEventType = "createEntity"
	EventCreateAndPublishEntity SyncEventType = "createAndPublishEntity"
	EventUpdateEntity           SyncEventType = "updateEntity"
	EventUpdateAndPublishEntity SyncEventType = "updateAndPublishEntity"
	EventPublishEntities        SyncEventType = "publishEntities"
	EventUnpublishEntities      SyncEventType = "unpublishEntities"
	EventArchiveEntity          SyncEventType = "archiveEntity"
	EventUnarchiveEntity        SyncEventType = "unarchiveEntity"
	EventDeleteEntities         SyncEventType = "deleteEntities"
	EventUpdateSchema           SyncEventType = "updateSchema"
)

// EventEntityRef identifies one entity version affected by a sync event.
type EventEntityRef struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Version int       `json:"version"`
}

// SyncEvent is one record of the append-only replication log, strictly
// ordered by its cursor.
type SyncEvent struct {
	ID        uuid.UUID       `json:"id"`
	Cursor    Cursor          `json:"cursor"`
	Type      SyncEventType   `json:"type"`
	CreatedAt time.Time       `json:"createdAt"`
	CreatedBy string          `json:"createdBy"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Decoded payload fields, populated for entity events.
	Entities []EventEntityRef `json:"entities,omitempty"`
	// SchemaVersion is set for updateSchema events.
	SchemaVersion int `json:"schemaVersion,omitempty"`
}

// SyncEventPage is one page of the replication log.
type SyncEventPage struct {
	Events  []SyncEvent `json:"events"`
	HasMore bool        `json:"hasMore"`
}

// AdvisoryLock is a held lease on a named cross-process mutex.
type AdvisoryLock struct {
	Name           string    `json:"name"`
	Handle         uuid.UUID `json:"handle"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt"`
}

// Session identifies the caller of an operation. ReadOnly sessions are
// rejected for every mutating operation.
type Session struct {
	Subject  string
	ReadOnly bool
}
