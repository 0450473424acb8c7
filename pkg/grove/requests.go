package grove

import (
	"github.com/google/uuid"
)

// EntityCreate is the payload for creating an entity.
type EntityCreate struct {
	// ID is optional; a zero UUID lets the engine assign one.
	ID      uuid.UUID      `json:"id,omitempty"`
	Type    string         `json:"type"`
	Name    string         `json:"name,omitempty"`
	AuthKey string         `json:"authKey,omitempty"`
	Fields  map[string]any `json:"fields"`
}

// CreateEntityRequest creates an entity, optionally publishing version 1 in
// the same transaction.
type CreateEntityRequest struct {
	Entity  EntityCreate `json:"entity"`
	Publish bool         `json:"publish,omitempty"`
}

// EntityUpdate is the payload for updating an entity. Fields are merged
// over the latest version: provided keys replace, explicit nulls delete,
// omitted keys are kept.
type EntityUpdate struct {
	ID     uuid.UUID      `json:"id"`
	Name   string         `json:"name,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// UpdateEntityRequest updates an entity, optionally publishing the new
// version in the same transaction. An update that changes nothing reports
// EffectNone and writes no new version.
type UpdateEntityRequest struct {
	Entity  EntityUpdate `json:"entity"`
	Publish bool         `json:"publish,omitempty"`
}

// UpsertEntityRequest creates the entity when its id is unknown and updates
// it otherwise. The id is required.
type UpsertEntityRequest struct {
	Entity  EntityCreate `json:"entity"`
	Publish bool         `json:"publish,omitempty"`
}

// GetEntityRequest fetches one entity. Version selects a historical
// snapshot in the full view; zero means the view's head (latest for the
// full view, the published pointer for the published view).
type GetEntityRequest struct {
	ID      uuid.UUID `json:"id"`
	Version int       `json:"version,omitempty"`
	View    View      `json:"view,omitempty"`
}

// EntityPage is one page of an entity listing. Cursors are per-edge: Start
// and End bound the returned slice.
type EntityPage struct {
	Entities    []Entity `json:"entities"`
	PageInfo    PageInfo `json:"pageInfo"`
	StartCursor Cursor   `json:"startCursor,omitempty"`
	EndCursor   Cursor   `json:"endCursor,omitempty"`
}

// SchemaUpdateResult reports a schema specification change.
type SchemaUpdateResult struct {
	Spec *SchemaInfo `json:"spec"`
	// Effect is "updated" or "none" (the update changed nothing).
	Effect EffectKind `json:"effect"`
	// DirtyCount is how many stored entities the change marked dirty.
	DirtyCount int `json:"dirtyCount"`
}

// SchemaInfo is the public shape of a stored schema version.
type SchemaInfo struct {
	Version int `json:"version"`
}
