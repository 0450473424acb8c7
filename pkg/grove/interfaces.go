package grove

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/grovecms/grove/pkg/grove/collect"
	"github.com/grovecms/grove/pkg/grove/schema"
)

// Scope separates the draft-side and published-side derived rows (unique
// values, references, locations, full-text documents) of an entity.
type Scope string

// Scope constants (typed).
const (
	ScopeDraft     Scope = "draft"
	ScopePublished Scope = "published"
)

// EntityRow is the stored head record of an entity.
type EntityRow struct {
	ID               uuid.UUID
	Type             string
	Name             string
	AuthKey          string
	ResolvedAuthKey  string
	Status           EntityStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LatestVersion    int
	PublishedVersion *int
	Valid            bool
	ValidPublished   *bool
	DirtyValidate    bool
	DirtyIndex       bool
}

// EntityVersionRow is one immutable snapshot of an entity's fields, tagged
// with the schema version it was encoded under.
type EntityVersionRow struct {
	EntityID      uuid.UUID
	Version       int
	SchemaVersion int
	CreatedBy     string
	CreatedAt     time.Time
	Fields        map[string]any
}

// UniqueValueRow is one live (index, value) binding of an entity.
type UniqueValueRow struct {
	Scope    Scope
	Index    string
	Value    string
	EntityID uuid.UUID
}

// EntityOrder selects the sort key for entity listings.
type EntityOrder string

// Entity order constants (typed).
const (
	OrderCreatedAt EntityOrder = "createdAt"
	OrderUpdatedAt EntityOrder = "updatedAt"
	OrderName      EntityOrder = "name"
)

// EntityQuery filters and orders an entity listing.
type EntityQuery struct {
	EntityTypes    []string       `json:"entityTypes,omitempty"`
	Status         []EntityStatus `json:"status,omitempty"`
	AuthKeys       []string       `json:"authKeys,omitempty"`
	Text           string         `json:"text,omitempty"`
	BoundingBox    *BoundingBox   `json:"boundingBox,omitempty"`
	ComponentTypes []string       `json:"componentTypes,omitempty"`
	Order          EntityOrder    `json:"order,omitempty"`
	Reverse        bool           `json:"reverse,omitempty"`
}

// BoundingBox is a geo filter over collected entity locations.
type BoundingBox struct {
	MinLat float64 `json:"minLat"`
	MaxLat float64 `json:"maxLat"`
	MinLng float64 `json:"minLng"`
	MaxLng float64 `json:"maxLng"`
}

// Paging is cursor-based slicing of an ordered listing. First/After page
// forward, Last/Before page backward; the two directions are exact
// complements around a cursor.
type Paging struct {
	First  int    `json:"first,omitempty"`
	After  Cursor `json:"after,omitempty"`
	Last   int    `json:"last,omitempty"`
	Before Cursor `json:"before,omitempty"`
}

// PageInfo reports whether a listing continues past either edge.
type PageInfo struct {
	HasPreviousPage bool `json:"hasPreviousPage"`
	HasNextPage     bool `json:"hasNextPage"`
}

// ChangelogQuery filters the sync-event log.
type ChangelogQuery struct {
	After     Cursor          `json:"after,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	Types     []SyncEventType `json:"types,omitempty"`
	EntityIDs []uuid.UUID     `json:"entityIds,omitempty"`
}

// DirtySelector names the types whose stored entities a schema change made
// dirty, per concern.
type DirtySelector struct {
	RevalidateTypes []string
	ReindexTypes    []string
}

// IsEmpty reports whether the selector marks nothing.
func (s DirtySelector) IsEmpty() bool {
	return len(s.RevalidateTypes) == 0 && len(s.ReindexTypes) == 0
}

// Repository is the storage adapter contract the engine is written against.
// Implementations provide transactions; every mutation the engine performs
// runs inside one, and a returned error rolls the whole transaction back so
// partial writes are never observable.
type Repository interface {
	// WithTransaction runs fn inside one transaction, committing on nil.
	WithTransaction(ctx context.Context, fn func(tx RepositoryTx) error) error

	// GetSchemaSpecification loads the current schema, or nil when none has
	// been stored yet.
	GetSchemaSpecification(ctx context.Context) (*schema.Spec, error)

	// GetSyncEvents reads the replication log after the given cursor.
	GetSyncEvents(ctx context.Context, query ChangelogQuery) (*SyncEventPage, error)

	// AcquireLock creates a lease unless an unexpired one exists (ErrConflict).
	AcquireLock(ctx context.Context, name string, handle uuid.UUID, lease time.Duration) (*AdvisoryLock, error)
	// RenewLock extends a held lease (ErrNotFound when the pair is stale).
	RenewLock(ctx context.Context, name string, handle uuid.UUID, lease time.Duration) (*AdvisoryLock, error)
	// ReleaseLock drops a held lease (ErrNotFound when already gone).
	ReleaseLock(ctx context.Context, name string, handle uuid.UUID) error
	// DeleteExpiredLocks sweeps leases that expired before now.
	DeleteExpiredLocks(ctx context.Context) (int, error)
}

// RepositoryTx is the row-level contract available inside a transaction.
type RepositoryTx interface {
	// WithSavepoint runs fn inside a nested savepoint so a failed step can
	// be retried without discarding prior work.
	WithSavepoint(ctx context.Context, fn func() error) error

	// Entity head rows.
	CreateEntity(ctx context.Context, row *EntityRow) error
	GetEntity(ctx context.Context, id uuid.UUID) (*EntityRow, error)
	GetEntityByName(ctx context.Context, name string) (*EntityRow, error)
	UpdateEntity(ctx context.Context, row *EntityRow) error
	DeleteEntities(ctx context.Context, ids []uuid.UUID) error
	ListEntities(ctx context.Context, view View, query EntityQuery, paging Paging) ([]*EntityRow, PageInfo, error)
	CountEntities(ctx context.Context, view View, query EntityQuery) (int, error)
	SampleEntities(ctx context.Context, view View, query EntityQuery, seed int64, count int) ([]*EntityRow, error)

	// Version snapshots.
	CreateEntityVersion(ctx context.Context, row *EntityVersionRow) error
	GetEntityVersion(ctx context.Context, entityID uuid.UUID, version int) (*EntityVersionRow, error)

	// Unique-index bindings. AcquireUniqueValue returns ErrConflict wrapped
	// with the holder when the pair is bound to a different entity.
	GetUniqueValues(ctx context.Context, entityID uuid.UUID) ([]UniqueValueRow, error)
	AcquireUniqueValue(ctx context.Context, scope Scope, index, value string, entityID uuid.UUID) error
	ReleaseUniqueValue(ctx context.Context, scope Scope, index, value string) error
	ReleaseEntityUniqueValues(ctx context.Context, entityID uuid.UUID, scope Scope) error

	// Derived index rows per scope.
	ReplaceEntityReferences(ctx context.Context, entityID uuid.UUID, scope Scope, targets []uuid.UUID) error
	GetReferencingEntityIDs(ctx context.Context, target uuid.UUID, scope Scope) ([]uuid.UUID, error)
	ReplaceEntityLocations(ctx context.Context, entityID uuid.UUID, scope Scope, locations []collect.Location) error
	ReplaceEntityComponentTypes(ctx context.Context, entityID uuid.UUID, scope Scope, names []string) error
	UpsertFullText(ctx context.Context, entityID uuid.UUID, scope Scope, text string) error

	// Replication log. The cursor is assigned by the repository and is
	// strictly increasing.
	AppendSyncEvent(ctx context.Context, event *SyncEvent) error

	// Schema persistence and the cheap eager parts of a schema change:
	// type renames rewrite the head rows' type column, index renames and
	// deletes rewrite unique-value rows. Everything else stays lazy.
	UpdateSchemaSpecification(ctx context.Context, spec *schema.Spec) error
	RenameEntityType(ctx context.Context, oldName, newName string) (int, error)
	RenameUniqueIndex(ctx context.Context, oldName, newName string) error
	DeleteUniqueIndex(ctx context.Context, name string) error

	// Dirty markers for the background sweep.
	MarkEntitiesDirty(ctx context.Context, selector DirtySelector) (int, error)
	NextDirtyEntities(ctx context.Context, limit int) ([]*EntityRow, error)
	ResetEntityDirty(ctx context.Context, id uuid.UUID, valid bool, validPublished *bool) error
}

// Authorizer approves an entity's auth key for the calling session and
// resolves it to its stored form. Returning an error wrapping
// ErrNotAuthorized rejects the operation before any write.
type Authorizer interface {
	ResolveAuthKey(ctx context.Context, session Session, entityType, authKey string) (string, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, session Session, entityType, authKey string) (string, error)

func (f AuthorizerFunc) ResolveAuthKey(ctx context.Context, session Session, entityType, authKey string) (string, error) {
	return f(ctx, session, entityType, authKey)
}
