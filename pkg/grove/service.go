package grove

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/grovecms/grove/pkg/grove/schema"
)

// Service is the content repository engine: the entity lifecycle state
// machine, schema management, the replication log and advisory locking,
// written against the Repository adapter contract. Every operation returns
// a typed result or an error dispatchable with errors.Is; nothing panics
// across this boundary.
type Service interface {
	CreateEntity(ctx context.Context, req CreateEntityRequest) (*EntityResult, error)
	UpdateEntity(ctx context.Context, req UpdateEntityRequest) (*EntityResult, error)
	UpsertEntity(ctx context.Context, req UpsertEntityRequest) (*EntityResult, error)
	PublishEntities(ctx context.Context, ids []uuid.UUID) ([]EntityStatusResult, error)
	UnpublishEntities(ctx context.Context, ids []uuid.UUID) ([]EntityStatusResult, error)
	ArchiveEntity(ctx context.Context, id uuid.UUID) (*EntityStatusResult, error)
	UnarchiveEntity(ctx context.Context, id uuid.UUID) (*EntityStatusResult, error)
	DeleteEntities(ctx context.Context, ids []uuid.UUID) error

	GetEntity(ctx context.Context, req GetEntityRequest) (*Entity, error)
	GetEntities(ctx context.Context, view View, query EntityQuery, paging Paging) (*EntityPage, error)
	GetEntitiesTotalCount(ctx context.Context, view View, query EntityQuery) (int, error)
	GetEntitiesSample(ctx context.Context, view View, query EntityQuery, seed int64, count int) ([]Entity, error)

	GetSchemaSpecification(ctx context.Context, view View) (*schema.Spec, error)
	UpdateSchemaSpecification(ctx context.Context, req schema.UpdateRequest) (*SchemaUpdateResult, error)

	GetChangelogEvents(ctx context.Context, query ChangelogQuery) (*SyncEventPage, error)

	AcquireAdvisoryLock(ctx context.Context, name string, lease time.Duration) (*AdvisoryLock, error)
	RenewAdvisoryLock(ctx context.Context, name string, handle uuid.UUID, lease time.Duration) (*AdvisoryLock, error)
	ReleaseAdvisoryLock(ctx context.Context, name string, handle uuid.UUID) error
	// SweepExpiredLocks deletes advisory leases that have expired.
	SweepExpiredLocks(ctx context.Context) (int, error)

	// ProcessDirtyEntities revalidates and reindexes up to limit entities
	// marked dirty by earlier schema changes.
	ProcessDirtyEntities(ctx context.Context, limit int) (*ProcessDirtyResult, error)
}

// ProcessDirtyResult reports one background sweep batch.
type ProcessDirtyResult struct {
	Processed int  `json:"processed"`
	Remaining bool `json:"remaining"`
}

// service implements the Service interface.
type service struct {
	repository Repository
	authorizer Authorizer
	session    Session
	logger     *slog.Logger

	// schemaRef holds the current validated schema snapshot. It is swapped
	// atomically on a successful schema update; in-flight operations keep
	// the snapshot they started with.
	schemaRef atomic.Pointer[schema.Spec]
}

// Option represents a functional option for configuring the service.
type Option func(*service)

// WithRepository sets the storage adapter for the service.
func WithRepository(repo Repository) Option {
	return func(s *service) { s.repository = repo }
}

// WithAuthorizer sets the auth-key resolver for the service.
func WithAuthorizer(authorizer Authorizer) Option {
	return func(s *service) { s.authorizer = authorizer }
}

// WithSession binds the service to a calling session.
func WithSession(session Session) Option {
	return func(s *service) { s.session = session }
}

// WithLogger sets the structured logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) { s.logger = logger }
}

// New creates a new service instance with the given options and loads the
// stored schema specification.
func New(ctx context.Context, options ...Option) (Service, error) {
	s := &service{
		session: Session{Subject: "system"},
		logger:  slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.authorizer == nil {
		s.authorizer = AuthorizerFunc(func(_ context.Context, _ Session, _, authKey string) (string, error) {
			return authKey, nil
		})
	}

	spec, err := s.repository.GetSchemaSpecification(ctx)
	if err != nil {
		return nil, fmt.Errorf("load schema specification: %w", err)
	}
	if spec == nil {
		spec = &schema.Spec{}
	}
	if problems := spec.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("stored schema is invalid: %v", problems[0])
	}
	s.schemaRef.Store(spec)
	return s, nil
}

// schema returns the current schema snapshot.
func (s *service) schema() *schema.Spec {
	return s.schemaRef.Load()
}

// checkWritable rejects mutating operations on readonly sessions.
func (s *service) checkWritable() error {
	if s.session.ReadOnly {
		return ErrReadonlySession
	}
	return nil
}

// resolveAuthKey runs the authorization gate before any write.
func (s *service) resolveAuthKey(ctx context.Context, spec *schema.Spec, entityType, authKey string) (string, error) {
	et := spec.EntityType(entityType)
	if et != nil && et.AuthKeyPattern != "" {
		re := spec.CompiledPattern(et.AuthKeyPattern)
		if re == nil || !re.MatchString(authKey) {
			return "", fmt.Errorf("%w: auth key %q does not match pattern %s", ErrBadRequest, authKey, et.AuthKeyPattern)
		}
	}
	resolved, err := s.authorizer.ResolveAuthKey(ctx, s.session, entityType, authKey)
	if err != nil {
		return "", err
	}
	return resolved, nil
}
