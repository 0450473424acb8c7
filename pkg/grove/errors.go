package grove

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/grovecms/grove/pkg/grove/collect"
)

// Error kinds. Every operation returns one of these (possibly wrapped);
// callers dispatch with errors.Is.
var (
	// ErrBadRequest indicates malformed input, a validation failure or an
	// illegal state transition.
	ErrBadRequest = errors.New("bad request")

	// ErrConflict indicates a unique-value or advisory-lock collision, or a
	// losing optimistic write.
	ErrConflict = errors.New("conflict")

	// ErrNotAuthenticated indicates the session could not be established.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotAuthorized indicates the auth key was rejected for the caller.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotFound indicates a missing entity, version, lock or event cursor.
	ErrNotFound = errors.New("not found")

	// ErrReadonlySession indicates a mutating operation on a readonly session.
	ErrReadonlySession = fmt.Errorf("%w: readonly session", ErrBadRequest)

	// ErrGeneric indicates an unexpected backend failure.
	ErrGeneric = errors.New("generic error")
)

// EntityError wraps an error from an entity operation with its context.
type EntityError struct {
	EntityID uuid.UUID
	Op       string
	Err      error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("entity operation %s failed for entity %s: %v", e.Op, e.EntityID, e.Err)
}

func (e *EntityError) Unwrap() error { return e.Err }

// ValidationError reports content that failed validation. It carries every
// issue found in the pass; Error names the first issue's path so the caller
// sees exactly which field failed.
type ValidationError struct {
	Issues []collect.Issue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "validation failed"
	}
	first := e.Issues[0]
	return fmt.Sprintf("validation failed at %s: %s", first.Path, first.Message)
}

func (e *ValidationError) Unwrap() error { return ErrBadRequest }

// SchemaError reports an invalid schema specification update.
type SchemaError struct {
	Problems []error
}

func (e *SchemaError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid schema"
	}
	return fmt.Sprintf("invalid schema: %v (and %d more)", e.Problems[0], len(e.Problems)-1)
}

func (e *SchemaError) Unwrap() error { return ErrBadRequest }

// ReferencedError reports an unpublish or delete blocked by live inbound
// references, naming the referencing entities.
type ReferencedError struct {
	EntityID     uuid.UUID
	ReferencedBy []uuid.UUID
}

func (e *ReferencedError) Error() string {
	return fmt.Sprintf("entity %s is referenced by %d other entities (first: %s)",
		e.EntityID, len(e.ReferencedBy), e.ReferencedBy[0])
}

func (e *ReferencedError) Unwrap() error { return ErrBadRequest }
