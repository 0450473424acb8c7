package grove

import "fmt"

// canPublish checks whether an entity's status permits publishing.
func canPublish(status EntityStatus) (bool, error) {
	switch status {
	case StatusDraft, StatusWithdrawn, StatusModified:
		return true, nil
	case StatusPublished:
		// Latest version is already the published one.
		return false, nil
	case StatusArchived:
		return false, fmt.Errorf("%w: archived entities must be unarchived before publishing (status: %s)", ErrBadRequest, status)
	default:
		return false, fmt.Errorf("%w: unknown status %s", ErrBadRequest, status)
	}
}

// canUnpublish checks whether unpublishing has an effect; non-published
// states report a no-op, never an error.
func canUnpublish(status EntityStatus) bool {
	switch status {
	case StatusPublished, StatusModified:
		return true
	default:
		// draft, withdrawn, archived: idempotent no-op.
		return false
	}
}

// canArchive checks whether an entity's status permits archiving.
func canArchive(status EntityStatus) (bool, error) {
	switch status {
	case StatusDraft, StatusWithdrawn:
		return true, nil
	case StatusArchived:
		return false, nil
	case StatusPublished, StatusModified:
		return false, fmt.Errorf("%w: published entities must be unpublished before archiving (status: %s)", ErrBadRequest, status)
	default:
		return false, fmt.Errorf("%w: unknown status %s", ErrBadRequest, status)
	}
}

// canUnarchive checks whether an entity's status permits unarchiving.
func canUnarchive(status EntityStatus) (bool, error) {
	switch status {
	case StatusArchived:
		return true, nil
	case StatusDraft:
		return false, nil
	default:
		return false, fmt.Errorf("%w: only archived entities can be unarchived (status: %s)", ErrBadRequest, status)
	}
}

// canDelete checks whether an entity's status permits deletion.
func canDelete(status EntityStatus) error {
	if status != StatusArchived {
		return fmt.Errorf("%w: entities must be archived before deletion (status: %s)", ErrBadRequest, status)
	}
	return nil
}

// statusAfterUpdate is the status an entity carries after saving a new
// version without publishing it.
func statusAfterUpdate(status EntityStatus) EntityStatus {
	switch status {
	case StatusPublished, StatusModified:
		return StatusModified
	default:
		return status
	}
}
