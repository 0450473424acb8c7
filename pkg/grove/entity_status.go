package grove

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/grovecms/grove/pkg/grove/collect"
	"github.com/grovecms/grove/pkg/grove/schema"
	"github.com/grovecms/grove/pkg/grove/traverse"
)

// publishInTx makes version the entity's published pointer. It validates
// the content against the published schema view, requires every referenced
// entity to be published, reserves published-scope unique values and
// rebuilds the published-scope derived rows.
func (s *service) publishInTx(ctx context.Context, tx RepositoryTx, spec *schema.Spec, row *EntityRow, version *EntityVersionRow) error {
	published := spec.Published()
	if published.EntityType(row.Type) == nil {
		return fmt.Errorf("%w: entity type %s is not publishable", ErrBadRequest, row.Type)
	}
	decodedType, fields := spec.DecodeFields(row.Type, version.SchemaVersion, version.Fields)
	if decodedType == "" {
		return fmt.Errorf("%w: entity type of %s was deleted from the schema", ErrBadRequest, row.ID)
	}

	validator := collect.NewSaveValidator(published)
	fullText := &collect.FullTextCollector{}
	refs := &collect.ReferenceCollector{}
	locations := &collect.LocationCollector{}
	uniques := &collect.UniqueValueCollector{}
	components := &collect.ComponentTypeCollector{}
	collect.Run(traverse.WalkEntity(published, decodedType, fields),
		validator, fullText, refs, locations, uniques, components)

	issues := validator.Issues()
	for _, ref := range refs.Result() {
		target, err := tx.GetEntity(ctx, ref.ID)
		if err != nil {
			issues = append(issues, collect.Issue{Path: ref.Path, Kind: collect.IssueKindInvalid,
				Message: fmt.Sprintf("referenced entity %s does not exist", ref.ID)})
			continue
		}
		if target.PublishedVersion == nil {
			issues = append(issues, collect.Issue{Path: ref.Path, Kind: collect.IssueKindUnpublished,
				Message: fmt.Sprintf("referenced entity %s is not published", ref.ID)})
		}
	}
	if len(issues) == 0 {
		uniqueIssues, err := s.reserveUniqueValues(ctx, tx, row.ID, ScopePublished, uniques.Result())
		if err != nil {
			return err
		}
		issues = append(issues, uniqueIssues...)
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	if err := tx.ReplaceEntityReferences(ctx, row.ID, ScopePublished, refs.IDs()); err != nil {
		return err
	}
	if err := tx.ReplaceEntityLocations(ctx, row.ID, ScopePublished, locations.Result()); err != nil {
		return err
	}
	if err := tx.ReplaceEntityComponentTypes(ctx, row.ID, ScopePublished, components.Result()); err != nil {
		return err
	}
	if err := tx.UpsertFullText(ctx, row.ID, ScopePublished, fullText.Result()); err != nil {
		return err
	}

	v := version.Version
	valid := true
	row.PublishedVersion = &v
	row.ValidPublished = &valid
	row.Status = StatusPublished
	row.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *service) PublishEntities(ctx context.Context, ids []uuid.UUID) ([]EntityStatusResult, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if err := validateBatchIDs(ids); err != nil {
		return nil, err
	}
	spec := s.schema()

	var results []EntityStatusResult
	err := s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		var changed []EventEntityRef
		for _, id := range ids {
			row, err := tx.GetEntity(ctx, id)
			if err != nil {
				return err
			}
			if _, err := s.resolveAuthKey(ctx, spec, row.Type, row.AuthKey); err != nil {
				return err
			}
			ok, err := canPublish(row.Status)
			if err != nil {
				return &EntityError{EntityID: id, Op: "publish", Err: err}
			}
			if !ok {
				results = append(results, EntityStatusResult{ID: id, Effect: EffectNone, Status: row.Status, UpdatedAt: row.UpdatedAt})
				continue
			}
			version, err := tx.GetEntityVersion(ctx, id, row.LatestVersion)
			if err != nil {
				return err
			}
			if err := s.publishInTx(ctx, tx, spec, row, version); err != nil {
				return err
			}
			if err := tx.UpdateEntity(ctx, row); err != nil {
				return err
			}
			results = append(results, EntityStatusResult{ID: id, Effect: EffectPublished, Status: row.Status, UpdatedAt: row.UpdatedAt})
			changed = append(changed, EventEntityRef{ID: id, Name: row.Name, Version: version.Version})
		}
		if len(changed) > 0 {
			return s.appendEntityEvent(ctx, tx, EventPublishEntities, changed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (s *service) UnpublishEntities(ctx context.Context, ids []uuid.UUID) ([]EntityStatusResult, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if err := validateBatchIDs(ids); err != nil {
		return nil, err
	}
	spec := s.schema()

	var results []EntityStatusResult
	err := s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		var changed []EventEntityRef
		for _, id := range ids {
			row, err := tx.GetEntity(ctx, id)
			if err != nil {
				return err
			}
			if _, err := s.resolveAuthKey(ctx, spec, row.Type, row.AuthKey); err != nil {
				return err
			}
			if !canUnpublish(row.Status) {
				// Idempotent no-op on non-published entities.
				results = append(results, EntityStatusResult{ID: id, Effect: EffectNone, Status: row.Status, UpdatedAt: row.UpdatedAt})
				continue
			}
			referencing, err := tx.GetReferencingEntityIDs(ctx, id, ScopePublished)
			if err != nil {
				return err
			}
			referencing = excludeIDs(referencing, ids)
			if len(referencing) > 0 {
				return &ReferencedError{EntityID: id, ReferencedBy: referencing}
			}
			if err := s.clearPublished(ctx, tx, row); err != nil {
				return err
			}
			row.Status = StatusWithdrawn
			row.UpdatedAt = time.Now().UTC()
			if err := tx.UpdateEntity(ctx, row); err != nil {
				return err
			}
			results = append(results, EntityStatusResult{ID: id, Effect: EffectUnpublished, Status: row.Status, UpdatedAt: row.UpdatedAt})
			changed = append(changed, EventEntityRef{ID: id, Name: row.Name, Version: row.LatestVersion})
		}
		if len(changed) > 0 {
			return s.appendEntityEvent(ctx, tx, EventUnpublishEntities, changed)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// clearPublished drops the published pointer and every published-scope
// derived row of the entity.
func (s *service) clearPublished(ctx context.Context, tx RepositoryTx, row *EntityRow) error {
	if err := tx.ReleaseEntityUniqueValues(ctx, row.ID, ScopePublished); err != nil {
		return err
	}
	if err := tx.ReplaceEntityReferences(ctx, row.ID, ScopePublished, nil); err != nil {
		return err
	}
	if err := tx.ReplaceEntityLocations(ctx, row.ID, ScopePublished, nil); err != nil {
		return err
	}
	if err := tx.ReplaceEntityComponentTypes(ctx, row.ID, ScopePublished, nil); err != nil {
		return err
	}
	if err := tx.UpsertFullText(ctx, row.ID, ScopePublished, ""); err != nil {
		return err
	}
	row.PublishedVersion = nil
	row.ValidPublished = nil
	return nil
}

func (s *service) ArchiveEntity(ctx context.Context, id uuid.UUID) (*EntityStatusResult, error) {
	return s.changeStatus(ctx, id, "archive", EventArchiveEntity, func(row *EntityRow) (EffectKind, error) {
		ok, err := canArchive(row.Status)
		if err != nil {
			return EffectNone, err
		}
		if !ok {
			return EffectNone, nil
		}
		row.Status = StatusArchived
		return EffectArchived, nil
	})
}

func (s *service) UnarchiveEntity(ctx context.Context, id uuid.UUID) (*EntityStatusResult, error) {
	return s.changeStatus(ctx, id, "unarchive", EventUnarchiveEntity, func(row *EntityRow) (EffectKind, error) {
		ok, err := canUnarchive(row.Status)
		if err != nil {
			return EffectNone, err
		}
		if !ok {
			return EffectNone, nil
		}
		row.Status = StatusDraft
		return EffectUnarchived, nil
	})
}

func (s *service) changeStatus(ctx context.Context, id uuid.UUID, op string, eventType SyncEventType, apply func(*EntityRow) (EffectKind, error)) (*EntityStatusResult, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: %s requires an entity id", ErrBadRequest, op)
	}
	spec := s.schema()

	var result *EntityStatusResult
	err := s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		row, err := tx.GetEntity(ctx, id)
		if err != nil {
			return err
		}
		if _, err := s.resolveAuthKey(ctx, spec, row.Type, row.AuthKey); err != nil {
			return err
		}
		effect, err := apply(row)
		if err != nil {
			return &EntityError{EntityID: id, Op: op, Err: err}
		}
		if effect == EffectNone {
			result = &EntityStatusResult{ID: id, Effect: EffectNone, Status: row.Status, UpdatedAt: row.UpdatedAt}
			return nil
		}
		row.UpdatedAt = time.Now().UTC()
		if err := tx.UpdateEntity(ctx, row); err != nil {
			return err
		}
		result = &EntityStatusResult{ID: id, Effect: effect, Status: row.Status, UpdatedAt: row.UpdatedAt}
		return s.appendEntityEvent(ctx, tx, eventType,
			[]EventEntityRef{{ID: id, Name: row.Name, Version: row.LatestVersion}})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) DeleteEntities(ctx context.Context, ids []uuid.UUID) error {
	if err := s.checkWritable(); err != nil {
		return err
	}
	if err := validateBatchIDs(ids); err != nil {
		return err
	}
	spec := s.schema()

	return s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		var deleted []EventEntityRef
		for _, id := range ids {
			row, err := tx.GetEntity(ctx, id)
			if err != nil {
				return err
			}
			if _, err := s.resolveAuthKey(ctx, spec, row.Type, row.AuthKey); err != nil {
				return err
			}
			if err := canDelete(row.Status); err != nil {
				return &EntityError{EntityID: id, Op: "delete", Err: err}
			}
			// Any live inbound reference blocks deletion, draft or published,
			// except from entities deleted in the same batch.
			referencing, err := tx.GetReferencingEntityIDs(ctx, id, ScopeDraft)
			if err != nil {
				return err
			}
			referencing = excludeIDs(referencing, ids)
			if len(referencing) > 0 {
				return &ReferencedError{EntityID: id, ReferencedBy: referencing}
			}
			deleted = append(deleted, EventEntityRef{ID: id, Name: row.Name, Version: row.LatestVersion})
		}
		// Deletion releases the id, the name and all unique-index bindings.
		if err := tx.DeleteEntities(ctx, ids); err != nil {
			return err
		}
		return s.appendEntityEvent(ctx, tx, EventDeleteEntities, deleted)
	})
}

func validateBatchIDs(ids []uuid.UUID) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: no entity ids provided", ErrBadRequest)
	}
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			return fmt.Errorf("%w: invalid entity id", ErrBadRequest)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate entity id %s", ErrBadRequest, id)
		}
		seen[id] = true
	}
	return nil
}

func excludeIDs(ids, exclude []uuid.UUID) []uuid.UUID {
	out := ids[:0:0]
	for _, id := range ids {
		if !slices.Contains(exclude, id) {
			out = append(out, id)
		}
	}
	return out
}
