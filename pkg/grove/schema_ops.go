package grove

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/grovecms/grove/pkg/grove/collect"
	"github.com/grovecms/grove/pkg/grove/schema"
	"github.com/grovecms/grove/pkg/grove/traverse"
)

// schemaUpdateLockName serializes schema version bumps across processes.
const schemaUpdateLockName = "schema-update"

func (s *service) GetSchemaSpecification(ctx context.Context, view View) (*schema.Spec, error) {
	spec := s.schema()
	if view == ViewPublished {
		spec = spec.Published()
	}
	return spec, nil
}

func (s *service) UpdateSchemaSpecification(ctx context.Context, req schema.UpdateRequest) (*SchemaUpdateResult, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	prev := s.schema()
	if req.IsEmpty() {
		return &SchemaUpdateResult{Spec: &SchemaInfo{Version: prev.Version}, Effect: EffectNone}, nil
	}

	// Serialize version bumps across processes; a single-row transaction
	// cannot express this.
	lock, err := s.repository.AcquireLock(ctx, schemaUpdateLockName, uuid.New(), 10*time.Second)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("%w: another schema update is in progress", ErrConflict)
		}
		return nil, err
	}
	defer func() {
		if err := s.repository.ReleaseLock(context.WithoutCancel(ctx), lock.Name, lock.Handle); err != nil && !errors.Is(err, ErrNotFound) {
			s.logger.Warn("failed to release schema update lock", "error", err)
		}
	}()

	next, problems, err := prev.Update(req)
	if err != nil {
		if errors.Is(err, schema.ErrVersionMismatch) {
			return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
		return nil, err
	}
	if len(problems) > 0 {
		se := &SchemaError{}
		for _, p := range problems {
			se.Problems = append(se.Problems, p)
		}
		return nil, se
	}

	// Guard against a concurrent bump that slipped in before the lock. The
	// lock serializes writers, so the read does not need the transaction.
	stored, err := s.repository.GetSchemaSpecification(ctx)
	if err != nil {
		return nil, err
	}
	if stored != nil && stored.Version != prev.Version {
		return nil, fmt.Errorf("%w: schema was updated concurrently (stored version %d)", ErrConflict, stored.Version)
	}

	impact := schema.CalculateImpact(prev, next, req.Actions())
	var dirtyCount int
	err = s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		if err := tx.UpdateSchemaSpecification(ctx, next); err != nil {
			return err
		}
		for oldName, newName := range impact.RenamedTypes {
			if _, err := tx.RenameEntityType(ctx, oldName, newName); err != nil {
				return err
			}
		}
		for oldName, newName := range impact.RenamedIndexes {
			if err := tx.RenameUniqueIndex(ctx, oldName, newName); err != nil {
				return err
			}
		}
		for _, name := range impact.DeletedIndexes {
			if err := tx.DeleteUniqueIndex(ctx, name); err != nil {
				return err
			}
		}
		selector := DirtySelector{RevalidateTypes: impact.RevalidateTypes, ReindexTypes: impact.ReindexTypes}
		if !selector.IsEmpty() {
			dirtyCount, err = tx.MarkEntitiesDirty(ctx, selector)
			if err != nil {
				return err
			}
		}
		return s.appendSchemaEvent(ctx, tx, next.Version)
	})
	if err != nil {
		return nil, err
	}

	// In-flight operations keep using the snapshot they started with.
	s.schemaRef.Store(next)
	s.logger.Info("updated schema specification",
		"version", next.Version, "dirtyEntities", dirtyCount)
	return &SchemaUpdateResult{Spec: &SchemaInfo{Version: next.Version}, Effect: EffectUpdated, DirtyCount: dirtyCount}, nil
}

func (s *service) ProcessDirtyEntities(ctx context.Context, limit int) (*ProcessDirtyResult, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 25
	}
	spec := s.schema()

	result := &ProcessDirtyResult{}
	err := s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		rows, err := tx.NextDirtyEntities(ctx, limit)
		if err != nil {
			return err
		}
		result.Remaining = len(rows) == limit
		for _, row := range rows {
			if err := s.processDirtyEntity(ctx, tx, spec, row); err != nil {
				return err
			}
			result.Processed++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// processDirtyEntity recomputes validity and derived index rows of one
// entity marked dirty by a schema change.
func (s *service) processDirtyEntity(ctx context.Context, tx RepositoryTx, spec *schema.Spec, row *EntityRow) error {
	latest, err := tx.GetEntityVersion(ctx, row.ID, row.LatestVersion)
	if err != nil {
		return err
	}
	typeName, fields := spec.DecodeFields(row.Type, latest.SchemaVersion, latest.Fields)
	if typeName == "" {
		// The type was deleted; nothing to validate against. Keep the row
		// for manual cleanup but stop reprocessing it.
		return tx.ResetEntityDirty(ctx, row.ID, false, row.ValidPublished)
	}

	valid := true
	if row.DirtyValidate || row.DirtyIndex {
		validator := collect.NewSaveValidator(spec)
		fullText := &collect.FullTextCollector{}
		refs := &collect.ReferenceCollector{}
		locations := &collect.LocationCollector{}
		components := &collect.ComponentTypeCollector{}
		collect.Run(traverse.WalkEntity(spec, typeName, fields), validator, fullText, refs, locations, components)
		valid = len(validator.Issues()) == 0

		if row.DirtyIndex {
			if err := tx.ReplaceEntityReferences(ctx, row.ID, ScopeDraft, refs.IDs()); err != nil {
				return err
			}
			if err := tx.ReplaceEntityLocations(ctx, row.ID, ScopeDraft, locations.Result()); err != nil {
				return err
			}
			if err := tx.ReplaceEntityComponentTypes(ctx, row.ID, ScopeDraft, components.Result()); err != nil {
				return err
			}
			if err := tx.UpsertFullText(ctx, row.ID, ScopeDraft, fullText.Result()); err != nil {
				return err
			}
		}
	}

	validPublished := row.ValidPublished
	if row.PublishedVersion != nil {
		publishedVersion, err := tx.GetEntityVersion(ctx, row.ID, *row.PublishedVersion)
		if err != nil {
			return err
		}
		published := spec.Published()
		pubType, pubFields := spec.DecodeFields(row.Type, publishedVersion.SchemaVersion, publishedVersion.Fields)
		pv := pubType != "" && published.EntityType(pubType) != nil
		if pv {
			validator := collect.NewSaveValidator(published)
			collect.Run(traverse.WalkEntity(published, pubType, pubFields), validator)
			pv = len(validator.Issues()) == 0
		}
		validPublished = &pv
	}

	return tx.ResetEntityDirty(ctx, row.ID, valid, validPublished)
}
