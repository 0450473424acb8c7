package grove

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/grovecms/grove/pkg/grove/collect"
	"github.com/grovecms/grove/pkg/grove/schema"
	"github.com/grovecms/grove/pkg/grove/traverse"
)

func (s *service) CreateEntity(ctx context.Context, req CreateEntityRequest) (*EntityResult, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	spec := s.schema()
	if spec.EntityType(req.Entity.Type) == nil {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrBadRequest, req.Entity.Type)
	}
	resolvedAuthKey, err := s.resolveAuthKey(ctx, spec, req.Entity.Type, req.Entity.AuthKey)
	if err != nil {
		return nil, err
	}

	var result *EntityResult
	err = s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		var err error
		result, err = s.createEntityInTx(ctx, tx, spec, req, resolvedAuthKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) UpsertEntity(ctx context.Context, req UpsertEntityRequest) (*EntityResult, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if req.Entity.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: upsert requires an entity id", ErrBadRequest)
	}
	spec := s.schema()
	if spec.EntityType(req.Entity.Type) == nil {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrBadRequest, req.Entity.Type)
	}
	resolvedAuthKey, err := s.resolveAuthKey(ctx, spec, req.Entity.Type, req.Entity.AuthKey)
	if err != nil {
		return nil, err
	}

	var result *EntityResult
	err = s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		existing, err := tx.GetEntity(ctx, req.Entity.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			result, err = s.createEntityInTx(ctx, tx, spec, CreateEntityRequest(req), resolvedAuthKey)
			return err
		case err != nil:
			return err
		}
		if existing.Type != req.Entity.Type {
			return fmt.Errorf("%w: entity %s has type %s, not %s", ErrBadRequest, existing.ID, existing.Type, req.Entity.Type)
		}
		update := UpdateEntityRequest{
			Entity:  EntityUpdate{ID: req.Entity.ID, Name: req.Entity.Name, Fields: req.Entity.Fields},
			Publish: req.Publish,
		}
		result, err = s.updateEntityInTx(ctx, tx, spec, existing, update)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) UpdateEntity(ctx context.Context, req UpdateEntityRequest) (*EntityResult, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	if req.Entity.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: update requires an entity id", ErrBadRequest)
	}
	spec := s.schema()

	var result *EntityResult
	err := s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		row, err := tx.GetEntity(ctx, req.Entity.ID)
		if err != nil {
			return err
		}
		if _, err := s.resolveAuthKey(ctx, spec, row.Type, row.AuthKey); err != nil {
			return err
		}
		result, err = s.updateEntityInTx(ctx, tx, spec, row, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) createEntityInTx(ctx context.Context, tx RepositoryTx, spec *schema.Spec, req CreateEntityRequest, resolvedAuthKey string) (*EntityResult, error) {
	id := req.Entity.ID
	if id == uuid.Nil {
		id = uuid.New()
	} else {
		if _, err := tx.GetEntity(ctx, id); err == nil {
			return nil, fmt.Errorf("%w: entity %s already exists", ErrConflict, id)
		} else if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	now := time.Now().UTC()
	row := &EntityRow{
		ID:              id,
		Type:            req.Entity.Type,
		AuthKey:         req.Entity.AuthKey,
		ResolvedAuthKey: resolvedAuthKey,
		Status:          StatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
		LatestVersion:   1,
		Valid:           true,
	}
	name, err := s.allocateName(ctx, tx, spec, row, req.Entity.Name, req.Entity.Fields)
	if err != nil {
		return nil, err
	}
	row.Name = name

	if err := tx.CreateEntity(ctx, row); err != nil {
		return nil, &EntityError{EntityID: id, Op: "create", Err: err}
	}
	version := &EntityVersionRow{
		EntityID:      id,
		Version:       1,
		SchemaVersion: spec.Version,
		CreatedBy:     s.session.Subject,
		CreatedAt:     now,
		Fields:        req.Entity.Fields,
	}
	if err := tx.CreateEntityVersion(ctx, version); err != nil {
		return nil, &EntityError{EntityID: id, Op: "create", Err: err}
	}
	if err := s.saveDerived(ctx, tx, spec, row, req.Entity.Fields); err != nil {
		return nil, err
	}

	effect, eventType := EffectCreated, EventCreateEntity
	if req.Publish {
		if err := s.publishInTx(ctx, tx, spec, row, version); err != nil {
			return nil, err
		}
		effect, eventType = EffectCreatedAndPublished, EventCreateAndPublishEntity
	}
	if err := tx.UpdateEntity(ctx, row); err != nil {
		return nil, &EntityError{EntityID: id, Op: "create", Err: err}
	}
	if err := s.appendEntityEvent(ctx, tx, eventType, []EventEntityRef{{ID: id, Name: row.Name, Version: 1}}); err != nil {
		return nil, err
	}
	return &EntityResult{Effect: effect, Entity: entityFromRows(row, version)}, nil
}

func (s *service) updateEntityInTx(ctx context.Context, tx RepositoryTx, spec *schema.Spec, row *EntityRow, req UpdateEntityRequest) (*EntityResult, error) {
	latest, err := tx.GetEntityVersion(ctx, row.ID, row.LatestVersion)
	if err != nil {
		return nil, err
	}
	decodedType, decodedFields := spec.DecodeFields(row.Type, latest.SchemaVersion, latest.Fields)
	if decodedType == "" {
		return nil, fmt.Errorf("%w: entity type of %s was deleted from the schema", ErrBadRequest, row.ID)
	}
	row.Type = decodedType

	merged := mergeFields(decodedFields, req.Entity.Fields)

	nameChanged := req.Entity.Name != "" && req.Entity.Name != row.Name
	fieldsChanged := !reflect.DeepEqual(merged, decodedFields) || latest.SchemaVersion != spec.Version
	alreadyPublished := row.PublishedVersion != nil && *row.PublishedVersion == row.LatestVersion
	if !fieldsChanged && !nameChanged && (!req.Publish || alreadyPublished) {
		latest.Fields = decodedFields
		return &EntityResult{Effect: EffectNone, Entity: entityFromRows(row, latest)}, nil
	}

	now := time.Now().UTC()
	version := latest
	if fieldsChanged {
		version = &EntityVersionRow{
			EntityID:      row.ID,
			Version:       row.LatestVersion + 1,
			SchemaVersion: spec.Version,
			CreatedBy:     s.session.Subject,
			CreatedAt:     now,
			Fields:        merged,
		}
		if err := tx.CreateEntityVersion(ctx, version); err != nil {
			return nil, &EntityError{EntityID: row.ID, Op: "update", Err: err}
		}
		row.LatestVersion = version.Version
		if err := s.saveDerived(ctx, tx, spec, row, merged); err != nil {
			return nil, err
		}
	}
	if nameChanged || fieldsChanged {
		name, err := s.allocateName(ctx, tx, spec, row, req.Entity.Name, merged)
		if err != nil {
			return nil, err
		}
		row.Name = name
	}
	row.UpdatedAt = now
	row.Status = statusAfterUpdate(row.Status)

	effect, eventType := EffectUpdated, EventUpdateEntity
	if req.Publish {
		if err := s.publishInTx(ctx, tx, spec, row, version); err != nil {
			return nil, err
		}
		effect, eventType = EffectUpdatedAndPublished, EventUpdateAndPublishEntity
	}
	if err := tx.UpdateEntity(ctx, row); err != nil {
		return nil, &EntityError{EntityID: row.ID, Op: "update", Err: err}
	}
	if err := s.appendEntityEvent(ctx, tx, eventType, []EventEntityRef{{ID: row.ID, Name: row.Name, Version: version.Version}}); err != nil {
		return nil, err
	}
	return &EntityResult{Effect: effect, Entity: entityFromRows(row, version)}, nil
}

// saveDerived runs the single traversal pass for a saved version: save
// validation, then reference/location/full-text/unique-value maintenance on
// the draft scope. Unique-value collisions surface as per-path issues, not
// a hard abort, so the caller sees exactly which field conflicted.
func (s *service) saveDerived(ctx context.Context, tx RepositoryTx, spec *schema.Spec, row *EntityRow, fields map[string]any) error {
	validator := collect.NewSaveValidator(spec)
	fullText := &collect.FullTextCollector{}
	refs := &collect.ReferenceCollector{}
	locations := &collect.LocationCollector{}
	uniques := &collect.UniqueValueCollector{}
	components := &collect.ComponentTypeCollector{}
	collect.Run(traverse.WalkEntity(spec, row.Type, fields),
		validator, fullText, refs, locations, uniques, components)

	issues := validator.Issues()
	issues = append(issues, s.checkReferencedTypes(ctx, tx, refs.Result())...)
	if len(issues) == 0 {
		uniqueIssues, err := s.reserveUniqueValues(ctx, tx, row.ID, ScopeDraft, uniques.Result())
		if err != nil {
			return err
		}
		issues = append(issues, uniqueIssues...)
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	if err := tx.ReplaceEntityReferences(ctx, row.ID, ScopeDraft, refs.IDs()); err != nil {
		return err
	}
	if err := tx.ReplaceEntityLocations(ctx, row.ID, ScopeDraft, locations.Result()); err != nil {
		return err
	}
	if err := tx.ReplaceEntityComponentTypes(ctx, row.ID, ScopeDraft, components.Result()); err != nil {
		return err
	}
	return tx.UpsertFullText(ctx, row.ID, ScopeDraft, fullText.Result())
}

// checkReferencedTypes verifies every outbound reference points at an
// existing entity of an allowed type.
func (s *service) checkReferencedTypes(ctx context.Context, tx RepositoryTx, refs []collect.Reference) []collect.Issue {
	var issues []collect.Issue
	for _, ref := range refs {
		target, err := tx.GetEntity(ctx, ref.ID)
		if errors.Is(err, ErrNotFound) {
			issues = append(issues, collect.Issue{Path: ref.Path, Kind: collect.IssueKindInvalid,
				Message: fmt.Sprintf("referenced entity %s does not exist", ref.ID)})
			continue
		}
		if err != nil {
			// Lookup failures fail validation rather than abort the batch.
			issues = append(issues, collect.Issue{Path: ref.Path, Kind: collect.IssueKindInvalid,
				Message: fmt.Sprintf("referenced entity %s could not be loaded", ref.ID)})
			continue
		}
		if len(ref.AllowedTypes) > 0 && !containsString(ref.AllowedTypes, target.Type) {
			issues = append(issues, collect.Issue{Path: ref.Path, Kind: collect.IssueKindInvalid,
				Message: fmt.Sprintf("referenced entity is of type %s, expected one of %v", target.Type, ref.AllowedTypes)})
		}
	}
	return issues
}

// reserveUniqueValues reconciles the entity's live (index, value) bindings
// in one scope against the candidates of the version being saved. Each
// acquire runs in a savepoint so a backend unique violation does not poison
// the surrounding transaction.
func (s *service) reserveUniqueValues(ctx context.Context, tx RepositoryTx, entityID uuid.UUID, scope Scope, candidates []collect.UniqueCandidate) ([]collect.Issue, error) {
	current, err := tx.GetUniqueValues(ctx, entityID)
	if err != nil {
		return nil, err
	}
	held := map[[2]string]bool{}
	for _, row := range current {
		if row.Scope == scope {
			held[[2]string{row.Index, row.Value}] = true
		}
	}

	var issues []collect.Issue
	wanted := map[[2]string]bool{}
	for _, c := range candidates {
		key := [2]string{c.Index, c.Value}
		if wanted[key] {
			continue
		}
		wanted[key] = true
		if held[key] {
			continue
		}
		err := tx.WithSavepoint(ctx, func() error {
			return tx.AcquireUniqueValue(ctx, scope, c.Index, c.Value, entityID)
		})
		if errors.Is(err, ErrConflict) {
			issues = append(issues, collect.Issue{Path: c.Path, Kind: collect.IssueKindConflict,
				Message: fmt.Sprintf("value %q is already in use in index %s", c.Value, c.Index)})
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	for key := range held {
		if !wanted[key] {
			if err := tx.ReleaseUniqueValue(ctx, scope, key[0], key[1]); err != nil {
				return nil, err
			}
		}
	}
	return issues, nil
}

// allocateName picks the entity's name: the nameField value when the type
// declares one, then the requested name, then the type name. Collisions with
// other entities get a #N discriminator.
func (s *service) allocateName(ctx context.Context, tx RepositoryTx, spec *schema.Spec, row *EntityRow, requested string, fields map[string]any) (string, error) {
	base := requested
	if et := spec.EntityType(row.Type); et != nil && et.NameField != "" {
		if v, ok := fields[et.NameField].(string); ok && v != "" {
			base = v
		}
	}
	if base == "" {
		base = row.Type
	}
	if base == row.Name {
		return base, nil
	}
	name := base
	for n := 2; ; n++ {
		other, err := tx.GetEntityByName(ctx, name)
		if errors.Is(err, ErrNotFound) {
			return name, nil
		}
		if err != nil {
			return "", err
		}
		if other.ID == row.ID {
			return name, nil
		}
		name = fmt.Sprintf("%s#%d", base, n)
	}
}

// mergeFields overlays an update's fields on the decoded latest version:
// provided keys replace, explicit nulls delete, omitted keys are kept.
func mergeFields(current, update map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(update))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range update {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

func entityFromRows(row *EntityRow, version *EntityVersionRow) *Entity {
	return &Entity{
		ID: row.ID,
		Info: EntityInfo{
			Type:            row.Type,
			Name:            row.Name,
			AuthKey:         row.AuthKey,
			ResolvedAuthKey: row.ResolvedAuthKey,
			Version:         version.Version,
			Status:          row.Status,
			Valid:           row.Valid,
			ValidPublished:  row.ValidPublished,
			CreatedAt:       row.CreatedAt,
			UpdatedAt:       row.UpdatedAt,
		},
		Fields: version.Fields,
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
