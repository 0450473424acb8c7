package grove

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

func (s *service) GetEntity(ctx context.Context, req GetEntityRequest) (*Entity, error) {
	if req.ID == uuid.Nil {
		return nil, fmt.Errorf("%w: get requires an entity id", ErrBadRequest)
	}
	view := req.View
	if view == "" {
		view = ViewFull
	}
	spec := s.schema()
	if view == ViewPublished {
		spec = spec.Published()
	}

	var entity *Entity
	err := s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		row, err := tx.GetEntity(ctx, req.ID)
		if err != nil {
			return err
		}
		versionNumber := req.Version
		switch view {
		case ViewPublished:
			if row.PublishedVersion == nil || spec.EntityType(row.Type) == nil {
				return fmt.Errorf("%w: entity %s is not published", ErrNotFound, req.ID)
			}
			if versionNumber == 0 {
				versionNumber = *row.PublishedVersion
			} else if versionNumber != *row.PublishedVersion {
				return fmt.Errorf("%w: version %d of entity %s is not published", ErrNotFound, versionNumber, req.ID)
			}
		default:
			if versionNumber == 0 {
				versionNumber = row.LatestVersion
			}
		}
		version, err := tx.GetEntityVersion(ctx, req.ID, versionNumber)
		if err != nil {
			return err
		}
		entity, err = s.decodeEntity(row, version, view)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

func (s *service) GetEntities(ctx context.Context, view View, query EntityQuery, paging Paging) (*EntityPage, error) {
	if view == "" {
		view = ViewFull
	}
	if paging.First == 0 && paging.Last == 0 {
		paging.First = 25
	}
	if paging.First > 0 && paging.Last > 0 {
		return nil, fmt.Errorf("%w: first and last are mutually exclusive", ErrBadRequest)
	}

	var page *EntityPage
	err := s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		rows, pageInfo, err := tx.ListEntities(ctx, view, query, paging)
		if err != nil {
			return err
		}
		page = &EntityPage{PageInfo: pageInfo}
		for _, row := range rows {
			entity, err := s.loadEntityForView(ctx, tx, row, view)
			if err != nil {
				return err
			}
			page.Entities = append(page.Entities, *entity)
		}
		if len(rows) > 0 {
			page.StartCursor = EncodeCursor(rows[0].ID.String())
			page.EndCursor = EncodeCursor(rows[len(rows)-1].ID.String())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *service) GetEntitiesTotalCount(ctx context.Context, view View, query EntityQuery) (int, error) {
	if view == "" {
		view = ViewFull
	}
	var count int
	err := s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		var err error
		count, err = tx.CountEntities(ctx, view, query)
		return err
	})
	return count, err
}

func (s *service) GetEntitiesSample(ctx context.Context, view View, query EntityQuery, seed int64, count int) ([]Entity, error) {
	if view == "" {
		view = ViewFull
	}
	if count <= 0 {
		count = 25
	}
	var entities []Entity
	err := s.repository.WithTransaction(ctx, func(tx RepositoryTx) error {
		rows, err := tx.SampleEntities(ctx, view, query, seed, count)
		if err != nil {
			return err
		}
		for _, row := range rows {
			entity, err := s.loadEntityForView(ctx, tx, row, view)
			if err != nil {
				return err
			}
			entities = append(entities, *entity)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entities, nil
}

func (s *service) loadEntityForView(ctx context.Context, tx RepositoryTx, row *EntityRow, view View) (*Entity, error) {
	versionNumber := row.LatestVersion
	if view == ViewPublished {
		if row.PublishedVersion == nil {
			return nil, fmt.Errorf("%w: entity %s is not published", ErrNotFound, row.ID)
		}
		versionNumber = *row.PublishedVersion
	}
	version, err := tx.GetEntityVersion(ctx, row.ID, versionNumber)
	if err != nil {
		return nil, err
	}
	return s.decodeEntity(row, version, view)
}

// decodeEntity applies the lazy migration decode to a stored version and
// strips adminOnly fields from the published view.
func (s *service) decodeEntity(row *EntityRow, version *EntityVersionRow, view View) (*Entity, error) {
	spec := s.schema()
	typeName, fields := spec.DecodeFields(row.Type, version.SchemaVersion, version.Fields)
	if typeName == "" {
		return nil, fmt.Errorf("%w: entity type of %s was deleted from the schema", ErrNotFound, row.ID)
	}
	if view == ViewPublished {
		published := spec.Published()
		et := published.EntityType(typeName)
		if et == nil {
			return nil, fmt.Errorf("%w: entity %s is not published", ErrNotFound, row.ID)
		}
		visible := make(map[string]any, len(fields))
		for _, f := range et.Fields {
			if v, ok := fields[f.Name]; ok {
				visible[f.Name] = v
			}
		}
		fields = visible
	}
	decodedRow := *row
	decodedRow.Type = typeName
	decodedVersion := *version
	decodedVersion.Fields = fields
	return entityFromRows(&decodedRow, &decodedVersion), nil
}
