package grove_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovecms/grove/pkg/grove"
	"github.com/grovecms/grove/pkg/grove/collect"
	"github.com/grovecms/grove/pkg/grove/repo/memory"
	"github.com/grovecms/grove/pkg/grove/schema"
)

func newTestService(t *testing.T, options ...grove.Option) grove.Service {
	t.Helper()
	opts := append([]grove.Option{
		grove.WithRepository(memory.New()),
		grove.WithSession(grove.Session{Subject: "tester"}),
	}, options...)
	svc, err := grove.New(context.Background(), opts...)
	require.NoError(t, err)
	return svc
}

func applyBaseSchema(t *testing.T, svc grove.Service) {
	t.Helper()
	result, err := svc.UpdateSchemaSpecification(context.Background(), schema.UpdateRequest{
		EntityTypes: []schema.EntityType{
			{
				Name:      "Article",
				NameField: "title",
				Fields: []schema.Field{
					{Name: "title", Type: schema.FieldTypeString, Required: true},
					{Name: "slug", Type: schema.FieldTypeString, MatchPattern: "slug", Index: "slugs"},
					{Name: "author", Type: schema.FieldTypeReference, EntityTypes: []string{"Author"}},
				},
			},
			{
				Name: "Author",
				Fields: []schema.Field{
					{Name: "name", Type: schema.FieldTypeString, Required: true},
				},
			},
		},
		Patterns: []schema.Pattern{{Name: "slug", Pattern: `^[a-z0-9-]+$`}},
		Indexes:  []schema.Index{{Name: "slugs", Kind: schema.IndexKindUnique}},
	})
	require.NoError(t, err)
	require.Equal(t, grove.EffectUpdated, result.Effect)
	require.Equal(t, 1, result.Spec.Version)
}

func createArticle(t *testing.T, svc grove.Service, fields map[string]any) *grove.Entity {
	t.Helper()
	result, err := svc.CreateEntity(context.Background(), grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Article", Fields: fields},
	})
	require.NoError(t, err)
	require.Equal(t, grove.EffectCreated, result.Effect)
	return result.Entity
}

func TestServiceCreation(t *testing.T) {
	tests := []struct {
		name        string
		options     []grove.Option
		expectError bool
	}{
		{
			name:        "no options should fail",
			options:     nil,
			expectError: true,
		},
		{
			name:        "with repository should succeed",
			options:     []grove.Option{grove.WithRepository(memory.New())},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := grove.New(context.Background(), tt.options...)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, svc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, svc)
			}
		})
	}
}

func TestCreateEntityDraft(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)

	entity := createArticle(t, svc, map[string]any{"title": "Hello", "slug": "hello"})

	assert.NotEqual(t, uuid.Nil, entity.ID)
	assert.Equal(t, "Article", entity.Info.Type)
	assert.Equal(t, grove.StatusDraft, entity.Info.Status)
	assert.Equal(t, 1, entity.Info.Version)
	assert.True(t, entity.Info.Valid)
	assert.Nil(t, entity.Info.ValidPublished)
	// The name comes from the type's nameField.
	assert.Equal(t, "Hello", entity.Info.Name)
}

func TestCreateEntityNameCollision(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)

	first := createArticle(t, svc, map[string]any{"title": "Hello"})
	second := createArticle(t, svc, map[string]any{"title": "Hello"})
	third := createArticle(t, svc, map[string]any{"title": "Hello"})

	assert.Equal(t, "Hello", first.Info.Name)
	assert.Equal(t, "Hello#2", second.Info.Name)
	assert.Equal(t, "Hello#3", third.Info.Name)
}

func TestCreateEntityRejectsUnknownType(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)

	_, err := svc.CreateEntity(context.Background(), grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Ghost"},
	})
	require.ErrorIs(t, err, grove.ErrBadRequest)
}

func TestCreateEntityValidationFailure(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)

	_, err := svc.CreateEntity(context.Background(), grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Article", Fields: map[string]any{"slug": "no-title"}},
	})
	require.ErrorIs(t, err, grove.ErrBadRequest)

	var ve *grove.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Issues, 1)
	assert.Equal(t, collect.IssueKindRequired, ve.Issues[0].Kind)
	assert.Equal(t, "fields.title", ve.Issues[0].Path.String())
}

func TestCreateEntityExplicitIDConflict(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)

	id := uuid.New()
	_, err := svc.CreateEntity(context.Background(), grove.CreateEntityRequest{
		Entity: grove.EntityCreate{ID: id, Type: "Article", Fields: map[string]any{"title": "One"}},
	})
	require.NoError(t, err)

	_, err = svc.CreateEntity(context.Background(), grove.CreateEntityRequest{
		Entity: grove.EntityCreate{ID: id, Type: "Article", Fields: map[string]any{"title": "Two"}},
	})
	require.ErrorIs(t, err, grove.ErrConflict)
}

func TestUniqueIndexConflict(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)

	createArticle(t, svc, map[string]any{"title": "First", "slug": "shared"})

	_, err := svc.CreateEntity(context.Background(), grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Article", Fields: map[string]any{"title": "Second", "slug": "shared"}},
	})
	var ve *grove.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Issues, 1)
	assert.Equal(t, collect.IssueKindConflict, ve.Issues[0].Kind)
	assert.Equal(t, "fields.slug", ve.Issues[0].Path.String())

	// The failed transaction held nothing; a later create may take a freed
	// value after the first entity moves off it.
	first, err := svc.GetEntities(context.Background(), grove.ViewFull, grove.EntityQuery{}, grove.Paging{})
	require.NoError(t, err)
	require.Len(t, first.Entities, 1)
}

func TestUniqueValueFreedByUpdate(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)

	holder := createArticle(t, svc, map[string]any{"title": "Holder", "slug": "taken"})

	// Move the holder off the value, then the slot is free.
	_, err := svc.UpdateEntity(context.Background(), grove.UpdateEntityRequest{
		Entity: grove.EntityUpdate{ID: holder.ID, Fields: map[string]any{"slug": "moved"}},
	})
	require.NoError(t, err)

	claim := createArticle(t, svc, map[string]any{"title": "Claimer", "slug": "taken"})
	assert.Equal(t, "taken", claim.Fields["slug"])
}

func TestUpdateEntityMergeSemantics(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)

	entity := createArticle(t, svc, map[string]any{"title": "Hello", "slug": "hello"})

	result, err := svc.UpdateEntity(context.Background(), grove.UpdateEntityRequest{
		Entity: grove.EntityUpdate{ID: entity.ID, Fields: map[string]any{
			"title": "Hello Again",
			"slug":  nil,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, grove.EffectUpdated, result.Effect)
	assert.Equal(t, 2, result.Entity.Info.Version)
	assert.Equal(t, "Hello Again", result.Entity.Fields["title"])
	// Explicit nulls delete; omitted keys are kept.
	assert.NotContains(t, result.Entity.Fields, "slug")
}

func TestUpdateEntityNoChangeIsNone(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)

	entity := createArticle(t, svc, map[string]any{"title": "Same"})

	result, err := svc.UpdateEntity(context.Background(), grove.UpdateEntityRequest{
		Entity: grove.EntityUpdate{ID: entity.ID, Fields: map[string]any{"title": "Same"}},
	})
	require.NoError(t, err)
	assert.Equal(t, grove.EffectNone, result.Effect)
	assert.Equal(t, 1, result.Entity.Info.Version)
}

func TestPublishLifecycle(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	entity := createArticle(t, svc, map[string]any{"title": "Cycle"})

	// draft -> published
	results, err := svc.PublishEntities(ctx, []uuid.UUID{entity.ID})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, grove.EffectPublished, results[0].Effect)
	assert.Equal(t, grove.StatusPublished, results[0].Status)

	// publishing again is a no-op
	results, err = svc.PublishEntities(ctx, []uuid.UUID{entity.ID})
	require.NoError(t, err)
	assert.Equal(t, grove.EffectNone, results[0].Effect)

	// published -> modified on update
	updated, err := svc.UpdateEntity(ctx, grove.UpdateEntityRequest{
		Entity: grove.EntityUpdate{ID: entity.ID, Fields: map[string]any{"title": "Cycle 2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, grove.StatusModified, updated.Entity.Info.Status)

	// the published view still serves the published version
	published, err := svc.GetEntity(ctx, grove.GetEntityRequest{ID: entity.ID, View: grove.ViewPublished})
	require.NoError(t, err)
	assert.Equal(t, "Cycle", published.Fields["title"])
	assert.Equal(t, 1, published.Info.Version)

	// modified -> withdrawn on unpublish
	results, err = svc.UnpublishEntities(ctx, []uuid.UUID{entity.ID})
	require.NoError(t, err)
	assert.Equal(t, grove.EffectUnpublished, results[0].Effect)
	assert.Equal(t, grove.StatusWithdrawn, results[0].Status)

	// the published view no longer has it
	_, err = svc.GetEntity(ctx, grove.GetEntityRequest{ID: entity.ID, View: grove.ViewPublished})
	require.ErrorIs(t, err, grove.ErrNotFound)

	// unpublishing a withdrawn entity is a no-op
	results, err = svc.UnpublishEntities(ctx, []uuid.UUID{entity.ID})
	require.NoError(t, err)
	assert.Equal(t, grove.EffectNone, results[0].Effect)
	assert.Equal(t, grove.StatusWithdrawn, results[0].Status)
}

func TestCreateWithPublish(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)

	result, err := svc.CreateEntity(context.Background(), grove.CreateEntityRequest{
		Entity:  grove.EntityCreate{Type: "Article", Fields: map[string]any{"title": "Live"}},
		Publish: true,
	})
	require.NoError(t, err)
	assert.Equal(t, grove.EffectCreatedAndPublished, result.Effect)
	assert.Equal(t, grove.StatusPublished, result.Entity.Info.Status)
	require.NotNil(t, result.Entity.Info.ValidPublished)
	assert.True(t, *result.Entity.Info.ValidPublished)
}

func TestPublishRequiresPublishedReferences(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	author, err := svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Author", Fields: map[string]any{"name": "Ada"}},
	})
	require.NoError(t, err)

	// Creating with publish aborts entirely when the referenced entity is
	// still a draft; not even the draft version survives.
	articleID := uuid.New()
	_, err = svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{ID: articleID, Type: "Article", Fields: map[string]any{
			"title":  "On Engines",
			"author": map[string]any{"id": author.Entity.ID.String()},
		}},
		Publish: true,
	})
	var ve *grove.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, collect.IssueKindUnpublished, ve.Issues[0].Kind)
	_, err = svc.GetEntity(ctx, grove.GetEntityRequest{ID: articleID})
	require.ErrorIs(t, err, grove.ErrNotFound)

	// After publishing the author the same create succeeds.
	_, err = svc.PublishEntities(ctx, []uuid.UUID{author.Entity.ID})
	require.NoError(t, err)
	result, err := svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{ID: articleID, Type: "Article", Fields: map[string]any{
			"title":  "On Engines",
			"author": map[string]any{"id": author.Entity.ID.String()},
		}},
		Publish: true,
	})
	require.NoError(t, err)
	assert.Equal(t, grove.EffectCreatedAndPublished, result.Effect)
}

func TestUnpublishBlockedByPublishedReference(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	author, err := svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity:  grove.EntityCreate{Type: "Author", Fields: map[string]any{"name": "Ada"}},
		Publish: true,
	})
	require.NoError(t, err)
	article, err := svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Article", Fields: map[string]any{
			"title":  "On Engines",
			"author": map[string]any{"id": author.Entity.ID.String()},
		}},
		Publish: true,
	})
	require.NoError(t, err)

	_, err = svc.UnpublishEntities(ctx, []uuid.UUID{author.Entity.ID})
	var re *grove.ReferencedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, author.Entity.ID, re.EntityID)
	assert.Contains(t, re.ReferencedBy, article.Entity.ID)

	// Unpublishing both in one batch ignores references inside the batch.
	results, err := svc.UnpublishEntities(ctx, []uuid.UUID{article.Entity.ID, author.Entity.ID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, grove.EffectUnpublished, r.Effect)
	}
}

func TestReferenceMustExistAndMatchType(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	_, err := svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Article", Fields: map[string]any{
			"title":  "Dangling",
			"author": map[string]any{"id": uuid.New().String()},
		}},
	})
	var ve *grove.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Issues[0].Message, "does not exist")

	other := createArticle(t, svc, map[string]any{"title": "Not An Author"})
	_, err = svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Article", Fields: map[string]any{
			"title":  "Wrong Type",
			"author": map[string]any{"id": other.ID.String()},
		}},
	})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Issues[0].Message, "expected one of")
}

func TestArchiveDeleteRecreate(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	entity := createArticle(t, svc, map[string]any{"title": "Short Lived", "slug": "short"})
	id := entity.ID

	// Draft entities cannot be deleted outright.
	err := svc.DeleteEntities(ctx, []uuid.UUID{id})
	require.ErrorIs(t, err, grove.ErrBadRequest)

	archived, err := svc.ArchiveEntity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, grove.EffectArchived, archived.Effect)
	assert.Equal(t, grove.StatusArchived, archived.Status)

	// Archiving again is a no-op.
	again, err := svc.ArchiveEntity(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, grove.EffectNone, again.Effect)

	require.NoError(t, svc.DeleteEntities(ctx, []uuid.UUID{id}))
	_, err = svc.GetEntity(ctx, grove.GetEntityRequest{ID: id})
	require.ErrorIs(t, err, grove.ErrNotFound)

	// Deleting releases the id, the name and the unique value: the same
	// identity can be created from scratch at version 1.
	recreated, err := svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{ID: id, Type: "Article", Fields: map[string]any{"title": "Short Lived", "slug": "short"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, recreated.Entity.Info.Version)
	assert.Equal(t, "Short Lived", recreated.Entity.Info.Name)
}

func TestDeleteBlockedByReference(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	author, err := svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Author", Fields: map[string]any{"name": "Ada"}},
	})
	require.NoError(t, err)
	article := createArticle(t, svc, map[string]any{
		"title":  "Holds On",
		"author": map[string]any{"id": author.Entity.ID.String()},
	})

	_, err = svc.ArchiveEntity(ctx, author.Entity.ID)
	require.NoError(t, err)
	err = svc.DeleteEntities(ctx, []uuid.UUID{author.Entity.ID})
	var re *grove.ReferencedError
	require.ErrorAs(t, err, &re)
	assert.Contains(t, re.ReferencedBy, article.ID)

	// Dropping the reference unblocks the deletion.
	_, err = svc.UpdateEntity(ctx, grove.UpdateEntityRequest{
		Entity: grove.EntityUpdate{ID: article.ID, Fields: map[string]any{"author": nil}},
	})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteEntities(ctx, []uuid.UUID{author.Entity.ID}))
}

func TestUnarchiveRestoresDraft(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	entity := createArticle(t, svc, map[string]any{"title": "Sleeper"})
	_, err := svc.ArchiveEntity(ctx, entity.ID)
	require.NoError(t, err)

	result, err := svc.UnarchiveEntity(ctx, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, grove.EffectUnarchived, result.Effect)
	assert.Equal(t, grove.StatusDraft, result.Status)
}

func TestBatchIDValidation(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()
	id := uuid.New()

	tests := []struct {
		name string
		ids  []uuid.UUID
	}{
		{"empty batch", nil},
		{"nil id", []uuid.UUID{uuid.Nil}},
		{"duplicate id", []uuid.UUID{id, id}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PublishEntities(ctx, tt.ids)
			assert.ErrorIs(t, err, grove.ErrBadRequest)
			err = svc.DeleteEntities(ctx, tt.ids)
			assert.ErrorIs(t, err, grove.ErrBadRequest)
		})
	}
}

func TestUpsertEntity(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	// Upsert requires an explicit id.
	_, err := svc.UpsertEntity(ctx, grove.UpsertEntityRequest{
		Entity: grove.EntityCreate{Type: "Article", Fields: map[string]any{"title": "X"}},
	})
	require.ErrorIs(t, err, grove.ErrBadRequest)

	id := uuid.New()
	first, err := svc.UpsertEntity(ctx, grove.UpsertEntityRequest{
		Entity: grove.EntityCreate{ID: id, Type: "Article", Fields: map[string]any{"title": "Once"}},
	})
	require.NoError(t, err)
	assert.Equal(t, grove.EffectCreated, first.Effect)

	second, err := svc.UpsertEntity(ctx, grove.UpsertEntityRequest{
		Entity: grove.EntityCreate{ID: id, Type: "Article", Fields: map[string]any{"title": "Twice"}},
	})
	require.NoError(t, err)
	assert.Equal(t, grove.EffectUpdated, second.Effect)
	assert.Equal(t, 2, second.Entity.Info.Version)

	// Upserting under a different type is rejected.
	_, err = svc.UpsertEntity(ctx, grove.UpsertEntityRequest{
		Entity: grove.EntityCreate{ID: id, Type: "Author", Fields: map[string]any{"name": "N"}},
	})
	require.ErrorIs(t, err, grove.ErrBadRequest)
}

func TestGetEntityHistoricalVersion(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	entity := createArticle(t, svc, map[string]any{"title": "V1"})
	_, err := svc.UpdateEntity(ctx, grove.UpdateEntityRequest{
		Entity: grove.EntityUpdate{ID: entity.ID, Fields: map[string]any{"title": "V2"}},
	})
	require.NoError(t, err)

	head, err := svc.GetEntity(ctx, grove.GetEntityRequest{ID: entity.ID})
	require.NoError(t, err)
	assert.Equal(t, "V2", head.Fields["title"])

	historical, err := svc.GetEntity(ctx, grove.GetEntityRequest{ID: entity.ID, Version: 1})
	require.NoError(t, err)
	assert.Equal(t, "V1", historical.Fields["title"])

	_, err = svc.GetEntity(ctx, grove.GetEntityRequest{ID: entity.ID, Version: 9})
	require.ErrorIs(t, err, grove.ErrNotFound)
}

func TestReadonlySessionRejectsWrites(t *testing.T) {
	repo := memory.New()
	writer, err := grove.New(context.Background(), grove.WithRepository(repo))
	require.NoError(t, err)
	applyBaseSchema(t, writer)

	reader, err := grove.New(context.Background(),
		grove.WithRepository(repo),
		grove.WithSession(grove.Session{Subject: "reader", ReadOnly: true}))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = reader.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Article", Fields: map[string]any{"title": "Nope"}},
	})
	assert.ErrorIs(t, err, grove.ErrReadonlySession)

	_, err = reader.PublishEntities(ctx, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, grove.ErrReadonlySession)

	_, err = reader.UpdateSchemaSpecification(ctx, schema.UpdateRequest{
		Indexes: []schema.Index{{Name: "x", Kind: schema.IndexKindUnique}},
	})
	assert.ErrorIs(t, err, grove.ErrReadonlySession)

	// Reads still work.
	_, err = reader.GetEntities(ctx, grove.ViewFull, grove.EntityQuery{}, grove.Paging{})
	assert.NoError(t, err)
}

func TestAuthKeyPatternGate(t *testing.T) {
	svc := newTestService(t)
	result, err := svc.UpdateSchemaSpecification(context.Background(), schema.UpdateRequest{
		EntityTypes: []schema.EntityType{
			{
				Name:           "Tenant",
				AuthKeyPattern: "tenantKey",
				Fields:         []schema.Field{{Name: "name", Type: schema.FieldTypeString, Required: true}},
			},
		},
		Patterns: []schema.Pattern{{Name: "tenantKey", Pattern: `^tenant:[a-z]+$`}},
	})
	require.NoError(t, err)
	require.Equal(t, grove.EffectUpdated, result.Effect)
	ctx := context.Background()

	_, err = svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Tenant", AuthKey: "wrong", Fields: map[string]any{"name": "x"}},
	})
	require.ErrorIs(t, err, grove.ErrBadRequest)

	created, err := svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Tenant", AuthKey: "tenant:acme", Fields: map[string]any{"name": "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "tenant:acme", created.Entity.Info.AuthKey)
	assert.Equal(t, "tenant:acme", created.Entity.Info.ResolvedAuthKey)
}

func TestAuthorizerResolvesAuthKey(t *testing.T) {
	svc := newTestService(t, grove.WithAuthorizer(
		grove.AuthorizerFunc(func(_ context.Context, session grove.Session, _, authKey string) (string, error) {
			return session.Subject + "/" + authKey, nil
		})))
	applyBaseSchema(t, svc)

	entity := createArticle(t, svc, map[string]any{"title": "Scoped"})
	assert.Equal(t, "tester/", entity.Info.ResolvedAuthKey)
}

func TestChangelogRecordsOperations(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	entity := createArticle(t, svc, map[string]any{"title": "Tracked"})
	_, err := svc.PublishEntities(ctx, []uuid.UUID{entity.ID})
	require.NoError(t, err)
	_, err = svc.UnpublishEntities(ctx, []uuid.UUID{entity.ID})
	require.NoError(t, err)

	page, err := svc.GetChangelogEvents(ctx, grove.ChangelogQuery{})
	require.NoError(t, err)
	require.Len(t, page.Events, 4)
	assert.Equal(t, grove.EventUpdateSchema, page.Events[0].Type)
	assert.Equal(t, 1, page.Events[0].SchemaVersion)
	assert.Equal(t, grove.EventCreateEntity, page.Events[1].Type)
	assert.Equal(t, grove.EventPublishEntities, page.Events[2].Type)
	assert.Equal(t, grove.EventUnpublishEntities, page.Events[3].Type)

	require.Len(t, page.Events[1].Entities, 1)
	assert.Equal(t, entity.ID, page.Events[1].Entities[0].ID)
	assert.Equal(t, "Tracked", page.Events[1].Entities[0].Name)
	assert.Equal(t, "tester", page.Events[1].CreatedBy)
}

func TestChangelogCursorPaging(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		createArticle(t, svc, map[string]any{"title": "N"})
	}

	first, err := svc.GetChangelogEvents(ctx, grove.ChangelogQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Events, 2)
	assert.True(t, first.HasMore)

	second, err := svc.GetChangelogEvents(ctx, grove.ChangelogQuery{
		Limit: 3,
		After: first.Events[1].Cursor,
	})
	require.NoError(t, err)
	require.Len(t, second.Events, 3)
	assert.False(t, second.HasMore)

	// No overlap across the cursor boundary.
	assert.NotEqual(t, first.Events[1].ID, second.Events[0].ID)

	// A malformed cursor is a bad request; a cursor past the end is not found.
	_, err = svc.GetChangelogEvents(ctx, grove.ChangelogQuery{After: "!!!"})
	require.ErrorIs(t, err, grove.ErrBadRequest)
	_, err = svc.GetChangelogEvents(ctx, grove.ChangelogQuery{After: grove.EncodeIntCursor(999)})
	require.ErrorIs(t, err, grove.ErrNotFound)
}

func TestChangelogFilters(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	a := createArticle(t, svc, map[string]any{"title": "A"})
	createArticle(t, svc, map[string]any{"title": "B"})

	byType, err := svc.GetChangelogEvents(ctx, grove.ChangelogQuery{
		Types: []grove.SyncEventType{grove.EventCreateEntity},
	})
	require.NoError(t, err)
	assert.Len(t, byType.Events, 2)

	byEntity, err := svc.GetChangelogEvents(ctx, grove.ChangelogQuery{
		EntityIDs: []uuid.UUID{a.ID},
	})
	require.NoError(t, err)
	require.Len(t, byEntity.Events, 1)
	assert.Equal(t, a.ID, byEntity.Events[0].Entities[0].ID)
}

func TestSchemaUpdateVersioning(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	// Empty requests change nothing.
	result, err := svc.UpdateSchemaSpecification(ctx, schema.UpdateRequest{})
	require.NoError(t, err)
	assert.Equal(t, grove.EffectNone, result.Effect)
	assert.Equal(t, 1, result.Spec.Version)

	// A stale expected version is rejected.
	_, err = svc.UpdateSchemaSpecification(ctx, schema.UpdateRequest{
		Version: 1,
		Indexes: []schema.Index{{Name: "other", Kind: schema.IndexKindUnique}},
	})
	require.ErrorIs(t, err, grove.ErrBadRequest)

	// Schema problems surface as a SchemaError.
	_, err = svc.UpdateSchemaSpecification(ctx, schema.UpdateRequest{
		EntityTypes: []schema.EntityType{
			{Name: "Broken", Fields: []schema.Field{{Name: "f", Type: "Nope"}}},
		},
	})
	var se *grove.SchemaError
	require.ErrorAs(t, err, &se)
	require.NotEmpty(t, se.Problems)
}

func TestSchemaUpdateCompletesAndDetectsConcurrentBump(t *testing.T) {
	repo := memory.New()
	svcA, err := grove.New(context.Background(),
		grove.WithRepository(repo),
		grove.WithSession(grove.Session{Subject: "tester"}))
	require.NoError(t, err)
	svcB, err := grove.New(context.Background(),
		grove.WithRepository(repo),
		grove.WithSession(grove.Session{Subject: "tester"}))
	require.NoError(t, err)

	// The update must finish promptly even though the repository serializes
	// all transactional work behind a single lock.
	done := make(chan error, 1)
	go func() {
		_, err := svcA.UpdateSchemaSpecification(context.Background(), schema.UpdateRequest{
			EntityTypes: []schema.EntityType{
				{Name: "Note", Fields: []schema.Field{{Name: "text", Type: schema.FieldTypeString}}},
			},
		})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("schema update did not complete")
	}

	// svcB still carries the pre-update snapshot; its bump is rejected
	// instead of silently overwriting the stored version.
	_, err = svcB.UpdateSchemaSpecification(context.Background(), schema.UpdateRequest{
		EntityTypes: []schema.EntityType{
			{Name: "Tag", Fields: []schema.Field{{Name: "label", Type: schema.FieldTypeString}}},
		},
	})
	require.ErrorIs(t, err, grove.ErrConflict)
}

func TestSchemaUpdateRenamesTypeEagerly(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	entity, err := svc.CreateEntity(ctx, grove.CreateEntityRequest{
		Entity: grove.EntityCreate{Type: "Author", Fields: map[string]any{"name": "Ada"}},
	})
	require.NoError(t, err)

	result, err := svc.UpdateSchemaSpecification(ctx, schema.UpdateRequest{
		Migrations: []schema.MigrationBatch{{
			Version: 2,
			Actions: []schema.MigrationAction{
				{Kind: schema.ActionRenameType, Type: "Author", NewName: "Writer"},
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Spec.Version)

	// Stored rows were renamed; the entity reads back under the new type.
	got, err := svc.GetEntity(ctx, grove.GetEntityRequest{ID: entity.Entity.ID})
	require.NoError(t, err)
	assert.Equal(t, "Writer", got.Info.Type)
}

func TestSchemaUpdateMarksDirtyAndSweepRevalidates(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	entity := createArticle(t, svc, map[string]any{"title": "lowercase title"})

	// Tighten the title with a pattern existing content does not match.
	changed := schema.EntityType{
		Name:      "Article",
		NameField: "title",
		Fields: []schema.Field{
			{Name: "title", Type: schema.FieldTypeString, Required: true, MatchPattern: "upper"},
			{Name: "slug", Type: schema.FieldTypeString, MatchPattern: "slug", Index: "slugs"},
			{Name: "author", Type: schema.FieldTypeReference, EntityTypes: []string{"Author"}},
		},
	}
	result, err := svc.UpdateSchemaSpecification(ctx, schema.UpdateRequest{
		EntityTypes: []schema.EntityType{changed},
		Patterns:    []schema.Pattern{{Name: "upper", Pattern: `^[A-Z]`}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.DirtyCount)

	sweep, err := svc.ProcessDirtyEntities(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Processed)
	assert.False(t, sweep.Remaining)

	got, err := svc.GetEntity(ctx, grove.GetEntityRequest{ID: entity.ID})
	require.NoError(t, err)
	assert.False(t, got.Info.Valid)

	// Nothing left to process.
	sweep, err = svc.ProcessDirtyEntities(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, sweep.Processed)
}

func TestLazyMigrationDecodeOnRead(t *testing.T) {
	svc := newTestService(t)
	applyBaseSchema(t, svc)
	ctx := context.Background()

	entity := createArticle(t, svc, map[string]any{"title": "Old Shape"})

	_, err := svc.UpdateSchemaSpecification(ctx, schema.UpdateRequest{
		Migrations: []schema.MigrationBatch{{
			Version: 2,
			Actions: []schema.MigrationAction{
				{Kind: schema.ActionRenameField, Type: "Article", Field: "title", NewName: "headline"},
			},
		}},
	})
	require.NoError(t, err)

	// The stored row still holds "title"; reads decode it to "headline".
	got, err := svc.GetEntity(ctx, grove.GetEntityRequest{ID: entity.ID})
	require.NoError(t, err)
	assert.Equal(t, "Old Shape", got.Fields["headline"])
	assert.NotContains(t, got.Fields, "title")
}

func TestAdvisoryLocks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	lock, err := svc.AcquireAdvisoryLock(ctx, "batch-import", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "batch-import", lock.Name)
	assert.NotEqual(t, uuid.Nil, lock.Handle)

	// The name is exclusive while the lease lives.
	_, err = svc.AcquireAdvisoryLock(ctx, "batch-import", 30*time.Second)
	require.ErrorIs(t, err, grove.ErrConflict)

	// Renewal needs the right handle.
	_, err = svc.RenewAdvisoryLock(ctx, "batch-import", uuid.New(), 30*time.Second)
	require.ErrorIs(t, err, grove.ErrNotFound)
	renewed, err := svc.RenewAdvisoryLock(ctx, "batch-import", lock.Handle, time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed.LeaseExpiresAt.After(lock.LeaseExpiresAt))

	require.NoError(t, svc.ReleaseAdvisoryLock(ctx, "batch-import", lock.Handle))
	_, err = svc.AcquireAdvisoryLock(ctx, "batch-import", 30*time.Second)
	require.NoError(t, err)
}

func TestAdvisoryLockExpiry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	lock, err := svc.AcquireAdvisoryLock(ctx, "short", 20*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	// An expired lease neither blocks a new acquire nor renews.
	_, err = svc.RenewAdvisoryLock(ctx, "short", lock.Handle, time.Second)
	require.ErrorIs(t, err, grove.ErrNotFound)
	_, err = svc.AcquireAdvisoryLock(ctx, "short", time.Second)
	require.NoError(t, err)
}

func TestSweepExpiredLocks(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.AcquireAdvisoryLock(ctx, "gone", 20*time.Millisecond)
	require.NoError(t, err)
	_, err = svc.AcquireAdvisoryLock(ctx, "kept", time.Minute)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	removed, err := svc.SweepExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestAdvisoryLockArgumentValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.AcquireAdvisoryLock(ctx, "", time.Second)
	assert.ErrorIs(t, err, grove.ErrBadRequest)
	_, err = svc.AcquireAdvisoryLock(ctx, "x", time.Millisecond)
	assert.ErrorIs(t, err, grove.ErrBadRequest)
	_, err = svc.RenewAdvisoryLock(ctx, "x", uuid.Nil, time.Second)
	assert.ErrorIs(t, err, grove.ErrBadRequest)
	err = svc.ReleaseAdvisoryLock(ctx, "x", uuid.Nil)
	assert.ErrorIs(t, err, grove.ErrBadRequest)
}
