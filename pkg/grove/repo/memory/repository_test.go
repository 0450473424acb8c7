package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovecms/grove/pkg/grove"
	"github.com/grovecms/grove/pkg/grove/collect"
	"github.com/grovecms/grove/pkg/grove/repo/memory"
)

// seedEntities inserts n draft entities with ascending creation times so the
// default listing order is deterministic.
func seedEntities(t *testing.T, repo *memory.Repository, n int) []uuid.UUID {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	ids := make([]uuid.UUID, n)
	err := repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		for i := range ids {
			ids[i] = uuid.New()
			row := &grove.EntityRow{
				ID:            ids[i],
				Type:          "Article",
				Name:          string(rune('A' + i)),
				Status:        grove.StatusDraft,
				CreatedAt:     base.Add(time.Duration(i) * time.Minute),
				UpdatedAt:     base.Add(time.Duration(i) * time.Minute),
				LatestVersion: 1,
				Valid:         true,
			}
			if err := tx.CreateEntity(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

func listPage(t *testing.T, repo *memory.Repository, query grove.EntityQuery, paging grove.Paging) ([]*grove.EntityRow, grove.PageInfo) {
	t.Helper()
	var rows []*grove.EntityRow
	var info grove.PageInfo
	err := repo.WithTransaction(context.Background(), func(tx grove.RepositoryTx) error {
		var err error
		rows, info, err = tx.ListEntities(context.Background(), grove.ViewFull, query, paging)
		return err
	})
	require.NoError(t, err)
	return rows, info
}

func idsOf(rows []*grove.EntityRow) []uuid.UUID {
	out := make([]uuid.UUID, len(rows))
	for i, row := range rows {
		out[i] = row.ID
	}
	return out
}

func TestListEntitiesForwardPaging(t *testing.T) {
	repo := memory.New()
	ids := seedEntities(t, repo, 5)

	first, info := listPage(t, repo, grove.EntityQuery{}, grove.Paging{First: 2})
	require.Len(t, first, 2)
	assert.Equal(t, ids[:2], idsOf(first))
	assert.True(t, info.HasNextPage)
	assert.False(t, info.HasPreviousPage)

	after := grove.EncodeCursor(first[1].ID.String())
	second, info := listPage(t, repo, grove.EntityQuery{}, grove.Paging{First: 2, After: after})
	require.Len(t, second, 2)
	assert.Equal(t, ids[2:4], idsOf(second))
	assert.True(t, info.HasNextPage)
	assert.True(t, info.HasPreviousPage)

	after = grove.EncodeCursor(second[1].ID.String())
	last, info := listPage(t, repo, grove.EntityQuery{}, grove.Paging{First: 2, After: after})
	require.Len(t, last, 1)
	assert.Equal(t, ids[4], last[0].ID)
	assert.False(t, info.HasNextPage)
	assert.True(t, info.HasPreviousPage)
}

func TestListEntitiesBackwardPaging(t *testing.T) {
	repo := memory.New()
	ids := seedEntities(t, repo, 5)

	// Paging backward from a cursor yields the window just before it.
	before := grove.EncodeCursor(ids[4].String())
	page, info := listPage(t, repo, grove.EntityQuery{}, grove.Paging{Last: 2, Before: before})
	require.Len(t, page, 2)
	assert.Equal(t, ids[2:4], idsOf(page))
	assert.True(t, info.HasPreviousPage)
	assert.True(t, info.HasNextPage)

	before = grove.EncodeCursor(page[0].ID.String())
	page, info = listPage(t, repo, grove.EntityQuery{}, grove.Paging{Last: 2, Before: before})
	require.Len(t, page, 2)
	assert.Equal(t, ids[:2], idsOf(page))
	assert.False(t, info.HasPreviousPage)
	assert.True(t, info.HasNextPage)
}

func TestListEntitiesCursorErrors(t *testing.T) {
	repo := memory.New()
	seedEntities(t, repo, 2)

	err := repo.WithTransaction(context.Background(), func(tx grove.RepositoryTx) error {
		_, _, err := tx.ListEntities(context.Background(), grove.ViewFull, grove.EntityQuery{}, grove.Paging{First: 2, After: "!!!"})
		assert.ErrorIs(t, err, grove.ErrBadRequest)

		// A well-formed cursor naming an unknown entity does not match the listing.
		stale := grove.EncodeCursor(uuid.New().String())
		_, _, err = tx.ListEntities(context.Background(), grove.ViewFull, grove.EntityQuery{}, grove.Paging{First: 2, After: stale})
		assert.ErrorIs(t, err, grove.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestListEntitiesOrderAndReverse(t *testing.T) {
	repo := memory.New()
	ids := seedEntities(t, repo, 3)

	byName, _ := listPage(t, repo, grove.EntityQuery{Order: grove.OrderName}, grove.Paging{First: 10})
	require.Len(t, byName, 3)
	assert.Equal(t, "A", byName[0].Name)
	assert.Equal(t, "C", byName[2].Name)

	reversed, _ := listPage(t, repo, grove.EntityQuery{Reverse: true}, grove.Paging{First: 10})
	require.Len(t, reversed, 3)
	assert.Equal(t, ids[2], reversed[0].ID)
	assert.Equal(t, ids[0], reversed[2].ID)
}

func TestListEntitiesFilters(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	article := uuid.New()
	place := uuid.New()

	err := repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		rows := []*grove.EntityRow{
			{ID: article, Type: "Article", Name: "Post", Status: grove.StatusDraft, LatestVersion: 1, Valid: true},
			{ID: place, Type: "Place", Name: "Harbor", Status: grove.StatusWithdrawn, LatestVersion: 1, Valid: true},
		}
		for _, row := range rows {
			if err := tx.CreateEntity(ctx, row); err != nil {
				return err
			}
		}
		if err := tx.UpsertFullText(ctx, place, grove.ScopeDraft, "a quiet harbor at dusk"); err != nil {
			return err
		}
		return tx.ReplaceEntityComponentTypes(ctx, place, grove.ScopeDraft, []string{"Image"})
	})
	require.NoError(t, err)

	tests := []struct {
		name  string
		query grove.EntityQuery
		want  []uuid.UUID
	}{
		{"by type", grove.EntityQuery{EntityTypes: []string{"Place"}}, []uuid.UUID{place}},
		{"by status", grove.EntityQuery{Status: []grove.EntityStatus{grove.StatusDraft}}, []uuid.UUID{article}},
		{"by text", grove.EntityQuery{Text: "QUIET"}, []uuid.UUID{place}},
		{"by component type", grove.EntityQuery{ComponentTypes: []string{"Image"}}, []uuid.UUID{place}},
		{"no match", grove.EntityQuery{Text: "nothing here"}, []uuid.UUID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, _ := listPage(t, repo, tt.query, grove.Paging{First: 10})
			assert.Equal(t, tt.want, idsOf(rows))
		})
	}
}

func TestListEntitiesBoundingBox(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	inside := uuid.New()
	outside := uuid.New()

	err := repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		for _, row := range []*grove.EntityRow{
			{ID: inside, Type: "Place", Name: "Oslo", Status: grove.StatusDraft, LatestVersion: 1},
			{ID: outside, Type: "Place", Name: "Sydney", Status: grove.StatusDraft, LatestVersion: 1},
		} {
			if err := tx.CreateEntity(ctx, row); err != nil {
				return err
			}
		}
		if err := tx.ReplaceEntityLocations(ctx, inside, grove.ScopeDraft, []collect.Location{{Lat: 59.91, Lng: 10.75}}); err != nil {
			return err
		}
		return tx.ReplaceEntityLocations(ctx, outside, grove.ScopeDraft, []collect.Location{{Lat: -33.87, Lng: 151.21}})
	})
	require.NoError(t, err)

	box := &grove.BoundingBox{MinLat: 55, MaxLat: 65, MinLng: 5, MaxLng: 15}
	rows, _ := listPage(t, repo, grove.EntityQuery{BoundingBox: box}, grove.Paging{First: 10})
	assert.Equal(t, []uuid.UUID{inside}, idsOf(rows))
}

func TestPublishedViewListsOnlyPublished(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	draft := uuid.New()
	live := uuid.New()
	one := 1

	err := repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		for _, row := range []*grove.EntityRow{
			{ID: draft, Type: "Article", Name: "Draft", Status: grove.StatusDraft, LatestVersion: 1},
			{ID: live, Type: "Article", Name: "Live", Status: grove.StatusPublished, LatestVersion: 1, PublishedVersion: &one},
		} {
			if err := tx.CreateEntity(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var rows []*grove.EntityRow
	err = repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		var err error
		rows, _, err = tx.ListEntities(ctx, grove.ViewPublished, grove.EntityQuery{}, grove.Paging{First: 10})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{live}, idsOf(rows))

	var count int
	err = repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		var err error
		count, err = tx.CountEntities(ctx, grove.ViewPublished, grove.EntityQuery{})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSampleEntitiesIsDeterministicPerSeed(t *testing.T) {
	repo := memory.New()
	seedEntities(t, repo, 6)
	ctx := context.Background()

	sample := func(seed int64) []uuid.UUID {
		var rows []*grove.EntityRow
		err := repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
			var err error
			rows, err = tx.SampleEntities(ctx, grove.ViewFull, grove.EntityQuery{}, seed, 3)
			return err
		})
		require.NoError(t, err)
		return idsOf(rows)
	}

	first := sample(7)
	require.Len(t, first, 3)
	assert.Equal(t, first, sample(7))
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	id := uuid.New()
	boom := errors.New("boom")

	err := repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		if err := tx.CreateEntity(ctx, &grove.EntityRow{ID: id, Type: "Article", Name: "Gone", Status: grove.StatusDraft, LatestVersion: 1}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		_, err := tx.GetEntity(ctx, id)
		assert.ErrorIs(t, err, grove.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestSavepointDiscardsFailedStep(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	holder := uuid.New()
	claimer := uuid.New()

	err := repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		if err := tx.AcquireUniqueValue(ctx, grove.ScopeDraft, "slugs", "taken", holder); err != nil {
			return err
		}
		// The failed acquire inside the savepoint must not poison the
		// transaction or leave a partial write behind.
		err := tx.WithSavepoint(ctx, func() error {
			return tx.AcquireUniqueValue(ctx, grove.ScopeDraft, "slugs", "taken", claimer)
		})
		require.ErrorIs(t, err, grove.ErrConflict)

		return tx.AcquireUniqueValue(ctx, grove.ScopeDraft, "slugs", "free", claimer)
	})
	require.NoError(t, err)

	err = repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		values, err := tx.GetUniqueValues(ctx, claimer)
		require.NoError(t, err)
		require.Len(t, values, 1)
		assert.Equal(t, "free", values[0].Value)
		return nil
	})
	require.NoError(t, err)
}

func TestEntityNameIsExclusive(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()

	err := repo.WithTransaction(ctx, func(tx grove.RepositoryTx) error {
		if err := tx.CreateEntity(ctx, &grove.EntityRow{ID: uuid.New(), Type: "Article", Name: "Taken", Status: grove.StatusDraft, LatestVersion: 1}); err != nil {
			return err
		}
		err := tx.CreateEntity(ctx, &grove.EntityRow{ID: uuid.New(), Type: "Article", Name: "Taken", Status: grove.StatusDraft, LatestVersion: 1})
		assert.ErrorIs(t, err, grove.ErrConflict)

		row, err := tx.GetEntityByName(ctx, "Taken")
		require.NoError(t, err)
		assert.Equal(t, "Taken", row.Name)
		return nil
	})
	require.NoError(t, err)
}
