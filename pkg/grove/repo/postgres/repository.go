// Package postgres implements grove.Repository on PostgreSQL with pgx.
//
// Schema (see migrations/grove.sql): entities, entity_versions,
// entity_unique_values, entity_references, entity_locations,
// entity_component_types, entity_fulltext, sync_events, advisory_locks,
// schema_specifications.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grovecms/grove/pkg/grove"
	"github.com/grovecms/grove/pkg/grove/collect"
	"github.com/grovecms/grove/pkg/grove/schema"
)

// Repository implements grove.Repository using PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL repository with a connection pool.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// isUniqueViolation reports whether err is a backend unique-constraint
// failure, so callers can implement insert-then-update-on-conflict without
// backend-specific SQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *Repository) WithTransaction(ctx context.Context, fn func(tx grove.RepositoryTx) error) error {
	pgxTx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer pgxTx.Rollback(ctx)

	if err := fn(&transaction{tx: pgxTx}); err != nil {
		return err
	}
	if err := pgxTx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *Repository) GetSchemaSpecification(ctx context.Context) (*schema.Spec, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT spec FROM schema_specifications ORDER BY version DESC LIMIT 1`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var spec schema.Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("decode stored schema: %w", err)
	}
	return &spec, nil
}

func (r *Repository) GetSyncEvents(ctx context.Context, query grove.ChangelogQuery) (*grove.SyncEventPage, error) {
	after, err := grove.DecodeIntCursor(query.After)
	if err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 25
	}

	sql := `SELECT seq, id, type, created_at, created_by, payload
		FROM sync_events WHERE seq > $1`
	args := []any{after}
	if len(query.Types) > 0 {
		types := make([]string, len(query.Types))
		for i, t := range query.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		sql += fmt.Sprintf(" AND type = ANY($%d)", len(args))
	}
	if len(query.EntityIDs) > 0 {
		args = append(args, query.EntityIDs)
		sql += fmt.Sprintf(` AND id IN (SELECT event_id FROM sync_event_entities WHERE entity_id = ANY($%d))`, len(args))
	}
	args = append(args, limit+1)
	sql += fmt.Sprintf(" ORDER BY seq LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &grove.SyncEventPage{}
	for rows.Next() {
		var seq int64
		var event grove.SyncEvent
		var eventType string
		if err := rows.Scan(&seq, &event.ID, &eventType, &event.CreatedAt, &event.CreatedBy, &event.Payload); err != nil {
			return nil, err
		}
		event.Type = grove.SyncEventType(eventType)
		event.Cursor = grove.EncodeIntCursor(seq)
		decodeEventPayload(&event)
		page.Events = append(page.Events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Events) > limit {
		page.Events = page.Events[:limit]
		page.HasMore = true
	}
	return page, nil
}

func decodeEventPayload(event *grove.SyncEvent) {
	if len(event.Payload) == 0 {
		return
	}
	if event.Type == grove.EventUpdateSchema {
		var p struct {
			Version int `json:"version"`
		}
		if json.Unmarshal(event.Payload, &p) == nil {
			event.SchemaVersion = p.Version
		}
		return
	}
	var p struct {
		Entities []grove.EventEntityRef `json:"entities"`
	}
	if json.Unmarshal(event.Payload, &p) == nil {
		event.Entities = p.Entities
	}
}

func (r *Repository) AcquireLock(ctx context.Context, name string, handle uuid.UUID, lease time.Duration) (*grove.AdvisoryLock, error) {
	expires := time.Now().UTC().Add(lease)
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO advisory_locks (name, handle, lease_expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET handle = $2, lease_expires_at = $3
		WHERE advisory_locks.lease_expires_at <= now()`,
		name, handle, expires)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: lock %q is held", grove.ErrConflict, name)
	}
	return &grove.AdvisoryLock{Name: name, Handle: handle, LeaseExpiresAt: expires}, nil
}

func (r *Repository) RenewLock(ctx context.Context, name string, handle uuid.UUID, lease time.Duration) (*grove.AdvisoryLock, error) {
	expires := time.Now().UTC().Add(lease)
	tag, err := r.pool.Exec(ctx, `
		UPDATE advisory_locks SET lease_expires_at = $3
		WHERE name = $1 AND handle = $2 AND lease_expires_at > now()`,
		name, handle, expires)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: no live lease for lock %q with that handle", grove.ErrNotFound, name)
	}
	return &grove.AdvisoryLock{Name: name, Handle: handle, LeaseExpiresAt: expires}, nil
}

func (r *Repository) ReleaseLock(ctx context.Context, name string, handle uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM advisory_locks WHERE name = $1 AND handle = $2`, name, handle)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: no lease for lock %q with that handle", grove.ErrNotFound, name)
	}
	return nil
}

func (r *Repository) DeleteExpiredLocks(ctx context.Context) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM advisory_locks WHERE lease_expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// transaction implements grove.RepositoryTx over one pgx transaction.
type transaction struct {
	tx pgx.Tx
}

// WithSavepoint runs fn inside a nested pgx transaction, which PostgreSQL
// implements as a savepoint.
func (t *transaction) WithSavepoint(ctx context.Context, fn func() error) error {
	inner, err := t.tx.Begin(ctx)
	if err != nil {
		return err
	}
	outer := t.tx
	t.tx = inner
	err = fn()
	t.tx = outer
	if err != nil {
		_ = inner.Rollback(ctx)
		return err
	}
	return inner.Commit(ctx)
}

const entityColumns = `id, entity_type, name, auth_key, resolved_auth_key, status,
	created_at, updated_at, latest_version, published_version, valid, valid_published,
	dirty_validate, dirty_index`

func (t *transaction) scanEntity(row pgx.Row) (*grove.EntityRow, error) {
	var e grove.EntityRow
	var status string
	err := row.Scan(&e.ID, &e.Type, &e.Name, &e.AuthKey, &e.ResolvedAuthKey, &status,
		&e.CreatedAt, &e.UpdatedAt, &e.LatestVersion, &e.PublishedVersion, &e.Valid, &e.ValidPublished,
		&e.DirtyValidate, &e.DirtyIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, grove.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = grove.EntityStatus(status)
	return &e, nil
}

func (t *transaction) CreateEntity(ctx context.Context, row *grove.EntityRow) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		row.ID, row.Type, row.Name, row.AuthKey, row.ResolvedAuthKey, string(row.Status),
		row.CreatedAt, row.UpdatedAt, row.LatestVersion, row.PublishedVersion, row.Valid, row.ValidPublished,
		row.DirtyValidate, row.DirtyIndex)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: entity %s already exists", grove.ErrConflict, row.ID)
	}
	return err
}

func (t *transaction) GetEntity(ctx context.Context, id uuid.UUID) (*grove.EntityRow, error) {
	row, err := t.scanEntity(t.tx.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = $1`, id))
	if errors.Is(err, grove.ErrNotFound) {
		return nil, fmt.Errorf("%w: entity %s", grove.ErrNotFound, id)
	}
	return row, err
}

func (t *transaction) GetEntityByName(ctx context.Context, name string) (*grove.EntityRow, error) {
	row, err := t.scanEntity(t.tx.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE name = $1`, name))
	if errors.Is(err, grove.ErrNotFound) {
		return nil, fmt.Errorf("%w: entity named %q", grove.ErrNotFound, name)
	}
	return row, err
}

func (t *transaction) UpdateEntity(ctx context.Context, row *grove.EntityRow) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE entities SET entity_type = $2, name = $3, auth_key = $4, resolved_auth_key = $5,
			status = $6, updated_at = $7, latest_version = $8, published_version = $9,
			valid = $10, valid_published = $11, dirty_validate = $12, dirty_index = $13
		WHERE id = $1`,
		row.ID, row.Type, row.Name, row.AuthKey, row.ResolvedAuthKey, string(row.Status),
		row.UpdatedAt, row.LatestVersion, row.PublishedVersion, row.Valid, row.ValidPublished,
		row.DirtyValidate, row.DirtyIndex)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: entity name %q already exists", grove.ErrConflict, row.Name)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entity %s", grove.ErrNotFound, row.ID)
	}
	return nil
}

func (t *transaction) DeleteEntities(ctx context.Context, ids []uuid.UUID) error {
	// Dependent rows cascade via foreign keys.
	tag, err := t.tx.Exec(ctx, `DELETE FROM entities WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if int(tag.RowsAffected()) != len(ids) {
		return fmt.Errorf("%w: some entities were already deleted", grove.ErrNotFound)
	}
	return nil
}

func (t *transaction) CreateEntityVersion(ctx context.Context, row *grove.EntityVersionRow) error {
	fields, err := json.Marshal(row.Fields)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO entity_versions (entity_id, version, schema_version, created_by, created_at, fields)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		row.EntityID, row.Version, row.SchemaVersion, row.CreatedBy, row.CreatedAt, fields)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: version %d of entity %s already exists", grove.ErrConflict, row.Version, row.EntityID)
	}
	return err
}

func (t *transaction) GetEntityVersion(ctx context.Context, entityID uuid.UUID, version int) (*grove.EntityVersionRow, error) {
	var row grove.EntityVersionRow
	var fields []byte
	err := t.tx.QueryRow(ctx, `
		SELECT entity_id, version, schema_version, created_by, created_at, fields
		FROM entity_versions WHERE entity_id = $1 AND version = $2`,
		entityID, version).Scan(&row.EntityID, &row.Version, &row.SchemaVersion, &row.CreatedBy, &row.CreatedAt, &fields)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: version %d of entity %s", grove.ErrNotFound, version, entityID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &row.Fields); err != nil {
		return nil, fmt.Errorf("decode fields of entity %s version %d: %w", entityID, version, err)
	}
	return &row, nil
}

func (t *transaction) GetUniqueValues(ctx context.Context, entityID uuid.UUID) ([]grove.UniqueValueRow, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT scope, index_name, value, entity_id FROM entity_unique_values
		WHERE entity_id = $1 ORDER BY index_name, value`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []grove.UniqueValueRow
	for rows.Next() {
		var row grove.UniqueValueRow
		var scope string
		if err := rows.Scan(&scope, &row.Index, &row.Value, &row.EntityID); err != nil {
			return nil, err
		}
		row.Scope = grove.Scope(scope)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (t *transaction) AcquireUniqueValue(ctx context.Context, scope grove.Scope, index, value string, entityID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO entity_unique_values (scope, index_name, value, entity_id)
		VALUES ($1, $2, $3, $4)`,
		string(scope), index, value, entityID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: value %q in index %s is held", grove.ErrConflict, value, index)
	}
	return err
}

func (t *transaction) ReleaseUniqueValue(ctx context.Context, scope grove.Scope, index, value string) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM entity_unique_values WHERE scope = $1 AND index_name = $2 AND value = $3`,
		string(scope), index, value)
	return err
}

func (t *transaction) ReleaseEntityUniqueValues(ctx context.Context, entityID uuid.UUID, scope grove.Scope) error {
	_, err := t.tx.Exec(ctx, `
		DELETE FROM entity_unique_values WHERE entity_id = $1 AND scope = $2`,
		entityID, string(scope))
	return err
}

func (t *transaction) ReplaceEntityReferences(ctx context.Context, entityID uuid.UUID, scope grove.Scope, targets []uuid.UUID) error {
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM entity_references WHERE entity_id = $1 AND scope = $2`,
		entityID, string(scope)); err != nil {
		return err
	}
	for _, target := range targets {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO entity_references (entity_id, scope, target_id) VALUES ($1, $2, $3)`,
			entityID, string(scope), target); err != nil {
			return err
		}
	}
	return nil
}

func (t *transaction) GetReferencingEntityIDs(ctx context.Context, target uuid.UUID, scope grove.Scope) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT DISTINCT entity_id FROM entity_references
		WHERE target_id = $1 AND scope = $2 AND entity_id <> $1 ORDER BY entity_id`,
		target, string(scope))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *transaction) ReplaceEntityLocations(ctx context.Context, entityID uuid.UUID, scope grove.Scope, locations []collect.Location) error {
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM entity_locations WHERE entity_id = $1 AND scope = $2`,
		entityID, string(scope)); err != nil {
		return err
	}
	for _, loc := range locations {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO entity_locations (entity_id, scope, lat, lng) VALUES ($1, $2, $3, $4)`,
			entityID, string(scope), loc.Lat, loc.Lng); err != nil {
			return err
		}
	}
	return nil
}

func (t *transaction) ReplaceEntityComponentTypes(ctx context.Context, entityID uuid.UUID, scope grove.Scope, names []string) error {
	if _, err := t.tx.Exec(ctx, `
		DELETE FROM entity_component_types WHERE entity_id = $1 AND scope = $2`,
		entityID, string(scope)); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO entity_component_types (entity_id, scope, component_type) VALUES ($1, $2, $3)`,
			entityID, string(scope), name); err != nil {
			return err
		}
	}
	return nil
}

// UpsertFullText tries the insert first and falls back to an update on a
// unique violation, inside a savepoint so the transaction stays usable.
func (t *transaction) UpsertFullText(ctx context.Context, entityID uuid.UUID, scope grove.Scope, text string) error {
	if text == "" {
		_, err := t.tx.Exec(ctx, `
			DELETE FROM entity_fulltext WHERE entity_id = $1 AND scope = $2`,
			entityID, string(scope))
		return err
	}
	err := t.WithSavepoint(ctx, func() error {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO entity_fulltext (entity_id, scope, document)
			VALUES ($1, $2, to_tsvector('simple', $3))`,
			entityID, string(scope), text)
		return err
	})
	if isUniqueViolation(err) {
		_, err = t.tx.Exec(ctx, `
			UPDATE entity_fulltext SET document = to_tsvector('simple', $3)
			WHERE entity_id = $1 AND scope = $2`,
			entityID, string(scope), text)
	}
	return err
}

func (t *transaction) AppendSyncEvent(ctx context.Context, event *grove.SyncEvent) error {
	var seq int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO sync_events (id, type, created_at, created_by, payload)
		VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
		event.ID, string(event.Type), event.CreatedAt, event.CreatedBy, event.Payload).Scan(&seq)
	if err != nil {
		return err
	}
	event.Cursor = grove.EncodeIntCursor(seq)
	for _, ref := range event.Entities {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO sync_event_entities (event_id, entity_id) VALUES ($1, $2)`,
			event.ID, ref.ID); err != nil {
			return err
		}
	}
	return nil
}

func (t *transaction) UpdateSchemaSpecification(ctx context.Context, spec *schema.Spec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO schema_specifications (version, spec) VALUES ($1, $2)`,
		spec.Version, raw)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: schema version %d already stored", grove.ErrConflict, spec.Version)
	}
	return err
}

func (t *transaction) RenameEntityType(ctx context.Context, oldName, newName string) (int, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE entities SET entity_type = $2 WHERE entity_type = $1`, oldName, newName)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *transaction) RenameUniqueIndex(ctx context.Context, oldName, newName string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE entity_unique_values SET index_name = $2 WHERE index_name = $1`, oldName, newName)
	return err
}

func (t *transaction) DeleteUniqueIndex(ctx context.Context, name string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM entity_unique_values WHERE index_name = $1`, name)
	return err
}

func (t *transaction) MarkEntitiesDirty(ctx context.Context, selector grove.DirtySelector) (int, error) {
	marked := 0
	if len(selector.RevalidateTypes) > 0 {
		tag, err := t.tx.Exec(ctx, `
			UPDATE entities SET dirty_validate = TRUE
			WHERE entity_type = ANY($1) AND NOT dirty_validate`, selector.RevalidateTypes)
		if err != nil {
			return 0, err
		}
		marked += int(tag.RowsAffected())
	}
	if len(selector.ReindexTypes) > 0 {
		tag, err := t.tx.Exec(ctx, `
			UPDATE entities SET dirty_index = TRUE
			WHERE entity_type = ANY($1) AND NOT dirty_index`, selector.ReindexTypes)
		if err != nil {
			return 0, err
		}
		marked += int(tag.RowsAffected())
	}
	return marked, nil
}

func (t *transaction) NextDirtyEntities(ctx context.Context, limit int) ([]*grove.EntityRow, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE dirty_validate OR dirty_index ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return t.collectEntities(rows)
}

func (t *transaction) ResetEntityDirty(ctx context.Context, id uuid.UUID, valid bool, validPublished *bool) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE entities SET dirty_validate = FALSE, dirty_index = FALSE,
			valid = $2, valid_published = $3
		WHERE id = $1`, id, valid, validPublished)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: entity %s", grove.ErrNotFound, id)
	}
	return nil
}

func (t *transaction) collectEntities(rows pgx.Rows) ([]*grove.EntityRow, error) {
	var out []*grove.EntityRow
	for rows.Next() {
		var e grove.EntityRow
		var status string
		if err := rows.Scan(&e.ID, &e.Type, &e.Name, &e.AuthKey, &e.ResolvedAuthKey, &status,
			&e.CreatedAt, &e.UpdatedAt, &e.LatestVersion, &e.PublishedVersion, &e.Valid, &e.ValidPublished,
			&e.DirtyValidate, &e.DirtyIndex); err != nil {
			return nil, err
		}
		e.Status = grove.EntityStatus(status)
		out = append(out, &e)
	}
	return out, rows.Err()
}
