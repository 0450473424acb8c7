// Package memory implements grove.Repository with in-process maps. It is
// the reference adapter used by tests and examples; transactions are
// modeled as copy-on-write snapshots swapped in on commit, which also
// serializes concurrent writers the way a relational backend would.
package memory

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grovecms/grove/pkg/grove"
	"github.com/grovecms/grove/pkg/grove/collect"
	"github.com/grovecms/grove/pkg/grove/schema"
)

type entityScope struct {
	entityID uuid.UUID
	scope    grove.Scope
}

type uniqueKey struct {
	scope grove.Scope
	index string
	value string
}

type lockRow struct {
	handle    uuid.UUID
	expiresAt time.Time
}

type state struct {
	entities       map[uuid.UUID]*grove.EntityRow
	entitiesByName map[string]uuid.UUID
	versions       map[uuid.UUID]map[int]*grove.EntityVersionRow
	uniqueValues   map[uniqueKey]uuid.UUID
	references     map[entityScope][]uuid.UUID
	locations      map[entityScope][]collect.Location
	componentTypes map[entityScope][]string
	fullText       map[entityScope]string
	events         []grove.SyncEvent
	eventSeq       int64
	schemaSpec     *schema.Spec
}

func newState() *state {
	return &state{
		entities:       make(map[uuid.UUID]*grove.EntityRow),
		entitiesByName: make(map[string]uuid.UUID),
		versions:       make(map[uuid.UUID]map[int]*grove.EntityVersionRow),
		uniqueValues:   make(map[uniqueKey]uuid.UUID),
		references:     make(map[entityScope][]uuid.UUID),
		locations:      make(map[entityScope][]collect.Location),
		componentTypes: make(map[entityScope][]string),
		fullText:       make(map[entityScope]string),
	}
}

func (s *state) clone() *state {
	c := &state{
		entities:       make(map[uuid.UUID]*grove.EntityRow, len(s.entities)),
		entitiesByName: make(map[string]uuid.UUID, len(s.entitiesByName)),
		versions:       make(map[uuid.UUID]map[int]*grove.EntityVersionRow, len(s.versions)),
		uniqueValues:   make(map[uniqueKey]uuid.UUID, len(s.uniqueValues)),
		references:     make(map[entityScope][]uuid.UUID, len(s.references)),
		locations:      make(map[entityScope][]collect.Location, len(s.locations)),
		componentTypes: make(map[entityScope][]string, len(s.componentTypes)),
		fullText:       make(map[entityScope]string, len(s.fullText)),
		events:         slices.Clone(s.events),
		eventSeq:       s.eventSeq,
		schemaSpec:     s.schemaSpec,
	}
	for id, row := range s.entities {
		rowCopy := *row
		c.entities[id] = &rowCopy
	}
	for name, id := range s.entitiesByName {
		c.entitiesByName[name] = id
	}
	for id, byVersion := range s.versions {
		m := make(map[int]*grove.EntityVersionRow, len(byVersion))
		for v, row := range byVersion {
			m[v] = row
		}
		c.versions[id] = m
	}
	for k, v := range s.uniqueValues {
		c.uniqueValues[k] = v
	}
	for k, v := range s.references {
		c.references[k] = slices.Clone(v)
	}
	for k, v := range s.locations {
		c.locations[k] = slices.Clone(v)
	}
	for k, v := range s.componentTypes {
		c.componentTypes[k] = slices.Clone(v)
	}
	for k, v := range s.fullText {
		c.fullText[k] = v
	}
	return c
}

// Repository implements grove.Repository using in-memory storage.
type Repository struct {
	mu    sync.Mutex
	state *state
	locks map[string]lockRow
}

// New creates a new in-memory repository.
func New() *Repository {
	return &Repository{state: newState(), locks: make(map[string]lockRow)}
}

// WithTransaction runs fn against a snapshot of the repository and swaps the
// snapshot in on success. The repository lock is held for the whole
// transaction, linearizing concurrent writers.
func (r *Repository) WithTransaction(ctx context.Context, fn func(tx grove.RepositoryTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	working := r.state.clone()
	tx := &transaction{state: working}
	if err := fn(tx); err != nil {
		return err
	}
	r.state = working
	return nil
}

func (r *Repository) GetSchemaSpecification(ctx context.Context) (*schema.Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.schemaSpec, nil
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

	r.mu.Lock()
	defer r.mu.Unlock()
	if after > r.state.eventSeq {
		return nil, fmt.Errorf("%w: event cursor is past the end of the log", grove.ErrNotFound)
	}
	page := &grove.SyncEventPage{}
	for _, event := range r.state.events {
		seq, _ := grove.DecodeIntCursor(event.Cursor)
		if seq <= after {
			continue
		}
		if len(query.Types) > 0 && !slices.Contains(query.Types, event.Type) {
			continue
		}
		if len(query.EntityIDs) > 0 && !eventTouches(event, query.EntityIDs) {
			continue
		}
		if len(page.Events) == limit {
			page.HasMore = true
			break
		}
		page.Events = append(page.Events, event)
	}
	return page, nil
}

func eventTouches(event grove.SyncEvent, ids []uuid.UUID) bool {
	for _, ref := range event.Entities {
		if slices.Contains(ids, ref.ID) {
			return true
		}
	}
	return false
}

// Advisory locks. Leases live outside transactions.

func (r *Repository) AcquireLock(ctx context.Context, name string, handle uuid.UUID, lease time.Duration) (*grove.AdvisoryLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if existing, ok := r.locks[name]; ok && existing.expiresAt.After(now) {
		return nil, fmt.Errorf("%w: lock %q is held", grove.ErrConflict, name)
	}
	expires := now.Add(lease)
	r.locks[name] = lockRow{handle: handle, expiresAt: expires}
	return &grove.AdvisoryLock{Name: name, Handle: handle, LeaseExpiresAt: expires}, nil
}

func (r *Repository) RenewLock(ctx context.Context, name string, handle uuid.UUID, lease time.Duration) (*grove.AdvisoryLock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.locks[name]
	if !ok || existing.handle != handle || !existing.expiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: no live lease for lock %q with that handle", grove.ErrNotFound, name)
	}
	expires := time.Now().Add(lease)
	r.locks[name] = lockRow{handle: handle, expiresAt: expires}
	return &grove.AdvisoryLock{Name: name, Handle: handle, LeaseExpiresAt: expires}, nil
}

func (r *Repository) ReleaseLock(ctx context.Context, name string, handle uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.locks[name]
	if !ok || existing.handle != handle {
		return fmt.Errorf("%w: no lease for lock %q with that handle", grove.ErrNotFound, name)
	}
	delete(r.locks, name)
	return nil
}

func (r *Repository) DeleteExpiredLocks(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	deleted := 0
	for name, row := range r.locks {
		if !row.expiresAt.After(now) {
			delete(r.locks, name)
			deleted++
		}
	}
	return deleted, nil
}

// transaction implements grove.RepositoryTx over a working state snapshot.
type transaction struct {
	state *state
}

// WithSavepoint snapshots the working state so fn's writes can be discarded
// without poisoning the transaction.
func (t *transaction) WithSavepoint(ctx context.Context, fn func() error) error {
	saved := t.state.clone()
	if err := fn(); err != nil {
		t.state.restore(saved)
		return err
	}
	return nil
}

func (s *state) restore(from *state) {
	*s = *from
}

func (t *transaction) CreateEntity(ctx context.Context, row *grove.EntityRow) error {
	if _, exists := t.state.entities[row.ID]; exists {
		return fmt.Errorf("%w: entity %s already exists", grove.ErrConflict, row.ID)
	}
	if _, exists := t.state.entitiesByName[row.Name]; exists {
		return fmt.Errorf("%w: entity name %q already exists", grove.ErrConflict, row.Name)
	}
	rowCopy := *row
	t.state.entities[row.ID] = &rowCopy
	t.state.entitiesByName[row.Name] = row.ID
	return nil
}

func (t *transaction) GetEntity(ctx context.Context, id uuid.UUID) (*grove.EntityRow, error) {
	row, ok := t.state.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", grove.ErrNotFound, id)
	}
	rowCopy := *row
	return &rowCopy, nil
}

func (t *transaction) GetEntityByName(ctx context.Context, name string) (*grove.EntityRow, error) {
	id, ok := t.state.entitiesByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: entity named %q", grove.ErrNotFound, name)
	}
	return t.GetEntity(ctx, id)
}

func (t *transaction) UpdateEntity(ctx context.Context, row *grove.EntityRow) error {
	existing, ok := t.state.entities[row.ID]
	if !ok {
		return fmt.Errorf("%w: entity %s", grove.ErrNotFound, row.ID)
	}
	if existing.Name != row.Name {
		if holder, exists := t.state.entitiesByName[row.Name]; exists && holder != row.ID {
			return fmt.Errorf("%w: entity name %q already exists", grove.ErrConflict, row.Name)
		}
		delete(t.state.entitiesByName, existing.Name)
		t.state.entitiesByName[row.Name] = row.ID
	}
	rowCopy := *row
	t.state.entities[row.ID] = &rowCopy
	return nil
}

func (t *transaction) DeleteEntities(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		row, ok := t.state.entities[id]
		if !ok {
			return fmt.Errorf("%w: entity %s", grove.ErrNotFound, id)
		}
		delete(t.state.entities, id)
		delete(t.state.entitiesByName, row.Name)
		delete(t.state.versions, id)
		for key, holder := range t.state.uniqueValues {
			if holder == id {
				delete(t.state.uniqueValues, key)
			}
		}
		for _, scope := range []grove.Scope{grove.ScopeDraft, grove.ScopePublished} {
			key := entityScope{entityID: id, scope: scope}
			delete(t.state.references, key)
			delete(t.state.locations, key)
			delete(t.state.componentTypes, key)
			delete(t.state.fullText, key)
		}
	}
	return nil
}

func (t *transaction) CreateEntityVersion(ctx context.Context, row *grove.EntityVersionRow) error {
	byVersion, ok := t.state.versions[row.EntityID]
	if !ok {
		byVersion = make(map[int]*grove.EntityVersionRow)
		t.state.versions[row.EntityID] = byVersion
	}
	if _, exists := byVersion[row.Version]; exists {
		return fmt.Errorf("%w: version %d of entity %s already exists", grove.ErrConflict, row.Version, row.EntityID)
	}
	rowCopy := *row
	byVersion[row.Version] = &rowCopy
	return nil
}

func (t *transaction) GetEntityVersion(ctx context.Context, entityID uuid.UUID, version int) (*grove.EntityVersionRow, error) {
	row, ok := t.state.versions[entityID][version]
	if !ok {
		return nil, fmt.Errorf("%w: version %d of entity %s", grove.ErrNotFound, version, entityID)
	}
	rowCopy := *row
	return &rowCopy, nil
}

func (t *transaction) GetUniqueValues(ctx context.Context, entityID uuid.UUID) ([]grove.UniqueValueRow, error) {
	var rows []grove.UniqueValueRow
	for key, holder := range t.state.uniqueValues {
		if holder == entityID {
			rows = append(rows, grove.UniqueValueRow{Scope: key.scope, Index: key.index, Value: key.value, EntityID: holder})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Index != rows[j].Index {
			return rows[i].Index < rows[j].Index
		}
		return rows[i].Value < rows[j].Value
	})
	return rows, nil
}

func (t *transaction) AcquireUniqueValue(ctx context.Context, scope grove.Scope, index, value string, entityID uuid.UUID) error {
	key := uniqueKey{scope: scope, index: index, value: value}
	if holder, exists := t.state.uniqueValues[key]; exists && holder != entityID {
		return fmt.Errorf("%w: value %q in index %s is held by %s", grove.ErrConflict, value, index, holder)
	}
	t.state.uniqueValues[key] = entityID
	return nil
}

func (t *transaction) ReleaseUniqueValue(ctx context.Context, scope grove.Scope, index, value string) error {
	delete(t.state.uniqueValues, uniqueKey{scope: scope, index: index, value: value})
	return nil
}

func (t *transaction) ReleaseEntityUniqueValues(ctx context.Context, entityID uuid.UUID, scope grove.Scope) error {
	for key, holder := range t.state.uniqueValues {
		if holder == entityID && key.scope == scope {
			delete(t.state.uniqueValues, key)
		}
	}
	return nil
}

func (t *transaction) ReplaceEntityReferences(ctx context.Context, entityID uuid.UUID, scope grove.Scope, targets []uuid.UUID) error {
	key := entityScope{entityID: entityID, scope: scope}
	if len(targets) == 0 {
		delete(t.state.references, key)
		return nil
	}
	t.state.references[key] = slices.Clone(targets)
	return nil
}

func (t *transaction) GetReferencingEntityIDs(ctx context.Context, target uuid.UUID, scope grove.Scope) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for key, targets := range t.state.references {
		if key.scope != scope || key.entityID == target {
			continue
		}
		if slices.Contains(targets, target) {
			ids = append(ids, key.entityID)
		}
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return strings.Compare(a.String(), b.String()) })
	return ids, nil
}

func (t *transaction) ReplaceEntityLocations(ctx context.Context, entityID uuid.UUID, scope grove.Scope, locations []collect.Location) error {
	key := entityScope{entityID: entityID, scope: scope}
	if len(locations) == 0 {
		delete(t.state.locations, key)
		return nil
	}
	t.state.locations[key] = slices.Clone(locations)
	return nil
}

func (t *transaction) ReplaceEntityComponentTypes(ctx context.Context, entityID uuid.UUID, scope grove.Scope, names []string) error {
	key := entityScope{entityID: entityID, scope: scope}
	if len(names) == 0 {
		delete(t.state.componentTypes, key)
		return nil
	}
	t.state.componentTypes[key] = slices.Clone(names)
	return nil
}

func (t *transaction) UpsertFullText(ctx context.Context, entityID uuid.UUID, scope grove.Scope, text string) error {
	key := entityScope{entityID: entityID, scope: scope}
	if text == "" {
		delete(t.state.fullText, key)
		return nil
	}
	t.state.fullText[key] = text
	return nil
}

func (t *transaction) AppendSyncEvent(ctx context.Context, event *grove.SyncEvent) error {
	t.state.eventSeq++
	stored := *event
	stored.Cursor = grove.EncodeIntCursor(t.state.eventSeq)
	t.state.events = append(t.state.events, stored)
	event.Cursor = stored.Cursor
	return nil
}

func (t *transaction) UpdateSchemaSpecification(ctx context.Context, spec *schema.Spec) error {
	if t.state.schemaSpec != nil && spec.Version <= t.state.schemaSpec.Version {
		return fmt.Errorf("%w: schema version %d is not newer than stored %d", grove.ErrConflict, spec.Version, t.state.schemaSpec.Version)
	}
	t.state.schemaSpec = spec
	return nil
}

func (t *transaction) RenameEntityType(ctx context.Context, oldName, newName string) (int, error) {
	renamed := 0
	for _, row := range t.state.entities {
		if row.Type == oldName {
			row.Type = newName
			renamed++
		}
	}
	return renamed, nil
}

func (t *transaction) RenameUniqueIndex(ctx context.Context, oldName, newName string) error {
	for key, holder := range t.state.uniqueValues {
		if key.index == oldName {
			delete(t.state.uniqueValues, key)
			t.state.uniqueValues[uniqueKey{scope: key.scope, index: newName, value: key.value}] = holder
		}
	}
	return nil
}

func (t *transaction) DeleteUniqueIndex(ctx context.Context, name string) error {
	for key := range t.state.uniqueValues {
		if key.index == name {
			delete(t.state.uniqueValues, key)
		}
	}
	return nil
}

func (t *transaction) MarkEntitiesDirty(ctx context.Context, selector grove.DirtySelector) (int, error) {
	marked := 0
	for _, row := range t.state.entities {
		dirty := false
		if slices.Contains(selector.RevalidateTypes, row.Type) && !row.DirtyValidate {
			row.DirtyValidate = true
			dirty = true
		}
		if slices.Contains(selector.ReindexTypes, row.Type) && !row.DirtyIndex {
			row.DirtyIndex = true
			dirty = true
		}
		if dirty {
			marked++
		}
	}
	return marked, nil
}

func (t *transaction) NextDirtyEntities(ctx context.Context, limit int) ([]*grove.EntityRow, error) {
	var rows []*grove.EntityRow
	for _, row := range t.state.entities {
		if row.DirtyValidate || row.DirtyIndex {
			rowCopy := *row
			rows = append(rows, &rowCopy)
		}
	}
	slices.SortFunc(rows, func(a, b *grove.EntityRow) int { return strings.Compare(a.ID.String(), b.ID.String()) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (t *transaction) ResetEntityDirty(ctx context.Context, id uuid.UUID, valid bool, validPublished *bool) error {
	row, ok := t.state.entities[id]
	if !ok {
		return fmt.Errorf("%w: entity %s", grove.ErrNotFound, id)
	}
	row.DirtyValidate = false
	row.DirtyIndex = false
	row.Valid = valid
	row.ValidPublished = validPublished
	return nil
}

func (t *transaction) ListEntities(ctx context.Context, view grove.View, query grove.EntityQuery, paging grove.Paging) ([]*grove.EntityRow, grove.PageInfo, error) {
	matching := t.matchingEntities(view, query)

	after := -1
	if paging.After != "" {
		idx, err := t.cursorPosition(matching, paging.After)
		if err != nil {
			return nil, grove.PageInfo{}, err
		}
		after = idx
	}
	before := len(matching)
	if paging.Before != "" {
		idx, err := t.cursorPosition(matching, paging.Before)
		if err != nil {
			return nil, grove.PageInfo{}, err
		}
		before = idx
	}
	if after+1 > before {
		return nil, grove.PageInfo{}, nil
	}
	window := matching[after+1 : before]

	var page []*grove.EntityRow
	info := grove.PageInfo{HasPreviousPage: after >= 0, HasNextPage: before < len(matching)}
	if paging.Last > 0 {
		if len(window) > paging.Last {
			info.HasPreviousPage = true
			window = window[len(window)-paging.Last:]
		}
		page = window
	} else {
		if len(window) > paging.First {
			info.HasNextPage = true
			window = window[:paging.First]
		}
		page = window
	}
	out := make([]*grove.EntityRow, len(page))
	for i, row := range page {
		rowCopy := *row
		out[i] = &rowCopy
	}
	return out, info, nil
}

func (t *transaction) cursorPosition(rows []*grove.EntityRow, cursor grove.Cursor) (int, error) {
	key, err := grove.DecodeCursor(cursor)
	if err != nil {
		return 0, err
	}
	id, err := uuid.Parse(key)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed cursor", grove.ErrBadRequest)
	}
	for i, row := range rows {
		if row.ID == id {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: cursor does not match the listing", grove.ErrNotFound)
}

func (t *transaction) CountEntities(ctx context.Context, view grove.View, query grove.EntityQuery) (int, error) {
	return len(t.matchingEntities(view, query)), nil
}

func (t *transaction) SampleEntities(ctx context.Context, view grove.View, query grove.EntityQuery, seed int64, count int) ([]*grove.EntityRow, error) {
	matching := t.matchingEntities(view, query)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(matching), func(i, j int) { matching[i], matching[j] = matching[j], matching[i] })
	if len(matching) > count {
		matching = matching[:count]
	}
	out := make([]*grove.EntityRow, len(matching))
	for i, row := range matching {
		rowCopy := *row
		out[i] = &rowCopy
	}
	return out, nil
}

func (t *transaction) matchingEntities(view grove.View, query grove.EntityQuery) []*grove.EntityRow {
	scope := grove.ScopeDraft
	if view == grove.ViewPublished {
		scope = grove.ScopePublished
	}
	var rows []*grove.EntityRow
	for _, row := range t.state.entities {
		if view == grove.ViewPublished && row.PublishedVersion == nil {
			continue
		}
		if len(query.EntityTypes) > 0 && !slices.Contains(query.EntityTypes, row.Type) {
			continue
		}
		if len(query.Status) > 0 && !slices.Contains(query.Status, row.Status) {
			continue
		}
		if len(query.AuthKeys) > 0 && !slices.Contains(query.AuthKeys, row.ResolvedAuthKey) {
			continue
		}
		if query.Text != "" {
			doc := t.state.fullText[entityScope{entityID: row.ID, scope: scope}]
			if !strings.Contains(strings.ToLower(doc), strings.ToLower(query.Text)) {
				continue
			}
		}
		if query.BoundingBox != nil && !t.inBoundingBox(row.ID, scope, query.BoundingBox) {
			continue
		}
		if len(query.ComponentTypes) > 0 && !t.usesComponentTypes(row.ID, scope, query.ComponentTypes) {
			continue
		}
		rows = append(rows, row)
	}
	order := query.Order
	if order == "" {
		order = grove.OrderCreatedAt
	}
	slices.SortFunc(rows, func(a, b *grove.EntityRow) int {
		c := compareByOrder(a, b, order)
		if c == 0 {
			c = strings.Compare(a.ID.String(), b.ID.String())
		}
		if query.Reverse {
			c = -c
		}
		return c
	})
	return rows
}

func compareByOrder(a, b *grove.EntityRow, order grove.EntityOrder) int {
	switch order {
	case grove.OrderName:
		return strings.Compare(a.Name, b.Name)
	case grove.OrderUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func (t *transaction) inBoundingBox(id uuid.UUID, scope grove.Scope, box *grove.BoundingBox) bool {
	for _, loc := range t.state.locations[entityScope{entityID: id, scope: scope}] {
		if loc.Lat >= box.MinLat && loc.Lat <= box.MaxLat && loc.Lng >= box.MinLng && loc.Lng <= box.MaxLng {
			return true
		}
	}
	return false
}

func (t *transaction) usesComponentTypes(id uuid.UUID, scope grove.Scope, names []string) bool {
	for _, used := range t.state.componentTypes[entityScope{entityID: id, scope: scope}] {
		if slices.Contains(names, used) {
			return true
		}
	}
	return false
}
