package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/grovecms/grove/pkg/grove"
)

// entityQueryBuilder assembles the WHERE/ORDER BY parts shared by list,
// count and sample queries.
type entityQueryBuilder struct {
	conds []string
	args  []any
	order string
	desc  bool
	scope grove.Scope
}

func newEntityQueryBuilder(view grove.View, query grove.EntityQuery) *entityQueryBuilder {
	b := &entityQueryBuilder{scope: grove.ScopeDraft}
	if view == grove.ViewPublished {
		b.scope = grove.ScopePublished
		b.conds = append(b.conds, "e.published_version IS NOT NULL")
	}
	if len(query.EntityTypes) > 0 {
		b.arg(query.EntityTypes, "e.entity_type = ANY(%s)")
	}
	if len(query.Status) > 0 {
		statuses := make([]string, len(query.Status))
		for i, s := range query.Status {
			statuses[i] = string(s)
		}
		b.arg(statuses, "e.status = ANY(%s)")
	}
	if len(query.AuthKeys) > 0 {
		b.arg(query.AuthKeys, "e.resolved_auth_key = ANY(%s)")
	}
	if query.Text != "" {
		b.args = append(b.args, string(b.scope), query.Text)
		b.conds = append(b.conds, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM entity_fulltext ft
			WHERE ft.entity_id = e.id AND ft.scope = $%d
			AND ft.document @@ plainto_tsquery('simple', $%d))`,
			len(b.args)-1, len(b.args)))
	}
	if box := query.BoundingBox; box != nil {
		b.args = append(b.args, string(b.scope), box.MinLat, box.MaxLat, box.MinLng, box.MaxLng)
		n := len(b.args)
		b.conds = append(b.conds, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM entity_locations el
			WHERE el.entity_id = e.id AND el.scope = $%d
			AND el.lat BETWEEN $%d AND $%d AND el.lng BETWEEN $%d AND $%d)`,
			n-4, n-3, n-2, n-1, n))
	}
	if len(query.ComponentTypes) > 0 {
		b.args = append(b.args, string(b.scope), query.ComponentTypes)
		b.conds = append(b.conds, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM entity_component_types ect
			WHERE ect.entity_id = e.id AND ect.scope = $%d AND ect.component_type = ANY($%d))`,
			len(b.args)-1, len(b.args)))
	}

	switch query.Order {
	case grove.OrderName:
		b.order = "e.name"
	case grove.OrderUpdatedAt:
		b.order = "e.updated_at"
	default:
		b.order = "e.created_at"
	}
	b.desc = query.Reverse
	return b
}

func (b *entityQueryBuilder) arg(value any, cond string) {
	b.args = append(b.args, value)
	b.conds = append(b.conds, fmt.Sprintf(cond, fmt.Sprintf("$%d", len(b.args))))
}

func (b *entityQueryBuilder) where() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// addCursorBound restricts the listing to rows after (or before) the sort
// position of the cursor's entity, using a row comparison on the full sort
// key so forward and backward windows are exact complements.
func (b *entityQueryBuilder) addCursorBound(cursor grove.Cursor, before bool) error {
	key, err := grove.DecodeCursor(cursor)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(key)
	if err != nil {
		return fmt.Errorf("%w: malformed cursor", grove.ErrBadRequest)
	}
	op := ">"
	if b.desc != before {
		op = "<"
	}
	b.args = append(b.args, id)
	n := len(b.args)
	b.conds = append(b.conds, fmt.Sprintf(`(%s, e.id) %s (SELECT %s, c.id FROM entities c WHERE c.id = $%d)`,
		b.order, op, strings.Replace(b.order, "e.", "c.", 1), n))
	return nil
}

func (b *entityQueryBuilder) orderBy() string {
	dir := "ASC"
	if b.desc {
		dir = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, e.id %s", b.order, dir, dir)
}

func (t *transaction) ListEntities(ctx context.Context, view grove.View, query grove.EntityQuery, paging grove.Paging) ([]*grove.EntityRow, grove.PageInfo, error) {
	b := newEntityQueryBuilder(view, query)
	if paging.After != "" {
		if err := b.addCursorBound(paging.After, false); err != nil {
			return nil, grove.PageInfo{}, err
		}
	}
	if paging.Before != "" {
		if err := b.addCursorBound(paging.Before, true); err != nil {
			return nil, grove.PageInfo{}, err
		}
	}

	limit := paging.First
	backward := paging.Last > 0
	if backward {
		limit = paging.Last
	}
	b.args = append(b.args, limit+1)

	orderBy := b.orderBy()
	if backward {
		// Take the window's tail: fetch in flipped order, reverse below.
		orderBy = flipOrder(orderBy)
	}
	sql := `SELECT ` + entityColumnsAliased + ` FROM entities e` + b.where() + orderBy +
		fmt.Sprintf(" LIMIT $%d", len(b.args))

	rows, err := t.tx.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, grove.PageInfo{}, err
	}
	defer rows.Close()
	out, err := t.collectEntities(rows)
	if err != nil {
		return nil, grove.PageInfo{}, err
	}

	info := grove.PageInfo{
		HasPreviousPage: paging.After != "",
		HasNextPage:     paging.Before != "",
	}
	if len(out) > limit {
		out = out[:limit]
		if backward {
			info.HasPreviousPage = true
		} else {
			info.HasNextPage = true
		}
	}
	if backward {
		reverseRows(out)
	}
	return out, info, nil
}

func (t *transaction) CountEntities(ctx context.Context, view grove.View, query grove.EntityQuery) (int, error) {
	b := newEntityQueryBuilder(view, query)
	var count int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM entities e`+b.where(), b.args...).Scan(&count)
	return count, err
}

// SampleEntities orders by a seeded per-row hash so the same seed always
// returns the same sample.
func (t *transaction) SampleEntities(ctx context.Context, view grove.View, query grove.EntityQuery, seed int64, count int) ([]*grove.EntityRow, error) {
	b := newEntityQueryBuilder(view, query)
	b.args = append(b.args, seed)
	orderArg := len(b.args)
	b.args = append(b.args, count)
	sql := fmt.Sprintf(`SELECT `+entityColumnsAliased+` FROM entities e%s
		ORDER BY md5($%d::text || e.id::text) LIMIT $%d`,
		b.where(), orderArg, len(b.args))
	rows, err := t.tx.Query(ctx, sql, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return t.collectEntities(rows)
}

const entityColumnsAliased = `e.id, e.entity_type, e.name, e.auth_key, e.resolved_auth_key, e.status,
	e.created_at, e.updated_at, e.latest_version, e.published_version, e.valid, e.valid_published,
	e.dirty_validate, e.dirty_index`

func flipOrder(sql string) string {
	flipped := strings.ReplaceAll(sql, " ASC", " \x00")
	flipped = strings.ReplaceAll(flipped, " DESC", " ASC")
	return strings.ReplaceAll(flipped, " \x00", " DESC")
}

func reverseRows(rows []*grove.EntityRow) {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
}
