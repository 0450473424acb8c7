package schema

// ActionKind discriminates migration actions.
type ActionKind string

// Migration action kinds (typed).
const (
	ActionRenameType  ActionKind = "renameType"
	ActionDeleteType  ActionKind = "deleteType"
	ActionRenameField ActionKind = "renameField"
	ActionDeleteField ActionKind = "deleteField"
	ActionRenameIndex ActionKind = "renameIndex"
	ActionDeleteIndex ActionKind = "deleteIndex"
)

// MigrationAction is one step of a migration batch. Which attributes are
// meaningful depends on Kind:
//
//	renameType:  Type, NewName
//	deleteType:  Type
//	renameField: Type, Field, NewName
//	deleteField: Type, Field
//	renameIndex: Index, NewName
//	deleteIndex: Index
type MigrationAction struct {
	Kind    ActionKind `json:"kind" yaml:"kind"`
	Type    string     `json:"type,omitempty" yaml:"type,omitempty"`
	Field   string     `json:"field,omitempty" yaml:"field,omitempty"`
	Index   string     `json:"index,omitempty" yaml:"index,omitempty"`
	NewName string     `json:"newName,omitempty" yaml:"newName,omitempty"`
}

// MigrationBatch is the ordered action list that produced one schema version.
// A batch is applied exactly once; Version tags the schema version it produces.
type MigrationBatch struct {
	Version int               `json:"version" yaml:"version"`
	Actions []MigrationAction `json:"actions" yaml:"actions"`
}

// ActionsSince returns every migration action tagged with a version greater
// than fromVersion, in application order.
func (s *Spec) ActionsSince(fromVersion int) []MigrationAction {
	var actions []MigrationAction
	for _, batch := range s.Migrations {
		if batch.Version <= fromVersion {
			continue
		}
		actions = append(actions, batch.Actions...)
	}
	return actions
}

// DecodeFields migrates a stored field map encoded at encodedVersion up to
// this spec's version by interpreting the cumulative migration-action log.
// Renames and deletes are applied in order against the value tree, including
// nested component values and rich-text component nodes; stored rows are
// never rewritten. The returned type name follows renameType actions; an
// empty name reports that the entity's type was deleted.
func (s *Spec) DecodeFields(typeName string, encodedVersion int, fields map[string]any) (string, map[string]any) {
	actions := s.ActionsSince(encodedVersion)
	if len(actions) == 0 {
		return typeName, fields
	}
	out := copyFieldTree(fields)
	for _, a := range actions {
		switch a.Kind {
		case ActionRenameType:
			if typeName == a.Type {
				typeName = a.NewName
			}
			renameTypeInTree(out, a.Type, a.NewName)
		case ActionDeleteType:
			if typeName == a.Type {
				return "", nil
			}
			deleteTypeInTree(out, a.Type)
		case ActionRenameField:
			if typeName == a.Type {
				renameKey(out, a.Field, a.NewName)
			}
			applyToComponents(out, a.Type, func(m map[string]any) { renameKey(m, a.Field, a.NewName) })
		case ActionDeleteField:
			if typeName == a.Type {
				delete(out, a.Field)
			}
			applyToComponents(out, a.Type, func(m map[string]any) { delete(m, a.Field) })
		case ActionRenameIndex, ActionDeleteIndex:
			// Index actions affect index rows, not stored field values.
		}
	}
	return typeName, out
}

func copyFieldTree(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyFieldTree(val)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = copyValue(item)
		}
		return items
	default:
		return v
	}
}

func renameKey(m map[string]any, from, to string) {
	if v, ok := m[from]; ok {
		delete(m, from)
		m[to] = v
	}
}

// ComponentTypeOf reports the embedded type discriminator of a component
// value, or "" when the map is not a component value.
func ComponentTypeOf(v map[string]any) string {
	name, _ := v["type"].(string)
	if name == "" || !nameRe.MatchString(name) {
		return ""
	}
	return name
}

// applyToComponents runs fn on every nested component value of the given
// type, anywhere below the root field map: component fields, list items and
// rich-text component node data. The root map itself is never a component.
func applyToComponents(tree map[string]any, typeName string, fn func(map[string]any)) {
	for _, v := range tree {
		walkComponents(v, func(m map[string]any) {
			if ComponentTypeOf(m) == typeName {
				fn(m)
			}
		})
	}
}

func renameTypeInTree(tree map[string]any, from, to string) {
	for _, v := range tree {
		walkComponents(v, func(m map[string]any) {
			if ComponentTypeOf(m) == from {
				m["type"] = to
			}
		})
	}
}

func deleteTypeInTree(tree map[string]any, typeName string) {
	for k, v := range tree {
		tree[k] = dropDeletedComponents(v, typeName)
	}
	for _, v := range tree {
		walkComponents(v, func(m map[string]any) {
			for k, child := range m {
				if k == "type" {
					continue
				}
				m[k] = dropDeletedComponents(child, typeName)
			}
		})
	}
}

func dropDeletedComponents(v any, typeName string) any {
	switch val := v.(type) {
	case map[string]any:
		if ComponentTypeOf(val) == typeName {
			return nil
		}
		return val
	case []any:
		out := val[:0]
		for _, item := range val {
			if m, ok := item.(map[string]any); ok && ComponentTypeOf(m) == typeName {
				continue
			}
			out = append(out, item)
		}
		return out
	default:
		return v
	}
}

func walkComponents(v any, fn func(map[string]any)) {
	switch val := v.(type) {
	case map[string]any:
		if ComponentTypeOf(val) != "" {
			fn(val)
		}
		for _, child := range val {
			walkComponents(child, fn)
		}
	case []any:
		for _, item := range val {
			walkComponents(item, fn)
		}
	}
}
