// Package traverse implements the schema-driven walk over an entity's field
// tree. One walk produces a single stream of typed nodes that any number of
// consumers (validators, collectors) share, so a write touches the content
// tree exactly once regardless of how many concerns are computed from it.
package traverse

import (
	"fmt"
	"iter"

	"github.com/grovecms/grove/pkg/grove/schema"
)

// Walk returns a single-pass, depth-first (pre-order) node sequence over the
// field map shaped by the given field specs. The sequence is finite and
// deterministic; re-invoking Walk re-walks the same immutable tree.
func Walk(spec *schema.Spec, fields []schema.Field, values map[string]any) iter.Seq[Node] {
	return func(yield func(Node) bool) {
		w := &walker{spec: spec, yield: yield}
		w.walkFields(nil, fields, values)
	}
}

// WalkEntity walks an entity's fields by its type name.
func WalkEntity(spec *schema.Spec, typeName string, values map[string]any) iter.Seq[Node] {
	return func(yield func(Node) bool) {
		w := &walker{spec: spec, yield: yield}
		et := spec.EntityType(typeName)
		if et == nil {
			w.emit(Node{Kind: NodeKindError, Message: fmt.Sprintf("unknown entity type %q", typeName)})
			return
		}
		w.walkFields(nil, et.Fields, values)
	}
}

type walker struct {
	spec  *schema.Spec
	yield func(Node) bool
	done  bool
}

func (w *walker) emit(n Node) {
	if w.done {
		return
	}
	if !w.yield(n) {
		w.done = true
	}
}

func (w *walker) walkFields(path Path, specs []schema.Field, values map[string]any) {
	for i := range specs {
		if w.done {
			return
		}
		f := &specs[i]
		fieldPath := path.child(Step{Field: f.Name})
		value := values[f.Name]
		w.emit(Node{Kind: NodeKindField, Path: fieldPath, Spec: f, Value: value})
		if value == nil {
			continue
		}
		if f.List {
			items, ok := value.([]any)
			if !ok {
				w.emit(Node{Kind: NodeKindError, Path: fieldPath, Spec: f,
					Message: fmt.Sprintf("expected a list of %s items, got %T", f.Type, value)})
				continue
			}
			for idx, item := range items {
				w.walkItem(fieldPath.child(Step{Index: idx}), f, item)
			}
		} else {
			if _, isList := value.([]any); isList {
				w.emit(Node{Kind: NodeKindError, Path: fieldPath, Spec: f,
					Message: fmt.Sprintf("expected a single %s value, got a list", f.Type)})
				continue
			}
			w.walkItem(fieldPath, f, value)
		}
	}
	// Keys with no field spec are structural errors; the schema may have
	// dropped the field since this version was encoded.
	for key := range values {
		if fieldByName(specs, key) == nil {
			w.emit(Node{Kind: NodeKindError, Path: path.child(Step{Field: key}),
				Message: fmt.Sprintf("unknown field %q", key)})
		}
	}
}

func (w *walker) walkItem(path Path, f *schema.Field, value any) {
	if w.done {
		return
	}
	w.emit(Node{Kind: NodeKindFieldItem, Path: path, Spec: f, Value: value})
	switch f.Type {
	case schema.FieldTypeComponent:
		w.walkComponent(path, f, value)
	case schema.FieldTypeRichText:
		w.walkRichText(path, f, value)
	}
}

// walkComponent descends into a component value. The owning field spec rides
// on the emitted node so consumers can check its component allow-list; for a
// rich-text component node that is the rich text field itself.
func (w *walker) walkComponent(path Path, f *schema.Field, value any) {
	m, ok := value.(map[string]any)
	if !ok {
		w.emit(Node{Kind: NodeKindError, Path: path,
			Message: fmt.Sprintf("expected a component value, got %T", value)})
		return
	}
	typeName := schema.ComponentTypeOf(m)
	if typeName == "" {
		w.emit(Node{Kind: NodeKindError, Path: path, Message: "component value has no type"})
		return
	}
	ct := w.spec.ComponentType(typeName)
	if ct == nil {
		w.emit(Node{Kind: NodeKindError, Path: path,
			Message: fmt.Sprintf("unknown component type %q", typeName)})
		return
	}
	w.emit(Node{Kind: NodeKindComponentItem, Path: path, Spec: f, ComponentType: ct, Value: m})
	fields := make(map[string]any, len(m))
	for k, v := range m {
		if k == "type" {
			continue
		}
		fields[k] = v
	}
	w.walkFields(path, ct.Fields, fields)
}

func (w *walker) walkRichText(path Path, f *schema.Field, value any) {
	m, ok := value.(map[string]any)
	if !ok {
		w.emit(Node{Kind: NodeKindError, Path: path, Spec: f,
			Message: fmt.Sprintf("expected a rich text value, got %T", value)})
		return
	}
	root, ok := m["root"].(map[string]any)
	if !ok {
		w.emit(Node{Kind: NodeKindError, Path: path, Spec: f, Message: "rich text value has no root node"})
		return
	}
	w.walkRichTextNode(path.child(Step{Field: "root"}), f, root)
}

func (w *walker) walkRichTextNode(path Path, f *schema.Field, node map[string]any) {
	if w.done {
		return
	}
	kind, _ := node["type"].(string)
	if kind == "" {
		w.emit(Node{Kind: NodeKindError, Path: path, Spec: f, Message: "rich text node has no type"})
		return
	}
	w.emit(Node{Kind: NodeKindRichTextNode, Path: path, Spec: f, Value: node, RichTextKind: kind})
	if kind == schema.RichTextNodeComponent {
		if data, ok := node["data"].(map[string]any); ok {
			w.walkComponent(path.child(Step{Field: "data"}), f, data)
		} else {
			w.emit(Node{Kind: NodeKindError, Path: path, Spec: f, Message: "component node has no data"})
		}
	}
	children, _ := node["children"].([]any)
	for i, child := range children {
		childPath := path.child(Step{Field: "children"}).child(Step{Index: i})
		cm, ok := child.(map[string]any)
		if !ok {
			w.emit(Node{Kind: NodeKindError, Path: childPath, Spec: f,
				Message: fmt.Sprintf("expected a rich text node, got %T", child)})
			continue
		}
		w.walkRichTextNode(childPath, f, cm)
	}
}

func fieldByName(specs []schema.Field, name string) *schema.Field {
	for i := range specs {
		if specs[i].Name == name {
			return &specs[i]
		}
	}
	return nil
}
