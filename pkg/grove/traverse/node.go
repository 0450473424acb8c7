package traverse

import (
	"fmt"
	"strings"

	"github.com/grovecms/grove/pkg/grove/schema"
)

// NodeKind discriminates traversal events.
type NodeKind string

// Node kinds (typed).
const (
	NodeKindField         NodeKind = "field"
	NodeKindFieldItem     NodeKind = "fieldItem"
	NodeKindComponentItem NodeKind = "componentItem"
	NodeKindRichTextNode  NodeKind = "richTextNode"
	NodeKindError         NodeKind = "error"
)

// Step is one element of a content path: a field name or a list index.
type Step struct {
	Field string
	Index int
}

// Path locates a value inside an entity's field tree.
type Path []Step

// String renders the path in "fields.title[0].child" form.
func (p Path) String() string {
	var b strings.Builder
	b.WriteString("fields")
	for _, s := range p {
		if s.Field != "" {
			b.WriteByte('.')
			b.WriteString(s.Field)
		} else {
			fmt.Fprintf(&b, "[%d]", s.Index)
		}
	}
	return b.String()
}

// child returns a new path with the step appended. The backing array is
// copied so sibling paths never alias.
func (p Path) child(s Step) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = s
	return out
}

// Node is one traversal event.
//
// Field and FieldItem nodes carry Spec (the field specification) and Value.
// ComponentItem nodes additionally carry ComponentType and the component's
// field map as Value. RichTextNode nodes carry the node map as Value and its
// kind in RichTextKind. Error nodes carry only Message: the traverser
// reports structural problems (missing type specs, a scalar where a list was
// declared) and leaves business-rule validation to its consumers.
type Node struct {
	Kind NodeKind
	Path Path

	Spec          *schema.Field
	Value         any
	ComponentType *schema.ComponentType
	RichTextKind  string
	Message       string
}
