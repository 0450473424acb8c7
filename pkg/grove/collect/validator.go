package collect

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/grovecms/grove/pkg/grove/schema"
	"github.com/grovecms/grove/pkg/grove/traverse"
)

// SaveValidator checks field values against their specs: required-ness,
// list shape (via traverser error nodes), pattern matches, enum membership
// and component/rich-text type allow-lists. Reference target types need a
// storage lookup and are checked by the lifecycle engine, not here.
//
// Running a SaveValidator built from the published schema view implements
// the publish-side rules: adminOnly fields are absent from that view, so
// adminOnly content surfaces as unknown-field issues.
type SaveValidator struct {
	Spec   *schema.Spec
	issues []Issue
}

// NewSaveValidator validates against the given schema view.
func NewSaveValidator(spec *schema.Spec) *SaveValidator {
	return &SaveValidator{Spec: spec}
}

// Issues returns the accumulated validation issues.
func (v *SaveValidator) Issues() []Issue { return v.issues }

func (v *SaveValidator) addf(path traverse.Path, kind IssueKind, format string, args ...any) {
	v.issues = append(v.issues, Issue{Path: path, Kind: kind, Message: fmt.Sprintf(format, args...)})
}

func (v *SaveValidator) Collect(n traverse.Node) {
	switch n.Kind {
	case traverse.NodeKindError:
		v.issues = append(v.issues, Issue{Path: n.Path, Kind: IssueKindInvalid, Message: n.Message})
	case traverse.NodeKindField:
		if n.Spec.Required && n.Value == nil {
			v.addf(n.Path, IssueKindRequired, "required field is missing")
		}
	case traverse.NodeKindFieldItem:
		v.checkItem(n)
	case traverse.NodeKindComponentItem:
		v.checkComponentItem(n)
	case traverse.NodeKindRichTextNode:
		v.checkRichTextNode(n)
	}
}

func (v *SaveValidator) checkItem(n traverse.Node) {
	f := n.Spec
	switch f.Type {
	case schema.FieldTypeBoolean:
		if _, ok := n.Value.(bool); !ok {
			v.addf(n.Path, IssueKindInvalid, "expected a boolean, got %T", n.Value)
		}
	case schema.FieldTypeString:
		v.checkString(n)
	case schema.FieldTypeNumber:
		v.checkNumber(n)
	case schema.FieldTypeLocation:
		v.checkLocation(n)
	case schema.FieldTypeReference:
		v.checkReference(n)
	case schema.FieldTypeComponent, schema.FieldTypeRichText:
		// Shape is checked by the traverser; nested nodes follow.
	}
}

func (v *SaveValidator) checkString(n traverse.Node) {
	s, ok := n.Value.(string)
	if !ok {
		v.addf(n.Path, IssueKindInvalid, "expected a string, got %T", n.Value)
		return
	}
	f := n.Spec
	if !f.Multiline && strings.ContainsAny(s, "\r\n") {
		v.addf(n.Path, IssueKindInvalid, "multiline text in a single-line field")
	}
	if len(f.Values) > 0 && !slices.Contains(f.Values, s) {
		v.addf(n.Path, IssueKindInvalid, "value %q is not one of the allowed values", s)
	}
	if f.MatchPattern != "" {
		re := v.Spec.CompiledPattern(f.MatchPattern)
		if re == nil || !re.MatchString(s) {
			v.addf(n.Path, IssueKindInvalid, "value does not match pattern %s", f.MatchPattern)
		}
	}
}

func (v *SaveValidator) checkNumber(n traverse.Node) {
	num, ok := asFloat(n.Value)
	if !ok {
		v.addf(n.Path, IssueKindInvalid, "expected a number, got %T", n.Value)
		return
	}
	if n.Spec.Integer && num != math.Trunc(num) {
		v.addf(n.Path, IssueKindInvalid, "expected an integer, got %v", num)
	}
}

func (v *SaveValidator) checkLocation(n traverse.Node) {
	m, ok := n.Value.(map[string]any)
	if !ok {
		v.addf(n.Path, IssueKindInvalid, "expected a location, got %T", n.Value)
		return
	}
	lat, latOK := asFloat(m["lat"])
	lng, lngOK := asFloat(m["lng"])
	if !latOK || !lngOK {
		v.addf(n.Path, IssueKindInvalid, "location must have numeric lat and lng")
		return
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		v.addf(n.Path, IssueKindInvalid, "location out of range: lat=%v lng=%v", lat, lng)
	}
}

func (v *SaveValidator) checkReference(n traverse.Node) {
	m, ok := n.Value.(map[string]any)
	if !ok {
		v.addf(n.Path, IssueKindInvalid, "expected an entity reference, got %T", n.Value)
		return
	}
	id, _ := m["id"].(string)
	if _, err := uuid.Parse(id); err != nil {
		v.addf(n.Path, IssueKindInvalid, "reference has no valid id")
	}
}

func (v *SaveValidator) checkComponentItem(n traverse.Node) {
	// The owning field spec rides on the node; for rich-text component nodes
	// that is the rich text field itself, so its allow-list applies too.
	f := n.Spec
	if f == nil || len(f.ComponentTypes) == 0 {
		return
	}
	if !slices.Contains(f.ComponentTypes, n.ComponentType.Name) {
		v.addf(n.Path, IssueKindInvalid, "component type %q is not allowed here", n.ComponentType.Name)
	}
}

func (v *SaveValidator) checkRichTextNode(n traverse.Node) {
	f := n.Spec
	if len(f.RichTextNodes) > 0 && !slices.Contains(f.RichTextNodes, n.RichTextKind) {
		v.addf(n.Path, IssueKindInvalid, "rich text node kind %q is not allowed here", n.RichTextKind)
	}
	if n.RichTextKind == schema.RichTextNodeEntityLink {
		node := n.Value.(map[string]any)
		entity, _ := node["entity"].(map[string]any)
		id, _ := entity["id"].(string)
		if _, err := uuid.Parse(id); err != nil {
			v.addf(n.Path, IssueKindInvalid, "entity link has no valid id")
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
