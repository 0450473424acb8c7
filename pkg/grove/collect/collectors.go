package collect

import (
	"strings"

	"github.com/google/uuid"
	"github.com/grovecms/grove/pkg/grove/schema"
	"github.com/grovecms/grove/pkg/grove/traverse"
)

// FullTextCollector gathers every searchable string in the tree: String
// field items and rich-text text nodes.
type FullTextCollector struct {
	parts []string
}

func (c *FullTextCollector) Collect(n traverse.Node) {
	switch n.Kind {
	case traverse.NodeKindFieldItem:
		if n.Spec.Type == schema.FieldTypeString {
			if s, ok := n.Value.(string); ok && s != "" {
				c.parts = append(c.parts, s)
			}
		}
	case traverse.NodeKindRichTextNode:
		if n.RichTextKind == schema.RichTextNodeText {
			node := n.Value.(map[string]any)
			if s, ok := node["text"].(string); ok && s != "" {
				c.parts = append(c.parts, s)
			}
		}
	}
}

// Result joins the collected text with single spaces.
func (c *FullTextCollector) Result() string { return strings.Join(c.parts, " ") }

// Reference is one outbound reference found in an entity's content.
type Reference struct {
	Path traverse.Path
	ID   uuid.UUID
	// AllowedTypes is the field's entity-type allow-list, empty when any
	// type is legal. For rich-text entity links this is linkEntityTypes.
	AllowedTypes []string
	Link         bool
}

// ReferenceCollector gathers plain reference field items and rich-text
// entity links.
type ReferenceCollector struct {
	refs []Reference
}

func (c *ReferenceCollector) Collect(n traverse.Node) {
	switch n.Kind {
	case traverse.NodeKindFieldItem:
		if n.Spec.Type != schema.FieldTypeReference {
			return
		}
		m, ok := n.Value.(map[string]any)
		if !ok {
			return
		}
		if id, ok := parseID(m["id"]); ok {
			c.refs = append(c.refs, Reference{Path: n.Path, ID: id, AllowedTypes: n.Spec.EntityTypes})
		}
	case traverse.NodeKindRichTextNode:
		if n.RichTextKind != schema.RichTextNodeEntityLink {
			return
		}
		node := n.Value.(map[string]any)
		entity, _ := node["entity"].(map[string]any)
		if id, ok := parseID(entity["id"]); ok {
			c.refs = append(c.refs, Reference{Path: n.Path, ID: id, AllowedTypes: n.Spec.LinkEntityTypes, Link: true})
		}
	}
}

// Result returns the collected references in traversal order.
func (c *ReferenceCollector) Result() []Reference { return c.refs }

// IDs returns the distinct referenced entity ids in first-seen order.
func (c *ReferenceCollector) IDs() []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(c.refs))
	var ids []uuid.UUID
	for _, r := range c.refs {
		if !seen[r.ID] {
			seen[r.ID] = true
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func parseID(v any) (uuid.UUID, bool) {
	s, _ := v.(string)
	id, err := uuid.Parse(s)
	return id, err == nil
}

// Location is one geo point found in an entity's content.
type Location struct {
	Path traverse.Path
	Lat  float64
	Lng  float64
}

// LocationCollector gathers location field items with numeric coordinates.
type LocationCollector struct {
	locations []Location
}

func (c *LocationCollector) Collect(n traverse.Node) {
	if n.Kind != traverse.NodeKindFieldItem || n.Spec.Type != schema.FieldTypeLocation {
		return
	}
	m, ok := n.Value.(map[string]any)
	if !ok {
		return
	}
	lat, latOK := asFloat(m["lat"])
	lng, lngOK := asFloat(m["lng"])
	if latOK && lngOK {
		c.locations = append(c.locations, Location{Path: n.Path, Lat: lat, Lng: lng})
	}
}

// Result returns the collected locations in traversal order.
func (c *LocationCollector) Result() []Location { return c.locations }

// ComponentTypeCollector records which component types an entity uses, so a
// schema change to a component type can find the entities that embed it.
type ComponentTypeCollector struct {
	seen  map[string]bool
	names []string
}

func (c *ComponentTypeCollector) Collect(n traverse.Node) {
	if n.Kind != traverse.NodeKindComponentItem {
		return
	}
	if c.seen == nil {
		c.seen = make(map[string]bool)
	}
	if !c.seen[n.ComponentType.Name] {
		c.seen[n.ComponentType.Name] = true
		c.names = append(c.names, n.ComponentType.Name)
	}
}

// Result returns the distinct component type names in first-seen order.
func (c *ComponentTypeCollector) Result() []string { return c.names }

// UniqueCandidate is one (index, value) pair an entity wants to hold.
type UniqueCandidate struct {
	Path  traverse.Path
	Index string
	Value string
}

// UniqueValueCollector gathers values of String fields that feed a named
// unique index.
type UniqueValueCollector struct {
	candidates []UniqueCandidate
}

func (c *UniqueValueCollector) Collect(n traverse.Node) {
	if n.Kind != traverse.NodeKindFieldItem || n.Spec.Type != schema.FieldTypeString || n.Spec.Index == "" {
		return
	}
	if s, ok := n.Value.(string); ok && s != "" {
		c.candidates = append(c.candidates, UniqueCandidate{Path: n.Path, Index: n.Spec.Index, Value: s})
	}
}

// Result returns the collected candidates in traversal order.
func (c *UniqueValueCollector) Result() []UniqueCandidate { return c.candidates }
