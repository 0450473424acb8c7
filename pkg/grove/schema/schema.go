package schema

import (
	"regexp"
)

// FieldType discriminates the value shape of a field.
type FieldType string

// Field type constants (typed).
const (
	FieldTypeBoolean   FieldType = "Boolean"
	FieldTypeComponent FieldType = "Component"
	FieldTypeLocation  FieldType = "Location"
	FieldTypeNumber    FieldType = "Number"
	FieldTypeReference FieldType = "Reference"
	FieldTypeRichText  FieldType = "RichText"
	FieldTypeString    FieldType = "String"
)

// RichText node kinds understood by the traverser and validators.
const (
	RichTextNodeRoot       = "root"
	RichTextNodeParagraph  = "paragraph"
	RichTextNodeText       = "text"
	RichTextNodeLineBreak  = "linebreak"
	RichTextNodeEntityLink = "entityLink"
	RichTextNodeComponent  = "component"
)

// IndexKind is the kind of a named index. Only unique indexes exist today.
type IndexKind string

const IndexKindUnique IndexKind = "unique"

// Field describes one field of an entity or component type.
//
// The zero value of every type-specific attribute means "not set"; which
// attributes are legal for which Type is enforced by Spec.Validate.
type Field struct {
	Name      string    `json:"name" yaml:"name"`
	Type      FieldType `json:"type" yaml:"type"`
	List      bool      `json:"list,omitempty" yaml:"list,omitempty"`
	Required  bool      `json:"required,omitempty" yaml:"required,omitempty"`
	AdminOnly bool      `json:"adminOnly,omitempty" yaml:"adminOnly,omitempty"`

	// Reference / RichText
	EntityTypes []string `json:"entityTypes,omitempty" yaml:"entityTypes,omitempty"`
	// RichText: entity types legal as link targets inside the text.
	LinkEntityTypes []string `json:"linkEntityTypes,omitempty" yaml:"linkEntityTypes,omitempty"`
	// Component / RichText
	ComponentTypes []string `json:"componentTypes,omitempty" yaml:"componentTypes,omitempty"`
	// RichText: node kinds permitted; empty means all kinds.
	RichTextNodes []string `json:"richTextNodes,omitempty" yaml:"richTextNodes,omitempty"`

	// String
	MatchPattern string   `json:"matchPattern,omitempty" yaml:"matchPattern,omitempty"`
	Values       []string `json:"values,omitempty" yaml:"values,omitempty"`
	Multiline    bool     `json:"multiline,omitempty" yaml:"multiline,omitempty"`
	Index        string   `json:"index,omitempty" yaml:"index,omitempty"`

	// Number
	Integer bool `json:"integer,omitempty" yaml:"integer,omitempty"`
}

// EntityType describes a top-level, individually addressable content type.
type EntityType struct {
	Name           string  `json:"name" yaml:"name"`
	AdminOnly      bool    `json:"adminOnly,omitempty" yaml:"adminOnly,omitempty"`
	AuthKeyPattern string  `json:"authKeyPattern,omitempty" yaml:"authKeyPattern,omitempty"`
	NameField      string  `json:"nameField,omitempty" yaml:"nameField,omitempty"`
	Fields         []Field `json:"fields" yaml:"fields"`
}

// ComponentType describes a nested value type with no identity of its own.
type ComponentType struct {
	Name      string  `json:"name" yaml:"name"`
	AdminOnly bool    `json:"adminOnly,omitempty" yaml:"adminOnly,omitempty"`
	Fields    []Field `json:"fields" yaml:"fields"`
}

// Pattern is a named regular expression referenced by matchPattern and
// authKeyPattern attributes.
type Pattern struct {
	Name    string `json:"name" yaml:"name"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

// Index is a named index fields can feed values into.
type Index struct {
	Name string    `json:"name" yaml:"name"`
	Kind IndexKind `json:"kind" yaml:"kind"`
}

// Spec is one version of the schema: the full set of types, patterns,
// indexes and the migration log that produced it. A Spec is treated as
// immutable once validated; Update returns a new Spec.
type Spec struct {
	Version        int              `json:"version" yaml:"version"`
	EntityTypes    []EntityType     `json:"entityTypes" yaml:"entityTypes"`
	ComponentTypes []ComponentType  `json:"componentTypes" yaml:"componentTypes"`
	Patterns       []Pattern        `json:"patterns" yaml:"patterns"`
	Indexes        []Index          `json:"indexes" yaml:"indexes"`
	Migrations     []MigrationBatch `json:"migrations" yaml:"migrations"`

	compiled map[string]*regexp.Regexp
}

// EntityType returns the named entity type, or nil.
func (s *Spec) EntityType(name string) *EntityType {
	for i := range s.EntityTypes {
		if s.EntityTypes[i].Name == name {
			return &s.EntityTypes[i]
		}
	}
	return nil
}

// ComponentType returns the named component type, or nil.
func (s *Spec) ComponentType(name string) *ComponentType {
	for i := range s.ComponentTypes {
		if s.ComponentTypes[i].Name == name {
			return &s.ComponentTypes[i]
		}
	}
	return nil
}

// Pattern returns the named pattern, or nil.
func (s *Spec) Pattern(name string) *Pattern {
	for i := range s.Patterns {
		if s.Patterns[i].Name == name {
			return &s.Patterns[i]
		}
	}
	return nil
}

// Index returns the named index, or nil.
func (s *Spec) Index(name string) *Index {
	for i := range s.Indexes {
		if s.Indexes[i].Name == name {
			return &s.Indexes[i]
		}
	}
	return nil
}

// CompiledPattern returns the compiled regexp for a named pattern. Patterns
// are compiled during Validate; calling this on an unvalidated spec compiles
// on the fly and returns nil when the pattern is missing or malformed.
func (s *Spec) CompiledPattern(name string) *regexp.Regexp {
	if re, ok := s.compiled[name]; ok {
		return re
	}
	p := s.Pattern(name)
	if p == nil {
		return nil
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return nil
	}
	if s.compiled == nil {
		s.compiled = make(map[string]*regexp.Regexp)
	}
	s.compiled[name] = re
	return re
}

// Field returns the named field of an entity or component type.
func fieldByName(fields []Field, name string) *Field {
	for i := range fields {
		if fields[i].Name == name {
			return &fields[i]
		}
	}
	return nil
}

// Field looks up a field on the entity type.
func (t *EntityType) Field(name string) *Field { return fieldByName(t.Fields, name) }

// Field looks up a field on the component type.
func (t *ComponentType) Field(name string) *Field { return fieldByName(t.Fields, name) }
