package schema

import (
	"fmt"
	"regexp"
)

// Problem is one validation problem found in a schema specification.
type Problem struct {
	Path    string
	Message string
}

func (p Problem) Error() string {
	if p.Path == "" {
		return p.Message
	}
	return fmt.Sprintf("%s: %s", p.Path, p.Message)
}

func problemf(path, format string, args ...any) Problem {
	return Problem{Path: path, Message: fmt.Sprintf(format, args...)}
}

var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Validate checks the spec for internal consistency: unique names, resolvable
// pattern/type/index references, and per-field-type attribute rules. It also
// compiles every pattern, caching the result on the spec. A nil return means
// the spec is valid.
func (s *Spec) Validate() []Problem {
	var problems []Problem

	if s.Version < 0 {
		problems = append(problems, problemf("version", "must not be negative, got %d", s.Version))
	}

	seenTypes := map[string]bool{}
	for _, et := range s.EntityTypes {
		path := "entityTypes." + et.Name
		if seenTypes[et.Name] {
			problems = append(problems, problemf(path, "duplicate type name"))
		}
		seenTypes[et.Name] = true
		if !nameRe.MatchString(et.Name) {
			problems = append(problems, problemf(path, "invalid type name %q", et.Name))
		}
		if et.AuthKeyPattern != "" && s.Pattern(et.AuthKeyPattern) == nil {
			problems = append(problems, problemf(path, "unknown authKeyPattern %q", et.AuthKeyPattern))
		}
		problems = append(problems, s.validateFields(path, et.Fields)...)
		problems = append(problems, s.validateNameField(path, &et)...)
	}
	for _, ct := range s.ComponentTypes {
		path := "componentTypes." + ct.Name
		if seenTypes[ct.Name] {
			problems = append(problems, problemf(path, "duplicate type name"))
		}
		seenTypes[ct.Name] = true
		if !nameRe.MatchString(ct.Name) {
			problems = append(problems, problemf(path, "invalid type name %q", ct.Name))
		}
		problems = append(problems, s.validateFields(path, ct.Fields)...)
	}

	if s.compiled == nil {
		s.compiled = make(map[string]*regexp.Regexp, len(s.Patterns))
	}
	seenPatterns := map[string]bool{}
	for _, p := range s.Patterns {
		path := "patterns." + p.Name
		if seenPatterns[p.Name] {
			problems = append(problems, problemf(path, "duplicate pattern name"))
		}
		seenPatterns[p.Name] = true
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			problems = append(problems, problemf(path, "invalid regexp: %v", err))
			continue
		}
		s.compiled[p.Name] = re
	}

	seenIndexes := map[string]bool{}
	for _, idx := range s.Indexes {
		path := "indexes." + idx.Name
		if seenIndexes[idx.Name] {
			problems = append(problems, problemf(path, "duplicate index name"))
		}
		seenIndexes[idx.Name] = true
		if idx.Kind != IndexKindUnique {
			problems = append(problems, problemf(path, "unsupported index kind %q", idx.Kind))
		}
	}

	problems = append(problems, s.validateMigrations()...)
	return problems
}

func (s *Spec) validateNameField(path string, et *EntityType) []Problem {
	if et.NameField == "" {
		return nil
	}
	f := et.Field(et.NameField)
	switch {
	case f == nil:
		return []Problem{problemf(path, "nameField %q does not exist", et.NameField)}
	case f.Type != FieldTypeString:
		return []Problem{problemf(path, "nameField %q must be a String field", et.NameField)}
	case f.List:
		return []Problem{problemf(path, "nameField %q must not be a list", et.NameField)}
	case !f.Required:
		return []Problem{problemf(path, "nameField %q must be required", et.NameField)}
	}
	return nil
}

func (s *Spec) validateFields(typePath string, fields []Field) []Problem {
	var problems []Problem
	seen := map[string]bool{}
	for _, f := range fields {
		path := typePath + ".fields." + f.Name
		if seen[f.Name] {
			problems = append(problems, problemf(path, "duplicate field name"))
		}
		seen[f.Name] = true
		if !nameRe.MatchString(f.Name) {
			problems = append(problems, problemf(path, "invalid field name %q", f.Name))
		}
		problems = append(problems, s.validateFieldAttributes(path, f)...)
	}
	return problems
}

func (s *Spec) validateFieldAttributes(path string, f Field) []Problem {
	var problems []Problem

	allow := func(cond bool, attr string) {
		if !cond {
			problems = append(problems, problemf(path, "%s is not allowed on %s fields", attr, f.Type))
		}
	}

	switch f.Type {
	case FieldTypeBoolean, FieldTypeLocation:
	case FieldTypeNumber:
	case FieldTypeString:
	case FieldTypeReference:
	case FieldTypeComponent:
	case FieldTypeRichText:
	default:
		return append(problems, problemf(path, "unknown field type %q", f.Type))
	}

	if f.Integer {
		allow(f.Type == FieldTypeNumber, "integer")
	}
	if f.Multiline {
		allow(f.Type == FieldTypeString, "multiline")
	}
	if f.MatchPattern != "" {
		allow(f.Type == FieldTypeString, "matchPattern")
		if s.Pattern(f.MatchPattern) == nil {
			problems = append(problems, problemf(path, "unknown matchPattern %q", f.MatchPattern))
		}
	}
	if len(f.Values) > 0 {
		allow(f.Type == FieldTypeString, "values")
		if f.MatchPattern != "" {
			problems = append(problems, problemf(path, "values and matchPattern are mutually exclusive"))
		}
	}
	if f.Multiline && len(f.Values) > 0 {
		problems = append(problems, problemf(path, "multiline is not allowed with values"))
	}
	if f.Index != "" {
		allow(f.Type == FieldTypeString, "index")
		if s.Index(f.Index) == nil {
			problems = append(problems, problemf(path, "unknown index %q", f.Index))
		}
	}
	if len(f.EntityTypes) > 0 {
		allow(f.Type == FieldTypeReference || f.Type == FieldTypeRichText, "entityTypes")
		for _, name := range f.EntityTypes {
			if s.EntityType(name) == nil {
				problems = append(problems, problemf(path, "unknown entity type %q", name))
			}
		}
	}
	if len(f.LinkEntityTypes) > 0 {
		allow(f.Type == FieldTypeRichText, "linkEntityTypes")
		for _, name := range f.LinkEntityTypes {
			if s.EntityType(name) == nil {
				problems = append(problems, problemf(path, "unknown entity type %q", name))
			}
		}
	}
	if len(f.ComponentTypes) > 0 {
		allow(f.Type == FieldTypeComponent || f.Type == FieldTypeRichText, "componentTypes")
		for _, name := range f.ComponentTypes {
			if s.ComponentType(name) == nil {
				problems = append(problems, problemf(path, "unknown component type %q", name))
			}
		}
	}
	if len(f.RichTextNodes) > 0 {
		allow(f.Type == FieldTypeRichText, "richTextNodes")
		hasRoot, hasParagraph, hasText := false, false, false
		for _, n := range f.RichTextNodes {
			switch n {
			case RichTextNodeRoot:
				hasRoot = true
			case RichTextNodeParagraph:
				hasParagraph = true
			case RichTextNodeText:
				hasText = true
			}
		}
		if !hasRoot || !hasParagraph || !hasText {
			problems = append(problems, problemf(path, "richTextNodes must include root, paragraph and text"))
		}
	}
	return problems
}

func (s *Spec) validateMigrations() []Problem {
	var problems []Problem
	prev := 0
	for i, batch := range s.Migrations {
		path := fmt.Sprintf("migrations[%d]", i)
		if batch.Version <= prev {
			problems = append(problems, problemf(path, "migration versions must strictly increase, got %d after %d", batch.Version, prev))
		}
		prev = batch.Version
		if batch.Version > s.Version {
			problems = append(problems, problemf(path, "migration version %d exceeds schema version %d", batch.Version, s.Version))
		}
		for j, a := range batch.Actions {
			apath := fmt.Sprintf("%s.actions[%d]", path, j)
			switch a.Kind {
			case ActionRenameType, ActionDeleteType, ActionRenameField, ActionDeleteField, ActionRenameIndex, ActionDeleteIndex:
			default:
				problems = append(problems, problemf(apath, "unknown migration action kind %q", a.Kind))
			}
		}
	}
	return problems
}
