package schema

import (
	"errors"
	"fmt"
)

// ErrVersionMismatch reports that a caller-supplied schema version is not
// exactly previous+1. Callers use this for optimistic concurrent-writer
// detection.
var ErrVersionMismatch = errors.New("schema version mismatch")

// UpdateRequest is a partial schema change. Types, patterns and indexes
// replace existing entries with the same name and append otherwise; the
// migration actions are applied to everything carried over from the previous
// spec before the merge.
type UpdateRequest struct {
	// Version, when non-zero, must be exactly previous+1.
	Version        int              `json:"version,omitempty" yaml:"version,omitempty"`
	EntityTypes    []EntityType     `json:"entityTypes,omitempty" yaml:"entityTypes,omitempty"`
	ComponentTypes []ComponentType  `json:"componentTypes,omitempty" yaml:"componentTypes,omitempty"`
	Patterns       []Pattern        `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Indexes        []Index          `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	Migrations     []MigrationBatch `json:"migrations,omitempty" yaml:"migrations,omitempty"`
}

// IsEmpty reports whether the request changes nothing.
func (r *UpdateRequest) IsEmpty() bool {
	return len(r.EntityTypes) == 0 && len(r.ComponentTypes) == 0 &&
		len(r.Patterns) == 0 && len(r.Indexes) == 0 && len(r.Migrations) == 0
}

// Actions flattens the request's migration batches in order.
func (r *UpdateRequest) Actions() []MigrationAction {
	var actions []MigrationAction
	for _, b := range r.Migrations {
		actions = append(actions, b.Actions...)
	}
	return actions
}

// Update merges the partial change into the spec and returns the next spec
// with Version bumped by one. The receiver is left untouched. A non-nil
// problems slice reports validation failures of the merged result; the first
// return value is nil in that case.
func (s *Spec) Update(req UpdateRequest) (*Spec, []Problem, error) {
	nextVersion := s.Version + 1
	if req.Version != 0 && req.Version != nextVersion {
		return nil, nil, fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, nextVersion, req.Version)
	}
	for _, b := range req.Migrations {
		if b.Version != nextVersion {
			return nil, nil, fmt.Errorf("%w: migration batch tagged %d, expected %d", ErrVersionMismatch, b.Version, nextVersion)
		}
	}

	next := &Spec{
		Version:        nextVersion,
		EntityTypes:    append([]EntityType(nil), s.EntityTypes...),
		ComponentTypes: append([]ComponentType(nil), s.ComponentTypes...),
		Patterns:       append([]Pattern(nil), s.Patterns...),
		Indexes:        append([]Index(nil), s.Indexes...),
		Migrations:     append(append([]MigrationBatch(nil), s.Migrations...), req.Migrations...),
	}

	for _, a := range req.Actions() {
		next.applyActionToSpec(a)
	}

	mergeEntityTypes(next, req.EntityTypes)
	mergeComponentTypes(next, req.ComponentTypes)
	mergePatterns(next, req.Patterns)
	mergeIndexes(next, req.Indexes)

	if problems := next.Validate(); len(problems) > 0 {
		return nil, problems, nil
	}
	return next, nil, nil
}

// applyActionToSpec rewrites the carried-over type specs so renames and
// deletes named in a migration batch do not need to be restated in the
// partial change itself.
func (s *Spec) applyActionToSpec(a MigrationAction) {
	switch a.Kind {
	case ActionRenameType:
		for i := range s.EntityTypes {
			if s.EntityTypes[i].Name == a.Type {
				s.EntityTypes[i].Name = a.NewName
			}
		}
		for i := range s.ComponentTypes {
			if s.ComponentTypes[i].Name == a.Type {
				s.ComponentTypes[i].Name = a.NewName
			}
		}
		s.rewriteTypeRefs(func(name string) (string, bool) {
			if name == a.Type {
				return a.NewName, true
			}
			return name, true
		})
	case ActionDeleteType:
		s.EntityTypes = deleteByName(s.EntityTypes, a.Type, func(t EntityType) string { return t.Name })
		s.ComponentTypes = deleteByName(s.ComponentTypes, a.Type, func(t ComponentType) string { return t.Name })
		s.rewriteTypeRefs(func(name string) (string, bool) {
			return name, name != a.Type
		})
	case ActionRenameField:
		s.eachField(a.Type, func(f *Field) {
			if f.Name == a.Field {
				f.Name = a.NewName
			}
		})
		for i := range s.EntityTypes {
			if s.EntityTypes[i].Name == a.Type && s.EntityTypes[i].NameField == a.Field {
				s.EntityTypes[i].NameField = a.NewName
			}
		}
	case ActionDeleteField:
		s.dropField(a.Type, a.Field)
	case ActionRenameIndex:
		for i := range s.Indexes {
			if s.Indexes[i].Name == a.Index {
				s.Indexes[i].Name = a.NewName
			}
		}
		s.eachAllFields(func(f *Field) {
			if f.Index == a.Index {
				f.Index = a.NewName
			}
		})
	case ActionDeleteIndex:
		s.Indexes = deleteByName(s.Indexes, a.Index, func(i Index) string { return i.Name })
		s.eachAllFields(func(f *Field) {
			if f.Index == a.Index {
				f.Index = ""
			}
		})
	}
}

func (s *Spec) rewriteTypeRefs(fn func(string) (string, bool)) {
	s.eachAllFields(func(f *Field) {
		f.EntityTypes = rewriteNames(f.EntityTypes, fn)
		f.LinkEntityTypes = rewriteNames(f.LinkEntityTypes, fn)
		f.ComponentTypes = rewriteNames(f.ComponentTypes, fn)
	})
}

func rewriteNames(names []string, fn func(string) (string, bool)) []string {
	if len(names) == 0 {
		return names
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if renamed, keep := fn(n); keep {
			out = append(out, renamed)
		}
	}
	return out
}

func (s *Spec) eachField(typeName string, fn func(*Field)) {
	for i := range s.EntityTypes {
		if s.EntityTypes[i].Name != typeName {
			continue
		}
		for j := range s.EntityTypes[i].Fields {
			fn(&s.EntityTypes[i].Fields[j])
		}
	}
	for i := range s.ComponentTypes {
		if s.ComponentTypes[i].Name != typeName {
			continue
		}
		for j := range s.ComponentTypes[i].Fields {
			fn(&s.ComponentTypes[i].Fields[j])
		}
	}
}

func (s *Spec) eachAllFields(fn func(*Field)) {
	for i := range s.EntityTypes {
		for j := range s.EntityTypes[i].Fields {
			fn(&s.EntityTypes[i].Fields[j])
		}
	}
	for i := range s.ComponentTypes {
		for j := range s.ComponentTypes[i].Fields {
			fn(&s.ComponentTypes[i].Fields[j])
		}
	}
}

func (s *Spec) dropField(typeName, fieldName string) {
	for i := range s.EntityTypes {
		if s.EntityTypes[i].Name == typeName {
			s.EntityTypes[i].Fields = deleteByName(s.EntityTypes[i].Fields, fieldName, func(f Field) string { return f.Name })
			if s.EntityTypes[i].NameField == fieldName {
				s.EntityTypes[i].NameField = ""
			}
		}
	}
	for i := range s.ComponentTypes {
		if s.ComponentTypes[i].Name == typeName {
			s.ComponentTypes[i].Fields = deleteByName(s.ComponentTypes[i].Fields, fieldName, func(f Field) string { return f.Name })
		}
	}
}

func deleteByName[T any](items []T, name string, nameOf func(T) string) []T {
	out := items[:0:0]
	for _, item := range items {
		if nameOf(item) == name {
			continue
		}
		out = append(out, item)
	}
	return out
}

func mergeEntityTypes(s *Spec, incoming []EntityType) {
	for _, t := range incoming {
		if existing := s.EntityType(t.Name); existing != nil {
			*existing = t
		} else {
			s.EntityTypes = append(s.EntityTypes, t)
		}
	}
}

func mergeComponentTypes(s *Spec, incoming []ComponentType) {
	for _, t := range incoming {
		if existing := s.ComponentType(t.Name); existing != nil {
			*existing = t
		} else {
			s.ComponentTypes = append(s.ComponentTypes, t)
		}
	}
}

func mergePatterns(s *Spec, incoming []Pattern) {
	for _, p := range incoming {
		if existing := s.Pattern(p.Name); existing != nil {
			*existing = p
		} else {
			s.Patterns = append(s.Patterns, p)
		}
	}
}

func mergeIndexes(s *Spec, incoming []Index) {
	for _, idx := range incoming {
		if existing := s.Index(idx.Name); existing != nil {
			*existing = idx
		} else {
			s.Indexes = append(s.Indexes, idx)
		}
	}
}
