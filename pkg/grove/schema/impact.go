package schema

import (
	"maps"
	"slices"
)

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	return slices.Sorted(maps.Keys(m))
}

// Impact describes what a schema change means for already-stored data.
// RevalidateTypes and ReindexTypes are the dirty selector: type names (in
// next-schema naming) whose stored entities need the validators rerun or
// their derived index rows recomputed. Never a full-table rescan.
type Impact struct {
	DeletedTypes    []string
	RenamedTypes    map[string]string // previous name -> next name
	DeletedIndexes  []string
	RenamedIndexes  map[string]string
	RevalidateTypes []string
	ReindexTypes    []string
}

// IsEmpty reports whether the change has no effect on stored data.
func (im *Impact) IsEmpty() bool {
	return len(im.DeletedTypes) == 0 && len(im.RenamedTypes) == 0 &&
		len(im.DeletedIndexes) == 0 && len(im.RenamedIndexes) == 0 &&
		len(im.RevalidateTypes) == 0 && len(im.ReindexTypes) == 0
}

// CalculateImpact compares the previous spec with the next one under the
// transient migration actions (the actions the next version introduces).
// For every previously-existing type it follows rename/delete actions to
// find its next-schema counterpart; surviving types get a structural diff
// that decides, independently, whether their stored entities need
// revalidation and/or reindexing.
func CalculateImpact(prev, next *Spec, transient []MigrationAction) Impact {
	im := Impact{
		RenamedTypes:   map[string]string{},
		RenamedIndexes: map[string]string{},
	}

	revalidate := map[string]bool{}
	reindex := map[string]bool{}

	// Types forced to reindex by deleteField actions: historical rows still
	// carry the deleted key until the next decode.
	forceReindex := map[string]bool{}
	for _, a := range transient {
		if a.Kind == ActionDeleteField {
			forceReindex[a.Type] = true
		}
	}

	prevNames := make([]string, 0, len(prev.EntityTypes)+len(prev.ComponentTypes))
	for _, t := range prev.EntityTypes {
		prevNames = append(prevNames, t.Name)
	}
	for _, t := range prev.ComponentTypes {
		prevNames = append(prevNames, t.Name)
	}

	// Type references in the next spec already carry renamed names; map the
	// previous side through the same actions so a pure rename diffs clean.
	mapName := func(name string) string {
		mapped, deleted := followTypeActions(name, transient)
		if deleted {
			return name
		}
		return mapped
	}

	for _, prevName := range prevNames {
		nextName, deleted := followTypeActions(prevName, transient)
		if deleted {
			im.DeletedTypes = append(im.DeletedTypes, prevName)
			revalidate[prevName] = true
			reindex[prevName] = true
			continue
		}
		if nextName != prevName {
			im.RenamedTypes[prevName] = nextName
		}
		needsRevalidate, needsReindex := diffType(prev, next, prevName, nextName, mapName)
		if forceReindex[prevName] {
			needsReindex = true
		}
		if needsRevalidate {
			revalidate[nextName] = true
		}
		if needsReindex {
			reindex[nextName] = true
		}
	}

	for _, idx := range prev.Indexes {
		nextName, deleted := followIndexActions(idx.Name, transient)
		switch {
		case deleted:
			im.DeletedIndexes = append(im.DeletedIndexes, idx.Name)
		case nextName != idx.Name:
			im.RenamedIndexes[idx.Name] = nextName
		}
	}

	im.RevalidateTypes = sortedKeys(revalidate)
	im.ReindexTypes = sortedKeys(reindex)
	return im
}

func followTypeActions(name string, actions []MigrationAction) (string, bool) {
	for _, a := range actions {
		switch a.Kind {
		case ActionRenameType:
			if a.Type == name {
				name = a.NewName
			}
		case ActionDeleteType:
			if a.Type == name {
				return "", true
			}
		}
	}
	return name, false
}

func followIndexActions(name string, actions []MigrationAction) (string, bool) {
	for _, a := range actions {
		switch a.Kind {
		case ActionRenameIndex:
			if a.Index == name {
				name = a.NewName
			}
		case ActionDeleteIndex:
			if a.Index == name {
				return "", true
			}
		}
	}
	return name, false
}

// diffType compares the previous and next shape of one surviving type and
// decides whether stored entities of that type need revalidation and/or
// reindexing.
func diffType(prev, next *Spec, prevName, nextName string, mapName func(string) string) (revalidate, reindex bool) {
	prevFields, prevAdmin, ok := typeShape(prev, prevName)
	if !ok {
		return false, false
	}
	nextFields, nextAdmin, ok := typeShape(next, nextName)
	if !ok {
		// Type vanished without a deleteType action; treat as fully dirty.
		return true, true
	}

	if prevAdmin != nextAdmin {
		revalidate = true
		reindex = true
	}
	if prevPattern, nextPattern := authKeyPatternText(prev, prevName), authKeyPatternText(next, nextName); prevPattern != nextPattern {
		revalidate = true
	}

	if len(prevFields) != len(nextFields) {
		revalidate = true
		reindex = true
	}
	for _, pf := range prevFields {
		nf := fieldByName(nextFields, pf.Name)
		if nf == nil {
			revalidate = true
			reindex = true
			continue
		}
		if !fieldValidationEqual(prev, next, pf, *nf, mapName) {
			revalidate = true
		}
		if pf.Index != nf.Index {
			reindex = true
		}
	}
	for _, nf := range nextFields {
		if fieldByName(prevFields, nf.Name) == nil {
			revalidate = true
			reindex = true
		}
	}
	return revalidate, reindex
}

func typeShape(s *Spec, name string) ([]Field, bool, bool) {
	if et := s.EntityType(name); et != nil {
		return et.Fields, et.AdminOnly, true
	}
	if ct := s.ComponentType(name); ct != nil {
		return ct.Fields, ct.AdminOnly, true
	}
	return nil, false, false
}

func authKeyPatternText(s *Spec, typeName string) string {
	et := s.EntityType(typeName)
	if et == nil || et.AuthKeyPattern == "" {
		return ""
	}
	if p := s.Pattern(et.AuthKeyPattern); p != nil {
		return p.Pattern
	}
	return ""
}

// fieldValidationEqual reports whether two field specs impose the same
// validation rules. Pattern references are compared by pattern text, not
// name, so renaming a pattern without changing its text stays clean; type
// references on the previous side are compared under mapName.
func fieldValidationEqual(prev, next *Spec, a, b Field, mapName func(string) string) bool {
	if a.Type != b.Type || a.List != b.List || a.Required != b.Required || a.AdminOnly != b.AdminOnly {
		return false
	}
	if a.Integer != b.Integer || a.Multiline != b.Multiline {
		return false
	}
	if patternText(prev, a.MatchPattern) != patternText(next, b.MatchPattern) {
		return false
	}
	return stringSlicesEqual(a.Values, b.Values) &&
		stringSlicesEqual(mapNames(a.EntityTypes, mapName), b.EntityTypes) &&
		stringSlicesEqual(mapNames(a.LinkEntityTypes, mapName), b.LinkEntityTypes) &&
		stringSlicesEqual(mapNames(a.ComponentTypes, mapName), b.ComponentTypes) &&
		stringSlicesEqual(a.RichTextNodes, b.RichTextNodes)
}

func mapNames(names []string, mapName func(string) string) []string {
	if len(names) == 0 {
		return names
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = mapName(n)
	}
	return out
}

func patternText(s *Spec, name string) string {
	if name == "" {
		return ""
	}
	if p := s.Pattern(name); p != nil {
		return p.Pattern
	}
	return ""
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
