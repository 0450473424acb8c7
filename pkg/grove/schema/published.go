package schema

// Published derives the published view of the schema: adminOnly entity
// types, component types and fields are removed. Patterns, indexes and the
// migration log are shared with the full view. The result reuses the
// receiver's compiled pattern cache.
func (s *Spec) Published() *Spec {
	pub := &Spec{
		Version:    s.Version,
		Patterns:   s.Patterns,
		Indexes:    s.Indexes,
		Migrations: s.Migrations,
		compiled:   s.compiled,
	}
	for _, et := range s.EntityTypes {
		if et.AdminOnly {
			continue
		}
		et.Fields = visibleFields(et.Fields)
		pub.EntityTypes = append(pub.EntityTypes, et)
	}
	for _, ct := range s.ComponentTypes {
		if ct.AdminOnly {
			continue
		}
		ct.Fields = visibleFields(ct.Fields)
		pub.ComponentTypes = append(pub.ComponentTypes, ct)
	}
	return pub
}

func visibleFields(fields []Field) []Field {
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		if f.AdminOnly {
			continue
		}
		out = append(out, f)
	}
	return out
}
