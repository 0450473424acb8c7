package collect_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovecms/grove/pkg/grove/collect"
	"github.com/grovecms/grove/pkg/grove/schema"
	"github.com/grovecms/grove/pkg/grove/traverse"
)

func validatorSpec() *schema.Spec {
	spec := &schema.Spec{
		Version: 1,
		EntityTypes: []schema.EntityType{
			{
				Name: "Article",
				Fields: []schema.Field{
					{Name: "title", Type: schema.FieldTypeString, Required: true},
					{Name: "slug", Type: schema.FieldTypeString, MatchPattern: "slug"},
					{Name: "status", Type: schema.FieldTypeString, Values: []string{"open", "closed"}},
					{Name: "notes", Type: schema.FieldTypeString, Multiline: true},
					{Name: "stars", Type: schema.FieldTypeNumber, Integer: true},
					{Name: "score", Type: schema.FieldTypeNumber},
					{Name: "featured", Type: schema.FieldTypeBoolean},
					{Name: "place", Type: schema.FieldTypeLocation},
					{Name: "author", Type: schema.FieldTypeReference},
					{Name: "cover", Type: schema.FieldTypeComponent, ComponentTypes: []string{"Image"}},
					{Name: "body", Type: schema.FieldTypeRichText,
						RichTextNodes:  []string{"root", "paragraph", "text", "entityLink"},
						ComponentTypes: []string{"Image"}},
				},
			},
		},
		ComponentTypes: []schema.ComponentType{
			{Name: "Image", Fields: []schema.Field{{Name: "url", Type: schema.FieldTypeString}}},
			{Name: "Quote", Fields: []schema.Field{{Name: "text", Type: schema.FieldTypeString}}},
		},
		Patterns: []schema.Pattern{{Name: "slug", Pattern: `^[a-z0-9-]+$`}},
	}
	if problems := spec.Validate(); len(problems) > 0 {
		panic(problems[0].Error())
	}
	return spec
}

func validate(t *testing.T, values map[string]any) []collect.Issue {
	t.Helper()
	spec := validatorSpec()
	v := collect.NewSaveValidator(spec)
	collect.Run(traverse.WalkEntity(spec, "Article", values), v)
	return v.Issues()
}

func requireIssue(t *testing.T, issues []collect.Issue, kind collect.IssueKind, message string) {
	t.Helper()
	for _, issue := range issues {
		if issue.Kind == kind && strings.Contains(issue.Message, message) {
			return
		}
	}
	t.Fatalf("no %s issue containing %q in %v", kind, message, issues)
}

func TestValidatorAcceptsValidContent(t *testing.T) {
	issues := validate(t, map[string]any{
		"title":    "Hello",
		"slug":     "hello-world",
		"status":   "open",
		"notes":    "line one\nline two",
		"stars":    3.0,
		"score":    4.5,
		"featured": true,
		"place":    map[string]any{"lat": 52.5, "lng": 13.4},
		"author":   map[string]any{"id": "7c9e6679-7425-40de-944b-e07fc1f90ae7"},
		"cover":    map[string]any{"type": "Image", "url": "a.png"},
	})
	assert.Empty(t, issues)
}

func TestValidatorRequiredField(t *testing.T) {
	issues := validate(t, map[string]any{})
	require.Len(t, issues, 1)
	assert.Equal(t, collect.IssueKindRequired, issues[0].Kind)
	assert.Equal(t, "fields.title", issues[0].Path.String())
}

func TestValidatorFieldRules(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		message string
	}{
		{"wrong scalar type", map[string]any{"title": "x", "featured": "yes"}, "expected a boolean"},
		{"pattern mismatch", map[string]any{"title": "x", "slug": "Not A Slug"}, "does not match pattern"},
		{"enum violation", map[string]any{"title": "x", "status": "pending"}, "not one of the allowed values"},
		{"newline in single-line field", map[string]any{"title": "a\nb"}, "multiline text"},
		{"fractional integer", map[string]any{"title": "x", "stars": 3.5}, "expected an integer"},
		{"number type mismatch", map[string]any{"title": "x", "score": "high"}, "expected a number"},
		{"latitude out of range", map[string]any{"title": "x", "place": map[string]any{"lat": 91.0, "lng": 0.0}}, "out of range"},
		{"location without coordinates", map[string]any{"title": "x", "place": map[string]any{"lat": "north"}}, "numeric lat and lng"},
		{"reference without id", map[string]any{"title": "x", "author": map[string]any{}}, "no valid id"},
		{"reference with malformed id", map[string]any{"title": "x", "author": map[string]any{"id": "123"}}, "no valid id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireIssue(t, validate(t, tt.values), collect.IssueKindInvalid, tt.message)
		})
	}
}

func TestValidatorComponentAllowList(t *testing.T) {
	issues := validate(t, map[string]any{
		"title": "x",
		"cover": map[string]any{"type": "Quote", "text": "nope"},
	})
	requireIssue(t, issues, collect.IssueKindInvalid, `component type "Quote" is not allowed`)
}

func TestValidatorRichTextRules(t *testing.T) {
	// A linebreak node is outside the allow-list; the entity link has no id.
	issues := validate(t, map[string]any{
		"title": "x",
		"body": map[string]any{
			"root": map[string]any{
				"type": "root",
				"children": []any{
					map[string]any{"type": "linebreak"},
					map[string]any{"type": "entityLink", "entity": map[string]any{}},
				},
			},
		},
	})
	requireIssue(t, issues, collect.IssueKindInvalid, `node kind "linebreak" is not allowed`)
	requireIssue(t, issues, collect.IssueKindInvalid, "entity link has no valid id")
}

func TestValidatorTraverserErrorsBecomeIssues(t *testing.T) {
	issues := validate(t, map[string]any{"title": "x", "unexpected": 1})
	requireIssue(t, issues, collect.IssueKindInvalid, `unknown field "unexpected"`)
}

func TestValidatorPublishedViewRejectsAdminOnlyContent(t *testing.T) {
	spec := validatorSpec()
	spec.EntityTypes[0].Fields = append(spec.EntityTypes[0].Fields,
		schema.Field{Name: "internal", Type: schema.FieldTypeString, AdminOnly: true})
	require.Empty(t, spec.Validate())

	values := map[string]any{"title": "x", "internal": "secret"}

	// The full view accepts the admin-only field.
	full := collect.NewSaveValidator(spec)
	collect.Run(traverse.WalkEntity(spec, "Article", values), full)
	assert.Empty(t, full.Issues())

	// The published view has no such field, so the value is an unknown key.
	pub := spec.Published()
	pubValidator := collect.NewSaveValidator(pub)
	collect.Run(traverse.WalkEntity(pub, "Article", values), pubValidator)
	requireIssue(t, pubValidator.Issues(), collect.IssueKindInvalid, `unknown field "internal"`)
}
