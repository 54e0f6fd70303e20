package openapi

import (
	"sort"
	"strings"
)

// Document is the normalized, immutable result of parsing an OpenAPI spec.
// It is owned by the parser output and shared read-only downstream.
type Document struct {
	Source   string                    `json:"source"`
	Hash     string                    `json:"hash"`
	OpenAPI  string                    `json:"openapi"`
	Title    string                    `json:"title"`
	Version  string                    `json:"version"`
	Servers  []Server                  `json:"servers"`
	Security map[string]SecurityScheme `json:"security,omitempty"`

	// Operations is ordered deterministically: by path, then by a fixed
	// method order. Operation IDs are unique within the document.
	Operations []Operation `json:"operations"`

	// Warnings are non-fatal findings (missing operationIds, empty info
	// fields). They never block registration.
	Warnings []string `json:"warnings,omitempty"`
}

// Server is a resolved API server entry.
type Server struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// SecurityScheme describes how the API authenticates callers.
type SecurityScheme struct {
	Type         string `json:"type"` // apiKey, http, oauth2, openIdConnect
	Name         string `json:"name,omitempty"`
	In           string `json:"in,omitempty"` // header, query, cookie
	Scheme       string `json:"scheme,omitempty"`
	BearerFormat string `json:"bearer_format,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	Scopes       string `json:"scopes,omitempty"`
}

// Operation is a normalized API operation.
type Operation struct {
	ID          string      `json:"id"`
	Method      string      `json:"method"`
	Path        string      `json:"path"`
	Summary     string      `json:"summary,omitempty"`
	Description string      `json:"description,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty"`

	RequestBody  *Schema `json:"request_body,omitempty"`
	BodyRequired bool    `json:"body_required,omitempty"`
	Response     *Schema `json:"response,omitempty"`

	// Synthetic marks operations whose ID was derived from method+path
	// because the spec did not supply an operationId.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Parameter is a normalized operation parameter.
type Parameter struct {
	Name        string  `json:"name"`
	In          string  `json:"in"` // path, query, header, cookie
	Description string  `json:"description,omitempty"`
	Required    bool    `json:"required,omitempty"`
	Schema      *Schema `json:"schema,omitempty"`
}

// Schema is a JSON-Schema fragment with references already resolved.
type Schema struct {
	Type        string             `json:"type,omitempty" yaml:"type,omitempty"`
	Format      string             `json:"format,omitempty" yaml:"format,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string           `json:"required,omitempty" yaml:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []any              `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     any                `json:"default,omitempty" yaml:"default,omitempty"`

	AllOf []*Schema `json:"allOf,omitempty" yaml:"allOf,omitempty"`
	AnyOf []*Schema `json:"anyOf,omitempty" yaml:"anyOf,omitempty"`
	OneOf []*Schema `json:"oneOf,omitempty" yaml:"oneOf,omitempty"`
	Not   *Schema   `json:"not,omitempty" yaml:"not,omitempty"`

	Ref string `json:"$ref,omitempty" yaml:"$ref,omitempty"`
}

// HasCombinator reports whether the schema (at any depth) uses a composition
// combinator the tool generator cannot represent.
func (s *Schema) HasCombinator() bool {
	if s == nil {
		return false
	}
	if len(s.AllOf) > 0 || len(s.AnyOf) > 0 || len(s.OneOf) > 0 || s.Not != nil {
		return true
	}
	for _, p := range s.Properties {
		if p.HasCombinator() {
			return true
		}
	}
	return s.Items.HasCombinator()
}

// Operation lookup helpers.

// OperationByID returns the operation with the given identifier.
func (d *Document) OperationByID(id string) (Operation, bool) {
	for _, op := range d.Operations {
		if op.ID == id {
			return op, true
		}
	}
	return Operation{}, false
}

// BaseURL returns the first server URL, or "".
func (d *Document) BaseURL() string {
	if len(d.Servers) == 0 {
		return ""
	}
	return d.Servers[0].URL
}

// methodOrder fixes the per-path ordering of operations so that generation
// is stable across runs for the same document.
var methodOrder = map[string]int{
	"GET": 0, "POST": 1, "PUT": 2, "PATCH": 3, "DELETE": 4, "HEAD": 5, "OPTIONS": 6,
}

func sortOperations(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Path != ops[j].Path {
			return ops[i].Path < ops[j].Path
		}
		return methodOrder[ops[i].Method] < methodOrder[ops[j].Method]
	})
}

// SyntheticID derives a deterministic operation identifier from method+path,
// e.g. POST /v1/chat/completions -> post_v1_chat_completions.
func SyntheticID(method, path string) string {
	return strings.ToLower(method) + "_" + sanitizePath(path)
}

func sanitizePath(path string) string {
	path = strings.ReplaceAll(path, "/", "_")
	path = strings.ReplaceAll(path, "{", "")
	path = strings.ReplaceAll(path, "}", "")
	path = strings.ReplaceAll(path, "-", "_")
	path = strings.ReplaceAll(path, ".", "_")
	path = strings.Trim(path, "_")
	for strings.Contains(path, "__") {
		path = strings.ReplaceAll(path, "__", "_")
	}
	return path
}
