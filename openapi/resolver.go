package openapi

import (
	"fmt"
	"strings"

	"github.com/BaSui01/llmbridge/types"
)

// resolver inlines $ref pointers against the document's components section.
// Only document-local references are supported; anything else is an
// UnresolvedReference error naming the offending pointer.
type resolver struct {
	components *rawComponents
}

func newResolver(c *rawComponents) *resolver {
	return &resolver{components: c}
}

func unresolved(ref string) error {
	return types.NewError(types.ErrUnresolvedReference, fmt.Sprintf("cannot resolve %q within the document", ref))
}

// resolveSchema returns a copy of s with all nested references inlined.
// Cyclic references terminate as an opaque object schema instead of
// recursing forever.
func (r *resolver) resolveSchema(s *Schema, seen map[string]bool) (*Schema, error) {
	if s == nil {
		return nil, nil
	}
	if seen == nil {
		seen = make(map[string]bool)
	}

	if s.Ref != "" {
		name, ok := localRef(s.Ref, "schemas")
		if !ok {
			return nil, unresolved(s.Ref)
		}
		if seen[s.Ref] {
			// Cycle: keep the reference opaque rather than expanding.
			return &Schema{Type: "object"}, nil
		}
		target := r.schemaComponent(name)
		if target == nil {
			return nil, unresolved(s.Ref)
		}
		seen[s.Ref] = true
		resolved, err := r.resolveSchema(target, seen)
		delete(seen, s.Ref)
		return resolved, err
	}

	out := *s
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*Schema, len(s.Properties))
		for name, prop := range s.Properties {
			resolved, err := r.resolveSchema(prop, seen)
			if err != nil {
				return nil, err
			}
			out.Properties[name] = resolved
		}
	}
	if s.Items != nil {
		items, err := r.resolveSchema(s.Items, seen)
		if err != nil {
			return nil, err
		}
		out.Items = items
	}
	for _, group := range []struct {
		src []*Schema
		dst *[]*Schema
	}{
		{s.AllOf, &out.AllOf},
		{s.AnyOf, &out.AnyOf},
		{s.OneOf, &out.OneOf},
	} {
		if len(group.src) == 0 {
			continue
		}
		resolved := make([]*Schema, 0, len(group.src))
		for _, sub := range group.src {
			rs, err := r.resolveSchema(sub, seen)
			if err != nil {
				return nil, err
			}
			resolved = append(resolved, rs)
		}
		*group.dst = resolved
	}
	if s.Not != nil {
		not, err := r.resolveSchema(s.Not, seen)
		if err != nil {
			return nil, err
		}
		out.Not = not
	}
	return &out, nil
}

func (r *resolver) resolveParameter(rp rawParameter) (Parameter, error) {
	if rp.Ref != "" {
		name, ok := localRef(rp.Ref, "parameters")
		if !ok || r.components == nil {
			return Parameter{}, unresolved(rp.Ref)
		}
		target, found := r.components.Parameters[name]
		if !found {
			return Parameter{}, unresolved(rp.Ref)
		}
		rp = target
	}
	schema, err := r.resolveSchema(rp.Schema, nil)
	if err != nil {
		return Parameter{}, err
	}
	return Parameter{
		Name:        rp.Name,
		In:          rp.In,
		Description: rp.Description,
		Required:    rp.Required || rp.In == "path", // path params are always required
		Schema:      schema,
	}, nil
}

func (r *resolver) resolveRequestBody(rb rawRequestBody) (*Schema, bool, error) {
	if rb.Ref != "" {
		name, ok := localRef(rb.Ref, "requestBodies")
		if !ok || r.components == nil {
			return nil, false, unresolved(rb.Ref)
		}
		target, found := r.components.RequestBodies[name]
		if !found {
			return nil, false, unresolved(rb.Ref)
		}
		rb = target
	}
	mt, ok := rb.Content["application/json"]
	if !ok || mt.Schema == nil {
		return nil, rb.Required, nil
	}
	schema, err := r.resolveSchema(mt.Schema, nil)
	if err != nil {
		return nil, false, err
	}
	return schema, rb.Required, nil
}

func (r *resolver) schemaComponent(name string) *Schema {
	if r.components == nil {
		return nil
	}
	return r.components.Schemas[name]
}

// localRef extracts the component name from "#/components/<section>/<name>".
func localRef(ref, section string) (string, bool) {
	prefix := "#/components/" + section + "/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(ref, prefix)
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
