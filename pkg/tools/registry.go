// Package tools holds the MCP tool catalog: named callables with generated
// JSON schemas, argument validation, and uniform error wrapping.
package tools

import (
	"encoding/json"
	"sort"
	"strings"

	invopop "github.com/invopop/jsonschema"
	santhosh "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cookareq/cookareq/pkg/errs"
)

// Spec is the wire description of one tool, served by /mcp/schema and fed
// into the LLM system prompt.
type Spec struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ArgumentsSchema map[string]any `json:"arguments_schema,omitempty"`
	Destructive     bool           `json:"destructive,omitempty"`
}

// Description is the full describe() payload.
type Description struct {
	Tools map[string]Spec `json:"tools"`
}

// Tool is one registered callable. Arguments are validated against the
// generated schema before the handler runs.
type Tool struct {
	spec     Spec
	compiled *santhosh.Schema
	invoke   func(raw json.RawMessage) (any, error)
}

// Spec returns the tool's wire description.
func (t *Tool) Spec() Spec { return t.spec }

// Registry maps tool names to callables.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// New builds a tool whose arguments unmarshal into A. The JSON schema is
// reflected from A's struct tags; unknown argument keys are rejected.
func New[A any](name, description string, destructive bool, handler func(args A) (any, error)) (*Tool, error) {
	schemaMap, err := reflectSchema[A]()
	if err != nil {
		return nil, errs.New(errs.CodeInternal, "tool %s: schema generation failed: %s", name, err.Error())
	}
	compiled, err := compileSchema(schemaMap)
	if err != nil {
		return nil, errs.New(errs.CodeInternal, "tool %s: schema compilation failed: %s", name, err.Error())
	}
	t := &Tool{
		spec: Spec{
			Name:            name,
			Description:     description,
			ArgumentsSchema: schemaMap,
			Destructive:     destructive,
		},
		compiled: compiled,
	}
	t.invoke = func(raw json.RawMessage) (any, error) {
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, errs.New(errs.CodeValidation, "tool %s: arguments are not valid JSON: %s", name, err.Error())
		}
		if err := compiled.Validate(decoded); err != nil {
			return nil, errs.New(errs.CodeValidation, "tool %s: invalid arguments", name).
				WithDetails(map[string]any{"tool": name, "validation": err.Error()})
		}
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, errs.New(errs.CodeValidation, "tool %s: cannot decode arguments: %s", name, err.Error())
		}
		result, err := handler(args)
		if err != nil {
			return nil, errs.FromError(err)
		}
		return result, nil
	}
	return t, nil
}

// MustNew is New for static catalogs where a schema failure is a programming
// error.
func MustNew[A any](name, description string, destructive bool, handler func(args A) (any, error)) *Tool {
	t, err := New(name, description, destructive, handler)
	if err != nil {
		panic(err)
	}
	return t
}

// Register adds a tool; duplicate names are CONFLICT.
func (r *Registry) Register(t *Tool) error {
	if _, ok := r.tools[t.spec.Name]; ok {
		return errs.New(errs.CodeConflict, "tool %s already registered", t.spec.Name)
	}
	r.tools[t.spec.Name] = t
	return nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a tool name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Destructive reports whether a registered tool is marked destructive.
func (r *Registry) Destructive(name string) bool {
	t, ok := r.tools[name]
	return ok && t.spec.Destructive
}

// Describe returns the full tool description payload.
func (r *Registry) Describe() Description {
	out := Description{Tools: make(map[string]Spec, len(r.tools))}
	for name, t := range r.tools {
		out.Tools[name] = t.spec
	}
	return out
}

// Specs returns tool specs sorted by name, for deterministic schema output.
func (r *Registry) Specs() []Spec {
	specs := make([]Spec, 0, len(r.tools))
	for _, name := range r.Names() {
		specs = append(specs, r.tools[name].spec)
	}
	return specs
}

// Invoke validates and runs a tool. Unknown names are NOT_FOUND; handler
// failures come back taxonomy-enveloped.
func (r *Registry) Invoke(name string, arguments json.RawMessage) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, errs.New(errs.CodeNotFound, "unknown tool %q", name)
	}
	return t.invoke(arguments)
}

// reflectSchema generates an inline object schema from A's struct tags.
// Required fields come from jsonschema:"required" tags; additional keys are
// rejected so typos surface as VALIDATION_ERROR instead of silent drops.
func reflectSchema[A any]() (map[string]any, error) {
	reflector := &invopop.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(A))
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	delete(out, "$schema")
	delete(out, "$id")
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["additionalProperties"]; !ok {
		out["additionalProperties"] = false
	}
	return out, nil
}

func compileSchema(schemaMap map[string]any) (*santhosh.Schema, error) {
	data, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, err
	}
	doc, err := santhosh.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	c := santhosh.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
