// Package toolset provides a typed tool registry that plugs into the engine
// as its handler collaborator. Tool input schemas are reflected from Go
// structs so descriptors and runtime decoding can never drift apart.
package toolset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"

	"github.com/mcpwire/mcpwire/mcp"
	"github.com/mcpwire/mcpwire/sessions"
)

// Handler is the function signature for a tool invocation. Params arrive in
// canonical shape: the input object is always under "arguments".
type Handler func(ctx context.Context, sess *sessions.Session, params *mcp.CallToolParams) (*mcp.CallToolResult, error)

// Tool pairs a descriptor with its handler.
type Tool struct {
	Descriptor mcp.Tool
	Handler    Handler
}

// Option configures New.
type Option func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithDescription sets the tool description used in listings.
func WithDescription(desc string) Option {
	return func(c *toolConfig) { c.description = desc }
}

// WithAllowAdditionalProperties controls whether unknown argument fields are
// allowed. When false (the default) the reflected schema sets
// additionalProperties=false and runtime decoding rejects unknown fields.
func WithAllowAdditionalProperties(allow bool) Option {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// New constructs a Tool from a typed args struct A. The input schema is
// reflected from A with invopop/jsonschema and down-converted to the
// simplified wire shape; the handler decodes arguments into A before
// invoking fn. Decode failures become isError results rather than protocol
// errors, matching how clients expect tool-level faults to surface.
func New[A any](name string, fn func(ctx context.Context, sess *sessions.Session, args A) (*mcp.CallToolResult, error), opts ...Option) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, sess *sessions.Session, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
		var args A
		if len(params.Arguments) > 0 {
			if cfg.allowAdditionalProperties {
				if err := json.Unmarshal(params.Arguments, &args); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			} else {
				dec := json.NewDecoder(bytes.NewReader(params.Arguments))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&args); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
		}
		return fn(ctx, sess, args)
	}

	return Tool{Descriptor: desc, Handler: handler}
}

// reflectInputSchema reflects A into a jsonschema.Schema and converts it to
// the simplified ToolInputSchema. Non-object types expose an empty object
// schema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	t := reflect.TypeOf((*A)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		// ExpandedStruct roots the schema at the struct itself, but the
		// reflector indexes definitions by type name and dereferences nil
		// for an anonymous struct. Unnamed types already reflect inline
		// at the root when nothing can be referenced.
		ExpandedStruct:            t.Name() != "",
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.ReflectFromType(t)

	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}

	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

// toProperty recursively maps a jsonschema.Schema node to the simplified
// wire shape.
func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}

// TextResult builds a single-text-block success result.
func TextResult(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: "text", Text: s}}}
}

// Errorf builds an isError result with a single text block.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: "text", Text: fmt.Sprintf(format, a...)}},
		IsError: true,
	}
}
