package mcp

import "encoding/json"

// ImplementationInfo describes an implementation name and version, used for
// both clientInfo and serverInfo.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitempty"`
}

// RawCapabilities is a capability declaration in whatever shape the wire
// revision uses: feature -> bool under the older revision, feature -> object
// of sub-options under the newer one.
type RawCapabilities map[string]json.RawMessage

// CapabilitySet is the canonical, revision-independent capability shape: a
// feature name mapped to its (possibly empty) sub-option object. A feature's
// presence in the map means it is enabled.
type CapabilitySet map[string]map[string]any

// Clone returns a shallow-per-feature copy of the set.
func (cs CapabilitySet) Clone() CapabilitySet {
	if cs == nil {
		return nil
	}
	out := make(CapabilitySet, len(cs))
	for k, v := range cs {
		opts := make(map[string]any, len(v))
		for ok, ov := range v {
			opts[ok] = ov
		}
		out[k] = opts
	}
	return out
}

// Has reports whether the named feature is enabled.
func (cs CapabilitySet) Has(feature string) bool {
	_, ok := cs[feature]
	return ok
}

// Tool describes a callable tool and its input schema.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// ToolInputSchema is a JSON-schema-like description of tool input.
type ToolInputSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties,omitempty"`
	Required             []string                  `json:"required,omitempty"`
	AdditionalProperties bool                      `json:"additionalProperties,omitzero"`
}

// SchemaProperty is a simplified JSON schema node.
type SchemaProperty struct {
	Type        string                    `json:"type,omitempty"`
	Description string                    `json:"description,omitempty"`
	Enum        []any                     `json:"enum,omitempty"`
	Items       *SchemaProperty           `json:"items,omitempty"`
	Properties  map[string]SchemaProperty `json:"properties,omitempty"`
}

// ListToolsResult returns the available tools.
type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

// CallToolParams is the canonical (adapter-normalized) tool call shape: the
// argument key is always "arguments" regardless of wire revision.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is a typed content part of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult represents a tool invocation result.
type CallToolResult struct {
	Content []ContentBlock `json:"content,omitempty"`
	IsError bool           `json:"isError,omitzero"`
}
