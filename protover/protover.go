// Package protover translates between the two supported protocol revisions
// and the canonical shapes used internally. Handlers and the state machine
// never see revision-conditional field names; every normalization lives here.
package protover

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcpwire/mcpwire/mcp"
)

// Version is a negotiated protocol revision.
type Version string

const (
	// V20241105 is the older revision: tool calls carry their input under
	// "arguments" and capabilities are boolean feature flags.
	V20241105 Version = "2024-11-05"
	// V20250326 is the newer revision: tool calls carry their input under
	// "parameters" and capabilities are objects of sub-options.
	V20250326 Version = "2025-03-26"
)

// ErrUnsupportedVersion is returned by Negotiate for unknown revisions.
// Initialize must fail without creating a session in that case.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// Supported lists the revisions this server speaks, newest first.
func Supported() []Version {
	return []Version{V20250326, V20241105}
}

// Negotiate validates a client-requested revision. The accepted version is
// echoed back verbatim in the initialize result.
func Negotiate(requested string) (Version, error) {
	switch Version(requested) {
	case V20241105, V20250326:
		return Version(requested), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, requested)
	}
}

// argumentsKey is the wire name of the tool-call input object under v.
// The canonical internal name is always "arguments".
func (v Version) argumentsKey() string {
	if v == V20250326 {
		return "parameters"
	}
	return "arguments"
}

// SupportsResultMeta reports whether the revision's result schema carries a
// _meta object (used to echo the session id in the HTTP transport).
func (v Version) SupportsResultMeta() bool {
	return v == V20250326
}

// toolCallShaped marks methods whose params carry a tool-call input object
// subject to the argument-key rename.
var toolCallShaped = map[string]bool{
	string(mcp.ToolsCallMethod): true,
}

// NormalizeRequest rewrites raw params for a known method into the canonical
// shape. For revisions using "parameters", the key is renamed to "arguments";
// everything else passes through untouched.
func NormalizeRequest(v Version, method string, params json.RawMessage) (json.RawMessage, error) {
	if !toolCallShaped[method] || v.argumentsKey() == "arguments" {
		return params, nil
	}
	return renameKey(params, v.argumentsKey(), "arguments")
}

// DenormalizeResult mirrors NormalizeRequest for results that echo the input
// object, renaming a canonical "arguments" field back to the revision's key.
func DenormalizeResult(v Version, method string, result json.RawMessage) (json.RawMessage, error) {
	if !toolCallShaped[method] || v.argumentsKey() == "arguments" {
		return result, nil
	}
	return renameKey(result, "arguments", v.argumentsKey())
}

func renameKey(raw json.RawMessage, from, to string) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("params must be an object: %w", err)
	}
	val, ok := obj[from]
	if !ok {
		return raw, nil
	}
	if _, clash := obj[to]; clash {
		return nil, fmt.Errorf("params carry both %q and %q", from, to)
	}
	delete(obj, from)
	obj[to] = val
	return json.Marshal(obj)
}

// ParseCapabilities upgrades a revision-shaped capability declaration into
// the canonical set. Older boolean flags become empty option objects (false
// and null mean absent); newer object values are kept as-is. Each revision's
// native shape is preferred, but the other is tolerated so lenient clients
// do not fail the handshake.
func ParseCapabilities(v Version, raw mcp.RawCapabilities) (mcp.CapabilitySet, error) {
	caps := make(mcp.CapabilitySet, len(raw))
	for feature, val := range raw {
		var flag bool
		if err := json.Unmarshal(val, &flag); err == nil {
			if flag {
				caps[feature] = map[string]any{}
			}
			continue
		}
		if string(val) == "null" {
			continue
		}
		var opts map[string]any
		if err := json.Unmarshal(val, &opts); err != nil {
			return nil, fmt.Errorf("capability %q: %w", feature, err)
		}
		if opts == nil {
			opts = map[string]any{}
		}
		caps[feature] = opts
	}
	return caps, nil
}

// RenderCapabilities downgrades the canonical set into the revision's wire
// shape: booleans by truthiness for the older revision (an enabled feature is
// true, sub-options are lost), option objects for the newer one.
func RenderCapabilities(v Version, caps mcp.CapabilitySet) (mcp.RawCapabilities, error) {
	out := make(mcp.RawCapabilities, len(caps))
	for feature, opts := range caps {
		var val any
		if v == V20241105 {
			val = true
		} else {
			if opts == nil {
				opts = map[string]any{}
			}
			val = opts
		}
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("capability %q: %w", feature, err)
		}
		out[feature] = b
	}
	return out, nil
}
