package protover

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mcpwire/mcpwire/mcp"
)

func TestNegotiate(t *testing.T) {
	for _, want := range []Version{V20241105, V20250326} {
		got, err := Negotiate(string(want))
		if err != nil {
			t.Fatalf("Negotiate(%q): %v", want, err)
		}
		if got != want {
			t.Fatalf("Negotiate(%q) = %q", want, got)
		}
	}

	if _, err := Negotiate("1999-12-31"); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
	if _, err := Negotiate(""); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion for empty version, got %v", err)
	}
}

func TestNormalizeRequestRenamesParameters(t *testing.T) {
	params := json.RawMessage(`{"name":"echo","parameters":{"text":"hi"}}`)

	got, err := NormalizeRequest(V20250326, "tools/call", params)
	if err != nil {
		t.Fatalf("NormalizeRequest: %v", err)
	}

	var out struct {
		Name       string          `json:"name"`
		Arguments  json.RawMessage `json:"arguments"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatalf("unmarshal normalized params: %v", err)
	}
	if out.Parameters != nil {
		t.Fatalf("parameters key survived normalization: %s", got)
	}
	if string(out.Arguments) != `{"text":"hi"}` {
		t.Fatalf("arguments = %s", out.Arguments)
	}
	if out.Name != "echo" {
		t.Fatalf("sibling field lost: %s", got)
	}
}

func TestNormalizeRequestPassthrough(t *testing.T) {
	params := json.RawMessage(`{"name":"echo","arguments":{"text":"hi"}}`)

	// Older revision already uses the canonical key.
	got, err := NormalizeRequest(V20241105, "tools/call", params)
	if err != nil {
		t.Fatalf("NormalizeRequest: %v", err)
	}
	if string(got) != string(params) {
		t.Fatalf("older revision params rewritten: %s", got)
	}

	// Non tool-call methods are never rewritten.
	other := json.RawMessage(`{"parameters":true}`)
	got, err = NormalizeRequest(V20250326, "ping", other)
	if err != nil {
		t.Fatalf("NormalizeRequest: %v", err)
	}
	if string(got) != string(other) {
		t.Fatalf("ping params rewritten: %s", got)
	}
}

func TestNormalizeRequestRejectsBothKeys(t *testing.T) {
	params := json.RawMessage(`{"arguments":{},"parameters":{}}`)
	if _, err := NormalizeRequest(V20250326, "tools/call", params); err == nil {
		t.Fatal("expected error for params carrying both keys")
	}
}

func TestDenormalizeResult(t *testing.T) {
	result := json.RawMessage(`{"arguments":{"text":"hi"},"content":[]}`)

	got, err := DenormalizeResult(V20250326, "tools/call", result)
	if err != nil {
		t.Fatalf("DenormalizeResult: %v", err)
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(got, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if _, ok := out["arguments"]; ok {
		t.Fatalf("arguments key survived denormalization: %s", got)
	}
	if string(out["parameters"]) != `{"text":"hi"}` {
		t.Fatalf("parameters = %s", out["parameters"])
	}

	got, err = DenormalizeResult(V20241105, "tools/call", result)
	if err != nil {
		t.Fatalf("DenormalizeResult: %v", err)
	}
	if string(got) != string(result) {
		t.Fatalf("older revision result rewritten: %s", got)
	}
}

func TestParseCapabilitiesOlderBooleans(t *testing.T) {
	raw := mcp.RawCapabilities{
		"tools":     json.RawMessage(`true`),
		"prompts":   json.RawMessage(`false`),
		"resources": json.RawMessage(`null`),
	}

	caps, err := ParseCapabilities(V20241105, raw)
	if err != nil {
		t.Fatalf("ParseCapabilities: %v", err)
	}
	if !caps.Has("tools") {
		t.Fatal("tools capability missing")
	}
	if caps.Has("prompts") {
		t.Fatal("false flag produced a capability")
	}
	if caps.Has("resources") {
		t.Fatal("null flag produced a capability")
	}
	if len(caps["tools"]) != 0 {
		t.Fatalf("boolean capability gained options: %v", caps["tools"])
	}
}

func TestParseCapabilitiesNewerObjects(t *testing.T) {
	raw := mcp.RawCapabilities{
		"tools": json.RawMessage(`{"listChanged":true}`),
	}

	caps, err := ParseCapabilities(V20250326, raw)
	if err != nil {
		t.Fatalf("ParseCapabilities: %v", err)
	}
	if caps["tools"]["listChanged"] != true {
		t.Fatalf("tools options = %v", caps["tools"])
	}

	if _, err := ParseCapabilities(V20250326, mcp.RawCapabilities{"tools": json.RawMessage(`"yes"`)}); err == nil {
		t.Fatal("expected error for string capability value")
	}
}

func TestRenderCapabilities(t *testing.T) {
	caps := mcp.CapabilitySet{
		"tools":   {"listChanged": true},
		"logging": {},
	}

	older, err := RenderCapabilities(V20241105, caps)
	if err != nil {
		t.Fatalf("RenderCapabilities: %v", err)
	}
	if string(older["tools"]) != "true" || string(older["logging"]) != "true" {
		t.Fatalf("older shape = %v", older)
	}

	newer, err := RenderCapabilities(V20250326, caps)
	if err != nil {
		t.Fatalf("RenderCapabilities: %v", err)
	}
	if string(newer["logging"]) != "{}" {
		t.Fatalf("logging options = %s", newer["logging"])
	}
	var opts map[string]bool
	if err := json.Unmarshal(newer["tools"], &opts); err != nil || !opts["listChanged"] {
		t.Fatalf("tools options = %s (%v)", newer["tools"], err)
	}
}

func TestCapabilityRoundTrip(t *testing.T) {
	caps := mcp.CapabilitySet{"tools": {"listChanged": true}}

	raw, err := RenderCapabilities(V20250326, caps)
	if err != nil {
		t.Fatalf("RenderCapabilities: %v", err)
	}
	back, err := ParseCapabilities(V20250326, raw)
	if err != nil {
		t.Fatalf("ParseCapabilities: %v", err)
	}
	if back["tools"]["listChanged"] != true {
		t.Fatalf("round trip lost options: %v", back)
	}
}
