package mcp

import "encoding/json"

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

// Lifecycle methods owned by the protocol core. Everything outside this set
// is forwarded opaquely to the handler collaborator once a session is
// initialized.
const (
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"
	ShutdownMethod                Method = "shutdown"
	ExitMethod                    Method = "exit"
	PingMethod                    Method = "ping"

	ProgressNotificationMethod Method = "notifications/progress"
	LoggingMessageNotification Method = "notifications/message"

	// Open namespaces forwarded to handlers.
	ToolsListMethod Method = "tools/list"
	ToolsCallMethod Method = "tools/call"
)

// InitializeParams starts the MCP initialization handshake. Capabilities stay
// raw here; their wire shape differs across protocol revisions and is
// normalized by the version adapter.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    RawCapabilities    `json:"capabilities,omitempty"`
	ClientInfo      ImplementationInfo `json:"clientInfo"`
}

// InitializeResult returns the accepted protocol version, the negotiated
// capabilities (in the revision's own shape), and server info.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    RawCapabilities    `json:"capabilities"`
	ServerInfo      ImplementationInfo `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
	Meta            map[string]any     `json:"_meta,omitempty"`
}

// InitializedNotification signals that initialization completed.
type InitializedNotification struct{}

// EmptyResult is the canonical empty success payload (shutdown, ping, exit).
type EmptyResult struct{}

// ProgressParams conveys progress of a long-running operation. The token is
// echoed verbatim from the originating request's _meta so string and numeric
// tokens both round-trip.
type ProgressParams struct {
	ProgressToken json.RawMessage `json:"progressToken"`
	Progress      float64         `json:"progress"`
	Total         float64         `json:"total,omitempty"`
}
