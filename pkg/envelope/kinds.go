package envelope

import "encoding/json"

// Envelope kinds routed by the gateway.
const (
	// KindChat is a plain chat message.
	KindChat = "chat"

	// KindMCPRequest carries a JSON-RPC style MCP request to a peer.
	KindMCPRequest = "mcp/request"
	// KindMCPResponse carries the result or error of an MCP request.
	KindMCPResponse = "mcp/response"
	// KindMCPProposal describes a desired MCP call without executing it.
	KindMCPProposal = "mcp/proposal"
	// KindMCPReject rejects a pending MCP request or proposal.
	KindMCPReject = "mcp/reject"

	// KindCapabilityGrant extends another participant's capability set.
	KindCapabilityGrant = "capability/grant"
	// KindCapabilityRevoke removes previously granted capabilities.
	KindCapabilityRevoke = "capability/revoke"
	// KindCapabilityGrantAck acknowledges a grant or revoke to the recipient.
	KindCapabilityGrantAck = "capability/grant-ack"

	// KindStreamRequest asks the gateway to allocate a stream.
	KindStreamRequest = "stream/request"
	// KindStreamOpen announces an allocated stream id.
	KindStreamOpen = "stream/open"
	// KindStreamClose closes a stream; the state is absorbing.
	KindStreamClose = "stream/close"
	// KindStreamGrantWrite adds a participant to a stream's writer set.
	KindStreamGrantWrite = "stream/grant-write"
	// KindStreamRevokeWrite removes a participant from a stream's writer set.
	KindStreamRevokeWrite = "stream/revoke-write"
	// KindStreamTransferOwnership moves stream ownership to a new participant.
	KindStreamTransferOwnership = "stream/transfer-ownership"
	// KindStreamWriteGranted acknowledges a write grant with the updated writer set.
	KindStreamWriteGranted = "stream/write-granted"
	// KindStreamWriteRevoked acknowledges a write revoke with the updated writer set.
	KindStreamWriteRevoked = "stream/write-revoked"
	// KindStreamOwnershipTransferred acknowledges an ownership transfer.
	KindStreamOwnershipTransferred = "stream/ownership-transferred"

	// KindSystemWelcome is sent by the gateway after a successful connect.
	KindSystemWelcome = "system/welcome"
	// KindSystemPresence announces joins and leaves.
	KindSystemPresence = "system/presence"
	// KindSystemError reports a wire-visible error, usually to the sender only.
	KindSystemError = "system/error"
	// KindSystemLog surfaces out-of-band diagnostics, e.g. bridge notifications.
	KindSystemLog = "system/log"
)

// Presence events carried in system/presence payloads.
const (
	// PresenceJoin is broadcast when a participant connects.
	PresenceJoin = "join"
	// PresenceLeave is broadcast when a participant disconnects.
	PresenceLeave = "leave"
)

// ChatPayload is the payload of a chat envelope.
type ChatPayload struct {
	Text   string `json:"text"`
	Format string `json:"format,omitempty"`
}

// MCPPayload is the JSON-RPC style payload of mcp/request, mcp/response and
// mcp/proposal envelopes. Exactly one of Result and Error is set on responses.
type MCPPayload struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *MCPError       `json:"error,omitempty"`
}

// MCPError is the error member of an mcp/response payload.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RejectPayload is the payload of an mcp/reject envelope.
type RejectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is the payload of a system/error envelope.
type ErrorPayload struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	Details       any    `json:"details,omitempty"`
	AttemptedKind string `json:"attempted_kind,omitempty"`
	EnvelopeID    string `json:"envelope_id,omitempty"`
	StreamID      string `json:"stream_id,omitempty"`
}

// PresencePayload is the payload of a system/presence envelope.
type PresencePayload struct {
	Event string `json:"event"`
	ID    string `json:"id"`
}

// ParticipantInfo describes a participant inside a system/welcome payload.
// Capabilities are raw rule objects; the capability package owns their
// schema.
type ParticipantInfo struct {
	ID           string            `json:"id"`
	Capabilities []json.RawMessage `json:"capabilities"`
	Connected    bool              `json:"connected"`
}

// StreamInfo describes an active stream inside a system/welcome payload.
type StreamInfo struct {
	StreamID          string   `json:"stream_id"`
	Owner             string   `json:"owner"`
	Direction         string   `json:"direction,omitempty"`
	Description       string   `json:"description,omitempty"`
	Encoding          string   `json:"encoding,omitempty"`
	AuthorizedWriters []string `json:"authorized_writers,omitempty"`
	State             string   `json:"state,omitempty"`
}

// WelcomePayload is the payload of a system/welcome envelope.
type WelcomePayload struct {
	You           ParticipantInfo   `json:"you"`
	Participants  []ParticipantInfo `json:"participants"`
	ActiveStreams []StreamInfo      `json:"active_streams"`
}

// LogPayload is the payload of a system/log envelope.
type LogPayload struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// StreamRequestPayload is the payload of a stream/request envelope.
type StreamRequestPayload struct {
	Direction   string `json:"direction"`
	Description string `json:"description,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
}

// StreamOpenPayload is the payload of a stream/open envelope.
type StreamOpenPayload struct {
	StreamID    string `json:"stream_id"`
	Direction   string `json:"direction,omitempty"`
	Description string `json:"description,omitempty"`
	Encoding    string `json:"encoding,omitempty"`
}

// StreamClosePayload is the payload of a stream/close envelope.
type StreamClosePayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

// StreamWritePayload is the payload of stream/grant-write and
// stream/revoke-write envelopes.
type StreamWritePayload struct {
	StreamID      string `json:"stream_id"`
	ParticipantID string `json:"participant_id"`
	Reason        string `json:"reason,omitempty"`
}

// StreamWriteAckPayload is the payload of stream/write-granted and
// stream/write-revoked envelopes.
type StreamWriteAckPayload struct {
	StreamID          string   `json:"stream_id"`
	ParticipantID     string   `json:"participant_id"`
	Owner             string   `json:"owner"`
	AuthorizedWriters []string `json:"authorized_writers"`
}

// StreamTransferPayload is the payload of a stream/transfer-ownership envelope.
type StreamTransferPayload struct {
	StreamID string `json:"stream_id"`
	NewOwner string `json:"new_owner"`
	Reason   string `json:"reason,omitempty"`
}

// StreamTransferredPayload is the payload of a stream/ownership-transferred
// envelope.
type StreamTransferredPayload struct {
	StreamID          string   `json:"stream_id"`
	PreviousOwner     string   `json:"previous_owner"`
	NewOwner          string   `json:"new_owner"`
	AuthorizedWriters []string `json:"authorized_writers"`
}

// CapabilityGrantPayload is the payload of capability/grant and
// capability/revoke envelopes. Capabilities are kept raw so the gateway can
// hand them to the capability package without a double decode.
type CapabilityGrantPayload struct {
	Recipient    string            `json:"recipient"`
	Capabilities []json.RawMessage `json:"capabilities"`
}

// CapabilityGrantAckPayload is the payload of a capability/grant-ack envelope.
type CapabilityGrantAckPayload struct {
	Granter      string            `json:"granter"`
	Event        string            `json:"event"`
	Capabilities []json.RawMessage `json:"capabilities"`
}
