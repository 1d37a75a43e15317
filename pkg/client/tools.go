package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mew-protocol/mew/pkg/envelope"
	mewerr "github.com/mew-protocol/mew/pkg/errors"
	"github.com/mew-protocol/mew/pkg/logger"
)

const mcpProtocolVersion = "2025-06-18"

// JSON-RPC error codes used when serving MCP requests.
const (
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeTimeout        = -32001
)

// ToolHandler executes one tool call. The returned value becomes the result:
// strings are wrapped as text content, everything else as structured content.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

type registeredTool struct {
	tool    mcp.Tool
	handler ToolHandler
	schema  *gojsonschema.Schema
}

// ToolDescriptor is one entry of a peer's tools/list result.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

var rpcID atomic.Int64

func nextRPCID() int64 {
	return rpcID.Add(1)
}

// RegisterTool makes a tool callable by peers with the mcp/request
// capability. The input schema is compiled once and enforced on every call.
func (c *Client) RegisterTool(tool mcp.Tool, handler ToolHandler) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}

	schemaBytes, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("failed to marshal input schema for %s: %w", tool.Name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaBytes))
	if err != nil {
		return fmt.Errorf("invalid input schema for %s: %w", tool.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.tools[tool.Name]; dup {
		return fmt.Errorf("tool %s is already registered", tool.Name)
	}
	c.tools[tool.Name] = &registeredTool{tool: tool, handler: handler, schema: schema}
	c.toolOrder = append(c.toolOrder, tool.Name)
	return nil
}

// Request sends an MCP request to one peer and blocks for the correlated
// answer. Rejections, gateway errors, timeouts, and disconnects all surface
// as typed errors.
func (c *Client) Request(ctx context.Context, to, method string, params any) (*envelope.MCPPayload, error) {
	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	env := envelope.New(envelope.KindMCPRequest, envelope.MCPPayload{
		JSONRPC: "2.0",
		ID:      nextRPCID(),
		Method:  method,
		Params:  rawParams,
	})
	env.To = []string{to}

	answer, err := c.sendAndWait(ctx, env)
	if err != nil {
		return nil, err
	}
	return decodeAnswer(answer)
}

// decodeAnswer turns a correlated envelope into a response payload or a
// typed error.
func decodeAnswer(env *envelope.Envelope) (*envelope.MCPPayload, error) {
	switch env.Kind {
	case envelope.KindSystemError:
		var payload envelope.ErrorPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, mewerr.NewInternalError("malformed gateway error", err)
		}
		return nil, mewerr.NewError(payload.Error, payload.Message, nil)
	case envelope.KindMCPReject:
		var payload envelope.RejectPayload
		if err := env.DecodePayload(&payload); err != nil {
			return nil, mewerr.NewInternalError("malformed rejection", err)
		}
		return nil, mewerr.NewError(mewerr.ErrRejected, payload.Reason, nil)
	}

	var payload envelope.MCPPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, mewerr.NewInternalError("malformed mcp/response payload", err)
	}
	if payload.Error != nil {
		kind := mewerr.ErrInternal
		switch payload.Error.Code {
		case codeMethodNotFound:
			kind = mewerr.ErrMethodNotFound
		case codeInvalidParams:
			kind = mewerr.ErrProtocolError
		case codeTimeout:
			kind = mewerr.ErrTimeout
		}
		return nil, mewerr.NewError(kind, payload.Error.Message, nil)
	}
	return &payload, nil
}

// ListPeerTools fetches (and caches) one peer's tool listing. The cache is
// dropped when the peer's presence changes.
func (c *Client) ListPeerTools(ctx context.Context, peer string) ([]ToolDescriptor, error) {
	c.mu.Lock()
	if cached, ok := c.peerTools[peer]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	resp, err := c.Request(ctx, peer, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tools/list result: %w", err)
	}

	c.mu.Lock()
	c.peerTools[peer] = result.Tools
	c.mu.Unlock()
	return result.Tools, nil
}

// CallTool invokes a named tool on a peer and returns the raw result.
func (c *Client) CallTool(ctx context.Context, peer, name string, args map[string]any) (json.RawMessage, error) {
	resp, err := c.Request(ctx, peer, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// MCPDelegate takes over serving of inbound MCP requests, bypassing the
// built-in tool registry. The delegate answers with Respond or RespondError.
type MCPDelegate func(env *envelope.Envelope, req *envelope.MCPPayload)

// SetMCPDelegate installs a delegate for inbound MCP requests. Pass nil to
// restore the built-in registry.
func (c *Client) SetMCPDelegate(d MCPDelegate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delegate = d
}

// serveMCP answers an inbound mcp/request addressed to this participant.
func (c *Client) serveMCP(env *envelope.Envelope) {
	var req envelope.MCPPayload
	if err := env.DecodePayload(&req); err != nil {
		logger.Debugw("dropping malformed mcp/request", "error", err)
		return
	}

	c.mu.Lock()
	delegate := c.delegate
	c.mu.Unlock()
	if delegate != nil {
		delegate(env, &req)
		return
	}

	// Notifications carry no id and expect no response.
	if strings.HasPrefix(req.Method, "notifications/") {
		return
	}

	switch req.Method {
	case "initialize":
		c.Respond(env, req.ID, map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
			"serverInfo":      map[string]any{"name": c.ID()},
		})
	case "tools/list":
		c.Respond(env, req.ID, map[string]any{"tools": c.toolListing()})
	case "tools/call":
		c.serveToolCall(env, &req)
	case "ping":
		c.Respond(env, req.ID, map[string]any{})
	default:
		c.RespondError(env, req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (c *Client) toolListing() []mcp.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	listing := make([]mcp.Tool, 0, len(c.toolOrder))
	for _, name := range c.toolOrder {
		listing = append(listing, c.tools[name].tool)
	}
	return listing
}

func (c *Client) serveToolCall(env *envelope.Envelope, req *envelope.MCPPayload) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.RespondError(env, req.ID, codeInvalidParams, "malformed tools/call params")
		return
	}

	c.mu.Lock()
	tool, ok := c.tools[params.Name]
	c.mu.Unlock()
	if !ok {
		c.RespondError(env, req.ID, codeMethodNotFound, "unknown tool: "+params.Name)
		return
	}

	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	result, err := tool.schema.Validate(gojsonschema.NewGoLoader(params.Arguments))
	if err != nil {
		c.RespondError(env, req.ID, codeInternalError, "schema validation failed: "+err.Error())
		return
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		c.RespondError(env, req.ID, codeInvalidParams, "invalid arguments: "+strings.Join(details, "; "))
		return
	}

	value, err := tool.handler(context.Background(), params.Arguments)
	if err != nil {
		c.Respond(env, req.ID, mcp.NewToolResultError(err.Error()))
		return
	}
	if text, ok := value.(string); ok {
		c.Respond(env, req.ID, mcp.NewToolResultText(text))
		return
	}
	c.Respond(env, req.ID, mcp.NewToolResultStructuredOnly(value))
}

// Respond sends an mcp/response with a result, correlated to the request
// envelope.
func (c *Client) Respond(cause *envelope.Envelope, rpcID any, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.RespondError(cause, rpcID, codeInternalError, "failed to marshal result")
		return
	}
	env := envelope.New(envelope.KindMCPResponse, envelope.MCPPayload{
		JSONRPC: "2.0",
		ID:      rpcID,
		Result:  raw,
	})
	env.To = []string{cause.From}
	env.CorrelationID = []string{cause.ID}
	if _, err := c.Send(env); err != nil {
		logger.Debugw("failed to send mcp/response", "error", err)
	}
}

// RespondError sends an mcp/response carrying a JSON-RPC error, correlated
// to the request envelope.
func (c *Client) RespondError(cause *envelope.Envelope, rpcID any, code int, message string) {
	env := envelope.New(envelope.KindMCPResponse, envelope.MCPPayload{
		JSONRPC: "2.0",
		ID:      rpcID,
		Error:   &envelope.MCPError{Code: code, Message: message},
	})
	env.To = []string{cause.From}
	env.CorrelationID = []string{cause.ID}
	if _, err := c.Send(env); err != nil {
		logger.Debugw("failed to send mcp/response", "error", err)
	}
}
