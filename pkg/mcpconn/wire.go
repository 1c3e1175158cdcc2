package mcpconn

import (
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// protocolVersion is the MCP revision this client negotiates.
const protocolVersion = "2024-11-05"

const (
	methodInitialize    = "initialize"
	methodInitialized   = "notifications/initialized"
	methodListTools     = "tools/list"
	methodListResources = "resources/list"
)

// rpcRequest is an outbound JSON-RPC 2.0 request or, with a nil ID,
// a notification.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcMessage is any inbound line: a response (ID set, no method), a server
// notification (method set, no ID), or a server-to-client request (both).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string                     `json:"protocolVersion"`
	Capabilities    map[string]json.RawMessage `json:"capabilities"`
	ServerInfo      mcp.Implementation         `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []*mcp.Tool `json:"tools"`
}

type listResourcesResult struct {
	Resources []*mcp.Resource `json:"resources"`
}

// ServerCapabilities summarizes what the server declared during the
// handshake, filled in by Connect.
type ServerCapabilities struct {
	ProtocolVersion string
	ServerInfo      mcp.Implementation
	Tools           bool
	Resources       bool
	Prompts         bool
	Logging         bool
	ToolCount       int
	ResourceCount   int
}
