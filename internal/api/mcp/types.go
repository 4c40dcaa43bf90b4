// Package mcp implements a Model Context Protocol server over stdio so that
// coding agents can recall memories, vote on them and drive extraction.
package mcp

import (
	"encoding/json"
)

// RecallArgs contains arguments for the recall_memories tool.
type RecallArgs struct {
	Query     string `json:"query"`
	K         int    `json:"k,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// FeedbackArgs contains arguments for the record_feedback tool.
type FeedbackArgs struct {
	MemoryID string `json:"memory_id"`
	Polarity string `json:"polarity"`
}

// GetMemoryArgs contains arguments for the get_memory tool.
type GetMemoryArgs struct {
	ID string `json:"id"`
}

// RunResult is returned by run_extraction.
type RunResult struct {
	RunID string `json:"run_id"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request. A request without an ID
// is a notification and gets no response.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
	ID      any           `json:"id"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal JSON-RPC error
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// MCPServerInfo identifies the server during initialize.
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPServerCapabilities lists what the server supports.
type MCPServerCapabilities struct {
	Tools *MCPToolsCapability `json:"tools,omitempty"`
}

// MCPToolsCapability advertises tool support.
type MCPToolsCapability struct{}

// MCPInitializeResult is the response to initialize.
type MCPInitializeResult struct {
	ProtocolVersion string                `json:"protocolVersion"`
	Capabilities    MCPServerCapabilities `json:"capabilities"`
	ServerInfo      MCPServerInfo         `json:"serverInfo"`
}

// MCPTool describes one tool in tools/list.
type MCPTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// MCPToolsListResult is the response to tools/list.
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams are the params of tools/call.
type MCPToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPToolCallContent is one content block of a tool result.
type MCPToolCallContent struct {
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

// MCPToolCallResult is the response to tools/call. Tool failures are
// reported with IsError rather than as JSON-RPC errors.
type MCPToolCallResult struct {
	Content []MCPToolCallContent `json:"content"`
	IsError bool                 `json:"isError,omitempty"`
}
