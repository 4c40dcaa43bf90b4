package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/scrypster/mnemo/internal/engine"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/pkg/types"
)

// Version is reported during initialize.
const Version = "0.1.0"

type retriever interface {
	Retrieve(ctx context.Context, req engine.RetrieveRequest) []engine.RecalledMemory
}

type feedbackRecorder interface {
	RecordFeedback(ctx context.Context, memoryID string, polarity types.Polarity) (types.FeedbackCounters, error)
}

type extractionController interface {
	Trigger(ctx context.Context) (string, error)
	Status() engine.Status
}

type memoryReader interface {
	Get(ctx context.Context, id string) (*types.Memory, error)
}

// Server answers MCP requests. Extraction tools are listed only when an
// extraction controller is configured.
type Server struct {
	retriever  retriever
	feedback   feedbackRecorder
	memories   memoryReader
	extraction extractionController
	sessionID  string

	tools map[string]*tool
	order []string
}

type tool struct {
	def     MCPTool
	schema  *jsonschema.Schema
	handler func(ctx context.Context, args json.RawMessage) (any, error)
}

// ServerOption configures optional Server behaviour.
type ServerOption func(*Server)

// WithExtraction exposes run_extraction and extraction_status.
func WithExtraction(c extractionController) ServerOption {
	return func(s *Server) { s.extraction = c }
}

// WithSessionID sets the session that recalls are recorded under when a
// call does not name one.
func WithSessionID(id string) ServerOption {
	return func(s *Server) { s.sessionID = id }
}

// NewServer creates an MCP server over the read path.
func NewServer(r retriever, f feedbackRecorder, m memoryReader, opts ...ServerOption) (*Server, error) {
	if r == nil || f == nil || m == nil {
		return nil, errors.New("retriever, feedback recorder and memory reader are required")
	}
	s := &Server{retriever: r, feedback: f, memories: m, tools: make(map[string]*tool)}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.register("recall_memories",
		"Find memories relevant to a question about past work: decisions, corrections, preferences, patterns, problems and solutions mined from earlier sessions. Results are ranked; the best first.",
		`{
  "type": "object",
  "required": ["query"],
  "properties": {
    "query": {"type": "string", "minLength": 1, "description": "Natural-language question or topic"},
    "k": {"type": "integer", "minimum": 1, "description": "Maximum results (default 10)"},
    "session_id": {"type": "string", "description": "Session the recall is recorded under"}
  }
}`, s.recall); err != nil {
		return nil, err
	}
	if err := s.register("record_feedback",
		"Tell mnemo whether a recalled memory was useful. Positive votes raise its rank in later recalls, negative votes lower it.",
		`{
  "type": "object",
  "required": ["memory_id", "polarity"],
  "properties": {
    "memory_id": {"type": "string", "minLength": 1},
    "polarity": {"type": "string", "minLength": 1, "description": "positive or negative (up/down and +/- also accepted)"}
  }
}`, s.recordFeedback); err != nil {
		return nil, err
	}
	if err := s.register("get_memory",
		"Fetch one memory by ID, including its source transcript range.",
		`{
  "type": "object",
  "required": ["id"],
  "properties": {"id": {"type": "string", "minLength": 1}}
}`, s.getMemory); err != nil {
		return nil, err
	}

	if s.extraction != nil {
		if err := s.register("run_extraction",
			"Start mining new transcript content for memories. Returns the run ID, or an error if a run is already in progress.",
			`{"type": "object", "properties": {}}`, s.runExtraction); err != nil {
			return nil, err
		}
		if err := s.register("extraction_status",
			"Report whether extraction is running, the last run summary and cumulative totals.",
			`{"type": "object", "properties": {}}`, s.extractionStatus); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) register(name, description, schema string, h func(context.Context, json.RawMessage) (any, error)) error {
	compiled, err := jsonschema.CompileString(name+".json", schema)
	if err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", name, err)
	}
	s.tools[name] = &tool{
		def:     MCPTool{Name: name, Description: description, InputSchema: json.RawMessage(schema)},
		schema:  compiled,
		handler: h,
	}
	s.order = append(s.order, name)
	return nil
}

// HandleRequest processes one JSON-RPC 2.0 message. It returns nil for
// notifications, which get no response.
func (s *Server) HandleRequest(ctx context.Context, requestJSON []byte) ([]byte, error) {
	var req JSONRPCRequest
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return s.errorResponse(nil, ErrCodeParseError, "Parse error", err.Error())
	}
	if req.JSONRPC != "2.0" {
		return s.errorResponse(req.ID, ErrCodeInvalidRequest, "Invalid JSON-RPC version", nil)
	}

	notification := req.ID == nil

	var result any
	switch req.Method {
	case "initialize":
		result = MCPInitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    MCPServerCapabilities{Tools: &MCPToolsCapability{}},
			ServerInfo:      MCPServerInfo{Name: "mnemo", Version: Version},
		}
	case "notifications/initialized", "initialized", "notifications/cancelled":
		result = struct{}{}
	case "ping":
		result = struct{}{}
	case "tools/list":
		tools := make([]MCPTool, 0, len(s.order))
		for _, name := range s.order {
			tools = append(tools, s.tools[name].def)
		}
		result = MCPToolsListResult{Tools: tools}
	case "tools/call":
		var p MCPToolCallParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return s.errorResponse(req.ID, ErrCodeInvalidParams, "Invalid params", err.Error())
		}
		result = s.callTool(ctx, p)
	default:
		if notification {
			return nil, nil
		}
		return s.errorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil)
	}

	if notification {
		return nil, nil
	}
	return s.successResponse(req.ID, result)
}

// callTool validates the arguments against the tool schema and runs it.
func (s *Server) callTool(ctx context.Context, p MCPToolCallParams) *MCPToolCallResult {
	t, ok := s.tools[p.Name]
	if !ok {
		return toolError(fmt.Errorf("unknown tool: %s", p.Name))
	}

	args := p.Arguments
	if len(bytes.TrimSpace(args)) == 0 || string(bytes.TrimSpace(args)) == "null" {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return toolError(fmt.Errorf("invalid arguments: %w", err))
	}
	if err := t.schema.Validate(decoded); err != nil {
		return toolError(fmt.Errorf("invalid arguments: %w", err))
	}

	out, err := t.handler(ctx, args)
	if err != nil {
		return toolError(err)
	}
	text, err := json.Marshal(out)
	if err != nil {
		return toolError(fmt.Errorf("failed to marshal result: %w", err))
	}
	return &MCPToolCallResult{Content: []MCPToolCallContent{{Type: "text", Text: string(text)}}}
}

func toolError(err error) *MCPToolCallResult {
	return &MCPToolCallResult{
		Content: []MCPToolCallContent{{Type: "text", Text: err.Error()}},
		IsError: true,
	}
}

func (s *Server) recall(ctx context.Context, raw json.RawMessage) (any, error) {
	var args RecallArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args.SessionID == "" {
		args.SessionID = s.sessionID
	}
	return s.retriever.Retrieve(ctx, engine.RetrieveRequest{
		Query:     strings.TrimSpace(args.Query),
		K:         args.K,
		SessionID: args.SessionID,
	}), nil
}

func (s *Server) recordFeedback(ctx context.Context, raw json.RawMessage) (any, error) {
	var args FeedbackArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	polarity, err := types.ParsePolarity(args.Polarity)
	if err != nil {
		return nil, err
	}
	counters, err := s.feedback.RecordFeedback(ctx, args.MemoryID, polarity)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("memory %s not found", args.MemoryID)
	}
	return counters, err
}

func (s *Server) getMemory(ctx context.Context, raw json.RawMessage) (any, error) {
	var args GetMemoryArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	m, err := s.memories.Get(ctx, args.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("memory %s not found", args.ID)
		}
		return nil, err
	}
	m.Embedding = nil
	return m, nil
}

func (s *Server) runExtraction(ctx context.Context, _ json.RawMessage) (any, error) {
	id, err := s.extraction.Trigger(ctx)
	if err != nil {
		return nil, err
	}
	return RunResult{RunID: id}, nil
}

func (s *Server) extractionStatus(context.Context, json.RawMessage) (any, error) {
	return s.extraction.Status(), nil
}

func (s *Server) successResponse(id any, result any) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) errorResponse(id any, code int, message string, data any) ([]byte, error) {
	return json.Marshal(JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
		ID:      id,
	})
}
