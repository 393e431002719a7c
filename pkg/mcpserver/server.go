// Package mcpserver provides a small MCP (Model Context Protocol) server over
// newline-delimited JSON-RPC 2.0.
//
// Quick Start:
//
//	server := mcpserver.New("my-server", "1.0.0")
//	server.RegisterTool(&MyTool{})
//	server.RunStdio(ctx)
package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
)

// Server dispatches JSON-RPC requests to registered tools. Tools are
// registered before serving; Serve handles one request at a time.
type Server struct {
	name       string
	version    string
	tools      map[string]ToolHandler
	middleware []Middleware
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger. It must not write to the transport's
// output stream.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a new MCP server with the given name and version.
func New(name, version string, opts ...Option) *Server {
	s := &Server{
		name:    name,
		version: version,
		tools:   make(map[string]ToolHandler),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool adds a tool to the server.
func (s *Server) RegisterTool(tool ToolHandler) {
	s.tools[tool.Name()] = tool
	s.logger.Debug("registered tool", "name", tool.Name())
}

// RegisterTools adds multiple tools to the server.
func (s *Server) RegisterTools(tools ...ToolHandler) {
	for _, tool := range tools {
		s.RegisterTool(tool)
	}
}

// Use adds middleware to the server's processing chain.
func (s *Server) Use(mw Middleware) {
	s.middleware = append(s.middleware, mw)
}

// RunStdio serves on stdin/stdout until stdin closes or ctx ends.
func (s *Server) RunStdio(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// maxLine bounds a single request; selection payloads can be large.
const maxLine = 4 << 20

// Serve reads newline-delimited requests from r and writes responses to w
// until r is exhausted or ctx ends. A malformed line gets a parse error
// response and the loop continues.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.logger.Info("starting MCP server", "name", s.name, "version", s.version, "tools", len(s.tools))

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	encoder := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var resp *JSONRPCResponse
		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			resp = errorResponse(nil, CodeParseError, "parse error: %v", err)
		} else {
			resp = s.HandleRequest(ctx, &req)
		}
		if resp == nil {
			continue
		}
		if err := encoder.Encode(resp); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

// HandleRequest runs req through the middleware chain. Notifications yield nil.
func (s *Server) HandleRequest(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	handler := HandlerFunc(s.coreHandler)
	for i := len(s.middleware) - 1; i >= 0; i-- {
		handler = s.middleware[i](handler)
	}
	return handler(ctx, req)
}

func (s *Server) coreHandler(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "unsupported jsonrpc version %q", req.JSONRPC)
	}
	if req.IsNotification() {
		s.logger.Debug("notification", "method", req.Method)
		return nil
	}

	resp := &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = s.handleInitialize()
	case "ping":
		resp.Result = struct{}{}
	case "tools/list":
		resp.Result = s.handleToolsList()
	case "tools/call":
		var params ToolCallParams
		if err := req.DecodeParams(&params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid tools/call params: %v", err)
		}
		resp.Result = s.handleToolCall(ctx, params)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method not found: %s", req.Method)
	}
	return resp
}

func (s *Server) handleInitialize() *InitializeResult {
	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      ServerInfo{Name: s.name, Version: s.version},
	}
}

func (s *Server) handleToolsList() *ToolsListResult {
	tools := make([]ToolDef, 0, len(s.tools))
	for _, h := range s.tools {
		tools = append(tools, ToolDef{
			Name:        h.Name(),
			Description: h.Description(),
			InputSchema: h.InputSchema(),
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return &ToolsListResult{Tools: tools}
}

func (s *Server) handleToolCall(ctx context.Context, params ToolCallParams) *ToolCallResult {
	tool, ok := s.tools[params.Name]
	if !ok {
		return ErrorResult(fmt.Errorf("tool not found: %s", params.Name))
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	if v, ok := tool.(ArgumentValidator); ok {
		if err := v.Validate(params.Arguments); err != nil {
			return ErrorResult(err)
		}
	}

	result, err := tool.Execute(ctx, params.Arguments)
	if err != nil {
		s.logger.Warn("tool failed", "tool", params.Name, "error", err)
		return ErrorResult(err)
	}
	return result
}
