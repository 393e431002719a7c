package mcpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/RobinCoderZhao/news-digest/pkg/mcpserver"
)

// EchoTool is a simple tool for testing that echoes back its input.
type EchoTool struct {
	mcpserver.BaseTool
}

func NewEchoTool() *EchoTool {
	return &EchoTool{
		BaseTool: mcpserver.BaseTool{
			ToolName:        "echo",
			ToolDescription: "Echoes back the input message",
			ToolSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{
						"type":        "string",
						"description": "Message to echo",
					},
				},
				"required": []string{"message"},
			},
		},
	}
}

func (t *EchoTool) Execute(ctx context.Context, args map[string]any) (*mcpserver.ToolCallResult, error) {
	msg, _ := args["message"].(string)
	return mcpserver.TextResult("Echo: " + msg), nil
}

func TestServer_Initialize(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0")
	s.RegisterTool(NewEchoTool())

	resp := s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage("1"),
		Method:  "initialize",
	})

	if resp == nil {
		t.Fatal("expected response")
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result, ok := resp.Result.(*mcpserver.InitializeResult)
	if !ok {
		t.Fatal("expected InitializeResult")
	}
	if result.ServerInfo.Name != "test-server" {
		t.Fatalf("expected 'test-server', got '%s'", result.ServerInfo.Name)
	}
	if result.ProtocolVersion != mcpserver.ProtocolVersion {
		t.Fatalf("unexpected protocol version %q", result.ProtocolVersion)
	}
}

func TestServer_ToolsList(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0")
	s.RegisterTool(NewEchoTool())

	resp := s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage("2"),
		Method:  "tools/list",
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	result, ok := resp.Result.(*mcpserver.ToolsListResult)
	if !ok {
		t.Fatal("expected ToolsListResult")
	}
	if len(result.Tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(result.Tools))
	}
	if result.Tools[0].Name != "echo" {
		t.Fatalf("expected 'echo', got '%s'", result.Tools[0].Name)
	}
}

func TestServer_ToolCall(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0")
	s.RegisterTool(NewEchoTool())

	resp := s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage("3"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"echo","arguments":{"message":"hello world"}}`),
	})

	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}

	result, ok := resp.Result.(*mcpserver.ToolCallResult)
	if !ok {
		t.Fatal("expected ToolCallResult")
	}
	if result.IsError {
		t.Fatal("expected no error")
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Echo: hello world" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestServer_ToolNotFound(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0")

	resp := s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage("4"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"nonexistent","arguments":{}}`),
	})

	result, ok := resp.Result.(*mcpserver.ToolCallResult)
	if !ok {
		t.Fatal("expected ToolCallResult")
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestServer_MethodNotFound(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0")

	resp := s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage("5"),
		Method:  "unknown/method",
	})

	if resp.Error == nil {
		t.Fatal("expected error for unknown method")
	}
	if resp.Error.Code != mcpserver.CodeMethodNotFound {
		t.Fatalf("expected code -32601, got %d", resp.Error.Code)
	}
}

func TestServer_Middleware(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0")
	s.RegisterTool(NewEchoTool())

	calls := 0
	s.Use(func(next mcpserver.HandlerFunc) mcpserver.HandlerFunc {
		return func(ctx context.Context, req *mcpserver.JSONRPCRequest) *mcpserver.JSONRPCResponse {
			calls++
			return next(ctx, req)
		}
	})

	s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage("6"),
		Method:  "tools/list",
	})

	if calls != 1 {
		t.Fatalf("expected middleware to be called once, got %d", calls)
	}
}

// ctxTool reports whether the request context had ended.
type ctxTool struct {
	mcpserver.BaseTool
}

func (t *ctxTool) Execute(ctx context.Context, args map[string]any) (*mcpserver.ToolCallResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return mcpserver.TextResult("ok"), nil
}

func TestServer_ToolSeesRequestContext(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0", mcpserver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.RegisterTool(&ctxTool{BaseTool: mcpserver.BaseTool{ToolName: "wait"}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := s.HandleRequest(ctx, &mcpserver.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage("7"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"wait"}`),
	})
	result, ok := resp.Result.(*mcpserver.ToolCallResult)
	if !ok || !result.IsError || !strings.Contains(result.Content[0].Text, "canceled") {
		t.Fatalf("expected canceled tool result, got %+v", resp.Result)
	}
}

func TestServer_MissingRequiredArguments(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		wantErr string
	}{
		{"absent", `{"name":"echo","arguments":{}}`, "echo: missing required arguments: message"},
		{"null", `{"name":"echo","arguments":{"message":null}}`, "echo: missing required arguments: message"},
		{"no arguments", `{"name":"echo"}`, "echo: missing required arguments: message"},
		{"present", `{"name":"echo","arguments":{"message":"hi"}}`, ""},
	}
	s := mcpserver.New("test-server", "1.0.0", mcpserver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.RegisterTool(NewEchoTool())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{
				JSONRPC: "2.0",
				ID:      json.RawMessage("11"),
				Method:  "tools/call",
				Params:  json.RawMessage(tt.params),
			})
			result, ok := resp.Result.(*mcpserver.ToolCallResult)
			if !ok {
				t.Fatalf("expected tool result, got %+v", resp)
			}
			if tt.wantErr == "" {
				if result.IsError {
					t.Fatalf("unexpected tool error: %s", result.Content[0].Text)
				}
				return
			}
			if !result.IsError || result.Content[0].Text != tt.wantErr {
				t.Fatalf("expected %q, got %+v", tt.wantErr, result)
			}
		})
	}
}

func TestBaseTool_ValidateDecodedSchema(t *testing.T) {
	tool := &mcpserver.BaseTool{ToolName: "t", ToolSchema: map[string]any{"required": []any{"a", "b"}}}
	err := tool.Validate(map[string]any{"a": 1})
	var missing *mcpserver.MissingArgumentsError
	if !errors.As(err, &missing) || !reflect.DeepEqual(missing.Missing, []string{"b"}) {
		t.Fatalf("expected b missing, got %v", err)
	}
	if err := tool.Validate(map[string]any{"a": 1, "b": false}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// blockingTool waits for its context to end.
type blockingTool struct {
	mcpserver.BaseTool
}

func (t *blockingTool) Execute(ctx context.Context, args map[string]any) (*mcpserver.ToolCallResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestServer_TimeoutMiddleware(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0", mcpserver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Use(mcpserver.TimeoutMiddleware(10 * time.Millisecond))
	s.RegisterTool(&blockingTool{BaseTool: mcpserver.BaseTool{ToolName: "slow"}})

	resp := s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage("12"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"slow"}`),
	})
	result, ok := resp.Result.(*mcpserver.ToolCallResult)
	if !ok || !result.IsError || !strings.Contains(result.Content[0].Text, "deadline exceeded") {
		t.Fatalf("expected deadline exceeded, got %+v", resp.Result)
	}

	resp = s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{JSONRPC: "2.0", ID: json.RawMessage("13"), Method: "ping"})
	if resp == nil || resp.Error != nil {
		t.Fatalf("ping must pass through, got %+v", resp)
	}
}

func TestLoggingMiddleware_LogsToolName(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := mcpserver.New("test-server", "1.0.0", mcpserver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.Use(mcpserver.LoggingMiddleware(logger))
	s.RegisterTool(NewEchoTool())

	s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage("14"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"echo","arguments":{}}`),
	})
	out := buf.String()
	if !strings.Contains(out, "tool=echo") || !strings.Contains(out, "tool_error=true") {
		t.Fatalf("expected tool name and failure in log, got %q", out)
	}
}

func TestServer_Serve(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0", mcpserver.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.RegisterTool(NewEchoTool())

	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n" +
			`{"jsonrpc":"2.0","method":"notifications/initialized"}` + "\n" +
			"\n" +
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}` + "\n" +
			`{not json` + "\n" +
			`{"jsonrpc":"2.0","id":"abc","method":"ping"}` + "\n")
	var out bytes.Buffer
	if err := s.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	dec := json.NewDecoder(&out)
	var responses []map[string]any
	for dec.More() {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		responses = append(responses, m)
	}
	if len(responses) != 4 {
		t.Fatalf("expected 4 responses (notification skipped), got %d", len(responses))
	}
	if !strings.Contains(mustJSON(t, responses[1]), "Echo: hi") {
		t.Fatalf("unexpected tool response: %v", responses[1])
	}
	if errObj, ok := responses[2]["error"].(map[string]any); !ok || errObj["code"] != float64(mcpserver.CodeParseError) {
		t.Fatalf("expected parse error for malformed line, got %v", responses[2])
	}
	if responses[3]["id"] != "abc" {
		t.Fatalf("string IDs must round-trip, got %v", responses[3]["id"])
	}
}

func TestServer_InvalidRequests(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0")

	resp := s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{JSONRPC: "1.0", ID: json.RawMessage("9"), Method: "ping"})
	if resp == nil || resp.Error == nil || resp.Error.Code != mcpserver.CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp)
	}

	resp = s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{JSONRPC: "2.0", ID: json.RawMessage("10"), Method: "tools/call", Params: json.RawMessage(`[1,2]`)})
	if resp == nil || resp.Error == nil || resp.Error.Code != mcpserver.CodeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp)
	}
}

func TestServer_RecoveryMiddleware(t *testing.T) {
	s := mcpserver.New("test-server", "1.0.0")
	s.Use(mcpserver.RecoveryMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil))))
	s.RegisterTool(&panicTool{BaseTool: mcpserver.BaseTool{ToolName: "boom"}})

	resp := s.HandleRequest(context.Background(), &mcpserver.JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      json.RawMessage("8"),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"boom"}`),
	})
	if resp.Error == nil || resp.Error.Code != mcpserver.CodeInternalError {
		t.Fatalf("expected internal error, got %+v", resp)
	}
}

type panicTool struct {
	mcpserver.BaseTool
}

func (t *panicTool) Execute(ctx context.Context, args map[string]any) (*mcpserver.ToolCallResult, error) {
	panic("boom")
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
