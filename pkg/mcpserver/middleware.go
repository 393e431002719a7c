package mcpserver

import (
	"context"
	"log/slog"
	"time"
)

// toolName returns the tool a tools/call request targets, or "".
func toolName(req *JSONRPCRequest) string {
	if req.Method != "tools/call" {
		return ""
	}
	var params ToolCallParams
	if req.DecodeParams(&params) != nil {
		return ""
	}
	return params.Name
}

// LoggingMiddleware logs each request with its duration. Tool calls also
// log the tool name and whether the tool reported a failure.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
			start := time.Now()
			resp := next(ctx, req)
			attrs := []any{"method", req.Method, "id", string(req.ID), "duration", time.Since(start)}
			if name := toolName(req); name != "" {
				attrs = append(attrs, "tool", name)
				if resp != nil {
					if res, ok := resp.Result.(*ToolCallResult); ok && res.IsError {
						attrs = append(attrs, "tool_error", true)
					}
				}
			}
			logger.Debug("mcp request", attrs...)
			if resp != nil && resp.Error != nil {
				logger.Error("mcp error", "method", req.Method, "code", resp.Error.Code, "message", resp.Error.Message)
			}
			return resp
		}
	}
}

// TimeoutMiddleware bounds each tools/call by d. Other methods answer
// immediately and are not limited.
func TimeoutMiddleware(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
			if d <= 0 || req.Method != "tools/call" {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// RecoveryMiddleware turns a panic into an internal-error response.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *JSONRPCRequest) (resp *JSONRPCResponse) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic in mcp handler", "method", req.Method, "tool", toolName(req), "panic", r)
					resp = errorResponse(req.ID, CodeInternalError, "internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}
