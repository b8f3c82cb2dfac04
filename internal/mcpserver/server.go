// Package mcpserver exposes the pipeline tools over the Model Context
// Protocol so an MCP client can drive generation, infra, build, deploy and
// verification itself.
package mcpserver

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/bgdnvk/stackcrew/internal/logging"
	"github.com/bgdnvk/stackcrew/internal/tools"
)

const Name = "stackcrew"

// New builds an MCP server with one MCP tool per registry tool. Tool text
// that starts with "Error:" is returned as an MCP tool error.
func New(reg *tools.Registry, version string, logger *zap.Logger) *server.MCPServer {
	logger = logging.OrNop(logger)
	s := server.NewMCPServer(Name, version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	for _, t := range reg.Tools() {
		s.AddTool(Tool(t), handler(reg, t.Name, logger))
	}
	return s
}

// Tool converts a registry tool into its MCP definition.
func Tool(t *tools.Tool) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(t.Description)}
	for _, p := range t.Params {
		opts = append(opts, param(p))
	}
	return mcp.NewTool(t.Name, opts...)
}

func param(p tools.Param) mcp.ToolOption {
	var props []mcp.PropertyOption
	if p.Description != "" {
		props = append(props, mcp.Description(p.Description))
	}
	if p.Required {
		props = append(props, mcp.Required())
	}
	switch p.Type {
	case "integer", "number":
		if d, ok := p.Default.(int); ok {
			props = append(props, mcp.DefaultNumber(float64(d)))
		}
		return mcp.WithNumber(p.Name, props...)
	case "boolean":
		if d, ok := p.Default.(bool); ok {
			props = append(props, mcp.DefaultBool(d))
		}
		return mcp.WithBoolean(p.Name, props...)
	default:
		if d, ok := p.Default.(string); ok && d != "" {
			props = append(props, mcp.DefaultString(d))
		}
		return mcp.WithString(p.Name, props...)
	}
}

func handler(reg *tools.Registry, name string, logger *zap.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out := reg.Call(ctx, name, tools.Args(req.GetArguments()))
		logger.Debug("mcp tool call", zap.String("tool", name), zap.String("outcome", tools.Outcome(out)))
		if tools.Outcome(out) == "error" {
			return mcp.NewToolResultError(out), nil
		}
		return mcp.NewToolResultText(out), nil
	}
}

// Serve speaks MCP over in and out until ctx is cancelled or in closes.
// Protocol errors go to logger; nothing else may write to out.
func Serve(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, logger *zap.Logger) error {
	stdio := server.NewStdioServer(s)
	stdio.SetErrorLogger(zap.NewStdLog(logging.OrNop(logger)))
	return stdio.Listen(ctx, in, out)
}
