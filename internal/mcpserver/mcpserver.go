// Package mcpserver publishes the tool registry over the Model Context Protocol.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"tally/pkg/tool"
	"tally/pkg/types"
)

// Server wraps an MCP server whose tools dispatch into an Executor.
type Server struct {
	mcp      *server.MCPServer
	executor *tool.Executor
	log      *slog.Logger
}

// New registers every tool of executor's registry with its raw input schema.
func New(name, version string, executor *tool.Executor, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		mcp:      server.NewMCPServer(name, version, server.WithToolCapabilities(false), server.WithRecovery()),
		executor: executor,
		log:      log,
	}
	for _, def := range executor.Definitions() {
		s.mcp.AddTool(toMCPTool(def), s.handler(def.Function.Name))
	}
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio serves on the given streams until ctx is cancelled or in closes.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func toMCPTool(def types.ToolDefinition) mcp.Tool {
	schema, err := json.Marshal(def.Function.Parameters)
	if err != nil || def.Function.Parameters == nil {
		schema = []byte(`{"type":"object","properties":{}}`)
	}
	return mcp.NewToolWithRawSchema(def.Function.Name, def.Function.Description, schema)
}

func (s *Server) handler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError("arguments must be a JSON object"), nil
		}
		call := types.NewToolCall(types.NewCallID(), name, string(args), types.OriginNative)
		tc := tool.NewToolContext(tool.WithSessionID("mcp"), tool.WithLogger(s.log))

		res, err := s.executor.Execute(ctx, call, tc)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return mcp.NewToolResultError(res.ErrorMessage), nil
		}
		return mcp.NewToolResultText(res.JSONData), nil
	}
}
