// Package mcp implements the Model Context Protocol server for Shirushi.
//
// The MCP server exposes the read-only resolution capabilities of the HTTP
// API as MCP tools, so MCP-compatible agents can look up provenance
// manifests for the media they are handling.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shirushi/internal/service/resolve"
	"github.com/ashita-ai/shirushi/internal/storage"
)

// Server wraps the MCP server with Shirushi's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	resolver  *resolve.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools.
func New(db *storage.DB, resolver *resolve.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:       db,
		resolver: resolver,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shirushi",
		version,
		mcpserver.WithToolCapabilities(false),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
