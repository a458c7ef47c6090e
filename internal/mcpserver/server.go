package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// Version is reported to MCP clients during initialization.
const Version = "1.0.0"

// NewMCPServer creates an MCP server with the risk tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("auditrisk", Version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolScoreTransaction, h.HandleScoreTransaction)
	s.AddTool(ToolResolveVendor, h.HandleResolveVendor)
	s.AddTool(ToolSubmitFeedback, h.HandleSubmitFeedback)
	s.AddTool(ToolGetVendorFeedback, h.HandleGetVendorFeedback)

	return s
}
