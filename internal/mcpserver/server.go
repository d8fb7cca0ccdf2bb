package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all stakehold tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("stakehold", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolOpenEscrow, h.HandleOpenEscrow)
	s.AddTool(ToolJoinEscrow, h.HandleJoinEscrow)
	s.AddTool(ToolCancelEscrow, h.HandleCancelEscrow)
	s.AddTool(ToolSettleEscrow, h.HandleSettleEscrow)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)

	return s
}
