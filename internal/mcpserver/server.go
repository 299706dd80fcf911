// Package mcpserver exposes the walletgate control API as MCP tools so an
// LLM controller can review, approve, and reject wallet requests over stdio.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all walletgate tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("walletgate", "0.1.0")
	client := NewWalletgateClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetContext, h.HandleGetContext)
	s.AddTool(ToolListPending, h.HandleListPending)
	s.AddTool(ToolApprove, h.HandleApprove)
	s.AddTool(ToolReject, h.HandleReject)
	s.AddTool(ToolApproveNext, h.HandleApproveNext)
	s.AddTool(ToolRejectNext, h.HandleRejectNext)
	s.AddTool(ToolWaitForRequest, h.HandleWaitForRequest)
	s.AddTool(ToolDrain, h.HandleDrain)
	s.AddTool(ToolWaitForIdle, h.HandleWaitForIdle)
	s.AddTool(ToolSetPolicy, h.HandleSetPolicy)
	s.AddTool(ToolSetAutoApprove, h.HandleSetAutoApprove)
	s.AddTool(ToolListAccounts, h.HandleListAccounts)
	s.AddTool(ToolSwitchAccount, h.HandleSwitchAccount)

	return s
}
