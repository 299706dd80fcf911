package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *WalletgateClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *WalletgateClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetContext returns the full wallet snapshot.
func (h *Handlers) HandleGetContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetContext(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet context: %v", err)), nil
	}

	text, err := formatContext(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse context: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListPending lists the pending request table.
func (h *Handlers) HandleListPending(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListPending(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list pending requests: %v", err)), nil
	}

	text, err := formatPending(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse pending requests: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleApprove approves a pending request by ID.
func (h *Handlers) HandleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("request_id", "")
	if id == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}

	raw, err := h.client.Approve(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Approval failed: %v", err)), nil
	}

	var resp struct {
		ID     string `json:"id"`
		Result any    `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse approval response: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Approved %s.\nResult: %s", resp.ID, formatResult(resp.Result))), nil
}

// HandleReject rejects a pending request by ID.
func (h *Handlers) HandleReject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("request_id", "")
	if id == "" {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	reason := req.GetString("reason", "")

	if _, err := h.client.Reject(ctx, id, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Rejection failed: %v", err)), nil
	}
	if reason == "" {
		return mcp.NewToolResultText(fmt.Sprintf("Rejected %s. The page received a user-rejected error (4001).", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Rejected %s: %s\nThe page received a user-rejected error (4001).", id, reason)), nil
}

// HandleApproveNext approves the oldest pending request.
func (h *Handlers) HandleApproveNext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ApproveNext(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Approval failed: %v", err)), nil
	}

	resolved, empty, err := parseResolved(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if empty {
		return mcp.NewToolResultText("The pending queue is empty; nothing to approve."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Approved %s (%s).\nResult: %s",
		resolved.ID, resolved.Method, formatResult(resolved.Result))), nil
}

// HandleRejectNext rejects the oldest pending request.
func (h *Handlers) HandleRejectNext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := req.GetString("reason", "")

	raw, err := h.client.RejectNext(ctx, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Rejection failed: %v", err)), nil
	}

	resolved, empty, err := parseResolved(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if empty {
		return mcp.NewToolResultText("The pending queue is empty; nothing to reject."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Rejected %s (%s). The page received a user-rejected error (4001).",
		resolved.ID, resolved.Method)), nil
}

// HandleWaitForRequest blocks until a request arrives.
func (h *Handlers) HandleWaitForRequest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timeoutMs := int64(req.GetInt("timeout_ms", 0))

	raw, err := h.client.WaitForRequest(ctx, timeoutMs)
	if err != nil {
		if strings.Contains(err.Error(), "timeout") {
			return mcp.NewToolResultText("No request arrived before the timeout."), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Wait failed: %v", err)), nil
	}

	var resp struct {
		Request requestView `json:"request"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse request: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("A request is waiting:\n\n")
	writeRequestLine(&sb, 1, resp.Request)
	sb.WriteString("\nUse wallet_approve or wallet_reject with this ID, or wallet_pending for details.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDrain processes the pending queue until it settles empty.
func (h *Handlers) HandleDrain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := map[string]any{}
	if v := req.GetInt("timeout_ms", 0); v > 0 {
		opts["timeoutMs"] = int64(v)
	}
	if v := req.GetInt("settle_ms", 0); v > 0 {
		opts["settleMs"] = int64(v)
	}
	if v := req.GetInt("max_depth", 0); v > 0 {
		opts["maxDepth"] = int(v)
	}
	if raw := req.GetArguments()["policy"]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			opts["policy"] = m
		}
	}

	raw, err := h.client.Drain(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Drain failed: %v", err)), nil
	}

	text, err := formatDrainResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse drain result: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleWaitForIdle blocks until the pending table settles empty.
func (h *Handlers) HandleWaitForIdle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	timeoutMs := int64(req.GetInt("timeout_ms", 0))
	settleMs := int64(req.GetInt("settle_ms", 0))

	raw, err := h.client.WaitForIdle(ctx, timeoutMs, settleMs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Wait failed: %v", err)), nil
	}

	var resp struct {
		Idle         bool `json:"idle"`
		PendingCount int  `json:"pendingCount"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	if resp.Idle {
		return mcp.NewToolResultText("The wallet is idle; the pending queue settled empty."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Timed out with %d request(s) still pending. Use wallet_pending to review them.", resp.PendingCount)), nil
}

// HandleSetPolicy merges the given fields into the active policy.
func (h *Handlers) HandleSetPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	update := map[string]any{}
	if mode := req.GetString("mode", ""); mode != "" {
		update["mode"] = mode
	}
	if v, ok := req.GetArguments()["max_value_eth"].(float64); ok {
		update["maxValueEth"] = v
	}
	if raw := req.GetArguments()["fields"]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			for k, v := range m {
				update[k] = v
			}
		}
	}
	if len(update) == 0 {
		return mcp.NewToolResultError("nothing to update: pass mode, max_value_eth, or fields"), nil
	}

	raw, err := h.client.UpdatePolicy(ctx, update)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Policy update failed: %v", err)), nil
	}

	var pol policyView
	if err := json.Unmarshal(raw, &pol); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse policy: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Policy updated.\n\n")
	writePolicy(&sb, pol)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSetAutoApprove toggles the auto-approve bypass.
func (h *Handlers) HandleSetAutoApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	enabled, ok := req.GetArguments()["enabled"].(bool)
	if !ok {
		return mcp.NewToolResultError("enabled is required and must be a boolean"), nil
	}

	if _, err := h.client.SetAutoApprove(ctx, enabled); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to set auto-approve: %v", err)), nil
	}
	if enabled {
		return mcp.NewToolResultText("Auto-approve enabled: incoming requests now execute immediately, bypassing review."), nil
	}
	return mcp.NewToolResultText("Auto-approve disabled: incoming requests queue for review again."), nil
}

// HandleListAccounts lists the known accounts.
func (h *Handlers) HandleListAccounts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListAccounts(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list accounts: %v", err)), nil
	}

	var resp struct {
		Accounts []string `json:"accounts"`
		Active   string   `json:"active"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse accounts: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d account(s):\n", len(resp.Accounts))
	for i, addr := range resp.Accounts {
		marker := ""
		if strings.EqualFold(addr, resp.Active) {
			marker = "  (active)"
		}
		fmt.Fprintf(&sb, "%d. %s%s\n", i, addr, marker)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSwitchAccount changes the active signing account.
func (h *Handlers) HandleSwitchAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	privateKey := req.GetString("private_key", "")
	var index *int
	if v, ok := req.GetArguments()["index"].(float64); ok {
		i := int(v)
		index = &i
	}
	if index == nil && privateKey == "" {
		return mcp.NewToolResultError("pass index or private_key"), nil
	}

	raw, err := h.client.SwitchAccount(ctx, index, privateKey)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Switch failed: %v", err)), nil
	}

	var resp struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Active account is now %s.", resp.Address)), nil
}
