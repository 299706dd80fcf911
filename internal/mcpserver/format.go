package mcpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Views over the control API's JSON shapes. Only the fields the text
// formatting needs are decoded; everything else passes through untouched.

type requestView struct {
	ID       string   `json:"id"`
	Method   string   `json:"method"`
	AgeMs    int64    `json:"ageMs"`
	Category string   `json:"category"`
	Summary  string   `json:"summary"`
	Risk     []string `json:"risk"`
	Decision *struct {
		Approve bool   `json:"approve"`
		Manual  bool   `json:"manual"`
		Reason  string `json:"reason"`
	} `json:"decision"`
}

type policyView struct {
	Mode         string   `json:"mode"`
	AllowMethods []string `json:"allowMethods"`
	DenyMethods  []string `json:"denyMethods"`
	MaxValueEth  float64  `json:"maxValueEth"`
	AllowTo      []string `json:"allowTo"`
	DenyTo       []string `json:"denyTo"`
	ChainID      int64    `json:"chainId"`
}

type resolvedView struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Result any    `json:"result"`
}

func parseResolved(raw json.RawMessage) (*resolvedView, bool, error) {
	var resp struct {
		Resolved *resolvedView `json:"resolved"`
		Empty    bool          `json:"empty"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, err
	}
	if resp.Empty || resp.Resolved == nil {
		return nil, true, nil
	}
	return resp.Resolved, false, nil
}

func formatContext(raw json.RawMessage) (string, error) {
	var snap struct {
		Address      string        `json:"address"`
		ChainID      int64         `json:"chainId"`
		ChainName    string        `json:"chainName"`
		BalanceEth   string        `json:"balanceEth"`
		AutoApprove  bool          `json:"autoApprove"`
		Policy       policyView    `json:"policy"`
		PendingCount int           `json:"pendingCount"`
		Pending      []requestView `json:"pending"`
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Wallet: %s\n", snap.Address)
	fmt.Fprintf(&sb, "Chain: %s (id %d)\n", snap.ChainName, snap.ChainID)
	if snap.BalanceEth != "" {
		fmt.Fprintf(&sb, "Balance: %s ETH\n", snap.BalanceEth)
	}
	fmt.Fprintf(&sb, "Auto-approve: %v\n\n", snap.AutoApprove)

	writePolicy(&sb, snap.Policy)

	if snap.PendingCount == 0 {
		sb.WriteString("\nNo pending requests.")
		return sb.String(), nil
	}

	fmt.Fprintf(&sb, "\n%d pending request(s):\n\n", snap.PendingCount)
	for i, r := range snap.Pending {
		writeRequestLine(&sb, i+1, r)
	}
	return sb.String(), nil
}

func formatPending(raw json.RawMessage) (string, error) {
	var resp struct {
		Pending []requestView `json:"pending"`
		Count   int           `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Count == 0 {
		return "No pending requests.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d pending request(s):\n\n", resp.Count)
	for i, r := range resp.Pending {
		writeRequestLine(&sb, i+1, r)
	}
	sb.WriteString("\nUse wallet_approve or wallet_reject with a request ID.")
	return sb.String(), nil
}

func writeRequestLine(sb *strings.Builder, n int, r requestView) {
	fmt.Fprintf(sb, "%d. %s  [%s]\n", n, r.ID, r.Method)
	if r.Summary != "" {
		fmt.Fprintf(sb, "   %s\n", r.Summary)
	}
	if r.Category != "" || r.AgeMs > 0 {
		fmt.Fprintf(sb, "   Category: %s | Age: %dms\n", r.Category, r.AgeMs)
	}
	if len(r.Risk) > 0 {
		fmt.Fprintf(sb, "   Risk: %s\n", strings.Join(r.Risk, "; "))
	}
	if r.Decision != nil {
		switch {
		case r.Decision.Approve:
			fmt.Fprintf(sb, "   Policy would approve: %s\n", r.Decision.Reason)
		case r.Decision.Manual:
			fmt.Fprintf(sb, "   Policy: awaiting a manual decision\n")
		default:
			fmt.Fprintf(sb, "   Policy would deny: %s\n", r.Decision.Reason)
		}
	}
}

func writePolicy(sb *strings.Builder, p policyView) {
	fmt.Fprintf(sb, "Policy mode: %s\n", p.Mode)
	fmt.Fprintf(sb, "Max value: %g ETH\n", p.MaxValueEth)
	if len(p.AllowMethods) > 0 {
		fmt.Fprintf(sb, "Allowed methods: %s\n", strings.Join(p.AllowMethods, ", "))
	}
	if len(p.DenyMethods) > 0 {
		fmt.Fprintf(sb, "Denied methods: %s\n", strings.Join(p.DenyMethods, ", "))
	}
	if len(p.AllowTo) > 0 {
		fmt.Fprintf(sb, "Allowed recipients: %s\n", strings.Join(p.AllowTo, ", "))
	}
	if len(p.DenyTo) > 0 {
		fmt.Fprintf(sb, "Denied recipients: %s\n", strings.Join(p.DenyTo, ", "))
	}
	if p.ChainID != 0 {
		fmt.Fprintf(sb, "Expected chain: %d\n", p.ChainID)
	}
}

func formatDrainResult(raw json.RawMessage) (string, error) {
	var result struct {
		Status   string `json:"status"`
		Approved []struct {
			ID     string `json:"id"`
			Method string `json:"method"`
			Status string `json:"status"`
			TxHash string `json:"txHash"`
			Reason string `json:"reason"`
		} `json:"approved"`
		Rejected []struct {
			ID     string `json:"id"`
			Method string `json:"method"`
			Reason string `json:"reason"`
		} `json:"rejected"`
		Processed int `json:"processed"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", err
	}

	var sb strings.Builder
	switch result.Status {
	case "idle":
		fmt.Fprintf(&sb, "Drain complete: queue settled empty after %d request(s).\n", result.Processed)
	case "timeout":
		fmt.Fprintf(&sb, "Drain timed out after %d request(s); more may still be pending.\n", result.Processed)
	case "maxDepth":
		fmt.Fprintf(&sb, "Drain stopped at the depth cap after %d request(s).\n", result.Processed)
	default:
		fmt.Fprintf(&sb, "Drain finished (%s) after %d request(s).\n", result.Status, result.Processed)
	}

	if len(result.Approved) > 0 {
		fmt.Fprintf(&sb, "\nApproved (%d):\n", len(result.Approved))
		for _, e := range result.Approved {
			fmt.Fprintf(&sb, "- %s  [%s]", e.ID, e.Method)
			if e.TxHash != "" {
				fmt.Fprintf(&sb, "  tx %s", e.TxHash)
			}
			if e.Status == "approved_failed" {
				fmt.Fprintf(&sb, "  EXECUTION FAILED: %s", e.Reason)
			}
			sb.WriteString("\n")
		}
	}
	if len(result.Rejected) > 0 {
		fmt.Fprintf(&sb, "\nRejected (%d):\n", len(result.Rejected))
		for _, e := range result.Rejected {
			fmt.Fprintf(&sb, "- %s  [%s]  %s\n", e.ID, e.Method, e.Reason)
		}
	}
	if len(result.Approved) == 0 && len(result.Rejected) == 0 {
		sb.WriteString("\nNothing was pending.")
	}
	return sb.String(), nil
}

func formatResult(result any) string {
	if result == nil {
		return "null"
	}
	if s, ok := result.(string); ok {
		return s
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return string(data)
	}
	return pretty.String()
}
