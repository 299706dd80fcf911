package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the walletgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetContext = mcp.NewTool("wallet_get_context",
	mcp.WithDescription(
		"Get the wallet's current state: active address, chain, balance in ETH, "+
			"policy settings, and every pending request with its category, summary, "+
			"and risk flags. Call this first to understand what the wallet is waiting on."),
)

var ToolListPending = mcp.NewTool("wallet_pending",
	mcp.WithDescription(
		"List pending wallet requests awaiting a decision. Each entry shows the "+
			"request ID, method, a human-readable summary, risk flags, and what the "+
			"active policy would decide. Use the IDs with wallet_approve or wallet_reject."),
)

var ToolApprove = mcp.NewTool("wallet_approve",
	mcp.WithDescription(
		"Approve a pending wallet request by ID. The request executes against the "+
			"chain (signing or sending) and the result is delivered to the page that "+
			"submitted it. For transactions the result is the transaction hash."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The pending request's ID (e.g. 'req_a1b2c3d4')")),
)

var ToolReject = mcp.NewTool("wallet_reject",
	mcp.WithDescription(
		"Reject a pending wallet request by ID. The submitting page receives a "+
			"standard user-rejected error (EIP-1193 code 4001) with your reason."),
	mcp.WithString("request_id",
		mcp.Required(),
		mcp.Description("The pending request's ID (e.g. 'req_a1b2c3d4')")),
	mcp.WithString("reason",
		mcp.Description("Why the request was rejected; shown to the submitting page")),
)

var ToolApproveNext = mcp.NewTool("wallet_approve_next",
	mcp.WithDescription(
		"Approve the oldest pending wallet request without looking up its ID. "+
			"Returns the resolved request and its result, or reports an empty queue."),
)

var ToolRejectNext = mcp.NewTool("wallet_reject_next",
	mcp.WithDescription(
		"Reject the oldest pending wallet request without looking up its ID. "+
			"The submitting page receives a user-rejected error (code 4001)."),
	mcp.WithString("reason",
		mcp.Description("Why the request was rejected; shown to the submitting page")),
)

var ToolWaitForRequest = mcp.NewTool("wallet_wait_for_request",
	mcp.WithDescription(
		"Block until a wallet request arrives, or return the oldest pending one "+
			"immediately if the queue is not empty. Use this to react to a page's "+
			"next action instead of polling wallet_pending."),
	mcp.WithNumber("timeout_ms",
		mcp.Description("How long to wait in milliseconds (default 30000)")),
)

var ToolDrain = mcp.NewTool("wallet_drain",
	mcp.WithDescription(
		"Process the entire pending queue under the active policy until it settles "+
			"empty: policy-approved requests execute, denied ones are rejected with "+
			"the policy's reason. Optionally apply a one-shot policy override that is "+
			"restored afterward. Returns approved and rejected entries plus a fresh "+
			"wallet snapshot."),
	mcp.WithNumber("timeout_ms",
		mcp.Description("Overall deadline in milliseconds (default 15000)")),
	mcp.WithNumber("settle_ms",
		mcp.Description("Quiet period confirming no more arrivals (default 300)")),
	mcp.WithNumber("max_depth",
		mcp.Description("Maximum number of requests to process (default 50)")),
	mcp.WithObject("policy",
		mcp.Description("One-shot policy override, e.g. {\"mode\": \"auto\", \"maxValueEth\": 0.1, \"allowMethods\": [\"eth_sendTransaction\"]}")),
)

var ToolWaitForIdle = mcp.NewTool("wallet_wait_for_idle",
	mcp.WithDescription(
		"Block until the pending queue stays empty for a settle window, or the "+
			"timeout elapses. Use after finishing a batch of decisions to confirm "+
			"the page has no follow-up requests in flight."),
	mcp.WithNumber("timeout_ms",
		mcp.Description("How long to wait in milliseconds (default 15000)")),
	mcp.WithNumber("settle_ms",
		mcp.Description("Quiet period the queue must stay empty (default 300)")),
)

var ToolSetPolicy = mcp.NewTool("wallet_set_policy",
	mcp.WithDescription(
		"Update the wallet's approval policy. Only the fields you pass change; "+
			"the rest keep their current values. Mode 'manual' queues everything "+
			"for review, 'auto' decides by the allow/deny lists and value cap, "+
			"'deny' rejects everything."),
	mcp.WithString("mode",
		mcp.Description("Policy mode"),
		mcp.Enum("manual", "auto", "deny")),
	mcp.WithNumber("max_value_eth",
		mcp.Description("Maximum transaction value in ETH that auto mode will approve")),
	mcp.WithObject("fields",
		mcp.Description("Additional policy fields: allowMethods, denyMethods, allowTo, denyTo, chainId")),
)

var ToolSetAutoApprove = mcp.NewTool("wallet_set_auto_approve",
	mcp.WithDescription(
		"Toggle auto-approve. When enabled, incoming requests bypass the pending "+
			"queue and execute immediately without policy checks. Use with care; "+
			"prefer wallet_set_policy mode 'auto' for gated automation."),
	mcp.WithBoolean("enabled",
		mcp.Required(),
		mcp.Description("true to bypass the queue, false to restore manual review")),
)

var ToolListAccounts = mcp.NewTool("wallet_list_accounts",
	mcp.WithDescription(
		"List the wallet's known accounts and show which one is active for signing."),
)

var ToolSwitchAccount = mcp.NewTool("wallet_switch_account",
	mcp.WithDescription(
		"Switch the active signing account, either by index into the known "+
			"accounts list or by importing a raw private key."),
	mcp.WithNumber("index",
		mcp.Description("Index into the known accounts list (see wallet_list_accounts)")),
	mcp.WithString("private_key",
		mcp.Description("Hex-encoded private key to import and activate (takes precedence over index)")),
)
