package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewWalletgateClient(Config{APIURL: ts.URL})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{
			"error":   "not_found",
			"message": "no pending request with id req_nope",
		})
	}))
	defer ts.Close()

	client := NewWalletgateClient(Config{APIURL: ts.URL})
	_, err := client.Approve(context.Background(), "req_nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "req_nope")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewWalletgateClient(Config{APIURL: ts.URL})
	_, err := client.GetContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_Reject_SendsReasonBody(t *testing.T) {
	var gotBody map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/requests/req_1/reject", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, map[string]any{"id": "req_1", "rejected": true})
	}))
	defer ts.Close()

	client := NewWalletgateClient(Config{APIURL: ts.URL})
	_, err := client.Reject(context.Background(), "req_1", "unreviewed recipient")
	require.NoError(t, err)
	assert.Equal(t, "unreviewed recipient", gotBody["reason"])
}

func TestClient_WaitForRequest_SetsTimeoutQuery(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("timeoutMs")
		writeJSON(w, map[string]any{"request": map[string]any{"id": "req_1", "method": "eth_accounts"}})
	}))
	defer ts.Close()

	client := NewWalletgateClient(Config{APIURL: ts.URL})
	_, err := client.WaitForRequest(context.Background(), 5000)
	require.NoError(t, err)
	assert.Equal(t, "5000", gotQuery)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetContext(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/context", r.URL.Path)
		writeJSON(w, map[string]any{
			"address":     "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			"chainId":     31337,
			"chainName":   "anvil",
			"balanceEth":  "1.5",
			"autoApprove": false,
			"policy": map[string]any{
				"mode":        "manual",
				"maxValueEth": 0.1,
			},
			"pendingCount": 1,
			"pending": []map[string]any{{
				"id":       "req_abc123",
				"method":   "eth_sendTransaction",
				"category": "transaction",
				"summary":  "Send 0.05 ETH to 0x7099...79C8",
				"risk":     []string{"recipient not in allowTo list"},
				"decision": map[string]any{"approve": false, "manual": true, "reason": "policy mode is manual"},
			}},
		})
	}))
	defer done()

	result, err := h.HandleGetContext(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	assert.Contains(t, text, "anvil")
	assert.Contains(t, text, "1.5 ETH")
	assert.Contains(t, text, "req_abc123")
	assert.Contains(t, text, "Send 0.05 ETH")
	assert.Contains(t, text, "recipient not in allowTo list")
	assert.Contains(t, text, "awaiting a manual decision")
}

func TestHandleListPending_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"pending": []any{}, "count": 0})
	}))
	defer done()

	result, err := h.HandleListPending(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No pending requests.", resultText(t, result))
}

func TestHandleApprove(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/requests/req_abc123/approve", r.URL.Path)
		writeJSON(w, map[string]any{"id": "req_abc123", "result": "0xdeadbeef"})
	}))
	defer done()

	result, err := h.HandleApprove(context.Background(), makeRequest(map[string]any{
		"request_id": "req_abc123",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Approved req_abc123")
	assert.Contains(t, text, "0xdeadbeef")
}

func TestHandleApprove_MissingID(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the API")
	}))
	defer done()

	result, err := h.HandleApprove(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "request_id is required")
}

func TestHandleApprove_APIError(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(w, map[string]any{"error": "execution_failed", "message": "nonce too low"})
	}))
	defer done()

	result, err := h.HandleApprove(context.Background(), makeRequest(map[string]any{
		"request_id": "req_abc123",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "nonce too low")
}

func TestHandleReject_WithReason(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/requests/req_abc123/reject", r.URL.Path)
		writeJSON(w, map[string]any{"id": "req_abc123", "rejected": true})
	}))
	defer done()

	result, err := h.HandleReject(context.Background(), makeRequest(map[string]any{
		"request_id": "req_abc123",
		"reason":     "value exceeds what this session should spend",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Rejected req_abc123")
	assert.Contains(t, text, "value exceeds")
	assert.Contains(t, text, "4001")
}

func TestHandleApproveNext_EmptyQueue(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"resolved": nil, "empty": true})
	}))
	defer done()

	result, err := h.HandleApproveNext(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "queue is empty")
}

func TestHandleApproveNext(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/requests/approve-next", r.URL.Path)
		writeJSON(w, map[string]any{"resolved": map[string]any{
			"id":     "req_1",
			"method": "eth_chainId",
			"result": "0x7a69",
		}})
	}))
	defer done()

	result, err := h.HandleApproveNext(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "req_1")
	assert.Contains(t, text, "eth_chainId")
	assert.Contains(t, text, "0x7a69")
}

func TestHandleRejectNext(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/requests/reject-next", r.URL.Path)
		writeJSON(w, map[string]any{"resolved": map[string]any{
			"id":     "req_2",
			"method": "eth_sendTransaction",
		}})
	}))
	defer done()

	result, err := h.HandleRejectNext(context.Background(), makeRequest(map[string]any{
		"reason": "not today",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Rejected req_2")
	assert.Contains(t, text, "4001")
}

func TestHandleWaitForRequest(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/requests/wait", r.URL.Path)
		writeJSON(w, map[string]any{"request": map[string]any{
			"id":     "req_waited",
			"method": "personal_sign",
		}})
	}))
	defer done()

	result, err := h.HandleWaitForRequest(context.Background(), makeRequest(map[string]any{
		"timeout_ms": float64(5000),
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "req_waited")
	assert.Contains(t, text, "personal_sign")
}

func TestHandleWaitForRequest_Timeout(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestTimeout)
		writeJSON(w, map[string]any{"error": "timeout", "message": "timeout waiting for a request"})
	}))
	defer done()

	result, err := h.HandleWaitForRequest(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No request arrived")
}

func TestHandleDrain(t *testing.T) {
	var gotOpts map[string]any
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/drain", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotOpts))
		writeJSON(w, map[string]any{
			"status": "idle",
			"approved": []map[string]any{{
				"id":     "req_1",
				"method": "eth_sendTransaction",
				"status": "approved",
				"txHash": "0xabc",
			}},
			"rejected": []map[string]any{{
				"id":     "req_2",
				"method": "eth_sendTransaction",
				"reason": "value 2 ETH exceeds cap 0.1 ETH",
			}},
			"processed": 2,
		})
	}))
	defer done()

	result, err := h.HandleDrain(context.Background(), makeRequest(map[string]any{
		"timeout_ms": float64(5000),
		"policy":     map[string]any{"mode": "auto", "maxValueEth": 0.1},
	}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "settled empty")
	assert.Contains(t, text, "req_1")
	assert.Contains(t, text, "tx 0xabc")
	assert.Contains(t, text, "req_2")
	assert.Contains(t, text, "exceeds cap")

	// The override made it through as the control API's body shape.
	pol, ok := gotOpts["policy"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "auto", pol["mode"])
	assert.Equal(t, float64(5000), gotOpts["timeoutMs"])
}

func TestHandleWaitForIdle_StillPending(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"idle": false, "pendingCount": 3})
	}))
	defer done()

	result, err := h.HandleWaitForIdle(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "3 request(s) still pending")
}

func TestHandleSetPolicy(t *testing.T) {
	var gotUpdate map[string]any
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/v1/policy", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotUpdate))
		writeJSON(w, map[string]any{
			"mode":         "auto",
			"maxValueEth":  0.5,
			"allowMethods": []string{"eth_accounts", "eth_sendTransaction"},
		})
	}))
	defer done()

	result, err := h.HandleSetPolicy(context.Background(), makeRequest(map[string]any{
		"mode":          "auto",
		"max_value_eth": float64(0.5),
		"fields":        map[string]any{"allowMethods": []string{"eth_accounts", "eth_sendTransaction"}},
	}))
	require.NoError(t, err)
	text := resultText(t, result)

	assert.Contains(t, text, "Policy updated")
	assert.Contains(t, text, "mode: auto")
	assert.Contains(t, text, "0.5 ETH")
	assert.Equal(t, "auto", gotUpdate["mode"])
	assert.Equal(t, 0.5, gotUpdate["maxValueEth"])
	assert.NotNil(t, gotUpdate["allowMethods"])
}

func TestHandleSetPolicy_NothingToUpdate(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the API")
	}))
	defer done()

	result, err := h.HandleSetPolicy(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSetAutoApprove(t *testing.T) {
	var gotBody map[string]bool
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/auto-approve", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, map[string]any{"autoApprove": true})
	}))
	defer done()

	result, err := h.HandleSetAutoApprove(context.Background(), makeRequest(map[string]any{
		"enabled": true,
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Auto-approve enabled")
	assert.True(t, gotBody["enabled"])
}

func TestHandleSetAutoApprove_MissingFlag(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the API")
	}))
	defer done()

	result, err := h.HandleSetAutoApprove(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListAccounts(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts", r.URL.Path)
		writeJSON(w, map[string]any{
			"accounts": []string{
				"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
				"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			},
			"active": "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		})
	}))
	defer done()

	result, err := h.HandleListAccounts(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 account(s)")
	assert.Contains(t, text, "(active)")
}

func TestHandleSwitchAccount_ByIndex(t *testing.T) {
	var gotBody map[string]any
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/accounts/switch", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, map[string]any{"address": "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"})
	}))
	defer done()

	result, err := h.HandleSwitchAccount(context.Background(), makeRequest(map[string]any{
		"index": float64(1),
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	assert.Equal(t, float64(1), gotBody["index"])
}

func TestHandleSwitchAccount_NoArgs(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request should reach the API")
	}))
	defer done()

	result, err := h.HandleSwitchAccount(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
