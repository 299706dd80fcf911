package providersock

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletgate/internal/backend"
	"github.com/mbd888/walletgate/internal/broker"
	"github.com/mbd888/walletgate/internal/rpcerr"
)

// stubBackend is the minimal SigningBackend a provider socket test needs.
type stubBackend struct {
	blockNum atomic.Uint64
}

func (s *stubBackend) Address() string { return "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266" }

func (s *stubBackend) SignMessage(ctx context.Context, message string) (string, error) {
	return "0xsigned", nil
}

func (s *stubBackend) SignTypedData(ctx context.Context, typed apitypes.TypedData) (string, error) {
	return "0xtyped", nil
}

func (s *stubBackend) SendTransaction(ctx context.Context, tx backend.TxParams) (string, error) {
	return "0xtxhash", nil
}

func (s *stubBackend) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return s.blockNum.Load(), nil
}

func (s *stubBackend) GasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (s *stubBackend) EstimateGas(ctx context.Context, tx backend.TxParams) (uint64, error) {
	return 21000, nil
}

func (s *stubBackend) TransactionCount(ctx context.Context, addr string) (uint64, error) {
	return 0, nil
}

func (s *stubBackend) TransactionReceipt(ctx context.Context, txHash string) (*backend.Receipt, error) {
	return nil, nil
}

func (s *stubBackend) HeadByNumber(ctx context.Context, number uint64) (*backend.Head, error) {
	return &backend.Head{Number: number, Hash: fmt.Sprintf("0xhead%d", number)}, nil
}

func (s *stubBackend) BlockTransactions(ctx context.Context, number uint64) ([]string, error) {
	return nil, nil
}

func (s *stubBackend) FilterLogs(ctx context.Context, q backend.LogQuery) ([]backend.LogEntry, error) {
	return nil, nil
}

func (s *stubBackend) Accounts() []backend.AccountInfo {
	return []backend.AccountInfo{{Index: 0, Address: s.Address()}}
}

func (s *stubBackend) SwitchAccount(index int) error { return nil }
func (s *stubBackend) SwitchKey(hexKey string) error { return nil }
func (s *stubBackend) ChainID() int64                { return 31337 }
func (s *stubBackend) SetChainID(id int64)           {}

func (s *stubBackend) WaitForTransaction(ctx context.Context, txHash string, timeout time.Duration) (*backend.Receipt, error) {
	return nil, nil
}

func (s *stubBackend) Close() error { return nil }

var _ backend.SigningBackend = (*stubBackend)(nil)

func dialTestSocket(t *testing.T, b *broker.Broker) *websocket.Conn {
	t.Helper()
	h := NewHandler(b, slog.Default())
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(message, &frame))
	return frame
}

func TestRequestResponse(t *testing.T) {
	b := broker.New(&stubBackend{}, broker.WithAutoApprove(true))
	defer b.Close(context.Background())
	conn := dialTestSocket(t, b)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "eth_chainId", "params": []any{},
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "2.0", frame["jsonrpc"])
	assert.Equal(t, float64(1), frame["id"])
	assert.Equal(t, "0x7a69", frame["result"])
	assert.NotContains(t, frame, "error")
}

func TestUnsupportedMethodError(t *testing.T) {
	b := broker.New(&stubBackend{}, broker.WithAutoApprove(true))
	defer b.Close(context.Background())
	conn := dialTestSocket(t, b)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": "abc", "method": "eth_coinbase",
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "abc", frame["id"])
	rpcError, ok := frame["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(rpcerr.CodeUnsupportedMethod), rpcError["code"])
}

func TestRejectionReachesPage(t *testing.T) {
	b := broker.New(&stubBackend{})
	defer b.Close(context.Background())
	conn := dialTestSocket(t, b)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": 7, "method": "eth_sendTransaction",
		"params": []any{map[string]any{"to": "0x01"}},
	}))

	// The request is now pending; reject it from the control side.
	view, err := b.WaitForRequest(context.Background(), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Reject(context.Background(), view.ID, "not today"))

	frame := readFrame(t, conn)
	rpcError, ok := frame["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(rpcerr.CodeUserRejected), rpcError["code"])
	assert.Equal(t, "not today", rpcError["message"])
}

func TestParseError(t *testing.T) {
	b := broker.New(&stubBackend{}, broker.WithAutoApprove(true))
	defer b.Close(context.Background())
	conn := dialTestSocket(t, b)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	frame := readFrame(t, conn)
	rpcError, ok := frame["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(-32700), rpcError["code"])
}

func TestSubscriptionPush(t *testing.T) {
	be := &stubBackend{}
	b := broker.New(be, broker.WithAutoApprove(true))
	defer b.Close(context.Background())
	b.Subscriptions().SetPollInterval(5 * time.Millisecond)
	conn := dialTestSocket(t, b)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "eth_subscribe", "params": []any{"newHeads"},
	}))
	reply := readFrame(t, conn)
	subID, ok := reply["result"].(string)
	require.True(t, ok)

	be.blockNum.Add(1)

	frame := readFrame(t, conn)
	assert.Equal(t, "eth_subscription", frame["method"])
	params, ok := frame["params"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, subID, params["subscription"])
	result, ok := params["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0x1", result["number"])
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	be := &stubBackend{}
	b := broker.New(be, broker.WithAutoApprove(true))
	defer b.Close(context.Background())
	conn := dialTestSocket(t, b)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "eth_subscribe", "params": []any{"newHeads"},
	}))
	readFrame(t, conn)
	require.Equal(t, 1, b.Subscriptions().Count())

	require.NoError(t, conn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscriptions().Count() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriptions not dropped after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
