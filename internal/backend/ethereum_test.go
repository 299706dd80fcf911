package backend

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	gethaccounts "github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known Anvil dev keys; safe to embed in tests.
const (
	testKey0 = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testKey1 = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

// mockClient records calls and returns canned responses.
type mockClient struct {
	mu         sync.Mutex
	nonce      uint64
	gasPrice   *big.Int
	gasLimit   uint64
	estimateOK bool
	balance    *big.Int
	block      uint64
	receipts   map[common.Hash]*types.Receipt
	sent       []*types.Transaction
	sendErr    error
	blockErr   error
}

func newMockClient() *mockClient {
	return &mockClient{
		nonce:      7,
		gasPrice:   big.NewInt(1_000_000_000),
		gasLimit:   21000,
		estimateOK: true,
		balance:    big.NewInt(0).Mul(big.NewInt(5), WeiPerEth),
		block:      100,
		receipts:   make(map[common.Hash]*types.Receipt),
	}
}

func (m *mockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return m.gasPrice, nil
}

func (m *mockClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if !m.estimateOK {
		return 0, errors.New("execution reverted")
	}
	return m.gasLimit, nil
}

func (m *mockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (m *mockClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return m.balance, nil
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockErr != nil {
		return 0, m.blockErr
	}
	return m.block, nil
}

func (m *mockClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).Set(number), Time: 1700000000}, nil
}

func (m *mockClient) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	return types.NewBlockWithHeader(&types.Header{Number: new(big.Int).Set(number)}), nil
}

func (m *mockClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (m *mockClient) Close() {}

func newTestBackend(t *testing.T, keys ...string) (*Ethereum, *mockClient) {
	t.Helper()
	if len(keys) == 0 {
		keys = []string{testKey0}
	}
	client := newMockClient()
	e, err := NewEthereum(Config{
		PrivateKeys: keys,
		ChainID:     31337,
	}, WithClient(client))
	require.NoError(t, err)
	return e, client
}

func TestNewEthereum_RequiresKey(t *testing.T) {
	_, err := NewEthereum(Config{ChainID: 31337}, WithClient(newMockClient()))
	assert.ErrorIs(t, err, ErrInvalidPrivateKey)
}

func TestSignMessage_Recoverable(t *testing.T) {
	e, _ := newTestBackend(t)

	sigHex, err := e.SignMessage(context.Background(), "Hello")
	require.NoError(t, err)

	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	// Undo the legacy v offset and recover the signer.
	sig[64] -= 27
	pub, err := crypto.SigToPub(gethaccounts.TextHash([]byte("Hello")), sig)
	require.NoError(t, err)
	assert.Equal(t, e.Address(), crypto.PubkeyToAddress(*pub).Hex())
}

func TestSendTransaction_FillsDefaults(t *testing.T) {
	e, client := newTestBackend(t)

	hash, err := e.SendTransaction(context.Background(), TxParams{
		To:    "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Value: "0xde0b6b3a7640000", // 1 ETH
	})
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, client.gasPrice, tx.GasPrice())
	assert.Equal(t, client.gasLimit, tx.Gas())
	assert.Equal(t, "1", FormatEth(tx.Value()))
}

func TestSendTransaction_ExplicitFields(t *testing.T) {
	e, client := newTestBackend(t)

	_, err := e.SendTransaction(context.Background(), TxParams{
		To:       "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		Nonce:    "0x2a",
		Gas:      "0x5208",
		GasPrice: "0x3b9aca00",
	})
	require.NoError(t, err)

	tx := client.sent[0]
	assert.Equal(t, uint64(42), tx.Nonce())
	assert.Equal(t, uint64(21000), tx.Gas())
}

func TestSendTransaction_EstimateFallback(t *testing.T) {
	e, client := newTestBackend(t)
	client.estimateOK = false

	_, err := e.SendTransaction(context.Background(), TxParams{
		To: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultGasLimit, client.sent[0].Gas())
}

func TestSendTransaction_BadAddress(t *testing.T) {
	e, _ := newTestBackend(t)
	_, err := e.SendTransaction(context.Background(), TxParams{To: "not-an-address"})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestSwitchAccount(t *testing.T) {
	e, _ := newTestBackend(t, testKey0, testKey1)

	accounts := e.Accounts()
	require.Len(t, accounts, 2)
	first := e.Address()

	require.NoError(t, e.SwitchAccount(1))
	assert.NotEqual(t, first, e.Address())
	assert.Equal(t, accounts[1].Address, e.Address())

	err := e.SwitchAccount(5)
	assert.ErrorIs(t, err, ErrUnknownAccount)
}

func TestSwitchKey_AppendsAndDedupes(t *testing.T) {
	e, _ := newTestBackend(t, testKey0)

	require.NoError(t, e.SwitchKey(testKey1))
	assert.Len(t, e.Accounts(), 2)

	// Switching back to an already-known key re-activates, not duplicates.
	require.NoError(t, e.SwitchKey(testKey0))
	assert.Len(t, e.Accounts(), 2)
	assert.Equal(t, e.Accounts()[0].Address, e.Address())
}

func TestSetChainID(t *testing.T) {
	e, _ := newTestBackend(t)
	assert.Equal(t, int64(31337), e.ChainID())
	e.SetChainID(1)
	assert.Equal(t, int64(1), e.ChainID())
}

func TestTransactionReceipt_NotMined(t *testing.T) {
	e, _ := newTestBackend(t)
	receipt, err := e.TransactionReceipt(context.Background(), "0x"+"11"+"22"+"00")
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestWaitForTransaction_Timeout(t *testing.T) {
	e, _ := newTestBackend(t)

	start := time.Now()
	_, err := e.WaitForTransaction(context.Background(), "0xdeadbeef", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestReadRPC_BreakerTripsAfterRepeatedFailures(t *testing.T) {
	e, client := newTestBackend(t)

	client.mu.Lock()
	client.blockErr = errors.New("connection refused")
	client.mu.Unlock()

	// Enough consecutive failures to trip the circuit.
	for i := 0; i < 5; i++ {
		_, err := e.BlockNumber(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRPCConnection)
	}

	// The node recovers, but the circuit is still open: reads fail fast
	// until the open window elapses.
	client.mu.Lock()
	client.blockErr = nil
	client.mu.Unlock()

	_, err := e.BlockNumber(context.Background())
	assert.ErrorIs(t, err, ErrRPCConnection)
}

func TestBalanceOf_Defaults(t *testing.T) {
	e, _ := newTestBackend(t)
	balance, err := e.BalanceOf(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "5", FormatEth(balance))

	_, err = e.BalanceOf(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
