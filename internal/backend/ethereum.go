package backend

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	gethaccounts "github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/mbd888/walletgate/internal/circuitbreaker"
	"github.com/mbd888/walletgate/internal/retry"
)

const (
	// DefaultGasLimit when estimation fails for a plain transfer.
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions.
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second

	// rpcBreakerKey is the single circuit-breaker key for the node
	// connection. Every read shares the node's fate.
	rpcBreakerKey = "rpc"

	readAttempts  = 2
	readRetryBase = 50 * time.Millisecond
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Config for creating an Ethereum backend.
type Config struct {
	RPCURL      string
	PrivateKeys []string // hex, with or without 0x prefix; first is active
	ChainID     int64
}

// Option configures the backend.
type Option func(*Ethereum)

// WithClient sets a custom chain client (useful for testing).
func WithClient(client EthClient) Option {
	return func(e *Ethereum) {
		e.client = client
	}
}

type account struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// Ethereum is the go-ethereum backed SigningBackend implementation.
// Account and chain-id state is process-wide: switches take effect
// immediately for all subsequently dispatched requests.
type Ethereum struct {
	client  EthClient
	breaker *circuitbreaker.Breaker

	mu       sync.RWMutex
	accounts []account
	active   int
	chainID  *big.Int
}

// Compile-time interface check
var _ SigningBackend = (*Ethereum)(nil)

// NewEthereum creates a backend from config.
func NewEthereum(cfg Config, opts ...Option) (*Ethereum, error) {
	if len(cfg.PrivateKeys) == 0 {
		return nil, fmt.Errorf("%w: at least one private key required", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain ID required")
	}

	e := &Ethereum{
		chainID: big.NewInt(cfg.ChainID),
		breaker: circuitbreaker.New(5, 10*time.Second),
	}
	for _, hexKey := range cfg.PrivateKeys {
		acct, err := parseKey(hexKey)
		if err != nil {
			return nil, err
		}
		e.accounts = append(e.accounts, acct)
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		e.client = client
	}

	return e, nil
}

func parseKey(hexKey string) (account, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return account{}, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return account{}, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}
	return account{key: key, addr: crypto.PubkeyToAddress(*pub)}, nil
}

// readRPC runs a read-only node call through the circuit breaker with a
// bounded retry. Writes and gas estimation skip this path: their failures
// are usually about the transaction, not the node.
func (e *Ethereum) readRPC(ctx context.Context, op string, fn func() error) error {
	if !e.breaker.Allow(rpcBreakerKey) {
		return fmt.Errorf("%w: circuit open for %s", ErrRPCConnection, op)
	}
	err := retry.Do(ctx, readAttempts, readRetryBase, fn)
	if err != nil {
		e.breaker.RecordFailure(rpcBreakerKey)
		return err
	}
	e.breaker.RecordSuccess(rpcBreakerKey)
	return nil
}

func (e *Ethereum) activeAccount() account {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.accounts[e.active]
}

// Address returns the active account's address.
func (e *Ethereum) Address() string {
	return e.activeAccount().addr.Hex()
}

// Accounts lists all configured accounts.
func (e *Ethereum) Accounts() []AccountInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]AccountInfo, len(e.accounts))
	for i, a := range e.accounts {
		out[i] = AccountInfo{Index: i, Address: a.addr.Hex()}
	}
	return out
}

// SwitchAccount makes the account at index the active signer.
func (e *Ethereum) SwitchAccount(index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if index < 0 || index >= len(e.accounts) {
		return fmt.Errorf("%w: %d (have %d accounts)", ErrUnknownAccount, index, len(e.accounts))
	}
	e.active = index
	return nil
}

// SwitchKey imports a new key, appends it to the account list, and makes
// it active.
func (e *Ethereum) SwitchKey(hexKey string) error {
	acct, err := parseKey(hexKey)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, a := range e.accounts {
		if a.addr == acct.addr {
			e.active = i
			return nil
		}
	}
	e.accounts = append(e.accounts, acct)
	e.active = len(e.accounts) - 1
	return nil
}

// ChainID returns the configured chain id.
func (e *Ethereum) ChainID() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chainID.Int64()
}

// SetChainID changes the chain id used to sign subsequent transactions.
func (e *Ethereum) SetChainID(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chainID = big.NewInt(id)
}

// BalanceOf returns the native balance of addr in wei. Empty addr means
// the active account.
func (e *Ethereum) BalanceOf(ctx context.Context, addr string) (*big.Int, error) {
	target := e.activeAccount().addr
	if addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		target = common.HexToAddress(addr)
	}
	var balance *big.Int
	err := e.readRPC(ctx, "balance", func() error {
		var inner error
		balance, inner = e.client.BalanceAt(ctx, target, nil)
		return inner
	})
	if err != nil {
		return nil, &OpError{Op: "balance", Err: err}
	}
	return balance, nil
}

// SignMessage signs message with the EIP-191 personal-message prefix and
// returns the 65-byte signature, hex encoded, with the legacy v offset.
func (e *Ethereum) SignMessage(ctx context.Context, message string) (string, error) {
	acct := e.activeAccount()
	hash := gethaccounts.TextHash([]byte(message))
	sig, err := crypto.Sign(hash, acct.key)
	if err != nil {
		return "", &OpError{Op: "sign_message", Err: err}
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// SignTypedData signs an EIP-712 typed-data payload.
func (e *Ethereum) SignTypedData(ctx context.Context, typed apitypes.TypedData) (string, error) {
	acct := e.activeAccount()
	hash, _, err := apitypes.TypedDataAndHash(typed)
	if err != nil {
		return "", &OpError{Op: "typed_data_hash", Err: err}
	}
	sig, err := crypto.Sign(hash, acct.key)
	if err != nil {
		return "", &OpError{Op: "sign_typed_data", Err: err}
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// SendTransaction signs and submits a transaction built from tx, filling
// in nonce, gas price, and gas limit when the caller omitted them.
// It returns as soon as the node accepts the transaction; confirmation is
// a separate operation (WaitForTransaction).
func (e *Ethereum) SendTransaction(ctx context.Context, tx TxParams) (string, error) {
	e.mu.RLock()
	acct := e.accounts[e.active]
	chainID := new(big.Int).Set(e.chainID)
	e.mu.RUnlock()

	var to *common.Address
	if tx.To != "" {
		if !common.IsHexAddress(tx.To) {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, tx.To)
		}
		addr := common.HexToAddress(tx.To)
		to = &addr
	}

	value, err := quantityOrZero(tx.Value)
	if err != nil {
		return "", &OpError{Op: "parse_value", Err: err}
	}
	data, err := dataOrNil(tx.Data)
	if err != nil {
		return "", &OpError{Op: "parse_data", Err: err}
	}

	var nonce uint64
	if tx.Nonce != "" {
		n, err := hexutil.DecodeUint64(tx.Nonce)
		if err != nil {
			return "", &OpError{Op: "parse_nonce", Err: err}
		}
		nonce = n
	} else {
		nonce, err = e.client.PendingNonceAt(ctx, acct.addr)
		if err != nil {
			return "", &OpError{Op: "nonce", Err: err}
		}
	}

	var gasPrice *big.Int
	if tx.GasPrice != "" {
		gasPrice, err = hexutil.DecodeBig(tx.GasPrice)
		if err != nil {
			return "", &OpError{Op: "parse_gas_price", Err: err}
		}
	} else {
		gasPrice, err = e.client.SuggestGasPrice(ctx)
		if err != nil {
			return "", &OpError{Op: "gas_price", Err: err}
		}
	}

	var gasLimit uint64
	if tx.Gas != "" {
		gasLimit, err = hexutil.DecodeUint64(tx.Gas)
		if err != nil {
			return "", &OpError{Op: "parse_gas", Err: err}
		}
	} else {
		gasLimit, err = e.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  acct.addr,
			To:    to,
			Value: value,
			Data:  data,
		})
		if err != nil {
			// Use default if estimation fails
			gasLimit = DefaultGasLimit
		}
	}

	if to == nil {
		return "", fmt.Errorf("%w: contract creation not supported", ErrInvalidAddress)
	}

	raw := types.NewTransaction(nonce, *to, value, gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(raw, types.NewEIP155Signer(chainID), acct.key)
	if err != nil {
		return "", &OpError{Op: "sign", Err: err}
	}

	if err := e.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &OpError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return signedTx.Hash().Hex(), nil
}

// BlockNumber returns the latest block number.
func (e *Ethereum) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := e.readRPC(ctx, "block_number", func() error {
		var inner error
		n, inner = e.client.BlockNumber(ctx)
		return inner
	})
	if err != nil {
		return 0, &OpError{Op: "block_number", Err: err}
	}
	return n, nil
}

// GasPrice returns the suggested gas price in wei.
func (e *Ethereum) GasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := e.readRPC(ctx, "gas_price", func() error {
		var inner error
		price, inner = e.client.SuggestGasPrice(ctx)
		return inner
	})
	if err != nil {
		return nil, &OpError{Op: "gas_price", Err: err}
	}
	return price, nil
}

// EstimateGas estimates gas for tx against the current pending state.
func (e *Ethereum) EstimateGas(ctx context.Context, tx TxParams) (uint64, error) {
	acct := e.activeAccount()
	from := acct.addr
	if tx.From != "" && common.IsHexAddress(tx.From) {
		from = common.HexToAddress(tx.From)
	}
	var to *common.Address
	if tx.To != "" {
		addr := common.HexToAddress(tx.To)
		to = &addr
	}
	value, err := quantityOrZero(tx.Value)
	if err != nil {
		return 0, &OpError{Op: "parse_value", Err: err}
	}
	data, err := dataOrNil(tx.Data)
	if err != nil {
		return 0, &OpError{Op: "parse_data", Err: err}
	}
	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: to, Value: value, Data: data})
	if err != nil {
		return 0, &OpError{Op: "estimate_gas", Err: err}
	}
	return gas, nil
}

// TransactionCount returns the pending nonce for addr (active account if
// empty).
func (e *Ethereum) TransactionCount(ctx context.Context, addr string) (uint64, error) {
	target := e.activeAccount().addr
	if addr != "" {
		if !common.IsHexAddress(addr) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
		target = common.HexToAddress(addr)
	}
	var nonce uint64
	err := e.readRPC(ctx, "nonce", func() error {
		var inner error
		nonce, inner = e.client.PendingNonceAt(ctx, target)
		return inner
	})
	if err != nil {
		return 0, &OpError{Op: "nonce", Err: err}
	}
	return nonce, nil
}

// TransactionReceipt returns the receipt for txHash, or nil if the
// transaction is not yet mined.
func (e *Ethereum) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	receipt, err := e.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, &OpError{Op: "receipt", TxHash: txHash, Err: err}
	}
	return convertReceipt(txHash, receipt), nil
}

// WaitForTransaction polls until txHash is mined or timeout elapses.
// This is deliberately separate from request approval: approve only waits
// for submission, never for confirmation.
func (e *Ethereum) WaitForTransaction(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := e.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}
			if receipt.Status == 0 {
				return convertReceipt(txHash, receipt), &OpError{
					Op:     "confirm",
					TxHash: txHash,
					Err:    ErrTransactionFailed,
				}
			}
			return convertReceipt(txHash, receipt), nil
		}
	}
}

// HeadByNumber returns a minimal header view for the given block.
func (e *Ethereum) HeadByNumber(ctx context.Context, number uint64) (*Head, error) {
	var header *types.Header
	err := e.readRPC(ctx, "header", func() error {
		var inner error
		header, inner = e.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return inner
	})
	if err != nil {
		return nil, &OpError{Op: "header", Err: err}
	}
	return &Head{
		Number:    header.Number.Uint64(),
		Hash:      header.Hash().Hex(),
		Timestamp: header.Time,
	}, nil
}

// BlockTransactions returns the hashes of all transactions in a block.
func (e *Ethereum) BlockTransactions(ctx context.Context, number uint64) ([]string, error) {
	var block *types.Block
	err := e.readRPC(ctx, "block", func() error {
		var inner error
		block, inner = e.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		return inner
	})
	if err != nil {
		return nil, &OpError{Op: "block", Err: err}
	}
	txs := block.Transactions()
	hashes := make([]string, 0, len(txs))
	for _, tx := range txs {
		hashes = append(hashes, tx.Hash().Hex())
	}
	return hashes, nil
}

// FilterLogs reads logs matching q.
func (e *Ethereum) FilterLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(q.FromBlock),
		ToBlock:   new(big.Int).SetUint64(q.ToBlock),
	}
	if q.Address != "" {
		query.Addresses = []common.Address{common.HexToAddress(q.Address)}
	}
	var logs []types.Log
	err := e.readRPC(ctx, "filter_logs", func() error {
		var inner error
		logs, inner = e.client.FilterLogs(ctx, query)
		return inner
	})
	if err != nil {
		return nil, &OpError{Op: "filter_logs", Err: err}
	}
	out := make([]LogEntry, 0, len(logs))
	for _, lg := range logs {
		topics := make([]string, 0, len(lg.Topics))
		for _, t := range lg.Topics {
			topics = append(topics, t.Hex())
		}
		out = append(out, LogEntry{
			Address:     lg.Address.Hex(),
			Topics:      topics,
			Data:        hexutil.Encode(lg.Data),
			BlockNumber: hexutil.EncodeUint64(lg.BlockNumber),
			TxHash:      lg.TxHash.Hex(),
		})
	}
	return out, nil
}

// Close closes the client connection.
func (e *Ethereum) Close() error {
	if e.client != nil {
		e.client.Close()
	}
	return nil
}

func convertReceipt(txHash string, r *types.Receipt) *Receipt {
	out := &Receipt{
		TxHash:  txHash,
		Status:  r.Status,
		GasUsed: r.GasUsed,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.ContractAddress != (common.Address{}) {
		out.ContractAddress = r.ContractAddress.Hex()
	}
	return out
}

func quantityOrZero(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	return hexutil.DecodeBig(s)
}

func dataOrNil(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return nil, nil
	}
	return hexutil.Decode(s)
}
