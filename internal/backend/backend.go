// Package backend performs the actual cryptographic and chain operations
// behind the request broker: message and typed-data signing, transaction
// submission, and chain-state reads.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Errors
var (
	ErrInvalidPrivateKey = errors.New("backend: invalid private key")
	ErrInvalidAddress    = errors.New("backend: invalid address")
	ErrUnknownAccount    = errors.New("backend: unknown account index")
	ErrTransactionFailed = errors.New("backend: transaction failed")
	ErrTimeout           = errors.New("backend: operation timed out")
	ErrRPCConnection     = errors.New("backend: RPC connection failed")
)

// OpError wraps backend failures with the operation that failed.
type OpError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *OpError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("backend: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("backend: %s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// TxParams is the wire shape of an eth_sendTransaction params[0] object.
// All quantities are lowercase 0x-prefixed hex strings.
type TxParams struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Value    string `json:"value,omitempty"`
	Data     string `json:"data,omitempty"`
	Gas      string `json:"gas,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
	Nonce    string `json:"nonce,omitempty"`
}

// Receipt is the subset of a transaction receipt exposed to controllers.
type Receipt struct {
	TxHash          string `json:"transactionHash"`
	Status          uint64 `json:"status"`
	BlockNumber     uint64 `json:"blockNumber"`
	GasUsed         uint64 `json:"gasUsed"`
	ContractAddress string `json:"contractAddress,omitempty"`
}

// AccountInfo identifies one configured signing account.
type AccountInfo struct {
	Index   int    `json:"index"`
	Address string `json:"address"`
}

// Head is a minimal block header view used for newHeads subscriptions.
type Head struct {
	Number    uint64 `json:"number"`
	Hash      string `json:"hash"`
	Timestamp uint64 `json:"timestamp"`
}

// LogQuery filters log reads for logs subscriptions.
type LogQuery struct {
	FromBlock uint64
	ToBlock   uint64
	Address   string // optional contract filter
}

// LogEntry is one emitted log, already hex-encoded for the wire.
type LogEntry struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber string   `json:"blockNumber"`
	TxHash      string   `json:"transactionHash"`
}

// Signer performs cryptographic operations with the active account.
type Signer interface {
	Address() string
	SignMessage(ctx context.Context, message string) (string, error)
	SignTypedData(ctx context.Context, typed apitypes.TypedData) (string, error)
	SendTransaction(ctx context.Context, tx TxParams) (string, error)
}

// ChainReader reads chain state.
type ChainReader interface {
	BalanceOf(ctx context.Context, addr string) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, tx TxParams) (uint64, error)
	TransactionCount(ctx context.Context, addr string) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)
	HeadByNumber(ctx context.Context, number uint64) (*Head, error)
	BlockTransactions(ctx context.Context, number uint64) ([]string, error)
	FilterLogs(ctx context.Context, q LogQuery) ([]LogEntry, error)
}

// AccountManager switches between configured signing accounts. Switches
// take effect immediately and affect subsequently dispatched requests only.
type AccountManager interface {
	Accounts() []AccountInfo
	SwitchAccount(index int) error
	SwitchKey(hexKey string) error
	ChainID() int64
	SetChainID(id int64)
}

// SigningBackend combines everything the broker dispatches against.
type SigningBackend interface {
	Signer
	ChainReader
	AccountManager
	WaitForTransaction(ctx context.Context, txHash string, timeout time.Duration) (*Receipt, error)
	Close() error
}
