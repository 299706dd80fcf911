package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/mbd888/walletgate/internal/backend"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/policy"
	"github.com/mbd888/walletgate/internal/rpcerr"
)

// handler executes one approved wallet method against the backend.
type handler func(ctx context.Context, b *Broker, params []any, n Notifier) (any, error)

// handlers is the method dispatch table. Adding a wallet method means
// adding a row here and a category in the policy package; nothing else.
var handlers = map[string]handler{
	"eth_requestAccounts":       handleAccounts,
	"eth_accounts":              handleAccounts,
	"eth_chainId":               handleChainID,
	"net_version":               handleNetVersion,
	"eth_getBalance":            handleGetBalance,
	"eth_blockNumber":           handleBlockNumber,
	"eth_gasPrice":              handleGasPrice,
	"eth_estimateGas":           handleEstimateGas,
	"eth_getTransactionCount":   handleTransactionCount,
	"eth_getTransactionReceipt": handleTransactionReceipt,
	"personal_sign":             handlePersonalSign,
	"eth_sign":                  handleEthSign,
	"eth_signTypedData":         handleSignTypedData,
	"eth_signTypedData_v4":      handleSignTypedData,
	"eth_sendTransaction":       handleSendTransaction,
	"wallet_switchEthereumChain": func(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
		return handleSwitchChain(ctx, b, params)
	},
	"wallet_addEthereumChain": func(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
		// Chain metadata is ignored; the backend talks to one node.
		return nil, nil
	},
	"eth_subscribe":   handleSubscribe,
	"eth_unsubscribe": handleUnsubscribe,
}

// metricMethod collapses page-supplied method names outside the dispatch
// table into one bucket, keeping metric label cardinality bounded no
// matter what a page submits.
func metricMethod(method string) string {
	if _, ok := handlers[method]; ok {
		return method
	}
	return "other"
}

// dispatch routes an approved request to its handler. Unknown methods
// fail with the unsupported-method provider code.
func (b *Broker) dispatch(ctx context.Context, method string, params []any, n Notifier) (any, error) {
	h, ok := handlers[method]
	if !ok {
		metrics.BackendCallsTotal.WithLabelValues("other", "unsupported").Inc()
		return nil, rpcerr.UnsupportedMethod(method)
	}
	result, err := h(ctx, b, params, n)
	if err != nil {
		metrics.BackendCallsTotal.WithLabelValues(method, "error").Inc()
		return nil, err
	}
	metrics.BackendCallsTotal.WithLabelValues(method, "ok").Inc()
	return result, nil
}

func handleAccounts(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	return []string{b.backend.Address()}, nil
}

func handleChainID(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	return hexutil.EncodeBig(big.NewInt(b.backend.ChainID())), nil
}

func handleNetVersion(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	return strconv.FormatInt(b.backend.ChainID(), 10), nil
}

// handleGetBalance returns the balance as a decimal ETH string. Wei never
// crosses the controller boundary; the conversion happens exactly here.
func handleGetBalance(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	addr := b.backend.Address()
	if len(params) > 0 {
		s, ok := params[0].(string)
		if !ok {
			return nil, rpcerr.InvalidParams("eth_getBalance: address must be a string")
		}
		addr = s
	}
	wei, err := b.backend.BalanceOf(ctx, addr)
	if err != nil {
		return nil, err
	}
	return backend.FormatEth(wei), nil
}

func handleBlockNumber(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	num, err := b.backend.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return hexutil.EncodeUint64(num), nil
}

func handleGasPrice(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	price, err := b.backend.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return hexutil.EncodeBig(price), nil
}

func handleEstimateGas(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	tx, err := txFromParams(params)
	if err != nil {
		return nil, err
	}
	gas, err := b.backend.EstimateGas(ctx, tx)
	if err != nil {
		return nil, err
	}
	return hexutil.EncodeUint64(gas), nil
}

func handleTransactionCount(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	addr := b.backend.Address()
	if len(params) > 0 {
		s, ok := params[0].(string)
		if !ok {
			return nil, rpcerr.InvalidParams("eth_getTransactionCount: address must be a string")
		}
		addr = s
	}
	count, err := b.backend.TransactionCount(ctx, addr)
	if err != nil {
		return nil, err
	}
	return hexutil.EncodeUint64(count), nil
}

func handleTransactionReceipt(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	if len(params) == 0 {
		return nil, rpcerr.InvalidParams("eth_getTransactionReceipt: missing transaction hash")
	}
	hash, ok := params[0].(string)
	if !ok {
		return nil, rpcerr.InvalidParams("eth_getTransactionReceipt: hash must be a string")
	}
	receipt, err := b.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt == nil {
		return nil, nil // not mined yet
	}
	return receipt, nil
}

// handlePersonalSign handles EIP-191 signing. The page sends
// [message, address] with the message usually hex-encoded UTF-8.
func handlePersonalSign(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	if len(params) == 0 {
		return nil, rpcerr.InvalidParams("personal_sign: missing message")
	}
	raw, ok := params[0].(string)
	if !ok {
		return nil, rpcerr.InvalidParams("personal_sign: message must be a string")
	}
	return b.backend.SignMessage(ctx, policy.DecodeMessage(raw))
}

// handleEthSign is personal_sign with the legacy [address, message]
// argument order.
func handleEthSign(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	if len(params) < 2 {
		return nil, rpcerr.InvalidParams("eth_sign: expected [address, message]")
	}
	raw, ok := params[1].(string)
	if !ok {
		return nil, rpcerr.InvalidParams("eth_sign: message must be a string")
	}
	return b.backend.SignMessage(ctx, policy.DecodeMessage(raw))
}

// handleSignTypedData handles EIP-712. The payload arrives as a JSON
// string or an already-decoded object, depending on the transport.
func handleSignTypedData(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	if len(params) < 2 {
		return nil, rpcerr.InvalidParams("eth_signTypedData: expected [address, typedData]")
	}
	var blob []byte
	switch v := params[1].(type) {
	case string:
		blob = []byte(v)
	default:
		var err error
		blob, err = json.Marshal(v)
		if err != nil {
			return nil, rpcerr.InvalidParams(fmt.Sprintf("eth_signTypedData: %v", err))
		}
	}
	var typed apitypes.TypedData
	if err := json.Unmarshal(blob, &typed); err != nil {
		return nil, rpcerr.InvalidParams(fmt.Sprintf("eth_signTypedData: %v", err))
	}
	return b.backend.SignTypedData(ctx, typed)
}

func handleSendTransaction(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	tx, err := txFromParams(params)
	if err != nil {
		return nil, err
	}
	return b.backend.SendTransaction(ctx, tx)
}

// handleSwitchChain accepts the request and updates the advertised chain
// id. The backend still talks to the same node; a mismatch between the
// advertised and actual chain surfaces as a risk flag, not an error.
func handleSwitchChain(ctx context.Context, b *Broker, params []any) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	obj, ok := params[0].(map[string]any)
	if !ok {
		return nil, rpcerr.InvalidParams("wallet_switchEthereumChain: expected {chainId}")
	}
	raw, _ := obj["chainId"].(string)
	if raw == "" {
		return nil, nil
	}
	id, err := hexutil.DecodeUint64(raw)
	if err != nil {
		return nil, rpcerr.InvalidParams(fmt.Sprintf("wallet_switchEthereumChain: bad chainId %q", raw))
	}
	b.backend.SetChainID(int64(id))
	return nil, nil
}

func handleSubscribe(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	if n == nil {
		return nil, rpcerr.UnsupportedMethod("eth_subscribe (transport cannot push notifications)")
	}
	if len(params) == 0 {
		return nil, rpcerr.InvalidParams("eth_subscribe: missing subscription kind")
	}
	kind, ok := params[0].(string)
	if !ok {
		return nil, rpcerr.InvalidParams("eth_subscribe: kind must be a string")
	}
	return b.subs.Subscribe(ctx, kind, params[1:], n)
}

func handleUnsubscribe(ctx context.Context, b *Broker, params []any, n Notifier) (any, error) {
	if len(params) == 0 {
		return nil, rpcerr.InvalidParams("eth_unsubscribe: missing subscription id")
	}
	id, ok := params[0].(string)
	if !ok {
		return nil, rpcerr.InvalidParams("eth_unsubscribe: id must be a string")
	}
	return b.subs.Unsubscribe(id), nil
}

// txFromParams decodes the single transaction-object argument used by
// eth_sendTransaction and eth_estimateGas.
func txFromParams(params []any) (backend.TxParams, error) {
	if len(params) == 0 {
		return backend.TxParams{}, rpcerr.InvalidParams("missing transaction object")
	}
	blob, err := json.Marshal(params[0])
	if err != nil {
		return backend.TxParams{}, rpcerr.InvalidParams(fmt.Sprintf("bad transaction object: %v", err))
	}
	var tx backend.TxParams
	if err := json.Unmarshal(blob, &tx); err != nil {
		return backend.TxParams{}, rpcerr.InvalidParams(fmt.Sprintf("bad transaction object: %v", err))
	}
	return tx, nil
}
