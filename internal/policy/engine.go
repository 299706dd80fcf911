package policy

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/walletgate/internal/backend"
)

// Category groups wallet methods by what approving them exposes.
type Category string

const (
	CategoryConnect     Category = "connect"
	CategoryRead        Category = "read"
	CategorySign        Category = "sign"
	CategoryTransaction Category = "transaction"
	CategoryChain       Category = "chain"
	CategoryUnknown     Category = "unknown"
)

var methodCategories = map[string]Category{
	"eth_requestAccounts": CategoryConnect,
	"eth_accounts":        CategoryConnect,

	"eth_chainId":               CategoryRead,
	"net_version":               CategoryRead,
	"eth_getBalance":            CategoryRead,
	"eth_blockNumber":           CategoryRead,
	"eth_gasPrice":              CategoryRead,
	"eth_estimateGas":           CategoryRead,
	"eth_getTransactionCount":   CategoryRead,
	"eth_getTransactionReceipt": CategoryRead,

	"personal_sign":        CategorySign,
	"eth_sign":             CategorySign,
	"eth_signTypedData":    CategorySign,
	"eth_signTypedData_v4": CategorySign,

	"eth_sendTransaction": CategoryTransaction,

	"wallet_switchEthereumChain": CategoryChain,
	"wallet_addEthereumChain":    CategoryChain,
	"eth_subscribe":              CategoryChain,
	"eth_unsubscribe":            CategoryChain,
}

// Categorize maps a wallet method to its category; unmatched methods are
// CategoryUnknown.
func Categorize(method string) Category {
	if c, ok := methodCategories[method]; ok {
		return c
	}
	return CategoryUnknown
}

// Risk flags attached to an enhanced request view.
const (
	RiskHighValue       = "high_value"
	RiskUnknownContract = "unknown_contract"
	RiskDataPresent     = "data_present"
	RiskChainMismatch   = "chain_mismatch"
)

// knownSelectors maps 4-byte function selectors to human-readable names.
// Best-effort and inherently incomplete: unknown selectors mean "data
// present, name unknown", never an error.
var knownSelectors = map[string]string{
	"0xa9059cbb": "transfer",
	"0x095ea7b3": "approve",
	"0x23b872dd": "transferFrom",
	"0x40c10f19": "mint",
	"0x42842e0e": "safeTransferFrom",
	"0xa22cb465": "setApprovalForAll",
	"0xd0e30db0": "deposit",
	"0x2e1a7d4d": "withdraw",
	"0x38ed1739": "swapExactTokensForTokens",
	"0x7ff36ab5": "swapExactETHForTokens",
	"0x70a08231": "balanceOf",
}

// DecodedTx is the best-effort decoded view of an eth_sendTransaction
// request.
type DecodedTx struct {
	To       string  `json:"to"`
	ValueWei string  `json:"valueWei"` // lowercase 0x hex
	ValueEth float64 `json:"valueEth"`
	HasData  bool    `json:"hasData"`
	Function string  `json:"function,omitempty"` // decoded selector name, if known
}

// DecodeTransaction extracts the transaction object from params. Returns
// nil if params carry no transaction object.
func DecodeTransaction(params []any) *DecodedTx {
	obj, ok := txObject(params)
	if !ok {
		return nil
	}

	d := &DecodedTx{ValueWei: "0x0"}
	if to, ok := obj["to"].(string); ok {
		d.To = strings.ToLower(to)
	}
	if value, ok := obj["value"].(string); ok && value != "" {
		if wei, err := hexutil.DecodeBig(value); err == nil {
			d.ValueWei = hexutil.EncodeBig(wei)
			d.ValueEth = backend.WeiToEthFloat(wei)
		}
	}
	if data, ok := obj["data"].(string); ok && data != "" && data != "0x" {
		d.HasData = true
		if len(data) >= 10 {
			d.Function = knownSelectors[strings.ToLower(data[:10])]
		}
	}
	return d
}

func txObject(params []any) (map[string]any, bool) {
	if len(params) == 0 {
		return nil, false
	}
	obj, ok := params[0].(map[string]any)
	return obj, ok
}

// Summarize produces a short human description of a request.
func Summarize(method string, params []any) string {
	switch Categorize(method) {
	case CategoryConnect:
		return "Connect wallet (share account address)"

	case CategoryRead:
		return fmt.Sprintf("Read chain state (%s)", method)

	case CategorySign:
		if method == "personal_sign" || method == "eth_sign" {
			return fmt.Sprintf("Sign message: %q", truncate(signMessage(method, params), 50))
		}
		return "Sign typed data (EIP-712)"

	case CategoryTransaction:
		d := DecodeTransaction(params)
		if d == nil {
			return "Send transaction"
		}
		var parts []string
		if d.ValueEth > 0 {
			parts = append(parts, fmt.Sprintf("Send %s ETH", trimFloat(d.ValueEth)))
		} else {
			parts = append(parts, "Send transaction")
		}
		if d.To != "" {
			parts = append(parts, "to "+truncateAddress(d.To))
		}
		if d.Function != "" {
			parts = append(parts, fmt.Sprintf("calling %s()", d.Function))
		} else if d.HasData {
			parts = append(parts, "with data")
		}
		return strings.Join(parts, " ")

	case CategoryChain:
		switch method {
		case "eth_subscribe":
			return "Subscribe to chain events"
		case "eth_unsubscribe":
			return "Cancel a chain event subscription"
		}
		return "Switch or add chain"

	default:
		return fmt.Sprintf("Unknown method %s", method)
	}
}

// signMessage extracts the human-readable message from sign params.
// personal_sign is [message, address]; eth_sign is [address, message].
func signMessage(method string, params []any) string {
	idx := 0
	if method == "eth_sign" {
		idx = 1
	}
	if len(params) <= idx {
		return ""
	}
	raw, ok := params[idx].(string)
	if !ok {
		return ""
	}
	return DecodeMessage(raw)
}

// DecodeMessage converts a hex-encoded message to UTF-8 when it decodes
// cleanly, otherwise returns the input unchanged.
func DecodeMessage(raw string) string {
	if !strings.HasPrefix(raw, "0x") {
		return raw
	}
	b, err := hex.DecodeString(raw[2:])
	if err != nil {
		return raw
	}
	return string(b)
}

// RiskOptions configures risk analysis.
type RiskOptions struct {
	MaxValueEth     float64
	KnownContracts  []string // allowlist of recipients considered known; empty disables the check
	ExpectedChainID int64    // policy's expected chain; 0 disables the check
	ActualChainID   int64
}

// AnalyzeRisks flags the risky aspects of a request. The flags enrich the
// controller's view; they never block anything by themselves.
func AnalyzeRisks(method string, params []any, opts RiskOptions) []string {
	var risks []string

	if opts.ExpectedChainID != 0 && opts.ActualChainID != 0 && opts.ExpectedChainID != opts.ActualChainID {
		risks = append(risks, RiskChainMismatch)
	}

	if Categorize(method) != CategoryTransaction {
		return risks
	}
	d := DecodeTransaction(params)
	if d == nil {
		return risks
	}

	if opts.MaxValueEth > 0 && d.ValueEth > opts.MaxValueEth {
		risks = append(risks, RiskHighValue)
	}
	if len(opts.KnownContracts) > 0 && d.To != "" && !containsAddress(opts.KnownContracts, d.To) {
		risks = append(risks, RiskUnknownContract)
	}
	if d.HasData {
		risks = append(risks, RiskDataPresent)
	}
	return risks
}

// Decision is the outcome of an auto-approve evaluation.
type Decision struct {
	Approve bool   `json:"approve"`
	Manual  bool   `json:"manual,omitempty"` // awaits an explicit controller decision
	Reason  string `json:"reason,omitempty"` // set when denied or manual
}

// Decide evaluates the automatic disposition of a request under pol. The
// outcome is three-valued: approve, deny with a reason, or manual. A
// manual disposition means the request must wait for an explicit
// controller decision; no automated path may resolve it.
//
// Order matters: deny lists beat allow lists; transactions above the
// value ceiling are denied even when otherwise allow-listed; and anything
// not explicitly approved by a rule is denied.
func Decide(method string, params []any, pol Policy) Decision {
	switch pol.Mode {
	case ModeDeny:
		return Decision{Reason: "policy mode is deny"}
	case ModeAuto:
	default:
		return Decision{Manual: true, Reason: "policy mode is manual"}
	}

	if containsFold(pol.DenyMethods, method) {
		return Decision{Reason: fmt.Sprintf("method %s is deny-listed", method)}
	}

	if Categorize(method) == CategoryTransaction {
		return decideTransaction(method, params, pol)
	}

	if containsFold(pol.AllowMethods, method) {
		return Decision{Approve: true}
	}
	return Decision{Reason: fmt.Sprintf("method %s not in allow list", method)}
}

func decideTransaction(method string, params []any, pol Policy) Decision {
	d := DecodeTransaction(params)
	if d == nil {
		return Decision{Reason: "transaction has no parameters"}
	}

	if d.To != "" && containsAddress(pol.DenyTo, d.To) {
		return Decision{Reason: fmt.Sprintf("recipient %s is deny-listed", truncateAddress(d.To))}
	}

	if d.ValueEth > pol.MaxValueEth {
		return Decision{Reason: fmt.Sprintf(
			"value %s ETH exceeds auto-approve cap of %s ETH",
			trimFloat(d.ValueEth), trimFloat(pol.MaxValueEth))}
	}

	if containsFold(pol.AllowMethods, method) {
		return Decision{Approve: true}
	}
	if d.To != "" && containsAddress(pol.AllowTo, d.To) {
		return Decision{Approve: true}
	}
	return Decision{Reason: "transaction recipient not in allow list"}
}

// chainNames is a best-effort id-to-name table for display.
var chainNames = map[int64]string{
	1:        "mainnet",
	10:       "optimism",
	137:      "polygon",
	8453:     "base",
	42161:    "arbitrum",
	11155111: "sepolia",
	84532:    "base-sepolia",
	31337:    "anvil",
}

// ChainName returns a human chain name, falling back to "chain-<id>".
func ChainName(id int64) string {
	if name, ok := chainNames[id]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", id)
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

func containsAddress(list []string, addr string) bool {
	return containsFold(list, addr)
}

func truncateAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + "…" + addr[len(addr)-4:]
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.6f", f)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}
