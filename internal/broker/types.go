// Package broker owns the pending-request table at the heart of walletgate:
// inbound wallet requests are held here until a controller (or the policy
// engine) approves or rejects them, at which point the original caller's
// suspended submit call is settled with the outcome.
package broker

import (
	"errors"
	"time"

	"github.com/mbd888/walletgate/internal/policy"
)

// Errors
var (
	ErrNotFound = errors.New("broker: request not found")
	ErrTimeout  = errors.New("broker: wait timed out")
	ErrClosed   = errors.New("broker: broker is closed")
)

// outcome is the two-outcome continuation the original submitter is
// suspended on. Exactly one of result/err is delivered, exactly once.
type outcome struct {
	result any
	err    error
}

// pendingRequest is one inbound wallet call awaiting resolution. The
// struct is immutable after insertion; only the done channel carries
// state out.
type pendingRequest struct {
	id          string
	method      string
	params      []any
	submittedAt time.Time
	notifier    Notifier     // push channel for eth_subscribe, nil otherwise
	done        chan outcome // buffered 1; the remover is the only sender
}

// View is the serialized projection of a pending request handed to
// controllers and waiters.
type View struct {
	ID          string `json:"id"`
	Method      string `json:"method"`
	Params      []any  `json:"params"`
	SubmittedAt int64  `json:"submittedAt"` // ms since epoch
	AgeMs       int64  `json:"ageMs"`
}

// Enhanced is the read-only enriched projection for observation.
type Enhanced struct {
	View
	Category string            `json:"category"`
	Summary  string            `json:"summary"`
	Risk     []string          `json:"risk,omitempty"`
	Decoded  *policy.DecodedTx `json:"decoded,omitempty"`
	Decision *policy.Decision  `json:"decision,omitempty"` // what the current policy would do
}

// Resolved reports the outcome of a FIFO convenience helper.
type Resolved struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Result any    `json:"result,omitempty"`
}

// Drain status values.
const (
	DrainStatusIdle     = "idle"
	DrainStatusTimeout  = "timeout"
	DrainStatusMaxDepth = "maxDepth"
)

// DrainEntry status values. Policy denial and approved-but-failed
// execution are deliberately distinguishable: callers likely want to
// retry one and not the other.
const (
	EntryApproved       = "approved"
	EntryApprovedFailed = "approved_failed"
	EntryDenied         = "denied"
)

// DrainOptions bounds one drain call.
type DrainOptions struct {
	TimeoutMs int64          `json:"timeoutMs,omitempty"` // overall deadline, default 15000
	SettleMs  int64          `json:"settleMs,omitempty"`  // quiet period confirming no more arrivals, default 300
	MaxDepth  int            `json:"maxDepth,omitempty"`  // cap on requests processed, default 50
	Policy    *policy.Update `json:"policy,omitempty"`    // one-shot override, restored afterward
}

// Drain defaults.
const (
	DefaultDrainTimeout = 15 * time.Second
	DefaultDrainSettle  = 300 * time.Millisecond
	DefaultDrainDepth   = 50
)

// DrainEntry records one request processed during a drain.
type DrainEntry struct {
	ID       string `json:"id"`
	Method   string `json:"method"`
	Category string `json:"category"`
	Status   string `json:"status"`
	Result   any    `json:"result,omitempty"`
	TxHash   string `json:"txHash,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DrainResult is the bounded, observable outcome of a drain call.
type DrainResult struct {
	Status    string       `json:"status"` // idle | timeout | maxDepth
	Approved  []DrainEntry `json:"approved"`
	Rejected  []DrainEntry `json:"rejected"`
	Processed int          `json:"processed"`
	Context   *Snapshot    `json:"context,omitempty"`
}

// Snapshot is the single-call broker state projection, so a controller
// makes one call instead of five to understand where things stand.
type Snapshot struct {
	Address      string        `json:"address"`
	ChainID      int64         `json:"chainId"`
	ChainName    string        `json:"chainName"`
	BalanceEth   string        `json:"balanceEth,omitempty"`
	AutoApprove  bool          `json:"autoApprove"`
	Policy       policy.Policy `json:"policy"`
	PendingCount int           `json:"pendingCount"`
	Pending      []Enhanced    `json:"pending"`
}
