package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/walletgate/internal/backend"
	"github.com/mbd888/walletgate/internal/idgen"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/policy"
	"github.com/mbd888/walletgate/internal/rpcerr"
	"github.com/mbd888/walletgate/internal/traces"
)

// waiter is one caller blocked in WaitForRequest. The channel is buffered
// so the notifying submit never blocks; cancelled waiters are skipped.
type waiter struct {
	ch        chan *View
	cancelled bool
}

// Broker owns the pending-request table, the policy, and the subscription
// set. All table mutations are serialized behind one mutex: FIFO ordering
// and exactly-once resolution are correctness invariants here, not
// performance conveniences.
type Broker struct {
	backend backend.SigningBackend
	subs    *SubscriptionManager
	logger  *slog.Logger

	mu          sync.Mutex
	pending     map[string]*pendingRequest
	order       []*pendingRequest // insertion order; oldest first
	waiters     []*waiter
	pol         policy.Policy
	polVersion  uint64 // bumped on every policy write
	autoApprove bool
	closed      bool
}

// Option configures the broker.
type Option func(*Broker)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// WithPolicy sets the starting policy.
func WithPolicy(pol policy.Policy) Option {
	return func(b *Broker) {
		b.pol = pol
	}
}

// WithAutoApprove starts the broker with the global auto-approve
// override enabled.
func WithAutoApprove(enabled bool) Option {
	return func(b *Broker) {
		b.autoApprove = enabled
	}
}

// New creates a broker executing approved requests against be.
func New(be backend.SigningBackend, opts ...Option) *Broker {
	b := &Broker{
		backend: be,
		pending: make(map[string]*pendingRequest),
		pol:     policy.Default(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.subs = NewSubscriptionManager(be, b.logger)
	return b
}

// Backend exposes the signing backend for pass-through control operations
// (wait-for-transaction, account switches).
func (b *Broker) Backend() backend.SigningBackend { return b.backend }

// Subscriptions exposes the subscription manager so provider connections
// can drop their sinks on close.
func (b *Broker) Subscriptions() *SubscriptionManager { return b.subs }

// Submit is the sole ingress point for wallet requests. Under the global
// auto-approve override the request executes immediately and never enters
// the pending table; otherwise the call suspends until a controller or
// drain resolves it.
func (b *Broker) Submit(ctx context.Context, method string, params []any) (any, error) {
	return b.SubmitWithNotifier(ctx, method, params, nil)
}

// SubmitWithNotifier is Submit with a push channel for eth_subscribe
// notifications; transports that can deliver out-of-band messages use it.
func (b *Broker) SubmitWithNotifier(ctx context.Context, method string, params []any, n Notifier) (any, error) {
	ctx, span := traces.StartSpan(ctx, "broker.submit", traces.Method(method))
	defer span.End()

	category := policy.Categorize(method)
	metrics.WalletRequestsTotal.WithLabelValues(metricMethod(method), string(category)).Inc()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.autoApprove {
		b.mu.Unlock()
		result, err := b.dispatch(ctx, method, params, n)
		if err != nil {
			metrics.RequestsResolvedTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
		metrics.RequestsResolvedTotal.WithLabelValues("auto_approved").Inc()
		return result, nil
	}

	req := &pendingRequest{
		id:          idgen.WithPrefix("req_"),
		method:      method,
		params:      params,
		submittedAt: time.Now(),
		notifier:    n,
		done:        make(chan outcome, 1),
	}
	b.pending[req.id] = req
	b.order = append(b.order, req)
	metrics.PendingRequests.Set(float64(len(b.order)))

	// Release exactly one waiter, synchronously within this submission
	// step, so a wait that began before this submit cannot miss it.
	view := req.view()
	for len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		if w.cancelled {
			continue
		}
		w.ch <- view
		break
	}
	b.mu.Unlock()

	logging.L(ctx).Info("wallet request queued",
		"request_id", req.id,
		"method", method,
		"category", category,
	)

	out := <-req.done
	if out.err != nil {
		return nil, out.err
	}
	return out.result, nil
}

func (r *pendingRequest) view() *View {
	return &View{
		ID:          r.id,
		Method:      r.method,
		Params:      r.params,
		SubmittedAt: r.submittedAt.UnixMilli(),
		AgeMs:       time.Since(r.submittedAt).Milliseconds(),
	}
}

// take removes the request with id from the table. Removal happens at
// most once per id, which is what makes resolution exactly-once: the
// goroutine that removed the entry is the only one allowed to settle it.
// Caller must hold b.mu.
func (b *Broker) take(id string) *pendingRequest {
	req, ok := b.pending[id]
	if !ok {
		return nil
	}
	delete(b.pending, id)
	for i, r := range b.order {
		if r.id == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	metrics.PendingRequests.Set(float64(len(b.order)))
	return req
}

// Approve executes the request with the given id and settles the original
// submitter's call with the outcome. The approver observes the same
// outcome: on backend failure both sides see the error, because the
// approver is usually a different actor than the submitter.
func (b *Broker) Approve(ctx context.Context, id string) (any, error) {
	ctx, span := traces.StartSpan(ctx, "broker.approve", traces.RequestID(id))
	defer span.End()

	b.mu.Lock()
	req := b.take(id)
	b.mu.Unlock()
	if req == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return b.execute(ctx, req)
}

// execute runs an already-removed request against the backend and settles
// the submitter with the outcome.
func (b *Broker) execute(ctx context.Context, req *pendingRequest) (any, error) {
	result, err := b.dispatch(ctx, req.method, req.params, req.notifier)
	if err != nil {
		req.done <- outcome{err: rpcerr.From(err)}
		metrics.RequestsResolvedTotal.WithLabelValues("failed").Inc()
		logging.L(ctx).Warn("approved request failed",
			"request_id", req.id, "method", req.method, "error", err)
		return nil, err
	}

	req.done <- outcome{result: result}
	metrics.RequestsResolvedTotal.WithLabelValues("approved").Inc()
	logging.L(ctx).Info("request approved", "request_id", req.id, "method", req.method)
	return result, nil
}

// Reject settles the request's original submitter with a user-rejected
// error carrying the optional reason.
func (b *Broker) Reject(ctx context.Context, id, reason string) error {
	b.mu.Lock()
	req := b.take(id)
	b.mu.Unlock()
	if req == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	b.settleRejected(ctx, req, reason)
	return nil
}

func (b *Broker) settleRejected(ctx context.Context, req *pendingRequest, reason string) {
	req.done <- outcome{err: rpcerr.UserRejected(reason)}
	metrics.RequestsResolvedTotal.WithLabelValues("rejected").Inc()
	logging.L(ctx).Info("request rejected", "request_id", req.id, "method", req.method, "reason", reason)
}

// oldest returns the earliest pending request. Caller must hold b.mu.
func (b *Broker) oldest() *pendingRequest {
	if len(b.order) == 0 {
		return nil
	}
	return b.order[0]
}

// takeOldest removes and returns the earliest pending request, or nil.
func (b *Broker) takeOldest() *pendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	req := b.oldest()
	if req == nil {
		return nil
	}
	return b.take(req.id)
}

// ApproveNext approves the oldest pending request. Returns nil with no
// error when the table is empty. Selection and removal happen in one
// critical section, so concurrent callers never race for the same entry.
func (b *Broker) ApproveNext(ctx context.Context) (*Resolved, error) {
	req := b.takeOldest()
	if req == nil {
		return nil, nil
	}

	result, err := b.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Resolved{ID: req.id, Method: req.method, Result: result}, nil
}

// RejectNext rejects the oldest pending request. Returns nil with no
// error when the table is empty.
func (b *Broker) RejectNext(ctx context.Context, reason string) (*Resolved, error) {
	req := b.takeOldest()
	if req == nil {
		return nil, nil
	}

	b.settleRejected(ctx, req, reason)
	return &Resolved{ID: req.id, Method: req.method}, nil
}

// WaitForRequest returns the earliest pending request immediately, or
// suspends until one arrives. Waiters are served strictly in the order
// they began waiting, one arrival each; timing out a wait leaves the
// request table untouched.
func (b *Broker) WaitForRequest(ctx context.Context, timeout time.Duration) (*View, error) {
	b.mu.Lock()
	if req := b.oldest(); req != nil {
		view := req.view()
		b.mu.Unlock()
		return view, nil
	}
	w := &waiter{ch: make(chan *View, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case view := <-w.ch:
		return view, nil
	case <-ctx.Done():
		return b.abandonWait(w, ctx.Err())
	case <-timer.C:
		return b.abandonWait(w, fmt.Errorf("%w: no request arrived within %s", ErrTimeout, timeout))
	}
}

// abandonWait marks w cancelled, then drains a notification that may have
// raced with the timeout so the arrival is not lost.
func (b *Broker) abandonWait(w *waiter, cause error) (*View, error) {
	b.mu.Lock()
	w.cancelled = true
	b.mu.Unlock()

	select {
	case view := <-w.ch:
		return view, nil
	default:
		return nil, cause
	}
}

// Clear rejects every pending entry with a disconnected-class error and
// empties the table. Atomic with respect to new submissions: a racing
// submit lands strictly before or after the clear.
func (b *Broker) Clear(ctx context.Context) int {
	b.mu.Lock()
	cleared := b.order
	b.pending = make(map[string]*pendingRequest)
	b.order = nil
	metrics.PendingRequests.Set(0)
	b.mu.Unlock()

	for _, req := range cleared {
		req.done <- outcome{err: rpcerr.Disconnected("Pending queue cleared")}
		metrics.RequestsResolvedTotal.WithLabelValues("cleared").Inc()
	}
	if len(cleared) > 0 {
		logging.L(ctx).Info("pending queue cleared", "count", len(cleared))
	}
	return len(cleared)
}

// SetAutoApprove toggles the global override. When enabled, submit never
// queues; every request executes immediately, regardless of policy.
func (b *Broker) SetAutoApprove(ctx context.Context, enabled bool) {
	b.mu.Lock()
	b.autoApprove = enabled
	b.mu.Unlock()
	logging.L(ctx).Info("auto-approve set", "enabled", enabled)
}

// IsAutoApproveEnabled reports the global override state.
func (b *Broker) IsAutoApproveEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.autoApprove
}

// Policy returns a copy of the current policy.
func (b *Broker) Policy() policy.Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pol
}

// SetPolicy merges a partial update into the current policy. Field
// replacement is shallow: a provided list replaces the previous list
// wholesale.
func (b *Broker) SetPolicy(ctx context.Context, update policy.Update) (policy.Policy, error) {
	b.mu.Lock()
	merged := b.pol.Apply(update)
	if err := merged.Validate(); err != nil {
		b.mu.Unlock()
		return policy.Policy{}, err
	}
	b.pol = merged
	b.polVersion++
	b.mu.Unlock()
	logging.L(ctx).Info("policy updated", "mode", merged.Mode, "max_value_eth", merged.MaxValueEth)
	return merged, nil
}

// PendingViews lists pending requests in FIFO order.
func (b *Broker) PendingViews() []View {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]View, 0, len(b.order))
	for _, req := range b.order {
		out = append(out, *req.view())
	}
	return out
}

// PendingCount returns the current table depth.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Close rejects all pending requests, cancels subscriptions, and refuses
// further submissions.
func (b *Broker) Close(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.Clear(ctx)
	b.subs.Close()
}
