package broker

import (
	"context"
	"time"

	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/policy"
	"github.com/mbd888/walletgate/internal/rpcerr"
	"github.com/mbd888/walletgate/internal/traces"
)

// idlePollInterval is how often drain and WaitForIdle re-check the table
// while waiting for in-flight submissions to land.
const idlePollInterval = 10 * time.Millisecond

// Drain resolves pending requests by policy until the queue stays empty
// for the settle window, the timeout elapses, or the depth cap is hit.
// Requests whose disposition is manual are never touched; a drain that
// finds only those runs out its deadline and reports timeout.
// A policy override in opts applies only for the duration of the drain;
// the previous policy is restored on every exit path.
func (b *Broker) Drain(ctx context.Context, opts DrainOptions) (*DrainResult, error) {
	ctx, span := traces.StartSpan(ctx, "broker.drain")
	defer span.End()

	timeout := DefaultDrainTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	settle := DefaultDrainSettle
	if opts.SettleMs > 0 {
		settle = time.Duration(opts.SettleMs) * time.Millisecond
	}
	maxDepth := DefaultDrainDepth
	if opts.MaxDepth > 0 {
		maxDepth = opts.MaxDepth
	}

	pol := b.Policy()
	if opts.Policy != nil {
		override := pol.Apply(*opts.Policy)
		if err := override.Validate(); err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.pol = override
		b.polVersion++
		v := b.polVersion
		b.mu.Unlock()
		// Restore the pre-drain policy unless someone changed it while
		// the drain ran; their change wins.
		defer func() {
			b.mu.Lock()
			if b.polVersion == v {
				b.pol = pol
				b.polVersion++
			}
			b.mu.Unlock()
		}()
		pol = override
	}

	start := time.Now()
	deadline := start.Add(timeout)
	result := &DrainResult{Status: DrainStatusIdle}
	lastActivity := time.Now()

	for {
		if result.Processed >= maxDepth {
			result.Status = DrainStatusMaxDepth
			break
		}
		if time.Now().After(deadline) {
			result.Status = DrainStatusTimeout
			break
		}

		// Oldest request whose disposition is not manual. Manual ones
		// stay in the table untouched: they are waiting for an explicit
		// controller decision, and drain is not one.
		b.mu.Lock()
		var req *pendingRequest
		var decision policy.Decision
		for _, r := range b.order {
			d := policy.Decide(r.method, r.params, pol)
			if d.Manual {
				continue
			}
			req = b.take(r.id)
			decision = d
			break
		}
		awaitingManual := req == nil && len(b.order) > 0
		b.mu.Unlock()

		if req == nil {
			// Idle only once the queue is empty and nothing new arrives
			// for the settle window; manual requests left pending keep
			// the drain from converging and it runs out the clock.
			if !awaitingManual && time.Since(lastActivity) >= settle {
				break
			}
			select {
			case <-ctx.Done():
				result.Status = DrainStatusTimeout
				b.finishDrain(ctx, result, start)
				return result, ctx.Err()
			case <-time.After(idlePollInterval):
			}
			continue
		}
		lastActivity = time.Now()

		entry := DrainEntry{
			ID:       req.id,
			Method:   req.method,
			Category: string(policy.Categorize(req.method)),
		}
		if !decision.Approve {
			req.done <- outcome{err: rpcerr.UserRejected(decision.Reason)}
			metrics.RequestsResolvedTotal.WithLabelValues("denied").Inc()
			entry.Status = EntryDenied
			entry.Reason = decision.Reason
			result.Rejected = append(result.Rejected, entry)
			result.Processed++
			continue
		}

		res, err := b.dispatch(ctx, req.method, req.params, req.notifier)
		if err != nil {
			// Policy said yes but execution failed; the submitter sees
			// the backend error, not a rejection.
			req.done <- outcome{err: rpcerr.From(err)}
			metrics.RequestsResolvedTotal.WithLabelValues("failed").Inc()
			entry.Status = EntryApprovedFailed
			entry.Reason = err.Error()
			result.Approved = append(result.Approved, entry)
			result.Processed++
			continue
		}
		req.done <- outcome{result: res}
		metrics.RequestsResolvedTotal.WithLabelValues("approved").Inc()
		entry.Status = EntryApproved
		entry.Result = res
		if hash, ok := res.(string); ok && entry.Category == string(policy.CategoryTransaction) {
			entry.TxHash = hash
		}
		result.Approved = append(result.Approved, entry)
		result.Processed++
	}

	b.finishDrain(ctx, result, start)

	snap, err := b.Context(ctx)
	if err == nil {
		result.Context = snap
	}
	return result, nil
}

func (b *Broker) finishDrain(ctx context.Context, result *DrainResult, start time.Time) {
	elapsed := time.Since(start)
	metrics.DrainDuration.Observe(elapsed.Seconds())
	metrics.DrainsTotal.WithLabelValues(result.Status).Inc()
	logging.L(ctx).Info("drain finished",
		"status", result.Status,
		"approved", len(result.Approved),
		"rejected", len(result.Rejected),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// WaitForIdle blocks until the pending table is empty and stays empty for
// settle, or until timeout. Unlike Drain it resolves nothing itself.
func (b *Broker) WaitForIdle(ctx context.Context, timeout, settle time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	if settle <= 0 {
		settle = DefaultDrainSettle
	}
	deadline := time.Now().Add(timeout)
	emptySince := time.Time{}

	for {
		if b.PendingCount() == 0 {
			if emptySince.IsZero() {
				emptySince = time.Now()
			} else if time.Since(emptySince) >= settle {
				return true, nil
			}
		} else {
			emptySince = time.Time{}
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(idlePollInterval):
		}
	}
}
