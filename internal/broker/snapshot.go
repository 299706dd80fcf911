package broker

import (
	"context"

	"github.com/mbd888/walletgate/internal/backend"
	"github.com/mbd888/walletgate/internal/policy"
)

// PendingEnhanced lists pending requests in FIFO order with category,
// human summary, risk flags, and what the current policy would decide.
func (b *Broker) PendingEnhanced(actualChainID int64) []Enhanced {
	b.mu.Lock()
	reqs := make([]*pendingRequest, len(b.order))
	copy(reqs, b.order)
	pol := b.pol
	b.mu.Unlock()

	out := make([]Enhanced, 0, len(reqs))
	for _, req := range reqs {
		decision := policy.Decide(req.method, req.params, pol)
		e := Enhanced{
			View:     *req.view(),
			Category: string(policy.Categorize(req.method)),
			Summary:  policy.Summarize(req.method, req.params),
			Risk: policy.AnalyzeRisks(req.method, req.params, policy.RiskOptions{
				MaxValueEth:     pol.MaxValueEth,
				KnownContracts:  pol.AllowTo,
				ExpectedChainID: pol.ChainID,
				ActualChainID:   actualChainID,
			}),
			Decision: &decision,
		}
		if e.Category == string(policy.CategoryTransaction) {
			e.Decoded = policy.DecodeTransaction(req.params)
		}
		out = append(out, e)
	}
	return out
}

// Context produces the one-call state snapshot controllers poll. A failed
// balance read degrades the snapshot rather than failing it: the pending
// table is the part a controller cannot reconstruct elsewhere.
func (b *Broker) Context(ctx context.Context) (*Snapshot, error) {
	chainID := b.backend.ChainID()
	snap := &Snapshot{
		Address:     b.backend.Address(),
		ChainID:     chainID,
		ChainName:   policy.ChainName(chainID),
		AutoApprove: b.IsAutoApproveEnabled(),
		Policy:      b.Policy(),
		Pending:     b.PendingEnhanced(chainID),
	}
	snap.PendingCount = len(snap.Pending)

	if wei, err := b.backend.BalanceOf(ctx, snap.Address); err == nil {
		snap.BalanceEth = backend.FormatEth(wei)
	}
	return snap, nil
}
