package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/mbd888/walletgate/internal/backend"
	"github.com/mbd888/walletgate/internal/idgen"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/rpcerr"
)

// Notifier delivers out-of-band subscription events to whatever transport
// carried the eth_subscribe request. Implementations must tolerate being
// called after the subscription ended; returning an error tears the
// subscription down.
type Notifier interface {
	Notify(subscriptionID string, result any) error
}

// SubscriptionPollInterval is how often subscription pollers check the
// chain for new blocks. Matched to fast dev-chain block times.
const SubscriptionPollInterval = 500 * time.Millisecond

// Supported subscription kinds.
const (
	SubNewHeads      = "newHeads"
	SubLogs          = "logs"
	SubNewPendingTxs = "newPendingTransactions"
)

type subscription struct {
	id       string
	kind     string
	notifier Notifier
	cancel   context.CancelFunc
}

// SubscriptionManager runs one polling goroutine per active subscription.
// The backend is HTTP-only, so push semantics are emulated by watching
// the block number and replaying what each new block contains.
type SubscriptionManager struct {
	backend backend.ChainReader
	logger  *slog.Logger
	poll    time.Duration

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewSubscriptionManager creates an empty manager.
func NewSubscriptionManager(be backend.ChainReader, logger *slog.Logger) *SubscriptionManager {
	return &SubscriptionManager{
		backend: be,
		logger:  logger,
		poll:    SubscriptionPollInterval,
		subs:    make(map[string]*subscription),
	}
}

// SetPollInterval overrides the chain poll interval. Only meaningful
// before the first Subscribe call.
func (m *SubscriptionManager) SetPollInterval(d time.Duration) {
	if d > 0 {
		m.poll = d
	}
}

// Subscribe starts a poller for the given kind and returns its id.
// For "logs" the first extra param may carry {address} as a filter.
func (m *SubscriptionManager) Subscribe(ctx context.Context, kind string, extra []any, n Notifier) (string, error) {
	var run func(ctx context.Context, sub *subscription, last uint64)
	switch kind {
	case SubNewHeads:
		run = m.pollNewHeads
	case SubNewPendingTxs:
		run = m.pollNewTransactions
	case SubLogs:
		var addr string
		if len(extra) > 0 {
			if obj, ok := extra[0].(map[string]any); ok {
				addr, _ = obj["address"].(string)
			}
		}
		run = func(ctx context.Context, sub *subscription, last uint64) {
			m.pollLogs(ctx, sub, addr, last)
		}
	default:
		return "", rpcerr.InvalidParams("eth_subscribe: unknown kind " + kind)
	}

	// The baseline block is captured before the poller goroutine is
	// spawned, so a block arriving right after Subscribe returns is an
	// event, not part of the baseline.
	last := m.currentBlock(ctx)

	pollCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:       idgen.HexPrefixed(16),
		kind:     kind,
		notifier: n,
		cancel:   cancel,
	}

	m.mu.Lock()
	m.subs[sub.id] = sub
	metrics.ActiveSubscriptions.Set(float64(len(m.subs)))
	m.mu.Unlock()

	go run(pollCtx, sub, last)

	m.logger.Info("subscription started", "subscription_id", sub.id, "kind", kind)
	return sub.id, nil
}

// Unsubscribe stops the subscription with the given id. Returns false
// when the id is unknown, mirroring eth_unsubscribe semantics.
func (m *SubscriptionManager) Unsubscribe(id string) bool {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		metrics.ActiveSubscriptions.Set(float64(len(m.subs)))
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	sub.cancel()
	m.logger.Info("subscription stopped", "subscription_id", id, "kind", sub.kind)
	return true
}

// UnsubscribeAll drops every subscription owned by n. Transports call
// this when a provider connection closes.
func (m *SubscriptionManager) UnsubscribeAll(n Notifier) int {
	m.mu.Lock()
	var dropped []*subscription
	for id, sub := range m.subs {
		if sub.notifier == n {
			dropped = append(dropped, sub)
			delete(m.subs, id)
		}
	}
	metrics.ActiveSubscriptions.Set(float64(len(m.subs)))
	m.mu.Unlock()

	for _, sub := range dropped {
		sub.cancel()
	}
	return len(dropped)
}

// Count returns the number of active subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Close stops every poller.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]*subscription)
	metrics.ActiveSubscriptions.Set(0)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
}

// drop removes a subscription whose notifier failed.
func (m *SubscriptionManager) drop(sub *subscription) {
	m.mu.Lock()
	delete(m.subs, sub.id)
	metrics.ActiveSubscriptions.Set(float64(len(m.subs)))
	m.mu.Unlock()
	sub.cancel()
}

// advance blocks until the chain head moves past last, returning the new
// head number, or 0 and false when the subscription is cancelled.
func (m *SubscriptionManager) advance(ctx context.Context, last uint64) (uint64, bool) {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, false
		case <-ticker.C:
		}
		head, err := m.backend.BlockNumber(ctx)
		if err != nil {
			continue // transient node errors just delay the next event
		}
		if head > last {
			return head, true
		}
	}
}

func (m *SubscriptionManager) currentBlock(ctx context.Context) uint64 {
	num, err := m.backend.BlockNumber(ctx)
	if err != nil {
		return 0
	}
	return num
}

func (m *SubscriptionManager) pollNewHeads(ctx context.Context, sub *subscription, last uint64) {
	for {
		head, ok := m.advance(ctx, last)
		if !ok {
			return
		}
		for n := last + 1; n <= head; n++ {
			h, err := m.backend.HeadByNumber(ctx, n)
			if err != nil {
				continue
			}
			payload := map[string]any{
				"number":    hexutil.EncodeUint64(h.Number),
				"hash":      h.Hash,
				"timestamp": hexutil.EncodeUint64(h.Timestamp),
			}
			if err := sub.notifier.Notify(sub.id, payload); err != nil {
				m.drop(sub)
				return
			}
		}
		last = head
	}
}

func (m *SubscriptionManager) pollNewTransactions(ctx context.Context, sub *subscription, last uint64) {
	for {
		head, ok := m.advance(ctx, last)
		if !ok {
			return
		}
		for n := last + 1; n <= head; n++ {
			hashes, err := m.backend.BlockTransactions(ctx, n)
			if err != nil {
				continue
			}
			for _, hash := range hashes {
				if err := sub.notifier.Notify(sub.id, hash); err != nil {
					m.drop(sub)
					return
				}
			}
		}
		last = head
	}
}

func (m *SubscriptionManager) pollLogs(ctx context.Context, sub *subscription, address string, last uint64) {
	for {
		head, ok := m.advance(ctx, last)
		if !ok {
			return
		}
		logs, err := m.backend.FilterLogs(ctx, backend.LogQuery{
			FromBlock: last + 1,
			ToBlock:   head,
			Address:   address,
		})
		if err != nil {
			last = head
			continue
		}
		for i := range logs {
			if err := sub.notifier.Notify(sub.id, &logs[i]); err != nil {
				m.drop(sub)
				return
			}
		}
		last = head
	}
}
