// Package submission implements the per-chain tick loop that turns pending
// bids into a dispatched on-chain bundle: acquire the permission key's lock,
// snapshot its bids, select a bundle, create and submit an auction, then
// transition the selected bids to Submitted. Uses the same tracer-per-call,
// guarded-write style as internal/auction.Manager, generalized into a
// long-running ticking loop.
package submission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/expressrelay/auction-server/internal/auction"
	"github.com/expressrelay/auction-server/internal/chainadapter"
	"github.com/expressrelay/auction-server/internal/domain"
	"github.com/expressrelay/auction-server/internal/index"
)

// Selector picks the winning subset and order ("bundle") from a key's
// snapshot of pending bids. Chain-specific selection policy is opaque to
// this package; the default here is top-by-bid-amount.
type Selector func(bids []domain.Bid) []domain.Bid

// pendingBids filters a key's live bid set down to the ones still eligible
// for selection. The live set also holds bids already Submitted by an
// earlier tick but not yet resolved by the tracker; those must not be
// reselected into a new bundle.
func pendingBids(bids []domain.Bid) []domain.Bid {
	out := make([]domain.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Core().Status.Kind == domain.BidStatusPending {
			out = append(out, b)
		}
	}
	return out
}

// TopBidSelector selects the single highest-bid-amount bid, breaking ties by
// insertion order (earliest first). This is the policy behind the
// single-winner scenario.
func TopBidSelector(bids []domain.Bid) []domain.Bid {
	if len(bids) == 0 {
		return nil
	}
	best := bids[0]
	for _, b := range bids[1:] {
		if b.Core().BidAmount.Cmp(best.Core().BidAmount) > 0 {
			best = b
		}
	}
	return []domain.Bid{best}
}

// sortByAmountDesc returns a stable copy ordered by descending bid amount,
// used by selectors that bundle more than one bid.
func sortByAmountDesc(bids []domain.Bid) []domain.Bid {
	out := make([]domain.Bid, len(bids))
	copy(out, bids)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Core().BidAmount.Cmp(out[j].Core().BidAmount) > 0
	})
	return out
}

// TopNSelector returns a Selector that bundles up to n bids ordered by
// descending bid amount, for chains whose relay contract accepts more than
// one bid per bundle.
func TopNSelector(n int) Selector {
	return func(bids []domain.Bid) []domain.Bid {
		ordered := sortByAmountDesc(bids)
		if len(ordered) > n {
			ordered = ordered[:n]
		}
		return ordered
	}
}

// Loop drives one chain's submission tick.
type Loop struct {
	chainId  domain.ChainId
	chainTyp domain.ChainType
	interval time.Duration

	index    *index.Index
	manager  *auction.Manager
	adapter  chainadapter.Adapter
	selector Selector

	logger *slog.Logger
	tracer trace.Tracer
}

// New constructs a submission loop for one chain.
func New(chainId domain.ChainId, chainType domain.ChainType, interval time.Duration, idx *index.Index, mgr *auction.Manager, adapter chainadapter.Adapter, selector Selector, logger *slog.Logger, tp trace.TracerProvider) *Loop {
	if selector == nil {
		selector = TopBidSelector
	}
	return &Loop{
		chainId:  chainId,
		chainTyp: chainType,
		interval: interval,
		index:    idx,
		manager:  mgr,
		adapter:  adapter,
		selector: selector,
		logger:   logger,
		tracer:   tp.Tracer("github.com/expressrelay/auction-server/internal/submission"),
	}
}

// Run ticks until ctx is canceled. Each tick processes every permission key
// presently bearing pending bids for this loop's chain, serially -- a loop
// instance owns exactly one chain, so there is no cross-key concurrency to
// manage here; the per-key lock instead protects against another loop
// instance in the same process racing this one (the lock lives in the
// in-memory index, so it does not reach other processes).
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one pass over this chain's work list. Exported so tests and
// an operator-triggered "run now" endpoint can drive it without waiting for
// the ticker.
func (l *Loop) Tick(ctx context.Context) {
	for _, pk := range l.index.ListPermissionKeys(l.chainId) {
		key := domain.NewAuctionKey(domain.PermissionKey(pk), l.chainId)
		if err := l.processKey(ctx, key); err != nil {
			l.logger.ErrorContext(ctx, "submission tick failed for key",
				slog.String("permission_key", key.PermissionKey),
				slog.String("chain_id", l.chainId),
				slog.Any("error", err),
			)
		}
	}
}

func (l *Loop) processKey(ctx context.Context, key domain.AuctionKey) error {
	ctx, span := l.tracer.Start(ctx, "Loop.processKey", trace.WithAttributes(
		attribute.String("permission_key", key.PermissionKey),
		attribute.String("chain_id", key.ChainId),
	))
	defer span.End()

	lock := l.index.GetOrCreateLock(key)
	defer lock.Release()
	lock.Lock()
	defer lock.Unlock()

	if l.index.HasLiveSubmittedAuction(key) {
		// An earlier tick's auction for this key hasn't been resolved by the
		// tracker yet; wait for it to conclude before starting another.
		return nil
	}

	selected := l.selector(pendingBids(l.index.ListBids(key)))
	if len(selected) == 0 {
		return nil
	}

	now := time.Now().UTC()
	a, err := l.manager.InitAuction(ctx, key, l.chainTyp, now)
	if err != nil {
		return fmt.Errorf("init auction: %w", err)
	}

	bundle := chainadapter.Bundle{Key: key, Bids: selected}
	txHash, err := l.adapter.Dispatch(ctx, bundle)
	if err != nil {
		// The auction row stays created-but-not-submitted; the next tick
		// re-reads current bids and retries.
		return fmt.Errorf("dispatching bundle: %w", err)
	}

	a, err = l.manager.SubmitAuction(ctx, a, txHash)
	if err != nil {
		return fmt.Errorf("submit auction: %w", err)
	}

	for i, bid := range selected {
		pos := uint32(i)
		if _, err := l.manager.TransitionBidStatus(ctx, bid, domain.Submitted(txHash, pos), &a.Id); err != nil {
			l.logger.ErrorContext(ctx, "transitioning selected bid to submitted failed",
				slog.String("bid_id", bid.Core().Id.String()),
				slog.Any("error", err),
			)
		}
	}

	l.logger.InfoContext(ctx, "auction submitted",
		slog.String("auction_id", a.Id.String()),
		slog.Int("bundle_size", len(selected)),
	)
	return nil
}
