// Package tracker implements the per-chain tick loop that resolves
// submitted auctions: poll the chain adapter for each in-flight tx_hash's
// receipt, transition bound bids to Won/Lost, and conclude the auction once
// none remain Submitted. Mirrors internal/submission's loop shape.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/expressrelay/auction-server/internal/auction"
	"github.com/expressrelay/auction-server/internal/chainadapter"
	"github.com/expressrelay/auction-server/internal/domain"
	"github.com/expressrelay/auction-server/internal/index"
)

// Loop drives one chain's tracker tick.
type Loop struct {
	chainId  domain.ChainId
	interval time.Duration

	index   *index.Index
	manager *auction.Manager
	adapter chainadapter.Adapter

	logger *slog.Logger
	tracer trace.Tracer
}

// New constructs a tracker loop for one chain.
func New(chainId domain.ChainId, interval time.Duration, idx *index.Index, mgr *auction.Manager, adapter chainadapter.Adapter, logger *slog.Logger, tp trace.TracerProvider) *Loop {
	return &Loop{
		chainId:  chainId,
		interval: interval,
		index:    idx,
		manager:  mgr,
		adapter:  adapter,
		logger:   logger,
		tracer:   tp.Tracer("github.com/expressrelay/auction-server/internal/tracker"),
	}
}

// Run ticks until ctx is canceled.
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
	for _, a := range l.index.ListSubmittedAuctions(l.chainId) {
		if err := l.processAuction(ctx, a); err != nil {
			l.logger.ErrorContext(ctx, "tracker tick failed for auction",
				slog.String("auction_id", a.Id.String()),
				slog.Any("error", err),
			)
		}
	}
}

func (l *Loop) processAuction(ctx context.Context, a domain.Auction) error {
	ctx, span := l.tracer.Start(ctx, "Loop.processAuction", trace.WithAttributes(
		attribute.String("auction_id", a.Id.String()),
	))
	defer span.End()

	receipt, err := l.adapter.Receipt(ctx, a.TxHash)
	if err != nil {
		return err
	}
	if receipt.Status == chainadapter.ReceiptPending {
		return nil
	}

	key := a.Key()
	stillSubmitted := false
	for _, bid := range l.index.ListBids(key) {
		core := bid.Core()
		if core.Status.Kind != domain.BidStatusSubmitted || string(core.Status.Result) != string(a.TxHash) {
			continue
		}

		next := l.resolve(receipt, core.Status)
		if _, err := l.manager.TransitionBidStatus(ctx, bid, next, nil); err != nil {
			l.logger.ErrorContext(ctx, "transitioning tracked bid failed",
				slog.String("bid_id", core.Id.String()),
				slog.Any("error", err),
			)
			stillSubmitted = true
			continue
		}
		if next.Kind == domain.BidStatusSubmitted {
			stillSubmitted = true
		}
	}

	if stillSubmitted {
		return nil
	}

	if _, err := l.manager.ConcludeAuction(ctx, &a); err != nil {
		return err
	}
	return nil
}

// resolve maps a chain receipt plus a bid's current Submitted position to
// its terminal status: confirmed at the recorded index wins, confirmed at a
// different (or no) index or dropped outright loses, anything else leaves
// the bid unchanged pending a later tick.
func (l *Loop) resolve(receipt *chainadapter.Receipt, current domain.BidStatus) domain.BidStatus {
	switch receipt.Status {
	case chainadapter.ReceiptConfirmed:
		if receipt.WonIndex != nil && current.Index != nil && *receipt.WonIndex == *current.Index {
			return domain.Won(current.Result, *current.Index)
		}
		return domain.Lost(current.Result, current.Index)
	case chainadapter.ReceiptDropped:
		return domain.Lost(current.Result, current.Index)
	default:
		return current
	}
}
