// Package auction implements the auction lifecycle engine: the bid status
// state machine and the auction create/submit/conclude operations, both
// wired to the durable store, the in-memory working-set index, and the
// update-event bus. Manager holds its collaborators plus an OTEL tracer,
// one method per operation. AddBid, TransitionBidStatus, InitAuction,
// SubmitAuction, ConcludeAuction and GetOrCreateAccessToken each open their
// own span; the read, opportunity, profile and other token methods do not.
package auction

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/expressrelay/auction-server/internal/apperror"
	"github.com/expressrelay/auction-server/internal/clock"
	"github.com/expressrelay/auction-server/internal/domain"
	"github.com/expressrelay/auction-server/internal/event"
	"github.com/expressrelay/auction-server/internal/index"
	"github.com/expressrelay/auction-server/internal/store"
)

// Manager coordinates bid/auction lifecycle across the durable store, the
// in-memory working set, and the broadcast bus. All mutation methods write
// the DB first under a guarded UPDATE and only touch the in-memory index on
// success, per the in-memory/DB coherence rule this whole package exists to
// uphold. bus may be nil, in which case status updates are simply not
// broadcast (useful for tests that don't exercise the subscriber path).
type Manager struct {
	repos  *store.Repositories
	index  *index.Index
	bus    *event.Bus
	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock
}

// NewManager wires a Manager from its collaborators.
func NewManager(repos *store.Repositories, idx *index.Index, bus *event.Bus, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock) *Manager {
	return &Manager{
		repos:  repos,
		index:  idx,
		bus:    bus,
		logger: logger,
		tracer: tp.Tracer("github.com/expressrelay/auction-server/internal/auction"),
		clock:  clk,
	}
}

// AddBid persists a new Pending bid and adds it to the in-memory working set
// so the next submission-loop tick can see it.
func (m *Manager) AddBid(ctx context.Context, bid domain.Bid) error {
	core := bid.Core()
	ctx, span := m.tracer.Start(ctx, "Manager.AddBid", trace.WithAttributes(
		attribute.String("bid_id", core.Id.String()),
		attribute.String("chain_id", core.ChainId),
	))
	defer span.End()

	if core.Status.Kind != domain.BidStatusPending {
		return apperror.InvalidInput("a new bid must start Pending", nil)
	}

	if err := m.repos.Bids.Create(ctx, bid); err != nil {
		return fmt.Errorf("persisting bid: %w", err)
	}
	m.index.AddBid(bid)

	m.logger.InfoContext(ctx, "bid added",
		slog.String("bid_id", core.Id.String()),
		slog.String("permission_key", core.AuctionKey().PermissionKey),
		slog.String("chain_id", core.ChainId),
	)
	return nil
}

// GetBidStatus returns the current status of a bid by id.
func (m *Manager) GetBidStatus(ctx context.Context, id domain.BidId) (domain.BidStatus, error) {
	bid, err := m.repos.Bids.GetByID(ctx, id)
	if err != nil {
		return domain.BidStatus{}, apperror.NotFound("bid not found", err)
	}
	return bid.Core().Status, nil
}

// GetSimulatedBidsByTime returns bids on a chain initiated within [from, to].
func (m *Manager) GetSimulatedBidsByTime(ctx context.Context, chainId domain.ChainId, from, to time.Time) ([]domain.Bid, error) {
	bids, err := m.repos.Bids.ListByTimeRange(ctx, chainId, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing bids by time range: %w", err)
	}
	return bids, nil
}

// TransitionBidStatus applies a legal status transition to a bid. The write
// to the durable store happens first under a guarded UPDATE (WHERE status =
// expectedCurrent); the in-memory index is only mutated, and the broadcast
// event only published, when that UPDATE actually applied. A transition
// that lost the race (rows_affected == 0, applied == false) is not an
// error: a concurrent caller already moved the bid past expectedCurrent,
// which is exactly how duplicate tracker observations are made idempotent.
// auctionId links the bid to the auction it was just bundled into; pass
// non-nil only on the Pending->Submitted transition, nil otherwise.
func (m *Manager) TransitionBidStatus(ctx context.Context, current domain.Bid, next domain.BidStatus, auctionId *domain.AuctionId) (bool, error) {
	core := current.Core()
	ctx, span := m.tracer.Start(ctx, "Manager.TransitionBidStatus", trace.WithAttributes(
		attribute.String("bid_id", core.Id.String()),
		attribute.String("from", string(core.Status.Kind)),
		attribute.String("to", string(next.Kind)),
	))
	defer span.End()

	if err := core.Status.CanTransition(next); err != nil {
		return false, apperror.InvalidInput("illegal bid status transition", err)
	}

	applied, err := m.repos.Bids.UpdateStatus(ctx, core.Id, core.Status, next, auctionId)
	if err != nil {
		return false, fmt.Errorf("updating bid status: %w", err)
	}
	if !applied {
		m.logger.InfoContext(ctx, "bid transition lost the race, treating as already-applied",
			slog.String("bid_id", core.Id.String()))
		return false, nil
	}

	updated := current.WithStatus(next)
	if auctionId != nil {
		updated = updated.WithAuctionID(*auctionId)
	}
	if next.IsTerminal() {
		m.index.RemoveBidByID(core.AuctionKey(), core.Id)
	} else {
		m.index.UpdateBid(updated)
	}

	if m.bus != nil {
		m.bus.Publish(event.UpdateEvent{Type: event.BidStatusUpdate, BidId: core.Id, BidStatus: next})
	}

	m.logger.InfoContext(ctx, "bid status transitioned",
		slog.String("bid_id", core.Id.String()),
		slog.String("to", string(next.Kind)),
	)
	return true, nil
}

// InitAuction creates the open auction record for a key, preconditioned on
// the caller already holding that key's per-key lock (this
// method does not acquire it itself).
func (m *Manager) InitAuction(ctx context.Context, key domain.AuctionKey, chainType domain.ChainType, collectionTime time.Time) (*domain.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.InitAuction", trace.WithAttributes(
		attribute.String("permission_key", key.PermissionKey),
		attribute.String("chain_id", key.ChainId),
	))
	defer span.End()

	a := &domain.Auction{
		Id:                uuid.New(),
		PermissionKey:     key.PermissionKeyBytes(),
		ChainId:           key.ChainId,
		ChainType:         chainType,
		BidCollectionTime: &collectionTime,
	}
	if err := m.repos.Auctions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating auction: %w", err)
	}

	m.logger.InfoContext(ctx, "auction initiated",
		slog.String("auction_id", a.Id.String()),
		slog.String("permission_key", key.PermissionKey),
		slog.String("chain_id", key.ChainId),
	)
	return a, nil
}

// SubmitAuction records that an auction's bundle has been dispatched
// on-chain. Guarded by submission_time IS NULL so a retried dispatch from a
// stalled tick cannot double-submit the same auction. On success the
// auction is added to the in-memory submitted-auctions index.
func (m *Manager) SubmitAuction(ctx context.Context, a *domain.Auction, txHash []byte) (*domain.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.SubmitAuction", trace.WithAttributes(
		attribute.String("auction_id", a.Id.String()),
	))
	defer span.End()

	now := m.clock.Now().UTC()
	applied, err := m.repos.Auctions.MarkSubmitted(ctx, a.Id, txHash, now)
	if err != nil {
		return nil, fmt.Errorf("marking auction submitted: %w", err)
	}
	if !applied {
		return nil, apperror.InternalInvariantViolation("auction already submitted", nil)
	}

	a.TxHash = txHash
	a.SubmissionTime = &now
	m.index.AddSubmittedAuction(*a)

	m.logger.InfoContext(ctx, "auction submitted",
		slog.String("auction_id", a.Id.String()),
		slog.String("tx_hash", fmt.Sprintf("%x", txHash)),
	)
	return a, nil
}

// ConcludeAuction marks an auction concluded once every bound bid has
// reached a terminal state. Guarded by conclusion_time IS NULL. After a
// successful conclude, the auction is removed from the in-memory
// submitted-auctions index iff no live bid still references its tx_hash as
// Submitted (index.RemoveSubmittedAuctionIfResolved re-checks this itself).
func (m *Manager) ConcludeAuction(ctx context.Context, a *domain.Auction) (*domain.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ConcludeAuction", trace.WithAttributes(
		attribute.String("auction_id", a.Id.String()),
	))
	defer span.End()

	now := m.clock.Now().UTC()
	applied, err := m.repos.Auctions.Conclude(ctx, a.Id, now)
	if err != nil {
		return nil, fmt.Errorf("concluding auction: %w", err)
	}
	if !applied {
		m.logger.InfoContext(ctx, "auction already concluded", slog.String("auction_id", a.Id.String()))
		return a, nil
	}

	a.ConclusionTime = &now
	if !m.index.RemoveSubmittedAuctionIfResolved(*a) {
		m.logger.WarnContext(ctx, "auction concluded but a bid still references it as submitted",
			slog.String("auction_id", a.Id.String()))
	}

	m.logger.InfoContext(ctx, "auction concluded", slog.String("auction_id", a.Id.String()))
	return a, nil
}

// GetOpportunitiesByPermissionKey lists the active opportunities for a key.
func (m *Manager) GetOpportunitiesByPermissionKey(ctx context.Context, key domain.AuctionKey) ([]domain.Opportunity, error) {
	opps, err := m.repos.Opportunities.ListByPermissionKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("listing opportunities: %w", err)
	}
	return opps, nil
}

// AddOpportunity persists a newly announced opportunity.
func (m *Manager) AddOpportunity(ctx context.Context, o *domain.Opportunity) error {
	if err := m.repos.Opportunities.Create(ctx, o); err != nil {
		return fmt.Errorf("persisting opportunity: %w", err)
	}
	return nil
}

// RemoveOpportunity retires an opportunity (filled/expired/invalid). Guarded
// by removed_at IS NULL, so a duplicate removal call changes nothing; it
// returns the store's error because no row matched.
func (m *Manager) RemoveOpportunity(ctx context.Context, id domain.OpportunityId, reason domain.OpportunityRemovalReason) error {
	if err := m.repos.Opportunities.Remove(ctx, id, reason); err != nil {
		return fmt.Errorf("removing opportunity: %w", err)
	}
	return nil
}

// CreateProfile registers a new searcher account.
func (m *Manager) CreateProfile(ctx context.Context, name, email string) (*domain.Profile, error) {
	p := &domain.Profile{Id: uuid.New(), Name: name, Email: email}
	if err := m.repos.Profiles.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("creating profile: %w", err)
	}
	return p, nil
}

// WarmAccessTokenCache loads every non-revoked token into the in-memory
// cache. Called once at startup so the cache/DB coherence invariant holds
// immediately, rather than only after the first per-token miss backfills it.
func (m *Manager) WarmAccessTokenCache(ctx context.Context) error {
	tokens, err := m.repos.AccessTokens.ListNonRevoked(ctx)
	if err != nil {
		return fmt.Errorf("listing non-revoked access tokens: %w", err)
	}
	for _, tok := range tokens {
		m.index.PutAccessToken(tok)
	}
	m.logger.Info("access token cache warmed", slog.Int("count", len(tokens)))
	return nil
}

// GetOrCreateAccessToken returns the profile's current non-revoked token,
// minting one if none exists. The bool reports whether a new token was
// minted (true) or an existing one was returned (false); two calls in a row
// with no revocation between them return the same token and false on the
// second call, making the round-trip idempotent.
func (m *Manager) GetOrCreateAccessToken(ctx context.Context, profileId domain.ProfileId) (*domain.AccessToken, bool, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.GetOrCreateAccessToken", trace.WithAttributes(
		attribute.String("profile_id", profileId.String()),
	))
	defer span.End()

	existing, err := m.repos.AccessTokens.GetActiveByProfile(ctx, profileId)
	if err == nil {
		m.index.PutAccessToken(*existing)
		return existing, false, nil
	}
	if !apperror.Is(err, apperror.KindNotFound) {
		return nil, false, fmt.Errorf("looking up active token: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, false, fmt.Errorf("generating access token: %w", err)
	}
	tok := &domain.AccessToken{
		Id:        uuid.New(),
		ProfileId: profileId,
		Token:     base64.RawURLEncoding.EncodeToString(raw),
	}
	if err := m.repos.AccessTokens.Create(ctx, tok); err != nil {
		return nil, false, fmt.Errorf("persisting access token: %w", err)
	}
	m.index.PutAccessToken(*tok)

	m.logger.InfoContext(ctx, "access token minted", slog.String("profile_id", profileId.String()))
	return tok, true, nil
}

// RevokeAccessToken revokes a token by its id and evicts it from the cache.
// Guarded by revoked_at IS NULL: revoking an already-revoked token is an
// error, not a silent no-op, since the caller is expected to already know
// the token's live/revoked state from a prior read.
func (m *Manager) RevokeAccessToken(ctx context.Context, tok domain.AccessToken) error {
	if err := m.repos.AccessTokens.Revoke(ctx, tok.Id); err != nil {
		return fmt.Errorf("revoking access token: %w", err)
	}
	m.index.EvictAccessToken(tok.Token)
	return nil
}

// GetProfileByToken is a cache-only lookup: it never falls through to the
// durable store, since every non-revoked token is required to be present in
// the in-memory cache.
func (m *Manager) GetProfileByToken(ctx context.Context, token string) (*domain.Profile, error) {
	tok, ok := m.index.GetAccessToken(token)
	if !ok {
		return nil, apperror.NotFound("access token not recognized", nil)
	}
	if tok.RevokedAt != nil {
		return nil, apperror.NotFound("access token revoked", nil)
	}
	profile, err := m.repos.Profiles.GetByID(ctx, tok.ProfileId)
	if err != nil {
		return nil, apperror.InternalInvariantViolation("cached token references unknown profile", err)
	}
	return profile, nil
}
