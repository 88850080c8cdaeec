// Package store defines the durable persistence boundary: repository
// interfaces the auction core depends on, independent of any particular
// database. internal/store/postgres provides the only implementation today,
// selected through the Driver registry in provider.go.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/expressrelay/auction-server/internal/domain"
)

// ProfileRepository persists registered searcher profiles.
type ProfileRepository interface {
	Create(ctx context.Context, p *domain.Profile) error
	GetByID(ctx context.Context, id domain.ProfileId) (*domain.Profile, error)
	GetByEmail(ctx context.Context, email string) (*domain.Profile, error)
	List(ctx context.Context) ([]domain.Profile, error)
}

// AccessTokenRepository persists bearer credentials for profiles. Revoke is
// a guarded UPDATE: it only succeeds on a still-live token, so concurrent
// revocations and reissues cannot race each other into an inconsistent
// state.
type AccessTokenRepository interface {
	Create(ctx context.Context, t *domain.AccessToken) error
	GetByToken(ctx context.Context, token string) (*domain.AccessToken, error)
	// GetActiveByProfile returns the profile's non-revoked token, if any.
	// Returns apperror.NotFound when the profile has none, which
	// get_or_create_access_token treats as "mint a new one".
	GetActiveByProfile(ctx context.Context, profileId domain.ProfileId) (*domain.AccessToken, error)
	// ListNonRevoked returns every non-revoked token, used to warm the
	// in-memory token cache on startup so invariant 6 (cache/DB coherence)
	// holds from the first request onward, not just after a miss.
	ListNonRevoked(ctx context.Context) ([]domain.AccessToken, error)
	Revoke(ctx context.Context, id uuid.UUID) error
}

// OpportunityRepository persists published liquidation/arbitrage
// opportunities and their lifecycle.
type OpportunityRepository interface {
	Create(ctx context.Context, o *domain.Opportunity) error
	GetByID(ctx context.Context, id domain.OpportunityId) (*domain.Opportunity, error)
	ListByPermissionKey(ctx context.Context, key domain.AuctionKey) ([]domain.Opportunity, error)
	ListAll(ctx context.Context) ([]domain.Opportunity, error)
	Remove(ctx context.Context, id domain.OpportunityId, reason domain.OpportunityRemovalReason) error
}

// BidRepository persists bids and their status history. UpdateStatus is the
// guarded UPDATE that keeps bid status transitions race-free: it only applies when
// the row's current_state still matches expectedCurrent, so a bid can never
// be advanced twice from the same starting state by two racing callers.
type BidRepository interface {
	Create(ctx context.Context, b domain.Bid) error
	GetByID(ctx context.Context, id domain.BidId) (domain.Bid, error)
	ListByPermissionKey(ctx context.Context, key domain.AuctionKey) ([]domain.Bid, error)
	ListByTimeRange(ctx context.Context, chainId domain.ChainId, from, to time.Time) ([]domain.Bid, error)
	// UpdateStatus applies next iff the persisted status still equals
	// expectedCurrent. It reports applied=false (not an error) when another
	// writer already moved the row past expectedCurrent. auctionId, when
	// non-nil, is also written to the row's auction_id column (used on the
	// Pending->Submitted transition); nil leaves the column unchanged.
	UpdateStatus(ctx context.Context, id domain.BidId, expectedCurrent, next domain.BidStatus, auctionId *domain.AuctionId) (applied bool, err error)
}

// AuctionRepository persists auction records and implements the guarded
// lifecycle transitions the auction manager drives: at most one auction may
// be "open" (collecting bids, uncommitted) per AuctionKey at a time.
type AuctionRepository interface {
	Create(ctx context.Context, a *domain.Auction) error
	GetByID(ctx context.Context, id domain.AuctionId) (*domain.Auction, error)
	// MarkSubmitted guards on SubmissionTime still being unset (ConclusionTime
	// is not checked) so a stale submission_loop tick cannot resubmit an
	// auction another tick already dispatched.
	MarkSubmitted(ctx context.Context, id domain.AuctionId, txHash []byte, submissionTime time.Time) (applied bool, err error)
	// Conclude guards on the auction not already being concluded.
	Conclude(ctx context.Context, id domain.AuctionId, conclusionTime time.Time) (applied bool, err error)
	ListSubmittedByChain(ctx context.Context, chainId domain.ChainId) ([]domain.Auction, error)
}
