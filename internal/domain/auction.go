package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuctionId uniquely identifies a single server-side attempt to submit a
// bundle of bids for one (permission-key, chain) pair.
type AuctionId = uuid.UUID

// Auction is the durable record of one submitted bundle attempt. TxHash,
// BidCollectionTime, SubmissionTime and ConclusionTime are all nullable in
// the schema and therefore pointers here.
type Auction struct {
	Id                AuctionId
	CreationTime      time.Time
	ConclusionTime    *time.Time
	PermissionKey     PermissionKey
	ChainId           ChainId
	ChainType         ChainType
	TxHash            []byte
	BidCollectionTime *time.Time
	SubmissionTime    *time.Time
}

func (a Auction) Key() AuctionKey {
	return NewAuctionKey(a.PermissionKey, a.ChainId)
}

// IsOpen reports whether this auction is the one currently collecting bids
// for its key: bid collection has started and
// conclusion has not.
func (a Auction) IsOpen() bool {
	return a.BidCollectionTime != nil && a.ConclusionTime == nil
}

// IsSubmitted reports whether this auction has been dispatched on-chain and
// not yet concluded — the condition for membership in the in-memory
// submitted_auctions index (invariant 5).
func (a Auction) IsSubmitted() bool {
	return a.SubmissionTime != nil && a.TxHash != nil && a.ConclusionTime == nil
}
