package domain

import (
	"errors"
	"fmt"
)

// BidStatusKind tags the BidStatus sum type. Stored in Postgres as the
// bid_status enum (pending, submitted, lost, won).
type BidStatusKind string

const (
	BidStatusPending   BidStatusKind = "pending"
	BidStatusSubmitted BidStatusKind = "submitted"
	BidStatusWon       BidStatusKind = "won"
	BidStatusLost      BidStatusKind = "lost"
)

// BidStatus is a tagged union of a bid's lifecycle state. Result/Index are only
// meaningful for the Submitted/Won/Lost kinds, and Lost additionally allows
// both to be empty (the bid never reached the chain at all).
type BidStatus struct {
	Kind   BidStatusKind
	Result []byte // tx hash; nil for Pending and for an off-chain-dropped Lost
	Index  *uint32
}

func Pending() BidStatus { return BidStatus{Kind: BidStatusPending} }

func Submitted(result []byte, index uint32) BidStatus {
	return BidStatus{Kind: BidStatusSubmitted, Result: result, Index: &index}
}

func Won(result []byte, index uint32) BidStatus {
	return BidStatus{Kind: BidStatusWon, Result: result, Index: &index}
}

// Lost accepts an optional result/index pair. Both nil means the bid was
// dropped before any auction was submitted; result set with a nil index
// means it was dropped after an auction existed but never submitted this
// bid; both set means it lost a transaction that was actually mined.
func Lost(result []byte, index *uint32) BidStatus {
	return BidStatus{Kind: BidStatusLost, Result: result, Index: index}
}

// ErrIllegalTransition is returned by CanTransition when the target status
// is not reachable from the current one in the bid status state machine.
var ErrIllegalTransition = errors.New("illegal bid status transition")

// CanTransition validates a proposed status change against the legal
// transition table. It never mutates anything; callers combine it with a
// guarded UPDATE so the check and the durable write agree.
func (s BidStatus) CanTransition(next BidStatus) error {
	switch s.Kind {
	case BidStatusPending:
		switch next.Kind {
		case BidStatusSubmitted, BidStatusLost:
			return nil
		}
	case BidStatusSubmitted:
		switch next.Kind {
		case BidStatusWon, BidStatusLost:
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Kind, next.Kind)
}

// IsTerminal reports whether no further transitions are legal.
func (s BidStatus) IsTerminal() bool {
	return s.Kind == BidStatusWon || s.Kind == BidStatusLost
}

// BundleIndex extracts the position recorded for this status, if any. Used
// to reconstruct BidStatus from (bid row, auction row) on crash-restart.
func (s BidStatus) BundleIndex() *uint32 {
	return s.Index
}
