// Package chainadapter defines the boundary between the auction lifecycle
// engine and the two chain families it submits to. The RPC client
// adapters themselves -- signing, dispatch, and receipt polling against a
// live EVM or SVM node -- are external collaborators; this
// package exists so the submission and tracker loops can depend on a small
// interface instead of either chain's client library directly.
package chainadapter

import (
	"context"

	"github.com/expressrelay/auction-server/internal/domain"
)

// Bundle is the ordered, chain-selected subset of bids the submission loop
// hands to an Adapter for signing and dispatch. Order determines each bid's
// bundle_index.
type Bundle struct {
	Key  domain.AuctionKey
	Bids []domain.Bid
}

// ReceiptStatus is the tracker-facing outcome of a dispatched transaction.
type ReceiptStatus int

const (
	// ReceiptPending means the transaction has not yet confirmed or failed;
	// the tracker should re-examine it on the next tick.
	ReceiptPending ReceiptStatus = iota
	// ReceiptConfirmed means the transaction was included and at least one
	// bundled bid executed; Receipt.WonIndex names which one.
	ReceiptConfirmed
	// ReceiptDropped means the transaction was included but failed (an EVM
	// receipt with failed status, an SVM status carrying an error). A
	// transaction that never confirms is reported as ReceiptPending by both
	// adapters, not as dropped.
	ReceiptDropped
)

// Receipt is the adapter's abstraction over an EVM transaction receipt or
// an SVM transaction status -- enough for the tracker to resolve every
// bound bid's outcome without depending on either chain's receipt type.
type Receipt struct {
	Status ReceiptStatus
	// WonIndex is the bundle position that actually executed successfully,
	// if any. Only meaningful when Status == ReceiptConfirmed.
	WonIndex *uint32
}

// Adapter is implemented once per chain family. The submission loop calls
// Dispatch after selecting a bundle; the tracker loop calls Receipt on a
// tick for every in-flight auction's tx_hash.
type Adapter interface {
	ChainType() domain.ChainType
	// Dispatch signs and broadcasts a bundle, returning the transaction
	// hash (EVM) or signature (SVM) it was submitted under.
	Dispatch(ctx context.Context, bundle Bundle) ([]byte, error)
	// Receipt polls the chain for the outcome of a previously dispatched
	// transaction.
	Receipt(ctx context.Context, txHash []byte) (*Receipt, error)
}
