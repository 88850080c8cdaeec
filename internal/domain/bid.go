package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// BidId uniquely identifies a bid across its whole lifecycle.
type BidId = uuid.UUID

// CoreFields are shared by every bid variant, mirroring
// SimulatedBidCoreFields in the original implementation.
type CoreFields struct {
	Id              BidId
	BidAmount       *uint256.Int
	PermissionKey   PermissionKey
	ChainId         ChainId
	Status          BidStatus
	InitiationTime  time.Time
	ProfileId       *uuid.UUID
	// AuctionId links this bid to the auction it was bundled into, set once
	// the submission loop submits it; nil for a bid still Pending.
	AuctionId       *AuctionId
}

func (c CoreFields) AuctionKey() AuctionKey {
	return NewAuctionKey(c.PermissionKey, c.ChainId)
}

// Bid is the capability set every variant implements. Modeled as a tagged
// interface rather than an inheritance hierarchy: the EVM and
// SVM payloads are incompatible and have nothing to gain from a shared base
// struct beyond CoreFields.
type Bid interface {
	Core() CoreFields
	WithStatus(status BidStatus) Bid
	WithAuctionID(id AuctionId) Bid
	ChainType() ChainType
}

// EVMBid is a bid targeting an EVM chain: a contract call the relayer will
// include in the submitted bundle.
type EVMBid struct {
	CoreFields
	TargetContract common.Address
	TargetCalldata []byte
	GasLimit       *uint256.Int
}

func (b EVMBid) Core() CoreFields    { return b.CoreFields }
func (b EVMBid) ChainType() ChainType { return ChainTypeEvm }
func (b EVMBid) WithStatus(status BidStatus) Bid {
	b.CoreFields.Status = status
	return b
}
func (b EVMBid) WithAuctionID(id AuctionId) Bid {
	b.CoreFields.AuctionId = &id
	return b
}

// SVMBid is a bid targeting an SVM (Solana) chain: a fully-signed
// transaction the searcher has already produced.
type SVMBid struct {
	CoreFields
	Transaction *solana.Transaction
}

func (b SVMBid) Core() CoreFields    { return b.CoreFields }
func (b SVMBid) ChainType() ChainType { return ChainTypeSvm }
func (b SVMBid) WithStatus(status BidStatus) Bid {
	b.CoreFields.Status = status
	return b
}
func (b SVMBid) WithAuctionID(id AuctionId) Bid {
	b.CoreFields.AuctionId = &id
	return b
}
