package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// OpportunityId uniquely identifies a server-announced execution slot.
type OpportunityId = uuid.UUID

// TokenAmount pairs a token contract address with a 256-bit amount.
type TokenAmount struct {
	Token  common.Address
	Amount *uint256.Int
}

// OpportunityParamsV1 is the only version currently defined. Opportunity
// params are a versioned sum so future chains/execution shapes can be added
// without breaking existing consumers.
type OpportunityParamsV1 struct {
	PermissionKey    PermissionKey
	ChainId          ChainId
	TargetContract   common.Address
	TargetCalldata   []byte
	TargetCallValue  *uint256.Int
	SellTokens       []TokenAmount
	BuyTokens        []TokenAmount
}

// OpportunityParams is a versioned sum; V1 is the sole variant today.
type OpportunityParams struct {
	Version string
	V1      *OpportunityParamsV1
}

// UnixTimestampMicros is microseconds since the Unix epoch.
type UnixTimestampMicros = int64

// Opportunity is a server-announced execution slot searchers may bid on.
type Opportunity struct {
	Id           OpportunityId
	CreationTime UnixTimestampMicros
	Params       OpportunityParams
}

// Equal implements structural equality: two
// Opportunities are equal iff (id, creation_time, params) match.
func (o Opportunity) Equal(other Opportunity) bool {
	if o.Id != other.Id || o.CreationTime != other.CreationTime {
		return false
	}
	if o.Params.Version != other.Params.Version {
		return false
	}
	if o.Params.V1 == nil || other.Params.V1 == nil {
		return o.Params.V1 == other.Params.V1
	}
	a, b := o.Params.V1, other.Params.V1
	if string(a.PermissionKey) != string(b.PermissionKey) ||
		a.ChainId != b.ChainId ||
		a.TargetContract != b.TargetContract ||
		string(a.TargetCalldata) != string(b.TargetCalldata) ||
		a.TargetCallValue.Cmp(b.TargetCallValue) != 0 {
		return false
	}
	if len(a.SellTokens) != len(b.SellTokens) || len(a.BuyTokens) != len(b.BuyTokens) {
		return false
	}
	for i := range a.SellTokens {
		if a.SellTokens[i].Token != b.SellTokens[i].Token || a.SellTokens[i].Amount.Cmp(b.SellTokens[i].Amount) != 0 {
			return false
		}
	}
	for i := range a.BuyTokens {
		if a.BuyTokens[i].Token != b.BuyTokens[i].Token || a.BuyTokens[i].Amount.Cmp(b.BuyTokens[i].Amount) != 0 {
			return false
		}
	}
	return true
}

// PermissionKey extracts the partitioning key from whichever params version
// is populated.
func (o Opportunity) PermissionKey() PermissionKey {
	if o.Params.V1 != nil {
		return o.Params.V1.PermissionKey
	}
	return nil
}

// OpportunityRemovalReason records why an opportunity left the active set.
type OpportunityRemovalReason string

const (
	OpportunityRemovalExpired    OpportunityRemovalReason = "expired"
	OpportunityRemovalFilled     OpportunityRemovalReason = "filled"
	OpportunityRemovalInvalid    OpportunityRemovalReason = "invalid"
)
