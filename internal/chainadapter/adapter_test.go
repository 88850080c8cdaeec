package chainadapter_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/expressrelay/auction-server/internal/chainadapter"
	"github.com/expressrelay/auction-server/internal/config"
	"github.com/expressrelay/auction-server/internal/domain"
)

func evmBid() domain.EVMBid {
	return domain.EVMBid{
		CoreFields: domain.CoreFields{
			Id:            uuid.New(),
			BidAmount:     uint256.NewInt(1),
			PermissionKey: domain.PermissionKey("pk"),
			ChainId:       "op_sepolia",
			Status:        domain.Pending(),
		},
	}
}

func svmBid() domain.SVMBid {
	return domain.SVMBid{
		CoreFields: domain.CoreFields{
			Id:            uuid.New(),
			BidAmount:     uint256.NewInt(1),
			PermissionKey: domain.PermissionKey("pk"),
			ChainId:       "solana_devnet",
			Status:        domain.Pending(),
		},
	}
}

func TestNew_UnsupportedChainType(t *testing.T) {
	_, err := chainadapter.New(context.Background(), config.ChainConfig{ChainType: "cosmos"})
	if err == nil {
		t.Fatal("expected an error for an unsupported chain type")
	}
}

func TestEVMAdapter_Dispatch_RejectsEmptyBundle(t *testing.T) {
	a := &chainadapter.EVMAdapter{}
	_, err := a.Dispatch(context.Background(), chainadapter.Bundle{})
	if err == nil {
		t.Fatal("expected an error for an empty bundle")
	}
}

func TestEVMAdapter_Dispatch_RejectsWrongChainBid(t *testing.T) {
	a := &chainadapter.EVMAdapter{}
	_, err := a.Dispatch(context.Background(), chainadapter.Bundle{Bids: []domain.Bid{svmBid()}})
	if err == nil {
		t.Fatal("expected an error when the first bid is not an EVM bid")
	}
}

func TestEVMAdapter_ChainType(t *testing.T) {
	a := &chainadapter.EVMAdapter{}
	if a.ChainType() != domain.ChainTypeEvm {
		t.Errorf("got %q, want %q", a.ChainType(), domain.ChainTypeEvm)
	}
}

func TestSVMAdapter_Dispatch_RejectsEmptyBundle(t *testing.T) {
	a := chainadapter.NewSVMAdapter(config.ChainConfig{RPCEndpoint: "http://localhost:0"})
	_, err := a.Dispatch(context.Background(), chainadapter.Bundle{})
	if err == nil {
		t.Fatal("expected an error for an empty bundle")
	}
}

func TestSVMAdapter_Dispatch_RejectsWrongChainBid(t *testing.T) {
	a := chainadapter.NewSVMAdapter(config.ChainConfig{RPCEndpoint: "http://localhost:0"})
	_, err := a.Dispatch(context.Background(), chainadapter.Bundle{Bids: []domain.Bid{evmBid()}})
	if err == nil {
		t.Fatal("expected an error when the first bid is not an SVM bid")
	}
}

func TestSVMAdapter_Dispatch_RejectsUnsignedBid(t *testing.T) {
	a := chainadapter.NewSVMAdapter(config.ChainConfig{RPCEndpoint: "http://localhost:0"})
	_, err := a.Dispatch(context.Background(), chainadapter.Bundle{Bids: []domain.Bid{svmBid()}})
	if err == nil {
		t.Fatal("expected an error when the bid carries no signed transaction")
	}
}

func TestSVMAdapter_ChainType(t *testing.T) {
	a := chainadapter.NewSVMAdapter(config.ChainConfig{RPCEndpoint: "http://localhost:0"})
	if a.ChainType() != domain.ChainTypeSvm {
		t.Errorf("got %q, want %q", a.ChainType(), domain.ChainTypeSvm)
	}
}
