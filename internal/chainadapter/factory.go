package chainadapter

import (
	"context"
	"fmt"

	"github.com/expressrelay/auction-server/internal/config"
	"github.com/expressrelay/auction-server/internal/domain"
)

// New constructs the adapter matching the chain's configured type. Callers
// (cmd/auctionserver) build one adapter per entry in config.Config.Chains.
func New(ctx context.Context, cfg config.ChainConfig) (Adapter, error) {
	switch cfg.ChainType {
	case domain.ChainTypeEvm:
		return NewEVMAdapter(ctx, cfg)
	case domain.ChainTypeSvm:
		return NewSVMAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported chain_type %q", cfg.ChainType)
	}
}
