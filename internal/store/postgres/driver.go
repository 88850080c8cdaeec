package postgres

import (
	"context"
	"fmt"

	"github.com/expressrelay/auction-server/internal/clock"
	"github.com/expressrelay/auction-server/internal/config"
	"github.com/expressrelay/auction-server/internal/store"
)

func init() {
	store.Register("postgres", openDriver)
}

// openDriver connects, migrates, and wires up every repository, matching
// the store.Driver signature the registry expects.
func openDriver(ctx context.Context, cfg config.DatabaseConfig, _ clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting postgres driver: %w", err)
	}

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating postgres driver: %w", err)
	}

	return &store.Repositories{
		Profiles:      NewProfileRepo(db),
		AccessTokens:  NewAccessTokenRepo(db),
		Opportunities: NewOpportunityRepo(db),
		Bids:          NewBidRepo(db),
		Auctions:      NewAuctionRepo(db),
		Closer:        db,
		Ping:          db.PingContext,
	}, nil
}
