package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/expressrelay/auction-server/internal/domain"
	"github.com/expressrelay/auction-server/internal/store/postgres"
)

func TestAuctionRepo_CreateAndGetByID(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db)
	ctx := context.Background()

	a := &domain.Auction{
		Id:            mustUUID(t),
		PermissionKey: domain.PermissionKey("perm-auction-1"),
		ChainId:       "op_sepolia",
		ChainType:     domain.ChainTypeEvm,
	}
	require.NoError(t, repo.Create(ctx, a))
	assert.NotNil(t, a.BidCollectionTime)

	got, err := repo.GetByID(ctx, a.Id)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
}

func TestAuctionRepo_MarkSubmittedThenConclude(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db)
	ctx := context.Background()

	a := &domain.Auction{
		Id:            mustUUID(t),
		PermissionKey: domain.PermissionKey("perm-auction-2"),
		ChainId:       "op_sepolia",
		ChainType:     domain.ChainTypeEvm,
	}
	require.NoError(t, repo.Create(ctx, a))

	applied, err := repo.MarkSubmitted(ctx, a.Id, []byte("0xdeadbeef"), time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)

	// A second submission attempt on the same auction must be rejected.
	applied2, err := repo.MarkSubmitted(ctx, a.Id, []byte("0xanotherone"), time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied2)

	got, err := repo.GetByID(ctx, a.Id)
	require.NoError(t, err)
	assert.True(t, got.IsSubmitted())

	concluded, err := repo.Conclude(ctx, a.Id, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, concluded)

	concludedAgain, err := repo.Conclude(ctx, a.Id, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, concludedAgain)
}

func TestAuctionRepo_ListSubmittedByChain(t *testing.T) {
	db := newTestDB(t)
	repo := postgres.NewAuctionRepo(db)
	ctx := context.Background()

	open := &domain.Auction{Id: mustUUID(t), PermissionKey: domain.PermissionKey("p1"), ChainId: "op_sepolia", ChainType: domain.ChainTypeEvm}
	require.NoError(t, repo.Create(ctx, open))

	submitted := &domain.Auction{Id: mustUUID(t), PermissionKey: domain.PermissionKey("p2"), ChainId: "op_sepolia", ChainType: domain.ChainTypeEvm}
	require.NoError(t, repo.Create(ctx, submitted))
	_, err := repo.MarkSubmitted(ctx, submitted.Id, []byte("0xaa"), time.Now().UTC())
	require.NoError(t, err)

	list, err := repo.ListSubmittedByChain(ctx, "op_sepolia")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, submitted.Id, list[0].Id)
}
