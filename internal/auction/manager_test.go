package auction_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/expressrelay/auction-server/internal/apperror"
	"github.com/expressrelay/auction-server/internal/auction"
	"github.com/expressrelay/auction-server/internal/clock"
	"github.com/expressrelay/auction-server/internal/domain"
	"github.com/expressrelay/auction-server/internal/event"
	"github.com/expressrelay/auction-server/internal/index"
	"github.com/expressrelay/auction-server/internal/store"
)

var testTP = noop.NewTracerProvider()

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- in-memory store.Repositories mocks: a plain map behind a mutex,
// no SQL. ---

type mockProfileRepo struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]domain.Profile
}

func newMockProfileRepo() *mockProfileRepo {
	return &mockProfileRepo{profiles: make(map[uuid.UUID]domain.Profile)}
}

func (m *mockProfileRepo) Create(_ context.Context, p *domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.Id] = *p
	return nil
}

func (m *mockProfileRepo) GetByID(_ context.Context, id domain.ProfileId) (*domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, apperror.NotFound("profile not found", nil)
	}
	return &p, nil
}

func (m *mockProfileRepo) GetByEmail(_ context.Context, email string) (*domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.Email == email {
			return &p, nil
		}
	}
	return nil, apperror.NotFound("profile not found", nil)
}

func (m *mockProfileRepo) List(_ context.Context) ([]domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		out = append(out, p)
	}
	return out, nil
}

type mockAccessTokenRepo struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]domain.AccessToken
}

func newMockAccessTokenRepo() *mockAccessTokenRepo {
	return &mockAccessTokenRepo{tokens: make(map[uuid.UUID]domain.AccessToken)}
}

func (m *mockAccessTokenRepo) Create(_ context.Context, t *domain.AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[t.Id] = *t
	return nil
}

func (m *mockAccessTokenRepo) GetByToken(_ context.Context, token string) (*domain.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Token == token {
			return &t, nil
		}
	}
	return nil, apperror.NotFound("token not found", nil)
}

func (m *mockAccessTokenRepo) GetActiveByProfile(_ context.Context, profileId domain.ProfileId) (*domain.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.ProfileId == profileId && t.RevokedAt == nil {
			return &t, nil
		}
	}
	return nil, apperror.NotFound("no active token", nil)
}

func (m *mockAccessTokenRepo) ListNonRevoked(_ context.Context) ([]domain.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AccessToken
	for _, t := range m.tokens {
		if t.RevokedAt == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *mockAccessTokenRepo) Revoke(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok || t.RevokedAt != nil {
		return fmt.Errorf("token %s not found or already revoked", id)
	}
	now := time.Now().UTC()
	t.RevokedAt = &now
	m.tokens[id] = t
	return nil
}

type mockOpportunityRepo struct {
	mu   sync.Mutex
	opps map[uuid.UUID]domain.Opportunity
}

func newMockOpportunityRepo() *mockOpportunityRepo {
	return &mockOpportunityRepo{opps: make(map[uuid.UUID]domain.Opportunity)}
}

func (m *mockOpportunityRepo) Create(_ context.Context, o *domain.Opportunity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opps[o.Id] = *o
	return nil
}

func (m *mockOpportunityRepo) GetByID(_ context.Context, id domain.OpportunityId) (*domain.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.opps[id]
	if !ok {
		return nil, apperror.NotFound("opportunity not found", nil)
	}
	return &o, nil
}

func (m *mockOpportunityRepo) ListByPermissionKey(_ context.Context, key domain.AuctionKey) ([]domain.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Opportunity
	for _, o := range m.opps {
		if string(o.PermissionKey()) == key.PermissionKey {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockOpportunityRepo) ListAll(_ context.Context) ([]domain.Opportunity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Opportunity, 0, len(m.opps))
	for _, o := range m.opps {
		out = append(out, o)
	}
	return out, nil
}

func (m *mockOpportunityRepo) Remove(_ context.Context, id domain.OpportunityId, _ domain.OpportunityRemovalReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.opps[id]; !ok {
		return fmt.Errorf("opportunity %s not found", id)
	}
	delete(m.opps, id)
	return nil
}

type mockBidRepo struct {
	mu   sync.Mutex
	bids map[uuid.UUID]domain.Bid
}

func newMockBidRepo() *mockBidRepo {
	return &mockBidRepo{bids: make(map[uuid.UUID]domain.Bid)}
}

func (m *mockBidRepo) Create(_ context.Context, b domain.Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bids[b.Core().Id] = b
	return nil
}

func (m *mockBidRepo) GetByID(_ context.Context, id domain.BidId) (domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return nil, apperror.NotFound("bid not found", nil)
	}
	return b, nil
}

func (m *mockBidRepo) ListByPermissionKey(_ context.Context, key domain.AuctionKey) ([]domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Bid
	for _, b := range m.bids {
		if b.Core().AuctionKey() == key {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBidRepo) ListByTimeRange(_ context.Context, chainId domain.ChainId, from, to time.Time) ([]domain.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Bid
	for _, b := range m.bids {
		c := b.Core()
		if c.ChainId == chainId && !c.InitiationTime.Before(from) && !c.InitiationTime.After(to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockBidRepo) UpdateStatus(_ context.Context, id domain.BidId, expectedCurrent, next domain.BidStatus, auctionId *domain.AuctionId) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return false, apperror.NotFound("bid not found", nil)
	}
	if b.Core().Status.Kind != expectedCurrent.Kind {
		return false, nil
	}
	updated := b.WithStatus(next)
	if auctionId != nil {
		updated = updated.WithAuctionID(*auctionId)
	}
	m.bids[id] = updated
	return true, nil
}

type mockAuctionRepo struct {
	mu       sync.Mutex
	auctions map[uuid.UUID]domain.Auction
}

func newMockAuctionRepo() *mockAuctionRepo {
	return &mockAuctionRepo{auctions: make(map[uuid.UUID]domain.Auction)}
}

func (m *mockAuctionRepo) Create(_ context.Context, a *domain.Auction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auctions[a.Id] = *a
	return nil
}

func (m *mockAuctionRepo) GetByID(_ context.Context, id domain.AuctionId) (*domain.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[id]
	if !ok {
		return nil, apperror.NotFound("auction not found", nil)
	}
	return &a, nil
}

func (m *mockAuctionRepo) MarkSubmitted(_ context.Context, id domain.AuctionId, txHash []byte, submissionTime time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[id]
	if !ok {
		return false, apperror.NotFound("auction not found", nil)
	}
	if a.SubmissionTime != nil {
		return false, nil
	}
	a.TxHash = txHash
	a.SubmissionTime = &submissionTime
	m.auctions[id] = a
	return true, nil
}

func (m *mockAuctionRepo) Conclude(_ context.Context, id domain.AuctionId, conclusionTime time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[id]
	if !ok {
		return false, apperror.NotFound("auction not found", nil)
	}
	if a.ConclusionTime != nil {
		return false, nil
	}
	a.ConclusionTime = &conclusionTime
	m.auctions[id] = a
	return true, nil
}

func (m *mockAuctionRepo) ListSubmittedByChain(_ context.Context, chainId domain.ChainId) ([]domain.Auction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Auction
	for _, a := range m.auctions {
		if a.ChainId == chainId && a.SubmissionTime != nil && a.ConclusionTime == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func newTestManager(t *testing.T) (*auction.Manager, *store.Repositories, *index.Index, *event.Bus) {
	t.Helper()
	repos := &store.Repositories{
		Profiles:      newMockProfileRepo(),
		AccessTokens:  newMockAccessTokenRepo(),
		Opportunities: newMockOpportunityRepo(),
		Bids:          newMockBidRepo(),
		Auctions:      newMockAuctionRepo(),
	}
	idx := index.New(noopLogger())
	bus := event.NewBus()
	mgr := auction.NewManager(repos, idx, bus, noopLogger(), testTP, clock.Mock{T: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)})
	return mgr, repos, idx, bus
}

func newEvmBid(key domain.AuctionKey, amount uint64) domain.Bid {
	return domain.EVMBid{
		CoreFields: domain.CoreFields{
			Id:             uuid.New(),
			BidAmount:      uint256.NewInt(amount),
			PermissionKey:  key.PermissionKeyBytes(),
			ChainId:        key.ChainId,
			Status:         domain.Pending(),
			InitiationTime: time.Now().UTC(),
		},
		TargetContract: common.HexToAddress("0x00000000000000000000000000000000000001"),
		TargetCalldata: []byte{0x01},
		GasLimit:       uint256.NewInt(21000),
	}
}

func TestManager_AddBid(t *testing.T) {
	mgr, _, idx, _ := newTestManager(t)
	key := domain.NewAuctionKey([]byte("perm-1"), "op_sepolia")
	bid := newEvmBid(key, 10)

	require.NoError(t, mgr.AddBid(context.Background(), bid))
	assert.Len(t, idx.ListBids(key), 1)

	status, err := mgr.GetBidStatus(context.Background(), bid.Core().Id)
	require.NoError(t, err)
	assert.Equal(t, domain.BidStatusPending, status.Kind)
}

func TestManager_AddBid_RejectsNonPending(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	key := domain.NewAuctionKey([]byte("perm-1"), "op_sepolia")
	bid := newEvmBid(key, 10).WithStatus(domain.Submitted([]byte("0xaa"), 0))

	err := mgr.AddBid(context.Background(), bid)
	assert.True(t, apperror.Is(err, apperror.KindInvalidInput))
}

func TestManager_TransitionBidStatus_PublishesOnSuccess(t *testing.T) {
	mgr, _, idx, bus := newTestManager(t)
	key := domain.NewAuctionKey([]byte("perm-2"), "op_sepolia")
	bid := newEvmBid(key, 10)
	require.NoError(t, mgr.AddBid(context.Background(), bid))

	ch, unsub := bus.Subscribe()
	defer unsub()

	auctionID := uuid.New()
	applied, err := mgr.TransitionBidStatus(context.Background(), bid, domain.Submitted([]byte("0xaa"), 0), &auctionID)
	require.NoError(t, err)
	assert.True(t, applied)

	select {
	case evt := <-ch:
		assert.Equal(t, bid.Core().Id, evt.BidId)
		assert.Equal(t, domain.BidStatusSubmitted, evt.BidStatus.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	bids := idx.ListBids(key)
	require.Len(t, bids, 1)
	assert.Equal(t, domain.BidStatusSubmitted, bids[0].Core().Status.Kind)
	require.NotNil(t, bids[0].Core().AuctionId)
	assert.Equal(t, auctionID, *bids[0].Core().AuctionId)
}

func TestManager_TransitionBidStatus_RemovesFromIndexOnTerminal(t *testing.T) {
	mgr, _, idx, _ := newTestManager(t)
	key := domain.NewAuctionKey([]byte("perm-3"), "op_sepolia")
	bid := newEvmBid(key, 10)
	require.NoError(t, mgr.AddBid(context.Background(), bid))

	submitted := bid.WithStatus(domain.Submitted([]byte("0xaa"), 0))
	_, err := mgr.TransitionBidStatus(context.Background(), bid, submitted.Core().Status, nil)
	require.NoError(t, err)

	applied, err := mgr.TransitionBidStatus(context.Background(), submitted, domain.Won([]byte("0xaa"), 0), nil)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Empty(t, idx.ListBids(key), "a terminal bid must leave the live working set")
}

func TestManager_TransitionBidStatus_LostRaceSuppressesBroadcast(t *testing.T) {
	mgr, _, _, bus := newTestManager(t)
	key := domain.NewAuctionKey([]byte("perm-4"), "op_sepolia")
	bid := newEvmBid(key, 10)
	require.NoError(t, mgr.AddBid(context.Background(), bid))

	ch, unsub := bus.Subscribe()
	defer unsub()

	submitted := domain.Submitted([]byte("0xaa"), 0)
	applied, err := mgr.TransitionBidStatus(context.Background(), bid, submitted, nil)
	require.NoError(t, err)
	require.True(t, applied)
	<-ch // drain the first, real event

	// Re-invoke the SAME transition from the stale (already-superseded)
	// expected-current: the guarded UpdateStatus call observes the repo's
	// current status no longer matches bid's embedded Pending status, so
	// it must no-op and not broadcast again.
	applied2, err := mgr.TransitionBidStatus(context.Background(), bid, submitted, nil)
	require.NoError(t, err)
	assert.False(t, applied2)

	select {
	case <-ch:
		t.Fatal("no second broadcast should be emitted for a lost-race transition")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_TransitionBidStatus_RejectsIllegalTransition(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	key := domain.NewAuctionKey([]byte("perm-5"), "op_sepolia")
	bid := newEvmBid(key, 10)
	require.NoError(t, mgr.AddBid(context.Background(), bid))

	_, err := mgr.TransitionBidStatus(context.Background(), bid, domain.Won([]byte("0xaa"), 0), nil)
	assert.True(t, apperror.Is(err, apperror.KindInvalidInput))
}

func TestManager_AuctionLifecycle(t *testing.T) {
	mgr, _, idx, _ := newTestManager(t)
	key := domain.NewAuctionKey([]byte("perm-6"), "op_sepolia")

	a, err := mgr.InitAuction(context.Background(), key, domain.ChainTypeEvm, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, a.IsOpen())

	submitted, err := mgr.SubmitAuction(context.Background(), a, []byte("0xbeef"))
	require.NoError(t, err)
	assert.True(t, submitted.IsSubmitted())
	assert.Len(t, idx.ListSubmittedAuctions(key.ChainId), 1)

	// A second submission attempt on the same auction must fail the guard.
	_, err = mgr.SubmitAuction(context.Background(), a, []byte("0xdead"))
	assert.True(t, apperror.Is(err, apperror.KindInternalInvariantViolation))

	concluded, err := mgr.ConcludeAuction(context.Background(), submitted)
	require.NoError(t, err)
	assert.NotNil(t, concluded.ConclusionTime)
	assert.Empty(t, idx.ListSubmittedAuctions(key.ChainId), "concluded auction must leave the submitted index")
}

func TestManager_ConcludeAuction_Idempotent(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	key := domain.NewAuctionKey([]byte("perm-7"), "op_sepolia")

	a, err := mgr.InitAuction(context.Background(), key, domain.ChainTypeEvm, time.Now().UTC())
	require.NoError(t, err)
	submitted, err := mgr.SubmitAuction(context.Background(), a, []byte("0xbeef"))
	require.NoError(t, err)

	_, err = mgr.ConcludeAuction(context.Background(), submitted)
	require.NoError(t, err)

	// Concluding again is a no-op, not an error.
	again, err := mgr.ConcludeAuction(context.Background(), submitted)
	require.NoError(t, err)
	assert.NotNil(t, again.ConclusionTime)
}

func TestManager_GetOrCreateAccessToken_IdempotentUntilRevoked(t *testing.T) {
	mgr, _, idx, _ := newTestManager(t)
	profile, err := mgr.CreateProfile(context.Background(), "Alice", "alice@example.com")
	require.NoError(t, err)

	t1, minted1, err := mgr.GetOrCreateAccessToken(context.Background(), profile.Id)
	require.NoError(t, err)
	assert.True(t, minted1)

	t2, minted2, err := mgr.GetOrCreateAccessToken(context.Background(), profile.Id)
	require.NoError(t, err)
	assert.False(t, minted2)
	assert.Equal(t, t1.Token, t2.Token)

	cached, ok := idx.GetAccessToken(t1.Token)
	require.True(t, ok)
	assert.Equal(t, profile.Id, cached.ProfileId)

	require.NoError(t, mgr.RevokeAccessToken(context.Background(), *t2))
	_, ok = idx.GetAccessToken(t1.Token)
	assert.False(t, ok, "revoked token must be evicted from the cache")

	t3, minted3, err := mgr.GetOrCreateAccessToken(context.Background(), profile.Id)
	require.NoError(t, err)
	assert.True(t, minted3)
	assert.NotEqual(t, t1.Token, t3.Token)
}

func TestManager_GetProfileByToken_CacheOnly(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	profile, err := mgr.CreateProfile(context.Background(), "Bob", "bob@example.com")
	require.NoError(t, err)

	tok, _, err := mgr.GetOrCreateAccessToken(context.Background(), profile.Id)
	require.NoError(t, err)

	got, err := mgr.GetProfileByToken(context.Background(), tok.Token)
	require.NoError(t, err)
	assert.Equal(t, profile.Id, got.Id)

	_, err = mgr.GetProfileByToken(context.Background(), "never-issued")
	assert.True(t, apperror.Is(err, apperror.KindNotFound))

	require.NoError(t, mgr.RevokeAccessToken(context.Background(), *tok))
	_, err = mgr.GetProfileByToken(context.Background(), tok.Token)
	assert.True(t, apperror.Is(err, apperror.KindNotFound), "a revoked token must no longer resolve a profile")
}

func TestManager_WarmAccessTokenCache(t *testing.T) {
	mgr, repos, idx, _ := newTestManager(t)
	profile, err := mgr.CreateProfile(context.Background(), "Carol", "carol@example.com")
	require.NoError(t, err)

	tok := &domain.AccessToken{Id: uuid.New(), ProfileId: profile.Id, Token: "pre-existing-token"}
	require.NoError(t, repos.AccessTokens.Create(context.Background(), tok))

	_, ok := idx.GetAccessToken(tok.Token)
	require.False(t, ok, "token minted directly through the repo bypasses the cache")

	require.NoError(t, mgr.WarmAccessTokenCache(context.Background()))

	cached, ok := idx.GetAccessToken(tok.Token)
	require.True(t, ok)
	assert.Equal(t, profile.Id, cached.ProfileId)
}

func TestManager_OpportunityLifecycle(t *testing.T) {
	mgr, _, _, _ := newTestManager(t)
	key := domain.NewAuctionKey([]byte("perm-8"), "op_sepolia")

	o := &domain.Opportunity{
		Id:           uuid.New(),
		CreationTime: 1,
		Params: domain.OpportunityParams{
			Version: "v1",
			V1: &domain.OpportunityParamsV1{
				PermissionKey:   key.PermissionKeyBytes(),
				ChainId:         key.ChainId,
				TargetContract:  common.HexToAddress("0x00000000000000000000000000000000000002"),
				TargetCallValue: uint256.NewInt(0),
			},
		},
	}
	require.NoError(t, mgr.AddOpportunity(context.Background(), o))

	opps, err := mgr.GetOpportunitiesByPermissionKey(context.Background(), key)
	require.NoError(t, err)
	assert.Len(t, opps, 1)

	require.NoError(t, mgr.RemoveOpportunity(context.Background(), o.Id, domain.OpportunityRemovalFilled))

	opps, err = mgr.GetOpportunitiesByPermissionKey(context.Background(), key)
	require.NoError(t, err)
	assert.Empty(t, opps)
}
