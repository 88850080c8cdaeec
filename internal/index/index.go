// Package index holds the auction server's in-memory working set: the live
// bids and in-flight auctions, plus the per-AuctionKey lock map that gives
// the system its at-most-one-auction-in-flight guarantee. It is a cache
// over the durable store (internal/store) — authoritative for what is
// pending/submitted right now, never for audit history.
package index

import (
	"log/slog"
	"sync"

	"github.com/expressrelay/auction-server/internal/domain"
)

// Index mirrors the shared in-memory working-set structures the submission
// and tracker loops need. Each is guarded by its own mutex; per-key auction
// locks are held independently and
// never while a structure's own mutex is held, so the only nesting order is
// (lock-map mutex -> per-key lock), which cannot deadlock.
type Index struct {
	bidsMu sync.RWMutex
	bids   map[domain.AuctionKey][]domain.Bid

	submittedMu sync.RWMutex
	submitted   map[domain.ChainId][]domain.Auction

	lockMu sync.Mutex
	locks  map[domain.AuctionKey]*refCountedLock

	tokensMu sync.RWMutex
	tokens   map[string]domain.AccessToken

	logger *slog.Logger
}

// refCountedLock is an AuctionLock with shared ownership: holders is the
// number of goroutines that currently hold a reference to this lock (not
// necessarily the mutex itself), so the lock-map entry can be dropped once
// nobody references it anymore.
type refCountedLock struct {
	mu      sync.Mutex
	holders int
}

func New(logger *slog.Logger) *Index {
	return &Index{
		bids:      make(map[domain.AuctionKey][]domain.Bid),
		submitted: make(map[domain.ChainId][]domain.Auction),
		locks:     make(map[domain.AuctionKey]*refCountedLock),
		tokens:    make(map[string]domain.AccessToken),
		logger:    logger,
	}
}

// AddBid appends a bid to its key's live set, preserving insertion order for
// fair tie-break.
func (idx *Index) AddBid(bid domain.Bid) {
	key := bid.Core().AuctionKey()
	idx.bidsMu.Lock()
	defer idx.bidsMu.Unlock()
	idx.bids[key] = append(idx.bids[key], bid)
}

// RemoveBidByID removes a bid from its key's live set. A no-op (not an
// error) if the id is absent — the caller may be racing a concurrent
// transition that already removed it.
func (idx *Index) RemoveBidByID(key domain.AuctionKey, id domain.BidId) {
	idx.bidsMu.Lock()
	defer idx.bidsMu.Unlock()
	bids, ok := idx.bids[key]
	if !ok {
		return
	}
	out := bids[:0]
	for _, b := range bids {
		if b.Core().Id != id {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		delete(idx.bids, key)
		return
	}
	idx.bids[key] = out
}

// UpdateBid replaces a bid in place by id. Logged and treated as a lost race
// (not an error) if the id is not found.
func (idx *Index) UpdateBid(updated domain.Bid) {
	key := updated.Core().AuctionKey()
	id := updated.Core().Id

	idx.bidsMu.Lock()
	defer idx.bidsMu.Unlock()
	bids, ok := idx.bids[key]
	if !ok {
		idx.logger.Warn("update bid: no entry for key", slog.String("bid_id", id.String()))
		return
	}
	for i, b := range bids {
		if b.Core().Id == id {
			bids[i] = updated
			return
		}
	}
	idx.logger.Warn("update bid: bid not found, treating as lost race", slog.String("bid_id", id.String()))
}

// ListBids returns a snapshot of the live bids for a key, in insertion order.
func (idx *Index) ListBids(key domain.AuctionKey) []domain.Bid {
	idx.bidsMu.RLock()
	defer idx.bidsMu.RUnlock()
	bids := idx.bids[key]
	out := make([]domain.Bid, len(bids))
	copy(out, bids)
	return out
}

// ListPermissionKeys returns the permission keys currently bearing live
// (Pending or Submitted) bids for a chain, the submission loop's per-tick work list.
func (idx *Index) ListPermissionKeys(chainId domain.ChainId) []string {
	idx.bidsMu.RLock()
	defer idx.bidsMu.RUnlock()
	var keys []string
	for k := range idx.bids {
		if k.ChainId == chainId {
			keys = append(keys, k.PermissionKey)
		}
	}
	return keys
}

// AddSubmittedAuction records an auction as in-flight for its chain.
func (idx *Index) AddSubmittedAuction(auction domain.Auction) {
	idx.submittedMu.Lock()
	defer idx.submittedMu.Unlock()
	idx.submitted[auction.ChainId] = append(idx.submitted[auction.ChainId], auction)
}

// ListSubmittedAuctions returns a snapshot of in-flight auctions for a chain.
func (idx *Index) ListSubmittedAuctions(chainId domain.ChainId) []domain.Auction {
	idx.submittedMu.RLock()
	defer idx.submittedMu.RUnlock()
	auctions := idx.submitted[chainId]
	out := make([]domain.Auction, len(auctions))
	copy(out, auctions)
	return out
}

// HasLiveSubmittedAuction reports whether key already has an in-flight
// (submitted, not yet concluded) auction, so the submission loop can skip
// creating a second one for the same key before the tracker resolves the
// first.
func (idx *Index) HasLiveSubmittedAuction(key domain.AuctionKey) bool {
	idx.submittedMu.RLock()
	defer idx.submittedMu.RUnlock()
	for _, a := range idx.submitted[key.ChainId] {
		if a.Key() == key {
			return true
		}
	}
	return false
}

// RemoveSubmittedAuctionIfResolved drops an auction from the submitted index
// iff no bid in the live set still references its tx_hash with status
// Submitted. Returns whether it was removed.
func (idx *Index) RemoveSubmittedAuctionIfResolved(auction domain.Auction) bool {
	key := auction.Key()
	for _, b := range idx.ListBids(key) {
		core := b.Core()
		if core.Status.Kind == domain.BidStatusSubmitted && string(core.Status.Result) == string(auction.TxHash) {
			return false
		}
	}

	idx.submittedMu.Lock()
	defer idx.submittedMu.Unlock()
	auctions, ok := idx.submitted[auction.ChainId]
	if !ok {
		return true
	}
	out := auctions[:0]
	for _, a := range auctions {
		if a.Id != auction.Id {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		delete(idx.submitted, auction.ChainId)
	} else {
		idx.submitted[auction.ChainId] = out
	}
	return true
}

// GetOrCreateLock returns the per-key lock, creating it on first use. The
// caller must call Release when done holding a reference, which allows the
// entry to be garbage collected once unreferenced.
func (idx *Index) GetOrCreateLock(key domain.AuctionKey) *AuctionLock {
	idx.lockMu.Lock()
	defer idx.lockMu.Unlock()
	rc, ok := idx.locks[key]
	if !ok {
		rc = &refCountedLock{}
		idx.locks[key] = rc
	}
	rc.holders++
	return &AuctionLock{idx: idx, key: key, rc: rc}
}

// releaseIfUnreferenced removes the lock-map entry iff no outstanding holder
// remains, preventing unbounded growth.
func (idx *Index) releaseIfUnreferenced(key domain.AuctionKey, rc *refCountedLock) {
	idx.lockMu.Lock()
	defer idx.lockMu.Unlock()
	rc.holders--
	if rc.holders <= 0 {
		if current, ok := idx.locks[key]; ok && current == rc {
			delete(idx.locks, key)
		}
	}
}

// PutAccessToken inserts or replaces the cached entry for a token string,
// keeping the cache coherent with a just-written non-revoked row: every
// non-revoked access_token row should appear in the cache.
func (idx *Index) PutAccessToken(tok domain.AccessToken) {
	idx.tokensMu.Lock()
	defer idx.tokensMu.Unlock()
	idx.tokens[tok.Token] = tok
}

// GetAccessToken returns the cached token and whether it was present. The
// cache is the only source consulted: it is warmed from the durable store at
// startup (Manager.WarmAccessTokenCache), and a miss is not retried against
// the store.
func (idx *Index) GetAccessToken(token string) (domain.AccessToken, bool) {
	idx.tokensMu.RLock()
	defer idx.tokensMu.RUnlock()
	tok, ok := idx.tokens[token]
	return tok, ok
}

// EvictAccessToken drops a revoked token from the cache so a revoked row
// never lingers as a cache hit.
func (idx *Index) EvictAccessToken(token string) {
	idx.tokensMu.Lock()
	defer idx.tokensMu.Unlock()
	delete(idx.tokens, token)
}

// AuctionLock is a held reference to a per-AuctionKey mutual-exclusion
// token. Lock/Unlock serialize lifecycle steps within one key; Release
// drops the caller's reference to the lock-map entry once it is no longer
// needed.
type AuctionLock struct {
	idx *Index
	key domain.AuctionKey
	rc  *refCountedLock
}

func (l *AuctionLock) Lock() { l.rc.mu.Lock() }

func (l *AuctionLock) Unlock() { l.rc.mu.Unlock() }

// Release returns this reference to the index's lock map, removing the
// entry if no other goroutine is holding a reference to the same key.
func (l *AuctionLock) Release() {
	l.idx.releaseIfUnreferenced(l.key, l.rc)
}
