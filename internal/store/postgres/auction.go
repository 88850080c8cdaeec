package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/expressrelay/auction-server/internal/domain"
)

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db *sqlx.DB
}

func NewAuctionRepo(db *sqlx.DB) *AuctionRepo {
	return &AuctionRepo{db: db}
}

type auctionRow struct {
	ID                domain.AuctionId `db:"id"`
	PermissionKey     []byte           `db:"permission_key"`
	ChainID           string           `db:"chain_id"`
	ChainType         string           `db:"chain_type"`
	CreationTime      time.Time        `db:"creation_time"`
	BidCollectionTime sql.NullTime     `db:"bid_collection_time"`
	SubmissionTime    sql.NullTime     `db:"submission_time"`
	TxHash            []byte           `db:"tx_hash"`
	ConclusionTime    sql.NullTime     `db:"conclusion_time"`
}

func (r auctionRow) toDomain() domain.Auction {
	a := domain.Auction{
		Id:            r.ID,
		CreationTime:  r.CreationTime,
		PermissionKey: domain.PermissionKey(r.PermissionKey),
		ChainId:       r.ChainID,
		ChainType:     domain.ChainType(r.ChainType),
		TxHash:        r.TxHash,
	}
	if r.BidCollectionTime.Valid {
		a.BidCollectionTime = &r.BidCollectionTime.Time
	}
	if r.SubmissionTime.Valid {
		a.SubmissionTime = &r.SubmissionTime.Time
	}
	if r.ConclusionTime.Valid {
		a.ConclusionTime = &r.ConclusionTime.Time
	}
	return a
}

func (r *AuctionRepo) Create(ctx context.Context, a *domain.Auction) error {
	a.CreationTime = time.Now().UTC()
	if a.BidCollectionTime == nil {
		now := a.CreationTime
		a.BidCollectionTime = &now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auctions (id, permission_key, chain_id, chain_type, creation_time, bid_collection_time)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.Id, []byte(a.PermissionKey), a.ChainId, string(a.ChainType), a.CreationTime, a.BidCollectionTime,
	)
	if err != nil {
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) GetByID(ctx context.Context, id domain.AuctionId) (*domain.Auction, error) {
	var row auctionRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM auctions WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	a := row.toDomain()
	return &a, nil
}

// MarkSubmitted guards on submission_time still being unset: only a row with no submission_time yet can be moved into
// the dispatched state, so a retried or duplicate submission_loop tick
// cannot re-dispatch the same auction.
func (r *AuctionRepo) MarkSubmitted(ctx context.Context, id domain.AuctionId, txHash []byte, submissionTime time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET tx_hash = $1, submission_time = $2 WHERE id = $3 AND submission_time IS NULL`,
		txHash, submissionTime, id,
	)
	if err != nil {
		return false, fmt.Errorf("marking auction submitted: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

// Conclude guards on the auction not already being concluded, so the
// tracker loop's per-tick reconciliation is idempotent under retries.
func (r *AuctionRepo) Conclude(ctx context.Context, id domain.AuctionId, conclusionTime time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE auctions SET conclusion_time = $1 WHERE id = $2 AND conclusion_time IS NULL`,
		conclusionTime, id,
	)
	if err != nil {
		return false, fmt.Errorf("concluding auction: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *AuctionRepo) ListSubmittedByChain(ctx context.Context, chainId domain.ChainId) ([]domain.Auction, error) {
	var rows []auctionRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM auctions WHERE chain_id = $1 AND submission_time IS NOT NULL AND conclusion_time IS NULL
		 ORDER BY submission_time ASC`,
		chainId,
	)
	if err != nil {
		return nil, fmt.Errorf("listing submitted auctions: %w", err)
	}
	out := make([]domain.Auction, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}
