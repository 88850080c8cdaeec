package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jmoiron/sqlx"

	"github.com/expressrelay/auction-server/internal/domain"
)

// BidRepo implements store.BidRepository with sqlx. EVM and SVM variants
// share one table; the columns each chain type does not use stay NULL.
type BidRepo struct {
	db *sqlx.DB
}

func NewBidRepo(db *sqlx.DB) *BidRepo {
	return &BidRepo{db: db}
}

type bidRow struct {
	ID              uuid.UUID      `db:"id"`
	PermissionKey   []byte         `db:"permission_key"`
	ChainID         string         `db:"chain_id"`
	ChainType       string         `db:"chain_type"`
	ProfileID       *uuid.UUID     `db:"profile_id"`
	AuctionID       *uuid.UUID     `db:"auction_id"`
	BidAmount       string         `db:"bid_amount"`
	InitiationTime  time.Time      `db:"initiation_time"`
	Status          string         `db:"status"`
	StatusResult    []byte         `db:"status_result"`
	StatusIndex     sql.NullInt64  `db:"status_index"`
	TargetContract  []byte         `db:"target_contract"`
	TargetCalldata  []byte         `db:"target_calldata"`
	GasLimit        sql.NullString `db:"gas_limit"`
	Transaction     []byte         `db:"transaction"`
}

func (r bidRow) toDomain() (domain.Bid, error) {
	amount, err := decodeUint256(r.BidAmount)
	if err != nil {
		return nil, fmt.Errorf("decoding bid_amount: %w", err)
	}
	status, err := decodeBidStatus(r)
	if err != nil {
		return nil, err
	}
	core := domain.CoreFields{
		Id:             r.ID,
		BidAmount:      amount,
		PermissionKey:  domain.PermissionKey(r.PermissionKey),
		ChainId:        r.ChainID,
		Status:         status,
		InitiationTime: r.InitiationTime,
		ProfileId:      r.ProfileID,
		AuctionId:      r.AuctionID,
	}

	switch domain.ChainType(r.ChainType) {
	case domain.ChainTypeEvm:
		var gasLimit *uint256.Int
		if r.GasLimit.Valid {
			v, err := decodeUint256(r.GasLimit.String)
			if err != nil {
				return nil, fmt.Errorf("decoding gas_limit: %w", err)
			}
			gasLimit = v
		}
		return domain.EVMBid{
			CoreFields:     core,
			TargetContract: common.BytesToAddress(r.TargetContract),
			TargetCalldata: r.TargetCalldata,
			GasLimit:       gasLimit,
		}, nil
	case domain.ChainTypeSvm:
		var tx *solana.Transaction
		if len(r.Transaction) > 0 {
			decoded, err := solana.TransactionFromBytes(r.Transaction)
			if err != nil {
				return nil, fmt.Errorf("decoding transaction: %w", err)
			}
			tx = decoded
		}
		return domain.SVMBid{CoreFields: core, Transaction: tx}, nil
	default:
		return nil, fmt.Errorf("unknown chain_type %q", r.ChainType)
	}
}

func decodeBidStatus(r bidRow) (domain.BidStatus, error) {
	var index *uint32
	if r.StatusIndex.Valid {
		i := uint32(r.StatusIndex.Int64)
		index = &i
	}
	switch domain.BidStatusKind(r.Status) {
	case domain.BidStatusPending:
		return domain.Pending(), nil
	case domain.BidStatusSubmitted:
		if index == nil {
			return domain.BidStatus{}, fmt.Errorf("submitted bid %s missing status_index", r.ID)
		}
		return domain.Submitted(r.StatusResult, *index), nil
	case domain.BidStatusWon:
		if index == nil {
			return domain.BidStatus{}, fmt.Errorf("won bid %s missing status_index", r.ID)
		}
		return domain.Won(r.StatusResult, *index), nil
	case domain.BidStatusLost:
		return domain.Lost(r.StatusResult, index), nil
	default:
		return domain.BidStatus{}, fmt.Errorf("unknown bid status %q", r.Status)
	}
}

func (r *BidRepo) Create(ctx context.Context, b domain.Bid) error {
	core := b.Core()
	row := bidRow{
		ID:             core.Id,
		PermissionKey:  []byte(core.PermissionKey),
		ChainID:        core.ChainId,
		ChainType:      string(b.ChainType()),
		ProfileID:      core.ProfileId,
		AuctionID:      core.AuctionId,
		BidAmount:      encodeUint256(core.BidAmount),
		InitiationTime: core.InitiationTime,
		Status:         string(core.Status.Kind),
		StatusResult:   core.Status.Result,
	}
	if core.Status.Index != nil {
		row.StatusIndex = sql.NullInt64{Int64: int64(*core.Status.Index), Valid: true}
	}

	switch v := b.(type) {
	case domain.EVMBid:
		row.TargetContract = v.TargetContract.Bytes()
		row.TargetCalldata = v.TargetCalldata
		if v.GasLimit != nil {
			row.GasLimit = sql.NullString{String: encodeUint256(v.GasLimit), Valid: true}
		}
	case domain.SVMBid:
		txBytes, err := v.Transaction.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encoding transaction: %w", err)
		}
		row.Transaction = txBytes
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO bids
		(id, permission_key, chain_id, chain_type, profile_id, auction_id, bid_amount, initiation_time,
		 status, status_result, status_index, target_contract, target_calldata, gas_limit, transaction)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		row.ID, row.PermissionKey, row.ChainID, row.ChainType, row.ProfileID, row.AuctionID, row.BidAmount, row.InitiationTime,
		row.Status, row.StatusResult, row.StatusIndex, row.TargetContract, row.TargetCalldata, row.GasLimit, row.Transaction,
	)
	if err != nil {
		return fmt.Errorf("creating bid: %w", err)
	}
	return nil
}

func (r *BidRepo) GetByID(ctx context.Context, id domain.BidId) (domain.Bid, error) {
	var row bidRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM bids WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("getting bid: %w", err)
	}
	return row.toDomain()
}

func (r *BidRepo) ListByPermissionKey(ctx context.Context, key domain.AuctionKey) ([]domain.Bid, error) {
	var rows []bidRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM bids WHERE permission_key = $1 AND chain_id = $2 ORDER BY initiation_time ASC`,
		[]byte(key.PermissionKeyBytes()), key.ChainId,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bids by permission key: %w", err)
	}
	return bidRowsToDomain(rows)
}

func (r *BidRepo) ListByTimeRange(ctx context.Context, chainId domain.ChainId, from, to time.Time) ([]domain.Bid, error) {
	var rows []bidRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM bids WHERE chain_id = $1 AND initiation_time >= $2 AND initiation_time <= $3 ORDER BY initiation_time ASC`,
		chainId, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bids by time range: %w", err)
	}
	return bidRowsToDomain(rows)
}

func bidRowsToDomain(rows []bidRow) ([]domain.Bid, error) {
	out := make([]domain.Bid, 0, len(rows))
	for _, row := range rows {
		b, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// UpdateStatus is a guarded UPDATE that keeps bid transitions race-free: the WHERE
// clause pins both id and the expected current status, so two racing
// callers attempting the same transition can never both apply it. When
// auctionId is non-nil it is written to auction_id as well (the
// Pending->Submitted transition, which is when a bid first joins an
// auction); a nil auctionId leaves the existing column value untouched via
// COALESCE, since later transitions (Won/Lost) don't change which auction
// the bid belongs to.
func (r *BidRepo) UpdateStatus(ctx context.Context, id domain.BidId, expectedCurrent, next domain.BidStatus, auctionId *domain.AuctionId) (bool, error) {
	if err := expectedCurrent.CanTransition(next); err != nil {
		return false, err
	}

	var statusIndex sql.NullInt64
	if next.Index != nil {
		statusIndex = sql.NullInt64{Int64: int64(*next.Index), Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE bids SET status = $1, status_result = $2, status_index = $3, auction_id = COALESCE($4, auction_id)
		WHERE id = $5 AND status = $6`,
		string(next.Kind), next.Result, statusIndex, auctionId, id, string(expectedCurrent.Kind),
	)
	if err != nil {
		return false, fmt.Errorf("updating bid status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}
