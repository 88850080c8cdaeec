package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jmoiron/sqlx"

	"github.com/expressrelay/auction-server/internal/domain"
)

// OpportunityRepo implements store.OpportunityRepository with sqlx.
type OpportunityRepo struct {
	db *sqlx.DB
}

func NewOpportunityRepo(db *sqlx.DB) *OpportunityRepo {
	return &OpportunityRepo{db: db}
}

type opportunityRow struct {
	ID               domain.OpportunityId `db:"id"`
	CreationTime     int64                `db:"creation_time"`
	PermissionKey    []byte               `db:"permission_key"`
	ChainID          string               `db:"chain_id"`
	TargetContract   []byte               `db:"target_contract"`
	TargetCalldata   []byte               `db:"target_calldata"`
	TargetCallValue  string               `db:"target_call_value"`
	SellTokens       []byte               `db:"sell_tokens"`
	BuyTokens        []byte               `db:"buy_tokens"`
	RemovedAt        *time.Time           `db:"removed_at"`
	RemovalReason    *string              `db:"removal_reason"`
}

func (r opportunityRow) toDomain() (domain.Opportunity, error) {
	var sell, buy []domain.TokenAmount
	if err := json.Unmarshal(r.SellTokens, &sell); err != nil {
		return domain.Opportunity{}, fmt.Errorf("decoding sell_tokens: %w", err)
	}
	if err := json.Unmarshal(r.BuyTokens, &buy); err != nil {
		return domain.Opportunity{}, fmt.Errorf("decoding buy_tokens: %w", err)
	}
	callValue, err := decodeUint256(r.TargetCallValue)
	if err != nil {
		return domain.Opportunity{}, fmt.Errorf("decoding target_call_value: %w", err)
	}
	return domain.Opportunity{
		Id:           r.ID,
		CreationTime: r.CreationTime,
		Params: domain.OpportunityParams{
			Version: "v1",
			V1: &domain.OpportunityParamsV1{
				PermissionKey:   domain.PermissionKey(r.PermissionKey),
				ChainId:         r.ChainID,
				TargetContract:  common.BytesToAddress(r.TargetContract),
				TargetCalldata:  r.TargetCalldata,
				TargetCallValue: callValue,
				SellTokens:      sell,
				BuyTokens:       buy,
			},
		},
	}, nil
}

func decodeUint256(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("parsing decimal amount %q", s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("amount %q overflows 256 bits", s)
	}
	return v, nil
}

func encodeUint256(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.ToBig().String()
}

func (r *OpportunityRepo) Create(ctx context.Context, o *domain.Opportunity) error {
	if o.Params.V1 == nil {
		return fmt.Errorf("creating opportunity: missing v1 params")
	}
	sellJSON, err := json.Marshal(o.Params.V1.SellTokens)
	if err != nil {
		return fmt.Errorf("encoding sell_tokens: %w", err)
	}
	buyJSON, err := json.Marshal(o.Params.V1.BuyTokens)
	if err != nil {
		return fmt.Errorf("encoding buy_tokens: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO opportunities
		 (id, creation_time, permission_key, chain_id, target_contract, target_calldata, target_call_value, sell_tokens, buy_tokens)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		o.Id, o.CreationTime, []byte(o.Params.V1.PermissionKey), o.Params.V1.ChainId,
		o.Params.V1.TargetContract.Bytes(), o.Params.V1.TargetCalldata, encodeUint256(o.Params.V1.TargetCallValue),
		string(sellJSON), string(buyJSON),
	)
	if err != nil {
		return fmt.Errorf("creating opportunity: %w", err)
	}
	return nil
}

func (r *OpportunityRepo) GetByID(ctx context.Context, id domain.OpportunityId) (*domain.Opportunity, error) {
	var row opportunityRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM opportunities WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("getting opportunity: %w", err)
	}
	o, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *OpportunityRepo) ListByPermissionKey(ctx context.Context, key domain.AuctionKey) ([]domain.Opportunity, error) {
	var rows []opportunityRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT * FROM opportunities WHERE permission_key = $1 AND chain_id = $2 AND removed_at IS NULL ORDER BY creation_time ASC`,
		[]byte(key.PermissionKeyBytes()), key.ChainId,
	)
	if err != nil {
		return nil, fmt.Errorf("listing opportunities by permission key: %w", err)
	}
	return rowsToDomain(rows)
}

func (r *OpportunityRepo) ListAll(ctx context.Context) ([]domain.Opportunity, error) {
	var rows []opportunityRow
	err := r.db.SelectContext(ctx, &rows, `SELECT * FROM opportunities WHERE removed_at IS NULL ORDER BY creation_time ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing opportunities: %w", err)
	}
	return rowsToDomain(rows)
}

func rowsToDomain(rows []opportunityRow) ([]domain.Opportunity, error) {
	out := make([]domain.Opportunity, 0, len(rows))
	for _, row := range rows {
		o, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *OpportunityRepo) Remove(ctx context.Context, id domain.OpportunityId, reason domain.OpportunityRemovalReason) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE opportunities SET removed_at = $1, removal_reason = $2 WHERE id = $3 AND removed_at IS NULL`,
		time.Now().UTC(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("removing opportunity: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("opportunity %s not found or already removed", id)
	}
	return nil
}
