package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/expressrelay/auction-server/internal/apperror"
	"github.com/expressrelay/auction-server/internal/domain"
)

// AccessTokenRepo implements store.AccessTokenRepository with sqlx.
type AccessTokenRepo struct {
	db *sqlx.DB
}

func NewAccessTokenRepo(db *sqlx.DB) *AccessTokenRepo {
	return &AccessTokenRepo{db: db}
}

type accessTokenRow struct {
	ID        uuid.UUID  `db:"id"`
	ProfileID uuid.UUID  `db:"profile_id"`
	Token     string     `db:"token"`
	RevokedAt *time.Time `db:"revoked_at"`
}

func (r accessTokenRow) toDomain() domain.AccessToken {
	return domain.AccessToken{Id: r.ID, ProfileId: r.ProfileID, Token: r.Token, RevokedAt: r.RevokedAt}
}

func (r *AccessTokenRepo) Create(ctx context.Context, t *domain.AccessToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO access_tokens (id, profile_id, token, revoked_at) VALUES ($1, $2, $3, $4)`,
		t.Id, t.ProfileId, t.Token, t.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("creating access token: %w", err)
	}
	return nil
}

func (r *AccessTokenRepo) GetByToken(ctx context.Context, token string) (*domain.AccessToken, error) {
	var row accessTokenRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM access_tokens WHERE token = $1`, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("access token not found", err)
		}
		return nil, fmt.Errorf("getting access token: %w", err)
	}
	t := row.toDomain()
	return &t, nil
}

// GetActiveByProfile returns the profile's non-revoked token. The uniqueness
// invariant (at most one non-revoked token per profile) means at most one
// row can ever match.
func (r *AccessTokenRepo) GetActiveByProfile(ctx context.Context, profileId domain.ProfileId) (*domain.AccessToken, error) {
	var row accessTokenRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM access_tokens WHERE profile_id = $1 AND revoked_at IS NULL`, profileId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("no active access token for profile", err)
		}
		return nil, fmt.Errorf("getting active access token: %w", err)
	}
	t := row.toDomain()
	return &t, nil
}

func (r *AccessTokenRepo) ListNonRevoked(ctx context.Context) ([]domain.AccessToken, error) {
	var rows []accessTokenRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM access_tokens WHERE revoked_at IS NULL`); err != nil {
		return nil, fmt.Errorf("listing non-revoked access tokens: %w", err)
	}
	out := make([]domain.AccessToken, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// Revoke is a guarded UPDATE: it only marks the token revoked while it is
// still live, so a racing reissue cannot be undone by a stale revoke call.
func (r *AccessTokenRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE access_tokens SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("revoking access token: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("access token %s not found or already revoked", id)
	}
	return nil
}
