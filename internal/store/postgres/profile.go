package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/expressrelay/auction-server/internal/domain"
)

// ProfileRepo implements store.ProfileRepository with sqlx.
type ProfileRepo struct {
	db *sqlx.DB
}

func NewProfileRepo(db *sqlx.DB) *ProfileRepo {
	return &ProfileRepo{db: db}
}

type profileRow struct {
	ID        domain.ProfileId `db:"id"`
	Name      string           `db:"name"`
	Email     string           `db:"email"`
	CreatedAt time.Time        `db:"created_at"`
	UpdatedAt time.Time        `db:"updated_at"`
}

func (r profileRow) toDomain() domain.Profile {
	return domain.Profile{Id: r.ID, Name: r.Name, Email: r.Email, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

func (r *ProfileRepo) Create(ctx context.Context, p *domain.Profile) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, name, email, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		p.Id, p.Name, p.Email, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating profile: %w", err)
	}
	return nil
}

func (r *ProfileRepo) GetByID(ctx context.Context, id domain.ProfileId) (*domain.Profile, error) {
	var row profileRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM profiles WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("getting profile by id: %w", err)
	}
	p := row.toDomain()
	return &p, nil
}

func (r *ProfileRepo) GetByEmail(ctx context.Context, email string) (*domain.Profile, error) {
	var row profileRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM profiles WHERE email = $1`, email); err != nil {
		return nil, fmt.Errorf("getting profile by email: %w", err)
	}
	p := row.toDomain()
	return &p, nil
}

func (r *ProfileRepo) List(ctx context.Context) ([]domain.Profile, error) {
	var rows []profileRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM profiles ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	out := make([]domain.Profile, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}
