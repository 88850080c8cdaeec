package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProfileId identifies a registered searcher profile.
type ProfileId = uuid.UUID

// Profile is a registered searcher account.
type Profile struct {
	Id        ProfileId
	Name      string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AccessToken is a bearer credential for a Profile. Invariant: at most one
// non-revoked token exists per profile.
type AccessToken struct {
	Id        uuid.UUID
	ProfileId ProfileId
	Token     string
	RevokedAt *time.Time
}
