package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey represents an authentication key bound to an account.
// Raw keys are shown once at creation; only the bcrypt hash is stored.
// UserID identifies the human behind the key; for team accounts the owner
// URN of requests made with the key is "user:<uid>@team:<tid>".
type APIKey struct {
	ID         uuid.UUID  `db:"id"           json:"id"`
	AccountURN string     `db:"account_urn"  json:"account_urn"`
	UserID     string     `db:"user_id"      json:"user_id"`
	Name       string     `db:"name"         json:"name"`
	KeyHash    string     `db:"key_hash"     json:"-"`
	KeyPrefix  string     `db:"key_prefix"   json:"key_prefix"`
	Scopes     []string   `db:"scopes"       json:"scopes"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	DeletedAt  *time.Time `db:"deleted_at"   json:"-"`
	CreatedAt  time.Time  `db:"created_at"   json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"   json:"updated_at"`
}
