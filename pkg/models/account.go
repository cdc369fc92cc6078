package models

import "time"

const (
	AccountUser = "user"
	AccountTeam = "team"
)

const (
	TierStarter = "starter"
	TierTeam    = "team"
)

// Account holds the credit balance and tier for an owner. Credits are a
// shared mutable resource across all of the owner's generations; every
// balance mutation is applied in the same transaction as the generation
// mutation that caused it.
type Account struct {
	URN       string    `db:"urn"        json:"urn"`
	Kind      string    `db:"kind"       json:"kind"`
	Name      string    `db:"name"       json:"name"`
	Tier      string    `db:"tier"       json:"tier"`
	Credits   int64     `db:"credits"    json:"credits"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ConcurrencyLimit returns the number of concurrently active generations a
// tier may hold. Unknown tiers get the starter limit.
func ConcurrencyLimit(tier string) int {
	if tier == TierTeam {
		return 5
	}
	return 1
}
