// Package credit applies charge and refund deltas to owner balances. Both
// operations run against the caller's transaction so the balance mutation
// commits or rolls back together with the generation row that caused it.
package credit

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/renderloop/renderd/internal/store"
	"github.com/renderloop/renderd/pkg/models"
)

var ErrInsufficientCredits = errors.New("insufficient credits")

// Charge atomically decrements the account balance by amount. The balance is
// never read first: the conditional UPDATE is the check, so the balance can
// never go negative even under concurrent charges.
func Charge(ctx context.Context, q store.Querier, billingURN string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("charge amount must be non-negative, got %d", amount)
	}

	tag, err := q.Exec(ctx,
		`UPDATE accounts SET credits = credits - $2, updated_at = NOW()
		 WHERE urn = $1 AND credits >= $2`,
		billingURN, amount)
	if err != nil {
		return fmt.Errorf("charge account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := q.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM accounts WHERE urn = $1)`, billingURN).Scan(&exists); err != nil {
			return fmt.Errorf("check account: %w", err)
		}
		if !exists {
			return store.ErrNotFound
		}
		return ErrInsufficientCredits
	}
	return nil
}

// Refund atomically increments the account balance by amount. The caller
// sets credits_refunded on the generation in the same transaction.
func Refund(ctx context.Context, q store.Querier, billingURN string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("refund amount must be non-negative, got %d", amount)
	}
	if amount == 0 {
		return nil
	}

	tag, err := q.Exec(ctx,
		`UPDATE accounts SET credits = credits + $2, updated_at = NOW() WHERE urn = $1`,
		billingURN, amount)
	if err != nil {
		return fmt.Errorf("refund account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RefundAmount computes the refund owed for a terminated generation.
//
//	system, timeout: the full charge.
//	validation:      charged x (1 - progress), the unfinished share.
//	canceled:        floor(charged x (1 - progress) x 0.9), a 10% retention
//	                 fee on the unfinished share.
//
// Progress is clamped to [0, 1] and the result to [0, charged], so the
// refund can never exceed the charge.
func RefundAmount(charged int64, failureType string, progress float64) int64 {
	if charged <= 0 {
		return 0
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 1 {
		progress = 1
	}

	var refund int64
	switch failureType {
	case models.FailureSystem, models.FailureTimeout:
		refund = charged
	case models.FailureValidation:
		refund = int64(math.Floor(float64(charged) * (1 - progress)))
	case models.FailureCanceled:
		refund = int64(math.Floor(float64(charged) * (1 - progress) * 0.9))
	default:
		refund = 0
	}

	if refund < 0 {
		refund = 0
	}
	if refund > charged {
		refund = charged
	}
	return refund
}
