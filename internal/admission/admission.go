// Package admission enforces concurrency quotas at creation time. The
// evaluation must run inside the create transaction, after the account row
// lock: a check outside that lock would let two concurrent creates both
// pass and jointly exceed the quota.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/renderloop/renderd/internal/store"
	"github.com/renderloop/renderd/pkg/models"
)

var (
	ErrQuotaExceeded = errors.New("owner concurrency quota exceeded")
	ErrProjectBusy   = errors.New("project already has an active generation")
)

// Each project holds at most one active generation, independent of tier.
const maxActivePerProject = 1

// Evaluate admits or rejects a new generation for the billing scope. It
// counts generations currently queued or processing against the tier limit,
// and against the per-project cap when projectID is set.
func Evaluate(ctx context.Context, q store.Querier, billingURN, tier string, projectID *uuid.UUID) error {
	active, err := store.CountActiveGenerations(ctx, q, billingURN, nil)
	if err != nil {
		return err
	}
	if limit := models.ConcurrencyLimit(tier); active >= limit {
		return fmt.Errorf("%w: %d of %d active for %s tier", ErrQuotaExceeded, active, limit, tier)
	}

	if projectID != nil {
		projectActive, err := store.CountActiveGenerations(ctx, q, billingURN, projectID)
		if err != nil {
			return err
		}
		if projectActive >= maxActivePerProject {
			return fmt.Errorf("%w: project %s", ErrProjectBusy, projectID)
		}
	}

	return nil
}
