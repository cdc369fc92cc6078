// Package orchestrator owns the generation lifecycle: admission, the
// optimistic credit charge, dispatch to the compute backend, callback-driven
// state transitions, cancellation, and the refunds terminal states produce.
// Every multi-row mutation runs in one database transaction with the
// generation row locked, so balances and statuses never drift apart.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/renderloop/renderd/internal/admission"
	"github.com/renderloop/renderd/internal/cache"
	"github.com/renderloop/renderd/internal/compute"
	"github.com/renderloop/renderd/internal/config"
	"github.com/renderloop/renderd/internal/credit"
	"github.com/renderloop/renderd/internal/renderspec"
	"github.com/renderloop/renderd/internal/store"
	"github.com/renderloop/renderd/pkg/models"
)

const (
	// idempotencyWindow is how long a key pins its first result. Past it
	// the key is released and a replayed request creates a fresh generation.
	idempotencyWindow = 24 * time.Hour

	statusCacheTTL = time.Hour
)

// EventSink receives lifecycle events for fan-out to webhook subscribers.
// Implementations must not block; the orchestrator emits inline on request
// and callback paths.
type EventSink interface {
	Emit(event string, g *models.Generation)
}

// NopSink discards events. Used when webhooks are disabled and in tests.
type NopSink struct{}

func (NopSink) Emit(string, *models.Generation) {}

// Service drives generations through their state machine.
type Service struct {
	store     store.Store
	cache     cache.Cache
	compute   compute.Client
	validator renderspec.Validator
	events    EventSink
	cfg       config.DispatchConfig
	logger    *slog.Logger
}

func New(st store.Store, c cache.Cache, comp compute.Client, v renderspec.Validator, events EventSink, cfg config.DispatchConfig, logger *slog.Logger) *Service {
	if events == nil {
		events = NopSink{}
	}
	return &Service{
		store:     st,
		cache:     c,
		compute:   comp,
		validator: v,
		events:    events,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateParams describes one render request.
type CreateParams struct {
	Owner          models.OwnerURN
	TriggeredBy    string
	Spec           json.RawMessage
	Options        json.RawMessage
	ProjectID      *uuid.UUID
	IdempotencyKey *string
}

// Create validates the spec, prices it, and atomically admits, charges, and
// inserts the generation. The returned bool is false when an idempotency key
// replayed an earlier result. On success the generation is already queued and
// dispatch to the compute backend is underway.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Generation, bool, error) {
	if !p.Owner.Valid() {
		return nil, false, fmt.Errorf("%w: owner urn %q", ErrValidation, p.Owner.String())
	}
	if p.ProjectID != nil && !p.Owner.TeamOwned() {
		return nil, false, fmt.Errorf("%w: project generations require a team owner", ErrValidation)
	}

	spec, err := s.validator.Validate(p.Spec)
	if err != nil {
		return nil, false, err
	}

	cost := CostFor(spec)
	scope := p.Owner.BillingScope()
	now := time.Now().UTC()

	var g *models.Generation
	replay := false
	err = s.store.WithTx(ctx, func(q store.Querier) error {
		// The account row lock serializes all creates for this billing
		// scope, so the admission count and balance check below cannot race.
		acct, err := store.LockAccount(ctx, q, scope)
		if err != nil {
			return err
		}

		if p.IdempotencyKey != nil {
			since := now.Add(-idempotencyWindow)
			prior, err := store.GetGenerationByIdempotencyKey(ctx, q, p.Owner.String(), *p.IdempotencyKey, since)
			switch {
			case err == nil:
				g, replay = prior, true
				return nil
			case !errors.Is(err, store.ErrNotFound):
				return err
			}
			if err := store.ReleaseIdempotencyKey(ctx, q, p.Owner.String(), *p.IdempotencyKey, since); err != nil {
				return err
			}
		}

		if err := admission.Evaluate(ctx, q, scope, acct.Tier, p.ProjectID); err != nil {
			return err
		}
		if err := credit.Charge(ctx, q, scope, cost); err != nil {
			return err
		}

		g = &models.Generation{
			ID:             uuid.New(),
			OwnerURN:       p.Owner.String(),
			BillingURN:     scope,
			TriggeredBy:    p.TriggeredBy,
			ProjectID:      p.ProjectID,
			Status:         models.GenerationQueued,
			SpecSnapshot:   spec.Raw,
			Options:        p.Options,
			CreditsCharged: cost,
			IdempotencyKey: p.IdempotencyKey,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return store.InsertGeneration(ctx, q, g)
	})
	if err != nil {
		// A concurrent request with the same key can win the insert between
		// our lookup and commit; resolve to the winner instead of erroring.
		if errors.Is(err, store.ErrDuplicateKey) && p.IdempotencyKey != nil {
			prior, rerr := s.store.ResolveIdempotentGeneration(ctx, p.Owner.String(), *p.IdempotencyKey, now.Add(-idempotencyWindow))
			if rerr == nil {
				return prior, false, nil
			}
		}
		return nil, false, err
	}
	if replay {
		return g, false, nil
	}

	s.cacheStatus(ctx, g)
	s.events.Emit(models.EventGenerationQueued, g)
	go s.dispatch(g)

	return g, true, nil
}

// Get returns a generation visible to the requester. Rows outside the
// requester's scope read as not found rather than forbidden.
func (s *Service) Get(ctx context.Context, id uuid.UUID, requester models.OwnerURN) (*models.Generation, error) {
	g, err := s.store.GetGeneration(ctx, id)
	if err != nil {
		return nil, err
	}
	owner, err := models.ParseOwnerURN(g.OwnerURN)
	if err != nil {
		return nil, fmt.Errorf("stored owner urn: %w", err)
	}
	if !owner.Covers(requester) {
		return nil, store.ErrNotFound
	}
	return g, nil
}

// Cancel moves an active generation to canceled, refunds the unfinished
// fraction minus the retention fee, and asks the backend to stop. A
// generation that already settled returns AlreadyTerminalError and nothing
// changes.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, requester models.OwnerURN) (*models.Generation, error) {
	msg := "canceled by user"
	ft := models.FailureCanceled
	now := time.Now().UTC()

	var updated *models.Generation
	var externalID string
	err := s.store.WithTx(ctx, func(q store.Querier) error {
		cur, err := store.GetGenerationForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		owner, err := models.ParseOwnerURN(cur.OwnerURN)
		if err != nil {
			return fmt.Errorf("stored owner urn: %w", err)
		}
		if !owner.Covers(requester) {
			return ErrForbidden
		}
		if cur.Terminal() {
			return &AlreadyTerminalError{Status: cur.Status}
		}
		if cur.ExternalJobID != nil {
			externalID = *cur.ExternalJobID
		}

		refund := credit.RefundAmount(cur.CreditsCharged, models.FailureCanceled, cur.Progress)
		updated, err = store.TransitionGeneration(ctx, q, id, store.TransitionParams{
			Status:           models.GenerationCanceled,
			ExpectedStatuses: models.ActiveStatuses,
			ErrorMessage:     &msg,
			FailureType:      &ft,
			CreditsRefunded:  &refund,
			CompletedAt:      &now,
		})
		if err != nil {
			return err
		}
		if refund > 0 {
			return credit.Refund(ctx, q, cur.BillingURN, refund)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cacheStatus(ctx, updated)
	s.publishProgress(ctx, updated, models.EventGenerationCanceled)
	s.events.Emit(models.EventGenerationCanceled, updated)
	if externalID != "" {
		// Best effort. The backend may finish anyway; a late completion
		// callback then loses the status CAS and is dropped.
		go s.cancelBackend(externalID)
	}
	return updated, nil
}

// HandleCallback applies one asynchronous status report from the compute
// backend. Delivery is at-least-once, so duplicate terminal reports and
// reports for already-settled generations return nil and change nothing.
func (s *Service) HandleCallback(ctx context.Context, cb compute.Callback) error {
	id, err := uuid.Parse(cb.GenerationID)
	if err != nil {
		return fmt.Errorf("%w: generation id %q", ErrBadCallback, cb.GenerationID)
	}

	switch cb.Status {
	case "running", "progress":
		return s.applyProgress(ctx, id, cb)
	case "completed":
		return s.complete(ctx, id, cb)
	case "failed":
		return s.fail(ctx, id, cb)
	default:
		return fmt.Errorf("%w: status %q", ErrBadCallback, cb.Status)
	}
}

func (s *Service) applyProgress(ctx context.Context, id uuid.UUID, cb compute.Callback) error {
	if s.settledInCache(ctx, id) {
		return nil
	}
	updated, err := s.store.UpdateGenerationProgress(ctx, id, clamp01(cb.Progress))
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Settled while the report was in flight; late progress is noise.
			return nil
		}
		return err
	}

	s.publishProgress(ctx, updated, models.EventGenerationProgress)
	s.events.Emit(models.EventGenerationProgress, updated)
	return nil
}

func (s *Service) complete(ctx context.Context, id uuid.UUID, cb compute.Callback) error {
	if s.settledInCache(ctx, id) {
		return nil
	}
	now := time.Now().UTC()
	done := 1.0

	var updated *models.Generation
	err := s.store.WithTx(ctx, func(q store.Querier) error {
		cur, err := store.GetGenerationForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		if err := checkCallbackTarget(cur, cb); err != nil {
			return err
		}

		updated, err = store.TransitionGeneration(ctx, q, id, store.TransitionParams{
			Status:           models.GenerationCompleted,
			ExpectedStatuses: models.ActiveStatuses,
			Progress:         &done,
			Output:           cb.Output,
			CompletedAt:      &now,
		})
		return err
	})
	if err != nil {
		var term *AlreadyTerminalError
		if errors.As(err, &term) {
			return nil
		}
		return err
	}

	s.cacheStatus(ctx, updated)
	s.publishProgress(ctx, updated, models.EventGenerationCompleted)
	s.events.Emit(models.EventGenerationCompleted, updated)
	return nil
}

func (s *Service) fail(ctx context.Context, id uuid.UUID, cb compute.Callback) error {
	ft := cb.FailureType
	switch ft {
	case models.FailureSystem, models.FailureTimeout, models.FailureValidation:
	case "":
		ft = models.FailureSystem
	default:
		return fmt.Errorf("%w: failure type %q", ErrBadCallback, cb.FailureType)
	}
	msg := cb.Error
	if msg == "" {
		msg = "render failed"
	}
	if s.settledInCache(ctx, id) {
		return nil
	}
	now := time.Now().UTC()

	var updated *models.Generation
	err := s.store.WithTx(ctx, func(q store.Querier) error {
		cur, err := store.GetGenerationForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		if err := checkCallbackTarget(cur, cb); err != nil {
			return err
		}

		// The refund reads progress at the moment of failure. The failure
		// report may carry fresher progress than the last persisted update.
		progress := cur.Progress
		if p := clamp01(cb.Progress); p > progress {
			progress = p
		}
		refund := credit.RefundAmount(cur.CreditsCharged, ft, progress)

		updated, err = store.TransitionGeneration(ctx, q, id, store.TransitionParams{
			Status:           models.GenerationFailed,
			ExpectedStatuses: models.ActiveStatuses,
			Progress:         &progress,
			ErrorMessage:     &msg,
			FailureType:      &ft,
			CreditsRefunded:  &refund,
			CompletedAt:      &now,
		})
		if err != nil {
			return err
		}
		if refund > 0 {
			return credit.Refund(ctx, q, cur.BillingURN, refund)
		}
		return nil
	})
	if err != nil {
		var term *AlreadyTerminalError
		if errors.As(err, &term) {
			return nil
		}
		return err
	}

	s.cacheStatus(ctx, updated)
	s.publishProgress(ctx, updated, models.EventGenerationFailed)
	s.events.Emit(models.EventGenerationFailed, updated)
	return nil
}

// checkCallbackTarget rejects reports for settled generations and reports
// bound to a different backend job than the row records.
func checkCallbackTarget(cur *models.Generation, cb compute.Callback) error {
	if cur.Terminal() {
		return &AlreadyTerminalError{Status: cur.Status}
	}
	if cb.ExternalJobID != "" && cur.ExternalJobID != nil && *cur.ExternalJobID != cb.ExternalJobID {
		return fmt.Errorf("%w: callback for job %s but generation is bound to %s",
			store.ErrConflict, cb.ExternalJobID, *cur.ExternalJobID)
	}
	return nil
}

// settledInCache reports whether the status cache has seen this generation
// settle. Terminal statuses are cached only after the transition commits, so
// a hit means the row is already terminal and the report is a duplicate that
// can be dropped without opening a transaction.
func (s *Service) settledInCache(ctx context.Context, id uuid.UUID) bool {
	status, ok, err := s.cache.GetGenerationStatus(ctx, id)
	if err != nil {
		s.logger.Warn("reading cached status", "generation_id", id, "error", err)
		return false
	}
	return ok && models.IsTerminalStatus(status)
}

func (s *Service) cacheStatus(ctx context.Context, g *models.Generation) {
	if err := s.cache.SetGenerationStatus(ctx, g.ID, g.Status, statusCacheTTL); err != nil {
		s.logger.Warn("caching generation status", "generation_id", g.ID, "error", err)
	}
}

func (s *Service) publishProgress(ctx context.Context, g *models.Generation, event string) {
	update := cache.ProgressUpdate{
		GenerationID: g.ID,
		Event:        event,
		Status:       g.Status,
		Progress:     g.Progress,
		UpdatedAt:    g.UpdatedAt,
	}
	if err := s.cache.PublishProgress(ctx, update); err != nil {
		s.logger.Warn("publishing progress", "generation_id", g.ID, "error", err)
	}
}

func (s *Service) cancelBackend(externalID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.compute.Cancel(ctx, externalID); err != nil {
		s.logger.Warn("backend cancel", "external_job_id", externalID, "error", err)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
