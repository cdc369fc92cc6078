package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/renderloop/renderd/internal/compute"
	"github.com/renderloop/renderd/internal/credit"
	"github.com/renderloop/renderd/internal/store"
	"github.com/renderloop/renderd/pkg/models"
)

// dispatch hands a queued generation to the compute backend. Submission
// retries with exponential backoff; a rejection is permanent and exhausting
// the retry budget fails the generation with a full refund. Runs on its own
// goroutine, detached from the request that created the row.
func (s *Service) dispatch(g *models.Generation) {
	ctx := context.Background()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialInterval
	bo.MaxElapsedTime = 0

	var externalID string
	op := func() error {
		id, err := s.compute.Submit(ctx, compute.SubmitRequest{
			GenerationID: g.ID.String(),
			Spec:         g.SpecSnapshot,
			Options:      g.Options,
		})
		if err != nil {
			if errors.Is(err, compute.ErrBackendRejected) {
				return backoff.Permanent(err)
			}
			s.logger.Warn("compute submit retrying", "generation_id", g.ID, "error", err)
			return err
		}
		externalID = id
		return nil
	}

	if err := backoff.Retry(op, backoff.WithMaxRetries(bo, uint64(s.cfg.MaxRetries-1))); err != nil {
		s.logger.Error("dispatch exhausted", "generation_id", g.ID, "error", err)
		s.failUndispatched(ctx, g.ID, err)
		return
	}

	s.markStarted(ctx, g.ID, externalID)
}

// markStarted binds the backend job id and moves queued to processing. If
// the generation was canceled while submission was in flight, the backend is
// told to stop the job it just accepted.
func (s *Service) markStarted(ctx context.Context, id uuid.UUID, externalID string) {
	if err := s.store.SetGenerationExternalJob(ctx, id, externalID); err != nil {
		s.logger.Error("binding external job", "generation_id", id, "error", err)
	}

	now := time.Now().UTC()
	var updated *models.Generation
	err := s.store.WithTx(ctx, func(q store.Querier) error {
		cur, err := store.GetGenerationForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		if cur.Status != models.GenerationQueued {
			return fmt.Errorf("%w: status is %s", store.ErrConflict, cur.Status)
		}
		updated, err = store.TransitionGeneration(ctx, q, id, store.TransitionParams{
			Status:           models.GenerationProcessing,
			ExpectedStatuses: []string{models.GenerationQueued},
			StartedAt:        &now,
		})
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			go s.cancelBackend(externalID)
			return
		}
		s.logger.Error("marking generation started", "generation_id", id, "error", err)
		return
	}

	s.cacheStatus(ctx, updated)
	s.events.Emit(models.EventGenerationStarted, updated)
}

// failUndispatched settles a generation the backend never accepted. System
// failure, full refund. A generation canceled while retrying is left alone.
func (s *Service) failUndispatched(ctx context.Context, id uuid.UUID, cause error) {
	msg := fmt.Sprintf("dispatch failed: %v", cause)
	ft := models.FailureSystem
	now := time.Now().UTC()

	var updated *models.Generation
	err := s.store.WithTx(ctx, func(q store.Querier) error {
		cur, err := store.GetGenerationForUpdate(ctx, q, id)
		if err != nil {
			return err
		}
		if cur.Terminal() {
			return nil
		}

		refund := credit.RefundAmount(cur.CreditsCharged, ft, cur.Progress)
		updated, err = store.TransitionGeneration(ctx, q, id, store.TransitionParams{
			Status:           models.GenerationFailed,
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
		s.logger.Error("settling undispatched generation", "generation_id", id, "error", err)
		return
	}
	if updated == nil {
		return
	}

	s.cacheStatus(ctx, updated)
	s.publishProgress(ctx, updated, models.EventGenerationFailed)
	s.events.Emit(models.EventGenerationFailed, updated)
}

// RequeueUndispatched re-dispatches queued generations that never reached
// the backend, typically because the process died mid-submit. Called once at
// boot.
func (s *Service) RequeueUndispatched(ctx context.Context) error {
	gens, err := s.store.ListUndispatched(ctx, s.cfg.RequeueAfter)
	if err != nil {
		return fmt.Errorf("listing undispatched generations: %w", err)
	}
	for _, g := range gens {
		s.logger.Info("requeueing undispatched generation", "generation_id", g.ID)
		go s.dispatch(g)
	}
	return nil
}
