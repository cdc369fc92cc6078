package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/renderloop/renderd/internal/admission"
	mw "github.com/renderloop/renderd/internal/api/middleware"
	"github.com/renderloop/renderd/internal/api/response"
	"github.com/renderloop/renderd/internal/cache"
	"github.com/renderloop/renderd/internal/credit"
	"github.com/renderloop/renderd/internal/orchestrator"
	"github.com/renderloop/renderd/internal/renderspec"
	"github.com/renderloop/renderd/internal/store"
	"github.com/renderloop/renderd/pkg/models"
)

// GenerationService defines the orchestrator operations the handlers depend on.
type GenerationService interface {
	Create(ctx context.Context, p orchestrator.CreateParams) (*models.Generation, bool, error)
	Get(ctx context.Context, id uuid.UUID, requester models.OwnerURN) (*models.Generation, error)
	Cancel(ctx context.Context, id uuid.UUID, requester models.OwnerURN) (*models.Generation, error)
}

// NewCreateGenerationHandler returns the handler for POST /api/v1/generations.
// An Idempotency-Key header pins retries of the same request to one
// generation; replays answer 200 instead of 201.
func NewCreateGenerationHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			Spec      json.RawMessage `json:"spec"`
			Options   json.RawMessage `json:"options"`
			ProjectID *uuid.UUID      `json:"project_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		params := orchestrator.CreateParams{
			Owner:       owner,
			TriggeredBy: owner.UserID,
			Spec:        req.Spec,
			Options:     req.Options,
			ProjectID:   req.ProjectID,
		}
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			params.IdempotencyKey = &key
		}

		g, created, err := svc.Create(r.Context(), params)
		if err != nil {
			writeCreateError(w, err)
			return
		}
		if created {
			response.Created(w, g)
			return
		}
		response.JSON(w, g)
	}
}

func writeCreateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, renderspec.ErrInvalidSpec):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_SPEC", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrValidation):
		response.Error(w, http.StatusUnprocessableEntity, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, credit.ErrInsufficientCredits):
		response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS",
			"Account balance does not cover this render", nil)
	case errors.Is(err, admission.ErrQuotaExceeded):
		response.Error(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED",
			"Concurrent generation quota reached for this account", nil)
	case errors.Is(err, admission.ErrProjectBusy):
		response.Error(w, http.StatusConflict, "PROJECT_BUSY",
			"The project already has an active generation", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND",
			"No billing account for this owner", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// NewGetGenerationHandler returns the handler for GET /api/v1/generations/{id}.
func NewGetGenerationHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid generation id", nil)
			return
		}

		g, err := svc.Get(r.Context(), id, owner)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Generation not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, g)
	}
}

// NewCancelGenerationHandler returns the handler for
// POST /api/v1/generations/{id}/cancel. Canceling a settled generation
// answers 409 with the settled status in the details.
func NewCancelGenerationHandler(svc GenerationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid generation id", nil)
			return
		}

		g, err := svc.Cancel(r.Context(), id, owner)
		if err != nil {
			var term *orchestrator.AlreadyTerminalError
			switch {
			case errors.As(err, &term):
				response.Error(w, http.StatusConflict, "ALREADY_TERMINAL",
					"Generation has already settled", map[string]string{"status": term.Status})
			case errors.Is(err, orchestrator.ErrForbidden):
				response.Error(w, http.StatusForbidden, "FORBIDDEN",
					"Generation belongs to another owner", nil)
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Generation not found", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}
		response.JSON(w, g)
	}
}

// ProgressSource is the cache subset the stream handler subscribes through.
type ProgressSource interface {
	SubscribeProgress(ctx context.Context, id uuid.UUID) (<-chan cache.ProgressUpdate, func(), error)
}

// NewStreamGenerationHandler returns the SSE handler for
// GET /api/v1/generations/{id}/stream. One event per progress update; the
// stream closes after a terminal event or when the client disconnects.
func NewStreamGenerationHandler(svc GenerationService, progress ProgressSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid generation id", nil)
			return
		}

		g, err := svc.Get(r.Context(), id, owner)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Generation not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Streaming unsupported", nil)
			return
		}

		updates, cancel, err := progress.SubscribeProgress(r.Context(), id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to subscribe to progress", nil)
			return
		}
		defer cancel()

		// A transition landing between the first read and the subscription is
		// in neither the snapshot nor the channel. Re-read now that the
		// subscription is live so a just-settled render closes the stream
		// instead of hanging it.
		if !g.Terminal() {
			if fresh, err := svc.Get(r.Context(), id, owner); err == nil {
				g = fresh
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		// Current state first, so late subscribers see where the render is.
		writeSSE(w, "snapshot", cache.ProgressUpdate{
			GenerationID: g.ID,
			Status:       g.Status,
			Progress:     g.Progress,
			UpdatedAt:    g.UpdatedAt,
		})
		flusher.Flush()
		if g.Terminal() {
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case update, open := <-updates:
				if !open {
					return
				}
				writeSSE(w, update.Event, update)
				flusher.Flush()
				if models.IsTerminalStatus(update.Status) {
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, update cache.ProgressUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
