package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/renderloop/renderd/internal/api/response"
	"github.com/renderloop/renderd/internal/compute"
	"github.com/renderloop/renderd/internal/orchestrator"
	"github.com/renderloop/renderd/internal/store"
)

// CallbackService applies asynchronous status reports from the compute
// backend.
type CallbackService interface {
	HandleCallback(ctx context.Context, cb compute.Callback) error
}

// NewComputeCallbackHandler returns the handler for
// POST /api/v1/callbacks/compute. The backend authenticates with a static
// bearer token, not an API key; delivery is at-least-once, so duplicates
// answer 200.
func NewComputeCallbackHandler(svc CallbackService, callbackToken string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(callbackToken)) != 1 {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid callback token", nil)
			return
		}

		var cb compute.Callback
		if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if err := svc.HandleCallback(r.Context(), cb); err != nil {
			switch {
			case errors.Is(err, orchestrator.ErrBadCallback):
				response.Error(w, http.StatusBadRequest, "INVALID_CALLBACK", err.Error(), nil)
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Unknown generation", nil)
			case errors.Is(err, store.ErrConflict):
				response.Error(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.JSON(w, map[string]string{"status": "accepted"})
	}
}
