package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/renderloop/renderd/internal/api/middleware"
	"github.com/renderloop/renderd/internal/api/response"
	"github.com/renderloop/renderd/internal/store"
	"github.com/renderloop/renderd/pkg/models"
)

// WebhookRegistry is the store subset behind the endpoint CRUD handlers.
type WebhookRegistry interface {
	CreateWebhookEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error
	ListWebhookEndpoints(ctx context.Context, ownerScope string) ([]*models.WebhookEndpoint, error)
	DeleteWebhookEndpoint(ctx context.Context, id uuid.UUID, ownerScope string) error
}

// createdWebhook carries the signing secret, shown once at registration.
type createdWebhook struct {
	*models.WebhookEndpoint
	Secret string `json:"secret"`
}

// NewCreateWebhookHandler returns the handler for POST /api/v1/webhooks.
func NewCreateWebhookHandler(reg WebhookRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req struct {
			URL    string `json:"url"`
			Secret string `json:"secret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"url must be an absolute http(s) URL", nil)
			return
		}

		secret := req.Secret
		if secret == "" {
			buf := make([]byte, 32)
			if _, err := rand.Read(buf); err != nil {
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"Failed to generate signing secret", nil)
				return
			}
			secret = "whsec_" + hex.EncodeToString(buf)
		}

		now := time.Now().UTC()
		ep := &models.WebhookEndpoint{
			ID:        uuid.New(),
			OwnerURN:  owner.BillingScope(),
			URL:       req.URL,
			Secret:    secret,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := reg.CreateWebhookEndpoint(r.Context(), ep); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to register webhook", nil)
			return
		}

		response.Created(w, createdWebhook{WebhookEndpoint: ep, Secret: secret})
	}
}

// NewListWebhooksHandler returns the handler for GET /api/v1/webhooks.
func NewListWebhooksHandler(reg WebhookRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		eps, err := reg.ListWebhookEndpoints(r.Context(), owner.BillingScope())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list webhooks", nil)
			return
		}
		if eps == nil {
			eps = []*models.WebhookEndpoint{}
		}
		response.JSON(w, eps)
	}
}

// NewDeleteWebhookHandler returns the handler for DELETE /api/v1/webhooks/{id}.
// Deletion soft-deactivates; pending deliveries for the endpoint dead-letter.
func NewDeleteWebhookHandler(reg WebhookRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid webhook id", nil)
			return
		}

		if err := reg.DeleteWebhookEndpoint(r.Context(), id, owner.BillingScope()); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Webhook not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to delete webhook", nil)
			return
		}
		response.NoContent(w)
	}
}
