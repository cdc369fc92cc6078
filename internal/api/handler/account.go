package handler

import (
	"context"
	"errors"
	"net/http"

	mw "github.com/renderloop/renderd/internal/api/middleware"
	"github.com/renderloop/renderd/internal/api/response"
	"github.com/renderloop/renderd/internal/store"
	"github.com/renderloop/renderd/pkg/models"
)

// AccountReader is the store subset behind the account readout.
type AccountReader interface {
	GetAccount(ctx context.Context, urn string) (*models.Account, error)
}

// NewGetAccountHandler returns the handler for GET /api/v1/account. It reads
// the billing account for the authenticated owner, which for team keys is
// the team.
func NewGetAccountHandler(accounts AccountReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := mw.GetOwner(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		acct, err := accounts.GetAccount(r.Context(), owner.BillingScope())
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "ACCOUNT_NOT_FOUND",
					"No billing account for this owner", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}
		response.JSON(w, acct)
	}
}
