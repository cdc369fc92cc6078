package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderloop/renderd/internal/admission"
	mw "github.com/renderloop/renderd/internal/api/middleware"
	"github.com/renderloop/renderd/internal/cache"
	"github.com/renderloop/renderd/internal/credit"
	"github.com/renderloop/renderd/internal/orchestrator"
	"github.com/renderloop/renderd/internal/renderspec"
	"github.com/renderloop/renderd/internal/store"
	"github.com/renderloop/renderd/pkg/models"
)

type mockService struct {
	create func(ctx context.Context, p orchestrator.CreateParams) (*models.Generation, bool, error)
	get    func(ctx context.Context, id uuid.UUID, requester models.OwnerURN) (*models.Generation, error)
	cancel func(ctx context.Context, id uuid.UUID, requester models.OwnerURN) (*models.Generation, error)
}

func (m *mockService) Create(ctx context.Context, p orchestrator.CreateParams) (*models.Generation, bool, error) {
	return m.create(ctx, p)
}

func (m *mockService) Get(ctx context.Context, id uuid.UUID, requester models.OwnerURN) (*models.Generation, error) {
	return m.get(ctx, id, requester)
}

func (m *mockService) Cancel(ctx context.Context, id uuid.UUID, requester models.OwnerURN) (*models.Generation, error) {
	return m.cancel(ctx, id, requester)
}

func authedRequest(t *testing.T, method, target string, body any, owner models.OwnerURN) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	return r.WithContext(mw.SetOwner(r.Context(), owner))
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error.Code
}

func TestCreateGeneration(t *testing.T) {
	owner := models.OwnerURN{UserID: "u1"}
	body := map[string]any{"spec": map[string]any{"scene": "s3://scenes/a.usdz", "frames": 10}}

	t.Run("created answers 201", func(t *testing.T) {
		g := &models.Generation{ID: uuid.New(), Status: models.GenerationQueued}
		svc := &mockService{create: func(_ context.Context, p orchestrator.CreateParams) (*models.Generation, bool, error) {
			assert.Equal(t, owner, p.Owner)
			assert.Equal(t, "u1", p.TriggeredBy)
			return g, true, nil
		}}

		rec := httptest.NewRecorder()
		NewCreateGenerationHandler(svc)(rec, authedRequest(t, http.MethodPost, "/api/v1/generations", body, owner))
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("idempotent replay answers 200", func(t *testing.T) {
		g := &models.Generation{ID: uuid.New(), Status: models.GenerationProcessing}
		svc := &mockService{create: func(_ context.Context, p orchestrator.CreateParams) (*models.Generation, bool, error) {
			require.NotNil(t, p.IdempotencyKey)
			assert.Equal(t, "retry-1", *p.IdempotencyKey)
			return g, false, nil
		}}

		r := authedRequest(t, http.MethodPost, "/api/v1/generations", body, owner)
		r.Header.Set("Idempotency-Key", "retry-1")
		rec := httptest.NewRecorder()
		NewCreateGenerationHandler(svc)(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("missing owner answers 401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/v1/generations", strings.NewReader("{}"))
		NewCreateGenerationHandler(&mockService{})(rec, r)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	errorCases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid spec", renderspec.ErrInvalidSpec, http.StatusUnprocessableEntity, "INVALID_SPEC"},
		{"bad request shape", orchestrator.ErrValidation, http.StatusUnprocessableEntity, "INVALID_REQUEST"},
		{"insufficient credits", credit.ErrInsufficientCredits, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS"},
		{"quota exceeded", admission.ErrQuotaExceeded, http.StatusTooManyRequests, "QUOTA_EXCEEDED"},
		{"project busy", admission.ErrProjectBusy, http.StatusConflict, "PROJECT_BUSY"},
		{"no account", store.ErrNotFound, http.StatusNotFound, "ACCOUNT_NOT_FOUND"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockService{create: func(context.Context, orchestrator.CreateParams) (*models.Generation, bool, error) {
				return nil, false, tc.err
			}}
			rec := httptest.NewRecorder()
			NewCreateGenerationHandler(svc)(rec, authedRequest(t, http.MethodPost, "/api/v1/generations", body, owner))
			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.wantCode, errCode(t, rec))
		})
	}
}

func TestGetGeneration(t *testing.T) {
	owner := models.OwnerURN{UserID: "u1"}

	t.Run("found", func(t *testing.T) {
		id := uuid.New()
		svc := &mockService{get: func(_ context.Context, gotID uuid.UUID, _ models.OwnerURN) (*models.Generation, error) {
			assert.Equal(t, id, gotID)
			return &models.Generation{ID: id, Status: models.GenerationCompleted}, nil
		}}

		r := withURLParam(authedRequest(t, http.MethodGet, "/api/v1/generations/"+id.String(), nil, owner), "id", id.String())
		rec := httptest.NewRecorder()
		NewGetGenerationHandler(svc)(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		svc := &mockService{get: func(context.Context, uuid.UUID, models.OwnerURN) (*models.Generation, error) {
			return nil, store.ErrNotFound
		}}
		r := withURLParam(authedRequest(t, http.MethodGet, "/api/v1/generations/x", nil, owner), "id", uuid.NewString())
		rec := httptest.NewRecorder()
		NewGetGenerationHandler(svc)(rec, r)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		r := withURLParam(authedRequest(t, http.MethodGet, "/api/v1/generations/nope", nil, owner), "id", "nope")
		rec := httptest.NewRecorder()
		NewGetGenerationHandler(&mockService{})(rec, r)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCancelGeneration(t *testing.T) {
	owner := models.OwnerURN{UserID: "u1"}
	id := uuid.New()

	t.Run("canceled", func(t *testing.T) {
		svc := &mockService{cancel: func(context.Context, uuid.UUID, models.OwnerURN) (*models.Generation, error) {
			return &models.Generation{ID: id, Status: models.GenerationCanceled}, nil
		}}
		r := withURLParam(authedRequest(t, http.MethodPost, "/cancel", nil, owner), "id", id.String())
		rec := httptest.NewRecorder()
		NewCancelGenerationHandler(svc)(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("already terminal answers 409 with settled status", func(t *testing.T) {
		svc := &mockService{cancel: func(context.Context, uuid.UUID, models.OwnerURN) (*models.Generation, error) {
			return nil, &orchestrator.AlreadyTerminalError{Status: models.GenerationCompleted}
		}}
		r := withURLParam(authedRequest(t, http.MethodPost, "/cancel", nil, owner), "id", id.String())
		rec := httptest.NewRecorder()
		NewCancelGenerationHandler(svc)(rec, r)

		assert.Equal(t, http.StatusConflict, rec.Code)
		var env struct {
			Error struct {
				Code    string            `json:"code"`
				Details map[string]string `json:"details"`
			} `json:"error"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
		assert.Equal(t, "ALREADY_TERMINAL", env.Error.Code)
		assert.Equal(t, models.GenerationCompleted, env.Error.Details["status"])
	})

	t.Run("foreign generation answers 403", func(t *testing.T) {
		svc := &mockService{cancel: func(context.Context, uuid.UUID, models.OwnerURN) (*models.Generation, error) {
			return nil, orchestrator.ErrForbidden
		}}
		r := withURLParam(authedRequest(t, http.MethodPost, "/cancel", nil, owner), "id", id.String())
		rec := httptest.NewRecorder()
		NewCancelGenerationHandler(svc)(rec, r)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

type mockProgressSource struct {
	updates chan cache.ProgressUpdate
}

func (m *mockProgressSource) SubscribeProgress(context.Context, uuid.UUID) (<-chan cache.ProgressUpdate, func(), error) {
	return m.updates, func() {}, nil
}

func TestStreamGeneration(t *testing.T) {
	owner := models.OwnerURN{UserID: "u1"}
	id := uuid.New()

	svc := &mockService{get: func(context.Context, uuid.UUID, models.OwnerURN) (*models.Generation, error) {
		return &models.Generation{ID: id, Status: models.GenerationProcessing, Progress: 0.2}, nil
	}}

	src := &mockProgressSource{updates: make(chan cache.ProgressUpdate, 2)}
	src.updates <- cache.ProgressUpdate{
		GenerationID: id,
		Event:        models.EventGenerationProgress,
		Status:       models.GenerationProcessing,
		Progress:     0.5,
		UpdatedAt:    time.Now(),
	}
	src.updates <- cache.ProgressUpdate{
		GenerationID: id,
		Event:        models.EventGenerationCompleted,
		Status:       models.GenerationCompleted,
		Progress:     1,
		UpdatedAt:    time.Now(),
	}

	r := withURLParam(authedRequest(t, http.MethodGet, "/stream", nil, owner), "id", id.String())
	rec := httptest.NewRecorder()
	NewStreamGenerationHandler(svc, src)(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: snapshot")
	assert.Contains(t, body, "event: "+models.EventGenerationProgress)
	assert.Contains(t, body, "event: "+models.EventGenerationCompleted)
}

func TestStreamGenerationSettledBetweenReadAndSubscribe(t *testing.T) {
	owner := models.OwnerURN{UserID: "u1"}
	id := uuid.New()

	// The render settles between the authorization read and the subscription,
	// so the terminal event is already gone from the channel. The snapshot
	// must reflect the re-read state and close the stream.
	calls := 0
	svc := &mockService{get: func(context.Context, uuid.UUID, models.OwnerURN) (*models.Generation, error) {
		calls++
		if calls == 1 {
			return &models.Generation{ID: id, Status: models.GenerationProcessing, Progress: 0.9}, nil
		}
		return &models.Generation{ID: id, Status: models.GenerationCompleted, Progress: 1}, nil
	}}
	empty := make(chan cache.ProgressUpdate)
	close(empty)
	src := &mockProgressSource{updates: empty}

	r := withURLParam(authedRequest(t, http.MethodGet, "/stream", nil, owner), "id", id.String())
	rec := httptest.NewRecorder()
	NewStreamGenerationHandler(svc, src)(rec, r)

	body := rec.Body.String()
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, strings.Count(body, "event: "))
	assert.Contains(t, body, `"status":"`+models.GenerationCompleted+`"`)
}

func TestStreamGenerationTerminalSnapshotEndsImmediately(t *testing.T) {
	owner := models.OwnerURN{UserID: "u1"}
	id := uuid.New()

	svc := &mockService{get: func(context.Context, uuid.UUID, models.OwnerURN) (*models.Generation, error) {
		return &models.Generation{ID: id, Status: models.GenerationFailed, Progress: 0.4}, nil
	}}
	src := &mockProgressSource{updates: make(chan cache.ProgressUpdate)}

	r := withURLParam(authedRequest(t, http.MethodGet, "/stream", nil, owner), "id", id.String())
	rec := httptest.NewRecorder()
	NewStreamGenerationHandler(svc, src)(rec, r)

	body := rec.Body.String()
	assert.Contains(t, body, "event: snapshot")
	assert.Equal(t, 1, strings.Count(body, "event: "))
}
