package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/renderloop/renderd/internal/admission"
	"github.com/renderloop/renderd/internal/credit"
	"github.com/renderloop/renderd/internal/store"
	"github.com/renderloop/renderd/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("renderd_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func seedAccount(t *testing.T, s store.Store, urn, kind, tier string, credits int64) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.CreateAccount(context.Background(), &models.Account{
		URN:       urn,
		Kind:      kind,
		Name:      urn,
		Tier:      tier,
		Credits:   credits,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func newGeneration(ownerURN, billingURN string, charged int64) *models.Generation {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Generation{
		ID:             uuid.New(),
		OwnerURN:       ownerURN,
		BillingURN:     billingURN,
		TriggeredBy:    "u1",
		Status:         models.GenerationQueued,
		SpecSnapshot:   json.RawMessage(`{"scene":"s3://scenes/a.usdz","frames":10}`),
		CreditsCharged: charged,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func insertGeneration(t *testing.T, s store.Store, g *models.Generation) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(q store.Querier) error {
		return store.InsertGeneration(context.Background(), q, g)
	}))
}

// admitChargeInsert mirrors the create transaction: lock the account, check
// admission, charge, insert.
func admitChargeInsert(s store.Store, g *models.Generation, cost int64, projectID *uuid.UUID) error {
	return s.WithTx(context.Background(), func(q store.Querier) error {
		ctx := context.Background()
		acct, err := store.LockAccount(ctx, q, g.BillingURN)
		if err != nil {
			return err
		}
		if err := admission.Evaluate(ctx, q, g.BillingURN, acct.Tier, projectID); err != nil {
			return err
		}
		if err := credit.Charge(ctx, q, g.BillingURN, cost); err != nil {
			return err
		}
		g.CreditsCharged = cost
		g.ProjectID = projectID
		return store.InsertGeneration(ctx, q, g)
	})
}

func TestAccountCreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	seedAccount(t, s, "user:u1", models.AccountUser, models.TierStarter, 500)

	acct, err := s.GetAccount(context.Background(), "user:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.Credits)
	assert.Equal(t, models.TierStarter, acct.Tier)

	_, err = s.GetAccount(context.Background(), "user:nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGenerationInsertAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	seedAccount(t, s, "user:u1", models.AccountUser, models.TierStarter, 500)

	g := newGeneration("user:u1", "user:u1", 40)
	insertGeneration(t, s, g)

	got, err := s.GetGeneration(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, got.ID)
	assert.Equal(t, models.GenerationQueued, got.Status)
	assert.Equal(t, int64(40), got.CreditsCharged)
	assert.Equal(t, int64(0), got.CreditsRefunded)
	assert.JSONEq(t, string(g.SpecSnapshot), string(got.SpecSnapshot))
}

func TestTransitionGenerationCAS(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	seedAccount(t, s, "user:u1", models.AccountUser, models.TierStarter, 500)

	g := newGeneration("user:u1", "user:u1", 40)
	insertGeneration(t, s, g)

	started := time.Now().UTC().Truncate(time.Microsecond)
	var processing *models.Generation
	err := s.WithTx(ctx, func(q store.Querier) error {
		var err error
		processing, err = store.TransitionGeneration(ctx, q, g.ID, store.TransitionParams{
			Status:           models.GenerationProcessing,
			ExpectedStatuses: []string{models.GenerationQueued},
			StartedAt:        &started,
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, models.GenerationProcessing, processing.Status)
	require.NotNil(t, processing.StartedAt)

	// Expected-state mismatch loses the CAS and reports the current status.
	err = s.WithTx(ctx, func(q store.Querier) error {
		_, err := store.TransitionGeneration(ctx, q, g.ID, store.TransitionParams{
			Status:           models.GenerationProcessing,
			ExpectedStatuses: []string{models.GenerationQueued},
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	msg := "canceled by user"
	ft := models.FailureCanceled
	refund := int64(36)
	done := time.Now().UTC().Truncate(time.Microsecond)
	err = s.WithTx(ctx, func(q store.Querier) error {
		_, err := store.TransitionGeneration(ctx, q, g.ID, store.TransitionParams{
			Status:           models.GenerationCanceled,
			ExpectedStatuses: models.ActiveStatuses,
			ErrorMessage:     &msg,
			FailureType:      &ft,
			CreditsRefunded:  &refund,
			CompletedAt:      &done,
		})
		return err
	})
	require.NoError(t, err)

	// Terminal rows admit no further transition.
	err = s.WithTx(ctx, func(q store.Querier) error {
		_, err := store.TransitionGeneration(ctx, q, g.ID, store.TransitionParams{
			Status:           models.GenerationCompleted,
			ExpectedStatuses: models.ActiveStatuses,
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrConflict)

	err = s.WithTx(ctx, func(q store.Querier) error {
		_, err := store.TransitionGeneration(ctx, q, uuid.New(), store.TransitionParams{
			Status:           models.GenerationCompleted,
			ExpectedStatuses: models.ActiveStatuses,
		})
		return err
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIdempotencyKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	seedAccount(t, s, "user:u1", models.AccountUser, models.TierStarter, 500)

	key := "retry-abc"
	first := newGeneration("user:u1", "user:u1", 40)
	first.IdempotencyKey = &key
	insertGeneration(t, s, first)

	t.Run("duplicate key is rejected", func(t *testing.T) {
		dup := newGeneration("user:u1", "user:u1", 40)
		dup.IdempotencyKey = &key
		err := s.WithTx(ctx, func(q store.Querier) error {
			return store.InsertGeneration(ctx, q, dup)
		})
		assert.ErrorIs(t, err, store.ErrDuplicateKey)
	})

	t.Run("resolve within window", func(t *testing.T) {
		got, err := s.ResolveIdempotentGeneration(ctx, "user:u1", key, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("different owner does not resolve", func(t *testing.T) {
		_, err := s.ResolveIdempotentGeneration(ctx, "user:u2", key, time.Now().Add(-24*time.Hour))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("expired key is released and reusable", func(t *testing.T) {
		_, err := pool.Exec(ctx,
			`UPDATE generations SET created_at = NOW() - INTERVAL '25 hours' WHERE id = $1`, first.ID)
		require.NoError(t, err)

		_, err = s.ResolveIdempotentGeneration(ctx, "user:u1", key, time.Now().Add(-24*time.Hour))
		assert.ErrorIs(t, err, store.ErrNotFound)

		fresh := newGeneration("user:u1", "user:u1", 40)
		fresh.IdempotencyKey = &key
		err = s.WithTx(ctx, func(q store.Querier) error {
			if err := store.ReleaseIdempotencyKey(ctx, q, "user:u1", key, time.Now().Add(-24*time.Hour)); err != nil {
				return err
			}
			return store.InsertGeneration(ctx, q, fresh)
		})
		require.NoError(t, err)

		got, err := s.ResolveIdempotentGeneration(ctx, "user:u1", key, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, fresh.ID, got.ID)
	})
}

func TestCreditChargeAndRefund(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	seedAccount(t, s, "team:t1", models.AccountTeam, models.TierTeam, 100)

	err := s.WithTx(ctx, func(q store.Querier) error {
		return credit.Charge(ctx, q, "team:t1", 60)
	})
	require.NoError(t, err)

	acct, err := s.GetAccount(ctx, "team:t1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), acct.Credits)

	err = s.WithTx(ctx, func(q store.Querier) error {
		return credit.Charge(ctx, q, "team:t1", 41)
	})
	assert.ErrorIs(t, err, credit.ErrInsufficientCredits)

	err = s.WithTx(ctx, func(q store.Querier) error {
		return credit.Charge(ctx, q, "user:ghost", 1)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.WithTx(ctx, func(q store.Querier) error {
		return credit.Refund(ctx, q, "team:t1", 60)
	})
	require.NoError(t, err)

	acct, err = s.GetAccount(ctx, "team:t1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acct.Credits)
}

func TestConcurrentCreatesRespectQuota(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	seedAccount(t, s, "user:u1", models.AccountUser, models.TierStarter, 1000)

	// Starter tier allows one active generation; of N simultaneous creates
	// exactly one may pass admission.
	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := newGeneration("user:u1", "user:u1", 10)
			errs[i] = admitChargeInsert(s, g, 10, nil)
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, err := range errs {
		if err == nil {
			admitted++
		} else {
			assert.ErrorIs(t, err, admission.ErrQuotaExceeded)
		}
	}
	assert.Equal(t, 1, admitted)

	// Exactly one charge landed.
	acct, err := s.GetAccount(context.Background(), "user:u1")
	require.NoError(t, err)
	assert.Equal(t, int64(990), acct.Credits)
}

func TestProjectAdmitsSingleActiveGeneration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	seedAccount(t, s, "team:t1", models.AccountTeam, models.TierTeam, 1000)

	project := uuid.New()
	first := newGeneration("user:u1@team:t1", "team:t1", 10)
	require.NoError(t, admitChargeInsert(s, first, 10, &project))

	second := newGeneration("user:u2@team:t1", "team:t1", 10)
	err := admitChargeInsert(s, second, 10, &project)
	assert.ErrorIs(t, err, admission.ErrProjectBusy)

	// A different project under the same team is fine.
	other := uuid.New()
	third := newGeneration("user:u2@team:t1", "team:t1", 10)
	require.NoError(t, admitChargeInsert(s, third, 10, &other))

	// Settling the first frees its project slot.
	msg := "boom"
	ft := models.FailureSystem
	err = s.WithTx(ctx, func(q store.Querier) error {
		_, err := store.TransitionGeneration(ctx, q, first.ID, store.TransitionParams{
			Status:           models.GenerationFailed,
			ExpectedStatuses: models.ActiveStatuses,
			ErrorMessage:     &msg,
			FailureType:      &ft,
		})
		return err
	})
	require.NoError(t, err)

	fourth := newGeneration("user:u3@team:t1", "team:t1", 10)
	require.NoError(t, admitChargeInsert(s, fourth, 10, &project))
}

func TestUpdateGenerationProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	seedAccount(t, s, "user:u1", models.AccountUser, models.TierStarter, 500)

	g := newGeneration("user:u1", "user:u1", 40)
	insertGeneration(t, s, g)

	got, err := s.UpdateGenerationProgress(ctx, g.ID, 0.3)
	require.NoError(t, err)
	assert.Equal(t, 0.3, got.Progress)

	msg := "done early"
	ft := models.FailureCanceled
	err = s.WithTx(ctx, func(q store.Querier) error {
		_, err := store.TransitionGeneration(ctx, q, g.ID, store.TransitionParams{
			Status:           models.GenerationCanceled,
			ExpectedStatuses: models.ActiveStatuses,
			ErrorMessage:     &msg,
			FailureType:      &ft,
		})
		return err
	})
	require.NoError(t, err)

	_, err = s.UpdateGenerationProgress(ctx, g.ID, 0.9)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.UpdateGenerationProgress(ctx, uuid.New(), 0.1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListUndispatched(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()
	seedAccount(t, s, "user:u1", models.AccountUser, models.TierStarter, 500)

	stale := newGeneration("user:u1", "user:u1", 10)
	insertGeneration(t, s, stale)
	dispatched := newGeneration("user:u1", "user:u1", 10)
	insertGeneration(t, s, dispatched)
	fresh := newGeneration("user:u1", "user:u1", 10)
	insertGeneration(t, s, fresh)

	_, err := pool.Exec(ctx,
		`UPDATE generations SET created_at = NOW() - INTERVAL '10 minutes' WHERE id = ANY($1)`,
		[]uuid.UUID{stale.ID, dispatched.ID})
	require.NoError(t, err)
	require.NoError(t, s.SetGenerationExternalJob(ctx, dispatched.ID, "job-1"))

	got, err := s.ListUndispatched(ctx, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestWebhookEndpointCRUD(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	ep := &models.WebhookEndpoint{
		ID:        uuid.New(),
		OwnerURN:  "team:t1",
		URL:       "https://example.com/hooks",
		Secret:    "whsec_test",
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateWebhookEndpoint(ctx, ep))

	got, err := s.GetWebhookEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, ep.URL, got.URL)
	assert.True(t, got.Active)

	active, err := s.ListActiveWebhookEndpoints(ctx, "team:t1")
	require.NoError(t, err)
	assert.Len(t, active, 1)

	// Deletion is a soft deactivate scoped to the owner.
	err = s.DeleteWebhookEndpoint(ctx, ep.ID, "team:other")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.DeleteWebhookEndpoint(ctx, ep.ID, "team:t1"))

	active, err = s.ListActiveWebhookEndpoints(ctx, "team:t1")
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err = s.GetWebhookEndpoint(ctx, ep.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestDeliveryQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	seedAccount(t, s, "user:u1", models.AccountUser, models.TierStarter, 500)
	now := time.Now().UTC().Truncate(time.Microsecond)

	ep := &models.WebhookEndpoint{
		ID: uuid.New(), OwnerURN: "user:u1", URL: "https://example.com/hooks",
		Secret: "whsec_test", Active: true, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.CreateWebhookEndpoint(ctx, ep))

	g := newGeneration("user:u1", "user:u1", 10)
	insertGeneration(t, s, g)

	mk := func(at time.Time) *models.WebhookDelivery {
		return &models.WebhookDelivery{
			ID:            uuid.New(),
			EndpointID:    ep.ID,
			GenerationID:  g.ID,
			Event:         models.EventGenerationQueued,
			Payload:       json.RawMessage(`{"event":"generation.queued"}`),
			Status:        models.DeliveryPending,
			NextAttemptAt: at,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	due := mk(now.Add(-time.Second))
	future := mk(now.Add(time.Hour))
	require.NoError(t, s.EnqueueDeliveries(ctx, []*models.WebhookDelivery{due, future}))

	batch, err := s.DueDeliveries(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, due.ID, batch[0].ID)

	require.NoError(t, s.MarkDeliveryDelivered(ctx, due.ID))
	batch, err = s.DueDeliveries(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, batch)

	// Failing reschedules, dead-lettering removes it from the queue for good.
	require.NoError(t, s.MarkDeliveryFailed(ctx, future.ID, 1, time.Now().UTC().Add(-time.Second), "503", false))
	batch, err = s.DueDeliveries(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].Attempts)

	require.NoError(t, s.MarkDeliveryFailed(ctx, future.ID, 2, time.Now().UTC(), "503", true))
	batch, err = s.DueDeliveries(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}
