package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/renderloop/renderd/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx runs fn inside a single transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(q Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Accounts ---

const accountColumns = `urn, kind, name, tier, credits, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.URN, &a.Kind, &a.Name, &a.Tier, &a.Credits, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan account: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, urn string) (*models.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE urn = $1`, urn))
}

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *models.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (urn, kind, name, tier, credits, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		acct.URN, acct.Kind, acct.Name, acct.Tier, acct.Credits, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// LockAccount reads the account row under FOR UPDATE. Taking this lock first
// serializes everything that touches the owner's balance or quota: admission
// counting, idempotency resolution, the charge, and refunds.
func LockAccount(ctx context.Context, q Querier, urn string) (*models.Account, error) {
	acct, err := scanAccount(q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE urn = $1 FOR UPDATE`, urn))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return acct, err
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_urn, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.AccountURN, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, account_urn, user_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.AccountURN, key.UserID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Generations ---

const generationColumns = `id, owner_urn, billing_urn, triggered_by, project_id, status, spec_snapshot, options,
	progress, output, error_message, failure_type, credits_charged, credits_refunded,
	idempotency_key, external_job_id, started_at, completed_at, created_at, updated_at`

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(&g.ID, &g.OwnerURN, &g.BillingURN, &g.TriggeredBy, &g.ProjectID, &g.Status,
		&g.SpecSnapshot, &g.Options, &g.Progress, &g.Output, &g.ErrorMessage, &g.FailureType,
		&g.CreditsCharged, &g.CreditsRefunded, &g.IdempotencyKey, &g.ExternalJobID,
		&g.StartedAt, &g.CompletedAt, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	return &g, nil
}

func (s *PostgresStore) ResolveIdempotentGeneration(ctx context.Context, ownerURN, key string, since time.Time) (*models.Generation, error) {
	return GetGenerationByIdempotencyKey(ctx, s.pool, ownerURN, key, since)
}

func (s *PostgresStore) GetGeneration(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	return GetGeneration(ctx, s.pool, id)
}

func GetGeneration(ctx context.Context, q Querier, id uuid.UUID) (*models.Generation, error) {
	return scanGeneration(q.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1`, id))
}

// GetGenerationForUpdate reads a generation row under FOR UPDATE, so the
// caller's transaction can inspect current status and progress, compute a
// refund, and apply the transition without a concurrent writer interleaving.
func GetGenerationForUpdate(ctx context.Context, q Querier, id uuid.UUID) (*models.Generation, error) {
	return scanGeneration(q.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE id = $1 FOR UPDATE`, id))
}

// InsertGeneration writes a new generation row. Callers run it inside the
// create transaction, after admission and the charge.
func InsertGeneration(ctx context.Context, q Querier, g *models.Generation) error {
	_, err := q.Exec(ctx,
		`INSERT INTO generations (`+generationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		g.ID, g.OwnerURN, g.BillingURN, g.TriggeredBy, g.ProjectID, g.Status, g.SpecSnapshot, g.Options,
		g.Progress, g.Output, g.ErrorMessage, g.FailureType, g.CreditsCharged, g.CreditsRefunded,
		g.IdempotencyKey, g.ExternalJobID, g.StartedAt, g.CompletedAt, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

// GetGenerationByIdempotencyKey resolves a caller-supplied idempotency key
// within the dedup window. Keys on rows created before since are expired.
func GetGenerationByIdempotencyKey(ctx context.Context, q Querier, ownerURN, key string, since time.Time) (*models.Generation, error) {
	return scanGeneration(q.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations
		 WHERE owner_urn = $1 AND idempotency_key = $2 AND created_at >= $3`,
		ownerURN, key, since))
}

// ReleaseIdempotencyKey clears an expired key so the partial unique index
// admits a fresh generation reusing it.
func ReleaseIdempotencyKey(ctx context.Context, q Querier, ownerURN, key string, before time.Time) error {
	_, err := q.Exec(ctx,
		`UPDATE generations SET idempotency_key = NULL, updated_at = NOW()
		 WHERE owner_urn = $1 AND idempotency_key = $2 AND created_at < $3`,
		ownerURN, key, before)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// CountActiveGenerations counts queued|processing generations for a billing
// scope, optionally narrowed to one project. Callers hold the account row
// lock so the count cannot race a concurrent insert for the same scope.
func CountActiveGenerations(ctx context.Context, q Querier, billingURN string, projectID *uuid.UUID) (int, error) {
	query := `SELECT COUNT(*) FROM generations WHERE billing_urn = $1 AND status = ANY($2)`
	args := []any{billingURN, models.ActiveStatuses}
	if projectID != nil {
		query += ` AND project_id = $3`
		args = append(args, *projectID)
	}

	var count int
	if err := q.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active generations: %w", err)
	}
	return count, nil
}

// TransitionGeneration performs a compare-and-set status transition. The
// update applies only when the current status is in ExpectedStatuses;
// otherwise no field changes and the caller gets ErrConflict (row exists)
// or ErrNotFound. The updated row is returned on success.
func TransitionGeneration(ctx context.Context, q Querier, id uuid.UUID, p TransitionParams) (*models.Generation, error) {
	now := time.Now().UTC()
	sets := []string{"status = $2", "updated_at = $3"}
	args := []any{id, p.Status, now}
	argIdx := 4

	set := func(expr string, val any) {
		sets = append(sets, fmt.Sprintf(expr, argIdx))
		args = append(args, val)
		argIdx++
	}

	if p.Progress != nil {
		set("progress = $%d", *p.Progress)
	}
	if p.Output != nil {
		set("output = $%d", p.Output)
	}
	if p.ErrorMessage != nil {
		set("error_message = $%d", *p.ErrorMessage)
	}
	if p.FailureType != nil {
		set("failure_type = $%d", *p.FailureType)
	}
	if p.CreditsRefunded != nil {
		set("credits_refunded = $%d", *p.CreditsRefunded)
	}
	if p.StartedAt != nil {
		set("started_at = $%d", *p.StartedAt)
	}
	if p.CompletedAt != nil {
		set("completed_at = $%d", *p.CompletedAt)
	}

	query := fmt.Sprintf(
		`UPDATE generations SET %s WHERE id = $1 AND status = ANY($%d) RETURNING `+generationColumns,
		strings.Join(sets, ", "), argIdx)
	args = append(args, p.ExpectedStatuses)

	g, err := scanGeneration(q.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		// Distinguish a lost race from a missing row.
		var current string
		err := q.QueryRow(ctx, `SELECT status FROM generations WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get generation status: %w", err)
		}
		return nil, fmt.Errorf("%w: status is %s", ErrConflict, current)
	}
	return g, err
}

func (s *PostgresStore) UpdateGenerationProgress(ctx context.Context, id uuid.UUID, progress float64) (*models.Generation, error) {
	g, err := scanGeneration(s.pool.QueryRow(ctx,
		`UPDATE generations SET progress = $2, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($3)
		 RETURNING `+generationColumns,
		id, progress, models.ActiveStatuses))
	if errors.Is(err, ErrNotFound) {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM generations WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get generation status: %w", err)
		}
		return nil, fmt.Errorf("%w: status is %s", ErrConflict, current)
	}
	return g, err
}

func (s *PostgresStore) SetGenerationExternalJob(ctx context.Context, id uuid.UUID, externalID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generations SET external_job_id = $2, updated_at = NOW() WHERE id = $1`, id, externalID)
	if err != nil {
		return fmt.Errorf("set external job id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUndispatched returns queued generations that never reached the compute
// backend and have sat queued for longer than olderThan. Used by the boot
// requeue pass.
func (s *PostgresStore) ListUndispatched(ctx context.Context, olderThan time.Duration) ([]*models.Generation, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.pool.Query(ctx,
		`SELECT `+generationColumns+` FROM generations
		 WHERE status = $1 AND external_job_id IS NULL AND created_at < $2
		 ORDER BY created_at`,
		models.GenerationQueued, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list undispatched: %w", err)
	}
	defer rows.Close()

	var gens []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		gens = append(gens, g)
	}
	return gens, rows.Err()
}

// --- Webhook endpoints ---

const endpointColumns = `id, owner_urn, url, secret, active, created_at, updated_at`

func (s *PostgresStore) CreateWebhookEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_endpoints (`+endpointColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ep.ID, ep.OwnerURN, ep.URL, ep.Secret, ep.Active, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create webhook endpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWebhookEndpoint(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error) {
	var ep models.WebhookEndpoint
	err := s.pool.QueryRow(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = $1`, id,
	).Scan(&ep.ID, &ep.OwnerURN, &ep.URL, &ep.Secret, &ep.Active, &ep.CreatedAt, &ep.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook endpoint: %w", err)
	}
	return &ep, nil
}

func (s *PostgresStore) listEndpoints(ctx context.Context, query string, args ...any) ([]*models.WebhookEndpoint, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list webhook endpoints: %w", err)
	}
	defer rows.Close()

	var eps []*models.WebhookEndpoint
	for rows.Next() {
		var ep models.WebhookEndpoint
		if err := rows.Scan(&ep.ID, &ep.OwnerURN, &ep.URL, &ep.Secret, &ep.Active,
			&ep.CreatedAt, &ep.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook endpoint: %w", err)
		}
		eps = append(eps, &ep)
	}
	return eps, rows.Err()
}

func (s *PostgresStore) ListWebhookEndpoints(ctx context.Context, ownerScope string) ([]*models.WebhookEndpoint, error) {
	return s.listEndpoints(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE owner_urn = $1 ORDER BY created_at`,
		ownerScope)
}

func (s *PostgresStore) ListActiveWebhookEndpoints(ctx context.Context, ownerScope string) ([]*models.WebhookEndpoint, error) {
	return s.listEndpoints(ctx,
		`SELECT `+endpointColumns+` FROM webhook_endpoints WHERE owner_urn = $1 AND active ORDER BY created_at`,
		ownerScope)
}

func (s *PostgresStore) DeleteWebhookEndpoint(ctx context.Context, id uuid.UUID, ownerScope string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_endpoints SET active = FALSE, updated_at = NOW()
		 WHERE id = $1 AND owner_urn = $2 AND active`, id, ownerScope)
	if err != nil {
		return fmt.Errorf("delete webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Webhook deliveries ---

const deliveryColumns = `id, endpoint_id, generation_id, event, payload, status, attempts, next_attempt_at, last_error, created_at, updated_at`

func (s *PostgresStore) EnqueueDeliveries(ctx context.Context, deliveries []*models.WebhookDelivery) error {
	if len(deliveries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range deliveries {
		batch.Queue(
			`INSERT INTO webhook_deliveries (`+deliveryColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			d.ID, d.EndpointID, d.GenerationID, d.Event, d.Payload, d.Status,
			d.Attempts, d.NextAttemptAt, d.LastError, d.CreatedAt, d.UpdatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("enqueue deliveries: %w", err)
	}
	return nil
}

func (s *PostgresStore) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status = $1 AND next_attempt_at <= $2
		 ORDER BY next_attempt_at LIMIT $3`,
		models.DeliveryPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	defer rows.Close()

	var ds []*models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.EndpointID, &d.GenerationID, &d.Event, &d.Payload,
			&d.Status, &d.Attempts, &d.NextAttemptAt, &d.LastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		ds = append(ds, &d)
	}
	return ds, rows.Err()
}

func (s *PostgresStore) MarkDeliveryDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, models.DeliveryDelivered)
	if err != nil {
		return fmt.Errorf("mark delivery delivered: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, attempt int, nextAttempt time.Time, lastError string, dead bool) error {
	status := models.DeliveryPending
	if dead {
		status = models.DeliveryDead
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5, updated_at = NOW()
		 WHERE id = $1`,
		id, status, attempt, nextAttempt, lastError)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
