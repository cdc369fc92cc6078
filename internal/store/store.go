package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/renderloop/renderd/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrConflict means a compare-and-set lost: the row exists but was not
	// in any of the expected pre-states. The caller decides whether that is
	// a race or an already-terminal generation.
	ErrConflict = errors.New("status conflict")
)

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx. The
// transactional building blocks in this package and in the admission and
// credit packages run against it, so one pgx transaction can span the
// account balance and the generation row.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// WithTx runs fn inside a single transaction; any error rolls the whole
	// unit back. Every multi-field mutation (charge+insert,
	// refund+transition) goes through here.
	WithTx(ctx context.Context, fn func(q Querier) error) error

	GetAccount(ctx context.Context, urn string) (*models.Account, error)
	CreateAccount(ctx context.Context, acct *models.Account) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	GetGeneration(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	ResolveIdempotentGeneration(ctx context.Context, ownerURN, key string, since time.Time) (*models.Generation, error)
	UpdateGenerationProgress(ctx context.Context, id uuid.UUID, progress float64) (*models.Generation, error)
	SetGenerationExternalJob(ctx context.Context, id uuid.UUID, externalID string) error
	ListUndispatched(ctx context.Context, olderThan time.Duration) ([]*models.Generation, error)

	CreateWebhookEndpoint(ctx context.Context, ep *models.WebhookEndpoint) error
	GetWebhookEndpoint(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error)
	ListWebhookEndpoints(ctx context.Context, ownerScope string) ([]*models.WebhookEndpoint, error)
	ListActiveWebhookEndpoints(ctx context.Context, ownerScope string) ([]*models.WebhookEndpoint, error)
	DeleteWebhookEndpoint(ctx context.Context, id uuid.UUID, ownerScope string) error

	EnqueueDeliveries(ctx context.Context, deliveries []*models.WebhookDelivery) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error)
	MarkDeliveryDelivered(ctx context.Context, id uuid.UUID) error
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, attempt int, nextAttempt time.Time, lastError string, dead bool) error
}

// TransitionParams describes a compare-and-set status transition. Only the
// non-nil optional fields are written; ExpectedStatuses guards the update.
type TransitionParams struct {
	Status           string
	ExpectedStatuses []string

	Progress        *float64
	Output          json.RawMessage
	ErrorMessage    *string
	FailureType     *string
	CreditsRefunded *int64
	StartedAt       *time.Time
	CompletedAt     *time.Time
}
