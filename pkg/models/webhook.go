package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event names carried in webhook payloads.
const (
	EventGenerationQueued    = "generation.queued"
	EventGenerationStarted   = "generation.started"
	EventGenerationProgress  = "generation.progress"
	EventGenerationCompleted = "generation.completed"
	EventGenerationFailed    = "generation.failed"
	EventGenerationCanceled  = "generation.canceled"
)

// WebhookEndpoint is a receiver registered for an owner scope. The secret
// signs every delivery; it is shown once at registration and never returned
// in API responses.
type WebhookEndpoint struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	OwnerURN  string    `db:"owner_urn"  json:"owner"`
	URL       string    `db:"url"        json:"url"`
	Secret    string    `db:"secret"     json:"-"`
	Active    bool      `db:"active"     json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

const (
	DeliveryPending   = "pending"
	DeliveryDelivered = "delivered"
	DeliveryDead      = "dead"
)

// WebhookDelivery is one durable delivery attempt record: one row per
// (event, endpoint). Pending rows are drained by the dispatcher with
// backoff; exhausted rows are dead-lettered, never retried again.
type WebhookDelivery struct {
	ID            uuid.UUID       `db:"id"              json:"id"`
	EndpointID    uuid.UUID       `db:"endpoint_id"     json:"endpoint_id"`
	GenerationID  uuid.UUID       `db:"generation_id"   json:"generation_id"`
	Event         string          `db:"event"           json:"event"`
	Payload       json.RawMessage `db:"payload"         json:"payload"`
	Status        string          `db:"status"          json:"status"`
	Attempts      int             `db:"attempts"        json:"attempts"`
	NextAttemptAt time.Time       `db:"next_attempt_at" json:"next_attempt_at"`
	LastError     *string         `db:"last_error"      json:"last_error,omitempty"`
	CreatedAt     time.Time       `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"      json:"updated_at"`
}
