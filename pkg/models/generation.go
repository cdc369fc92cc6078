package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	GenerationQueued     = "queued"
	GenerationProcessing = "processing"
	GenerationCompleted  = "completed"
	GenerationFailed     = "failed"
	GenerationCanceled   = "canceled"
)

// Failure types recorded on failed or canceled generations. The type drives
// refund math: system and timeout refund the full charge, validation refunds
// the unfinished fraction, canceled refunds the unfinished fraction minus a
// retention fee.
const (
	FailureSystem     = "system"
	FailureTimeout    = "timeout"
	FailureValidation = "validation"
	FailureCanceled   = "canceled"
)

// ActiveStatuses are the non-terminal states counted against admission
// quotas and eligible for cancellation.
var ActiveStatuses = []string{GenerationQueued, GenerationProcessing}

// Generation is an asynchronous render job. The row is created queued with
// the optimistic charge applied, mutated only by the orchestrator, and never
// deleted by this service.
type Generation struct {
	ID              uuid.UUID       `db:"id"               json:"id"`
	OwnerURN        string          `db:"owner_urn"        json:"owner"`
	BillingURN      string          `db:"billing_urn"      json:"-"`
	TriggeredBy     string          `db:"triggered_by"     json:"triggered_by"`
	ProjectID       *uuid.UUID      `db:"project_id"       json:"project_id,omitempty"`
	Status          string          `db:"status"           json:"status"`
	SpecSnapshot    json.RawMessage `db:"spec_snapshot"    json:"spec_snapshot"`
	Options         json.RawMessage `db:"options"          json:"options,omitempty"`
	Progress        float64         `db:"progress"         json:"progress"`
	Output          json.RawMessage `db:"output"           json:"output,omitempty"`
	ErrorMessage    *string         `db:"error_message"    json:"error,omitempty"`
	FailureType     *string         `db:"failure_type"     json:"failure_type,omitempty"`
	CreditsCharged  int64           `db:"credits_charged"  json:"credits_charged"`
	CreditsRefunded int64           `db:"credits_refunded" json:"credits_refunded"`
	IdempotencyKey  *string         `db:"idempotency_key"  json:"-"`
	ExternalJobID   *string         `db:"external_job_id"  json:"-"`
	StartedAt       *time.Time      `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"       json:"updated_at"`
}

// Terminal reports whether the generation has reached a state that permits
// no further status mutation.
func (g *Generation) Terminal() bool {
	return IsTerminalStatus(g.Status)
}

func IsTerminalStatus(status string) bool {
	switch status {
	case GenerationCompleted, GenerationFailed, GenerationCanceled:
		return true
	}
	return false
}
