// Package webhook delivers signed lifecycle events to registered endpoints.
// Delivery is at-least-once and fully decoupled from the orchestrator: every
// event becomes a durable delivery row per endpoint, drained by a background
// worker with exponential backoff. Exhausted deliveries are dead-lettered;
// nothing here ever blocks or rolls back a state transition.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/renderloop/renderd/internal/config"
	"github.com/renderloop/renderd/pkg/models"
)

const (
	eventBuffer = 256
	drainBatch  = 50
	maxBackoff  = 10 * time.Minute
)

// Store is the persistence the dispatcher depends on.
type Store interface {
	ListActiveWebhookEndpoints(ctx context.Context, ownerScope string) ([]*models.WebhookEndpoint, error)
	GetWebhookEndpoint(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error)
	EnqueueDeliveries(ctx context.Context, deliveries []*models.WebhookDelivery) error
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]*models.WebhookDelivery, error)
	MarkDeliveryDelivered(ctx context.Context, id uuid.UUID) error
	MarkDeliveryFailed(ctx context.Context, id uuid.UUID, attempt int, nextAttempt time.Time, lastError string, dead bool) error
}

// Payload is the wire format posted to endpoints.
type Payload struct {
	Event        string     `json:"event"`
	GenerationID uuid.UUID  `json:"generation_id"`
	Status       string     `json:"status"`
	Progress     float64    `json:"progress"`
	Timestamps   Timestamps `json:"timestamps"`
}

type Timestamps struct {
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type event struct {
	name       string
	generation *models.Generation
}

// Dispatcher fans lifecycle events out to webhook endpoints.
type Dispatcher struct {
	store  Store
	client *http.Client
	cfg    config.WebhookConfig
	events chan event
}

// NewDispatcher creates a Dispatcher. Start must be called to begin
// enqueueing and delivering.
func NewDispatcher(s Store, cfg config.WebhookConfig) *Dispatcher {
	return &Dispatcher{
		store:  s,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		events: make(chan event, eventBuffer),
	}
}

// Emit records a lifecycle event for delivery. It never blocks: if the
// buffer is full the enqueue happens on its own goroutine. Safe to call
// from the transition path.
func (d *Dispatcher) Emit(name string, g *models.Generation) {
	ev := event{name: name, generation: g}
	select {
	case d.events <- ev:
	default:
		go d.enqueue(context.Background(), ev)
	}
}

// Start runs the fanout and delivery loops until ctx is canceled.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.fanoutLoop(ctx)
	go d.deliveryLoop(ctx)
}

func (d *Dispatcher) fanoutLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.events:
			d.enqueue(ctx, ev)
		}
	}
}

// enqueue persists one delivery row per active endpoint of the owner scope.
func (d *Dispatcher) enqueue(ctx context.Context, ev event) {
	g := ev.generation
	owner, err := models.ParseOwnerURN(g.OwnerURN)
	if err != nil {
		slog.Error("webhook fanout: bad owner urn", "generation_id", g.ID, "error", err)
		return
	}

	endpoints, err := d.store.ListActiveWebhookEndpoints(ctx, owner.BillingScope())
	if err != nil {
		slog.Error("webhook fanout: list endpoints", "generation_id", g.ID, "error", err)
		return
	}
	if len(endpoints) == 0 {
		return
	}

	payload, err := json.Marshal(Payload{
		Event:        ev.name,
		GenerationID: g.ID,
		Status:       g.Status,
		Progress:     g.Progress,
		Timestamps: Timestamps{
			CreatedAt:   g.CreatedAt,
			StartedAt:   g.StartedAt,
			CompletedAt: g.CompletedAt,
			UpdatedAt:   g.UpdatedAt,
		},
	})
	if err != nil {
		slog.Error("webhook fanout: encode payload", "generation_id", g.ID, "error", err)
		return
	}

	now := time.Now().UTC()
	deliveries := make([]*models.WebhookDelivery, 0, len(endpoints))
	for _, ep := range endpoints {
		deliveries = append(deliveries, &models.WebhookDelivery{
			ID:            uuid.New(),
			EndpointID:    ep.ID,
			GenerationID:  g.ID,
			Event:         ev.name,
			Payload:       payload,
			Status:        models.DeliveryPending,
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	if err := d.store.EnqueueDeliveries(ctx, deliveries); err != nil {
		slog.Error("webhook fanout: enqueue", "generation_id", g.ID, "event", ev.name, "error", err)
	}
}

func (d *Dispatcher) deliveryLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainDue(ctx)
		}
	}
}

// drainDue attempts every pending delivery whose next attempt is due.
func (d *Dispatcher) drainDue(ctx context.Context) {
	due, err := d.store.DueDeliveries(ctx, time.Now().UTC(), drainBatch)
	if err != nil {
		slog.Error("webhook drain: list due", "error", err)
		return
	}

	// Endpoints repeat within a batch; resolve each once.
	endpoints := map[uuid.UUID]*models.WebhookEndpoint{}

	for _, delivery := range due {
		ep, ok := endpoints[delivery.EndpointID]
		if !ok {
			ep, err = d.store.GetWebhookEndpoint(ctx, delivery.EndpointID)
			if err != nil {
				d.recordFailure(ctx, delivery, fmt.Sprintf("resolve endpoint: %v", err))
				continue
			}
			endpoints[delivery.EndpointID] = ep
		}
		if !ep.Active {
			d.recordFailure(ctx, delivery, "endpoint deactivated")
			continue
		}

		if err := d.attempt(ctx, delivery, ep); err != nil {
			d.recordFailure(ctx, delivery, err.Error())
			continue
		}

		if err := d.store.MarkDeliveryDelivered(ctx, delivery.ID); err != nil {
			slog.Error("webhook drain: mark delivered", "delivery_id", delivery.ID, "error", err)
		}
	}
}

// attempt posts the signed payload once.
func (d *Dispatcher) attempt(ctx context.Context, delivery *models.WebhookDelivery, ep *models.WebhookEndpoint) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, SignatureFor(ep.Secret, time.Now().UTC(), delivery.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// recordFailure schedules the next attempt with exponential backoff, or
// dead-letters the delivery once the attempt budget is exhausted.
func (d *Dispatcher) recordFailure(ctx context.Context, delivery *models.WebhookDelivery, cause string) {
	attempt := delivery.Attempts + 1
	dead := attempt >= d.cfg.MaxAttempts

	next := time.Now().UTC().Add(backoffInterval(d.cfg.InitialBackoff, attempt))
	if err := d.store.MarkDeliveryFailed(ctx, delivery.ID, attempt, next, cause, dead); err != nil {
		slog.Error("webhook drain: mark failed", "delivery_id", delivery.ID, "error", err)
		return
	}

	if dead {
		slog.Error("webhook delivery dead-lettered",
			"delivery_id", delivery.ID,
			"generation_id", delivery.GenerationID,
			"event", delivery.Event,
			"attempts", attempt,
			"last_error", cause,
		)
	}
}

// backoffInterval doubles per attempt from initial, capped at maxBackoff.
func backoffInterval(initial time.Duration, attempt int) time.Duration {
	interval := initial
	for i := 1; i < attempt; i++ {
		interval *= 2
		if interval >= maxBackoff {
			return maxBackoff
		}
	}
	return interval
}
