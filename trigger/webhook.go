package trigger

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/bus"
	"github.com/nowcrm/journeys/metrics"
)

// webhookPayload is the entity store's delivery format.
type webhookPayload struct {
	Event     string         `json:"event"`
	Model     string         `json:"model"`
	UID       string         `json:"uid"`
	CreatedAt time.Time      `json:"createdAt"`
	Entry     map[string]any `json:"entry"`
}

// Webhook receives entity lifecycle notifications and publishes them as
// trigger events. Every response with a 2xx status acknowledges the
// delivery; the entity store retries anything else.
type Webhook struct {
	pub    bus.Publisher
	dedup  DedupStore
	logger journeys.Logger
	now    func() time.Time
}

// WebhookOption configures the handler.
type WebhookOption func(*Webhook)

// WithWebhookLogger sets the logger.
func WithWebhookLogger(l journeys.Logger) WebhookOption {
	return func(w *Webhook) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWebhookClock overrides the time source.
func WithWebhookClock(now func() time.Time) WebhookOption {
	return func(w *Webhook) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWebhook builds the ingestion handler.
func NewWebhook(pub bus.Publisher, dedup DedupStore, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		pub:    pub,
		dedup:  dedup,
		logger: journeys.NewFmtLogger(nil),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Routes mounts the webhook endpoint.
func (h *Webhook) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/entity", h.handle)
	return r
}

func (h *Webhook) handle(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	kind := journeys.NormalizeEventKind(payload.Event)
	if kind == "" || payload.Model == "" || payload.UID == "" {
		// A retry cannot fix an unusable payload, so acknowledge it.
		h.logger.Warn("ignoring webhook with event=%q model=%q uid=%q",
			payload.Event, payload.Model, payload.UID)
		respond(w, http.StatusAccepted, map[string]any{"accepted": false})
		return
	}

	occurredAt := payload.CreatedAt
	if occurredAt.IsZero() {
		occurredAt = h.now().UTC()
	}

	event := journeys.TriggerEvent{
		IngestionID: journeys.IngestionID(payload.UID, kind, occurredAt),
		Kind:        kind,
		Model:       payload.Model,
		UID:         payload.UID,
		Entry:       payload.Entry,
		OccurredAt:  occurredAt.UTC(),
	}

	seen, err := h.dedup.Seen(r.Context(), event.IngestionID)
	if err != nil {
		h.logger.Error("dedup check failed for %s: %v", event.IngestionID, err)
		http.Error(w, "ingestion unavailable", http.StatusServiceUnavailable)
		return
	}
	if seen {
		h.logger.Debug("duplicate webhook delivery %s", event.IngestionID)
		metrics.TriggersDuplicate.Inc()
		respond(w, http.StatusAccepted, map[string]any{"accepted": true, "duplicate": true})
		return
	}

	if err := bus.PublishMessage(r.Context(), h.pub, bus.QueueTriggers, event.IngestionID, event); err != nil {
		h.logger.Error("publishing trigger %s failed: %v", event.IngestionID, err)
		// Release the dedup mark so the entity store's retry is not
		// swallowed as a duplicate of a delivery that never published.
		if ferr := h.dedup.Forget(r.Context(), event.IngestionID); ferr != nil {
			h.logger.Error("releasing dedup mark %s failed: %v", event.IngestionID, ferr)
		}
		http.Error(w, "ingestion unavailable", http.StatusServiceUnavailable)
		return
	}

	metrics.TriggersIngested.Inc()
	respond(w, http.StatusAccepted, map[string]any{
		"accepted":     true,
		"ingestion_id": event.IngestionID,
	})
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
