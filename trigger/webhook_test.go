package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nowcrm/journeys"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []journeys.TriggerEvent
}

func (p *capturePublisher) Publish(_ context.Context, queue, _ string, body []byte) error {
	var event journeys.TriggerEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, event)
	return nil
}

func (p *capturePublisher) events() []journeys.TriggerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]journeys.TriggerEvent(nil), p.msgs...)
}

func postWebhook(t *testing.T, h *Webhook, payload string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/entity", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestWebhookPublishesTriggerEvent(t *testing.T) {
	pub := &capturePublisher{}
	h := NewWebhook(pub, NewMemoryDedup(time.Hour))

	rec := postWebhook(t, h, `{
		"event": "entry.update",
		"model": "contact",
		"uid": "c-1",
		"createdAt": "2026-08-30T10:00:00Z",
		"entry": {"country": "Switzerland"}
	}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	events := pub.events()
	if len(events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(events))
	}
	e := events[0]
	if e.Kind != journeys.EventUpdate || e.Model != "contact" || e.UID != "c-1" {
		t.Errorf("unexpected event %+v", e)
	}
	if e.IngestionID == "" {
		t.Error("event must carry an ingestion id")
	}
	if e.Entry["country"] != "Switzerland" {
		t.Errorf("entry payload lost: %+v", e.Entry)
	}
}

func TestWebhookDropsDuplicateDelivery(t *testing.T) {
	pub := &capturePublisher{}
	h := NewWebhook(pub, NewMemoryDedup(time.Hour))

	payload := `{
		"event": "entry.create",
		"model": "contact",
		"uid": "c-1",
		"createdAt": "2026-08-30T10:00:00Z"
	}`

	first := postWebhook(t, h, payload)
	second := postWebhook(t, h, payload)

	if first.Code != http.StatusAccepted || second.Code != http.StatusAccepted {
		t.Fatalf("both deliveries must be acknowledged, got %d and %d", first.Code, second.Code)
	}
	if events := pub.events(); len(events) != 1 {
		t.Errorf("expected a single published event, got %d", len(events))
	}

	var body map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["duplicate"] != true {
		t.Errorf("expected duplicate marker, got %v", body)
	}
}

// flakyPublisher fails the first n publishes, then delegates.
type flakyPublisher struct {
	capturePublisher
	failures int
}

func (p *flakyPublisher) Publish(ctx context.Context, queue, key string, body []byte) error {
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	return p.capturePublisher.Publish(ctx, queue, key, body)
}

func TestWebhookRetriesAfterPublishFailure(t *testing.T) {
	pub := &flakyPublisher{failures: 1}
	h := NewWebhook(pub, NewMemoryDedup(time.Hour))

	payload := `{
		"event": "entry.create",
		"model": "contact",
		"uid": "c-1",
		"createdAt": "2026-08-30T10:00:00Z"
	}`

	first := postWebhook(t, h, payload)
	if first.Code != http.StatusServiceUnavailable {
		t.Fatalf("failed publish must ask for a retry, got %d", first.Code)
	}
	if len(pub.events()) != 0 {
		t.Fatal("nothing may be published when the broker is down")
	}

	// The entity store retries the same delivery; it carries the same
	// ingestion id and must not be swallowed as a duplicate.
	second := postWebhook(t, h, payload)
	if second.Code != http.StatusAccepted {
		t.Fatalf("retry after recovery must be accepted, got %d: %s",
			second.Code, second.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["duplicate"] == true {
		t.Error("retry of an unpublished delivery must not be marked duplicate")
	}
	if events := pub.events(); len(events) != 1 {
		t.Fatalf("expected exactly 1 published event after retry, got %d", len(events))
	}
}

func TestWebhookRejectsInvalidJSON(t *testing.T) {
	h := NewWebhook(&capturePublisher{}, NewMemoryDedup(time.Hour))
	rec := postWebhook(t, h, `{broken`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid JSON, got %d", rec.Code)
	}
}

func TestWebhookIgnoresUnknownEventKind(t *testing.T) {
	pub := &capturePublisher{}
	h := NewWebhook(pub, NewMemoryDedup(time.Hour))

	rec := postWebhook(t, h, `{"event": "entry.archived", "model": "contact", "uid": "c-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unusable payloads are acknowledged, got %d", rec.Code)
	}
	if len(pub.events()) != 0 {
		t.Error("unknown event kinds must not be published")
	}
}

func TestMemoryDedupExpires(t *testing.T) {
	d := NewMemoryDedup(time.Minute)
	now := time.Now()
	d.now = func() time.Time { return now }

	seen, err := d.Seen(context.Background(), "id-1")
	if err != nil || seen {
		t.Fatalf("first sighting must be new, got seen=%v err=%v", seen, err)
	}
	seen, _ = d.Seen(context.Background(), "id-1")
	if !seen {
		t.Error("second sighting within TTL must be a duplicate")
	}

	d.now = func() time.Time { return now.Add(2 * time.Minute) }
	seen, _ = d.Seen(context.Background(), "id-1")
	if seen {
		t.Error("expired mark must not count as duplicate")
	}
}
