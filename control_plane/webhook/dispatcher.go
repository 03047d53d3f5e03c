// Package webhook delivers domain events to external HTTP endpoints
// with HMAC signing, SSRF validation and capped exponential retry.
// Events to one subscription are delivered strictly in order; different
// subscriptions deliver independently and in parallel.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/fleetglass/fleetglass/control_plane/observability"
	"github.com/fleetglass/fleetglass/control_plane/store"
)

// Domain event types the control plane emits.
const (
	EventServerOnline    = "server.online"
	EventServerOffline   = "server.offline"
	EventServerDegraded  = "server.degraded"
	EventServerAuthError = "server.auth_error"
	EventTaskCompleted   = "task.completed"
	EventTaskFailed      = "task.failed"
	EventPolicyDenied    = "policy.denied"
)

var knownEvents = map[string]struct{}{
	EventServerOnline:    {},
	EventServerOffline:   {},
	EventServerDegraded:  {},
	EventServerAuthError: {},
	EventTaskCompleted:   {},
	EventTaskFailed:      {},
	EventPolicyDenied:    {},
}

// Config holds dispatcher tunables.
type Config struct {
	MaxAttempts    int           // total POSTs per event before it is failed
	BackoffBase    time.Duration // first retry delay, doubles per attempt
	RequestTimeout time.Duration
	QueueDepth     int // per-subscription pending events
	AllowPrivate   bool
	// DeliveryRate paces attempts per subscription (events/sec, 0 = unpaced).
	DeliveryRate float64
}

// DefaultConfig returns the retry schedule from the delivery contract:
// 1s, 2s, 4s, 8s, 16s, then stop.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BackoffBase:    time.Second,
		RequestTimeout: 10 * time.Second,
		QueueDepth:     256,
		DeliveryRate:   10,
	}
}

// payload is the delivery contract body: {event, timestamp, data}.
type payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Dispatcher fans domain events out to matching subscriptions, one
// serialized worker per subscription.
type Dispatcher struct {
	st     store.Store
	cfg    Config
	client *http.Client

	mu      sync.RWMutex
	workers map[string]*subWorker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subWorker struct {
	sub     store.WebhookSubscription
	queue   chan *store.WebhookEvent
	limiter *rate.Limiter
}

// NewDispatcher creates a stopped dispatcher; call Start before
// publishing.
func NewDispatcher(st store.Store, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	d := &Dispatcher{
		st:      st,
		cfg:     cfg,
		workers: make(map[string]*subWorker),
	}
	d.client = &http.Client{
		Timeout: cfg.RequestTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return errors.New("too many redirects")
			}
			// Redirect targets get the same SSRF validation as the
			// original destination.
			return ValidateURL(req.URL.String(), cfg.AllowPrivate)
		},
	}
	return d
}

// Start begins delivery and loads active subscriptions from the store.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	subs, err := d.st.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("webhook: load subscriptions: %w", err)
	}
	for _, sub := range subs {
		if sub.Active && sub.DeletedAt == nil {
			d.startWorker(*sub)
		}
	}
	log.Printf("webhook: dispatcher started with %d subscriptions", len(d.workers))
	return nil
}

// Stop cancels all workers and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// ValidateSubscription checks a subscription at registration time so
// bad configuration fails there, not at delivery time.
func (d *Dispatcher) ValidateSubscription(sub *store.WebhookSubscription) error {
	if sub.Secret == "" {
		return errors.New("webhook: subscription secret must not be empty")
	}
	if err := ValidateURL(sub.URL, d.cfg.AllowPrivate); err != nil {
		return err
	}
	for _, e := range sub.Events {
		if _, ok := knownEvents[e]; !ok {
			return fmt.Errorf("webhook: unknown event type %q", e)
		}
	}
	return nil
}

// Register validates and activates a subscription.
func (d *Dispatcher) Register(sub *store.WebhookSubscription) error {
	if err := d.ValidateSubscription(sub); err != nil {
		return err
	}
	d.startWorker(*sub)
	return nil
}

// Unregister stops delivery for a subscription. Queued events for it
// are abandoned (the store still holds them as pending).
func (d *Dispatcher) Unregister(subscriptionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[subscriptionID]; ok {
		close(w.queue)
		delete(d.workers, subscriptionID)
	}
}

func (d *Dispatcher) startWorker(sub store.WebhookSubscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.workers[sub.ID]; ok {
		return
	}
	w := &subWorker{
		sub:   sub,
		queue: make(chan *store.WebhookEvent, d.cfg.QueueDepth),
	}
	if d.cfg.DeliveryRate > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(d.cfg.DeliveryRate), 1)
	}
	d.workers[sub.ID] = w
	d.wg.Add(1)
	go d.run(w)
}

// Publish creates one WebhookEvent per matching subscription and hands
// each to its worker. Enqueue is non-blocking: a full queue drops the
// event as failed rather than stalling the caller.
func (d *Dispatcher) Publish(eventType string, data interface{}) {
	body, err := json.Marshal(payload{Event: eventType, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		log.Printf("webhook: marshal %s payload: %v", eventType, err)
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, w := range d.workers {
		if !w.sub.Matches(eventType) {
			continue
		}
		event := &store.WebhookEvent{
			ID:             uuid.NewString(),
			SubscriptionID: w.sub.ID,
			Type:           eventType,
			Payload:        body,
			Status:         store.EventPending,
			NextRetryAt:    time.Now(),
			CreatedAt:      time.Now(),
		}
		if err := d.st.CreateWebhookEvent(d.ctx, event); err != nil {
			log.Printf("webhook: persist event for subscription %s: %v", w.sub.ID, err)
			continue
		}
		select {
		case w.queue <- event:
			observability.WebhookQueueDepth.WithLabelValues(w.sub.ID).Set(float64(len(w.queue)))
		default:
			observability.WebhookDeliveries.WithLabelValues("rejected").Inc()
			d.markFailed(event, "delivery queue full")
		}
	}
}

// run is the per-subscription delivery loop. Sequential by
// construction, so one consumer never observes events out of order.
func (d *Dispatcher) run(w *subWorker) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-w.queue:
			if !ok {
				return
			}
			observability.WebhookQueueDepth.WithLabelValues(w.sub.ID).Set(float64(len(w.queue)))
			if w.limiter != nil {
				if err := w.limiter.Wait(d.ctx); err != nil {
					return
				}
			}
			d.deliver(w, event)
		}
	}
}

func (d *Dispatcher) deliver(w *subWorker, event *store.WebhookEvent) {
	delay := d.cfg.BackoffBase
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := d.attempt(w, event)
		event.AttemptCount = attempt
		if err == nil {
			now := time.Now()
			observability.WebhookDeliveries.WithLabelValues("delivered").Inc()
			if uerr := d.st.UpdateWebhookEvent(d.ctx, event.ID, store.EventDelivered, attempt, time.Time{}, &now); uerr != nil {
				log.Printf("webhook: mark event %s delivered: %v", event.ID, uerr)
			}
			return
		}

		if attempt == d.cfg.MaxAttempts {
			observability.WebhookDeliveries.WithLabelValues("exhausted").Inc()
			d.markFailed(event, err.Error())
			return
		}

		observability.WebhookDeliveries.WithLabelValues("retry").Inc()
		if uerr := d.st.UpdateWebhookEvent(d.ctx, event.ID, store.EventPending, attempt, time.Now().Add(delay), nil); uerr != nil {
			log.Printf("webhook: record retry for event %s: %v", event.ID, uerr)
		}
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (d *Dispatcher) attempt(w *subWorker, event *store.WebhookEvent) error {
	if err := ValidateURL(w.sub.URL, d.cfg.AllowPrivate); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, w.sub.URL, bytes.NewReader(event.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(event.Payload, w.sub.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) markFailed(event *store.WebhookEvent, reason string) {
	log.Printf("webhook: event %s (%s) failed permanently: %s", event.ID, event.Type, reason)
	if err := d.st.UpdateWebhookEvent(d.ctx, event.ID, store.EventFailed, event.AttemptCount, time.Time{}, nil); err != nil {
		log.Printf("webhook: mark event %s failed: %v", event.ID, err)
	}
	audit := &store.AuditEntry{
		ID:        uuid.NewString(),
		Actor:     "webhook-dispatcher",
		Action:    "webhook.delivery_failed",
		TargetID:  event.SubscriptionID,
		Detail:    fmt.Sprintf("event %s type %s: %s", event.ID, event.Type, reason),
		Timestamp: time.Now(),
	}
	if err := d.st.AppendAudit(d.ctx, audit); err != nil {
		log.Printf("webhook: audit append: %v", err)
	}
}
