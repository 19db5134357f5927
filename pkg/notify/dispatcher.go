// Package notify fans internally emitted events out to registered
// subscribers over their callback URIs, with per-subscription ordering and
// bounded retry.
package notify

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocloudd/ocloudd/pkg/core"
	"github.com/ocloudd/ocloudd/pkg/stores"
	"github.com/ocloudd/ocloudd/pkg/telemetry"
)

// Options tunes delivery behavior.
type Options struct {
	// MaxAttempts is the per-notification retry ceiling.
	MaxAttempts int

	// BackoffBase is the base delay for exponential retry backoff.
	BackoffBase time.Duration

	// ExpirySweepInterval is how often expired subscriptions are purged.
	ExpirySweepInterval time.Duration

	// QueueDepth is the per-subscription pending channel capacity.
	QueueDepth int
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.ExpirySweepInterval <= 0 {
		o.ExpirySweepInterval = time.Minute
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 256
	}
}

// delivery is one queued notification for one subscription.
type delivery struct {
	eventRowID  int64
	callbackURI string
	category    core.EventCategory
	event       *core.Event
}

// subWorker serializes deliveries for one subscription. Exactly one
// delivery is in flight per subscription at any time, so subscribers see
// events in the order they were matched.
type subWorker struct {
	queue chan delivery
	done  chan struct{}
}

// Dispatcher matches events to subscriptions and delivers them. It
// implements core.Publisher.
type Dispatcher struct {
	store   stores.Store
	sender  Sender
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	opts    Options

	mu      sync.Mutex
	workers map[string]*subWorker
	closed  bool

	wg       sync.WaitGroup
	sweepCtx context.Context
	stop     context.CancelFunc
}

// NewDispatcher creates a dispatcher over the given store and sender.
func NewDispatcher(store stores.Store, sender Sender, logger *telemetry.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer, opts Options) *Dispatcher {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		sender:   sender,
		logger:   logger.NewComponentLogger("notify"),
		metrics:  metrics,
		tracer:   tracer,
		opts:     opts,
		workers:  make(map[string]*subWorker),
		sweepCtx: ctx,
		stop:     cancel,
	}
}

// Start launches the expired-subscription sweep loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.opts.ExpirySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-d.sweepCtx.Done():
				return
			case <-ticker.C:
				removed, err := d.store.DeleteExpiredSubscriptions(d.sweepCtx, time.Now().UTC())
				if err != nil {
					d.logger.WithError(err).Warn("expired subscription sweep failed")
					continue
				}
				if removed > 0 {
					d.logger.Infof("purged %d expired subscriptions", removed)
				}
			}
		}
	}()
}

// Subscribe registers a new subscription after validating it.
func (d *Dispatcher) Subscribe(ctx context.Context, sub *core.Subscription) (*core.Subscription, error) {
	if sub.CallbackURI == "" {
		return nil, core.NewValidationError("callback URI is required", nil).
			WithOperation("subscribe")
	}
	switch sub.Category {
	case core.CategoryInventory, core.CategoryAlarm, core.CategoryReport:
	default:
		return nil, core.NewValidationError("unknown subscription category", nil).
			WithOperation("subscribe")
	}
	if sub.ExpiresAt != nil && !sub.ExpiresAt.After(time.Now().UTC()) {
		return nil, core.NewValidationError("subscription expiry is in the past", nil).
			WithOperation("subscribe")
	}

	sub.ID = uuid.New().String()
	sub.CreatedAt = time.Now().UTC()
	if err := d.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	d.logger.WithSubscriptionID(sub.ID).Infof("registered %s subscription", sub.Category)
	return sub, nil
}

// Unsubscribe removes a subscription and stops its delivery worker.
func (d *Dispatcher) Unsubscribe(ctx context.Context, id string) error {
	if err := d.store.DeleteSubscription(ctx, id); err != nil {
		return err
	}

	d.mu.Lock()
	if w, ok := d.workers[id]; ok {
		delete(d.workers, id)
		close(w.queue)
	}
	d.mu.Unlock()

	d.logger.WithSubscriptionID(id).Info("removed subscription")
	return nil
}

// GetSubscription retrieves a subscription by ID.
func (d *Dispatcher) GetSubscription(ctx context.Context, id string) (*core.Subscription, error) {
	return d.store.GetSubscription(ctx, id)
}

// ListSubscriptions lists subscriptions, optionally limited to one category.
func (d *Dispatcher) ListSubscriptions(ctx context.Context, category *core.EventCategory) ([]*core.Subscription, error) {
	return d.store.ListSubscriptions(ctx, category)
}

// DeliveryAudit returns a subscription's notification audit trail,
// optionally restricted to undelivered rows.
func (d *Dispatcher) DeliveryAudit(ctx context.Context, subscriptionID string, pendingOnly bool) ([]*core.SubscriptionEvent, error) {
	return d.store.ListSubscriptionEvents(ctx, subscriptionID, pendingOnly)
}

// Publish matches the event against every live subscription in its
// category, records one pending audit row per match, and hands the
// deliveries to the per-subscription workers. It never blocks on
// subscriber callbacks.
func (d *Dispatcher) Publish(ctx context.Context, event *core.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	subs, err := d.store.ListSubscriptions(ctx, &event.Category)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, sub := range subs {
		if sub.Expired(now) || !matches(sub, event) {
			continue
		}

		row := &core.SubscriptionEvent{
			SubscriptionID: sub.ID,
			EventType:      event.Type,
			ObjectID:       event.ObjectID,
			CreatedAt:      now,
		}
		if err := d.store.CreateSubscriptionEvent(ctx, row); err != nil {
			d.logger.WithSubscriptionID(sub.ID).WithError(err).
				Error("failed to record notification")
			continue
		}

		d.enqueue(sub, delivery{
			eventRowID:  row.ID,
			callbackURI: sub.CallbackURI,
			category:    event.Category,
			event:       event,
		})
	}
	return nil
}

// matches applies the subscription filter to an event. Zero filter fields
// match everything.
func matches(sub *core.Subscription, event *core.Event) bool {
	f := sub.Filter
	if f.TargetID != "" && f.TargetID != event.ObjectID {
		return false
	}
	if f.ResourcePoolID != "" {
		if pool, _ := event.Data["resource_pool_id"].(string); pool != f.ResourcePoolID {
			return false
		}
	}
	if f.ResourceTypeID != "" {
		if rt, _ := event.Data["resource_type_id"].(string); rt != f.ResourceTypeID {
			return false
		}
	}
	if f.Severity != "" {
		if sev, _ := event.Data["perceived_severity"].(string); sev != string(f.Severity) {
			return false
		}
	}
	return true
}

func (d *Dispatcher) enqueue(sub *core.Subscription, item delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	w, ok := d.workers[sub.ID]
	if !ok {
		w = &subWorker{
			queue: make(chan delivery, d.opts.QueueDepth),
			done:  make(chan struct{}),
		}
		d.workers[sub.ID] = w
		d.wg.Add(1)
		go d.runWorker(sub.ID, w)
	}

	select {
	case w.queue <- item:
		d.metrics.AddQueuedNotifications(1)
	default:
		// Queue full. The audit row is already pending so the event is
		// not lost, only its immediate delivery.
		d.logger.WithSubscriptionID(sub.ID).Warn("delivery queue full, leaving notification pending")
	}
}

// runWorker drains one subscription's queue with a single in-flight
// delivery at a time.
func (d *Dispatcher) runWorker(subID string, w *subWorker) {
	defer d.wg.Done()
	defer close(w.done)

	log := d.logger.WithSubscriptionID(subID)
	for item := range w.queue {
		d.metrics.AddQueuedNotifications(-1)
		d.deliver(log, subID, item)
	}
}

// deliver attempts one notification up to the retry ceiling. The audit row
// is marked delivered only on acknowledgment; after the ceiling it stays
// pending permanently.
func (d *Dispatcher) deliver(log *telemetry.Logger, subID string, item delivery) {
	ctx, span := d.tracer.StartDeliverySpan(context.Background(), subID, item.event.Type)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < d.opts.MaxAttempts; attempt++ {
		start := time.Now()
		err := d.sender.Send(ctx, item.callbackURI, item.event)
		if incErr := d.store.IncrementSubscriptionEventAttempts(ctx, item.eventRowID); incErr != nil {
			log.WithError(incErr).Error("failed to record delivery attempt")
		}

		if err == nil {
			d.metrics.RecordNotificationDelivery("delivered", string(item.category), time.Since(start))
			telemetry.RecordSuccess(span)
			if markErr := d.store.MarkSubscriptionEventDelivered(ctx, item.eventRowID, time.Now().UTC()); markErr != nil {
				log.WithError(markErr).Error("failed to mark notification delivered")
			}
			return
		}
		lastErr = err

		d.metrics.RecordNotificationDelivery("failed", string(item.category), time.Since(start))
		if !core.IsRetryable(err) {
			log.WithError(err).Warnf("notification delivery failed permanently for %s", item.event.Type)
			telemetry.RecordError(span, err)
			return
		}
		if attempt+1 >= d.opts.MaxAttempts {
			break
		}

		select {
		case <-time.After(d.backoff(attempt)):
		case <-d.sweepCtx.Done():
			return
		}
	}

	telemetry.RecordError(span, lastErr)
	log.Warnf("notification %s exhausted %d delivery attempts, left pending",
		item.event.Type, d.opts.MaxAttempts)
}

// backoff computes exponential backoff with jitter.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.opts.BackoffBase * time.Duration(math.Pow(2, float64(attempt)))

	// Cap at 1 minute
	if delay > time.Minute {
		delay = time.Minute
	}

	// Add jitter (±25%)
	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// Shutdown stops accepting new deliveries and waits for in-flight workers
// up to the context deadline.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stop()

	d.mu.Lock()
	d.closed = true
	for id, w := range d.workers {
		delete(d.workers, id)
		close(w.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
