// Package dispatch propagates report changes to subscribed guilds over webhooks.
//
// Every change is written to a durable per-guild queue (the outbox_entries table) before delivery is attempted,
// so notifications survive restarts and are delivered at least once. Each guild has at most one delivery in
// flight; receivers deduplicate on the idempotency key.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/crossguard/janitor/access"
	"github.com/crossguard/janitor/errs"
	"github.com/crossguard/janitor/event"
	"github.com/crossguard/janitor/internal/ticker"
	"github.com/crossguard/janitor/models"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("dispatch")

type Config struct {
	Logger *slog.Logger
	Access *access.Controller
	// receives permanent delivery failures; defaults to logging them
	Notifier FailureNotifier
	// also notify the guild a report came from
	NotifyOrigin bool
	// attempts per notification before it is recorded as a permanent failure
	MaxAttempts    int
	AttemptTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
	// undelivered notifications kept per guild; the oldest are dropped beyond it
	QueueDepth int
	// per-guild delivery rate; zero means unlimited
	RateLimit rate.Limit
	RateBurst int
	// deliveries in flight across all guilds; zero means one per subscribed guild
	Parallelism int
	// how often the queue is rescanned for entries no worker picked up
	RecoveryInterval time.Duration
	// sent as a bearer token to receivers when set
	AuthToken string
	UserAgent string
	// overrides the underlying HTTP client, mostly for tests
	HTTPClient *http.Client
	Clock      func() time.Time
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 10 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = 30 * time.Second
		if c.BackoffMax < c.BackoffMin {
			c.BackoffMax = c.BackoffMin
		}
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1000
	}
	if c.RateLimit <= 0 {
		c.RateLimit = rate.Inf
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = time.Minute
	}
	if c.UserAgent == "" {
		c.UserAgent = "janitor-dispatch"
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type Dispatcher struct {
	db       *gorm.DB
	logger   *slog.Logger
	access   *access.Controller
	notifier FailureNotifier
	webhook  *WebhookClient
	config   Config
	// nil when parallelism is unbounded
	sem      *semaphore.Weighted

	workers *xsync.MapOf[models.Snowflake, *guildWorker]

	mu     sync.Mutex
	runCtx context.Context
}

func NewDispatcher(db *gorm.DB, config Config) *Dispatcher {
	config.setDefaults()
	logger := config.Logger.With("component", "dispatcher")
	notifier := config.Notifier
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}
	var sem *semaphore.Weighted
	if config.Parallelism > 0 {
		sem = semaphore.NewWeighted(int64(config.Parallelism))
	}
	return &Dispatcher{
		db:       db,
		logger:   logger,
		access:   config.Access,
		notifier: notifier,
		webhook:  NewWebhookClient(config),
		config:   config,
		sem:      sem,
		workers:  xsync.NewMapOf[models.Snowflake, *guildWorker](),
	}
}

func (d *Dispatcher) now() time.Time {
	return d.config.Clock().UTC().Truncate(time.Microsecond)
}

// Run starts delivery and blocks until ctx is done. Notifications queued before Run are picked up immediately.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()

	if err := d.recoverQueues(ctx); err != nil {
		d.logger.Error("failed to scan delivery queues", "err", err)
	}
	ticker.Periodically(ctx, d.logger, "recover-queues", d.config.RecoveryInterval, d.recoverQueues)

	d.mu.Lock()
	d.runCtx = nil
	d.mu.Unlock()
	return nil
}

// recoverQueues starts a worker for every guild with queued notifications.
func (d *Dispatcher) recoverQueues(ctx context.Context) error {
	var guilds []models.Snowflake
	if err := d.db.WithContext(ctx).Model(&models.OutboxEntry{}).Distinct("guild_id").Pluck("guild_id", &guilds).Error; err != nil {
		return fmt.Errorf("listing queued guilds: %w", err)
	}
	for _, g := range guilds {
		d.kick(g)
	}
	return nil
}

// HandleEventTx queues a report change for every subscribed guild inside the transaction that writes the
// change, so a committed change always has its notifications queued. Workers start on HandleEvent.
func (d *Dispatcher) HandleEventTx(tx *gorm.DB, evt *event.ReportChanged) error {
	targets, err := d.enqueue(tx, evt)
	if err != nil {
		return err
	}
	notificationsQueued.Add(float64(len(targets)))
	return nil
}

// HandleEvent starts delivery of whatever committed changes are queued.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt *event.ReportChanged) error {
	return d.recoverQueues(ctx)
}

// Enqueue queues a report change in its own transaction and starts delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, evt *event.ReportChanged) error {
	var targets []models.Snowflake
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		targets, err = d.enqueue(tx, evt)
		return err
	})
	if err != nil {
		return err
	}
	notificationsQueued.Add(float64(len(targets)))
	for _, g := range targets {
		d.kick(g)
	}
	return nil
}

func (d *Dispatcher) enqueue(tx *gorm.DB, evt *event.ReportChanged) ([]models.Snowflake, error) {
	_, span := tracer.Start(tx.Statement.Context, "Enqueue")
	defer span.End()
	span.SetAttributes(attribute.Int64("report", int64(evt.ReportID)), attribute.String("kind", string(evt.Kind)))

	payload, err := NewNotification(evt).Marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding notification: %w", err)
	}

	var subs []models.WebhookSubscription
	if err := tx.Order("guild_id ASC").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("loading subscriptions: %w", err)
	}

	var targets []models.Snowflake
	now := d.now()
	for _, sub := range subs {
		if sub.GuildID == evt.OriginGuild && !d.config.NotifyOrigin {
			continue
		}
		entry := models.OutboxEntry{
			GuildID:        sub.GuildID,
			ReportID:       evt.ReportID,
			IdempotencyKey: evt.IdempotencyKey(),
			Payload:        payload,
			CreatedAt:      now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return nil, fmt.Errorf("queueing notification for guild %s: %w", sub.GuildID, err)
		}
		if err := d.trimQueue(tx, sub.GuildID, now); err != nil {
			return nil, fmt.Errorf("trimming queue of guild %s: %w", sub.GuildID, err)
		}
		targets = append(targets, sub.GuildID)
	}
	return targets, nil
}

// trimQueue drops the oldest entries of a guild beyond the configured depth and records the gap.
func (d *Dispatcher) trimQueue(tx *gorm.DB, guild models.Snowflake, now time.Time) error {
	var n int64
	if err := tx.Model(&models.OutboxEntry{}).Where("guild_id = ?", guild).Count(&n).Error; err != nil {
		return err
	}
	excess := int(n) - d.config.QueueDepth
	if excess <= 0 {
		return nil
	}

	var ids []uint64
	if err := tx.Model(&models.OutboxEntry{}).Where("guild_id = ?", guild).Order("id ASC").Limit(excess).Pluck("id", &ids).Error; err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("id IN ?", ids).Delete(&models.OutboxEntry{}).Error; err != nil {
		return err
	}
	gap := models.DeliveryGap{
		ID:           uuid.NewString(),
		GuildID:      guild,
		Dropped:      len(ids),
		FirstEntryID: ids[0],
		LastEntryID:  ids[len(ids)-1],
		CreatedAt:    now,
	}
	if err := tx.Create(&gap).Error; err != nil {
		return err
	}
	notificationsDropped.Add(float64(len(ids)))
	d.logger.Warn("delivery queue overflowed, dropped oldest notifications", "guild", guild, "dropped", len(ids), "gap", gap.ID)
	return nil
}

// kick makes sure a worker is draining the queue of guild. It is a no-op until Run is called.
func (d *Dispatcher) kick(guild models.Snowflake) {
	d.mu.Lock()
	ctx := d.runCtx
	d.mu.Unlock()
	if ctx == nil {
		return
	}
	d.workerFor(guild).kick(ctx)
}

func (d *Dispatcher) workerFor(guild models.Snowflake) *guildWorker {
	w, _ := d.workers.LoadOrCompute(guild, func() *guildWorker {
		return &guildWorker{
			d:       d,
			guild:   guild,
			limiter: rate.NewLimiter(d.config.RateLimit, d.config.RateBurst),
			notif:   make(chan struct{}, 1),
		}
	})
	return w
}

func (d *Dispatcher) cancelInFlight(guild models.Snowflake) {
	if w, ok := d.workers.Load(guild); ok {
		w.cancelInFlight()
	}
}

// guildWorker delivers the queue of one guild, oldest first, one notification at a time.
type guildWorker struct {
	d       *Dispatcher
	guild   models.Snowflake
	limiter *rate.Limiter
	notif   chan struct{}

	mu       sync.Mutex
	running  bool
	inFlight context.CancelFunc

	// consecutive failed queue or subscription reads; only touched by the run goroutine
	readFailures int
}

func (w *guildWorker) kick(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		w.running = true
		workersActive.Inc()
		go w.run(ctx)
	}
	select {
	case w.notif <- struct{}{}:
	default:
	}
}

func (w *guildWorker) run(ctx context.Context) {
	defer workersActive.Dec()
	for {
		for ctx.Err() == nil {
			entry, err := w.next(ctx)
			if err != nil {
				w.d.logger.Error("failed to read delivery queue", "guild", w.guild, "err", err)
				w.pause(ctx)
				continue
			}
			if entry == nil {
				break
			}
			w.deliver(ctx, entry)
		}
		if ctx.Err() != nil {
			w.stop()
			return
		}

		// exit unless more work arrived while draining
		w.mu.Lock()
		select {
		case <-w.notif:
			w.mu.Unlock()
			continue
		default:
		}
		w.running = false
		w.mu.Unlock()
		return
	}
}

func (w *guildWorker) stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// pause waits out the retry backoff after a failed read, growing with consecutive failures.
func (w *guildWorker) pause(ctx context.Context) {
	d := w.d
	wait := d.webhook.client.Backoff(d.config.BackoffMin, d.config.BackoffMax, w.readFailures, nil)
	w.readFailures++
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *guildWorker) next(ctx context.Context) (*models.OutboxEntry, error) {
	var entries []models.OutboxEntry
	err := w.d.db.WithContext(ctx).Where("guild_id = ?", w.guild).Order("id ASC").Limit(1).Find(&entries).Error
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (w *guildWorker) cancelInFlight() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight != nil {
		w.inFlight()
		w.inFlight = nil
	}
}

func (w *guildWorker) deliver(ctx context.Context, entry *models.OutboxEntry) {
	d := w.d

	// registered before the subscription is read, so a replacement committed after the read cancels this attempt
	attemptCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.inFlight = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inFlight = nil
		w.mu.Unlock()
		cancel()
	}()

	sub, err := d.GetSubscription(ctx, w.guild)
	if errs.IsNotFound(err) {
		// the guild unsubscribed; its queue is purged with the subscription
		d.logger.Debug("dropping notification for unsubscribed guild", "guild", w.guild, "entry", entry.ID)
		d.deleteEntry(ctx, entry.ID)
		return
	} else if err != nil {
		// the entry stays queued and is retried after the backoff
		deliveries.WithLabelValues("deferred").Inc()
		d.logger.Warn("failed to load subscription, delivery deferred", "guild", w.guild, "entry", entry.ID, "err", err)
		w.pause(ctx)
		return
	}
	w.readFailures = 0

	if err := w.limiter.Wait(attemptCtx); err != nil {
		return
	}
	if d.sem != nil {
		if err := d.sem.Acquire(attemptCtx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)
	}

	start := time.Now()
	res := d.webhook.Send(attemptCtx, sub, entry)
	deliveryDuration.Observe(time.Since(start).Seconds())

	switch {
	case res.Err == nil:
		deliveries.WithLabelValues("delivered").Inc()
		d.deleteEntry(ctx, entry.ID)
	case attemptCtx.Err() != nil:
		// shutdown, or the subscription changed under us; the entry stays queued
		deliveries.WithLabelValues("cancelled").Inc()
		d.logger.Info("delivery cancelled", "guild", w.guild, "entry", entry.ID, "generation", sub.Generation)
	default:
		deliveries.WithLabelValues("failed").Inc()
		d.recordFailure(ctx, sub, entry, res)
	}
}

func (d *Dispatcher) deleteEntry(ctx context.Context, id uint64) {
	if err := d.db.WithContext(ctx).Where("id = ?", id).Delete(&models.OutboxEntry{}).Error; err != nil {
		d.logger.Error("failed to remove delivered notification", "entry", id, "err", err)
	}
}

// recordFailure stores a permanent failure, removes the entry from the queue and alerts the notifier.
func (d *Dispatcher) recordFailure(ctx context.Context, sub *models.WebhookSubscription, entry *models.OutboxEntry, res *SendResult) {
	failure := models.DeliveryFailure{
		ID:             uuid.NewString(),
		GuildID:        sub.GuildID,
		EndpointURL:    sub.EndpointURL,
		ReportID:       entry.ReportID,
		IdempotencyKey: entry.IdempotencyKey,
		Attempts:       res.Attempts,
		LastStatus:     res.StatusCode,
		Error:          res.Err.Error(),
		CreatedAt:      d.now(),
	}
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&failure).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", entry.ID).Delete(&models.OutboxEntry{}).Error
	})
	if err != nil {
		d.logger.Error("failed to record delivery failure", "guild", sub.GuildID, "entry", entry.ID, "err", err)
		return
	}

	d.logger.Warn("notification permanently failed", "guild", sub.GuildID, "report", entry.ReportID, "attempts", res.Attempts, "status", res.StatusCode, "err", res.Err)
	if err := d.notifier.NotifyFailure(ctx, &failure); err != nil {
		d.logger.Error("failed to surface delivery failure", "guild", sub.GuildID, "err", err)
	}
}
