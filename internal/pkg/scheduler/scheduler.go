package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/app/repository"
	"github.com/ManuelReschke/HookFox/internal/pkg/env"
	"github.com/ManuelReschke/HookFox/internal/pkg/metrics"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

// ErrRunInProgress signals that a delivery run is already in flight; callers
// treat it as "nothing to do", never as a failure.
var ErrRunInProgress = errors.New("delivery run already in progress")

const (
	// maxBackoffInterval caps the run interval while the scheduler backs off
	// after failed runs.
	maxBackoffInterval = 60 * time.Second
	// backoffRecoveryRuns is how many clean runs pass before a backed-off
	// interval is restored.
	backoffRecoveryRuns = 3
	// maxRetryDelay caps the per-event retry delay curve.
	maxRetryDelay = time.Hour
	// staleEventAge is when a still-pending event counts as stuck.
	staleEventAge = time.Hour
	// leaseMargin extends event claims beyond the soft run cap so slow runs
	// do not lose their claim mid-delivery.
	leaseMargin = 30 * time.Second
)

// Config holds the scheduler tunables.
type Config struct {
	BatchSize         int
	RetryInterval     time.Duration
	MaxProcessingTime time.Duration
	Enabled           bool
}

// ConfigFromEnv reads the scheduler configuration from the environment.
func ConfigFromEnv() Config {
	return Config{
		BatchSize:         envInt("WEBHOOK_SCHEDULER_BATCH_SIZE", 50),
		RetryInterval:     time.Duration(envInt("WEBHOOK_SCHEDULER_INTERVAL_MS", 30000)) * time.Millisecond,
		MaxProcessingTime: time.Duration(envInt("WEBHOOK_SCHEDULER_MAX_PROCESSING_MS", 60000)) * time.Millisecond,
		Enabled:           env.GetEnv("WEBHOOK_SCHEDULER_ENABLED", "true") != "false",
	}
}

func envInt(key string, def int) int {
	raw := env.GetEnv(key, strconv.Itoa(def))
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return def
	}
	return value
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.MaxProcessingTime <= 0 {
		c.MaxProcessingTime = 60 * time.Second
	}
}

// RunStats aggregates one delivery run.
type RunStats struct {
	Processed int           `json:"processed"`
	Delivered int           `json:"delivered"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"-"`
}

// JobStatus is the externally visible scheduler state.
type JobStatus struct {
	Name              string     `json:"name"`
	Enabled           bool       `json:"enabled"`
	Running           bool       `json:"running"`
	Processing        bool       `json:"processing"`
	BatchSize         int        `json:"batch_size"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	RunCount          int64      `json:"run_count"`
	AvgProcessingMS   float64    `json:"avg_processing_ms"`
	CurrentIntervalMS int64      `json:"current_interval_ms"`
	BackoffActive     bool       `json:"backoff_active"`
}

// HealthReport is the outcome of a scheduler health check.
type HealthReport struct {
	Healthy         bool     `json:"healthy"`
	Issues          []string `json:"issues,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// DeliveryScheduler drains the delivery queues on a timer: due pending events
// first, then retries whose time has elapsed, then deferred events that have
// come due, each bounded by the batch size. One run is in flight at a time;
// failed runs double the interval up to a cap until runs succeed again.
type DeliveryScheduler struct {
	name     string
	cfg      Config
	subs     repository.WebhookSubscriptionRepository
	events   repository.WebhookDeliveryEventRepository
	provider webhook.DeliveryProvider
	lease    *EventLease

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu               sync.Mutex
	running          bool
	processing       bool
	lastRunAt        *time.Time
	runCount         int64
	totalProcessing  time.Duration
	currentInterval  time.Duration
	backoffRemaining int
}

// NewDeliveryScheduler wires a scheduler from its collaborators.
func NewDeliveryScheduler(name string, cfg Config, subs repository.WebhookSubscriptionRepository, events repository.WebhookDeliveryEventRepository, provider webhook.DeliveryProvider, lease *EventLease) *DeliveryScheduler {
	cfg.applyDefaults()
	return &DeliveryScheduler{
		name:            name,
		cfg:             cfg,
		subs:            subs,
		events:          events,
		provider:        provider,
		lease:           lease,
		currentInterval: cfg.RetryInterval,
	}
}

// Name returns the job name this scheduler runs under.
func (s *DeliveryScheduler) Name() string {
	return s.name
}

// Start launches the run loop. Starting a running or disabled scheduler is a
// no-op.
func (s *DeliveryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	if !s.cfg.Enabled {
		log.Infof("[Delivery Scheduler] %s is disabled, not starting", s.name)
		return
	}

	// Recreate the stop channel each cycle so the scheduler can be restarted.
	s.stopCh = make(chan struct{})
	s.currentInterval = s.cfg.RetryInterval
	s.backoffRemaining = 0
	s.ticker = time.NewTicker(s.currentInterval)
	s.running = true

	s.wg.Add(1)
	go s.worker(s.stopCh, s.ticker)

	log.Infof("[Delivery Scheduler] %s started (interval: %s, batch size: %d)", s.name, s.currentInterval, s.cfg.BatchSize)
}

// Stop halts the run loop and waits for an in-flight run to finish.
func (s *DeliveryScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stopCh)
	s.stopCh = nil
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	log.Infof("[Delivery Scheduler] %s stopped", s.name)
}

// IsRunning reports whether the run loop is active.
func (s *DeliveryScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *DeliveryScheduler) worker(stopCh chan struct{}, ticker *time.Ticker) {
	defer s.wg.Done()
	for {
		select {
		case <-stopCh:
			log.Infof("[Delivery Scheduler] %s worker stopping", s.name)
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *DeliveryScheduler) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Delivery Scheduler] %s run panicked: %v", s.name, r)
			metrics.SchedulerRunsTotal.WithLabelValues(s.name, "error").Inc()
			s.applyBackoff()
		}
	}()

	stats, err := s.ProcessDeliveries(context.Background())
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			log.Debugf("[Delivery Scheduler] %s run still in flight, skipping tick", s.name)
			return
		}
		log.Errorf("[Delivery Scheduler] %s run failed: %v", s.name, err)
		metrics.SchedulerRunsTotal.WithLabelValues(s.name, "error").Inc()
		s.applyBackoff()
		return
	}

	metrics.SchedulerRunsTotal.WithLabelValues(s.name, "ok").Inc()
	s.easeBackoff()

	if stats.Processed > 0 || stats.Skipped > 0 {
		log.Infof("[Delivery Scheduler] %s processed %d event(s): %d delivered, %d retried, %d failed, %d skipped",
			s.name, stats.Processed, stats.Delivered, stats.Retried, stats.Failed, stats.Skipped)
	} else {
		log.Debugf("[Delivery Scheduler] %s nothing to process", s.name)
	}
}

// ProcessDeliveries executes one delivery run. Only one run is in flight at a
// time; concurrent callers get ErrRunInProgress. The soft processing cap is
// checked between events, so a slow receiver stretches a run but the run
// yields at the next boundary.
func (s *DeliveryScheduler) ProcessDeliveries(ctx context.Context) (RunStats, error) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		return RunStats{}, ErrRunInProgress
	}
	s.processing = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.processing = false
		s.mu.Unlock()
	}()

	start := time.Now()
	deadline := start.Add(s.cfg.MaxProcessingTime)
	stats := RunStats{}

	now := time.Now()
	queues := []struct {
		name  string
		fetch func() ([]models.WebhookDeliveryEvent, error)
	}{
		{"pending", func() ([]models.WebhookDeliveryEvent, error) { return s.events.GetPending(s.cfg.BatchSize) }},
		{"retry", func() ([]models.WebhookDeliveryEvent, error) { return s.events.GetRetryDue(now, s.cfg.BatchSize) }},
		{"scheduled", func() ([]models.WebhookDeliveryEvent, error) { return s.events.GetScheduledDue(now, s.cfg.BatchSize) }},
	}

	for _, queue := range queues {
		events, err := queue.fetch()
		if err != nil {
			s.finishRun(start, &stats)
			return stats, fmt.Errorf("load %s queue: %w", queue.name, err)
		}
		for i := range events {
			if err := ctx.Err(); err != nil {
				s.finishRun(start, &stats)
				return stats, err
			}
			if time.Now().After(deadline) {
				log.Warnf("[Delivery Scheduler] %s hit the %s processing cap, deferring remaining work", s.name, s.cfg.MaxProcessingTime)
				s.finishRun(start, &stats)
				return stats, nil
			}
			s.processEvent(ctx, &events[i], &stats)
		}
	}

	s.finishRun(start, &stats)
	return stats, nil
}

func (s *DeliveryScheduler) finishRun(start time.Time, stats *RunStats) {
	stats.Duration = time.Since(start)

	// A run that found no work leaves the bookkeeping untouched.
	if stats.Processed == 0 && stats.Skipped == 0 {
		return
	}
	now := time.Now()

	s.mu.Lock()
	s.lastRunAt = &now
	s.runCount++
	s.totalProcessing += stats.Duration
	s.mu.Unlock()
}

func (s *DeliveryScheduler) processEvent(ctx context.Context, event *models.WebhookDeliveryEvent, stats *RunStats) {
	ttl := s.cfg.MaxProcessingTime + leaseMargin
	if !s.lease.Claim(ctx, event.UUID, ttl) {
		stats.Skipped++
		log.Debugf("[Delivery Scheduler] Event %s claimed by another process", event.UUID)
		return
	}
	defer s.lease.Release(ctx, event.UUID)

	sub, err := s.subs.GetByID(event.SubscriptionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Orphaned event; its subscription disappeared outside the
			// cascade path.
			event.MarkAsCancelled()
			event.LastError = "subscription no longer exists"
			if updateErr := s.events.Update(event); updateErr != nil {
				log.Errorf("[Delivery Scheduler] Failed to cancel orphaned event %s: %v", event.UUID, updateErr)
				return
			}
			stats.Cancelled++
			stats.Processed++
			log.Warnf("[Delivery Scheduler] Cancelled orphaned event %s (subscription %d gone)", event.UUID, event.SubscriptionID)
			return
		}
		log.Errorf("[Delivery Scheduler] Failed to load subscription %d for event %s: %v", event.SubscriptionID, event.UUID, err)
		return
	}

	endpointID := sub.EndpointID
	if endpoint, ok := s.provider.FindEndpointBySubscription(sub.ID); ok {
		endpointID = endpoint.ID
	}

	result := s.provider.Deliver(ctx, endpointID, webhook.DeliveryRequest{
		DeliveryID: event.UUID,
		EventType:  event.EventType,
		Payload:    map[string]interface{}(event.Payload),
		Attempt:    event.Attempts + 1,
		OccurredAt: event.CreatedAt,
	})

	var statusCode *int
	if result.StatusCode != 0 {
		code := result.StatusCode
		statusCode = &code
	}

	switch {
	case result.Success:
		event.MarkAsDelivered(result.StatusCode, result.ResponseBody, result.ResponseHeaders, result.ResponseTimeMS)
		stats.Delivered++
		metrics.DeliveryAttemptsTotal.WithLabelValues("delivered").Inc()
	case result.Retryable && event.Attempts+1 < event.MaxAttempts:
		delay := retryDelay(sub.RetryDelayMS, event.Attempts+1)
		event.MarkAsRetryScheduled(result.Error, time.Now().Add(delay), statusCode, result.ResponseBody, result.ResponseHeaders, result.ResponseTimeMS)
		stats.Retried++
		metrics.DeliveryAttemptsTotal.WithLabelValues("retry_scheduled").Inc()
		metrics.RetriesTotal.WithLabelValues(result.FailureReason).Inc()
	default:
		event.MarkAsFailed(result.Error, statusCode, result.ResponseBody, result.ResponseHeaders, result.ResponseTimeMS)
		stats.Failed++
		metrics.DeliveryAttemptsTotal.WithLabelValues("failed").Inc()
	}

	if err := s.events.Update(event); err != nil {
		log.Errorf("[Delivery Scheduler] Failed to update event %s: %v", event.UUID, err)
	}
	if err := s.subs.UpdateStatistics(sub.ID, result.Success, result.ResponseTimeMS); err != nil {
		log.Errorf("[Delivery Scheduler] Failed to update statistics for subscription %d: %v", sub.ID, err)
	}
	stats.Processed++
}

// retryDelay grows exponentially on the subscription's base delay: base,
// 2x, 4x and so on, capped at an hour.
func retryDelay(baseDelayMS int, attempts int) time.Duration {
	if baseDelayMS <= 0 {
		baseDelayMS = models.WebhookDefaultRetryDelayMS
	}
	delay := time.Duration(baseDelayMS) * time.Millisecond
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// RetryFailedEvent flips one failed event back to pending. Returns false when
// the event is unknown, not failed or out of attempt budget.
func (s *DeliveryScheduler) RetryFailedEvent(uuid string) bool {
	event, err := s.events.GetByUUID(uuid)
	if err != nil {
		return false
	}
	if !event.CanRetry() {
		return false
	}
	event.MarkAsRetryQueued()
	if err := s.events.Update(event); err != nil {
		log.Errorf("[Delivery Scheduler] Failed to queue retry for event %s: %v", uuid, err)
		return false
	}
	log.Infof("[Delivery Scheduler] Event %s queued for retry", uuid)
	return true
}

// RetryFailedEvents flips up to maxEvents failed events of a subscription
// back to pending and returns how many were queued.
func (s *DeliveryScheduler) RetryFailedEvents(subscriptionID uint, maxEvents int) int {
	events, err := s.events.GetRetryable(subscriptionID, maxEvents)
	if err != nil {
		log.Errorf("[Delivery Scheduler] Failed to load retryable events for subscription %d: %v", subscriptionID, err)
		return 0
	}

	count := 0
	for i := range events {
		event := &events[i]
		event.MarkAsRetryQueued()
		if err := s.events.Update(event); err != nil {
			log.Warnf("[Delivery Scheduler] Failed to queue retry for event %s: %v", event.UUID, err)
			continue
		}
		count++
	}
	if count > 0 {
		log.Infof("[Delivery Scheduler] Queued %d failed event(s) of subscription %d for retry", count, subscriptionID)
	}
	return count
}

// CancelPendingEvent withdraws a pending event. Returns false when the event
// is unknown or not pending.
func (s *DeliveryScheduler) CancelPendingEvent(uuid string) bool {
	event, err := s.events.GetByUUID(uuid)
	if err != nil {
		return false
	}
	if event.Status != models.WebhookEventStatusPending {
		return false
	}
	event.MarkAsCancelled()
	if err := s.events.Update(event); err != nil {
		log.Errorf("[Delivery Scheduler] Failed to cancel event %s: %v", uuid, err)
		return false
	}
	log.Infof("[Delivery Scheduler] Event %s cancelled", uuid)
	return true
}

// Status returns a snapshot of the scheduler state.
func (s *DeliveryScheduler) Status() JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := JobStatus{
		Name:              s.name,
		Enabled:           s.cfg.Enabled,
		Running:           s.running,
		Processing:        s.processing,
		BatchSize:         s.cfg.BatchSize,
		LastRunAt:         s.lastRunAt,
		RunCount:          s.runCount,
		CurrentIntervalMS: s.currentInterval.Milliseconds(),
		BackoffActive:     s.currentInterval != s.cfg.RetryInterval,
	}
	if s.runCount > 0 {
		status.AvgProcessingMS = float64(s.totalProcessing.Milliseconds()) / float64(s.runCount)
	}
	return status
}

// HealthCheck inspects the scheduler and its delivery pipeline and returns
// issues with recommendations.
func (s *DeliveryScheduler) HealthCheck() HealthReport {
	report := HealthReport{Healthy: true}
	status := s.Status()

	if status.Enabled && !status.Running {
		report.Issues = append(report.Issues, "scheduler is enabled but not running")
		report.Recommendations = append(report.Recommendations, "start the delivery job or check for a crashed run loop")
	}

	deliveryStats := s.provider.GetDeliveryStats()
	switch deliveryStats.QueueHealth {
	case webhook.QueueHealthCritical:
		report.Issues = append(report.Issues, "delivery queue critical: no healthy endpoints left")
		report.Recommendations = append(report.Recommendations, "inspect receiver availability and recent delivery errors")
	case webhook.QueueHealthDegraded:
		report.Issues = append(report.Issues,
			fmt.Sprintf("delivery queue degraded: %d unhealthy endpoint(s)", deliveryStats.UnhealthyEndpoints))
		report.Recommendations = append(report.Recommendations, "review failing endpoints or disable dead subscriptions")
	}

	oldest, err := s.events.GetOldestPending()
	if err != nil {
		report.Issues = append(report.Issues, fmt.Sprintf("pending queue inspection failed: %v", err))
	} else if oldest != nil {
		if age := time.Since(oldest.CreatedAt); age > staleEventAge {
			report.Issues = append(report.Issues,
				fmt.Sprintf("oldest pending event has been waiting %s", age.Round(time.Second)))
			report.Recommendations = append(report.Recommendations, "check scheduler throughput and batch size")
		}
	}

	if capMS := float64(s.cfg.MaxProcessingTime.Milliseconds()); status.AvgProcessingMS > capMS {
		report.Issues = append(report.Issues,
			fmt.Sprintf("average run time %.0fms exceeds the %.0fms processing cap", status.AvgProcessingMS, capMS))
		report.Recommendations = append(report.Recommendations, "lower the batch size or raise the processing cap")
	}

	report.Healthy = len(report.Issues) == 0
	return report
}

func (s *DeliveryScheduler) applyBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.currentInterval * 2
	if next > maxBackoffInterval {
		next = maxBackoffInterval
	}
	if next != s.currentInterval {
		s.currentInterval = next
		if s.ticker != nil {
			s.ticker.Reset(next)
		}
		log.Warnf("[Delivery Scheduler] %s backing off, interval now %s", s.name, next)
	}
	s.backoffRemaining = backoffRecoveryRuns
}

func (s *DeliveryScheduler) easeBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backoffRemaining == 0 {
		return
	}
	s.backoffRemaining--
	if s.backoffRemaining == 0 && s.currentInterval != s.cfg.RetryInterval {
		s.currentInterval = s.cfg.RetryInterval
		if s.ticker != nil {
			s.ticker.Reset(s.currentInterval)
		}
		log.Infof("[Delivery Scheduler] %s backoff cleared, interval restored to %s", s.name, s.currentInterval)
	}
}
