package webhook

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/app/repository"
	"github.com/ManuelReschke/HookFox/internal/pkg/metrics"
)

// SubscriptionManager owns the subscription lifecycle: validation,
// persistence, provider endpoint registration and the fan-out of domain
// events into delivery records. All collaborators are handed in at
// construction; the manager holds no global state.
type SubscriptionManager struct {
	subs     repository.WebhookSubscriptionRepository
	events   repository.WebhookDeliveryEventRepository
	provider DeliveryProvider
}

// NewSubscriptionManager wires a manager from its collaborators.
func NewSubscriptionManager(subs repository.WebhookSubscriptionRepository, events repository.WebhookDeliveryEventRepository, provider DeliveryProvider) *SubscriptionManager {
	return &SubscriptionManager{
		subs:     subs,
		events:   events,
		provider: provider,
	}
}

// UpdateSubscriptionInput carries a partial subscription update. Nil fields
// stay untouched.
type UpdateSubscriptionInput struct {
	Name               *string
	URL                *string
	WorkspaceID        *string
	IsActive           *bool
	Events             []string
	Headers            map[string]string
	Filters            *models.FilterConfig
	HTTPMethod         *string
	ContentType        *string
	SignatureHeader    *string
	SignatureAlgorithm *string
	TimeoutMS          *int
	MaxRetries         *int
	RetryDelayMS       *int
}

// TestResult reports a synthetic delivery issued through testSubscription.
type TestResult struct {
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}

// URLValidation reports the outcome of a target URL check. Valid is the hard
// gate; Reachable is informational and never blocks a subscription.
type URLValidation struct {
	Valid          bool   `json:"valid"`
	Reachable      bool   `json:"reachable"`
	ResponseTimeMS int64  `json:"response_time_ms,omitempty"`
	Error          string `json:"error,omitempty"`
}

// SubscriptionStats combines a subscription's rolling statistics with its
// current delivery queue counts.
type SubscriptionStats struct {
	SubscriptionID     uint             `json:"subscription_id"`
	Name               string           `json:"name"`
	IsActive           bool             `json:"is_active"`
	TotalSent          int64            `json:"total_sent"`
	TotalDelivered     int64            `json:"total_delivered"`
	TotalFailed        int64            `json:"total_failed"`
	LastDeliveryAt     *time.Time       `json:"last_delivery_at,omitempty"`
	LastDeliveryStatus string           `json:"last_delivery_status,omitempty"`
	AvgResponseTimeMS  float64          `json:"avg_response_time_ms"`
	EventCounts        map[string]int64 `json:"event_counts"`
}

// SystemStats is the engine-wide statistics snapshot.
type SystemStats struct {
	Subscriptions       int64            `json:"subscriptions"`
	ActiveSubscriptions int64            `json:"active_subscriptions"`
	EventCounts         map[string]int64 `json:"event_counts"`
	Delivery            DeliveryStats    `json:"delivery"`
}

// CreateSubscription validates the subscription, generates its signing secret
// when absent, persists it and registers the provider endpoint. The target is
// probed once; an unreachable target is logged, not rejected. A failed
// endpoint registration rolls the stored row back.
func (m *SubscriptionManager) CreateSubscription(sub *models.WebhookSubscription) error {
	if _, err := parseWebhookURL(sub.URL); err != nil {
		return err
	}
	if len(sub.Events) == 0 {
		return ErrNoEventTypes
	}
	sub.ApplyDefaults()
	if err := validateSubscriptionSettings(sub); err != nil {
		return err
	}
	if sub.Secret == "" {
		secret, err := GenerateSecret()
		if err != nil {
			return err
		}
		sub.Secret = secret
	}

	// The probe never blocks creation.
	if !m.provider.TestEndpoint(sub.URL) {
		log.Warnf("[Webhook Manager] Target %s did not respond to reachability probe", sub.URL)
	}

	if err := m.subs.Create(sub); err != nil {
		return err
	}

	endpointID, err := m.provider.RegisterEndpoint(endpointConfigFromSubscription(sub))
	if err != nil {
		if delErr := m.subs.Delete(sub.ID); delErr != nil {
			log.Errorf("[Webhook Manager] Rollback of subscription %d failed: %v", sub.ID, delErr)
		}
		return fmt.Errorf("register delivery endpoint: %w", err)
	}

	sub.EndpointID = endpointID
	if err := m.subs.Update(sub); err != nil {
		if delErr := m.provider.DeleteEndpoint(endpointID); delErr != nil {
			log.Errorf("[Webhook Manager] Endpoint cleanup for subscription %d failed: %v", sub.ID, delErr)
		}
		if delErr := m.subs.Delete(sub.ID); delErr != nil {
			log.Errorf("[Webhook Manager] Rollback of subscription %d failed: %v", sub.ID, delErr)
		}
		return err
	}

	log.Infof("[Webhook Manager] Created subscription %d (%s) for owner %d", sub.ID, sub.Name, sub.OwnerUserID)
	return nil
}

// GetSubscription loads one subscription.
func (m *SubscriptionManager) GetSubscription(id uint) (*models.WebhookSubscription, error) {
	return m.getSubscription(id)
}

// GetOwnerSubscriptions lists the subscriptions registered by an owner.
func (m *SubscriptionManager) GetOwnerSubscriptions(ownerUserID uint) ([]models.WebhookSubscription, error) {
	return m.subs.GetByOwner(ownerUserID)
}

// GetWorkspaceSubscriptions lists the subscriptions scoped to a workspace.
func (m *SubscriptionManager) GetWorkspaceSubscriptions(workspaceID string) ([]models.WebhookSubscription, error) {
	return m.subs.GetByWorkspace(workspaceID)
}

// ListSubscriptions pages through all subscriptions and returns the total
// count alongside the page.
func (m *SubscriptionManager) ListSubscriptions(offset, limit int) ([]models.WebhookSubscription, int64, error) {
	subs, err := m.subs.List(offset, limit)
	if err != nil {
		return nil, 0, err
	}
	total, err := m.subs.Count()
	if err != nil {
		return nil, 0, err
	}
	return subs, total, nil
}

// UpdateSubscription applies a partial update. The provider endpoint is
// updated before the store; when the store write fails the endpoint is
// reverted so both sides keep the same view.
func (m *SubscriptionManager) UpdateSubscription(id uint, input UpdateSubscriptionInput) (*models.WebhookSubscription, error) {
	sub, err := m.getSubscription(id)
	if err != nil {
		return nil, err
	}
	previousCfg := endpointConfigFromSubscription(sub)

	if input.Name != nil {
		sub.Name = strings.TrimSpace(*input.Name)
	}
	if input.URL != nil {
		if _, err := parseWebhookURL(*input.URL); err != nil {
			return nil, err
		}
		sub.URL = strings.TrimSpace(*input.URL)
	}
	if input.WorkspaceID != nil {
		sub.WorkspaceID = *input.WorkspaceID
	}
	if input.IsActive != nil {
		sub.IsActive = *input.IsActive
	}
	if input.Events != nil {
		if len(input.Events) == 0 {
			return nil, ErrNoEventTypes
		}
		sub.Events = input.Events
	}
	if input.Headers != nil {
		sub.Headers = input.Headers
	}
	if input.Filters != nil {
		sub.Filters = *input.Filters
	}
	if input.HTTPMethod != nil {
		sub.HTTPMethod = *input.HTTPMethod
	}
	if input.ContentType != nil {
		sub.ContentType = *input.ContentType
	}
	if input.SignatureHeader != nil {
		sub.SignatureHeader = *input.SignatureHeader
	}
	if input.SignatureAlgorithm != nil {
		sub.SignatureAlgorithm = *input.SignatureAlgorithm
	}
	// Changing MaxRetries only affects future delivery events; queued events
	// keep the attempt budget they were created with.
	if input.TimeoutMS != nil {
		sub.TimeoutMS = *input.TimeoutMS
	}
	if input.MaxRetries != nil {
		sub.MaxRetries = *input.MaxRetries
	}
	if input.RetryDelayMS != nil {
		sub.RetryDelayMS = *input.RetryDelayMS
	}

	sub.ApplyDefaults()
	if err := validateSubscriptionSettings(sub); err != nil {
		return nil, err
	}

	if sub.EndpointID != "" {
		if err := m.provider.UpdateEndpoint(sub.EndpointID, endpointConfigFromSubscription(sub)); err != nil {
			return nil, fmt.Errorf("update delivery endpoint: %w", err)
		}
	} else {
		endpointID, err := m.provider.RegisterEndpoint(endpointConfigFromSubscription(sub))
		if err != nil {
			return nil, fmt.Errorf("register delivery endpoint: %w", err)
		}
		sub.EndpointID = endpointID
	}

	if err := m.subs.Update(sub); err != nil {
		if revertErr := m.provider.UpdateEndpoint(sub.EndpointID, previousCfg); revertErr != nil {
			log.Errorf("[Webhook Manager] Endpoint revert for subscription %d failed: %v", id, revertErr)
		}
		return nil, err
	}
	return sub, nil
}

// DeleteSubscription removes a subscription, its provider endpoint and all of
// its delivery events. Returns false without error when the id is unknown.
func (m *SubscriptionManager) DeleteSubscription(id uint) (bool, error) {
	sub, err := m.subs.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}

	if sub.EndpointID != "" {
		if err := m.provider.DeleteEndpoint(sub.EndpointID); err != nil && !errors.Is(err, ErrEndpointNotFound) {
			log.Warnf("[Webhook Manager] Failed to deregister endpoint %s: %v", sub.EndpointID, err)
		}
	}

	if err := m.subs.DeleteWithEvents(id); err != nil {
		return false, err
	}
	log.Infof("[Webhook Manager] Deleted subscription %d (%s)", id, sub.Name)
	return true, nil
}

// RotateSecret replaces the signing secret. The provider endpoint is switched
// first; a failed endpoint update leaves the stored secret untouched, and a
// failed store write rolls the endpoint back to the previous secret.
func (m *SubscriptionManager) RotateSecret(id uint) (string, error) {
	sub, err := m.getSubscription(id)
	if err != nil {
		return "", err
	}
	newSecret, err := GenerateSecret()
	if err != nil {
		return "", err
	}

	previousSecret := sub.Secret
	sub.Secret = newSecret
	if sub.EndpointID != "" {
		if err := m.provider.UpdateEndpoint(sub.EndpointID, endpointConfigFromSubscription(sub)); err != nil {
			return "", fmt.Errorf("rotate secret: %w", err)
		}
	}

	if err := m.subs.UpdateSecret(id, newSecret); err != nil {
		sub.Secret = previousSecret
		if sub.EndpointID != "" {
			if revertErr := m.provider.UpdateEndpoint(sub.EndpointID, endpointConfigFromSubscription(sub)); revertErr != nil {
				log.Errorf("[Webhook Manager] Secret revert for subscription %d failed: %v", id, revertErr)
			}
		}
		return "", err
	}

	log.Infof("[Webhook Manager] Rotated secret for subscription %d", id)
	return newSecret, nil
}

// TestSubscription issues a synthetic delivery and measures its wall-clock
// latency. Delivery problems are reported in the result, not as an error.
func (m *SubscriptionManager) TestSubscription(id uint, payload map[string]interface{}) (*TestResult, error) {
	sub, err := m.getSubscription(id)
	if err != nil {
		return nil, err
	}
	if sub.EndpointID == "" {
		return &TestResult{Success: false, Error: "subscription has no registered endpoint"}, nil
	}

	start := time.Now()
	result := m.provider.SendTestWebhook(sub.EndpointID, payload)
	return &TestResult{
		Success:        result.Success,
		StatusCode:     result.StatusCode,
		ResponseTimeMS: time.Since(start).Milliseconds(),
		Error:          result.Error,
	}, nil
}

// ValidateWebhookURL checks the URL format and probes reachability. Only the
// format decides validity.
func (m *SubscriptionManager) ValidateWebhookURL(rawURL string) *URLValidation {
	if _, err := parseWebhookURL(rawURL); err != nil {
		return &URLValidation{Valid: false, Error: err.Error()}
	}

	start := time.Now()
	reachable := m.provider.TestEndpoint(rawURL)
	validation := &URLValidation{
		Valid:          true,
		Reachable:      reachable,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
	if !reachable {
		validation.Error = "endpoint did not respond to reachability probe"
	}
	return validation
}

// EnableSubscriptions activates the given subscriptions and returns how many
// of them exist. Enabling an already active subscription still counts.
func (m *SubscriptionManager) EnableSubscriptions(ids []uint) int {
	return m.bulkSetActive(ids, true)
}

// DisableSubscriptions deactivates the given subscriptions and returns how
// many of them exist. Disabling an already inactive subscription still counts.
func (m *SubscriptionManager) DisableSubscriptions(ids []uint) int {
	return m.bulkSetActive(ids, false)
}

func (m *SubscriptionManager) bulkSetActive(ids []uint, active bool) int {
	matched, err := m.subs.BulkSetActive(ids, active)
	if err != nil {
		log.Errorf("[Webhook Manager] Bulk active=%t update failed: %v", active, err)
		return 0
	}
	for _, id := range ids {
		sub, err := m.subs.GetByID(id)
		if err != nil || sub.EndpointID == "" {
			continue
		}
		if err := m.provider.UpdateEndpoint(sub.EndpointID, endpointConfigFromSubscription(sub)); err != nil {
			log.Warnf("[Webhook Manager] Endpoint sync for subscription %d failed: %v", id, err)
		}
	}
	return int(matched)
}

// DeleteSubscriptions removes the given subscriptions one by one and returns
// the number of successful removals.
func (m *SubscriptionManager) DeleteSubscriptions(ids []uint) int {
	count := 0
	for _, id := range ids {
		deleted, err := m.DeleteSubscription(id)
		if err != nil {
			log.Warnf("[Webhook Manager] Bulk delete of subscription %d failed: %v", id, err)
			continue
		}
		if deleted {
			count++
		}
	}
	return count
}

// DispatchEvent fans a domain event out to every matching subscription and
// enqueues one delivery event per match. Returns the number of deliveries
// enqueued.
func (m *SubscriptionManager) DispatchEvent(event models.Event) (int, error) {
	return m.fanOut(event, nil)
}

// ScheduleEvent fans a domain event out like DispatchEvent, but defers the
// first delivery attempt to the given time.
func (m *SubscriptionManager) ScheduleEvent(event models.Event, deliverAt time.Time) (int, error) {
	return m.fanOut(event, &deliverAt)
}

func (m *SubscriptionManager) fanOut(event models.Event, scheduledAt *time.Time) (int, error) {
	if strings.TrimSpace(event.Type) == "" {
		return 0, errors.New("event type required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	subs, err := m.subs.GetActiveForWorkspace(event.WorkspaceID)
	if err != nil {
		return 0, err
	}

	payload := payloadFromEvent(event)
	var deliveries []*models.WebhookDeliveryEvent
	for i := range subs {
		sub := &subs[i]
		if !ShouldDeliver(sub, event) {
			continue
		}
		deliveries = append(deliveries, &models.WebhookDeliveryEvent{
			SubscriptionID: sub.ID,
			EventType:      event.Type,
			Payload:        payload,
			Status:         models.WebhookEventStatusPending,
			MaxAttempts:    sub.MaxAttempts(),
			ScheduledAt:    scheduledAt,
		})
	}

	metrics.EventsPublishedTotal.Inc()
	if len(deliveries) == 0 {
		return 0, nil
	}
	if err := m.events.CreateBatch(deliveries); err != nil {
		return 0, err
	}
	metrics.DeliveriesEnqueuedTotal.Add(float64(len(deliveries)))
	log.Infof("[Webhook Manager] Event %s fanned out to %d subscription(s)", event.Type, len(deliveries))
	return len(deliveries), nil
}

// GetSubscriptionEvents lists a subscription's delivery events, newest first.
func (m *SubscriptionManager) GetSubscriptionEvents(id uint, status string, limit int) ([]models.WebhookDeliveryEvent, error) {
	if _, err := m.getSubscription(id); err != nil {
		return nil, err
	}
	return m.events.GetBySubscription(id, status, limit)
}

// GetDeliveryEvent loads one delivery event by its public id.
func (m *SubscriptionManager) GetDeliveryEvent(uuid string) (*models.WebhookDeliveryEvent, error) {
	event, err := m.events.GetByUUID(uuid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}
	return event, nil
}

// GetSubscriptionStats returns the rolling statistics and queue counts of one
// subscription.
func (m *SubscriptionManager) GetSubscriptionStats(id uint) (*SubscriptionStats, error) {
	sub, err := m.getSubscription(id)
	if err != nil {
		return nil, err
	}
	counts, err := m.events.CountByStatusForSubscription(id)
	if err != nil {
		return nil, err
	}
	return &SubscriptionStats{
		SubscriptionID:     sub.ID,
		Name:               sub.Name,
		IsActive:           sub.IsActive,
		TotalSent:          sub.TotalSent,
		TotalDelivered:     sub.TotalDelivered,
		TotalFailed:        sub.TotalFailed,
		LastDeliveryAt:     sub.LastDeliveryAt,
		LastDeliveryStatus: sub.LastDeliveryStatus,
		AvgResponseTimeMS:  sub.AvgResponseTimeMS,
		EventCounts:        counts,
	}, nil
}

// GetSystemStats returns the engine-wide statistics snapshot.
func (m *SubscriptionManager) GetSystemStats() (*SystemStats, error) {
	total, err := m.subs.Count()
	if err != nil {
		return nil, err
	}
	active, err := m.subs.CountActive()
	if err != nil {
		return nil, err
	}
	counts, err := m.events.CountByStatus()
	if err != nil {
		return nil, err
	}
	return &SystemStats{
		Subscriptions:       total,
		ActiveSubscriptions: active,
		EventCounts:         counts,
		Delivery:            m.provider.GetDeliveryStats(),
	}, nil
}

// SyncProviderEndpoints re-registers provider endpoints for every stored
// subscription. Run at boot so the in-memory registry survives restarts.
func (m *SubscriptionManager) SyncProviderEndpoints() error {
	subs, err := m.subs.GetAll()
	if err != nil {
		return err
	}

	registered := 0
	for i := range subs {
		sub := &subs[i]
		if _, ok := m.provider.FindEndpointBySubscription(sub.ID); ok {
			continue
		}
		endpointID, err := m.provider.RegisterEndpoint(endpointConfigFromSubscription(sub))
		if err != nil {
			log.Warnf("[Webhook Manager] Endpoint registration for subscription %d failed: %v", sub.ID, err)
			continue
		}
		if sub.EndpointID != endpointID {
			sub.EndpointID = endpointID
			if err := m.subs.Update(sub); err != nil {
				log.Warnf("[Webhook Manager] Endpoint id update for subscription %d failed: %v", sub.ID, err)
			}
		}
		registered++
	}
	if registered > 0 {
		log.Infof("[Webhook Manager] Registered %d provider endpoint(s)", registered)
	}
	return nil
}

func (m *SubscriptionManager) getSubscription(id uint) (*models.WebhookSubscription, error) {
	sub, err := m.subs.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return sub, nil
}

func endpointConfigFromSubscription(sub *models.WebhookSubscription) EndpointConfig {
	return EndpointConfig{
		URL:                sub.URL,
		Secret:             sub.Secret,
		Events:             []string(sub.Events),
		Method:             sub.HTTPMethod,
		ContentType:        sub.ContentType,
		SignatureHeader:    sub.SignatureHeader,
		SignatureAlgorithm: sub.SignatureAlgorithm,
		TimeoutMS:          sub.TimeoutMS,
		Headers:            sub.Headers,
		Active:             sub.IsActive,
		Metadata: map[string]string{
			MetadataSubscriptionID: strconv.FormatUint(uint64(sub.ID), 10),
		},
	}
}

func payloadFromEvent(event models.Event) models.JSONMap {
	payload := models.JSONMap{
		"event":       event.Type,
		"occurred_at": event.OccurredAt.UTC().Format(time.RFC3339),
	}
	if event.WorkspaceID != "" {
		payload["workspace_id"] = event.WorkspaceID
	}
	if event.UserID != "" {
		payload["user_id"] = event.UserID
	}
	if event.ProjectID != "" {
		payload["project_id"] = event.ProjectID
	}
	if event.TaskID != "" {
		payload["task_id"] = event.TaskID
	}
	if event.Priority != "" {
		payload["priority"] = event.Priority
	}
	if len(event.Tags) > 0 {
		payload["tags"] = event.Tags
	}
	if event.Data != nil {
		payload["data"] = event.Data
	}
	return payload
}

func validateSubscriptionSettings(sub *models.WebhookSubscription) error {
	switch sub.HTTPMethod {
	case models.WebhookMethodPost, models.WebhookMethodPut, models.WebhookMethodPatch:
	default:
		return fmt.Errorf("unsupported http method %q", sub.HTTPMethod)
	}
	switch sub.ContentType {
	case models.WebhookContentTypeJSON, models.WebhookContentTypeForm:
	default:
		return fmt.Errorf("unsupported content type %q", sub.ContentType)
	}
	if !SupportedAlgorithm(sub.SignatureAlgorithm) {
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, sub.SignatureAlgorithm)
	}
	return nil
}

// parseWebhookURL accepts plain http/https URLs with a host. Anything else is
// a hard validation failure.
func parseWebhookURL(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: url is empty", ErrInvalidURL)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return parsed, nil
}
