package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	WebhookEventStatusPending   = "pending"
	WebhookEventStatusDelivered = "delivered"
	WebhookEventStatusFailed    = "failed"
	WebhookEventStatusCancelled = "cancelled"
)

// WebhookResponseBodyMaxBytes caps how much of a receiver response is kept on
// the delivery event.
const WebhookResponseBodyMaxBytes = 1024

// JSONMap stores an arbitrary JSON object in a single column.
type JSONMap map[string]interface{}

// Value implements the driver.Valuer interface
func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return errors.New("invalid scan source")
	}
	return json.Unmarshal(bytes, m)
}

// WebhookDeliveryEvent is one queued outbound delivery for a subscription.
//
// State machine: pending -> delivered | failed | cancelled. delivered and
// cancelled are terminal. failed can be flipped back to pending through an
// explicit retry while the attempt budget allows it. NextRetryAt carries
// meaning only while the event is pending with at least one attempt behind it;
// ScheduledAt defers the first attempt to a future time.
type WebhookDeliveryEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	UUID            string     `gorm:"type:varchar(36);uniqueIndex;not null" json:"uuid"`
	SubscriptionID  uint       `gorm:"not null;index:idx_webhook_delivery_events_sub_status,priority:1" json:"subscription_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload         JSONMap    `gorm:"type:json" json:"payload"`
	Status          string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_webhook_delivery_events_sub_status,priority:2;index" json:"status"`
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts     int        `gorm:"not null;default:4" json:"max_attempts"`
	NextRetryAt     *time.Time `gorm:"type:timestamp;default:null;index" json:"next_retry_at,omitempty"`
	ScheduledAt     *time.Time `gorm:"type:timestamp;default:null;index" json:"scheduled_at,omitempty"`
	LastError       string     `gorm:"type:text" json:"last_error,omitempty"`
	ResponseStatus  *int       `gorm:"default:null" json:"response_status,omitempty"`
	ResponseBody    string     `gorm:"type:text" json:"response_body,omitempty"`
	ResponseHeaders HeaderMap  `gorm:"type:json" json:"response_headers,omitempty"`
	ResponseTimeMS  int64      `gorm:"default:0" json:"response_time_ms"`
	DeliveredAt     *time.Time `gorm:"type:timestamp;default:null" json:"delivered_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns the public id and normalizes the attempt budget.
func (e *WebhookDeliveryEvent) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = WebhookEventStatusPending
	}
	if e.MaxAttempts < 1 {
		e.MaxAttempts = 1
	}
	return nil
}

// IsTerminal reports whether no further attempts will ever happen without an
// explicit retry.
func (e *WebhookDeliveryEvent) IsTerminal() bool {
	return e.Status == WebhookEventStatusDelivered || e.Status == WebhookEventStatusCancelled
}

// CanRetry reports whether an explicit retry is allowed: only failed events
// with attempt budget left qualify.
func (e *WebhookDeliveryEvent) CanRetry() bool {
	return e.Status == WebhookEventStatusFailed && e.Attempts < e.MaxAttempts
}

// HasAttemptsLeft reports whether the attempt budget allows another try.
func (e *WebhookDeliveryEvent) HasAttemptsLeft() bool {
	return e.Attempts < e.MaxAttempts
}

// MarkAsDelivered records a successful attempt and closes the event.
func (e *WebhookDeliveryEvent) MarkAsDelivered(statusCode int, body string, headers map[string]string, responseTimeMS int64) {
	now := time.Now()
	e.Status = WebhookEventStatusDelivered
	e.Attempts++
	e.ResponseStatus = &statusCode
	e.ResponseBody = capResponseBody(body)
	e.ResponseHeaders = HeaderMap(headers)
	e.ResponseTimeMS = responseTimeMS
	e.LastError = ""
	e.NextRetryAt = nil
	e.DeliveredAt = &now
	e.UpdatedAt = now
}

// MarkAsFailed records a failed attempt that will not be retried
// automatically.
func (e *WebhookDeliveryEvent) MarkAsFailed(errMsg string, statusCode *int, body string, headers map[string]string, responseTimeMS int64) {
	e.Status = WebhookEventStatusFailed
	e.Attempts++
	e.LastError = errMsg
	e.ResponseStatus = statusCode
	e.ResponseBody = capResponseBody(body)
	e.ResponseHeaders = HeaderMap(headers)
	e.ResponseTimeMS = responseTimeMS
	e.NextRetryAt = nil
	e.UpdatedAt = time.Now()
}

// MarkAsRetryScheduled records a failed attempt and keeps the event pending
// for the retry queue at the given time.
func (e *WebhookDeliveryEvent) MarkAsRetryScheduled(errMsg string, nextRetry time.Time, statusCode *int, body string, headers map[string]string, responseTimeMS int64) {
	e.Status = WebhookEventStatusPending
	e.Attempts++
	e.LastError = errMsg
	e.ResponseStatus = statusCode
	e.ResponseBody = capResponseBody(body)
	e.ResponseHeaders = HeaderMap(headers)
	e.ResponseTimeMS = responseTimeMS
	e.NextRetryAt = &nextRetry
	e.UpdatedAt = time.Now()
}

// MarkAsRetryQueued flips a failed event back to pending for immediate pickup
// and clears the stored error. The attempt counter is untouched; only actual
// attempts move it.
func (e *WebhookDeliveryEvent) MarkAsRetryQueued() {
	now := time.Now()
	e.Status = WebhookEventStatusPending
	e.LastError = ""
	e.NextRetryAt = &now
	e.UpdatedAt = now
}

// MarkAsCancelled withdraws a pending event.
func (e *WebhookDeliveryEvent) MarkAsCancelled() {
	e.Status = WebhookEventStatusCancelled
	e.NextRetryAt = nil
	e.UpdatedAt = time.Now()
}

func capResponseBody(body string) string {
	if len(body) > WebhookResponseBodyMaxBytes {
		return body[:WebhookResponseBodyMaxBytes]
	}
	return body
}
