package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	WebhookMethodPost  = "POST"
	WebhookMethodPut   = "PUT"
	WebhookMethodPatch = "PATCH"
)

const (
	WebhookContentTypeJSON = "json"
	WebhookContentTypeForm = "form"
)

const (
	WebhookAlgorithmSHA256 = "sha256"
	WebhookAlgorithmSHA1   = "sha1"
	WebhookAlgorithmMD5    = "md5"
)

// Default delivery settings applied when a subscription is created without
// explicit values.
const (
	WebhookDefaultSignatureHeader = "X-Webhook-Signature"
	WebhookDefaultTimeoutMS       = 30000
	WebhookDefaultMaxRetries      = 3
	WebhookDefaultRetryDelayMS    = 60000
)

// StringList stores a JSON array of strings in a single column.
type StringList []string

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
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
	return json.Unmarshal(bytes, l)
}

// Contains reports whether the list holds the given value.
func (l StringList) Contains(value string) bool {
	for _, v := range l {
		if v == value {
			return true
		}
	}
	return false
}

// HeaderMap stores a JSON object of header name/value pairs in a single column.
type HeaderMap map[string]string

// Value implements the driver.Valuer interface
func (h HeaderMap) Value() (driver.Value, error) {
	if len(h) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface
func (h *HeaderMap) Scan(value interface{}) error {
	if value == nil {
		*h = nil
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
	return json.Unmarshal(bytes, h)
}

// FilterConfig narrows which events a subscription receives. Every list is an
// allow-list over one event attribute; an empty list leaves that attribute
// unconstrained. Populated lists must all match for an event to pass.
type FilterConfig struct {
	UserIDs    []string `json:"user_ids,omitempty"`
	ProjectIDs []string `json:"project_ids,omitempty"`
	TaskIDs    []string `json:"task_ids,omitempty"`
	Priorities []string `json:"priorities,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// Value implements the driver.Valuer interface
func (f FilterConfig) Value() (driver.Value, error) {
	if f.IsZero() {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements the sql.Scanner interface
func (f *FilterConfig) Scan(value interface{}) error {
	if value == nil {
		*f = FilterConfig{}
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
	return json.Unmarshal(bytes, f)
}

// IsZero reports whether no filter dimension is populated.
func (f FilterConfig) IsZero() bool {
	return len(f.UserIDs) == 0 && len(f.ProjectIDs) == 0 && len(f.TaskIDs) == 0 &&
		len(f.Priorities) == 0 && len(f.Tags) == 0
}

// WebhookSubscription is a registered receiver endpoint together with its
// delivery settings, event selection and rolling delivery statistics.
type WebhookSubscription struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	OwnerUserID uint       `gorm:"not null;index" json:"owner_user_id"`
	WorkspaceID string     `gorm:"type:varchar(64);index" json:"workspace_id,omitempty"`
	Name        string     `gorm:"type:varchar(255);not null" json:"name"`
	URL         string     `gorm:"type:varchar(2048);not null" json:"url"`
	Secret      string     `gorm:"type:varchar(128);not null" json:"secret,omitempty"`
	// No column default: false must survive the insert instead of being
	// swallowed by a default:true tag.
	IsActive bool       `gorm:"index" json:"is_active"`
	Events   StringList `gorm:"type:json" json:"events"`
	Headers  HeaderMap  `gorm:"type:json" json:"headers,omitempty"`

	// Delivery settings
	HTTPMethod         string `gorm:"type:varchar(8);not null;default:'POST'" json:"http_method"`
	ContentType        string `gorm:"type:varchar(16);not null;default:'json'" json:"content_type"`
	SignatureHeader    string `gorm:"type:varchar(100);not null;default:'X-Webhook-Signature'" json:"signature_header"`
	SignatureAlgorithm string `gorm:"type:varchar(16);not null;default:'sha256'" json:"signature_algorithm"`
	TimeoutMS          int    `gorm:"not null;default:30000" json:"timeout_ms"`
	// No column default: zero retries is a valid setting and must not be
	// replaced by a default on insert.
	MaxRetries   int `gorm:"not null" json:"max_retries"`
	RetryDelayMS int `gorm:"not null;default:60000" json:"retry_delay_ms"`

	Filters FilterConfig `gorm:"type:json" json:"filters,omitempty"`

	// Rolling statistics maintained by the delivery scheduler
	TotalSent          int64      `gorm:"default:0" json:"total_sent"`
	TotalDelivered     int64      `gorm:"default:0" json:"total_delivered"`
	TotalFailed        int64      `gorm:"default:0" json:"total_failed"`
	LastDeliveryAt     *time.Time `gorm:"type:timestamp;default:null" json:"last_delivery_at,omitempty"`
	LastDeliveryStatus string     `gorm:"type:varchar(16)" json:"last_delivery_status,omitempty"`
	AvgResponseTimeMS  float64    `gorm:"default:0" json:"avg_response_time_ms"`

	// Provider endpoint this subscription is registered under
	EndpointID string `gorm:"type:varchar(36);index" json:"endpoint_id,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate fills in delivery setting defaults so every stored row is
// fully specified.
func (s *WebhookSubscription) BeforeCreate(tx *gorm.DB) error {
	s.ApplyDefaults()
	return nil
}

// ApplyDefaults fills empty delivery settings with their defaults. Called on
// create and before provider endpoint registration so both sides see the same
// effective configuration.
func (s *WebhookSubscription) ApplyDefaults() {
	if s.HTTPMethod == "" {
		s.HTTPMethod = WebhookMethodPost
	}
	if s.ContentType == "" {
		s.ContentType = WebhookContentTypeJSON
	}
	if s.SignatureHeader == "" {
		s.SignatureHeader = WebhookDefaultSignatureHeader
	}
	if s.SignatureAlgorithm == "" {
		s.SignatureAlgorithm = WebhookAlgorithmSHA256
	}
	if s.TimeoutMS <= 0 {
		s.TimeoutMS = WebhookDefaultTimeoutMS
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = WebhookDefaultMaxRetries
	}
	if s.RetryDelayMS <= 0 {
		s.RetryDelayMS = WebhookDefaultRetryDelayMS
	}
}

// SubscribesTo reports whether the subscription listens for the event type.
func (s *WebhookSubscription) SubscribesTo(eventType string) bool {
	return s.Events.Contains(eventType)
}

// MaxAttempts is the delivery attempt budget derived from MaxRetries: the
// initial attempt plus one per allowed retry.
func (s *WebhookSubscription) MaxAttempts() int {
	if s.MaxRetries < 0 {
		return 1
	}
	return s.MaxRetries + 1
}
