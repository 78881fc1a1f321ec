package webhook

import (
	"context"
	"time"
)

// Queue health classifications derived from endpoint delivery statistics.
const (
	QueueHealthHealthy  = "healthy"
	QueueHealthDegraded = "degraded"
	QueueHealthCritical = "critical"
)

// HealthySuccessRate is the minimum success rate for an endpoint to count as
// healthy.
const HealthySuccessRate = 0.80

// MetadataSubscriptionID is the endpoint metadata key carrying the owning
// subscription id.
const MetadataSubscriptionID = "subscription_id"

// EndpointConfig describes a receiver endpoint. The manager derives one from
// each subscription; Metadata links the endpoint back to its subscription.
type EndpointConfig struct {
	URL                string            `json:"url"`
	Secret             string            `json:"-"`
	Events             []string          `json:"events"`
	Method             string            `json:"method"`
	ContentType        string            `json:"content_type"`
	SignatureHeader    string            `json:"signature_header"`
	SignatureAlgorithm string            `json:"signature_algorithm"`
	TimeoutMS          int               `json:"timeout_ms"`
	Headers            map[string]string `json:"headers,omitempty"`
	Active             bool              `json:"active"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// Endpoint is a registered receiver endpoint.
type Endpoint struct {
	ID string `json:"id"`
	EndpointConfig
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryRequest is one outbound webhook call. DeliveryID doubles as the
// receiver-side idempotency key and travels in the X-Webhook-Delivery header
// as well as the body envelope.
type DeliveryRequest struct {
	DeliveryID string
	EventType  string
	Payload    map[string]interface{}
	Attempt    int
	OccurredAt time.Time
}

// DeliveryResult reports the outcome of one delivery attempt. Retryable
// separates transient failures (timeouts, connection errors, 408/429/5xx)
// from permanent ones; FailureReason is the coarse classification used for
// metrics.
type DeliveryResult struct {
	Success         bool              `json:"success"`
	StatusCode      int               `json:"status_code,omitempty"`
	ResponseBody    string            `json:"response_body,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	ResponseTimeMS  int64             `json:"response_time_ms"`
	Error           string            `json:"error,omitempty"`
	Retryable       bool              `json:"retryable"`
	FailureReason   string            `json:"failure_reason,omitempty"`
}

// EndpointStats is the rolling delivery statistic of one endpoint.
type EndpointStats struct {
	EndpointID        string  `json:"endpoint_id"`
	URL               string  `json:"url"`
	Delivered         int64   `json:"delivered"`
	Failed            int64   `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
	Healthy           bool    `json:"healthy"`
}

// DeliveryStats aggregates endpoint statistics into a queue health picture.
type DeliveryStats struct {
	Endpoints          []EndpointStats `json:"endpoints"`
	TotalDelivered     int64           `json:"total_delivered"`
	TotalFailed        int64           `json:"total_failed"`
	HealthyEndpoints   int             `json:"healthy_endpoints"`
	UnhealthyEndpoints int             `json:"unhealthy_endpoints"`
	QueueHealth        string          `json:"queue_health"`
}

// DeliveryProvider is the transport the engine ships webhooks through.
// Implementations own the endpoint registry and the rolling per-endpoint
// delivery statistics; the engine owns subscriptions, queueing and retries.
type DeliveryProvider interface {
	RegisterEndpoint(cfg EndpointConfig) (string, error)
	UpdateEndpoint(id string, cfg EndpointConfig) error
	DeleteEndpoint(id string) error
	GetAllEndpoints() []Endpoint
	FindEndpointBySubscription(subscriptionID uint) (*Endpoint, bool)
	Deliver(ctx context.Context, endpointID string, req DeliveryRequest) DeliveryResult
	SendTestWebhook(endpointID string, payload map[string]interface{}) DeliveryResult
	TestEndpoint(url string) bool
	GetDeliveryStats() DeliveryStats
}
