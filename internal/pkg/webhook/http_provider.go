package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/internal/pkg/metrics/counter"
)

const (
	webhookUserAgent   = "HookFox-Webhooks/1.0"
	probeTimeout       = 5 * time.Second
	testEventType      = "webhook.test"
	defaultTimeoutMS   = models.WebhookDefaultTimeoutMS
	failureReasonOther = "other"
)

// HTTPDeliveryProvider ships webhooks over HTTP(S). It keeps the endpoint
// registry in memory (rebuilt from the subscription store at boot) and mirrors
// delivery outcomes both into Redis counters, shared across processes, and
// into a local tally used when Redis is unreachable.
type HTTPDeliveryProvider struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	local     map[string]*localCounter
	client    *http.Client
	counters  *counter.DeliveryCounters
}

type localCounter struct {
	delivered       int64
	failed          int64
	responseTotalMS int64
}

// NewHTTPDeliveryProvider creates the default provider. counters may be nil;
// statistics then stay process-local.
func NewHTTPDeliveryProvider(counters *counter.DeliveryCounters) *HTTPDeliveryProvider {
	return &HTTPDeliveryProvider{
		endpoints: make(map[string]*Endpoint),
		local:     make(map[string]*localCounter),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		counters: counters,
	}
}

// RegisterEndpoint validates the target URL, assigns an endpoint id and
// stores the configuration.
func (p *HTTPDeliveryProvider) RegisterEndpoint(cfg EndpointConfig) (string, error) {
	if _, err := parseWebhookURL(cfg.URL); err != nil {
		return "", err
	}
	applyEndpointDefaults(&cfg)

	endpoint := &Endpoint{
		ID:             uuid.New().String(),
		EndpointConfig: cfg,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	p.mu.Lock()
	p.endpoints[endpoint.ID] = endpoint
	p.mu.Unlock()

	log.Debugf("[Webhook Provider] Registered endpoint %s for %s", endpoint.ID, cfg.URL)
	return endpoint.ID, nil
}

// UpdateEndpoint replaces the configuration of a registered endpoint.
func (p *HTTPDeliveryProvider) UpdateEndpoint(id string, cfg EndpointConfig) error {
	if _, err := parseWebhookURL(cfg.URL); err != nil {
		return err
	}
	applyEndpointDefaults(&cfg)

	p.mu.Lock()
	defer p.mu.Unlock()
	endpoint, ok := p.endpoints[id]
	if !ok {
		return ErrEndpointNotFound
	}
	endpoint.EndpointConfig = cfg
	endpoint.UpdatedAt = time.Now()
	return nil
}

// DeleteEndpoint removes a registration together with its counters.
func (p *HTTPDeliveryProvider) DeleteEndpoint(id string) error {
	p.mu.Lock()
	_, ok := p.endpoints[id]
	delete(p.endpoints, id)
	delete(p.local, id)
	p.mu.Unlock()
	if !ok {
		return ErrEndpointNotFound
	}
	if p.counters != nil {
		if err := p.counters.Reset(context.Background(), id); err != nil {
			log.Debugf("[Webhook Provider] Failed to reset counters for endpoint %s: %v", id, err)
		}
	}
	return nil
}

// GetAllEndpoints returns a stable snapshot of the registry.
func (p *HTTPDeliveryProvider) GetAllEndpoints() []Endpoint {
	p.mu.RLock()
	endpoints := make([]Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		endpoints = append(endpoints, *ep)
	}
	p.mu.RUnlock()

	sort.Slice(endpoints, func(i, j int) bool {
		if endpoints[i].CreatedAt.Equal(endpoints[j].CreatedAt) {
			return endpoints[i].ID < endpoints[j].ID
		}
		return endpoints[i].CreatedAt.Before(endpoints[j].CreatedAt)
	})
	return endpoints
}

// FindEndpointBySubscription resolves the endpoint registered for a
// subscription through the metadata link.
func (p *HTTPDeliveryProvider) FindEndpointBySubscription(subscriptionID uint) (*Endpoint, bool) {
	want := strconv.FormatUint(uint64(subscriptionID), 10)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ep := range p.endpoints {
		if ep.Metadata[MetadataSubscriptionID] == want {
			snapshot := *ep
			return &snapshot, true
		}
	}
	return nil, false
}

// Deliver executes one delivery attempt and records its outcome in the
// rolling statistics.
func (p *HTTPDeliveryProvider) Deliver(ctx context.Context, endpointID string, req DeliveryRequest) DeliveryResult {
	endpoint, ok := p.getEndpoint(endpointID)
	if !ok {
		return DeliveryResult{
			Error:         ErrEndpointNotFound.Error(),
			Retryable:     false,
			FailureReason: "endpoint_missing",
		}
	}
	result := p.send(ctx, endpoint, req)
	p.record(endpointID, result)
	return result
}

// SendTestWebhook issues a synthetic delivery. Test traffic stays out of the
// rolling statistics.
func (p *HTTPDeliveryProvider) SendTestWebhook(endpointID string, payload map[string]interface{}) DeliveryResult {
	endpoint, ok := p.getEndpoint(endpointID)
	if !ok {
		return DeliveryResult{
			Error:         ErrEndpointNotFound.Error(),
			Retryable:     false,
			FailureReason: "endpoint_missing",
		}
	}
	if payload == nil {
		payload = map[string]interface{}{
			"test":    true,
			"message": "HookFox webhook test",
		}
	}
	req := DeliveryRequest{
		DeliveryID: uuid.New().String(),
		EventType:  testEventType,
		Payload:    payload,
		Attempt:    1,
		OccurredAt: time.Now(),
	}
	return p.send(context.Background(), endpoint, req)
}

// TestEndpoint probes a URL for reachability. Any HTTP response counts; the
// probe says nothing about whether the receiver accepts webhooks.
func (p *HTTPDeliveryProvider) TestEndpoint(rawURL string) bool {
	if _, err := parseWebhookURL(rawURL); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", webhookUserAgent)
	resp, err := p.client.Do(req)
	if err == nil {
		resp.Body.Close()
		return true
	}

	// Some receivers reject HEAD outright; fall back to GET.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", webhookUserAgent)
	resp, err = p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// GetDeliveryStats aggregates per-endpoint counters into a queue health
// picture. Redis counters are preferred so all delivery processes are
// reflected; the local tally covers Redis outages.
func (p *HTTPDeliveryProvider) GetDeliveryStats() DeliveryStats {
	endpoints := p.GetAllEndpoints()
	counters := p.snapshotCounters()

	stats := DeliveryStats{Endpoints: make([]EndpointStats, 0, len(endpoints))}
	for _, ep := range endpoints {
		c := counters[ep.ID]
		entry := EndpointStats{
			EndpointID:        ep.ID,
			URL:               ep.URL,
			Delivered:         c.Delivered,
			Failed:            c.Failed,
			SuccessRate:       c.SuccessRate(),
			AvgResponseTimeMS: c.AvgResponseTimeMS(),
		}
		entry.Healthy = entry.SuccessRate >= HealthySuccessRate
		if entry.Healthy {
			stats.HealthyEndpoints++
		} else {
			stats.UnhealthyEndpoints++
		}
		stats.TotalDelivered += c.Delivered
		stats.TotalFailed += c.Failed
		stats.Endpoints = append(stats.Endpoints, entry)
	}

	switch {
	case stats.UnhealthyEndpoints == 0:
		stats.QueueHealth = QueueHealthHealthy
	case stats.HealthyEndpoints > 0:
		stats.QueueHealth = QueueHealthDegraded
	default:
		stats.QueueHealth = QueueHealthCritical
	}
	return stats
}

func (p *HTTPDeliveryProvider) getEndpoint(id string) (Endpoint, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ep, ok := p.endpoints[id]
	if !ok {
		return Endpoint{}, false
	}
	return *ep, true
}

func (p *HTTPDeliveryProvider) send(ctx context.Context, endpoint Endpoint, req DeliveryRequest) DeliveryResult {
	body, contentType, err := buildRequestBody(endpoint, req)
	if err != nil {
		return DeliveryResult{
			Error:         fmt.Sprintf("encode payload: %v", err),
			Retryable:     false,
			FailureReason: "payload",
		}
	}

	signature, err := SignPayload(body, endpoint.Secret, endpoint.SignatureAlgorithm)
	if err != nil {
		return DeliveryResult{
			Error:         err.Error(),
			Retryable:     false,
			FailureReason: "signature",
		}
	}

	timeout := time.Duration(endpoint.TimeoutMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, endpoint.Method, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{
			Error:         fmt.Sprintf("build request: %v", err),
			Retryable:     false,
			FailureReason: "payload",
		}
	}

	// Static subscription headers first, computed headers after so they
	// cannot be overridden.
	for name, value := range endpoint.Headers {
		httpReq.Header.Set(name, value)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("User-Agent", webhookUserAgent)
	httpReq.Header.Set(endpoint.SignatureHeader, signature)
	httpReq.Header.Set("X-Webhook-Event", req.EventType)
	httpReq.Header.Set("X-Webhook-Delivery", req.DeliveryID)
	httpReq.Header.Set("X-Webhook-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	httpReq.Header.Set("X-Webhook-Attempt", strconv.Itoa(req.Attempt))

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	elapsedMS := time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return DeliveryResult{
				Error:          fmt.Sprintf("request timed out after %dms", endpoint.TimeoutMS),
				ResponseTimeMS: elapsedMS,
				Retryable:      true,
				FailureReason:  "timeout",
			}
		}
		return DeliveryResult{
			Error:          fmt.Sprintf("connection failed: %v", err),
			ResponseTimeMS: elapsedMS,
			Retryable:      true,
			FailureReason:  "connection_failed",
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, models.WebhookResponseBodyMaxBytes))

	result := DeliveryResult{
		StatusCode:      resp.StatusCode,
		ResponseBody:    string(respBody),
		ResponseHeaders: flattenHeaders(resp.Header),
		ResponseTimeMS:  elapsedMS,
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Success = true
		return result
	}

	result.Error = fmt.Sprintf("endpoint returned HTTP %d", resp.StatusCode)
	result.Retryable, result.FailureReason = classifyStatus(resp.StatusCode)
	return result
}

// flattenHeaders keeps the first value of each response header.
func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	flat := make(map[string]string, len(h))
	for name := range h {
		flat[name] = h.Get(name)
	}
	return flat
}

// classifyStatus separates receiver statuses worth retrying from permanent
// rejections.
func classifyStatus(status int) (retryable bool, reason string) {
	switch {
	case status == http.StatusRequestTimeout:
		return true, "http_408"
	case status == http.StatusTooManyRequests:
		return true, "http_429"
	case status >= 500:
		return true, "http_5xx"
	case status >= 400:
		return false, "http_4xx"
	default:
		return false, failureReasonOther
	}
}

func (p *HTTPDeliveryProvider) record(endpointID string, result DeliveryResult) {
	p.mu.Lock()
	tally, ok := p.local[endpointID]
	if !ok {
		tally = &localCounter{}
		p.local[endpointID] = tally
	}
	if result.Success {
		tally.delivered++
	} else {
		tally.failed++
	}
	tally.responseTotalMS += result.ResponseTimeMS
	p.mu.Unlock()

	if p.counters == nil {
		return
	}
	ctx := context.Background()
	var err error
	if result.Success {
		err = p.counters.RecordDelivered(ctx, endpointID, result.ResponseTimeMS)
	} else {
		err = p.counters.RecordFailed(ctx, endpointID, result.ResponseTimeMS)
	}
	if err != nil {
		log.Debugf("[Webhook Provider] Counter update for endpoint %s failed: %v", endpointID, err)
	}
}

func (p *HTTPDeliveryProvider) snapshotCounters() map[string]counter.EndpointCounters {
	if p.counters != nil {
		counters, err := p.counters.SnapshotAll(context.Background())
		if err == nil {
			return counters
		}
		log.Debugf("[Webhook Provider] Counter snapshot failed, using local tally: %v", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	counters := make(map[string]counter.EndpointCounters, len(p.local))
	for id, tally := range p.local {
		counters[id] = counter.EndpointCounters{
			Delivered:           tally.delivered,
			Failed:              tally.failed,
			ResponseTimeTotalMS: tally.responseTotalMS,
		}
	}
	return counters
}

func applyEndpointDefaults(cfg *EndpointConfig) {
	if cfg.Method == "" {
		cfg.Method = models.WebhookMethodPost
	}
	if cfg.ContentType == "" {
		cfg.ContentType = models.WebhookContentTypeJSON
	}
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = models.WebhookDefaultSignatureHeader
	}
	if cfg.SignatureAlgorithm == "" {
		cfg.SignatureAlgorithm = models.WebhookAlgorithmSHA256
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = defaultTimeoutMS
	}
}

// buildRequestBody renders the wire envelope: the stored payload plus the
// delivery id and attempt number. JSON and form encodings are both
// deterministic, so the signature is stable for a given envelope.
func buildRequestBody(endpoint Endpoint, req DeliveryRequest) ([]byte, string, error) {
	envelope := make(map[string]interface{}, len(req.Payload)+3)
	for k, v := range req.Payload {
		envelope[k] = v
	}
	envelope["id"] = req.DeliveryID
	if req.Attempt > 0 {
		envelope["attempt"] = req.Attempt
	}
	if _, ok := envelope["event"]; !ok && req.EventType != "" {
		envelope["event"] = req.EventType
	}
	if _, ok := envelope["occurred_at"]; !ok && !req.OccurredAt.IsZero() {
		envelope["occurred_at"] = req.OccurredAt.UTC().Format(time.RFC3339)
	}

	if endpoint.ContentType == models.WebhookContentTypeForm {
		values := url.Values{}
		for k, v := range envelope {
			switch value := v.(type) {
			case string:
				values.Set(k, value)
			case nil:
			default:
				encoded, err := json.Marshal(value)
				if err != nil {
					return nil, "", err
				}
				values.Set(k, string(encoded))
			}
		}
		return []byte(values.Encode()), "application/x-www-form-urlencoded", nil
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, "", err
	}
	return body, "application/json", nil
}
