package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/HookFox/app/models"
	"github.com/ManuelReschke/HookFox/app/repository"
	"github.com/ManuelReschke/HookFox/internal/pkg/scheduler"
	"github.com/ManuelReschke/HookFox/internal/pkg/webhook"
)

// stubDeliveryProvider satisfies the delivery provider interface with canned
// results so handler tests never open network connections.
type stubDeliveryProvider struct {
	endpoints     map[string]webhook.EndpointConfig
	nextID        int
	deliverResult webhook.DeliveryResult
	testResult    webhook.DeliveryResult
	reachable     bool
	stats         webhook.DeliveryStats
}

var _ webhook.DeliveryProvider = (*stubDeliveryProvider)(nil)

func newStubDeliveryProvider() *stubDeliveryProvider {
	return &stubDeliveryProvider{
		endpoints:     make(map[string]webhook.EndpointConfig),
		deliverResult: webhook.DeliveryResult{Success: true, StatusCode: 200, ResponseTimeMS: 5},
		testResult:    webhook.DeliveryResult{Success: true, StatusCode: 204, ResponseTimeMS: 3},
		reachable:     true,
		stats:         webhook.DeliveryStats{QueueHealth: webhook.QueueHealthHealthy},
	}
}

func (p *stubDeliveryProvider) RegisterEndpoint(cfg webhook.EndpointConfig) (string, error) {
	p.nextID++
	id := fmt.Sprintf("ep-%d", p.nextID)
	p.endpoints[id] = cfg
	return id, nil
}

func (p *stubDeliveryProvider) UpdateEndpoint(id string, cfg webhook.EndpointConfig) error {
	if _, ok := p.endpoints[id]; !ok {
		return fmt.Errorf("unknown endpoint %s", id)
	}
	p.endpoints[id] = cfg
	return nil
}

func (p *stubDeliveryProvider) DeleteEndpoint(id string) error {
	delete(p.endpoints, id)
	return nil
}

func (p *stubDeliveryProvider) GetAllEndpoints() []webhook.Endpoint {
	all := make([]webhook.Endpoint, 0, len(p.endpoints))
	for id, cfg := range p.endpoints {
		all = append(all, webhook.Endpoint{ID: id, EndpointConfig: cfg})
	}
	return all
}

func (p *stubDeliveryProvider) FindEndpointBySubscription(subscriptionID uint) (*webhook.Endpoint, bool) {
	want := strconv.FormatUint(uint64(subscriptionID), 10)
	for id, cfg := range p.endpoints {
		if cfg.Metadata[webhook.MetadataSubscriptionID] == want {
			return &webhook.Endpoint{ID: id, EndpointConfig: cfg}, true
		}
	}
	return nil, false
}

func (p *stubDeliveryProvider) Deliver(ctx context.Context, endpointID string, req webhook.DeliveryRequest) webhook.DeliveryResult {
	return p.deliverResult
}

func (p *stubDeliveryProvider) SendTestWebhook(endpointID string, payload map[string]interface{}) webhook.DeliveryResult {
	return p.testResult
}

func (p *stubDeliveryProvider) TestEndpoint(url string) bool { return p.reachable }

func (p *stubDeliveryProvider) GetDeliveryStats() webhook.DeliveryStats { return p.stats }

// webhookTestEnv wires the full webhook API onto a test app: real manager and
// repositories over sqlite, stub provider, empty job manager.
type webhookTestEnv struct {
	app      *fiber.App
	provider *stubDeliveryProvider
	manager  *webhook.SubscriptionManager
	jobs     *scheduler.JobManager
	repos    *repository.Repositories
}

func newWebhookTestEnv(t *testing.T) *webhookTestEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.WebhookSubscription{}, &models.WebhookDeliveryEvent{}))

	repos := repository.NewRepositories(db)
	provider := newStubDeliveryProvider()
	manager := webhook.NewSubscriptionManager(repos.WebhookSubscription, repos.WebhookDeliveryEvent, provider)
	jobs := scheduler.NewJobManager()
	wc := NewWebhookController(manager, jobs)

	// Same layout as the production router, minus the rate limiter: static
	// paths before the :id routes.
	app := fiber.New()
	v1 := app.Group("/api/v1")
	v1.Get("/webhooks/system/stats", wc.HandleGetSystemStats)
	v1.Get("/webhooks/system/health", wc.HandleGetSystemHealth)
	v1.Get("/webhooks/jobs", wc.HandleGetJobStatuses)
	v1.Post("/webhooks/jobs/:name/start", wc.HandleStartJob)
	v1.Post("/webhooks/jobs/:name/stop", wc.HandleStopJob)
	v1.Post("/webhooks/jobs/:name/run", wc.HandleRunJob)
	v1.Post("/webhooks/validate-url", wc.HandleValidateURL)
	v1.Post("/webhooks/bulk/enable", wc.HandleBulkEnable)
	v1.Post("/webhooks/bulk/disable", wc.HandleBulkDisable)
	v1.Post("/webhooks/bulk/delete", wc.HandleBulkDelete)
	v1.Post("/webhooks", wc.HandleCreateSubscription)
	v1.Get("/webhooks", wc.HandleListSubscriptions)
	v1.Get("/webhooks/:id", wc.HandleGetSubscription)
	v1.Patch("/webhooks/:id", wc.HandleUpdateSubscription)
	v1.Delete("/webhooks/:id", wc.HandleDeleteSubscription)
	v1.Post("/webhooks/:id/rotate-secret", wc.HandleRotateSecret)
	v1.Post("/webhooks/:id/test", wc.HandleTestSubscription)
	v1.Get("/webhooks/:id/stats", wc.HandleSubscriptionStats)
	v1.Get("/webhooks/:id/events", wc.HandleSubscriptionEvents)
	v1.Post("/webhooks/:id/retry-failed", wc.HandleRetryFailedEvents)
	v1.Post("/events", wc.HandlePublishEvent)
	v1.Get("/webhook-events/:uuid", wc.HandleGetDeliveryEvent)
	v1.Post("/webhook-events/:uuid/retry", wc.HandleRetryDeliveryEvent)
	v1.Post("/webhook-events/:uuid/cancel", wc.HandleCancelDeliveryEvent)

	return &webhookTestEnv{app: app, provider: provider, manager: manager, jobs: jobs, repos: repos}
}

// registerDefaultJob adds a quiet delivery job so the event retry/cancel
// handlers have something to talk to.
func (env *webhookTestEnv) registerDefaultJob(t *testing.T) *scheduler.DeliveryScheduler {
	t.Helper()
	job := scheduler.NewDeliveryScheduler(scheduler.DefaultJobName, scheduler.Config{
		BatchSize:         10,
		RetryInterval:     time.Hour,
		MaxProcessingTime: 5 * time.Second,
		Enabled:           false,
	}, env.repos.WebhookSubscription, env.repos.WebhookDeliveryEvent, env.provider, nil)
	env.jobs.Register(job)
	return job
}

func jsonRequest(t *testing.T, method, target string, payload any) *http.Request {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func rawJSONRequest(method, target, raw string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeJSONBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// createTestSubscription registers a subscription through the API and returns
// its id together with the response body.
func createTestSubscription(t *testing.T, env *webhookTestEnv, name string) (uint, map[string]any) {
	t.Helper()
	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks", fiber.Map{
		"owner_user_id": 1,
		"name":          name,
		"url":           "https://receiver.example.com/hooks",
		"events":        []string{models.EventTaskCreated},
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	body := decodeJSONBody(t, resp)
	id, ok := body["id"].(float64)
	require.True(t, ok, "create response carries the numeric id")
	return uint(id), body
}

func TestRespondWebhookErrorMapping(t *testing.T) {
	validationErr := validator.New().Struct(struct {
		Name string `validate:"required"`
	}{})
	require.Error(t, validationErr)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"subscription not found", webhook.ErrSubscriptionNotFound, fiber.StatusNotFound, "not_found"},
		{"event not found", webhook.ErrEventNotFound, fiber.StatusNotFound, "not_found"},
		{"invalid url", webhook.ErrInvalidURL, fiber.StatusBadRequest, "invalid_url"},
		{"no event types", webhook.ErrNoEventTypes, fiber.StatusBadRequest, "no_event_types"},
		{"unknown algorithm", webhook.ErrUnknownAlgorithm, fiber.StatusBadRequest, "unknown_algorithm"},
		{"wrapped engine error", fmt.Errorf("update: %w", webhook.ErrSubscriptionNotFound), fiber.StatusNotFound, "not_found"},
		{"validation failure", validationErr, fiber.StatusBadRequest, "validation_failed"},
		{"unexpected error", errors.New("boom"), fiber.StatusInternalServerError, "internal_server_error"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			app := fiber.New()
			app.Get("/fail", func(c *fiber.Ctx) error {
				return respondWebhookError(c, tc.err)
			})

			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/fail", nil), -1)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)

			body := decodeJSONBody(t, resp)
			assert.Equal(t, tc.wantCode, body["error"])
		})
	}
}

func TestSubscriptionIDParam(t *testing.T) {
	app := fiber.New()
	app.Get("/subs/:id", func(c *fiber.Ctx) error {
		id, ok := subscriptionIDParam(c)
		return c.JSON(fiber.Map{"id": id, "ok": ok})
	})

	tests := []struct {
		name   string
		param  string
		wantOK bool
		wantID float64
	}{
		{"positive id", "7", true, 7},
		{"zero is rejected", "0", false, 0},
		{"negative is rejected", "-3", false, 0},
		{"non numeric is rejected", "abc", false, 0},
		{"32 bit overflow is rejected", "4294967296", false, 0},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/subs/"+tc.param, nil), -1)
			require.NoError(t, err)

			body := decodeJSONBody(t, resp)
			assert.Equal(t, tc.wantOK, body["ok"])
			assert.Equal(t, tc.wantID, body["id"])
		})
	}
}

func TestCreateWebhookRequestValidate(t *testing.T) {
	valid := createWebhookRequest{
		OwnerUserID: 1,
		Name:        "orders",
		URL:         "https://receiver.example.com/hooks",
		Events:      []string{models.EventTaskCreated},
	}

	tests := []struct {
		name    string
		mutate  func(*createWebhookRequest)
		wantErr bool
	}{
		{"minimal request", func(r *createWebhookRequest) {}, false},
		{"all optional fields", func(r *createWebhookRequest) {
			retries := 5
			active := false
			r.HTTPMethod = "PUT"
			r.ContentType = "form"
			r.SignatureAlgorithm = "sha1"
			r.TimeoutMS = 10000
			r.MaxRetries = &retries
			r.RetryDelayMS = 1000
			r.IsActive = &active
		}, false},
		{"missing owner", func(r *createWebhookRequest) { r.OwnerUserID = 0 }, true},
		{"missing name", func(r *createWebhookRequest) { r.Name = "" }, true},
		{"name too long", func(r *createWebhookRequest) { r.Name = strings.Repeat("a", 256) }, true},
		{"missing events", func(r *createWebhookRequest) { r.Events = nil }, true},
		{"empty events", func(r *createWebhookRequest) { r.Events = []string{} }, true},
		{"blank event type", func(r *createWebhookRequest) { r.Events = []string{""} }, true},
		{"unsupported method", func(r *createWebhookRequest) { r.HTTPMethod = "GET" }, true},
		{"unsupported content type", func(r *createWebhookRequest) { r.ContentType = "xml" }, true},
		{"unsupported algorithm", func(r *createWebhookRequest) { r.SignatureAlgorithm = "crc32" }, true},
		{"timeout above cap", func(r *createWebhookRequest) { r.TimeoutMS = 200000 }, true},
		{"retries above cap", func(r *createWebhookRequest) { retries := 21; r.MaxRetries = &retries }, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			err := req.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUpdateWebhookRequestValidate(t *testing.T) {
	method := "PUT"
	badMethod := "GET"
	badAlgorithm := "crc32"
	bigTimeout := 150000
	name := "renamed"

	tests := []struct {
		name    string
		req     updateWebhookRequest
		wantErr bool
	}{
		{"empty update", updateWebhookRequest{}, false},
		{"partial update", updateWebhookRequest{Name: &name, HTTPMethod: &method, Events: []string{models.EventTaskDeleted}}, false},
		{"empty events", updateWebhookRequest{Events: []string{}}, true},
		{"unsupported method", updateWebhookRequest{HTTPMethod: &badMethod}, true},
		{"unsupported algorithm", updateWebhookRequest{SignatureAlgorithm: &badAlgorithm}, true},
		{"timeout above cap", updateWebhookRequest{TimeoutMS: &bigTimeout}, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBulkWebhookRequestValidate(t *testing.T) {
	assert.Error(t, (&bulkWebhookRequest{}).Validate())
	assert.Error(t, (&bulkWebhookRequest{IDs: []uint{}}).Validate())
	assert.NoError(t, (&bulkWebhookRequest{IDs: []uint{1, 2}}).Validate())
}

func TestHandleCreateSubscription(t *testing.T) {
	env := newWebhookTestEnv(t)

	id, body := createTestSubscription(t, env, "orders")
	assert.NotZero(t, id)
	assert.Equal(t, "orders", body["name"])
	assert.Equal(t, true, body["is_active"])
	assert.Equal(t, models.WebhookMethodPost, body["http_method"])
	secret, _ := body["secret"].(string)
	assert.Len(t, secret, webhook.SecretLength)
	assert.Len(t, env.provider.endpoints, 1)

	// Body that is not JSON at all.
	resp, err := env.app.Test(rawJSONRequest(http.MethodPost, "/api/v1/webhooks", "{not json"), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", decodeJSONBody(t, resp)["error"])

	// Well-formed JSON that fails request validation.
	resp, err = env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks", fiber.Map{
		"owner_user_id": 1,
		"name":          "no events",
		"url":           "https://receiver.example.com/hooks",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", decodeJSONBody(t, resp)["error"])

	// Passes request validation but the engine rejects the URL.
	resp, err = env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks", fiber.Map{
		"owner_user_id": 1,
		"name":          "bad url",
		"url":           "ftp://receiver.example.com/hooks",
		"events":        []string{models.EventTaskCreated},
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_url", decodeJSONBody(t, resp)["error"])
}

func TestHandleGetSubscription(t *testing.T) {
	env := newWebhookTestEnv(t)
	id, _ := createTestSubscription(t, env, "orders")

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/webhooks/%d", id), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "orders", decodeJSONBody(t, resp)["name"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/9999", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/abc", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleListSubscriptions(t *testing.T) {
	env := newWebhookTestEnv(t)
	createTestSubscription(t, env, "first")
	createTestSubscription(t, env, "second")

	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks", fiber.Map{
		"owner_user_id": 2,
		"workspace_id":  "ws-9",
		"name":          "scoped",
		"url":           "https://receiver.example.com/hooks",
		"events":        []string{models.EventTaskCreated},
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSONBody(t, resp)
	assert.Equal(t, float64(3), body["total"])
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(50), body["page_size"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks?owner_user_id=2", nil), -1)
	require.NoError(t, err)
	body = decodeJSONBody(t, resp)
	assert.Equal(t, float64(1), body["total"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks?workspace_id=ws-9", nil), -1)
	require.NoError(t, err)
	body = decodeJSONBody(t, resp)
	assert.Equal(t, float64(1), body["total"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks?owner_user_id=abc", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleUpdateSubscription(t *testing.T) {
	env := newWebhookTestEnv(t)
	id, _ := createTestSubscription(t, env, "orders")

	resp, err := env.app.Test(jsonRequest(t, http.MethodPatch, fmt.Sprintf("/api/v1/webhooks/%d", id), fiber.Map{
		"name":      "renamed",
		"is_active": false,
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSONBody(t, resp)
	assert.Equal(t, "renamed", body["name"])
	assert.Equal(t, false, body["is_active"])

	resp, err = env.app.Test(jsonRequest(t, http.MethodPatch, fmt.Sprintf("/api/v1/webhooks/%d", id), fiber.Map{
		"http_method": "GET",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", decodeJSONBody(t, resp)["error"])

	resp, err = env.app.Test(jsonRequest(t, http.MethodPatch, "/api/v1/webhooks/9999", fiber.Map{
		"name": "ghost",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleDeleteSubscription(t *testing.T) {
	env := newWebhookTestEnv(t)
	id, _ := createTestSubscription(t, env, "orders")

	resp, err := env.app.Test(httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/webhooks/%d", id), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeJSONBody(t, resp)["deleted"])
	assert.Empty(t, env.provider.endpoints, "the provider endpoint goes with the subscription")

	resp, err = env.app.Test(httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/webhooks/%d", id), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleRotateSecret(t *testing.T) {
	env := newWebhookTestEnv(t)
	id, body := createTestSubscription(t, env, "orders")
	oldSecret := body["secret"]

	resp, err := env.app.Test(httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/webhooks/%d/rotate-secret", id), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	secret, _ := decodeJSONBody(t, resp)["secret"].(string)
	assert.Len(t, secret, webhook.SecretLength)
	assert.NotEqual(t, oldSecret, secret)

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/9999/rotate-secret", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleTestSubscription(t *testing.T) {
	env := newWebhookTestEnv(t)
	id, _ := createTestSubscription(t, env, "orders")

	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, fmt.Sprintf("/api/v1/webhooks/%d/test", id), fiber.Map{
		"ping": "pong",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSONBody(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(204), body["status_code"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/9999/test", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleValidateURL(t *testing.T) {
	env := newWebhookTestEnv(t)

	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks/validate-url", fiber.Map{
		"url": "https://receiver.example.com/hooks",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSONBody(t, resp)
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, true, body["reachable"])

	resp, err = env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks/validate-url", fiber.Map{
		"url": "not a url",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body = decodeJSONBody(t, resp)
	assert.Equal(t, false, body["valid"])

	resp, err = env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks/validate-url", fiber.Map{}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleBulkOperations(t *testing.T) {
	env := newWebhookTestEnv(t)
	first, _ := createTestSubscription(t, env, "first")
	second, _ := createTestSubscription(t, env, "second")
	third, _ := createTestSubscription(t, env, "third")

	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks/bulk/disable", fiber.Map{
		"ids": []uint{first, second, 9999},
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSONBody(t, resp)
	assert.Equal(t, float64(2), body["disabled"])
	assert.Equal(t, float64(3), body["requested"])

	resp, err = env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks/bulk/enable", fiber.Map{
		"ids": []uint{first},
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeJSONBody(t, resp)["enabled"])

	resp, err = env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks/bulk/delete", fiber.Map{
		"ids": []uint{third},
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeJSONBody(t, resp)["deleted"])

	resp, err = env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/webhooks/bulk/enable", fiber.Map{
		"ids": []uint{},
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandlePublishEvent(t *testing.T) {
	env := newWebhookTestEnv(t)
	id, _ := createTestSubscription(t, env, "orders")

	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/events", fiber.Map{
		"type":    models.EventTaskCreated,
		"task_id": "task-1",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	body := decodeJSONBody(t, resp)
	assert.Equal(t, models.EventTaskCreated, body["event_type"])
	assert.Equal(t, float64(1), body["enqueued"])

	// No subscription listens for this type.
	resp, err = env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/events", fiber.Map{
		"type": models.EventProjectCreated,
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(0), decodeJSONBody(t, resp)["enqueued"])

	// Deferred delivery.
	resp, err = env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/events", fiber.Map{
		"type":       models.EventTaskCreated,
		"deliver_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, float64(1), decodeJSONBody(t, resp)["enqueued"])

	events, err := env.repos.WebhookDeliveryEvent.GetBySubscription(id, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	deferred := 0
	for _, event := range events {
		if event.ScheduledAt != nil {
			deferred++
		}
	}
	assert.Equal(t, 1, deferred)

	resp, err = env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/events", fiber.Map{
		"workspace_id": "ws-1",
	}), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", decodeJSONBody(t, resp)["error"])

	resp, err = env.app.Test(rawJSONRequest(http.MethodPost, "/api/v1/events", "{not json"), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleSubscriptionEvents(t *testing.T) {
	env := newWebhookTestEnv(t)
	id, _ := createTestSubscription(t, env, "orders")

	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/events", fiber.Map{
		"type": models.EventTaskCreated,
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/webhooks/%d/events", id), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), decodeJSONBody(t, resp)["count"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/webhooks/%d/events?status=pending", id), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, float64(1), decodeJSONBody(t, resp)["count"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/webhooks/%d/events?status=weird", id), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/9999/events", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleDeliveryEventEndpoints(t *testing.T) {
	env := newWebhookTestEnv(t)
	id, _ := createTestSubscription(t, env, "orders")

	resp, err := env.app.Test(jsonRequest(t, http.MethodPost, "/api/v1/events", fiber.Map{
		"type": models.EventTaskCreated,
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	events, err := env.repos.WebhookDeliveryEvent.GetBySubscription(id, "", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	uuid := events[0].UUID

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhook-events/"+uuid, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, uuid, decodeJSONBody(t, resp)["uuid"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhook-events/00000000-0000-0000-0000-000000000000", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// Without a registered delivery job retry and cancel are unavailable.
	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhook-events/"+uuid+"/retry", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhook-events/"+uuid+"/cancel", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	env.registerDefaultJob(t)

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhook-events/"+uuid+"/cancel", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeJSONBody(t, resp)["cancelled"])

	// Retrying a cancelled event is refused.
	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhook-events/"+uuid+"/retry", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhook-events/unknown-uuid/retry", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
}

func TestHandleRetryFailedEvents(t *testing.T) {
	env := newWebhookTestEnv(t)
	id, _ := createTestSubscription(t, env, "orders")

	resp, err := env.app.Test(httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/webhooks/%d/retry-failed", id), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	env.registerDefaultJob(t)

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/webhooks/%d/retry-failed", id), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), decodeJSONBody(t, resp)["retried"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/9999/retry-failed", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleSubscriptionStats(t *testing.T) {
	env := newWebhookTestEnv(t)
	id, _ := createTestSubscription(t, env, "orders")

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/webhooks/%d/stats", id), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSONBody(t, resp)
	assert.Equal(t, float64(id), body["subscription_id"])
	assert.Equal(t, "orders", body["name"])
	assert.Equal(t, float64(0), body["total_sent"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/9999/stats", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleSystemStats(t *testing.T) {
	env := newWebhookTestEnv(t)
	createTestSubscription(t, env, "orders")

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/system/stats", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSONBody(t, resp)
	assert.Equal(t, float64(1), body["subscriptions"])
	assert.Equal(t, float64(1), body["active_subscriptions"])

	delivery, ok := body["delivery"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, webhook.QueueHealthHealthy, delivery["queue_health"])
}

func TestHandleSystemHealth(t *testing.T) {
	env := newWebhookTestEnv(t)

	// No jobs registered means nothing can be unhealthy.
	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/system/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeJSONBody(t, resp)["healthy"])

	// An enabled job that is not running fails its health check.
	env.jobs.Register(scheduler.NewDeliveryScheduler(scheduler.DefaultJobName, scheduler.Config{
		BatchSize:         10,
		RetryInterval:     time.Hour,
		MaxProcessingTime: 5 * time.Second,
		Enabled:           true,
	}, env.repos.WebhookSubscription, env.repos.WebhookDeliveryEvent, env.provider, nil))

	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/system/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, false, decodeJSONBody(t, resp)["healthy"])
}

func TestHandleJobEndpoints(t *testing.T) {
	env := newWebhookTestEnv(t)
	env.registerDefaultJob(t)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/jobs", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body := decodeJSONBody(t, resp)
	jobs, ok := body["jobs"].([]any)
	require.True(t, ok)
	require.Len(t, jobs, 1)
	job, ok := jobs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, scheduler.DefaultJobName, job["name"])
	assert.Equal(t, false, job["running"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/jobs/"+scheduler.DefaultJobName+"/start", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/jobs/"+scheduler.DefaultJobName+"/stop", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, scheduler.DefaultJobName, decodeJSONBody(t, resp)["stopped"])

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/jobs/ghost/start", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/jobs/ghost/run", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = env.app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/jobs/"+scheduler.DefaultJobName+"/run", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	runBody := decodeJSONBody(t, resp)
	assert.Equal(t, float64(0), runBody["processed"])
}

func TestHandleHealthzWithoutBackends(t *testing.T) {
	app := fiber.New()
	app.Get("/healthz", HandleHealthz)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	body := decodeJSONBody(t, resp)
	assert.Equal(t, false, body["healthy"])
	checks, ok := body["checks"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "not initialized", checks["database"])
	assert.Equal(t, "not initialized", checks["cache"])
}

func TestWebhookControllerGlobalWiring(t *testing.T) {
	env := newWebhookTestEnv(t)
	InitializeWebhookController(env.manager, env.jobs)
	require.NotNil(t, GetWebhookController())

	app := fiber.New()
	app.Get("/api/v1/webhooks", HandleWebhookList)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/webhooks", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), decodeJSONBody(t, resp)["total"])
}
