package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/HookFox/app/models"
)

// fakeSubscriptionRepo is an in-memory subscription store with switchable
// failure points for exercising the manager's rollback paths.
type fakeSubscriptionRepo struct {
	mu     sync.Mutex
	subs   map[uint]models.WebhookSubscription
	nextID uint

	createErr       error
	updateErr       error
	updateSecretErr error

	events    *fakeDeliveryEventRepo
	statCalls []fakeStatCall
}

type fakeStatCall struct {
	subscriptionID uint
	delivered      bool
	responseTimeMS int64
}

func newFakeRepos() (*fakeSubscriptionRepo, *fakeDeliveryEventRepo) {
	events := &fakeDeliveryEventRepo{events: make(map[string]models.WebhookDeliveryEvent)}
	subs := &fakeSubscriptionRepo{subs: make(map[uint]models.WebhookSubscription), events: events}
	return subs, events
}

func (r *fakeSubscriptionRepo) seed(sub models.WebhookSubscription) uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.ID == 0 {
		r.nextID++
		sub.ID = r.nextID
	} else if sub.ID > r.nextID {
		r.nextID = sub.ID
	}
	r.subs[sub.ID] = sub
	return sub.ID
}

func (r *fakeSubscriptionRepo) Create(sub *models.WebhookSubscription) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub.ID = r.nextID
	sub.CreatedAt = time.Now()
	r.subs[sub.ID] = *sub
	return nil
}

func (r *fakeSubscriptionRepo) GetByID(id uint) (*models.WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := sub
	return &copied, nil
}

func (r *fakeSubscriptionRepo) GetByOwner(ownerUserID uint) ([]models.WebhookSubscription, error) {
	return r.filter(func(s models.WebhookSubscription) bool { return s.OwnerUserID == ownerUserID }), nil
}

func (r *fakeSubscriptionRepo) GetByWorkspace(workspaceID string) ([]models.WebhookSubscription, error) {
	return r.filter(func(s models.WebhookSubscription) bool { return s.WorkspaceID == workspaceID }), nil
}

func (r *fakeSubscriptionRepo) GetAll() ([]models.WebhookSubscription, error) {
	return r.filter(func(models.WebhookSubscription) bool { return true }), nil
}

func (r *fakeSubscriptionRepo) GetActive() ([]models.WebhookSubscription, error) {
	return r.filter(func(s models.WebhookSubscription) bool { return s.IsActive }), nil
}

func (r *fakeSubscriptionRepo) GetActiveForWorkspace(workspaceID string) ([]models.WebhookSubscription, error) {
	return r.filter(func(s models.WebhookSubscription) bool {
		if !s.IsActive {
			return false
		}
		if workspaceID == "" {
			return s.WorkspaceID == ""
		}
		return s.WorkspaceID == "" || s.WorkspaceID == workspaceID
	}), nil
}

func (r *fakeSubscriptionRepo) Update(sub *models.WebhookSubscription) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[sub.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	r.subs[sub.ID] = *sub
	return nil
}

func (r *fakeSubscriptionRepo) UpdateSecret(id uint, secret string) error {
	if r.updateSecretErr != nil {
		return r.updateSecretErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	sub.Secret = secret
	r.subs[id] = sub
	return nil
}

func (r *fakeSubscriptionRepo) UpdateStatistics(id uint, delivered bool, responseTimeMS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statCalls = append(r.statCalls, fakeStatCall{id, delivered, responseTimeMS})
	return nil
}

func (r *fakeSubscriptionRepo) BulkSetActive(ids []uint, active bool) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched int64
	for _, id := range ids {
		sub, ok := r.subs[id]
		if !ok {
			continue
		}
		matched++
		sub.IsActive = active
		r.subs[id] = sub
	}
	return matched, nil
}

func (r *fakeSubscriptionRepo) Delete(id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
	return nil
}

func (r *fakeSubscriptionRepo) DeleteWithEvents(id uint) error {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
	return r.events.DeleteBySubscription(id)
}

func (r *fakeSubscriptionRepo) List(offset, limit int) ([]models.WebhookSubscription, error) {
	all := r.filter(func(models.WebhookSubscription) bool { return true })
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *fakeSubscriptionRepo) Count() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.subs)), nil
}

func (r *fakeSubscriptionRepo) CountActive() (int64, error) {
	return int64(len(r.filter(func(s models.WebhookSubscription) bool { return s.IsActive }))), nil
}

func (r *fakeSubscriptionRepo) filter(keep func(models.WebhookSubscription) bool) []models.WebhookSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.WebhookSubscription
	for _, sub := range r.subs {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fakeDeliveryEventRepo is an in-memory delivery event store.
type fakeDeliveryEventRepo struct {
	mu     sync.Mutex
	events map[string]models.WebhookDeliveryEvent
	seq    uint

	createBatchErr error
}

func (r *fakeDeliveryEventRepo) Create(event *models.WebhookDeliveryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store(event)
	return nil
}

func (r *fakeDeliveryEventRepo) CreateBatch(events []*models.WebhookDeliveryEvent) error {
	if r.createBatchErr != nil {
		return r.createBatchErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range events {
		r.store(event)
	}
	return nil
}

// store mirrors the model's BeforeCreate hook for the in-memory case.
func (r *fakeDeliveryEventRepo) store(event *models.WebhookDeliveryEvent) {
	r.seq++
	if event.ID == 0 {
		event.ID = r.seq
	}
	if event.UUID == "" {
		event.UUID = fmt.Sprintf("uuid-%d", event.ID)
	}
	if event.Status == "" {
		event.Status = models.WebhookEventStatusPending
	}
	if event.MaxAttempts < 1 {
		event.MaxAttempts = 1
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	r.events[event.UUID] = *event
}

func (r *fakeDeliveryEventRepo) GetByID(id uint) (*models.WebhookDeliveryEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, event := range r.events {
		if event.ID == id {
			copied := event
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeDeliveryEventRepo) GetByUUID(uuid string) (*models.WebhookDeliveryEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[uuid]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := event
	return &copied, nil
}

func (r *fakeDeliveryEventRepo) GetBySubscription(subscriptionID uint, status string, limit int) ([]models.WebhookDeliveryEvent, error) {
	out := r.filter(func(e models.WebhookDeliveryEvent) bool {
		return e.SubscriptionID == subscriptionID && (status == "" || e.Status == status)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeDeliveryEventRepo) GetPending(limit int) ([]models.WebhookDeliveryEvent, error) {
	out := r.filter(func(e models.WebhookDeliveryEvent) bool {
		return e.Status == models.WebhookEventStatusPending && e.Attempts == 0 && e.ScheduledAt == nil
	})
	return capEvents(out, limit), nil
}

func (r *fakeDeliveryEventRepo) GetRetryDue(now time.Time, limit int) ([]models.WebhookDeliveryEvent, error) {
	out := r.filter(func(e models.WebhookDeliveryEvent) bool {
		return e.Status == models.WebhookEventStatusPending && e.Attempts > 0 &&
			e.NextRetryAt != nil && !e.NextRetryAt.After(now)
	})
	return capEvents(out, limit), nil
}

func (r *fakeDeliveryEventRepo) GetScheduledDue(now time.Time, limit int) ([]models.WebhookDeliveryEvent, error) {
	out := r.filter(func(e models.WebhookDeliveryEvent) bool {
		return e.Status == models.WebhookEventStatusPending && e.Attempts == 0 &&
			e.ScheduledAt != nil && !e.ScheduledAt.After(now)
	})
	return capEvents(out, limit), nil
}

func (r *fakeDeliveryEventRepo) GetRetryable(subscriptionID uint, limit int) ([]models.WebhookDeliveryEvent, error) {
	out := r.filter(func(e models.WebhookDeliveryEvent) bool {
		return e.SubscriptionID == subscriptionID && e.Status == models.WebhookEventStatusFailed &&
			e.Attempts < e.MaxAttempts
	})
	return capEvents(out, limit), nil
}

func (r *fakeDeliveryEventRepo) GetOldestPending() (*models.WebhookDeliveryEvent, error) {
	out := r.filter(func(e models.WebhookDeliveryEvent) bool {
		return e.Status == models.WebhookEventStatusPending
	})
	if len(out) == 0 {
		return nil, nil
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	oldest := out[0]
	return &oldest, nil
}

func (r *fakeDeliveryEventRepo) Update(event *models.WebhookDeliveryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[event.UUID]; !ok {
		return gorm.ErrRecordNotFound
	}
	r.events[event.UUID] = *event
	return nil
}

func (r *fakeDeliveryEventRepo) CountByStatus() (map[string]int64, error) {
	return r.countBy(func(models.WebhookDeliveryEvent) bool { return true }), nil
}

func (r *fakeDeliveryEventRepo) CountByStatusForSubscription(subscriptionID uint) (map[string]int64, error) {
	return r.countBy(func(e models.WebhookDeliveryEvent) bool { return e.SubscriptionID == subscriptionID }), nil
}

func (r *fakeDeliveryEventRepo) DeleteBySubscription(subscriptionID uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uuid, event := range r.events {
		if event.SubscriptionID == subscriptionID {
			delete(r.events, uuid)
		}
	}
	return nil
}

func (r *fakeDeliveryEventRepo) DeleteOlderThan(cutoff time.Time, statuses []string) (int64, error) {
	if len(statuses) == 0 {
		statuses = []string{models.WebhookEventStatusDelivered, models.WebhookEventStatusCancelled, models.WebhookEventStatusFailed}
	}
	allowed := make(map[string]struct{}, len(statuses))
	for _, status := range statuses {
		allowed[status] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var removed int64
	for uuid, event := range r.events {
		if _, ok := allowed[event.Status]; !ok {
			continue
		}
		if event.CreatedAt.Before(cutoff) {
			delete(r.events, uuid)
			removed++
		}
	}
	return removed, nil
}

func (r *fakeDeliveryEventRepo) filter(keep func(models.WebhookDeliveryEvent) bool) []models.WebhookDeliveryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.WebhookDeliveryEvent
	for _, event := range r.events {
		if keep(event) {
			out = append(out, event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *fakeDeliveryEventRepo) countBy(keep func(models.WebhookDeliveryEvent) bool) map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[string]int64)
	for _, event := range r.events {
		if keep(event) {
			counts[event.Status]++
		}
	}
	return counts
}

func capEvents(events []models.WebhookDeliveryEvent, limit int) []models.WebhookDeliveryEvent {
	if limit > 0 && limit < len(events) {
		return events[:limit]
	}
	return events
}

// fakeDeliveryProvider records endpoint registrations and answers deliveries
// with canned results.
type fakeDeliveryProvider struct {
	mu        sync.Mutex
	endpoints map[string]EndpointConfig
	seq       int

	registerErr error
	updateErr   error
	deleteErr   error

	testResult DeliveryResult
	reachable  bool
	stats      DeliveryStats
}

func newFakeProvider() *fakeDeliveryProvider {
	return &fakeDeliveryProvider{
		endpoints: make(map[string]EndpointConfig),
		reachable: true,
	}
}

func (p *fakeDeliveryProvider) RegisterEndpoint(cfg EndpointConfig) (string, error) {
	if p.registerErr != nil {
		return "", p.registerErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	id := fmt.Sprintf("ep-%d", p.seq)
	p.endpoints[id] = cfg
	return id, nil
}

func (p *fakeDeliveryProvider) UpdateEndpoint(id string, cfg EndpointConfig) error {
	if p.updateErr != nil {
		return p.updateErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.endpoints[id]; !ok {
		return ErrEndpointNotFound
	}
	p.endpoints[id] = cfg
	return nil
}

func (p *fakeDeliveryProvider) DeleteEndpoint(id string) error {
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.endpoints[id]; !ok {
		return ErrEndpointNotFound
	}
	delete(p.endpoints, id)
	return nil
}

func (p *fakeDeliveryProvider) GetAllEndpoints() []Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Endpoint, 0, len(p.endpoints))
	for id, cfg := range p.endpoints {
		out = append(out, Endpoint{ID: id, EndpointConfig: cfg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (p *fakeDeliveryProvider) FindEndpointBySubscription(subscriptionID uint) (*Endpoint, bool) {
	want := fmt.Sprintf("%d", subscriptionID)
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cfg := range p.endpoints {
		if cfg.Metadata[MetadataSubscriptionID] == want {
			return &Endpoint{ID: id, EndpointConfig: cfg}, true
		}
	}
	return nil, false
}

func (p *fakeDeliveryProvider) Deliver(ctx context.Context, endpointID string, req DeliveryRequest) DeliveryResult {
	return DeliveryResult{Success: true, StatusCode: 200}
}

func (p *fakeDeliveryProvider) SendTestWebhook(endpointID string, payload map[string]interface{}) DeliveryResult {
	return p.testResult
}

func (p *fakeDeliveryProvider) TestEndpoint(url string) bool {
	return p.reachable
}

func (p *fakeDeliveryProvider) GetDeliveryStats() DeliveryStats {
	return p.stats
}

func (p *fakeDeliveryProvider) endpointConfig(id string) (EndpointConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cfg, ok := p.endpoints[id]
	return cfg, ok
}

func (p *fakeDeliveryProvider) endpointCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}
