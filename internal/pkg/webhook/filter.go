package webhook

import "github.com/ManuelReschke/HookFox/app/models"

// ShouldDeliver decides whether an event reaches a subscription. The checks
// short-circuit in a fixed order: active flag, event type membership, then the
// filter dimensions. Within one dimension any listed value matches (OR);
// across dimensions every populated list must match (AND). An empty dimension
// places no constraint, and only attributes the event actually carries are
// checked: a present attribute that misses its list rejects, an absent one
// never does.
func ShouldDeliver(sub *models.WebhookSubscription, event models.Event) bool {
	if sub == nil || !sub.IsActive {
		return false
	}
	if !sub.SubscribesTo(event.Type) {
		return false
	}
	filters := sub.Filters
	if !matchValue(filters.UserIDs, event.UserID) {
		return false
	}
	if !matchValue(filters.ProjectIDs, event.ProjectID) {
		return false
	}
	if !matchValue(filters.TaskIDs, event.TaskID) {
		return false
	}
	if !matchValue(filters.Priorities, event.Priority) {
		return false
	}
	return matchAny(filters.Tags, event.Tags)
}

// matchValue matches a single event attribute against an allow-list. An empty
// list places no constraint; an event that lacks the attribute is not
// constrained by the list.
func matchValue(allowed []string, value string) bool {
	if len(allowed) == 0 || value == "" {
		return true
	}
	for _, v := range allowed {
		if v == value {
			return true
		}
	}
	return false
}

// matchAny matches an event's tag set against an allow-list: one shared tag
// is enough. An event without tags is not constrained by the list.
func matchAny(allowed, values []string) bool {
	if len(allowed) == 0 || len(values) == 0 {
		return true
	}
	for _, want := range allowed {
		for _, v := range values {
			if want == v {
				return true
			}
		}
	}
	return false
}
