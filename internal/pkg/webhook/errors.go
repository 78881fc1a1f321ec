package webhook

import "errors"

var (
	// ErrSubscriptionNotFound is returned when a subscription id resolves to nothing.
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	// ErrEventNotFound is returned when a delivery event id resolves to nothing.
	ErrEventNotFound = errors.New("webhook delivery event not found")
	// ErrInvalidURL is returned for target URLs that are not plain http/https.
	ErrInvalidURL = errors.New("invalid webhook url")
	// ErrNoEventTypes is returned when a subscription selects no event types.
	ErrNoEventTypes = errors.New("subscription requires at least one event type")
	// ErrUnknownAlgorithm is returned for signature algorithms outside the supported set.
	ErrUnknownAlgorithm = errors.New("unknown signature algorithm")
	// ErrEndpointNotFound is returned when a provider endpoint id is not registered.
	ErrEndpointNotFound = errors.New("delivery endpoint not found")
)
