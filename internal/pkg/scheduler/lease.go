package scheduler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "webhook:claim:"

// EventLease claims delivery events across processes through Redis SETNX so
// two schedulers never ship the same event concurrently. A claim expires on
// its own; holders release early after finishing their bookkeeping.
//
// Without a Redis client every claim succeeds, which degrades to safe
// single-process behavior instead of stalling deliveries.
type EventLease struct {
	client *redis.Client
	owner  string
}

// NewEventLease creates a lease store. owner identifies this process in the
// claim values for debugging; client may be nil.
func NewEventLease(client *redis.Client, owner string) *EventLease {
	return &EventLease{client: client, owner: owner}
}

// Claim tries to take the delivery claim for an event. True means this
// process may deliver it.
func (l *EventLease) Claim(ctx context.Context, eventUUID string, ttl time.Duration) bool {
	if l == nil || l.client == nil {
		return true
	}
	ok, err := l.client.SetNX(ctx, leaseKeyPrefix+eventUUID, l.owner, ttl).Result()
	if err != nil {
		log.Debugf("[Delivery Scheduler] Claim for event %s failed, assuming single process: %v", eventUUID, err)
		return true
	}
	return ok
}

// Release drops the claim after the event's bookkeeping is written. Claims
// left behind by a crashed process expire via their TTL.
func (l *EventLease) Release(ctx context.Context, eventUUID string) {
	if l == nil || l.client == nil {
		return
	}
	if err := l.client.Del(ctx, leaseKeyPrefix+eventUUID).Err(); err != nil {
		log.Debugf("[Delivery Scheduler] Release for event %s failed: %v", eventUUID, err)
	}
}
