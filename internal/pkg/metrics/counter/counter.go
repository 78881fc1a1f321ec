package counter

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	endpointDeliveredKey  = "webhook:counters:delivered"
	endpointFailedKey     = "webhook:counters:failed"
	endpointResponseMSKey = "webhook:counters:response_ms"
)

// EndpointCounters holds the accumulated delivery outcomes of one endpoint.
type EndpointCounters struct {
	Delivered           int64
	Failed              int64
	ResponseTimeTotalMS int64
}

// Attempts is the total number of recorded delivery attempts.
func (c EndpointCounters) Attempts() int64 {
	return c.Delivered + c.Failed
}

// SuccessRate is the fraction of attempts that were delivered. Endpoints
// without any attempts report 1.0 so a fresh endpoint starts out healthy.
func (c EndpointCounters) SuccessRate() float64 {
	attempts := c.Attempts()
	if attempts == 0 {
		return 1.0
	}
	return float64(c.Delivered) / float64(attempts)
}

// AvgResponseTimeMS is the mean wall-clock latency across recorded attempts.
func (c EndpointCounters) AvgResponseTimeMS() float64 {
	attempts := c.Attempts()
	if attempts == 0 {
		return 0
	}
	return float64(c.ResponseTimeTotalMS) / float64(attempts)
}

// DeliveryCounters accumulates per-endpoint delivery outcomes in Redis hashes
// keyed by endpoint id, so every process shipping webhooks feeds the same
// rolling statistics.
type DeliveryCounters struct {
	client *redis.Client
}

// NewDeliveryCounters creates a counter store on the given Redis client.
func NewDeliveryCounters(client *redis.Client) *DeliveryCounters {
	return &DeliveryCounters{client: client}
}

// RecordDelivered increments the delivered counter and folds in the attempt latency.
func (c *DeliveryCounters) RecordDelivered(ctx context.Context, endpointID string, responseTimeMS int64) error {
	pipe := c.client.Pipeline()
	pipe.HIncrBy(ctx, endpointDeliveredKey, endpointID, 1)
	pipe.HIncrBy(ctx, endpointResponseMSKey, endpointID, responseTimeMS)
	_, err := pipe.Exec(ctx)
	return err
}

// RecordFailed increments the failed counter and folds in the attempt latency.
func (c *DeliveryCounters) RecordFailed(ctx context.Context, endpointID string, responseTimeMS int64) error {
	pipe := c.client.Pipeline()
	pipe.HIncrBy(ctx, endpointFailedKey, endpointID, 1)
	pipe.HIncrBy(ctx, endpointResponseMSKey, endpointID, responseTimeMS)
	_, err := pipe.Exec(ctx)
	return err
}

// Snapshot reads the counters of a single endpoint.
func (c *DeliveryCounters) Snapshot(ctx context.Context, endpointID string) (EndpointCounters, error) {
	pipe := c.client.Pipeline()
	delivered := pipe.HGet(ctx, endpointDeliveredKey, endpointID)
	failed := pipe.HGet(ctx, endpointFailedKey, endpointID)
	response := pipe.HGet(ctx, endpointResponseMSKey, endpointID)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return EndpointCounters{}, err
	}
	return EndpointCounters{
		Delivered:           parseCounter(delivered),
		Failed:              parseCounter(failed),
		ResponseTimeTotalMS: parseCounter(response),
	}, nil
}

// SnapshotAll reads the counters of every endpoint that has recorded attempts.
func (c *DeliveryCounters) SnapshotAll(ctx context.Context) (map[string]EndpointCounters, error) {
	pipe := c.client.Pipeline()
	delivered := pipe.HGetAll(ctx, endpointDeliveredKey)
	failed := pipe.HGetAll(ctx, endpointFailedKey)
	response := pipe.HGetAll(ctx, endpointResponseMSKey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	counters := make(map[string]EndpointCounters)
	for id, v := range delivered.Val() {
		entry := counters[id]
		entry.Delivered = parseValue(v)
		counters[id] = entry
	}
	for id, v := range failed.Val() {
		entry := counters[id]
		entry.Failed = parseValue(v)
		counters[id] = entry
	}
	for id, v := range response.Val() {
		entry := counters[id]
		entry.ResponseTimeTotalMS = parseValue(v)
		counters[id] = entry
	}
	return counters, nil
}

// Reset drops the counters of an endpoint, used when its registration is removed.
func (c *DeliveryCounters) Reset(ctx context.Context, endpointID string) error {
	pipe := c.client.Pipeline()
	pipe.HDel(ctx, endpointDeliveredKey, endpointID)
	pipe.HDel(ctx, endpointFailedKey, endpointID)
	pipe.HDel(ctx, endpointResponseMSKey, endpointID)
	_, err := pipe.Exec(ctx)
	return err
}

func parseCounter(cmd *redis.StringCmd) int64 {
	if cmd == nil || cmd.Err() != nil {
		return 0
	}
	return parseValue(cmd.Val())
}

func parseValue(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
