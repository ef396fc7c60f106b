package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ChannelPrefix is prepended to the job ID to form the pub/sub channel.
const ChannelPrefix = "progress:"

// ChannelFor returns the Redis channel carrying a job's events.
func ChannelFor(jobID uuid.UUID) string {
	return ChannelPrefix + jobID.String()
}

// RedisRelay publishes events to Redis and forwards events published by
// other processes to a local Publisher.
type RedisRelay struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ Publisher = (*RedisRelay)(nil)

// NewRedisRelay returns a relay on client.
func NewRedisRelay(client redis.UniversalClient, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{client: client, logger: logger.With("component", "redis_relay")}
}

// Publish sends the event to the job's channel. Failures are logged and the
// event is lost.
func (r *RedisRelay) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("failed to encode event", "job_id", event.JobID, "error", err)
		return
	}
	if err := r.client.Publish(ctx, ChannelFor(event.JobID), payload).Err(); err != nil {
		r.logger.Warn("failed to publish event", "job_id", event.JobID, "type", event.Type, "error", err)
	}
}

// Run subscribes to every job channel and forwards decoded events to local
// until ctx is cancelled. ready, if not nil, is closed once the
// subscription is active.
func (r *RedisRelay) Run(ctx context.Context, local Publisher, ready chan<- struct{}) error {
	sub := r.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer func() { _ = sub.Close() }()

	// Receive blocks until the subscription is confirmed.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info("relay subscribed", "pattern", ChannelPrefix+"*")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.logger.Warn("dropping undecodable event", "channel", msg.Channel, "error", err)
				continue
			}
			if !strings.HasSuffix(msg.Channel, event.JobID.String()) {
				r.logger.Warn("event job does not match channel", "channel", msg.Channel, "job_id", event.JobID)
				continue
			}
			local.Publish(ctx, event)
		}
	}
}
