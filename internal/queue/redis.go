package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// requeueBatch caps how many envelopes one Requeue call moves per set.
const requeueBatch = 100

// RedisQueue keeps ready, in-flight and delayed envelopes in Redis.
//
// Keys, all under the queue name:
//
//	<name>:ready          list of queue IDs
//	<name>:inflight       zset of queue IDs scored by lease deadline (ms)
//	<name>:delayed        zset of queue IDs scored by due time (ms)
//	<name>:msg:<id>       hash {envelope, attempts, lease}
//	<name>:idem:<key>     queue ID for a live idempotency key
//	<name>:dlq            list of dead-letter JSON records
//
// The dequeue script derives <name>:msg:<id> from the popped ID, so the queue
// needs a single Redis node and is not safe on Redis Cluster.
type RedisQueue struct {
	client        *redis.Client
	name          string
	visibilityTTL time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue builds a queue named name on a single-node client.
func NewRedisQueue(client *redis.Client, name string, visibility time.Duration) *RedisQueue {
	if name == "" {
		name = "synopsis:jobs"
	}
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		name:          name,
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey() string    { return q.name + ":ready" }
func (q *RedisQueue) inflightKey() string { return q.name + ":inflight" }
func (q *RedisQueue) delayedKey() string  { return q.name + ":delayed" }
func (q *RedisQueue) dlqKey() string      { return q.name + ":dlq" }
func (q *RedisQueue) msgPrefix() string   { return q.name + ":msg:" }

func (q *RedisQueue) msgKey(id string) string {
	return q.msgPrefix() + id
}

func (q *RedisQueue) idemKey(key string) string {
	return q.name + ":idem:" + key
}

// Enqueue stores the envelope and pushes it onto the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, env Envelope) (string, error) {
	if err := validate(env); err != nil {
		return "", err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	id := uuid.NewString()
	keys := []string{q.idemKey(env.key()), q.msgKey(id), q.readyKey()}
	res, err := enqueueScript.Run(ctx, q.client, keys, id, payload).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", env.JobID, err)
	}
	queueID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from enqueue script: %T", res)
	}
	return queueID, nil
}

// Dequeue pops the next ready envelope and leases it under a fresh token.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	lease := uuid.NewString()
	keys := []string{q.readyKey(), q.inflightKey()}

	res, err := dequeueScript.Run(ctx, q.client, keys, deadline, q.msgPrefix(), lease).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	fields, ok := res.([]interface{})
	if !ok || len(fields) != 3 {
		return nil, fmt.Errorf("unexpected reply from dequeue script: %v", res)
	}
	id, _ := fields[0].(string)
	attempts, _ := fields[1].(int64)
	payload, _ := fields[2].(string)

	d := &Delivery{QueueID: id, Attempt: int(attempts), Lease: lease}
	if err := json.Unmarshal([]byte(payload), &d.Envelope); err != nil {
		return nil, fmt.Errorf("unmarshal envelope %s: %w", id, err)
	}
	return d, nil
}

// Ack forgets the envelope and releases its idempotency key.
func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	keys := []string{q.inflightKey(), q.msgKey(d.QueueID), q.idemKey(d.Envelope.key())}
	n, err := ackScript.Run(ctx, q.client, keys, d.QueueID, d.Lease).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.QueueID, err)
	}
	return leaseResult(n)
}

// Nack puts a leased envelope back, on the delayed set when delay > 0.
func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	var due int64
	if delay > 0 {
		due = time.Now().Add(delay).UnixMilli()
	}
	keys := []string{q.inflightKey(), q.readyKey(), q.delayedKey(), q.msgKey(d.QueueID)}
	n, err := nackScript.Run(ctx, q.client, keys, d.QueueID, due, d.Lease).Int()
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.QueueID, err)
	}
	return leaseResult(n)
}

// Extend moves the lease deadline of a delivery that is still in flight.
func (q *RedisQueue) Extend(ctx context.Context, d *Delivery, extension time.Duration) error {
	deadline := time.Now().Add(extension).UnixMilli()
	keys := []string{q.inflightKey(), q.msgKey(d.QueueID)}
	n, err := extendScript.Run(ctx, q.client, keys, d.QueueID, deadline, d.Lease).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", d.QueueID, err)
	}
	return leaseResult(n)
}

// DeadLetter parks the envelope on the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	record, err := json.Marshal(DeadLetter{
		QueueID:  d.QueueID,
		Envelope: d.Envelope,
		Attempts: d.Attempt,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	keys := []string{q.inflightKey(), q.msgKey(d.QueueID), q.idemKey(d.Envelope.key()), q.dlqKey()}
	n, err := deadLetterScript.Run(ctx, q.client, keys, d.QueueID, d.Lease, record).Int()
	if err != nil {
		return fmt.Errorf("dead letter %s: %w", d.QueueID, err)
	}
	return leaseResult(n)
}

// DeadLetters reads up to count parked envelopes, oldest first. A count of
// zero or less reads all of them.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]DeadLetter, error) {
	stop := count - 1
	if count <= 0 {
		stop = -1
	}
	raw, err := q.client.LRange(ctx, q.dlqKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Requeue reclaims expired leases and promotes due delayed envelopes.
func (q *RedisQueue) Requeue(ctx context.Context, now time.Time) (int, error) {
	keys := []string{q.inflightKey(), q.delayedKey(), q.readyKey()}
	n, err := requeueScript.Run(ctx, q.client, keys, now.UnixMilli(), requeueBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue: %w", err)
	}
	return n, nil
}

func leaseResult(n int) error {
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Depth returns the size of each part of the queue.
func (q *RedisQueue) Depth(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	inflight := pipe.ZCard(ctx, q.inflightKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.dlqKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Ready:    ready.Val(),
		InFlight: inflight.Val(),
		Delayed:  delayed.Val(),
		Dead:     dead.Val(),
	}, nil
}

var enqueueScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  return existing
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[2], 'envelope', ARGV[2], 'attempts', 0)
redis.call('RPUSH', KEYS[3], ARGV[1])
return ARGV[1]
`)

var dequeueScript = redis.NewScript(`
while true do
  local id = redis.call('LPOP', KEYS[1])
  if not id then
    return nil
  end
  local key = ARGV[2] .. id
  local env = redis.call('HGET', key, 'envelope')
  if env then
    redis.call('ZADD', KEYS[2], ARGV[1], id)
    redis.call('HSET', key, 'lease', ARGV[3])
    local attempts = redis.call('HINCRBY', key, 'attempts', 1)
    return {id, attempts, env}
  end
end
`)

// The lease scripts return 0 when the caller no longer holds the lease.

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[2], KEYS[3])
return 1
`)

var nackScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'lease') ~= ARGV[3] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[4], 'lease')
if tonumber(ARGV[2]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
else
  redis.call('RPUSH', KEYS[2], ARGV[1])
end
return 1
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[3] then
  return 0
end
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

var deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('RPUSH', KEYS[4], ARGV[3])
redis.call('DEL', KEYS[2], KEYS[3])
return 1
`)

var requeueScript = redis.NewScript(`
local moved = 0
for i = 1, 2 do
  local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
  for _, id in ipairs(ids) do
    redis.call('ZREM', KEYS[i], id)
    redis.call('RPUSH', KEYS[3], id)
    moved = moved + 1
  end
end
return moved
`)
