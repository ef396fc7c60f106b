package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVisibility = time.Minute

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "test:jobs", testVisibility)
}

func TestQueues(t *testing.T) {
	factories := map[string]func(t *testing.T) Queue{
		"redis":  func(t *testing.T) Queue { return newRedisQueue(t) },
		"memory": func(t *testing.T) Queue { return NewMemoryQueue(testVisibility) },
	}
	for name, newQueue := range factories {
		t.Run(name, func(t *testing.T) {
			runQueueTests(t, newQueue)
		})
	}
}

func testEnvelope() Envelope {
	env := NewEnvelope(uuid.New(), "text:hello", []string{"summary", "keypoints"})
	env.UserID = "user-1"
	env.Provider = "gemini"
	return env
}

func runQueueTests(t *testing.T, newQueue func(t *testing.T) Queue) {
	ctx := context.Background()

	t.Run("empty queue", func(t *testing.T) {
		q := newQueue(t)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, d)
	})

	t.Run("enqueue dequeue ack", func(t *testing.T) {
		q := newQueue(t)
		env := testEnvelope()

		id, err := q.Enqueue(ctx, env)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)
		assert.Equal(t, id, d.QueueID)
		assert.Equal(t, 1, d.Attempt)
		assert.Equal(t, env, d.Envelope)

		stats, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{InFlight: 1}, stats)

		require.NoError(t, q.Ack(ctx, d))
		stats, err = q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)

		again, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, again)
	})

	t.Run("fifo order", func(t *testing.T) {
		q := newQueue(t)
		first, second := testEnvelope(), testEnvelope()
		_, err := q.Enqueue(ctx, first)
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, second)
		require.NoError(t, err)

		d1, err := q.Dequeue(ctx)
		require.NoError(t, err)
		d2, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.JobID, d1.Envelope.JobID)
		assert.Equal(t, second.JobID, d2.Envelope.JobID)
	})

	t.Run("enqueue is idempotent while live", func(t *testing.T) {
		q := newQueue(t)
		env := testEnvelope()

		id1, err := q.Enqueue(ctx, env)
		require.NoError(t, err)
		id2, err := q.Enqueue(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, id1, id2)

		stats, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Ready)

		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Ack(ctx, d))

		id3, err := q.Enqueue(ctx, env)
		require.NoError(t, err)
		assert.NotEqual(t, id1, id3, "an acked key can be enqueued again")
	})

	t.Run("rejects envelope without job id", func(t *testing.T) {
		q := newQueue(t)
		_, err := q.Enqueue(ctx, Envelope{SourceRef: "text:x"})
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("expired lease is redelivered", func(t *testing.T) {
		q := newQueue(t)
		env := testEnvelope()
		_, err := q.Enqueue(ctx, env)
		require.NoError(t, err)

		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, d)

		moved, err := q.Requeue(ctx, time.Now())
		require.NoError(t, err)
		assert.Zero(t, moved, "lease still valid")

		moved, err = q.Requeue(ctx, time.Now().Add(2*testVisibility))
		require.NoError(t, err)
		assert.Equal(t, 1, moved)

		redelivered, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, redelivered)
		assert.Equal(t, d.QueueID, redelivered.QueueID)
		assert.Equal(t, 2, redelivered.Attempt)
		assert.Equal(t, env.JobID, redelivered.Envelope.JobID)
	})

	t.Run("extend keeps the lease", func(t *testing.T) {
		q := newQueue(t)
		_, err := q.Enqueue(ctx, testEnvelope())
		require.NoError(t, err)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Extend(ctx, d, 3*testVisibility))
		moved, err := q.Requeue(ctx, time.Now().Add(2*testVisibility))
		require.NoError(t, err)
		assert.Zero(t, moved)

		require.NoError(t, q.Ack(ctx, d))
		assert.ErrorIs(t, q.Extend(ctx, d, testVisibility), ErrLeaseLost)
	})

	t.Run("nack without delay", func(t *testing.T) {
		q := newQueue(t)
		_, err := q.Enqueue(ctx, testEnvelope())
		require.NoError(t, err)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Nack(ctx, d, 0))
		assert.ErrorIs(t, q.Nack(ctx, d, 0), ErrLeaseLost)

		again, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.Attempt)
	})

	t.Run("nack with delay", func(t *testing.T) {
		q := newQueue(t)
		_, err := q.Enqueue(ctx, testEnvelope())
		require.NoError(t, err)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Nack(ctx, d, 10*time.Second))

		none, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, none, "delayed envelope is invisible")

		stats, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Delayed)

		moved, err := q.Requeue(ctx, time.Now().Add(11*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 1, moved)

		again, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, 2, again.Attempt)
	})

	t.Run("dead letter", func(t *testing.T) {
		q := newQueue(t)
		env := testEnvelope()
		_, err := q.Enqueue(ctx, env)
		require.NoError(t, err)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)

		require.NoError(t, q.DeadLetter(ctx, d, "deliveries exhausted"))

		stats, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{Dead: 1}, stats)

		moved, err := q.Requeue(ctx, time.Now().Add(2*testVisibility))
		require.NoError(t, err)
		assert.Zero(t, moved)

		assert.ErrorIs(t, q.DeadLetter(ctx, d, "again"), ErrLeaseLost)
	})

	t.Run("dead letters oldest first", func(t *testing.T) {
		q := newQueue(t)
		var jobs []uuid.UUID
		for _, reason := range []string{"first", "second", "third"} {
			env := testEnvelope()
			jobs = append(jobs, env.JobID)
			_, err := q.Enqueue(ctx, env)
			require.NoError(t, err)
			d, err := q.Dequeue(ctx)
			require.NoError(t, err)
			require.NoError(t, q.DeadLetter(ctx, d, reason))
		}

		parked, err := q.DeadLetters(ctx, 2)
		require.NoError(t, err)
		require.Len(t, parked, 2)
		assert.Equal(t, jobs[0], parked[0].Envelope.JobID)
		assert.Equal(t, "first", parked[0].Reason)
		assert.Equal(t, 1, parked[0].Attempts)
		assert.Equal(t, "second", parked[1].Reason)

		all, err := q.DeadLetters(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("stale delivery cannot settle a redelivered envelope", func(t *testing.T) {
		q := newQueue(t)
		_, err := q.Enqueue(ctx, testEnvelope())
		require.NoError(t, err)

		stale, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, stale)

		moved, err := q.Requeue(ctx, time.Now().Add(2*testVisibility))
		require.NoError(t, err)
		require.Equal(t, 1, moved)

		current, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, current)
		require.Equal(t, stale.QueueID, current.QueueID)
		assert.NotEqual(t, stale.Lease, current.Lease)

		assert.ErrorIs(t, q.Extend(ctx, stale, testVisibility), ErrLeaseLost)
		assert.ErrorIs(t, q.Ack(ctx, stale), ErrLeaseLost)
		assert.ErrorIs(t, q.Nack(ctx, stale, 0), ErrLeaseLost)
		assert.ErrorIs(t, q.DeadLetter(ctx, stale, "stale"), ErrLeaseLost)

		stats, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{InFlight: 1}, stats, "the current owner keeps its lease")

		require.NoError(t, q.Extend(ctx, current, testVisibility))
		require.NoError(t, q.Ack(ctx, current))

		stats, err = q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)
	})
}
