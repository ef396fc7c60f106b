package events

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func receive(t *testing.T, o *ChannelObserver) Event {
	t.Helper()
	select {
	case e := <-o.Events():
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, o *ChannelObserver) {
	t.Helper()
	select {
	case e := <-o.Events():
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEvent_JSONShapes(t *testing.T) {
	t.Parallel()

	jobID := uuid.New()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("progress", func(t *testing.T) {
		e := Progress(jobID, domain.StageExtracting, 10, "fetching")
		e.Timestamp = ts
		raw, err := json.Marshal(e)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		assert.Equal(t, "progress", m["type"])
		assert.Equal(t, jobID.String(), m["jobId"])
		assert.Equal(t, "extracting", m["stage"])
		assert.EqualValues(t, 10, m["progress"])
		assert.Equal(t, "fetching", m["message"])
		assert.EqualValues(t, ts.UnixMilli(), m["timestamp"])
		assert.Len(t, m, 6)
	})

	t.Run("complete", func(t *testing.T) {
		content := "summary text"
		tokens := 12
		e := Complete(jobID, []TaskOutcome{
			{TemplateID: "summary", Content: &content, Status: domain.TaskStatusCompleted, TokensUsed: &tokens},
		})
		e.Timestamp = ts
		raw, err := json.Marshal(e)
		require.NoError(t, err)

		assert.JSONEq(t, `{
			"type": "complete",
			"jobId": "`+jobID.String()+`",
			"completedAt": 1714564800000,
			"results": [{"templateId": "summary", "content": "summary text", "status": "completed", "tokensUsed": 12}]
		}`, string(raw))
	})

	t.Run("error", func(t *testing.T) {
		e := Failed(jobID, domain.StageExtracting, "no text")
		e.Timestamp = ts
		raw, err := json.Marshal(e)
		require.NoError(t, err)

		assert.JSONEq(t, `{
			"type": "error",
			"jobId": "`+jobID.String()+`",
			"error": "no text",
			"stage": "extracting",
			"failedAt": 1714564800000
		}`, string(raw))
	})

	t.Run("round trip", func(t *testing.T) {
		for _, e := range []Event{
			Progress(jobID, domain.StageAIProcessing, 55, "2/4 tasks finished"),
			Complete(jobID, []TaskOutcome{{TemplateID: "a", Status: domain.TaskStatusSkippedQuota}}),
			Failed(jobID, domain.StageFailed, "boom"),
		} {
			e.Timestamp = ts
			raw, err := json.Marshal(e)
			require.NoError(t, err)

			var got Event
			require.NoError(t, json.Unmarshal(raw, &got))
			assert.Equal(t, e, got)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := json.Marshal(Event{Type: "bogus"})
		assert.Error(t, err)
		assert.Error(t, json.Unmarshal([]byte(`{"type":"bogus"}`), &Event{}))
	})
}

func TestBroadcaster_RoomDelivery(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger(), 0)
	t.Cleanup(b.Close)

	jobA, jobB := uuid.New(), uuid.New()
	a1, a2, other := NewChannelObserver(4), NewChannelObserver(4), NewChannelObserver(4)
	b.Subscribe(jobA, a1)
	b.Subscribe(jobA, a2)
	b.Subscribe(jobB, other)

	ctx := context.Background()
	b.Publish(ctx, Progress(jobA, domain.StageExtracting, 5, "start"))

	assert.Equal(t, 5, receive(t, a1).Progress)
	assert.Equal(t, 5, receive(t, a2).Progress)
	assertNoEvent(t, other)

	b.Unsubscribe(jobA, a2)
	b.Publish(ctx, Progress(jobA, domain.StageExtracting, 20, "extracted"))
	assert.Equal(t, 20, receive(t, a1).Progress)
	assertNoEvent(t, a2)
}

func TestBroadcaster_DropsForEmptyRoomsAndNoReplay(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger(), 0)
	t.Cleanup(b.Close)

	jobID := uuid.New()
	ctx := context.Background()
	b.Publish(ctx, Progress(jobID, domain.StageExtracting, 10, "nobody listening"))

	late := NewChannelObserver(4)
	// Let the dispatcher drain the first event before joining.
	time.Sleep(20 * time.Millisecond)
	b.Subscribe(jobID, late)

	b.Publish(ctx, Progress(jobID, domain.StageExtracting, 20, "second"))
	assert.Equal(t, 20, receive(t, late).Progress)
	assertNoEvent(t, late)
}

func TestBroadcaster_SlowObserverDoesNotBlock(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger(), 0)
	t.Cleanup(b.Close)

	jobID := uuid.New()
	slow, fast := NewChannelObserver(1), NewChannelObserver(10)
	b.Subscribe(jobID, slow)
	b.Subscribe(jobID, fast)

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		b.Publish(ctx, Progress(jobID, domain.StageAIProcessing, 20+i, ""))
	}

	for i := 1; i <= 5; i++ {
		assert.Equal(t, 20+i, receive(t, fast).Progress)
	}
	assert.Eventually(t, func() bool { return slow.Dropped() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 21, receive(t, slow).Progress)
}

func TestBroadcaster_PublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := NewBroadcaster(testLogger(), 1)
	b.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(context.Background(), Progress(uuid.New(), domain.StageQueued, 0, ""))
		}
		b.Subscribe(uuid.New(), NewChannelObserver(1))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a closed broadcaster")
	}
}

func TestRedisRelay(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	local := NewBroadcaster(testLogger(), 0)
	t.Cleanup(local.Close)

	jobID := uuid.New()
	watcher := NewChannelObserver(4)
	local.Subscribe(jobID, watcher)

	relay := NewRedisRelay(client, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ready := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- relay.Run(ctx, local, ready) }()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}

	relay.Publish(ctx, Progress(jobID, domain.StageAIProcessing, 37, "1/4 tasks finished"))
	relay.Publish(ctx, Failed(jobID, domain.StageAIProcessing, "provider auth failed"))

	first := receive(t, watcher)
	assert.Equal(t, TypeProgress, first.Type)
	assert.Equal(t, 37, first.Progress)

	second := receive(t, watcher)
	assert.Equal(t, TypeError, second.Type)
	assert.True(t, second.IsTerminal())
	assert.Equal(t, "provider auth failed", second.Error)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
