package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parkedQueue(t *testing.T, n int) *queue.MemoryQueue {
	t.Helper()
	ctx := context.Background()
	q := queue.NewMemoryQueue(0)
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, queue.NewEnvelope(uuid.New(), "text:x", []string{"summary"}))
		require.NoError(t, err)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.DeadLetter(ctx, d, "deliveries exhausted"))
	}
	return q
}

type failingLister struct{}

func (failingLister) DeadLetters(context.Context, int64) ([]queue.DeadLetter, error) {
	return nil, errors.New("redis down")
}

func TestDeadLettersHandler(t *testing.T) {
	t.Parallel()

	withDead := func(l DeadLetterLister) func(*RouterConfig) {
		return func(c *RouterConfig) { c.DeadLetters = l }
	}

	t.Run("lists parked envelopes", func(t *testing.T) {
		router := newTestRouter(&mockJobService{}, withDead(parkedQueue(t, 3)))

		rec := doRequest(t, router, http.MethodGet, "/queue/dead-letters?limit=2", nil)

		require.Equal(t, http.StatusOK, rec.Code)
		var body DeadLettersResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Len(t, body.DeadLetters, 2)
		assert.Equal(t, "deliveries exhausted", body.DeadLetters[0].Reason)
		assert.Equal(t, 1, body.DeadLetters[0].Attempts)
	})

	t.Run("rejects a bad limit", func(t *testing.T) {
		router := newTestRouter(&mockJobService{}, withDead(parkedQueue(t, 0)))

		for _, limit := range []string{"0", "-1", "abc", "501"} {
			rec := doRequest(t, router, http.MethodGet, "/queue/dead-letters?limit="+limit, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, limit)
		}
	})

	t.Run("hides backend errors", func(t *testing.T) {
		router := newTestRouter(&mockJobService{}, withDead(failingLister{}))

		rec := doRequest(t, router, http.MethodGet, "/queue/dead-letters", nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "redis down")
	})

	t.Run("not routed without a lister", func(t *testing.T) {
		router := newTestRouter(&mockJobService{})

		rec := doRequest(t, router, http.MethodGet, "/queue/dead-letters", nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
