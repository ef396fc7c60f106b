package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/phrazzld/synopsis/internal/api/shared"
	"github.com/phrazzld/synopsis/internal/queue"
)

const (
	defaultDeadLetterLimit = 50
	maxDeadLetterLimit     = 500
)

// DeadLetterLister lists parked envelopes. Both queue backends implement it.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

// DeadLettersResponse is the body of GET /queue/dead-letters.
type DeadLettersResponse struct {
	DeadLetters []queue.DeadLetter `json:"deadLetters"`
}

func deadLettersHandler(q DeadLetterLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := int64(defaultDeadLetterLimit)
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n < 1 || n > maxDeadLetterLimit {
				shared.RespondWithError(w, r, http.StatusBadRequest, "limit must be between 1 and 500")
				return
			}
			limit = n
		}

		dead, err := q.DeadLetters(r.Context(), limit)
		if err != nil {
			shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError,
				"Failed to read dead letters", err)
			return
		}
		shared.RespondWithJSON(w, r, http.StatusOK, DeadLettersResponse{DeadLetters: dead})
	}
}
