package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
)

// jobIDParam parses the {id} route parameter. On a malformed ID it answers
// 400 itself and reports false.
func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		HandleAPIError(w, r, fmt.Errorf("%w: %q", domain.ErrInvalidID, raw), "")
		return uuid.Nil, false
	}
	return id, true
}
