package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/phrazzld/synopsis/internal/api/shared"
	"github.com/phrazzld/synopsis/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceMiddleware(t *testing.T) {
	t.Parallel()

	base, buf := logger.NewTestLogger(t)

	var seenTrace string
	handler := NewTraceMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTrace = shared.GetTraceID(r.Context())
		logger.FromContext(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	require.NotEmpty(t, seenTrace)
	assert.Len(t, seenTrace, shared.TraceIDLength*2)
	assert.Equal(t, seenTrace, rec.Header().Get(TraceHeader))

	entry := buf.Find("inside handler")
	require.NotNil(t, entry, "handler log entry missing")
	assert.Equal(t, seenTrace, entry["trace_id"])
}

func TestTraceMiddleware_UniquePerRequest(t *testing.T) {
	t.Parallel()

	base, _ := logger.NewTestLogger(t)
	handler := NewTraceMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	first := httptest.NewRecorder()
	second := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.NotEqual(t, first.Header().Get(TraceHeader), second.Header().Get(TraceHeader))
}

func TestTraceMiddleware_PropagatesClientTraceID(t *testing.T) {
	t.Parallel()

	base, _ := logger.NewTestLogger(t)
	handler := NewTraceMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"well formed", "0123456789abcdef0123456789abcdef", true},
		{"too short", "abc123", false},
		{"not hex", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", false},
		{"header injection attempt", "0123456789abcdef0123456789abcde\n", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(TraceHeader, tt.incoming)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get(TraceHeader)
			if tt.keep {
				assert.Equal(t, tt.incoming, got)
				return
			}
			assert.NotEqual(t, tt.incoming, got)
			assert.True(t, shared.ValidTraceID(got))
		})
	}
}
