package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotFoundError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unrelated", errors.New("some error"), false},
		{"sentinel", ErrNotFound, true},
		{"job", ErrJobNotFound, true},
		{"extracted content", ErrExtractedContentNotFound, true},
		{"wrapped in store error", NewStoreError("job", "get", "select", ErrJobNotFound), true},
		{"in progress", ErrJobInProgress, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsNotFoundError(tt.err))
		})
	}
}

func TestStoreError(t *testing.T) {
	cause := errors.New("database connection failed")
	err := NewStoreError("job", "create", "insert job", cause)

	assert.Equal(t, "job create: insert job: database connection failed", err.Error())
	assert.ErrorIs(t, err, cause)

	bare := NewStoreError("job", "claim", "no rows", nil)
	assert.Equal(t, "job claim: no rows", bare.Error())
}

func TestIsPersistenceError(t *testing.T) {
	assert.False(t, IsPersistenceError(nil))
	assert.False(t, IsPersistenceError(ErrJobNotFound))

	wrapped := fmt.Errorf("pipeline: %w", NewStoreError("prompt_task", "finish", "exec", errors.New("disk full")))
	assert.True(t, IsPersistenceError(wrapped))
}

func TestTaskAlreadyFinishedIsUpdateFailure(t *testing.T) {
	assert.ErrorIs(t, ErrTaskAlreadyFinished, ErrUpdateFailed)
}
