package domain

import (
	"time"

	"github.com/google/uuid"
)

// ExtractedContent is the normalized text produced once per job by the
// extraction gateway. It is never modified after it is saved.
type ExtractedContent struct {
	JobID     uuid.UUID         `json:"jobId"`
	Text      string            `json:"text"`
	Language  string            `json:"language"`
	WordCount int               `json:"wordCount"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Validate checks if the content has valid data.
func (c *ExtractedContent) Validate() error {
	if c.JobID == uuid.Nil {
		return ErrEmptyJobID
	}
	if c.Text == "" {
		return ErrEmptyExtractedText
	}
	return nil
}
