package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/domain"
)

// Type discriminates the three event shapes on the wire.
type Type string

const (
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// TaskOutcome is one prompt task result inside a complete event.
type TaskOutcome struct {
	TemplateID       string            `json:"templateId"`
	Content          *string           `json:"content"`
	Status           domain.TaskStatus `json:"status"`
	Error            *string           `json:"error,omitempty"`
	TokensUsed       *int              `json:"tokensUsed,omitempty"`
	ProcessingTimeMs *int64            `json:"processingTimeMs,omitempty"`
}

// OutcomeOf converts a persisted prompt task.
func OutcomeOf(t *domain.PromptTask) TaskOutcome {
	return TaskOutcome{
		TemplateID:       t.TemplateID,
		Content:          t.Content,
		Status:           t.Status,
		Error:            t.ErrorMessage,
		TokensUsed:       t.TokensUsed,
		ProcessingTimeMs: t.ProcessingTimeMs,
	}
}

// Event is a progress, complete or error notification for one job.
// Only the fields belonging to Type are encoded.
type Event struct {
	Type      Type
	JobID     uuid.UUID
	Stage     domain.Stage
	Progress  int
	Message   string
	Results   []TaskOutcome
	Error     string
	Timestamp time.Time
}

// Progress builds a progress event.
func Progress(jobID uuid.UUID, stage domain.Stage, progress int, message string) Event {
	return Event{
		Type:      TypeProgress,
		JobID:     jobID,
		Stage:     stage,
		Progress:  progress,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Complete builds the terminal event of a completed job.
func Complete(jobID uuid.UUID, results []TaskOutcome) Event {
	return Event{
		Type:      TypeComplete,
		JobID:     jobID,
		Stage:     domain.StageCompleted,
		Progress:  domain.ProgressComplete,
		Results:   results,
		Timestamp: time.Now().UTC(),
	}
}

// Failed builds the terminal event of a failed job. stage is where the job
// was when it failed.
func Failed(jobID uuid.UUID, stage domain.Stage, message string) Event {
	return Event{
		Type:      TypeError,
		JobID:     jobID,
		Stage:     stage,
		Error:     message,
		Timestamp: time.Now().UTC(),
	}
}

// IsTerminal reports whether e ends the job's event stream.
func (e Event) IsTerminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

type progressWire struct {
	Type      Type         `json:"type"`
	JobID     uuid.UUID    `json:"jobId"`
	Stage     domain.Stage `json:"stage"`
	Progress  int          `json:"progress"`
	Message   string       `json:"message"`
	Timestamp int64        `json:"timestamp"`
}

type completeWire struct {
	Type        Type          `json:"type"`
	JobID       uuid.UUID     `json:"jobId"`
	Results     []TaskOutcome `json:"results"`
	CompletedAt int64         `json:"completedAt"`
}

type errorWire struct {
	Type     Type         `json:"type"`
	JobID    uuid.UUID    `json:"jobId"`
	Error    string       `json:"error"`
	Stage    domain.Stage `json:"stage"`
	FailedAt int64        `json:"failedAt"`
}

// MarshalJSON encodes the shape selected by Type. Times are Unix
// milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeProgress:
		return json.Marshal(progressWire{e.Type, e.JobID, e.Stage, e.Progress, e.Message, e.Timestamp.UnixMilli()})
	case TypeComplete:
		results := e.Results
		if results == nil {
			results = []TaskOutcome{}
		}
		return json.Marshal(completeWire{e.Type, e.JobID, results, e.Timestamp.UnixMilli()})
	case TypeError:
		return json.Marshal(errorWire{e.Type, e.JobID, e.Error, e.Stage, e.Timestamp.UnixMilli()})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// UnmarshalJSON decodes any of the three shapes.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w struct {
		Type        Type          `json:"type"`
		JobID       uuid.UUID     `json:"jobId"`
		Stage       domain.Stage  `json:"stage"`
		Progress    int           `json:"progress"`
		Message     string        `json:"message"`
		Results     []TaskOutcome `json:"results"`
		Error       string        `json:"error"`
		Timestamp   int64         `json:"timestamp"`
		CompletedAt int64         `json:"completedAt"`
		FailedAt    int64         `json:"failedAt"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	*e = Event{Type: w.Type, JobID: w.JobID, Stage: w.Stage}
	switch w.Type {
	case TypeProgress:
		e.Progress, e.Message, e.Timestamp = w.Progress, w.Message, fromMillis(w.Timestamp)
	case TypeComplete:
		e.Stage, e.Progress = domain.StageCompleted, domain.ProgressComplete
		e.Results, e.Timestamp = w.Results, fromMillis(w.CompletedAt)
	case TypeError:
		e.Error, e.Timestamp = w.Error, fromMillis(w.FailedAt)
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Publisher accepts events for delivery. Publish must not block on slow
// consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) {})
