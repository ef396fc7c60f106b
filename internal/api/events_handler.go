package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/synopsis/internal/api/shared"
	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/events"
	"github.com/phrazzld/synopsis/internal/platform/logger"
	"github.com/phrazzld/synopsis/internal/task"
)

// Subscriber manages observer membership in per-job rooms.
// events.Broadcaster implements it.
type Subscriber interface {
	Subscribe(jobID uuid.UUID, o events.Observer)
	Unsubscribe(jobID uuid.UUID, o events.Observer)
}

// EventsHandler streams a job's progress as server-sent events.
type EventsHandler struct {
	jobs       JobService
	rooms      Subscriber
	heartbeat  time.Duration
	bufferSize int
}

// NewEventsHandler creates an EventsHandler. heartbeat is the interval of
// keep-alive comments; zero selects 15s.
func NewEventsHandler(jobs JobService, rooms Subscriber, heartbeat time.Duration) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &EventsHandler{jobs: jobs, rooms: rooms, heartbeat: heartbeat, bufferSize: 64}
}

// Stream handles GET /jobs/{id}/events.
//
// The first event is a snapshot of the stored job. Live events follow until
// the terminal event, after which the stream ends. A client joining after
// the job finished receives only the terminal event rebuilt from storage.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		shared.RespondWithError(w, r, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	ctx := r.Context()
	log := logger.FromContext(ctx).With("job_id", id)

	// Join the room before reading the snapshot so nothing falls in between.
	obs := events.NewChannelObserver(h.bufferSize)
	h.rooms.Subscribe(id, obs)
	defer h.rooms.Unsubscribe(id, obs)

	view, err := h.jobs.Get(ctx, id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &sseWriter{w: w, flusher: flusher}
	snapshot := snapshotEvent(view)
	if err := stream.send(snapshot); err != nil || snapshot.IsTerminal() {
		return
	}
	last := snapshot.Progress

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	dropped := obs.Dropped()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream closed by client")
			return

		case e := <-obs.Events():
			if e.Type == events.TypeProgress && e.Progress < last {
				continue
			}
			last = e.Progress
			if err := stream.send(e); err != nil {
				log.Debug("event stream write failed", "error", err)
				return
			}
			if e.IsTerminal() {
				return
			}

		case <-ticker.C:
			// A slow client may have lost the terminal event; resync from storage.
			if n := obs.Dropped(); n != dropped {
				dropped = n
				view, err := h.jobs.Get(ctx, id)
				if err == nil {
					if snap := snapshotEvent(view); snap.IsTerminal() {
						_ = stream.send(snap)
						return
					}
				}
			}
			if err := stream.comment("ping"); err != nil {
				return
			}
		}
	}
}

// snapshotEvent renders the stored job as the event a live observer would
// have seen last.
func snapshotEvent(view *task.JobView) events.Event {
	job := view.Job
	switch job.Status {
	case domain.JobStatusCompleted:
		outcomes := make([]events.TaskOutcome, 0, len(view.Tasks))
		for _, t := range view.Tasks {
			outcomes = append(outcomes, events.OutcomeOf(t))
		}
		e := events.Complete(job.ID, outcomes)
		if job.ProcessingCompletedAt != nil {
			e.Timestamp = *job.ProcessingCompletedAt
		}
		return e

	case domain.JobStatusFailed:
		msg := ""
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		e := events.Failed(job.ID, job.CurrentStage, msg)
		if job.ProcessingCompletedAt != nil {
			e.Timestamp = *job.ProcessingCompletedAt
		}
		return e

	default:
		return events.Progress(job.ID, job.CurrentStage, job.Progress, "job is "+string(job.Status))
	}
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) send(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
