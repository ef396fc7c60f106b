package task

import (
	"time"

	"github.com/phrazzld/synopsis/internal/domain"
	"github.com/phrazzld/synopsis/internal/queue"
)

// Recorder receives pipeline and pool measurements. telemetry.Metrics
// implements it.
type Recorder interface {
	JobEnqueued()
	JobFinished(status domain.JobStatus, elapsed time.Duration)
	TaskFinished(status domain.TaskStatus)
	DeliveryRetried()
	DeadLettered()
	WorkerBusy(delta int)
	ObserveQueue(s queue.Stats)
}

type nopRecorder struct{}

func (nopRecorder) JobEnqueued()                                {}
func (nopRecorder) JobFinished(domain.JobStatus, time.Duration) {}
func (nopRecorder) TaskFinished(domain.TaskStatus)              {}
func (nopRecorder) DeliveryRetried()                            {}
func (nopRecorder) DeadLettered()                               {}
func (nopRecorder) WorkerBusy(int)                              {}
func (nopRecorder) ObserveQueue(queue.Stats)                    {}
