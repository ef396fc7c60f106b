// Package task runs jobs end to end.
//
// Producer creates a pending job and enqueues its envelope. WorkerPool leases
// envelopes from the queue and hands them to the Pipeline, which extracts
// the content, fans the prompt templates out through the orchestrator and
// persists every result as it arrives. A redelivered job resumes from what
// the store already holds, so extraction and finished prompt tasks are never
// repeated.
package task
