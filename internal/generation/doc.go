// Package generation runs a job's prompt templates against a generative-AI
// provider. The Orchestrator fans the templates out with bounded
// concurrency, retries transient provider failures with exponential
// backoff and stops dispatching once the provider reports an exhausted
// quota or a fatal configuration error.
package generation
