// Package api is the HTTP surface of the pipeline: job submission, job
// lookup and cancellation, a server-sent event stream per job, health and
// metrics. It translates HTTP concerns to producer operations and never
// touches the queue or the store directly.
package api
