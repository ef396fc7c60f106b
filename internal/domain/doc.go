// Package domain contains the job pipeline entities: jobs, prompt tasks and
// extracted content, with their status values and validation. It has no
// dependencies on storage, transport or providers.
package domain
