// Package store defines the persistence contract of the job pipeline and the
// errors every implementation reports. Implementations live under
// internal/platform.
package store
