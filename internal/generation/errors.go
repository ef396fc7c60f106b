package generation

import "errors"

// Common errors returned by the generation package
var (
	// ErrProviderAuth is returned when the provider rejects the credentials
	// or configuration. It aborts the whole job.
	ErrProviderAuth = errors.New("provider authentication or configuration error")

	// ErrQuotaExceeded is returned when the provider reports an exhausted quota.
	ErrQuotaExceeded = errors.New("provider quota exceeded")

	// ErrTransient is returned for temporary errors that might resolve on retry
	ErrTransient = errors.New("transient provider error")

	// ErrInvalidResponse is returned when the response cannot be parsed or
	// does not match the template's output schema
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the provider blocks the content due to safety filters
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrUnknownProvider is returned when a job names a provider that is not registered.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrUnknownTemplate is returned when a job names a template missing from the catalog.
	ErrUnknownTemplate = errors.New("unknown template")

	// ErrInvalidConfig is returned when a provider or catalog configuration is invalid
	ErrInvalidConfig = errors.New("invalid generator configuration")
)
