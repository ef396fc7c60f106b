// Package gemini adapts Google's Gemini API to the generation.Provider
// contract.
//
// Each Complete call is a single GenerateContent request; retries are the
// orchestrator's job. API errors are classified by HTTP status:
//
//   - 401, 403, 404 (unknown model) and 400 naming the API key: fatal
//   - 429 and RESOURCE_EXHAUSTED: quota exceeded
//   - any other 400: rejected
//   - 5xx, timeouts and network errors: transient
//
// Responses blocked by safety filters and empty responses are rejected too.
package gemini
