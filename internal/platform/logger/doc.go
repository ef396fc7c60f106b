// Package logger sets up the process-wide slog JSON logger from the server
// configuration and carries request and job scoped loggers in contexts.
package logger
