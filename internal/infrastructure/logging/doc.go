// Package logging provides structured logging for statepanel.
//
// It wraps log/slog with configuration-driven handler selection and default
// service attributes. Components receive a *Logger and may derive scoped
// loggers via With.
package logging
