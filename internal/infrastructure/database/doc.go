// Package database manages the SQLite connection backing the submission
// history, including embedded schema migrations and health checks.
package database
