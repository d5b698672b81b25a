// Package logging provides opt-in file-based logging with rotation for the
// indexing core. Callers that want durable diagnostics construct a logger via
// Setup and thread it through; by default logging is minimal and goes to
// stderr only.
package logging
