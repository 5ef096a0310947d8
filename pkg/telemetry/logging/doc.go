// Package logging builds the process-wide structured logger from
// configuration. Components obtain their own loggers with
// slog.Default().With("component", name).
package logging
