// Package telemetry groups observability support for limiteron.
//
// The logging subpackage builds the process-wide slog logger from
// configuration. Prometheus collectors live next to the code they
// instrument in pkg/flow; the admission server exposes them over HTTP.
package telemetry
