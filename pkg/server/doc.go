// Package server exposes the decision engine over HTTP.
//
// The server offers an admission endpoint evaluating requests through the
// governor, a small ban administration API, engine statistics, a health
// probe, and optionally the Prometheus metrics endpoint. It shuts down
// gracefully on SIGINT/SIGTERM or context cancellation.
package server
