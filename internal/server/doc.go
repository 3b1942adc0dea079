// Package server hosts the signaling, HLS delivery, and operator API surfaces
// from a single HTTP server.
//
// The server builds a consistent middleware chain of rate limiting, metrics,
// security headers, and logging so handlers all share common protections and
// instrumentation. Tenant and user identity are resolved per request before
// reaching the signaling upgrade or the API handlers.
package server
