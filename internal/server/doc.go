// Package server assembles the coursecast HTTP surface behind one multiplexer.
//
// It builds a consistent middleware chain of request IDs, logging, metrics,
// security headers, CORS, rate limiting, session auth, and auditing so the
// API handlers all share the same protections and instrumentation.
package server
