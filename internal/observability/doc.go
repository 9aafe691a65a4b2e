// Package observability provides structured logging and Prometheus metrics
// for the authorization gateway.
//
// This package implements:
//   - Structured logging with contextual fields (zap-based)
//   - Prometheus-compatible metrics collection
//   - Per-route HTTP instrumentation
//
// Every pipeline stage reports its outcome so rejections can be broken down
// by stage and reason.
package observability
