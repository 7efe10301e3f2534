// Package middleware provides the HTTP middleware wrapped around the
// transcoding service's API.
//
// It includes:
//   - Structured request logging through the logging package
//   - Prometheus request metrics labelled by route template
//   - gzip compression for JSON bodies, bypassed for the progress event stream
package middleware
