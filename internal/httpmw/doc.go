// Package httpmw holds the middleware of the public listener.
//
// httpserver.NewHandler wraps them outermost first: security headers,
// panic recovery, request id, client IP, the per-IP rate limit, OTel,
// settings revision headers, metrics, the request logger and finally the
// chi router. Route annotation, the access log and the body cap run inside
// the router, and the allowlist guards only the /api/v1 group so health
// probes always answer.
//
// Only server-derived values are logged. Query strings, user agents and
// request bodies never reach a log line.
package httpmw
