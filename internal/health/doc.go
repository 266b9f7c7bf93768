// Package health serves the liveness and readiness endpoints. Readiness is
// a set of probes joined with [All]; [ShutdownGate] fails it while the
// process drains so the load balancer stops routing new checks here.
package health
