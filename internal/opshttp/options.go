package opshttp

import (
	"net/http"

	"github.com/keithlinneman/paf-admin/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	UseRecoverMW bool
	// OnPanic counts recovered panics, may be nil
	OnPanic func()
}
