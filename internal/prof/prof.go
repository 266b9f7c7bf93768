// Package prof pushes continuous profiles to Pyroscope. The limiter maps
// and batch checks are the hot paths worth watching, so mutex and block
// profiles are on alongside CPU and heap.
package prof

import (
	"context"
	"runtime"

	"github.com/grafana/pyroscope-go"

	"github.com/keithlinneman/paf-admin/internal/log"
	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

const (
	defaultMutexFraction = 5
	defaultBlockRate     = 10000 // ns
)

type Options struct {
	Enabled       bool
	AppName       string
	ServerAddress string
	TenantID      string
	Tags          map[string]string
}

var profileTypes = []pyroscope.ProfileType{
	pyroscope.ProfileCPU,
	pyroscope.ProfileAllocObjects,
	pyroscope.ProfileAllocSpace,
	pyroscope.ProfileInuseObjects,
	pyroscope.ProfileInuseSpace,
	pyroscope.ProfileGoroutines,
	pyroscope.ProfileMutexCount,
	pyroscope.ProfileMutexDuration,
	pyroscope.ProfileBlockCount,
	pyroscope.ProfileBlockDuration,
}

// config maps Options onto the agent config.
func config(o Options) (pyroscope.Config, error) {
	if o.ServerAddress == "" {
		return pyroscope.Config{}, xerrors.New("pyroscope server address is empty")
	}
	return pyroscope.Config{
		ApplicationName: o.AppName,
		ServerAddress:   o.ServerAddress,
		TenantID:        o.TenantID,
		Tags:            o.Tags,
		ProfileTypes:    profileTypes,
	}, nil
}

// Start runs the profiler until the returned stop is called. stop is never
// nil and is safe to call when Start failed or profiling is off.
func Start(ctx context.Context, opts Options) (func(), error) {
	L := log.FromContext(ctx)
	if !opts.Enabled {
		L.Info(ctx, "pyroscope disabled")
		return func() {}, nil
	}

	cfg, err := config(opts)
	if err != nil {
		return func() {}, err
	}

	runtime.SetMutexProfileFraction(defaultMutexFraction)
	runtime.SetBlockProfileRate(defaultBlockRate)
	p, err := pyroscope.Start(cfg)
	if err != nil {
		return func() {}, xerrors.Wrapf(err, "start pyroscope agent for %s", opts.ServerAddress)
	}
	L.Info(ctx, "pyroscope started", "server_address", opts.ServerAddress)

	return func() {
		_ = p.Stop()
		L.Info(context.Background(), "pyroscope stopped")
	}, nil
}
