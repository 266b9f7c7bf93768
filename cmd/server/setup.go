package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/paf-admin/internal/adminhttp"
	"github.com/keithlinneman/paf-admin/internal/cfg"
	"github.com/keithlinneman/paf-admin/internal/health"
	"github.com/keithlinneman/paf-admin/internal/log"
	"github.com/keithlinneman/paf-admin/internal/metrics"
	"github.com/keithlinneman/paf-admin/internal/otelx"
	"github.com/keithlinneman/paf-admin/internal/prof"
	"github.com/keithlinneman/paf-admin/internal/ratelimit"
	"github.com/keithlinneman/paf-admin/internal/settings"
	"github.com/keithlinneman/paf-admin/internal/version"
	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

// setupSettings builds the settings store. With an SSM client the stored
// parameter wins over the built-in defaults and the returned loader is used
// for persistence and polling. A failed initial load is not fatal, the
// watcher keeps retrying in the background.
func setupSettings(ctx context.Context, L log.Logger, conf cfg.App, client *ssm.Client, m *metrics.ServerMetrics) (*settings.Store, *settings.SSMLoader, error) {
	initial := settings.Default()
	if entries := conf.AllowlistEntries(); len(entries) > 0 {
		initial.IPAllowlist = entries
	}

	storeOpts := []settings.StoreOption{
		settings.WithOnUpdate(func(s settings.Settings) {
			m.SetSettingsUpdatedAt(s.UpdatedAt)
			L.Info(context.Background(), "settings updated",
				"updated_at", s.UpdatedAt,
				"allowlist_entries", len(s.IPAllowlist),
				"session_timeout_minutes", s.SessionTimeoutMinutes,
			)
		}),
	}

	var loader *settings.SSMLoader
	if client != nil {
		var err error
		loader, err = settings.NewSSMLoader(settings.SSMOptions{
			Logger: L,
			Client: client,
			Param:  conf.SettingsSSMParam,
			KeyID:  conf.SettingsKMSKeyID,
		})
		if err != nil {
			return nil, nil, xerrors.Wrap(err, "create settings loader")
		}
		storeOpts = append(storeOpts, settings.WithPersister(loader))

		stored, found, err := loader.Load(ctx)
		switch {
		case err != nil:
			L.Error(ctx, err, "failed to load stored settings, starting from defaults", "param", conf.SettingsSSMParam)
		case !found:
			L.Info(ctx, "no stored settings yet, starting from defaults", "param", conf.SettingsSSMParam)
		default:
			if err := settings.Validate(stored); err != nil {
				L.Error(ctx, err, "stored settings are invalid, starting from defaults", "param", conf.SettingsSSMParam)
			} else {
				initial = stored
				L.Info(ctx, "loaded stored settings", "param", conf.SettingsSSMParam, "updated_at", stored.UpdatedAt)
			}
		}
	}

	store, err := settings.NewStore(initial, storeOpts...)
	if err != nil {
		return nil, nil, xerrors.Wrap(err, "create settings store")
	}
	m.SetSettingsUpdatedAt(initial.UpdatedAt)
	return store, loader, nil
}

// limiters groups the per-feature windows and the global per-IP middleware.
type limiters struct {
	check        ratelimit.KeyedLimiter
	batch        ratelimit.KeyedLimiter
	ipMiddleware func(http.Handler) http.Handler
	redis        *redis.Client
}

func (l *limiters) Close() {
	if l.redis != nil {
		_ = l.redis.Close()
	}
}

// redisProbe pings the shared window store. It is nil when the windows are
// in memory, which health.All skips.
func (l *limiters) redisProbe() health.Probe {
	if l.redis == nil {
		return nil
	}
	return health.CheckFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := l.redis.Ping(ctx).Err(); err != nil {
			return xerrors.Wrap(err, "redis")
		}
		return nil
	})
}

// setupLimiters shares the per-feature windows through redis when an address
// is configured and reachable, otherwise they live in process memory.
func setupLimiters(ctx context.Context, L log.Logger, conf cfg.App, m *metrics.ServerMetrics) (*limiters, error) {
	lims := &limiters{}

	if conf.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     conf.RedisAddr,
			Password: conf.RedisPassword,
			DB:       conf.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			L.Error(ctx, err, "redis unreachable, using in-memory rate limit windows", "redis_addr", conf.RedisAddr)
			_ = client.Close()
		} else {
			check, err := ratelimit.NewRedisWindow(client, conf.CheckMaxCalls, conf.CheckWindow,
				ratelimit.WithKeyPrefix("pafadmin:rl:"+adminhttp.FeatureAddressCheck+":"))
			if err != nil {
				_ = client.Close()
				return nil, err
			}
			batch, err := ratelimit.NewRedisWindow(client, conf.BatchMaxCalls, conf.BatchWindow,
				ratelimit.WithKeyPrefix("pafadmin:rl:"+adminhttp.FeatureAddressBatch+":"))
			if err != nil {
				_ = client.Close()
				return nil, err
			}
			if err := check.Load(ctx); err != nil {
				// scripts are loaded lazily on first use as well
				L.Warn(ctx, "failed to preload rate limit script", "error", err)
			}
			lims.check, lims.batch, lims.redis = check, batch, client
			L.Info(ctx, "rate limit windows shared through redis", "redis_addr", conf.RedisAddr)
		}
	}

	if lims.check == nil {
		check, err := newWindowSet(ctx, L, m, adminhttp.FeatureAddressCheck, conf.CheckMaxCalls, conf.CheckWindow)
		if err != nil {
			return nil, err
		}
		batch, err := newWindowSet(ctx, L, m, adminhttp.FeatureAddressBatch, conf.BatchMaxCalls, conf.BatchWindow)
		if err != nil {
			return nil, err
		}
		lims.check, lims.batch = check, batch
	}

	ip := ratelimit.NewIPLimiter(ctx,
		ratelimit.WithRate(conf.IPRate, conf.IPBurst),
		// only log the first time an ip is denied each time it is cleaned from the map
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "feature", "ip", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity("ip")
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)
	lims.ipMiddleware = ratelimit.Middleware(ip, ratelimit.MiddlewareOptions{
		Feature:  "ip",
		OnDenied: func(string) { m.IncRateLimitDenied("ip") },
	})
	return lims, nil
}

func newWindowSet(ctx context.Context, L log.Logger, m *metrics.ServerMetrics, feature string, maxCalls int, window time.Duration) (*ratelimit.WindowSet, error) {
	ws, err := ratelimit.NewWindowSet(ctx, maxCalls, window,
		ratelimit.WithFirstDenied(func(key string) {
			L.Warn(ctx, "rate limit triggered", "feature", feature, "ip", key)
		}),
		ratelimit.WithCapacityReached(func() {
			m.IncRateLimitCapacity(feature)
			L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted", "feature", feature)
		}),
	)
	if err != nil {
		return nil, xerrors.Wrapf(err, "create %s limiter", feature)
	}
	return ws, nil
}

// startTelemetry starts pyroscope and the tracer provider. Neither is fatal,
// the service runs untraced or unprofiled. The returned func flushes spans
// and stops the profiler, it is safe to call more than once.
func startTelemetry(ctx context.Context, L log.Logger, conf cfg.App, vi version.Info, m *metrics.ServerMetrics) func(context.Context) error {
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       version.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)

	// the collector is on localhost, plaintext is fine
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   version.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed, tracing disabled")
		shutdownOTEL = func(context.Context) error { return nil }
	}

	var once sync.Once
	var stopErr error
	return func(sctx context.Context) error {
		once.Do(func() {
			stopErr = shutdownOTEL(sctx)
			stopProf()
		})
		return stopErr
	}
}
