package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/paf-admin/internal/address"
	"github.com/keithlinneman/paf-admin/internal/adminhttp"
	"github.com/keithlinneman/paf-admin/internal/cfg"
	"github.com/keithlinneman/paf-admin/internal/health"
	"github.com/keithlinneman/paf-admin/internal/httpmw"
	"github.com/keithlinneman/paf-admin/internal/httpserver"
	"github.com/keithlinneman/paf-admin/internal/log"
	"github.com/keithlinneman/paf-admin/internal/metrics"
	"github.com/keithlinneman/paf-admin/internal/opshttp"
	"github.com/keithlinneman/paf-admin/internal/settings"
	v "github.com/keithlinneman/paf-admin/internal/version"
	"github.com/keithlinneman/paf-admin/internal/xerrors"
)

const (
	// drainPeriod gives the load balancer time to see readiness fail
	drainPeriod = 15 * time.Second
	// stopTimeout bounds listener shutdown and trace flushing
	stopTimeout = 10 * time.Second
)

func main() {
	conf, ok := loadConfig()
	if !ok {
		return
	}
	if err := run(conf); err != nil {
		fmt.Fprintln(os.Stderr, "pafadmin:", err)
		os.Exit(1)
	}
}

// loadConfig applies flags, then .env, then PAFADMIN_* variables and
// validates the result. It exits on bad config and returns false after -V.
func loadConfig() (cfg.App, bool) {
	var conf cfg.App
	cfg.Register(flag.CommandLine, &conf)
	showVersion := flag.Bool("V", false, "Print version+build information and exit")
	envFile := flag.String("env-file", ".env", "optional dotenv file read before the environment")
	flag.Parse()

	if *showVersion {
		fmt.Println(v.Get().String())
		return conf, false
	}

	warn := func(format string, args ...any) { fmt.Fprintf(os.Stderr, format+"\n", args...) }
	err := cfg.LoadDotEnv(*envFile)
	if err == nil {
		cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, warn)
		err = cfg.Validate(conf)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}
	return conf, true
}

func newLogger(conf cfg.App, vi v.Info) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	// Validate has already rejected a bad stacktrace level
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = lvl
	}
	opts := log.Options{
		App:        v.AppName,
		Version:    vi.Version,
		Level:      lvl,
		StackLevel: stackLvl,
		JSON:       conf.LogJSON,
	}
	if conf.IncludeErrorLinks {
		opts.ErrorLinks = conf.MaxErrorLinks
	}
	return log.New(opts)
}

// awsClients loads the default credential chain only when a feature needs it.
func awsClients(ctx context.Context, conf cfg.App) (*ssm.Client, *s3.Client, error) {
	if conf.SettingsSSMParam == "" && conf.BatchS3Bucket == "" {
		return nil, nil, nil
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, nil, xerrors.Wrap(err, "load aws config")
	}
	var ssmClient *ssm.Client
	var s3Client *s3.Client
	if conf.SettingsSSMParam != "" {
		ssmClient = ssm.NewFromConfig(awsCfg)
	}
	if conf.BatchS3Bucket != "" {
		s3Client = s3.NewFromConfig(awsCfg)
	}
	return ssmClient, s3Client, nil
}

func run(conf cfg.App) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()
	lg, err := newLogger(conf, vi)
	if err != nil {
		return xerrors.Wrap(err, "logger")
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application", append(vi.LogFields(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"trusted_hops", conf.TrustedHops,
		"check_limit", fmt.Sprintf("%d/%s", conf.CheckMaxCalls, conf.CheckWindow),
		"batch_limit", fmt.Sprintf("%d/%s", conf.BatchMaxCalls, conf.BatchWindow),
		"ip_rate", conf.IPRate,
		"ip_burst", conf.IPBurst,
		"settings_ssm_param", conf.SettingsSSMParam,
		"batch_s3_bucket", conf.BatchS3Bucket,
		"redis_addr", conf.RedisAddr,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)...)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	stopTelemetry := startTelemetry(ctx, L, conf, vi, m)
	defer stopTelemetry(context.Background())

	ssmClient, s3Client, err := awsClients(ctx, conf)
	if err != nil {
		return err
	}

	store, loader, err := setupSettings(ctx, L, conf, ssmClient, m)
	if err != nil {
		return err
	}
	if loader != nil {
		go settings.NewWatcher(settings.WatcherOptions{
			Logger:       L,
			Source:       loader,
			Store:        store,
			PollInterval: conf.SettingsPollInterval,
			Metrics:      m,
		}).Run(ctx)
	}

	lims, err := setupLimiters(ctx, L, conf, m)
	if err != nil {
		return err
	}
	defer lims.Close()

	apiOpts := adminhttp.Options{
		Logger:       L,
		Settings:     store,
		CheckLimiter: lims.check,
		BatchLimiter: lims.batch,
		Metrics:      m,
		MaxBodyBytes: conf.MaxBodyBytes,
	}
	if s3Client != nil {
		src, err := address.NewS3Source(address.S3SourceOptions{
			Logger: L,
			Client: s3Client,
			Bucket: conf.BatchS3Bucket,
			Prefix: conf.BatchS3Prefix,
		})
		if err != nil {
			return xerrors.Wrap(err, "s3 batch source")
		}
		apiOpts.Batches = src
	}
	api, err := adminhttp.New(apiOpts)
	if err != nil {
		return xerrors.Wrap(err, "admin api")
	}

	// only draining fails public readiness, the ops listener also reports a
	// lost redis connection
	var gate health.ShutdownGate

	stopApp, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    gate.Probe(),
		APIRoutes:    api.RegisterRoutes,
		UseRecoverMW: true,
		OnPanic:      m.IncPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  lims.ipMiddleware,
		AllowlistMW:  httpmw.Allowlist(store.Allowlist, func(string) { m.IncAllowlistDenied() }),
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		SettingsInfo: store,
		MaxBodyBytes: conf.MaxBodyBytes,
	})
	if err != nil {
		return err
	}
	defer stopApp(context.Background())

	stopOps, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    health.All(gate.Probe(), lims.redisProbe()),
		UseRecoverMW: true,
		OnPanic:      m.IncPanic,
	})
	if err != nil {
		return err
	}
	defer stopOps(context.Background())

	if err := notifySystemd(); err != nil {
		// systemd kills the unit after its start timeout at worst
		L.Warn(ctx, "systemd notify skipped", "reason", err.Error())
	}

	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received, draining", "drain", drainPeriod.String())
	gate.Set("draining")
	drain(bg, L)

	sctx, cancel := context.WithTimeout(bg, stopTimeout)
	defer cancel()
	for _, part := range []struct {
		name string
		stop func(context.Context) error
	}{
		{"app http", stopApp},
		{"ops http", stopOps},
		{"telemetry", stopTelemetry},
	} {
		if err := part.stop(sctx); err != nil {
			L.Error(bg, err, "shutdown failed", "part", part.name)
		}
	}
	L.Info(bg, "shutdown complete")
	return nil
}

// drain waits out drainPeriod. A second signal skips the wait.
func drain(ctx context.Context, L log.Logger) {
	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)
	select {
	case <-time.After(drainPeriod):
	case <-again:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// notifySystemd sends READY=1 when started as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "dial notify socket")
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return xerrors.Wrap(err, "write notify socket")
	}
	return nil
}
