package cfg

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/paf-admin/internal/log"
	"github.com/keithlinneman/paf-admin/internal/validate"
)

// EnvPrefix is prepended to every flag name when reading the environment.
const EnvPrefix = "PAFADMIN_"

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	// TrustedHops is the number of reverse proxies in front of the public listener
	TrustedHops  int
	MaxBodyBytes int64

	// per-feature sliding windows and the global per-IP token bucket
	CheckMaxCalls int
	CheckWindow   time.Duration
	BatchMaxCalls int
	BatchWindow   time.Duration
	IPRate        float64
	IPBurst       int

	// settings persistence, empty SSM parameter keeps settings in memory only
	SettingsSSMParam     string
	SettingsKMSKeyID     string
	SettingsPollInterval time.Duration
	// InitialAllowlist seeds the allowlist when no stored settings exist,
	// comma or newline separated CIDRs
	InitialAllowlist string

	// BatchS3Bucket enables POST /api/v1/addresses/batch/s3 when set
	BatchS3Bucket string
	BatchS3Prefix string

	// RedisAddr moves the per-feature windows into redis when set
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "reverse proxies in front of the http port (0 ignores X-Forwarded-For)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64<<10, "max request body size in bytes")

	fs.IntVar(&c.CheckMaxCalls, "check-max-calls", 10, "address checks allowed per client per check-window")
	fs.DurationVar(&c.CheckWindow, "check-window", time.Minute, "sliding window for address checks")
	fs.IntVar(&c.BatchMaxCalls, "batch-max-calls", 3, "batch validations allowed per client per batch-window")
	fs.DurationVar(&c.BatchWindow, "batch-window", time.Minute, "sliding window for batch validations")
	fs.Float64Var(&c.IPRate, "ip-rate", 10, "per-IP token refill rate (requests/second) across the whole API")
	fs.IntVar(&c.IPBurst, "ip-burst", 30, "per-IP token bucket size")

	fs.StringVar(&c.SettingsSSMParam, "settings-ssm-param", "", "ssm SecureString parameter holding the settings JSON (empty keeps settings in memory)")
	fs.StringVar(&c.SettingsKMSKeyID, "settings-kms-key-id", "", "KMS key id used to encrypt the settings parameter (default aws/ssm key)")
	fs.DurationVar(&c.SettingsPollInterval, "settings-poll-interval", 30*time.Second, "how often to reload settings from ssm")
	fs.StringVar(&c.InitialAllowlist, "initial-allowlist", "", "comma separated CIDRs used when no stored settings exist")

	fs.StringVar(&c.BatchS3Bucket, "batch-s3-bucket", "", "s3 bucket holding uploaded address batches (empty disables batch/s3)")
	fs.StringVar(&c.BatchS3Prefix, "batch-s3-prefix", "uploads/address-batches", "s3 prefix (key) for uploaded address batches")

	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for shared rate-limit windows (empty keeps them in memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
}

// LoadDotEnv loads KEY=value pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// AllowlistEntries splits InitialAllowlist into trimmed, non-empty CIDRs.
func (c App) AllowlistEntries() []string {
	var out []string
	for _, f := range strings.FieldsFunc(c.InitialAllowlist, func(r rune) bool { return r == ',' || r == '\n' }) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// problems collects every invalid field so one run reports them all.
type problems []error

func (p *problems) check(ok bool, format string, args ...any) {
	if !ok {
		*p = append(*p, fmt.Errorf(format, args...))
	}
}

func hostPort(s string) bool {
	_, _, err := net.SplitHostPort(s)
	return err == nil
}

func validPort(n int) bool { return n >= 1 && n <= 65535 }

// Validate reports every out-of-range or malformed field, joined.
func Validate(c App) error {
	var p problems
	c.checkListeners(&p)
	c.checkObservability(&p)
	c.checkLimits(&p)
	c.checkSettings(&p)
	return errors.Join(p...)
}

func (c App) checkListeners(p *problems) {
	p.check(validPort(c.HTTPPort), "invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	p.check(validPort(c.AdminPort), "invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	p.check(c.AdminPort != c.HTTPPort, "ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	p.check(c.TrustedHops >= 0 && c.TrustedHops <= 10, "invalid TRUSTED_HOPS %d (must be 0..10)", c.TrustedHops)
	p.check(c.MaxBodyBytes >= 1<<10 && c.MaxBodyBytes <= 10<<20, "invalid MAX_BODY_BYTES %d (must be 1KiB..10MiB)", c.MaxBodyBytes)
}

func (c App) checkObservability(p *problems) {
	_, err := log.ParseLevel(c.LogLevel)
	p.check(err == nil, "invalid LOG_LEVEL %q", c.LogLevel)
	if c.StacktraceLevel != "" {
		_, err := log.ParseLevel(c.StacktraceLevel)
		p.check(err == nil, "invalid STACKTRACE_LEVEL %q", c.StacktraceLevel)
	}
	p.check(c.TraceSample >= 0 && c.TraceSample <= 1, "invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	if c.IncludeErrorLinks {
		p.check(c.MaxErrorLinks >= 1 && c.MaxErrorLinks <= 64, "MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.EnablePyroscope {
		u, err := url.Parse(c.PyroServer)
		p.check(c.PyroServer != "", "PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		p.check(c.PyroServer == "" || (err == nil && u.Scheme != "" && u.Host != ""), "PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		p.check(c.PyroTenantID != "", "PYRO_TENANT required when ENABLE_PYROSCOPE=true")
	}
	// the grpc exporter wants host:port without a scheme
	if c.EnableTracing {
		p.check(c.OTLPEndpoint != "", "OTLP_ENDPOINT required when ENABLE_TRACING=true")
		p.check(c.OTLPEndpoint == "" || hostPort(c.OTLPEndpoint), "OTLP_ENDPOINT must be host:port (got %q)", c.OTLPEndpoint)
	}
}

func (c App) checkLimits(p *problems) {
	p.check(c.CheckMaxCalls > 0, "CHECK_MAX_CALLS must be > 0 (got %d)", c.CheckMaxCalls)
	p.check(c.CheckWindow >= time.Second, "CHECK_WINDOW must be >= 1s (got %s)", c.CheckWindow)
	p.check(c.BatchMaxCalls > 0, "BATCH_MAX_CALLS must be > 0 (got %d)", c.BatchMaxCalls)
	p.check(c.BatchWindow >= time.Second, "BATCH_WINDOW must be >= 1s (got %s)", c.BatchWindow)
	p.check(c.IPRate > 0, "IP_RATE must be > 0 (got %g)", c.IPRate)
	p.check(c.IPBurst > 0, "IP_BURST must be > 0 (got %d)", c.IPBurst)
	if c.RedisAddr != "" {
		p.check(hostPort(c.RedisAddr), "REDIS_ADDR must be host:port (got %q)", c.RedisAddr)
		p.check(c.RedisDB >= 0, "REDIS_DB must be >= 0 (got %d)", c.RedisDB)
	}
}

func (c App) checkSettings(p *problems) {
	if c.SettingsSSMParam != "" {
		p.check(strings.HasPrefix(c.SettingsSSMParam, "/"), "SETTINGS_SSM_PARAM must be an absolute parameter path (got %q)", c.SettingsSSMParam)
		p.check(c.SettingsPollInterval >= 5*time.Second, "SETTINGS_POLL_INTERVAL must be >= 5s (got %s)", c.SettingsPollInterval)
	} else {
		p.check(c.SettingsKMSKeyID == "", "SETTINGS_KMS_KEY_ID requires SETTINGS_SSM_PARAM")
	}
	for _, e := range c.AllowlistEntries() {
		p.check(validate.IsValidCIDR(e), "INITIAL_ALLOWLIST entry %q is not an IPv4 CIDR", e)
	}
}
