package cfg

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

// load registers on a fresh FlagSet, parses args, then applies env with
// prefix. Messages from FillFromEnv are returned.
func load(t *testing.T, prefix string, args ...string) (App, []string) {
	t.Helper()
	fs := flag.NewFlagSet("pafadmin", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	var msgs []string
	if prefix != "" {
		FillFromEnv(fs, prefix, func(format string, a ...any) {
			msgs = append(msgs, fmt.Sprintf(format, a...))
		})
	}
	return c, msgs
}

func TestRegister_Defaults(t *testing.T) {
	c, _ := load(t, "")
	if !c.LogJSON || c.LogLevel != "info" || c.StacktraceLevel != "error" || !c.IncludeErrorLinks {
		t.Errorf("logging defaults = %+v", c)
	}
	if c.HTTPPort != 8080 || c.AdminPort != 9000 || c.TrustedHops != 0 || c.MaxBodyBytes != 64<<10 {
		t.Errorf("listener defaults = %+v", c)
	}
	if c.CheckMaxCalls != 10 || c.CheckWindow != time.Minute || c.BatchMaxCalls != 3 || c.BatchWindow != time.Minute {
		t.Errorf("limit defaults: check %d/%s batch %d/%s", c.CheckMaxCalls, c.CheckWindow, c.BatchMaxCalls, c.BatchWindow)
	}
	if c.SettingsSSMParam != "" || c.RedisAddr != "" || c.BatchS3Bucket != "" {
		t.Error("optional backends should be off by default")
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestFillFromEnv_Precedence(t *testing.T) {
	const pfx = "PAFADMIN_TEST_"
	t.Setenv(pfx+"CHECK_MAX_CALLS", "25")
	t.Setenv(pfx+"BATCH_WINDOW", "2m")
	t.Setenv(pfx+"TRUSTED_HOPS", "1")
	t.Setenv(pfx+"ENABLE_PPROF", "false")
	t.Setenv(pfx+"INITIAL_ALLOWLIST", "10.0.0.0/8,192.168.0.0/16")
	t.Setenv(pfx+"REDIS_ADDR", "redis:6379")
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"IP_BURST", "lots")

	c, msgs := load(t, pfx, "-http-port=9090")

	if c.CheckMaxCalls != 25 || c.BatchWindow != 2*time.Minute || c.TrustedHops != 1 || c.EnablePprof {
		t.Errorf("env not applied: %+v", c)
	}
	if c.InitialAllowlist != "10.0.0.0/8,192.168.0.0/16" || c.RedisAddr != "redis:6379" {
		t.Errorf("env strings not applied: %+v", c)
	}
	if c.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, cli should win over env", c.HTTPPort)
	}
	if c.IPBurst != 30 {
		t.Errorf("IPBurst = %d, invalid env should keep the default", c.IPBurst)
	}

	slices.Sort(msgs)
	if len(msgs) != 2 || !strings.Contains(msgs[0], "cli value") || !strings.Contains(msgs[1], "ignoring invalid env PAFADMIN_TEST_IP_BURST") {
		t.Fatalf("messages = %q", msgs)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "full observability stack",
			args: []string{"-enable-pyroscope", "-pyro-server=https://pyro:4040", "-pyro-tenant=ops",
				"-enable-tracing", "-otlp-endpoint=127.0.0.1:4317", "-trace-sample=0.2"},
		},
		{
			name: "listeners",
			args: []string{"-http-port=0", "-admin-port=0", "-trusted-hops=11", "-max-body-bytes=10"},
			want: []string{"invalid HTTP_PORT", "invalid ADMIN_PORT", "must differ", "TRUSTED_HOPS", "MAX_BODY_BYTES"},
		},
		{
			name: "observability",
			args: []string{"-log-level=loud", "-stacktrace-level=never", "-trace-sample=2",
				"-enable-pyroscope", "-pyro-server=pyro", "-enable-tracing", "-otlp-endpoint=otel", "-max-error-links=0"},
			want: []string{"LOG_LEVEL", "STACKTRACE_LEVEL", "TRACE_SAMPLE", "PYRO_SERVER must be a URL", "PYRO_TENANT", "OTLP_ENDPOINT must be host:port", "MAX_ERROR_LINKS"},
		},
		{
			name: "missing endpoints",
			args: []string{"-enable-pyroscope", "-pyro-tenant=ops", "-enable-tracing"},
			want: []string{"PYRO_SERVER required", "OTLP_ENDPOINT required"},
		},
		{
			name: "limits",
			args: []string{"-check-max-calls=0", "-check-window=10ms", "-batch-max-calls=-1", "-batch-window=0s",
				"-ip-rate=0", "-ip-burst=0", "-redis-addr=redis", "-redis-db=-1"},
			want: []string{"CHECK_MAX_CALLS", "CHECK_WINDOW", "BATCH_MAX_CALLS", "BATCH_WINDOW", "IP_RATE", "IP_BURST", "REDIS_ADDR", "REDIS_DB"},
		},
		{
			name: "settings",
			args: []string{"-settings-ssm-param=pafadmin/settings", "-settings-poll-interval=1s", "-initial-allowlist=10.0.0.0/8, 300.0.0.0/8"},
			want: []string{"SETTINGS_SSM_PARAM must be an absolute", "SETTINGS_POLL_INTERVAL", `INITIAL_ALLOWLIST entry "300.0.0.0/8"`},
		},
		{
			name: "kms key without parameter",
			args: []string{"-settings-kms-key-id=alias/pafadmin"},
			want: []string{"SETTINGS_KMS_KEY_ID requires SETTINGS_SSM_PARAM"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := load(t, "", tt.args...)
			err := Validate(c)
			if len(tt.want) == 0 {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate returned nil")
			}
			for _, sub := range tt.want {
				if !strings.Contains(err.Error(), sub) {
					t.Errorf("missing %q in:\n%v", sub, err)
				}
			}
			if strings.Contains(err.Error(), `"10.0.0.0/8"`) {
				t.Errorf("valid allowlist entry reported: %v", err)
			}
		})
	}
}

func TestAllowlistEntries(t *testing.T) {
	c := App{InitialAllowlist: " 10.0.0.0/8,,192.168.0.0/16\n172.16.0.0/12 , "}
	want := []string{"10.0.0.0/8", "192.168.0.0/16", "172.16.0.0/12"}
	if got := c.AllowlistEntries(); !slices.Equal(got, want) {
		t.Fatalf("AllowlistEntries() = %q, want %q", got, want)
	}
	if (App{}).AllowlistEntries() != nil {
		t.Error("empty allowlist should yield nil")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	body := "PAFADMIN_DOTENV_REDIS_ADDR=redis:6379\nPAFADMIN_DOTENV_LOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PAFADMIN_DOTENV_LOG_LEVEL", "warn")
	t.Cleanup(func() { os.Unsetenv("PAFADMIN_DOTENV_REDIS_ADDR") })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	c, _ := load(t, "PAFADMIN_DOTENV_")
	if c.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q, want value from .env", c.RedisAddr)
	}
	if c.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, the environment should win over .env", c.LogLevel)
	}
}

func TestLoadDotEnv_Errors(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if err := LoadDotEnv(""); err != nil {
		t.Fatalf("empty path: %v", err)
	}
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BAD-KEY=value\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := LoadDotEnv(path); err == nil {
		t.Fatal("malformed file should fail")
	}
}
