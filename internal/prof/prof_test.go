package prof

import (
	"context"
	"testing"
)

func TestStart_Disabled(t *testing.T) {
	stop, err := Start(context.Background(), Options{ServerAddress: "http://pyroscope.internal:4040"})
	if err != nil || stop == nil {
		t.Fatalf("stop nil=%t err=%v", stop == nil, err)
	}
	stop()
}

func TestStart_MissingServer(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: true, AppName: "pafadmin"})
	if err == nil {
		t.Fatal("expected an error without a server address")
	}
	// main defers stop unconditionally
	stop()
	stop()
}

func TestConfig(t *testing.T) {
	tags := map[string]string{"component": "server", "version": "v1.4.0"}
	cfg, err := config(Options{
		AppName:       "pafadmin",
		ServerAddress: "http://pyroscope.internal:4040",
		TenantID:      "ops",
		Tags:          tags,
	})
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ApplicationName != "pafadmin" || cfg.TenantID != "ops" || cfg.Tags["version"] != "v1.4.0" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.ProfileTypes) != len(profileTypes) {
		t.Fatalf("profile types = %v", cfg.ProfileTypes)
	}
}
