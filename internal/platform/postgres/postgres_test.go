package postgres

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "DATABASE_MAX_OPEN_CONNS", "DATABASE_PING_TIMEOUT"} {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.URL != defaultURL || cfg.MaxOpenConns != 10 || cfg.PingTimeout != 2*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestConfigValidate(t *testing.T) {
	base := Config{URL: defaultURL, PingTimeout: time.Second, MaxOpenConns: 4, MaxIdleConns: 2}
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(*Config) {}, true},
		{"missing url", func(c *Config) { c.URL = "" }, false},
		{"zero ping timeout", func(c *Config) { c.PingTimeout = 0 }, false},
		{"idle above open", func(c *Config) { c.MaxIdleConns = 5 }, false},
		{"negative lifetime", func(c *Config) { c.ConnMaxLifetime = -time.Second }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); (err == nil) != tc.ok {
				t.Fatalf("Validate() err=%v, ok=%v", err, tc.ok)
			}
		})
	}
}

func TestConfigFromEnvRejectsBadNumbers(t *testing.T) {
	t.Setenv("DATABASE_MAX_OPEN_CONNS", "many")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestPingWithoutDatabase(t *testing.T) {
	if err := Ping(context.Background(), nil, time.Second); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
