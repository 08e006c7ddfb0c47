package postgres

import (
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if cfg.PingTimeout != 2*time.Second {
		t.Fatalf("unexpected ping timeout: %v", cfg.PingTimeout)
	}
}

func TestConfigValidateRejectsIdleAboveOpen(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	cfg.MaxIdleConns = cfg.MaxOpenConns + 1
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}
