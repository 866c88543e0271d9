package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"

	"tunecache/internal/core"
)

func TestConfigureProviders_BlanketTimeoutOverride(t *testing.T) {
	viper.Set("provider-timeout-ms", 1234)
	defer viper.Set("provider-timeout-ms", 0)

	cfg := core.DefaultConfig()
	configureProviders(cfg)

	want := 1234 * time.Millisecond
	if cfg.Providers.Engine.Timeout != want {
		t.Errorf("Engine.Timeout = %v, want %v", cfg.Providers.Engine.Timeout, want)
	}
	if cfg.Providers.Relay.Timeout != want {
		t.Errorf("Relay.Timeout = %v, want %v", cfg.Providers.Relay.Timeout, want)
	}
	if cfg.Providers.Catalog.Timeout != want {
		t.Errorf("Catalog.Timeout = %v, want %v", cfg.Providers.Catalog.Timeout, want)
	}
}

func TestConfigureProviders_PerProviderTimeoutsByDefault(t *testing.T) {
	viper.Set("provider-timeout-ms", 0)

	cfg := core.DefaultConfig()
	configureProviders(cfg)

	if cfg.Providers.Engine.Timeout == cfg.Providers.Relay.Timeout {
		t.Error("Per-provider timeouts collapsed without a blanket override")
	}
}
