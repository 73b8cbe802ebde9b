package config

import (
	"testing"
	"time"
)

func TestValidateRenewalConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*RenewalConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*RenewalConfig) {}},
		{name: "zero lookahead allowed", mutate: func(c *RenewalConfig) { c.Lookahead = 0 }},
		{name: "negative lookahead", mutate: func(c *RenewalConfig) { c.Lookahead = -time.Hour }, wantErr: true},
		{name: "zero cooldown", mutate: func(c *RenewalConfig) { c.RetryCooldown = 0 }, wantErr: true},
		{name: "zero attempts", mutate: func(c *RenewalConfig) { c.MaxAttempts = 0 }, wantErr: true},
		{name: "zero gateway timeout", mutate: func(c *RenewalConfig) { c.GatewayTimeout = 0 }, wantErr: true},
		{name: "zero lock ttl", mutate: func(c *RenewalConfig) { c.LockTTL = 0 }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultRenewalConfig()
			tc.mutate(&cfg)
			err := ValidateRenewalConfig(cfg)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestStaticRenewalConfigHolder(t *testing.T) {
	cfg := DefaultRenewalConfig()
	cfg.MaxAttempts = 5
	holder := NewStaticRenewalConfigHolder(cfg)
	if got := holder.Get().MaxAttempts; got != 5 {
		t.Fatalf("expected 5 max attempts, got %d", got)
	}
}
