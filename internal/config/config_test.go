package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.MaxConcurrentCalls != 50 {
		t.Fatalf("MaxConcurrentCalls = %d, want 50", cfg.MaxConcurrentCalls)
	}
	if cfg.TurnBudget != 2*time.Second {
		t.Fatalf("TurnBudget = %v, want 2s", cfg.TurnBudget)
	}
	if cfg.KBMatchFloor != 0.6 {
		t.Fatalf("KBMatchFloor = %v, want 0.6", cfg.KBMatchFloor)
	}
	if cfg.KBPolicy.MaxAttempts != 3 {
		t.Fatalf("KBPolicy.MaxAttempts = %d, want 3", cfg.KBPolicy.MaxAttempts)
	}
	if cfg.TicketLookupByPhone {
		t.Fatalf("TicketLookupByPhone should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_CALLS", "80")
	t.Setenv("SILENCE_TIMEOUT", "900ms")
	t.Setenv("KB_MATCH_FLOOR", "0.75")
	t.Setenv("KB_MAX_ATTEMPTS", "5")
	t.Setenv("TICKET_LOOKUP_BY_PHONE", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxConcurrentCalls != 80 {
		t.Fatalf("MaxConcurrentCalls = %d, want 80", cfg.MaxConcurrentCalls)
	}
	if cfg.SilenceTimeout != 900*time.Millisecond {
		t.Fatalf("SilenceTimeout = %v, want 900ms", cfg.SilenceTimeout)
	}
	if cfg.KBMatchFloor != 0.75 {
		t.Fatalf("KBMatchFloor = %v, want 0.75", cfg.KBMatchFloor)
	}
	if cfg.KBPolicy.MaxAttempts != 5 {
		t.Fatalf("KBPolicy.MaxAttempts = %d, want 5", cfg.KBPolicy.MaxAttempts)
	}
	if cfg.NLUPolicy.MaxAttempts != 3 {
		t.Fatalf("NLUPolicy.MaxAttempts = %d, want default 3", cfg.NLUPolicy.MaxAttempts)
	}
	if !cfg.TicketLookupByPhone {
		t.Fatalf("TicketLookupByPhone should be true")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"MAX_CONCURRENT_CALLS": "0",
		"SESSION_IDLE_TIMEOUT": "1s",
		"KB_MATCH_FLOOR":       "1.5",
		"KB_MAX_ATTEMPTS":      "0",
		"SILENCE_TIMEOUT":      "not-a-duration",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s should fail", key, val)
			}
		})
	}
}
