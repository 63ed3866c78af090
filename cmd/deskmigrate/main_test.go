package main

import (
	"os"
	"testing"
	"time"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("DESKMIGRATE_TEST_INT", "42")
	got := intEnv("DESKMIGRATE_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("DESKMIGRATE_TEST_INT_BAD", "not-a-number")
	got := intEnv("DESKMIGRATE_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestInt64EnvParsesValue(t *testing.T) {
	t.Setenv("DESKMIGRATE_TEST_INT64", "1048576")
	got := int64Env("DESKMIGRATE_TEST_INT64", 1)
	if got != 1048576 {
		t.Fatalf("expected 1048576, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("DESKMIGRATE_TEST_DURATION", "150ms")
	got := durationEnv("DESKMIGRATE_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("DESKMIGRATE_TEST_DURATION_BAD", "soon")
	got := durationEnv("DESKMIGRATE_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("DESKMIGRATE_TEST_INT_UNSET")
	_ = os.Unsetenv("DESKMIGRATE_TEST_DURATION_UNSET")

	if got := intEnv("DESKMIGRATE_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("DESKMIGRATE_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestUserAgentOverride(t *testing.T) {
	t.Setenv("DESKMIGRATE_USER_AGENT", "custom-agent/2.0")
	if got := userAgent(); got != "custom-agent/2.0" {
		t.Fatalf("expected custom-agent/2.0, got %s", got)
	}
	t.Setenv("DESKMIGRATE_USER_AGENT", "")
	if got := userAgent(); got != "deskmigrate/1.0" {
		t.Fatalf("expected default user agent, got %s", got)
	}
}
