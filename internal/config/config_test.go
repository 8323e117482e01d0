package config

import (
	"testing"
	"time"
)

func TestTypedGetters(t *testing.T) {
	t.Setenv("LAB_TEST_STRING", "  value ")
	t.Setenv("LAB_TEST_INT", "7")
	t.Setenv("LAB_TEST_BAD_INT", "seven")
	t.Setenv("LAB_TEST_DURATION", "1m30s")
	t.Setenv("LAB_TEST_SECONDS", "45")
	t.Setenv("LAB_TEST_BOOL", "Yes")
	t.Setenv("LAB_TEST_SLICE", "a, b;c")

	if got := String("LAB_TEST_STRING", "x"); got != "value" {
		t.Fatalf("String = %q", got)
	}
	if got := String("LAB_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("String fallback = %q", got)
	}
	if got := Int("LAB_TEST_INT", 1); got != 7 {
		t.Fatalf("Int = %d", got)
	}
	if got := Int("LAB_TEST_BAD_INT", 3); got != 3 {
		t.Fatalf("Int fallback = %d", got)
	}
	if got := Duration("LAB_TEST_DURATION", 0); got != 90*time.Second {
		t.Fatalf("Duration = %s", got)
	}
	if got := Duration("LAB_TEST_SECONDS", 0); got != 45*time.Second {
		t.Fatalf("Duration seconds = %s", got)
	}
	if !Bool("LAB_TEST_BOOL", false) {
		t.Fatalf("Bool should be true")
	}
	if got := StringSlice("LAB_TEST_SLICE"); len(got) != 3 || got[2] != "c" {
		t.Fatalf("StringSlice = %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvCaptureWorkers, "")
	t.Setenv(EnvNativeTimeout, "5s")
	t.Setenv(EnvDeviceAllowlist, "s1 s2")

	s := Load()
	if s.CaptureWorkers != 2 || s.NativeTimeout != 5*time.Second {
		t.Fatalf("unexpected settings %+v", s)
	}
	if len(s.DeviceAllowlist) != 2 {
		t.Fatalf("unexpected allowlist %v", s.DeviceAllowlist)
	}
	if s.AgentName == "" {
		t.Fatalf("agent name should default to the hostname")
	}
}
