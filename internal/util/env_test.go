package util

import (
	"testing"
	"time"
)

func TestGetEnvOrDefault(t *testing.T) {
	t.Setenv("BOTFLOW_TEST_STR", "value")
	if got := GetEnvOrDefault("BOTFLOW_TEST_STR", "fallback"); got != "value" {
		t.Errorf("got %q, want value", got)
	}
	if got := GetEnvOrDefault("BOTFLOW_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
}

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"YES", false, true},
		{"on", false, true},
		{"false", true, false},
		{"0", true, false},
		{"no", true, false},
		{"off", true, false},
		{"maybe", true, true},
		{"maybe", false, false},
		{"", true, true},
	}
	for _, tc := range cases {
		t.Setenv("BOTFLOW_TEST_BOOL", tc.value)
		if got := ParseBoolEnv("BOTFLOW_TEST_BOOL", tc.def); got != tc.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("BOTFLOW_TEST_INT", "42")
	if got := ParseIntEnv("BOTFLOW_TEST_INT", 7); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	t.Setenv("BOTFLOW_TEST_INT", "not a number")
	if got := ParseIntEnv("BOTFLOW_TEST_INT", 7); got != 7 {
		t.Errorf("got %d, want default 7", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("BOTFLOW_TEST_DUR", "30s")
	if got := ParseDurationEnv("BOTFLOW_TEST_DUR", time.Second); got != 30*time.Second {
		t.Errorf("got %v, want 30s", got)
	}
	t.Setenv("BOTFLOW_TEST_DUR", "bogus")
	if got := ParseDurationEnv("BOTFLOW_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("got %v, want default 1s", got)
	}
}
