package utils

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("CHAT_TEST_STR", "value")
	t.Setenv("CHAT_TEST_EMPTY", "")
	t.Setenv("CHAT_TEST_INT", "42")
	t.Setenv("CHAT_TEST_BAD_INT", "many")
	t.Setenv("CHAT_TEST_DUR", "90s")

	if got := GetEnv("CHAT_TEST_STR", "d"); got != "value" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("CHAT_TEST_EMPTY", "d"); got != "d" {
		t.Errorf("empty value should fall back, got %q", got)
	}
	if got := GetEnvInt("CHAT_TEST_INT", 1); got != 42 {
		t.Errorf("GetEnvInt = %d", got)
	}
	if got := GetEnvInt("CHAT_TEST_BAD_INT", 1); got != 1 {
		t.Errorf("bad int should fall back, got %d", got)
	}
	if got := GetEnvDuration("CHAT_TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("GetEnvDuration = %v", got)
	}
	if got := GetEnvDuration("CHAT_TEST_MISSING", time.Second); got != time.Second {
		t.Errorf("missing duration = %v", got)
	}
}
