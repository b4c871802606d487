package env

import (
	"log/slog"
	"reflect"
	"testing"
)

func TestLookups(t *testing.T) {
	t.Setenv("NAAS_TEST_STR", "x")
	t.Setenv("NAAS_TEST_INT", "42")
	t.Setenv("NAAS_TEST_BADINT", "forty")
	t.Setenv("NAAS_TEST_BOOL", "false")
	t.Setenv("NAAS_TEST_LIST", " http://a, ,http://b ")

	if got := Str("NAAS_TEST_STR", "y"); got != "x" {
		t.Errorf("Str = %q", got)
	}
	if got := Str("NAAS_TEST_UNSET", "y"); got != "y" {
		t.Errorf("Str fallback = %q", got)
	}
	if got := Int("NAAS_TEST_INT", 1); got != 42 {
		t.Errorf("Int = %d", got)
	}
	if got := Int("NAAS_TEST_BADINT", 1); got != 1 {
		t.Errorf("Int invalid = %d", got)
	}
	if got := Bool("NAAS_TEST_BOOL", true); got {
		t.Errorf("Bool = %v", got)
	}
	if got := List("NAAS_TEST_LIST", ""); !reflect.DeepEqual(got, []string{"http://a", "http://b"}) {
		t.Errorf("List = %q", got)
	}
	if got := List("NAAS_TEST_UNSET", ""); got != nil {
		t.Errorf("List empty = %q", got)
	}
}

func TestLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug, "DEBUG": slog.LevelDebug, "warn": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "chatty": slog.LevelInfo,
	}
	for name, want := range tests {
		if got := Level(name); got != want {
			t.Errorf("Level(%q) = %v, want %v", name, got, want)
		}
	}
}
