package environment

import (
	"testing"
	"time"
)

func TestString(t *testing.T) {
	if _, ok := String("KIOKU_TEST_UNSET"); ok {
		t.Fatal("expected unset variable to report ok=false")
	}

	t.Setenv("KIOKU_TEST_EMPTY", "")
	if v, ok := String("KIOKU_TEST_EMPTY"); !ok || v != "" {
		t.Fatalf("expected empty-but-set variable, got %q ok=%v", v, ok)
	}
}

func TestStringOr(t *testing.T) {
	if got := StringOr("KIOKU_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("unset: got %q, want %q", got, "fallback")
	}

	t.Setenv("KIOKU_TEST_STR", "value")
	if got := StringOr("KIOKU_TEST_STR", "fallback"); got != "value" {
		t.Errorf("set: got %q, want %q", got, "value")
	}
}

func TestIntOr(t *testing.T) {
	cases := []struct {
		name  string
		value string
		def   int
		want  int
	}{
		{"unset", "", 42, 42},
		{"valid", "7", 42, 7},
		{"negative", "-3", 42, -3},
		{"garbage", "seven", 42, 42},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.value != "" {
				t.Setenv("KIOKU_TEST_INT", tc.value)
			}
			if got := IntOr("KIOKU_TEST_INT", tc.def); got != tc.want {
				t.Errorf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestFloatOr(t *testing.T) {
	cases := []struct {
		name  string
		value string
		def   float64
		want  float64
	}{
		{"unset", "", 0.3, 0.3},
		{"valid", "0.75", 0.3, 0.75},
		{"integer", "1", 0.3, 1.0},
		{"garbage", "high", 0.3, 0.3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.value != "" {
				t.Setenv("KIOKU_TEST_FLOAT", tc.value)
			}
			if got := FloatOr("KIOKU_TEST_FLOAT", tc.def); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBoolOr(t *testing.T) {
	cases := []struct {
		name  string
		value string
		def   bool
		want  bool
	}{
		{"unset", "", true, true},
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"false", "false", true, false},
		{"garbage", "yep", false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.value != "" {
				t.Setenv("KIOKU_TEST_BOOL", tc.value)
			}
			if got := BoolOr("KIOKU_TEST_BOOL", tc.def); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestDurationOr(t *testing.T) {
	cases := []struct {
		name  string
		value string
		def   time.Duration
		want  time.Duration
	}{
		{"unset", "", 30 * time.Second, 30 * time.Second},
		{"seconds", "45s", 30 * time.Second, 45 * time.Second},
		{"minutes", "2m", 30 * time.Second, 2 * time.Minute},
		{"garbage", "soon", 30 * time.Second, 30 * time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.value != "" {
				t.Setenv("KIOKU_TEST_DUR", tc.value)
			}
			if got := DurationOr("KIOKU_TEST_DUR", tc.def); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
