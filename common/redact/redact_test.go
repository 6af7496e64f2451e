package redact

import "testing"

func TestPreview(t *testing.T) {
	cases := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short", "hello there", 64, "hello there"},
		{"collapses whitespace", "hello\n\n  there\tfriend", 64, "hello there friend"},
		{"clips long input", "aaaaaaaaaabbbbbbbbbb", 10, "aaaaaaaaa…"},
		{"minimum width enforced", "aaaaaaaaaabbbbbbbbbb", 2, "aaaaaaa…"},
		{"multibyte safe", "ははははははははははは", 8, "ははははははは…"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Preview(tc.in, tc.max); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	in := "posting to https://hooks.example/abc with key sk-12345"
	got := String(in, "sk-12345")
	want := "posting to https://hooks.example/abc with key [REDACTED]"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestString_SkipsShortValues(t *testing.T) {
	in := "a b c"
	if got := String(in, "a"); got != in {
		t.Errorf("short value must not be redacted: got %q", got)
	}
}
