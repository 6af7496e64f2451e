// Package redact provides helpers for keeping conversation content and
// secrets out of log output.
//
// # Threat model
//
// Two kinds of values must never appear verbatim in log lines or
// notification payloads that leave the process:
//   - full message bodies (correspondent conversations are private; logs
//     only ever need a short preview for debugging)
//   - secrets (webhook signing keys, tokens)
//
// Redaction is best-effort string surgery. It is not a substitute for
// keeping sensitive values out of log call-sites in the first place.
package redact

import (
	"strings"
	"unicode/utf8"
)

const placeholder = "[REDACTED]"

// Preview returns a log-safe preview of a message body: whitespace is
// collapsed and the result is clipped to max runes with a trailing ellipsis.
// max values below 8 are raised to 8 so previews stay recognisable.
func Preview(s string, max int) string {
	if max < 8 {
		max = 8
	}
	collapsed := strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(collapsed) <= max {
		return collapsed
	}
	runes := []rune(collapsed)
	return string(runes[:max-1]) + "…"
}

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious hits on common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}
