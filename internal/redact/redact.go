// Package redact scrubs text that leaves the service, such as page failure
// reasons built from upstream error bodies.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxReasonLength bounds stored failure reasons.
const MaxReasonLength = 512

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-~+/]+=*`)
	secretPattern = regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password)(["']?\s*[:=]\s*["']?)[^\s"'&,}]+`)
	userinfoURL   = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.\-]*://)[^/\s:@]+:[^/\s@]+@`)
)

// PII masks common high-risk PII patterns and reports whether anything changed.
func PII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Cards before phones, a card number also matches the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Secrets masks credentials that upstream services tend to echo back.
func Secrets(input string) (redacted string, changed bool) {
	out := input

	next := userinfoURL.ReplaceAllString(out, "${1}[REDACTED]@")
	changed = changed || next != out
	out = next

	next = bearerPattern.ReplaceAllString(out, "Bearer [REDACTED]")
	changed = changed || next != out
	out = next

	next = secretPattern.ReplaceAllString(out, "${1}${2}[REDACTED]")
	changed = changed || next != out
	out = next

	return out, changed
}

// FailureReason prepares an error message for storage on a page task: it is
// flattened to one line, scrubbed and capped at MaxReasonLength bytes.
func FailureReason(reason string) string {
	reason = strings.Join(strings.Fields(reason), " ")
	reason, _ = Secrets(reason)
	reason, _ = PII(reason)
	if len(reason) <= MaxReasonLength {
		return reason
	}
	cut := MaxReasonLength - len("...")
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut] + "..."
}
