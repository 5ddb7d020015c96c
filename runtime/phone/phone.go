// Package phone normalizes phone numbers to E.164 form so lookups and
// comparisons behave the same across providers, stores, and the dealership
// directory. Normalization is lossy on formatting only: digits are preserved.
package phone

import "strings"

// Normalize converts raw into canonical E.164-ish form:
//
//   - all non-digit characters are stripped,
//   - 10 digits are assumed NANP and prefixed with "+1",
//   - 11 digits starting with "1" are prefixed with "+",
//   - anything else keeps its digits behind a "+".
//
// Normalize is idempotent: applying it to its own output returns the same
// string. Empty input (or input with no digits) normalizes to "" and is
// treated as absent by callers.
func Normalize(raw string) string {
	digits := digitsOf(raw)
	if digits == "" {
		return ""
	}
	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	default:
		return "+" + digits
	}
}

// Match reports whether two raw numbers refer to the same line, comparing
// their normalized forms.
func Match(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb
}

func digitsOf(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
