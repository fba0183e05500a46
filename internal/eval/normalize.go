package eval

import "strings"

// NormalizeType canonicalizes an issue type string so matching is
// robust to casing, punctuation, and naming-convention differences
// ("Duplicate Charge" and "duplicate_charge" collapse to the same
// canonical form). Deterministic and pure.
//
// Algorithm: lowercase, replace every run of non-alphanumeric
// characters with a single underscore, strip leading and trailing
// underscores.
func NormalizeType(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	pendingSep := false
	for _, r := range strings.ToLower(raw) {
		alnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !alnum {
			if b.Len() > 0 {
				pendingSep = true
			}
			continue
		}
		if pendingSep {
			b.WriteByte('_')
			pendingSep = false
		}
		b.WriteRune(r)
	}

	return b.String()
}

// TypesMatch reports whether two raw type strings denote the same
// finding under normalized comparison.
func TypesMatch(a, b string) bool {
	return NormalizeType(a) == NormalizeType(b)
}
