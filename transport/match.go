package transport

import "strings"

func splitTokens(subject string) []string {
	return strings.Split(subject, ".")
}

// MatchSubject reports whether subject matches a NATS subscription pattern:
// "*" matches exactly one token and a final ">" matches one or more.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := splitTokens(pattern)
	st := splitTokens(subject)

	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
