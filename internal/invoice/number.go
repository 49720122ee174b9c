package invoice

import "strings"

// ValidRegistrationNumber reports whether id is "T" followed by exactly 13
// ASCII digits.
func ValidRegistrationNumber(id string) bool {
	if len(id) != 14 || id[0] != 'T' {
		return false
	}
	for i := 1; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

// CanonicalRegistrationNumber trims surrounding space and prefixes "T" when
// the input is 13 bare digits, the way people usually copy the number off an
// invoice. Anything else is returned trimmed and unchanged.
func CanonicalRegistrationNumber(input string) string {
	s := strings.TrimSpace(input)
	if len(s) == 13 && ValidRegistrationNumber("T"+s) {
		return "T" + s
	}
	return s
}
