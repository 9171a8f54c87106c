package utils

import "strings"

var plateSeparators = strings.NewReplacer(" ", "", "-", "")

// NormalizePlate uppercases a plate and strips spaces and hyphens so that
// "abc-123", "ABC 123" and "ABC123" compare equal.
func NormalizePlate(plate string) string {
	return plateSeparators.Replace(strings.ToUpper(strings.TrimSpace(plate)))
}
