package jurisdiction

import (
	"regexp"
	"strings"
)

var postalCodeRe = regexp.MustCompile(`^[0-9A-Z][0-9A-Z-]{3,9}$`)

// NormalizePostalCode trims and upper-cases a postal code and drops inner
// whitespace ("sw1a 1aa" becomes "SW1A1AA"). It reports false when the
// result is not a plausible postal code; such input is never sent to the
// directory.
func NormalizePostalCode(raw string) (string, bool) {
	code := strings.ToUpper(strings.Join(strings.Fields(raw), ""))
	if !postalCodeRe.MatchString(code) {
		return "", false
	}
	return code, true
}
