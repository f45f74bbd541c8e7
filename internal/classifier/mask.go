package classifier

import "regexp"

var longDigits = regexp.MustCompile(`\d{6,}`)

// MaskDescription hides account and card numbers in a description, keeping
// the last four digits: "XFER TO 123456789" becomes "XFER TO ****6789".
// Shorter digit runs such as years and amounts are left alone.
func MaskDescription(desc string) string {
	return longDigits.ReplaceAllStringFunc(desc, func(run string) string {
		return "****" + run[len(run)-4:]
	})
}
