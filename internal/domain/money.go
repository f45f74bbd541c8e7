package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// sheetsEpoch is day zero of spreadsheet serial dates.
var sheetsEpoch = civil.Date{Year: 1899, Month: time.December, Day: 30}

var dateLayouts = []string{
	"1/2/2006",
	"01/02/2006",
	"1/2/06",
	"2006-01-02",
	"2006/01/02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

// ParseAmount parses a money string as found in bank exports and spreadsheets.
// Currency symbols and thousands separators are dropped and accounting
// parentheses mean a negative value: "(1,050.00)" is -1050.00.
func ParseAmount(s string) (decimal.Decimal, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}

	negative := false
	if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
		negative = true
		v = strings.TrimSpace(v[1 : len(v)-1])
	}
	if strings.HasSuffix(v, "-") {
		negative = !negative
		v = strings.TrimSuffix(v, "-")
	}

	v = strings.NewReplacer("$", "", ",", "", " ", "", "\u00a0", "", "\u2212", "-", "USD", "").Replace(v)

	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// ParseRate parses an interest rate. A trailing percent sign means the value
// is a percentage: "18%" and "0.18" are the same rate.
func ParseRate(s string) (decimal.Decimal, error) {
	v := strings.TrimSpace(s)
	if strings.HasSuffix(v, "%") {
		d, err := ParseAmount(strings.TrimSuffix(v, "%"))
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid rate %q", s)
		}
		return d.Div(decimal.NewFromInt(100)), nil
	}
	return ParseAmount(v)
}

// ParseDate parses the date formats seen across uploads and live pushes,
// including spreadsheet serial day numbers.
func ParseDate(s string) (civil.Date, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return civil.Date{}, fmt.Errorf("empty date")
	}

	if serial, err := strconv.ParseFloat(v, 64); err == nil {
		return SerialDate(serial)
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return civil.DateOf(t), nil
		}
	}
	return civil.Date{}, fmt.Errorf("invalid date %q", s)
}

// SerialDate converts a spreadsheet serial day number into a date.
func SerialDate(serial float64) (civil.Date, error) {
	if serial < 1 || serial > 2958465 {
		return civil.Date{}, fmt.Errorf("date serial %v out of range", serial)
	}
	return sheetsEpoch.AddDays(int(serial)), nil
}

// ParseBool interprets spreadsheet truthiness: TRUE, yes, y, 1, x and the
// check-mark glyph are true.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "x", "✅", "✔", "✓", "active":
		return true
	}
	return false
}
