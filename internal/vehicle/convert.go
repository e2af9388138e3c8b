package vehicle

// convert.go normalizes raw spreadsheet cells.
//
// Spreadsheet exports are messy: plates typed with spaces and hyphens,
// amounts with currency symbols and thousand separators, dates in whatever
// layout the branch office prefers, and Excel formula prefixes (="...").
// Parse* functions return pgtype values with Valid=false for empty or
// invalid input.

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5/pgtype"
)

var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)$`)

// TwoDigitYearPivot controls how 2-digit years are read. Years more than this
// many years in the future are moved to the previous century.
var TwoDigitYearPivot = 20

var (
	// Excel's built-in short date format renders month first.
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "01-02-06", "2-Jan-06", "02-Jan-06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02",
		"02/01/2006", "2/1/2006", "02-01-2006", "02.01.2006",
		"02-Jan-2006", "2-Jan-2006", "02 Jan 2006", "2 Jan 2006", "Jan 2, 2006",
		"2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05",
	}
)

// CleanCell trims whitespace, removes the Excel ="..." wrapper and
// surrounding quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}
	return strings.TrimSpace(strings.Trim(s, `"'`))
}

// NormalizeIdentity upper-cases an identity value and strips separators
// commonly typed into plates and chassis numbers.
func NormalizeIdentity(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		switch {
		case r == ' ' || r == '-' || r == '.' || r == '/' || r == '\t':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParseNumeric reads an amount. Handles currency symbols, thousand separators
// and accounting negatives "(123.45)".
func ParseNumeric(s string) pgtype.Numeric {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Numeric{}
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	for _, sym := range []string{"$", "₹", "€", "£", "Rs.", "Rs", "INR", ","} {
		s = strings.ReplaceAll(s, sym, "")
	}
	s = strings.TrimSpace(s)
	if negative {
		s = "-" + s
	}

	if !numericRegex.MatchString(s) {
		return pgtype.Numeric{}
	}

	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{}
	}
	return n
}

// ParseDate reads a date in any of the accepted layouts. Day-first layouts
// are tried before month-first ones.
func ParseDate(s string) pgtype.Date {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Date{}
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return pgtype.Date{Time: truncateDay(t), Valid: true}
		}
	}

	pivot := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivot {
				t = t.AddDate(-100, 0, 0)
			}
			return pgtype.Date{Time: truncateDay(t), Valid: true}
		}
	}

	return pgtype.Date{}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ValidPhone reports whether s looks like a phone number: digits with an
// optional leading + and spaces or hyphens, 7 to 15 digits.
func ValidPhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

// FormatNumeric renders a numeric for export. Invalid values render empty.
func FormatNumeric(n pgtype.Numeric) string {
	if !n.Valid {
		return ""
	}
	v, err := n.Value()
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// FormatDate renders a date as YYYY-MM-DD. Invalid values render empty.
func FormatDate(d pgtype.Date) string {
	if !d.Valid {
		return ""
	}
	return d.Time.Format("2006-01-02")
}
