package utils

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DisplayDateLayout is how dates are typed into the ledger sheet.
	DisplayDateLayout = "02-01-2006"
	// CanonicalDateLayout is the catalog's date-time form, anchored at midnight.
	CanonicalDateLayout = "2006-01-02 15:04:05"

	// displayDateParseLayout also accepts single-digit days and months.
	displayDateParseLayout = "2-1-2006"
)

// ParseDisplayDate accepts dd-mm-yyyy, also tolerating '.' and '/' separators
// and unpadded days or months ("1.6.2024").
func ParseDisplayDate(s string) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, fmt.Errorf("date is empty")
	}
	v = strings.NewReplacer(".", "-", "/", "-").Replace(v)
	t, err := time.Parse(displayDateParseLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, expected dd-mm-yyyy", s)
	}
	return t, nil
}

// FormatCanonical renders the date of t at midnight in the catalog form.
func FormatCanonical(t time.Time) string {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Format(CanonicalDateLayout)
}

func FormatDisplay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DisplayDateLayout)
}
