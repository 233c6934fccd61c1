package utils

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// ParseSheetDecimal parses a number as typed into a spreadsheet cell. The
// decimal separator may be '.' or ','; whichever comes last is the decimal
// separator and the other one may only group thousands. Spaces, a percent
// sign and a currency such as "zł" or "PLN" around the number are ignored.
// Values whose separators do not form valid groups ("1.2.3") are rejected.
func ParseSheetDecimal(s string) (decimal.Decimal, error) {
	v := strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", "%", "").Replace(strings.TrimSpace(s))
	if v == "" {
		return decimal.Zero, fmt.Errorf("value is empty")
	}
	v = strings.TrimFunc(v, isCurrencyRune)

	normalized, ok := normalizeSeparators(v)
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid number %q", s)
	}
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %q", s)
	}
	return d, nil
}

func isCurrencyRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.Is(unicode.Sc, r)
}

// normalizeSeparators rewrites v into plain "1234.5" form.
func normalizeSeparators(v string) (string, bool) {
	sign := ""
	if strings.HasPrefix(v, "-") || strings.HasPrefix(v, "+") {
		sign, v = v[:1], v[1:]
	}

	lastDot, lastComma := strings.LastIndex(v, "."), strings.LastIndex(v, ",")
	var intPart, fracPart, group string
	hasDecimal := true
	switch {
	case lastDot >= 0 && lastComma >= 0:
		decimalSep, groupSep := ".", ","
		if lastComma > lastDot {
			decimalSep, groupSep = ",", "."
		}
		i := strings.LastIndex(v, decimalSep)
		intPart, fracPart, group = v[:i], v[i+1:], groupSep
		if strings.Contains(intPart, decimalSep) || strings.Contains(fracPart, groupSep) {
			return "", false
		}
	case lastDot >= 0 || lastComma >= 0:
		sep := "."
		if lastComma >= 0 {
			sep = ","
		}
		if strings.Count(v, sep) > 1 {
			intPart, group, hasDecimal = v, sep, false
		} else {
			i := strings.Index(v, sep)
			intPart, fracPart = v[:i], v[i+1:]
		}
	default:
		return sign + v, true
	}

	if group != "" {
		parts := strings.Split(intPart, group)
		if len(parts[0]) == 0 || len(parts[0]) > 3 {
			return "", false
		}
		for _, p := range parts[1:] {
			if len(p) != 3 {
				return "", false
			}
		}
		intPart = strings.Join(parts, "")
	}
	if !hasDecimal {
		return sign + intPart, true
	}
	if fracPart == "" {
		return "", false
	}
	if intPart == "" {
		intPart = "0"
	}
	return sign + intPart + "." + fracPart, true
}
