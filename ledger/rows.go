package ledger

import (
	"fmt"
	"strings"
)

// Columns names the sheet headers the adapter understands. Matching is
// case-insensitive and ignores surrounding spaces.
type Columns struct {
	Code            string
	PromoPrice      string
	DiscountPercent string
	DateFrom        string
	DateTo          string
	Status          string
}

func DefaultColumns() Columns {
	return Columns{
		Code:            "code",
		PromoPrice:      "promo_price",
		DiscountPercent: "discount_percent",
		DateFrom:        "date_from",
		DateTo:          "date_to",
		Status:          "status",
	}
}

// Row is one data row of the ledger. RowNumber is the 1-based sheet row
// (the header is row 1).
type Row struct {
	RowNumber       int
	Code            string
	PromoPrice      string
	DiscountPercent string
	DateFrom        string
	DateTo          string
	Status          string
	// Cells holds every column of the row keyed by its header as read.
	Cells map[string]string
}

type FilterPolicy string

const (
	FilterNone           FilterPolicy = "none"
	FilterExactStatus    FilterPolicy = "exact"
	FilterStatusContains FilterPolicy = "contains"
)

// RowFilter decides which rows ReadRows returns. The zero value keeps all rows.
type RowFilter struct {
	Policy FilterPolicy
	Marker string
}

func NoFilter() RowFilter {
	return RowFilter{Policy: FilterNone}
}

// ExcludeStatus drops rows whose status equals marker exactly.
func ExcludeStatus(marker string) RowFilter {
	return RowFilter{Policy: FilterExactStatus, Marker: marker}
}

// ExcludeStatusContaining drops rows whose status contains marker.
func ExcludeStatusContaining(marker string) RowFilter {
	return RowFilter{Policy: FilterStatusContains, Marker: marker}
}

func ParseRowFilter(policy, marker string) (RowFilter, error) {
	switch FilterPolicy(strings.ToLower(strings.TrimSpace(policy))) {
	case "", FilterNone:
		return NoFilter(), nil
	case FilterExactStatus:
		return ExcludeStatus(marker), nil
	case FilterStatusContains:
		return ExcludeStatusContaining(marker), nil
	default:
		return RowFilter{}, fmt.Errorf("unknown row filter policy %q", policy)
	}
}

func (f RowFilter) Keep(r Row) bool {
	if f.Marker == "" {
		return true
	}
	switch f.Policy {
	case FilterExactStatus:
		return strings.TrimSpace(r.Status) != f.Marker
	case FilterStatusContains:
		return !strings.Contains(r.Status, f.Marker)
	default:
		return true
	}
}

func (f RowFilter) String() string {
	if f.Policy == "" || f.Policy == FilterNone || f.Marker == "" {
		return string(FilterNone)
	}
	return fmt.Sprintf("%s(%q)", f.Policy, f.Marker)
}

type headerIndex map[string]int

func indexHeader(header []string) headerIndex {
	idx := make(headerIndex, len(header))
	for i, h := range header {
		key := normalizeHeader(h)
		if key == "" {
			continue
		}
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

func (h headerIndex) find(name string) int {
	if i, ok := h[normalizeHeader(name)]; ok {
		return i
	}
	return -1
}

func normalizeHeader(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
