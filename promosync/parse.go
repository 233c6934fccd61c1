package promosync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/ledger"
	"bitbucket.org/mmdatafocus/promo_sync/shoper"
	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// offerRequest is a parsed ledger row that can be turned into an offer once
// its product is known.
type offerRequest interface {
	ProductCode() string
	Offer(p shoper.Product) (shoper.SpecialOffer, error)
	Describe(offer shoper.SpecialOffer) string
}

// FixedDiscountRequest asks for the product to sell at PromoPrice.
type FixedDiscountRequest struct {
	Code       string
	PromoPrice decimal.Decimal
	DateFrom   time.Time
	DateTo     time.Time
}

func (r FixedDiscountRequest) ProductCode() string { return r.Code }

// Offer computes the fixed discount as the gap between the regular and the
// requested price. A promo price that is not below the regular price is
// rejected.
func (r FixedDiscountRequest) Offer(p shoper.Product) (shoper.SpecialOffer, error) {
	discount := p.RegularPrice.Sub(r.PromoPrice)
	if !discount.IsPositive() {
		return shoper.SpecialOffer{}, fmt.Errorf("promo price %s is not below regular price %s for %s",
			r.PromoPrice.String(), p.RegularPrice.String(), r.Code)
	}
	return shoper.SpecialOffer{
		ProductID:    p.ProductID,
		Discount:     discount,
		DiscountType: shoper.DiscountFixedAmount,
		DateFrom:     r.DateFrom,
		DateTo:       r.DateTo,
	}, nil
}

func (r FixedDiscountRequest) Describe(o shoper.SpecialOffer) string {
	return fmt.Sprintf("%s offer %s for %s (%s - %s)", o.DiscountType, o.Discount.String(), r.Code,
		utils.FormatCanonical(o.DateFrom), utils.FormatCanonical(o.DateTo))
}

// PercentDiscountRequest asks for Percent off the regular price.
type PercentDiscountRequest struct {
	Code     string
	Percent  decimal.Decimal
	DateFrom time.Time
	DateTo   time.Time
}

func (r PercentDiscountRequest) ProductCode() string { return r.Code }

func (r PercentDiscountRequest) Offer(p shoper.Product) (shoper.SpecialOffer, error) {
	return shoper.SpecialOffer{
		ProductID:    p.ProductID,
		Discount:     r.Percent,
		DiscountType: shoper.DiscountPercentage,
		DateFrom:     r.DateFrom,
		DateTo:       r.DateTo,
	}, nil
}

func (r PercentDiscountRequest) Describe(o shoper.SpecialOffer) string {
	return fmt.Sprintf("%s offer %s%% for %s (%s - %s)", o.DiscountType, o.Discount.String(), r.Code,
		utils.FormatCanonical(o.DateFrom), utils.FormatCanonical(o.DateTo))
}

func ParseFixedDiscountRow(row ledger.Row, cols ledger.Columns) (*FixedDiscountRequest, error) {
	code := strings.TrimSpace(row.Code)
	if code == "" {
		return nil, &RowParseError{Field: cols.Code, Err: errMissingValue}
	}
	price, err := parseAmount(cols.PromoPrice, row.PromoPrice)
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, &RowParseError{Field: cols.PromoPrice, Value: row.PromoPrice, Err: errors.New("must be greater than zero")}
	}
	from, to, err := parseWindow(row, cols)
	if err != nil {
		return nil, err
	}
	return &FixedDiscountRequest{Code: code, PromoPrice: price, DateFrom: from, DateTo: to}, nil
}

func ParsePercentDiscountRow(row ledger.Row, cols ledger.Columns) (*PercentDiscountRequest, error) {
	code := strings.TrimSpace(row.Code)
	if code == "" {
		return nil, &RowParseError{Field: cols.Code, Err: errMissingValue}
	}
	pct, err := parseAmount(cols.DiscountPercent, row.DiscountPercent)
	if err != nil {
		return nil, err
	}
	if !pct.IsPositive() || pct.GreaterThan(hundred) {
		return nil, &RowParseError{Field: cols.DiscountPercent, Value: row.DiscountPercent, Err: errors.New("must be in (0, 100]")}
	}
	from, to, err := parseWindow(row, cols)
	if err != nil {
		return nil, err
	}
	return &PercentDiscountRequest{Code: code, Percent: pct, DateFrom: from, DateTo: to}, nil
}

func parseAmount(field, value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, &RowParseError{Field: field, Err: errMissingValue}
	}
	d, err := utils.ParseSheetDecimal(value)
	if err != nil {
		return decimal.Zero, &RowParseError{Field: field, Value: value, Err: err}
	}
	return d, nil
}

func parseWindow(row ledger.Row, cols ledger.Columns) (time.Time, time.Time, error) {
	from, err := parseDate(cols.DateFrom, row.DateFrom)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseDate(cols.DateTo, row.DateTo)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, &RowParseError{Field: cols.DateTo, Value: row.DateTo, Err: fmt.Errorf("is before %s %s", cols.DateFrom, row.DateFrom)}
	}
	return from, to, nil
}

func parseDate(field, value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, &RowParseError{Field: field, Err: errMissingValue}
	}
	t, err := utils.ParseDisplayDate(value)
	if err != nil {
		return time.Time{}, &RowParseError{Field: field, Value: value, Err: err}
	}
	return t, nil
}
