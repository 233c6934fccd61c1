package shoper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CanonicalDateLayout is the date-time form the catalog accepts and returns.
const CanonicalDateLayout = "2006-01-02 15:04:05"

type DiscountType int

const (
	DiscountFixedAmount DiscountType = 2
	DiscountPercentage  DiscountType = 3
)

func (t DiscountType) String() string {
	switch t {
	case DiscountFixedAmount:
		return "FIXED_AMOUNT"
	case DiscountPercentage:
		return "PERCENTAGE"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(t)) + ")"
	}
}

type Credentials struct {
	Login    string
	Password string
}

type Session struct {
	AccessToken string
	// ExpiresIn is the token lifetime in seconds; zero when unknown.
	ExpiresIn int64
	IssuedAt  time.Time
}

func (s Session) ExpiresAt() time.Time {
	return s.IssuedAt.Add(time.Duration(s.ExpiresIn) * time.Second)
}

// Product is the subset of a catalog product the promotion engine works with.
type Product struct {
	ProductID    int64
	Code         string
	Name         string
	RegularPrice decimal.Decimal
	PromoPrice   *decimal.Decimal
	ActiveOffer  *SpecialOffer
}

func (p Product) HasActiveOffer() bool {
	return p.ActiveOffer != nil && p.ActiveOffer.OfferID > 0
}

type SpecialOffer struct {
	OfferID      int64
	ProductID    int64
	Discount     decimal.Decimal
	DiscountType DiscountType
	DateFrom     time.Time
	DateTo       time.Time
}

type authResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
	TokenType   string      `json:"token_type"`
}

type productListResponse struct {
	Count json.Number       `json:"count"`
	Pages json.Number       `json:"pages"`
	Page  json.Number       `json:"page"`
	List  []json.RawMessage `json:"list"`
}

type productPayload struct {
	ProductID    json.Number                   `json:"product_id"`
	Code         string                        `json:"code"`
	Stock        *stockPayload                 `json:"stock"`
	Translations map[string]translationPayload `json:"translations"`
	SpecialOffer json.RawMessage               `json:"special_offer"`
	PromoPrice   *decimal.Decimal              `json:"promo_price"`
}

type stockPayload struct {
	Code  string          `json:"code"`
	Price decimal.Decimal `json:"price"`
}

type translationPayload struct {
	Name string `json:"name"`
}

type specialOfferPayload struct {
	PromoID      json.Number     `json:"promo_id"`
	ProductID    json.Number     `json:"product_id"`
	Discount     decimal.Decimal `json:"discount"`
	DiscountType json.Number     `json:"discount_type"`
	DateFrom     string          `json:"date_from"`
	DateTo       string          `json:"date_to"`
}

type createOfferRequest struct {
	ProductID    int64           `json:"product_id"`
	Discount     decimal.Decimal `json:"discount"`
	DateFrom     string          `json:"date_from"`
	DateTo       string          `json:"date_to"`
	DiscountType int             `json:"discount_type"`
}

func newCreateOfferRequest(offer SpecialOffer) createOfferRequest {
	return createOfferRequest{
		ProductID:    offer.ProductID,
		Discount:     offer.Discount,
		DateFrom:     offer.DateFrom.Format(CanonicalDateLayout),
		DateTo:       offer.DateTo.Format(CanonicalDateLayout),
		DiscountType: int(offer.DiscountType),
	}
}

func decodeProduct(raw json.RawMessage, locale string) (Product, error) {
	var p productPayload
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return Product{}, fmt.Errorf("decode product: %w", err)
	}
	id, err := p.ProductID.Int64()
	if err != nil {
		return Product{}, fmt.Errorf("decode product: invalid product_id %q", p.ProductID)
	}

	out := Product{
		ProductID:  id,
		Code:       strings.TrimSpace(p.Code),
		PromoPrice: p.PromoPrice,
	}
	if p.Stock != nil {
		out.RegularPrice = p.Stock.Price
		if out.Code == "" {
			out.Code = strings.TrimSpace(p.Stock.Code)
		}
	}
	if tr, ok := p.Translations[locale]; ok {
		out.Name = strings.TrimSpace(tr.Name)
	}

	offer, err := decodeSpecialOffer(p.SpecialOffer)
	if err != nil {
		return Product{}, fmt.Errorf("decode product %d: %w", id, err)
	}
	if offer != nil {
		if offer.ProductID == 0 {
			offer.ProductID = id
		}
		out.ActiveOffer = offer
	}
	return out, nil
}

// decodeSpecialOffer accepts null, an empty array or an object.
func decodeSpecialOffer(raw json.RawMessage) (*SpecialOffer, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}
	var so specialOfferPayload
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&so); err != nil {
		return nil, fmt.Errorf("special_offer: %w", err)
	}

	offer := &SpecialOffer{Discount: so.Discount}
	if so.PromoID != "" {
		id, err := so.PromoID.Int64()
		if err != nil {
			return nil, fmt.Errorf("special_offer: invalid promo_id %q", so.PromoID)
		}
		offer.OfferID = id
	}
	if so.ProductID != "" {
		offer.ProductID, _ = so.ProductID.Int64()
	}
	if so.DiscountType != "" {
		dt, _ := so.DiscountType.Int64()
		offer.DiscountType = DiscountType(dt)
	}
	offer.DateFrom, _ = parseCanonicalDate(so.DateFrom)
	offer.DateTo, _ = parseCanonicalDate(so.DateTo)
	return offer, nil
}

func parseCanonicalDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(CanonicalDateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
