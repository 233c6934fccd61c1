package shoper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultPageSize = 50
	DefaultMaxPages = 10000
	DefaultLocale   = "pl_PL"

	// SessionRefreshMargin is how long before expiry a session is renewed.
	SessionRefreshMargin = 5 * time.Minute
)

var tracer = otel.Tracer("bitbucket.org/mmdatafocus/promo_sync/shoper")

type Config struct {
	SiteURL  string
	PageSize int
	MaxPages int
	Locale   string
}

type Client struct {
	baseURL   string
	pageSize  int
	maxPages  int
	locale    string
	transport *RateLimitedTransport
	logger    *logrus.Logger
	now       func() time.Time

	sessionMu sync.Mutex
	creds     *Credentials
	session   *Session
}

func NewClient(cfg Config, transport *RateLimitedTransport, logger *logrus.Logger) (*Client, error) {
	site := strings.TrimRight(strings.TrimSpace(cfg.SiteURL), "/")
	if site == "" {
		return nil, errors.New("shoper site url is empty")
	}
	if transport == nil {
		transport = NewRateLimitedTransport(TransportConfig{Logger: logger})
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	locale := cfg.Locale
	if locale == "" {
		locale = DefaultLocale
	}
	return &Client{
		baseURL:   site + "/webapi/rest",
		pageSize:  pageSize,
		maxPages:  maxPages,
		locale:    locale,
		transport: transport,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Authenticate exchanges login and password for a bearer token that every
// later call on this client carries. The credentials are kept so the client
// can renew the session when it expires or the token is rejected.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.authenticate(ctx, creds)
}

// authenticate must be called with sessionMu held.
func (c *Client) authenticate(ctx context.Context, creds Credentials) (*Session, error) {
	ctx, span := tracer.Start(ctx, "shoper.Authenticate")
	defer span.End()

	resp, body, err := c.send(ctx, span, http.MethodPost, c.baseURL+"/auth", RequestOptions{BasicAuth: &creds})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.fail(span, newAPIError("authentication", resp.StatusCode, body))
	}

	var parsed authResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, c.fail(span, fmt.Errorf("authentication: decode response: %w", err))
	}
	if parsed.AccessToken == "" {
		return nil, c.fail(span, &APIError{Operation: "authentication", StatusCode: resp.StatusCode, Body: string(body), Description: "access_token missing"})
	}
	expiresIn, _ := parsed.ExpiresIn.Int64()

	sess := &Session{AccessToken: parsed.AccessToken, ExpiresIn: expiresIn, IssuedAt: c.now()}
	c.transport.SetBearerToken(sess.AccessToken)
	c.creds = &creds
	c.session = sess
	c.logger.WithFields(logrus.Fields{"site": c.baseURL, "expires_in": expiresIn}).Info("shoper authentication successful")
	return sess, nil
}

// ensureSession renews the session shortly before it expires. Sessions
// without a known lifetime are left alone.
func (c *Client) ensureSession(ctx context.Context) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.creds == nil || c.session == nil || c.session.ExpiresIn <= 0 {
		return nil
	}
	if c.now().Before(c.session.ExpiresAt().Add(-SessionRefreshMargin)) {
		return nil
	}
	c.logger.WithFields(logrus.Fields{"site": c.baseURL}).Info("shoper session about to expire, re-authenticating")
	_, err := c.authenticate(ctx, *c.creds)
	return err
}

// reauthenticate replaces a token the server rejected. rejected is the token
// the failed request carried; when another call has already renewed it the
// new token is reused.
func (c *Client) reauthenticate(ctx context.Context, rejected string) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.session != nil && c.session.AccessToken != rejected {
		return nil
	}
	c.logger.WithFields(logrus.Fields{"site": c.baseURL}).Warn("shoper rejected the session token, re-authenticating")
	_, err := c.authenticate(ctx, *c.creds)
	return err
}

func (c *Client) canReauthenticate() bool {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.creds != nil
}

// ListAllProducts pages through the whole catalog until a page comes back
// empty. Any non-200 page aborts the listing.
func (c *Client) ListAllProducts(ctx context.Context) ([]Product, error) {
	ctx, span := tracer.Start(ctx, "shoper.ListAllProducts")
	defer span.End()

	products := make([]Product, 0, c.pageSize)
	c.logger.Info("downloading all products")
	for page := 1; ; page++ {
		if page > c.maxPages {
			return nil, c.fail(span, fmt.Errorf("%w (%d pages)", ErrPageCapExceeded, c.maxPages))
		}
		params := url.Values{}
		params.Set("limit", strconv.Itoa(c.pageSize))
		params.Set("page", strconv.Itoa(page))

		list, err := c.getProductList(ctx, span, params, "list products")
		if err != nil {
			return nil, err
		}
		if len(list.List) == 0 {
			break
		}
		for _, raw := range list.List {
			p, err := decodeProduct(raw, c.locale)
			if err != nil {
				return nil, c.fail(span, err)
			}
			products = append(products, p)
		}
		c.logger.WithFields(logrus.Fields{"page": page, "pages": list.Pages.String()}).Info("products page downloaded")
	}
	span.SetAttributes(attribute.Int("shoper.products", len(products)))
	return products, nil
}

// FindProductByCode filters the catalog by business code. A missing product
// is reported through the bool, not as an error.
func (c *Client) FindProductByCode(ctx context.Context, code string) (*Product, bool, error) {
	ctx, span := tracer.Start(ctx, "shoper.FindProductByCode", trace.WithAttributes(attribute.String("shoper.code", code)))
	defer span.End()

	filter, err := json.Marshal(map[string]string{"stock.code": code})
	if err != nil {
		return nil, false, err
	}
	params := url.Values{}
	params.Set("filters", string(filter))

	list, err := c.getProductList(ctx, span, params, "find product "+code)
	if err != nil {
		return nil, false, err
	}
	if len(list.List) == 0 {
		return nil, false, nil
	}
	p, err := decodeProduct(list.List[0], c.locale)
	if err != nil {
		return nil, false, c.fail(span, err)
	}
	return &p, true, nil
}

func (c *Client) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	ctx, span := tracer.Start(ctx, "shoper.GetProduct", trace.WithAttributes(attribute.Int64("shoper.product_id", productID)))
	defer span.End()

	endpoint := fmt.Sprintf("%s/products/%d", c.baseURL, productID)
	resp, body, err := c.do(ctx, span, http.MethodGet, endpoint, RequestOptions{})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.fail(span, newAPIError("get product", resp.StatusCode, body))
	}
	p, err := decodeProduct(body, c.locale)
	if err != nil {
		return nil, c.fail(span, err)
	}
	return &p, nil
}

// CreateSpecialOffer returns the identifier the catalog assigned to the offer.
func (c *Client) CreateSpecialOffer(ctx context.Context, offer SpecialOffer) (int64, error) {
	ctx, span := tracer.Start(ctx, "shoper.CreateSpecialOffer", trace.WithAttributes(
		attribute.Int64("shoper.product_id", offer.ProductID),
		attribute.String("shoper.discount_type", offer.DiscountType.String()),
	))
	defer span.End()

	resp, body, err := c.do(ctx, span, http.MethodPost, c.baseURL+"/specialoffers", RequestOptions{JSON: newCreateOfferRequest(offer)})
	if err != nil {
		return 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, c.fail(span, newAPIError("create special offer", resp.StatusCode, body))
	}
	id, err := parseID(body)
	if err != nil {
		return 0, c.fail(span, fmt.Errorf("create special offer: unexpected response %q", strings.TrimSpace(string(body))))
	}
	span.SetAttributes(attribute.Int64("shoper.offer_id", id))
	return id, nil
}

func (c *Client) RemoveSpecialOffer(ctx context.Context, offerID int64) error {
	ctx, span := tracer.Start(ctx, "shoper.RemoveSpecialOffer", trace.WithAttributes(attribute.Int64("shoper.offer_id", offerID)))
	defer span.End()

	endpoint := fmt.Sprintf("%s/specialoffers/%d", c.baseURL, offerID)
	resp, body, err := c.do(ctx, span, http.MethodDelete, endpoint, RequestOptions{})
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.fail(span, newAPIError("remove special offer", resp.StatusCode, body))
	}
	return nil
}

func (c *Client) getProductList(ctx context.Context, span trace.Span, params url.Values, operation string) (productListResponse, error) {
	resp, body, err := c.do(ctx, span, http.MethodGet, c.baseURL+"/products", RequestOptions{Query: params})
	if err != nil {
		return productListResponse{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return productListResponse{}, c.fail(span, newAPIError(operation, resp.StatusCode, body))
	}
	var parsed productListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return productListResponse{}, c.fail(span, fmt.Errorf("%s: decode response: %w", operation, err))
	}
	return parsed, nil
}

// do executes an authenticated request. An expiring session is renewed
// first, and a 401 triggers one re-authentication and retry.
func (c *Client) do(ctx context.Context, span trace.Span, method, endpoint string, opts RequestOptions) (*http.Response, []byte, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, nil, c.fail(span, fmt.Errorf("renew session: %w", err))
	}
	token := c.transport.bearerToken()
	resp, body, err := c.send(ctx, span, method, endpoint, opts)
	if err != nil || resp.StatusCode != http.StatusUnauthorized || !c.canReauthenticate() {
		return resp, body, err
	}
	if err := c.reauthenticate(ctx, token); err != nil {
		return nil, nil, c.fail(span, fmt.Errorf("renew session: %w", err))
	}
	return c.send(ctx, span, method, endpoint, opts)
}

// send executes the request and drains the body.
func (c *Client) send(ctx context.Context, span trace.Span, method, endpoint string, opts RequestOptions) (*http.Response, []byte, error) {
	resp, err := c.transport.Execute(ctx, method, endpoint, opts)
	if err != nil {
		return nil, nil, c.fail(span, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, c.fail(span, fmt.Errorf("read response: %w", err))
	}
	return resp, body, nil
}

func (c *Client) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func parseID(body []byte) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(body)), `"`)
	return strconv.ParseInt(s, 10, 64)
}
