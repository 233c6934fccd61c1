package promosync

import (
	"context"
	"io"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/promo_sync/ledger"
	"bitbucket.org/mmdatafocus/promo_sync/shoper"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeCatalog keeps offers per product the way the shop does: at most what
// was created and not removed.
type fakeCatalog struct {
	mu          sync.Mutex
	products    map[string]*shoper.Product
	offers      map[int64]shoper.SpecialOffer
	nextOfferID int64
	lookupErr   map[string]error
	removeErr   map[int64]error
	createErr   error
	lookups     int
	removed     []int64
	created     []shoper.SpecialOffer
	// onLookup runs before every lookup; tests use it to cancel mid-run.
	onLookup func(code string)
}

func newFakeCatalog(products ...shoper.Product) *fakeCatalog {
	c := &fakeCatalog{
		products:    make(map[string]*shoper.Product),
		offers:      make(map[int64]shoper.SpecialOffer),
		nextOfferID: 1000,
		lookupErr:   make(map[string]error),
		removeErr:   make(map[int64]error),
	}
	for i := range products {
		p := products[i]
		if p.ActiveOffer != nil {
			c.offers[p.ActiveOffer.OfferID] = *p.ActiveOffer
		}
		c.products[p.Code] = &p
	}
	return c
}

func (c *fakeCatalog) FindProductByCode(ctx context.Context, code string) (*shoper.Product, bool, error) {
	if c.onLookup != nil {
		c.onLookup(code)
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++
	if err := c.lookupErr[code]; err != nil {
		return nil, false, err
	}
	p, ok := c.products[code]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	if p.ActiveOffer != nil {
		o := *p.ActiveOffer
		cp.ActiveOffer = &o
	}
	return &cp, true, nil
}

func (c *fakeCatalog) RemoveSpecialOffer(ctx context.Context, offerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.removeErr[offerID]; err != nil {
		return err
	}
	c.removed = append(c.removed, offerID)
	offer := c.offers[offerID]
	delete(c.offers, offerID)
	for _, p := range c.products {
		if p.ProductID == offer.ProductID && p.ActiveOffer != nil && p.ActiveOffer.OfferID == offerID {
			p.ActiveOffer = nil
		}
	}
	return nil
}

func (c *fakeCatalog) CreateSpecialOffer(ctx context.Context, offer shoper.SpecialOffer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createErr != nil {
		return 0, c.createErr
	}
	c.nextOfferID++
	offer.OfferID = c.nextOfferID
	c.offers[offer.OfferID] = offer
	c.created = append(c.created, offer)
	for _, p := range c.products {
		if p.ProductID == offer.ProductID {
			o := offer
			p.ActiveOffer = &o
		}
	}
	return offer.OfferID, nil
}

func (c *fakeCatalog) ListAllProducts(ctx context.Context) ([]shoper.Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]shoper.Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, *p)
	}
	return out, nil
}

// offersFor returns the live offers attached to productID.
func (c *fakeCatalog) offersFor(productID int64) []shoper.SpecialOffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []shoper.SpecialOffer
	for _, o := range c.offers {
		if o.ProductID == productID {
			out = append(out, o)
		}
	}
	return out
}

func (c *fakeCatalog) mutations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.removed) + len(c.created)
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func fixedSheet(rows ...[]string) *ledger.MemoryBackend {
	table := [][]string{{"code", "promo_price", "date_from", "date_to", "status"}}
	return ledger.NewMemoryBackend(append(table, rows...))
}

func percentSheet(rows ...[]string) *ledger.MemoryBackend {
	table := [][]string{{"code", "discount_percent", "date_from", "date_to", "status"}}
	return ledger.NewMemoryBackend(append(table, rows...))
}

func newTestWorkflow(t *testing.T, catalog Catalog, fixed, percent ledger.Backend, patchEvery int) *Workflow {
	t.Helper()
	cfg := WorkflowConfig{Catalog: catalog, Logger: quietLogger(), PatchEvery: patchEvery}
	if fixed != nil {
		cfg.FixedLedger = ledger.NewAdapter(fixed, ledger.DefaultColumns(), quietLogger())
	}
	if percent != nil {
		cfg.PercentLedger = ledger.NewAdapter(percent, ledger.DefaultColumns(), quietLogger())
	}
	w, err := NewWorkflow(cfg)
	require.NoError(t, err)
	return w
}

func statusOf(t *testing.T, b *ledger.MemoryBackend, row int) string {
	t.Helper()
	table, err := b.ReadAll(context.Background())
	require.NoError(t, err)
	require.Greater(t, len(table), row-1)
	r := table[row-1]
	if len(r) < 5 {
		return ""
	}
	return r[4]
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (p *fakePublisher) Publish(ctx context.Context, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, job)
	return nil
}
