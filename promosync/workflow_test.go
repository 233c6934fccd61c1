package promosync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/ledger"
	"bitbucket.org/mmdatafocus/promo_sync/shoper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSyncFixedDiscounts_CreatesOfferAndPatchesStatus(t *testing.T) {
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100")})
	sheet := fixedSheet([]string{"A1", "80", "01-06-2024", "30-06-2024", ""})
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.SyncFixedDiscounts(context.Background())
	require.NoError(t, err)

	require.Len(t, catalog.created, 1)
	offer := catalog.created[0]
	assert.Equal(t, int64(11), offer.ProductID)
	assert.True(t, offer.Discount.Equal(dec(t, "20")), "discount %s", offer.Discount)
	assert.Equal(t, shoper.DiscountFixedAmount, offer.DiscountType)
	assert.Equal(t, date(2024, time.June, 1), offer.DateFrom)
	assert.Equal(t, date(2024, time.June, 30), offer.DateTo)
	assert.Empty(t, catalog.removed)

	assert.Equal(t, "offer 1001 created for A1", statusOf(t, sheet, 2))
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Patched)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, StateCreated, summary.Results[0].State)
	assert.Equal(t, int64(1001), summary.Results[0].OfferID)
}

func TestSyncFixedDiscounts_UnknownProduct(t *testing.T) {
	catalog := newFakeCatalog()
	sheet := fixedSheet([]string{"B2", "50", "01-06-2024", "30-06-2024", ""})
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.SyncFixedDiscounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "product B2 not found", statusOf(t, sheet, 2))
	assert.Zero(t, catalog.mutations())
	assert.Equal(t, 1, summary.NotFound)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, StateNotFound, summary.Results[0].State)
}

func TestSyncFixedDiscounts_ReplacesExistingOffer(t *testing.T) {
	existing := &shoper.SpecialOffer{
		OfferID: 7, ProductID: 11, Discount: dec(t, "5"), DiscountType: shoper.DiscountFixedAmount,
		DateFrom: date(2024, time.May, 1), DateTo: date(2024, time.May, 31),
	}
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100"), ActiveOffer: existing})
	sheet := fixedSheet([]string{"A1", "80", "01-06-2024", "30-06-2024", ""})
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.SyncFixedDiscounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{7}, catalog.removed)
	offers := catalog.offersFor(11)
	require.Len(t, offers, 1)
	assert.Equal(t, int64(1001), offers[0].OfferID)
	assert.Equal(t, int64(7), summary.Results[0].RemovedOfferID)
}

func TestSyncPercentageDiscounts_RerunKeepsOneOffer(t *testing.T) {
	catalog := newFakeCatalog(shoper.Product{ProductID: 21, Code: "P1", RegularPrice: dec(t, "40")})
	sheet := percentSheet([]string{"P1", "15", "01-07-2024", "31-07-2024", ""})
	w := newTestWorkflow(t, catalog, nil, sheet, 0)

	_, err := w.SyncPercentageDiscounts(context.Background())
	require.NoError(t, err)
	summary, err := w.SyncPercentageDiscounts(context.Background())
	require.NoError(t, err)

	offers := catalog.offersFor(21)
	require.Len(t, offers, 1)
	assert.Equal(t, shoper.DiscountPercentage, offers[0].DiscountType)
	assert.True(t, offers[0].Discount.Equal(dec(t, "15")))
	assert.Equal(t, []int64{1001}, catalog.removed)
	assert.Equal(t, "offer 1002 created for P1", statusOf(t, sheet, 2))
	assert.Equal(t, 1, summary.Created)
}

func TestSync_RemovalFailureLeavesExistingOffer(t *testing.T) {
	existing := &shoper.SpecialOffer{OfferID: 7, ProductID: 11, Discount: dec(t, "5"), DiscountType: shoper.DiscountFixedAmount}
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100"), ActiveOffer: existing})
	catalog.removeErr[7] = &shoper.APIError{Operation: "remove special offer", StatusCode: 500, Description: "backend down"}
	sheet := fixedSheet([]string{"A1", "80", "01-06-2024", "30-06-2024", ""})
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.SyncFixedDiscounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "failed to remove offer 7 for A1: backend down", statusOf(t, sheet, 2))
	assert.Empty(t, catalog.created)
	assert.Len(t, catalog.offersFor(11), 1)
	assert.Equal(t, StateRemovalFailed, summary.Results[0].State)
	assert.Equal(t, 1, summary.Failed)
}

func TestSync_RemovalOfVanishedOfferCountsAsCleared(t *testing.T) {
	existing := &shoper.SpecialOffer{OfferID: 7, ProductID: 11, Discount: dec(t, "5"), DiscountType: shoper.DiscountFixedAmount}
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100"), ActiveOffer: existing})
	catalog.removeErr[7] = &shoper.APIError{Operation: "remove special offer", StatusCode: 404}
	sheet := fixedSheet([]string{"A1", "80", "01-06-2024", "30-06-2024", ""})
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.SyncFixedDiscounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCreated, summary.Results[0].State)
	assert.Len(t, catalog.created, 1)
}

func TestSync_CreateFailureUsesServerDescription(t *testing.T) {
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100")})
	catalog.createErr = &shoper.APIError{Operation: "create special offer", StatusCode: 400, Description: "date_to must be in the future"}
	sheet := fixedSheet([]string{"A1", "80", "01-06-2024", "30-06-2024", ""})
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.SyncFixedDiscounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "date_to must be in the future", statusOf(t, sheet, 2))
	assert.Equal(t, StateCreateFailed, summary.Results[0].State)
}

func TestSync_PromoPriceNotBelowRegularPrice(t *testing.T) {
	existing := &shoper.SpecialOffer{OfferID: 7, ProductID: 11, Discount: dec(t, "5"), DiscountType: shoper.DiscountFixedAmount}
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100"), ActiveOffer: existing})
	sheet := fixedSheet([]string{"A1", "120", "01-06-2024", "30-06-2024", ""})
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.SyncFixedDiscounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateInvalid, summary.Results[0].State)
	assert.Contains(t, statusOf(t, sheet, 2), "not below regular price")
	assert.Zero(t, catalog.mutations())
}

func TestSync_InvalidRowsNeverReachCatalog(t *testing.T) {
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100")})
	sheet := fixedSheet(
		[]string{"A1", "abc", "01-06-2024", "30-06-2024", ""},
		[]string{"A1", "80", "2024-06-01", "30-06-2024", ""},
	)
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.SyncFixedDiscounts(context.Background())
	require.NoError(t, err)

	assert.Zero(t, catalog.lookups)
	assert.Equal(t, 2, summary.Failed)
	assert.Contains(t, statusOf(t, sheet, 2), "invalid promo_price")
	assert.Contains(t, statusOf(t, sheet, 3), "invalid date_from")
}

func TestSync_LookupFailureMarksRowInvalid(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.lookupErr["A1"] = errors.New("connection reset")
	sheet := fixedSheet([]string{"A1", "80", "01-06-2024", "30-06-2024", ""})
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.SyncFixedDiscounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "connection reset", statusOf(t, sheet, 2))
	assert.Equal(t, StateInvalid, summary.Results[0].State)
}

func TestSync_PatchesIncrementally(t *testing.T) {
	var products []shoper.Product
	var rows [][]string
	for i := 1; i <= 5; i++ {
		code := fmt.Sprintf("C%d", i)
		products = append(products, shoper.Product{ProductID: int64(i), Code: code, RegularPrice: dec(t, "10")})
		rows = append(rows, []string{code, "8", "01-06-2024", "30-06-2024", ""})
	}
	catalog := newFakeCatalog(products...)
	sheet := fixedSheet(rows...)
	w := newTestWorkflow(t, catalog, sheet, nil, 2)

	summary, err := w.SyncFixedDiscounts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sheet.Writes())
	assert.Equal(t, 5, summary.Patched)
	for i := 2; i <= 6; i++ {
		assert.Contains(t, statusOf(t, sheet, i), "created for C")
	}
}

func TestSync_DryRunTouchesNothing(t *testing.T) {
	existing := &shoper.SpecialOffer{OfferID: 7, ProductID: 11, Discount: dec(t, "5"), DiscountType: shoper.DiscountFixedAmount}
	catalog := newFakeCatalog(shoper.Product{ProductID: 11, Code: "A1", RegularPrice: dec(t, "100"), ActiveOffer: existing})
	sheet := fixedSheet([]string{"A1", "80", "01-06-2024", "30-06-2024", "old"})
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.Run(context.Background(), VariantFixed, RunOptions{DryRun: true})
	require.NoError(t, err)

	assert.Zero(t, catalog.mutations())
	assert.Zero(t, sheet.Writes())
	assert.Equal(t, "old", statusOf(t, sheet, 2))
	require.Len(t, summary.Results, 1)
	r := summary.Results[0]
	assert.Equal(t, StatePlanned, r.State)
	assert.Equal(t, "dry run: would create FIXED_AMOUNT offer 20 for A1 (2024-06-01 00:00:00 - 2024-06-30 00:00:00) replacing offer 7", r.Status)
	assert.Equal(t, 1, summary.Planned)
}

func TestSync_CancelKeepsProcessedStatuses(t *testing.T) {
	catalog := newFakeCatalog(
		shoper.Product{ProductID: 1, Code: "A1", RegularPrice: dec(t, "10")},
		shoper.Product{ProductID: 2, Code: "C2", RegularPrice: dec(t, "10")},
		shoper.Product{ProductID: 3, Code: "D3", RegularPrice: dec(t, "10")},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	catalog.onLookup = func(code string) {
		if code == "C2" {
			cancel()
		}
	}
	sheet := fixedSheet(
		[]string{"A1", "8", "01-06-2024", "30-06-2024", ""},
		[]string{"C2", "8", "01-06-2024", "30-06-2024", ""},
		[]string{"D3", "8", "01-06-2024", "30-06-2024", ""},
	)
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	summary, err := w.SyncFixedDiscounts(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, summary)

	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, "offer 1001 created for A1", statusOf(t, sheet, 2))
	assert.Empty(t, statusOf(t, sheet, 3))
	assert.Empty(t, statusOf(t, sheet, 4))
	assert.Len(t, catalog.created, 1)
}

func TestSync_ReadFailureIsReturned(t *testing.T) {
	catalog := newFakeCatalog()
	sheet := ledger.NewMemoryBackend([][]string{{"sku", "promo_price"}, {"A1", "1"}})
	w := newTestWorkflow(t, catalog, sheet, nil, 0)

	_, err := w.SyncFixedDiscounts(context.Background())
	var missing *ledger.ColumnMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "code", missing.Column)
}

func TestRun_VariantWithoutLedger(t *testing.T) {
	w := newTestWorkflow(t, newFakeCatalog(), fixedSheet(), nil, 0)

	_, err := w.Run(context.Background(), VariantPercent, RunOptions{})
	assert.Error(t, err)
}

func TestNewWorkflow_RequiresCatalog(t *testing.T) {
	_, err := NewWorkflow(WorkflowConfig{})
	assert.Error(t, err)
}
