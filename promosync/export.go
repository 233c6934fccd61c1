package promosync

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/config"
	"bitbucket.org/mmdatafocus/promo_sync/ledger"
	"bitbucket.org/mmdatafocus/promo_sync/shoper"
	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/sirupsen/logrus"
)

const (
	ProductsSnapshotFile = "shoper_all_products.xlsx"
	OffersSnapshotFile   = "shoper_all_special_offers.xlsx"
)

// ExportHeader is the column layout of the export worksheet.
var ExportHeader = []string{"code", "product_name", "price", "promo_price", "date_from", "date_to"}

var productsHeader = []string{
	"product_id", "code", "product_name", "price", "promo_price",
	"offer_id", "discount", "discount_type", "date_from", "date_to",
}

type ProductLister interface {
	ListAllProducts(ctx context.Context) ([]shoper.Product, error)
}

// ExportLedger is a worksheet that is rewritten wholesale.
type ExportLedger interface {
	OverwriteAll(ctx context.Context, header []string, rows [][]string) error
}

type ExporterConfig struct {
	Catalog ProductLister
	Ledger  ExportLedger
	// SnapshotDir receives xlsx copies of every listing. Empty disables them.
	SnapshotDir string
	// Uploader copies snapshots to a bucket when set.
	Uploader utils.Uploader
	Logger   *logrus.Logger
}

type Exporter struct {
	catalog     ProductLister
	ledger      ExportLedger
	snapshotDir string
	uploader    utils.Uploader
	logger      *logrus.Logger
}

func NewExporter(cfg ExporterConfig) *Exporter {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Exporter{
		catalog:     cfg.Catalog,
		ledger:      cfg.Ledger,
		snapshotDir: cfg.SnapshotDir,
		uploader:    cfg.Uploader,
		logger:      logger,
	}
}

type ExportResult struct {
	Products  int      `json:"products"`
	Exported  int      `json:"exported"`
	Snapshots []string `json:"snapshots,omitempty"`
}

// ExportSpecialOffers lists the whole catalog and rewrites the export
// worksheet with every product that currently has a promotion.
func (e *Exporter) ExportSpecialOffers(ctx context.Context) (*ExportResult, error) {
	products, err := e.catalog.ListAllProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	rows := SpecialOfferRows(products)
	res := &ExportResult{Products: len(products), Exported: len(rows)}

	if e.ledger != nil {
		if err := e.ledger.OverwriteAll(ctx, ExportHeader, rows); err != nil {
			return res, fmt.Errorf("write export sheet: %w", err)
		}
	}

	table := append([][]string{ExportHeader}, rows...)
	if path, err := e.snapshot(ctx, OffersSnapshotFile, "special_offers", table); err != nil {
		config.LogError(e.logger, "promosync", "ExportSpecialOffers", "snapshot", OffersSnapshotFile, err)
	} else if path != "" {
		res.Snapshots = append(res.Snapshots, path)
	}

	e.logger.WithFields(logrus.Fields{"products": res.Products, "exported": res.Exported}).Info("special offers exported")
	return res, nil
}

// SnapshotProducts writes the full catalog listing to the products snapshot.
func (e *Exporter) SnapshotProducts(ctx context.Context) (string, int, error) {
	products, err := e.catalog.ListAllProducts(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("list products: %w", err)
	}
	table := append([][]string{productsHeader}, ProductRows(products)...)
	path, err := e.snapshot(ctx, ProductsSnapshotFile, "products", table)
	if err != nil {
		return "", len(products), err
	}
	return path, len(products), nil
}

func (e *Exporter) snapshot(ctx context.Context, file, sheet string, table [][]string) (string, error) {
	if e.snapshotDir == "" {
		return "", nil
	}
	path := filepath.Join(e.snapshotDir, file)
	if err := ledger.SaveSnapshot(path, sheet, table); err != nil {
		return "", err
	}
	if e.uploader != nil {
		object := time.Now().UTC().Format("2006/01/02/150405_") + file
		if err := e.uploader.UploadFile(ctx, object, path); err != nil {
			return path, fmt.Errorf("upload %s: %w", file, err)
		}
		e.logger.WithFields(logrus.Fields{"object": object}).Info("snapshot uploaded")
	}
	return path, nil
}

// SpecialOfferRows renders the products that carry a promotion as export rows.
func SpecialOfferRows(products []shoper.Product) [][]string {
	rows := make([][]string, 0)
	for _, p := range products {
		if !p.HasActiveOffer() && p.PromoPrice == nil {
			continue
		}
		from, to := "", ""
		if p.ActiveOffer != nil {
			from = utils.FormatDisplay(p.ActiveOffer.DateFrom)
			to = utils.FormatDisplay(p.ActiveOffer.DateTo)
		}
		rows = append(rows, []string{
			p.Code,
			p.Name,
			p.RegularPrice.String(),
			promoPrice(p),
			from,
			to,
		})
	}
	return rows
}

func ProductRows(products []shoper.Product) [][]string {
	rows := make([][]string, 0, len(products))
	for _, p := range products {
		row := []string{
			strconv.FormatInt(p.ProductID, 10),
			p.Code,
			p.Name,
			p.RegularPrice.String(),
			promoPrice(p),
			"", "", "", "", "",
		}
		if o := p.ActiveOffer; o != nil {
			row[5] = strconv.FormatInt(o.OfferID, 10)
			row[6] = o.Discount.String()
			row[7] = o.DiscountType.String()
			row[8] = utils.FormatDisplay(o.DateFrom)
			row[9] = utils.FormatDisplay(o.DateTo)
		}
		rows = append(rows, row)
	}
	return rows
}

func promoPrice(p shoper.Product) string {
	if p.PromoPrice != nil {
		return p.PromoPrice.String()
	}
	return ""
}
