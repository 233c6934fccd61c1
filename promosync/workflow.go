package promosync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/config"
	"bitbucket.org/mmdatafocus/promo_sync/ledger"
	"bitbucket.org/mmdatafocus/promo_sync/shoper"
	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const DefaultPatchEvery = 25

// Catalog is the part of the catalog client the reconciliation needs.
type Catalog interface {
	FindProductByCode(ctx context.Context, code string) (*shoper.Product, bool, error)
	RemoveSpecialOffer(ctx context.Context, offerID int64) error
	CreateSpecialOffer(ctx context.Context, offer shoper.SpecialOffer) (int64, error)
}

// Ledger is the sheet a variant reads its rows from and writes statuses to.
type Ledger interface {
	Columns() ledger.Columns
	ReadRows(ctx context.Context, filter ledger.RowFilter) ([]ledger.Row, error)
	PatchStatusByCode(ctx context.Context, rows []ledger.Row) (*ledger.PatchResult, error)
}

type WorkflowConfig struct {
	Catalog       Catalog
	FixedLedger   Ledger
	PercentLedger Ledger
	Logger        *logrus.Logger
	// PatchEvery flushes statuses to the ledger after this many rows.
	PatchEvery int
}

type RunOptions struct {
	RunID  string
	DryRun bool
}

// Workflow turns ledger rows into special offers, one row at a time.
type Workflow struct {
	catalog    Catalog
	ledgers    map[Variant]Ledger
	logger     *logrus.Logger
	patchEvery int
}

func NewWorkflow(cfg WorkflowConfig) (*Workflow, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("promosync: catalog is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	patchEvery := cfg.PatchEvery
	if patchEvery <= 0 {
		patchEvery = DefaultPatchEvery
	}
	ledgers := make(map[Variant]Ledger, 2)
	if cfg.FixedLedger != nil {
		ledgers[VariantFixed] = cfg.FixedLedger
	}
	if cfg.PercentLedger != nil {
		ledgers[VariantPercent] = cfg.PercentLedger
	}
	return &Workflow{catalog: cfg.Catalog, ledgers: ledgers, logger: logger, patchEvery: patchEvery}, nil
}

// SyncFixedDiscounts creates a FIXED_AMOUNT offer for every row of the fixed
// ledger, replacing any offer the product already has.
func (w *Workflow) SyncFixedDiscounts(ctx context.Context) (*Summary, error) {
	return w.Run(ctx, VariantFixed, RunOptions{})
}

// SyncPercentageDiscounts creates a PERCENTAGE offer for every row of the
// percentage ledger, replacing any offer the product already has.
func (w *Workflow) SyncPercentageDiscounts(ctx context.Context) (*Summary, error) {
	return w.Run(ctx, VariantPercent, RunOptions{})
}

// Run reconciles every row of the variant's ledger. Row failures end up in
// the row status; only ledger access failures and context cancellation are
// returned as errors. The summary is returned even then and holds the rows
// processed so far.
func (w *Workflow) Run(ctx context.Context, variant Variant, opts RunOptions) (*Summary, error) {
	lg, ok := w.ledgers[variant]
	if !ok {
		return nil, fmt.Errorf("promosync: no ledger configured for variant %q", variant)
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := w.logger.WithFields(logrus.Fields{"run_id": runID, "variant": variant, "dry_run": opts.DryRun})
	if cid, ok := utils.GetCorrelationIdFromContext(ctx); ok {
		log = log.WithField("correlation_id", cid)
	}

	summary := &Summary{RunID: runID, Variant: variant, DryRun: opts.DryRun, Results: []RowResult{}}

	rows, err := lg.ReadRows(ctx, ledger.NoFilter())
	if err != nil {
		config.LogError(w.logger, "promosync", "Run", "read ledger", runID, err)
		return summary, fmt.Errorf("read ledger: %w", err)
	}
	log.WithField("rows", len(rows)).Info("promotion sync started")

	var pending []ledger.Row
	flush := func(ctx context.Context) error {
		if len(pending) == 0 || opts.DryRun {
			pending = nil
			return nil
		}
		res, err := lg.PatchStatusByCode(ctx, pending)
		if err != nil {
			return err
		}
		summary.Patched += res.Updated
		summary.NotPatched = append(summary.NotPatched, res.NotUpdated...)
		pending = nil
		return nil
	}

	// Rows already acted on keep their status when the run is cancelled.
	abort := func(cause error) (*Summary, error) {
		if c := context.Cause(ctx); c != nil {
			cause = c
		}
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := flush(flushCtx); err != nil {
			config.LogError(w.logger, "promosync", "Run", "patch ledger after cancel", runID, err)
		}
		log.WithField("processed", summary.Total).Warn("promotion sync cancelled")
		return summary, cause
	}

	cols := lg.Columns()
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		result, err := w.reconcileRow(ctx, variant, row, cols, opts.DryRun)
		if err != nil {
			// Only cancellation escapes a row.
			return abort(err)
		}
		summary.record(result)
		log.WithFields(logrus.Fields{"code": result.Code, "row": result.RowNumber, "state": result.State}).Debug(result.Status)

		row.Status = result.Status
		pending = append(pending, row)
		if len(pending) >= w.patchEvery {
			if err := flush(ctx); err != nil {
				config.LogError(w.logger, "promosync", "Run", "patch ledger", runID, err)
				return summary, fmt.Errorf("patch ledger: %w", err)
			}
		}
	}
	if err := flush(ctx); err != nil {
		config.LogError(w.logger, "promosync", "Run", "patch ledger", runID, err)
		return summary, fmt.Errorf("patch ledger: %w", err)
	}
	if len(summary.NotPatched) > 0 {
		log.WithField("codes", summary.NotPatched).Warn("statuses not written back, codes no longer in ledger")
	}

	log.WithFields(logrus.Fields{
		"total":     summary.Total,
		"created":   summary.Created,
		"not_found": summary.NotFound,
		"failed":    summary.Failed,
		"planned":   summary.Planned,
		"patched":   summary.Patched,
	}).Info("promotion sync finished")
	return summary, nil
}

// reconcileRow drives one row from PENDING to a terminal state. The returned
// error is non-nil only when ctx was cancelled mid-row.
func (w *Workflow) reconcileRow(ctx context.Context, variant Variant, row ledger.Row, cols ledger.Columns, dryRun bool) (RowResult, error) {
	rr := &rowRun{RowResult: RowResult{RowNumber: row.RowNumber, Code: row.Code, State: StatePending}}

	req, err := parseRow(variant, row, cols)
	if err != nil {
		return rr.finish(StateInvalid, err.Error()), nil
	}
	code := req.ProductCode()

	product, found, err := w.catalog.FindProductByCode(ctx, code)
	if err != nil {
		if isCancelled(ctx, err) {
			return rr.RowResult, err
		}
		// Lookup failures are not a negative answer; the row cannot be resolved.
		return rr.finish(StateInvalid, errorStatus(err)), nil
	}
	if !found {
		return rr.finish(StateNotFound, fmt.Sprintf("product %s not found", code)), nil
	}
	rr.move(StateResolved)
	rr.ProductID = product.ProductID

	offer, err := req.Offer(*product)
	if err != nil {
		return rr.finish(StateInvalid, err.Error()), nil
	}

	if dryRun {
		status := "dry run: would create " + req.Describe(offer)
		if product.HasActiveOffer() {
			status += fmt.Sprintf(" replacing offer %d", product.ActiveOffer.OfferID)
		}
		return rr.finish(StatePlanned, status), nil
	}

	if product.HasActiveOffer() {
		existing := product.ActiveOffer.OfferID
		if err := w.catalog.RemoveSpecialOffer(ctx, existing); err != nil {
			if isCancelled(ctx, err) {
				return rr.RowResult, err
			}
			if apiErr, ok := shoper.AsAPIError(err); !ok || !apiErr.IsNotFound() {
				return rr.finish(StateRemovalFailed, fmt.Sprintf("failed to remove offer %d for %s: %s", existing, code, errorStatus(err))), nil
			}
		}
		rr.RemovedOfferID = existing
	}
	rr.move(StateOfferCleared)

	id, err := w.catalog.CreateSpecialOffer(ctx, offer)
	if err != nil {
		if isCancelled(ctx, err) {
			return rr.RowResult, err
		}
		return rr.finish(StateCreateFailed, errorStatus(err)), nil
	}
	rr.OfferID = id
	return rr.finish(StateCreated, fmt.Sprintf("offer %d created for %s", id, code)), nil
}

func parseRow(variant Variant, row ledger.Row, cols ledger.Columns) (offerRequest, error) {
	switch variant {
	case VariantFixed:
		return ParseFixedDiscountRow(row, cols)
	case VariantPercent:
		return ParsePercentDiscountRow(row, cols)
	default:
		return nil, fmt.Errorf("variant %q has no row format", variant)
	}
}

// errorStatus is the text written to the ledger for a failed call: the
// server's own description for API errors, the error text otherwise.
func errorStatus(err error) string {
	if apiErr, ok := shoper.AsAPIError(err); ok {
		return apiErr.Message()
	}
	return err.Error()
}

func isCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

type rowRun struct {
	RowResult
}

func (r *rowRun) move(next RowState) {
	if !r.State.CanMoveTo(next) {
		panic(fmt.Sprintf("promosync: illegal row transition %s -> %s", r.State, next))
	}
	r.State = next
}

func (r *rowRun) finish(next RowState, status string) RowResult {
	r.move(next)
	r.Status = status
	return r.RowResult
}
