package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var ErrNoHeader = errors.New("ledger: sheet has no header row")

// ColumnMissingError reports a required header that is absent from the sheet.
type ColumnMissingError struct {
	Column string
}

func (e *ColumnMissingError) Error() string {
	return fmt.Sprintf("ledger: column %q not found in header", e.Column)
}

type PatchResult struct {
	Updated    int
	NotUpdated []string
}

// Adapter maps a worksheet to typed rows and writes statuses back to it.
type Adapter struct {
	backend Backend
	columns Columns
	logger  *logrus.Logger
}

func NewAdapter(backend Backend, columns Columns, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	defaults := DefaultColumns()
	if columns.Code == "" {
		columns.Code = defaults.Code
	}
	if columns.Status == "" {
		columns.Status = defaults.Status
	}
	return &Adapter{backend: backend, columns: columns, logger: logger}
}

func (a *Adapter) Columns() Columns {
	return a.columns
}

// ReadTable returns the raw sheet contents, header first.
func (a *Adapter) ReadTable(ctx context.Context) ([][]string, error) {
	return a.backend.ReadAll(ctx)
}

// ReadRows reads the sheet as rows with stable row numbers. Rows with a blank
// code are dropped, then filter is applied. An empty sheet yields no rows.
func (a *Adapter) ReadRows(ctx context.Context, filter RowFilter) ([]Row, error) {
	table, err := a.backend.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(table) == 0 {
		return nil, nil
	}

	header := table[0]
	idx := indexHeader(header)
	codeCol := idx.find(a.columns.Code)
	if codeCol < 0 {
		return nil, &ColumnMissingError{Column: a.columns.Code}
	}
	promoCol := idx.find(a.columns.PromoPrice)
	percentCol := idx.find(a.columns.DiscountPercent)
	fromCol := idx.find(a.columns.DateFrom)
	toCol := idx.find(a.columns.DateTo)
	statusCol := idx.find(a.columns.Status)

	rows := make([]Row, 0, len(table)-1)
	skipped := 0
	for i, values := range table[1:] {
		code := cell(values, codeCol)
		if code == "" {
			continue
		}
		r := Row{
			RowNumber:       i + 2,
			Code:            code,
			PromoPrice:      cell(values, promoCol),
			DiscountPercent: cell(values, percentCol),
			DateFrom:        cell(values, fromCol),
			DateTo:          cell(values, toCol),
			Status:          cell(values, statusCol),
			Cells:           make(map[string]string, len(header)),
		}
		for j, h := range header {
			if h == "" {
				continue
			}
			r.Cells[h] = cell(values, j)
		}
		if !filter.Keep(r) {
			skipped++
			continue
		}
		rows = append(rows, r)
	}
	if skipped > 0 {
		a.logger.WithFields(logrus.Fields{"filter": filter.String(), "skipped": skipped}).Debug("ledger rows filtered")
	}
	return rows, nil
}

// OverwriteAll clears the sheet and writes header plus rows. It is meant for
// full exports, never for status patch-back.
func (a *Adapter) OverwriteAll(ctx context.Context, header []string, rows [][]string) error {
	if err := a.backend.Clear(ctx); err != nil {
		return fmt.Errorf("clear ledger: %w", err)
	}
	table := make([][]string, 0, len(rows)+1)
	table = append(table, header)
	table = append(table, rows...)
	if err := a.backend.WriteAll(ctx, table); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// PatchStatusByCode writes each row's Status into the status column only.
// Target rows are located on a fresh read: the row's own RowNumber when that
// sheet row still carries the same code, otherwise the first row with the
// code. Codes that cannot be located are returned in NotUpdated.
func (a *Adapter) PatchStatusByCode(ctx context.Context, rows []Row) (*PatchResult, error) {
	res := &PatchResult{}
	if len(rows) == 0 {
		return res, nil
	}

	table, err := a.backend.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger for patch: %w", err)
	}
	if len(table) == 0 {
		return nil, ErrNoHeader
	}
	header := table[0]
	idx := indexHeader(header)
	codeCol := idx.find(a.columns.Code)
	if codeCol < 0 {
		return nil, &ColumnMissingError{Column: a.columns.Code}
	}

	var updates []CellUpdate
	statusCol := idx.find(a.columns.Status)
	if statusCol < 0 {
		statusCol = firstFreeColumn(header)
		updates = append(updates, CellUpdate{Row: 1, Col: statusCol + 1, Value: a.columns.Status})
	}

	byCode := make(map[string]int, len(table))
	for i := len(table) - 1; i >= 1; i-- {
		if code := cell(table[i], codeCol); code != "" {
			byCode[code] = i + 1
		}
	}

	seen := make(map[int]int)
	for _, r := range rows {
		code := strings.TrimSpace(r.Code)
		rowNumber := 0
		if r.RowNumber >= 2 && r.RowNumber <= len(table) && cell(table[r.RowNumber-1], codeCol) == code {
			rowNumber = r.RowNumber
		} else if n, ok := byCode[code]; ok {
			rowNumber = n
		}
		if code == "" || rowNumber == 0 {
			res.NotUpdated = append(res.NotUpdated, code)
			continue
		}
		u := CellUpdate{Row: rowNumber, Col: statusCol + 1, Value: r.Status}
		if pos, dup := seen[rowNumber]; dup {
			updates[pos] = u
			continue
		}
		seen[rowNumber] = len(updates)
		updates = append(updates, u)
		res.Updated++
	}

	if res.Updated == 0 {
		a.logger.WithFields(logrus.Fields{"not_updated": len(res.NotUpdated)}).Warn("ledger patch matched no rows")
		return res, nil
	}
	if err := a.backend.UpdateCells(ctx, updates); err != nil {
		return nil, fmt.Errorf("patch ledger status: %w", err)
	}
	a.logger.WithFields(logrus.Fields{"updated": res.Updated, "not_updated": len(res.NotUpdated)}).Info("ledger status patched")
	return res, nil
}

func firstFreeColumn(header []string) int {
	n := len(header)
	for n > 0 && strings.TrimSpace(header[n-1]) == "" {
		n--
	}
	return n
}
