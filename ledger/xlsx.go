package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

const defaultSheet = "Sheet1"

// XLSXBackend keeps the ledger in a local workbook. Every call opens and
// saves the file so the workbook on disk is always current.
type XLSXBackend struct {
	path      string
	sheetName string
}

func NewXLSXBackend(path, sheetName string) *XLSXBackend {
	return &XLSXBackend{path: path, sheetName: SafeSheetName(sheetName)}
}

func (b *XLSXBackend) ReadAll(ctx context.Context) ([][]string, error) {
	if _, err := os.Stat(b.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	f, err := excelize.OpenFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.path, err)
	}
	defer f.Close()

	idx, err := f.GetSheetIndex(b.sheetName)
	if err != nil || idx < 0 {
		return nil, nil
	}
	rows, err := f.GetRows(b.sheetName)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", b.path, b.sheetName, err)
	}
	return rows, nil
}

func (b *XLSXBackend) Clear(ctx context.Context) error {
	return b.edit(func(f *excelize.File) error {
		rows, err := f.GetRows(b.sheetName)
		if err != nil {
			return err
		}
		for i := len(rows); i >= 1; i-- {
			if err := f.RemoveRow(b.sheetName, i); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *XLSXBackend) WriteAll(ctx context.Context, rows [][]string) error {
	return b.edit(func(f *excelize.File) error {
		return writeRows(f, b.sheetName, rows)
	})
}

func (b *XLSXBackend) UpdateCells(ctx context.Context, updates []CellUpdate) error {
	return b.edit(func(f *excelize.File) error {
		for _, u := range updates {
			name, err := u.CellName()
			if err != nil {
				return err
			}
			if err := f.SetCellStr(b.sheetName, name, u.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *XLSXBackend) edit(fn func(f *excelize.File) error) error {
	f, err := b.open()
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fn(f); err != nil {
		return fmt.Errorf("edit %s/%s: %w", b.path, b.sheetName, err)
	}
	if err := f.SaveAs(b.path); err != nil {
		return fmt.Errorf("save %s: %w", b.path, err)
	}
	return nil
}

func (b *XLSXBackend) open() (*excelize.File, error) {
	var f *excelize.File
	if _, err := os.Stat(b.path); errors.Is(err, os.ErrNotExist) {
		f = excelize.NewFile()
		if b.sheetName != defaultSheet {
			if err := f.SetSheetName(defaultSheet, b.sheetName); err != nil {
				f.Close()
				return nil, err
			}
		}
		return f, nil
	}
	f, err := excelize.OpenFile(b.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.path, err)
	}
	if idx, err := f.GetSheetIndex(b.sheetName); err != nil || idx < 0 {
		if _, err := f.NewSheet(b.sheetName); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// SaveSnapshot writes table into a fresh workbook at path, replacing any
// existing file. Parent directories are created.
func SaveSnapshot(path, sheetName string, table [][]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	f := excelize.NewFile()
	defer f.Close()

	name := SafeSheetName(sheetName)
	if name != defaultSheet {
		if err := f.SetSheetName(defaultSheet, name); err != nil {
			return err
		}
	}
	if err := writeRows(f, name, table); err != nil {
		return fmt.Errorf("snapshot %s: %w", path, err)
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("snapshot %s: %w", path, err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]string) error {
	for i, r := range rows {
		start, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(r))
		for j, v := range r {
			values[j] = v
		}
		if err := f.SetSheetRow(sheet, start, &values); err != nil {
			return err
		}
	}
	return nil
}

// SafeSheetName trims a worksheet name to what Excel accepts.
func SafeSheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case ':', '\\', '/', '?', '*', '[', ']':
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" {
		return defaultSheet
	}
	if r := []rune(name); len(r) > 31 {
		name = string(r[:31])
	}
	return name
}
