package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/xuri/excelize/v2"
)

// Backend is the raw tabular store behind one worksheet.
type Backend interface {
	// ReadAll returns every non-empty row, header first. Rows may be ragged.
	ReadAll(ctx context.Context) ([][]string, error)
	Clear(ctx context.Context) error
	// WriteAll writes rows starting at A1.
	WriteAll(ctx context.Context, rows [][]string) error
	// UpdateCells writes only the given cells, in one round trip when the
	// store supports it.
	UpdateCells(ctx context.Context, updates []CellUpdate) error
}

// CellUpdate addresses a cell by 1-based row and column.
type CellUpdate struct {
	Row   int
	Col   int
	Value string
}

// CellName renders the A1 address of the update.
func (u CellUpdate) CellName() (string, error) {
	name, err := excelize.CoordinatesToCellName(u.Col, u.Row)
	if err != nil {
		return "", fmt.Errorf("cell (%d,%d): %w", u.Row, u.Col, err)
	}
	return name, nil
}

// MemoryBackend keeps the worksheet in memory. Used for dry runs and tests.
type MemoryBackend struct {
	mu     sync.Mutex
	rows   [][]string
	writes int
}

func NewMemoryBackend(rows [][]string) *MemoryBackend {
	return &MemoryBackend{rows: copyTable(rows)}
}

func (m *MemoryBackend) ReadAll(ctx context.Context) ([][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTable(m.rows), nil
}

func (m *MemoryBackend) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = nil
	m.writes++
	return nil
}

func (m *MemoryBackend) WriteAll(ctx context.Context, rows [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range rows {
		for j, v := range r {
			m.set(i+1, j+1, v)
		}
	}
	m.writes++
	return nil
}

func (m *MemoryBackend) UpdateCells(ctx context.Context, updates []CellUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		if u.Row < 1 || u.Col < 1 {
			return fmt.Errorf("invalid cell (%d,%d)", u.Row, u.Col)
		}
		m.set(u.Row, u.Col, u.Value)
	}
	m.writes++
	return nil
}

// Writes counts mutating calls.
func (m *MemoryBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryBackend) set(row, col int, v string) {
	for len(m.rows) < row {
		m.rows = append(m.rows, nil)
	}
	r := m.rows[row-1]
	for len(r) < col {
		r = append(r, "")
	}
	r[col-1] = v
	m.rows[row-1] = r
}

func copyTable(rows [][]string) [][]string {
	if rows == nil {
		return nil
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}
