package ledger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func sampleTable() [][]string {
	return [][]string{
		{"code", "a", "b", "status"},
		{"P1", "x1", "y1", ""},
		{"P2", "x2", "y2", "old"},
		{"", "orphan", "", ""},
		{"P3", "x3", "y3", ""},
	}
}

func TestReadRowsKeepsSheetRowNumbers(t *testing.T) {
	a := NewAdapter(NewMemoryBackend(sampleTable()), DefaultColumns(), quietLogger())

	rows, err := a.ReadRows(context.Background(), NoFilter())
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "P1", rows[0].Code)
	assert.Equal(t, 2, rows[0].RowNumber)
	assert.Equal(t, "P2", rows[1].Code)
	assert.Equal(t, 3, rows[1].RowNumber)
	assert.Equal(t, "old", rows[1].Status)
	assert.Equal(t, "P3", rows[2].Code)
	assert.Equal(t, 5, rows[2].RowNumber)
	assert.Equal(t, "x3", rows[2].Cells["a"])
}

func TestReadRowsEmptySheet(t *testing.T) {
	a := NewAdapter(NewMemoryBackend(nil), DefaultColumns(), quietLogger())

	rows, err := a.ReadRows(context.Background(), NoFilter())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReadRowsMissingCodeColumn(t *testing.T) {
	a := NewAdapter(NewMemoryBackend([][]string{{"sku", "status"}, {"P1", ""}}), DefaultColumns(), quietLogger())

	_, err := a.ReadRows(context.Background(), NoFilter())
	var missing *ColumnMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "code", missing.Column)
}

func TestReadRowsHeaderMatchIgnoresCase(t *testing.T) {
	table := [][]string{{" Code ", "PROMO_PRICE"}, {"P1", "9,99"}}
	a := NewAdapter(NewMemoryBackend(table), DefaultColumns(), quietLogger())

	rows, err := a.ReadRows(context.Background(), NoFilter())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "9,99", rows[0].PromoPrice)
}

func TestRowFilters(t *testing.T) {
	table := [][]string{
		{"code", "status"},
		{"P1", "done"},
		{"P2", "done later"},
		{"P3", ""},
	}
	cases := map[string]struct {
		filter RowFilter
		want   []string
	}{
		"none":     {filter: NoFilter(), want: []string{"P1", "P2", "P3"}},
		"exact":    {filter: ExcludeStatus("done"), want: []string{"P2", "P3"}},
		"contains": {filter: ExcludeStatusContaining("done"), want: []string{"P3"}},
		"empty":    {filter: ExcludeStatusContaining(""), want: []string{"P1", "P2", "P3"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			a := NewAdapter(NewMemoryBackend(table), DefaultColumns(), quietLogger())
			rows, err := a.ReadRows(context.Background(), tc.filter)
			require.NoError(t, err)
			var codes []string
			for _, r := range rows {
				codes = append(codes, r.Code)
			}
			assert.Equal(t, tc.want, codes)
		})
	}
}

func TestParseRowFilter(t *testing.T) {
	f, err := ParseRowFilter("Contains", "ok")
	require.NoError(t, err)
	assert.Equal(t, ExcludeStatusContaining("ok"), f)
	assert.Equal(t, `contains("ok")`, f.String())

	f, err = ParseRowFilter("", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "none", f.String())

	_, err = ParseRowFilter("regex", "x")
	assert.Error(t, err)
}

func TestPatchTouchesOnlyStatusColumn(t *testing.T) {
	before := sampleTable()
	backend := NewMemoryBackend(before)
	a := NewAdapter(backend, DefaultColumns(), quietLogger())

	res, err := a.PatchStatusByCode(context.Background(), []Row{{RowNumber: 3, Code: "P2", Status: "offer 7 created for P2"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.NotUpdated)

	after, _ := backend.ReadAll(context.Background())
	require.Len(t, after, len(before))
	for i := range before {
		for j := 0; j < 3; j++ {
			assert.Equal(t, before[i][j], after[i][j], "cell (%d,%d) changed", i+1, j+1)
		}
	}
	assert.Equal(t, "offer 7 created for P2", after[2][3])
	assert.Equal(t, "", after[1][3])
}

func TestPatchEmptyInputWritesNothing(t *testing.T) {
	backend := NewMemoryBackend(sampleTable())
	a := NewAdapter(backend, DefaultColumns(), quietLogger())

	res, err := a.PatchStatusByCode(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 0, backend.Writes())
}

func TestPatchReportsUnmatchedCodes(t *testing.T) {
	backend := NewMemoryBackend(sampleTable())
	a := NewAdapter(backend, DefaultColumns(), quietLogger())

	res, err := a.PatchStatusByCode(context.Background(), []Row{
		{Code: "P1", Status: "s1"},
		{Code: "GONE", Status: "s2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []string{"GONE"}, res.NotUpdated)
	assert.Equal(t, 1, backend.Writes())

	res, err = a.PatchStatusByCode(context.Background(), []Row{{Code: "GONE", Status: "s"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 1, backend.Writes())
}

func TestPatchFollowsMovedRows(t *testing.T) {
	backend := NewMemoryBackend(sampleTable())
	a := NewAdapter(backend, DefaultColumns(), quietLogger())

	// P3 was read at row 5 but a row was inserted above it since.
	require.NoError(t, backend.WriteAll(context.Background(), [][]string{
		{"code", "a", "b", "status"},
		{"P1", "x1", "y1", ""},
		{"NEW", "", "", ""},
		{"P2", "x2", "y2", "old"},
		{"", "orphan", "", ""},
		{"P3", "x3", "y3", ""},
	}))

	_, err := a.PatchStatusByCode(context.Background(), []Row{{RowNumber: 5, Code: "P3", Status: "moved"}})
	require.NoError(t, err)

	after, _ := backend.ReadAll(context.Background())
	assert.Equal(t, "moved", after[5][3])
	assert.Equal(t, "", after[4][3])
}

func TestPatchDuplicateCodesUsesOwnRow(t *testing.T) {
	table := [][]string{{"code", "status"}, {"P1", ""}, {"P1", ""}}
	backend := NewMemoryBackend(table)
	a := NewAdapter(backend, DefaultColumns(), quietLogger())

	_, err := a.PatchStatusByCode(context.Background(), []Row{{RowNumber: 3, Code: "P1", Status: "second"}})
	require.NoError(t, err)

	after, _ := backend.ReadAll(context.Background())
	assert.Equal(t, "", after[1][1])
	assert.Equal(t, "second", after[2][1])
}

func TestPatchAddsMissingStatusColumn(t *testing.T) {
	table := [][]string{{"code", "promo_price"}, {"P1", "10"}}
	backend := NewMemoryBackend(table)
	a := NewAdapter(backend, DefaultColumns(), quietLogger())

	res, err := a.PatchStatusByCode(context.Background(), []Row{{Code: "P1", Status: "done"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	after, _ := backend.ReadAll(context.Background())
	assert.Equal(t, []string{"code", "promo_price", "status"}, after[0])
	assert.Equal(t, []string{"P1", "10", "done"}, after[1])
}

func TestPatchEmptySheet(t *testing.T) {
	a := NewAdapter(NewMemoryBackend(nil), DefaultColumns(), quietLogger())

	_, err := a.PatchStatusByCode(context.Background(), []Row{{Code: "P1", Status: "x"}})
	assert.ErrorIs(t, err, ErrNoHeader)
}

func TestOverwriteAll(t *testing.T) {
	backend := NewMemoryBackend(sampleTable())
	a := NewAdapter(backend, DefaultColumns(), quietLogger())

	err := a.OverwriteAll(context.Background(), []string{"code", "price"}, [][]string{{"P9", "1.00"}})
	require.NoError(t, err)

	after, _ := backend.ReadAll(context.Background())
	assert.Equal(t, [][]string{{"code", "price"}, {"P9", "1.00"}}, after)
}

func TestXLSXBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.xlsx")
	backend := NewXLSXBackend(path, "Do importu")
	a := NewAdapter(backend, DefaultColumns(), quietLogger())

	require.NoError(t, a.OverwriteAll(context.Background(), []string{"code", "a", "status"}, [][]string{
		{"0012", "keep", ""},
		{"P2", "keep", ""},
	}))

	rows, err := a.ReadRows(context.Background(), NoFilter())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "0012", rows[0].Code)

	_, err = a.PatchStatusByCode(context.Background(), []Row{{RowNumber: 3, Code: "P2", Status: "done"}})
	require.NoError(t, err)

	table, err := backend.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "keep", table[2][1])
	assert.Equal(t, "done", table[2][2])
}

func TestSaveSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snap.xlsx")
	require.NoError(t, SaveSnapshot(path, "all/products", [][]string{{"code"}, {"P1"}}))

	table, err := NewXLSXBackend(path, "all/products").ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"code"}, {"P1"}}, table)
}

func TestSafeSheetName(t *testing.T) {
	assert.Equal(t, "Sheet1", SafeSheetName("  "))
	assert.Equal(t, "a_b", SafeSheetName("a/b"))
	assert.Len(t, []rune(SafeSheetName(strings.Repeat("x", 40))), 31)
}

func TestSheetsBackendPatch(t *testing.T) {
	var batch sheets.BatchUpdateValuesRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"range":"'Do importu'!A1:C3","values":[["code","a","status"],["P1","x",""],["P2","y",""]]}`))
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":batchUpdate"):
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&batch))
			_, _ = w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	backend, err := NewSheetsBackend(ctx, "sheet-id", "Do importu",
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	a := NewAdapter(backend, DefaultColumns(), quietLogger())

	res, err := a.PatchStatusByCode(ctx, []Row{{RowNumber: 3, Code: "P2", Status: "done"}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	assert.Equal(t, "RAW", batch.ValueInputOption)
	require.Len(t, batch.Data, 1)
	assert.Equal(t, "'Do importu'!C3", batch.Data[0].Range)
	assert.Equal(t, [][]interface{}{{"done"}}, batch.Data[0].Values)
}
