package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// valueInputRaw stores values exactly as given, so codes like "0012" keep
// their leading zeros.
const valueInputRaw = "RAW"

// SheetsBackend is one worksheet of a Google Sheets spreadsheet.
type SheetsBackend struct {
	svc           *sheets.Service
	spreadsheetID string
	sheetName     string
}

func NewSheetsBackend(ctx context.Context, spreadsheetID, sheetName string, opts ...option.ClientOption) (*SheetsBackend, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, errors.New("spreadsheet id is empty")
	}
	if strings.TrimSpace(sheetName) == "" {
		return nil, errors.New("worksheet name is empty")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect google sheets: %w", err)
	}
	return NewSheetsBackendWithService(svc, spreadsheetID, sheetName), nil
}

func NewSheetsBackendWithService(svc *sheets.Service, spreadsheetID, sheetName string) *SheetsBackend {
	return &SheetsBackend{svc: svc, spreadsheetID: spreadsheetID, sheetName: sheetName}
}

// SheetsCredentials builds client options from an inline JSON key or a key
// file; inline JSON wins when both are set.
func SheetsCredentials(credentialsJSON, credentialsFile string) []option.ClientOption {
	opts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsScope)}
	switch {
	case strings.TrimSpace(credentialsJSON) != "":
		opts = append(opts, option.WithCredentialsJSON([]byte(credentialsJSON)))
	case strings.TrimSpace(credentialsFile) != "":
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	return opts
}

func (b *SheetsBackend) ReadAll(ctx context.Context) ([][]string, error) {
	resp, err := b.svc.Spreadsheets.Values.Get(b.spreadsheetID, b.sheetRange("")).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheets get %s: %w", b.sheetName, err)
	}
	out := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		out[i] = make([]string, len(row))
		for j, v := range row {
			if v == nil {
				continue
			}
			out[i][j] = fmt.Sprint(v)
		}
	}
	return out, nil
}

func (b *SheetsBackend) Clear(ctx context.Context) error {
	_, err := b.svc.Spreadsheets.Values.Clear(b.spreadsheetID, b.sheetRange(""), &sheets.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets clear %s: %w", b.sheetName, err)
	}
	return nil
}

func (b *SheetsBackend) WriteAll(ctx context.Context, rows [][]string) error {
	vr := &sheets.ValueRange{Values: toValues(rows)}
	_, err := b.svc.Spreadsheets.Values.Update(b.spreadsheetID, b.sheetRange("A1"), vr).
		ValueInputOption(valueInputRaw).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("sheets update %s: %w", b.sheetName, err)
	}
	return nil
}

func (b *SheetsBackend) UpdateCells(ctx context.Context, updates []CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	data := make([]*sheets.ValueRange, 0, len(updates))
	for _, u := range updates {
		name, err := u.CellName()
		if err != nil {
			return err
		}
		data = append(data, &sheets.ValueRange{
			Range:  b.sheetRange(name),
			Values: [][]interface{}{{u.Value}},
		})
	}
	req := &sheets.BatchUpdateValuesRequest{ValueInputOption: valueInputRaw, Data: data}
	if _, err := b.svc.Spreadsheets.Values.BatchUpdate(b.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("sheets batch update %s: %w", b.sheetName, err)
	}
	return nil
}

// sheetRange quotes the worksheet name for A1 notation, e.g. 'Do importu'!C5.
func (b *SheetsBackend) sheetRange(cellRef string) string {
	name := "'" + strings.ReplaceAll(b.sheetName, "'", "''") + "'"
	if cellRef == "" {
		return name
	}
	return name + "!" + cellRef
}

func toValues(rows [][]string) [][]interface{} {
	out := make([][]interface{}, len(rows))
	for i, r := range rows {
		out[i] = make([]interface{}, len(r))
		for j, v := range r {
			out[i][j] = v
		}
	}
	return out
}
