package scrape

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xuri/excelize/v2"
)

// StockWorkbookName is the consolidated stock report file.
const StockWorkbookName = "stocks.xlsx"

const workbookSheet = "Sheet1"

// Workbook appends grids into a single xlsx file. The first append writes
// the header row; later appends add data rows only.
type Workbook struct {
	mu   sync.Mutex
	path string
}

// NewWorkbook returns a workbook stored at dir/name. Nothing is written
// until the first Append.
func NewWorkbook(dir, name string) *Workbook {
	return &Workbook{path: filepath.Join(dir, name)}
}

// Path is the workbook location.
func (w *Workbook) Path() string { return w.path }

// Append writes tbl's rows with leading set as the first cell of every row.
// leadingHeader names that extra column in the header row.
func (w *Workbook) Append(leadingHeader, leading string, tbl Table) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, next, err := w.open()
	if err != nil {
		return err
	}
	defer f.Close()

	if next == 1 {
		header := make([]interface{}, 0, len(tbl.Headers)+1)
		header = append(header, leadingHeader)
		for _, h := range tbl.Headers {
			header = append(header, h)
		}
		if err := setRow(f, next, header); err != nil {
			return err
		}
		next++
	}

	for _, row := range tbl.Rows {
		values := make([]interface{}, 0, len(row)+1)
		values = append(values, leading)
		for _, c := range row {
			values = append(values, c)
		}
		if err := setRow(f, next, values); err != nil {
			return err
		}
		next++
	}

	if err := f.SaveAs(w.path); err != nil {
		return fmt.Errorf("saving %s: %w", w.path, err)
	}
	return nil
}

// open returns the workbook and the first empty row number (1-based).
func (w *Workbook) open() (*excelize.File, int, error) {
	if _, err := os.Stat(w.path); errors.Is(err, os.ErrNotExist) {
		f := excelize.NewFile()
		if name := f.GetSheetName(0); name != workbookSheet {
			if err := f.SetSheetName(name, workbookSheet); err != nil {
				f.Close()
				return nil, 0, err
			}
		}
		return f, 1, nil
	}

	f, err := excelize.OpenFile(w.path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", w.path, err)
	}
	rows, err := f.GetRows(workbookSheet)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("reading %s: %w", w.path, err)
	}
	return f, len(rows) + 1, nil
}

func setRow(f *excelize.File, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(workbookSheet, cell, &values)
}
