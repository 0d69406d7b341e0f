// Package dataset reads the spreadsheets listing what each module should
// fetch from the portal.
package dataset

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/harvestbot/api/schemas"
)

// Column headers expected in the workbooks.
const (
	ColumnWarehouse = "Warehouse Name"
	ColumnDepot     = "Depot"
	ColumnDistrict  = "District"
	ColumnDate      = "Date"
)

// layout says which columns a module's workbook carries.
type layout struct {
	name     string
	district string
}

var layouts = map[schemas.Module]layout{
	schemas.ModuleInvoice:   {name: ColumnWarehouse},
	schemas.ModuleStock:     {name: ColumnDepot},
	schemas.ModuleInventory: {name: ColumnWarehouse, district: ColumnDistrict},
}

// Loader reads target rows from one xlsx file per module. Files are read on
// every call so edits take effect without a restart.
type Loader struct {
	logger *zap.Logger
	paths  map[schemas.Module]string
}

// NewLoader creates a Loader over the given module → file mapping.
func NewLoader(logger *zap.Logger, paths map[schemas.Module]string) *Loader {
	return &Loader{logger: logger.Named("dataset"), paths: paths}
}

// Load returns the module's targets in file order. Any problem reading the
// file is reported as schemas.ErrDatasetUnavailable.
func (l *Loader) Load(ctx context.Context, module schemas.Module) ([]schemas.Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lay, ok := layouts[module]
	if !ok {
		return nil, fmt.Errorf("%w: unknown module %q", schemas.ErrDatasetUnavailable, module)
	}
	path, ok := l.paths[module]
	if !ok || path == "" {
		return nil, fmt.Errorf("%w: no dataset configured for %s", schemas.ErrDatasetUnavailable, module)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrDatasetUnavailable, err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", schemas.ErrDatasetUnavailable, path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%w: %s has no sheets", schemas.ErrDatasetUnavailable, path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", schemas.ErrDatasetUnavailable, path, err)
	}

	targets, err := parseRows(rows, lay)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", schemas.ErrDatasetUnavailable, path, err)
	}
	l.logger.Debug("Loaded dataset", zap.String("module", module.String()), zap.String("path", path), zap.Int("rows", len(targets)))
	return targets, nil
}

func parseRows(rows [][]string, lay layout) ([]schemas.Target, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("missing header row")
	}
	header := make(map[string]int, len(rows[0]))
	for i, h := range rows[0] {
		header[strings.TrimSpace(h)] = i
	}

	nameCol, ok := header[lay.name]
	if !ok {
		return nil, fmt.Errorf("missing column %q", lay.name)
	}
	districtCol := -1
	if lay.district != "" {
		if districtCol, ok = header[lay.district]; !ok {
			return nil, fmt.Errorf("missing column %q", lay.district)
		}
	}
	dateCol, hasDate := header[ColumnDate]

	var targets []schemas.Target
	for _, row := range rows[1:] {
		name := cell(row, nameCol)
		if name == "" {
			continue
		}
		t := schemas.Target{Name: name}
		if districtCol >= 0 {
			t.District = cell(row, districtCol)
		}
		if hasDate {
			if raw := cell(row, dateCol); raw != "" {
				d, err := parseDate(raw)
				if err != nil {
					return nil, fmt.Errorf("row %q: %v", name, err)
				}
				t.Date = &d
			}
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

var dateLayouts = []string{schemas.DateLayout, "02/01/2006", "2006-01-02", "01-02-06"}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}
