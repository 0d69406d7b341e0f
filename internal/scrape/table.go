package scrape

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoData is returned when a report grid has no data rows.
var ErrNoData = errors.New("report grid has no rows")

// Table is a parsed HTML grid.
type Table struct {
	Headers []string
	Rows    [][]string
}

// ParseTable reads the first table in markup. Header cells come from the
// first row containing th elements, or from the first row when there are
// none; every later row with td cells becomes a data row.
func ParseTable(markup string) (Table, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return Table{}, fmt.Errorf("parsing table markup: %w", err)
	}
	tbl := doc.Find("table").First()
	if tbl.Length() == 0 {
		return Table{}, fmt.Errorf("%w: no table element", ErrNoData)
	}

	var out Table
	headerSeen := false
	tbl.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		// Nested tables (pagers) are not part of the grid.
		if tr.ParentsFiltered("table").First().Get(0) != tbl.Get(0) {
			return
		}
		if ths := tr.ChildrenFiltered("th"); ths.Length() > 0 && !headerSeen {
			out.Headers = cellTexts(ths)
			headerSeen = true
			return
		}
		tds := tr.ChildrenFiltered("td")
		if tds.Length() == 0 {
			return
		}
		if !headerSeen {
			out.Headers = cellTexts(tds)
			headerSeen = true
			return
		}
		out.Rows = append(out.Rows, cellTexts(tds))
	})

	if len(out.Rows) == 0 {
		return out, ErrNoData
	}
	return out, nil
}

func cellTexts(s *goquery.Selection) []string {
	cells := make([]string, 0, s.Length())
	s.Each(func(_ int, c *goquery.Selection) {
		cells = append(cells, strings.Join(strings.Fields(c.Text()), " "))
	})
	return cells
}
