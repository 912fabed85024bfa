package scrape

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/grupovision/sales-ingest/internal/domain"
)

// Canonical field names produced by the parser and consumed by the
// normalizer.
const (
	FieldExternalID = "external_id"
	FieldDate       = "date"
	FieldCustomer   = "customer"
	FieldProduct    = "product"
	FieldQuantity   = "quantity"
	FieldAmount     = "amount"
)

// headerFields maps the portal's rendered column headers to canonical field
// names. Columns outside this map are carried through under their lowercased
// header so layout additions don't break ingestion.
var headerFields = map[string]string{
	"código":     FieldExternalID,
	"codigo":     FieldExternalID,
	"data":       FieldDate,
	"cliente":    FieldCustomer,
	"produto":    FieldProduct,
	"quantidade": FieldQuantity,
	"valor":      FieldAmount,
}

var requiredFields = []string{
	FieldExternalID, FieldDate, FieldCustomer, FieldProduct, FieldQuantity, FieldAmount,
}

// parseListing turns one rendered listing page into row-level field maps.
// Rows whose cell count does not match the header are skipped and reported
// as schema-mismatch rejections; a page whose table or header cannot be
// recognized at all aborts extraction.
func parseListing(html string, pageNum int) ([]domain.RawRecord, []domain.Rejection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrExtractionAborted, err)
	}

	table := doc.Find(listingTableSelector).First()
	if table.Length() == 0 {
		return nil, nil, fmt.Errorf("%w: listing table %q not found on page %d",
			domain.ErrExtractionAborted, listingTableSelector, pageNum)
	}

	columns, err := parseHeader(table, pageNum)
	if err != nil {
		return nil, nil, err
	}

	var (
		records []domain.RawRecord
		rejects []domain.Rejection
	)
	table.Find("tbody tr").Each(func(i int, row *goquery.Selection) {
		ref := fmt.Sprintf("page %d, row %d", pageNum, i+1)
		cells := row.Find("td")
		if cells.Length() != len(columns) {
			rejects = append(rejects, domain.Rejection{
				Ref:    ref,
				Reason: domain.ReasonSchemaMismatch,
				Detail: fmt.Sprintf("expected %d cells, found %d", len(columns), cells.Length()),
			})
			return
		}

		fields := make(map[string]string, len(columns))
		cells.Each(func(j int, cell *goquery.Selection) {
			fields[columns[j]] = strings.TrimSpace(cell.Text())
		})
		records = append(records, domain.RawRecord{Ref: ref, Fields: fields})
	})

	return records, rejects, nil
}

// listingFragment returns the rendered markup of the listing table, or ""
// when it is absent. The stream compares it against the live DOM to detect
// that pagination actually swapped the page in.
func listingFragment(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	out, err := goquery.OuterHtml(doc.Find(listingTableSelector).First())
	if err != nil {
		return ""
	}
	return out
}

// parseHeader maps the table's header cells to canonical field names. All
// required fields must be present; anything less means the layout drifted
// beyond what row-level skipping can absorb.
func parseHeader(table *goquery.Selection, pageNum int) ([]string, error) {
	var columns []string
	seen := make(map[string]bool)

	table.Find("thead th").Each(func(_ int, th *goquery.Selection) {
		header := strings.ToLower(strings.TrimSpace(th.Text()))
		field, ok := headerFields[header]
		if !ok {
			field = header
		}
		columns = append(columns, field)
		seen[field] = true
	})

	for _, f := range requiredFields {
		if !seen[f] {
			return nil, fmt.Errorf("%w: column %q missing from listing header on page %d",
				domain.ErrExtractionAborted, f, pageNum)
		}
	}
	return columns, nil
}
