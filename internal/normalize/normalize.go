// Package normalize converts scraped field maps into typed sales records.
// It is pure: no I/O, deterministic for a given input, which keeps it
// unit-testable away from the browser.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grupovision/sales-ingest/internal/domain"
	"github.com/grupovision/sales-ingest/internal/scrape"
)

// The portal renders pt-BR formats: dot as thousands separator, comma as
// decimal separator, day-first dates.
const dateLayout = "02/01/2006"

// Normalize converts one raw row into a SalesRecord. A malformed field
// yields a rejection, never an error; the pipeline keeps going.
func Normalize(raw domain.RawRecord) (domain.SalesRecord, *domain.Rejection) {
	externalID := strings.TrimSpace(raw.Fields[scrape.FieldExternalID])
	if externalID == "" {
		return domain.SalesRecord{}, &domain.Rejection{
			Ref:    raw.Ref,
			Reason: domain.ReasonMissingKey,
			Field:  scrape.FieldExternalID,
			Detail: "natural key absent or empty",
		}
	}

	date, err := time.Parse(dateLayout, strings.TrimSpace(raw.Fields[scrape.FieldDate]))
	if err != nil {
		return domain.SalesRecord{}, reject(raw, scrape.FieldDate, err)
	}

	quantity, err := parseQuantity(raw.Fields[scrape.FieldQuantity])
	if err != nil {
		return domain.SalesRecord{}, reject(raw, scrape.FieldQuantity, err)
	}

	amount, err := parseAmount(raw.Fields[scrape.FieldAmount])
	if err != nil {
		return domain.SalesRecord{}, reject(raw, scrape.FieldAmount, err)
	}

	return domain.SalesRecord{
		ExternalID: externalID,
		Date:       date,
		Customer:   strings.TrimSpace(raw.Fields[scrape.FieldCustomer]),
		Product:    strings.TrimSpace(raw.Fields[scrape.FieldProduct]),
		Quantity:   quantity,
		Amount:     amount,
	}, nil
}

func reject(raw domain.RawRecord, field string, err error) *domain.Rejection {
	return &domain.Rejection{
		Ref:    raw.Ref,
		Reason: domain.ReasonFieldParseError,
		Field:  field,
		Detail: err.Error(),
	}
}

// parseQuantity reads an integer that may carry dot thousands separators,
// e.g. "1.250".
func parseQuantity(v string) (int, error) {
	v = strings.ReplaceAll(strings.TrimSpace(v), ".", "")
	if v == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("quantity %q: %w", v, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("quantity %d is negative", n)
	}
	return n, nil
}

// parseAmount reads a pt-BR formatted monetary value, e.g. "R$ 1.234,56".
func parseAmount(v string) (float64, error) {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "R$")
	v = strings.TrimSpace(v)
	v = strings.ReplaceAll(v, ".", "")
	v = strings.ReplaceAll(v, ",", ".")
	if v == "" {
		return 0, fmt.Errorf("empty amount")
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", v, err)
	}
	return f, nil
}
