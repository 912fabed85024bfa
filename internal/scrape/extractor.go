package scrape

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/grupovision/sales-ingest/internal/domain"
)

// Selectors for the portal's sales listing view.
const (
	listingTableSelector = "#listagem_vendas"
	nextPageSelector     = ".paginacao a.proxima"

	// ListingReadySelector is what navigation waits on before extraction
	// starts.
	ListingReadySelector = listingTableSelector
)

// Pager is the browser surface the extractor drives. *browser.Session
// satisfies it; tests substitute a fake.
type Pager interface {
	HTML(ctx context.Context) (string, error)
	Has(ctx context.Context, sel string) (bool, error)
	Click(ctx context.Context, sel string) error
	WaitReady(ctx context.Context, sel string) error
	WaitChange(ctx context.Context, sel, previous string) error
	Expired(ctx context.Context) (bool, error)
}

// Stream yields scraped rows one page at a time. It is finite and not
// restartable: once exhausted, a fresh session and navigation are required
// to extract again. Only the current page's rows are held in memory.
type Stream struct {
	pager  Pager
	logger *zap.Logger

	buf         []domain.RawRecord
	rejects     []domain.Rejection
	lastListing string
	page        int
	started     bool
	done        bool
}

// NewStream builds a stream over a session already positioned on the first
// listing page.
func NewStream(pager Pager, logger *zap.Logger) *Stream {
	return &Stream{pager: pager, logger: logger}
}

// Next returns the next scraped row, fetching and parsing further pages as
// needed. It returns domain.ErrEndOfData once pagination is exhausted, and
// domain.ErrExtractionAborted if a page's structure is unrecognizable.
func (s *Stream) Next(ctx context.Context) (domain.RawRecord, error) {
	for len(s.buf) == 0 {
		if s.done {
			return domain.RawRecord{}, domain.ErrEndOfData
		}
		if err := s.fetchPage(ctx); err != nil {
			s.done = true
			return domain.RawRecord{}, err
		}
	}

	rec := s.buf[0]
	s.buf = s.buf[1:]
	return rec, nil
}

// Rejections hands over the rows skipped since the previous call, in the
// order the parser encountered them. The pipeline drains this after every
// Next so rejections stay interleaved with the rows around them.
func (s *Stream) Rejections() []domain.Rejection {
	rej := s.rejects
	s.rejects = nil
	return rej
}

// fetchPage parses the page the session currently shows, then advances the
// pagination or marks the stream exhausted.
func (s *Stream) fetchPage(ctx context.Context) error {
	if s.started {
		if err := s.advance(ctx); err != nil {
			return err
		}
		if s.done {
			return nil
		}
	}
	s.started = true
	s.page++

	html, err := s.pager.HTML(ctx)
	if err != nil {
		return fmt.Errorf("fetch listing page %d: %w", s.page, err)
	}

	records, rejects, err := parseListing(html, s.page)
	if err != nil {
		return err
	}
	s.buf = records
	s.rejects = append(s.rejects, rejects...)
	s.lastListing = listingFragment(html)

	s.logger.Info("listing page extracted",
		zap.Int("page", s.page),
		zap.Int("rows", len(records)),
		zap.Int("rejected", len(rejects)))
	return nil
}

// advance follows the "next page" link. The link's absence is the explicit
// pagination-exhausted signal; row counts per page are never assumed.
func (s *Stream) advance(ctx context.Context) error {
	hasNext, err := s.pager.Has(ctx, nextPageSelector)
	if err != nil {
		return fmt.Errorf("probe pagination on page %d: %w", s.page, err)
	}
	if hasNext {
		if err := s.pager.Click(ctx, nextPageSelector); err != nil {
			return fmt.Errorf("follow pagination from page %d: %w", s.page, err)
		}
		// The click leaves the old listing in the DOM until the portal swaps
		// the next page in. Waiting on the table alone would re-parse the
		// page just read.
		if err := s.pager.WaitChange(ctx, listingTableSelector, s.lastListing); err != nil {
			return fmt.Errorf("wait for page %d to replace page %d: %w", s.page+1, s.page, err)
		}
		if err := s.pager.WaitReady(ctx, listingTableSelector); err != nil {
			return fmt.Errorf("wait for page %d listing: %w", s.page+1, err)
		}
		return nil
	}

	// No next link. That is the normal exhaustion signal only while the
	// listing itself is still showing; otherwise the portal navigated us
	// somewhere else, most likely back to the login form.
	onListing, err := s.pager.Has(ctx, listingTableSelector)
	if err != nil {
		return fmt.Errorf("probe listing on page %d: %w", s.page, err)
	}
	if onListing {
		s.done = true
		return nil
	}
	expired, err := s.pager.Expired(ctx)
	if err != nil {
		return fmt.Errorf("probe session on page %d: %w", s.page, err)
	}
	if expired {
		return fmt.Errorf("%w: listing lost after page %d", domain.ErrSessionExpired, s.page)
	}
	return fmt.Errorf("%w: listing disappeared after page %d", domain.ErrExtractionAborted, s.page)
}
