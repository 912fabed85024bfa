package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/grupovision/sales-ingest/internal/domain"
	"github.com/grupovision/sales-ingest/internal/monitoring"
	"github.com/grupovision/sales-ingest/internal/storage"
)

// promauto registers against the default registry, so metrics are created
// once for the whole test package.
var testMetrics = monitoring.NewMetrics()

// listingHTML renders a listing page the way the portal's sales view does.
func listingHTML(ids []string, amount string, hasNext bool) string {
	var b strings.Builder
	b.WriteString(`<table id="listagem_vendas"><thead><tr>` +
		`<th>Código</th><th>Data</th><th>Cliente</th><th>Produto</th><th>Quantidade</th><th>Valor</th>` +
		`</tr></thead><tbody>`)
	for _, id := range ids {
		fmt.Fprintf(&b, `<tr><td>%s</td><td>10/02/2026</td><td>Cliente</td><td>Produto</td><td>5</td><td>%s</td></tr>`, id, amount)
	}
	b.WriteString(`</tbody></table><div class="paginacao">`)
	if hasNext {
		b.WriteString(`<a class="proxima" href="#">Próxima</a>`)
	}
	b.WriteString(`</div>`)
	return b.String()
}

func malformedRowHTML(hasNext bool) string {
	page := listingHTML([]string{"VD-GOOD"}, "R$ 10,00", hasNext)
	return strings.Replace(page, "</tbody>", `<tr><td>VD-BAD</td><td>só duas</td></tr></tbody>`, 1)
}

type fakeSession struct {
	pages     []string
	idx       int
	navErrs   []error
	navCalls  int
	waitErrAt map[int]error
	nextAt    map[int]bool
	listingAt map[int]bool
	expired   bool
	closed    int
}

func (s *fakeSession) Navigate(_ context.Context, _, _ string) error {
	i := s.navCalls
	s.navCalls++
	if i < len(s.navErrs) {
		return s.navErrs[i]
	}
	return nil
}

func (s *fakeSession) HTML(context.Context) (string, error) { return s.pages[s.idx], nil }

func (s *fakeSession) Has(_ context.Context, sel string) (bool, error) {
	if strings.Contains(sel, "proxima") {
		if v, ok := s.nextAt[s.idx]; ok {
			return v, nil
		}
		return s.idx < len(s.pages)-1, nil
	}
	if v, ok := s.listingAt[s.idx]; ok {
		return v, nil
	}
	return true, nil
}

func (s *fakeSession) Click(context.Context, string) error { s.idx++; return nil }

func (s *fakeSession) WaitReady(context.Context, string) error { return s.waitErrAt[s.idx] }

func (s *fakeSession) WaitChange(context.Context, string, string) error { return nil }

func (s *fakeSession) Expired(context.Context) (bool, error) { return s.expired, nil }

func (s *fakeSession) Close() { s.closed++ }

type fakeAuth struct {
	sessions []*fakeSession
	errs     []error
	calls    int
}

func (a *fakeAuth) Authenticate(context.Context, domain.Credentials) (Session, error) {
	i := a.calls
	a.calls++
	if i < len(a.errs) && a.errs[i] != nil {
		return nil, a.errs[i]
	}
	if i >= len(a.sessions) {
		return nil, fmt.Errorf("%w: no session scripted for attempt %d", domain.ErrAuthentication, i+1)
	}
	return a.sessions[i], nil
}

// fakeStore applies batches atomically, like the real transactional store.
type fakeStore struct {
	rows    map[string]domain.SalesRecord
	batches [][]domain.SalesRecord
	failAt  map[int]error
	calls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]domain.SalesRecord), failAt: map[int]error{}}
}

func (s *fakeStore) UpsertBatch(_ context.Context, records []domain.SalesRecord) (storage.UpsertResult, error) {
	i := s.calls
	s.calls++
	if err := s.failAt[i]; err != nil {
		return storage.UpsertResult{}, err
	}
	var res storage.UpsertResult
	for _, rec := range records {
		if _, ok := s.rows[rec.ExternalID]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
		s.rows[rec.ExternalID] = rec
	}
	s.batches = append(s.batches, append([]domain.SalesRecord(nil), records...))
	return res, nil
}

func newTestRunner(auth Authenticator, store RecordStore, opts Options) *Runner {
	if opts.SalesURL == "" {
		opts.SalesURL = "https://portal.example/vendas"
	}
	r := NewRunner(auth, store, testMetrics, zap.NewNop(), opts)
	r.backoff = time.Millisecond
	return r
}

func TestRunEndToEndWithOneMalformedRow(t *testing.T) {
	// Three pages, six rows, one of them malformed on page two.
	session := &fakeSession{pages: []string{
		listingHTML([]string{"VD-1", "VD-2"}, "R$ 100,00", true),
		malformedRowHTML(true),
		listingHTML([]string{"VD-3", "VD-4"}, "R$ 100,00", false),
	}}
	auth := &fakeAuth{sessions: []*fakeSession{session}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{BatchSize: 10})

	summary, err := runner.Run(context.Background(), domain.Credentials{Username: "u", Password: "p"})

	require.NoError(t, err)
	assert.Equal(t, 6, summary.RecordsSeen)
	assert.Equal(t, 5, summary.RecordsUpserted)
	assert.Equal(t, 1, summary.RecordsRejected)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, domain.ReasonSchemaMismatch, summary.Errors[0].Reason)
	assert.Equal(t, "page 2, row 2", summary.Errors[0].Ref)
	assert.Len(t, store.rows, 5)
	assert.Equal(t, 1, auth.calls)
	assert.Equal(t, 1, session.closed)
}

func TestRunCountsRejectedRowsAsSeenInMetrics(t *testing.T) {
	// A row skipped by the parser still counts as seen, in the summary and
	// in the records_seen counter alike.
	before := testutil.ToFloat64(testMetrics.RecordsSeen)
	session := &fakeSession{pages: []string{malformedRowHTML(false)}}
	auth := &fakeAuth{sessions: []*fakeSession{session}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{})

	summary, err := runner.Run(context.Background(), domain.Credentials{})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.RecordsSeen)
	assert.Equal(t, float64(summary.RecordsSeen), testutil.ToFloat64(testMetrics.RecordsSeen)-before)
}

func TestRunReportsRejectionsInEncounterOrder(t *testing.T) {
	// A schema mismatch on page one precedes a normalization failure on
	// page two in the summary, matching the order they were encountered.
	session := &fakeSession{pages: []string{
		malformedRowHTML(true),
		listingHTML([]string{"VD-2"}, "não é número", false),
	}}
	auth := &fakeAuth{sessions: []*fakeSession{session}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{})

	summary, err := runner.Run(context.Background(), domain.Credentials{})

	require.NoError(t, err)
	require.Len(t, summary.Errors, 2)
	assert.Equal(t, domain.ReasonSchemaMismatch, summary.Errors[0].Reason)
	assert.Equal(t, "page 1, row 2", summary.Errors[0].Ref)
	assert.Equal(t, domain.ReasonFieldParseError, summary.Errors[1].Reason)
}

func TestRunBatchesRecords(t *testing.T) {
	session := &fakeSession{pages: []string{
		listingHTML([]string{"VD-1", "VD-2", "VD-3"}, "R$ 1,00", true),
		listingHTML([]string{"VD-4", "VD-5"}, "R$ 1,00", false),
	}}
	auth := &fakeAuth{sessions: []*fakeSession{session}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{BatchSize: 2})

	summary, err := runner.Run(context.Background(), domain.Credentials{})

	require.NoError(t, err)
	assert.Equal(t, 5, summary.RecordsUpserted)
	require.Len(t, store.batches, 3)
	assert.Len(t, store.batches[0], 2)
	assert.Len(t, store.batches[1], 2)
	assert.Len(t, store.batches[2], 1)
}

func TestRunUpsertIsIdempotent(t *testing.T) {
	// The same external id appears on both pages with different amounts;
	// exactly one row survives, carrying the later value.
	session := &fakeSession{pages: []string{
		listingHTML([]string{"VD-1"}, "R$ 100,00", true),
		listingHTML([]string{"VD-1"}, "R$ 250,00", false),
	}}
	auth := &fakeAuth{sessions: []*fakeSession{session}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{BatchSize: 1})

	summary, err := runner.Run(context.Background(), domain.Credentials{})

	require.NoError(t, err)
	assert.Equal(t, 2, summary.RecordsSeen)
	require.Len(t, store.rows, 1)
	assert.Equal(t, 250.00, store.rows["VD-1"].Amount)
}

func TestRunReauthenticatesOnceOnExpiry(t *testing.T) {
	expiring := &fakeSession{
		pages: []string{
			listingHTML([]string{"VD-1"}, "R$ 1,00", true),
			"<html>login</html>",
		},
		waitErrAt: map[int]error{1: domain.ErrSessionExpired},
	}
	fresh := &fakeSession{pages: []string{
		listingHTML([]string{"VD-1", "VD-2"}, "R$ 1,00", false),
	}}
	auth := &fakeAuth{sessions: []*fakeSession{expiring, fresh}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{BatchSize: 10})

	summary, err := runner.Run(context.Background(), domain.Credentials{})

	require.NoError(t, err)
	assert.Equal(t, 2, auth.calls)
	assert.Equal(t, 1, expiring.closed)
	assert.Equal(t, 1, fresh.closed)
	// Replayed rows are re-seen but the store stays deduplicated.
	assert.Len(t, store.rows, 2)
	assert.GreaterOrEqual(t, summary.RecordsSeen, 2)
}

func TestRunFailsOnSecondConsecutiveExpiry(t *testing.T) {
	expire := func() *fakeSession {
		return &fakeSession{
			pages: []string{
				listingHTML([]string{"VD-1"}, "R$ 1,00", true),
				"<html>login</html>",
			},
			waitErrAt: map[int]error{1: domain.ErrSessionExpired},
		}
	}
	first, second := expire(), expire()
	auth := &fakeAuth{sessions: []*fakeSession{first, second}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{BatchSize: 10})

	_, err := runner.Run(context.Background(), domain.Credentials{})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthentication)
	assert.Equal(t, 2, auth.calls)
	assert.Equal(t, 1, first.closed)
	assert.Equal(t, 1, second.closed)
}

func TestRunRetriesAuthentication(t *testing.T) {
	session := &fakeSession{pages: []string{listingHTML([]string{"VD-1"}, "R$ 1,00", false)}}
	auth := &fakeAuth{
		errs:     []error{fmt.Errorf("%w: marker not reached", domain.ErrAuthentication), nil},
		sessions: []*fakeSession{nil, session},
	}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{MaxAttempts: 3})

	_, err := runner.Run(context.Background(), domain.Credentials{})

	require.NoError(t, err)
	assert.Equal(t, 2, auth.calls)
}

func TestRunDoesNotRetryLaunchFailure(t *testing.T) {
	auth := &fakeAuth{errs: []error{fmt.Errorf("%w: chrome not found", domain.ErrSessionLaunch)}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{MaxAttempts: 3})

	summary, err := runner.Run(context.Background(), domain.Credentials{})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSessionLaunch)
	assert.Equal(t, 1, auth.calls)
	require.NotEmpty(t, summary.Errors)
	assert.Equal(t, domain.ReasonFatal, summary.Errors[len(summary.Errors)-1].Reason)
}

func TestRunRetriesNavigation(t *testing.T) {
	session := &fakeSession{
		pages:   []string{listingHTML([]string{"VD-1"}, "R$ 1,00", false)},
		navErrs: []error{fmt.Errorf("%w: slow render", domain.ErrNavigationTimeout), nil},
	}
	auth := &fakeAuth{sessions: []*fakeSession{session}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{MaxAttempts: 3})

	_, err := runner.Run(context.Background(), domain.Credentials{})

	require.NoError(t, err)
	assert.Equal(t, 2, session.navCalls)
}

func TestRunSkipsFailedBatchAndContinues(t *testing.T) {
	session := &fakeSession{pages: []string{
		listingHTML([]string{"VD-1", "VD-2", "VD-3", "VD-4"}, "R$ 1,00", false),
	}}
	auth := &fakeAuth{sessions: []*fakeSession{session}}
	store := newFakeStore()
	store.failAt[0] = fmt.Errorf("%w: connection reset", domain.ErrPersistence)
	runner := newTestRunner(auth, store, Options{BatchSize: 2, MaxBatchFailures: 3})

	summary, err := runner.Run(context.Background(), domain.Credentials{})

	require.NoError(t, err)
	// First batch lost, second committed.
	assert.Equal(t, 2, summary.RecordsUpserted)
	assert.Len(t, store.rows, 2)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, domain.ReasonPersistence, summary.Errors[0].Reason)
}

func TestRunAbortsAfterConsecutiveBatchFailures(t *testing.T) {
	session := &fakeSession{pages: []string{
		listingHTML([]string{"VD-1", "VD-2", "VD-3", "VD-4", "VD-5", "VD-6"}, "R$ 1,00", false),
	}}
	auth := &fakeAuth{sessions: []*fakeSession{session}}
	store := newFakeStore()
	store.failAt[0] = fmt.Errorf("%w: down", domain.ErrPersistence)
	store.failAt[1] = fmt.Errorf("%w: down", domain.ErrPersistence)
	runner := newTestRunner(auth, store, Options{BatchSize: 2, MaxBatchFailures: 2})

	summary, err := runner.Run(context.Background(), domain.Credentials{})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.Equal(t, 0, summary.RecordsUpserted)
	assert.Equal(t, 1, session.closed)
}

func TestRunClosesSessionOnExtractionAbort(t *testing.T) {
	session := &fakeSession{pages: []string{
		listingHTML([]string{"VD-1"}, "R$ 1,00", true),
		"<html><body><h1>layout novo</h1></body></html>",
	}}
	auth := &fakeAuth{sessions: []*fakeSession{session}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{})

	_, err := runner.Run(context.Background(), domain.Credentials{})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExtractionAborted)
	assert.Equal(t, 1, session.closed)
}

func TestRunRejectsUnparseableFields(t *testing.T) {
	page := listingHTML([]string{"VD-1"}, "não é número", false)
	session := &fakeSession{pages: []string{page}}
	auth := &fakeAuth{sessions: []*fakeSession{session}}
	store := newFakeStore()
	runner := newTestRunner(auth, store, Options{})

	summary, err := runner.Run(context.Background(), domain.Credentials{})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.RecordsSeen)
	assert.Equal(t, 0, summary.RecordsUpserted)
	assert.Equal(t, 1, summary.RecordsRejected)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, domain.ReasonFieldParseError, summary.Errors[0].Reason)
	assert.Equal(t, "amount", summary.Errors[0].Field)
}
