package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeRow struct {
	status         string
	errorCode      string
	duplicateCount int
	storageURI     string
	lastEventID    string
}

// fakeLedger reproduces the conditional-update claim semantics in memory
// so processor behavior can be tested without a database.
type fakeLedger struct {
	mu       sync.Mutex
	rows     map[string]*fakeRow
	failWith error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: make(map[string]*fakeRow)}
}

func (l *fakeLedger) key(tenantID, contentHash string) string {
	return tenantID + "|" + contentHash
}

func (l *fakeLedger) seed(tenantID, contentHash, status string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[l.key(tenantID, contentHash)] = &fakeRow{status: status}
}

func (l *fakeLedger) row(tenantID, contentHash string) fakeRow {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[l.key(tenantID, contentHash)]
	if !ok {
		return fakeRow{}
	}
	return *row
}

func (l *fakeLedger) WithTenant(_ context.Context, tenantID string, fn func(TenantLedger) error) error {
	if l.failWith != nil {
		return l.failWith
	}
	if tenantID == "" {
		return ErrInvalidInput
	}
	return fn(&fakeTenantLedger{ledger: l, tenantID: tenantID})
}

type fakeTenantLedger struct {
	ledger   *fakeLedger
	tenantID string
}

func (t *fakeTenantLedger) Upsert(_ context.Context, in UpsertInput) (UpsertResult, error) {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	key := t.ledger.key(t.tenantID, in.ContentHash)
	row, ok := t.ledger.rows[key]
	if !ok {
		row = &fakeRow{status: StatusPending}
		t.ledger.rows[key] = row
	}
	row.storageURI = in.StorageURI
	row.lastEventID = in.EventID
	return UpsertResult{Status: row.status, DuplicateCount: row.duplicateCount}, nil
}

func (t *fakeTenantLedger) Claim(_ context.Context, contentHash string) (*IngestFile, error) {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	row, ok := t.ledger.rows[t.ledger.key(t.tenantID, contentHash)]
	if !ok || row.status != StatusPending {
		return nil, nil
	}
	row.status = StatusProcessing
	row.errorCode = ""
	return &IngestFile{
		TenantID:    t.tenantID,
		ContentHash: contentHash,
		StorageURI:  row.storageURI,
		Status:      row.status,
	}, nil
}

func (t *fakeTenantLedger) MarkFailed(_ context.Context, contentHash, errorCode string) error {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	row, ok := t.ledger.rows[t.ledger.key(t.tenantID, contentHash)]
	if ok && row.status == StatusProcessing {
		row.status = StatusFailed
		row.errorCode = errorCode
	}
	return nil
}

func (t *fakeTenantLedger) MarkIngested(_ context.Context, contentHash, eventID string) error {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	row, ok := t.ledger.rows[t.ledger.key(t.tenantID, contentHash)]
	if ok && row.status == StatusProcessing {
		row.status = StatusIngested
		row.errorCode = ""
		row.lastEventID = eventID
	}
	return nil
}

func (t *fakeTenantLedger) MarkDuplicate(_ context.Context, contentHash, eventID string) error {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	row, ok := t.ledger.rows[t.ledger.key(t.tenantID, contentHash)]
	if ok {
		row.duplicateCount++
		row.lastEventID = eventID
	}
	return nil
}

func (t *fakeTenantLedger) FetchStatus(_ context.Context, contentHash string) (StatusRow, bool, error) {
	t.ledger.mu.Lock()
	defer t.ledger.mu.Unlock()
	row, ok := t.ledger.rows[t.ledger.key(t.tenantID, contentHash)]
	if !ok {
		return StatusRow{}, false, nil
	}
	return StatusRow{Status: row.status, DuplicateCount: row.duplicateCount}, true, nil
}

type fakeObjectStore struct {
	content      map[string]string
	declaredSize map[string]int64
	statErr      error
	openErr      error
	openReader   func() io.ReadCloser
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		content:      make(map[string]string),
		declaredSize: make(map[string]int64),
	}
}

func (s *fakeObjectStore) Stat(_ context.Context, storageURI string) (ObjectInfo, error) {
	if s.statErr != nil {
		return ObjectInfo{}, s.statErr
	}
	body, ok := s.content[storageURI]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("object not found: %s", storageURI)
	}
	size := int64(len(body))
	if declared, ok := s.declaredSize[storageURI]; ok {
		size = declared
	}
	return ObjectInfo{Size: size, ContentType: "application/xml"}, nil
}

func (s *fakeObjectStore) Open(_ context.Context, storageURI string) (io.ReadCloser, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.openReader != nil {
		return s.openReader(), nil
	}
	body, ok := s.content[storageURI]
	if !ok {
		return nil, fmt.Errorf("object not found: %s", storageURI)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type notifierCall struct {
	tenantID   string
	storageURI string
	source     string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifierCall
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, tenantID, storageURI, source string) error {
	n.mu.Lock()
	n.calls = append(n.calls, notifierCall{tenantID: tenantID, storageURI: storageURI, source: source})
	n.mu.Unlock()
	return n.err
}

func (n *fakeNotifier) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fakeStatusCache struct {
	mu     sync.Mutex
	values map[string]string
	getErr error
}

func newFakeStatusCache() *fakeStatusCache {
	return &fakeStatusCache{values: make(map[string]string)}
}

func (c *fakeStatusCache) GetStatus(_ context.Context, tenantID, contentHash string) (string, error) {
	if c.getErr != nil {
		return "", c.getErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[tenantID+"|"+contentHash], nil
}

func (c *fakeStatusCache) SetStatus(_ context.Context, tenantID, contentHash, status string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[tenantID+"|"+contentHash] = status
	return nil
}

func (c *fakeStatusCache) Close() error { return nil }

const (
	testContainer = "ro-sftp"
	wellFormedXML = "<root><value>1</value></root>"
)

func testEvent(tenantID, blobName string) Notification {
	var ev Notification
	ev.ID = "evt-" + blobName
	ev.EventType = EventTypeBlobCreated
	ev.Subject = fmt.Sprintf("/blobServices/default/containers/%s/blobs/tenant=%s/inbound/%s",
		testContainer, tenantID, blobName)
	ev.Data.URL = fmt.Sprintf("https://storage.example.com/%s/tenant=%s/inbound/%s",
		testContainer, tenantID, blobName)
	return ev
}

type processorFixture struct {
	ledger   *fakeLedger
	blobs    *fakeObjectStore
	notifier *fakeNotifier
	cache    *fakeStatusCache
}

func newProcessor(t *testing.T, fx *processorFixture, mutate func(*ProcessorOptions)) *Processor {
	t.Helper()
	opts := ProcessorOptions{
		Container:            testContainer,
		AllowedExtension:     "xml",
		MaxBytes:             1024,
		RequireWellFormedXML: true,
		Ledger:               fx.ledger,
		Blobs:                fx.blobs,
		Ingest:               fx.notifier,
		Logger:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if fx.cache != nil {
		opts.Cache = fx.cache
	}
	if mutate != nil {
		mutate(&opts)
	}
	return NewProcessor(opts)
}

func newFixture() *processorFixture {
	return &processorFixture{
		ledger:   newFakeLedger(),
		blobs:    newFakeObjectStore(),
		notifier: &fakeNotifier{},
	}
}

func TestProcessEventSkipsOtherEventTypes(t *testing.T) {
	fx := newFixture()
	p := newProcessor(t, fx, nil)

	ev := testEvent("acme", "report.xml")
	ev.EventType = "Microsoft.Storage.BlobDeleted"
	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.Status != StatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", outcome.Status)
	}
	if fx.notifier.callCount() != 0 {
		t.Fatalf("skipped event must not reach the ingest api")
	}
}

func TestProcessEventMissingStorageURI(t *testing.T) {
	fx := newFixture()
	p := newProcessor(t, fx, nil)

	ev := testEvent("acme", "report.xml")
	ev.Data.URL = ""
	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.Status != StatusFailed || outcome.ErrorCode != ErrCodeMissingStorageURI {
		t.Fatalf("expected MISSING_STORAGE_URI failure, got %+v", outcome)
	}
	if !outcome.Retryable {
		t.Fatalf("missing uri must stay retryable")
	}
}

func TestProcessEventInvalidPath(t *testing.T) {
	fx := newFixture()
	p := newProcessor(t, fx, nil)

	ev := testEvent("acme", "report.xml")
	ev.Subject = "/blobServices/default/containers/ro-sftp/blobs/no-tenant-prefix/report.xml"
	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeInvalidPath {
		t.Fatalf("expected INVALID_PATH, got %+v", outcome)
	}
	if outcome.TenantID != "invalid" {
		t.Fatalf("unattributable events belong to the invalid tenant, got %q", outcome.TenantID)
	}
}

func TestProcessEventBlobAccessFailedBeforeClaim(t *testing.T) {
	fx := newFixture()
	fx.blobs.statErr = errors.New("403 forbidden")
	p := newProcessor(t, fx, nil)

	ev := testEvent("acme", "report.xml")
	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeBlobAccessFailed || !outcome.Retryable {
		t.Fatalf("expected retryable BLOB_ACCESS_FAILED, got %+v", outcome)
	}
	if len(fx.ledger.rows) != 0 {
		t.Fatalf("an unreachable object must not create a ledger row")
	}
}

func TestProcessEventHappyPath(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.Status != StatusIngested {
		t.Fatalf("expected INGESTED, got %+v", outcome)
	}
	want := sha256.Sum256([]byte(wellFormedXML))
	if outcome.ContentHash != hex.EncodeToString(want[:]) {
		t.Fatalf("content hash mismatch: %s", outcome.ContentHash)
	}
	if outcome.TenantID != "acme" {
		t.Fatalf("expected tenant acme, got %q", outcome.TenantID)
	}

	if fx.notifier.callCount() != 1 {
		t.Fatalf("expected one ingest call, got %d", fx.notifier.callCount())
	}
	call := fx.notifier.calls[0]
	if call.tenantID != "acme" || call.storageURI != ev.Data.URL || call.source != "ftp" {
		t.Fatalf("unexpected ingest call: %+v", call)
	}

	row := fx.ledger.row("acme", outcome.ContentHash)
	if row.status != StatusIngested {
		t.Fatalf("expected ledger row INGESTED, got %q", row.status)
	}
}

func TestProcessEventInvalidExtension(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.csv")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeInvalidExtension || !outcome.Retryable {
		t.Fatalf("expected retryable INVALID_EXTENSION, got %+v", outcome)
	}
	row := fx.ledger.row("acme", outcome.ContentHash)
	if row.status != StatusFailed || row.errorCode != ErrCodeInvalidExtension {
		t.Fatalf("expected FAILED row with code recorded, got %+v", row)
	}
	if fx.notifier.callCount() != 0 {
		t.Fatalf("invalid extension must not reach the ingest api")
	}
}

func TestProcessEventFileTooLargeByDeclaredSize(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	fx.blobs.declaredSize[ev.Data.URL] = 4096
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeFileTooLarge {
		t.Fatalf("declared size over the limit must fail, got %+v", outcome)
	}
}

func TestProcessEventFileTooLargeByObservedSize(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	body := "<root>" + strings.Repeat("<x>padding</x>", 200) + "</root>"
	fx.blobs.content[ev.Data.URL] = body
	fx.blobs.declaredSize[ev.Data.URL] = 10
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeFileTooLarge {
		t.Fatalf("observed size over the limit must fail even when the declared size lies, got %+v", outcome)
	}
}

func TestProcessEventMalformedXML(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = "<root><broken></root>"
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeMalformedXML || !outcome.Retryable {
		t.Fatalf("expected retryable MALFORMED_XML, got %+v", outcome)
	}
}

func TestProcessEventMalformedXMLIgnoredWhenDisabled(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = "<root><broken></root>"
	p := newProcessor(t, fx, func(opts *ProcessorOptions) {
		opts.RequireWellFormedXML = false
	})

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.Status != StatusIngested {
		t.Fatalf("with the xml check off malformed content still ingests, got %+v", outcome)
	}
}

func TestProcessEventDownloadFailedMidStream(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	fx.blobs.openReader = func() io.ReadCloser {
		return io.NopCloser(io.MultiReader(
			strings.NewReader("<root>"),
			&failingReader{err: errors.New("connection reset")},
		))
	}
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeDownloadFailed || !outcome.Retryable {
		t.Fatalf("expected retryable DOWNLOAD_FAILED, got %+v", outcome)
	}
}

func TestProcessEventDuplicate(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	hash := sha256.Sum256([]byte(wellFormedXML))
	fx.ledger.seed("acme", hex.EncodeToString(hash[:]), StatusIngested)
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.Status != StatusDuplicate {
		t.Fatalf("expected DUPLICATE, got %+v", outcome)
	}
	if outcome.Retryable {
		t.Fatalf("duplicates are terminal")
	}
	row := fx.ledger.row("acme", outcome.ContentHash)
	if row.duplicateCount != 1 {
		t.Fatalf("expected duplicate count incremented, got %d", row.duplicateCount)
	}
	if fx.notifier.callCount() != 0 {
		t.Fatalf("duplicates must not reach the ingest api")
	}
}

func TestProcessEventAlreadyFailedIsTerminal(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	hash := sha256.Sum256([]byte(wellFormedXML))
	fx.ledger.seed("acme", hex.EncodeToString(hash[:]), StatusFailed)
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeAlreadyFailed {
		t.Fatalf("expected ALREADY_FAILED, got %+v", outcome)
	}
	if outcome.Retryable {
		t.Fatalf("a permanently failed file must not be retried")
	}
}

func TestProcessEventInFlightIsRetryable(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	hash := sha256.Sum256([]byte(wellFormedXML))
	fx.ledger.seed("acme", hex.EncodeToString(hash[:]), StatusProcessing)
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeInFlight || !outcome.Retryable {
		t.Fatalf("a concurrent claim must stay retryable, got %+v", outcome)
	}
}

func TestProcessEventIngestHTTPError(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	fx.notifier.err = &IngestStatusError{StatusCode: 503}
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != "INGEST_HTTP_503" || !outcome.Retryable {
		t.Fatalf("expected retryable INGEST_HTTP_503, got %+v", outcome)
	}
	row := fx.ledger.row("acme", outcome.ContentHash)
	if row.status != StatusFailed {
		t.Fatalf("failed ingest must release the claim to FAILED, got %q", row.status)
	}
}

func TestProcessEventIngestGenericError(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	fx.notifier.err = errors.New("dial tcp: connection refused")
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeIngestError || !outcome.Retryable {
		t.Fatalf("expected retryable INGEST_ERROR, got %+v", outcome)
	}
}

func TestProcessEventIngestTimeout(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	fx.notifier.err = fmt.Errorf("post: %w", context.DeadlineExceeded)
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeIngestTimeout {
		t.Fatalf("expected INGEST_TIMEOUT, got %+v", outcome)
	}
}

func TestProcessEventLedgerErrorIsRetryable(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	fx.ledger.failWith = errors.New("connection refused")
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.ErrorCode != ErrCodeLedgerError || !outcome.Retryable {
		t.Fatalf("expected retryable LEDGER_ERROR, got %+v", outcome)
	}
}

func TestProcessEventCacheHitShortCircuits(t *testing.T) {
	fx := newFixture()
	fx.cache = newFakeStatusCache()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	hash := sha256.Sum256([]byte(wellFormedXML))
	contentHash := hex.EncodeToString(hash[:])
	fx.ledger.seed("acme", contentHash, StatusIngested)
	fx.cache.values["acme|"+contentHash] = StatusIngested
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.Status != StatusDuplicate {
		t.Fatalf("expected DUPLICATE from the cache fast path, got %+v", outcome)
	}
	row := fx.ledger.row("acme", contentHash)
	if row.duplicateCount != 1 {
		t.Fatalf("the cache fast path must still record the duplicate, got count %d", row.duplicateCount)
	}
}

func TestProcessEventCacheErrorFallsThrough(t *testing.T) {
	fx := newFixture()
	fx.cache = newFakeStatusCache()
	fx.cache.getErr = errors.New("redis down")
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	p := newProcessor(t, fx, nil)

	outcome := p.ProcessEvent(context.Background(), ev)
	if outcome.Status != StatusIngested {
		t.Fatalf("a cache failure must not block processing, got %+v", outcome)
	}
}

// Many deliveries of the same content racing through the claim gate must
// produce exactly one ingest call.
func TestProcessEventConcurrentSameContent(t *testing.T) {
	fx := newFixture()
	ev := testEvent("acme", "report.xml")
	fx.blobs.content[ev.Data.URL] = wellFormedXML
	p := newProcessor(t, fx, nil)

	const workers = 16
	outcomes := make([]Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = p.ProcessEvent(context.Background(), ev)
		}(i)
	}
	wg.Wait()

	ingested := 0
	for _, o := range outcomes {
		switch o.Status {
		case StatusIngested:
			ingested++
		case StatusDuplicate:
		case StatusFailed:
			if o.ErrorCode != ErrCodeInFlight {
				t.Fatalf("unexpected failure in race: %+v", o)
			}
		default:
			t.Fatalf("unexpected outcome in race: %+v", o)
		}
	}
	if ingested != 1 {
		t.Fatalf("exactly one delivery must win the claim, got %d", ingested)
	}
	if fx.notifier.callCount() != 1 {
		t.Fatalf("the ingest api must see the content once, got %d calls", fx.notifier.callCount())
	}
}
