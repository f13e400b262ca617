package intake

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Ingest file statuses. PENDING -> PROCESSING -> INGESTED|FAILED in the
// ledger; DUPLICATE and SKIPPED only ever appear as processing outcomes.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusIngested   = "INGESTED"
	StatusFailed     = "FAILED"
	StatusDuplicate  = "DUPLICATE"
	StatusSkipped    = "SKIPPED"
)

const (
	ingestFilesTable   = "ingest_files"
	workerMetricsTable = "worker_metrics"

	ledgerOpenTimeout = 5 * time.Second
)

// IngestFile is one ledger row, keyed by (tenant_id, content_hash).
type IngestFile struct {
	ID                  string
	TenantID            string
	StorageURI          string
	ContentHash         string
	Source              string
	Status              string
	ErrorCode           *string
	DuplicateCount      int
	ProcessingStartedAt *time.Time
	ProcessedAt         *time.Time
	LastEventID         *string
}

type UpsertInput struct {
	StorageURI  string
	ContentHash string
	Source      string
	EventID     string
}

type UpsertResult struct {
	Status         string
	DuplicateCount int
}

type StatusRow struct {
	Status         string
	DuplicateCount int
}

// TenantLedger is the set of ledger operations available inside a tenant
// scope. The tenant identifier is bound when the scope is opened, so no
// operation can name a different tenant.
type TenantLedger interface {
	Upsert(ctx context.Context, in UpsertInput) (UpsertResult, error)
	Claim(ctx context.Context, contentHash string) (*IngestFile, error)
	MarkFailed(ctx context.Context, contentHash, errorCode string) error
	MarkIngested(ctx context.Context, contentHash, eventID string) error
	MarkDuplicate(ctx context.Context, contentHash, eventID string) error
	FetchStatus(ctx context.Context, contentHash string) (StatusRow, bool, error)
}

// Ledger opens tenant-scoped units of work against the durable dedup ledger.
type Ledger interface {
	WithTenant(ctx context.Context, tenantID string, fn func(TenantLedger) error) error
}

// WorkerMetricsDelta is one incremental flush of per-worker counters,
// merged additively into the durable worker_metrics row.
type WorkerMetricsDelta struct {
	WorkerID          string
	Hostname          string
	ProcessedCount    int64
	SuccessCount      int64
	DuplicateCount    int64
	FailureCount      int64
	TotalProcessingMS int64
	LastSuccessAt     *time.Time
	LastErrorAt       *time.Time
}

// MetricsStore persists worker metric deltas.
type MetricsStore interface {
	UpsertWorkerMetrics(ctx context.Context, delta WorkerMetricsDelta) error
}

// Store is the Postgres ledger. It implements Ledger and MetricsStore.
type Store struct {
	db *sql.DB
}

func NewStore(databaseURL string) (*Store, error) {
	if databaseURL == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), ledgerOpenTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTenant runs fn inside a transaction whose session tenant context is
// set via set_config with is_local=true. The setting dies with the
// transaction, so the tenant scope cannot leak onto a pooled connection
// regardless of how fn exits.
func (s *Store) WithTenant(ctx context.Context, tenantID string, fn func(TenantLedger) error) error {
	if tenantID == "" {
		return ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tenant scope: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT set_config('app.tenant_id', $1, true)", tenantID); err != nil {
		return fmt.Errorf("set tenant context: %w", err)
	}
	if err := fn(&tenantTx{tx: tx, tenantID: tenantID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tenant scope: %w", err)
	}
	committed = true
	return nil
}

type tenantTx struct {
	tx       *sql.Tx
	tenantID string
}

func (t *tenantTx) Upsert(ctx context.Context, in UpsertInput) (UpsertResult, error) {
	var out UpsertResult
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO `+ingestFilesTable+`
		       (id, tenant_id, storage_uri, content_hash, source, status, error_code, last_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7)
		ON CONFLICT (tenant_id, content_hash) DO UPDATE
		   SET storage_uri = EXCLUDED.storage_uri,
		       last_event_id = EXCLUDED.last_event_id
		RETURNING status, duplicate_count`,
		uuid.NewString(), t.tenantID, in.StorageURI, in.ContentHash, in.Source,
		StatusPending, nullable(in.EventID),
	).Scan(&out.Status, &out.DuplicateCount)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert ingest file: %w", err)
	}
	return out, nil
}

// Claim is the exactly-once gate: a conditional PENDING -> PROCESSING
// update. Among concurrent callers only the one whose UPDATE matched the
// PENDING row gets it back; everyone else gets nil.
func (t *tenantTx) Claim(ctx context.Context, contentHash string) (*IngestFile, error) {
	row := t.tx.QueryRowContext(ctx, `
		UPDATE `+ingestFilesTable+`
		   SET status = $1,
		       processing_started_at = now(),
		       error_code = NULL
		 WHERE tenant_id = $2
		   AND content_hash = $3
		   AND status = $4
		RETURNING id, tenant_id, storage_uri, content_hash, source, status,
		          error_code, duplicate_count, processing_started_at, processed_at, last_event_id`,
		StatusProcessing, t.tenantID, contentHash, StatusPending,
	)
	var f IngestFile
	err := row.Scan(&f.ID, &f.TenantID, &f.StorageURI, &f.ContentHash, &f.Source, &f.Status,
		&f.ErrorCode, &f.DuplicateCount, &f.ProcessingStartedAt, &f.ProcessedAt, &f.LastEventID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim ingest file: %w", err)
	}
	return &f, nil
}

func (t *tenantTx) MarkFailed(ctx context.Context, contentHash, errorCode string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE `+ingestFilesTable+`
		   SET status = $1,
		       error_code = $2,
		       processed_at = now()
		 WHERE tenant_id = $3
		   AND content_hash = $4
		   AND status = $5`,
		StatusFailed, nullable(errorCode), t.tenantID, contentHash, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (t *tenantTx) MarkIngested(ctx context.Context, contentHash, eventID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE `+ingestFilesTable+`
		   SET status = $1,
		       error_code = NULL,
		       processed_at = now(),
		       last_event_id = $2
		 WHERE tenant_id = $3
		   AND content_hash = $4
		   AND status = $5`,
		StatusIngested, nullable(eventID), t.tenantID, contentHash, StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark ingested: %w", err)
	}
	return nil
}

func (t *tenantTx) MarkDuplicate(ctx context.Context, contentHash, eventID string) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE `+ingestFilesTable+`
		   SET duplicate_count = duplicate_count + 1,
		       last_event_id = $1
		 WHERE tenant_id = $2
		   AND content_hash = $3`,
		nullable(eventID), t.tenantID, contentHash,
	)
	if err != nil {
		return fmt.Errorf("mark duplicate: %w", err)
	}
	return nil
}

func (t *tenantTx) FetchStatus(ctx context.Context, contentHash string) (StatusRow, bool, error) {
	var out StatusRow
	err := t.tx.QueryRowContext(ctx, `
		SELECT status, duplicate_count
		  FROM `+ingestFilesTable+`
		 WHERE tenant_id = $1 AND content_hash = $2`,
		t.tenantID, contentHash,
	).Scan(&out.Status, &out.DuplicateCount)
	if err == sql.ErrNoRows {
		return StatusRow{}, false, nil
	}
	if err != nil {
		return StatusRow{}, false, fmt.Errorf("fetch ingest status: %w", err)
	}
	return out, true, nil
}

// UpsertWorkerMetrics merges a counter delta into the worker's row.
// Totals add, the average is recomputed over the merged totals (zero when
// nothing has been processed), and the last-success/last-error timestamps
// only move forward: GREATEST ignores NULLs, so a flush that carries no
// timestamp leaves the stored one alone.
func (s *Store) UpsertWorkerMetrics(ctx context.Context, d WorkerMetricsDelta) error {
	if d.WorkerID == "" {
		return ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+workerMetricsTable+`
		       (worker_id, hostname, processed_count, success_count, duplicate_count, failure_count,
		        total_processing_ms, avg_processing_ms, last_success_at, last_error_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        CASE WHEN $3 = 0 THEN 0 ELSE ROUND($7::numeric / $3, 2) END,
		        $8, $9, now())
		ON CONFLICT (worker_id) DO UPDATE
		   SET hostname = EXCLUDED.hostname,
		       processed_count = `+workerMetricsTable+`.processed_count + EXCLUDED.processed_count,
		       success_count = `+workerMetricsTable+`.success_count + EXCLUDED.success_count,
		       duplicate_count = `+workerMetricsTable+`.duplicate_count + EXCLUDED.duplicate_count,
		       failure_count = `+workerMetricsTable+`.failure_count + EXCLUDED.failure_count,
		       total_processing_ms =
		         `+workerMetricsTable+`.total_processing_ms + EXCLUDED.total_processing_ms,
		       avg_processing_ms = CASE
		         WHEN (`+workerMetricsTable+`.processed_count + EXCLUDED.processed_count) = 0 THEN 0
		         ELSE ROUND(
		           (`+workerMetricsTable+`.total_processing_ms + EXCLUDED.total_processing_ms)::numeric
		           / (`+workerMetricsTable+`.processed_count + EXCLUDED.processed_count),
		           2
		         )
		       END,
		       last_success_at = GREATEST(`+workerMetricsTable+`.last_success_at, EXCLUDED.last_success_at),
		       last_error_at = GREATEST(`+workerMetricsTable+`.last_error_at, EXCLUDED.last_error_at),
		       updated_at = now()`,
		d.WorkerID, nullable(d.Hostname), d.ProcessedCount, d.SuccessCount, d.DuplicateCount,
		d.FailureCount, d.TotalProcessingMS, nullTime(d.LastSuccessAt), nullTime(d.LastErrorAt),
	)
	if err != nil {
		return fmt.Errorf("upsert worker metrics: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
