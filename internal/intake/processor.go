package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Terminal error codes. Structural codes are permanent for the delivery
// but still queue-retryable; only DUPLICATE and ALREADY_FAILED absorb the
// delivery outright.
const (
	ErrCodeMissingStorageURI = "MISSING_STORAGE_URI"
	ErrCodeInvalidPath       = "INVALID_PATH"
	ErrCodeBlobAccessFailed  = "BLOB_ACCESS_FAILED"
	ErrCodeDownloadFailed    = "DOWNLOAD_FAILED"
	ErrCodeInvalidExtension  = "INVALID_EXTENSION"
	ErrCodeFileTooLarge      = "FILE_TOO_LARGE"
	ErrCodeMalformedXML      = "MALFORMED_XML"
	ErrCodeAlreadyFailed     = "ALREADY_FAILED"
	ErrCodeInFlight          = "IN_FLIGHT"
	ErrCodeIngestTimeout     = "INGEST_TIMEOUT"
	ErrCodeIngestError       = "INGEST_ERROR"
	ErrCodeLedgerError       = "LEDGER_ERROR"
)

// Source tag forwarded to the ingest API for files arriving through the
// storage intake path.
const intakeSource = "ftp"

const statusCacheTTL = 24 * time.Hour

// Outcome is the terminal result of processing one notification event.
// Nothing escapes the processor as an error; every failure mode collapses
// into one of these.
type Outcome struct {
	Status      string
	Retryable   bool
	TenantID    string
	StorageURI  string
	ContentHash string
	ErrorCode   string
	Elapsed     time.Duration
}

// IngestNotifier forwards a validated storage reference downstream.
type IngestNotifier interface {
	Notify(ctx context.Context, tenantID, storageURI, source string) error
}

type ProcessorOptions struct {
	Container            string
	AllowedExtension     string
	MaxBytes             int64
	RequireWellFormedXML bool
	Ledger               Ledger
	Blobs                ObjectStore
	Ingest               IngestNotifier
	Cache                StatusCache // optional
	Logger               *slog.Logger
}

// Processor drives the per-event state machine: parse, validate path,
// access object, claim, validate content, forward, terminal status write.
type Processor struct {
	container  string
	allowedExt string
	maxBytes   int64
	requireXML bool
	ledger     Ledger
	blobs      ObjectStore
	ingest     IngestNotifier
	cache      StatusCache
	logger     *slog.Logger
}

func NewProcessor(opts ProcessorOptions) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		container:  opts.Container,
		allowedExt: NormalizeExtension(opts.AllowedExtension),
		maxBytes:   opts.MaxBytes,
		requireXML: opts.RequireWellFormedXML,
		ledger:     opts.Ledger,
		blobs:      opts.Blobs,
		ingest:     opts.Ingest,
		cache:      opts.Cache,
		logger:     logger,
	}
}

// ProcessEvent runs one notification to a terminal outcome.
func (p *Processor) ProcessEvent(ctx context.Context, ev Notification) Outcome {
	start := time.Now()

	if ev.EventType != EventTypeBlobCreated {
		return Outcome{Status: StatusSkipped}
	}

	eventID := ev.ID
	if eventID == "" {
		eventID = "unknown"
	}
	storageURI := ev.Data.URL
	if storageURI == "" {
		p.logger.Error("missing_storage_uri", "event_id", eventID)
		return Outcome{
			Status:    StatusFailed,
			Retryable: true,
			ErrorCode: ErrCodeMissingStorageURI,
			Elapsed:   time.Since(start),
		}
	}

	p.logger.Info("event_received", "event_id", eventID, "storage_uri", storageURI)

	tenantID, ok := ParseTenant(ev.Subject, p.container)
	if !ok {
		p.logger.Error("invalid_path", "event_id", eventID, "storage_uri", storageURI)
		return Outcome{
			Status:     StatusFailed,
			Retryable:  true,
			TenantID:   "invalid",
			StorageURI: storageURI,
			ErrorCode:  ErrCodeInvalidPath,
			Elapsed:    time.Since(start),
		}
	}

	blobName, err := BlobNameFromURL(storageURI)
	if err != nil {
		p.logger.Error("blob_access_failed", "event_id", eventID, "storage_uri", storageURI, "error", err)
		return Outcome{
			Status:     StatusFailed,
			Retryable:  true,
			TenantID:   tenantID,
			StorageURI: storageURI,
			ErrorCode:  ErrCodeBlobAccessFailed,
			Elapsed:    time.Since(start),
		}
	}
	extensionValid := ExtensionOf(blobName) == p.allowedExt

	// Metadata and stream access both happen before any claim is taken,
	// so an unreachable object never locks a ledger row.
	info, err := p.blobs.Stat(ctx, storageURI)
	if err != nil {
		p.logger.Error("blob_access_failed", "event_id", eventID, "storage_uri", storageURI, "error", err)
		return Outcome{
			Status:     StatusFailed,
			Retryable:  true,
			TenantID:   tenantID,
			StorageURI: storageURI,
			ErrorCode:  ErrCodeBlobAccessFailed,
			Elapsed:    time.Since(start),
		}
	}
	stream, err := p.blobs.Open(ctx, storageURI)
	if err != nil {
		p.logger.Error("blob_access_failed", "event_id", eventID, "storage_uri", storageURI, "error", err)
		return Outcome{
			Status:     StatusFailed,
			Retryable:  true,
			TenantID:   tenantID,
			StorageURI: storageURI,
			ErrorCode:  ErrCodeBlobAccessFailed,
			Elapsed:    time.Since(start),
		}
	}
	digest := digestStream(stream, p.requireXML)
	_ = stream.Close()

	contentHash := digest.ContentHash
	oversize := info.Size > p.maxBytes || digest.Bytes > p.maxBytes

	// Cache fast path: a remembered INGESTED status means we can absorb
	// the redelivery without contending on the claim.
	if p.cache != nil {
		cached, cacheErr := p.cache.GetStatus(ctx, tenantID, contentHash)
		if cacheErr != nil {
			p.logger.Debug("status_cache_unavailable", "event_id", eventID, "error", cacheErr)
		} else if cached == StatusIngested {
			if err := p.ledger.WithTenant(ctx, tenantID, func(tl TenantLedger) error {
				return tl.MarkDuplicate(ctx, contentHash, eventID)
			}); err != nil {
				return p.ledgerFailure(eventID, tenantID, storageURI, contentHash, start, err)
			}
			p.logger.Info("duplicate", "event_id", eventID, "tenant_id", tenantID,
				"storage_uri", storageURI, "content_hash", contentHash, "cache_hit", true)
			return Outcome{
				Status:      StatusDuplicate,
				TenantID:    tenantID,
				StorageURI:  storageURI,
				ContentHash: contentHash,
				Elapsed:     time.Since(start),
			}
		}
	}

	var (
		claimed       bool
		existing      StatusRow
		existingFound bool
	)
	err = p.ledger.WithTenant(ctx, tenantID, func(tl TenantLedger) error {
		if _, upsertErr := tl.Upsert(ctx, UpsertInput{
			StorageURI:  storageURI,
			ContentHash: contentHash,
			Source:      intakeSource,
			EventID:     eventID,
		}); upsertErr != nil {
			return upsertErr
		}
		row, claimErr := tl.Claim(ctx, contentHash)
		if claimErr != nil {
			return claimErr
		}
		if row != nil {
			claimed = true
			return nil
		}
		status, found, fetchErr := tl.FetchStatus(ctx, contentHash)
		if fetchErr != nil {
			return fetchErr
		}
		existing, existingFound = status, found
		if found && status.Status == StatusIngested {
			return tl.MarkDuplicate(ctx, contentHash, eventID)
		}
		return nil
	})
	if err != nil {
		return p.ledgerFailure(eventID, tenantID, storageURI, contentHash, start, err)
	}

	if !claimed {
		if existingFound && existing.Status == StatusIngested {
			p.setCachedStatus(ctx, tenantID, contentHash, StatusIngested)
			p.logger.Info("duplicate", "event_id", eventID, "tenant_id", tenantID,
				"storage_uri", storageURI, "content_hash", contentHash)
			return Outcome{
				Status:      StatusDuplicate,
				TenantID:    tenantID,
				StorageURI:  storageURI,
				ContentHash: contentHash,
				Elapsed:     time.Since(start),
			}
		}
		// The claim lost to someone. The status read right after is
		// best-effort labeling: an in-flight race stays retryable, a row
		// that already failed permanently does not.
		errorCode := ErrCodeInFlight
		retryable := true
		if existingFound && existing.Status == StatusFailed {
			errorCode = ErrCodeAlreadyFailed
			retryable = false
		}
		p.logger.Info("already_claimed", "event_id", eventID, "tenant_id", tenantID,
			"storage_uri", storageURI, "status", existing.Status, "error_code", errorCode)
		return Outcome{
			Status:      StatusFailed,
			Retryable:   retryable,
			TenantID:    tenantID,
			StorageURI:  storageURI,
			ContentHash: contentHash,
			ErrorCode:   errorCode,
			Elapsed:     time.Since(start),
		}
	}

	p.logger.Info("claimed", "event_id", eventID, "tenant_id", tenantID, "content_hash", contentHash)

	if digest.StreamErr != nil {
		p.logger.Error("download_failed", "event_id", eventID, "tenant_id", tenantID,
			"storage_uri", storageURI, "error", digest.StreamErr)
		return p.failClaimed(ctx, eventID, tenantID, storageURI, contentHash, ErrCodeDownloadFailed, start)
	}
	if !extensionValid {
		p.logger.Error("validation_failed", "event_id", eventID, "tenant_id", tenantID,
			"storage_uri", storageURI, "error_code", ErrCodeInvalidExtension)
		return p.failClaimed(ctx, eventID, tenantID, storageURI, contentHash, ErrCodeInvalidExtension, start)
	}
	if oversize {
		p.logger.Error("validation_failed", "event_id", eventID, "tenant_id", tenantID,
			"storage_uri", storageURI, "error_code", ErrCodeFileTooLarge,
			"declared_bytes", info.Size, "observed_bytes", digest.Bytes)
		return p.failClaimed(ctx, eventID, tenantID, storageURI, contentHash, ErrCodeFileTooLarge, start)
	}
	if p.requireXML && !digest.XMLWellFormed {
		p.logger.Error("malformed_xml", "event_id", eventID, "tenant_id", tenantID,
			"storage_uri", storageURI, "error", digest.XMLErr)
		return p.failClaimed(ctx, eventID, tenantID, storageURI, contentHash, ErrCodeMalformedXML, start)
	}

	p.logger.Info("ingest_started", "event_id", eventID, "tenant_id", tenantID, "storage_uri", storageURI)

	if err := p.ingest.Notify(ctx, tenantID, storageURI, intakeSource); err != nil {
		errorCode := ErrCodeIngestError
		var statusErr *IngestStatusError
		switch {
		case errors.As(err, &statusErr):
			errorCode = fmt.Sprintf("INGEST_HTTP_%d", statusErr.StatusCode)
			p.logger.Error("ingest_http_error", "event_id", eventID, "tenant_id", tenantID,
				"storage_uri", storageURI, "status", statusErr.StatusCode)
		case errors.Is(err, context.DeadlineExceeded):
			errorCode = ErrCodeIngestTimeout
			fallthrough
		default:
			p.logger.Error("ingest_failed", "event_id", eventID, "tenant_id", tenantID,
				"storage_uri", storageURI, "error_code", errorCode, "error", err)
		}
		return p.failClaimed(ctx, eventID, tenantID, storageURI, contentHash, errorCode, start)
	}

	if err := p.ledger.WithTenant(ctx, tenantID, func(tl TenantLedger) error {
		return tl.MarkIngested(ctx, contentHash, eventID)
	}); err != nil {
		return p.ledgerFailure(eventID, tenantID, storageURI, contentHash, start, err)
	}
	p.setCachedStatus(ctx, tenantID, contentHash, StatusIngested)

	p.logger.Info("ingest_success", "event_id", eventID, "tenant_id", tenantID,
		"storage_uri", storageURI, "content_hash", contentHash)
	return Outcome{
		Status:      StatusIngested,
		TenantID:    tenantID,
		StorageURI:  storageURI,
		ContentHash: contentHash,
		Elapsed:     time.Since(start),
	}
}

// failClaimed transitions an already-claimed row PROCESSING -> FAILED and
// reports the terminal outcome. Errors writing the terminal status
// degrade to LEDGER_ERROR so the delivery is retried.
func (p *Processor) failClaimed(ctx context.Context, eventID, tenantID, storageURI, contentHash, errorCode string, start time.Time) Outcome {
	if err := p.ledger.WithTenant(ctx, tenantID, func(tl TenantLedger) error {
		return tl.MarkFailed(ctx, contentHash, errorCode)
	}); err != nil {
		return p.ledgerFailure(eventID, tenantID, storageURI, contentHash, start, err)
	}
	return Outcome{
		Status:      StatusFailed,
		Retryable:   true,
		TenantID:    tenantID,
		StorageURI:  storageURI,
		ContentHash: contentHash,
		ErrorCode:   errorCode,
		Elapsed:     time.Since(start),
	}
}

func (p *Processor) ledgerFailure(eventID, tenantID, storageURI, contentHash string, start time.Time, err error) Outcome {
	p.logger.Error("ledger_error", "event_id", eventID, "tenant_id", tenantID,
		"storage_uri", storageURI, "error", err)
	return Outcome{
		Status:      StatusFailed,
		Retryable:   true,
		TenantID:    tenantID,
		StorageURI:  storageURI,
		ContentHash: contentHash,
		ErrorCode:   ErrCodeLedgerError,
		Elapsed:     time.Since(start),
	}
}

func (p *Processor) setCachedStatus(ctx context.Context, tenantID, contentHash, status string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.SetStatus(ctx, tenantID, contentHash, status, statusCacheTTL); err != nil {
		p.logger.Debug("status_cache_unavailable", "tenant_id", tenantID, "error", err)
	}
}
