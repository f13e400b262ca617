package intake

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// counters is one additive bucket of processing results.
type counters struct {
	Processed    int64
	Ingested     int64
	Duplicates   int64
	Failures     int64
	Retryable    int64
	ElapsedTotal time.Duration
	LastSuccess  time.Time
	LastError    time.Time
}

func (c *counters) add(o Outcome) {
	c.Processed++
	c.ElapsedTotal += o.Elapsed
	switch o.Status {
	case StatusIngested:
		c.Ingested++
		c.LastSuccess = time.Now().UTC()
	case StatusDuplicate:
		c.Duplicates++
		c.LastSuccess = time.Now().UTC()
	case StatusFailed:
		c.Failures++
		if o.Retryable {
			c.Retryable++
		}
		c.LastError = time.Now().UTC()
	}
}

func (c *counters) merge(other counters) {
	c.Processed += other.Processed
	c.Ingested += other.Ingested
	c.Duplicates += other.Duplicates
	c.Failures += other.Failures
	c.Retryable += other.Retryable
	c.ElapsedTotal += other.ElapsedTotal
	if other.LastSuccess.After(c.LastSuccess) {
		c.LastSuccess = other.LastSuccess
	}
	if other.LastError.After(c.LastError) {
		c.LastError = other.LastError
	}
}

// Aggregator accumulates outcome counters in memory and periodically
// persists them as an additive delta. Skipped events never count.
type Aggregator struct {
	mu       sync.Mutex
	workerID string
	hostname string
	store    MetricsStore
	logger   *slog.Logger

	logEvery   int
	flushEvery int

	lifetime counters
	pending  counters
}

func NewAggregator(workerID string, store MetricsStore, logger *slog.Logger, logEvery, flushEvery int) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if logEvery <= 0 {
		logEvery = 10
	}
	if flushEvery <= 0 {
		flushEvery = 25
	}
	hostname, _ := os.Hostname()
	return &Aggregator{
		workerID:   workerID,
		hostname:   hostname,
		store:      store,
		logger:     logger,
		logEvery:   logEvery,
		flushEvery: flushEvery,
	}
}

// Record folds one outcome into the running counters, emitting the
// periodic metrics line and flushing the pending delta on its interval.
func (a *Aggregator) Record(ctx context.Context, o Outcome) {
	if o.Status == StatusSkipped {
		return
	}

	a.mu.Lock()
	a.lifetime.add(o)
	a.pending.add(o)
	lifetime := a.lifetime
	flushDue := a.pending.Processed >= int64(a.flushEvery)
	a.mu.Unlock()

	if lifetime.Processed%int64(a.logEvery) == 0 {
		avg := time.Duration(0)
		if lifetime.Processed > 0 {
			avg = lifetime.ElapsedTotal / time.Duration(lifetime.Processed)
		}
		a.logger.Info("worker_metrics",
			"worker_id", a.workerID,
			"processed", lifetime.Processed,
			"ingested", lifetime.Ingested,
			"duplicates", lifetime.Duplicates,
			"failures", lifetime.Failures,
			"retryable", lifetime.Retryable,
			"avg_elapsed_ms", avg.Milliseconds(),
		)
	}

	if flushDue {
		if err := a.Flush(ctx); err != nil {
			a.logger.Error("metrics_flush_failed", "worker_id", a.workerID, "error", err)
		}
	}
}

// Flush persists the pending delta. The pending bucket resets only after
// the store accepts the delta, so a failed flush retries the same counts.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.mu.Lock()
	delta := a.pending
	a.mu.Unlock()

	if delta.Processed == 0 {
		return nil
	}
	err := a.store.UpsertWorkerMetrics(ctx, WorkerMetricsDelta{
		WorkerID:          a.workerID,
		Hostname:          a.hostname,
		ProcessedCount:    delta.Processed,
		SuccessCount:      delta.Ingested + delta.Duplicates,
		DuplicateCount:    delta.Duplicates,
		FailureCount:      delta.Failures,
		TotalProcessingMS: delta.ElapsedTotal.Milliseconds(),
		LastSuccessAt:     timeOrNil(delta.LastSuccess),
		LastErrorAt:       timeOrNil(delta.LastError),
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.pending.Processed -= delta.Processed
	a.pending.Ingested -= delta.Ingested
	a.pending.Duplicates -= delta.Duplicates
	a.pending.Failures -= delta.Failures
	a.pending.Retryable -= delta.Retryable
	a.pending.ElapsedTotal -= delta.ElapsedTotal
	a.mu.Unlock()
	return nil
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Lifetime returns a snapshot of the lifetime counters.
func (a *Aggregator) Lifetime() counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lifetime
}
