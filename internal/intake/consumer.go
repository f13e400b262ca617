package intake

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventProcessor is the seam between queue plumbing and event semantics.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev Notification) Outcome
}

type ConsumerOptions struct {
	Queue             Queue
	Poison            Queue
	Processor         EventProcessor
	Metrics           *Aggregator
	Logger            *slog.Logger
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	MaxDequeueCount   int

	// MaxPolls bounds the number of receive calls; zero means run until
	// the context is done.
	MaxPolls int
}

// Consumer drains the notification queue, runs each message through the
// processor, and settles it: delete on success or permanent failure,
// leave for redelivery on retryable failure, move to the poison queue
// once the dequeue count reaches its cap.
type Consumer struct {
	queue      Queue
	poison     Queue
	processor  EventProcessor
	metrics    *Aggregator
	logger     *slog.Logger
	pollDelay  time.Duration
	batchSize  int
	visibility time.Duration
	maxDequeue int
	maxPolls   int
}

func NewConsumer(opts ConsumerOptions) *Consumer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollDelay := opts.PollInterval
	if pollDelay <= 0 {
		pollDelay = 2 * time.Second
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	maxDequeue := opts.MaxDequeueCount
	if maxDequeue <= 0 {
		maxDequeue = 5
	}
	return &Consumer{
		queue:      opts.Queue,
		poison:     opts.Poison,
		processor:  opts.Processor,
		metrics:    opts.Metrics,
		logger:     logger,
		pollDelay:  pollDelay,
		batchSize:  batchSize,
		visibility: visibility,
		maxDequeue: maxDequeue,
		maxPolls:   opts.MaxPolls,
	}
}

// Run polls until the context is cancelled or MaxPolls is exhausted.
// A final metrics flush runs on a fresh short-lived context so shutdown
// does not lose the pending delta.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("queue_worker_started",
		"batch_size", c.batchSize,
		"poll_interval_ms", c.pollDelay.Milliseconds(),
		"visibility_timeout_s", int(c.visibility.Seconds()),
		"max_dequeue_count", c.maxDequeue,
	)
	polls := 0
	for {
		if ctx.Err() != nil {
			break
		}
		if c.maxPolls > 0 && polls >= c.maxPolls {
			break
		}
		polls++

		msgs, err := c.queue.Receive(ctx, c.batchSize, c.visibility)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			c.logger.Error("queue_receive_failed", "error", err)
			if err := sleepContext(ctx, c.pollDelay); err != nil {
				break
			}
			continue
		}
		for _, msg := range msgs {
			c.handleMessage(ctx, msg)
		}
		if len(msgs) == 0 {
			if err := sleepContext(ctx, c.pollDelay); err != nil {
				break
			}
		}
	}

	if c.metrics != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.metrics.Flush(flushCtx); err != nil {
			c.logger.Error("metrics_flush_failed", "error", err)
		}
	}
	c.logger.Info("queue_worker_stopped")
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, msg Message) {
	c.logger.Info("queue_message_received", "message_id", msg.ID, "dequeue_count", msg.DequeueCount)

	events, err := DecodeNotifications(msg.Body)
	if err != nil {
		c.logger.Error("queue_message_invalid", "message_id", msg.ID, "error", err)
		c.settleFailed(ctx, msg)
		return
	}

	retryNeeded := false
	for _, ev := range events {
		outcome := c.processor.ProcessEvent(ctx, ev)
		if c.metrics != nil {
			c.metrics.Record(ctx, outcome)
		}
		if outcome.Status == StatusFailed && outcome.Retryable {
			retryNeeded = true
		}
	}

	if !retryNeeded {
		if err := c.queue.Delete(ctx, msg); err != nil {
			c.logger.Error("queue_delete_failed", "message_id", msg.ID, "error", err)
			return
		}
		c.logger.Info("queue_message_processed", "message_id", msg.ID, "events", len(events))
		return
	}
	c.settleFailed(ctx, msg)
}

// settleFailed leaves the message for redelivery, or moves it to the
// poison queue once it has been dequeued maxDequeue times. The poison
// copy is enqueued before the original is deleted so the body survives
// a crash in between.
func (c *Consumer) settleFailed(ctx context.Context, msg Message) {
	if msg.DequeueCount < c.maxDequeue {
		c.logger.Warn("queue_message_failed_attempt",
			"message_id", msg.ID, "dequeue_count", msg.DequeueCount, "max_dequeue_count", c.maxDequeue)
		return
	}
	if c.poison == nil {
		c.logger.Error("queue_message_dropped", "message_id", msg.ID, "dequeue_count", msg.DequeueCount)
		_ = c.queue.Delete(ctx, msg)
		return
	}
	if err := c.poison.Send(ctx, msg.Body); err != nil {
		c.logger.Error("queue_poison_send_failed", "message_id", msg.ID, "error", err)
		return
	}
	if err := c.queue.Delete(ctx, msg); err != nil {
		c.logger.Error("queue_delete_failed", "message_id", msg.ID, "error", err)
		return
	}
	c.logger.Warn("queue_message_poisoned", "message_id", msg.ID, "dequeue_count", msg.DequeueCount)
}
