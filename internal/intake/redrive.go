package intake

import (
	"context"
	"log/slog"
	"time"
)

type RedriveOptions struct {
	Poison      Queue
	Primary     Queue
	Logger      *slog.Logger
	MaxMessages int
	BatchSize   int
}

// Redriver moves messages from the poison queue back to the primary
// queue, message by message, up to a cap.
type Redriver struct {
	poison  Queue
	primary Queue
	logger  *slog.Logger
	maxMsgs int
	batch   int
}

func NewRedriver(opts RedriveOptions) *Redriver {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxMsgs := opts.MaxMessages
	if maxMsgs <= 0 {
		maxMsgs = 100
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 16
	}
	return &Redriver{
		poison:  opts.Poison,
		primary: opts.Primary,
		logger:  logger,
		maxMsgs: maxMsgs,
		batch:   batch,
	}
}

// Run drains until the poison queue is empty or the cap is reached,
// returning the number of messages moved. Each message is sent to the
// primary queue before it is deleted from the poison queue, so a crash
// mid-move duplicates rather than loses.
func (r *Redriver) Run(ctx context.Context) (int, error) {
	r.logger.Info("redrive_started", "max_messages", r.maxMsgs, "batch_size", r.batch)
	moved := 0
	for moved < r.maxMsgs {
		want := r.batch
		if remaining := r.maxMsgs - moved; remaining < want {
			want = remaining
		}
		msgs, err := r.poison.Receive(ctx, want, 30*time.Second)
		if err != nil {
			return moved, err
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			if err := r.primary.Send(ctx, msg.Body); err != nil {
				return moved, err
			}
			if err := r.poison.Delete(ctx, msg); err != nil {
				return moved, err
			}
			moved++
			r.logger.Info("redrive_moved", "message_id", msg.ID, "moved", moved)
		}
	}
	r.logger.Info("redrive_completed", "moved", moved)
	return moved, nil
}
