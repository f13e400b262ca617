package intake

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Message is one received queue entry. Receipt is the opaque deletion
// token minted by the most recent receive; DequeueCount includes the
// current delivery.
type Message struct {
	ID           string
	Body         string
	Receipt      string
	DequeueCount int
}

// Queue is a visibility-lease message queue. Receive hides returned
// messages from other consumers for the lease duration; an undeleted
// message reappears once the lease expires, with a fresh receipt.
type Queue interface {
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	Delete(ctx context.Context, msg Message) error
	Send(ctx context.Context, body string) error
	Close() error
}

// BuildQueueFromDSN dispatches on the DSN scheme. The worker and the
// redrive tool both build their queues through here so the backend is a
// deployment choice, not a code path.
func BuildQueueFromDSN(dsn, queueName string) (Queue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.TrimSpace(queueName) == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "postgres", "postgresql":
		return NewPostgresQueue(dsn, queueName)
	case "memory", "mem", "inmem":
		return NewMemoryQueue(queueName), nil
	case "amqp", "amqps", "servicebus", "sqs":
		return nil, fmt.Errorf("%w: queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}
