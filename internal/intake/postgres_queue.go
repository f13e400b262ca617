package intake

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	postgresQueueTableName       = "intake_queue_messages"
	postgresQueueOperationWindow = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueue stores messages in a shared table partitioned by queue
// key. Receives are leased rows: visible_at is pushed into the future,
// dequeue_count is bumped, and a fresh pop receipt is rotated in, so a
// stale receipt can no longer delete the message.
type PostgresQueue struct {
	dsn       string
	tableName string
	queueKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueue(dsn, queueName string) (*PostgresQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" || strings.TrimSpace(queueName) == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresQueue{
		dsn:       dsn,
		tableName: postgresQueueTableName,
		queueKey:  strings.TrimSpace(queueName),
		openDB:    sql.Open,
	}, nil
}

func (q *PostgresQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresQueueOperationWindow)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				dequeue_count INTEGER NOT NULL DEFAULT 0,
				visible_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				pop_receipt TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, quoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_visible_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, visible_at, id)",
			quoteIdentifier(indexName),
			quoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresQueue) Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(`
		SELECT id, payload, dequeue_count
		  FROM %s
		 WHERE queue_key = $1
		   AND visible_at <= now()
		 ORDER BY id ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`, quoteIdentifier(q.tableName))
	rows, err := tx.QueryContext(ctx, selectQuery, q.queueKey, max)
	if err != nil {
		return nil, err
	}
	type leased struct {
		id    int64
		body  string
		count int
	}
	var picked []leased
	for rows.Next() {
		var l leased
		if err := rows.Scan(&l.id, &l.body, &l.count); err != nil {
			rows.Close()
			return nil, err
		}
		picked = append(picked, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	leaseQuery := fmt.Sprintf(`
		UPDATE %s
		   SET visible_at = now() + make_interval(secs => $1),
		       dequeue_count = dequeue_count + 1,
		       pop_receipt = $2
		 WHERE id = $3`, quoteIdentifier(q.tableName))
	messages := make([]Message, 0, len(picked))
	for _, l := range picked {
		receipt := uuid.NewString()
		if _, err := tx.ExecContext(ctx, leaseQuery, visibility.Seconds(), receipt, l.id); err != nil {
			return nil, err
		}
		messages = append(messages, Message{
			ID:           strconv.FormatInt(l.id, 10),
			Body:         l.body,
			Receipt:      receipt,
			DequeueCount: l.count + 1,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return messages, nil
}

func (q *PostgresQueue) Delete(ctx context.Context, msg Message) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(msg.ID, 10, 64)
	if err != nil {
		return ErrInvalidInput
	}
	deleteQuery := fmt.Sprintf(
		"DELETE FROM %s WHERE queue_key = $1 AND id = $2 AND pop_receipt = $3",
		quoteIdentifier(q.tableName),
	)
	result, err := q.db.ExecContext(ctx, deleteQuery, q.queueKey, id, msg.Receipt)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrReceiptMismatch
	}
	return nil
}

func (q *PostgresQueue) Send(ctx context.Context, body string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (queue_key, payload, visible_at) VALUES ($1, $2, now())",
		quoteIdentifier(q.tableName),
	)
	_, err := q.db.ExecContext(ctx, insertQuery, q.queueKey, body)
	return err
}

func (q *PostgresQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
