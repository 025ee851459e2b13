// Package queue is an at-least-once message queue stored in SQLite. Received
// messages stay invisible for a visibility timeout and are redelivered unless
// deleted before it expires.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Queue names used by the service.
const (
	Ingest = "ingest"
	Themes = "themes"
)

// DeadLetterSuffix is appended to a queue name to form its dead-letter queue.
const DeadLetterSuffix = "-dlq"

// ErrDrop tells a consumer the message can never succeed and must be
// acknowledged without retry.
var ErrDrop = errors.New("drop message")

const schema = `
CREATE TABLE IF NOT EXISTS queue_messages (
    id            TEXT PRIMARY KEY,
    queue         TEXT NOT NULL,
    body          TEXT NOT NULL,
    enqueued_at   INTEGER NOT NULL,
    visible_at    INTEGER NOT NULL,
    receive_count INTEGER NOT NULL DEFAULT 0,
    receipt       TEXT
);

CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages(queue, visible_at);
`

// Message is one delivery. Receipt changes on every receive; only the latest
// receipt can delete the message.
type Message struct {
	ID           string  `db:"id"`
	Queue        string  `db:"queue"`
	Body         string  `db:"body"`
	EnqueuedAt   int64   `db:"enqueued_at"`
	VisibleAt    int64   `db:"visible_at"`
	ReceiveCount int     `db:"receive_count"`
	Receipt      *string `db:"receipt"`
}

// SQLQueue stores messages in the queue_messages table.
type SQLQueue struct {
	db  *sqlx.DB
	now func() time.Time
}

// New creates the queue table on db if needed.
func New(db *sqlx.DB) (*SQLQueue, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	return &SQLQueue{db: db, now: time.Now}, nil
}

// Send appends body to queue and returns the message id.
func (q *SQLQueue) Send(ctx context.Context, queue string, body []byte) (string, error) {
	id := uuid.NewString()
	now := q.now().UnixMilli()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (id, queue, body, enqueued_at, visible_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, queue, string(body), now, now)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", queue, err)
	}
	return id, nil
}

// SendJSON marshals v and sends it.
func (q *SQLQueue) SendJSON(ctx context.Context, queue string, v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal message for %s: %w", queue, err)
	}
	return q.Send(ctx, queue, body)
}

// Receive claims up to max visible messages and hides them for visibility.
func (q *SQLQueue) Receive(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	receipt := uuid.NewString()
	now := q.now().UnixMilli()

	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET receipt = ?, visible_at = ?, receive_count = receive_count + 1
		WHERE id IN (
			SELECT id FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY enqueued_at ASC
			LIMIT ?
		)
	`, receipt, now+visibility.Milliseconds(), queue, now, max)
	if err != nil {
		return nil, fmt.Errorf("claim from %s: %w", queue, err)
	}

	var msgs []Message
	if err := q.db.SelectContext(ctx, &msgs,
		"SELECT * FROM queue_messages WHERE receipt = ? ORDER BY enqueued_at ASC", receipt); err != nil {
		return nil, fmt.Errorf("read claimed from %s: %w", queue, err)
	}
	return msgs, nil
}

// Delete acknowledges a message. A stale receipt (the message was redelivered
// in the meantime) is ignored.
func (q *SQLQueue) Delete(ctx context.Context, msg Message) error {
	if msg.Receipt == nil {
		return fmt.Errorf("delete %s: message has no receipt", msg.ID)
	}
	if _, err := q.db.ExecContext(ctx,
		"DELETE FROM queue_messages WHERE id = ? AND receipt = ?", msg.ID, *msg.Receipt); err != nil {
		return fmt.Errorf("delete %s: %w", msg.ID, err)
	}
	return nil
}

// DeadLetter moves a message to its queue's dead-letter queue.
func (q *SQLQueue) DeadLetter(ctx context.Context, msg Message) error {
	if msg.Receipt == nil {
		return fmt.Errorf("dead-letter %s: message has no receipt", msg.ID)
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages
		SET queue = ?, receipt = NULL, visible_at = ?
		WHERE id = ? AND receipt = ?
	`, msg.Queue+DeadLetterSuffix, q.now().UnixMilli(), msg.ID, *msg.Receipt)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	return nil
}

// Depth counts all messages currently held in queue, visible or not.
func (q *SQLQueue) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	if err := q.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM queue_messages WHERE queue = ?", queue); err != nil {
		return 0, fmt.Errorf("depth %s: %w", queue, err)
	}
	return n, nil
}
