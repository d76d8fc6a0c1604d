package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/capitalize-ai/chatstream/internal/model"
)

const messageColumns = `id, thread_id, author_id, role, content, created_ts, updated_ts`

// CreateMessage inserts m unless a message with the same id exists. It
// reports whether a row was inserted.
func (q queries) CreateMessage(ctx context.Context, m *model.Message) (bool, error) {
	content, err := encodeContent(m.Content)
	if err != nil {
		return false, err
	}
	res, err := q.exec(ctx,
		`INSERT INTO message (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.ThreadID, m.AuthorID, string(m.Role), content,
		toMicros(m.CreatedAt), toMicros(m.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetMessage returns the message with id, or nil when it does not exist.
func (q queries) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := q.queryRow(ctx, `SELECT `+messageColumns+` FROM message WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateMessageContent replaces the content of a message.
func (q queries) UpdateMessageContent(ctx context.Context, id string, content []model.Part, updatedAt time.Time) error {
	blob, err := encodeContent(content)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx,
		`UPDATE message SET content = ?, updated_ts = ? WHERE id = ?`,
		blob, toMicros(updatedAt), id,
	)
	return err
}

// DeleteMessagesAfter removes every message of a thread created strictly
// after the given instant, except the message exceptID.
func (q queries) DeleteMessagesAfter(ctx context.Context, threadID string, after time.Time, exceptID string) (int64, error) {
	res, err := q.exec(ctx,
		`DELETE FROM message WHERE thread_id = ? AND created_ts > ? AND id <> ?`,
		threadID, toMicros(after), exceptID,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListMessages returns the messages of a thread ordered by creation time.
func (q queries) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	rows, err := q.query(ctx,
		`SELECT `+messageColumns+` FROM message WHERE thread_id = ? ORDER BY created_ts ASC, id ASC`,
		threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

func encodeContent(parts []model.Part) (string, error) {
	if parts == nil {
		parts = []model.Part{}
	}
	blob, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to encode message content: %w", err)
	}
	return string(blob), nil
}

func scanMessage(r rowScanner) (*model.Message, error) {
	var (
		m                  model.Message
		role               string
		content            []byte
		createdTs, updated int64
	)
	if err := r.Scan(&m.ID, &m.ThreadID, &m.AuthorID, &role, &content, &createdTs, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &m.Content); err != nil {
		return nil, fmt.Errorf("failed to decode content of message %s: %w", m.ID, err)
	}
	m.Role = model.Role(role)
	m.CreatedAt = fromMicros(createdTs)
	m.UpdatedAt = fromMicros(updated)
	return &m, nil
}
