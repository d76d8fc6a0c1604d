package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/capitalize-ai/chatstream/internal/model"
)

const threadColumns = `id, owner_id, title, status, stream_handle, created_ts, updated_ts`

// CreateThreadIfAbsent inserts t unless a thread with the same id exists.
// It reports whether a row was inserted.
func (q queries) CreateThreadIfAbsent(ctx context.Context, t *model.Thread) (bool, error) {
	res, err := q.exec(ctx,
		`INSERT INTO thread (`+threadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.OwnerID, nullString(t.Title), string(t.Status), nullString(t.StreamHandle),
		toMicros(t.CreatedAt), toMicros(t.UpdatedAt),
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

// GetThread returns the thread with id, or nil when it does not exist.
func (q queries) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	return q.getThread(ctx, id, "")
}

// GetThreadForUpdate is GetThread with a row lock held until the
// surrounding transaction ends.
func (q queries) GetThreadForUpdate(ctx context.Context, id string) (*model.Thread, error) {
	return q.getThread(ctx, id, q.dialect.ForUpdate())
}

func (q queries) getThread(ctx context.Context, id, suffix string) (*model.Thread, error) {
	row := q.queryRow(ctx, `SELECT `+threadColumns+` FROM thread WHERE id = ?`+suffix, id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListThreads returns the threads of an owner, most recently updated first.
func (q queries) ListThreads(ctx context.Context, ownerID string, limit int) ([]model.Thread, error) {
	rows, err := q.query(ctx,
		`SELECT `+threadColumns+` FROM thread WHERE owner_id = ? ORDER BY updated_ts DESC LIMIT ?`,
		ownerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []model.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *t)
	}
	return list, rows.Err()
}

// UpdateThreadState sets status and stream handle.
func (q queries) UpdateThreadState(ctx context.Context, id string, status model.ThreadStatus, handle *string, updatedAt time.Time) error {
	_, err := q.exec(ctx,
		`UPDATE thread SET status = ?, stream_handle = ?, updated_ts = ? WHERE id = ?`,
		string(status), nullString(handle), toMicros(updatedAt), id,
	)
	return err
}

// UpdateThreadTitle sets the title.
func (q queries) UpdateThreadTitle(ctx context.Context, id, title string, updatedAt time.Time) error {
	_, err := q.exec(ctx,
		`UPDATE thread SET title = ?, updated_ts = ? WHERE id = ?`,
		title, toMicros(updatedAt), id,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(r rowScanner) (*model.Thread, error) {
	var (
		t                  model.Thread
		title, handle      sql.NullString
		status             string
		createdTs, updated int64
	)
	if err := r.Scan(&t.ID, &t.OwnerID, &title, &status, &handle, &createdTs, &updated); err != nil {
		return nil, err
	}
	t.Title = stringPtr(title)
	t.Status = model.ThreadStatus(status)
	t.StreamHandle = stringPtr(handle)
	t.CreatedAt = fromMicros(createdTs)
	t.UpdatedAt = fromMicros(updated)
	return &t, nil
}
