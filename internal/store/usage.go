package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/capitalize-ai/chatstream/internal/model"
)

func usageColumn(kind model.UsageKind) (string, error) {
	switch kind {
	case model.UsageCredits:
		return "credits", nil
	case model.UsageSearch:
		return "search_calls", nil
	case model.UsageResearch:
		return "research_calls", nil
	}
	return "", fmt.Errorf("unknown usage kind %q", kind)
}

// EnsureUsage creates the zeroed counter row of a user if it is missing.
func (q queries) EnsureUsage(ctx context.Context, userID string, now time.Time) error {
	_, err := q.exec(ctx,
		`INSERT INTO usage_counter (user_id, credits, search_calls, research_calls, updated_ts)
		 VALUES (?, 0, 0, 0, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, toMicros(now),
	)
	return err
}

// ReserveUsage adds cost to a counter when the result stays within limit.
// It reports false, leaving the row untouched, when the limit would be
// exceeded. The check and the increment are one statement.
func (q queries) ReserveUsage(ctx context.Context, userID string, kind model.UsageKind, cost, limit int64, now time.Time) (bool, error) {
	col, err := usageColumn(kind)
	if err != nil {
		return false, err
	}
	if err := q.EnsureUsage(ctx, userID, now); err != nil {
		return false, err
	}
	res, err := q.exec(ctx,
		`UPDATE usage_counter SET `+col+` = `+col+` + ?, updated_ts = ?
		 WHERE user_id = ? AND `+col+` + ? <= ?`,
		cost, toMicros(now), userID, cost, limit,
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

// DecrementUsage subtracts cost from a counter, clamping at zero. It
// returns the value before the decrement and whether clamping happened.
func (q queries) DecrementUsage(ctx context.Context, userID string, kind model.UsageKind, cost int64, now time.Time) (int64, bool, error) {
	col, err := usageColumn(kind)
	if err != nil {
		return 0, false, err
	}

	var current int64
	err = q.queryRow(ctx,
		`SELECT `+col+` FROM usage_counter WHERE user_id = ?`+q.dialect.ForUpdate(),
		userID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, cost > 0, nil
	}
	if err != nil {
		return 0, false, err
	}

	next := current - cost
	clamped := next < 0
	if clamped {
		next = 0
	}
	if _, err := q.exec(ctx,
		`UPDATE usage_counter SET `+col+` = ?, updated_ts = ? WHERE user_id = ?`,
		next, toMicros(now), userID,
	); err != nil {
		return 0, false, err
	}
	return current, clamped, nil
}

// GetUsage returns the counters of a user; a missing row reads as zero.
func (q queries) GetUsage(ctx context.Context, userID string) (*model.UsageCounter, error) {
	u := &model.UsageCounter{UserID: userID}
	err := q.queryRow(ctx,
		`SELECT credits, search_calls, research_calls FROM usage_counter WHERE user_id = ?`,
		userID,
	).Scan(&u.Credits, &u.SearchCalls, &u.ResearchCalls)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}
