package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/store"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// QuotaLedger tracks per-user consumption against tier limits.
type QuotaLedger struct {
	store  *store.Store
	logger *logger.Logger
	now    func() time.Time
}

// NewQuotaLedger creates a quota ledger.
func NewQuotaLedger(s *store.Store, log *logger.Logger) *QuotaLedger {
	return &QuotaLedger{store: s, logger: log, now: time.Now}
}

// CheckAndReserve adds cost to the counter of kind inside tx. A denial
// returns a *QuotaError and leaves the counter unchanged.
func (l *QuotaLedger) CheckAndReserve(ctx context.Context, tx *store.Tx, userID string, kind model.UsageKind, cost int64, limits model.Limits) error {
	if cost <= 0 {
		return nil
	}
	limit := limits.For(kind)
	ok, err := tx.ReserveUsage(ctx, userID, kind, cost, limit, l.now())
	if err != nil {
		return fmt.Errorf("failed to reserve %s: %w", kind, err)
	}
	if ok {
		return nil
	}

	used := int64(0)
	if u, err := tx.GetUsage(ctx, userID); err == nil {
		used = u.For(kind)
	}
	metrics.QuotaDenialsTotal.WithLabelValues(string(kind)).Inc()
	return &QuotaError{Kind: kind, Limit: limit, Used: used, Cost: cost}
}

// Reserve is CheckAndReserve in a transaction of its own.
func (l *QuotaLedger) Reserve(ctx context.Context, userID string, kind model.UsageKind, cost int64, limits model.Limits) error {
	return l.store.WithTx(ctx, func(tx *store.Tx) error {
		return l.CheckAndReserve(ctx, tx, userID, kind, cost, limits)
	})
}

// Compensate gives back a reservation whose action produced nothing
// billable. The counter never drops below zero.
func (l *QuotaLedger) Compensate(ctx context.Context, userID string, kind model.UsageKind, cost int64) error {
	if cost <= 0 {
		return nil
	}
	var before int64
	var clamped bool
	err := l.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		before, clamped, err = tx.DecrementUsage(ctx, userID, kind, cost, l.now())
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to compensate %s: %w", kind, err)
	}

	metrics.QuotaCompensationsTotal.WithLabelValues(string(kind)).Inc()
	if clamped {
		l.logger.Warn("quota compensation clamped at zero",
			zap.String(logger.KeyUser, userID),
			zap.String("kind", string(kind)),
			zap.Int64("before", before),
			zap.Int64("cost", cost),
		)
	}
	return nil
}

// Usage returns the consumed counters of a user.
func (l *QuotaLedger) Usage(ctx context.Context, userID string) (*model.UsageCounter, error) {
	u, err := l.store.GetUsage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	return u, nil
}
