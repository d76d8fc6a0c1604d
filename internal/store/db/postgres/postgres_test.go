package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/store"
)

func TestRebind(t *testing.T) {
	got := Dialect{}.Rebind(`UPDATE thread SET status = ?, stream_handle = ? WHERE id = ?`)
	assert.Equal(t, `UPDATE thread SET status = $1, stream_handle = $2 WHERE id = $3`, got)
}

func TestIsTransientIgnoresPlainErrors(t *testing.T) {
	assert.False(t, Dialect{}.IsTransient(context.Canceled))
}

func newContainerStore(t *testing.T) *store.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("chatstream"),
		tcpostgres.WithUsername("chatstream"),
		tcpostgres.WithPassword("chatstream"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestRowLockSerializesStatusTransition(t *testing.T) {
	s := newContainerStore(t)
	ctx := context.Background()
	now := time.Now()

	var g errgroup.Group
	results := make([]bool, 8)
	for i := range results {
		g.Go(func() error {
			return s.WithTx(ctx, func(tx *store.Tx) error {
				if _, err := tx.CreateThreadIfAbsent(ctx, &model.Thread{
					ID: "t1", OwnerID: "u1", Status: model.ThreadStatusSubmitted, CreatedAt: now, UpdatedAt: now,
				}); err != nil {
					return err
				}
				th, err := tx.GetThreadForUpdate(ctx, "t1")
				if err != nil {
					return err
				}
				if th.Streaming() {
					return nil
				}
				handle := "h"
				results[i] = true
				return tx.UpdateThreadState(ctx, "t1", model.ThreadStatusStreaming, &handle, now)
			})
		})
	}
	require.NoError(t, g.Wait())

	won := 0
	for _, ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
}

func TestReserveUsageOnPostgres(t *testing.T) {
	s := newContainerStore(t)
	ctx := context.Background()

	ok, err := s.ReserveUsage(ctx, "u1", model.UsageCredits, 9, 10, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReserveUsage(ctx, "u1", model.UsageCredits, 3, 10, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}
