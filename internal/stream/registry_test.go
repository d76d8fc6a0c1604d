package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
)

func delta(s string) model.Chunk {
	return model.Chunk{Type: model.ChunkTextDelta, ID: "t", Delta: s}
}

func drain(t *testing.T, r Reader) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []string
	for {
		c, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c.Delta)
	}
}

func next(t *testing.T, r Reader) model.Chunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := r.Next(ctx)
	require.NoError(t, err)
	return c
}

func newTestRegistry(opts Options) *Registry {
	return NewRegistry(opts, logger.Nop())
}

func TestLateReaderReplaysBufferAndFollowsLive(t *testing.T) {
	reg := newTestRegistry(Options{})
	gate := make(chan struct{})

	first, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		for _, s := range []string{"a", "b", "c"} {
			w.Write(delta(s))
		}
		<-gate
		w.Write(delta("d"))
		w.Write(delta("e"))
		return nil
	})
	require.NoError(t, err)
	defer first.Close()

	for _, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, next(t, first).Delta)
	}

	late, err := reg.Attach(context.Background(), "h1")
	require.NoError(t, err)
	defer late.Close()

	close(gate)

	var wg sync.WaitGroup
	var gotFirst, gotLate []string
	wg.Add(2)
	go func() { defer wg.Done(); gotFirst = drain(t, first) }()
	go func() { defer wg.Done(); gotLate = drain(t, late) }()
	wg.Wait()

	assert.Equal(t, []string{"d", "e"}, gotFirst)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, gotLate)
}

func TestCreateIsIdempotent(t *testing.T) {
	reg := newTestRegistry(Options{})
	var started atomic.Int32
	gate := make(chan struct{})

	produce := func(ctx context.Context, w Writer) error {
		started.Add(1)
		<-gate
		w.Write(delta("x"))
		return nil
	}

	r1, err := reg.Create(context.Background(), "h1", produce)
	require.NoError(t, err)
	r2, err := reg.Create(context.Background(), "h1", produce)
	require.NoError(t, err)
	close(gate)

	assert.Equal(t, []string{"x"}, drain(t, r1))
	assert.Equal(t, []string{"x"}, drain(t, r2))
	assert.Equal(t, int32(1), started.Load())
}

func TestAttachUnknownHandle(t *testing.T) {
	reg := newTestRegistry(Options{})
	_, err := reg.Attach(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestFinishedChannelExpiresAfterRetention(t *testing.T) {
	reg := newTestRegistry(Options{Retention: 20 * time.Millisecond})

	r, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		w.Write(delta("only"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, drain(t, r))

	// Still attachable while a reader holds it.
	again, err := reg.Attach(context.Background(), "h1")
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, drain(t, again))

	r.Close()
	again.Close()

	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, err = reg.Attach(context.Background(), "h1")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestProducerErrorRemovesChannelEagerly(t *testing.T) {
	reg := newTestRegistry(Options{Retention: time.Hour})
	boom := errors.New("boom")

	r, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		w.Write(delta("partial"))
		return boom
	})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, "partial", next(t, r).Delta)
	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, boom)

	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestProducerPanicIsContained(t *testing.T) {
	reg := newTestRegistry(Options{})

	r, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		panic("bad producer")
	})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad producer")
}

func TestCancelStopsProducer(t *testing.T) {
	reg := newTestRegistry(Options{})

	r, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		<-ctx.Done()
		w.Write(model.Chunk{Type: model.ChunkFinish})
		return nil
	})
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, reg.Cancel("h1"))
	assert.False(t, reg.Cancel("other"))

	c := next(t, r)
	assert.True(t, c.Terminal())
	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestNextKeepsPositionOnContextTimeout(t *testing.T) {
	reg := newTestRegistry(Options{})
	gate := make(chan struct{})

	r, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		<-gate
		w.Write(delta("late"))
		return nil
	})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	_, err = r.Next(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(gate)
	assert.Equal(t, []string{"late"}, drain(t, r))
}

type fakeRelay struct {
	mu         sync.Mutex
	failures   int
	delay      time.Duration
	registered []string
	published  []model.Chunk
	replay     Reader
}

func (f *fakeRelay) Register(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, handle)
	if f.failures > 0 {
		f.failures--
		return errors.New("relay unavailable")
	}
	return nil
}

func (f *fakeRelay) Publish(ctx context.Context, handle string, chunk model.Chunk) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, chunk)
	return nil
}

func (f *fakeRelay) Replay(ctx context.Context, handle string) (Reader, error) {
	if f.replay == nil {
		return nil, ErrStreamNotFound
	}
	return f.replay, nil
}

func TestRegistrationIsRetried(t *testing.T) {
	relay := &fakeRelay{failures: 2}
	reg := newTestRegistry(Options{Relay: relay, RegisterBaseDelay: time.Millisecond})

	r, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		w.Write(delta("x"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, drain(t, r))
	r.Close()
	require.NoError(t, reg.Wait(context.Background()))

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Len(t, relay.registered, 3)
	require.Len(t, relay.published, 1)
	assert.Equal(t, "x", relay.published[0].Delta)
}

func TestRegistrationGivesUpAfterBoundedAttempts(t *testing.T) {
	relay := &fakeRelay{failures: 10}
	reg := newTestRegistry(Options{Relay: relay, RegisterBaseDelay: time.Millisecond})

	var started atomic.Bool
	_, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		started.Store(true)
		return nil
	})
	require.Error(t, err)
	assert.False(t, started.Load())
	assert.Zero(t, reg.Len())

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.Len(t, relay.registered, 3)
}

func TestAttachFallsBackToRelay(t *testing.T) {
	remote := newChannel("h9", nil, logger.Nop())
	remote.Write(delta("from elsewhere"))
	remote.close(nil)

	reg := newTestRegistry(Options{Relay: &fakeRelay{replay: remote.reader(nil)}})
	r, err := reg.Attach(context.Background(), "h9")
	require.NoError(t, err)
	assert.Equal(t, []string{"from elsewhere"}, drain(t, r))
}

func TestShutdownWaitsForProducers(t *testing.T) {
	reg := newTestRegistry(Options{})
	var finalized atomic.Bool

	r, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		finalized.Store(true)
		return nil
	})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, reg.Wait(ctx), context.DeadlineExceeded)

	reg.Shutdown()
	require.NoError(t, reg.Wait(context.Background()))
	assert.True(t, finalized.Load())
}

func TestSlowRelayDoesNotDelayLocalReaders(t *testing.T) {
	relay := &fakeRelay{delay: 100 * time.Millisecond}
	reg := newTestRegistry(Options{Relay: relay})

	start := time.Now()
	r, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		for _, s := range []string{"a", "b", "c", "d", "e"} {
			w.Write(delta(s))
		}
		return nil
	})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, drain(t, r))
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	require.NoError(t, reg.Wait(context.Background()))
	relay.mu.Lock()
	defer relay.mu.Unlock()
	var relayed []string
	for _, c := range relay.published {
		relayed = append(relayed, c.Delta)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, relayed)
}

func TestFullRelayQueueDropsChunks(t *testing.T) {
	relay := &fakeRelay{delay: 50 * time.Millisecond}
	reg := newTestRegistry(Options{Relay: relay, RelayQueue: 1})

	r, err := reg.Create(context.Background(), "h1", func(ctx context.Context, w Writer) error {
		for _, s := range []string{"a", "b", "c", "d", "e"} {
			w.Write(delta(s))
		}
		return nil
	})
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, drain(t, r))
	require.NoError(t, reg.Wait(context.Background()))

	relay.mu.Lock()
	defer relay.mu.Unlock()
	assert.NotEmpty(t, relay.published)
	assert.Less(t, len(relay.published), 5)
	assert.Equal(t, "a", relay.published[0].Delta)
}
