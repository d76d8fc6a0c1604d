package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// Producer generates the output of a stream. It runs once, in its own
// goroutine, with a context that is cancelled by Cancel or Shutdown.
type Producer func(ctx context.Context, w Writer) error

// Relay mirrors channel output to a shared log so that a resume request
// landing on another instance can replay it.
type Relay interface {
	// Register records that handle is live. It must be idempotent.
	Register(ctx context.Context, handle string) error
	// Publish appends a chunk to the shared log of handle.
	Publish(ctx context.Context, handle string, chunk model.Chunk) error
	// Replay reads the shared log of handle from the beginning. It returns
	// ErrStreamNotFound when the handle is not registered.
	Replay(ctx context.Context, handle string) (Reader, error)
}

// Options configures a Registry.
type Options struct {
	// Retention is how long a finished channel stays attachable after its
	// last reader detached.
	Retention time.Duration
	// Relay is optional.
	Relay Relay
	// RegisterAttempts bounds registration attempts.
	RegisterAttempts uint64
	// RegisterBaseDelay is the first backoff delay between attempts.
	RegisterBaseDelay time.Duration
	// RelayQueue bounds the chunks of one channel waiting to be relayed.
	RelayQueue int
}

// Registry is the process-wide table of live channels keyed by handle.
type Registry struct {
	opts   Options
	logger *logger.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	entries map[string]*entry

	producers sync.WaitGroup
}

type entry struct {
	ch      *Channel
	cancel  context.CancelFunc
	readers int
	done    bool
	timer   *time.Timer
}

// NewRegistry creates a registry.
func NewRegistry(opts Options, log *logger.Logger) *Registry {
	if opts.Retention <= 0 {
		opts.Retention = time.Minute
	}
	if opts.RegisterAttempts == 0 {
		opts.RegisterAttempts = 3
	}
	if opts.RegisterBaseDelay <= 0 {
		opts.RegisterBaseDelay = 200 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:       opts,
		logger:     log,
		baseCtx:    ctx,
		cancelBase: cancel,
		entries:    make(map[string]*entry),
	}
}

// Create registers handle and starts produce, returning a reader positioned
// at the start of the channel. If handle is already registered the existing
// channel is attached instead and produce is not started.
func (r *Registry) Create(ctx context.Context, handle string, produce Producer) (Reader, error) {
	r.mu.Lock()
	if e, ok := r.entries[handle]; ok {
		reader := r.attachLocked(handle, e)
		r.mu.Unlock()
		return reader, nil
	}
	pctx, cancel := context.WithCancel(r.baseCtx)
	e := &entry{
		ch:     newRelayedChannel(handle, r.opts.Relay, r.opts.RelayQueue, r.logger),
		cancel: cancel,
	}
	r.entries[handle] = e
	metrics.RegistrySize.Set(float64(len(r.entries)))
	reader := r.attachLocked(handle, e)
	r.mu.Unlock()

	if err := r.register(ctx, handle); err != nil {
		r.mu.Lock()
		r.removeLocked(handle, e)
		r.mu.Unlock()
		cancel()
		e.ch.close(err)
		reader.Close()
		return nil, fmt.Errorf("failed to register stream %s: %w", handle, err)
	}

	metrics.ActiveStreams.Inc()
	r.producers.Add(1)
	go r.run(pctx, handle, e, produce)
	return reader, nil
}

// Attach returns a reader that replays the channel of handle from the
// beginning and then follows it live.
func (r *Registry) Attach(ctx context.Context, handle string) (Reader, error) {
	r.mu.Lock()
	if e, ok := r.entries[handle]; ok {
		reader := r.attachLocked(handle, e)
		r.mu.Unlock()
		return reader, nil
	}
	r.mu.Unlock()

	if r.opts.Relay != nil {
		return r.opts.Relay.Replay(ctx, handle)
	}
	return nil, ErrStreamNotFound
}

// Cancel cancels the producer of handle. It reports whether the handle was
// known locally.
func (r *Registry) Cancel(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[handle]
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// PublishAbort cancels a local producer. It satisfies the abort publisher
// used when no message bus is configured.
func (r *Registry) PublishAbort(_ context.Context, handle string) error {
	if r.Cancel(handle) {
		r.logger.Info("stream cancelled", zap.String(logger.KeyStream, handle))
	}
	return nil
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Shutdown cancels every producer.
func (r *Registry) Shutdown() {
	r.cancelBase()
}

// Wait blocks until every producer has returned and its output was handed
// to the relay, or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.producers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) attachLocked(handle string, e *entry) Reader {
	e.readers++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	return e.ch.reader(func() { r.detach(handle, e) })
}

func (r *Registry) detach(handle string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.readers--
	if e.readers == 0 && e.done {
		r.scheduleLocked(handle, e)
	}
}

func (r *Registry) scheduleLocked(handle string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(r.opts.Retention, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if e.readers == 0 {
			r.removeLocked(handle, e)
		}
	})
}

func (r *Registry) removeLocked(handle string, e *entry) {
	if r.entries[handle] != e {
		return
	}
	delete(r.entries, handle)
	metrics.RegistrySize.Set(float64(len(r.entries)))
}

func (r *Registry) run(ctx context.Context, handle string, e *entry, produce Producer) {
	var err error
	defer r.producers.Done()
	defer func() { <-e.ch.relayed() }()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("producer panic: %v", p)
		}
		e.cancel()
		e.ch.close(err)
		metrics.ActiveStreams.Dec()

		r.mu.Lock()
		defer r.mu.Unlock()
		e.done = true
		if err != nil {
			r.logger.Error("stream producer failed",
				zap.String(logger.KeyStream, handle),
				zap.Error(err),
			)
			r.removeLocked(handle, e)
			return
		}
		if e.readers == 0 {
			r.scheduleLocked(handle, e)
		}
	}()

	err = produce(ctx, e.ch)
}

func (r *Registry) register(ctx context.Context, handle string) error {
	if r.opts.Relay == nil {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RegisterBaseDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.opts.RegisterAttempts-1), ctx)

	return backoff.RetryNotify(func() error {
		return r.opts.Relay.Register(ctx, handle)
	}, policy, func(err error, wait time.Duration) {
		r.logger.Warn("stream registration failed, retrying",
			zap.String(logger.KeyStream, handle),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}
