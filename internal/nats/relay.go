package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/internal/stream"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const (
	// StreamName is the JetStream stream holding chunk output.
	StreamName = "CHAT_CHUNKS"

	// SubjectPrefix is the prefix of chunk subjects.
	SubjectPrefix = "chunks"

	// HandleBucket is the KV bucket of live stream handles.
	HandleBucket = "CHAT_STREAMS"

	defaultMaxAge      = time.Hour
	defaultIdleTimeout = 2 * time.Minute
	replayBuffer       = 64
)

// ChunkSubject returns the subject carrying the chunks of handle.
func ChunkSubject(handle string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, handle)
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	// MaxAge bounds how long chunks and handles are kept.
	MaxAge time.Duration
	// IdleTimeout ends a replay that received nothing for this long.
	IdleTimeout time.Duration
	Replicas    int
}

// Relay implements stream.Relay on JetStream. Every chunk is appended to
// the subject of its handle; registered handles live in a KV bucket whose
// TTL matches the stream's MaxAge.
type Relay struct {
	client *Client
	kv     jetstream.KeyValue
	opts   RelayOptions
	logger *logger.Logger
}

// NewRelay ensures the stream and bucket exist and returns a relay.
func NewRelay(ctx context.Context, client *Client, opts RelayOptions, log *logger.Logger) (*Relay, error) {
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	if opts.Replicas <= 0 {
		opts.Replicas = 1
	}
	r := &Relay{client: client, opts: opts, logger: log}
	if err := r.EnsureStream(ctx); err != nil {
		return nil, err
	}
	kv, err := r.ensureBucket(ctx)
	if err != nil {
		return nil, err
	}
	r.kv = kv
	return r, nil
}

// EnsureStream ensures the chunk stream exists with proper configuration.
func (r *Relay) EnsureStream(ctx context.Context) error {
	js := r.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      r.opts.MaxAge,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Replicas:    r.opts.Replicas,
		Description: "Chunk output of chat completions, keyed by stream handle",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	r.logger.Info("created JetStream stream", zap.String("stream", StreamName))
	return nil
}

func (r *Relay) ensureBucket(ctx context.Context) (jetstream.KeyValue, error) {
	js := r.client.JetStream()
	kv, err := js.KeyValue(ctx, HandleBucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket: %w", err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      HandleBucket,
		Description: "Live chat stream handles",
		TTL:         r.opts.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    r.opts.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}
	return kv, nil
}

// Register records handle as live. Putting the same key twice is harmless.
func (r *Relay) Register(ctx context.Context, handle string) error {
	if _, err := r.kv.Put(ctx, handle, []byte(time.Now().UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("failed to register handle: %w", err)
	}
	return nil
}

// Publish appends a chunk to the log of handle.
func (r *Relay) Publish(ctx context.Context, handle string, chunk model.Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	if _, err := r.client.JetStream().Publish(ctx, ChunkSubject(handle), data); err != nil {
		return fmt.Errorf("failed to publish chunk: %w", err)
	}
	return nil
}

// Replay reads the log of handle from its first chunk and follows it until
// a terminal chunk arrives.
func (r *Relay) Replay(ctx context.Context, handle string) (stream.Reader, error) {
	if _, err := r.kv.Get(ctx, handle); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, stream.ErrStreamNotFound
		}
		return nil, fmt.Errorf("failed to look up handle: %w", err)
	}

	consumer, err := r.client.JetStream().OrderedConsumer(ctx, StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ChunkSubject(handle)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create replay consumer: %w", err)
	}
	if info := consumer.CachedInfo(); info != nil {
		metrics.NATSConsumerPending.WithLabelValues(StreamName, "replay").Set(float64(info.NumPending))
	}

	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to open replay iterator: %w", err)
	}

	rd := newReplayReader(iter, r.opts.IdleTimeout, r.logger.With(zap.String(logger.KeyStream, handle)))
	go rd.pump()
	return rd, nil
}

// replayReader adapts a JetStream message iterator to stream.Reader.
type replayReader struct {
	iter   jetstream.MessagesContext
	idle   time.Duration
	logger *logger.Logger

	chunks chan model.Chunk
	done   chan struct{}

	mu  sync.Mutex
	err error

	once sync.Once
}

func newReplayReader(iter jetstream.MessagesContext, idle time.Duration, log *logger.Logger) *replayReader {
	return &replayReader{
		iter:   iter,
		idle:   idle,
		logger: log,
		chunks: make(chan model.Chunk, replayBuffer),
		done:   make(chan struct{}),
	}
}

// errReplayIdle ends a replay whose producer stopped publishing without a
// terminal chunk.
var errReplayIdle = errors.New("replay idle timeout")

func (r *replayReader) pump() {
	defer close(r.chunks)

	watchdog := time.AfterFunc(r.idle, func() {
		r.setErr(errReplayIdle)
		r.iter.Stop()
	})
	defer watchdog.Stop()

	for {
		msg, err := r.iter.Next()
		if err != nil {
			if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				r.logger.Warn("replay iterator failed", zap.Error(err))
				r.setErr(err)
			}
			return
		}
		watchdog.Reset(r.idle)

		var chunk model.Chunk
		if err := json.Unmarshal(msg.Data(), &chunk); err != nil {
			r.logger.Warn("skipping malformed chunk", zap.Error(err))
			continue
		}
		select {
		case r.chunks <- chunk:
		case <-r.done:
			return
		}
		if chunk.Terminal() {
			return
		}
	}
}

func (r *replayReader) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *replayReader) getErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Next returns the next chunk, io.EOF after the terminal chunk.
func (r *replayReader) Next(ctx context.Context) (model.Chunk, error) {
	select {
	case chunk, ok := <-r.chunks:
		if !ok {
			if err := r.getErr(); err != nil && !errors.Is(err, errReplayIdle) {
				return model.Chunk{}, err
			}
			return model.Chunk{}, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return model.Chunk{}, ctx.Err()
	}
}

// Close stops the consumer.
func (r *replayReader) Close() {
	r.once.Do(func() {
		close(r.done)
		r.iter.Stop()
	})
}
