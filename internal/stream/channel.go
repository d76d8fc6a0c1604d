// Package stream multiplexes one live producer to any number of readers.
//
// A Channel is an append-only chunk log. Readers start at offset zero, so a
// reader attached late replays everything written so far and then follows
// the live tail; every reader observes the same total order.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/model"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// ErrStreamNotFound is returned when a handle is unknown to the registry.
var ErrStreamNotFound = errors.New("stream not found")

const (
	defaultRelayQueue   = 256
	relayPublishTimeout = 5 * time.Second
)

// Writer accepts chunks from a producer.
type Writer interface {
	Write(chunk model.Chunk)
}

// Reader yields the chunks of one channel in order.
type Reader interface {
	// Next blocks until the next chunk is available. It returns io.EOF after
	// the last chunk of a completed stream. A context error leaves the
	// reader position unchanged, so Next may be called again.
	Next(ctx context.Context) (model.Chunk, error)
	// Close detaches the reader.
	Close()
}

// Channel is the buffered, multicast output of one stream.
type Channel struct {
	handle string
	relay  Relay
	logger *logger.Logger

	mu     sync.Mutex
	chunks []model.Chunk
	closed bool
	err    error
	wake   chan struct{}

	// outbox feeds the relay in write order; nil without a relay.
	outbox    chan model.Chunk
	relayDone chan struct{}
}

func newChannel(handle string, relay Relay, log *logger.Logger) *Channel {
	return newRelayedChannel(handle, relay, defaultRelayQueue, log)
}

func newRelayedChannel(handle string, relay Relay, queue int, log *logger.Logger) *Channel {
	c := &Channel{
		handle:    handle,
		relay:     relay,
		logger:    log,
		wake:      make(chan struct{}),
		relayDone: make(chan struct{}),
	}
	if relay == nil {
		close(c.relayDone)
		return c
	}
	if queue <= 0 {
		queue = defaultRelayQueue
	}
	c.outbox = make(chan model.Chunk, queue)
	go c.pumpRelay()
	return c
}

// Handle returns the durable handle of the channel.
func (c *Channel) Handle() string {
	return c.handle
}

// Write appends a chunk and wakes every waiting reader. Writes after the
// channel closed are dropped. Mirroring to the relay happens on a separate
// goroutine; when its queue is full the chunk is not relayed.
func (c *Channel) Write(chunk model.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.chunks = append(c.chunks, chunk)
	close(c.wake)
	c.wake = make(chan struct{})

	if c.outbox != nil {
		select {
		case c.outbox <- chunk:
		default:
			metrics.RelayChunksDropped.Inc()
			c.logger.Warn("relay queue full, chunk not relayed",
				zap.String(logger.KeyStream, c.handle),
				zap.String("chunk_type", string(chunk.Type)),
			)
		}
	}
}

func (c *Channel) pumpRelay() {
	defer close(c.relayDone)
	for chunk := range c.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		err := c.relay.Publish(ctx, c.handle, chunk)
		cancel()
		if err != nil {
			c.logger.Warn("failed to relay chunk",
				zap.String(logger.KeyStream, c.handle),
				zap.String("chunk_type", string(chunk.Type)),
				zap.Error(err),
			)
		}
	}
}

// relayed is closed once every queued chunk was handed to the relay.
func (c *Channel) relayed() <-chan struct{} {
	return c.relayDone
}

// Len returns the number of buffered chunks.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

func (c *Channel) close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.wake)
	if c.outbox != nil {
		close(c.outbox)
	}
}

func (c *Channel) reader(release func()) *channelReader {
	return &channelReader{ch: c, release: release}
}

type channelReader struct {
	ch      *Channel
	pos     int
	release func()
	once    sync.Once
}

func (r *channelReader) Next(ctx context.Context) (model.Chunk, error) {
	for {
		r.ch.mu.Lock()
		if r.pos < len(r.ch.chunks) {
			chunk := r.ch.chunks[r.pos]
			r.pos++
			r.ch.mu.Unlock()
			return chunk, nil
		}
		if r.ch.closed {
			err := r.ch.err
			r.ch.mu.Unlock()
			if err != nil {
				return model.Chunk{}, err
			}
			return model.Chunk{}, io.EOF
		}
		wake := r.ch.wake
		r.ch.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return model.Chunk{}, ctx.Err()
		}
	}
}

func (r *channelReader) Close() {
	r.once.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}
