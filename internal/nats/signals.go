package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

// AbortPrefix is the subject prefix of abort signals.
const AbortPrefix = "chat.abort"

// AbortSubject returns the subject of the abort signal for handle.
func AbortSubject(handle string) string {
	return AbortPrefix + "." + handle
}

// Signals carries abort signals between instances over core NATS. Delivery
// is at most once; a signal nobody listens to is lost.
type Signals struct {
	client *Client
	logger *logger.Logger
	sub    *nats.Subscription
}

// NewSignals creates a signal publisher/subscriber.
func NewSignals(client *Client, log *logger.Logger) *Signals {
	return &Signals{client: client, logger: log}
}

// PublishAbort asks whichever instance runs the producer of handle to stop.
func (s *Signals) PublishAbort(ctx context.Context, handle string) error {
	if err := s.client.Conn().Publish(AbortSubject(handle), nil); err != nil {
		return fmt.Errorf("failed to publish abort: %w", err)
	}
	return s.client.Conn().FlushWithContext(ctx)
}

// SubscribeAbort calls cancel for every abort signal. cancel reports
// whether this instance ran the producer.
func (s *Signals) SubscribeAbort(cancel func(handle string) bool) error {
	sub, err := s.client.Conn().Subscribe(AbortPrefix+".*", func(msg *nats.Msg) {
		handle := strings.TrimPrefix(msg.Subject, AbortPrefix+".")
		if cancel(handle) {
			s.logger.Info("stream cancelled by abort signal", zap.String(logger.KeyStream, handle))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to abort signals: %w", err)
	}
	s.sub = sub
	return nil
}

// Close unsubscribes.
func (s *Signals) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

// CollectStats updates the JetStream gauges every interval until ctx is
// done.
func (r *Relay) CollectStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Relay) collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	st, err := r.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		r.logger.Debug("failed to read stream info", zap.Error(err))
		return
	}
	info, err := st.Info(ctx)
	if err != nil {
		r.logger.Debug("failed to read stream info", zap.Error(err))
		return
	}
	metrics.NATSStreamMessages.WithLabelValues(StreamName).Set(float64(info.State.Msgs))
	metrics.NATSStreamBytes.WithLabelValues(StreamName).Set(float64(info.State.Bytes))
}
