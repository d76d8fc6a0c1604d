package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatstream/internal/stream"
	"github.com/capitalize-ai/chatstream/pkg/logger"
	"github.com/capitalize-ai/chatstream/pkg/metrics"
)

const defaultHeartbeat = 15 * time.Second

// writeSSEHeaders sets the SSE headers and returns the flusher, or nil if
// the writer cannot stream.
func writeSSEHeaders(w http.ResponseWriter) http.Flusher {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher
}

// pipeSSE copies chunks from rd to the response until the stream ends or
// the client goes away. A comment line is sent when no chunk arrived for a
// heartbeat interval. Leaving early detaches the reader only; the producer
// keeps running.
func pipeSSE(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, rd stream.Reader, heartbeat time.Duration, log *logger.Logger) {
	defer rd.Close()

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	for {
		nctx, cancel := context.WithTimeout(ctx, heartbeat)
		chunk, err := rd.Next(nctx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return
		case ctx.Err() != nil:
			log.Debug("SSE client disconnected")
			return
		case errors.Is(err, context.DeadlineExceeded):
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		default:
			log.Warn("stream read failed", zap.Error(err))
			return
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			log.Warn("failed to marshal chunk", zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}
