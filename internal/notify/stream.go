package notify

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// ErrChannelClosed is returned when writing to a channel that was closed or replaced.
var ErrChannelClosed = errors.New("notification channel closed")

// ConnectedMessage is the first line written to a new stream.
const ConnectedMessage = "Connected to notification stream"

// StreamChannel is a chunked HTTP response carrying newline-delimited JSON.
type StreamChannel struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	rc      *http.ResponseController
	closed  bool
	done    chan struct{}
	timeout time.Duration
}

// NewStreamChannel prepares w for streaming. The response must support flushing.
func NewStreamChannel(w http.ResponseWriter, writeTimeout time.Duration) (*StreamChannel, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, errors.New("streaming unsupported by response writer")
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &StreamChannel{
		w:       w,
		rc:      http.NewResponseController(w),
		done:    make(chan struct{}),
		timeout: writeTimeout,
	}, nil
}

// Open sends the stream headers and the connect acknowledgment.
func (c *StreamChannel) Open() error {
	c.w.Header().Set("Content-Type", "application/x-ndjson")
	c.w.Header().Set("Cache-Control", "no-cache")
	c.w.Header().Set("Connection", "keep-alive")
	c.w.Header().Set("X-Accel-Buffering", "no")
	c.w.WriteHeader(http.StatusOK)

	msg, err := encodeMessage(ConnectedMessage)
	if err != nil {
		return err
	}
	return c.Write(context.Background(), msg)
}

func (c *StreamChannel) Write(ctx context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	// Not every writer supports deadlines (httptest recorders do not).
	_ = c.rc.SetWriteDeadline(deadline)
	defer func() { _ = c.rc.SetWriteDeadline(time.Time{}) }()

	if _, err := c.w.Write(msg); err != nil {
		return err
	}
	return c.rc.Flush()
}

// Close stops further writes and releases the serving handler.
func (c *StreamChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Done is closed once the channel is closed, including when a newer connection replaced it.
func (c *StreamChannel) Done() <-chan struct{} {
	return c.done
}

// ServeStream subscribes the request as id's channel and blocks until the client goes away
// or the channel is replaced.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, id string) {
	ch, err := NewStreamChannel(w, h.writeTimeout)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := ch.Open(); err != nil {
		h.logger.WithField("subscriber_id", id).WithError(err).Warn("stream open failed")
		return
	}

	unsubscribe := h.Subscribe(id, ch)
	defer func() {
		unsubscribe()
		_ = ch.Close()
	}()
	h.logger.WithField("subscriber_id", id).Info("stream subscriber connected")

	select {
	case <-r.Context().Done():
	case <-ch.Done():
	}
	h.logger.WithField("subscriber_id", id).Info("stream subscriber disconnected")
}
