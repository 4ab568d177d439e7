/**
 * @description
 * NotificationHub: best-effort, at-most-once push delivery keyed by subscriber id. Each
 * subscriber has at most one live channel; connecting again replaces (and closes) the old
 * one. Nothing is buffered for absent subscribers and nothing is retried.
 *
 * @dependencies
 * - github.com/sirupsen/logrus: dropped and failed deliveries are logged.
 */

package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultWriteTimeout bounds a single delivery.
const DefaultWriteTimeout = 5 * time.Second

// Channel is one open push connection.
type Channel interface {
	// Write delivers one framed message. It must give up when ctx is done.
	Write(ctx context.Context, msg []byte) error
	Close() error
}

type subscription struct {
	channel Channel
}

// Hub maps subscriber ids to their current channel.
type Hub struct {
	mu           sync.RWMutex
	subs         map[string]*subscription
	writeTimeout time.Duration
	logger       logrus.FieldLogger
}

// NewHub creates an empty hub. writeTimeout <= 0 uses DefaultWriteTimeout.
func NewHub(writeTimeout time.Duration, logger logrus.FieldLogger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		subs:         make(map[string]*subscription),
		writeTimeout: writeTimeout,
		logger:       logger.WithField("component", "notification_hub"),
	}
}

// Subscribe registers ch for id and returns a function that removes it again. A previous
// channel for the same id is closed. The returned function is a no-op once ch has been
// replaced.
func (h *Hub) Subscribe(id string, ch Channel) (unsubscribe func()) {
	sub := &subscription{channel: ch}

	h.mu.Lock()
	prev := h.subs[id]
	h.subs[id] = sub
	h.mu.Unlock()

	if prev != nil {
		_ = prev.channel.Close()
		h.logger.WithField("subscriber_id", id).Debug("replaced existing channel")
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(id, sub) })
	}
}

// remove deletes sub only if it is still the current subscription for id.
func (h *Hub) remove(id string, sub *subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[id] != sub {
		return false
	}
	delete(h.subs, id)
	return true
}

// Publish sends {"message": payload} as one line to id's channel. It reports whether the
// message was written; absent subscribers and failed writes are logged and dropped.
func (h *Hub) Publish(id string, payload any) bool {
	h.mu.RLock()
	sub := h.subs[id]
	h.mu.RUnlock()

	if sub == nil {
		h.logger.WithField("subscriber_id", id).Debug("no subscriber; notification dropped")
		return false
	}

	msg, err := encodeMessage(payload)
	if err != nil {
		h.logger.WithField("subscriber_id", id).WithError(err).Warn("notification encode failed")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.writeTimeout)
	defer cancel()
	if err := sub.channel.Write(ctx, msg); err != nil {
		h.logger.WithField("subscriber_id", id).WithError(err).Warn("notification write failed; dropping channel")
		if h.remove(id, sub) {
			_ = sub.channel.Close()
		}
		return false
	}
	return true
}

// Connected reports whether id currently has a channel.
func (h *Hub) Connected(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[id]
	return ok
}

func encodeMessage(payload any) ([]byte, error) {
	body, err := json.Marshal(map[string]any{"message": payload})
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}

// UserSubscriber is the hub key for an end user's push channel.
func UserSubscriber(userID string) string {
	return "user:" + userID
}

// IntentSubscriber is the hub key for a merchant waiting on one payment intent.
func IntentSubscriber(intentID string) string {
	return "intent:" + intentID
}
