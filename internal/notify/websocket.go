package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/olahol/melody"
	"github.com/sirupsen/logrus"
)

const (
	subscriberKey  = "subscriber_id"
	unsubscribeKey = "unsubscribe"
)

// WebSocketChannel delivers notifications as text frames on a melody session. Writes are
// queued on the session's outbound buffer and never block the publisher.
type WebSocketChannel struct {
	session *melody.Session
}

func (c *WebSocketChannel) Write(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.session.IsClosed() {
		return ErrChannelClosed
	}
	return c.session.Write(msg)
}

func (c *WebSocketChannel) Close() error {
	if c.session.IsClosed() {
		return nil
	}
	return c.session.Close()
}

// WebSocketGateway upgrades requests and registers each session with the hub.
type WebSocketGateway struct {
	hub    *Hub
	m      *melody.Melody
	logger logrus.FieldLogger
}

// NewWebSocketGateway wires a melody instance to hub.
func NewWebSocketGateway(hub *Hub) *WebSocketGateway {
	m := melody.New()
	m.Config.MaxMessageSize = 4 * 1024
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second
	m.Config.WriteWait = hub.writeTimeout
	m.Config.MessageBufferSize = 64

	g := &WebSocketGateway{hub: hub, m: m, logger: hub.logger.WithField("transport", "websocket")}

	m.HandleConnect(func(s *melody.Session) {
		id, ok := s.MustGet(subscriberKey).(string)
		if !ok || id == "" {
			_ = s.Close()
			return
		}
		s.Set(unsubscribeKey, hub.Subscribe(id, &WebSocketChannel{session: s}))
		_ = s.Write(mustEncode(ConnectedMessage))
		g.logger.WithField("subscriber_id", id).Info("websocket subscriber connected")
	})

	m.HandleDisconnect(func(s *melody.Session) {
		if unsubscribe, ok := s.Get(unsubscribeKey); ok {
			if fn, ok := unsubscribe.(func()); ok {
				fn()
			}
		}
		id, _ := s.Get(subscriberKey)
		g.logger.WithField("subscriber_id", id).Info("websocket subscriber disconnected")
	})

	m.HandleError(func(s *melody.Session, err error) {
		id, _ := s.Get(subscriberKey)
		g.logger.WithField("subscriber_id", id).WithError(err).Warn("websocket error")
	})

	// Inbound frames are ignored; the channel is push-only.
	m.HandleMessage(func(*melody.Session, []byte) {})

	return g
}

// Serve upgrades the request and blocks for the lifetime of the session.
func (g *WebSocketGateway) Serve(w http.ResponseWriter, r *http.Request, id string) {
	if err := g.m.HandleRequestWithKeys(w, r, map[string]interface{}{subscriberKey: id}); err != nil {
		g.logger.WithField("subscriber_id", id).WithError(err).Warn("websocket upgrade failed")
	}
}

// Close disconnects every session.
func (g *WebSocketGateway) Close() error {
	return g.m.Close()
}

func mustEncode(payload any) []byte {
	msg, err := encodeMessage(payload)
	if err != nil {
		return []byte("{}\n")
	}
	return msg
}
