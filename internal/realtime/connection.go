package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/rooms"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/session"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const invalidEnvelopeCode = "realtime.read.invalid_envelope"

// Dispatcher handles decoded actions and connection teardown.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller session.Caller, event string, data json.RawMessage) error
	Disconnect(connectionID string)
}

// Serve runs an upgraded websocket until it closes. Actions are dispatched
// one at a time in arrival order. On exit the dispatcher sees the disconnect
// before the connection leaves its broadcast groups.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, identity rooms.Identity, dispatcher Dispatcher) error {
	subscriber, err := h.register()
	if err != nil {
		_ = conn.Close()
		return err
	}
	logger := h.logger.With(
		zap.String("connection_id", subscriber.id),
		zap.String("user_code", identity.UserCode))
	logger.Debug("realtime connection opened")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, subscriber, logger)
	}()

	caller := session.Caller{ConnectionID: subscriber.id, Identity: identity}
	h.readPump(ctx, conn, caller, dispatcher, logger)

	dispatcher.Disconnect(subscriber.id)
	h.Remove(subscriber.id)
	<-writerDone
	_ = conn.Close()
	logger.Debug("realtime connection closed")
	return nil
}

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, caller session.Caller, dispatcher Dispatcher, logger *zap.Logger) {
	conn.SetReadLimit(h.config.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("realtime connection lost", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))

		var inbound envelope
		if err := json.Unmarshal(frame, &inbound); err != nil || inbound.Event == "" {
			if err == nil {
				err = errors.New("event name is required")
			}
			h.Send(caller.ConnectionID, session.EventException, session.Exception{
				Status:  "error",
				Kind:    string(session.KindValidation),
				Code:    invalidEnvelopeCode,
				Message: err.Error(),
			})
			continue
		}

		if err := dispatcher.Dispatch(ctx, caller, inbound.Event, inbound.Data); err != nil {
			exception := session.ExceptionOf(err)
			logger.Info("realtime action rejected",
				zap.String("event", inbound.Event),
				zap.String("code", exception.Code),
				zap.Error(err))
			h.Send(caller.ConnectionID, session.EventException, exception)
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, subscriber *client, logger *zap.Logger) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-subscriber.stream:
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.Info("realtime write failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Info("realtime ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-subscriber.done:
			deadline := time.Now().Add(h.config.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}
