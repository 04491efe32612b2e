package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/protocol"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
)

// handleSessionWS pushes session snapshots until the session reaches a
// terminal state. Clients may also steer the window over the same socket.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r)
	if !ok {
		return
	}

	// Subscribe before the first snapshot so no transition falls in between.
	events, unsubscribe := s.service.Subscribe(id)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected")
	defer s.metrics.ObserveSessionEvent("ws_disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan any, 16)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		s.readClientMessages(ctx, conn, id, replies)
	}()

	refresh := s.cfg.StatusPollInterval
	if refresh <= 0 {
		refresh = 5 * time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	done, err := s.pushSnapshot(ctx, conn, id)
	for err == nil && !done {
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case ev, ok := <-events:
			if !ok {
				err = errors.New("subscription closed")
				break
			}
			if err = s.writeWS(conn, protocol.PageEvent{Type: protocol.TypePageEvent, SessionID: id, Event: ev}); err != nil {
				break
			}
			done, err = s.pushSnapshot(ctx, conn, id)
		case msg := <-replies:
			err = s.writeWS(conn, msg)
		case <-ticker.C:
			// Events are dropped for slow readers, so resync on a timer too.
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err = conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				break
			}
			done, err = s.pushSnapshot(ctx, conn, id)
		}
	}

	if done {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session finished"),
			time.Now().Add(time.Second))
	} else if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("session stream closed", zap.String("session_id", id), zap.Error(err))
	}
	cancel()
	_ = conn.Close()
	<-readerDone
}

// pushSnapshot writes the current snapshot and reports whether the stream is finished.
func (s *Server) pushSnapshot(ctx context.Context, conn *websocket.Conn, id string) (bool, error) {
	snap, err := s.service.GetStatus(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		_, code := statusFor(err)
		werr := s.writeWS(conn, protocol.ErrorEvent{Type: protocol.TypeErrorEvent, SessionID: id, Code: code, Detail: err.Error()})
		return true, werr
	}
	if err != nil {
		return false, err
	}
	final := snap.State.Terminal()
	if err := s.writeWS(conn, protocol.SessionSnapshot{
		Type:      protocol.TypeSessionSnapshot,
		SessionID: id,
		Snapshot:  snap,
		Final:     final,
	}); err != nil {
		return false, err
	}
	return final, nil
}

func (s *Server) readClientMessages(ctx context.Context, conn *websocket.Conn, id string, replies chan<- any) {
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.handleClientMessage(ctx, id, data)
		if reply == nil {
			continue
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(ctx context.Context, id string, data []byte) any {
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, SessionID: id, Code: "INVALID_CLIENT_MESSAGE", Detail: err.Error()}
	}

	switch msg := parsed.(type) {
	case protocol.ClientUpdateWindow:
		s.metrics.ObserveWSMessage("inbound", string(msg.Type))
		if msg.SessionID != id {
			return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, SessionID: id, Code: "INVALID_REQUEST", Detail: "session_id does not match stream"}
		}
		res, err := s.service.UpdateWindow(ctx, session.UpdateRequest{SessionID: id, CurrentPage: msg.CurrentPage, Action: msg.Action})
		if err != nil {
			return errorEvent(id, err)
		}
		return protocol.WindowUpdated{
			Type:          protocol.TypeWindowUpdated,
			SessionID:     id,
			WindowRange:   res.WindowRange,
			CanceledPages: res.CanceledPages,
			NewPages:      res.NewPages,
			Action:        res.Action,
		}
	case protocol.ClientControl:
		s.metrics.ObserveWSMessage("inbound", string(msg.Type))
		if msg.Action == protocol.ControlCancel {
			if _, err := s.service.CancelSession(ctx, id); err != nil {
				return errorEvent(id, err)
			}
		}
		// Ping and cancel are answered by the next snapshot.
		return nil
	default:
		return nil
	}
}

func errorEvent(id string, err error) protocol.ErrorEvent {
	_, code := statusFor(err)
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: id,
		Code:      code,
		Retryable: code == "INTERNAL",
		Detail:    err.Error(),
	}
}

func (s *Server) writeWS(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.ObserveWSMessage("outbound", string(t))
	}
	return nil
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientUpdateWindow:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.SessionSnapshot:
		return m.Type, true
	case protocol.PageEvent:
		return m.Type, true
	case protocol.WindowUpdated:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
