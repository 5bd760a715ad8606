package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/session"
	"AgentDesk/internal/stream"
)

const wsWriteWait = 10 * time.Second

// openSubscription 确认会话存在且未终止后订阅事件。
func (s *Server) openSubscription(r *http.Request) (*stream.Subscription, error) {
	if s.hub == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "事件推送未启用")
	}
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	switch {
	case sess.State == session.StateTimedOut:
		return nil, session.ErrSessionExpired
	case sess.State.Terminal():
		return nil, session.ErrSessionClosed
	}
	return s.hub.Subscribe(id), nil
}

// handleEvents 以 SSE 推送会话进度，每个心跳周期写一行注释保活。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "连接不支持流式输出"))
		return
	}
	sub, err := s.openSubscription(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSE(w, event); err != nil {
				s.log.Debug("SSE 写入失败", slog.String("session_id", sub.SessionID), slog.Any("error", err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event stream.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data)
	return err
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.hub != nil {
		s.hub.UnsubscribeSession(chi.URLParam(r, "id"))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket 推送与 SSE 相同的事件，客户端关闭连接即取消订阅。
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sub, err := s.openSubscription(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.hub.Unsubscribe(sub)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket 升级失败", slog.Any("error", err))
		return
	}
	defer conn.Close()

	// 读循环只用于感知客户端断开
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
