package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"AgentDesk/internal/chat"
	xerrors "AgentDesk/internal/errors"
	"AgentDesk/internal/session"
)

type startChatRequest struct {
	UserID      string            `json:"user_id"`
	InstituteID string            `json:"institute_id"`
	Model       string            `json:"model"`
	Context     map[string]string `json:"context"`
	Message     string            `json:"message"`
}

type respondRequest struct {
	Message string `json:"message"`
}

type pendingView struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// sessionView 是会话的对外视图，不包含凭证。
type sessionView struct {
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Model     string            `json:"model,omitempty"`
	State     session.State     `json:"state"`
	Context   map[string]string `json:"context,omitempty"`
	Tools     []string          `json:"tools"`
	Messages  []session.Message `json:"messages"`
	Pending   *pendingView      `json:"pending,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (s *Server) handleStartChat(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "对话服务未初始化"))
		return
	}
	credential := bearerToken(r)
	if credential == "" {
		writeError(w, xerrors.New(xerrors.CodeUnauthenticated, "缺少 Bearer 凭证"))
		return
	}
	var req startChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.chat.Start(r.Context(), chat.StartRequest{
		UserID:     strings.TrimSpace(req.UserID),
		TenantID:   strings.TrimSpace(req.InstituteID),
		Model:      req.Model,
		Credential: credential,
		Context:    req.Context,
		Message:    req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	if s.chat == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "对话服务未初始化"))
		return
	}
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.chat.Respond(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := sessionView{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		TenantID:  sess.TenantID,
		Model:     sess.Model,
		State:     sess.State,
		Context:   sess.Context,
		Tools:     make([]string, 0, len(sess.Tools)),
		Messages:  sess.Messages,
		ExpiresAt: sess.ExpiresAt,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
	}
	for _, def := range sess.Tools {
		view.Tools = append(view.Tools, def.Name)
	}
	if view.Messages == nil {
		view.Messages = []session.Message{}
	}
	if pending, err := s.sessions.PeekPending(r.Context(), id); err == nil && pending != nil {
		view.Pending = &pendingView{
			ToolCallID: pending.ToolCallID,
			ToolName:   pending.ToolName,
			Arguments:  pending.Arguments,
			CreatedAt:  pending.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, view)
}
