package chat

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
	chatService "github.com/zhouzirui/qa-bot/backend/internal/service/chat"
	"github.com/zhouzirui/qa-bot/backend/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{chatSvc: chatSvc}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router, askMiddlewares ...func(http.Handler) http.Handler) {
	r.Post("/session", h.handleCreateSession)
	r.Get("/session/{sessionID}", h.handleGetSession)
	r.Delete("/session/{sessionID}", h.handleEndSession)
	r.With(askMiddlewares...).Post("/session/{sessionID}/ask", h.handleAsk)
}

type sessionView struct {
	Session    chat.SessionInfo `json:"session"`
	State      string           `json:"state"`
	Transcript []chat.Turn      `json:"transcript"`
}

// handleCreateSession 创建会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.CreateSession(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, session.Info())
}

// handleGetSession 返回会话信息与完整对话记录
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, sessionView{
		Session:    session.Info(),
		State:      session.State().String(),
		Transcript: session.All(),
	})
}

// handleEndSession 结束会话并丢弃其对话记录
func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.EndSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAsk 提交问题并等待完整回复
func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Question string `json:"question"`
		Mode     string `json:"mode"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	mode, err := chat.ParseMode(payload.Mode, h.chatSvc.DefaultMode())
	if err != nil {
		utils.RespondErrorKind(w, http.StatusBadRequest, chatService.KindInvalidRequest.String(), err.Error())
		return
	}

	result, err := h.chatSvc.Ask(r.Context(), chi.URLParam(r, "sessionID"), payload.Question, chatService.AskOptions{Mode: mode})
	if err != nil {
		utils.RespondErrorKind(w, StatusForError(err), chatService.KindOf(err).String(), err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusOK, result)
}

// StatusForError maps an exchange failure onto an HTTP status code.
func StatusForError(err error) int {
	var exErr *chatService.ExchangeError
	if !errors.As(err, &exErr) {
		return http.StatusInternalServerError
	}

	switch exErr.Kind {
	case chatService.KindInvalidRequest:
		return http.StatusBadRequest
	case chatService.KindSessionNotFound:
		return http.StatusNotFound
	case chatService.KindBusy:
		return http.StatusConflict
	case chatService.KindTimeout:
		return http.StatusGatewayTimeout
	case chatService.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}
