package page

import (
	"embed"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/qa-bot/backend/internal/config"
	chatHandler "github.com/zhouzirui/qa-bot/backend/internal/handler/chat"
	"github.com/zhouzirui/qa-bot/backend/internal/logging"
	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
	chatService "github.com/zhouzirui/qa-bot/backend/internal/service/chat"
)

// CookieName holds the session id of the browser.
const CookieName = "qabot_session"

//go:embed templates/*.html
var templateFS embed.FS

// Handler serves the single-page chat UI.
type Handler struct {
	chatSvc *chatService.Service
	view    *view
	log     zerolog.Logger
}

// New 创建页面处理器
func New(chatSvc *chatService.Service, profile config.AssistantProfile) (*Handler, error) {
	v, err := newView(profile)
	if err != nil {
		return nil, err
	}
	return &Handler{chatSvc: chatSvc, view: v, log: logging.For("page")}, nil
}

// RegisterRoutes 注册页面路由；askMiddlewares 只作用于提交问题的路由。
func (h *Handler) RegisterRoutes(r chi.Router, askMiddlewares ...func(http.Handler) http.Handler) {
	r.Get("/", h.handleHome)
	r.With(askMiddlewares...).Post("/ask", h.handleAsk)
	r.Post("/new", h.handleNew)
}

func (h *Handler) handleHome(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionFor(w, r)
	if err != nil {
		h.view.renderError(w, http.StatusInternalServerError, err)
		return
	}
	transcript := session.All()
	h.view.render(w, http.StatusOK, h.view.pageFor(session, h.chatSvc.DefaultMode(), latestReply(transcript), ""))
}

// latestReply returns the bot turns answering the last question, or nil
// when that question has no answer yet.
func latestReply(turns []chat.Turn) []chat.Turn {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Speaker == chat.SpeakerUser {
			if i == len(turns)-1 {
				return nil
			}
			return turns[i+1:]
		}
	}
	return nil
}

// handleAsk 处理表单提交：记录问题、获取回复并重新渲染整页。
func (h *Handler) handleAsk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.view.renderError(w, http.StatusBadRequest, err)
		return
	}

	session, err := h.sessionFor(w, r)
	if err != nil {
		h.view.renderError(w, http.StatusInternalServerError, err)
		return
	}

	question := r.PostForm.Get("question")
	if strings.TrimSpace(question) == "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	mode, err := chat.ParseMode(r.PostForm.Get("mode"), h.chatSvc.DefaultMode())
	if err != nil {
		data := h.view.pageFor(session, h.chatSvc.DefaultMode(), nil, err.Error())
		h.view.render(w, http.StatusBadRequest, data)
		return
	}

	result, err := h.chatSvc.Ask(r.Context(), session.ID(), question, chatService.AskOptions{Mode: mode})
	if err != nil {
		data := h.view.pageFor(session, mode, nil, err.Error())
		h.view.render(w, chatHandler.StatusForError(err), data)
		return
	}

	h.view.render(w, http.StatusOK, h.view.pageFor(session, mode, result.BotTurns, ""))
}

// handleNew ends the browser's session and starts an empty one.
func (h *Handler) handleNew(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(CookieName); err == nil {
		if err := h.chatSvc.EndSession(r.Context(), cookie.Value); err != nil && !errors.Is(err, chatService.ErrSessionNotFound) {
			h.log.Warn().Err(err).Msg("end session failed")
		}
	}

	session, err := h.chatSvc.CreateSession(r.Context())
	if err != nil {
		h.view.renderError(w, http.StatusInternalServerError, err)
		return
	}
	setSessionCookie(w, session.ID())
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// sessionFor resolves the cookie-bound session, creating one when the
// cookie is missing or points at an ended session.
func (h *Handler) sessionFor(w http.ResponseWriter, r *http.Request) (*chatService.Session, error) {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		session, err := h.chatSvc.GetSession(r.Context(), cookie.Value)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, chatService.ErrSessionNotFound) {
			return nil, err
		}
	}

	session, err := h.chatSvc.CreateSession(r.Context())
	if err != nil {
		return nil, err
	}
	setSessionCookie(w, session.ID())
	return session, nil
}

func setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Unavailable renders the fatal page shown when the model cannot be used.
func Unavailable(profile config.AssistantProfile, cause error) (http.HandlerFunc, error) {
	v, err := newView(profile)
	if err != nil {
		return nil, err
	}
	return func(w http.ResponseWriter, r *http.Request) {
		v.render(w, http.StatusServiceUnavailable, pageData{Title: v.title, Fatal: true, Error: cause.Error()})
	}, nil
}
