package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/qa-bot/backend/internal/config"
	"github.com/zhouzirui/qa-bot/backend/internal/handler/chat"
	"github.com/zhouzirui/qa-bot/backend/internal/handler/page"
	"github.com/zhouzirui/qa-bot/backend/internal/handler/stream"
	"github.com/zhouzirui/qa-bot/backend/internal/handler/ws"
	"github.com/zhouzirui/qa-bot/backend/internal/logging"
	middlewarePkg "github.com/zhouzirui/qa-bot/backend/internal/middleware"
	chatModel "github.com/zhouzirui/qa-bot/backend/internal/model/chat"
	chatService "github.com/zhouzirui/qa-bot/backend/internal/service/chat"
	"github.com/zhouzirui/qa-bot/backend/pkg/utils"
)

func newBaseRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.AccessLog(logging.For("http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)
	return r
}

// NewRouter wires HTTP routes to the chat service. Question submissions are
// rate limited per client according to server.
func NewRouter(chatSvc *chatService.Service, profile config.AssistantProfile, server config.ServerConfig) (http.Handler, error) {
	if chatSvc == nil {
		return nil, errors.New("chat service is required")
	}

	pageHandler, err := page.New(chatSvc, profile)
	if err != nil {
		return nil, err
	}
	chatHandler := chat.New(chatSvc)
	streamHandler := stream.New(chatSvc)
	wsHandler := ws.New(chatSvc)
	askLimit := middlewarePkg.RateLimit(middlewarePkg.NewClientLimiter(server.AskRate, server.AskBurst))

	r := newBaseRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	pageHandler.RegisterRoutes(r, askLimit)

	r.Route("/api", func(api chi.Router) {
		chatHandler.RegisterRoutes(api, askLimit)
		wsHandler.RegisterRoutes(api, askLimit)

		api.With(askLimit).Get("/stream/{sessionID}", func(w http.ResponseWriter, r *http.Request) {
			sessionID := chi.URLParam(r, "sessionID")
			query := r.URL.Query()

			userMessage := query.Get("message")
			if userMessage == "" {
				utils.RespondErrorKind(w, http.StatusBadRequest, chatService.KindInvalidRequest.String(), "message query parameter is required")
				return
			}
			mode, err := chatModel.ParseMode(query.Get("mode"), chatSvc.DefaultMode())
			if err != nil {
				utils.RespondErrorKind(w, http.StatusBadRequest, chatService.KindInvalidRequest.String(), err.Error())
				return
			}
			if _, err := chatSvc.GetSession(r.Context(), sessionID); err != nil {
				utils.RespondErrorKind(w, http.StatusNotFound, chatService.KindSessionNotFound.String(), err.Error())
				return
			}

			// Headers are already out once streaming starts; the error
			// event carries the failure to the client.
			if err := streamHandler.HandleStreamRequest(r.Context(), w, sessionID, userMessage, mode); err != nil {
				logger := logging.For("stream")
				logger.Warn().Err(err).Str("session", sessionID).Msg("stream request failed")
			}
		})
	})

	return r, nil
}

// NewUnavailableRouter serves every route with 503 and the startup failure.
// No session can be created or reached through it.
func NewUnavailableRouter(cause error, profile config.AssistantProfile) (http.Handler, error) {
	fatalPage, err := page.Unavailable(profile, cause)
	if err != nil {
		return nil, err
	}

	r := newBaseRouter()
	r.Get("/", fatalPage)
	r.Post("/ask", fatalPage)
	r.Post("/new", fatalPage)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusServiceUnavailable, cause.Error())
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusServiceUnavailable, cause.Error())
	})
	return r, nil
}
