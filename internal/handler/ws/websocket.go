package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/qa-bot/backend/internal/logging"
	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/qa-bot/backend/internal/service/chat"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler WebSocket问答处理器
type Handler struct {
	chatSvc  *chatservice.Service
	upgrader websocket.Upgrader
	log      zerolog.Logger

	// readTimeout bounds the wait for the next client frame; it is
	// restarted after every handled message.
	readTimeout time.Duration
}

// New 创建WebSocket处理器
func New(chatSvc *chatservice.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		log:         logging.For("websocket"),
		readTimeout: readTimeout,
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router, connectMiddlewares ...func(http.Handler) http.Handler) {
	r.With(connectMiddlewares...).Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// TextMessage 文本提问
type TextMessage struct {
	Text string `json:"text"`
	Mode string `json:"mode,omitempty"`
}

// ConfigMessage 连接级配置
type ConfigMessage struct {
	Mode string `json:"mode"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type connectionState struct {
	sessionID string
	mode      chat.Mode
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	logger := h.log.With().Str("session", sessionID).Logger()
	logger.Info().Msg("new connection")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		return nil
	})

	go h.pingLoop(ctx, conn)

	state := &connectionState{sessionID: sessionID, mode: h.chatSvc.DefaultMode()}
	h.sendResult(conn, sessionID, map[string]any{
		"type": "connected",
		"mode": state.mode,
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		if msg.SessionID != "" && msg.SessionID != sessionID {
			h.sendError(conn, "session mismatch", "")
		} else {
			h.handleMessage(ctx, conn, state, &msg)
		}

		// an exchange may outlast the read deadline
		conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	}
}

func (h *Handler) handleMessage(ctx context.Context, conn *websocket.Conn, state *connectionState, msg *inboundMessage) {
	switch msg.Type {
	case "text":
		h.handleTextMessage(ctx, conn, state, msg.Data)
	case "config":
		h.handleConfigMessage(conn, state, msg.Data)
	default:
		h.sendError(conn, "unsupported message type: "+msg.Type, chatservice.KindInvalidRequest.String())
	}
}

func (h *Handler) handleTextMessage(ctx context.Context, conn *websocket.Conn, state *connectionState, raw json.RawMessage) {
	var text TextMessage
	if err := json.Unmarshal(raw, &text); err != nil {
		h.sendError(conn, "invalid text payload", chatservice.KindInvalidRequest.String())
		return
	}

	mode, err := chat.ParseMode(text.Mode, state.mode)
	if err != nil {
		h.sendError(conn, err.Error(), chatservice.KindInvalidRequest.String())
		return
	}

	result, err := h.chatSvc.Ask(ctx, state.sessionID, text.Text, chatservice.AskOptions{
		Mode: mode,
		OnAccepted: func(turn chat.Turn) {
			h.sendResult(conn, state.sessionID, map[string]any{
				"type": "user",
				"text": turn.Text,
			})
		},
		OnFragment: func(fragment string) {
			h.sendResult(conn, state.sessionID, map[string]any{
				"type": "bot_delta",
				"text": fragment,
			})
		},
	})
	if err != nil {
		h.sendError(conn, err.Error(), chatservice.KindOf(err).String())
		return
	}

	h.sendResult(conn, state.sessionID, map[string]any{
		"type":    "bot",
		"mode":    result.Mode,
		"turns":   result.BotTurns,
		"isFinal": true,
	})
}

func (h *Handler) handleConfigMessage(conn *websocket.Conn, state *connectionState, raw json.RawMessage) {
	var cfg ConfigMessage
	if err := json.Unmarshal(raw, &cfg); err != nil {
		h.sendError(conn, "invalid config payload", chatservice.KindInvalidRequest.String())
		return
	}

	if err := h.applyConfig(state, cfg); err != nil {
		h.sendError(conn, err.Error(), chatservice.KindInvalidRequest.String())
		return
	}

	h.sendResult(conn, state.sessionID, map[string]any{
		"type": "config",
		"mode": state.mode,
	})
}

func (h *Handler) applyConfig(state *connectionState, cfg ConfigMessage) error {
	mode, err := chat.ParseMode(cfg.Mode, state.mode)
	if err != nil {
		return err
	}
	state.mode = mode
	return nil
}

func (h *Handler) sendResult(conn *websocket.Conn, sessionID string, data map[string]any) {
	h.write(conn, outgoingMessage{
		Type:      "result",
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (h *Handler) sendError(conn *websocket.Conn, message, kind string) {
	data := map[string]string{"message": message}
	if kind != "" {
		data["kind"] = kind
	}
	h.write(conn, outgoingMessage{
		Type:      "error",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

func (h *Handler) write(conn *websocket.Conn, msg outgoingMessage) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		h.log.Debug().Err(err).Str("type", msg.Type).Msg("write failed")
	}
}

// pingLoop 定期发送ping消息
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WriteControl may run concurrently with the reader goroutine's writes.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
