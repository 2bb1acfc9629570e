package stream

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/qa-bot/backend/internal/logging"
	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
	chatService "github.com/zhouzirui/qa-bot/backend/internal/service/chat"
	"github.com/zhouzirui/qa-bot/backend/pkg/utils"
)

// Handler manages streaming answers via Server-Sent Events
type Handler struct {
	chatSvc *chatService.Service
	log     zerolog.Logger
}

// New creates a new stream handler
func New(chatSvc *chatService.Service) *Handler {
	return &Handler{
		chatSvc: chatSvc,
		log:     logging.For("stream"),
	}
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Mode      string `json:"mode,omitempty"`
	BotTurns  int    `json:"botTurns,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// HandleStreamRequest runs one question and streams the answer as it is
// produced. Failures are reported as an error event since headers are
// already sent by then.
func (h *Handler) HandleStreamRequest(ctx context.Context, w http.ResponseWriter, sessionID, userMessage string, mode chat.Mode) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming unsupported")
	}

	utils.SetupSSEHeaders(w)

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "start",
		SessionID: sessionID,
		Mode:      string(mode),
	})

	result, err := h.chatSvc.Ask(ctx, sessionID, userMessage, chatService.AskOptions{
		Mode: mode,
		OnFragment: func(fragment string) {
			h.sendSSE(w, flusher, StreamResponse{
				Event:     "delta",
				SessionID: sessionID,
				Content:   fragment,
			})
		},
	})
	if err != nil {
		h.sendSSE(w, flusher, StreamResponse{
			Event:     "error",
			SessionID: sessionID,
			Error:     err.Error(),
			Kind:      chatService.KindOf(err).String(),
		})
		return err
	}

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "message",
		SessionID: sessionID,
		Content:   joinTurns(result.BotTurns),
		BotTurns:  len(result.BotTurns),
	})

	h.sendSSE(w, flusher, StreamResponse{
		Event:     "end",
		SessionID: sessionID,
		Finished:  true,
	})

	h.log.Debug().Str("session", sessionID).Msg("stream completed")
	return nil
}

func joinTurns(turns []chat.Turn) string {
	var builder strings.Builder
	for _, turn := range turns {
		builder.WriteString(turn.Text)
	}
	return builder.String()
}

// sendSSE writes one data frame; a failed write means the client left.
func (h *Handler) sendSSE(w http.ResponseWriter, flusher http.Flusher, response StreamResponse) {
	if err := utils.SendSSEChunk(w, flusher, response); err != nil {
		h.log.Debug().Err(err).Str("event", response.Event).Msg("sse write failed")
	}
}
