package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/qa-bot/backend/internal/config"
	"github.com/zhouzirui/qa-bot/backend/internal/logging"
	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultSessionTTL = 30 * time.Minute
)

// Responder forwards a question with the prior transcript to the model and
// returns the reply as a lazy fragment stream.
type Responder interface {
	Send(ctx context.Context, question string, history []chat.Turn) (*schema.StreamReader[*schema.Message], error)
}

// Config tunes the conversation service.
type Config struct {
	Mode       chat.Mode
	Timeout    time.Duration
	SessionTTL time.Duration
}

// ConfigFrom converts the environment settings into a service Config.
func ConfigFrom(cfg config.ChatConfig) (Config, error) {
	mode, err := chat.ParseMode(cfg.Mode, chat.ModeStreamed)
	if err != nil {
		return Config{}, fmt.Errorf("CHAT_MODE: %w", err)
	}
	return Config{Mode: mode, Timeout: cfg.Timeout, SessionTTL: cfg.SessionTTL}, nil
}

// Service owns the live sessions of the process and runs questions
// against the responder.
type Service struct {
	responder Responder
	cfg       Config
	log       zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService bootstraps the in-memory conversation service.
func NewService(responder Responder, cfg Config) *Service {
	if cfg.Mode == "" {
		cfg.Mode = chat.ModeStreamed
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}

	return &Service{
		responder: responder,
		cfg:       cfg,
		log:       logging.For("chat"),
		sessions:  make(map[string]*Session),
	}
}

// DefaultMode is the response mode used when a caller does not pick one.
func (s *Service) DefaultMode() chat.Mode {
	return s.cfg.Mode
}

// CreateSession provisions an empty anonymous session.
func (s *Service) CreateSession(_ context.Context) (*Session, error) {
	session := newSession(uuid.NewString(), time.Now().UTC())

	s.mu.Lock()
	s.sessions[session.id] = session
	s.mu.Unlock()

	s.log.Debug().Str("session", session.id).Msg("session created")
	return session, nil
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// LoadTranscript returns the turns recorded for the provided session.
func (s *Service) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Turn, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return session.All(), nil
}

// EndSession tears a session down together with its transcript.
func (s *Service) EndSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	s.log.Debug().Str("session", sessionID).Msg("session ended")
	return nil
}

// Sweep ends idle sessions that were last active before now minus the
// configured TTL. Sessions with a question in flight are kept.
func (s *Service) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.SessionTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, session := range s.sessions {
		if session.idleSince(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.log.Info().Int("removed", removed).Int("remaining", len(s.sessions)).Msg("expired idle sessions")
	}
	return removed
}

// AskOptions customise a single exchange.
type AskOptions struct {
	// Mode overrides the service default when set.
	Mode chat.Mode
	// OnAccepted is called once the user turn is recorded.
	OnAccepted func(turn chat.Turn)
	// OnFragment is called with each fragment as it arrives.
	OnFragment func(fragment string)
}

// Result describes the turns a successful exchange appended.
type Result struct {
	SessionID string      `json:"sessionId"`
	Mode      chat.Mode   `json:"mode"`
	UserTurn  chat.Turn   `json:"userTurn"`
	BotTurns  []chat.Turn `json:"botTurns"`
}

// Ask runs one question through the session: the user turn is recorded,
// the question is forwarded with the prior transcript and the reply is
// accumulated. Only one question per session may be in flight.
func (s *Service) Ask(ctx context.Context, sessionID, question string, opts AskOptions) (Result, error) {
	if strings.TrimSpace(question) == "" {
		return Result{}, newExchangeError(KindInvalidRequest, ErrEmptyQuestion)
	}

	mode := opts.Mode
	if mode == "" {
		mode = s.cfg.Mode
	}
	if mode != chat.ModeStreamed && mode != chat.ModeBatched {
		return Result{}, newExchangeError(KindInvalidRequest, errors.New("unknown response mode "+string(mode)))
	}

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Result{}, newExchangeError(KindSessionNotFound, err)
	}

	if !session.begin() {
		return Result{}, newExchangeError(KindBusy, ErrBusy)
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger := s.log.With().Str("session", sessionID).Logger()
			_ = s.fail(session, logger, KindUpstream, fmt.Errorf("panic during exchange: %v", rec))
			panic(rec)
		}
	}()

	history := session.All()
	userTurn := chat.UserTurn(question)
	session.Append(userTurn)
	mark := session.Len()
	if opts.OnAccepted != nil {
		opts.OnAccepted(userTurn)
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	logger := s.log.With().Str("session", sessionID).Str("mode", string(mode)).Logger()

	if s.responder == nil {
		return Result{}, s.fail(session, logger, KindUpstream, errors.New("model responder unavailable"))
	}

	fragments, err := s.responder.Send(exchangeCtx, question, history)
	if err != nil {
		return Result{}, s.fail(session, logger, classify(exchangeCtx, err), err)
	}

	if mode == chat.ModeStreamed {
		session.setState(StateStreaming)
	} else {
		session.setState(StateAccumulating)
	}

	appended, err := Accumulate(exchangeCtx, session, fragments, mode, opts.OnFragment)
	if err != nil {
		return Result{}, s.fail(session, logger.With().Int("partial", appended).Logger(), classify(exchangeCtx, err), err)
	}

	session.setState(StateIdle)
	logger.Info().Int("botTurns", appended).Msg("question answered")

	return Result{
		SessionID: sessionID,
		Mode:      mode,
		UserTurn:  userTurn,
		BotTurns:  session.since(mark),
	}, nil
}

// State reports the lifecycle state of a session.
func (s *Service) State(ctx context.Context, sessionID string) (State, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return StateIdle, err
	}
	return session.State(), nil
}

// fail passes the session through Failed back to Idle and wraps err.
func (s *Service) fail(session *Session, logger zerolog.Logger, kind Kind, err error) error {
	session.setState(StateFailed)
	logger.Error().Err(err).Str("kind", kind.String()).Msg("question failed")
	session.setState(StateIdle)
	return newExchangeError(kind, err)
}
