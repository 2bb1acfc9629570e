package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/qa-bot/backend/internal/config"
	"github.com/zhouzirui/qa-bot/backend/internal/handler"
	"github.com/zhouzirui/qa-bot/backend/internal/logging"
	"github.com/zhouzirui/qa-bot/backend/internal/service/ai"
	"github.com/zhouzirui/qa-bot/backend/internal/service/chat"
)

const sweepInterval = time.Minute

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger := logging.Setup("info", "console")
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file, using process environment only")
	}

	router, err := buildRouter(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build router")
	}

	startServer(ctx, cfg.Server, router, logger)
}

// buildRouter 初始化模型与会话服务；凭证缺失时返回只报告错误的路由。
func buildRouter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (http.Handler, error) {
	aiService, err := ai.NewService(ctx, cfg.AI)
	if err != nil {
		if errors.Is(err, config.ErrMissingCredential) {
			logger.Error().Err(err).Msg("Ark 凭证未配置，服务以不可用状态启动")
		} else {
			logger.Error().Err(err).Msg("failed to initialize AI service")
		}
		return handler.NewUnavailableRouter(err, cfg.AI.Assistant)
	}
	logger.Info().
		Str("model", cfg.AI.Model).
		Bool("stream", aiService.StreamingEnabled()).
		Msg("AI service initialized")

	chatCfg, err := chat.ConfigFrom(cfg.Chat)
	if err != nil {
		return nil, err
	}
	chatService := chat.NewService(aiService, chatCfg)
	go runSweeper(ctx, chatService, logger)

	return handler.NewRouter(chatService, cfg.AI.Assistant, cfg.Server)
}

// runSweeper ends idle sessions until ctx is done.
func runSweeper(ctx context.Context, chatService *chat.Service, logger zerolog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := chatService.Sweep(now); n > 0 {
				logger.Debug().Int("sessions", n).Msg("ended idle sessions")
			}
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("Q-A bot listening")
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
