// Command asker talks to the configured model from a terminal, using the
// same session and accumulation rules as the web UI.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/qa-bot/backend/internal/config"
	"github.com/zhouzirui/qa-bot/backend/internal/logging"
	chatmodel "github.com/zhouzirui/qa-bot/backend/internal/model/chat"
	"github.com/zhouzirui/qa-bot/backend/internal/service/ai"
	"github.com/zhouzirui/qa-bot/backend/internal/service/chat"
)

type options struct {
	mode    string
	timeout time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "asker",
		Short:         "Ask the Q-A bot questions from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.mode, "mode", "", "response mode: streamed or batched (default from CHAT_MODE)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0, "per-question timeout (default from CHAT_TIMEOUT)")

	root.AddCommand(&cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, mode, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			session, err := svc.CreateSession(cmd.Context())
			if err != nil {
				return err
			}
			return askOnce(cmd.Context(), svc, session.ID(), mode, strings.Join(args, " "), cmd.OutOrStdout())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session, one question per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, mode, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return repl(cmd.Context(), svc, mode, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	})

	return root
}

// setup loads configuration and builds the chat service. A missing
// credential is returned as-is so the process exits non-zero.
func setup(ctx context.Context, opts *options) (*chat.Service, chatmodel.Mode, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, "", err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	chatCfg, err := chat.ConfigFrom(cfg.Chat)
	if err != nil {
		return nil, "", err
	}
	if opts.timeout > 0 {
		chatCfg.Timeout = opts.timeout
	}
	mode, err := chatmodel.ParseMode(opts.mode, chatCfg.Mode)
	if err != nil {
		return nil, "", err
	}

	aiService, err := ai.NewService(ctx, cfg.AI)
	if err != nil {
		return nil, "", err
	}
	return chat.NewService(aiService, chatCfg), mode, nil
}

// askOnce prints fragments as they arrive, then a trailing newline.
func askOnce(ctx context.Context, svc *chat.Service, sessionID string, mode chatmodel.Mode, question string, out io.Writer) error {
	_, err := svc.Ask(ctx, sessionID, question, chat.AskOptions{
		Mode: mode,
		OnFragment: func(fragment string) {
			fmt.Fprint(out, fragment)
		},
	})
	fmt.Fprintln(out)
	return err
}

// repl 逐行读取问题；单个问题失败不会结束会话。
func repl(ctx context.Context, svc *chat.Service, mode chatmodel.Mode, in io.Reader, out, errOut io.Writer) error {
	session, err := svc.CreateSession(ctx)
	if err != nil {
		return err
	}
	defer svc.EndSession(context.Background(), session.ID())

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "You: ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		question := scanner.Text()
		if strings.TrimSpace(question) == "" {
			continue
		}

		fmt.Fprint(out, "Bot: ")
		if err := askOnce(ctx, svc, session.ID(), mode, question, out); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return err
			}
			fmt.Fprintf(errOut, "error: %v\n", err)
		}
	}
}
