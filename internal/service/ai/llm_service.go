package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/qa-bot/backend/internal/config"
	"github.com/zhouzirui/qa-bot/backend/internal/logging"
	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
)

const defaultHistoryLimit = 10

// Service forwards questions to the hosted chat model.
type Service struct {
	chatModel model.ChatModel
	cfg       config.AIConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
	system    string
	log       zerolog.Logger
}

// NewService creates the model-facing service. It fails with
// config.ErrMissingCredential when no Ark credential is configured.
func NewService(ctx context.Context, cfg config.AIConfig) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, cfg)
}

// NewServiceWithModel wires an existing chat model into the prompt chain.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, cfg config.AIConfig) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		cfg:       cfg,
		chain:     runnable,
		system:    BuildSystemPrompt(cfg.Assistant),
		log:       logging.For("ai"),
	}, nil
}

// StreamingEnabled 指示是否向模型请求流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.cfg.StreamResponse
}

// Send forwards the question together with the prior transcript and returns
// the reply fragments. With streaming disabled the whole reply arrives as a
// single fragment.
func (s *Service) Send(ctx context.Context, question string, history []chat.Turn) (*schema.StreamReader[*schema.Message], error) {
	input := s.buildChainInput(history, question)

	if !s.StreamingEnabled() {
		response, err := s.chain.Invoke(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to run AI chain: %w", err)
		}
		s.log.Debug().Int("length", len(response.Content)).Msg("generated response")
		return schema.StreamReaderFromArray([]*schema.Message{response}), nil
	}

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	return stream, nil
}

func (s *Service) buildChainInput(history []chat.Turn, question string) map[string]any {
	return map[string]any{
		"system":  s.system,
		"history": buildHistoryMessages(history, s.cfg.HistoryLimit),
		"query":   question,
	}
}

// buildHistoryMessages converts the transcript into model messages. Bot
// turns recorded fragment by fragment are merged back into one assistant
// message, and only the most recent limit messages are kept.
func buildHistoryMessages(turns []chat.Turn, limit int) []*schema.Message {
	if len(turns) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Speaker {
		case chat.SpeakerUser:
			history = append(history, schema.UserMessage(turn.Text))
		case chat.SpeakerBot:
			if n := len(history); n > 0 && history[n-1].Role == schema.Assistant {
				history[n-1].Content += turn.Text
				continue
			}
			history = append(history, schema.AssistantMessage(turn.Text, nil))
		}
	}

	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}
