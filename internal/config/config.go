package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// DefaultAssistantName is the title shown on the page and used in the
// system prompt when ASSISTANT_NAME is unset.
const DefaultAssistantName = "Q-A_bot"

// ErrMissingCredential 表示未配置 Ark 凭证，模型相关功能无法初始化。
var ErrMissingCredential = errors.New("Ark credential or model not configured: set ARK_API_KEY (or ARK_ACCESS_KEY + ARK_SECRET_KEY) and Model")

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Chat   ChatConfig
	Log    LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Chat: chat, Log: loadLogConfig()}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
	// AskRate is the sustained number of questions per second a single
	// client may submit; zero disables the limit.
	AskRate  float64
	AskBurst int
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	cfg := ServerConfig{Addr: ":" + port, AskRate: 1, AskBurst: 5}
	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
	} else if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	askRate, err := parseOptionalFloatEnv("ASK_RATE_LIMIT")
	if err != nil {
		return ServerConfig{}, err
	}
	if askRate != nil {
		if *askRate < 0 {
			return ServerConfig{}, fmt.Errorf("invalid ASK_RATE_LIMIT value %v: must not be negative", *askRate)
		}
		cfg.AskRate = *askRate
	}

	askBurst, err := parseOptionalIntEnv("ASK_RATE_BURST")
	if err != nil {
		return ServerConfig{}, err
	}
	if askBurst != nil {
		cfg.AskBurst = max(*askBurst, 1)
	}

	return cfg, nil
}

// AssistantProfile 描述页面标题与系统提示词中的助手形象。
type AssistantProfile struct {
	Name string
	Tone string
	Hint string
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
	HistoryLimit   int
	Assistant      AssistantProfile
}

// ChatConfig 描述会话与应答累积策略。
type ChatConfig struct {
	Mode       string
	Timeout    time.Duration
	SessionTTL time.Duration
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, ErrMissingCredential
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 10
	if historyOverride, err := parseOptionalIntEnv("AI_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if historyOverride != nil {
		if *historyOverride < 1 {
			historyLimit = 1
		} else {
			historyLimit = *historyOverride
		}
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
		HistoryLimit:   historyLimit,
		Assistant: AssistantProfile{
			Name: getEnvOrDefault("ASSISTANT_NAME", DefaultAssistantName),
			Tone: getEnvOrDefault("ASSISTANT_TONE", "clear, friendly and concise"),
			Hint: strings.TrimSpace(os.Getenv("ASSISTANT_HINT")),
		},
	}, nil
}

func loadChatConfig() (ChatConfig, error) {
	mode := strings.ToLower(getEnvOrDefault("CHAT_MODE", "streamed"))
	if mode != "streamed" && mode != "batched" {
		return ChatConfig{}, fmt.Errorf("invalid CHAT_MODE value %q: want streamed or batched", mode)
	}

	timeout, err := parseDurationEnv("CHAT_TIMEOUT", 60*time.Second)
	if err != nil {
		return ChatConfig{}, err
	}

	ttl, err := parseDurationEnv("SESSION_TTL", 30*time.Minute)
	if err != nil {
		return ChatConfig{}, err
	}

	return ChatConfig{Mode: mode, Timeout: timeout, SessionTTL: ttl}, nil
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "console"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		// 兼容直接填写秒数
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
		}
		val = time.Duration(seconds) * time.Second
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}
