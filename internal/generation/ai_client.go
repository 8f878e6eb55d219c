package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"adventure-server/internal/config"

	"github.com/ollama/ollama/api"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrAIGenerationFailed - ошибка вызова AI API
var ErrAIGenerationFailed = errors.New("ошибка генерации текста AI")

// StructuredRequest - запрос к модели со структурированным ответом.
type StructuredRequest struct {
	SystemPrompt string
	UserInput    string
	SchemaName   string
	Schema       JSONSchema
	Temperature  float64
	MaxTokens    int
}

// UsageInfo содержит информацию об использовании токенов
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AIClient интерфейс для взаимодействия с AI API
type AIClient interface {
	// GenerateStructured возвращает сырой текст ответа, который должен соответствовать req.Schema.
	// Проверка соответствия схеме - забота вызывающего кода.
	GenerateStructured(ctx context.Context, req StructuredRequest) (string, UsageInfo, error)
	// Model возвращает имя модели для логов и метрик.
	Model() string
}

// --- OpenAI Client Implementation ---

// openAIClient реализует AIClient с использованием go-openai
type openAIClient struct {
	client  *openaigo.Client
	model   string
	counter TokenCounter
	logger  *zap.Logger
}

func (c *openAIClient) Model() string { return c.model }

// GenerateStructured вызывает Chat Completions с response_format json_schema (strict).
func (c *openAIClient) GenerateStructured(ctx context.Context, req StructuredRequest) (string, UsageInfo, error) {
	usage := UsageInfo{}

	if strings.TrimSpace(req.SystemPrompt) == "" {
		aiRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: системный промт пуст", ErrAIGenerationFailed)
	}

	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: req.SystemPrompt},
	}
	if req.UserInput != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleUser,
			Content: req.UserInput,
		})
	}

	chatReq := openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
	}
	if req.Schema != nil {
		chatReq.ResponseFormat = &openaigo.ChatCompletionResponseFormat{
			Type: openaigo.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openaigo.ChatCompletionResponseFormatJSONSchema{
				Name:   req.SchemaName,
				Schema: req.Schema,
				Strict: true,
			},
		}
	}

	startTime := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Warn("AI API request failed",
			zap.Duration("duration", duration),
			zap.Error(err))
		aiRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Warn("AI API returned empty response", zap.Duration("duration", duration))
		aiRequestsTotal.WithLabelValues(c.model, "error_empty_response").Inc()
		return "", usage, fmt.Errorf("%w: получен пустой ответ", ErrAIGenerationFailed)
	}

	aiRequestsTotal.WithLabelValues(c.model, "success").Inc()
	aiRequestDuration.WithLabelValues(c.model).Observe(duration.Seconds())

	text := resp.Choices[0].Message.Content
	if resp.Usage.TotalTokens > 0 {
		usage = UsageInfo{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	} else {
		// Совместимые API (OpenRouter, локальные прокси) иногда не возвращают usage
		usage.PromptTokens = c.counter.Count(req.SystemPrompt) + c.counter.Count(req.UserInput)
		usage.CompletionTokens = c.counter.Count(text)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	observeUsage(c.model, usage)

	c.logger.Debug("AI API response received",
		zap.Duration("duration", duration),
		zap.Int("response_len", len(text)),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens))

	return text, usage, nil
}

// --- Ollama Client Implementation ---

// ollamaClient реализует AIClient с использованием ollama/api
type ollamaClient struct {
	client *api.Client
	model  string
	logger *zap.Logger
}

// newOllamaClient создает новый клиент для взаимодействия с Ollama
func newOllamaClient(cfg *config.Config, logger *zap.Logger) (AIClient, error) {
	httpClient := &http.Client{Timeout: cfg.AITimeout}

	// api.NewClient требует URL без суффикса /v1
	ollamaBaseURL := strings.TrimSuffix(cfg.AIBaseURL, "/")
	ollamaBaseURL = strings.TrimSuffix(ollamaBaseURL, "/v1")

	parsedURL, err := url.Parse(ollamaBaseURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Ollama Base URL '%s': %w", ollamaBaseURL, err)
	}

	logger.Info("Ollama client created",
		zap.String("base_url", ollamaBaseURL),
		zap.String("model", cfg.AIModel))

	return &ollamaClient{
		client: api.NewClient(parsedURL, httpClient),
		model:  cfg.AIModel,
		logger: logger,
	}, nil
}

func (c *ollamaClient) Model() string { return c.model }

// GenerateStructured вызывает /api/chat без стриминга; схема передается в format.
func (c *ollamaClient) GenerateStructured(ctx context.Context, req StructuredRequest) (string, UsageInfo, error) {
	usage := UsageInfo{}

	if strings.TrimSpace(req.SystemPrompt) == "" {
		aiRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: системный промт пуст", ErrAIGenerationFailed)
	}

	messages := []api.Message{{Role: "system", Content: req.SystemPrompt}}
	if req.UserInput != "" {
		messages = append(messages, api.Message{Role: "user", Content: req.UserInput})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.MaxTokens
	}
	if req.Schema != nil {
		format, err := json.Marshal(req.Schema)
		if err != nil {
			return "", usage, fmt.Errorf("%w: не удалось сериализовать схему: %v", ErrAIGenerationFailed, err)
		}
		chatReq.Format = format
	}

	startTime := time.Now()
	var resp api.ChatResponse
	err := c.client.Chat(ctx, chatReq, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Warn("Ollama API request failed",
			zap.Duration("duration", duration),
			zap.Bool("timeout", errors.Is(err, context.DeadlineExceeded)),
			zap.Error(err))
		aiRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return "", usage, fmt.Errorf("%w: %v", ErrAIGenerationFailed, err)
	}

	if resp.Message.Content == "" {
		aiRequestsTotal.WithLabelValues(c.model, "error_empty_response").Inc()
		return "", usage, fmt.Errorf("%w: получен пустой ответ", ErrAIGenerationFailed)
	}

	aiRequestsTotal.WithLabelValues(c.model, "success").Inc()
	aiRequestDuration.WithLabelValues(c.model).Observe(duration.Seconds())

	usage.PromptTokens = resp.PromptEvalCount
	usage.CompletionTokens = resp.EvalCount
	usage.TotalTokens = resp.PromptEvalCount + resp.EvalCount
	observeUsage(c.model, usage)

	c.logger.Debug("Ollama API response received",
		zap.Duration("duration", duration),
		zap.Int("response_len", len(resp.Message.Content)),
		zap.String("done_reason", resp.DoneReason))

	return resp.Message.Content, usage, nil
}

// --- Factory Function ---

// NewAIClient создает клиента AI в зависимости от конфигурации
func NewAIClient(cfg *config.Config, logger *zap.Logger) (AIClient, error) {
	logger = logger.Named("ai_client")
	switch strings.ToLower(cfg.AIClientType) {
	case "openai":
		openaiConfig := openaigo.DefaultConfig(cfg.AIAPIKey)
		openaiConfig.BaseURL = cfg.AIBaseURL
		openaiConfig.HTTPClient = &http.Client{Timeout: cfg.AITimeout}
		logger.Info("OpenAI client created",
			zap.String("base_url", cfg.AIBaseURL),
			zap.String("model", cfg.AIModel))
		return &openAIClient{
			client:  openaigo.NewClientWithConfig(openaiConfig),
			model:   cfg.AIModel,
			counter: NewTokenCounter(cfg.AIModel, logger),
			logger:  logger,
		}, nil
	case "ollama":
		return newOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("неизвестный тип AI клиента: '%s'", cfg.AIClientType)
	}
}
