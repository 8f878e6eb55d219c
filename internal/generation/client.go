package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"adventure-server/internal/models"
	"adventure-server/internal/utils"

	"go.uber.org/zap"
)

var (
	// ErrInvalidDraft - ответ модели не прошел структурную проверку.
	ErrInvalidDraft = errors.New("ответ генератора не соответствует схеме узла")
	// ErrCallTimeout - истек таймаут одного вызова генератора.
	ErrCallTimeout = errors.New("превышен таймаут вызова генератора")
)

// Generator - контракт генерации одного узла истории.
type Generator interface {
	Generate(ctx context.Context, gc models.GenerationContext) (*models.NodeDraft, error)
}

// RetryConfig задает таймаут одного вызова и политику повторов.
type RetryConfig struct {
	Timeout     time.Duration // на одну попытку
	MaxAttempts int           // всего попыток, включая первую
	BaseDelay   time.Duration // задержка перед второй попыткой, дальше удваивается
	Temperature float64
	MaxTokens   int
}

// Client оборачивает AIClient: промт, структурированный ответ, валидация и повторы.
type Client struct {
	ai      AIClient
	prompts *PromptBuilder
	cfg     RetryConfig
	logger  *zap.Logger
}

// NewClient создает клиента генерации.
func NewClient(ai AIClient, prompts *PromptBuilder, cfg RetryConfig, logger *zap.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Client{
		ai:      ai,
		prompts: prompts,
		cfg:     cfg,
		logger:  logger.Named("generation"),
	}
}

var _ Generator = (*Client)(nil)

// Generate запрашивает у модели один узел. Ошибки вызова, таймауты и ответы,
// не прошедшие проверку, повторяются до MaxAttempts раз с экспоненциальной задержкой.
// После исчерпания попыток возвращается JobError вида generation_error с последней причиной.
// Отмена ctx прекращает повторы сразу.
func (c *Client) Generate(ctx context.Context, gc models.GenerationContext) (*models.NodeDraft, error) {
	req := StructuredRequest{
		SystemPrompt: SystemPrompt,
		UserInput:    c.prompts.UserPrompt(gc),
		SchemaName:   NodeDraftSchemaName,
		Schema:       NodeDraftSchema(),
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	}
	log := c.logger.With(zap.Int("depth", gc.Depth), zap.String("model", c.ai.Model()))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		draft, err := c.attempt(ctx, req)
		if err == nil {
			if attempt > 1 {
				log.Info("Node generated after retries", zap.Int("attempt", attempt))
			}
			return draft, nil
		}
		// Отмена задачи - не сбой генератора, повторять нечего.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		reason := retryReason(err)
		log.Warn("Node generation attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.String("reason", reason),
			zap.Error(err))

		if attempt == c.cfg.MaxAttempts {
			break
		}
		generationRetries.WithLabelValues(reason).Inc()

		if err := sleepContext(ctx, c.backoff(attempt)); err != nil {
			return nil, err
		}
	}

	return nil, models.NewGenerationError("generate node",
		fmt.Errorf("после %d попыток: %w", c.cfg.MaxAttempts, lastErr))
}

// attempt выполняет один вызов с собственным таймаутом и проверяет ответ.
func (c *Client) attempt(ctx context.Context, req StructuredRequest) (*models.NodeDraft, error) {
	callCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	raw, _, err := c.ai.GenerateStructured(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w (%v): %v", ErrCallTimeout, c.cfg.Timeout, err)
		}
		return nil, err
	}
	return ParseDraft(raw)
}

// backoff: base * 2^(attempt-1) с джиттером ±10%.
func (c *Client) backoff(attempt int) time.Duration {
	delay := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	jitter := delay * 0.1
	delay += jitter * (rand.Float64()*2 - 1)
	return time.Duration(delay)
}

// requiredDraftFields - ключи, которые модель обязана вернуть явно (title допускается опустить).
var requiredDraftFields = []string{"content", "is_ending", "is_winning_ending", "options"}

// ParseDraft строго декодирует ответ модели в NodeDraft и проверяет его структуру.
// Количество вариантов здесь не нормализуется: это делает построитель дерева.
func ParseDraft(raw string) (*models.NodeDraft, error) {
	body := []byte(utils.ExtractJSONObject(raw))
	var draft models.NodeDraft
	if err := utils.DecodeStrict(body, &draft); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	// Нулевые значения bool и nil-срез неотличимы от отсутствующих ключей,
	// поэтому обязательные поля проверяются по сырому объекту.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDraft, err)
	}
	for _, key := range requiredDraftFields {
		value, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
			return nil, fmt.Errorf("%w: отсутствует обязательное поле %s", ErrInvalidDraft, key)
		}
	}
	if strings.TrimSpace(draft.Content) == "" {
		return nil, fmt.Errorf("%w: пустое поле content", ErrInvalidDraft)
	}
	for i, opt := range draft.Options {
		if strings.TrimSpace(opt.Text) == "" {
			return nil, fmt.Errorf("%w: у варианта %d пустое поле text", ErrInvalidDraft, i)
		}
		if strings.TrimSpace(opt.Outcome) == "" {
			return nil, fmt.Errorf("%w: у варианта %d пустое поле outcome", ErrInvalidDraft, i)
		}
	}
	draft.Title = strings.TrimSpace(draft.Title)
	draft.Content = strings.TrimSpace(draft.Content)
	return &draft, nil
}

func retryReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidDraft):
		return "invalid_output"
	case errors.Is(err, ErrCallTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "api_error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
