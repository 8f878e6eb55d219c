package generation

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// fallbackEncoding используется для моделей, которых tiktoken не знает (Ollama, OpenRouter).
const fallbackEncoding = "cl100k_base"

// TokenCounter оценивает количество токенов в тексте.
type TokenCounter interface {
	Count(text string) int
}

// ApproxTokenCounter - грубая оценка без словаря: ~4 символа на токен.
type ApproxTokenCounter struct{}

func (ApproxTokenCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter возвращает счетчик tiktoken для модели. Если словарь недоступен
// (неизвестная модель или нет доступа к сети), используется ApproxTokenCounter.
func NewTokenCounter(model string, logger *zap.Logger) TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, using approximate token counts",
			zap.String("model", model),
			zap.Error(err))
		return ApproxTokenCounter{}
	}
	return &tiktokenCounter{enc: enc}
}
