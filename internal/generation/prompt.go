package generation

import (
	"fmt"
	"strings"

	"adventure-server/internal/models"
)

// SystemPrompt - системный промт генератора узлов.
const SystemPrompt = `You are a creative story writer for choose-your-own-adventure games.

Generate a single story node for an interactive story. The node should have:
1. Engaging content that describes the current situation, addressed to the player ("you").
2. Exactly 2 choices for what the player can do next, unless the node is an ending.
3. For each choice, a short description of the outcome or consequence it leads to.

Endings have no choices. Mark an ending as winning only if the player clearly succeeds.
Make the story engaging and give meaningful choices with clear consequences.

Respond with a single JSON object that matches the provided schema.
Don't add any text outside of the JSON structure.`

// maxSituationRunes ограничивает длину описания ситуации в пересказе пути.
const maxSituationRunes = 280

// PromptBuilder формирует пользовательский промт из GenerationContext.
// Пересказ пути обрезается с начала, чтобы уложиться в бюджет токенов.
type PromptBuilder struct {
	counter     TokenCounter
	tokenBudget int
}

// NewPromptBuilder создает построитель промтов. tokenBudget <= 0 отключает обрезку.
func NewPromptBuilder(counter TokenCounter, tokenBudget int) *PromptBuilder {
	if counter == nil {
		counter = ApproxTokenCounter{}
	}
	return &PromptBuilder{counter: counter, tokenBudget: tokenBudget}
}

// UserPrompt формирует запрос для одного узла.
func (b *PromptBuilder) UserPrompt(gc models.GenerationContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Story theme: %s\n", gc.Theme)
	fmt.Fprintf(&sb, "Node depth: %d of at most %d.\n", gc.Depth, gc.MaxDepth)

	if gc.IsRoot() {
		sb.WriteString("\nThis is the opening node of the story. Set the scene and give the story a short title in \"title\".\n")
	} else {
		sb.WriteString("\nLeave \"title\" empty.\n")
	}

	if len(gc.Path) > 0 {
		steps := b.fitPath(gc.Path)
		if omitted := len(gc.Path) - len(steps); omitted > 0 {
			fmt.Fprintf(&sb, "\nStory so far (%d earlier steps omitted):\n", omitted)
		} else {
			sb.WriteString("\nStory so far:\n")
		}
		sb.WriteString(renderPath(steps, len(gc.Path)-len(steps)))

		last := gc.Path[len(gc.Path)-1]
		fmt.Fprintf(&sb, "\nThe player chose: %s\nThis leads to: %s\nContinue the story from this outcome.\n", last.Choice, last.Outcome)
	}

	if gc.MustEnd {
		sb.WriteString("\nThis node MUST be an ending: set \"is_ending\" to true, return an empty \"options\" array and decide whether the player wins.\n")
	} else {
		sb.WriteString("\nIf the story continues, provide exactly 2 options. If it naturally ends here, set \"is_ending\" to true and return no options.\n")
	}

	return sb.String()
}

// fitPath возвращает самый длинный суффикс пути, укладывающийся в бюджет токенов.
// Последний шаг сохраняется всегда: он задает продолжение.
func (b *PromptBuilder) fitPath(path []models.PathStep) []models.PathStep {
	if b.tokenBudget <= 0 || len(path) == 0 {
		return path
	}
	used := 0
	start := len(path)
	for i := len(path) - 1; i >= 0; i-- {
		cost := b.counter.Count(renderStep(i+1, path[i]))
		if used+cost > b.tokenBudget && start < len(path) {
			break
		}
		used += cost
		start = i
	}
	return path[start:]
}

func renderPath(steps []models.PathStep, offset int) string {
	var sb strings.Builder
	for i, step := range steps {
		sb.WriteString(renderStep(offset+i+1, step))
	}
	return sb.String()
}

func renderStep(n int, step models.PathStep) string {
	return fmt.Sprintf("%d. %s\n   Choice: %s -> %s\n", n, truncateRunes(step.Situation, maxSituationRunes), step.Choice, step.Outcome)
}

func truncateRunes(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
