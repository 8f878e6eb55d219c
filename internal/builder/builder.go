package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"adventure-server/internal/generation"
	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	nodesGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adventure_story_nodes_generated_total",
		Help: "Total number of story nodes produced by the tree builder.",
	})
	forcedEndings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adventure_story_forced_endings_total",
		Help: "Nodes turned into endings by the builder, partitioned by reason.",
	}, []string{"reason"})
)

// Причины принудительного завершения ветки
const (
	forcedByDepth       = "max_depth"
	forcedByFewChoices  = "too_few_choices"
	forcedEndingContent = "The story ends here."
)

// CancelCheck вызывается перед раскрытием каждого узла.
// Ненулевая ошибка прерывает построение как отмена задачи.
type CancelCheck = func(ctx context.Context) error

// Config - параметры построения дерева.
type Config struct {
	MaxDepth    int   // D: корень на глубине 0, узлы глубины D всегда финальные
	Concurrency int64 // глобальный лимит одновременных вызовов генератора
}

// Builder рекурсивно строит дерево истории через Generator.
// Один Builder разделяется всеми воркерами: семафор ограничивает
// число одновременных вызовов генератора по всем задачам.
type Builder struct {
	gen    generation.Generator
	cfg    Config
	sem    *semaphore.Weighted
	logger *zap.Logger
}

// New создает построитель дерева.
func New(gen generation.Generator, cfg Config, logger *zap.Logger) *Builder {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Builder{
		gen:    gen,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.Concurrency),
		logger: logger.Named("builder"),
	}
}

var _ interfaces.TreeBuilder = (*Builder)(nil)

// MaxDepth возвращает настроенную глубину D.
func (b *Builder) MaxDepth() int { return b.cfg.MaxDepth }

// build - состояние одного построения: граф и мьютекс арены.
type build struct {
	graph *models.StoryGraph
	mu    sync.Mutex
	check CancelCheck
	title string
}

// Build строит полное дерево для темы в памяти. Ошибка любой ветки
// прерывает все построение: частичные деревья не возвращаются.
func (b *Builder) Build(ctx context.Context, theme string, check CancelCheck) (*models.StoryGraph, error) {
	st := &build{graph: models.NewStoryGraph(theme), check: check}

	root := models.GenerationContext{
		Theme:    theme,
		Depth:    0,
		MaxDepth: b.cfg.MaxDepth,
		MustEnd:  b.cfg.MaxDepth == 0,
	}

	rootRef, err := b.expand(ctx, st, root)
	if err != nil {
		return nil, err
	}

	st.graph.Root = rootRef
	st.graph.Title = st.title
	if st.graph.Title == "" {
		st.graph.Title = defaultTitle(theme)
	}

	if err := st.graph.Validate(b.cfg.MaxDepth); err != nil {
		// Нарушение инвариантов здесь - ошибка в самом построителе
		return nil, fmt.Errorf("построено некорректное дерево: %w", err)
	}

	b.logger.Info("Story tree built",
		zap.String("theme", theme),
		zap.Int("nodes", len(st.graph.Nodes)),
		zap.Int("depth", st.graph.MaxDepth()))
	return st.graph, nil
}

// expand генерирует узел для gc и рекурсивно его потомков.
// Узел помещается в арену после того, как готовы оба потомка.
func (b *Builder) expand(ctx context.Context, st *build, gc models.GenerationContext) (models.NodeRef, error) {
	if err := b.checkpoint(ctx, st); err != nil {
		return models.NoNode, err
	}

	draft, err := b.generate(ctx, gc)
	if err != nil {
		return models.NoNode, err
	}
	nodesGenerated.Inc()

	if gc.IsRoot() {
		st.title = draft.Title
	}

	node := normalize(draft, gc, b.logger)

	if node.IsEnding {
		return st.add(node), nil
	}

	children := make([]models.NodeRef, len(node.Options))
	g, gctx := errgroup.WithContext(ctx)
	for i, opt := range draft.Options[:models.BranchingFactor] {
		i, opt := i, opt
		childCtx := gc.Child(node.Content, opt)
		g.Go(func() error {
			ref, err := b.expand(gctx, st, childCtx)
			if err != nil {
				return err
			}
			children[i] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.NoNode, err
	}

	for i := range node.Options {
		node.Options[i].Child = children[i]
	}
	return st.add(node), nil
}

// generate вызывает генератор под глобальным семафором.
func (b *Builder) generate(ctx context.Context, gc models.GenerationContext) (*models.NodeDraft, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, cancellationError(ctx, err)
	}
	defer b.sem.Release(1)

	draft, err := b.gen.Generate(ctx, gc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancellationError(ctx, err)
		}
		return nil, err
	}
	return draft, nil
}

func (b *Builder) checkpoint(ctx context.Context, st *build) error {
	if err := ctx.Err(); err != nil {
		return cancellationError(ctx, err)
	}
	if st.check != nil {
		if err := st.check(ctx); err != nil {
			var jobErr *models.JobError
			if errors.As(err, &jobErr) {
				return err
			}
			return models.NewCancelledError("build", err)
		}
	}
	return nil
}

func (st *build) add(node models.GraphNode) models.NodeRef {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.graph.AddNode(node)
}

// normalize превращает черновик в узел графа с соблюдением инвариантов:
//   - финал побеждает варианты (варианты отбрасываются);
//   - больше двух вариантов обрезается до двух;
//   - меньше двух вариантов делает узел принудительным финалом без победы;
//   - на глубине D не-финальный узел принудительно завершается без победы.
func normalize(draft *models.NodeDraft, gc models.GenerationContext, logger *zap.Logger) models.GraphNode {
	node := models.GraphNode{
		Depth:   gc.Depth,
		Content: draft.Content,
	}

	switch {
	case draft.IsEnding:
		node.IsEnding = true
		node.IsWinningEnding = draft.IsWinningEnding
		if len(draft.Options) > 0 {
			logger.Debug("Ending node returned with choices, choices discarded",
				zap.Int("depth", gc.Depth), zap.Int("choices", len(draft.Options)))
		}
	case gc.Depth >= gc.MaxDepth:
		forcedEndings.WithLabelValues(forcedByDepth).Inc()
		node.IsEnding = true
	case len(draft.Options) < models.BranchingFactor:
		forcedEndings.WithLabelValues(forcedByFewChoices).Inc()
		logger.Debug("Too few choices, node forced to ending",
			zap.Int("depth", gc.Depth), zap.Int("choices", len(draft.Options)))
		node.IsEnding = true
	default:
		node.Options = make([]models.GraphOption, models.BranchingFactor)
		for i := range node.Options {
			node.Options[i] = models.GraphOption{
				Text:    draft.Options[i].Text,
				Outcome: draft.Options[i].Outcome,
				Child:   models.NoNode,
			}
		}
	}

	if node.IsEnding && node.Content == "" {
		node.Content = forcedEndingContent
	}
	return node
}

// cancellationError приводит отмену контекста к виду ошибки задачи.
func cancellationError(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = err
	}
	if errors.Is(cause, models.ErrInterrupted) {
		return models.NewInterruptedError("build", cause)
	}
	return models.NewCancelledError("build", cause)
}

func defaultTitle(theme string) string {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return "Untitled adventure"
	}
	runes := []rune(theme)
	return strings.ToUpper(string(runes[:1])) + string(runes[1:])
}
