package repository

import (
	"context"
	"errors"
	"fmt"

	"adventure-server/internal/database"
	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	insertStoryQuery = `INSERT INTO stories (title, theme) VALUES ($1, $2) RETURNING id`

	insertNodeQuery = `
        INSERT INTO story_nodes (story_id, content, is_ending, is_winning_ending, depth)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id`

	setRootNodeQuery = `UPDATE stories SET root_node_id = $2 WHERE id = $1`

	insertOptionQuery = `
        INSERT INTO story_options (node_id, position, text, outcome, next_node_id)
        VALUES ($1, $2, $3, $4, $5)`

	getStoryQuery = `SELECT id, title, theme, root_node_id, created_at FROM stories WHERE id = $1`

	getStoryNodesQuery = `
        SELECT id, story_id, content, is_ending, is_winning_ending, depth
        FROM story_nodes
        WHERE story_id = $1
        ORDER BY depth, id`

	getStoryOptionsQuery = `
        SELECT o.id, o.node_id, o.position, o.text, o.outcome, o.next_node_id
        FROM story_options o
        JOIN story_nodes n ON n.id = o.node_id
        WHERE n.story_id = $1
        ORDER BY o.node_id, o.position`
)

var _ interfaces.StoryRepository = (*pgStoryRepository)(nil)

type pgStoryRepository struct {
	db     database.DBTX
	tx     *database.TransactionHelper
	logger *zap.Logger
}

// NewPgStoryRepository создает шлюз сохранения историй.
// Запись выполняется через txHelper, чтение - напрямую через db.
func NewPgStoryRepository(db database.DBTX, txHelper *database.TransactionHelper, logger *zap.Logger) interfaces.StoryRepository {
	return &pgStoryRepository{
		db:     db,
		tx:     txHelper,
		logger: logger.Named("PgStoryRepo"),
	}
}

// Save записывает историю одной транзакцией уровень за уровнем:
// строка истории, корень, ссылка на корень, затем для каждого следующего уровня
// сначала узлы (их id нужны вариантам), потом варианты предыдущего уровня.
// При любой ошибке транзакция откатывается и в БД не остается ни одной строки истории.
func (r *pgStoryRepository) Save(ctx context.Context, graph *models.StoryGraph) (int64, error) {
	if err := checkGraph(graph); err != nil {
		return 0, err
	}

	var storyID int64
	err := r.tx.WithTransaction(ctx, func(ctx context.Context, tx database.DBTX) error {
		var err error
		storyID, err = r.writeGraph(ctx, tx, graph)
		return err
	})
	if err != nil {
		r.logger.Error("Failed to save story graph",
			zap.String("theme", graph.Theme),
			zap.Int("nodes", len(graph.Nodes)),
			zap.Error(err))
		return 0, models.NewPersistenceError("save story", err)
	}

	r.logger.Info("Story saved",
		zap.Int64("story_id", storyID),
		zap.Int("nodes", len(graph.Nodes)))
	return storyID, nil
}

// SaveAndComplete пишет граф и переводит задачу в completed в той же транзакции,
// так что история без завершенной задачи в БД не остается.
// Конфликт статуса (models.ErrInvalidTransition, models.ErrNotFound) возвращается как есть.
func (r *pgStoryRepository) SaveAndComplete(ctx context.Context, jobID uuid.UUID, graph *models.StoryGraph) (*models.Job, error) {
	if err := checkGraph(graph); err != nil {
		return nil, err
	}

	var completed *models.Job
	err := r.tx.WithTransaction(ctx, func(ctx context.Context, tx database.DBTX) error {
		storyID, err := r.writeGraph(ctx, tx, graph)
		if err != nil {
			return err
		}
		completed, err = NewPgJobRepository(tx, r.logger).Complete(ctx, jobID, storyID)
		return err
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrNotFound) {
			r.logger.Warn("Job left processing before its story was saved, story rolled back",
				zap.String("job_id", jobID.String()),
				zap.Error(err))
			return nil, err
		}
		r.logger.Error("Failed to save story graph",
			zap.String("job_id", jobID.String()),
			zap.String("theme", graph.Theme),
			zap.Int("nodes", len(graph.Nodes)),
			zap.Error(err))
		return nil, models.NewPersistenceError("save story", err)
	}

	r.logger.Info("Story saved and job completed",
		zap.String("job_id", jobID.String()),
		zap.Int64("story_id", *completed.StoryID),
		zap.Int("nodes", len(graph.Nodes)))
	return completed, nil
}

// checkGraph отсекает граф, который нельзя сохранить, до открытия транзакции.
func checkGraph(graph *models.StoryGraph) error {
	if graph == nil {
		return models.NewPersistenceError("save story", errors.New("граф не передан"))
	}
	// Глубина дерева не превышает число узлов; здесь проверяется только форма.
	if err := graph.Validate(len(graph.Nodes)); err != nil {
		return models.NewPersistenceError("save story", err)
	}
	return nil
}

func (r *pgStoryRepository) writeGraph(ctx context.Context, tx database.DBTX, graph *models.StoryGraph) (int64, error) {
	levels := graph.Levels()

	var storyID int64
	if err := tx.QueryRow(ctx, insertStoryQuery, graph.Title, graph.Theme).Scan(&storyID); err != nil {
		return 0, fmt.Errorf("insert story: %w", err)
	}

	ids := make(map[models.NodeRef]int64, len(graph.Nodes))
	if err := r.insertNodes(ctx, tx, storyID, graph, levels[0], ids); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, setRootNodeQuery, storyID, ids[graph.Root]); err != nil {
		return 0, fmt.Errorf("set root node: %w", err)
	}

	for depth := 1; depth < len(levels); depth++ {
		if err := r.insertNodes(ctx, tx, storyID, graph, levels[depth], ids); err != nil {
			return 0, err
		}
		if err := r.insertOptions(ctx, tx, graph, levels[depth-1], ids); err != nil {
			return 0, err
		}
	}
	return storyID, nil
}

// insertNodes вставляет узлы одного уровня пачкой и запоминает выданные id.
func (r *pgStoryRepository) insertNodes(ctx context.Context, tx database.DBTX, storyID int64, graph *models.StoryGraph, level []models.NodeRef, ids map[models.NodeRef]int64) error {
	batch := &pgx.Batch{}
	for _, ref := range level {
		node := graph.Node(ref)
		batch.Queue(insertNodeQuery, storyID, node.Content, node.IsEnding, node.IsWinningEnding, node.Depth)
	}

	br := tx.SendBatch(ctx, batch)
	for _, ref := range level {
		var id int64
		if err := br.QueryRow().Scan(&id); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert node at depth %d: %w", graph.Node(ref).Depth, err)
		}
		ids[ref] = id
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert nodes batch: %w", err)
	}
	return nil
}

// insertOptions вставляет варианты узлов уровня; дочерние узлы к этому моменту уже записаны.
func (r *pgStoryRepository) insertOptions(ctx context.Context, tx database.DBTX, graph *models.StoryGraph, level []models.NodeRef, ids map[models.NodeRef]int64) error {
	batch := &pgx.Batch{}
	for _, ref := range level {
		node := graph.Node(ref)
		for pos, opt := range node.Options {
			childID, ok := ids[opt.Child]
			if !ok {
				return fmt.Errorf("child of node %d is not persisted yet", ref)
			}
			batch.Queue(insertOptionQuery, ids[ref], pos, opt.Text, opt.Outcome, childID)
		}
	}
	if batch.Len() == 0 {
		return nil
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert option: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert options batch: %w", err)
	}
	return nil
}

// LoadGraph читает историю и собирает ее узлы обратно в граф.
// Порядок узлов в арене: по глубине, внутри уровня по id.
func (r *pgStoryRepository) LoadGraph(ctx context.Context, storyID int64) (*models.Story, *models.StoryGraph, error) {
	log := r.logger.With(zap.Int64("story_id", storyID))

	story := &models.Story{}
	if err := pgxscan.Get(ctx, r.db, story, getStoryQuery, storyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, models.ErrNotFound
		}
		log.Error("Failed to get story", zap.Error(err))
		return nil, nil, fmt.Errorf("ошибка получения истории %d: %w", storyID, err)
	}

	var nodes []models.StoryNode
	if err := pgxscan.Select(ctx, r.db, &nodes, getStoryNodesQuery, storyID); err != nil {
		log.Error("Failed to get story nodes", zap.Error(err))
		return nil, nil, fmt.Errorf("ошибка получения узлов истории %d: %w", storyID, err)
	}
	var options []models.StoryOption
	if err := pgxscan.Select(ctx, r.db, &options, getStoryOptionsQuery, storyID); err != nil {
		log.Error("Failed to get story options", zap.Error(err))
		return nil, nil, fmt.Errorf("ошибка получения вариантов истории %d: %w", storyID, err)
	}

	graph := models.NewStoryGraph(story.Theme)
	graph.Title = story.Title

	refs := make(map[int64]models.NodeRef, len(nodes))
	for _, n := range nodes {
		refs[n.ID] = graph.AddNode(models.GraphNode{
			Depth:           n.Depth,
			Content:         n.Content,
			IsEnding:        n.IsEnding,
			IsWinningEnding: n.IsWinningEnding,
		})
	}
	for _, o := range options {
		parent, ok := refs[o.NodeID]
		child, okChild := refs[o.NextNodeID]
		if !ok || !okChild {
			return nil, nil, fmt.Errorf("вариант %d ссылается на узел вне истории %d", o.ID, storyID)
		}
		node := graph.Node(parent)
		node.Options = append(node.Options, models.GraphOption{
			Text:    o.Text,
			Outcome: o.Outcome,
			Child:   child,
		})
	}
	if story.RootNodeID != nil {
		if ref, ok := refs[*story.RootNodeID]; ok {
			graph.Root = ref
		}
	}

	return story, graph, nil
}
