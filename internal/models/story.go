package models

import (
	"fmt"
	"time"
)

// BranchingFactor - число вариантов выбора у любого не-финального узла.
const BranchingFactor = 2

// Story - сохраненная история.
type Story struct {
	ID         int64     `db:"id" json:"id"`
	Title      string    `db:"title" json:"title"`
	Theme      string    `db:"theme" json:"theme"`
	RootNodeID *int64    `db:"root_node_id" json:"root_node_id,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// StoryNode - сохраненный узел истории.
type StoryNode struct {
	ID              int64  `db:"id" json:"id"`
	StoryID         int64  `db:"story_id" json:"story_id"`
	Content         string `db:"content" json:"content"`
	IsEnding        bool   `db:"is_ending" json:"is_ending"`
	IsWinningEnding bool   `db:"is_winning_ending" json:"is_winning_ending"`
	Depth           int    `db:"depth" json:"depth"`
}

// StoryOption - сохраненный вариант выбора, ведущий от NodeID к NextNodeID.
type StoryOption struct {
	ID         int64  `db:"id" json:"id"`
	NodeID     int64  `db:"node_id" json:"node_id"`
	Position   int    `db:"position" json:"position"`
	Text       string `db:"text" json:"text"`
	Outcome    string `db:"outcome" json:"outcome"`
	NextNodeID int64  `db:"next_node_id" json:"next_node_id"`
}

// --- In-memory граф ---

// NodeRef - временный идентификатор узла внутри StoryGraph (индекс в арене).
// Постоянные id узлы получают только при сохранении.
type NodeRef int

// NoNode означает отсутствие ссылки.
const NoNode NodeRef = -1

// GraphOption - вариант выбора с ссылкой на дочерний узел в арене.
type GraphOption struct {
	Text    string
	Outcome string
	Child   NodeRef
}

// GraphNode - узел в арене StoryGraph.
type GraphNode struct {
	Ref             NodeRef
	Depth           int
	Content         string
	IsEnding        bool
	IsWinningEnding bool
	Options         []GraphOption
}

// StoryGraph - построенное, но еще не сохраненное дерево истории.
// Узлы хранятся в арене Nodes и адресуются через NodeRef.
// Граф не потокобезопасен: конкурентные вставки синхронизирует вызывающий код.
type StoryGraph struct {
	Title string
	Theme string
	Root  NodeRef
	Nodes []GraphNode
}

// NewStoryGraph создает пустой граф для темы.
func NewStoryGraph(theme string) *StoryGraph {
	return &StoryGraph{Theme: theme, Root: NoNode}
}

// AddNode помещает узел в арену и возвращает его ссылку.
func (g *StoryGraph) AddNode(node GraphNode) NodeRef {
	ref := NodeRef(len(g.Nodes))
	node.Ref = ref
	g.Nodes = append(g.Nodes, node)
	return ref
}

// Node возвращает узел по ссылке или nil, если ссылка вне арены.
func (g *StoryGraph) Node(ref NodeRef) *GraphNode {
	if ref < 0 || int(ref) >= len(g.Nodes) {
		return nil
	}
	return &g.Nodes[ref]
}

// Levels раскладывает дерево по уровням обходом в ширину от корня.
// Порядок узлов внутри уровня совпадает с порядком вариантов у родителей.
func (g *StoryGraph) Levels() [][]NodeRef {
	if g.Node(g.Root) == nil {
		return nil
	}
	var levels [][]NodeRef
	current := []NodeRef{g.Root}
	for len(current) > 0 {
		levels = append(levels, current)
		var next []NodeRef
		for _, ref := range current {
			for _, opt := range g.Nodes[ref].Options {
				next = append(next, opt.Child)
			}
		}
		current = next
	}
	return levels
}

// MaxDepth возвращает глубину самого глубокого узла (корень на глубине 0).
func (g *StoryGraph) MaxDepth() int {
	levels := g.Levels()
	if len(levels) == 0 {
		return -1
	}
	return len(levels) - 1
}

// Validate проверяет, что граф является деревом с корнем Root:
// каждый узел достижим ровно одним путем, финальные узлы без вариантов,
// у остальных ровно BranchingFactor вариантов на разные узлы, глубина не больше maxDepth.
func (g *StoryGraph) Validate(maxDepth int) error {
	if g.Node(g.Root) == nil {
		return fmt.Errorf("%w: root node is missing", ErrInvalidGraph)
	}

	incoming := make([]int, len(g.Nodes))
	visited := make([]bool, len(g.Nodes))
	type item struct {
		ref   NodeRef
		depth int
	}
	queue := []item{{ref: g.Root, depth: 0}}
	visited[g.Root] = true

	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		node := &g.Nodes[it.ref]

		if it.depth > maxDepth {
			return fmt.Errorf("%w: node %d at depth %d exceeds max depth %d", ErrInvalidGraph, it.ref, it.depth, maxDepth)
		}
		if node.Depth != it.depth {
			return fmt.Errorf("%w: node %d records depth %d but sits at depth %d", ErrInvalidGraph, it.ref, node.Depth, it.depth)
		}
		if node.IsEnding {
			if len(node.Options) != 0 {
				return fmt.Errorf("%w: ending node %d has %d options", ErrInvalidGraph, it.ref, len(node.Options))
			}
			continue
		}
		if node.IsWinningEnding {
			return fmt.Errorf("%w: non-ending node %d is flagged as winning", ErrInvalidGraph, it.ref)
		}
		if len(node.Options) != BranchingFactor {
			return fmt.Errorf("%w: node %d has %d options, want %d", ErrInvalidGraph, it.ref, len(node.Options), BranchingFactor)
		}
		for _, opt := range node.Options {
			if g.Node(opt.Child) == nil {
				return fmt.Errorf("%w: node %d points to missing child %d", ErrInvalidGraph, it.ref, opt.Child)
			}
			if opt.Child == g.Root {
				return fmt.Errorf("%w: node %d points back to root", ErrInvalidGraph, it.ref)
			}
			incoming[opt.Child]++
			if incoming[opt.Child] > 1 {
				return fmt.Errorf("%w: node %d has more than one parent", ErrInvalidGraph, opt.Child)
			}
			visited[opt.Child] = true
			queue = append(queue, item{ref: opt.Child, depth: it.depth + 1})
		}
	}

	for i, ok := range visited {
		if !ok {
			return fmt.Errorf("%w: node %d is unreachable from root", ErrInvalidGraph, i)
		}
	}
	return nil
}

// --- Черновики генерации ---

// OptionDraft - вариант выбора в ответе генератора.
type OptionDraft struct {
	Text    string `json:"text"`
	Outcome string `json:"outcome"`
}

// NodeDraft - провалидированный ответ генератора для одного узла.
// Title имеет смысл только для корня истории.
type NodeDraft struct {
	Title           string        `json:"title"`
	Content         string        `json:"content"`
	IsEnding        bool          `json:"is_ending"`
	IsWinningEnding bool          `json:"is_winning_ending"`
	Options         []OptionDraft `json:"options"`
}

// PathStep - шаг пути от корня до текущего узла.
type PathStep struct {
	Situation string
	Choice    string
	Outcome   string
}

// GenerationContext - контекст, передаваемый генератору для одного узла.
type GenerationContext struct {
	Theme    string
	Depth    int
	MaxDepth int
	Path     []PathStep
	// MustEnd выставляется на максимальной глубине: узел обязан быть финальным.
	MustEnd bool
}

// IsRoot сообщает, генерируется ли корневой узел.
func (c GenerationContext) IsRoot() bool {
	return c.Depth == 0
}

// Child возвращает контекст для дочернего узла, выбранного через opt.
func (c GenerationContext) Child(situation string, opt OptionDraft) GenerationContext {
	path := make([]PathStep, len(c.Path), len(c.Path)+1)
	copy(path, c.Path)
	path = append(path, PathStep{Situation: situation, Choice: opt.Text, Outcome: opt.Outcome})
	depth := c.Depth + 1
	return GenerationContext{
		Theme:    c.Theme,
		Depth:    depth,
		MaxDepth: c.MaxDepth,
		Path:     path,
		MustEnd:  depth >= c.MaxDepth,
	}
}
