// Package hierarchy implements read-only traversal of the work tree:
// ancestor chains, breadth-first descendants, paginated subtree listings and
// hierarchy health statistics.
package hierarchy

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lherron/boq/internal/config"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/logging"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/tracing"
)

// Traversal limits
const (
	DefaultMaxDepth = 10
	MaxDepthLimit   = 100
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// Node is a work together with its position in a traversal.
type Node struct {
	domain.Work
	Level    int     `json:"level" db:"level"`
	Path     string  `json:"-" db:"path"`
	UnitName *string `json:"unit_name,omitempty" db:"unit_name"`
}

// SubtreeQuery selects one page of a subtree. A nil RootID lists the whole
// forest starting at the root-level works.
type SubtreeQuery struct {
	RootID          *int64
	MaxDepth        int
	Page            int
	PageSize        int
	IncludeUnitInfo bool
	IncludeDeleted  bool
}

// Pagination describes the page returned by a subtree listing.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// Subtree is one page of rows ordered parent-before-child.
type Subtree struct {
	Rows       []Node     `json:"rows"`
	Pagination Pagination `json:"pagination"`
}

// TreeQueryStrategy lists subtrees. Every implementation must return the
// same rows in the same order for the same query.
type TreeQueryStrategy interface {
	Name() string
	Subtree(ctx context.Context, q SubtreeQuery) (*Subtree, error)
}

// Options configures an Engine.
type Options struct {
	// Strategy is one of config.TreeStrategyAuto, TreeStrategyRecursive or
	// TreeStrategyIterative. Empty means auto.
	Strategy string
	Logger   *zap.Logger
}

// Engine is the traversal engine. The subtree strategy is chosen once, from
// the store's dialect capability, when the engine is built.
type Engine struct {
	store    *store.Store
	strategy TreeQueryStrategy
	logger   *zap.Logger
}

// NewEngine builds an engine over s.
func NewEngine(s *store.Store, opts Options) (*Engine, error) {
	logger := logging.OrNop(opts.Logger).Named("hierarchy")
	dialect := s.DB().Dialect()

	var strategy TreeQueryStrategy
	switch opts.Strategy {
	case "", config.TreeStrategyAuto:
		if dialect.RecursiveCTE {
			strategy = &recursiveStrategy{store: s}
		} else {
			strategy = &iterativeStrategy{store: s}
		}
	case config.TreeStrategyRecursive:
		if !dialect.RecursiveCTE {
			return nil, fmt.Errorf("%s backend does not support recursive queries", dialect.Name)
		}
		strategy = &recursiveStrategy{store: s}
	case config.TreeStrategyIterative:
		strategy = &iterativeStrategy{store: s}
	default:
		return nil, fmt.Errorf("unknown tree strategy %q", opts.Strategy)
	}

	logger.Debug("tree strategy selected", zap.String("strategy", strategy.Name()), zap.String("dialect", dialect.Name))
	return &Engine{store: s, strategy: strategy, logger: logger}, nil
}

// Strategy returns the name of the subtree strategy in use.
func (e *Engine) Strategy() string {
	return e.strategy.Name()
}

// Ancestors returns the chain of works above workID, root first. The walk
// stops at a missing parent or at the first repeated id, returning the
// partial chain collected so far.
func (e *Engine) Ancestors(ctx context.Context, workID int64, includeSelf bool) (_ []domain.Work, err error) {
	ctx, span := tracing.StartSpan(ctx, "hierarchy.Engine.Ancestors", attribute.Int64("work.id", workID))
	defer func() { tracing.End(span, err) }()

	q := e.store.DB()
	node, err := e.store.Works.Get(ctx, q, workID)
	if err != nil {
		return nil, err
	}

	var chain []domain.Work
	if includeSelf {
		chain = append(chain, *node)
	}

	visited := map[int64]bool{node.ID: true}
	current := node
	for current.ParentID != nil {
		parentID := *current.ParentID
		if visited[parentID] {
			e.logger.Warn("cycle in ancestor chain", zap.Int64("work_id", workID), zap.Int64("repeated_id", parentID))
			break
		}
		visited[parentID] = true

		parent, err := e.store.Works.Get(ctx, q, parentID)
		if err != nil {
			if domain.IsKind(err, domain.ErrNotFound) {
				break
			}
			return nil, err
		}
		chain = append([]domain.Work{*parent}, chain...)
		current = parent
	}

	return chain, nil
}

// Descendants returns the works below workID in breadth-first order, each
// with its level (direct children are level 1), down to maxDepth levels.
func (e *Engine) Descendants(ctx context.Context, workID int64, maxDepth int, includeDeleted bool) (_ []Node, err error) {
	ctx, span := tracing.StartSpan(ctx, "hierarchy.Engine.Descendants", attribute.Int64("work.id", workID))
	defer func() { tracing.End(span, err) }()

	maxDepth, err = normalizeDepth(maxDepth)
	if err != nil {
		return nil, err
	}

	q := e.store.DB()
	root, err := e.store.Works.Get(ctx, q, workID)
	if err != nil {
		return nil, err
	}

	children, err := e.store.Works.Children(ctx, q, []int64{root.ID}, includeDeleted)
	if err != nil {
		return nil, err
	}

	var out []Node
	err = walkLevels(ctx, e.store, seedNodes(children, ""), maxDepth, includeDeleted, func(n Node) {
		out = append(out, n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Subtree returns one page of the subtree below q.RootID (or of the whole
// forest), ordered parent-before-child with siblings in id order.
func (e *Engine) Subtree(ctx context.Context, q SubtreeQuery) (_ *Subtree, err error) {
	ctx, span := tracing.StartSpan(ctx, "hierarchy.Engine.Subtree",
		attribute.String("strategy", e.strategy.Name()),
		attribute.Int("page", q.Page), attribute.Int("page_size", q.PageSize))
	defer func() { tracing.End(span, err) }()

	q, err = normalizeQuery(q)
	if err != nil {
		return nil, err
	}

	if q.RootID != nil {
		if _, err := e.store.Works.Get(ctx, e.store.DB(), *q.RootID); err != nil {
			return nil, err
		}
	}

	return e.strategy.Subtree(ctx, q)
}

func normalizeDepth(maxDepth int) (int, error) {
	switch {
	case maxDepth == 0:
		return DefaultMaxDepth, nil
	case maxDepth < 0:
		return 0, fmt.Errorf("invalid max depth %d: must be positive", maxDepth)
	case maxDepth > MaxDepthLimit:
		return 0, fmt.Errorf("invalid max depth %d: must be at most %d", maxDepth, MaxDepthLimit)
	default:
		return maxDepth, nil
	}
}

func normalizeQuery(q SubtreeQuery) (SubtreeQuery, error) {
	depth, err := normalizeDepth(q.MaxDepth)
	if err != nil {
		return q, err
	}
	q.MaxDepth = depth

	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 0 {
		return q, fmt.Errorf("invalid page %d: must be positive", q.Page)
	}

	switch {
	case q.PageSize == 0:
		q.PageSize = DefaultPageSize
	case q.PageSize < 0 || q.PageSize > MaxPageSize:
		return q, fmt.Errorf("invalid page size %d: must be between 1 and %d", q.PageSize, MaxPageSize)
	}

	if q.RootID != nil && *q.RootID <= 0 {
		return q, fmt.Errorf("invalid root id %d", *q.RootID)
	}
	return q, nil
}

func paginate(total, page, pageSize int) Pagination {
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}
}
