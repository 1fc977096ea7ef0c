package hierarchy

import (
	"context"
	"fmt"
	"slices"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lherron/boq/internal/tracing"
)

// Depth estimation bounds
const (
	depthSampleSize = 100
	depthWalkLimit  = 1000
)

// Statistics summarizes the shape and health of the hierarchy. Deleted works
// are not counted.
type Statistics struct {
	TotalWorks          int     `json:"total_works"`
	RootCount           int     `json:"root_count"`
	OrphanCount         int     `json:"orphan_count"`
	GroupCount          int     `json:"group_count"`
	UnflaggedParents    int     `json:"unflagged_parents"`
	AverageChildren     float64 `json:"average_children"`
	MaxDepthEstimate    int     `json:"max_depth_estimate"`
	DepthSampleSize     int     `json:"depth_sample_size"`
	MaxDepthIsEstimated bool    `json:"max_depth_is_estimated"`
}

// Statistics computes hierarchy metrics. The maximum depth is estimated from
// a bounded sample of leaves and may undercount.
func (e *Engine) Statistics(ctx context.Context) (_ *Statistics, err error) {
	ctx, span := tracing.StartSpan(ctx, "hierarchy.Engine.Statistics")
	defer func() { tracing.End(span, err) }()

	database := e.store.DB()
	stats := &Statistics{MaxDepthIsEstimated: true}

	g, gctx := errgroup.WithContext(ctx)
	count := func(dst *int, query string, args ...any) func() error {
		return func() error {
			if err := sqlx.GetContext(gctx, database, dst, database.Rebind(query), args...); err != nil {
				return fmt.Errorf("failed to compute hierarchy statistics: %w", err)
			}
			return nil
		}
	}

	var children, parents int
	g.Go(count(&stats.TotalWorks, "SELECT COUNT(*) FROM works WHERE marked_for_deletion = ?", false))
	g.Go(count(&stats.RootCount, "SELECT COUNT(*) FROM works WHERE parent_id IS NULL AND marked_for_deletion = ?", false))
	g.Go(count(&stats.GroupCount, "SELECT COUNT(*) FROM works WHERE is_group = ? AND marked_for_deletion = ?", true, false))
	g.Go(count(&children, "SELECT COUNT(*) FROM works WHERE parent_id IS NOT NULL AND marked_for_deletion = ?", false))
	g.Go(count(&parents, `SELECT COUNT(DISTINCT c.parent_id) FROM works c
		JOIN works p ON p.id = c.parent_id
		WHERE c.marked_for_deletion = ? AND p.marked_for_deletion = ?`, false, false))
	g.Go(count(&stats.UnflaggedParents, `SELECT COUNT(DISTINCT c.parent_id) FROM works c
		JOIN works p ON p.id = c.parent_id
		WHERE c.marked_for_deletion = ? AND p.marked_for_deletion = ? AND p.is_group = ?`, false, false, false))
	g.Go(func() error {
		orphans, err := e.store.OrphanedParents(gctx, database, 1)
		if err != nil {
			return err
		}
		stats.OrphanCount = orphans.Count
		return nil
	})
	g.Go(func() error {
		depth, sampled, err := e.estimateMaxDepth(gctx)
		if err != nil {
			return err
		}
		stats.MaxDepthEstimate, stats.DepthSampleSize = depth, sampled
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Children under orphaned parents are excluded from the average.
	if parents > 0 {
		stats.AverageChildren = float64(children-stats.OrphanCount) / float64(parents)
	}
	return stats, nil
}

// estimateMaxDepth walks up from a sample of leaves, one batched parent
// lookup per level, and returns the longest chain seen (a root is depth 1).
func (e *Engine) estimateMaxDepth(ctx context.Context) (int, int, error) {
	database := e.store.DB()

	var leaves []int64
	err := sqlx.SelectContext(ctx, database, &leaves, database.Rebind(`
		SELECT w.id FROM works w
		WHERE w.marked_for_deletion = ? AND NOT EXISTS (
			SELECT 1 FROM works c WHERE c.parent_id = w.id AND c.marked_for_deletion = ?)
		ORDER BY w.id DESC LIMIT ?`), false, false, depthSampleSize)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sample leaves: %w", err)
	}

	type walker struct {
		current int64
		depth   int
		seen    map[int64]bool
		done    bool
	}
	walkers := make([]*walker, len(leaves))
	for i, id := range leaves {
		walkers[i] = &walker{current: id, depth: 1, seen: map[int64]bool{id: true}}
	}

	parentOf := make(map[int64]*int64)
	missing := make(map[int64]bool)
	for round := 0; round < depthWalkLimit; round++ {
		var need []int64
		for _, w := range walkers {
			if _, cached := parentOf[w.current]; !w.done && !cached {
				need = append(need, w.current)
			}
		}
		slices.Sort(need)
		need = slices.Compact(need)

		if len(need) > 0 {
			links, err := e.store.Works.ParentLinks(ctx, database, need)
			if err != nil {
				return 0, 0, err
			}
			for _, id := range need {
				parent, ok := links[id]
				if !ok {
					missing[id] = true
				}
				parentOf[id] = parent
			}
		}

		active := false
		for _, w := range walkers {
			if w.done {
				continue
			}
			if missing[w.current] {
				// Dangling parent link: the last step did not reach a work.
				w.depth--
				w.done = true
				continue
			}
			parent := parentOf[w.current]
			if parent == nil || w.seen[*parent] {
				w.done = true
				continue
			}
			w.seen[*parent] = true
			w.current = *parent
			w.depth++
			active = true
		}
		if !active {
			break
		}
	}

	maxDepth := 0
	for _, w := range walkers {
		if !w.done {
			e.logger.Warn("depth walk limit reached", zap.Int64("current", w.current), zap.Int("depth", w.depth))
		}
		maxDepth = max(maxDepth, w.depth)
	}
	return maxDepth, len(leaves), nil
}

// Suggestion is one finding of Optimize.
type Suggestion struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Suggestion kinds and severities
const (
	SuggestMissingIndex   = "missing_index"
	SuggestOrphans        = "orphaned_works"
	SuggestExcessiveDepth = "excessive_depth"
	SuggestUnflagged      = "unflagged_parents"

	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// OptimizationResult is the read-only analysis returned by Optimize.
type OptimizationResult struct {
	IndexedColumns []string     `json:"indexed_columns"`
	Suggestions    []Suggestion `json:"suggestions"`
	Statistics     *Statistics  `json:"statistics"`
}

// Optimize inspects indexes and hierarchy health and returns advice. It
// changes nothing.
func (e *Engine) Optimize(ctx context.Context, maxDepth int) (_ *OptimizationResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "hierarchy.Engine.Optimize")
	defer func() { tracing.End(span, err) }()

	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	indexed, err := e.store.DB().IndexedColumns(ctx, "works")
	if err != nil {
		return nil, err
	}
	stats, err := e.Statistics(ctx)
	if err != nil {
		return nil, err
	}

	result := &OptimizationResult{IndexedColumns: indexed, Statistics: stats}
	for _, col := range []string{"parent_id", "unit_id"} {
		if !slices.Contains(indexed, col) {
			result.Suggestions = append(result.Suggestions, Suggestion{
				Kind:     SuggestMissingIndex,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("works.%s has no index; add CREATE INDEX idx_works_%s ON works(%s)", col, col, col),
			})
		}
	}
	if stats.OrphanCount > 0 {
		result.Suggestions = append(result.Suggestions, Suggestion{
			Kind:     SuggestOrphans,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("%d work(s) reference a missing or deleted parent", stats.OrphanCount),
		})
	}
	if stats.MaxDepthEstimate > maxDepth {
		result.Suggestions = append(result.Suggestions, Suggestion{
			Kind:     SuggestExcessiveDepth,
			Severity: SeverityWarning,
			Message: fmt.Sprintf("hierarchy is at least %d levels deep; traversals limited to %d levels will be truncated",
				stats.MaxDepthEstimate, maxDepth),
		})
	}
	if stats.UnflaggedParents > 0 {
		result.Suggestions = append(result.Suggestions, Suggestion{
			Kind:     SuggestUnflagged,
			Severity: SeverityInfo,
			Message:  fmt.Sprintf("%d work(s) have children but are not marked as groups", stats.UnflaggedParents),
		})
	}
	return result, nil
}
