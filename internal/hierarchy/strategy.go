package hierarchy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/lherron/boq/internal/db"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/store"
)

// recursiveStrategy lists a subtree with one WITH RECURSIVE query. Each row
// carries its accumulated path of fixed-width ids; ordering by that path
// puts parents before children and siblings in id order.
type recursiveStrategy struct {
	store *store.Store
}

func (s *recursiveStrategy) Name() string { return "recursive" }

func (s *recursiveStrategy) Subtree(ctx context.Context, q SubtreeQuery) (*Subtree, error) {
	database := s.store.DB()
	cte, args := treeCTE(database.Dialect(), q)

	var total int
	countQuery := database.Rebind(cte + " SELECT COUNT(*) FROM tree")
	if err := sqlx.GetContext(ctx, database, &total, countQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to count subtree: %w", err)
	}

	// Times are read from works rather than from the CTE, whose columns lose
	// their declared types on some drivers.
	cols := append(store.WorkColumns("w"), "t.depth AS level", "t.path AS path")
	from := "tree t JOIN works w ON w.id = t.id"
	if q.IncludeUnitInfo {
		cols = append(cols, "u.name AS unit_name")
		from += " LEFT JOIN units u ON u.id = w.unit_id"
	}

	rowsQuery := database.Rebind(fmt.Sprintf("%s SELECT %s FROM %s ORDER BY t.path LIMIT ? OFFSET ?",
		cte, strings.Join(cols, ", "), from))
	rowArgs := append(append([]any{}, args...), q.PageSize, (q.Page-1)*q.PageSize)

	rows := []Node{}
	if err := sqlx.SelectContext(ctx, database, &rows, rowsQuery, rowArgs...); err != nil {
		return nil, fmt.Errorf("failed to list subtree: %w", err)
	}

	return &Subtree{Rows: rows, Pagination: paginate(total, q.Page, q.PageSize)}, nil
}

// treeCTE builds the WITH RECURSIVE prefix shared by the count and row
// queries, with ? placeholders.
func treeCTE(d db.Dialect, q SubtreeQuery) (string, []any) {
	var args []any

	seed := "w.parent_id IS NULL"
	if q.RootID != nil {
		seed = "w.parent_id = ?"
		args = append(args, *q.RootID)
	}
	if !q.IncludeDeleted {
		seed += " AND w.marked_for_deletion = ?"
		args = append(args, false)
	}

	step := "t.depth < ? AND NOT (" + d.Contains("t.path", d.PathKey("c.id")) + ")"
	args = append(args, q.MaxDepth)
	if !q.IncludeDeleted {
		step += " AND c.marked_for_deletion = ?"
		args = append(args, false)
	}

	cte := fmt.Sprintf(`WITH RECURSIVE tree (id, path, depth) AS (
	SELECT w.id, %s, 1 FROM works w WHERE %s
	UNION ALL
	SELECT c.id, %s, t.depth + 1
	FROM works c JOIN tree t ON c.parent_id = t.id
	WHERE %s
)`, d.PathSeed(d.PathKey("w.id")), seed, d.PathExtend("t.path", d.PathKey("c.id")), step)

	return cte, args
}

// iterativeStrategy walks the tree level by level with one children query
// per level, then sorts and paginates in memory.
type iterativeStrategy struct {
	store *store.Store
}

func (s *iterativeStrategy) Name() string { return "iterative" }

func (s *iterativeStrategy) Subtree(ctx context.Context, q SubtreeQuery) (*Subtree, error) {
	database := s.store.DB()

	var seeds []domain.Work
	var err error
	if q.RootID != nil {
		seeds, err = s.store.Works.Children(ctx, database, []int64{*q.RootID}, q.IncludeDeleted)
	} else {
		seeds, err = s.store.Works.Roots(ctx, database, q.IncludeDeleted)
	}
	if err != nil {
		return nil, err
	}

	var all []Node
	err = walkLevels(ctx, s.store, seedNodes(seeds, ""), q.MaxDepth, q.IncludeDeleted, func(n Node) {
		all = append(all, n)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })

	start := (q.Page - 1) * q.PageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + q.PageSize
	if end > len(all) {
		end = len(all)
	}
	rows := append([]Node{}, all[start:end]...)

	if q.IncludeUnitInfo {
		if err := attachUnitNames(ctx, s.store, rows); err != nil {
			return nil, err
		}
	}

	return &Subtree{Rows: rows, Pagination: paginate(len(all), q.Page, q.PageSize)}, nil
}

func attachUnitNames(ctx context.Context, s *store.Store, rows []Node) error {
	var ids []int64
	for _, r := range rows {
		if r.UnitID != nil {
			ids = append(ids, *r.UnitID)
		}
	}
	units, err := s.Units.GetMany(ctx, s.DB(), ids)
	if err != nil {
		return err
	}
	for i := range rows {
		if rows[i].UnitID == nil {
			continue
		}
		if u, ok := units[*rows[i].UnitID]; ok {
			name := u.Name
			rows[i].UnitName = &name
		}
	}
	return nil
}

// seedNodes places works at level 1 below parentPath.
func seedNodes(works []domain.Work, parentPath string) []Node {
	out := make([]Node, len(works))
	for i, w := range works {
		out[i] = Node{Work: w, Level: 1, Path: db.ExtendPath(parentPath, w.ID)}
	}
	return out
}

// walkLevels visits frontier and everything below it breadth-first, down to
// maxDepth levels. A work is visited at most once even when a cycle leads
// back to it.
func walkLevels(ctx context.Context, s *store.Store, frontier []Node, maxDepth int, includeDeleted bool, visit func(Node)) error {
	processed := make(map[int64]bool)

	for len(frontier) > 0 {
		var expand []Node
		for _, n := range frontier {
			if processed[n.ID] {
				continue
			}
			processed[n.ID] = true
			visit(n)
			if n.Level < maxDepth {
				expand = append(expand, n)
			}
		}
		if len(expand) == 0 {
			return nil
		}

		ids := make([]int64, len(expand))
		for i, n := range expand {
			ids[i] = n.ID
		}
		children, err := s.Works.Children(ctx, s.DB(), ids, includeDeleted)
		if err != nil {
			return err
		}

		byParent := make(map[int64][]domain.Work, len(expand))
		for _, c := range children {
			byParent[*c.ParentID] = append(byParent[*c.ParentID], c)
		}

		// Children follow their parents' order within the level, matching a
		// single FIFO queue.
		frontier = frontier[:0:0]
		for _, p := range expand {
			for _, c := range byParent[p.ID] {
				frontier = append(frontier, Node{Work: c, Level: p.Level + 1, Path: db.ExtendPath(p.Path, c.ID)})
			}
		}
	}
	return nil
}
