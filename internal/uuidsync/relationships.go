package uuidsync

import (
	"context"

	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/tracing"
)

// DefaultSampleSize bounds the offending values listed per check.
const DefaultSampleSize = 10

// uuidReference is one uuid-valued foreign key.
type uuidReference struct {
	table, column, target string
}

var uuidReferences = []uuidReference{
	{"estimate_lines", "work_uuid", "works"},
	{"estimate_lines", "unit_uuid", "units"},
}

// RelationshipReport lists orphaned references per table and column.
type RelationshipReport struct {
	Checks       []store.OrphanedReferences
	TotalOrphans int
}

// Clean reports whether no orphan was found.
func (r *RelationshipReport) Clean() bool {
	return r.TotalOrphans == 0
}

// ValidateUUIDRelationships checks every uuid-valued reference of dependent
// records, and the parent links of works, against live rows.
func (e *Engine) ValidateUUIDRelationships(ctx context.Context, sampleSize int) (_ *RelationshipReport, err error) {
	ctx, span := tracing.StartSpan(ctx, "uuidsync.Engine.ValidateUUIDRelationships")
	defer func() { tracing.End(span, err) }()

	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}
	database := e.store.DB()
	report := &RelationshipReport{}

	for _, ref := range uuidReferences {
		orphans, err := e.store.OrphanedUUIDRefs(ctx, database, ref.table, ref.column, ref.target, sampleSize)
		if err != nil {
			return nil, domain.Critical(err, "failed to check %s.%s", ref.table, ref.column)
		}
		report.Checks = append(report.Checks, *orphans)
		report.TotalOrphans += orphans.Count
	}

	parents, err := e.store.OrphanedParents(ctx, database, sampleSize)
	if err != nil {
		return nil, domain.Critical(err, "failed to check works.parent_id")
	}
	report.Checks = append(report.Checks, *parents)
	report.TotalOrphans += parents.Count

	return report, nil
}
