// Package integrity validates unit and parent references of works, detects
// hierarchy cycles and performs batched unit reassignment.
package integrity

import (
	"context"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lherron/boq/internal/bulk"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/logging"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/tracing"
)

// Checks selects which references ValidateBatch inspects. A missing record
// is always reported.
type Checks struct {
	Units     bool
	Hierarchy bool
}

// RecordReport is the verdict on one record. No errors means valid.
type RecordReport struct {
	WorkID int64
	Errors []*domain.RecordError
}

// Valid reports whether the record passed every check.
func (r RecordReport) Valid() bool {
	return len(r.Errors) == 0
}

// BatchReport is the outcome of validating one batch, in input order.
type BatchReport struct {
	Records []RecordReport
}

// Counts returns the number of valid and invalid records.
func (r *BatchReport) Counts() (valid, invalid int) {
	for _, rec := range r.Records {
		if rec.Valid() {
			valid++
		} else {
			invalid++
		}
	}
	return valid, invalid
}

// Validator checks referential integrity of works.
type Validator struct {
	store  *store.Store
	logger *zap.Logger
}

// NewValidator builds a validator over s.
func NewValidator(s *store.Store, logger *zap.Logger) *Validator {
	return &Validator{store: s, logger: logging.OrNop(logger).Named("integrity")}
}

// ValidateBatch validates ids using q. Records are fetched in one query;
// referenced units and parents in one more each. Every record is judged
// independently and may carry several errors.
func (v *Validator) ValidateBatch(ctx context.Context, q sqlx.QueryerContext, ids []int64, checks Checks) (*BatchReport, error) {
	works, err := v.store.Works.GetMany(ctx, q, ids)
	if err != nil {
		return nil, domain.Critical(err, "failed to load batch")
	}

	var unitIDs, parentIDs []int64
	for _, w := range works {
		if checks.Units && w.UnitID != nil {
			unitIDs = append(unitIDs, *w.UnitID)
		}
		if checks.Hierarchy && w.ParentID != nil {
			parentIDs = append(parentIDs, *w.ParentID)
		}
	}

	units, err := v.store.Units.GetMany(ctx, q, unitIDs)
	if err != nil {
		return nil, domain.Critical(err, "failed to load referenced units")
	}
	parents, err := v.store.Works.GetMany(ctx, q, parentIDs)
	if err != nil {
		return nil, domain.Critical(err, "failed to load referenced parents")
	}

	links := make(map[int64]int64)
	if checks.Hierarchy {
		for _, w := range works {
			if w.ParentID != nil {
				links[w.ID] = *w.ParentID
			}
		}
	}
	cycles, err := findCycles(ctx, v.store, q, links)
	if err != nil {
		return nil, domain.Critical(err, "failed to check hierarchy")
	}

	report := &BatchReport{Records: make([]RecordReport, 0, len(ids))}
	for _, id := range ids {
		w, ok := works[id]
		if !ok {
			report.Records = append(report.Records, RecordReport{WorkID: id, Errors: []*domain.RecordError{domain.NotFound(id)}})
			continue
		}

		var recErrs []*domain.RecordError
		if checks.Units && w.UnitID != nil {
			if u, ok := units[*w.UnitID]; !ok {
				recErrs = append(recErrs, domain.InvalidReference(id, "unit %d does not exist", *w.UnitID))
			} else if u.MarkedForDeletion {
				recErrs = append(recErrs, domain.InvalidReference(id, "unit %d is marked for deletion", *w.UnitID))
			}
		}
		if checks.Hierarchy && w.ParentID != nil {
			if p, ok := parents[*w.ParentID]; !ok {
				recErrs = append(recErrs, domain.InvalidReference(id, "orphaned: parent %d does not exist", *w.ParentID))
			} else if p.MarkedForDeletion {
				recErrs = append(recErrs, domain.InvalidReference(id, "orphaned: parent %d is marked for deletion", *w.ParentID))
			}
			if cycles[id] {
				recErrs = append(recErrs, domain.CircularReference(id, *w.ParentID))
			}
		}

		report.Records = append(report.Records, RecordReport{WorkID: id, Errors: recErrs})
	}
	return report, nil
}

// ValidationResult aggregates ValidateBatch over every batch of a call.
type ValidationResult struct {
	ValidCount   int
	InvalidCount int
	Batches      int
	Total        int
	Errors       domain.ErrorList
}

// Validate chunks ids into batches and validates each. A storage failure in
// one batch is reported and counts that batch's records as invalid.
func (v *Validator) Validate(ctx context.Context, ids []int64, checks Checks, batchSize int) (_ *ValidationResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "integrity.Validator.Validate",
		attribute.Int("ids", len(ids)), attribute.Int("batch_size", batchSize))
	defer func() { tracing.End(span, err) }()

	op := bulk.Operation{BatchSize: batchSize, ContinueOnError: true}
	res := bulk.Run(ctx, op, ids, func(ctx context.Context, b *bulk.Batch, batch []int64) error {
		report, err := v.ValidateBatch(ctx, v.store.DB(), batch, checks)
		if err != nil {
			v.logger.Error("batch validation failed", zap.Int("batch", b.Index+1), zap.Error(err))
			return err
		}
		for _, rec := range report.Records {
			if rec.Valid() {
				b.Succeed()
				continue
			}
			b.Fail(rec.Errors[0])
			for _, e := range rec.Errors[1:] {
				b.Note(e)
			}
		}
		return nil
	})

	return &ValidationResult{
		ValidCount:   res.Succeeded,
		InvalidCount: res.Failed,
		Batches:      res.Batches,
		Total:        res.TotalItems,
		Errors:       res.Errors,
	}, nil
}

// findCycles reports, for each child -> candidate parent pair, whether the
// parent's ancestor chain (deleted works included) reaches the child. All
// chains advance together with one parent lookup per level.
func findCycles(ctx context.Context, s *store.Store, q sqlx.QueryerContext, links map[int64]int64) (map[int64]bool, error) {
	type walk struct {
		child   int64
		current int64
		seen    map[int64]bool
	}

	cycles := make(map[int64]bool)
	var active []*walk
	for child, parent := range links {
		if child == parent {
			cycles[child] = true
			continue
		}
		active = append(active, &walk{child: child, current: parent, seen: map[int64]bool{parent: true}})
	}

	parentOf := make(map[int64]*int64)
	for len(active) > 0 {
		var need []int64
		for _, w := range active {
			if _, ok := parentOf[w.current]; !ok {
				need = append(need, w.current)
			}
		}
		if len(need) > 0 {
			fetched, err := s.Works.ParentLinks(ctx, q, need)
			if err != nil {
				return nil, err
			}
			for _, id := range need {
				parentOf[id] = fetched[id]
			}
		}

		next := active[:0]
		for _, w := range active {
			parent := parentOf[w.current]
			switch {
			case parent == nil:
			case *parent == w.child:
				cycles[w.child] = true
			case w.seen[*parent]:
				// A loop above the candidate parent that does not pass
				// through the child.
			default:
				w.seen[*parent] = true
				w.current = *parent
				next = append(next, w)
			}
		}
		active = next
	}
	return cycles, nil
}
