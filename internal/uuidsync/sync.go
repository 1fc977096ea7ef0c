package uuidsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pmezard/go-difflib/difflib"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/events"
	"github.com/lherron/boq/internal/integrity"
	"github.com/lherron/boq/internal/snapshot"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/tracing"
)

// Direction says which side of an exchange may change.
type Direction string

const (
	// DirectionPull applies external state locally.
	DirectionPull Direction = "pull"
	// DirectionPush never mutates local works; local snapshots that should
	// win are returned in SyncResult.Outgoing.
	DirectionPush Direction = "push"
	// DirectionBoth does both.
	DirectionBoth Direction = "both"
)

// Strategy resolves a conflict: a uuid known on both sides with differing
// updated_at.
type Strategy string

const (
	StrategyLatestWins   Strategy = "latest-wins"
	StrategyMerge        Strategy = "merge-non-conflicting"
	StrategyManualReview Strategy = "manual-review"
	StrategySkip         Strategy = "skip-conflict"
)

// ParseDirection validates a direction name.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionPull, DirectionPush, DirectionBoth:
		return d, nil
	}
	return "", fmt.Errorf("invalid direction %q: must be one of: pull, push, both", s)
}

// ParseStrategy validates a conflict strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyLatestWins, StrategyMerge, StrategyManualReview, StrategySkip:
		return st, nil
	}
	return "", fmt.Errorf("invalid strategy %q: must be one of: latest-wins, merge-non-conflicting, manual-review, skip-conflict", s)
}

func (d Direction) pulls() bool { return d == DirectionPull || d == DirectionBoth }
func (d Direction) pushes() bool { return d == DirectionPush || d == DirectionBoth }

// SyncResult summarizes one Synchronize call. When Committed is false none
// of the counted changes are durable and Errors holds the cause.
type SyncResult struct {
	Created           int
	Updated           int
	Skipped           int
	ConflictsDetected int
	ConflictsResolved int
	Committed         bool
	Errors            domain.ErrorList
	Outgoing          []snapshot.WorkSnapshot
}

// syncRun carries the state of one Synchronize call.
type syncRun struct {
	e         *Engine
	tx        *sqlx.Tx
	ew        *events.Writer
	direction Direction
	strategy  Strategy
	now       time.Time

	local     map[string]*domain.Work
	localSnap map[string]snapshot.WorkSnapshot
	units     map[string]*domain.Unit
	result    *SyncResult
}

// Synchronize applies an external batch of snapshots. Conflicts are found
// up front by one uuid lookup; records are then processed once each, parents
// before their children, each in its own savepoint so a failing record does
// not stop the rest. Everything commits together; a failed commit is
// reported as a single critical error and nothing is kept.
func (e *Engine) Synchronize(ctx context.Context, batch []snapshot.WorkSnapshot, direction Direction, strategy Strategy) (_ *SyncResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "uuidsync.Engine.Synchronize",
		attribute.Int("records", len(batch)), attribute.String("direction", string(direction)),
		attribute.String("strategy", string(strategy)))
	defer func() { tracing.End(span, err) }()

	if _, err := ParseDirection(string(direction)); err != nil {
		return nil, err
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}

	result := &SyncResult{}
	txErr := e.store.WithTx(ctx, func(tx *sqlx.Tx, ew *events.Writer) error {
		run := &syncRun{
			e: e, tx: tx, ew: ew, direction: direction, strategy: strategy,
			now: domain.Now(), result: result,
		}
		return run.execute(ctx, batch)
	})
	if txErr != nil {
		msg := "synchronization aborted"
		if store.IsCommitError(txErr) {
			msg = "synchronization batch could not be committed"
		}
		e.logger.Error(msg, zap.Int("records", len(batch)), zap.Error(txErr))
		failed := &SyncResult{}
		failed.Errors.Add(domain.Critical(txErr, "%s", msg))
		return failed, nil
	}

	result.Committed = true
	e.logger.Info("synchronization finished",
		zap.Int("created", result.Created), zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped), zap.Int("conflicts", result.ConflictsDetected),
		zap.Int("resolved", result.ConflictsResolved), zap.Int("outgoing", len(result.Outgoing)))
	return result, nil
}

func (r *syncRun) execute(ctx context.Context, batch []snapshot.WorkSnapshot) error {
	// One lookup for every uuid the batch names: records and their parents.
	var uuids, unitUUIDs []string
	for _, rec := range batch {
		uuids = append(uuids, rec.UUID)
		if rec.ParentUUID != "" {
			uuids = append(uuids, rec.ParentUUID)
		}
		if rec.UnitUUID != "" {
			unitUUIDs = append(unitUUIDs, rec.UnitUUID)
		}
	}

	var err error
	if r.local, err = r.e.store.Works.GetByUUIDs(ctx, r.tx, uuids); err != nil {
		return err
	}
	if r.units, err = r.e.store.Units.GetByUUIDs(ctx, r.tx, unitUUIDs); err != nil {
		return err
	}

	var matched []domain.Work
	for _, rec := range batch {
		w, ok := r.local[rec.UUID]
		if !ok {
			continue
		}
		matched = append(matched, *w)
		if rec.UpdatedAt != nil && !sameInstant(*rec.UpdatedAt, w.UpdatedAt) {
			r.result.ConflictsDetected++
		}
	}
	byID, err := r.e.snapshotsFor(ctx, r.tx, matched)
	if err != nil {
		return err
	}
	r.localSnap = make(map[string]snapshot.WorkSnapshot, len(byID))
	for _, s := range byID {
		r.localSnap[s.UUID] = s
	}

	for i, rec := range orderParentsFirst(batch) {
		err := store.Savepoint(ctx, r.tx, savepointName("sync", i), func() error {
			return r.apply(ctx, rec)
		})
		if err != nil {
			var re *domain.RecordError
			if !errors.As(err, &re) {
				re = domain.Critical(err, "failed to synchronize")
			}
			re.UUID = rec.UUID
			r.result.Errors.Add(re)
		}
	}
	return nil
}

func (r *syncRun) apply(ctx context.Context, rec snapshot.WorkSnapshot) error {
	if err := checkRecord(rec); err != nil {
		return err
	}

	local, ok := r.local[rec.UUID]
	if !ok {
		if !r.direction.pulls() {
			r.result.Skipped++
			return nil
		}
		return r.create(ctx, rec)
	}

	if rec.UpdatedAt == nil || sameInstant(*rec.UpdatedAt, local.UpdatedAt) {
		r.result.Skipped++
		return nil
	}

	switch r.strategy {
	case StrategyLatestWins:
		return r.latestWins(ctx, local, rec)
	case StrategyMerge:
		return r.merge(ctx, local, rec)
	case StrategyManualReview:
		return r.manualReview(ctx, local, rec)
	default:
		r.result.Skipped++
		return nil
	}
}

func (r *syncRun) create(ctx context.Context, rec snapshot.WorkSnapshot) error {
	unitID, parentID, err := r.resolveRefs(rec)
	if err != nil {
		return err
	}

	uuid := rec.UUID
	w := &domain.Work{
		UUID:              &uuid,
		Name:              rec.Name,
		Code:              rec.Code,
		UnitID:            unitID,
		Price:             rec.Price,
		LaborRate:         rec.LaborRate,
		ParentID:          parentID,
		IsGroup:           rec.IsGroup,
		MarkedForDeletion: rec.MarkedForDeletion,
		CreatedAt:         r.now,
		UpdatedAt:         r.now,
	}
	if rec.LegacyUnit != "" {
		legacy := rec.LegacyUnit
		w.LegacyUnit = &legacy
	}
	if rec.UpdatedAt != nil {
		w.UpdatedAt = rec.UpdatedAt.UTC()
	}

	created, err := r.e.store.Works.Create(ctx, r.tx, w)
	if err != nil {
		return err
	}
	if err := r.ew.LogWork(ctx, r.tx, created, events.WorkCreated, map[string]any{"source": "sync"}); err != nil {
		return err
	}

	r.local[rec.UUID] = created
	r.result.Created++
	return nil
}

func (r *syncRun) latestWins(ctx context.Context, local *domain.Work, rec snapshot.WorkSnapshot) error {
	externalNewer := rec.UpdatedAt.After(local.UpdatedAt)

	if !externalNewer {
		if r.direction.pushes() {
			r.result.Outgoing = append(r.result.Outgoing, r.localSnap[rec.UUID])
		}
		r.result.ConflictsResolved++
		r.result.Skipped++
		return nil
	}
	if !r.direction.pulls() {
		r.result.ConflictsResolved++
		r.result.Skipped++
		return nil
	}

	unitID, parentID, err := r.resolveRefs(rec)
	if err != nil {
		return err
	}
	var legacy any
	if rec.LegacyUnit != "" {
		legacy = rec.LegacyUnit
	}
	fields := map[string]any{
		"name":                rec.Name,
		"code":                rec.Code,
		"unit_id":             unitID,
		"legacy_unit":         legacy,
		"price":               rec.Price,
		"labor_rate":          rec.LaborRate,
		"parent_id":           parentID,
		"is_group":            rec.IsGroup,
		"marked_for_deletion": rec.MarkedForDeletion,
		"updated_at":          rec.UpdatedAt.UTC(),
	}
	if err := r.update(ctx, local, fields, rec.UUID); err != nil {
		return err
	}
	r.result.ConflictsResolved++
	return nil
}

// merge reconciles field by field: text takes a differing, non-empty
// external value; numbers take a non-zero external value only over a local
// zero. is_group and the parent keep the local value.
func (r *syncRun) merge(ctx context.Context, local *domain.Work, rec snapshot.WorkSnapshot) error {
	fields := map[string]any{}
	if rec.Name != "" && rec.Name != local.Name {
		fields["name"] = rec.Name
	}
	if rec.Code != "" && rec.Code != local.Code {
		fields["code"] = rec.Code
	}
	if local.Price == 0 && rec.Price != 0 {
		fields["price"] = rec.Price
	}
	if local.LaborRate == 0 && rec.LaborRate != 0 {
		fields["labor_rate"] = rec.LaborRate
	}

	if r.direction.pushes() {
		out := r.localSnap[rec.UUID]
		applyMerged(&out, fields)
		if out.UpdatedAt == nil || rec.UpdatedAt.After(*out.UpdatedAt) {
			out.UpdatedAt = rec.UpdatedAt
		}
		r.result.Outgoing = append(r.result.Outgoing, out)
	}

	r.result.ConflictsResolved++
	if len(fields) == 0 || !r.direction.pulls() {
		r.result.Skipped++
		return nil
	}

	updated := local.UpdatedAt
	if rec.UpdatedAt.After(updated) {
		updated = rec.UpdatedAt.UTC()
	}
	fields["updated_at"] = updated
	return r.update(ctx, local, fields, rec.UUID)
}

func applyMerged(s *snapshot.WorkSnapshot, fields map[string]any) {
	if v, ok := fields["name"].(string); ok {
		s.Name = v
	}
	if v, ok := fields["code"].(string); ok {
		s.Code = v
	}
	if v, ok := fields["price"].(float64); ok {
		s.Price = v
	}
	if v, ok := fields["labor_rate"].(float64); ok {
		s.LaborRate = v
	}
}

func (r *syncRun) manualReview(ctx context.Context, local *domain.Work, rec snapshot.WorkSnapshot) error {
	diff, err := conflictDiff(r.localSnap[rec.UUID], rec)
	if err != nil {
		return err
	}
	if err := r.ew.LogWork(ctx, r.tx, local, events.WorkSyncConflict, map[string]any{
		"local_updated_at":    snapshot.FormatTimestamp(local.UpdatedAt),
		"external_updated_at": snapshot.FormatTimestamp(*rec.UpdatedAt),
		"diff":                diff,
	}); err != nil {
		return err
	}

	// The event above must survive, so the conflict is reported rather than
	// returned through the savepoint.
	r.result.Skipped++
	r.result.Errors.Add(&domain.RecordError{
		Kind:    domain.ErrConflictUnresolved,
		WorkID:  local.ID,
		UUID:    rec.UUID,
		Message: "conflicting changes queued for manual review",
	})
	return nil
}

// update writes fields, checks the result for a parent cycle and refreshes
// the in-call view of the work.
func (r *syncRun) update(ctx context.Context, local *domain.Work, fields map[string]any, uuid string) error {
	if err := r.e.store.Works.UpdateFields(ctx, r.tx, local.ID, fields); err != nil {
		return err
	}
	if _, ok := fields["parent_id"]; ok && r.e.validator != nil {
		report, err := r.e.validator.ValidateBatch(ctx, r.tx, []int64{local.ID}, integrity.Checks{Hierarchy: true})
		if err != nil {
			return err
		}
		for _, re := range report.Records[0].Errors {
			if re.Kind == domain.ErrCircularReference {
				return re
			}
		}
	}

	changed := sortedFieldNames(fields)
	if err := r.ew.LogWork(ctx, r.tx, local, events.WorkSynced, map[string]any{
		"strategy": string(r.strategy),
		"fields":   changed,
	}); err != nil {
		return err
	}

	fresh, err := r.e.store.Works.Get(ctx, r.tx, local.ID)
	if err != nil {
		return err
	}
	r.local[uuid] = fresh
	r.result.Updated++
	return nil
}

// resolveRefs maps the external unit and parent uuids to local ids. An
// empty uuid means no reference; an unknown one is an InvalidReference.
func (r *syncRun) resolveRefs(rec snapshot.WorkSnapshot) (unitID, parentID *int64, err error) {
	if rec.UnitUUID != "" {
		u, ok := r.units[rec.UnitUUID]
		if !ok {
			return nil, nil, &domain.RecordError{Kind: domain.ErrInvalidReference, UUID: rec.UUID,
				Message: fmt.Sprintf("unit %s does not exist locally", rec.UnitUUID)}
		}
		unitID = &u.ID
	}
	if rec.ParentUUID != "" {
		p, ok := r.local[rec.ParentUUID]
		if !ok {
			return nil, nil, &domain.RecordError{Kind: domain.ErrInvalidReference, UUID: rec.UUID,
				Message: fmt.Sprintf("parent %s does not exist locally", rec.ParentUUID)}
		}
		parentID = &p.ID
	}
	return unitID, parentID, nil
}

// conflictDiff renders a unified diff of the local and external snapshots.
func conflictDiff(local, external snapshot.WorkSnapshot) (string, error) {
	a, err := json.MarshalIndent(local, "", "  ")
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(external, "", "  ")
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a) + "\n"),
		B:        difflib.SplitLines(string(b) + "\n"),
		FromFile: "local",
		ToFile:   "external",
		Context:  1,
	})
}

// orderParentsFirst returns batch reordered so a record whose parent is also
// in the batch comes after that parent. Otherwise input order is kept.
// Parent loops inside the batch are broken at the first record visited.
func orderParentsFirst(batch []snapshot.WorkSnapshot) []snapshot.WorkSnapshot {
	index := make(map[string]int, len(batch))
	for i, rec := range batch {
		if _, dup := index[rec.UUID]; !dup {
			index[rec.UUID] = i
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(batch))
	out := make([]snapshot.WorkSnapshot, 0, len(batch))

	var visit func(i int)
	visit = func(i int) {
		if state[i] != unvisited {
			return
		}
		state[i] = visiting
		if p, ok := index[batch[i].ParentUUID]; ok && batch[i].ParentUUID != "" {
			visit(p)
		}
		state[i] = done
		out = append(out, batch[i])
	}
	for i := range batch {
		visit(i)
	}
	return out
}

func sortedFieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		if k != "updated_at" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// checkRecord rejects a record whose uuids or amounts cannot be stored.
func checkRecord(rec snapshot.WorkSnapshot) error {
	if err := domain.ValidateUUID(rec.UUID); err != nil {
		return domain.InvalidReference(0, "uuid: %v", err)
	}
	for _, ref := range []struct{ field, value string }{
		{"parent_uuid", rec.ParentUUID},
		{"unit_uuid", rec.UnitUUID},
	} {
		if ref.value == "" {
			continue
		}
		if err := domain.ValidateUUID(ref.value); err != nil {
			return domain.InvalidReference(0, "%s: %v", ref.field, err)
		}
	}
	if err := domain.ValidateAmount("price", rec.Price); err != nil {
		return domain.InvalidReference(0, "%v", err)
	}
	if err := domain.ValidateAmount("labor_rate", rec.LaborRate); err != nil {
		return domain.InvalidReference(0, "%v", err)
	}
	return nil
}
