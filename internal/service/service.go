// Package service exposes the engines as caller-facing operations that take
// and return plain structured data. Batch operations report per-record
// failures in their results; hierarchy reads report failures as
// {success: false, error} instead of returning a Go error.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/hierarchy"
	"github.com/lherron/boq/internal/integrity"
	"github.com/lherron/boq/internal/legacyunits"
	"github.com/lherron/boq/internal/logging"
	"github.com/lherron/boq/internal/snapshot"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/uuidsync"
)

// Options configures a Service.
type Options struct {
	TreeStrategy string
	// Aliases overrides the legacy unit alias table. Nil uses the built-in one.
	Aliases map[string]string
	Logger  *zap.Logger
}

// Service wires the four engines over one store.
type Service struct {
	store     *store.Store
	hierarchy *hierarchy.Engine
	validator *integrity.Validator
	migrator  *legacyunits.Migrator
	sync      *uuidsync.Engine
	logger    *zap.Logger
}

// New builds a Service over s. The tree strategy is fixed here for the
// lifetime of the service.
func New(s *store.Store, opts Options) (*Service, error) {
	logger := logging.OrNop(opts.Logger)

	tree, err := hierarchy.NewEngine(s, hierarchy.Options{Strategy: opts.TreeStrategy, Logger: logger})
	if err != nil {
		return nil, err
	}
	validator := integrity.NewValidator(s, logger)

	return &Service{
		store:     s,
		hierarchy: tree,
		validator: validator,
		migrator:  legacyunits.NewMigrator(s, validator, opts.Aliases, logger),
		sync:      uuidsync.NewEngine(s, validator, logger),
		logger:    logger.Named("service"),
	}, nil
}

// TreeStrategy returns the subtree strategy chosen at construction.
func (s *Service) TreeStrategy() string {
	return s.hierarchy.Strategy()
}

// BulkOperationResult is the outcome of a bulk unit reassignment.
type BulkOperationResult struct {
	SuccessCount int      `json:"success_count" yaml:"success_count"`
	FailureCount int      `json:"failure_count" yaml:"failure_count"`
	Errors       []string `json:"errors" yaml:"errors"`
	Batches      int      `json:"batches" yaml:"batches"`
	Total        int      `json:"total" yaml:"total"`
}

// BulkUpdateUnitAssignments points works at new units, committing each batch
// on its own.
func (s *Service) BulkUpdateUnitAssignments(ctx context.Context, mappings []integrity.UnitMapping, validateIntegrity bool, batchSize int) (*BulkOperationResult, error) {
	res, err := s.validator.BulkReassignUnit(ctx, mappings, validateIntegrity, batchSize)
	if err != nil {
		return nil, err
	}
	return &BulkOperationResult{
		SuccessCount: res.SuccessCount,
		FailureCount: res.FailureCount,
		Errors:       res.Errors.Strings(),
		Batches:      res.Batches,
		Total:        res.Total,
	}, nil
}

// ValidationResult is the outcome of a bulk referential integrity check.
type ValidationResult struct {
	ValidCount   int      `json:"valid_count" yaml:"valid_count"`
	InvalidCount int      `json:"invalid_count" yaml:"invalid_count"`
	Errors       []string `json:"errors" yaml:"errors"`
	Batches      int      `json:"batches" yaml:"batches"`
	Total        int      `json:"total" yaml:"total"`
}

// BulkValidateReferentialIntegrity validates the unit and parent references
// of ids.
func (s *Service) BulkValidateReferentialIntegrity(ctx context.Context, ids []int64, checkUnits, checkHierarchy bool, batchSize int) (*ValidationResult, error) {
	res, err := s.validator.Validate(ctx, ids, integrity.Checks{Units: checkUnits, Hierarchy: checkHierarchy}, batchSize)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{
		ValidCount:   res.ValidCount,
		InvalidCount: res.InvalidCount,
		Errors:       res.Errors.Strings(),
		Batches:      res.Batches,
		Total:        res.Total,
	}, nil
}

// MigrationResult is the outcome of a legacy unit migration.
type MigrationResult struct {
	MigratedCount int      `json:"migrated_count" yaml:"migrated_count"`
	PendingCount  int      `json:"pending_count" yaml:"pending_count"`
	SkippedCount  int      `json:"skipped_count" yaml:"skipped_count"`
	ErrorCount    int      `json:"error_count" yaml:"error_count"`
	Errors        []string `json:"errors" yaml:"errors"`
	Batches       int      `json:"batches" yaml:"batches"`
	Total         int      `json:"total" yaml:"total"`
}

// BulkMigrateLegacyUnits resolves legacy unit text into unit references. An
// empty ids migrates every candidate.
func (s *Service) BulkMigrateLegacyUnits(ctx context.Context, ids []int64, autoApplyThreshold float64, batchSize int) (*MigrationResult, error) {
	res, err := s.migrator.MigrateLegacyUnits(ctx, ids, autoApplyThreshold, batchSize)
	if err != nil {
		return nil, err
	}
	return &MigrationResult{
		MigratedCount: res.MigratedCount,
		PendingCount:  res.PendingCount,
		SkippedCount:  res.SkippedCount,
		ErrorCount:    res.ErrorCount,
		Errors:        res.Errors.Strings(),
		Batches:       res.Batches,
		Total:         res.Total,
	}, nil
}

// ListPendingMigrations returns the manual review queue.
func (s *Service) ListPendingMigrations(ctx context.Context, limit int) ([]domain.UnitMigration, error) {
	return s.migrator.ListPendingMigrations(ctx, limit)
}

// TreeRequest selects a page of the work tree.
type TreeRequest struct {
	RootID          *int64
	MaxDepth        int
	IncludeUnitInfo bool
	IncludeDeleted  bool
	Page            int
	PageSize        int
}

// HierarchyResult is one page of the work tree.
type HierarchyResult struct {
	Success    bool                  `json:"success" yaml:"success"`
	Data       []hierarchy.Node      `json:"data" yaml:"data"`
	Pagination *hierarchy.Pagination `json:"pagination,omitempty" yaml:"pagination,omitempty"`
	Error      string                `json:"error,omitempty" yaml:"error,omitempty"`
}

// GetWorkHierarchyTree lists one page of the subtree below req.RootID, or of
// the whole forest.
func (s *Service) GetWorkHierarchyTree(ctx context.Context, req TreeRequest) *HierarchyResult {
	tree, err := s.hierarchy.Subtree(ctx, hierarchy.SubtreeQuery{
		RootID:          req.RootID,
		MaxDepth:        req.MaxDepth,
		Page:            req.Page,
		PageSize:        req.PageSize,
		IncludeUnitInfo: req.IncludeUnitInfo,
		IncludeDeleted:  req.IncludeDeleted,
	})
	if err != nil {
		s.logger.Warn("hierarchy tree failed", zap.Error(err))
		return &HierarchyResult{Error: err.Error()}
	}
	return &HierarchyResult{Success: true, Data: tree.Rows, Pagination: &tree.Pagination}
}

// AncestorsResult is the root-first chain above a work.
type AncestorsResult struct {
	Success    bool          `json:"success" yaml:"success"`
	Data       []domain.Work `json:"data" yaml:"data"`
	PathLength int           `json:"path_length" yaml:"path_length"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// GetWorkAncestors returns the chain above workID, root first.
func (s *Service) GetWorkAncestors(ctx context.Context, workID int64, includeSelf bool) *AncestorsResult {
	chain, err := s.hierarchy.Ancestors(ctx, workID, includeSelf)
	if err != nil {
		s.logger.Warn("ancestor lookup failed", zap.Int64("work_id", workID), zap.Error(err))
		return &AncestorsResult{Error: err.Error()}
	}
	return &AncestorsResult{Success: true, Data: chain, PathLength: len(chain)}
}

// DescendantsResult is the breadth-first set of works below a work.
type DescendantsResult struct {
	Success         bool             `json:"success" yaml:"success"`
	Data            []hierarchy.Node `json:"data" yaml:"data"`
	DescendantCount int              `json:"descendant_count" yaml:"descendant_count"`
	Error           string           `json:"error,omitempty" yaml:"error,omitempty"`
}

// GetWorkDescendants returns the works below workID down to maxDepth levels.
func (s *Service) GetWorkDescendants(ctx context.Context, workID int64, maxDepth int, includeDeleted bool) *DescendantsResult {
	nodes, err := s.hierarchy.Descendants(ctx, workID, maxDepth, includeDeleted)
	if err != nil {
		s.logger.Warn("descendant lookup failed", zap.Int64("work_id", workID), zap.Error(err))
		return &DescendantsResult{Error: err.Error()}
	}
	return &DescendantsResult{Success: true, Data: nodes, DescendantCount: len(nodes)}
}

// GetBulkOperationStatistics reports unit normalization progress.
func (s *Service) GetBulkOperationStatistics(ctx context.Context) (*integrity.Statistics, error) {
	return s.validator.Statistics(ctx)
}

// GetHierarchyStatistics reports the shape of the work tree.
func (s *Service) GetHierarchyStatistics(ctx context.Context) (*hierarchy.Statistics, error) {
	return s.hierarchy.Statistics(ctx)
}

// GetOptimizationAnalysis returns read-only advice for the hierarchy.
func (s *Service) GetOptimizationAnalysis(ctx context.Context, maxDepth int) (*hierarchy.OptimizationResult, error) {
	return s.hierarchy.Optimize(ctx, maxDepth)
}

// SyncResult is the outcome of a uuid synchronization.
type SyncResult struct {
	Created           int                     `json:"created" yaml:"created"`
	Updated           int                     `json:"updated" yaml:"updated"`
	Skipped           int                     `json:"skipped" yaml:"skipped"`
	ConflictsDetected int                     `json:"conflicts_detected" yaml:"conflicts_detected"`
	ConflictsResolved int                     `json:"conflicts_resolved" yaml:"conflicts_resolved"`
	Committed         bool                    `json:"committed" yaml:"committed"`
	Errors            []string                `json:"errors" yaml:"errors"`
	Outgoing          []snapshot.WorkSnapshot `json:"outgoing,omitempty" yaml:"outgoing,omitempty"`
}

// SynchronizeWorksByUUID applies an external batch of uuid-addressed works.
func (s *Service) SynchronizeWorksByUUID(ctx context.Context, batch []snapshot.WorkSnapshot, direction uuidsync.Direction, strategy uuidsync.Strategy) (*SyncResult, error) {
	res, err := s.sync.Synchronize(ctx, batch, direction, strategy)
	if err != nil {
		return nil, err
	}
	return &SyncResult{
		Created:           res.Created,
		Updated:           res.Updated,
		Skipped:           res.Skipped,
		ConflictsDetected: res.ConflictsDetected,
		ConflictsResolved: res.ConflictsResolved,
		Committed:         res.Committed,
		Errors:            res.Errors.Strings(),
		Outgoing:          res.Outgoing,
	}, nil
}

// ExportForSync returns uuid-addressed snapshots of works changed since
// modifiedSince, or of every work when it is nil.
func (s *Service) ExportForSync(ctx context.Context, modifiedSince *time.Time) ([]snapshot.WorkSnapshot, error) {
	return s.sync.ExportForSync(ctx, modifiedSince)
}

// BackfillResult is the outcome of a uuid backfill.
type BackfillResult struct {
	WorksAssigned int      `json:"works_assigned" yaml:"works_assigned"`
	UnitsAssigned int      `json:"units_assigned" yaml:"units_assigned"`
	Collisions    int      `json:"collisions" yaml:"collisions"`
	Batches       int      `json:"batches" yaml:"batches"`
	Errors        []string `json:"errors" yaml:"errors"`
}

// BackfillUUIDs assigns uuids to every work and unit lacking one.
func (s *Service) BackfillUUIDs(ctx context.Context, batchSize int) (*BackfillResult, error) {
	res, err := s.sync.BackfillUUIDs(ctx, batchSize)
	if res == nil {
		return nil, err
	}
	return &BackfillResult{
		WorksAssigned: res.WorksAssigned,
		UnitsAssigned: res.UnitsAssigned,
		Collisions:    res.Collisions,
		Batches:       res.Batches,
		Errors:        res.Errors.Strings(),
	}, err
}

// RelationshipCheck is one orphan check of a uuid-valued reference.
type RelationshipCheck struct {
	Table  string   `json:"table" yaml:"table"`
	Column string   `json:"column" yaml:"column"`
	Count  int      `json:"count" yaml:"count"`
	Sample []string `json:"sample,omitempty" yaml:"sample,omitempty"`
}

// RelationshipReport lists orphaned references per table and column.
type RelationshipReport struct {
	Clean        bool                `json:"clean" yaml:"clean"`
	TotalOrphans int                 `json:"total_orphans" yaml:"total_orphans"`
	Checks       []RelationshipCheck `json:"checks" yaml:"checks"`
}

// ValidateUUIDRelationships finds references that point at missing or
// deleted rows.
func (s *Service) ValidateUUIDRelationships(ctx context.Context, sampleSize int) (*RelationshipReport, error) {
	res, err := s.sync.ValidateUUIDRelationships(ctx, sampleSize)
	if err != nil {
		return nil, err
	}
	out := &RelationshipReport{Clean: res.Clean(), TotalOrphans: res.TotalOrphans}
	for _, c := range res.Checks {
		out.Checks = append(out.Checks, RelationshipCheck{Table: c.Table, Column: c.Column, Count: c.Count, Sample: c.Sample})
	}
	return out, nil
}
