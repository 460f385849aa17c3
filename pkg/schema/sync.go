package schema

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/models"
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "schema").Logger()

// Syncer is the optional schema capability a driver may implement.
type Syncer interface {
	Dialect() Dialect
	// ExtraColumns returns driver-implied columns beyond the mapped source
	// attributes (e.g. warehouse tracking columns).
	ExtraColumns() []Column
	IntrospectTable(ctx context.Context, table string) (*TableInfo, error)
	// SyncSchema applies a plan. It is never called under validate-only.
	SyncSchema(ctx context.Context, plan *Plan) (*Diff, error)
}

// TableLocks serialises schema sync against replicate operations on the
// same destination table. Sync takes the write side; every replicate call
// holds the read side.
type TableLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// NewTableLocks creates an empty lock registry.
func NewTableLocks() *TableLocks {
	return &TableLocks{locks: make(map[string]*sync.RWMutex)}
}

func (t *TableLocks) lock(table string) *sync.RWMutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[table]
	if !ok {
		l = &sync.RWMutex{}
		t.locks[table] = l
	}
	return l
}

// RLock acquires the shared side for a replicate call.
func (t *TableLocks) RLock(table string) { t.lock(table).RLock() }

// RUnlock releases the shared side.
func (t *TableLocks) RUnlock(table string) { t.lock(table).RUnlock() }

// Lock acquires the exclusive side for schema sync.
func (t *TableLocks) Lock(table string) { t.lock(table).Lock() }

// Unlock releases the exclusive side.
func (t *TableLocks) Unlock(table string) { t.lock(table).Unlock() }

// Synchroniser drives the type mapper and a driver's schema capability to
// align destination tables with the source attribute set.
type Synchroniser struct {
	bus   *events.Bus
	locks *TableLocks
}

// NewSynchroniser creates a synchroniser emitting on the given bus.
func NewSynchroniser(bus *events.Bus, locks *TableLocks) *Synchroniser {
	return &Synchroniser{bus: bus, locks: locks}
}

// Sync aligns one destination table. The returned plan is non-nil on
// success; the error is a SchemaSyncError whose severity already reflects
// the onMismatch policy (warn and ignore never return an error).
func (s *Synchroniser) Sync(ctx context.Context, syncer Syncer, table string, attrs map[string]string, cfg config.SchemaConfig) (*Plan, error) {
	expected := ExpectedTable(table, attrs, syncer.Dialect(), syncer.ExtraColumns())

	actual, err := syncer.IntrospectTable(ctx, table)
	if err != nil {
		return nil, s.fail(table, cfg, &models.SchemaSyncError{Table: table, Message: "introspection failed", Cause: err})
	}

	plan := BuildPlan(expected, actual, cfg.AutoCreate(), cfg.DropMissingColumns)

	if cfg.EffectiveStrategy() == config.StrategyValidateOnly {
		return plan, s.validateOnly(table, cfg, plan)
	}

	if len(plan.ColumnsMismatch) > 0 && cfg.EffectiveStrategy() == config.StrategyAlter {
		// Alter never rewrites column types; mismatches fall under the
		// onMismatch policy.
		if err := s.mismatch(table, cfg, plan); err != nil {
			return plan, err
		}
	}

	if plan.Empty() {
		s.bus.Emit(events.KindSchemaSyncDone, map[string]interface{}{
			"table": table, "changed": false,
		})
		return plan, nil
	}

	if cfg.EffectiveStrategy() == config.StrategyDropCreate && !plan.CreateIfMissing {
		plan.Recreate = true
		s.bus.Emit(events.KindConfigWarning, map[string]interface{}{
			"table":   table,
			"warning": "drop-create strategy discards destination data",
		})
	}

	s.locks.Lock(table)
	diff, err := syncer.SyncSchema(ctx, plan)
	s.locks.Unlock(table)
	if err != nil {
		return plan, s.fail(table, cfg, &models.SchemaSyncError{Table: table, Message: "migration failed", Cause: err})
	}

	s.emitDiff(table, diff)
	s.bus.Emit(events.KindSchemaSyncDone, map[string]interface{}{
		"table": table, "changed": true,
	})
	return plan, nil
}

func (s *Synchroniser) validateOnly(table string, cfg config.SchemaConfig, plan *Plan) error {
	if plan.Empty() {
		s.bus.Emit(events.KindSchemaSyncDone, map[string]interface{}{
			"table": table, "changed": false,
		})
		return nil
	}
	return s.mismatch(table, cfg, plan)
}

func (s *Synchroniser) mismatch(table string, cfg config.SchemaConfig, plan *Plan) error {
	err := &models.SchemaSyncError{Table: table, Message: "destination schema does not match source attributes"}
	switch cfg.EffectiveOnMismatch() {
	case config.MismatchIgnore:
		return nil
	case config.MismatchWarn:
		logger.Warn().
			Str("table", table).
			Int("columns_to_add", len(plan.ColumnsToAdd)).
			Int("columns_mismatch", len(plan.ColumnsMismatch)).
			Msg("schema mismatch; continuing per policy")
		s.bus.Emit(events.KindSchemaSyncFailed, map[string]interface{}{
			"table": table, "error": err.Error(), "policy": "warn",
		})
		return nil
	default:
		s.bus.Emit(events.KindSchemaSyncFailed, map[string]interface{}{
			"table": table, "error": err.Error(), "policy": "error",
		})
		return err
	}
}

func (s *Synchroniser) fail(table string, cfg config.SchemaConfig, err *models.SchemaSyncError) error {
	s.bus.Emit(events.KindSchemaSyncFailed, map[string]interface{}{
		"table": table, "error": err.Error(),
	})
	if cfg.EffectiveOnMismatch() == config.MismatchError {
		return err
	}
	logger.Warn().Err(err).Str("table", table).Msg("schema sync failed; continuing per policy")
	return nil
}

func (s *Synchroniser) emitDiff(table string, diff *Diff) {
	if diff == nil {
		return
	}
	switch {
	case diff.TableRecreated:
		s.bus.Emit(events.KindTableRecreated, map[string]interface{}{"table": table})
	case diff.TableCreated:
		s.bus.Emit(events.KindTableCreated, map[string]interface{}{"table": table})
	case len(diff.ColumnsAdded) > 0 || len(diff.ColumnsDropped) > 0:
		s.bus.Emit(events.KindTableAltered, map[string]interface{}{
			"table":          table,
			"addedColumns":   len(diff.ColumnsAdded),
			"droppedColumns": len(diff.ColumnsDropped),
		})
	}
}
