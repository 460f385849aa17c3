package replicator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/estuary"
	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/mapping"
	"github.com/riverrun/replicator/pkg/metrics"
	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/replog"
	"github.com/riverrun/replicator/pkg/schema"
	"github.com/riverrun/replicator/pkg/source"
)

// ServiceStatus is the lifecycle state of the service.
type ServiceStatus string

const (
	StatusStopped  ServiceStatus = "stopped"
	StatusStarting ServiceStatus = "starting"
	StatusRunning  ServiceStatus = "running"
	StatusStopping ServiceStatus = "stopping"
	StatusError    ServiceStatus = "error"
)

// UnknownReplicatorError names an id the service does not know, along
// with the ids it does.
type UnknownReplicatorError struct {
	ID    string
	Known []string
}

func (e *UnknownReplicatorError) Error() string {
	return fmt.Sprintf("unknown replicator %q, known: %s", e.ID, strings.Join(e.Known, ", "))
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Config *config.Config
	Logger *logrus.Logger
	// Store is the upstream document store.
	Store source.Store
	// LogClient receives replication log and dead-letter writes. May be
	// nil, in which case logging degrades to console only.
	LogClient source.Client
}

// Service owns the full replication pipeline: resolved bindings, driver
// instances, schema sync, the engine and its observability surfaces.
type Service struct {
	cfg    *config.Config
	log    *logrus.Logger
	store  source.Store
	client source.Client

	bus       *events.Bus
	telemetry *metrics.Telemetry
	replog    *replog.Log
	locks     *schema.TableLocks
	engine    *Engine
	metricsrv *metrics.Server

	reps    []*runtime
	byID    map[string]*runtime
	stopCh  chan struct{}
	runDone chan struct{}

	mu        sync.RWMutex
	status    ServiceStatus
	startTime time.Time
}

// NewService validates the configuration and builds a stopped service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Config == nil {
		return nil, &models.ConfigError{Field: "config", Message: "config is required"}
	}
	if opts.Store == nil {
		return nil, &models.ConfigError{Field: "store", Message: "a source store is required"}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}

	return &Service{
		cfg:    opts.Config,
		log:    opts.Logger,
		store:  opts.Store,
		client: opts.LogClient,
		bus:    events.NewBus(),
		locks:  schema.NewTableLocks(),
		byID:   make(map[string]*runtime),
		status: StatusStopped,
	}, nil
}

// Bus exposes the notification bus for subscribers.
func (s *Service) Bus() *events.Bus { return s.bus }

// Status returns the current lifecycle state.
func (s *Service) Status() ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) setStatus(status ServiceStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Start resolves bindings, builds drivers, runs schema sync, and begins
// consuming source mutations. Configuration and schema errors abort the
// start; nothing keeps running on a failed start.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("replication disabled by configuration")
		return nil
	}
	s.setStatus(StatusStarting)

	if err := s.buildRuntimes(); err != nil {
		s.setStatus(StatusError)
		return err
	}

	telemetry, err := metrics.NewTelemetry()
	if err != nil {
		s.setStatus(StatusError)
		return err
	}
	s.telemetry = telemetry

	s.replog = replog.New(s.client, s.bus, replog.Options{
		Persist:    s.cfg.PersistReplicatorLog,
		ErrorsOnly: s.cfg.LogErrors,
		Collection: s.cfg.ReplicatorLogResource,
		Snapshots:  s.cfg.PersistReplicatorLog,
	})
	s.replog.Init(ctx)

	if err := s.initDrivers(ctx); err != nil {
		s.closeDrivers()
		s.setStatus(StatusError)
		return err
	}

	if err := s.syncSchemas(ctx); err != nil {
		s.closeDrivers()
		s.setStatus(StatusError)
		return err
	}

	s.engine = NewEngine(s.cfg, s.reps, s.bus, s.telemetry, s.replog, s.locks)
	s.stopCh = make(chan struct{})
	s.runDone = make(chan struct{})
	go func() {
		defer close(s.runDone)
		s.engine.Run(s.store.Events(), s.stopCh)
	}()

	if s.cfg.Metrics.Enabled {
		s.metricsrv = metrics.NewServer(fmt.Sprintf(":%d", s.cfg.Metrics.Port), s.cfg.Metrics.Path, s.telemetry)
		s.metricsrv.Start()
	}

	s.mu.Lock()
	s.status = StatusRunning
	s.startTime = time.Now()
	s.mu.Unlock()
	s.log.WithField("replicators", len(s.reps)).Info("replication started")
	return nil
}

// buildRuntimes resolves every enabled replicator config into a runtime
// with canonical bindings and a constructed driver.
func (s *Service) buildRuntimes() error {
	s.reps = nil
	s.byID = make(map[string]*runtime)

	// Ids are present and unique here; Config.Validate rejects anything else.
	for _, rc := range s.cfg.Replicators {
		bindings, err := mapping.Resolve(rc.Resources)
		if err != nil {
			return err
		}
		for _, b := range bindings {
			if b.Inert() {
				s.bus.Emit(events.KindConfigWarning, map[string]interface{}{
					"replicator": rc.ID,
					"resource":   b.Source,
					"warning":    "binding has no actions enabled",
				})
			}
		}

		driver, err := estuary.New(rc.Driver, rc.Config)
		if err != nil {
			return err
		}

		rep := &runtime{cfg: rc, driver: driver, bindings: bindings}
		rep.enabled.Store(rc.IsEnabled())
		if b, ok := estuary.SupportsBatch(driver); ok {
			rep.batch = b
		}
		if sy, ok := estuary.SupportsSchemaSync(driver); ok {
			rep.syncer = sy
		}
		s.reps = append(s.reps, rep)
		s.byID[rc.ID] = rep
	}

	if len(s.reps) == 0 {
		return &models.ConfigError{Field: "replicators", Message: "at least one replicator is required"}
	}
	return nil
}

func (s *Service) initDrivers(ctx context.Context) error {
	for _, rep := range s.reps {
		if err := rep.driver.Init(); err != nil {
			return fmt.Errorf("driver %s (%s): %w", rep.cfg.ID, rep.cfg.Driver, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// syncSchemas runs schema sync for every binding whose driver has the
// capability. Failures abort only under the error mismatch policy.
func (s *Service) syncSchemas(ctx context.Context) error {
	sync := schema.NewSynchroniser(s.bus, s.locks)
	for _, rep := range s.reps {
		if rep.syncer == nil {
			continue
		}
		for _, b := range rep.bindings {
			attrs, err := s.store.Attributes(ctx, b.Source)
			if err != nil {
				return &models.SchemaSyncError{Table: b.Destination, Message: "source introspection failed", Cause: err}
			}
			if _, err := sync.Sync(ctx, rep.syncer, b.Destination, attrs, rep.cfg.Schema); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleConfigChange reacts to an on-disk config file change: it emits a
// configWarning notification and re-runs schema sync for every replicator
// whose driver has the capability, so attribute edits propagate without a
// restart. Replicator declarations themselves still reload on restart.
func (s *Service) HandleConfigChange(ctx context.Context, file string) {
	s.bus.Emit(events.KindConfigWarning, map[string]interface{}{
		"file":    file,
		"warning": "config file changed; replicator declarations reload on restart",
	})
	if s.Status() != StatusRunning {
		return
	}
	if err := s.syncSchemas(ctx); err != nil {
		s.log.WithError(err).Warn("schema re-sync after config change failed")
	}
}

func (s *Service) closeDrivers() {
	for _, rep := range s.reps {
		if err := rep.driver.Close(); err != nil {
			s.log.WithError(err).WithField("replicator", rep.cfg.ID).Warn("driver close failed")
		}
	}
}

// Stop drains the engine, cancels queued work and closes every driver.
func (s *Service) Stop(ctx context.Context) error {
	s.setStatus(StatusStopping)
	defer s.setStatus(StatusStopped)

	if s.engine == nil {
		return nil
	}

	close(s.stopCh)
	select {
	case <-s.runDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := s.engine.Shutdown(ctx)

	if s.metricsrv != nil {
		if serr := s.metricsrv.Stop(ctx); serr != nil && err == nil {
			err = serr
		}
	}
	if terr := s.telemetry.Shutdown(ctx); terr != nil && err == nil {
		err = terr
	}
	s.bus.Close()
	s.log.Info("replication stopped")
	return err
}

// List returns the configured replicator ids in sorted order.
func (s *Service) List() []string {
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Service) lookup(id string) (*runtime, error) {
	rep, ok := s.byID[id]
	if !ok {
		return nil, &UnknownReplicatorError{ID: id, Known: s.List()}
	}
	return rep, nil
}

// Enable turns a replicator back on. New events start flowing to it
// immediately; nothing is replayed.
func (s *Service) Enable(id string) error {
	rep, err := s.lookup(id)
	if err != nil {
		return err
	}
	rep.enabled.Store(true)
	return nil
}

// Disable stops routing new events to a replicator. In-flight work for
// it still completes.
func (s *Service) Disable(id string) error {
	rep, err := s.lookup(id)
	if err != nil {
		return err
	}
	rep.enabled.Store(false)
	return nil
}

// SyncNow iterates every record of the replicator's source resources and
// replays them as inserts. Used for one-off backfill of a destination.
func (s *Service) SyncNow(ctx context.Context, id string) error {
	rep, err := s.lookup(id)
	if err != nil {
		return err
	}
	if s.engine == nil {
		return fmt.Errorf("service is not running")
	}

	seen := make(map[string]bool)
	for _, b := range rep.bindings {
		if seen[b.Source] {
			continue
		}
		seen[b.Source] = true
		err := s.store.Enumerate(ctx, b.Source, func(recordID string, record events.Record) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.engine.dispatchTo(rep, events.MutationEvent{
				Resource:  b.Source,
				Operation: events.OpInserted,
				RecordID:  recordID,
				After:     record,
				Timestamp: time.Now(),
			})
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Counters snapshots the in-memory outcome totals.
func (s *Service) Counters() models.Counters {
	if s.telemetry == nil {
		return models.Counters{}
	}
	return s.telemetry.Counters()
}
