package replicator

import (
	"context"
	"hash/fnv"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/estuary"
	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/mapping"
	"github.com/riverrun/replicator/pkg/metrics"
	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/replog"
	"github.com/riverrun/replicator/pkg/schema"
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "replicator").Logger()

// runtime is one configured replicator wired to its driver.
type runtime struct {
	cfg      config.ReplicatorConfig
	driver   estuary.Driver
	batch    estuary.BatchReplicator
	syncer   schema.Syncer
	bindings []*mapping.Binding
	enabled  atomic.Bool
	batcher  *batcher
	lanes    []chan task
}

func (r *runtime) bindingsFor(resource, action string) []*mapping.Binding {
	var out []*mapping.Binding
	for _, b := range r.bindings {
		if b.Source == resource && b.Allows(action) {
			out = append(out, b)
		}
	}
	return out
}

// task is one mutation routed to a serial lane.
type task struct {
	rep     *runtime
	binding *mapping.Binding
	event   events.MutationEvent
	seenAt  time.Time
}

// Engine fans source mutations out to driver lanes. Each (binding,
// record id) pair maps to one lane, so per-key order survives both
// parallelism and retries.
type Engine struct {
	cfg   *config.Config
	bus   *events.Bus
	tel   *metrics.Telemetry
	log   *replog.Log
	locks *schema.TableLocks

	// sem bounds concurrent driver calls across all replicators.
	sem *semaphore.Weighted

	reps []*runtime

	hardCtx    context.Context
	hardCancel context.CancelFunc
	stopping   atomic.Bool
	laneWG     sync.WaitGroup
}

// NewEngine wires the runtimes into lanes sized by replicatorConcurrency.
func NewEngine(cfg *config.Config, reps []*runtime, bus *events.Bus, tel *metrics.Telemetry, log *replog.Log, locks *schema.TableLocks) *Engine {
	hardCtx, hardCancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		bus:        bus,
		tel:        tel,
		log:        log,
		locks:      locks,
		sem:        semaphore.NewWeighted(int64(cfg.ReplicatorConcurrency)),
		reps:       reps,
		hardCtx:    hardCtx,
		hardCancel: hardCancel,
	}

	for _, rep := range reps {
		rep.lanes = make([]chan task, cfg.ReplicatorConcurrency)
		for i := range rep.lanes {
			ch := make(chan task, 64)
			rep.lanes[i] = ch
			e.laneWG.Add(1)
			go e.laneWorker(ch)
		}
		if rep.batch != nil && cfg.BatchSize > 1 {
			rep.batcher = newBatcher(e, rep)
		}
	}
	return e
}

// Run consumes the source event channel until it closes or stop is
// signalled. It owns the dispatch side only; lane workers do the work.
func (e *Engine) Run(source <-chan events.MutationEvent, stop <-chan struct{}) {
	defer e.closeLanes()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-source:
			if !ok {
				return
			}
			e.dispatch(ev)
		}
	}
}

func (e *Engine) dispatch(ev events.MutationEvent) {
	for _, rep := range e.reps {
		if !rep.enabled.Load() {
			continue
		}
		e.dispatchTo(rep, ev)
	}
}

func (e *Engine) dispatchTo(rep *runtime, ev events.MutationEvent) {
	for _, b := range rep.bindingsFor(ev.Resource, ev.Operation) {
		if b.Inert() {
			continue
		}
		lane := laneIndex(b.Destination, ev.RecordID, len(rep.lanes))
		rep.lanes[lane] <- task{rep: rep, binding: b, event: ev, seenAt: time.Now()}
	}
}

func laneIndex(destination, recordID string, lanes int) int {
	h := fnv.New32a()
	h.Write([]byte(destination))
	h.Write([]byte{'|'})
	h.Write([]byte(recordID))
	return int(h.Sum32() % uint32(lanes))
}

func (e *Engine) closeLanes() {
	for _, rep := range e.reps {
		for _, ch := range rep.lanes {
			close(ch)
		}
	}
}

func (e *Engine) laneWorker(ch <-chan task) {
	defer e.laneWG.Done()
	for t := range ch {
		if e.stopping.Load() {
			e.finish(t, outcomeResult{outcome: models.OutcomeCancelled})
			continue
		}
		e.process(t)
	}
}

// outcomeResult is the terminal state of one op.
type outcomeResult struct {
	outcome  models.Outcome
	attempts int
	lastErr  error
	skip     string
	payload  events.Record
}

func (e *Engine) process(t task) {
	record, skip, err := t.binding.Eval(t.event.After, t.event.Operation)
	if err != nil {
		e.bus.Emit(events.KindReplicatorError, map[string]interface{}{
			"replicator": t.rep.cfg.ID,
			"resource":   t.event.Resource,
			"recordId":   t.event.RecordID,
			"operation":  t.event.Operation,
			"error":      err.Error(),
			"attemptNo":  0,
			"retriable":  false,
		})
		e.finish(t, outcomeResult{outcome: models.OutcomeFailed, lastErr: err, payload: t.event.After})
		return
	}
	if skip != "" {
		e.finish(t, outcomeResult{outcome: models.OutcomeSkipped, skip: skip})
		return
	}

	op := estuary.Op{
		Binding:   t.binding,
		Operation: t.event.Operation,
		RecordID:  t.event.RecordID,
		Record:    record,
		Before:    t.event.Before,
		Timestamp: t.event.Timestamp,
	}

	if t.rep.batcher != nil {
		t.rep.batcher.enqueue(t, op)
		return
	}
	e.finish(t, e.deliver(t.rep, op))
}

// deliver runs the attempt loop for one op. Retries happen inline so a
// later op for the same key cannot overtake a retrying one.
func (e *Engine) deliver(rep *runtime, op estuary.Op) outcomeResult {
	maxAttempts := e.cfg.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		err := e.attempt(rep, op)
		if err == nil {
			return outcomeResult{outcome: models.OutcomeSuccess, attempts: attempt, payload: op.Record}
		}

		class := models.ClassOf(err)
		if class == models.ClassCancelled {
			return outcomeResult{outcome: models.OutcomeCancelled, attempts: attempt, lastErr: err, payload: op.Record}
		}

		retriable := class == models.ClassTransient && attempt < maxAttempts
		e.bus.Emit(events.KindReplicatorError, map[string]interface{}{
			"replicator": rep.cfg.ID,
			"resource":   op.Binding.Source,
			"recordId":   op.RecordID,
			"operation":  op.Operation,
			"error":      err.Error(),
			"attemptNo":  attempt,
			"retriable":  retriable,
		})
		e.tel.Failure(e.hardCtx, rep.cfg.ID)
		if !retriable {
			// attempts counts driver calls actually made.
			return outcomeResult{outcome: models.OutcomeFailed, attempts: attempt, lastErr: err, payload: op.Record}
		}

		e.tel.Retry(e.hardCtx, rep.cfg.ID)
		if !e.sleep(backoffDelay(e.cfg.RetryBackoff(), attempt, models.RetryAfterOf(err))) {
			return outcomeResult{outcome: models.OutcomeCancelled, attempts: attempt, lastErr: err, payload: op.Record}
		}
	}
}

// attempt makes a single driver call under the shared concurrency cap, a
// fresh per-attempt timeout, and the table read-lock that excludes
// schema sync.
func (e *Engine) attempt(rep *runtime, op estuary.Op) error {
	if err := e.sem.Acquire(e.hardCtx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	if rep.syncer != nil {
		e.locks.RLock(op.Binding.Destination)
		defer e.locks.RUnlock(op.Binding.Destination)
	}

	ctx, cancel := context.WithTimeout(e.hardCtx, e.cfg.Timeout())
	defer cancel()
	return rep.driver.Replicate(ctx, op)
}

// maxBackoff caps the doubled delay; past this the shift would overflow
// into negative durations for large attempt numbers.
const maxBackoff = 5 * time.Minute

// backoffDelay doubles the base per attempt with ±25% jitter, capped at
// maxBackoff. A server supplied Retry-After wins over the computed delay.
func backoffDelay(base time.Duration, attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	delay := maxBackoff
	if shift := uint(attempt - 1); shift < 32 && base <= maxBackoff>>shift {
		delay = base << shift
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	return delay + jitter
}

// sleep waits out a backoff delay; false means shutdown interrupted it.
func (e *Engine) sleep(d time.Duration) bool {
	select {
	case <-e.hardCtx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// finish reports a terminal outcome everywhere it needs to land: the
// bus, the metrics, the replication log and the dead-letter collection.
func (e *Engine) finish(t task, res outcomeResult) {
	elapsed := time.Since(t.seenAt)

	switch res.outcome {
	case models.OutcomeSuccess:
		e.bus.Emit(events.KindReplicated, map[string]interface{}{
			"replicator": t.rep.cfg.ID,
			"resource":   t.event.Resource,
			"recordId":   t.event.RecordID,
			"operation":  t.event.Operation,
			"durationMs": elapsed.Milliseconds(),
		})
	case models.OutcomeCancelled:
		e.bus.Emit(events.KindCleanupError, map[string]interface{}{
			"replicator": t.rep.cfg.ID,
			"resource":   t.event.Resource,
			"recordId":   t.event.RecordID,
			"operation":  t.event.Operation,
		})
	}

	e.tel.Outcome(e.hardCtx, t.rep.cfg.ID, res.outcome, elapsed)

	entry := models.LogEntry{
		ReplicatorID:  t.rep.cfg.ID,
		Resource:      t.event.Resource,
		RecordID:      t.event.RecordID,
		Operation:     t.event.Operation,
		Status:        res.outcome,
		Attempts:      res.attempts,
		FirstSeenAt:   t.seenAt,
		LastAttemptAt: time.Now(),
	}
	if res.lastErr != nil {
		entry.LastError = res.lastErr.Error()
	} else if res.skip != "" {
		entry.LastError = res.skip
	}
	entry.PayloadSnapshot = res.payload

	logCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout())
	defer cancel()
	e.log.Record(logCtx, entry)

	if res.outcome == models.OutcomeFailed && t.rep.cfg.DeadLetter != "" {
		e.log.DeadLetter(logCtx, t.rep.cfg.DeadLetter, entry)
	}
}

// Shutdown stops intake-side processing and closes every driver. Queued
// work is cancelled; in-flight attempts get the configured grace period
// before the hard context cuts them off.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopping.Store(true)

	done := make(chan struct{})
	go func() {
		// Lanes drain first; they are the only writers into the batchers.
		e.laneWG.Wait()
		for _, rep := range e.reps {
			if rep.batcher != nil {
				rep.batcher.stop()
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(e.cfg.Timeout()):
		logger.Warn().Msg("grace period elapsed, aborting in-flight work")
		e.hardCancel()
		<-done
	case <-ctx.Done():
		e.hardCancel()
		<-done
	}
	e.hardCancel()

	g, closeCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.StopConcurrency)
	for _, rep := range e.reps {
		rep := rep
		g.Go(func() error {
			if err := rep.driver.Close(); err != nil {
				logger.Error().Err(err).Str("replicator", rep.cfg.ID).Msg("driver close failed")
				e.bus.Emit(events.KindCleanupError, map[string]interface{}{
					"replicator": rep.cfg.ID,
					"error":      err.Error(),
				})
			}
			return closeCtx.Err()
		})
	}
	return g.Wait()
}
