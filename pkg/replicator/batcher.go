package replicator

import (
	"context"
	"time"

	"github.com/riverrun/replicator/pkg/estuary"
	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/mapping"
	"github.com/riverrun/replicator/pkg/models"
)

type batchItem struct {
	t  task
	op estuary.Op
}

// batcher coalesces adjacent ops per binding for drivers that support
// batch writes. A buffer flushes when it reaches batchSize or when its
// oldest item has waited batchTimeoutMs, whichever comes first.
type batcher struct {
	e    *Engine
	rep  *runtime
	ch   chan batchItem
	done chan struct{}
}

func newBatcher(e *Engine, rep *runtime) *batcher {
	b := &batcher{
		e:    e,
		rep:  rep,
		ch:   make(chan batchItem, e.cfg.BatchSize*2),
		done: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *batcher) enqueue(t task, op estuary.Op) {
	b.ch <- batchItem{t: t, op: op}
}

// stop drains the mailbox and resolves whatever is buffered; during
// shutdown the buffered items finish as cancelled rather than flushing.
// Lane workers must have stopped writing before this is called.
func (b *batcher) stop() {
	close(b.ch)
	<-b.done
}

func (b *batcher) run() {
	defer close(b.done)

	buffers := make(map[*mapping.Binding][]batchItem)
	oldest := make(map[*mapping.Binding]time.Time)

	tick := b.e.cfg.BatchTimeout() / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	flush := func(binding *mapping.Binding) {
		items := buffers[binding]
		delete(buffers, binding)
		delete(oldest, binding)
		if len(items) > 0 {
			b.e.flushBatch(b.rep, items)
		}
	}

	for {
		select {
		case item, ok := <-b.ch:
			if !ok {
				for binding := range buffers {
					flush(binding)
				}
				return
			}
			binding := item.t.binding
			if len(buffers[binding]) == 0 {
				oldest[binding] = time.Now()
			}
			buffers[binding] = append(buffers[binding], item)
			if len(buffers[binding]) >= b.e.cfg.BatchSize {
				flush(binding)
			}
		case <-ticker.C:
			for binding, since := range oldest {
				if time.Since(since) >= b.e.cfg.BatchTimeout() {
					flush(binding)
				}
			}
		}
	}
}

// flushBatch sends one buffered batch. Retriable failures replay per
// item through the normal attempt loop so each op keeps its own retry
// budget; permanent failures fail the whole batch.
func (e *Engine) flushBatch(rep *runtime, items []batchItem) {
	if e.stopping.Load() {
		for _, item := range items {
			e.finish(item.t, outcomeResult{outcome: models.OutcomeCancelled})
		}
		return
	}

	ops := make([]estuary.Op, 0, len(items))
	for _, item := range items {
		ops = append(ops, item.op)
	}
	e.tel.Batch(e.hardCtx, rep.cfg.ID, len(ops))

	err := e.attemptBatch(rep, items[0].op.Binding.Destination, ops)
	if err == nil {
		for _, item := range items {
			e.finish(item.t, outcomeResult{outcome: models.OutcomeSuccess, attempts: 1, payload: item.op.Record})
		}
		return
	}

	switch models.ClassOf(err) {
	case models.ClassCancelled:
		for _, item := range items {
			e.finish(item.t, outcomeResult{outcome: models.OutcomeCancelled, attempts: 1, lastErr: err})
		}
	case models.ClassPermanent:
		for _, item := range items {
			e.bus.Emit(events.KindReplicatorError, map[string]interface{}{
				"replicator": rep.cfg.ID,
				"resource":   item.t.event.Resource,
				"recordId":   item.t.event.RecordID,
				"operation":  item.t.event.Operation,
				"error":      err.Error(),
				"attemptNo":  1,
				"retriable":  false,
			})
			e.tel.Failure(e.hardCtx, rep.cfg.ID)
			e.finish(item.t, outcomeResult{outcome: models.OutcomeFailed, attempts: 1, lastErr: err, payload: item.op.Record})
		}
	default:
		logger.Debug().Str("replicator", rep.cfg.ID).Int("items", len(items)).
			Msg("batch failed, replaying per item")
		for _, item := range items {
			e.finish(item.t, e.deliver(rep, item.op))
		}
	}
}

func (e *Engine) attemptBatch(rep *runtime, table string, ops []estuary.Op) error {
	if err := e.sem.Acquire(e.hardCtx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	if rep.syncer != nil {
		e.locks.RLock(table)
		defer e.locks.RUnlock(table)
	}

	ctx, cancel := context.WithTimeout(e.hardCtx, e.cfg.Timeout())
	defer cancel()
	return rep.batch.ReplicateBatch(ctx, ops)
}
