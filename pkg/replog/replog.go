// Package replog persists replication outcomes and dead-letter entries
// into collections of the source store.
package replog

import (
	"context"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/source"
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "replog").Logger()

// Options selects what gets persisted.
type Options struct {
	// Persist writes every terminal outcome when true.
	Persist bool
	// ErrorsOnly still writes failed and cancelled outcomes when Persist
	// is off.
	ErrorsOnly bool
	// Collection is the log collection name.
	Collection string
	// Snapshots attaches the record payload to each entry.
	Snapshots bool
}

// Log writes replication log entries. When the log collection cannot be
// provisioned it degrades to console-only logging instead of failing
// replication.
type Log struct {
	client source.Client
	bus    *events.Bus
	opts   Options

	mu       sync.RWMutex
	degraded bool
}

// New builds a log writer. A nil client degrades immediately.
func New(client source.Client, bus *events.Bus, opts Options) *Log {
	return &Log{client: client, bus: bus, opts: opts, degraded: client == nil}
}

// Init provisions the log collection, best-effort. On failure the log
// degrades and replication continues.
func (l *Log) Init(ctx context.Context) {
	if l.client == nil || (!l.opts.Persist && !l.opts.ErrorsOnly) {
		return
	}
	if err := l.client.EnsureCollection(ctx, l.opts.Collection); err != nil {
		logger.Warn().Err(err).Str("collection", l.opts.Collection).
			Msg("log collection unavailable, falling back to console logging")
		l.bus.Emit(events.KindLogResourceError, map[string]interface{}{
			"collection": l.opts.Collection,
			"error":      err.Error(),
		})
		l.mu.Lock()
		l.degraded = true
		l.mu.Unlock()
	}
}

// Degraded reports whether persistence is disabled by a provisioning
// failure.
func (l *Log) Degraded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.degraded
}

func (l *Log) shouldPersist(status models.Outcome) bool {
	if l.opts.Persist {
		return true
	}
	if l.opts.ErrorsOnly {
		return status == models.OutcomeFailed || status == models.OutcomeCancelled
	}
	return false
}

// Record writes one terminal outcome.
func (l *Log) Record(ctx context.Context, entry models.LogEntry) {
	if !l.shouldPersist(entry.Status) {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if !l.opts.Snapshots {
		entry.PayloadSnapshot = nil
	}

	if l.Degraded() {
		logger.Info().
			Str("replicator", entry.ReplicatorID).
			Str("resource", entry.Resource).
			Str("recordId", entry.RecordID).
			Str("status", string(entry.Status)).
			Int("attempts", entry.Attempts).
			Str("lastError", entry.LastError).
			Msg("replication outcome")
		return
	}

	if err := l.client.Upsert(ctx, l.opts.Collection, entry.ID, logRecord(entry)); err != nil {
		logger.Error().Err(err).Str("collection", l.opts.Collection).Msg("failed to persist log entry")
		l.bus.Emit(events.KindLogError, map[string]interface{}{
			"collection": l.opts.Collection,
			"recordId":   entry.RecordID,
			"error":      err.Error(),
		})
	}
}

// DeadLetter stores the full payload and last error for later replay.
// The collection is provisioned lazily; failures surface on the bus only.
func (l *Log) DeadLetter(ctx context.Context, collection string, entry models.LogEntry) {
	if l.client == nil || collection == "" {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if err := l.client.EnsureCollection(ctx, collection); err != nil {
		l.bus.Emit(events.KindLogResourceError, map[string]interface{}{
			"collection": collection,
			"error":      err.Error(),
		})
		return
	}
	if err := l.client.Upsert(ctx, collection, entry.ID, logRecord(entry)); err != nil {
		logger.Error().Err(err).Str("collection", collection).Msg("failed to write dead-letter entry")
		l.bus.Emit(events.KindLogError, map[string]interface{}{
			"collection": collection,
			"recordId":   entry.RecordID,
			"error":      err.Error(),
		})
	}
}

func logRecord(entry models.LogEntry) events.Record {
	rec := events.Record{
		"id":            entry.ID,
		"replicatorId":  entry.ReplicatorID,
		"resource":      entry.Resource,
		"recordId":      entry.RecordID,
		"operation":     entry.Operation,
		"status":        string(entry.Status),
		"attempts":      entry.Attempts,
		"firstSeenAt":   entry.FirstSeenAt,
		"lastAttemptAt": entry.LastAttemptAt,
	}
	if entry.LastError != "" {
		rec["lastError"] = entry.LastError
	}
	if entry.PayloadSnapshot != nil {
		rec["payloadSnapshot"] = entry.PayloadSnapshot
	}
	return rec
}
