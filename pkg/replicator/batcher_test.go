package replicator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/estuary"
	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/source"
)

type mockBatchDriver struct {
	mockDriver
	batchMu   sync.Mutex
	batches   [][]estuary.Op
	batchErrs []error
}

func (d *mockBatchDriver) ReplicateBatch(_ context.Context, ops []estuary.Op) error {
	d.batchMu.Lock()
	defer d.batchMu.Unlock()
	d.batches = append(d.batches, append([]estuary.Op(nil), ops...))
	if len(d.batchErrs) > 0 {
		err := d.batchErrs[0]
		d.batchErrs = d.batchErrs[1:]
		return err
	}
	return nil
}

func (d *mockBatchDriver) batchCount() int {
	d.batchMu.Lock()
	defer d.batchMu.Unlock()
	return len(d.batches)
}

func (d *mockBatchDriver) batchSizes() []int {
	d.batchMu.Lock()
	defer d.batchMu.Unlock()
	out := make([]int, 0, len(d.batches))
	for _, b := range d.batches {
		out = append(out, len(b))
	}
	return out
}

func batchConfig(d estuary.Driver) *config.Config {
	cfg := testConfig(mockReplicator("rep", d, []string{"users"}))
	cfg.BatchSize = 2
	cfg.BatchTimeoutMs = 40
	return cfg
}

func TestBatchFlushesAtSize(t *testing.T) {
	d := &mockBatchDriver{}
	store := source.NewMemoryStore(64)
	cfg := batchConfig(d)
	_, _ = startService(t, store, cfg)

	store.Insert("users", "a", events.Record{"n": 1})
	store.Insert("users", "b", events.Record{"n": 2})

	require.Eventually(t, func() bool { return d.batchCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, d.batchSizes())
	assert.Zero(t, d.callCount(), "full batches bypass the single-op path")

	require.Eventually(t, func() bool {
		return len(logEntries(t, store, cfg.ReplicatorLogResource)) == 2
	}, 5*time.Second, 5*time.Millisecond)
	for _, e := range logEntries(t, store, cfg.ReplicatorLogResource) {
		assert.Equal(t, string(models.OutcomeSuccess), e["status"])
	}
}

func TestBatchFlushesOnTimeout(t *testing.T) {
	d := &mockBatchDriver{}
	store := source.NewMemoryStore(64)
	_, _ = startService(t, store, batchConfig(d))

	store.Insert("users", "lonely", events.Record{"n": 1})

	require.Eventually(t, func() bool { return d.batchCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1}, d.batchSizes())
}

func TestBatchTransientFailureReplaysPerItem(t *testing.T) {
	d := &mockBatchDriver{batchErrs: []error{models.Transient("mock", errors.New("flaky"))}}
	store := source.NewMemoryStore(64)
	cfg := batchConfig(d)
	_, _ = startService(t, store, cfg)

	store.Insert("users", "a", events.Record{"n": 1})
	store.Insert("users", "b", events.Record{"n": 2})

	// Each item replays through the single-op path with its own budget.
	require.Eventually(t, func() bool { return d.callCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"inserted:a", "inserted:b"}, d.operations())

	require.Eventually(t, func() bool {
		entries := logEntries(t, store, cfg.ReplicatorLogResource)
		if len(entries) != 2 {
			return false
		}
		for _, e := range entries {
			if e["status"] != string(models.OutcomeSuccess) {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
}

func TestBatchPermanentFailureFailsAllItems(t *testing.T) {
	d := &mockBatchDriver{batchErrs: []error{models.Permanent("mock", errors.New("rejected"))}}
	store := source.NewMemoryStore(64)
	cfg := batchConfig(d)
	_, stop := startService(t, store, cfg)

	store.Insert("users", "a", events.Record{"n": 1})
	store.Insert("users", "b", events.Record{"n": 2})

	require.Eventually(t, func() bool {
		entries := logEntries(t, store, cfg.ReplicatorLogResource)
		return len(entries) == 2
	}, 5*time.Second, 5*time.Millisecond)
	stop()

	assert.Zero(t, d.callCount(), "permanent batch failures are not replayed")
	for _, e := range logEntries(t, store, cfg.ReplicatorLogResource) {
		assert.Equal(t, string(models.OutcomeFailed), e["status"])
	}
}

func TestBatchBufferedItemsCancelOnShutdown(t *testing.T) {
	d := &mockBatchDriver{}
	store := source.NewMemoryStore(64)
	cfg := batchConfig(d)
	cfg.BatchTimeoutMs = 60000 // nothing flushes before shutdown
	svc, stop := startService(t, store, cfg)

	store.Insert("users", "a", events.Record{"n": 1})
	require.Eventually(t, func() bool { return len(store.Events()) == 0 }, 5*time.Second, time.Millisecond)

	// Wait for the lane worker to hand the op to the batcher buffer.
	require.Eventually(t, func() bool {
		return len(svc.reps[0].batcher.ch) == 0
	}, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	stop()
	assert.Zero(t, d.batchCount(), "a part-filled buffer is not delivered mid-shutdown")
	entries := logEntries(t, store, cfg.ReplicatorLogResource)
	require.Len(t, entries, 1)
	assert.Equal(t, string(models.OutcomeCancelled), entries[0]["status"])
}
