package replicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/estuary"
	"github.com/riverrun/replicator/pkg/events"
	"github.com/riverrun/replicator/pkg/mapping"
	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/schema"
	"github.com/riverrun/replicator/pkg/source"
)

func init() {
	// A test driver kind whose instance is handed in through the opaque
	// driver config block.
	estuary.Register("unit-mock", func(cfg map[string]interface{}) (estuary.Driver, error) {
		d, ok := cfg["instance"].(estuary.Driver)
		if !ok {
			return nil, fmt.Errorf("missing mock instance")
		}
		return d, nil
	})
}

// gate lets a test hold a driver call open and observe that it started.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 16), release: make(chan struct{})}
}

type mockDriver struct {
	mu     sync.Mutex
	calls  []estuary.Op
	script map[string][]error
	gate   *gate
	closed bool
}

func (d *mockDriver) Init() error { return nil }

func (d *mockDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *mockDriver) Replicate(ctx context.Context, op estuary.Op) error {
	if d.gate != nil {
		d.gate.started <- struct{}{}
		select {
		case <-d.gate.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, op)
	if q := d.script[op.RecordID]; len(q) > 0 {
		err := q[0]
		d.script[op.RecordID] = q[1:]
		return err
	}
	return nil
}

func (d *mockDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *mockDriver) operations() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.calls))
	for _, op := range d.calls {
		out = append(out, op.Operation+":"+op.RecordID)
	}
	return out
}

func (d *mockDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// syncDriver additionally advertises the schema capability.
type syncDriver struct {
	mockDriver
	syncMu sync.Mutex
	syncs  int
}

func (d *syncDriver) Dialect() schema.Dialect       { return schema.DialectPostgres }
func (d *syncDriver) ExtraColumns() []schema.Column { return nil }

func (d *syncDriver) IntrospectTable(context.Context, string) (*schema.TableInfo, error) {
	return &schema.TableInfo{}, nil
}

func (d *syncDriver) SyncSchema(context.Context, *schema.Plan) (*schema.Diff, error) {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	d.syncs++
	return &schema.Diff{TableCreated: true}, nil
}

func (d *syncDriver) syncCount() int {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	return d.syncs
}

func mockReplicator(id string, d estuary.Driver, resources interface{}) config.ReplicatorConfig {
	return config.ReplicatorConfig{
		ID:        id,
		Driver:    "unit-mock",
		Config:    map[string]interface{}{"instance": d},
		Resources: resources,
	}
}

func testConfig(reps ...config.ReplicatorConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Replicators = reps
	cfg.Metrics.Enabled = false
	cfg.BatchSize = 1
	cfg.RetryBackoffMs = 1
	cfg.TimeoutMs = 5000
	cfg.PersistReplicatorLog = true
	return cfg
}

// startService boots the full pipeline against an in-memory store and
// returns an idempotent stopper.
func startService(t *testing.T, store *source.MemoryStore, cfg *config.Config) (*Service, func()) {
	t.Helper()
	lg := logrus.New()
	lg.SetOutput(io.Discard)

	svc, err := NewService(ServiceOptions{Config: cfg, Logger: lg, Store: store, LogClient: store})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	var once sync.Once
	stop := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			require.NoError(t, svc.Stop(ctx))
		})
	}
	t.Cleanup(stop)
	return svc, stop
}

// logEntries reads back everything persisted in the replication log.
func logEntries(t *testing.T, store *source.MemoryStore, collection string) []events.Record {
	t.Helper()
	var out []events.Record
	err := store.Enumerate(context.Background(), collection, func(_ string, rec events.Record) error {
		out = append(out, rec)
		return nil
	})
	require.NoError(t, err)
	return out
}

func entryFor(entries []events.Record, recordID string) events.Record {
	for _, e := range entries {
		if e["recordId"] == recordID {
			return e
		}
	}
	return nil
}

func TestEngineDeliversMutationsInOrder(t *testing.T) {
	d := &mockDriver{}
	store := source.NewMemoryStore(64)
	_, _ = startService(t, store, testConfig(mockReplicator("rep", d, []string{"users"})))

	store.Insert("users", "u1", events.Record{"name": "ada"})
	store.Update("users", "u1", events.Record{"name": "grace"})
	store.Remove("users", "u1")

	require.Eventually(t, func() bool { return d.callCount() == 3 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"inserted:u1", "updated:u1", "deleted:u1"}, d.operations())

	d.mu.Lock()
	update := d.calls[1]
	d.mu.Unlock()
	assert.Equal(t, "grace", update.Record["name"])
	assert.Equal(t, "ada", update.Before["name"], "updates carry the prior state")
	assert.Equal(t, "users", update.Binding.Destination)
}

func TestFilterSkipsWithoutDriverCall(t *testing.T) {
	mapping.RegisterFilter("engine-test-large-only", func(r events.Record, _ string) bool {
		total, _ := r["total"].(float64)
		return total >= 100
	})

	d := &mockDriver{}
	store := source.NewMemoryStore(64)
	cfg := testConfig(mockReplicator("rep", d, map[string]interface{}{
		"orders": map[string]interface{}{"shouldReplicate": "engine-test-large-only"},
	}))
	_, _ = startService(t, store, cfg)

	store.Insert("orders", "small", events.Record{"total": float64(5)})
	store.Insert("orders", "big", events.Record{"total": float64(500)})

	require.Eventually(t, func() bool { return d.callCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"inserted:big"}, d.operations())

	require.Eventually(t, func() bool {
		return entryFor(logEntries(t, store, cfg.ReplicatorLogResource), "small") != nil
	}, 5*time.Second, 5*time.Millisecond)
	entry := entryFor(logEntries(t, store, cfg.ReplicatorLogResource), "small")
	assert.Equal(t, string(models.OutcomeSkipped), entry["status"])
}

func TestTransformNilSkips(t *testing.T) {
	d := &mockDriver{}
	store := source.NewMemoryStore(64)
	fn := func(r events.Record, _ string) (events.Record, error) {
		if hidden, _ := r["hidden"].(bool); hidden {
			return nil, nil
		}
		return r, nil
	}
	cfg := testConfig(mockReplicator("rep", d, map[string]interface{}{"users": fn}))
	_, _ = startService(t, store, cfg)

	store.Insert("users", "h1", events.Record{"hidden": true})
	store.Insert("users", "v1", events.Record{"hidden": false})

	require.Eventually(t, func() bool { return d.callCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"inserted:v1"}, d.operations())
}

func TestTransientErrorsRetryThenSucceed(t *testing.T) {
	d := &mockDriver{script: map[string][]error{
		"u1": {
			models.Transient("mock", errors.New("try again")),
			models.Transient("mock", errors.New("try again")),
		},
	}}
	store := source.NewMemoryStore(64)
	cfg := testConfig(mockReplicator("rep", d, []string{"users"}))

	svc, _ := startService(t, store, cfg)
	notifications := svc.Bus().Subscribe("test", 64)

	store.Insert("users", "u1", events.Record{"n": 1})

	require.Eventually(t, func() bool { return d.callCount() == 3 }, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return entryFor(logEntries(t, store, cfg.ReplicatorLogResource), "u1") != nil
	}, 5*time.Second, 5*time.Millisecond)
	entry := entryFor(logEntries(t, store, cfg.ReplicatorLogResource), "u1")
	assert.Equal(t, string(models.OutcomeSuccess), entry["status"])
	assert.Equal(t, 3, entry["attempts"])

	var attemptErrs int
	for len(notifications) > 0 {
		n := <-notifications
		if n.Kind == events.KindReplicatorError {
			attemptErrs++
			assert.Equal(t, true, n.Fields["retriable"])
		}
	}
	assert.Equal(t, 2, attemptErrs, "each failed attempt is reported")
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	d := &mockDriver{script: map[string][]error{
		"u1": {models.Permanent("mock", errors.New("bad schema"))},
	}}
	store := source.NewMemoryStore(64)
	cfg := testConfig(config.ReplicatorConfig{
		ID:         "rep",
		Driver:     "unit-mock",
		Config:     map[string]interface{}{"instance": d},
		Resources:  []string{"users"},
		DeadLetter: "users_dlq",
	})
	_, stop := startService(t, store, cfg)

	store.Insert("users", "u1", events.Record{"n": 1})

	require.Eventually(t, func() bool { return store.Count("users_dlq") == 1 }, 5*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 1, d.callCount(), "permanent failures must not retry")

	entry := entryFor(logEntries(t, store, cfg.ReplicatorLogResource), "u1")
	require.NotNil(t, entry)
	assert.Equal(t, string(models.OutcomeFailed), entry["status"])
	assert.Equal(t, 1, entry["attempts"], "one driver call means one recorded attempt")

	dlq := logEntries(t, store, "users_dlq")
	require.Len(t, dlq, 1)
	assert.Contains(t, dlq[0]["lastError"], "bad schema")
	assert.NotNil(t, dlq[0]["payloadSnapshot"], "dead letters keep the payload for replay")
}

func TestRetryBudgetExhausts(t *testing.T) {
	d := &mockDriver{script: map[string][]error{
		"u1": {
			models.Transient("mock", errors.New("down")),
			models.Transient("mock", errors.New("down")),
			models.Transient("mock", errors.New("down")),
		},
	}}
	store := source.NewMemoryStore(64)
	cfg := testConfig(mockReplicator("rep", d, []string{"users"}))
	cfg.MaxRetries = 2

	_, stop := startService(t, store, cfg)
	store.Insert("users", "u1", events.Record{"n": 1})

	require.Eventually(t, func() bool {
		e := entryFor(logEntries(t, store, cfg.ReplicatorLogResource), "u1")
		return e != nil && e["status"] == string(models.OutcomeFailed)
	}, 5*time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, 3, d.callCount(), "initial attempt plus max_retries")
}

func TestPerKeyOrderSurvivesRetries(t *testing.T) {
	d := &mockDriver{script: map[string][]error{
		"u1": {models.Transient("mock", errors.New("blip"))},
	}}
	store := source.NewMemoryStore(64)
	_, _ = startService(t, store, testConfig(mockReplicator("rep", d, []string{"users"})))

	store.Insert("users", "u1", events.Record{"v": 1})
	store.Update("users", "u1", events.Record{"v": 2})

	require.Eventually(t, func() bool { return d.callCount() == 3 }, 5*time.Second, 5*time.Millisecond)
	// The retried insert lands before the update; the later op never
	// overtakes a retrying one for the same key.
	assert.Equal(t, []string{"inserted:u1", "inserted:u1", "updated:u1"}, d.operations())
}

func TestReplicatorFailureIsIsolated(t *testing.T) {
	good := &mockDriver{}
	bad := &mockDriver{script: map[string][]error{
		"u1": {models.Permanent("mock", errors.New("refused"))},
	}}
	store := source.NewMemoryStore(64)
	cfg := testConfig(
		mockReplicator("good", good, []string{"users"}),
		mockReplicator("bad", bad, []string{"users"}),
	)
	_, _ = startService(t, store, cfg)

	store.Insert("users", "u1", events.Record{"n": 1})
	store.Insert("users", "u2", events.Record{"n": 2})

	require.Eventually(t, func() bool { return good.callCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return bad.callCount() == 2 }, 5*time.Second, 5*time.Millisecond)

	entries := logEntries(t, store, cfg.ReplicatorLogResource)
	var goodOutcome, badOutcome string
	for _, e := range entries {
		if e["recordId"] != "u1" {
			continue
		}
		switch e["replicatorId"] {
		case "good":
			goodOutcome, _ = e["status"].(string)
		case "bad":
			badOutcome, _ = e["status"].(string)
		}
	}
	assert.Equal(t, string(models.OutcomeSuccess), goodOutcome)
	assert.Equal(t, string(models.OutcomeFailed), badOutcome)
}

func TestDisableStopsRoutingEnableResumes(t *testing.T) {
	d := &mockDriver{}
	store := source.NewMemoryStore(64)
	svc, _ := startService(t, store, testConfig(mockReplicator("rep", d, []string{"users"})))

	require.NoError(t, svc.Disable("rep"))
	store.Insert("users", "while-off", events.Record{})

	// Let the engine drain the event while the replicator is off.
	require.Eventually(t, func() bool { return len(store.Events()) == 0 }, 5*time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svc.Enable("rep"))
	store.Insert("users", "while-on", events.Record{})

	require.Eventually(t, func() bool { return d.callCount() >= 1 }, 5*time.Second, 5*time.Millisecond)
	// Nothing is replayed for the window the replicator was off.
	assert.Equal(t, []string{"inserted:while-on"}, d.operations())
}

func TestUnknownReplicatorIDs(t *testing.T) {
	d := &mockDriver{}
	store := source.NewMemoryStore(64)
	svc, _ := startService(t, store, testConfig(mockReplicator("rep", d, []string{"users"})))

	assert.Equal(t, []string{"rep"}, svc.List())

	err := svc.Enable("nope")
	var unknown *UnknownReplicatorError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "nope", unknown.ID)
	assert.Equal(t, []string{"rep"}, unknown.Known)
	assert.Error(t, svc.Disable("nope"))
	assert.Error(t, svc.SyncNow(context.Background(), "nope"))
}

func TestSyncNowBackfillsExistingRecords(t *testing.T) {
	d := &mockDriver{}
	store := source.NewMemoryStore(64)
	svc, _ := startService(t, store, testConfig(mockReplicator("rep", d, []string{"users"})))

	// Seed without emitting mutation events.
	require.NoError(t, store.Upsert(context.Background(), "users", "a", events.Record{"n": 1}))
	require.NoError(t, store.Upsert(context.Background(), "users", "b", events.Record{"n": 2}))

	require.NoError(t, svc.SyncNow(context.Background(), "rep"))

	require.Eventually(t, func() bool { return d.callCount() == 2 }, 5*time.Second, 5*time.Millisecond)
	ops := d.operations()
	assert.ElementsMatch(t, []string{"inserted:a", "inserted:b"}, ops)
}

func TestShutdownCancelsQueuedWork(t *testing.T) {
	g := newGate()
	d := &mockDriver{gate: g}
	store := source.NewMemoryStore(64)
	cfg := testConfig(mockReplicator("rep", d, []string{"users"}))
	svc, stop := startService(t, store, cfg)

	notifications := svc.Bus().Subscribe("test", 64)

	// Two ops for the same key share a lane: the first blocks in the
	// driver, the second waits behind it.
	store.Insert("users", "u1", events.Record{"v": 1})
	store.Update("users", "u1", events.Record{"v": 2})
	<-g.started

	// Wait until the second op sits in the lane behind the blocked one.
	require.Eventually(t, func() bool {
		queued := 0
		for _, ch := range svc.reps[0].lanes {
			queued += len(ch)
		}
		return queued == 1
	}, 5*time.Second, time.Millisecond)

	stopDone := make(chan struct{})
	go func() {
		stop()
		close(stopDone)
	}()

	require.Eventually(t, func() bool { return svc.engine.stopping.Load() }, 5*time.Second, time.Millisecond)
	close(g.release)
	<-stopDone

	assert.Equal(t, 1, d.callCount(), "queued work is cancelled, not delivered")
	assert.True(t, d.isClosed())

	var sawCancelled bool
	for n := range notifications {
		if n.Kind == events.KindCleanupError && n.Fields["recordId"] == "u1" {
			sawCancelled = true
		}
	}
	assert.True(t, sawCancelled, "cancelled ops surface as cleanup errors")
}

func TestCountersTrackOutcomes(t *testing.T) {
	d := &mockDriver{script: map[string][]error{
		"fail": {models.Permanent("mock", errors.New("no"))},
	}}
	store := source.NewMemoryStore(64)
	svc, _ := startService(t, store, testConfig(mockReplicator("rep", d, []string{"users"})))

	store.Insert("users", "ok", events.Record{})
	store.Insert("users", "fail", events.Record{})

	require.Eventually(t, func() bool {
		c := svc.Counters()
		return c.Success == 1 && c.Failed == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStartRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(config.ReplicatorConfig{
		ID:        "rep",
		Driver:    "no-such-driver",
		Resources: []string{"users"},
	})
	lg := logrus.New()
	lg.SetOutput(io.Discard)
	svc, err := NewService(ServiceOptions{Config: cfg, Logger: lg, Store: source.NewMemoryStore(8)})
	require.NoError(t, err)

	err = svc.Start(context.Background())
	var cfgErr *models.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, StatusError, svc.Status())
}

func TestBackoffDelayHonorsRetryAfter(t *testing.T) {
	assert.Equal(t, 9*time.Second, backoffDelay(time.Second, 1, 9*time.Second))

	for attempt := 1; attempt <= 4; attempt++ {
		base := 100 * time.Millisecond
		expected := base << (attempt - 1)
		got := backoffDelay(base, attempt, 0)
		assert.GreaterOrEqual(t, got, expected-expected/4)
		assert.LessOrEqual(t, got, expected+expected/4)
	}
}

func TestConfigChangeEmitsWarningAndResyncs(t *testing.T) {
	d := &syncDriver{}
	store := source.NewMemoryStore(64)
	store.DefineResource("users", map[string]string{"email": "string"})
	svc, _ := startService(t, store, testConfig(mockReplicator("rep", d, []string{"users"})))

	require.Equal(t, 1, d.syncCount(), "schema sync runs at start")
	notifications := svc.Bus().Subscribe("test", 16)

	svc.HandleConfigChange(context.Background(), "/etc/replicator/replicator.conf")

	n := <-notifications
	assert.Equal(t, events.KindConfigWarning, n.Kind)
	assert.Equal(t, "/etc/replicator/replicator.conf", n.Fields["file"])
	assert.Equal(t, 2, d.syncCount(), "syncer-capable replicators re-sync on change")
}

func TestBackoffDelayClampsLargeAttempts(t *testing.T) {
	for _, attempt := range []int{40, 64, 1 << 20} {
		got := backoffDelay(time.Second, attempt, 0)
		assert.Greater(t, got, time.Duration(0))
		assert.GreaterOrEqual(t, got, maxBackoff-maxBackoff/4)
		assert.LessOrEqual(t, got, maxBackoff+maxBackoff/4)
	}
}

func TestLaneIndexIsStable(t *testing.T) {
	a := laneIndex("users", "u1", 5)
	for i := 0; i < 10; i++ {
		assert.Equal(t, a, laneIndex("users", "u1", 5))
	}
	assert.Less(t, a, 5)
}
