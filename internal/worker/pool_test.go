package worker

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/item"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/internal/processor"
	"DatasetFlow/internal/results"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type emitProcessor struct {
	desc plugin.Descriptor
	rows int
}

func (p emitProcessor) Descriptor() plugin.Descriptor { return p.desc }

func (p emitProcessor) Process(_ context.Context, rt plugin.Runtime) error {
	for i := 0; i < p.rows; i++ {
		if err := rt.Write(item.New().Set("n", int64(i))); err != nil {
			return err
		}
	}
	return nil
}

type funcWorker struct {
	typ string
	fn  func(ctx context.Context, j *job.Job, host plugin.Host) error
}

func (w funcWorker) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Type: w.typ, Kind: plugin.KindWorker, Config: plugin.Config{"ttl": "1h"}}
}

func (w funcWorker) Work(ctx context.Context, j *job.Job, host plugin.Host) error {
	return w.fn(ctx, j, host)
}

// recordingHost 记录工作池对 Host 的调用。
type recordingHost struct {
	datasets dataset.Store

	mu        sync.Mutex
	followUps []string
	copies    []string
}

func (h *recordingHost) ListDatasets(ctx context.Context, opts ...dataset.ListOption) ([]*dataset.Dataset, error) {
	return h.datasets.List(ctx, opts...)
}

func (h *recordingHost) DeleteDataset(ctx context.Context, key string) error {
	_, err := h.datasets.Delete(ctx, key)
	return err
}

func (h *recordingHost) Settings() plugin.Config { return plugin.Config{"shared": true} }

func (h *recordingHost) QueueFollowUp(_ context.Context, parent *dataset.Dataset, pluginType string) (*dataset.Dataset, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.followUps = append(h.followUps, parent.Key+"->"+pluginType)
	if pluginType == "missing" {
		return nil, plugin.ErrNotFound
	}
	return &dataset.Dataset{Key: parent.Key + "-" + pluginType}, nil
}

func (h *recordingHost) CopyAsStandalone(_ context.Context, key string) (*dataset.Dataset, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.copies = append(h.copies, key)
	return &dataset.Dataset{Key: key + "-copy"}, nil
}

func (h *recordingHost) CreateRecurringRun(ctx context.Context, j *job.Job) (*dataset.Dataset, error) {
	key, err := dataset.DeriveKey(j.Type, map[string]any{}, "", fmt.Sprintf("run-%d", j.Runs+1))
	if err != nil {
		return nil, err
	}
	ds, _, err := h.datasets.Create(ctx, &dataset.Dataset{Key: key, Type: j.Type, Extension: "ndjson"})
	return ds, err
}

type poolFixture struct {
	clock    *clock
	queue    *job.MemoryQueue
	datasets *dataset.MemoryStore
	registry *plugin.Registry
	host     *recordingHost
	pool     *Pool
}

func newPoolFixture(t *testing.T, plugins ...plugin.Plugin) *poolFixture {
	t.Helper()
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	res, err := results.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("results store: %v", err)
	}
	reg := plugin.NewRegistry()
	for _, p := range plugins {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	store := dataset.NewMemoryStore()
	queue := job.NewMemoryQueue(job.WithClock(clk.Now))
	host := &recordingHost{datasets: store}
	pool := New(Config{PollInterval: 10 * time.Millisecond, HeartbeatInterval: time.Second},
		queue, store, reg, processor.NewRunner(store, res, reg),
		WithHost(host), WithClock(clk.Now))
	return &poolFixture{clock: clk, queue: queue, datasets: store, registry: reg, host: host, pool: pool}
}

func (f *poolFixture) queueDataset(t *testing.T, typ, key string) {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.datasets.Create(ctx, &dataset.Dataset{Key: key, Type: typ, Extension: "ndjson"}); err != nil {
		t.Fatalf("create dataset: %v", err)
	}
	if _, _, err := f.queue.Enqueue(ctx, typ, key, job.WithDetails(map[string]any{DetailDataset: key})); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

// claimAndExecute 模拟 lane 的一次认领与执行。
func (f *poolFixture) claimAndExecute(t *testing.T, typ string) *job.Job {
	t.Helper()
	claimed, err := f.queue.Claim(context.Background(), "test-owner", "", typ)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatalf("no job available for %s", typ)
	}
	f.pool.execute(context.Background(), claimed)
	return claimed
}

func source(rows int) emitProcessor {
	return emitProcessor{desc: plugin.Descriptor{Type: "emit"}, rows: rows}
}

func TestProcessorJobFinishesDatasetAndDeletesJob(t *testing.T) {
	f := newPoolFixture(t, source(3))
	f.queueDataset(t, "emit", "ds1")
	f.claimAndExecute(t, "emit")

	ds, err := f.datasets.Get(context.Background(), "ds1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ds.State != dataset.StateFinished || ds.RowCount != 3 {
		t.Fatalf("unexpected dataset: %+v", ds)
	}
	if _, err := f.queue.Get(context.Background(), "emit", "ds1"); !stdErrors.Is(err, job.ErrNotFound) {
		t.Fatalf("one-shot job should be deleted, got %v", err)
	}
}

func TestInterruptBeforeStartFailsWithoutRunning(t *testing.T) {
	f := newPoolFixture(t, source(3))
	f.queueDataset(t, "emit", "ds1")
	if err := f.datasets.RequestInterrupt(context.Background(), "ds1"); err != nil {
		t.Fatalf("request interrupt: %v", err)
	}
	f.claimAndExecute(t, "emit")

	ds, _ := f.datasets.Get(context.Background(), "ds1")
	if ds.State != dataset.StateFailed || !ds.Cancelled || ds.RowCount != 0 {
		t.Fatalf("expected cancelled failure: %+v", ds)
	}
	if len(f.pool.Running()) != 0 {
		t.Fatalf("no dataset should be tracked after execution")
	}
}

func TestMissingDatasetDropsJob(t *testing.T) {
	f := newPoolFixture(t, source(1))
	if _, _, err := f.queue.Enqueue(context.Background(), "emit", "ghost"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.claimAndExecute(t, "emit")
	if _, err := f.queue.Get(context.Background(), "emit", "ghost"); !stdErrors.Is(err, job.ErrNotFound) {
		t.Fatalf("job without dataset should be dropped, got %v", err)
	}
}

func TestRecurringProcessorCreatesDatasetPerRun(t *testing.T) {
	f := newPoolFixture(t, source(1))
	ctx := context.Background()
	_, _, err := f.queue.Enqueue(ctx, "emit", "hourly",
		job.WithInterval(time.Hour), job.WithDetails(map[string]any{DetailRecurring: true}))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.claimAndExecute(t, "emit")

	j, err := f.queue.Get(ctx, "emit", "hourly")
	if err != nil {
		t.Fatalf("recurring job must survive: %v", err)
	}
	if j.Runs != 1 || j.NextEligibleAt != f.clock.Now().Unix()+3600 {
		t.Fatalf("unexpected re-arm: %+v", j)
	}
	if again, _ := f.queue.Claim(ctx, "test-owner", "", "emit"); again != nil {
		t.Fatalf("job must not be claimable before its interval")
	}

	f.clock.Advance(time.Hour)
	f.claimAndExecute(t, "emit")
	all, _ := f.datasets.List(ctx, dataset.WithType("emit"))
	if len(all) != 2 {
		t.Fatalf("expected one dataset per run, got %d", len(all))
	}
	for _, ds := range all {
		if ds.State != dataset.StateFinished {
			t.Fatalf("run dataset not finished: %+v", ds)
		}
	}
}

func TestFinishedDatasetTriggersFollowUpsAndCopy(t *testing.T) {
	p := emitProcessor{desc: plugin.Descriptor{Type: "emit", FollowUps: []string{"count", "missing"}, StandaloneCopy: true}, rows: 2}
	f := newPoolFixture(t, p)
	f.queueDataset(t, "emit", "ds1")
	f.claimAndExecute(t, "emit")

	if len(f.host.copies) != 1 || f.host.copies[0] != "ds1" {
		t.Fatalf("expected standalone copy, got %v", f.host.copies)
	}
	if len(f.host.followUps) != 2 {
		t.Fatalf("expected two follow-up attempts, got %v", f.host.followUps)
	}
	logs, _ := f.datasets.Log(context.Background(), "ds1")
	found := false
	for _, l := range logs {
		if l.Message == "Could not queue follow-up missing: plugin not found" {
			found = true
		}
	}
	if !found {
		t.Fatalf("follow-up failure must be logged on the dataset: %+v", logs)
	}
	ds, _ := f.datasets.Get(context.Background(), "ds1")
	if ds.State != dataset.StateFinished {
		t.Fatalf("follow-up failure must not fail the parent: %+v", ds)
	}
}

func TestWorkerJobRetryAndFatal(t *testing.T) {
	var (
		calls    int
		settings plugin.Config
	)
	w := funcWorker{typ: "sync", fn: func(_ context.Context, j *job.Job, host plugin.Host) error {
		calls++
		settings = host.Settings()
		if j.RemoteID == "flaky" {
			return xerrors.Transient(stdErrors.New("connection reset"), "upstream unavailable")
		}
		return stdErrors.New("bad credentials")
	}}
	f := newPoolFixture(t, w)
	ctx := context.Background()
	_, _, _ = f.queue.Enqueue(ctx, "sync", "flaky")
	f.claimAndExecute(t, "sync")

	j, err := f.queue.Get(ctx, "sync", "flaky")
	if err != nil {
		t.Fatalf("retryable failure must keep the job: %v", err)
	}
	if j.Claimed() || j.NextEligibleAt <= f.clock.Now().Unix() {
		t.Fatalf("job should be released with a retry delay: %+v", j)
	}
	if settings.String("ttl", "") != "1h" {
		t.Fatalf("worker should receive its own settings, got %v", settings)
	}

	_, _, _ = f.queue.Enqueue(ctx, "sync", "broken")
	f.claimAndExecute(t, "sync")
	if _, err := f.queue.Get(ctx, "sync", "broken"); !stdErrors.Is(err, job.ErrNotFound) {
		t.Fatalf("fatal one-shot job should be removed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two invocations, got %d", calls)
	}
}

func TestReclaimOrphans(t *testing.T) {
	f := newPoolFixture(t, source(1))
	ctx := context.Background()
	_, _, _ = f.queue.Enqueue(ctx, "emit", "stuck")
	if j, _ := f.queue.Claim(ctx, "dead-worker", "", "emit"); j == nil {
		t.Fatalf("expected claim")
	}
	if n := f.pool.ReclaimOrphans(ctx); n != 0 {
		t.Fatalf("fresh claim must not be reclaimed, got %d", n)
	}
	f.clock.Advance(7 * time.Second)
	if n := f.pool.ReclaimOrphans(ctx); n != 1 {
		t.Fatalf("expected one orphan, got %d", n)
	}
	if j, _ := f.queue.Claim(ctx, "live-worker", "", "emit"); j == nil {
		t.Fatalf("reclaimed job should be claimable again")
	}
}

func TestRunProcessesNotifiedJobs(t *testing.T) {
	f := newPoolFixture(t, source(2))
	notifier := job.NewMemoryNotifier()
	f.pool.notifier = notifier

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()

	f.queueDataset(t, "emit", "live")
	_ = notifier.Notify(ctx, "emit")

	for {
		ds, err := f.datasets.Get(ctx, "live")
		if err == nil && ds.State.Terminal() {
			if ds.State != dataset.StateFinished {
				t.Fatalf("unexpected state %s", ds.State)
			}
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("dataset was not processed in time")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
