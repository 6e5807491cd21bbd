package pipeline

import (
	"context"
	stdErrors "errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"DatasetFlow/internal/dataset"
	"DatasetFlow/internal/item"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/options"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/internal/processor"
	"DatasetFlow/internal/results"
	"DatasetFlow/internal/worker"
)

// rowsProcessor 写出 rows 行，或逐行复制父数据集。
type rowsProcessor struct {
	desc plugin.Descriptor
	rows int
}

func (p rowsProcessor) Descriptor() plugin.Descriptor { return p.desc }

func (p rowsProcessor) Process(ctx context.Context, rt plugin.Runtime) error {
	if rt.Parent() != nil {
		for it, err := range rt.Items(ctx) {
			if err != nil {
				return err
			}
			if err := rt.Write(it); err != nil {
				return err
			}
		}
		return nil
	}
	for i := 0; i < p.rows; i++ {
		if err := rt.Write(item.New().Set("n", int64(i))); err != nil {
			return err
		}
	}
	return nil
}

type noopWorker struct{}

func (noopWorker) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{Type: "cleanup", Kind: plugin.KindWorker}
}

func (noopWorker) Work(context.Context, *job.Job, plugin.Host) error { return nil }

type recordingInterrupter struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInterrupter) Interrupt(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	return true
}

type fixture struct {
	store    *dataset.MemoryStore
	queue    *job.MemoryQueue
	results  *results.Store
	registry *plugin.Registry
	service  *Service
	runner   *processor.Runner
	stop     *recordingInterrupter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	res, err := results.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("results store: %v", err)
	}
	reg := plugin.NewRegistry()
	for _, p := range []plugin.Plugin{
		rowsProcessor{desc: plugin.Descriptor{Type: "source", Options: options.Schema{
			{Key: "query", Type: options.TypeText, Required: true},
		}}, rows: 3},
		rowsProcessor{desc: plugin.Descriptor{Type: "copy", Accepts: []string{plugin.AcceptAny}}},
		rowsProcessor{desc: plugin.Descriptor{Type: "summary", Accepts: []string{"copy"}, Options: options.Schema{
			{Key: "depth", Type: options.TypeText, Integer: true, Default: int64(2)},
		}}},
		noopWorker{},
	} {
		if err := reg.Register(p); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	store := dataset.NewMemoryStore()
	queue := job.NewMemoryQueue()
	stop := &recordingInterrupter{}
	return &fixture{
		store:    store,
		queue:    queue,
		results:  res,
		registry: reg,
		service:  New(store, queue, reg, res, WithInterrupter(stop)),
		runner:   processor.NewRunner(store, res, reg),
		stop:     stop,
	}
}

func (f *fixture) submit(t *testing.T, typ, parent string, params map[string]any) Submission {
	t.Helper()
	sub, err := f.service.Submit(context.Background(), Request{Type: typ, ParentKey: parent, Parameters: params, User: "alice"})
	if err != nil {
		t.Fatalf("submit %s: %v", typ, err)
	}
	if !sub.Accepted() {
		t.Fatalf("submission %s not accepted: %#v", typ, sub.Outcome)
	}
	return sub
}

func (f *fixture) finished(t *testing.T, typ, parent string, params map[string]any) *dataset.Dataset {
	t.Helper()
	sub := f.submit(t, typ, parent, params)
	res := f.runner.Run(context.Background(), sub.Dataset, nil)
	if res.Outcome != processor.OutcomeFinished {
		t.Fatalf("run %s: %+v", typ, res)
	}
	_ = f.queue.Delete(context.Background(), sub.Dataset.Type, sub.Dataset.Key)
	return res.Dataset
}

func TestSubmitCreatesDatasetAndJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.submit(t, "source", "", map[string]any{"query": "cats"})
	ds := sub.Dataset
	if ds.State != dataset.StateQueued || ds.Owner != "alice" || ds.Extension != "ndjson" || sub.Duplicate {
		t.Fatalf("unexpected dataset: %+v", ds)
	}
	j, err := f.queue.Get(ctx, "source", ds.Key)
	if err != nil {
		t.Fatalf("job not enqueued: %v", err)
	}
	if diff := cmp.Diff(map[string]any{worker.DetailDataset: ds.Key}, j.Details); diff != "" {
		t.Fatalf("job details mismatch (-want +got):\n%s", diff)
	}

	again := f.submit(t, "source", "", map[string]any{"query": "cats"})
	if !again.Duplicate || again.Dataset.Key != ds.Key || again.Job == nil || again.Job.ID() != j.ID() {
		t.Fatalf("identical request should return the existing dataset: %+v", again)
	}
	jobs, _ := f.queue.List(ctx, "source")
	if len(jobs) != 1 {
		t.Fatalf("duplicate submission must not enqueue again, got %d jobs", len(jobs))
	}
}

// flakyQueue 让前 failures 次 Enqueue 失败。
type flakyQueue struct {
	*job.MemoryQueue
	failures int
}

func (q *flakyQueue) Enqueue(ctx context.Context, jobType, remoteID string, opts ...job.EnqueueOption) (*job.Job, bool, error) {
	if q.failures > 0 {
		q.failures--
		return nil, false, stdErrors.New("queue unavailable")
	}
	return q.MemoryQueue.Enqueue(ctx, jobType, remoteID, opts...)
}

func TestSubmitRecoversFromEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	queue := &flakyQueue{MemoryQueue: f.queue, failures: 1}
	svc := New(f.store, queue, f.registry, f.results)
	req := Request{Type: "source", Parameters: map[string]any{"query": "dogs"}, User: "alice"}

	if _, err := svc.Submit(ctx, req); err == nil {
		t.Fatalf("expected enqueue failure to surface")
	}
	if all, _ := f.store.List(ctx); len(all) != 0 {
		t.Fatalf("dataset without a job must not remain: %+v", all)
	}

	sub, err := svc.Submit(ctx, req)
	if err != nil || sub.Duplicate || sub.Job == nil || sub.Dataset.State != dataset.StateQueued {
		t.Fatalf("retry should queue a fresh dataset: %+v %v", sub, err)
	}

	// 任务丢失的排队数据集在重复请求时补回任务。
	if err := f.queue.Delete(ctx, "source", sub.Dataset.Key); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	again, err := svc.Submit(ctx, req)
	if err != nil || !again.Duplicate || again.Job == nil {
		t.Fatalf("duplicate of a queued dataset should be re-enqueued: %+v %v", again, err)
	}
	if _, err := f.queue.Get(ctx, "source", sub.Dataset.Key); err != nil {
		t.Fatalf("job not restored: %v", err)
	}
}

func TestSubmitRejectedCreatesNothing(t *testing.T) {
	f := newFixture(t)
	sub, err := f.service.Submit(context.Background(), Request{Type: "source"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok := sub.Outcome.(options.Rejected); !ok || sub.Dataset != nil {
		t.Fatalf("missing required option should be rejected: %#v", sub)
	}
	all, _ := f.store.List(context.Background())
	if len(all) != 0 {
		t.Fatalf("rejected submission created %d datasets", len(all))
	}
}

func TestSubmitChecksParentAndCompatibility(t *testing.T) {
	f := newFixture(t)
	queued := f.submit(t, "source", "", map[string]any{"query": "pending"}).Dataset
	if _, err := f.service.Submit(context.Background(), Request{Type: "copy", ParentKey: queued.Key}); !stdErrors.Is(err, dataset.ErrConflict) {
		t.Fatalf("unfinished parent must be refused, got %v", err)
	}

	root := f.finished(t, "source", "", map[string]any{"query": "cats"})
	if _, err := f.service.Submit(context.Background(), Request{Type: "summary", ParentKey: root.Key}); !stdErrors.Is(err, plugin.ErrIncompatible) {
		t.Fatalf("summary only accepts copy datasets, got %v", err)
	}
	if _, err := f.service.Submit(context.Background(), Request{Type: "nope"}); !stdErrors.Is(err, plugin.ErrNotFound) {
		t.Fatalf("unknown type must be reported, got %v", err)
	}
	types, err := f.service.CompatiblePlugins(context.Background(), root.Key)
	if err != nil {
		t.Fatalf("compatible: %v", err)
	}
	if diff := cmp.Diff([]string{"copy"}, types); diff != "" {
		t.Fatalf("compatible plugins mismatch (-want +got):\n%s", diff)
	}
}

func TestGenealogy(t *testing.T) {
	f := newFixture(t)
	root := f.finished(t, "source", "", map[string]any{"query": "cats"})
	child := f.finished(t, "copy", root.Key, nil)
	grandchild := f.submit(t, "summary", child.Key, nil).Dataset

	if child.TopParentKey != root.Key || grandchild.TopParentKey != root.Key || grandchild.ParentKey != child.Key {
		t.Fatalf("genealogy broken: child=%+v grandchild=%+v", child, grandchild)
	}
	kids, err := f.service.Children(context.Background(), root.Key)
	if err != nil || len(kids) != 1 || kids[0].Key != child.Key {
		t.Fatalf("children of root: %v %v", kids, err)
	}
}

func TestCancelQueuedDataset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ds := f.submit(t, "source", "", map[string]any{"query": "cats"}).Dataset

	cancelled, err := f.service.Cancel(ctx, ds.Key)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.State != dataset.StateFailed || !cancelled.Cancelled {
		t.Fatalf("queued dataset should fail immediately: %+v", cancelled)
	}
	if _, err := f.queue.Get(ctx, "source", ds.Key); !stdErrors.Is(err, job.ErrNotFound) {
		t.Fatalf("job of cancelled dataset should be removed, got %v", err)
	}
	if _, err := f.service.Cancel(ctx, ds.Key); !stdErrors.Is(err, dataset.ErrConflict) {
		t.Fatalf("cancelling a finished dataset must conflict, got %v", err)
	}
}

func TestCancelRunningDatasetRequestsInterrupt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ds := f.submit(t, "source", "", map[string]any{"query": "cats"}).Dataset
	if err := f.store.MarkRunning(ctx, ds.Key); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	got, err := f.service.Cancel(ctx, ds.Key)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !got.InterruptRequested || got.State != dataset.StateRunning {
		t.Fatalf("running dataset should only be flagged: %+v", got)
	}
	if diff := cmp.Diff([]string{ds.Key}, f.stop.keys); diff != "" {
		t.Fatalf("local interrupt mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteCascadesToFilesAndJobs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.finished(t, "source", "", map[string]any{"query": "cats"})
	child := f.finished(t, "copy", root.Key, nil)
	pending := f.submit(t, "summary", child.Key, nil).Dataset

	removed, err := f.service.Delete(ctx, root.Key)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(removed) != 3 {
		t.Fatalf("expected cascade over 3 datasets, got %d", len(removed))
	}
	for _, path := range []string{root.ResultPath, child.ResultPath} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("result file %s should be removed", path)
		}
	}
	if _, err := f.queue.Get(ctx, "summary", pending.Key); !stdErrors.Is(err, job.ErrNotFound) {
		t.Fatalf("pending job should be removed, got %v", err)
	}
	if _, err := f.service.Get(ctx, child.Key); !stdErrors.Is(err, dataset.ErrNotFound) {
		t.Fatalf("child should be gone, got %v", err)
	}
}

func TestCopyAsStandalone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	root := f.finished(t, "source", "", map[string]any{"query": "cats"})
	child := f.finished(t, "copy", root.Key, nil)

	copied, err := f.service.CopyAsStandalone(ctx, child.Key)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	if copied.Key == child.Key || !copied.Standalone || copied.State != dataset.StateFinished {
		t.Fatalf("unexpected copy: %+v", copied)
	}
	if copied.ParentKey != root.Key || copied.TopParentKey != root.Key || copied.RowCount != child.RowCount {
		t.Fatalf("copy must keep genealogy and rows: %+v", copied)
	}
	items, err := f.service.Items(ctx, copied.Key, 10)
	if err != nil || len(items) != 3 {
		t.Fatalf("copied items: %v %v", items, err)
	}
	top, _ := f.service.List(ctx, dataset.WithTopLevelOnly())
	if len(top) != 2 {
		t.Fatalf("standalone copy should be listed as top level, got %d", len(top))
	}

	// 删除原数据集不影响独立副本。
	if _, err := f.service.Delete(ctx, child.Key); err != nil {
		t.Fatalf("delete original: %v", err)
	}
	if _, err := f.service.Items(ctx, copied.Key, 1); err != nil {
		t.Fatalf("standalone copy lost its results: %v", err)
	}
}

func TestQueueFollowUpUsesDefaults(t *testing.T) {
	f := newFixture(t)
	root := f.finished(t, "source", "", map[string]any{"query": "cats"})
	child := f.finished(t, "copy", root.Key, nil)

	follow, err := f.service.QueueFollowUp(context.Background(), child, "summary")
	if err != nil {
		t.Fatalf("follow-up: %v", err)
	}
	if follow.ParentKey != child.Key || follow.Owner != "alice" {
		t.Fatalf("unexpected follow-up: %+v", follow)
	}
	if diff := cmp.Diff(map[string]any{"depth": float64(2)}, follow.Parameters); diff != "" {
		t.Fatalf("follow-up parameters mismatch (-want +got):\n%s", diff)
	}
}

func TestRecurringRegistrationAndRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, _, err := f.service.EnqueueRecurring(ctx, RecurringRequest{Type: "source", RemoteID: "daily", Interval: 0}); err == nil {
		t.Fatalf("interval below one second must be refused")
	}
	if _, _, err := f.service.EnqueueRecurring(ctx, RecurringRequest{Type: "source", RemoteID: "daily", Interval: time.Hour}); err == nil {
		t.Fatalf("parameters must be negotiated for recurring processors")
	}
	j, created, err := f.service.EnqueueRecurring(ctx, RecurringRequest{
		Type: "source", RemoteID: "daily", Interval: time.Hour, Parameters: map[string]any{"query": "cats"},
	})
	if err != nil || !created || j.Interval != 3600 {
		t.Fatalf("enqueue recurring: %+v %v %v", j, created, err)
	}
	if recurring, _ := j.Details[worker.DetailRecurring].(bool); !recurring {
		t.Fatalf("recurring flag missing: %+v", j.Details)
	}

	first, err := f.service.CreateRecurringRun(ctx, j)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	same, _ := f.service.CreateRecurringRun(ctx, j)
	j.Runs++
	second, _ := f.service.CreateRecurringRun(ctx, j)
	if first.Key != same.Key || first.Key == second.Key {
		t.Fatalf("run keys: first=%s same=%s second=%s", first.Key, same.Key, second.Key)
	}

	w, created, err := f.service.EnqueueRecurring(ctx, RecurringRequest{
		Type: "cleanup", RemoteID: "nightly", Interval: 24 * time.Hour, Parameters: map[string]any{"keep": "7d"},
	})
	if err != nil || !created {
		t.Fatalf("worker recurring: %v", err)
	}
	if _, ok := w.Details[worker.DetailRecurring]; ok {
		t.Fatalf("worker jobs do not create datasets: %+v", w.Details)
	}
}

func TestRecurringRunKeysFollowJobIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	register := func(remote string) *job.Job {
		t.Helper()
		j, _, err := f.service.EnqueueRecurring(ctx, RecurringRequest{
			Type: "source", RemoteID: remote, Interval: time.Hour, Parameters: map[string]any{"query": "cats"},
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", remote, err)
		}
		return j
	}

	siteA, siteB := register("site-a"), register("site-b")
	runA, err := f.service.CreateRecurringRun(ctx, siteA)
	if err != nil {
		t.Fatalf("run a: %v", err)
	}
	runB, err := f.service.CreateRecurringRun(ctx, siteB)
	if err != nil {
		t.Fatalf("run b: %v", err)
	}
	if runA.Key == runB.Key {
		t.Fatalf("jobs with equal parameters share dataset %s", runA.Key)
	}
	if runB.State != dataset.StateQueued {
		t.Fatalf("second job's first run should be fresh, got %s", runB.State)
	}

	if err := f.queue.Delete(ctx, "source", "site-a"); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	again, err := f.service.CreateRecurringRun(ctx, register("site-a"))
	if err != nil {
		t.Fatalf("run after re-registration: %v", err)
	}
	if again.Key == runA.Key {
		t.Fatalf("re-registered job reused dataset %s", runA.Key)
	}
}

func TestEndToEndWithWorkerPool(t *testing.T) {
	f := newFixture(t)
	notifier := job.NewMemoryNotifier()
	f.service = New(f.store, f.queue, f.registry, f.results, WithNotifier(notifier))
	pool := worker.New(worker.Config{PollInterval: 20 * time.Millisecond}, f.queue, f.store, f.registry, f.runner,
		worker.WithNotifier(notifier), worker.WithHost(f.service))
	f.service.SetInterrupter(pool)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	root := f.submit(t, "source", "", map[string]any{"query": "cats"}).Dataset
	finished, err := f.service.WaitUntilFinished(ctx, root.Key, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if finished.State != dataset.StateFinished || finished.RowCount != 3 {
		t.Fatalf("unexpected dataset: %+v", finished)
	}
	child := f.submit(t, "copy", root.Key, nil).Dataset
	if got, err := f.service.WaitUntilFinished(ctx, child.Key, 10*time.Millisecond); err != nil || got.RowCount != 3 {
		t.Fatalf("child: %+v %v", got, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool: %v", err)
	}
}
