package dataset

import (
	"context"
	stdErrors "errors"
	"path/filepath"
	"sync"
	"testing"

	"DatasetFlow/internal/storage/sqldb"
)

// storeFactories 让同一组行为测试同时覆盖内存与 SQLite 实现。
func storeFactories(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sqldb.Open(context.Background(), sqldb.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "datasets.db"),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlStore, err := NewSQLStore(db)
	if err != nil {
		t.Fatalf("new sql store: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func newRoot(t *testing.T, pluginType string, params map[string]any) *Dataset {
	t.Helper()
	key, err := DeriveKey(pluginType, params, "", "")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	return &Dataset{Key: key, Type: pluginType, Extension: "ndjson", Parameters: params}
}

func newChild(t *testing.T, parent *Dataset, pluginType string) *Dataset {
	t.Helper()
	key, err := DeriveKey(pluginType, map[string]any{}, parent.Key, "")
	if err != nil {
		t.Fatalf("derive key: %v", err)
	}
	return &Dataset{Key: key, Type: pluginType, Extension: "csv", ParentKey: parent.Key, TopParentKey: TopParentOf(parent)}
}

func TestStoreCreateIsIdempotent(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			root := newRoot(t, "upload-csv", map[string]any{"filename": "a.csv"})

			first, created, err := store.Create(ctx, root)
			if err != nil || !created {
				t.Fatalf("create: created=%v err=%v", created, err)
			}
			if first.State != StateQueued {
				t.Fatalf("new datasets start queued, got %s", first.State)
			}
			second, created, err := store.Create(ctx, root)
			if err != nil {
				t.Fatalf("second create: %v", err)
			}
			if created || second.Key != first.Key {
				t.Fatalf("duplicate request should return the existing dataset")
			}
			if second.Parameters["filename"] != "a.csv" {
				t.Fatalf("parameters not persisted: %v", second.Parameters)
			}
		})
	}
}

func TestStoreGenealogy(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			root := newRoot(t, "fetch-json", map[string]any{"url": "x"})
			if _, _, err := store.Create(ctx, root); err != nil {
				t.Fatalf("create root: %v", err)
			}
			child := newChild(t, root, "date-filter")
			if _, _, err := store.Create(ctx, child); err != nil {
				t.Fatalf("create child: %v", err)
			}
			grandchild := newChild(t, child, "count-values")
			if _, _, err := store.Create(ctx, grandchild); err != nil {
				t.Fatalf("create grandchild: %v", err)
			}

			if child.TopParentKey != root.Key || grandchild.TopParentKey != root.Key {
				t.Fatalf("top parent must point at the root")
			}
			children, err := store.Children(ctx, root.Key)
			if err != nil || len(children) != 1 || children[0].Key != child.Key {
				t.Fatalf("unexpected children: %v %v", children, err)
			}
			top, err := store.List(ctx, WithTopLevelOnly())
			if err != nil || len(top) != 1 || top[0].Key != root.Key {
				t.Fatalf("unexpected top level list: %v %v", top, err)
			}

			orphan := &Dataset{Key: "k", Type: "x", ParentKey: root.Key}
			if _, _, err := store.Create(ctx, orphan); err == nil {
				t.Fatalf("child without top parent must be rejected")
			}
		})
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := newRoot(t, "fetch-json", map[string]any{"n": 1})
			if _, _, err := store.Create(ctx, d); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.MarkRunning(ctx, d.Key); err != nil {
				t.Fatalf("mark running: %v", err)
			}
			for _, p := range []float64{0.2, 0.5, 0.3, 0.7} {
				if err := store.UpdateProgress(ctx, d.Key, p); err != nil {
					t.Fatalf("progress: %v", err)
				}
			}
			got, _ := store.Get(ctx, d.Key)
			if got.Progress != 0.7 {
				t.Fatalf("progress must be monotonic, got %v", got.Progress)
			}

			_ = store.UpdateStatus(ctx, d.Key, "Collected 10 items", true)
			_ = store.UpdateStatus(ctx, d.Key, "Writing", false)
			got, _ = store.Get(ctx, d.Key)
			if got.Status != "Collected 10 items" {
				t.Fatalf("final status overwritten: %q", got.Status)
			}

			if err := store.AppendLog(ctx, d.Key, "one"); err != nil {
				t.Fatalf("append log: %v", err)
			}
			_ = store.AppendLog(ctx, d.Key, "two")

			if err := store.Finish(ctx, d.Key, 10, "/data/x.ndjson"); err != nil {
				t.Fatalf("finish: %v", err)
			}
			got, _ = store.Get(ctx, d.Key)
			if got.State != StateFinished || !got.ResultValid() || got.RowCount != 10 || got.Progress != 1 {
				t.Fatalf("unexpected finished dataset: %+v", got)
			}
			if err := store.Fail(ctx, d.Key, "late", false); !stdErrors.Is(err, ErrConflict) {
				t.Fatalf("terminal datasets cannot change state, got %v", err)
			}
			if err := store.UpdateProgress(ctx, d.Key, 0.1); err != nil {
				t.Fatalf("progress after finish should be ignored, got %v", err)
			}

			entries, err := store.Log(ctx, d.Key)
			if err != nil || len(entries) != 2 || entries[0].Message != "one" || entries[1].Message != "two" {
				t.Fatalf("unexpected log: %v %v", entries, err)
			}
		})
	}
}

func TestStoreFailAndInterrupt(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := newRoot(t, "fetch-json", map[string]any{"n": 2})
			_, _, _ = store.Create(ctx, d)
			if err := store.RequestInterrupt(ctx, d.Key); err != nil {
				t.Fatalf("interrupt: %v", err)
			}
			if err := store.Fail(ctx, d.Key, "Processing interrupted", true); err != nil {
				t.Fatalf("fail: %v", err)
			}
			got, _ := store.Get(ctx, d.Key)
			if got.State != StateFailed || !got.Cancelled || !got.InterruptRequested || got.ResultValid() {
				t.Fatalf("unexpected failed dataset: %+v", got)
			}
			entries, _ := store.Log(ctx, d.Key)
			if len(entries) != 1 || entries[0].Message != "Processing interrupted" {
				t.Fatalf("failure message should be logged: %v", entries)
			}
			if err := store.MarkRunning(ctx, "missing"); !stdErrors.Is(err, ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestStoreFinishEmpty(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := newRoot(t, "fetch-json", map[string]any{"n": 3})
			_, _, _ = store.Create(ctx, d)
			if err := store.Finish(ctx, d.Key, 0, "/data/empty.ndjson"); err != nil {
				t.Fatalf("finish: %v", err)
			}
			got, _ := store.Get(ctx, d.Key)
			if got.State != StateFinishedEmpty || got.IsFailed {
				t.Fatalf("zero rows is finished empty, not failed: %+v", got)
			}
		})
	}
}

func TestStoreDeleteCascades(t *testing.T) {
	for name, store := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			root := newRoot(t, "fetch-json", map[string]any{"n": 4})
			_, _, _ = store.Create(ctx, root)
			child := newChild(t, root, "date-filter")
			_, _, _ = store.Create(ctx, child)
			grandchild := newChild(t, child, "count-values")
			_, _, _ = store.Create(ctx, grandchild)
			detached := newChild(t, root, "count-values")
			detached.Key = detached.Key + "-standalone"
			detached.Standalone = true
			_, _, _ = store.Create(ctx, detached)

			removed, err := store.Delete(ctx, root.Key)
			if err != nil {
				t.Fatalf("delete: %v", err)
			}
			if len(removed) != 3 {
				t.Fatalf("expected root, child and grandchild removed, got %d", len(removed))
			}
			if _, err := store.Get(ctx, grandchild.Key); !stdErrors.Is(err, ErrNotFound) {
				t.Fatalf("grandchild should be gone, got %v", err)
			}
			if _, err := store.Get(ctx, detached.Key); err != nil {
				t.Fatalf("standalone copies survive parent deletion: %v", err)
			}
		})
	}
}

func TestMemoryStoreConcurrentReaders(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	d := newRoot(t, "fetch-json", map[string]any{"n": 5})
	_, _, _ = store.Create(ctx, d)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 100; i++ {
			_ = store.UpdateProgress(ctx, d.Key, float64(i)/100)
		}
	}()
	go func() {
		defer wg.Done()
		last := 0.0
		for i := 0; i < 100; i++ {
			got, err := store.Get(ctx, d.Key)
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			if got.Progress < last {
				t.Errorf("observed progress going backwards: %v < %v", got.Progress, last)
				return
			}
			last = got.Progress
		}
	}()
	wg.Wait()
}

func TestDeriveKeyIsStable(t *testing.T) {
	a, _ := DeriveKey("x", map[string]any{"b": 1, "a": "z"}, "p", "")
	b, _ := DeriveKey("x", map[string]any{"a": "z", "b": float64(1)}, "p", "")
	if a != b {
		t.Fatalf("key must not depend on map order or numeric type")
	}
	c, _ := DeriveKey("x", map[string]any{"a": "z", "b": 1}, "p", "run-2")
	if a == c {
		t.Fatalf("salt must change the key")
	}
	d, _ := DeriveKey("x", map[string]any{"a": "z", "b": 1}, "q", "")
	if a == d {
		t.Fatalf("parent must change the key")
	}
}
