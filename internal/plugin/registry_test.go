package plugin

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/item"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/options"
)

type stubProcessor struct {
	desc       Descriptor
	configured Config
}

func (p *stubProcessor) Descriptor() Descriptor { return p.desc }

func (p *stubProcessor) Process(context.Context, Runtime) error { return nil }

func (p *stubProcessor) Configure(cfg Config) error {
	p.configured = cfg
	return nil
}

type mappingSource struct{ stubProcessor }

func (mappingSource) MapItem(raw *item.Item) (*item.Item, error) {
	return item.New().Set("body", raw.String("text")), nil
}

type stubWorker struct{}

func (stubWorker) Descriptor() Descriptor {
	return Descriptor{Type: "cleanup", Kind: KindWorker}
}

func (stubWorker) Work(context.Context, *job.Job, Host) error { return nil }

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	source := &mappingSource{stubProcessor{desc: Descriptor{Type: "upload", Extension: "csv", MaxWorkers: 1}}}
	filter := &stubProcessor{desc: Descriptor{
		Type:    "filter",
		Accepts: []string{"upload", "filter"},
		Options: options.Schema{{Key: "min", Type: options.TypeText, Integer: true, Default: 1}},
	}}
	anything := &stubProcessor{desc: Descriptor{Type: "count", Accepts: []string{AcceptAny}}}
	csvOnly := &stubProcessor{desc: Descriptor{Type: "csv-stats", Accepts: []string{".csv"}}}
	for _, p := range []Plugin{source, filter, anything, csvOnly, stubWorker{}} {
		if err := r.Register(p); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return r
}

func TestResolveUnknownTypeIsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	if _, _, err := r.Resolve("missing"); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, desc, err := r.Resolve("upload")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if desc.Kind != KindProcessor || desc.Title != "upload" {
		t.Fatalf("descriptor defaults not applied: %+v", desc)
	}
	if err := r.Register(&stubProcessor{desc: Descriptor{Type: "upload"}}); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("duplicate registration must fail, got %v", err)
	}
}

func TestCompatiblePlugins(t *testing.T) {
	r := newTestRegistry(t)
	if diff := cmp.Diff([]string{"upload"}, r.CompatiblePlugins(nil)); diff != "" {
		t.Fatalf("top-level plugins mismatch (-want +got):\n%s", diff)
	}
	parent := &dataset.Dataset{Key: "p", Type: "upload", Extension: "csv"}
	want := []string{"count", "csv-stats", "filter"}
	if diff := cmp.Diff(want, r.CompatiblePlugins(parent)); diff != "" {
		t.Fatalf("compatible plugins mismatch (-want +got):\n%s", diff)
	}
	other := &dataset.Dataset{Key: "q", Type: "count", Extension: "ndjson"}
	if err := r.Compatible("filter", other); !stdErrors.Is(err, ErrIncompatible) {
		t.Fatalf("expected incompatible, got %v", err)
	}
	if err := r.Compatible("cleanup", nil); !stdErrors.Is(err, ErrIncompatible) {
		t.Fatalf("workers never produce datasets, got %v", err)
	}
}

func TestNegotiateFallsBackToSchema(t *testing.T) {
	r := newTestRegistry(t)
	outcome, err := r.Negotiate(context.Background(), "filter", map[string]any{"min": "5"}, QueryContext{})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	accepted, ok := outcome.(options.Accepted)
	if !ok {
		t.Fatalf("expected accepted, got %#v", outcome)
	}
	again, _ := r.Negotiate(context.Background(), "filter", accepted.Parameters, QueryContext{})
	if diff := cmp.Diff(accepted, again); diff != "" {
		t.Fatalf("re-submitting valid parameters must be idempotent:\n%s", diff)
	}
	outcome, _ = r.Negotiate(context.Background(), "filter", map[string]any{"min": "abc"}, QueryContext{})
	if _, ok := outcome.(options.Rejected); !ok {
		t.Fatalf("expected rejection, got %#v", outcome)
	}
}

func TestSettingsDisableAndConfigure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	raw := []byte(`shared:
  api_url: https://example.org
plugins:
  count:
    enabled: false
  filter:
    maxWorkers: 3
    config:
      threshold: 7
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	r := newTestRegistry(t, WithSettings(settings))
	if _, _, err := r.Resolve("count"); !stdErrors.Is(err, ErrNotFound) {
		t.Fatalf("disabled plugin must not resolve, got %v", err)
	}
	if got := r.MaxWorkers("filter", 10); got != 3 {
		t.Fatalf("expected configured max workers, got %d", got)
	}
	if got := r.MaxWorkers("upload", 10); got != 1 {
		t.Fatalf("expected descriptor max workers, got %d", got)
	}
	cfg := r.Settings("filter")
	if cfg.Int("threshold", 0) != 7 || cfg.String("api_url", "") != "https://example.org" {
		t.Fatalf("settings not merged: %v", cfg)
	}
}

func TestMapItemUsesSourceMapper(t *testing.T) {
	r := newTestRegistry(t)
	out, err := r.MapItem("upload", item.New().Set("text", "hello"))
	if err != nil || out.String("body") != "hello" {
		t.Fatalf("mapper not applied: %v %v", out, err)
	}
	same := item.New().Set("a", 1)
	if out, _ := r.MapItem("filter", same); out != same {
		t.Fatalf("plugins without mapper pass items through")
	}
}

func TestRetryStopsOnFatalError(t *testing.T) {
	b := Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Attempts: 4}
	calls := 0
	err := Retry(context.Background(), b, func(int) error {
		calls++
		if calls < 3 {
			return xerrors.Transient(stdErrors.New("reset"), "连接被重置")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success after retries, calls=%d err=%v", calls, err)
	}

	calls = 0
	fatal := xerrors.New(xerrors.CodeInvalidArgument, "bad credentials")
	err = Retry(context.Background(), b, func(int) error {
		calls++
		return fatal
	})
	if calls != 1 || !stdErrors.Is(err, fatal) {
		t.Fatalf("fatal errors must not be retried, calls=%d err=%v", calls, err)
	}

	if d := b.Delay(10); d != 2*time.Millisecond {
		t.Fatalf("delay must be capped, got %v", d)
	}
}

func TestRetryUnlessStopsDuringBackoff(t *testing.T) {
	b := Backoff{Initial: time.Hour, Attempts: 5}
	var stopped atomic.Bool
	calls := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		stopped.Store(true)
	}()
	start := time.Now()
	err := RetryUnless(context.Background(), b, stopped.Load, func(int) error {
		calls++
		return xerrors.Transient(stdErrors.New("429"), "限流")
	})
	if !stdErrors.Is(err, ErrInterrupted) || calls != 1 {
		t.Fatalf("expected interruption after one call, calls=%d err=%v", calls, err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("interrupt was not noticed during backoff: %v", elapsed)
	}
}
