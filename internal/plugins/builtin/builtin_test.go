package builtin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"DatasetFlow/internal/dataset"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/options"
	"DatasetFlow/internal/pipeline"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/internal/processor"
	"DatasetFlow/internal/results"
)

type env struct {
	uploads  string
	store    *dataset.MemoryStore
	registry *plugin.Registry
	service  *pipeline.Service
	runner   *processor.Runner
}

func newEnv(t *testing.T, pluginSettings map[string]plugin.PluginSettings) *env {
	t.Helper()
	uploads := t.TempDir()
	res, err := results.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("results store: %v", err)
	}
	reg := plugin.NewRegistry(plugin.WithSettings(plugin.Settings{
		Shared:  plugin.Config{SettingUploadsDir: uploads},
		Plugins: pluginSettings,
	}))
	if err := Register(reg); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	store := dataset.NewMemoryStore()
	return &env{
		uploads:  uploads,
		store:    store,
		registry: reg,
		service:  pipeline.New(store, job.NewMemoryQueue(), reg, res),
		runner:   processor.NewRunner(store, res, reg),
	}
}

func (e *env) writeUpload(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.uploads, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
}

func (e *env) submit(t *testing.T, req pipeline.Request) pipeline.Submission {
	t.Helper()
	sub, err := e.service.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit %s: %v", req.Type, err)
	}
	return sub
}

func (e *env) run(t *testing.T, ds *dataset.Dataset) processor.Result {
	t.Helper()
	return e.runner.Run(context.Background(), ds, nil)
}

// postsCSV 生成 n 行上传文件，列名与必需字段不同；bad 中的行日期无法解析。
func postsCSV(n int, bad map[int]bool) string {
	var b strings.Builder
	b.WriteString("id,user,text,date\n")
	for i := 1; i <= n; i++ {
		date := fmt.Sprintf("2024-01-%02d", i%28+1)
		if bad[i] {
			date = "not-a-date"
		}
		fmt.Fprintf(&b, "%d,user-%d,post %d,%s\n", i, i%3, i, date)
	}
	return b.String()
}

var postsMapping = map[string]any{"map-author": "user", "map-body": "text", "map-timestamp": "date"}

func (e *env) importPosts(t *testing.T, n int, bad map[int]bool) *dataset.Dataset {
	t.Helper()
	e.writeUpload(t, "posts.csv", postsCSV(n, bad))
	raw := map[string]any{"file": "posts.csv"}
	for k, v := range postsMapping {
		raw[k] = v
	}
	sub := e.submit(t, pipeline.Request{Type: TypeUploadCSV, Parameters: raw, User: "alice"})
	if !sub.Accepted() {
		t.Fatalf("upload not accepted: %#v", sub.Outcome)
	}
	res := e.run(t, sub.Dataset)
	if res.Outcome != processor.OutcomeFinished || res.Rows != int64(n) {
		t.Fatalf("upload run: %+v", res)
	}
	return res.Dataset
}

// 缺失的必需列各对应一个 CHOICE 选项，补全映射后协商通过。
func TestUploadColumnMappingNegotiation(t *testing.T) {
	e := newEnv(t, nil)
	e.writeUpload(t, "posts.csv", postsCSV(3, nil))

	first := e.submit(t, pipeline.Request{Type: TypeUploadCSV, Parameters: map[string]any{"file": "posts.csv"}})
	more, ok := first.Outcome.(options.NeedsMoreInput)
	if !ok {
		t.Fatalf("expected NeedsMoreInput, got %#v", first.Outcome)
	}
	if first.Dataset != nil {
		t.Fatalf("no dataset may be created before negotiation succeeds")
	}
	var mapped []string
	for _, opt := range more.Schema {
		if strings.HasPrefix(opt.Key, "map-") {
			if opt.Type != options.TypeChoice {
				t.Fatalf("mapping option %s must be a choice", opt.Key)
			}
			mapped = append(mapped, opt.Key)
		}
	}
	if diff := cmp.Diff([]string{"map-author", "map-body", "map-timestamp"}, mapped); diff != "" {
		t.Fatalf("mapping options mismatch (-want +got):\n%s", diff)
	}

	raw := map[string]any{"file": "posts.csv"}
	for k, v := range postsMapping {
		raw[k] = v
	}
	second := e.submit(t, pipeline.Request{Type: TypeUploadCSV, Parameters: raw})
	accepted, ok := second.Outcome.(options.Accepted)
	if !ok {
		t.Fatalf("expected Accepted, got %#v", second.Outcome)
	}

	again, err := e.registry.Negotiate(context.Background(), TypeUploadCSV, accepted.Parameters,
		plugin.QueryContext{})
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if diff := cmp.Diff(accepted, again); diff != "" {
		t.Fatalf("re-submitting validated parameters changed them (-want +got):\n%s", diff)
	}

	res := e.run(t, second.Dataset)
	if res.Outcome != processor.OutcomeFinished || res.Rows != 3 {
		t.Fatalf("unexpected import result: %+v", res)
	}
	items, err := e.service.Items(context.Background(), second.Dataset.Key, 1)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if got := items[0].String("author"); got != "user-1" {
		t.Fatalf("mapped author = %q", got)
	}
}

func TestUploadEmptyMappingNeedsConfirmation(t *testing.T) {
	e := newEnv(t, nil)
	e.writeUpload(t, "posts.csv", postsCSV(2, nil))
	raw := map[string]any{"file": "posts.csv", "map-author": "user", "map-body": "text", "map-timestamp": emptyColumn}

	sub := e.submit(t, pipeline.Request{Type: TypeUploadCSV, Parameters: raw})
	if _, ok := sub.Outcome.(options.NeedsConfirmation); !ok {
		t.Fatalf("expected confirmation, got %#v", sub.Outcome)
	}
	raw[options.ConfirmKey] = true
	sub = e.submit(t, pipeline.Request{Type: TypeUploadCSV, Parameters: raw})
	if !sub.Accepted() {
		t.Fatalf("confirmed upload should be accepted: %#v", sub.Outcome)
	}

	// 直接提交 mapping 对象同样需要确认空列。
	direct := map[string]any{"file": "posts.csv", "mapping": map[string]any{"author": "user", "body": "text", "timestamp": emptyColumn}}
	sub = e.submit(t, pipeline.Request{Type: TypeUploadCSV, Parameters: direct})
	if _, ok := sub.Outcome.(options.NeedsConfirmation); !ok {
		t.Fatalf("a raw mapping must not bypass confirmation, got %#v", sub.Outcome)
	}

	confirmed, ok := e.submit(t, pipeline.Request{Type: TypeUploadCSV, Parameters: raw}).Outcome.(options.Accepted)
	if !ok {
		t.Fatalf("confirmed upload should stay accepted")
	}
	params := confirmed.Parameters
	again := e.submit(t, pipeline.Request{Type: TypeUploadCSV, Parameters: params})
	if !again.Accepted() || !again.Duplicate {
		t.Fatalf("re-submitting accepted parameters should not ask again: %#v", again.Outcome)
	}
}

func TestUploadRejectsMissingFileAndTraversal(t *testing.T) {
	e := newEnv(t, nil)
	for _, name := range []string{"nope.csv", "../../etc/passwd"} {
		sub := e.submit(t, pipeline.Request{Type: TypeUploadCSV, Parameters: map[string]any{"file": name}})
		if _, ok := sub.Outcome.(options.Rejected); !ok {
			t.Fatalf("%s: expected rejection, got %#v", name, sub.Outcome)
		}
	}
}

// 第 500 条日期无法解析，输出 999 行、一条跳过日志，最终状态为 finished。
func TestDateFilterSkipsUnparseableItems(t *testing.T) {
	e := newEnv(t, nil)
	parent := e.importPosts(t, 1000, map[int]bool{500: true})

	sub := e.submit(t, pipeline.Request{Type: TypeDateFilter, ParentKey: parent.Key})
	if !sub.Accepted() {
		t.Fatalf("date filter not accepted: %#v", sub.Outcome)
	}
	if sub.Dataset.TopParentKey != parent.Key {
		t.Fatalf("top parent = %q, want %q", sub.Dataset.TopParentKey, parent.Key)
	}
	res := e.run(t, sub.Dataset)
	if res.Outcome != processor.OutcomeFinished || res.Rows != 999 {
		t.Fatalf("expected 999 rows, got %+v", res)
	}
	logs, _ := e.store.Log(context.Background(), sub.Dataset.Key)
	skips := 0
	for _, l := range logs {
		if strings.HasPrefix(l.Message, "Skipped 1 of 1000 items") {
			skips++
		}
	}
	if skips != 1 {
		t.Fatalf("expected exactly one skip entry: %+v", logs)
	}
}

func TestDateFilterRange(t *testing.T) {
	e := newEnv(t, nil)
	parent := e.importPosts(t, 56, nil)
	sub := e.submit(t, pipeline.Request{Type: TypeDateFilter, ParentKey: parent.Key, Parameters: map[string]any{
		"daterange": map[string]any{"min": "2024-01-01", "max": "2024-01-02"},
	}})
	res := e.run(t, sub.Dataset)
	// 每个日期出现两次。
	if res.Outcome != processor.OutcomeFinished || res.Rows != 4 {
		t.Fatalf("unexpected filter result: %+v", res)
	}
}

func TestCountValuesOptionsFollowParentColumns(t *testing.T) {
	e := newEnv(t, nil)
	parent := e.importPosts(t, 1000, nil)

	schema, err := e.service.Options(context.Background(), TypeCountValues, parent.Key, "")
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	column, ok := schema.Lookup("column")
	if !ok || column.Type != options.TypeChoice || column.Default != "author" {
		t.Fatalf("column option not built from parent: %+v", column)
	}
	sub := e.submit(t, pipeline.Request{Type: TypeCountValues, ParentKey: parent.Key, Parameters: schema.Defaults()})
	if !sub.Accepted() || sub.Dataset.Extension != "csv" {
		t.Fatalf("unexpected submission: %#v", sub)
	}
	res := e.run(t, sub.Dataset)
	if res.Outcome != processor.OutcomeFinished || res.Rows != 3 {
		t.Fatalf("unexpected count result: %+v", res)
	}
	items, err := e.service.Items(context.Background(), sub.Dataset.Key, 10)
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	got := make([]string, 0, len(items))
	for _, it := range items {
		got = append(got, it.String("value")+"="+it.String("count"))
	}
	if diff := cmp.Diff([]string{"user-1=334", "user-0=333", "user-2=333"}, got); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}

	bogus := e.submit(t, pipeline.Request{Type: TypeCountValues, ParentKey: parent.Key, Parameters: map[string]any{"column": "missing"}})
	if _, ok := bogus.Outcome.(options.Rejected); !ok {
		t.Fatalf("unknown column must be rejected, got %#v", bogus.Outcome)
	}
}

func fastFetchSettings() map[string]plugin.PluginSettings {
	return map[string]plugin.PluginSettings{TypeFetchJSON: {Config: plugin.Config{
		"requests_per_second": 1000.0,
		"burst":               10,
		"retry_initial":       "1ms",
	}}}
}

func TestFetchJSONRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"items":[{"a":1},{"a":2},"junk"]}}`))
	}))
	defer srv.Close()

	e := newEnv(t, fastFetchSettings())
	sub := e.submit(t, pipeline.Request{Type: TypeFetchJSON, Parameters: map[string]any{
		"url": srv.URL, "items_path": "data.items",
	}})
	if !sub.Accepted() {
		t.Fatalf("fetch not accepted: %#v", sub.Outcome)
	}
	if sub.Job == nil || sub.Job.Partition != PartitionLocal {
		t.Fatalf("loopback fetch should use the local partition: %+v", sub.Job)
	}
	res := e.run(t, sub.Dataset)
	if res.Outcome != processor.OutcomeFinished || res.Rows != 2 {
		t.Fatalf("unexpected fetch result: %+v", res)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestFetchJSONClientErrorFailsWithMessage(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	e := newEnv(t, fastFetchSettings())
	sub := e.submit(t, pipeline.Request{Type: TypeFetchJSON, Parameters: map[string]any{"url": srv.URL}})
	res := e.run(t, sub.Dataset)
	if res.Outcome != processor.OutcomeFailed || res.Dataset.Status != "The server answered HTTP 404 Not Found" {
		t.Fatalf("unexpected failure: %+v", res.Dataset)
	}
}

func TestFetchJSONPartition(t *testing.T) {
	f := NewFetchJSON()
	if got := f.QueuePartition(map[string]any{"url": "https://example.org/feed"}, nil); got != PartitionRemote {
		t.Fatalf("partition = %s", got)
	}
	if got := f.QueuePartition(map[string]any{"url": "http://localhost:8080/feed"}, nil); got != PartitionLocal {
		t.Fatalf("partition = %s", got)
	}
	outcome := f.ValidateQuery(context.Background(), map[string]any{"url": "ftp://example.org"}, plugin.QueryContext{})
	if _, ok := outcome.(options.Rejected); !ok {
		t.Fatalf("non-http URL must be rejected: %#v", outcome)
	}
}

func TestExpireDatasetsDeletesOldTopLevelDatasets(t *testing.T) {
	e := newEnv(t, nil)
	parent := e.importPosts(t, 10, nil)
	child := e.submit(t, pipeline.Request{Type: TypeDateFilter, ParentKey: parent.Key}).Dataset
	e.run(t, child)

	w := NewExpireDatasets()
	w.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	j := &job.Job{Type: TypeExpireDatasets, RemoteID: "retention", Details: map[string]any{"parameters": map[string]any{"expire_after": "24h"}}}
	if err := w.Work(context.Background(), j, e.service); err != nil {
		t.Fatalf("work: %v", err)
	}
	for _, key := range []string{parent.Key, child.Key} {
		if _, err := e.store.Get(context.Background(), key); err == nil {
			t.Fatalf("dataset %s should have been expired", key)
		}
	}
}

func TestExpireDatasetsKeepsRecentDatasets(t *testing.T) {
	e := newEnv(t, nil)
	parent := e.importPosts(t, 5, nil)
	j := &job.Job{Type: TypeExpireDatasets, RemoteID: "retention"}
	if err := NewExpireDatasets().Work(context.Background(), j, e.service); err != nil {
		t.Fatalf("work: %v", err)
	}
	if _, err := e.store.Get(context.Background(), parent.Key); err != nil {
		t.Fatalf("recent dataset removed: %v", err)
	}
}
