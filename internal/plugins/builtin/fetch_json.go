package builtin

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/item"
	"DatasetFlow/internal/options"
	"DatasetFlow/internal/plugin"
)

// 抓取任务的子队列：本机地址与外部地址互不阻塞。
const (
	PartitionLocal  = "local"
	PartitionRemote = "remote"
)

// maxResponseBytes 限制单次响应体大小。
const maxResponseBytes = 64 << 20

// FetchJSON 从 HTTP 接口抓取 JSON 数组作为顶层数据集，可注册为周期任务。
// 请求经过进程内共享的令牌桶限速，临时错误按退避重试。
type FetchJSON struct {
	mu        sync.RWMutex
	limiter   *rate.Limiter
	client    *http.Client
	userAgent string
	backoff   plugin.Backoff
}

// NewFetchJSON 创建插件实例，默认每秒一个请求。
func NewFetchJSON() *FetchJSON {
	return &FetchJSON{
		limiter:   rate.NewLimiter(rate.Limit(1), 1),
		client:    &http.Client{Timeout: 30 * time.Second},
		userAgent: "DatasetFlow/1.0",
		backoff:   plugin.DefaultBackoff(),
	}
}

var (
	_ plugin.Processor        = (*FetchJSON)(nil)
	_ plugin.Configurable     = (*FetchJSON)(nil)
	_ plugin.QueryValidator   = (*FetchJSON)(nil)
	_ plugin.QueuePartitioner = (*FetchJSON)(nil)
)

var fetchSchema = options.Schema{
	{Key: "url", Type: options.TypeText, Help: "URL returning JSON", Required: true, MaxLength: 2048},
	{Key: "items_path", Type: options.TypeText, Help: "Dot-separated path to the item array", Default: ""},
	{Key: "max_items", Type: options.TypeText, Help: "Maximum number of items", Integer: true,
		Default: int64(1000), Min: options.Float(1), Max: options.Float(100000)},
}

func (f *FetchJSON) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Type:        TypeFetchJSON,
		Category:    "import",
		Title:       "Fetch JSON",
		Description: "Collect items from a JSON HTTP endpoint.",
		Extension:   "ndjson",
		MaxWorkers:  1,
		Partitions:  []string{PartitionLocal, PartitionRemote},
		Options:     fetchSchema,
		Config: plugin.Config{
			"requests_per_second": 1.0,
			"burst":               1,
			"timeout":             "30s",
		},
	}
}

// Configure 读取限速与超时配置。
func (f *FetchJSON) Configure(cfg plugin.Config) error {
	rps := cfg.Float("requests_per_second", 1)
	if rps <= 0 {
		return stdErrors.New("requests_per_second must be positive")
	}
	burst := cfg.Int("burst", 1)
	if burst < 1 {
		burst = 1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	f.client = &http.Client{Timeout: cfg.Duration("timeout", 30*time.Second)}
	f.userAgent = cfg.String("user_agent", f.userAgent)
	if attempts := cfg.Int("retry_attempts", 0); attempts > 0 {
		f.backoff.Attempts = attempts
	}
	f.backoff.Initial = cfg.Duration("retry_initial", f.backoff.Initial)
	return nil
}

func (f *FetchJSON) ValidateQuery(_ context.Context, raw map[string]any, _ plugin.QueryContext) options.Outcome {
	params, err := options.Validate(fetchSchema, raw)
	if err != nil {
		return options.Rejected{Reason: options.ReasonOf(err)}
	}
	u, err := url.Parse(strings.TrimSpace(options.String(params, "url")))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return options.Rejected{Reason: "URL must be an absolute http(s) address"}
	}
	params["url"] = u.String()
	return options.Accepted{Parameters: params}
}

// QueuePartition 按目标主机选择子队列。
func (f *FetchJSON) QueuePartition(params map[string]any, _ *dataset.Dataset) string {
	u, err := url.Parse(options.String(params, "url"))
	if err != nil {
		return PartitionRemote
	}
	host := u.Hostname()
	if host == "localhost" {
		return PartitionLocal
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return PartitionLocal
	}
	return PartitionRemote
}

// httpStatusError 描述非 2xx 响应。
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.status, http.StatusText(e.status))
}

func (f *FetchJSON) Process(ctx context.Context, rt plugin.Runtime) error {
	params := rt.Parameters()
	target := options.String(params, "url")
	limit := options.Int(params, "max_items", 1000)

	rt.UpdateStatus("Requesting "+target, false)
	var body []byte
	err := plugin.RetryUnless(ctx, f.backoff, rt.Interrupted, func(attempt int) error {
		if attempt > 1 {
			rt.UpdateStatus(fmt.Sprintf("Retrying request (attempt %d)", attempt), false)
		}
		var err error
		body, err = f.fetch(ctx, target)
		return err
	})
	if err != nil {
		if ctx.Err() != nil || stdErrors.Is(err, plugin.ErrInterrupted) {
			return plugin.ErrInterrupted
		}
		var statusErr *httpStatusError
		if stdErrors.As(err, &statusErr) {
			rt.FinishWithError(fmt.Sprintf("The server answered %s", statusErr))
			return nil
		}
		rt.FinishWithError("The server could not be reached")
		rt.Log(fmt.Sprintf("Request failed: %s", xerrors.CodeOf(err)))
		return nil
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		rt.FinishWithError("The response is not valid JSON")
		return nil
	}
	entries, ok := lookupPath(doc, options.String(params, "items_path"))
	if !ok {
		rt.FinishWithError("No item array found at the configured path")
		return nil
	}

	total := len(entries)
	for i, entry := range entries {
		if err := rt.CheckInterrupted(); err != nil {
			return err
		}
		if rt.Written() >= limit {
			rt.Log(fmt.Sprintf("Stopped after %d items", limit))
			break
		}
		obj, ok := entry.(map[string]any)
		if !ok {
			rt.Skip(fmt.Sprintf("entry %d is not an object", i))
			continue
		}
		if err := rt.Write(item.FromMap(obj)); err != nil {
			return err
		}
		if total > 0 && i%100 == 0 {
			rt.UpdateProgress(float64(i) / float64(total))
		}
	}
	rt.UpdateProgress(1)
	return nil
}

// fetch 执行一次限速请求；429 与 5xx 视为临时错误。
func (f *FetchJSON) fetch(ctx context.Context, target string) ([]byte, error) {
	f.mu.RLock()
	limiter, client, ua := f.limiter, f.client, f.userAgent
	f.mu.RUnlock()

	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造请求失败")
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, xerrors.Transient(err, "请求失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, xerrors.Transient(&httpStatusError{status: resp.StatusCode}, "上游暂时不可用")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &httpStatusError{status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, xerrors.Transient(err, "读取响应失败")
	}
	return body, nil
}

// lookupPath 沿点分路径取出数组；路径为空时文档本身必须是数组。
func lookupPath(doc any, path string) ([]any, bool) {
	cur := doc
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	arr, ok := cur.([]any)
	return arr, ok
}
