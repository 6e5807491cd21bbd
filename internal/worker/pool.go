package worker

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/observability/alerting"
	"DatasetFlow/internal/observability/metrics"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/internal/processor"
	"DatasetFlow/pkg/logger"
)

// 任务 Details 中使用的键。
const (
	// DetailDataset 指向一次性处理任务对应的数据集键。
	DetailDataset = "dataset"
	// DetailRecurring 标记每次运行都创建新数据集的周期处理任务。
	DetailRecurring = "recurring"
)

// Host 是工作池运行期间依赖的上层服务，由 pipeline.Service 实现。
type Host interface {
	plugin.Host
	// QueueFollowUp 以默认参数在 parent 之上创建并排队一个后续处理。
	QueueFollowUp(ctx context.Context, parent *dataset.Dataset, pluginType string) (*dataset.Dataset, error)
	// CopyAsStandalone 创建数据集的独立副本。
	CopyAsStandalone(ctx context.Context, key string) (*dataset.Dataset, error)
	// CreateRecurringRun 为周期处理任务的本次运行创建数据集。
	CreateRecurringRun(ctx context.Context, j *job.Job) (*dataset.Dataset, error)
}

// Config 控制工作池的节奏。
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	OrphanTimeout     time.Duration
	ReclaimInterval   time.Duration
	DefaultMaxWorkers int
	RetryBackoff      plugin.Backoff
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.OrphanTimeout <= 0 {
		c.OrphanTimeout = 6 * c.HeartbeatInterval
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = c.OrphanTimeout / 2
	}
	if c.DefaultMaxWorkers <= 0 {
		c.DefaultMaxWorkers = 4
	}
	if c.RetryBackoff.Initial <= 0 {
		c.RetryBackoff = plugin.Backoff{Initial: 30 * time.Second, Max: time.Hour, Multiplier: 2}
	}
}

// Pool 为每个 (插件类型, 分区) 运行一组上限为 max_workers 的 worker。
type Pool struct {
	cfg      Config
	id       string
	queue    job.Queue
	notifier job.Notifier
	datasets dataset.Store
	registry *plugin.Registry
	runner   *processor.Runner
	host     Host
	alerter  alerting.Dispatcher
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running map[string]*atomic.Bool
	wake    map[string]chan struct{}
}

// Option 定义可选配置。
type Option func(*Pool)

// WithNotifier 配置入队唤醒通知。
func WithNotifier(n job.Notifier) Option {
	return func(p *Pool) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithHost 配置后续处理与周期任务依赖的服务。
func WithHost(h Host) Option {
	return func(p *Pool) {
		p.host = h
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(p *Pool) {
		p.alerter = d
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// New 构造工作池。
func New(cfg Config, queue job.Queue, datasets dataset.Store, registry *plugin.Registry, runner *processor.Runner, opts ...Option) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:      cfg,
		id:       uuid.NewString(),
		queue:    queue,
		notifier: job.NopNotifier{},
		datasets: datasets,
		registry: registry,
		runner:   runner,
		log:      logger.Named("worker"),
		now:      time.Now,
		running:  make(map[string]*atomic.Bool),
		wake:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// ID 返回工作池实例标识。
func (p *Pool) ID() string {
	return p.id
}

// lane 是一个 (类型, 分区) 组合。
type lane struct {
	pluginType string
	partition  string
	workers    int
}

func (p *Pool) lanes() []lane {
	var out []lane
	for _, desc := range p.registry.Descriptors() {
		workers := p.registry.MaxWorkers(desc.Type, p.cfg.DefaultMaxWorkers)
		for _, partition := range desc.Partitions {
			out = append(out, lane{pluginType: desc.Type, partition: partition, workers: workers})
		}
	}
	return out
}

// Run 启动所有 lane、孤儿回收与通知订阅，直到 ctx 取消。
func (p *Pool) Run(ctx context.Context) error {
	if p.queue == nil || p.datasets == nil || p.registry == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "工作池未初始化")
	}
	g, gctx := errgroup.WithContext(ctx)
	lanes := p.lanes()
	for _, l := range lanes {
		p.wakeChan(l.pluginType)
		for i := 0; i < l.workers; i++ {
			owner := fmt.Sprintf("%s/%s/%s/%d", p.id, l.pluginType, l.partition, i)
			l := l
			g.Go(func() error {
				p.loop(gctx, l, owner)
				return nil
			})
		}
	}
	g.Go(func() error {
		p.reclaimLoop(gctx)
		return nil
	})
	g.Go(func() error {
		p.notifyLoop(gctx)
		return nil
	})
	p.log.Info("工作池已启动", "pool", p.id, "lanes", len(lanes))
	err := g.Wait()
	p.log.Info("工作池已停止", "pool", p.id)
	return err
}

func (p *Pool) wakeChan(pluginType string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.wake[pluginType]
	if !ok {
		ch = make(chan struct{}, 1)
		p.wake[pluginType] = ch
	}
	return ch
}

func (p *Pool) loop(ctx context.Context, l lane, owner string) {
	wake := p.wakeChan(l.pluginType)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-timer.C:
		}
		// 连续处理到期任务，队列为空时才进入等待。
		for ctx.Err() == nil {
			claimed, err := p.queue.Claim(ctx, owner, l.partition, l.pluginType)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error("认领任务失败", "type", l.pluginType, "partition", l.partition, "error", err)
				}
				break
			}
			if claimed == nil {
				break
			}
			metrics.ObserveJobClaimed(claimed.Type, claimed.Partition)
			p.execute(ctx, claimed)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(p.cfg.PollInterval)
	}
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ReclaimOrphans(ctx)
		}
	}
}

// ReclaimOrphans 释放心跳超时的认领。
func (p *Pool) ReclaimOrphans(ctx context.Context) int {
	n, err := p.queue.ReclaimOrphans(ctx, p.now().Add(-p.cfg.OrphanTimeout))
	if err != nil {
		p.log.Error("回收孤儿任务失败", "error", err)
		return 0
	}
	if n > 0 {
		metrics.ObserveOrphans(n)
		p.log.Warn("已回收孤儿任务", "count", n)
	}
	return n
}

func (p *Pool) notifyLoop(ctx context.Context) {
	ch, err := p.notifier.Subscribe(ctx)
	if err != nil {
		p.log.Warn("订阅入队通知失败，仅依赖轮询", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case jobType, ok := <-ch:
			if !ok {
				return
			}
			p.mu.Lock()
			wake := p.wake[jobType]
			p.mu.Unlock()
			if wake == nil {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

// Interrupt 对本进程中正在运行的数据集置位中断标记，返回是否找到。
func (p *Pool) Interrupt(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	flag, ok := p.running[key]
	if ok {
		flag.Store(true)
	}
	return ok
}

// Running 返回本进程中正在运行的数据集键。
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.running))
	for k := range p.running {
		out = append(out, k)
	}
	return out
}

func (p *Pool) track(key string) *atomic.Bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	flag := new(atomic.Bool)
	p.running[key] = flag
	return flag
}

func (p *Pool) untrack(key string) {
	p.mu.Lock()
	delete(p.running, key)
	p.mu.Unlock()
}

// execute 处理一个已认领的任务并释放认领。
func (p *Pool) execute(ctx context.Context, j *job.Job) {
	done := metrics.WorkerBusy(j.Type)
	defer done()

	_, desc, err := p.registry.Resolve(j.Type)
	if err != nil {
		// 类型无法解析属于配置错误，保留任务等待修复而不是静默丢弃。
		p.log.Error("任务类型未注册", "job", j.ID(), "error", err)
		p.emitAlert(ctx, err, "", j)
		p.release(ctx, j, job.Outcome{RetryAfter: p.cfg.RetryBackoff.Delay(j.Attempts)}, "unresolved")
		return
	}
	if desc.Kind == plugin.KindWorker {
		p.executeWorker(ctx, j)
		return
	}
	p.executeProcessor(ctx, j, desc)
}

func (p *Pool) executeWorker(ctx context.Context, j *job.Job) {
	plug, _, _ := p.registry.Resolve(j.Type)
	w := plug.(plugin.Worker)
	stop := p.heartbeat(ctx, j, "", nil)
	err := w.Work(ctx, j, p.workerHost(j.Type))
	stop()
	switch {
	case err == nil:
		p.release(ctx, j, job.Outcome{Success: true}, "success")
	case ctx.Err() != nil:
		p.release(ctx, j, job.Outcome{}, "shutdown")
	case xerrors.RetryableError(err):
		p.log.Warn("worker 任务临时失败，稍后重试", append([]any{"job", j.ID(), "attempts", j.Attempts}, xerrors.LogAttrs(err)...)...)
		p.release(ctx, j, job.Outcome{RetryAfter: p.cfg.RetryBackoff.Delay(j.Attempts)}, "retry")
	default:
		// 致命错误不在队列层重试：一次性任务被删除，周期任务等待下一个周期。
		p.log.Error("worker 任务失败", append([]any{"job", j.ID()}, xerrors.LogAttrs(err)...)...)
		p.emitAlert(ctx, err, "", j)
		p.release(ctx, j, job.Outcome{Success: true}, "fatal")
	}
}

func (p *Pool) executeProcessor(ctx context.Context, j *job.Job, desc plugin.Descriptor) {
	ds, err := p.datasetFor(ctx, j)
	if err != nil {
		if stdErrors.Is(err, dataset.ErrNotFound) {
			p.log.Warn("任务对应的数据集不存在，丢弃任务", "job", j.ID())
			p.release(ctx, j, job.Outcome{Success: true}, "orphaned")
			return
		}
		p.log.Error("读取任务数据集失败", "job", j.ID(), "error", err)
		p.release(ctx, j, job.Outcome{RetryAfter: p.cfg.RetryBackoff.Delay(j.Attempts)}, "retry")
		return
	}
	if ds.State.Terminal() {
		p.release(ctx, j, job.Outcome{Success: true}, "stale")
		return
	}
	if ds.InterruptRequested {
		if err := p.datasets.Fail(ctx, ds.Key, "Processing interrupted before start", true); err != nil {
			p.log.Warn("记录取消状态失败", "dataset", ds.Key, "error", err)
		}
		p.release(ctx, j, job.Outcome{Success: true}, "cancelled")
		return
	}

	flag := p.track(ds.Key)
	stop := p.heartbeat(ctx, j, ds.Key, flag)
	res := p.runner.Run(ctx, ds, flag)
	stop()
	p.untrack(ds.Key)
	metrics.ObserveDataset(ds.Type, string(res.Outcome), res.Duration)

	switch res.Outcome {
	case processor.OutcomeRequeued:
		p.release(ctx, j, job.Outcome{}, "shutdown")
		return
	case processor.OutcomeFailed:
		p.emitFailure(ctx, res, j)
	case processor.OutcomeFinished:
		p.afterFinish(ctx, res.Dataset, desc)
	}
	p.release(ctx, j, job.Outcome{Success: true}, string(res.Outcome))
}

func (p *Pool) datasetFor(ctx context.Context, j *job.Job) (*dataset.Dataset, error) {
	if recurring, _ := j.Details[DetailRecurring].(bool); recurring {
		if p.host == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "周期处理任务需要 Host")
		}
		return p.host.CreateRecurringRun(ctx, j)
	}
	key, _ := j.Details[DetailDataset].(string)
	if key == "" {
		key = j.RemoteID
	}
	return p.datasets.Get(ctx, key)
}

// heartbeat 周期性刷新认领，并把其他进程写入的中断请求同步到本地标记。
func (p *Pool) heartbeat(ctx context.Context, j *job.Job, key string, flag *atomic.Bool) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.Touch(hbCtx, j); err != nil && hbCtx.Err() == nil {
					p.log.Warn("刷新任务心跳失败", "job", j.ID(), "error", err)
				}
				if key == "" || flag == nil {
					continue
				}
				if ds, err := p.datasets.Get(hbCtx, key); err == nil && ds.InterruptRequested {
					flag.Store(true)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// afterFinish 执行描述中声明的后续动作，失败只记录在数据集日志中。
func (p *Pool) afterFinish(ctx context.Context, ds *dataset.Dataset, desc plugin.Descriptor) {
	if p.host == nil || ds == nil {
		return
	}
	if desc.StandaloneCopy {
		if copied, err := p.host.CopyAsStandalone(ctx, ds.Key); err != nil {
			p.noteOnDataset(ctx, ds.Key, fmt.Sprintf("Could not create standalone copy: %s", userMessage(err)))
		} else {
			p.log.Info("已创建独立副本", "dataset", ds.Key, "copy", copied.Key)
		}
	}
	for _, followUp := range desc.FollowUps {
		if child, err := p.host.QueueFollowUp(ctx, ds, followUp); err != nil {
			p.noteOnDataset(ctx, ds.Key, fmt.Sprintf("Could not queue follow-up %s: %s", followUp, userMessage(err)))
		} else {
			p.log.Info("已排队后续处理", "dataset", ds.Key, "type", followUp, "child", child.Key)
		}
	}
}

func (p *Pool) noteOnDataset(ctx context.Context, key, message string) {
	if err := p.datasets.AppendLog(ctx, key, message); err != nil {
		p.log.Warn("写入数据集日志失败", "dataset", key, "error", err)
	}
}

func (p *Pool) release(ctx context.Context, j *job.Job, outcome job.Outcome, result string) {
	metrics.ObserveJobReleased(j.Type, result)
	// 关闭过程中也必须释放认领，否则任务要等到孤儿回收。
	err := p.queue.Release(context.WithoutCancel(ctx), j, outcome)
	switch {
	case err == nil:
		logger.Audit().Info("job released", "job", j.ID(), "result", result)
	case stdErrors.Is(err, job.ErrNotClaimed), stdErrors.Is(err, job.ErrNotFound):
		p.log.Warn("任务认领已失效", "job", j.ID(), "error", err)
	default:
		p.log.Error("释放任务失败", "job", j.ID(), "error", err)
	}
}

func (p *Pool) emitFailure(ctx context.Context, res processor.Result, j *job.Job) {
	if res.Dataset == nil || res.Dataset.Cancelled {
		return
	}
	cause := res.Err
	if cause == nil {
		cause = xerrors.New(processor.CodeProcessorFailed, res.Dataset.Status)
	} else if !xerrors.ShouldAlert(cause) {
		cause = xerrors.Wrap(processor.CodeProcessorFailed, cause, res.Dataset.Status)
	}
	p.emitAlert(ctx, cause, res.Dataset.Key, j)
}

func (p *Pool) emitAlert(ctx context.Context, cause error, datasetKey string, j *job.Job) {
	if p.alerter == nil {
		return
	}
	event, ok := alerting.FromError(cause, datasetKey, j.Type)
	if !ok {
		return
	}
	event.JobID = j.ID()
	event.Attempts = j.Attempts
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log.Error("告警通知失败", "job", j.ID(), "error", err)
	}
}

func userMessage(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

// workerHost 为 Worker 插件注入该插件自己的配置。
type workerHost struct {
	Host
	settings plugin.Config
}

func (h workerHost) Settings() plugin.Config {
	return h.settings.Clone()
}

func (p *Pool) workerHost(pluginType string) plugin.Host {
	settings := p.registry.Settings(pluginType)
	if p.host == nil {
		return workerHost{Host: nilHost{datasets: p.datasets}, settings: settings}
	}
	return workerHost{Host: p.host, settings: settings}
}

// nilHost 在未配置 Host 时提供只读的数据集访问。
type nilHost struct {
	datasets dataset.Store
}

func (h nilHost) ListDatasets(ctx context.Context, opts ...dataset.ListOption) ([]*dataset.Dataset, error) {
	if h.datasets == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置数据集存储")
	}
	return h.datasets.List(ctx, opts...)
}

func (nilHost) DeleteDataset(context.Context, string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, "未配置 Host，无法删除数据集")
}

func (nilHost) Settings() plugin.Config { return plugin.Config{} }

func (nilHost) QueueFollowUp(context.Context, *dataset.Dataset, string) (*dataset.Dataset, error) {
	return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 Host")
}

func (nilHost) CopyAsStandalone(context.Context, string) (*dataset.Dataset, error) {
	return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 Host")
}

func (nilHost) CreateRecurringRun(context.Context, *job.Job) (*dataset.Dataset, error) {
	return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 Host")
}
