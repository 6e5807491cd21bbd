package pipeline

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/item"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/options"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/internal/results"
	"DatasetFlow/internal/worker"
	"DatasetFlow/pkg/logger"
)

// Interrupter 向正在本进程运行的数据集发送中断信号。
type Interrupter interface {
	Interrupt(key string) bool
}

// Service 是创建、查询、取消与删除数据集的入口。
type Service struct {
	datasets    dataset.Store
	queue       job.Queue
	registry    *plugin.Registry
	results     *results.Store
	notifier    job.Notifier
	interrupter Interrupter
	shared      plugin.Config
	log         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Service)

// WithNotifier 配置入队通知。
func WithNotifier(n job.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithInterrupter 配置本地中断通道。
func WithInterrupter(i Interrupter) Option {
	return func(s *Service) {
		s.interrupter = i
	}
}

// WithSharedSettings 设置注入 Worker 插件宿主的共享配置。
func WithSharedSettings(cfg plugin.Config) Option {
	return func(s *Service) {
		s.shared = cfg.Clone()
	}
}

// New 构造服务。
func New(datasets dataset.Store, queue job.Queue, registry *plugin.Registry, store *results.Store, opts ...Option) *Service {
	s := &Service{
		datasets: datasets,
		queue:    queue,
		registry: registry,
		results:  store,
		notifier: job.NopNotifier{},
		log:      logger.Named("pipeline"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

var _ worker.Host = (*Service)(nil)

// SetInterrupter 在工作池创建之后接入本地中断通道。
func (s *Service) SetInterrupter(i Interrupter) {
	s.interrupter = i
}

// Request 是创建数据集的一轮提交。
type Request struct {
	Type       string
	ParentKey  string
	Parameters map[string]any
	User       string
}

// Submission 是 Submit 的结果。Outcome 不是 Accepted 时没有创建任何数据集或任务。
type Submission struct {
	Outcome options.Outcome
	Dataset *dataset.Dataset
	Job     *job.Job
	// Duplicate 表示相同请求已存在，返回的是已有数据集。
	Duplicate bool
}

// Accepted 判断提交是否已创建（或命中）数据集。
func (s Submission) Accepted() bool {
	return s.Dataset != nil
}

func notReady(key string) error {
	return xerrors.New(dataset.CodeDatasetConflict, "父数据集尚未成功完成",
		xerrors.WithDataset(key))
}

// parentOf 读取父数据集并确认其结果可用。
func (s *Service) parentOf(ctx context.Context, key string) (*dataset.Dataset, error) {
	if key == "" {
		return nil, nil
	}
	parent, err := s.datasets.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !parent.ResultValid() {
		return nil, notReady(key)
	}
	return parent, nil
}

// QueryContext 为插件构造协商上下文，父数据集的列名取自其结果文件首行。
func (s *Service) QueryContext(ctx context.Context, parent *dataset.Dataset, user string) plugin.QueryContext {
	qc := plugin.QueryContext{Parent: parent, User: user}
	if parent != nil {
		cols, err := results.Header(ctx, parent.ResultPath)
		if err != nil {
			s.log.Warn("读取父数据集列名失败", "dataset", parent.Key, "error", err)
		}
		qc.ParentColumns = cols
	}
	return qc
}

// Options 返回插件在给定父数据集之上的选项。
func (s *Service) Options(ctx context.Context, pluginType, parentKey, user string) (options.Schema, error) {
	parent, err := s.parentOf(ctx, parentKey)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Compatible(pluginType, parent); err != nil {
		return nil, err
	}
	return s.registry.OptionsFor(pluginType, s.QueryContext(ctx, parent, user))
}

// CompatiblePlugins 返回可在数据集之上运行的插件类型；key 为空时返回数据源。
func (s *Service) CompatiblePlugins(ctx context.Context, key string) ([]string, error) {
	parent, err := s.parentOf(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.registry.CompatiblePlugins(parent), nil
}

// Plugins 列出已注册插件的描述信息。
func (s *Service) Plugins() []plugin.Descriptor {
	return s.registry.Descriptors()
}

// Submit 执行一轮参数协商；协商通过后创建数据集并排队。
// 无法解析的类型与不兼容的父数据集以错误返回，参数问题以 Outcome 返回。
func (s *Service) Submit(ctx context.Context, req Request) (Submission, error) {
	_, desc, err := s.registry.Resolve(req.Type)
	if err != nil {
		return Submission{}, err
	}
	parent, err := s.parentOf(ctx, req.ParentKey)
	if err != nil {
		return Submission{}, err
	}
	if err := s.registry.Compatible(req.Type, parent); err != nil {
		return Submission{}, err
	}
	outcome, err := s.registry.Negotiate(ctx, req.Type, req.Parameters, s.QueryContext(ctx, parent, req.User))
	if err != nil {
		return Submission{}, err
	}
	accepted, ok := outcome.(options.Accepted)
	if !ok {
		return Submission{Outcome: outcome}, nil
	}
	ds, created, err := s.createDataset(ctx, desc, accepted.Parameters, parent, req.User, "")
	if err != nil {
		return Submission{}, err
	}
	sub := Submission{Outcome: accepted, Dataset: ds, Duplicate: !created}
	if !created && ds.State != dataset.StateQueued {
		return sub, nil
	}
	// 排队中的重复请求重新入队：Enqueue 幂等，只会补上丢失的任务。
	sub.Job, err = s.enqueueDataset(ctx, ds, parent)
	if err != nil {
		if created {
			if _, derr := s.datasets.Delete(context.WithoutCancel(ctx), ds.Key); derr != nil {
				s.log.Warn("撤销未入队的数据集失败", "dataset", ds.Key, "error", derr)
			}
		}
		return Submission{}, err
	}
	return sub, nil
}

func (s *Service) createDataset(ctx context.Context, desc plugin.Descriptor, params map[string]any, parent *dataset.Dataset, owner, salt string) (*dataset.Dataset, bool, error) {
	parentKey := ""
	if parent != nil {
		parentKey = parent.Key
		if owner == "" {
			owner = parent.Owner
		}
	}
	key, err := dataset.DeriveKey(desc.Type, params, parentKey, salt)
	if err != nil {
		return nil, false, err
	}
	ds, created, err := s.datasets.Create(ctx, &dataset.Dataset{
		Key:          key,
		Type:         desc.Type,
		Category:     desc.Category,
		Extension:    desc.Extension,
		ParentKey:    parentKey,
		TopParentKey: dataset.TopParentOf(parent),
		Owner:        owner,
		Parameters:   params,
		Status:       "Queued",
		State:        dataset.StateQueued,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		logger.Audit().Info("dataset queued", "dataset", ds.Key, "type", ds.Type, "parent", parentKey, "owner", owner)
	}
	return ds, created, nil
}

func (s *Service) enqueueDataset(ctx context.Context, ds *dataset.Dataset, parent *dataset.Dataset) (*job.Job, error) {
	partition := s.registry.QueuePartition(ds.Type, ds.Parameters, parent)
	j, _, err := s.queue.Enqueue(ctx, ds.Type, ds.Key,
		job.WithPartition(partition),
		job.WithDetails(map[string]any{worker.DetailDataset: ds.Key}))
	if err != nil {
		return nil, err
	}
	s.notify(ctx, ds.Type)
	logger.Audit().Info("job enqueued", "job", j.ID(), "partition", partition)
	return j, nil
}

func (s *Service) notify(ctx context.Context, jobType string) {
	if err := s.notifier.Notify(ctx, jobType); err != nil {
		s.log.Warn("发送入队通知失败", "type", jobType, "error", err)
	}
}

// Get 返回数据集。
func (s *Service) Get(ctx context.Context, key string) (*dataset.Dataset, error) {
	return s.datasets.Get(ctx, key)
}

// Log 返回数据集日志。
func (s *Service) Log(ctx context.Context, key string) ([]dataset.LogEntry, error) {
	return s.datasets.Log(ctx, key)
}

// List 列出数据集。
func (s *Service) List(ctx context.Context, opts ...dataset.ListOption) ([]*dataset.Dataset, error) {
	return s.datasets.List(ctx, opts...)
}

// Children 返回直接子数据集。
func (s *Service) Children(ctx context.Context, key string) ([]*dataset.Dataset, error) {
	if _, err := s.datasets.Get(ctx, key); err != nil {
		return nil, err
	}
	return s.datasets.Children(ctx, key)
}

// Items 预览有效结果的前 limit 条记录。
func (s *Service) Items(ctx context.Context, key string, limit int) ([]*item.Item, error) {
	ds, err := s.datasets.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ds.ResultValid() {
		return nil, xerrors.New(dataset.CodeDatasetConflict, "数据集尚无有效结果", xerrors.WithDataset(key))
	}
	return results.Preview(ctx, ds.ResultPath, limit)
}

// Cancel 取消数据集。排队中的数据集立即失败并移除任务；运行中的数据集被置位中断标记。
func (s *Service) Cancel(ctx context.Context, key string) (*dataset.Dataset, error) {
	ds, err := s.datasets.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if ds.State.Terminal() {
		return nil, xerrors.New(dataset.CodeDatasetConflict, "数据集已结束", xerrors.WithDataset(key))
	}
	if ds.State == dataset.StateQueued {
		existing, err := s.queue.Get(ctx, ds.Type, ds.Key)
		if err == nil && !existing.Claimed() {
			if err := s.datasets.Fail(ctx, key, "Processing interrupted before start", true); err != nil {
				return nil, err
			}
			if err := s.queue.Delete(ctx, ds.Type, ds.Key); err != nil && !stdErrors.Is(err, job.ErrNotFound) {
				s.log.Warn("删除已取消数据集的任务失败", "dataset", key, "error", err)
			}
			logger.Audit().Info("dataset cancelled", "dataset", key, "state", "queued")
			return s.datasets.Get(ctx, key)
		}
	}
	if err := s.datasets.RequestInterrupt(ctx, key); err != nil {
		return nil, err
	}
	if s.interrupter != nil {
		s.interrupter.Interrupt(key)
	}
	logger.Audit().Info("dataset interrupt requested", "dataset", key)
	return s.datasets.Get(ctx, key)
}

// Delete 级联删除数据集、子数据集的结果文件与未完成的任务。
func (s *Service) Delete(ctx context.Context, key string) ([]*dataset.Dataset, error) {
	removed, err := s.datasets.Delete(ctx, key)
	if err != nil {
		return nil, err
	}
	for _, ds := range removed {
		if !ds.State.Terminal() {
			if s.interrupter != nil {
				s.interrupter.Interrupt(ds.Key)
			}
			if err := s.queue.Delete(ctx, ds.Type, ds.Key); err != nil && !stdErrors.Is(err, job.ErrNotFound) {
				s.log.Warn("删除数据集任务失败", "dataset", ds.Key, "error", err)
			}
		}
		if err := s.results.Remove(ds.ResultPath); err != nil {
			s.log.Warn("删除结果文件失败", "dataset", ds.Key, "error", err)
		}
		if err := s.results.RemoveFor(ds.Key, ds.Extension); err != nil {
			s.log.Warn("删除结果文件失败", "dataset", ds.Key, "error", err)
		}
		logger.Audit().Info("dataset deleted", "dataset", ds.Key, "type", ds.Type, "root", key)
	}
	return removed, nil
}

// CopyAsStandalone 复制一个已完成的数据集，副本保留谱系但以顶层数据集呈现。
func (s *Service) CopyAsStandalone(ctx context.Context, key string) (*dataset.Dataset, error) {
	src, err := s.datasets.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !src.ResultValid() {
		return nil, notReady(key)
	}
	newKey, err := dataset.DeriveKey(src.Type, src.Parameters, src.ParentKey, "standalone-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	copied, _, err := s.datasets.Create(ctx, &dataset.Dataset{
		Key:          newKey,
		Type:         src.Type,
		Category:     src.Category,
		Extension:    src.Extension,
		ParentKey:    src.ParentKey,
		TopParentKey: src.TopParentKey,
		Owner:        src.Owner,
		Parameters:   src.Parameters,
		Status:       fmt.Sprintf("Standalone copy of %s", src.Key),
		State:        dataset.StateQueued,
		Standalone:   true,
	})
	if err != nil {
		return nil, err
	}
	path, err := s.results.Copy(src.ResultPath, copied.Key, copied.Extension)
	if err != nil {
		_ = s.datasets.Fail(ctx, copied.Key, "Could not copy results", false)
		return nil, err
	}
	if err := s.datasets.Finish(ctx, copied.Key, src.RowCount, path); err != nil {
		return nil, err
	}
	_ = s.datasets.AppendLog(ctx, copied.Key, fmt.Sprintf("Copied from dataset %s", src.Key))
	logger.Audit().Info("dataset copied", "dataset", copied.Key, "source", src.Key)
	return s.datasets.Get(ctx, copied.Key)
}

// WaitUntilFinished 轮询直到数据集进入终态或 ctx 结束。
func (s *Service) WaitUntilFinished(ctx context.Context, key string, poll time.Duration) (*dataset.Dataset, error) {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		ds, err := s.datasets.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ds.State.Terminal() {
			return ds, nil
		}
		select {
		case <-ctx.Done():
			return ds, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RecurringRequest 描述一个周期任务。
type RecurringRequest struct {
	Type       string
	RemoteID   string
	Interval   time.Duration
	Parameters map[string]any
	ParentKey  string
	Partition  string
}

// EnqueueRecurring 注册周期任务。处理器类型的参数先经过协商，每次运行都会生成新的数据集。
func (s *Service) EnqueueRecurring(ctx context.Context, req RecurringRequest) (*job.Job, bool, error) {
	if req.Interval < time.Second {
		return nil, false, xerrors.New(xerrors.CodeInvalidArgument, "周期任务的间隔不能小于 1 秒")
	}
	_, desc, err := s.registry.Resolve(req.Type)
	if err != nil {
		return nil, false, err
	}
	details := map[string]any{}
	if desc.Kind == plugin.KindProcessor {
		parent, err := s.parentOf(ctx, req.ParentKey)
		if err != nil {
			return nil, false, err
		}
		if err := s.registry.Compatible(req.Type, parent); err != nil {
			return nil, false, err
		}
		outcome, err := s.registry.Negotiate(ctx, req.Type, req.Parameters, s.QueryContext(ctx, parent, ""))
		if err != nil {
			return nil, false, err
		}
		accepted, ok := outcome.(options.Accepted)
		if !ok {
			return nil, false, options.Reject("", describeOutcome(outcome))
		}
		details[worker.DetailRecurring] = true
		details[detailRegistration] = uuid.NewString()
		details["parameters"] = accepted.Parameters
		details["parent"] = req.ParentKey
		if req.Partition == "" {
			req.Partition = s.registry.QueuePartition(req.Type, accepted.Parameters, parent)
		}
	} else if len(req.Parameters) > 0 {
		details["parameters"] = req.Parameters
	}
	return s.EnqueueJob(ctx, req.Type, req.RemoteID,
		job.WithInterval(req.Interval), job.WithPartition(req.Partition), job.WithDetails(details))
}

// EnqueueJob 直接向队列写入任务。
func (s *Service) EnqueueJob(ctx context.Context, jobType, remoteID string, opts ...job.EnqueueOption) (*job.Job, bool, error) {
	if _, _, err := s.registry.Resolve(jobType); err != nil {
		return nil, false, err
	}
	j, created, err := s.queue.Enqueue(ctx, jobType, remoteID, opts...)
	if err != nil {
		return nil, false, err
	}
	if created {
		s.notify(ctx, jobType)
		logger.Audit().Info("job enqueued", "job", j.ID(), "interval", j.Interval)
	}
	return j, created, nil
}

// Jobs 列出某类型的任务。
func (s *Service) Jobs(ctx context.Context, jobType string) ([]*job.Job, error) {
	return s.queue.List(ctx, jobType)
}

func describeOutcome(o options.Outcome) string {
	switch v := o.(type) {
	case options.Rejected:
		return v.Reason
	case options.NeedsMoreInput:
		return "需要更多输入: " + v.Message
	case options.NeedsConfirmation:
		return "需要确认: " + v.Message
	default:
		return "参数未通过协商"
	}
}

// ListDatasets 实现 plugin.Host。
func (s *Service) ListDatasets(ctx context.Context, opts ...dataset.ListOption) ([]*dataset.Dataset, error) {
	return s.datasets.List(ctx, opts...)
}

// DeleteDataset 实现 plugin.Host。
func (s *Service) DeleteDataset(ctx context.Context, key string) error {
	_, err := s.Delete(ctx, key)
	return err
}

// Settings 实现 plugin.Host。
func (s *Service) Settings() plugin.Config {
	return s.shared.Clone()
}

// QueueFollowUp 以插件默认参数在 parent 之上排队后续处理。
func (s *Service) QueueFollowUp(ctx context.Context, parent *dataset.Dataset, pluginType string) (*dataset.Dataset, error) {
	schema, err := s.registry.OptionsFor(pluginType, s.QueryContext(ctx, parent, parent.Owner))
	if err != nil {
		return nil, err
	}
	sub, err := s.Submit(ctx, Request{
		Type:       pluginType,
		ParentKey:  parent.Key,
		Parameters: schema.Defaults(),
		User:       parent.Owner,
	})
	if err != nil {
		return nil, err
	}
	if !sub.Accepted() {
		return nil, options.Reject("", describeOutcome(sub.Outcome))
	}
	return sub.Dataset, nil
}

// CreateRecurringRun 为周期处理任务的第 Runs+1 次运行创建数据集；重复调用返回同一个数据集。
func (s *Service) CreateRecurringRun(ctx context.Context, j *job.Job) (*dataset.Dataset, error) {
	_, desc, err := s.registry.Resolve(j.Type)
	if err != nil {
		return nil, err
	}
	params, _ := j.Details["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	parentKey, _ := j.Details["parent"].(string)
	parent, err := s.parentOf(ctx, parentKey)
	if err != nil {
		return nil, err
	}
	ds, _, err := s.createDataset(ctx, desc, params, parent, "", recurringSalt(j))
	return ds, err
}

// detailRegistration 保存周期任务注册时生成的随机值，删除后重新注册的任务不会复用旧数据集。
const detailRegistration = "registration"

// recurringSalt 由任务身份、注册随机值与运行序号组成，不同任务的同参数运行互不冲突。
func recurringSalt(j *job.Job) string {
	registration, _ := j.Details[detailRegistration].(string)
	if registration == "" {
		registration = strconv.FormatInt(j.CreatedAt, 10)
	}
	return fmt.Sprintf("%s/%s/run-%d", j.ID(), registration, j.Runs+1)
}
