package plugin

import (
	"context"
	"iter"

	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/item"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/options"
)

// Plugin 是所有插件都必须实现的最小接口。
// 其余能力通过可选接口声明，注册表在运行时做类型断言。
type Plugin interface {
	Descriptor() Descriptor
}

// Processor 产出数据集。Process 返回 nil 且未调用终止方法时，运行时按已写入行数完成。
type Processor interface {
	Plugin
	Process(ctx context.Context, rt Runtime) error
}

// Worker 直接处理队列任务。
type Worker interface {
	Plugin
	Work(ctx context.Context, j *job.Job, host Host) error
}

// Host 是工作池暴露给 Worker 插件的宿主能力。
type Host interface {
	ListDatasets(ctx context.Context, opts ...dataset.ListOption) ([]*dataset.Dataset, error)
	// DeleteDataset 级联删除数据集及其结果文件。
	DeleteDataset(ctx context.Context, key string) error
	Settings() Config
}

// Configurable 插件在注册时接收合并后的配置。
type Configurable interface {
	Configure(cfg Config) error
}

// OptionsProvider 根据父数据集或全局配置动态生成选项。
type OptionsProvider interface {
	Options(qc QueryContext) options.Schema
}

// QueryValidator 实现自定义的多轮参数协商。
type QueryValidator interface {
	ValidateQuery(ctx context.Context, raw map[string]any, qc QueryContext) options.Outcome
}

// CompatibilityChecker 覆盖 Descriptor.Accepts 的默认兼容性判断。
type CompatibilityChecker interface {
	IsCompatibleWith(parent *dataset.Dataset) bool
}

// ItemMapper 由数据源插件实现，把原始记录映射为统一的 Item 形状。
type ItemMapper interface {
	MapItem(raw *item.Item) (*item.Item, error)
}

// QueuePartitioner 为任务选择子队列。
type QueuePartitioner interface {
	QueuePartition(params map[string]any, parent *dataset.Dataset) string
}

// QueryContext 是参数协商时可见的上下文。
type QueryContext struct {
	Parent *dataset.Dataset
	// ParentColumns 是父数据集首行的字段名，供动态选项使用。
	ParentColumns []string
	Settings      Config
	User          string
}

// Runtime 是处理器执行期间与数据集交互的唯一通道。
// 状态、进度与日志立即对观察者可见；Write 直接写入结果文件而不在内存中缓存。
type Runtime interface {
	Dataset() *dataset.Dataset
	Parameters() map[string]any
	Parent() *dataset.Dataset
	// Items 返回父数据集经数据源映射后的条目，每次调用都从头开始读取。
	Items(ctx context.Context) iter.Seq2[*item.Item, error]
	// RawItems 返回未经映射的原始记录。
	RawItems(ctx context.Context) iter.Seq2[*item.Item, error]
	Write(it *item.Item) error
	Written() int64
	UpdateStatus(status string, final bool)
	UpdateProgress(progress float64)
	Log(message string)
	// Skip 记录一条被跳过的输入，结束时汇总为 "skipped N of M"。
	Skip(reason string)
	Interrupted() bool
	// CheckInterrupted 在收到中断请求时返回 ErrInterrupted。
	CheckInterrupted() error
	Finish(rows int64)
	FinishWithError(message string)
	Settings() Config
}

const (
	CodePluginNotFound       xerrors.Code = "PLUGIN_NOT_FOUND"
	CodePluginIncompatible   xerrors.Code = "PLUGIN_INCOMPATIBLE"
	CodeProcessorInterrupted xerrors.Code = "PROCESSOR_INTERRUPTED"
)

var (
	// ErrNotFound 表示类型未注册或已在配置中禁用。
	ErrNotFound = xerrors.New(CodePluginNotFound, "plugin not found")
	// ErrIncompatible 表示插件不接受给定的父数据集。
	ErrIncompatible = xerrors.New(CodePluginIncompatible, "plugin incompatible with parent dataset")
	// ErrInterrupted 由处理器返回以协作式地结束运行。
	ErrInterrupted = xerrors.New(CodeProcessorInterrupted, "processor interrupted")
)

func init() {
	xerrors.Register(CodePluginNotFound, xerrors.Attributes{
		Message:  "plugin not found",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodePluginIncompatible, xerrors.Attributes{
		Message:  "plugin incompatible with parent dataset",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeProcessorInterrupted, xerrors.Attributes{
		Message:  "processor interrupted",
		Severity: xerrors.SeverityInfo,
	})
}
