package processor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/internal/results"
	"DatasetFlow/pkg/logger"
)

const (
	// MessageInterrupted 是用户取消后写入数据集的状态。
	MessageInterrupted = "Processing interrupted by user"
	// MessageCrashed 是处理器异常退出时对用户展示的通用信息，细节只写入运维日志。
	MessageCrashed = "Processor crashed unexpectedly; the error has been logged for the operators"
	// MessageRequeued 是进程关闭导致运行中断、数据集重新排队时的状态。
	MessageRequeued = "Interrupted by shutdown, queued again"
)

// CodeProcessorFailed 标记处理器运行失败，用于告警。
const CodeProcessorFailed xerrors.Code = "PROCESSOR_FAILED"

func init() {
	xerrors.Register(CodeProcessorFailed, xerrors.Attributes{
		Message:  "processor failed",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Outcome 描述一次运行的结束方式。
type Outcome string

const (
	OutcomeFinished  Outcome = "finished"
	OutcomeEmpty     Outcome = "finished_empty"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeRequeued 表示运行因进程关闭被打断，数据集已回到排队状态。
	OutcomeRequeued Outcome = "requeued"
)

// Result 是 Runner.Run 的返回值。
type Result struct {
	Outcome  Outcome
	Dataset  *dataset.Dataset
	Rows     int64
	Duration time.Duration
	// Err 是处理器返回的原始错误，仅供运维日志与重试决策使用。
	Err error
	// Retryable 表示失败由临时性外部错误导致。
	Retryable bool
}

// Runner 驱动处理器运行并把结果映射为数据集终态。
type Runner struct {
	datasets dataset.Store
	results  *results.Store
	registry *plugin.Registry
	log      *slog.Logger
	now      func() time.Time
}

// NewRunner 创建运行器。
func NewRunner(datasets dataset.Store, store *results.Store, registry *plugin.Registry) *Runner {
	return &Runner{
		datasets: datasets,
		results:  store,
		registry: registry,
		log:      logger.Named("processor"),
		now:      time.Now,
	}
}

// Run 执行数据集对应的处理器直到终态。interrupt 由外部在用户取消时置位。
// ctx 被取消视为进程关闭：数据集回到 queued，部分结果被丢弃。
func (r *Runner) Run(ctx context.Context, ds *dataset.Dataset, interrupt *atomic.Bool) Result {
	started := r.now()
	if interrupt == nil {
		interrupt = new(atomic.Bool)
	}
	res := r.run(ctx, ds, interrupt)
	res.Duration = r.now().Sub(started)
	if latest, err := r.datasets.Get(context.WithoutCancel(ctx), ds.Key); err == nil {
		res.Dataset = latest
	} else {
		res.Dataset = ds.Clone()
	}
	return res
}

func (r *Runner) run(ctx context.Context, ds *dataset.Dataset, interrupt *atomic.Bool) Result {
	// 终态写入不能因关闭而丢失。
	store := context.WithoutCancel(ctx)

	p, _, err := r.registry.Resolve(ds.Type)
	if err != nil {
		return r.fail(store, ds, fmt.Sprintf("Unknown processor type %q", ds.Type), err)
	}
	proc, ok := p.(plugin.Processor)
	if !ok {
		return r.fail(store, ds, fmt.Sprintf("Plugin %q does not produce datasets", ds.Type), nil)
	}

	var parent *dataset.Dataset
	if ds.ParentKey != "" {
		parent, err = r.datasets.Get(store, ds.ParentKey)
		if err != nil || !parent.ResultValid() {
			return r.fail(store, ds, "Parent dataset is not available", err)
		}
	}

	if err := r.datasets.MarkRunning(store, ds.Key); err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	logger.Audit().Info("dataset running", "dataset", ds.Key, "type", ds.Type)

	writer, err := r.results.Create(ds.Key, ds.Extension)
	if err != nil {
		return r.fail(store, ds, "Could not create result file", err)
	}

	rt := &runtime{
		ctx:       ctx,
		writeCtx:  store,
		ds:        ds,
		parent:    parent,
		store:     r.datasets,
		registry:  r.registry,
		writer:    writer,
		settings:  r.registry.Settings(ds.Type),
		interrupt: interrupt,
		log:       r.log,
	}
	procErr := r.invoke(ctx, proc, rt)

	if summary := rt.skipSummary(); summary != "" {
		rt.Log(summary)
	}

	interrupted := stdErrors.Is(procErr, plugin.ErrInterrupted) || (procErr != nil && ctx.Err() != nil)
	switch {
	case interrupted && (interrupt.Load() || ctx.Err() == nil):
		_ = writer.Discard()
		return r.cancel(store, ds)
	case interrupted:
		_ = writer.Discard()
		return r.requeue(store, ds)
	case procErr != nil:
		_ = writer.Discard()
		r.log.Error("处理器异常退出", "dataset", ds.Key, "type", ds.Type, "error", procErr)
		res := r.fail(store, ds, MessageCrashed, procErr)
		res.Retryable = xerrors.RetryableError(procErr)
		return res
	}

	if rt.writeErr != nil {
		_ = writer.Discard()
		return r.fail(store, ds, "Could not write results", rt.writeErr)
	}
	switch rt.term {
	case finishedWithError:
		_ = writer.Discard()
		return r.fail(store, ds, rt.failMessage, nil)
	case notTerminated:
		rt.rows = writer.Rows()
	}

	path, err := writer.Commit()
	if err != nil {
		return r.fail(store, ds, "Could not save results", err)
	}
	if err := r.datasets.Finish(store, ds.Key, rt.rows, path); err != nil {
		r.log.Error("记录数据集完成失败", "dataset", ds.Key, "error", err)
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	outcome := OutcomeFinished
	if rt.rows <= 0 {
		outcome = OutcomeEmpty
		rt.UpdateStatus("No results", false)
	}
	logger.Audit().Info("dataset finished", "dataset", ds.Key, "type", ds.Type, "rows", rt.rows)
	return Result{Outcome: outcome, Rows: rt.rows}
}

// invoke 调用处理器入口，把 panic 转换为错误。
func (r *Runner) invoke(ctx context.Context, proc plugin.Processor, rt *runtime) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("processor panic: %v", rec),
				xerrors.WithMetadata("stack", string(debug.Stack())))
		}
	}()
	return proc.Process(ctx, rt)
}

func (r *Runner) fail(ctx context.Context, ds *dataset.Dataset, message string, cause error) Result {
	if cause != nil {
		r.log.Warn("数据集处理失败", "dataset", ds.Key, "type", ds.Type, "message", message, "error", cause)
	}
	if err := r.datasets.Fail(ctx, ds.Key, message, false); err != nil && !stdErrors.Is(err, dataset.ErrConflict) {
		r.log.Error("记录数据集失败状态失败", "dataset", ds.Key, "error", err)
	}
	logger.Audit().Warn("dataset failed", "dataset", ds.Key, "type", ds.Type, "message", message)
	return Result{Outcome: OutcomeFailed, Err: cause}
}

func (r *Runner) cancel(ctx context.Context, ds *dataset.Dataset) Result {
	if err := r.datasets.Fail(ctx, ds.Key, MessageInterrupted, true); err != nil && !stdErrors.Is(err, dataset.ErrConflict) {
		r.log.Error("记录数据集取消状态失败", "dataset", ds.Key, "error", err)
	}
	logger.Audit().Info("dataset cancelled", "dataset", ds.Key, "type", ds.Type)
	return Result{Outcome: OutcomeCancelled}
}

func (r *Runner) requeue(ctx context.Context, ds *dataset.Dataset) Result {
	if err := r.datasets.ResetQueued(ctx, ds.Key); err != nil {
		r.log.Warn("数据集重新排队失败", "dataset", ds.Key, "error", err)
	}
	if err := r.datasets.UpdateStatus(ctx, ds.Key, MessageRequeued, false); err != nil {
		r.log.Warn("更新数据集状态失败", "dataset", ds.Key, "error", err)
	}
	return Result{Outcome: OutcomeRequeued}
}
