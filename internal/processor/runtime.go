package processor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"DatasetFlow/internal/dataset"
	xerrors "DatasetFlow/internal/errors"
	"DatasetFlow/internal/item"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/internal/results"
)

// maxSkipReasons 限制汇总日志中列出的跳过原因数量。
const maxSkipReasons = 5

type termination int

const (
	notTerminated termination = iota
	finishedOK
	finishedWithError
)

// runtime 实现 plugin.Runtime，只由一个处理器 goroutine 写入。
type runtime struct {
	ctx       context.Context
	writeCtx  context.Context
	ds        *dataset.Dataset
	parent    *dataset.Dataset
	store     dataset.Store
	registry  *plugin.Registry
	writer    *results.Writer
	settings  plugin.Config
	interrupt *atomic.Bool
	log       *slog.Logger

	mu          sync.Mutex
	consumed    int64
	skipped     int64
	skipReasons []string
	term        termination
	rows        int64
	failMessage string
	writeErr    error
}

var _ plugin.Runtime = (*runtime)(nil)

func (r *runtime) Dataset() *dataset.Dataset {
	return r.ds.Clone()
}

func (r *runtime) Parameters() map[string]any {
	return r.ds.Clone().Parameters
}

func (r *runtime) Parent() *dataset.Dataset {
	if r.parent == nil {
		return nil
	}
	return r.parent.Clone()
}

func (r *runtime) Settings() plugin.Config {
	return r.settings.Clone()
}

func (r *runtime) Items(ctx context.Context) iter.Seq2[*item.Item, error] {
	return r.items(ctx, true)
}

func (r *runtime) RawItems(ctx context.Context) iter.Seq2[*item.Item, error] {
	return r.items(ctx, false)
}

func (r *runtime) items(ctx context.Context, mapped bool) iter.Seq2[*item.Item, error] {
	return func(yield func(*item.Item, error) bool) {
		if r.parent == nil {
			return
		}
		for raw, err := range results.Read(ctx, r.parent.ResultPath) {
			r.mu.Lock()
			r.consumed++
			r.mu.Unlock()
			if err != nil {
				// 单行解析失败按跳过处理，其余读取错误交给处理器决定。
				if xerrors.CodeOf(err) == results.CodeMalformedRow {
					r.Skip(malformedReason(err))
					continue
				}
				if !yield(nil, err) {
					return
				}
				continue
			}
			it := raw
			if mapped {
				it, err = r.registry.MapItem(r.parent.Type, raw)
				if err != nil {
					if stdErrors.Is(err, plugin.ErrNotFound) {
						if !yield(nil, err) {
							return
						}
						continue
					}
					r.Skip("item could not be mapped: " + reasonOf(err))
					continue
				}
			}
			if !yield(it, nil) {
				return
			}
		}
	}
}

func malformedReason(err error) string {
	if e, ok := xerrors.From(err); ok {
		if line := e.Metadata()["line"]; line != "" {
			return "row " + line + " of the parent dataset could not be parsed"
		}
	}
	return "a row of the parent dataset could not be parsed"
}

func reasonOf(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Message()
	}
	return err.Error()
}

func (r *runtime) Write(it *item.Item) error {
	if err := r.writer.Write(it); err != nil {
		r.mu.Lock()
		r.writeErr = err
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *runtime) Written() int64 {
	return r.writer.Rows()
}

func (r *runtime) UpdateStatus(status string, final bool) {
	if err := r.store.UpdateStatus(r.writeCtx, r.ds.Key, status, final); err != nil {
		r.log.Warn("更新数据集状态失败", "dataset", r.ds.Key, "error", err)
	}
}

func (r *runtime) UpdateProgress(progress float64) {
	if err := r.store.UpdateProgress(r.writeCtx, r.ds.Key, progress); err != nil {
		r.log.Warn("更新数据集进度失败", "dataset", r.ds.Key, "error", err)
	}
}

func (r *runtime) Log(message string) {
	if err := r.store.AppendLog(r.writeCtx, r.ds.Key, message); err != nil {
		r.log.Warn("写入数据集日志失败", "dataset", r.ds.Key, "error", err)
	}
}

func (r *runtime) Skip(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
	if len(r.skipReasons) < maxSkipReasons {
		r.skipReasons = append(r.skipReasons, reason)
	}
	r.log.Debug("跳过输入条目", "dataset", r.ds.Key, "reason", reason)
}

// Interrupted 在用户请求中断或进程关闭时返回 true。
func (r *runtime) Interrupted() bool {
	return r.interrupt.Load() || r.ctx.Err() != nil
}

func (r *runtime) CheckInterrupted() error {
	if r.Interrupted() {
		return plugin.ErrInterrupted
	}
	return nil
}

func (r *runtime) Finish(rows int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term != notTerminated {
		return
	}
	r.term = finishedOK
	r.rows = rows
}

func (r *runtime) FinishWithError(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.term != notTerminated {
		return
	}
	r.term = finishedWithError
	r.failMessage = message
}

// skipSummary 返回 "skipped N of M" 汇总，没有跳过时返回空串。
func (r *runtime) skipSummary() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.skipped == 0 {
		return ""
	}
	msg := fmt.Sprintf("Skipped %d of %d items", r.skipped, r.consumed)
	if len(r.skipReasons) > 0 {
		msg += ": " + strings.Join(r.skipReasons, "; ")
		if r.skipped > int64(len(r.skipReasons)) {
			msg += "; ..."
		}
	}
	return msg
}
