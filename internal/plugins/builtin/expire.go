package builtin

import (
	"context"
	"time"

	"DatasetFlow/internal/dataset"
	"DatasetFlow/internal/job"
	"DatasetFlow/internal/plugin"
	"DatasetFlow/pkg/logger"
)

// DefaultExpireAfter 是未配置时的数据集保留时长。
const DefaultExpireAfter = 30 * 24 * time.Hour

// ExpireDatasets 删除创建时间早于保留期限的顶层数据集及其后代。
// 通常以周期任务运行，任务 Details 中的 expire_after 覆盖插件配置。
type ExpireDatasets struct {
	now func() time.Time
}

// NewExpireDatasets 创建插件实例。
func NewExpireDatasets() *ExpireDatasets {
	return &ExpireDatasets{now: time.Now}
}

var _ plugin.Worker = (*ExpireDatasets)(nil)

func (e *ExpireDatasets) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Type:        TypeExpireDatasets,
		Category:    "maintenance",
		Title:       "Expire datasets",
		Description: "Delete datasets older than the retention period.",
		Kind:        plugin.KindWorker,
		MaxWorkers:  1,
		Config:      plugin.Config{"expire_after": DefaultExpireAfter.String()},
	}
}

func (e *ExpireDatasets) Work(ctx context.Context, j *job.Job, host plugin.Host) error {
	after := host.Settings().Duration("expire_after", DefaultExpireAfter)
	if override, ok := expireOverride(j); ok {
		after = plugin.Config{"expire_after": override}.Duration("expire_after", after)
	}
	if after <= 0 {
		return nil
	}
	cutoff := e.now().Add(-after)
	expired, err := host.ListDatasets(ctx,
		dataset.WithTopLevelOnly(),
		dataset.WithCreatedBefore(cutoff),
		dataset.WithStates(dataset.StateFinished, dataset.StateFinishedEmpty, dataset.StateFailed),
		dataset.WithLimit(500))
	if err != nil {
		return err
	}
	log := logger.Named("expire")
	deleted := 0
	for _, ds := range expired {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := host.DeleteDataset(ctx, ds.Key); err != nil {
			log.Warn("删除过期数据集失败", "dataset", ds.Key, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		log.Info("已删除过期数据集", "count", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}

// expireOverride 读取任务 Details 或其 parameters 中的 expire_after。
func expireOverride(j *job.Job) (any, bool) {
	if v, ok := j.Details["expire_after"]; ok {
		return v, true
	}
	if params, ok := j.Details["parameters"].(map[string]any); ok {
		v, ok := params["expire_after"]
		return v, ok
	}
	return nil, false
}
