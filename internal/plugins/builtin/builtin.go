// Package builtin 提供随服务一起编译的插件：上传与抓取两类数据源、
// 过滤与计数两类处理器，以及清理过期数据集的 worker。
package builtin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"DatasetFlow/internal/plugin"
)

// 插件类型。
const (
	TypeUploadCSV      = "upload-csv"
	TypeFetchJSON      = "fetch-json"
	TypeDateFilter     = "date-filter"
	TypeCountValues    = "count-values"
	TypeExpireDatasets = "expire-datasets"
)

// SettingUploadsDir 是共享配置中上传目录的键。
const SettingUploadsDir = "uploads_dir"

// All 返回全部内置插件的新实例。
func All() []plugin.Plugin {
	return []plugin.Plugin{
		NewUploadCSV(),
		NewFetchJSON(),
		NewDateFilter(),
		NewCountValues(),
		NewExpireDatasets(),
	}
}

// Register 把全部内置插件登记到注册表。
func Register(r *plugin.Registry) error {
	for _, p := range All() {
		if err := r.Register(p); err != nil {
			return fmt.Errorf("register %s: %w", p.Descriptor().Type, err)
		}
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04",
}

// parseTime 解析 Unix 秒、RFC3339 与常见日期格式。
func parseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case int64:
		return time.Unix(x, 0).UTC(), true
	case int:
		return time.Unix(int64(x), 0).UTC(), true
	case float64:
		return time.Unix(int64(x), 0).UTC(), true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(n, 0).UTC(), true
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
