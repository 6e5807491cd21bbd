package builtin

import (
	"context"
	"fmt"

	"DatasetFlow/internal/options"
	"DatasetFlow/internal/plugin"
)

// DateFilter 保留日期字段落在区间内的记录；无法解析日期的记录被跳过而不是使运行失败。
type DateFilter struct{}

// NewDateFilter 创建插件实例。
func NewDateFilter() *DateFilter {
	return &DateFilter{}
}

var _ plugin.Processor = (*DateFilter)(nil)

func (d *DateFilter) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Type:        TypeDateFilter,
		Category:    "filter",
		Title:       "Filter by date",
		Description: "Keep items whose date falls within a range.",
		Extension:   "ndjson",
		Accepts:     []string{plugin.AcceptAny},
		MaxWorkers:  4,
		Options: options.Schema{
			{Key: "field", Type: options.TypeText, Help: "Date field", Default: "timestamp", MaxLength: 128},
			{Key: "daterange", Type: options.TypeDateRange, Help: "Date range"},
		},
	}
}

func (d *DateFilter) Process(ctx context.Context, rt plugin.Runtime) error {
	params := rt.Parameters()
	field := options.String(params, "field")
	if field == "" {
		field = "timestamp"
	}
	window := options.RangeOf(params, "daterange")
	total := int64(0)
	if parent := rt.Parent(); parent != nil {
		total = parent.RowCount
	}

	rt.UpdateStatus("Filtering items", false)
	seen := int64(0)
	for it, err := range rt.Items(ctx) {
		if err != nil {
			return err
		}
		if err := rt.CheckInterrupted(); err != nil {
			return err
		}
		seen++
		if total > 0 && seen%250 == 0 {
			rt.UpdateProgress(float64(seen) / float64(total))
		}
		value, _ := it.Get(field)
		ts, ok := parseTime(value)
		if !ok {
			rt.Skip(fmt.Sprintf("item %d has an unreadable %s value %q", seen, field, fmt.Sprint(value)))
			continue
		}
		unix := ts.Unix()
		if (window.Min > 0 && unix < window.Min) || (window.Max > 0 && unix > window.Max) {
			continue
		}
		if err := rt.Write(it); err != nil {
			return err
		}
	}
	rt.UpdateProgress(1)
	return nil
}
