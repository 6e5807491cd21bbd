package builtin

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"DatasetFlow/internal/item"
	"DatasetFlow/internal/options"
	"DatasetFlow/internal/plugin"
)

// CountValues 统计父数据集某一列中各个值出现的次数，结果写为 CSV。
type CountValues struct{}

// NewCountValues 创建插件实例。
func NewCountValues() *CountValues {
	return &CountValues{}
}

var (
	_ plugin.Processor       = (*CountValues)(nil)
	_ plugin.OptionsProvider = (*CountValues)(nil)
)

var countSchemaTail = options.Schema{
	{Key: "top", Type: options.TypeText, Help: "Only keep the most frequent values (0 for all)",
		Integer: true, Default: int64(0), Min: options.Float(0)},
	{Key: "include_empty", Type: options.TypeToggle, Help: "Count empty values", Default: false},
}

func (c *CountValues) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Type:        TypeCountValues,
		Category:    "metrics",
		Title:       "Count values",
		Description: "Count how often each value of a column occurs.",
		Extension:   "csv",
		Accepts:     []string{plugin.AcceptAny},
		MaxWorkers:  4,
		Options: append(options.Schema{
			{Key: "column", Type: options.TypeText, Help: "Column", Required: true},
		}, countSchemaTail...),
	}
}

// Options 以父数据集的列构造 CHOICE 选项；列未知时退回自由输入。
func (c *CountValues) Options(qc plugin.QueryContext) options.Schema {
	if len(qc.ParentColumns) == 0 {
		return c.Descriptor().Options
	}
	choices := make([]options.Choice, 0, len(qc.ParentColumns))
	for _, col := range qc.ParentColumns {
		choices = append(choices, options.Choice{Value: col, Label: col})
	}
	def := qc.ParentColumns[0]
	if slices.Contains(qc.ParentColumns, "author") {
		def = "author"
	}
	return append(options.Schema{
		{Key: "column", Type: options.TypeChoice, Help: "Column", Choices: choices, Default: def, Required: true},
	}, countSchemaTail...)
}

type valueCount struct {
	value string
	count int64
}

func (c *CountValues) Process(ctx context.Context, rt plugin.Runtime) error {
	params := rt.Parameters()
	column := options.String(params, "column")
	top := options.Int(params, "top", 0)
	includeEmpty := options.Bool(params, "include_empty")

	counts := make(map[string]int64)
	for it, err := range rt.Items(ctx) {
		if err != nil {
			return err
		}
		if err := rt.CheckInterrupted(); err != nil {
			return err
		}
		value := it.Flatten().String(column)
		if value == "" && !includeEmpty {
			continue
		}
		counts[value]++
	}
	if len(counts) == 0 {
		rt.UpdateStatus(fmt.Sprintf("No values found in column %s", column), true)
		rt.Finish(0)
		return nil
	}

	sorted := make([]valueCount, 0, len(counts))
	for v, n := range counts {
		sorted = append(sorted, valueCount{value: v, count: n})
	}
	slices.SortFunc(sorted, func(a, b valueCount) int {
		if a.count != b.count {
			return cmp.Compare(b.count, a.count)
		}
		return cmp.Compare(a.value, b.value)
	})
	if top > 0 && int64(len(sorted)) > top {
		sorted = sorted[:top]
	}
	for _, vc := range sorted {
		if err := rt.Write(item.New().Set("value", vc.value).Set("count", vc.count)); err != nil {
			return err
		}
	}
	rt.UpdateProgress(1)
	return nil
}
