package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"DatasetFlow/internal/plugin"
)

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "List registered plugins",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Fprintln(cmd.OutOrStdout(), renderPlugins(a.registry, a.cfg.Queue.DefaultMaxWorkers))
		return nil
	},
}

func renderPlugins(reg *plugin.Registry, defaultWorkers int) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Type", "Kind", "Accepts", "Partitions", "Workers", "Source"})
	for _, desc := range reg.Descriptors() {
		accepts := strings.Join(desc.Accepts, ", ")
		if accepts == "" {
			accepts = "-"
		}
		partitions := make([]string, 0, len(desc.Partitions))
		for _, p := range desc.Partitions {
			if p == "" {
				p = "(default)"
			}
			partitions = append(partitions, p)
		}
		tw.AppendRow(table.Row{
			desc.Type,
			string(desc.Kind),
			accepts,
			strings.Join(partitions, ", "),
			strconv.Itoa(reg.MaxWorkers(desc.Type, defaultWorkers)),
			reg.Source(desc.Type),
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}
