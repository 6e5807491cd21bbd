package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"DatasetFlow/internal/job"
	"DatasetFlow/internal/pipeline"
)

var (
	enqueueInterval  time.Duration
	enqueueParams    string
	enqueueParent    string
	enqueuePartition string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <type> <remote-id>",
	Short: "Insert a job directly into the configured queue",
	Long:  "enqueue writes a job for the given plugin type. With --interval the job is\nrecurring; processor parameters are negotiated before the job is stored.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var params map[string]any
		if enqueueParams != "" {
			if err := json.Unmarshal([]byte(enqueueParams), &params); err != nil {
				return fmt.Errorf("解析 --params 失败: %w", err)
			}
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var (
			j       *job.Job
			created bool
		)
		if enqueueInterval > 0 {
			j, created, err = a.service.EnqueueRecurring(cmd.Context(), pipeline.RecurringRequest{
				Type:       args[0],
				RemoteID:   args[1],
				Interval:   enqueueInterval,
				Parameters: params,
				ParentKey:  enqueueParent,
				Partition:  enqueuePartition,
			})
		} else {
			opts := []job.EnqueueOption{job.WithPartition(enqueuePartition)}
			if len(params) > 0 {
				opts = append(opts, job.WithDetails(map[string]any{"parameters": params}))
			}
			j, created, err = a.service.EnqueueJob(cmd.Context(), args[0], args[1], opts...)
		}
		if err != nil {
			return err
		}
		state := "created"
		if !created {
			state = "already queued"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (interval %ds, partition %q)\n", j.ID(), state, j.Interval, j.Partition)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().DurationVar(&enqueueInterval, "interval", 0, "周期任务间隔，0 表示一次性任务")
	enqueueCmd.Flags().StringVar(&enqueueParams, "params", "", "JSON 格式的参数")
	enqueueCmd.Flags().StringVar(&enqueueParent, "parent", "", "周期处理任务的父数据集键")
	enqueueCmd.Flags().StringVar(&enqueuePartition, "partition", "", "目标子队列")
}
