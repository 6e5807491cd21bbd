package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version 在构建时通过 -ldflags 注入。
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "datasetflowd",
	Short: "Dataset pipeline engine",
	Long:  "datasetflowd runs processor plugins that turn queued jobs into datasets,\nand exposes the REST API used to negotiate, inspect and manage them.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（缺省读取 $DATASETFLOW_CONFIG 或 configs/datasetflow.json）")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pluginsCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
