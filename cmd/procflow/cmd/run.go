// 本文件实现 run 命令，用于显式推进实例并查看未决任务。
package cmd

import (
	"github.com/spf13/cobra"
)

// runCmd 是 run 命令的 cobra.Command 实例。
var runCmd = &cobra.Command{
	Use:   "run <instance-id>",
	Short: "Advance an instance and list its pending jobs",
	Long: `Explicitly advance a running instance and print the jobs currently
awaiting a worker. The engine advances instances eagerly after every
state change, so this normally reports the existing pending jobs; it is
useful for reconciliation after restoring state.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	jobs, err := NewClient().RunInstance(args[0])
	if err != nil {
		return err
	}
	return NewPrinter().PrintJobs(jobs)
}
