// 本文件实现 get 命令，用于查看实例与任务的详情。
package cmd

import (
	"github.com/spf13/cobra"
)

// getCmd 是 get 命令的 cobra.Command 实例。
var getCmd = &cobra.Command{
	Use:   "get",
	Short: "Get details of an instance or a job",
}

// getInstanceCmd 查看实例详情。
var getInstanceCmd = &cobra.Command{
	Use:     "instance <instance-id>",
	Aliases: []string{"inst"},
	Short:   "Get instance details",
	Args:    cobra.ExactArgs(1),
	RunE:    runGetInstance,
}

// getJobCmd 查看任务详情。
var getJobCmd = &cobra.Command{
	Use:   "job <job-key>",
	Short: "Get job details",
	Args:  cobra.ExactArgs(1),
	RunE:  runGetJob,
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.AddCommand(getInstanceCmd)
	getCmd.AddCommand(getJobCmd)
}

func runGetInstance(cmd *cobra.Command, args []string) error {
	inst, err := NewClient().GetInstance(args[0])
	if err != nil {
		return err
	}
	return NewPrinter().PrintInstance(inst)
}

func runGetJob(cmd *cobra.Command, args []string) error {
	job, err := NewClient().GetJob(args[0])
	if err != nil {
		return err
	}
	return NewPrinter().PrintJobs([]Job{*job})
}
