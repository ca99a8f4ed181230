// 本文件实现 list 命令，用于列出已部署流程与实例。
package cmd

import (
	"github.com/spf13/cobra"
)

// listCmd 是 list 命令的 cobra.Command 实例。
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List processes or instances",
}

// listProcessesCmd 列出已部署的流程程序。
var listProcessesCmd = &cobra.Command{
	Use:     "processes",
	Aliases: []string{"process", "proc"},
	Short:   "List deployed processes",
	RunE:    runListProcesses,
}

// listInstancesCmd 列出实例。
var listInstancesCmd = &cobra.Command{
	Use:     "instances",
	Aliases: []string{"instance", "inst"},
	Short:   "List process instances",
	RunE:    runListInstances,
}

var (
	listProcessKey string
	listLimit      int
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.AddCommand(listProcessesCmd)
	listCmd.AddCommand(listInstancesCmd)

	listInstancesCmd.Flags().StringVarP(&listProcessKey, "process", "p", "", "Filter by process key")
	listInstancesCmd.Flags().IntVarP(&listLimit, "limit", "n", 100, "Maximum number of instances")
}

func runListProcesses(cmd *cobra.Command, args []string) error {
	processes, err := NewClient().ListProcesses()
	if err != nil {
		return err
	}
	if len(processes) == 0 {
		cmd.Println("No processes deployed.")
		return nil
	}
	return NewPrinter().PrintProcesses(processes)
}

func runListInstances(cmd *cobra.Command, args []string) error {
	instances, err := NewClient().ListInstances(listProcessKey, listLimit)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		cmd.Println("No instances found.")
		return nil
	}
	return NewPrinter().PrintInstances(instances)
}
