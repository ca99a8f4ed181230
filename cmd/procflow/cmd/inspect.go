// 本文件实现 inspect 命令，用于检视实例的运行状态。
package cmd

import (
	"github.com/spf13/cobra"
)

// inspectCmd 是 inspect 命令的 cobra.Command 实例。
var inspectCmd = &cobra.Command{
	Use:   "inspect <instance-id>",
	Short: "Inspect a process instance",
	Long: `Show a consistent snapshot of an instance: its state, live fibers
with their current nodes, what each blocked fiber is waiting for, and
any open incidents.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	result, err := NewClient().InspectInstance(args[0])
	if err != nil {
		return err
	}
	return NewPrinter().PrintInspect(result)
}
