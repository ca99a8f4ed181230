// 本文件实现 cancel 命令，用于取消运行中的实例。
package cmd

import (
	"github.com/spf13/cobra"
)

// cancelCmd 是 cancel 命令的 cobra.Command 实例。
var cancelCmd = &cobra.Command{
	Use:   "cancel <instance-id>",
	Short: "Cancel a running instance",
	Long: `Cancel a running process instance.

Cancellation terminates all live fibers, discards pending and leased
jobs, and records the reason on the instance. Terminal instances
cannot be cancelled again.`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

var cancelReason string

func init() {
	rootCmd.AddCommand(cancelCmd)

	cancelCmd.Flags().StringVarP(&cancelReason, "reason", "r", "cancelled by operator", "Cancellation reason")
}

func runCancel(cmd *cobra.Command, args []string) error {
	id := args[0]
	if err := NewClient().CancelInstance(id, cancelReason); err != nil {
		return err
	}
	cmd.Printf("✅ Instance '%s' cancelled.\n", id)
	return nil
}
