// 本文件实现 signal 命令，用于向等待消息或人工任务的实例投递信号。
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// signalCmd 是 signal 命令的 cobra.Command 实例。
var signalCmd = &cobra.Command{
	Use:   "signal <instance-id> <message-name>",
	Short: "Deliver a signal to a waiting instance",
	Long: `Deliver a message or human-task completion to an instance.

The signal matches a fiber waiting on a message event (by name and
optional correlation key) or on a human task. If no fiber is waiting
for the given name the command fails with a conflict.`,
	Args: cobra.ExactArgs(2),
	RunE: runSignal,
}

var (
	signalCorrelationKey string
	signalData           string
)

func init() {
	rootCmd.AddCommand(signalCmd)

	signalCmd.Flags().StringVarP(&signalCorrelationKey, "correlation-key", "k", "", "Correlation key to match")
	signalCmd.Flags().StringVarP(&signalData, "data", "d", "", "Replacement payload (JSON string)")
}

func runSignal(cmd *cobra.Command, args []string) error {
	id, messageName := args[0], args[1]

	if signalData != "" && !json.Valid([]byte(signalData)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	if err := NewClient().SignalInstance(id, messageName, signalCorrelationKey, signalData, nil); err != nil {
		return err
	}

	cmd.Printf("✅ Signal '%s' delivered to instance '%s'.\n", messageName, id)
	return nil
}
