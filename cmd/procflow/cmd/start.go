// 本文件实现 start 命令，用于启动流程实例。
package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// startCmd 是 start 命令的 cobra.Command 实例。
var startCmd = &cobra.Command{
	Use:   "start <process-key>",
	Short: "Start a process instance",
	Long: `Start a new instance of a deployed process.

The instance is pinned to a bytecode version for its whole lifetime:
pass --version explicitly, or omit it to use the latest deployed
version. The payload digest is computed locally and sent with the
request.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var (
	startVersion       string
	startData          string
	startDataFile      string
	startCorrelationID string
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&startVersion, "version", "v", "", "Bytecode version (default: latest)")
	startCmd.Flags().StringVarP(&startData, "data", "d", "{}", "Initial payload (JSON string)")
	startCmd.Flags().StringVarP(&startDataFile, "data-file", "f", "", "Read initial payload from file")
	startCmd.Flags().StringVar(&startCorrelationID, "correlation-id", "", "External correlation identifier")
}

func runStart(cmd *cobra.Command, args []string) error {
	processKey := args[0]
	client := NewClient()

	payload := startData
	if startDataFile != "" {
		data, err := os.ReadFile(startDataFile)
		if err != nil {
			return fmt.Errorf("failed to read payload file: %w", err)
		}
		payload = string(data)
	}
	if !json.Valid([]byte(payload)) {
		return fmt.Errorf("payload is not valid JSON")
	}

	version := startVersion
	if version == "" {
		latest, err := client.LatestVersion(processKey)
		if err != nil {
			return err
		}
		version = latest
	}

	inst, err := client.StartInstance(&StartInstanceRequest{
		ProcessKey:      processKey,
		BytecodeVersion: version,
		Payload:         payload,
		PayloadHash:     HashPayload(payload),
		CorrelationID:   startCorrelationID,
	})
	if err != nil {
		return err
	}

	cmd.Printf("🚀 Instance started: %s\n", inst.ID)
	return NewPrinter().PrintInstance(inst)
}
