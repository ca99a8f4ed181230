// 本文件实现 deploy 命令，用于编译并部署流程图标记文件。
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// deployCmd 是 deploy 命令的 cobra.Command 实例。
var deployCmd = &cobra.Command{
	Use:   "deploy <file>",
	Short: "Compile and deploy a process definition",
	Long: `Compile a process markup file and deploy the resulting bytecode.

Deployment is idempotent: deploying the same source again returns the
same bytecode version without creating a new one. Use --dry-run to
compile without deploying.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

var deployDryRun bool

func init() {
	rootCmd.AddCommand(deployCmd)

	deployCmd.Flags().BoolVar(&deployDryRun, "dry-run", false, "Compile only, do not deploy")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read process file: %w", err)
	}

	client := NewClient()

	var result *CompileResult
	if deployDryRun {
		result, err = client.CompileProcess(string(data))
	} else {
		result, err = client.DeployProcess(string(data))
	}
	if err != nil {
		return err
	}

	if deployDryRun {
		cmd.Printf("✅ Compiled successfully.\n")
	} else {
		cmd.Printf("✅ Deployed successfully.\n")
	}
	return NewPrinter().PrintCompileResult(result)
}
