// Package main 是 procflow 命令行工具的入口点
// procflow 是用于管理流程执行引擎的 CLI 工具
// 它提供部署流程、启动实例、检视、投递信号和运行 worker 等操作
package main

import (
	"os"

	"github.com/oriys/procflow/cmd/procflow/cmd"
)

// main 是 CLI 工具的主函数
// 它调用 cmd 包的 Execute 函数来解析和执行用户命令
func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
