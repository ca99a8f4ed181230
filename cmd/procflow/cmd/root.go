// Package cmd 包含 procflow CLI 工具的所有命令实现
// 使用 cobra 框架构建命令行接口
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 全局命令行标志变量
var (
	cfgFile   string // 配置文件路径
	apiURL    string // API 服务器地址
	outputFmt string // 输出格式（table/json/yaml）
)

// rootCmd 是 CLI 的根命令
// 所有子命令都挂载在这个根命令下
var rootCmd = &cobra.Command{
	Use:   "procflow",
	Short: "Procflow - process execution engine CLI",
	Long: `procflow 是用于管理流程执行引擎的命令行工具。

使用示例:
  # 部署流程图标记文件
  procflow deploy order.flow

  # 启动流程实例
  procflow start order --data '{"order_id": 42}'

  # 检视实例
  procflow inspect <instance-id>

  # 跟随实例事件流
  procflow events <instance-id> --follow

  # 运行 worker 处理任务
  procflow worker --types charge,notify --exec ./handler.sh`,
}

// Execute 执行根命令
// 这是 CLI 的入口函数，由 main 包调用
//
// 返回:
//   - error: 命令执行错误
func Execute() error {
	return rootCmd.Execute()
}

// init 初始化命令行工具
// 注册全局标志和配置初始化函数
func init() {
	// 在命令执行前初始化配置
	cobra.OnInitialize(initConfig)

	// 注册持久化标志（所有子命令都可使用）
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.procflow.yaml）")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "u", "http://localhost:8080", "API 服务器地址")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")

	// 将标志绑定到 viper 配置
	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initConfig 初始化配置
// 按优先级加载配置：命令行标志 > 环境变量 > 配置文件
func initConfig() {
	if cfgFile != "" {
		// 使用用户指定的配置文件
		viper.SetConfigFile(cfgFile)
	} else {
		// 获取用户主目录
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		// 搜索配置文件的路径
		viper.AddConfigPath(home) // 在主目录查找
		viper.AddConfigPath(".")  // 在当前目录查找
		viper.SetConfigType("yaml")
		viper.SetConfigName(".procflow") // 配置文件名（不含扩展名）
	}

	// 设置环境变量前缀
	// 环境变量格式：PROCFLOW_<KEY>，如 PROCFLOW_API_URL
	viper.SetEnvPrefix("PROCFLOW")
	viper.AutomaticEnv() // 自动读取环境变量

	_ = viper.BindEnv("api_url", "PROCFLOW_API_URL")
	_ = viper.BindEnv("output", "PROCFLOW_OUTPUT")

	// 读取配置文件（如果存在）
	_ = viper.ReadInConfig()
}
