// Package config 提供了流程引擎的配置管理功能。
// 该包负责从 YAML 配置文件加载配置，并支持通过环境变量覆盖敏感配置项（如密码和密钥）。
// 配置包含了服务器、认证、引擎、存储、事件、日志、指标和遥测等多个方面的设置。
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 是应用程序的主配置结构体，包含所有子系统的配置。
// 该结构体通过 YAML 标签与配置文件进行映射。
type Config struct {
	// Server 服务器配置，包括 HTTP 端口和优雅关闭超时
	Server ServerConfig `yaml:"server"`
	// Auth 认证配置，包括 JWT 和 API Key 相关设置
	Auth AuthConfig `yaml:"auth"`
	// Engine 流程引擎配置，包括任务重试和租约设置
	Engine EngineConfig `yaml:"engine"`
	// Storage 存储配置，包括 PostgreSQL 和 Redis 连接信息
	Storage StorageConfig `yaml:"storage"`
	// Events 事件配置，包括 NATS 消息队列连接信息
	Events EventsConfig `yaml:"events"`
	// Logging 日志配置，包括日志级别和格式
	Logging LoggingConfig `yaml:"logging"`
	// Metrics 指标配置，用于 Prometheus 监控
	Metrics MetricsConfig `yaml:"metrics"`
	// Telemetry 遥测配置，用于分布式追踪
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务器配置结构体。
// 定义了各种服务端口和超时设置。
type ServerConfig struct {
	// HTTPPort HTTP API 服务端口，用于流程管理和任务协议 API
	// 默认值：8080
	HTTPPort int `yaml:"http_port"`
	// MetricsPort 指标服务端口，用于 Prometheus 指标暴露
	// 默认值：9090
	MetricsPort int `yaml:"metrics_port"`
	// ShutdownTimeout 优雅关闭超时时间
	// 默认值：30 秒
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig 认证配置结构体。
// 定义了 JWT 和 API Key 认证相关的设置。
type AuthConfig struct {
	// Enabled 是否启用认证
	Enabled bool `yaml:"enabled"`
	// JWTSecret JWT 签名密钥，可通过环境变量 PROCFLOW_AUTH_JWT_SECRET 或
	// PROCFLOW_AUTH_JWT_SECRET_FILE（文件路径）覆盖
	JWTSecret string `yaml:"jwt_secret"`
	// JWTExpiration JWT 令牌过期时间
	// 默认值：24 小时
	JWTExpiration time.Duration `yaml:"jwt_expiration"`
	// APIKeyHeader API Key 请求头名称
	// 默认值：X-API-Key
	APIKeyHeader string `yaml:"api_key_header"`
	// APIKeyHashes 已授权 API Key 的 SHA-256 哈希列表（不存储原始密钥）
	APIKeyHashes []string `yaml:"api_key_hashes"`
}

// EngineConfig 流程引擎配置结构体。
// 定义了任务重试、租约和定时器轮询的相关设置。
type EngineConfig struct {
	// TaskRetries 服务任务瞬时失败的默认重试次数
	// 默认值：0（不重试）
	TaskRetries int `yaml:"task_retries"`
	// LeaseTTL 任务租约有效期，超期未完成的任务将被重新入队
	// 默认值：30 秒
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// TimerInterval 定时器和租约扫描的轮询间隔
	// 默认值：1 秒
	TimerInterval time.Duration `yaml:"timer_interval"`
	// ActivateTimeoutMax 任务拉取长轮询的最大等待时间上限
	// 默认值：60 秒
	ActivateTimeoutMax time.Duration `yaml:"activate_timeout_max"`
}

// StorageConfig 存储配置结构体。
// 包含各种数据存储后端的配置。
type StorageConfig struct {
	// Driver 存储驱动，可选值："memory"（进程内）或 "postgres"
	// 默认值：memory
	Driver string `yaml:"driver"`
	// Postgres PostgreSQL 数据库配置
	Postgres PostgresConfig `yaml:"postgres"`
	// Redis Redis 缓存与任务唤醒通知配置
	Redis RedisConfig `yaml:"redis"`
}

// PostgresConfig PostgreSQL 数据库配置结构体。
// 定义了数据库连接的相关参数。
type PostgresConfig struct {
	// Host 数据库主机地址
	Host string `yaml:"host"`
	// Port 数据库端口号
	Port int `yaml:"port"`
	// Database 数据库名称
	Database string `yaml:"database"`
	// User 数据库用户名
	User string `yaml:"user"`
	// Password 数据库密码，可通过环境变量 PROCFLOW_POSTGRES_PASSWORD 或
	// PROCFLOW_POSTGRES_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// MaxConnections 最大连接数
	MaxConnections int `yaml:"max_connections"`
}

// RedisConfig Redis 配置结构体。
// 定义了 Redis 连接的相关参数。
type RedisConfig struct {
	// Enabled 是否启用 Redis（任务唤醒通知与检视结果缓存）
	Enabled bool `yaml:"enabled"`
	// Address Redis 服务器地址，格式为 "host:port"
	Address string `yaml:"address"`
	// Password Redis 密码，可通过环境变量 PROCFLOW_REDIS_PASSWORD 或
	// PROCFLOW_REDIS_PASSWORD_FILE（文件路径）覆盖
	Password string `yaml:"password"`
	// DB Redis 数据库编号（0-15）
	DB int `yaml:"db"`
	// InspectCacheTTL 检视结果缓存的有效期
	// 默认值：5 秒
	InspectCacheTTL time.Duration `yaml:"inspect_cache_ttl"`
}

// EventsConfig 事件配置结构体。
// 定义了事件消息队列的连接信息。
type EventsConfig struct {
	// Enabled 是否将流程事件发布到 NATS JetStream
	Enabled bool `yaml:"enabled"`
	// NatsURL NATS 消息服务器 URL，如 "nats://localhost:4222"
	NatsURL string `yaml:"nats_url"`
}

// LoggingConfig 日志配置结构体。
// 定义了日志输出的级别和格式。
type LoggingConfig struct {
	// Level 日志级别，可选值：debug、info、warn、error
	Level string `yaml:"level"`
	// Format 日志格式，可选值：json、text
	Format string `yaml:"format"`
}

// MetricsConfig 指标配置结构体。
// 定义了 Prometheus 指标收集的相关设置。
type MetricsConfig struct {
	// Enabled 是否启用指标收集
	Enabled bool `yaml:"enabled"`
	// Namespace 指标命名空间前缀
	// 默认值：procflow
	Namespace string `yaml:"namespace"`
}

// TelemetryConfig 遥测配置结构体。
// 定义了分布式追踪的相关设置，支持 OpenTelemetry 协议。
type TelemetryConfig struct {
	// Enabled 是否启用遥测
	Enabled bool `yaml:"enabled"`
	// Endpoint OTLP 端点地址（如 "tempo:4317"）
	// 默认值：tempo:4317
	Endpoint string `yaml:"endpoint"`
	// ServiceName 服务名称，用于追踪标识
	// 默认值：procflow-engine
	ServiceName string `yaml:"service_name"`
	// SampleRate 采样率，范围 0.0 到 1.0
	// 默认值：0.1（10% 采样）
	SampleRate float64 `yaml:"sample_rate"`
	// Environment 环境标识（如 production、staging、development）
	// 默认值：development
	Environment string `yaml:"environment"`
}

// Load 从指定路径加载配置文件。
// 该函数会读取 YAML 配置文件，应用默认值，并处理环境变量覆盖。
//
// 参数：
//   - path: 配置文件的路径
//
// 返回值：
//   - *Config: 加载并处理后的配置对象
//   - error: 如果读取或解析失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Default 返回一份仅包含默认值的配置。
// 在未提供配置文件时使用，环境变量覆盖仍然生效。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

// applyEnvOverrides 应用环境变量覆盖。
// 敏感配置项（密码、密钥）支持通过环境变量或文件覆盖配置文件中的值。
func (c *Config) applyEnvOverrides() {
	if v := readEnvOrFileAny(
		[]string{"PROCFLOW_POSTGRES_PASSWORD"},
		[]string{"PROCFLOW_POSTGRES_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"PROCFLOW_REDIS_PASSWORD"},
		[]string{"PROCFLOW_REDIS_PASSWORD_FILE"},
	); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := readEnvOrFileAny(
		[]string{"PROCFLOW_AUTH_JWT_SECRET"},
		[]string{"PROCFLOW_AUTH_JWT_SECRET_FILE"},
	); v != "" {
		c.Auth.JWTSecret = v
	}
}

// readEnvOrFileAny 从环境变量或文件读取配置值。
// 优先从 fileKeys 指定的文件路径读取，如果文件不存在或读取失败，
// 则从 envKeys 指定的环境变量读取。
//
// 参数：
//   - envKeys: 直接存储值的环境变量名（按优先级从高到低）
//   - fileKeys: 存储文件路径的环境变量名（按优先级从高到低）
//
// 返回值：
//   - string: 读取到的配置值，如果都未设置则返回空字符串
func readEnvOrFileAny(envKeys []string, fileKeys []string) string {
	for _, fileKey := range fileKeys {
		if filePath := strings.TrimSpace(os.Getenv(fileKey)); filePath != "" {
			if b, err := os.ReadFile(filePath); err == nil {
				return strings.TrimSpace(string(b))
			}
		}
	}

	for _, envKey := range envKeys {
		if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
			return v
		}
	}

	return ""
}

// applyDefaults 应用默认配置值。
// 该方法为未设置的配置项填充合理的默认值，确保应用可以正常运行。
func (c *Config) applyDefaults() {
	// HTTP 端口默认为 8080
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	// 指标端口默认为 9090
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	// 优雅关闭超时默认为 30 秒
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	// JWT 过期时间默认为 24 小时
	if c.Auth.JWTExpiration == 0 {
		c.Auth.JWTExpiration = 24 * time.Hour
	}
	// API Key 请求头默认为 X-API-Key
	if c.Auth.APIKeyHeader == "" {
		c.Auth.APIKeyHeader = "X-API-Key"
	}
	// 任务重试次数不能为负数
	if c.Engine.TaskRetries < 0 {
		c.Engine.TaskRetries = 0
	}
	// 任务租约默认为 30 秒
	if c.Engine.LeaseTTL == 0 {
		c.Engine.LeaseTTL = 30 * time.Second
	}
	// 定时器轮询间隔默认为 1 秒
	if c.Engine.TimerInterval == 0 {
		c.Engine.TimerInterval = time.Second
	}
	// 长轮询最大等待时间默认为 60 秒
	if c.Engine.ActivateTimeoutMax == 0 {
		c.Engine.ActivateTimeoutMax = 60 * time.Second
	}
	// 存储驱动默认为 memory
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	// PostgreSQL 最大连接数默认为 10
	if c.Storage.Postgres.MaxConnections == 0 {
		c.Storage.Postgres.MaxConnections = 10
	}
	// 检视结果缓存默认 5 秒
	if c.Storage.Redis.InspectCacheTTL == 0 {
		c.Storage.Redis.InspectCacheTTL = 5 * time.Second
	}
	// NATS 地址默认为本机
	if c.Events.NatsURL == "" {
		c.Events.NatsURL = "nats://localhost:4222"
	}
	// 日志级别默认为 info
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	// 日志格式默认为 json
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	// 指标命名空间默认为 procflow
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "procflow"
	}
	// 遥测服务名称默认为 procflow-engine
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "procflow-engine"
	}
	// OTLP 端点默认为 tempo:4317
	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "tempo:4317"
	}
	// 采样率默认为 10%
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 0.1
	}
	// 环境标识默认为 development
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "development"
	}
}
