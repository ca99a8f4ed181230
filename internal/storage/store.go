// Package storage 提供流程引擎的持久化层。
// 内存实现用于测试与单机部署，PostgreSQL 实现用于生产环境，
// Redis 提供跨副本的任务可用性通知与检视快照缓存。
package storage

import (
	"context"
	"time"

	"github.com/oriys/procflow/internal/domain"
)

// ProgramRecord 是一个已部署字节码版本的持久化记录。
// 只保存源文本：程序本身按内容寻址，重启后重新编译必然得到同一版本。
type ProgramRecord struct {
	// ProcessKey 流程标识
	ProcessKey string `json:"process_key"`
	// Version 字节码版本（十六进制内容摘要）
	Version string `json:"bytecode_version"`
	// Source 流程图标记源文本
	Source string `json:"source"`
	// DeployedAt 部署时间
	DeployedAt time.Time `json:"deployed_at"`
}

// Store 定义流程引擎的持久化接口。
type Store interface {
	// SaveProgram 保存已部署的字节码版本（按版本幂等）
	SaveProgram(ctx context.Context, rec *ProgramRecord) error
	// GetProgram 按版本获取部署记录
	GetProgram(ctx context.Context, version string) (*ProgramRecord, error)
	// ListPrograms 列出全部部署记录（按部署时间升序）
	ListPrograms(ctx context.Context) ([]*ProgramRecord, error)

	// SaveInstance 保存（插入或更新）流程实例
	SaveInstance(ctx context.Context, inst *domain.Instance) error
	// GetInstance 按标识获取实例
	GetInstance(ctx context.Context, id string) (*domain.Instance, error)
	// ListInstances 列出实例，processKey 为空时不过滤
	ListInstances(ctx context.Context, processKey string, limit int) ([]*domain.Instance, error)

	// SaveRuntimeState 保存实例的 fiber 运行时快照
	SaveRuntimeState(ctx context.Context, instanceID string, snapshot []byte) error
	// GetRuntimeState 获取实例的 fiber 运行时快照
	GetRuntimeState(ctx context.Context, instanceID string) ([]byte, error)

	// SaveJob 保存（插入或更新）任务
	SaveJob(ctx context.Context, job *domain.Job) error
	// GetJob 按任务键获取任务
	GetJob(ctx context.Context, key string) (*domain.Job, error)
	// ListOpenJobs 列出全部未决任务（重启后重新入队用）
	ListOpenJobs(ctx context.Context) ([]*domain.Job, error)

	// SaveIncident 保存（插入或更新）故障单
	SaveIncident(ctx context.Context, inc *domain.Incident) error
	// GetIncident 按标识获取故障单
	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	// ListOpenIncidents 列出实例的未决故障单，instanceID 为空时列出全部
	ListOpenIncidents(ctx context.Context, instanceID string) ([]*domain.Incident, error)

	// AppendEvent 追加一条事件（同一实例内序号必须无空洞）
	AppendEvent(ctx context.Context, ev *domain.Event) error
	// ListEvents 列出实例序号 >= fromSeq 的事件
	ListEvents(ctx context.Context, instanceID string, fromSeq int64) ([]domain.Event, error)

	// Ping 检查存储连通性
	Ping(ctx context.Context) error
	// Close 关闭存储连接
	Close() error
}
