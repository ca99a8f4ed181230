// Package cmd 提供 procflow 命令行工具的所有子命令实现。
// 本文件实现 API 客户端，用于与流程执行引擎的后端服务进行通信。
//
// Client 封装了所有与 API 服务器的交互逻辑，包括：
//   - 流程程序的编译与部署
//   - 实例的启动、检视、信号投递和取消
//   - 事件历史读取
//   - worker 任务协议（拉取、完成、失败）
//   - 故障单查询与恢复
//
// 客户端使用 HTTP/JSON 协议与服务器通信，支持错误处理和超时控制。
package cmd

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oriys/procflow/internal/telemetry"
)

// Client 是流程执行引擎的 API 客户端。
// 封装了与后端服务通信的所有方法，使用 HTTP/JSON 协议。
type Client struct {
	baseURL    string       // API 服务器的基础 URL
	httpClient *http.Client // HTTP 客户端，用于发送请求
}

// NewClient 创建一个新的 API 客户端实例。
// 从 viper 配置中读取 api_url，如果未配置则使用默认值 http://localhost:8080。
// 超时时间需覆盖任务拉取的长轮询窗口。
func NewClient() *Client {
	baseURL := viper.GetString("api_url")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   120 * time.Second,
			Transport: telemetry.HTTPClientTransport(nil),
		},
	}
}

// ====== 领域模型定义 ======

// Diagnostic 表示一条编译诊断。
type Diagnostic struct {
	Severity  string `json:"severity"`             // 严重级别：error / warning
	Message   string `json:"message"`              // 诊断内容
	ElementID string `json:"element_id,omitempty"` // 关联的流程图元素
}

// CompileResult 表示编译/部署响应。
type CompileResult struct {
	BytecodeVersion string       `json:"bytecode_version"`      // 内容寻址的字节码版本
	Diagnostics     []Diagnostic `json:"diagnostics,omitempty"` // 警告级诊断
}

// Process 表示一个已部署的流程程序。
type Process struct {
	ProcessKey      string    `json:"process_key"`      // 流程标识
	BytecodeVersion string    `json:"bytecode_version"` // 字节码版本
	Source          string    `json:"source"`           // 流程图标记源文本
	DeployedAt      time.Time `json:"deployed_at"`      // 部署时间
}

// Instance 表示一个流程实例。
type Instance struct {
	ID              string                 `json:"id"`                       // 实例唯一标识符
	ProcessKey      string                 `json:"process_key"`              // 流程标识
	BytecodeVersion string                 `json:"bytecode_version"`         // 固定引用的字节码版本
	Payload         string                 `json:"domain_payload"`           // 业务 payload
	PayloadHash     string                 `json:"domain_payload_hash"`      // payload 摘要
	State           string                 `json:"state"`                    // 实例状态
	CancelReason    string                 `json:"cancel_reason,omitempty"`  // 取消原因
	CorrelationID   string                 `json:"correlation_id,omitempty"` // 外部关联标识
	Flags           map[string]interface{} `json:"orch_flags,omitempty"`     // 编排标志
	CreatedAt       time.Time              `json:"created_at"`               // 创建时间
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`   // 进入终态的时间
}

// StartInstanceRequest 表示启动实例的 API 请求体。
type StartInstanceRequest struct {
	ProcessKey      string                 `json:"process_key"`
	BytecodeVersion string                 `json:"bytecode_version"`
	Payload         string                 `json:"domain_payload"`
	PayloadHash     string                 `json:"domain_payload_hash"`
	CorrelationID   string                 `json:"correlation_id,omitempty"`
	Flags           map[string]interface{} `json:"orch_flags,omitempty"`
}

// FiberSnapshot 表示检视结果中的单个 fiber。
type FiberSnapshot struct {
	FiberID int64         `json:"fiber_id"`       // fiber 标识
	PC      int           `json:"pc"`             // 程序计数器
	NodeID  string        `json:"node_id"`        // 当前流程图节点
	Wait    *WaitSnapshot `json:"wait,omitempty"` // 等待描述符
}

// WaitSnapshot 描述一个被阻塞 fiber 的等待原因。
type WaitSnapshot struct {
	FiberID int64  `json:"fiber_id"`
	Type    string `json:"type"`
	Detail  string `json:"detail"`
}

// InspectResult 表示实例检视快照。
type InspectResult struct {
	State           string          `json:"state"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
	Fibers          []FiberSnapshot `json:"fibers"`
	Waits           []WaitSnapshot  `json:"waits"`
	Incidents       []Incident      `json:"incidents"`
	BytecodeVersion string          `json:"bytecode_version"`
	PayloadHash     string          `json:"domain_payload_hash"`
}

// Event 表示实例事件日志中的一条事件。
type Event struct {
	InstanceID string          `json:"instance_id"`
	Seq        int64           `json:"seq"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Job 表示 worker 视角的一个任务租约。
type Job struct {
	JobKey           string                 `json:"job_key"`
	InstanceID       string                 `json:"instance_id"`
	TaskType         string                 `json:"task_type"`
	ServiceTaskID    string                 `json:"service_task_id"`
	Payload          string                 `json:"domain_payload"`
	PayloadHash      string                 `json:"domain_payload_hash"`
	Flags            map[string]interface{} `json:"orch_flags,omitempty"`
	RetriesRemaining int                    `json:"retries_remaining"`
}

// Incident 表示一张故障单。
type Incident struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instance_id"`
	ServiceTaskID string     `json:"service_task_id"`
	FiberID       int64      `json:"fiber_id"`
	Message       string     `json:"message"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// APIError 表示 API 返回的错误响应。
type APIError struct {
	Code      int    `json:"code"`
	Error_    string `json:"error"`
	Stack     string `json:"stack,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("API error %d: %s", e.Code, e.Error_))

	if e.RequestID != "" {
		sb.WriteString(fmt.Sprintf("\n  Request ID: %s", e.RequestID))
	}
	if e.Stack != "" {
		sb.WriteString(fmt.Sprintf("\n  Stack trace:\n%s", indentStack(e.Stack)))
	}

	return sb.String()
}

func indentStack(stack string) string {
	lines := strings.Split(stack, "\n")
	var sb strings.Builder
	for _, line := range lines {
		if line != "" {
			sb.WriteString("    ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// HashPayload 计算 payload 的 SHA-256 摘要（十六进制小写）。
// 与服务端的摘要算法保持一致，用于 start 请求和 complete 的 CAS 令牌。
func HashPayload(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// do 执行 HTTP 请求并处理响应。
func (c *Client) do(method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr APIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error_ != "" {
			apiErr.Code = resp.StatusCode
			return &apiErr
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// ====== 流程程序操作方法 ======

// CompileProcess 编译流程图标记（不部署）。
func (c *Client) CompileProcess(source string) (*CompileResult, error) {
	var result CompileResult
	if err := c.do("POST", "/api/v1/compile", map[string]string{"source": source}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeployProcess 部署流程图标记。
func (c *Client) DeployProcess(source string) (*CompileResult, error) {
	var result CompileResult
	if err := c.do("POST", "/api/v1/processes", map[string]string{"source": source}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListProcesses 列出已部署的流程程序。
func (c *Client) ListProcesses() ([]Process, error) {
	var resp struct {
		Processes []Process `json:"processes"`
	}
	if err := c.do("GET", "/api/v1/processes", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Processes, nil
}

// LatestVersion 查询流程的最新字节码版本。
func (c *Client) LatestVersion(processKey string) (string, error) {
	var resp struct {
		BytecodeVersion string `json:"bytecode_version"`
	}
	if err := c.do("GET", "/api/v1/processes/"+url.PathEscape(processKey)+"/latest", nil, &resp); err != nil {
		return "", err
	}
	return resp.BytecodeVersion, nil
}

// ====== 实例操作方法 ======

// StartInstance 启动流程实例。
func (c *Client) StartInstance(req *StartInstanceRequest) (*Instance, error) {
	var inst Instance
	if err := c.do("POST", "/api/v1/instances", req, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// GetInstance 获取实例详情。
func (c *Client) GetInstance(id string) (*Instance, error) {
	var inst Instance
	if err := c.do("GET", "/api/v1/instances/"+url.PathEscape(id), nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances 列出实例，processKey 为空时列出全部。
func (c *Client) ListInstances(processKey string, limit int) ([]Instance, error) {
	path := fmt.Sprintf("/api/v1/instances?limit=%d", limit)
	if processKey != "" {
		path += "&process_key=" + url.QueryEscape(processKey)
	}
	var resp struct {
		Instances []Instance `json:"instances"`
	}
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

// InspectInstance 获取实例检视快照。
func (c *Client) InspectInstance(id string) (*InspectResult, error) {
	var result InspectResult
	if err := c.do("GET", "/api/v1/instances/"+url.PathEscape(id)+"/inspect", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RunInstance 显式推进实例并返回未决任务列表。
func (c *Client) RunInstance(id string) ([]Job, error) {
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.do("POST", "/api/v1/instances/"+url.PathEscape(id)+"/run", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// SignalInstance 向等待消息/人工任务的实例投递信号。
func (c *Client) SignalInstance(id, messageName, correlationKey, payload string, flags map[string]interface{}) error {
	body := map[string]interface{}{
		"message_name": messageName,
	}
	if correlationKey != "" {
		body["correlation_key"] = correlationKey
	}
	if payload != "" {
		body["domain_payload"] = payload
	}
	if len(flags) > 0 {
		body["orch_flags"] = flags
	}
	return c.do("POST", "/api/v1/instances/"+url.PathEscape(id)+"/signal", body, nil)
}

// CancelInstance 取消实例。
func (c *Client) CancelInstance(id, reason string) error {
	return c.do("POST", "/api/v1/instances/"+url.PathEscape(id)+"/cancel", map[string]string{"reason": reason}, nil)
}

// ListEvents 读取实例事件历史，从 fromSeq（含）开始。
func (c *Client) ListEvents(id string, fromSeq int64) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	path := fmt.Sprintf("/api/v1/instances/%s/events?from_seq=%d", url.PathEscape(id), fromSeq)
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// ====== worker 任务协议方法 ======

// ActivateJobs 长轮询拉取任务。
func (c *Client) ActivateJobs(taskTypes []string, maxJobs int, timeout time.Duration, workerID string) ([]Job, error) {
	var resp struct {
		Jobs []Job `json:"jobs"`
	}
	body := map[string]interface{}{
		"task_types": taskTypes,
		"max_jobs":   maxJobs,
		"timeout_ms": timeout.Milliseconds(),
		"worker_id":  workerID,
	}
	if err := c.do("POST", "/api/v1/jobs/activate", body, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// GetJob 获取任务详情。
func (c *Client) GetJob(jobKey string) (*Job, error) {
	var job Job
	if err := c.do("GET", "/api/v1/jobs/"+url.PathEscape(jobKey), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// CompleteJob 完成任务。payloadHash 是实例当前摘要的 CAS 令牌。
func (c *Client) CompleteJob(jobKey, payload, payloadHash string, flags map[string]interface{}) error {
	body := map[string]interface{}{
		"domain_payload":      payload,
		"domain_payload_hash": payloadHash,
	}
	if len(flags) > 0 {
		body["orch_flags"] = flags
	}
	return c.do("POST", "/api/v1/jobs/"+url.PathEscape(jobKey)+"/complete", body, nil)
}

// FailJob 上报任务失败。
func (c *Client) FailJob(jobKey, errorClass, message string, backoff time.Duration) error {
	body := map[string]interface{}{
		"error_class": errorClass,
		"message":     message,
	}
	if backoff > 0 {
		body["retry_backoff_ms"] = backoff.Milliseconds()
	}
	return c.do("POST", "/api/v1/jobs/"+url.PathEscape(jobKey)+"/fail", body, nil)
}

// ====== 故障单操作方法 ======

// ListIncidents 查询未决故障单，instanceID 为空时查询全部。
func (c *Client) ListIncidents(instanceID string) ([]Incident, error) {
	path := "/api/v1/incidents"
	if instanceID != "" {
		path += "?instance_id=" + url.QueryEscape(instanceID)
	}
	var resp struct {
		Incidents []Incident `json:"incidents"`
	}
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Incidents, nil
}

// ResolveIncident 恢复故障单，返回重新创建的任务。
func (c *Client) ResolveIncident(id string) (*Job, error) {
	var resp struct {
		Job *Job `json:"job"`
	}
	if err := c.do("POST", "/api/v1/incidents/"+url.PathEscape(id)+"/resolve", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}
