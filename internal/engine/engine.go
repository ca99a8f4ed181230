// Package engine 实现流程执行引擎：部署字节码、启动实例、
// 推进 fiber 虚拟机并解释其产出效果（建任务、记事件、开故障单）。
// 同一实例的所有变更都在该实例的互斥锁内完成（单实例单写者），
// 事件序号与 fiber 推进顺序因此完全确定。
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oriys/procflow/internal/compiler"
	"github.com/oriys/procflow/internal/domain"
	"github.com/oriys/procflow/internal/eventlog"
	"github.com/oriys/procflow/internal/jobs"
	"github.com/oriys/procflow/internal/storage"
	"github.com/oriys/procflow/internal/vm"
)

// Publisher 将事件发布到外部总线（如 NATS）。实现必须不阻塞引擎。
type Publisher interface {
	Publish(ev domain.Event)
}

// Metrics 是引擎的指标回调集合。
type Metrics interface {
	InstanceStarted()
	InstanceFinished(state domain.InstanceState)
	JobCreated(taskType string)
	JobResolved(outcome string)
	IncidentOpened()
	IncidentResolved()
	TimerFired()
}

// Options 是引擎的装配参数，零值字段取默认实现。
type Options struct {
	// Store 持久化层，缺省为内存存储
	Store storage.Store
	// Queue 任务队列，缺省为 30 秒租约的内存队列
	Queue *jobs.Queue
	// Events 事件日志，缺省为新建内存日志
	Events *eventlog.Log
	// Publisher 外部事件总线（可选）
	Publisher Publisher
	// Metrics 指标回调（可选）
	Metrics Metrics
	// Logger 日志器，缺省为 logrus 标准日志器
	Logger *logrus.Logger
	// TaskRetries 服务任务的瞬时失败重试预算（重新入队次数）
	TaskRetries int
	// Clock 时钟注入，测试用
	Clock func() time.Time
}

// runtime 是单个实例的内存运行时。mu 保证单实例单写者。
type runtime struct {
	mu        sync.Mutex
	inst      *domain.Instance
	prog      *compiler.Program
	state     *vm.State
	jobs      map[string]*domain.Job
	incidents map[string]*domain.Incident
}

// Engine 是流程执行引擎。
type Engine struct {
	mu            sync.RWMutex
	programs      map[string]*compiler.Program // version -> 程序
	latest        map[string]string            // process key -> 最新版本
	runtimes      map[string]*runtime          // instance id -> 运行时
	jobIndex      map[string]string            // job key -> instance id
	incidentIndex map[string]string            // incident id -> instance id

	store       storage.Store
	queue       *jobs.Queue
	events      *eventlog.Log
	publisher   Publisher
	metrics     Metrics
	logger      *logrus.Logger
	taskRetries int
	clock       func() time.Time
}

// New 创建引擎。
func New(opts Options) *Engine {
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.Queue == nil {
		opts.Queue = jobs.NewQueue(30*time.Second, nil)
	}
	if opts.Events == nil {
		opts.Events = eventlog.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TaskRetries < 0 {
		opts.TaskRetries = 0
	}
	return &Engine{
		programs:      make(map[string]*compiler.Program),
		latest:        make(map[string]string),
		runtimes:      make(map[string]*runtime),
		jobIndex:      make(map[string]string),
		incidentIndex: make(map[string]string),
		store:         opts.Store,
		queue:         opts.Queue,
		events:        opts.Events,
		publisher:     opts.Publisher,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		taskRetries:   opts.TaskRetries,
		clock:         opts.Clock,
	}
}

// Queue 返回引擎使用的任务队列（租约清扫与指标用）。
func (e *Engine) Queue() *jobs.Queue { return e.queue }

// Deploy 编译并部署流程图标记文本，返回字节码版本与诊断。
// 部署按内容寻址幂等：同一张图重复部署得到同一个版本。
func (e *Engine) Deploy(ctx context.Context, source string) (*compiler.CompileResult, error) {
	result, err := compiler.Compile(source)
	if err != nil {
		return nil, err
	}

	rec := &storage.ProgramRecord{
		ProcessKey: result.Program.ProcessKey,
		Version:    result.Version,
		Source:     source,
		DeployedAt: e.clock(),
	}
	if err := e.store.SaveProgram(ctx, rec); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.programs[result.Version] = result.Program
	e.latest[result.Program.ProcessKey] = result.Version
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"process_key":      result.Program.ProcessKey,
		"bytecode_version": result.Version,
		"nodes":            len(result.Program.Nodes),
		"warnings":         len(result.Diagnostics),
	}).Info("Process program deployed")
	return result, nil
}

// LatestVersion 返回流程的最新部署版本。
func (e *Engine) LatestVersion(processKey string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.latest[processKey]
	if !ok {
		return "", domain.ErrUnknownProgram
	}
	return v, nil
}

// ListPrograms 列出全部部署记录。
func (e *Engine) ListPrograms(ctx context.Context) ([]*storage.ProgramRecord, error) {
	return e.store.ListPrograms(ctx)
}

// program 按版本查找已注册的字节码程序。
func (e *Engine) program(version string) (*compiler.Program, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.programs[version]
	if !ok {
		return nil, domain.ErrUnknownProgram
	}
	return p, nil
}

// StartInstance 启动一个流程实例并同步推进到第一组外部等待。
// 返回时要么实例已停驻在等待上，要么已经完成。
func (e *Engine) StartInstance(ctx context.Context, req *domain.StartInstanceRequest) (*domain.Instance, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	prog, err := e.program(req.BytecodeVersion)
	if err != nil {
		return nil, err
	}
	if prog.ProcessKey != req.ProcessKey {
		return nil, domain.ErrUnknownProgram
	}

	now := e.clock()
	inst := &domain.Instance{
		ID:              uuid.NewString(),
		ProcessKey:      req.ProcessKey,
		BytecodeVersion: req.BytecodeVersion,
		Payload:         req.Payload,
		PayloadHash:     req.PayloadHash,
		State:           domain.InstanceStateRunning,
		CorrelationID:   req.CorrelationID,
		Flags:           req.Flags.Clone(),
		CreatedAt:       now,
	}
	rt := &runtime{
		inst:      inst,
		prog:      prog,
		state:     vm.NewState(prog.StartIndex()),
		jobs:      make(map[string]*domain.Job),
		incidents: make(map[string]*domain.Incident),
	}

	e.mu.Lock()
	e.runtimes[inst.ID] = rt
	e.mu.Unlock()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	e.appendEvent(ctx, rt, domain.EventInstanceStarted, map[string]interface{}{
		"process_key":      inst.ProcessKey,
		"bytecode_version": inst.BytecodeVersion,
		"correlation_id":   inst.CorrelationID,
	})
	if e.metrics != nil {
		e.metrics.InstanceStarted()
	}
	e.logger.WithFields(logrus.Fields{
		"instance_id":      inst.ID,
		"process_key":      inst.ProcessKey,
		"bytecode_version": inst.BytecodeVersion,
	}).Info("Instance started")

	e.advance(ctx, rt)

	cp := *inst
	cp.Flags = inst.Flags.Clone()
	return &cp, nil
}

// runtimeFor 按实例标识查找运行时。
func (e *Engine) runtimeFor(instanceID string) (*runtime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rt, ok := e.runtimes[instanceID]
	if !ok {
		return nil, domain.ErrUnknownInstance
	}
	return rt, nil
}

// runtimeForJob 按任务键查找所属实例的运行时。
func (e *Engine) runtimeForJob(jobKey string) (*runtime, error) {
	e.mu.RLock()
	instanceID, ok := e.jobIndex[jobKey]
	if !ok {
		e.mu.RUnlock()
		return nil, domain.ErrUnknownJob
	}
	rt := e.runtimes[instanceID]
	e.mu.RUnlock()
	if rt == nil {
		return nil, domain.ErrUnknownJob
	}
	return rt, nil
}

// advance 推进虚拟机并解释其产出效果（调用方须持有 rt.mu）。
// 返回时实例要么停驻在外部等待上，要么进入终态并完成持久化。
func (e *Engine) advance(ctx context.Context, rt *runtime) {
	env := vm.Env{
		Flags:         rt.inst.Flags,
		Now:           e.clock(),
		CorrelationID: rt.inst.CorrelationID,
	}
	res := vm.Run(rt.prog, rt.state, env)

	for _, jr := range res.Jobs {
		e.createJob(ctx, rt, jr.FiberID, jr.NodeIdx, e.taskRetries)
	}
	for _, fid := range res.ConfigErrors {
		f := rt.state.FiberByID(fid)
		detail := ""
		if f != nil && f.Wait != nil {
			detail = f.Wait.Detail
		}
		e.logger.WithFields(logrus.Fields{
			"instance_id": rt.inst.ID,
			"fiber_id":    fid,
			"detail":      detail,
		}).Warn("Fiber blocked on process configuration error")
	}

	if res.Terminated || len(rt.state.Fibers) == 0 {
		e.finish(ctx, rt, domain.InstanceStateCompleted, "")
		return
	}
	e.persist(ctx, rt)
}

// createJob 为停驻在服务任务上的 fiber 创建任务并入队。
func (e *Engine) createJob(ctx context.Context, rt *runtime, fiberID int64, nodeIdx, retries int) *domain.Job {
	node := &rt.prog.Nodes[nodeIdx]
	job := &domain.Job{
		Key:              uuid.NewString(),
		InstanceID:       rt.inst.ID,
		TaskType:         node.Node.TaskType,
		ServiceTaskID:    node.Node.ID,
		FiberID:          fiberID,
		Payload:          rt.inst.Payload,
		PayloadHash:      rt.inst.PayloadHash,
		Flags:            rt.inst.Flags.Clone(),
		RetriesRemaining: retries,
		State:            domain.JobStateOpen,
		CreatedAt:        e.clock(),
	}
	if f := rt.state.FiberByID(fiberID); f != nil && f.Wait != nil {
		f.Wait.JobKey = job.Key
	}
	rt.jobs[job.Key] = job

	e.mu.Lock()
	e.jobIndex[job.Key] = rt.inst.ID
	e.mu.Unlock()

	e.saveJob(ctx, job)
	e.queue.Enqueue(job, 0)
	e.appendEvent(ctx, rt, domain.EventJobCreated, map[string]interface{}{
		"job_key":         job.Key,
		"task_type":       job.TaskType,
		"service_task_id": job.ServiceTaskID,
		"fiber_id":        job.FiberID,
	})
	if e.metrics != nil {
		e.metrics.JobCreated(job.TaskType)
	}
	return job
}

// finish 将实例收束到终态：撤下在队任务、决议全部未决任务、
// 记录终态事件并持久化（调用方须持有 rt.mu）。
func (e *Engine) finish(ctx context.Context, rt *runtime, state domain.InstanceState, reason string) {
	e.queue.PurgeInstance(rt.inst.ID)
	for _, job := range rt.jobs {
		if job.State == domain.JobStateOpen {
			job.State = domain.JobStateResolved
			e.saveJob(ctx, job)
		}
	}

	now := e.clock()
	rt.inst.State = state
	rt.inst.CancelReason = reason
	rt.inst.CompletedAt = &now
	rt.state.Fibers = nil

	if state == domain.InstanceStateCancelled {
		e.appendEvent(ctx, rt, domain.EventCancelled, map[string]interface{}{"reason": reason})
	} else {
		e.appendEvent(ctx, rt, domain.EventCompleted, nil)
	}
	if e.metrics != nil {
		e.metrics.InstanceFinished(state)
	}
	e.logger.WithFields(logrus.Fields{
		"instance_id": rt.inst.ID,
		"state":       state,
	}).Info("Instance finished")
	e.persist(ctx, rt)
}

// appendEvent 追加事件到内存日志、持久化层与外部总线。
// 内存日志是权威序号来源；持久化失败记日志但不回滚推进。
func (e *Engine) appendEvent(ctx context.Context, rt *runtime, eventType domain.EventType, payload interface{}) {
	ev := e.events.Append(rt.inst.ID, eventType, payload)
	if err := e.store.AppendEvent(ctx, &ev); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"instance_id": rt.inst.ID,
			"event_type":  eventType,
			"seq":         ev.Seq,
		}).Error("Failed to persist event")
	}
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}

// persist 持久化实例与 fiber 运行时快照（调用方须持有 rt.mu）。
func (e *Engine) persist(ctx context.Context, rt *runtime) {
	if err := e.store.SaveInstance(ctx, rt.inst); err != nil {
		e.logger.WithError(err).WithField("instance_id", rt.inst.ID).Error("Failed to persist instance")
	}
	snapshot, err := json.Marshal(rt.state)
	if err != nil {
		e.logger.WithError(err).WithField("instance_id", rt.inst.ID).Error("Failed to encode runtime state")
		return
	}
	if err := e.store.SaveRuntimeState(ctx, rt.inst.ID, snapshot); err != nil {
		e.logger.WithError(err).WithField("instance_id", rt.inst.ID).Error("Failed to persist runtime state")
	}
}

// saveJob 持久化任务，失败记日志。
func (e *Engine) saveJob(ctx context.Context, job *domain.Job) {
	if err := e.store.SaveJob(ctx, job); err != nil {
		e.logger.WithError(err).WithField("job_key", job.Key).Error("Failed to persist job")
	}
}

// GetInstance 返回实例的当前快照。
func (e *Engine) GetInstance(_ context.Context, instanceID string) (*domain.Instance, error) {
	rt, err := e.runtimeFor(instanceID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	cp := *rt.inst
	cp.Flags = rt.inst.Flags.Clone()
	return &cp, nil
}

// ListInstances 列出实例，processKey 为空时不过滤。
func (e *Engine) ListInstances(ctx context.Context, processKey string, limit int) ([]*domain.Instance, error) {
	return e.store.ListInstances(ctx, processKey, limit)
}
