// 任务协议：worker 以长轮询拉取任务，凭 payload 摘要 CAS 完成任务，
// 或按错误类别失败任务。每个任务恰好被决议一次。
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/oriys/procflow/internal/domain"
	"github.com/oriys/procflow/internal/ir"
	"github.com/oriys/procflow/internal/vm"
)

// ActivateJobs 认领最多 MaxJobs 条匹配类型的任务。
// 无任务可认领时长轮询等待；超时返回空切片。
// 返回的激活视图携带实例当前 payload 及其摘要，worker 完成任务时
// 应以该摘要作为 CAS 令牌。
func (e *Engine) ActivateJobs(ctx context.Context, req *domain.ActivateJobsRequest) ([]*domain.JobActivation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	claimed := e.queue.Activate(ctx, req)
	activations := make([]*domain.JobActivation, 0, len(claimed))
	for _, job := range claimed {
		act := e.activationFor(job)
		if act == nil {
			// 实例在认领与构造视图之间进入了终态
			e.queue.Resolve(job.Key)
			continue
		}
		activations = append(activations, act)
	}
	return activations, nil
}

// activationFor 以实例当前状态构造任务的激活视图。
func (e *Engine) activationFor(job *domain.Job) *domain.JobActivation {
	rt, err := e.runtimeForJob(job.Key)
	if err != nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	current, ok := rt.jobs[job.Key]
	if !ok || current.State != domain.JobStateOpen || rt.inst.State != domain.InstanceStateRunning {
		return nil
	}
	return &domain.JobActivation{
		JobKey:           current.Key,
		InstanceID:       current.InstanceID,
		TaskType:         current.TaskType,
		ServiceTaskID:    current.ServiceTaskID,
		Payload:          rt.inst.Payload,
		PayloadHash:      rt.inst.PayloadHash,
		Flags:            rt.inst.Flags.Clone(),
		RetriesRemaining: current.RetriesRemaining,
	}
}

// CompleteJob 完成任务：校验 CAS 令牌后用新 payload 替换实例 payload，
// 合并编排标志，恢复停驻的 fiber 并继续推进。
// 携带的摘要必须等于实例当前 payload 摘要，否则返回 ErrStaleHash
// 且不产生任何变更（租约过期后被第二个 worker 认领的旧任务
// 会在这里被挡下）。
func (e *Engine) CompleteJob(ctx context.Context, jobKey string, req *domain.CompleteJobRequest) error {
	rt, err := e.runtimeForJob(jobKey)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	job, ok := rt.jobs[jobKey]
	if !ok {
		return domain.ErrUnknownJob
	}
	// 实例终态优先于任务状态：取消时开放任务会被强制决议，
	// worker 此后提交应得到实例已停止而非任务已决议
	if rt.inst.State != domain.InstanceStateRunning {
		return domain.ErrInstanceNotRunning
	}
	if job.State != domain.JobStateOpen {
		return domain.ErrAlreadyResolved
	}
	if req.PayloadHash != rt.inst.PayloadHash {
		return domain.ErrStaleHash
	}

	rt.inst.Payload = req.Payload
	rt.inst.PayloadHash = domain.HashPayload(req.Payload)
	rt.inst.Flags.Merge(req.Flags)

	job.State = domain.JobStateResolved
	e.saveJob(ctx, job)
	e.queue.Resolve(jobKey)

	e.appendEvent(ctx, rt, domain.EventJobCompleted, map[string]interface{}{
		"job_key":         job.Key,
		"service_task_id": job.ServiceTaskID,
	})
	if e.metrics != nil {
		e.metrics.JobResolved("completed")
	}

	if f := rt.state.FiberByID(job.FiberID); f != nil {
		vm.ResumeAfter(rt.prog, f)
	}
	e.advance(ctx, rt)
	return nil
}

// FailJob 失败任务。错误类别决定路由：
//   - transient：剩余预算 > 0 时消耗一次重试并带退避重新入队，
//     预算耗尽后生成故障单；
//   - permanent：直接生成故障单；
//   - 其他值视为业务错误码，匹配宿主任务的错误边界事件
//     （先精确码后空码兜底），无可匹配边界时生成故障单。
func (e *Engine) FailJob(ctx context.Context, jobKey string, req *domain.FailJobRequest) error {
	rt, err := e.runtimeForJob(jobKey)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	job, ok := rt.jobs[jobKey]
	if !ok {
		return domain.ErrUnknownJob
	}
	if rt.inst.State != domain.InstanceStateRunning {
		return domain.ErrInstanceNotRunning
	}
	if job.State != domain.JobStateOpen {
		return domain.ErrAlreadyResolved
	}

	switch req.ErrorClass {
	case domain.ErrorClassTransient:
		if job.RetriesRemaining > 0 {
			job.RetriesRemaining--
			e.saveJob(ctx, job)
			e.queue.Requeue(jobKey, time.Duration(req.RetryBackoffMS)*time.Millisecond)
			e.appendEvent(ctx, rt, domain.EventJobRetried, map[string]interface{}{
				"job_key":           job.Key,
				"service_task_id":   job.ServiceTaskID,
				"retries_remaining": job.RetriesRemaining,
				"message":           req.Message,
			})
			if e.metrics != nil {
				e.metrics.JobResolved("retried")
			}
			e.persist(ctx, rt)
			return nil
		}
		e.resolveFailedJob(ctx, rt, job, req)
		e.openIncident(ctx, rt, job, req.Message)

	case domain.ErrorClassPermanent:
		e.resolveFailedJob(ctx, rt, job, req)
		e.openIncident(ctx, rt, job, req.Message)

	default:
		// 业务错误码
		e.resolveFailedJob(ctx, rt, job, req)
		f := rt.state.FiberByID(job.FiberID)
		if bIdx := matchErrorBoundary(rt, f, req.ErrorClass); bIdx >= 0 {
			f.PC = bIdx
			f.Wait = nil
			f.Boundaries = nil
			e.advance(ctx, rt)
			return nil
		}
		e.openIncident(ctx, rt, job, req.Message)
	}

	e.persist(ctx, rt)
	return nil
}

// resolveFailedJob 决议失败任务并记录 JobFailed 事件。
func (e *Engine) resolveFailedJob(ctx context.Context, rt *runtime, job *domain.Job, req *domain.FailJobRequest) {
	job.State = domain.JobStateResolved
	e.saveJob(ctx, job)
	e.queue.Resolve(job.Key)
	e.appendEvent(ctx, rt, domain.EventJobFailed, map[string]interface{}{
		"job_key":         job.Key,
		"service_task_id": job.ServiceTaskID,
		"error_class":     req.ErrorClass,
		"message":         req.Message,
	})
	if e.metrics != nil {
		e.metrics.JobResolved("failed")
	}
}

// matchErrorBoundary 按错误码匹配 fiber 当前挂载的错误边界事件：
// 先找精确码，再找空码兜底；无匹配返回 -1。
func matchErrorBoundary(rt *runtime, f *vm.Fiber, code string) int {
	if f == nil {
		return -1
	}
	catchAll := -1
	for _, b := range f.Boundaries {
		node := &rt.prog.Nodes[b.NodeIdx].Node
		if node.Kind != ir.KindBoundaryError {
			continue
		}
		if node.ErrorCode == code {
			return b.NodeIdx
		}
		if node.ErrorCode == "" && catchAll < 0 {
			catchAll = b.NodeIdx
		}
	}
	return catchAll
}

// openIncident 为卡住的 fiber 开故障单并将其切换到故障等待。
func (e *Engine) openIncident(ctx context.Context, rt *runtime, job *domain.Job, message string) {
	inc := &domain.Incident{
		ID:            uuid.NewString(),
		InstanceID:    rt.inst.ID,
		ServiceTaskID: job.ServiceTaskID,
		FiberID:       job.FiberID,
		Message:       message,
		CreatedAt:     e.clock(),
	}
	rt.incidents[inc.ID] = inc

	e.mu.Lock()
	e.incidentIndex[inc.ID] = rt.inst.ID
	e.mu.Unlock()

	if err := e.store.SaveIncident(ctx, inc); err != nil {
		e.logger.WithError(err).WithField("incident_id", inc.ID).Error("Failed to persist incident")
	}

	if f := rt.state.FiberByID(job.FiberID); f != nil {
		f.Wait = &vm.Wait{Kind: vm.WaitIncident, IncidentID: inc.ID, JobKey: job.Key}
		f.Boundaries = nil
	}

	e.appendEvent(ctx, rt, domain.EventIncidentCreated, map[string]interface{}{
		"incident_id":     inc.ID,
		"service_task_id": inc.ServiceTaskID,
		"fiber_id":        inc.FiberID,
		"message":         inc.Message,
	})
	if e.metrics != nil {
		e.metrics.IncidentOpened()
	}
	e.logger.WithFields(logrus.Fields{
		"instance_id":     rt.inst.ID,
		"incident_id":     inc.ID,
		"service_task_id": inc.ServiceTaskID,
	}).Warn("Incident created")
}

// ResolveIncident 决议故障单：为卡住的服务任务重新发一条任务
// （满额重试预算），被阻塞的 fiber 回到任务等待。
func (e *Engine) ResolveIncident(ctx context.Context, incidentID string) (*domain.Job, error) {
	e.mu.RLock()
	instanceID, ok := e.incidentIndex[incidentID]
	rt := e.runtimes[instanceID]
	e.mu.RUnlock()
	if !ok || rt == nil {
		return nil, domain.ErrUnknownIncident
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	inc, ok := rt.incidents[incidentID]
	if !ok {
		return nil, domain.ErrUnknownIncident
	}
	if !inc.IsOpen() {
		return nil, domain.ErrAlreadyResolved
	}
	if rt.inst.State != domain.InstanceStateRunning {
		return nil, domain.ErrInstanceNotRunning
	}

	f := rt.state.FiberByID(inc.FiberID)
	if f == nil || f.Wait == nil || f.Wait.Kind != vm.WaitIncident {
		return nil, domain.ErrUnknownIncident
	}

	now := e.clock()
	inc.ResolvedAt = &now
	if err := e.store.SaveIncident(ctx, inc); err != nil {
		e.logger.WithError(err).WithField("incident_id", inc.ID).Error("Failed to persist incident resolution")
	}

	e.appendEvent(ctx, rt, domain.EventIncidentResolved, map[string]interface{}{
		"incident_id":     inc.ID,
		"service_task_id": inc.ServiceTaskID,
		"fiber_id":        inc.FiberID,
	})
	if e.metrics != nil {
		e.metrics.IncidentResolved()
	}

	// fiber 回到任务等待并重新挂载边界事件
	f.Wait = &vm.Wait{Kind: vm.WaitJob}
	vm.ArmBoundaries(rt.prog, f, now)
	job := e.createJob(ctx, rt, f.ID, f.PC, e.taskRetries)

	e.persist(ctx, rt)
	cp := *job
	return &cp, nil
}

// GetJob 返回任务的当前快照。
func (e *Engine) GetJob(_ context.Context, jobKey string) (*domain.Job, error) {
	rt, err := e.runtimeForJob(jobKey)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	job, ok := rt.jobs[jobKey]
	if !ok {
		return nil, domain.ErrUnknownJob
	}
	cp := *job
	cp.Flags = job.Flags.Clone()
	return &cp, nil
}
