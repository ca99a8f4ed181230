// 控制面操作：信号投递、取消、检视、事件读取与定时推进。
package engine

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/procflow/internal/compiler"
	"github.com/oriys/procflow/internal/domain"
	"github.com/oriys/procflow/internal/ir"
	"github.com/oriys/procflow/internal/vm"
)

// Signal 向等待消息或人工任务的 fiber 投递信号。
// 按名称与关联键匹配（请求关联键为空时仅按名称），命中创建顺序
// 最早的一个等待 fiber；无命中返回 ErrNoMatchingWait 且不产生变更。
// 携带非空 payload 时替换实例 payload，标志总是合并。
func (e *Engine) Signal(ctx context.Context, instanceID string, req *domain.SignalRequest) error {
	rt, err := e.runtimeFor(instanceID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.inst.State != domain.InstanceStateRunning {
		return domain.ErrInstanceNotRunning
	}

	var target *vm.Fiber
	for _, f := range rt.state.Fibers {
		if f.Wait == nil {
			continue
		}
		if f.Wait.Kind != vm.WaitMessage && f.Wait.Kind != vm.WaitHuman {
			continue
		}
		if f.Wait.Name != req.MessageName {
			continue
		}
		if req.CorrelationKey != "" && f.Wait.CorrKey != req.CorrelationKey {
			continue
		}
		target = f
		break
	}
	if target == nil {
		return domain.ErrNoMatchingWait
	}

	if req.Payload != "" {
		rt.inst.Payload = req.Payload
		rt.inst.PayloadHash = domain.HashPayload(req.Payload)
	}
	rt.inst.Flags.Merge(req.Flags)

	e.appendEvent(ctx, rt, domain.EventMessageReceived, map[string]interface{}{
		"message_name":    req.MessageName,
		"correlation_key": req.CorrelationKey,
		"fiber_id":        target.ID,
	})

	vm.ResumeAfter(rt.prog, target)
	e.advance(ctx, rt)
	return nil
}

// Cancel 取消运行中的实例：撤下全部在队任务、决议未决任务、
// 取消全部 fiber 并记录终态事件。对已终态实例返回 ErrInstanceNotRunning。
func (e *Engine) Cancel(ctx context.Context, instanceID string, req *domain.CancelRequest) error {
	rt, err := e.runtimeFor(instanceID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.inst.State != domain.InstanceStateRunning {
		return domain.ErrInstanceNotRunning
	}
	e.finish(ctx, rt, domain.InstanceStateCancelled, req.Reason)
	return nil
}

// RunInstance 显式推进实例并返回推进后全部未决任务的快照。
// 引擎在 start/complete/signal/定时触发后都会立即推进，
// 因此这里通常不产生新的转移，供外部编排方做对账使用。
func (e *Engine) RunInstance(ctx context.Context, instanceID string) ([]*domain.Job, error) {
	rt, err := e.runtimeFor(instanceID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.inst.State != domain.InstanceStateRunning {
		return nil, domain.ErrInstanceNotRunning
	}
	e.advance(ctx, rt)

	open := make([]*domain.Job, 0)
	for _, job := range rt.jobs {
		if job.State != domain.JobStateOpen {
			continue
		}
		cp := *job
		cp.Flags = job.Flags.Clone()
		open = append(open, &cp)
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt.Equal(open[j].CreatedAt) {
			return open[i].Key < open[j].Key
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	return open, nil
}

// Inspect 返回实例的单次一致性快照：全部 fiber 及其等待原因、
// 未决故障单、字节码版本与当前 payload 摘要。
func (e *Engine) Inspect(_ context.Context, instanceID string) (*domain.InspectResult, error) {
	rt, err := e.runtimeFor(instanceID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	result := &domain.InspectResult{
		State:           rt.inst.State,
		CancelReason:    rt.inst.CancelReason,
		Fibers:          make([]domain.FiberSnapshot, 0, len(rt.state.Fibers)),
		BytecodeVersion: rt.inst.BytecodeVersion,
		PayloadHash:     rt.inst.PayloadHash,
	}
	for _, f := range rt.state.Fibers {
		snap := domain.FiberSnapshot{
			FiberID: f.ID,
			PC:      f.PC,
			NodeID:  rt.prog.Nodes[f.PC].Node.ID,
		}
		if f.Wait != nil {
			w := domain.WaitSnapshot{
				FiberID: f.ID,
				Type:    string(f.Wait.Kind),
				Detail:  f.Wait.Describe(),
			}
			snap.Wait = &w
			result.Waits = append(result.Waits, w)
		}
		result.Fibers = append(result.Fibers, snap)
	}
	for _, inc := range rt.incidents {
		if inc.IsOpen() {
			cp := *inc
			result.Incidents = append(result.Incidents, &cp)
		}
	}
	return result, nil
}

// ReadEvents 返回实例序号 >= fromSeq 的全部事件。
func (e *Engine) ReadEvents(_ context.Context, instanceID string, fromSeq int64) ([]domain.Event, error) {
	if _, err := e.runtimeFor(instanceID); err != nil {
		return nil, err
	}
	return e.events.Read(instanceID, fromSeq), nil
}

// SubscribeEvents 从 fromSeq 开始订阅实例事件流。
func (e *Engine) SubscribeEvents(_ context.Context, instanceID string, fromSeq int64) (<-chan domain.Event, func(), error) {
	if _, err := e.runtimeFor(instanceID); err != nil {
		return nil, nil, err
	}
	ch, cancel := e.events.Subscribe(instanceID, fromSeq)
	return ch, cancel, nil
}

// FireDueTimers 触发全部到期定时：定时等待恢复其 fiber，
// 到期的定时边界按中断与否取消宿主任务或并行生成新 fiber。
// 返回触发数。由定时服务周期调用，now 由调用方注入。
func (e *Engine) FireDueTimers(ctx context.Context, now time.Time) int {
	e.mu.RLock()
	rts := make([]*runtime, 0, len(e.runtimes))
	for _, rt := range e.runtimes {
		rts = append(rts, rt)
	}
	e.mu.RUnlock()

	total := 0
	for _, rt := range rts {
		total += e.fireInstanceTimers(ctx, rt, now)
	}
	return total
}

// fireInstanceTimers 触发单个实例的到期定时。
func (e *Engine) fireInstanceTimers(ctx context.Context, rt *runtime, now time.Time) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.inst.State != domain.InstanceStateRunning {
		return 0
	}

	fired := 0
	snapshot := append([]*vm.Fiber(nil), rt.state.Fibers...)
	for _, f := range snapshot {
		if f.Wait == nil {
			continue
		}
		switch f.Wait.Kind {
		case vm.WaitTimer:
			if f.Wait.Deadline.After(now) {
				continue
			}
			e.appendEvent(ctx, rt, domain.EventTimerFired, map[string]interface{}{
				"fiber_id": f.ID,
				"node_id":  rt.prog.Nodes[f.PC].Node.ID,
			})
			vm.ResumeAfter(rt.prog, f)
			fired++

		case vm.WaitJob:
			fired += e.fireBoundaryTimers(ctx, rt, f, now)
		}
	}

	if fired > 0 {
		if e.metrics != nil {
			for i := 0; i < fired; i++ {
				e.metrics.TimerFired()
			}
		}
		e.advance(ctx, rt)
	}
	return fired
}

// fireBoundaryTimers 触发 fiber 挂载的到期定时边界。
// 中断边界取消宿主任务并把 fiber 移到边界节点；非中断边界在
// 宿主继续等待的同时生成并行 fiber，周期规格按剩余次数重新武装。
func (e *Engine) fireBoundaryTimers(ctx context.Context, rt *runtime, f *vm.Fiber, now time.Time) int {
	fired := 0
	var kept []vm.ArmedBoundary
	for _, b := range f.Boundaries {
		node := &rt.prog.Nodes[b.NodeIdx].Node
		if node.Kind != ir.KindBoundaryTimer || b.Deadline.IsZero() || b.Deadline.After(now) {
			kept = append(kept, b)
			continue
		}

		e.appendEvent(ctx, rt, domain.EventTimerFired, map[string]interface{}{
			"fiber_id":    f.ID,
			"boundary_id": node.ID,
			"host_id":     node.HostID,
		})
		fired++

		if node.Interrupting {
			// 撤下宿主任务，fiber 改走边界路径
			if job, ok := rt.jobs[f.Wait.JobKey]; ok && job.State == domain.JobStateOpen {
				job.State = domain.JobStateResolved
				e.saveJob(ctx, job)
				e.queue.Resolve(job.Key)
			}
			f.PC = b.NodeIdx
			f.Wait = nil
			f.Boundaries = nil
			return fired
		}

		rt.state.Spawn(b.NodeIdx)
		if b.FiresLeft > 0 {
			b.FiresLeft--
		}
		if b.FiresLeft != 0 {
			b.Deadline = node.Timer.NextDeadline(now)
			kept = append(kept, b)
		}
	}
	f.Boundaries = kept
	return fired
}

// SweepLeases 回收到期任务租约并重新入队，返回回收数。
// 原 worker 若稍后仍来 complete，会被 CAS 校验或重复决议检查挡下。
func (e *Engine) SweepLeases(now time.Time) int {
	expired := e.queue.ExpireLeases(now)
	for _, key := range expired {
		e.logger.WithField("job_key", key).Warn("Job lease expired, requeued")
	}
	return len(expired)
}

// Restore 从持久化层恢复引擎状态：重新编译已部署程序、
// 重建运行中实例的运行时并把未决任务重新入队。进程重启后调用。
func (e *Engine) Restore(ctx context.Context) error {
	records, err := e.store.ListPrograms(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		result, err := compiler.Compile(rec.Source)
		if err != nil {
			e.logger.WithError(err).WithField("bytecode_version", rec.Version).Error("Failed to recompile deployed program")
			continue
		}
		e.mu.Lock()
		e.programs[result.Version] = result.Program
		e.latest[result.Program.ProcessKey] = result.Version
		e.mu.Unlock()
	}

	instances, err := e.store.ListInstances(ctx, "", 0)
	if err != nil {
		return err
	}
	restored := 0
	for _, inst := range instances {
		if inst.State.IsTerminal() {
			continue
		}
		if err := e.restoreInstance(ctx, inst); err != nil {
			e.logger.WithError(err).WithField("instance_id", inst.ID).Error("Failed to restore instance")
			continue
		}
		restored++
	}

	openJobs, err := e.store.ListOpenJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range openJobs {
		e.mu.RLock()
		rt := e.runtimes[job.InstanceID]
		e.mu.RUnlock()
		if rt == nil {
			continue
		}
		rt.mu.Lock()
		rt.jobs[job.Key] = job
		rt.mu.Unlock()
		e.mu.Lock()
		e.jobIndex[job.Key] = job.InstanceID
		e.mu.Unlock()
		e.queue.Enqueue(job, 0)
	}

	e.logger.WithFields(logrus.Fields{
		"programs":  len(records),
		"instances": restored,
		"open_jobs": len(openJobs),
	}).Info("Engine state restored")
	return nil
}

// restoreInstance 从快照重建单个实例的运行时。
func (e *Engine) restoreInstance(ctx context.Context, inst *domain.Instance) error {
	prog, err := e.program(inst.BytecodeVersion)
	if err != nil {
		return err
	}
	snapshot, err := e.store.GetRuntimeState(ctx, inst.ID)
	if err != nil {
		return err
	}
	state := &vm.State{}
	if err := json.Unmarshal(snapshot, state); err != nil {
		return err
	}

	rt := &runtime{
		inst:      inst,
		prog:      prog,
		state:     state,
		jobs:      make(map[string]*domain.Job),
		incidents: make(map[string]*domain.Incident),
	}

	history, err := e.store.ListEvents(ctx, inst.ID, 0)
	if err != nil {
		return err
	}
	e.events.Seed(inst.ID, history)

	incidents, err := e.store.ListOpenIncidents(ctx, inst.ID)
	if err != nil {
		return err
	}
	for _, inc := range incidents {
		rt.incidents[inc.ID] = inc
	}

	e.mu.Lock()
	e.runtimes[inst.ID] = rt
	for id := range rt.incidents {
		e.incidentIndex[id] = inst.ID
	}
	e.mu.Unlock()
	return nil
}
