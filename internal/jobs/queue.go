// Package jobs 实现按任务类型分片的外部工作队列。
// worker 以拉取方式认领任务：Activate 原子地认领最旧的未认领任务并
// 建立限时租约；无任务时长轮询等待直到超时。租约到期未决议的任务
// 回到队列等待再次认领，对 worker 的投递语义是至少一次。
package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/procflow/internal/domain"
)

// Notifier 在有新任务可认领时通知其他副本（如经由 Redis 发布）。
type Notifier interface {
	JobAvailable(taskType string)
}

// entry 是一条待认领任务。notBefore 承载瞬时失败的退避提示。
type entry struct {
	job       *domain.Job
	notBefore time.Time
	seq       int64 // 入队序号，同一时间戳下保持 FIFO
}

// lease 是一条已认领任务的租约。
type lease struct {
	job      *domain.Job
	workerID string
	deadline time.Time
}

// Queue 是跨实例共享的任务队列。
type Queue struct {
	mu      sync.Mutex
	pending map[string][]*entry // task_type -> FIFO
	leases  map[string]*lease   // job_key -> 租约
	wake    chan struct{}       // 广播通道：入队时关闭并更换
	nextSeq int64

	leaseTTL time.Duration
	notifier Notifier
	clock    func() time.Time
}

// NewQueue 创建任务队列。notifier 可为 nil。
func NewQueue(leaseTTL time.Duration, notifier Notifier) *Queue {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &Queue{
		pending:  make(map[string][]*entry),
		leases:   make(map[string]*lease),
		wake:     make(chan struct{}),
		leaseTTL: leaseTTL,
		notifier: notifier,
		clock:    time.Now,
	}
}

// SetClock 注入时钟，用于测试中的确定性时间推进。
func (q *Queue) SetClock(clock func() time.Time) {
	q.mu.Lock()
	q.clock = clock
	q.mu.Unlock()
}

// Enqueue 入队一条任务，delay 为认领前的最小等待（退避提示）。
func (q *Queue) Enqueue(job *domain.Job, delay time.Duration) {
	q.mu.Lock()
	now := q.clock()
	q.pending[job.TaskType] = append(q.pending[job.TaskType], &entry{
		job:       job,
		notBefore: now.Add(delay),
		seq:       q.nextSeq,
	})
	q.nextSeq++
	q.wakeAllLocked()
	q.mu.Unlock()

	if q.notifier != nil {
		q.notifier.JobAvailable(job.TaskType)
	}
}

// Wake 唤醒所有长轮询中的 Activate 调用（如收到跨副本通知时）。
func (q *Queue) Wake() {
	q.mu.Lock()
	q.wakeAllLocked()
	q.mu.Unlock()
}

// wakeAllLocked 关闭并更换广播通道（调用方须持锁）。
func (q *Queue) wakeAllLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Activate 原子认领最多 maxJobs 条匹配类型的最旧未认领任务。
// 无任务可认领时阻塞等待，直到有新任务、超时或 ctx 取消；
// 返回空切片而非错误表示超时。两个 worker 绝不会拿到同一条任务。
func (q *Queue) Activate(ctx context.Context, req *domain.ActivateJobsRequest) []*domain.Job {
	deadline := q.now().Add(time.Duration(req.TimeoutMS) * time.Millisecond)

	for {
		q.mu.Lock()
		claimed := q.claimLocked(req)
		wake := q.wake
		q.mu.Unlock()

		if len(claimed) > 0 {
			return claimed
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		// 退避提示可能让任务在未来变得可认领，等待不超过 250ms 再扫一遍
		if remaining > 250*time.Millisecond {
			remaining = 250 * time.Millisecond
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claimLocked 在锁内完成一次认领（lock-and-skip 语义）。
func (q *Queue) claimLocked(req *domain.ActivateJobsRequest) []*domain.Job {
	now := q.clock()

	// 收集所有可认领候选，按入队顺序排序后取最旧的
	var candidates []*entry
	for _, t := range req.TaskTypes {
		for _, e := range q.pending[t] {
			if !e.notBefore.After(now) {
				candidates = append(candidates, e)
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	if len(candidates) > req.MaxJobs {
		candidates = candidates[:req.MaxJobs]
	}

	var claimed []*domain.Job
	for _, e := range candidates {
		q.removePendingLocked(e)
		q.leases[e.job.Key] = &lease{
			job:      e.job,
			workerID: req.WorkerID,
			deadline: now.Add(q.leaseTTL),
		}
		claimed = append(claimed, e.job)
	}
	return claimed
}

// removePendingLocked 从待认领列表中移除一条记录（调用方须持锁）。
func (q *Queue) removePendingLocked(target *entry) {
	list := q.pending[target.job.TaskType]
	for i, e := range list {
		if e == target {
			q.pending[target.job.TaskType] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Resolve 在任务被 complete/fail 决议后释放租约（或撤下待认领记录）。
func (q *Queue) Resolve(jobKey string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.leases[jobKey]; ok {
		delete(q.leases, l.job.Key)
		return
	}
	for taskType, list := range q.pending {
		for i, e := range list {
			if e.job.Key == jobKey {
				q.pending[taskType] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Requeue 把已认领任务放回队列（瞬时失败重试），delay 为退避提示。
func (q *Queue) Requeue(jobKey string, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.leases[jobKey]
	if !ok {
		return
	}
	delete(q.leases, jobKey)
	now := q.clock()
	q.pending[l.job.TaskType] = append(q.pending[l.job.TaskType], &entry{
		job:       l.job,
		notBefore: now.Add(delay),
		seq:       q.nextSeq,
	})
	q.nextSeq++
	q.wakeAllLocked()
}

// ExpireLeases 把租约到期的任务放回队列，返回被回收的任务键。
// worker 可能仍持有这些任务，后续的 complete 会撞上 CAS 校验或
// AlreadyResolved，由引擎保证状态不被污染。
func (q *Queue) ExpireLeases(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []string
	for key, l := range q.leases {
		if l.deadline.After(now) {
			continue
		}
		delete(q.leases, key)
		q.pending[l.job.TaskType] = append(q.pending[l.job.TaskType], &entry{
			job:       l.job,
			notBefore: now,
			seq:       q.nextSeq,
		})
		q.nextSeq++
		expired = append(expired, key)
	}
	if len(expired) > 0 {
		q.wakeAllLocked()
	}
	return expired
}

// PurgeInstance 撤下某实例的全部待认领任务与租约（实例取消时调用）。
func (q *Queue) PurgeInstance(instanceID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var purged []string
	for taskType, list := range q.pending {
		kept := list[:0]
		for _, e := range list {
			if e.job.InstanceID == instanceID {
				purged = append(purged, e.job.Key)
			} else {
				kept = append(kept, e)
			}
		}
		q.pending[taskType] = kept
	}
	for key, l := range q.leases {
		if l.job.InstanceID == instanceID {
			delete(q.leases, key)
			purged = append(purged, key)
		}
	}
	return purged
}

// Depth 返回某任务类型的待认领深度。
func (q *Queue) Depth(taskType string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[taskType])
}

// TotalDepth 返回全部任务类型的待认领深度之和。
func (q *Queue) TotalDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, list := range q.pending {
		total += len(list)
	}
	return total
}

// now 返回当前时钟时间。
func (q *Queue) now() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clock()
}
