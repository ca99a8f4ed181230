package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oriys/procflow/internal/domain"
	"github.com/oriys/procflow/internal/eventlog"
	"github.com/oriys/procflow/internal/jobs"
	"github.com/oriys/procflow/internal/storage"
)

const singleTaskSource = `
process order
start begin
service charge type=charge
end done
flow begin -> charge
flow charge -> done
`

const parallelSource = `
process fulfil
start begin
and fork split
service pick type=pick
service bill type=bill
and meet join
end done
flow begin -> fork
flow fork -> pick
flow fork -> bill
flow pick -> meet
flow bill -> meet
flow meet -> done
`

const xorSource = `
process review
start begin
xor route
service approve type=approve
service reject type=reject
end done
flow begin -> route
flow route -> approve when approved == true
flow route -> reject
flow approve -> done
flow reject -> done
`

const boundaryErrorSource = `
process payment
start begin
service charge type=charge
boundary-error declined host=charge code=card_declined interrupting
service notify type=notify
end done
flow begin -> charge
flow charge -> done
flow declined -> notify
flow notify -> done
`

const messageSource = `
process shipping
start begin
message paid name=payment_received key=order_ref
end done
flow begin -> paid
flow paid -> done
`

const timerSource = `
process reminder
start begin
timer delay spec=PT1H
end done
flow begin -> delay
flow delay -> done
`

const boundaryTimerSource = `
process approval
start begin
service decide type=decide
boundary-timer overdue host=decide spec=PT10M interrupting
service escalate type=escalate
end done
flow begin -> decide
flow decide -> done
flow overdue -> escalate
flow escalate -> done
`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return New(opts)
}

func deploy(t *testing.T, e *Engine, source string) string {
	t.Helper()
	result, err := e.Deploy(context.Background(), source)
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	return result.Version
}

func start(t *testing.T, e *Engine, processKey, version, payload string, flags domain.Flags) *domain.Instance {
	t.Helper()
	inst, err := e.StartInstance(context.Background(), &domain.StartInstanceRequest{
		ProcessKey:      processKey,
		BytecodeVersion: version,
		Payload:         payload,
		PayloadHash:     domain.HashPayload(payload),
		Flags:           flags,
	})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	return inst
}

func activateOne(t *testing.T, e *Engine, taskType string) *domain.JobActivation {
	t.Helper()
	acts, err := e.ActivateJobs(context.Background(), &domain.ActivateJobsRequest{
		TaskTypes: []string{taskType},
		MaxJobs:   1,
		WorkerID:  "test-worker",
	})
	if err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if len(acts) != 1 {
		t.Fatalf("expected one %s activation, got %d", taskType, len(acts))
	}
	return acts[0]
}

// gaplessTypes 读取实例的全部事件，校验序号从 0 起无空洞并返回类型序列。
func gaplessTypes(t *testing.T, e *Engine, instanceID string) []domain.EventType {
	t.Helper()
	events, err := e.ReadEvents(context.Background(), instanceID, 0)
	if err != nil {
		t.Fatalf("read events failed: %v", err)
	}
	types := make([]domain.EventType, len(events))
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Fatalf("event seq gap: index %d has seq %d", i, ev.Seq)
		}
		types[i] = ev.Type
	}
	return types
}

func expectTypes(t *testing.T, got []domain.EventType, want ...domain.EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (full: %v)", i, want[i], got[i], got)
		}
	}
}

func TestSingleTaskHappyPath(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, singleTaskSource)
	inst := start(t, e, "order", version, `{"total":42}`, nil)

	act := activateOne(t, e, "charge")
	if act.Payload != `{"total":42}` {
		t.Errorf("activation payload = %q", act.Payload)
	}
	if act.PayloadHash != domain.HashPayload(act.Payload) {
		t.Error("activation hash does not match payload")
	}

	err := e.CompleteJob(context.Background(), act.JobKey, &domain.CompleteJobRequest{
		Payload:     `{"total":42,"charged":true}`,
		PayloadHash: act.PayloadHash,
	})
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	got, err := e.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.InstanceStateCompleted {
		t.Errorf("expected completed, got %s", got.State)
	}
	if got.Payload != `{"total":42,"charged":true}` {
		t.Errorf("payload not replaced: %q", got.Payload)
	}
	if got.PayloadHash != domain.HashPayload(got.Payload) {
		t.Error("instance hash does not match payload")
	}

	expectTypes(t, gaplessTypes(t, e, inst.ID),
		domain.EventInstanceStarted,
		domain.EventJobCreated,
		domain.EventJobCompleted,
		domain.EventCompleted,
	)
}

func TestCompleteJobStaleHash(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, singleTaskSource)
	inst := start(t, e, "order", version, "v0", nil)
	act := activateOne(t, e, "charge")

	err := e.CompleteJob(context.Background(), act.JobKey, &domain.CompleteJobRequest{
		Payload:     "v1",
		PayloadHash: domain.HashPayload("something else"),
	})
	if !errors.Is(err, domain.ErrStaleHash) {
		t.Fatalf("expected ErrStaleHash, got %v", err)
	}

	// 失败的 CAS 不产生任何变更
	got, _ := e.GetInstance(context.Background(), inst.ID)
	if got.Payload != "v0" || got.State != domain.InstanceStateRunning {
		t.Fatalf("instance mutated by failed CAS: %+v", got)
	}

	// 携带正确令牌重试成功
	err = e.CompleteJob(context.Background(), act.JobKey, &domain.CompleteJobRequest{
		Payload:     "v1",
		PayloadHash: act.PayloadHash,
	})
	if err != nil {
		t.Fatalf("retry with fresh hash failed: %v", err)
	}
}

func TestCompleteJobExactlyOnce(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, parallelSource)
	start(t, e, "fulfil", version, "p", nil)
	act := activateOne(t, e, "pick")

	if err := e.CompleteJob(context.Background(), act.JobKey, &domain.CompleteJobRequest{
		Payload: "p2", PayloadHash: act.PayloadHash,
	}); err != nil {
		t.Fatal(err)
	}
	// bill 仍未决，实例在运行中：重复决议被拒绝
	err := e.CompleteJob(context.Background(), act.JobKey, &domain.CompleteJobRequest{
		Payload: "p3", PayloadHash: domain.HashPayload("p2"),
	})
	if !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestStartUnknownVersion(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.StartInstance(context.Background(), &domain.StartInstanceRequest{
		ProcessKey:      "order",
		BytecodeVersion: "deadbeef",
		Payload:         "p",
		PayloadHash:     domain.HashPayload("p"),
	})
	if !errors.Is(err, domain.ErrUnknownProgram) {
		t.Fatalf("expected ErrUnknownProgram, got %v", err)
	}
}

func TestStartPayloadHashMismatch(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, singleTaskSource)
	_, err := e.StartInstance(context.Background(), &domain.StartInstanceRequest{
		ProcessKey:      "order",
		BytecodeVersion: version,
		Payload:         "p",
		PayloadHash:     "bogus",
	})
	if !errors.Is(err, domain.ErrPayloadHashMismatch) {
		t.Fatalf("expected ErrPayloadHashMismatch, got %v", err)
	}
}

func TestParallelSplitJoin(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, parallelSource)
	inst := start(t, e, "fulfil", version, "p", nil)

	pick := activateOne(t, e, "pick")
	bill := activateOne(t, e, "bill")

	if err := e.CompleteJob(context.Background(), pick.JobKey, &domain.CompleteJobRequest{
		Payload: "p+pick", PayloadHash: pick.PayloadHash,
	}); err != nil {
		t.Fatal(err)
	}

	// 只到达一个分支时汇聚不放行
	got, _ := e.GetInstance(context.Background(), inst.ID)
	if got.State != domain.InstanceStateRunning {
		t.Fatalf("join released early: %s", got.State)
	}

	// 第二个分支用实例当前摘要完成（第一个分支已替换 payload）
	if err := e.CompleteJob(context.Background(), bill.JobKey, &domain.CompleteJobRequest{
		Payload: "p+pick+bill", PayloadHash: got.PayloadHash,
	}); err != nil {
		t.Fatal(err)
	}

	got, _ = e.GetInstance(context.Background(), inst.ID)
	if got.State != domain.InstanceStateCompleted {
		t.Fatalf("expected completed after both branches, got %s", got.State)
	}
}

func TestParallelBranchStaleSnapshot(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, parallelSource)
	start(t, e, "fulfil", version, "p", nil)

	pick := activateOne(t, e, "pick")
	bill := activateOne(t, e, "bill")

	if err := e.CompleteJob(context.Background(), pick.JobKey, &domain.CompleteJobRequest{
		Payload: "p1", PayloadHash: pick.PayloadHash,
	}); err != nil {
		t.Fatal(err)
	}

	// 第二个分支仍持激活时刻的旧摘要：CAS 必须拒绝
	err := e.CompleteJob(context.Background(), bill.JobKey, &domain.CompleteJobRequest{
		Payload: "p2", PayloadHash: bill.PayloadHash,
	})
	if !errors.Is(err, domain.ErrStaleHash) {
		t.Fatalf("expected ErrStaleHash for stale branch, got %v", err)
	}
}

func TestXorConditionAndDefault(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, xorSource)

	start(t, e, "review", version, "p", domain.Flags{"approved": domain.BoolFlag(true)})
	activateOne(t, e, "approve")

	start(t, e, "review", version, "p", nil)
	activateOne(t, e, "reject")
}

func TestCancelInstance(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, singleTaskSource)
	inst := start(t, e, "order", version, "p", nil)
	act := activateOne(t, e, "charge")

	if err := e.Cancel(context.Background(), inst.ID, &domain.CancelRequest{Reason: "operator abort"}); err != nil {
		t.Fatal(err)
	}

	got, _ := e.GetInstance(context.Background(), inst.ID)
	if got.State != domain.InstanceStateCancelled || got.CancelReason != "operator abort" {
		t.Fatalf("unexpected state after cancel: %+v", got)
	}

	// 终态不可再变
	err := e.Cancel(context.Background(), inst.ID, &domain.CancelRequest{Reason: "again"})
	if !errors.Is(err, domain.ErrInstanceNotRunning) {
		t.Fatalf("expected ErrInstanceNotRunning, got %v", err)
	}
	// 取消后 worker 的提交与失败上报都得到实例已停止
	err = e.CompleteJob(context.Background(), act.JobKey, &domain.CompleteJobRequest{
		Payload: "p2", PayloadHash: act.PayloadHash,
	})
	if !errors.Is(err, domain.ErrInstanceNotRunning) {
		t.Fatalf("expected ErrInstanceNotRunning after cancel, got %v", err)
	}
	err = e.FailJob(context.Background(), act.JobKey, &domain.FailJobRequest{
		ErrorClass: domain.ErrorClassTransient, Message: "late failure",
	})
	if !errors.Is(err, domain.ErrInstanceNotRunning) {
		t.Fatalf("expected ErrInstanceNotRunning after cancel, got %v", err)
	}

	types := gaplessTypes(t, e, inst.ID)
	if types[len(types)-1] != domain.EventCancelled {
		t.Fatalf("last event should be Cancelled, got %v", types)
	}
}

func TestRunInstanceReportsPendingJobs(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, parallelSource)
	inst := start(t, e, "fulfil", version, "p", nil)

	pending, err := e.RunInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", len(pending))
	}
	types := map[string]bool{}
	for _, j := range pending {
		if j.State != domain.JobStateOpen {
			t.Errorf("job %s not open: %s", j.Key, j.State)
		}
		types[j.TaskType] = true
	}
	if !types["pick"] || !types["bill"] {
		t.Fatalf("unexpected task types: %v", types)
	}

	if err := e.Cancel(context.Background(), inst.ID, &domain.CancelRequest{Reason: "stop"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.RunInstance(context.Background(), inst.ID); !errors.Is(err, domain.ErrInstanceNotRunning) {
		t.Fatalf("expected ErrInstanceNotRunning, got %v", err)
	}
}

func TestTransientFailureOpensIncident(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, singleTaskSource)
	inst := start(t, e, "order", version, "p", nil)
	act := activateOne(t, e, "charge")

	err := e.FailJob(context.Background(), act.JobKey, &domain.FailJobRequest{
		ErrorClass: domain.ErrorClassTransient,
		Message:    "connection refused",
	})
	if err != nil {
		t.Fatal(err)
	}

	insp, err := e.Inspect(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(insp.Incidents) != 1 {
		t.Fatalf("expected one incident, got %d", len(insp.Incidents))
	}
	if insp.Incidents[0].Message != "connection refused" {
		t.Errorf("incident message = %q", insp.Incidents[0].Message)
	}
	if insp.State != domain.InstanceStateRunning {
		t.Errorf("incident must not terminate the instance, state = %s", insp.State)
	}

	// 决议故障单：重新发任务并完成
	job, err := e.ResolveIncident(context.Background(), insp.Incidents[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Key == act.JobKey {
		t.Error("resolved incident must issue a fresh job key")
	}
	fresh := activateOne(t, e, "charge")
	if err := e.CompleteJob(context.Background(), fresh.JobKey, &domain.CompleteJobRequest{
		Payload: "p2", PayloadHash: fresh.PayloadHash,
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := e.GetInstance(context.Background(), inst.ID)
	if got.State != domain.InstanceStateCompleted {
		t.Fatalf("expected completed after incident resolution, got %s", got.State)
	}

	expectTypes(t, gaplessTypes(t, e, inst.ID),
		domain.EventInstanceStarted,
		domain.EventJobCreated,
		domain.EventJobFailed,
		domain.EventIncidentCreated,
		domain.EventIncidentResolved,
		domain.EventJobCreated,
		domain.EventJobCompleted,
		domain.EventCompleted,
	)
}

func TestTransientRetryBudget(t *testing.T) {
	e := newTestEngine(t, Options{TaskRetries: 1})
	version := deploy(t, e, singleTaskSource)
	inst := start(t, e, "order", version, "p", nil)

	act := activateOne(t, e, "charge")
	if act.RetriesRemaining != 1 {
		t.Fatalf("expected retry budget 1, got %d", act.RetriesRemaining)
	}

	// 第一次瞬时失败：消耗预算重新入队，不开故障单
	if err := e.FailJob(context.Background(), act.JobKey, &domain.FailJobRequest{
		ErrorClass: domain.ErrorClassTransient, Message: "timeout",
	}); err != nil {
		t.Fatal(err)
	}
	insp, _ := e.Inspect(context.Background(), inst.ID)
	if len(insp.Incidents) != 0 {
		t.Fatal("retry within budget must not open an incident")
	}

	retried := activateOne(t, e, "charge")
	if retried.JobKey != act.JobKey {
		t.Error("retried job keeps its key")
	}
	if retried.RetriesRemaining != 0 {
		t.Errorf("expected exhausted budget, got %d", retried.RetriesRemaining)
	}

	// 第二次瞬时失败：预算耗尽，开故障单
	if err := e.FailJob(context.Background(), act.JobKey, &domain.FailJobRequest{
		ErrorClass: domain.ErrorClassTransient, Message: "timeout again",
	}); err != nil {
		t.Fatal(err)
	}
	insp, _ = e.Inspect(context.Background(), inst.ID)
	if len(insp.Incidents) != 1 {
		t.Fatalf("expected incident after exhausted budget, got %d", len(insp.Incidents))
	}
}

func TestPermanentFailureOpensIncident(t *testing.T) {
	e := newTestEngine(t, Options{TaskRetries: 3})
	version := deploy(t, e, singleTaskSource)
	inst := start(t, e, "order", version, "p", nil)
	act := activateOne(t, e, "charge")

	if err := e.FailJob(context.Background(), act.JobKey, &domain.FailJobRequest{
		ErrorClass: domain.ErrorClassPermanent, Message: "schema invalid",
	}); err != nil {
		t.Fatal(err)
	}
	insp, _ := e.Inspect(context.Background(), inst.ID)
	if len(insp.Incidents) != 1 {
		t.Fatal("permanent failure must bypass the retry budget")
	}
}

func TestBusinessErrorRoutesToBoundary(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, boundaryErrorSource)
	inst := start(t, e, "payment", version, "p", nil)

	act := activateOne(t, e, "charge")
	if err := e.FailJob(context.Background(), act.JobKey, &domain.FailJobRequest{
		ErrorClass: "card_declined", Message: "insufficient funds",
	}); err != nil {
		t.Fatal(err)
	}

	// 业务错误走边界路径而非故障单
	insp, _ := e.Inspect(context.Background(), inst.ID)
	if len(insp.Incidents) != 0 {
		t.Fatal("matched business error must not open an incident")
	}
	notify := activateOne(t, e, "notify")
	if err := e.CompleteJob(context.Background(), notify.JobKey, &domain.CompleteJobRequest{
		Payload: "p2", PayloadHash: notify.PayloadHash,
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := e.GetInstance(context.Background(), inst.ID)
	if got.State != domain.InstanceStateCompleted {
		t.Fatalf("expected completed via boundary path, got %s", got.State)
	}
}

func TestBusinessErrorWithoutBoundaryOpensIncident(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, boundaryErrorSource)
	inst := start(t, e, "payment", version, "p", nil)
	act := activateOne(t, e, "charge")

	if err := e.FailJob(context.Background(), act.JobKey, &domain.FailJobRequest{
		ErrorClass: "fraud_suspected", Message: "manual review",
	}); err != nil {
		t.Fatal(err)
	}
	insp, _ := e.Inspect(context.Background(), inst.ID)
	if len(insp.Incidents) != 1 {
		t.Fatal("unmatched business code must open an incident")
	}
}

func TestSignalMessageWait(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, messageSource)
	inst := start(t, e, "shipping", version, "p", domain.Flags{"order_ref": domain.StringFlag("ord-7")})

	// 关联键不匹配：无命中，无变更
	err := e.Signal(context.Background(), inst.ID, &domain.SignalRequest{
		MessageName:    "payment_received",
		CorrelationKey: "ord-8",
	})
	if !errors.Is(err, domain.ErrNoMatchingWait) {
		t.Fatalf("expected ErrNoMatchingWait, got %v", err)
	}

	err = e.Signal(context.Background(), inst.ID, &domain.SignalRequest{
		MessageName:    "payment_received",
		CorrelationKey: "ord-7",
		Payload:        "paid",
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := e.GetInstance(context.Background(), inst.ID)
	if got.State != domain.InstanceStateCompleted {
		t.Fatalf("expected completed after signal, got %s", got.State)
	}
	if got.Payload != "paid" {
		t.Errorf("signal payload not applied: %q", got.Payload)
	}
}

func TestTimerWaitFires(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, Options{Clock: clock.Now})
	version := deploy(t, e, timerSource)
	inst := start(t, e, "reminder", version, "p", nil)

	if n := e.FireDueTimers(context.Background(), clock.Now().Add(30*time.Minute)); n != 0 {
		t.Fatalf("timer fired early: %d", n)
	}
	if n := e.FireDueTimers(context.Background(), clock.Now().Add(2*time.Hour)); n != 1 {
		t.Fatalf("expected one timer to fire, got %d", n)
	}
	got, _ := e.GetInstance(context.Background(), inst.ID)
	if got.State != domain.InstanceStateCompleted {
		t.Fatalf("expected completed after timer, got %s", got.State)
	}
	types := gaplessTypes(t, e, inst.ID)
	expectTypes(t, types, domain.EventInstanceStarted, domain.EventTimerFired, domain.EventCompleted)
}

func TestInterruptingBoundaryTimer(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := newTestEngine(t, Options{Clock: clock.Now})
	version := deploy(t, e, boundaryTimerSource)
	inst := start(t, e, "approval", version, "p", nil)
	act := activateOne(t, e, "decide")

	if n := e.FireDueTimers(context.Background(), clock.Now().Add(15*time.Minute)); n != 1 {
		t.Fatalf("expected boundary timer to fire, got %d", n)
	}

	// 宿主任务被撤下，迟到的 complete 被拒绝
	err := e.CompleteJob(context.Background(), act.JobKey, &domain.CompleteJobRequest{
		Payload: "late", PayloadHash: act.PayloadHash,
	})
	if !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved for interrupted job, got %v", err)
	}

	esc := activateOne(t, e, "escalate")
	if err := e.CompleteJob(context.Background(), esc.JobKey, &domain.CompleteJobRequest{
		Payload: "escalated", PayloadHash: esc.PayloadHash,
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := e.GetInstance(context.Background(), inst.ID)
	if got.State != domain.InstanceStateCompleted {
		t.Fatalf("expected completed via escalation, got %s", got.State)
	}
}

func TestRestoreFromStore(t *testing.T) {
	store := storage.NewMemoryStore()
	e := newTestEngine(t, Options{Store: store})
	version := deploy(t, e, singleTaskSource)
	inst := start(t, e, "order", version, "p", nil)

	// 新进程：同一存储，全新队列与事件日志
	e2 := newTestEngine(t, Options{
		Store:  store,
		Queue:  jobs.NewQueue(time.Minute, nil),
		Events: eventlog.New(),
	})
	if err := e2.Restore(context.Background()); err != nil {
		t.Fatal(err)
	}

	act := activateOne(t, e2, "charge")
	if err := e2.CompleteJob(context.Background(), act.JobKey, &domain.CompleteJobRequest{
		Payload: "p2", PayloadHash: act.PayloadHash,
	}); err != nil {
		t.Fatal(err)
	}

	got, err := e2.GetInstance(context.Background(), inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != domain.InstanceStateCompleted {
		t.Fatalf("expected completed after restore, got %s", got.State)
	}

	// 恢复后序号仍连续：历史事件 + 新事件无空洞
	expectTypes(t, gaplessTypes(t, e2, inst.ID),
		domain.EventInstanceStarted,
		domain.EventJobCreated,
		domain.EventJobCompleted,
		domain.EventCompleted,
	)
}

func TestDeployIdempotentVersion(t *testing.T) {
	e := newTestEngine(t, Options{})
	v1 := deploy(t, e, singleTaskSource)
	v2 := deploy(t, e, singleTaskSource)
	if v1 != v2 {
		t.Fatalf("same source must yield same version: %s vs %s", v1, v2)
	}
	v3 := deploy(t, e, xorSource)
	if v3 == v1 {
		t.Fatal("different graphs must yield different versions")
	}
}

func TestSubscribeEventsLive(t *testing.T) {
	e := newTestEngine(t, Options{})
	version := deploy(t, e, singleTaskSource)
	inst := start(t, e, "order", version, "p", nil)

	ch, cancel, err := e.SubscribeEvents(context.Background(), inst.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	act := activateOne(t, e, "charge")
	if err := e.CompleteJob(context.Background(), act.JobKey, &domain.CompleteJobRequest{
		Payload: "p2", PayloadHash: act.PayloadHash,
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	var seen []domain.EventType
	for {
		select {
		case ev := <-ch:
			seen = append(seen, ev.Type)
			if ev.Type.IsTerminal() {
				expectTypes(t, seen,
					domain.EventInstanceStarted,
					domain.EventJobCreated,
					domain.EventJobCompleted,
					domain.EventCompleted,
				)
				return
			}
		case <-deadline:
			t.Fatalf("terminal event not delivered, saw %v", seen)
		}
	}
}
