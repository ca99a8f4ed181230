package vm

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/procflow/internal/compiler"
	"github.com/oriys/procflow/internal/domain"
	"github.com/oriys/procflow/internal/ir"
)

func mustCompile(t *testing.T, source string) *compiler.Program {
	t.Helper()
	result, err := compiler.Compile(source)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return result.Program
}

func runFromStart(t *testing.T, p *compiler.Program, env Env) (*State, *StepResult) {
	t.Helper()
	s := NewState(p.StartIndex())
	res := Run(p, s, env)
	return s, res
}

func TestRunParksOnServiceTask(t *testing.T) {
	p := mustCompile(t, `
process order
start begin
service charge type=charge
end done
flow begin -> charge
flow charge -> done
`)
	s, res := runFromStart(t, p, Env{Now: time.Now()})

	if len(res.Jobs) != 1 {
		t.Fatalf("expected 1 job request, got %d", len(res.Jobs))
	}
	if len(s.Fibers) != 1 {
		t.Fatalf("expected 1 fiber, got %d", len(s.Fibers))
	}
	f := s.Fibers[0]
	if f.Wait == nil || f.Wait.Kind != WaitJob {
		t.Fatalf("fiber not parked on a job wait: %+v", f.Wait)
	}
	if p.Nodes[f.PC].Node.ID != "charge" {
		t.Fatalf("fiber parked at %q", p.Nodes[f.PC].Node.ID)
	}
}

func TestResumeAfterRunsToCompletion(t *testing.T) {
	p := mustCompile(t, `
process order
start begin
service charge type=charge
end done
flow begin -> charge
flow charge -> done
`)
	s, _ := runFromStart(t, p, Env{Now: time.Now()})

	ResumeAfter(p, s.Fibers[0])
	res := Run(p, s, Env{Now: time.Now()})

	if len(res.Jobs) != 0 {
		t.Fatalf("unexpected job requests: %v", res.Jobs)
	}
	if len(s.Fibers) != 0 {
		t.Fatalf("expected completion, %d fibers alive", len(s.Fibers))
	}
}

func TestParallelSplitAndJoin(t *testing.T) {
	p := mustCompile(t, `
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
`)
	s, res := runFromStart(t, p, Env{Now: time.Now()})

	if len(res.Jobs) != 2 {
		t.Fatalf("expected 2 job requests, got %d", len(res.Jobs))
	}
	if len(s.Fibers) != 2 {
		t.Fatalf("expected 2 fibers, got %d", len(s.Fibers))
	}
	if s.Fibers[0].ID == s.Fibers[1].ID {
		t.Fatal("forked fibers share an id")
	}

	// 第一条分支完成后在汇聚处被吸收
	ResumeAfter(p, s.Fibers[0])
	Run(p, s, Env{Now: time.Now()})
	if len(s.Fibers) != 1 {
		t.Fatalf("expected 1 fiber after first arrival, got %d", len(s.Fibers))
	}

	// 最后到达者穿过汇聚并完成实例
	ResumeAfter(p, s.Fibers[0])
	Run(p, s, Env{Now: time.Now()})
	if len(s.Fibers) != 0 {
		t.Fatalf("expected completion, %d fibers alive", len(s.Fibers))
	}
	if len(s.Barriers) != 0 {
		t.Fatalf("join barrier leaked: %v", s.Barriers)
	}
}

func TestXorTakesFirstMatchingEdge(t *testing.T) {
	source := `
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
	p := mustCompile(t, source)

	s, res := runFromStart(t, p, Env{
		Now:   time.Now(),
		Flags: domain.Flags{"approved": domain.BoolFlag(true)},
	})
	if len(res.Jobs) != 1 || p.Nodes[res.Jobs[0].NodeIdx].Node.ID != "approve" {
		t.Fatalf("expected approve branch, got %v", res.Jobs)
	}

	// 条件不满足走默认边
	s, res = runFromStart(t, p, Env{Now: time.Now()})
	if len(res.Jobs) != 1 || p.Nodes[res.Jobs[0].NodeIdx].Node.ID != "reject" {
		t.Fatalf("expected default branch, got %v", res.Jobs)
	}
	_ = s
}

func TestXorWithoutViablePathBlocks(t *testing.T) {
	p := mustCompile(t, `
process strict
start begin
xor route
service a type=a
service b type=b
end done
flow begin -> route
flow route -> a when x == 1
flow route -> b when x == 2
flow a -> done
flow b -> done
`)
	s, res := runFromStart(t, p, Env{
		Now:   time.Now(),
		Flags: domain.Flags{"x": domain.IntFlag(3)},
	})

	if len(res.ConfigErrors) != 1 {
		t.Fatalf("expected 1 config error, got %v", res.ConfigErrors)
	}
	f := s.FiberByID(res.ConfigErrors[0])
	if f == nil || f.Wait == nil || f.Wait.Kind != WaitConfigError {
		t.Fatalf("fiber not blocked on config error: %+v", f)
	}
}

func TestNumericConditions(t *testing.T) {
	p := mustCompile(t, `
process tiers
start begin
xor route
service big type=big
service small type=small
end done
flow begin -> route
flow route -> big when amount >= 100
flow route -> small
flow big -> done
flow small -> done
`)
	_, res := runFromStart(t, p, Env{
		Now:   time.Now(),
		Flags: domain.Flags{"amount": domain.IntFlag(150)},
	})
	if p.Nodes[res.Jobs[0].NodeIdx].Node.ID != "big" {
		t.Fatalf("expected big branch, got %q", p.Nodes[res.Jobs[0].NodeIdx].Node.ID)
	}

	_, res = runFromStart(t, p, Env{
		Now:   time.Now(),
		Flags: domain.Flags{"amount": domain.IntFlag(99)},
	})
	if p.Nodes[res.Jobs[0].NodeIdx].Node.ID != "small" {
		t.Fatalf("expected small branch, got %q", p.Nodes[res.Jobs[0].NodeIdx].Node.ID)
	}
}

func TestInclusiveSplitSpawnsMatchingBranches(t *testing.T) {
	source := `
process multi
start begin
inclusive fan split
service a type=a
service b type=b
inclusive meet join
end done
flow begin -> fan
flow fan -> a when wanta == true
flow fan -> b when wantb == true
flow a -> meet
flow b -> meet
flow meet -> done
`
	p := mustCompile(t, source)
	s, res := runFromStart(t, p, Env{
		Now:   time.Now(),
		Flags: domain.Flags{"wanta": domain.BoolFlag(true), "wantb": domain.BoolFlag(true)},
	})

	if len(res.Jobs) != 2 || len(s.Fibers) != 2 {
		t.Fatalf("expected both branches taken, jobs %d fibers %d", len(res.Jobs), len(s.Fibers))
	}

	meet := p.NodeIndex("meet")
	b, ok := s.Barriers[meet]
	if !ok || b.Expected != 2 {
		t.Fatalf("join barrier not registered for the taken subset: %+v", b)
	}

	// 仅一条分支为真时汇聚只等待一个
	s, res = runFromStart(t, p, Env{
		Now:   time.Now(),
		Flags: domain.Flags{"wanta": domain.BoolFlag(true)},
	})
	if len(res.Jobs) != 1 {
		t.Fatalf("expected single branch, got %d jobs", len(res.Jobs))
	}
	if b := s.Barriers[meet]; b == nil || b.Expected != 1 {
		t.Fatalf("barrier expected 1, got %+v", b)
	}

	ResumeAfter(p, s.Fibers[0])
	Run(p, s, Env{Now: time.Now()})
	if len(s.Fibers) != 0 {
		t.Fatalf("expected completion, %d fibers alive", len(s.Fibers))
	}
}

func TestTimerWaitDeadlineFromEnvNow(t *testing.T) {
	p := mustCompile(t, `
process reminder
start begin
timer delay spec=PT1H
end done
flow begin -> delay
flow delay -> done
`)
	now := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	s, _ := runFromStart(t, p, Env{Now: now})

	f := s.Fibers[0]
	if f.Wait == nil || f.Wait.Kind != WaitTimer {
		t.Fatalf("fiber not parked on timer: %+v", f.Wait)
	}
	if !f.Wait.Deadline.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected deadline %v", f.Wait.Deadline)
	}
	if f.Wait.FiresLeft != 1 {
		t.Fatalf("unexpected fires left %d", f.Wait.FiresLeft)
	}
}

func TestMessageWaitResolvesCorrelationKey(t *testing.T) {
	p := mustCompile(t, `
process shipping
start begin
message paid name=payment_received key=order_ref
end done
flow begin -> paid
flow paid -> done
`)
	s, _ := runFromStart(t, p, Env{
		Now:   time.Now(),
		Flags: domain.Flags{"order_ref": domain.StringFlag("ord-42")},
	})

	f := s.Fibers[0]
	if f.Wait == nil || f.Wait.Kind != WaitMessage {
		t.Fatalf("fiber not parked on message: %+v", f.Wait)
	}
	if f.Wait.Name != "payment_received" || f.Wait.CorrKey != "ord-42" {
		t.Fatalf("unexpected wait: %+v", f.Wait)
	}

	// 标志缺失时回退到实例关联标识
	s, _ = runFromStart(t, p, Env{Now: time.Now(), CorrelationID: "fallback"})
	if s.Fibers[0].Wait.CorrKey != "fallback" {
		t.Fatalf("correlation fallback broken: %+v", s.Fibers[0].Wait)
	}
}

func TestServiceTaskArmsBoundaries(t *testing.T) {
	p := mustCompile(t, `
process approval
start begin
service decide type=decide
boundary-timer overdue host=decide spec=PT10M interrupting
boundary-error failed host=decide code=rejected interrupting
service escalate type=escalate
end done
flow begin -> decide
flow decide -> done
flow overdue -> escalate
flow failed -> escalate
flow escalate -> done
`)
	now := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	s, _ := runFromStart(t, p, Env{Now: now})

	f := s.Fibers[0]
	if len(f.Boundaries) != 2 {
		t.Fatalf("expected 2 armed boundaries, got %d", len(f.Boundaries))
	}
	var timerArmed bool
	for _, b := range f.Boundaries {
		if p.Nodes[b.NodeIdx].Node.Kind == ir.KindBoundaryTimer {
			timerArmed = true
			if !b.Deadline.Equal(now.Add(10 * time.Minute)) {
				t.Fatalf("unexpected boundary deadline %v", b.Deadline)
			}
		}
	}
	if !timerArmed {
		t.Fatal("timer boundary not armed")
	}

	// 恢复后边界随之解除
	ResumeAfter(p, f)
	if f.Boundaries != nil {
		t.Fatalf("boundaries survived resume: %v", f.Boundaries)
	}
}

func TestTerminateEndCancelsAllFibers(t *testing.T) {
	p := mustCompile(t, `
process abort
start begin
and fork split
service work type=work
end stop terminate
and meet join
end done
flow begin -> fork
flow fork -> work
flow fork -> stop
flow work -> meet
flow meet -> done
`)
	s, res := runFromStart(t, p, Env{Now: time.Now()})

	if !res.Terminated {
		t.Fatal("terminate end not reported")
	}
	if len(s.Fibers) != 0 {
		t.Fatalf("fibers survived terminate: %d", len(s.Fibers))
	}
}

func TestStateJSONRoundTrip(t *testing.T) {
	p := mustCompile(t, `
process order
start begin
service charge type=charge
end done
flow begin -> charge
flow charge -> done
`)
	s, _ := runFromStart(t, p, Env{Now: time.Now()})

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var restored State
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatal(err)
	}
	if len(restored.Fibers) != 1 || restored.Fibers[0].Wait.Kind != WaitJob {
		t.Fatalf("state lost in round trip: %+v", restored)
	}
	if restored.NextFiberID != s.NextFiberID {
		t.Fatalf("fiber id counter lost: %d vs %d", restored.NextFiberID, s.NextFiberID)
	}
}

func TestWaitFreeCycleParksWithConfigError(t *testing.T) {
	p := mustCompile(t, `
process loop
start begin
xor a
xor b
end done
flow begin -> a
flow a -> b
flow b -> a when go == true
flow b -> done
`)
	s, res := runFromStart(t, p, Env{
		Now:   time.Now(),
		Flags: domain.Flags{"go": domain.BoolFlag(true)},
	})

	// 无等待节点的网关环不会自旋：预算耗尽后 fiber 带配置错误停驻
	if len(res.ConfigErrors) == 0 {
		t.Fatal("expected a config error from the gateway cycle")
	}
	if len(s.Fibers) != 1 {
		t.Fatalf("expected 1 parked fiber, got %d", len(s.Fibers))
	}
	if w := s.Fibers[0].Wait; w == nil || w.Kind != WaitConfigError {
		t.Fatalf("fiber not parked on a config error: %+v", s.Fibers[0].Wait)
	}
}
