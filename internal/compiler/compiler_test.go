package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/oriys/procflow/internal/ir"
)

const orderSource = `
process order
start begin
service charge type=charge
end done
flow begin -> charge
flow charge -> done
`

func compileOK(t *testing.T, source string) *CompileResult {
	t.Helper()
	result, err := Compile(source)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return result
}

func compileErr(t *testing.T, source string) *CompileError {
	t.Helper()
	_, err := Compile(source)
	if err == nil {
		t.Fatal("expected compile error")
	}
	var cerr *CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompileError, got %T", err)
	}
	return cerr
}

func hasError(diags []Diagnostic, substr string) bool {
	for _, d := range diags {
		if d.Severity == SeverityError && strings.Contains(d.Message, substr) {
			return true
		}
	}
	return false
}

func TestCompileProducesVersion(t *testing.T) {
	result := compileOK(t, orderSource)
	if len(result.Version) != 64 {
		t.Fatalf("expected 64-char hex version, got %q", result.Version)
	}
	if result.Program == nil {
		t.Fatal("expected program")
	}
	if result.Program.StartIndex() < 0 {
		t.Fatal("program has no start node")
	}
}

func TestVersionIsDeterministic(t *testing.T) {
	a := compileOK(t, orderSource)
	b := compileOK(t, orderSource)
	if a.Version != b.Version {
		t.Fatalf("same source produced different versions: %s vs %s", a.Version, b.Version)
	}
}

func TestVersionIgnoresCommentsAndWhitespace(t *testing.T) {
	noisy := `
# the order process
process order

start begin   # entry
service charge type=charge
end done
flow begin -> charge
flow charge -> done
`
	a := compileOK(t, orderSource)
	b := compileOK(t, noisy)
	if a.Version != b.Version {
		t.Fatalf("cosmetic changes altered the version: %s vs %s", a.Version, b.Version)
	}
}

func TestVersionChangesWithGraph(t *testing.T) {
	other := strings.Replace(orderSource, "type=charge", "type=refund", 1)
	a := compileOK(t, orderSource)
	b := compileOK(t, other)
	if a.Version == b.Version {
		t.Fatal("different graphs produced the same version")
	}
}

func TestUnknownFlowTargetFails(t *testing.T) {
	cerr := compileErr(t, "process broken\nstart begin\nflow begin -> nowhere")
	if !hasError(cerr.Diagnostics, "unknown target node") {
		t.Fatalf("missing diagnostic, got %v", cerr.Diagnostics)
	}
}

func TestMissingProcessDeclarationFails(t *testing.T) {
	cerr := compileErr(t, "start begin\nend done\nflow begin -> done")
	if !hasError(cerr.Diagnostics, "missing process declaration") {
		t.Fatalf("missing diagnostic, got %v", cerr.Diagnostics)
	}
}

func TestDuplicateNodeIDFails(t *testing.T) {
	cerr := compileErr(t, `
process dup
start begin
service step type=a
service step type=b
end done
flow begin -> step
flow step -> done
`)
	if !hasError(cerr.Diagnostics, "duplicate node id") {
		t.Fatalf("missing diagnostic, got %v", cerr.Diagnostics)
	}
}

func TestTwoStartEventsFail(t *testing.T) {
	cerr := compileErr(t, `
process twostarts
start a
start b
end done
flow a -> done
flow b -> done
`)
	if !hasError(cerr.Diagnostics, "start events, expected exactly one") {
		t.Fatalf("missing diagnostic, got %v", cerr.Diagnostics)
	}
}

func TestDanglingNodeFails(t *testing.T) {
	cerr := compileErr(t, `
process dangling
start begin
service stuck type=work
end done
flow begin -> stuck
`)
	if !hasError(cerr.Diagnostics, "has no outgoing flow") {
		t.Fatalf("missing diagnostic, got %v", cerr.Diagnostics)
	}
}

func TestXorDefaultEdgeMarking(t *testing.T) {
	result := compileOK(t, `
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
`)
	prog := result.Program
	route := prog.NodeIndex("route")
	if route < 0 {
		t.Fatal("route node missing")
	}

	var defaults, conditional int
	for _, e := range prog.Nodes[route].Outgoing {
		if e.IsDefault {
			defaults++
			if prog.Nodes[e.Target].Node.ID != "reject" {
				t.Fatalf("default edge points at %q", prog.Nodes[e.Target].Node.ID)
			}
		}
		if e.Cond != nil {
			conditional++
		}
	}
	if defaults != 1 || conditional != 1 {
		t.Fatalf("expected 1 default and 1 conditional edge, got %d/%d", defaults, conditional)
	}
}

func TestBareEdgeWithoutConditionsIsNotDefault(t *testing.T) {
	// 无任何条件出边时，单条无条件边只是普通转移
	result := compileOK(t, `
process plain
start begin
xor route
service next type=next
end done
flow begin -> route
flow route -> next
flow next -> done
`)
	route := result.Program.NodeIndex("route")
	for _, e := range result.Program.Nodes[route].Outgoing {
		if e.IsDefault {
			t.Fatal("unconditional edge marked default without any conditional sibling")
		}
	}
}

func TestMultipleDefaultCandidatesFail(t *testing.T) {
	cerr := compileErr(t, `
process ambiguous
start begin
xor route
service a type=a
service b type=b
service c type=c
end done
flow begin -> route
flow route -> a when go == true
flow route -> b
flow route -> c
flow a -> done
flow b -> done
flow c -> done
`)
	if !hasError(cerr.Diagnostics, "candidate default flows") {
		t.Fatalf("missing diagnostic, got %v", cerr.Diagnostics)
	}
}

func TestXorMultipleUnconditionalFlowsFail(t *testing.T) {
	cerr := compileErr(t, `
process fan
start begin
xor route
service a type=a
service b type=b
end done
flow begin -> route
flow route -> a
flow route -> b
flow a -> done
flow b -> done
`)
	if !hasError(cerr.Diagnostics, "multiple unconditional flows") {
		t.Fatalf("missing diagnostic, got %v", cerr.Diagnostics)
	}
}

func TestAndJoinExpectedCount(t *testing.T) {
	result := compileOK(t, `
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
	meet := result.Program.NodeIndex("meet")
	if got := result.Program.Nodes[meet].JoinExpected; got != 2 {
		t.Fatalf("expected join count 2, got %d", got)
	}
}

func TestInclusiveJoinPairing(t *testing.T) {
	result := compileOK(t, `
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
`)
	fan := result.Program.NodeIndex("fan")
	meet := result.Program.NodeIndex("meet")
	if got := result.Program.Nodes[fan].InclusiveJoin; got != meet {
		t.Fatalf("inclusive split paired with node %d, expected %d", got, meet)
	}
}

func TestInclusiveBranchesMustConvergeOnOneJoin(t *testing.T) {
	cerr := compileErr(t, `
process fork
start begin
inclusive fan split
service a type=a
service b type=b
inclusive j1 join
inclusive j2 join
end done
flow begin -> fan
flow fan -> a when wanta == true
flow fan -> b when wantb == true
flow a -> j1
flow b -> j2
flow j1 -> done
flow j2 -> done
`)
	if !hasError(cerr.Diagnostics, "converge on different joins") {
		t.Fatalf("missing diagnostic, got %v", cerr.Diagnostics)
	}
}

func TestBoundaryMustAttachToServiceTask(t *testing.T) {
	cerr := compileErr(t, `
process bad
start begin
timer wait spec=PT1H
boundary-error oops host=wait code=x interrupting
service fix type=fix
end done
flow begin -> wait
flow wait -> done
flow oops -> fix
flow fix -> done
`)
	if !hasError(cerr.Diagnostics, "must attach to a service task") {
		t.Fatalf("missing diagnostic, got %v", cerr.Diagnostics)
	}
}

func TestBoundaryWithoutOutgoingFails(t *testing.T) {
	cerr := compileErr(t, `
process bad
start begin
service charge type=charge
boundary-error declined host=charge code=card_declined interrupting
end done
flow begin -> charge
flow charge -> done
`)
	if !hasError(cerr.Diagnostics, "has no outgoing flow") {
		t.Fatalf("missing diagnostic, got %v", cerr.Diagnostics)
	}
}

func TestBoundaryAttachmentCompiled(t *testing.T) {
	result := compileOK(t, `
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
`)
	prog := result.Program
	charge := prog.NodeIndex("charge")
	if len(prog.Nodes[charge].Boundaries) != 1 {
		t.Fatalf("expected 1 boundary attachment, got %d", len(prog.Nodes[charge].Boundaries))
	}
	b := prog.Nodes[prog.Nodes[charge].Boundaries[0]]
	if b.Node.Kind != ir.KindBoundaryError || b.Node.ErrorCode != "card_declined" {
		t.Fatalf("unexpected boundary node: %+v", b.Node)
	}
}

func TestUnreachableNodeWarns(t *testing.T) {
	result := compileOK(t, `
process island
start begin
service charge type=charge
service orphan type=orphan
end done
flow begin -> charge
flow charge -> done
flow orphan -> done
`)
	found := false
	for _, d := range result.Diagnostics {
		if d.Severity == SeverityWarning && strings.Contains(d.Message, "unreachable") && d.ElementID == "orphan" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unreachable warning, got %v", result.Diagnostics)
	}
}

func TestInvalidTimerSpecFails(t *testing.T) {
	cerr := compileErr(t, `
process bad
start begin
timer wait spec=whenever
end done
flow begin -> wait
flow wait -> done
`)
	if len(cerr.Diagnostics) == 0 {
		t.Fatal("expected diagnostics")
	}
}

func TestConditionLiteralTyping(t *testing.T) {
	result := compileOK(t, `
process typed
start begin
xor route
service a type=a
service b type=b
service c type=c
end done
flow begin -> route
flow route -> a when approved == true
flow route -> b when amount > 100
flow route -> c when tier == "gold"
flow a -> done
flow b -> done
flow c -> done
`)
	route := result.Program.NodeIndex("route")
	kinds := map[string]bool{}
	for _, e := range result.Program.Nodes[route].Outgoing {
		if e.Cond != nil {
			kinds[string(e.Cond.Value.Kind)] = true
		}
	}
	for _, want := range []string{"bool", "int", "string"} {
		if !kinds[want] {
			t.Fatalf("missing %s literal in conditions, got %v", want, kinds)
		}
	}
}

func TestCompileErrorMessageSummarizes(t *testing.T) {
	_, err := Compile("process broken\nstart begin\nflow begin -> nowhere\nflow begin -> elsewhere")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "compile failed") {
		t.Fatalf("unexpected error message: %v", err)
	}
}
