package ir

import (
	"testing"
	"time"
)

func TestParseDurationSpecs(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"PT5M", 5 * time.Minute},
		{"PT1H", time.Hour},
		{"PT30S", 30 * time.Second},
		{"P1D", 24 * time.Hour},
		{"P1DT2H", 26 * time.Hour},
		{"PT1H30M", 90 * time.Minute},
	}
	for _, tc := range cases {
		spec, err := ParseTimerSpec(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if spec.Kind != TimerDuration {
			t.Fatalf("%s: expected duration kind, got %s", tc.raw, spec.Kind)
		}
		if spec.Duration != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.raw, tc.want, spec.Duration)
		}
	}
}

func TestParseDateSpec(t *testing.T) {
	spec, err := ParseTimerSpec("2026-09-01T10:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Kind != TimerDate {
		t.Fatalf("expected date kind, got %s", spec.Kind)
	}
	want := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	if !spec.Date.Equal(want) {
		t.Fatalf("expected %v, got %v", want, spec.Date)
	}
	// 绝对时间不随 now 移动
	if got := spec.NextDeadline(time.Now()); !got.Equal(want) {
		t.Fatalf("deadline moved: %v", got)
	}
}

func TestParseCycleSpec(t *testing.T) {
	spec, err := ParseTimerSpec("R3/PT10S")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Kind != TimerCycle || spec.Count != 3 || spec.Duration != 10*time.Second {
		t.Fatalf("unexpected cycle spec: %+v", spec)
	}
	if spec.MaxFires() != 3 {
		t.Fatalf("expected 3 fires, got %d", spec.MaxFires())
	}
}

func TestParseCronSpec(t *testing.T) {
	spec, err := ParseTimerSpec("cron:*/5 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	if spec.Kind != TimerCron {
		t.Fatalf("expected cron kind, got %s", spec.Kind)
	}

	now := time.Date(2026, 8, 30, 12, 2, 0, 0, time.UTC)
	next := spec.NextDeadline(now)
	if next != now.Add(3*time.Minute) {
		t.Fatalf("expected next fire at 12:05, got %v", next)
	}
}

func TestNextDeadlineFromDuration(t *testing.T) {
	spec, err := ParseTimerSpec("PT1H")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if got := spec.NextDeadline(now); got != now.Add(time.Hour) {
		t.Fatalf("expected now+1h, got %v", got)
	}
}

func TestSingleFireSpecs(t *testing.T) {
	for _, raw := range []string{"PT5M", "2026-09-01T10:00:00Z", "cron:0 9 * * *"} {
		spec, err := ParseTimerSpec(raw)
		if err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if spec.MaxFires() != 1 {
			t.Fatalf("%s: expected single fire, got %d", raw, spec.MaxFires())
		}
	}
}

func TestInvalidSpecsRejected(t *testing.T) {
	for _, raw := range []string{
		"",
		"whenever",
		"PT",
		"P",
		"PT0S",
		"P1Y",
		"R0/PT10S",
		"R3",
		"Rx/PT10S",
		"cron:not a cron",
		"cron:* * *",
	} {
		if _, err := ParseTimerSpec(raw); err == nil {
			t.Fatalf("%q: expected error", raw)
		}
	}
}
