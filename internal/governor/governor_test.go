package governor

import (
	"testing"
	"time"
)

func TestDegradedParallelism(t *testing.T) {
	cases := []struct {
		status Status
		base   int
		want   int
	}{
		{Healthy, 8, 8},
		{Warning, 8, 4},
		{Critical, 8, 1},
		{Warning, 1, 1},
	}
	for _, c := range cases {
		if got := DegradedParallelism(c.base, c.status); got != c.want {
			t.Errorf("DegradedParallelism(%d, %s) = %d, want %d", c.base, c.status, got, c.want)
		}
	}
}

func TestGovernorRecoveryRequiresSustainedHealthyWindow(t *testing.T) {
	g := New(nil, nil, nil)
	g.RecoveryWindow = 10 * time.Second
	base := time.Now()

	_, degraded := g.applyStatus(Critical, SystemState{Status: Critical, SampledAt: base})
	if !degraded {
		t.Fatal("expected immediate degrade on a critical sample")
	}

	// A single healthy sample right after must NOT clear degraded.
	_, degraded = g.applyStatus(Healthy, SystemState{Status: Healthy, SampledAt: base.Add(1 * time.Second)})
	if !degraded {
		t.Fatal("expected governor to stay degraded after only one healthy sample")
	}

	// Still within the recovery window.
	_, degraded = g.applyStatus(Healthy, SystemState{Status: Healthy, SampledAt: base.Add(9 * time.Second)})
	if !degraded {
		t.Fatal("expected governor to stay degraded before the recovery window elapses")
	}

	// Recovery window has elapsed since the first healthy sample (base+1s).
	_, degraded = g.applyStatus(Healthy, SystemState{Status: Healthy, SampledAt: base.Add(12 * time.Second)})
	if degraded {
		t.Fatal("expected governor to recover once healthy has held for the full recovery window")
	}
}

func TestGovernorRecoveryWindowResetsOnRelapse(t *testing.T) {
	g := New(nil, nil, nil)
	g.RecoveryWindow = 10 * time.Second
	base := time.Now()

	g.applyStatus(Critical, SystemState{Status: Critical, SampledAt: base})
	g.applyStatus(Healthy, SystemState{Status: Healthy, SampledAt: base.Add(1 * time.Second)})

	// A relapse to Warning before the window elapses must restart the clock.
	_, degraded := g.applyStatus(Warning, SystemState{Status: Warning, SampledAt: base.Add(5 * time.Second)})
	if !degraded {
		t.Fatal("expected relapse to Warning to keep the governor degraded")
	}

	// 8s after the relapse is still within a fresh 10s window measured from
	// the relapse's next healthy sample, so it must not have recovered yet.
	_, degraded = g.applyStatus(Healthy, SystemState{Status: Healthy, SampledAt: base.Add(13 * time.Second)})
	if !degraded {
		t.Fatal("expected governor to still be degraded shortly after a relapse")
	}
}

func TestKillSwitchEmergencyStop(t *testing.T) {
	k := NewKillSwitch()
	var firedReason string
	k.OnEmergency(func(reason string) { firedReason = reason })

	if !k.CanProceed("", "") {
		t.Fatalf("expected CanProceed true before stop")
	}
	k.EmergencyStop("memory critical")
	if k.CanProceed("", "") {
		t.Fatalf("expected CanProceed false after emergency stop")
	}
	if firedReason != "memory critical" {
		t.Fatalf("expected callback to fire with reason, got %q", firedReason)
	}
	k.Resume()
	if !k.CanProceed("", "") {
		t.Fatalf("expected CanProceed true after resume")
	}
}

func TestKillSwitchToolBlacklist(t *testing.T) {
	k := NewKillSwitch()
	k.BlacklistTool("flaky_tool", "repeated failures", 0)
	if !k.IsToolBlacklisted("flaky_tool") {
		t.Fatalf("expected flaky_tool to be blacklisted")
	}
	if k.CanProceed("flaky_tool", "") {
		t.Fatalf("expected CanProceed false for blacklisted tool")
	}
	k.UnblacklistTool("flaky_tool")
	if k.IsToolBlacklisted("flaky_tool") {
		t.Fatalf("expected flaky_tool no longer blacklisted")
	}
}

func TestKillSwitchDepartmentPause(t *testing.T) {
	k := NewKillSwitch()
	k.PauseDepartment("research")
	if k.CanProceed("", "research") {
		t.Fatalf("expected CanProceed false for paused department")
	}
	k.ResumeDepartment("research")
	if !k.CanProceed("", "research") {
		t.Fatalf("expected CanProceed true after resuming department")
	}
}
