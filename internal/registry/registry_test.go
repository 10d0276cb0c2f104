package registry

import (
	"testing"
	"time"

	"github.com/Klingon-tech/mixnet-ct/pkg/types"
)

func topoInfo(id, native string, balance float64) TopologyInfo {
	return TopologyInfo{
		Address:        types.NewAddress(id, native),
		Version:        "2.1.5",
		Quality:        0.9,
		ChannelBalance: balance,
	}
}

func TestApplyTopology_CreatesAndRefreshes(t *testing.T) {
	r := New()
	now := time.Now()

	r.ApplyTopology(map[string]TopologyInfo{
		"p1": topoInfo("p1", "0xa1", 1),
		"p2": topoInfo("p2", "0xa2", 2),
	}, now)

	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	p, ok := r.Get("p1")
	if !ok {
		t.Fatal("p1 missing")
	}
	if p.Health != HealthHealthy || p.ChannelBalance != 1 {
		t.Fatalf("unexpected p1 %+v", p)
	}
}

func TestApplyTopology_MarksMissingUnreachable(t *testing.T) {
	r := New()
	t0 := time.Now()

	r.ApplyTopology(map[string]TopologyInfo{"p1": topoInfo("p1", "0xa1", 1)}, t0)
	r.ApplyTopology(map[string]TopologyInfo{}, t0.Add(time.Minute))

	p, _ := r.Get("p1")
	if p.Health != HealthUnreachable {
		t.Fatalf("Health = %v, want unreachable", p.Health)
	}
	if !p.UnreachableSince.Equal(t0.Add(time.Minute)) {
		t.Fatalf("UnreachableSince = %v, want first missing pass time", p.UnreachableSince)
	}

	// A later pass must not reset the unreachable timestamp.
	r.ApplyTopology(map[string]TopologyInfo{}, t0.Add(2*time.Minute))
	p, _ = r.Get("p1")
	if !p.UnreachableSince.Equal(t0.Add(time.Minute)) {
		t.Fatal("UnreachableSince moved on repeated missing passes")
	}
}

func TestApplyTopology_RecoveryClearsUnreachable(t *testing.T) {
	r := New()
	t0 := time.Now()

	r.ApplyTopology(map[string]TopologyInfo{"p1": topoInfo("p1", "0xa1", 1)}, t0)
	r.ApplyTopology(map[string]TopologyInfo{}, t0.Add(time.Minute))
	r.ApplyTopology(map[string]TopologyInfo{"p1": topoInfo("p1", "0xa1", 1)}, t0.Add(2*time.Minute))

	p, _ := r.Get("p1")
	if p.Health != HealthHealthy {
		t.Fatalf("Health = %v, want healthy after recovery", p.Health)
	}
	if !p.UnreachableSince.IsZero() {
		t.Fatal("UnreachableSince should reset on recovery")
	}
}

func TestApplyTopology_KeepsVersionOnFailedProbe(t *testing.T) {
	r := New()
	now := time.Now()

	r.ApplyTopology(map[string]TopologyInfo{"p1": topoInfo("p1", "0xa1", 1)}, now)

	bad := topoInfo("p1", "0xa1", 1)
	bad.Version = "0.0.0"
	r.ApplyTopology(map[string]TopologyInfo{"p1": bad}, now.Add(time.Minute))

	p, _ := r.Get("p1")
	if p.Version != "2.1.5" {
		t.Fatalf("Version = %q, want previous 2.1.5", p.Version)
	}
}

func TestPruneStale(t *testing.T) {
	r := New()
	t0 := time.Now()

	r.ApplyTopology(map[string]TopologyInfo{"p1": topoInfo("p1", "0xa1", 1)}, t0)
	r.ApplyTopology(map[string]TopologyInfo{}, t0.Add(time.Minute))

	// Not yet stale.
	if removed := r.PruneStale(time.Hour, t0.Add(30*time.Minute)); len(removed) != 0 {
		t.Fatalf("premature prune: %v", removed)
	}
	// Now stale.
	removed := r.PruneStale(time.Hour, t0.Add(2*time.Hour))
	if len(removed) != 1 || removed[0] != "p1" {
		t.Fatalf("removed = %v, want [p1]", removed)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d after prune, want 0", r.Len())
	}
}

func TestApplySafes_CountsSiblings(t *testing.T) {
	r := New()
	now := time.Now()

	r.ApplyTopology(map[string]TopologyInfo{
		"p1": topoInfo("p1", "0xa1", 0),
		"p2": topoInfo("p2", "0xa2", 0),
		"p3": topoInfo("p3", "0xa3", 0),
	}, now)

	r.ApplySafes(map[string]SafeInfo{
		"0xa1": {SafeAddress: "0xsafe1", SafeBalance: 30000, Registered: true},
		"0xa2": {SafeAddress: "0xsafe1", SafeBalance: 30000, Registered: true},
		"0xa3": {SafeAddress: "0xsafe2", SafeBalance: 10000, Registered: true},
	})

	p1, _ := r.Get("p1")
	p2, _ := r.Get("p2")
	p3, _ := r.Get("p3")
	if p1.SafePeerCount != 2 || p2.SafePeerCount != 2 {
		t.Fatalf("siblings = %d/%d, want 2/2", p1.SafePeerCount, p2.SafePeerCount)
	}
	if p3.SafePeerCount != 1 {
		t.Fatalf("p3 siblings = %d, want 1", p3.SafePeerCount)
	}

	// The safe's stake counts exactly once across its siblings.
	total := p1.SplitStake() + p2.SplitStake()
	if total != 30000 {
		t.Fatalf("shared safe stake = %v, want 30000 counted once", total)
	}
}

func TestApplySafes_DoesNotTouchTopologyFields(t *testing.T) {
	r := New()
	now := time.Now()
	r.ApplyTopology(map[string]TopologyInfo{"p1": topoInfo("p1", "0xa1", 7)}, now)

	r.ApplySafes(map[string]SafeInfo{"0xa1": {SafeAddress: "0xs", SafeBalance: 1}})

	p, _ := r.Get("p1")
	if p.ChannelBalance != 7 || p.Health != HealthHealthy {
		t.Fatalf("topology-owned fields changed: %+v", p)
	}
}

func TestSplitStake_IncludesAllocationAndChannels(t *testing.T) {
	p := Peer{
		SafeBalance:       100,
		AllocationBalance: 20,
		SafePeerCount:     2,
		ChannelBalance:    5,
	}
	if got := p.SplitStake(); got != 65 {
		t.Fatalf("SplitStake = %v, want (100+20)/2 + 5 = 65", got)
	}
}

func TestApplyOutcomes_ClearsAbsentPeers(t *testing.T) {
	r := New()
	now := time.Now()
	r.ApplyTopology(map[string]TopologyInfo{
		"p1": topoInfo("p1", "0xa1", 0),
		"p2": topoInfo("p2", "0xa2", 0),
	}, now)

	r.ApplyOutcomes(map[string]Outcome{
		"p1": {Eligible: true, Probability: 0.4},
	})

	p1, _ := r.Get("p1")
	p2, _ := r.Get("p2")
	if !p1.Eligible || p1.Probability != 0.4 {
		t.Fatalf("p1 outcome %+v", p1)
	}
	if p2.Eligible || p2.Probability != 0 {
		t.Fatalf("p2 should be cleared, got %+v", p2)
	}
}
