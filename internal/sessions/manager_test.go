package sessions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Klingon-tech/mixnet-ct/config"
	"github.com/Klingon-tech/mixnet-ct/internal/nodeapi"
	"github.com/Klingon-tech/mixnet-ct/internal/nodeapi/apitest"
	"github.com/Klingon-tech/mixnet-ct/internal/registry"
	"github.com/Klingon-tech/mixnet-ct/pkg/types"
)

var testSessionConfig = config.SessionsConfig{
	GracePeriodSeconds:     300,
	MaxCloseAttempts:       3,
	ShutdownTimeoutSeconds: 5,
	ListenHost:             "127.0.0.1:0",
}

func markHealthy(r *registry.Registry, ids ...string) {
	seen := make(map[string]registry.TopologyInfo, len(ids))
	for _, id := range ids {
		seen[id] = registry.TopologyInfo{
			Address: types.NewAddress(id, "0x"+id),
			Version: "2.1.5",
			Quality: 1,
		}
	}
	r.ApplyTopology(seen, time.Now())
}

// markUnreachableSince flips every known peer to unreachable; an empty
// topology pass records the pass time as the unreachable timestamp.
func markUnreachableSince(r *registry.Registry, since time.Time) {
	r.ApplyTopology(map[string]registry.TopologyInfo{}, since)
}

func newManager(t *testing.T, fake *apitest.Fake, reg *registry.Registry) *Manager {
	t.Helper()
	fake.Addr = nodeapi.Addresses{PeerID: "self", Native: "0xself"}
	return New(fake, reg, testSessionConfig, fake.Addr)
}

func TestReconcile_OpensAndClosesBySelection(t *testing.T) {
	fake := &apitest.Fake{}
	reg := registry.New()
	markHealthy(reg, "p1", "p2")
	m := newManager(t, fake, reg)

	m.Reconcile(context.Background(), []string{"p1", "p2"})
	if m.Len() != 2 {
		t.Fatalf("Len = %d, want 2", m.Len())
	}

	// p2 drops out of the selection, its session closes.
	m.Reconcile(context.Background(), []string{"p1"})
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after deselection", m.Len())
	}
	if _, ok := m.Session("p2"); ok {
		t.Fatal("p2 session still tracked after deselection")
	}
	if got := fake.CallsTo("CloseSession(p2)"); got != 1 {
		t.Fatalf("CloseSession(p2) calls = %d, want 1", got)
	}
}

func TestTick_FlapWithinGraceNeverCloses(t *testing.T) {
	fake := &apitest.Fake{}
	reg := registry.New()
	markHealthy(reg, "p1")
	m := newManager(t, fake, reg)
	m.Reconcile(context.Background(), []string{"p1"})

	// Unreachable for far less than the grace period, then recovered.
	markUnreachableSince(reg, time.Now().Add(-10*time.Second))
	m.Tick(context.Background())
	markHealthy(reg, "p1")
	m.Tick(context.Background())

	if got := fake.CallsTo("CloseSession"); got != 0 {
		t.Fatalf("CloseSession calls = %d, session must survive a short flap", got)
	}
	if _, ok := m.Session("p1"); !ok {
		t.Fatal("p1 session lost")
	}

	// The timer was cancelled: going unreachable again restarts it from
	// scratch rather than resuming.
	markUnreachableSince(reg, time.Now().Add(-10*time.Second))
	m.Tick(context.Background())
	if got := fake.CallsTo("CloseSession"); got != 0 {
		t.Fatalf("CloseSession calls = %d after fresh flap, want 0", got)
	}
}

func TestTick_GraceExpiryClosesOnce(t *testing.T) {
	fake := &apitest.Fake{}
	reg := registry.New()
	markHealthy(reg, "p1")
	m := newManager(t, fake, reg)
	m.Reconcile(context.Background(), []string{"p1"})

	markUnreachableSince(reg, time.Now().Add(-10*time.Minute))
	m.Tick(context.Background())

	if got := fake.CallsTo("CloseSession(p1)"); got != 1 {
		t.Fatalf("CloseSession calls = %d, want exactly 1", got)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, entry must be removed after successful close", m.Len())
	}

	// Further ticks have nothing left to close.
	m.Tick(context.Background())
	if got := fake.CallsTo("CloseSession(p1)"); got != 1 {
		t.Fatalf("CloseSession calls = %d after extra tick, want still 1", got)
	}
}

func TestTick_CloseFailureRetriesThenOrphans(t *testing.T) {
	fake := &apitest.Fake{Errs: map[string]error{"CloseSession": fmt.Errorf("gateway timeout")}}
	reg := registry.New()
	markHealthy(reg, "p1")
	m := newManager(t, fake, reg)
	m.Reconcile(context.Background(), []string{"p1"})

	markUnreachableSince(reg, time.Now().Add(-10*time.Minute))

	// Entry survives failed closes until the attempt ceiling.
	m.Tick(context.Background())
	m.Tick(context.Background())
	if m.Len() != 1 {
		t.Fatalf("Len = %d, entry dropped before attempts exhausted", m.Len())
	}

	m.Tick(context.Background())
	if got := fake.CallsTo("CloseSession(p1)"); got != 3 {
		t.Fatalf("CloseSession calls = %d, want 3", got)
	}
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after orphaning", m.Len())
	}
	orphans := m.Orphaned()
	if len(orphans) != 1 || orphans[0].Relayer != "p1" {
		t.Fatalf("Orphaned = %v, want the p1 session surfaced", orphans)
	}
}

func TestCloseAll_ClosesEverySession(t *testing.T) {
	fake := &apitest.Fake{}
	reg := registry.New()
	relayers := []string{"p1", "p2", "p3", "p4"}
	markHealthy(reg, relayers...)
	m := newManager(t, fake, reg)
	m.Reconcile(context.Background(), relayers)
	if m.Len() != 4 {
		t.Fatalf("Len = %d, want 4", m.Len())
	}

	m.CloseAll(context.Background())

	if m.Len() != 0 {
		t.Fatalf("Len = %d after shutdown, want 0", m.Len())
	}
	if got := fake.CallsTo("CloseSession"); got != 4 {
		t.Fatalf("CloseSession calls = %d, want one per session", got)
	}
	if len(fake.Sessions) != 0 {
		t.Fatalf("%d remote sessions left open", len(fake.Sessions))
	}
}

func TestCloseAll_FailingClosesStillEmptyTable(t *testing.T) {
	fake := &apitest.Fake{}
	reg := registry.New()
	markHealthy(reg, "p1", "p2")
	m := newManager(t, fake, reg)
	m.Reconcile(context.Background(), []string{"p1", "p2"})

	fake.Errs = map[string]error{"CloseSession": fmt.Errorf("connection refused")}
	m.CloseAll(context.Background())

	if m.Len() != 0 {
		t.Fatalf("Len = %d after shutdown, want 0 even when closes fail", m.Len())
	}
	if len(m.Orphaned()) != 2 {
		t.Fatalf("Orphaned = %d, failed closes must be surfaced", len(m.Orphaned()))
	}
	if got := fake.CallsTo("CloseSession"); got < 2 {
		t.Fatalf("CloseSession calls = %d, every session needs at least one attempt", got)
	}
}

func TestReconcile_NeverOpensToSelf(t *testing.T) {
	fake := &apitest.Fake{}
	reg := registry.New()
	markHealthy(reg, "self", "p1")
	m := newManager(t, fake, reg)

	m.Reconcile(context.Background(), []string{"self", "p1"})
	if _, ok := m.Session("self"); ok {
		t.Fatal("opened a session relayed through the node itself")
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
}
